package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/tbflow/pkg/config"
	"github.com/tcmartin/tbflow/pkg/journal"
)

const testFlow = `
metadata:
  name: devices
nodes:
  device:
    type: thingsboard
    params:
      method: getDeviceByIdUsingGET
      bindings:
        deviceId: {type: msg, value: topic}
    wires: [out]
  out:
    type: debug
`

func writeFlow(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testFlow), 0644))
	return path
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Flow.Path = writeFlow(t)
	cfg.ThingsBoard.URL = "http://thingsboard.invalid"
	cfg.Logging.Output = "stderr"
	return cfg
}

func TestNewApp(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer app.Stop(context.Background())

	assert.Equal(t, "devices", app.flow.ID())
	assert.Len(t, app.flow.Nodes(), 2)

	rec := httptest.NewRecorder()
	app.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewAppRedisJournal(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	cfg := testConfig(t)
	cfg.Journal.Type = "redis"
	cfg.Journal.Redis.Addr = s.Addr()

	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Stop(context.Background())

	rec := httptest.NewRecorder()
	app.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nodes/device/calls", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	require.Len(t, app.closers, 2)
	_, ok := app.closers[1].(*journal.RedisJournal)
	assert.True(t, ok)
}

func TestNewAppErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Flow.Path = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := NewApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "failed to load flow")

	cfg = testConfig(t)
	cfg.ThingsBoard.URL = ""
	_, err = NewApp(context.Background(), cfg)
	assert.Error(t, err, "thingsboard node without a server")

	s, err := miniredis.Run()
	require.NoError(t, err)
	addr := s.Addr()
	s.Close()

	cfg = testConfig(t)
	cfg.Journal.Type = "redis"
	cfg.Journal.Redis.Addr = addr
	_, err = NewApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "failed to connect to Redis")
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.DefaultConfig()
	cfg.Server.Port = 9000
	require.NoError(t, config.SaveConfig(cfg, path))

	old := *configPath
	*configPath = path
	defer func() { *configPath = old }()

	t.Setenv("TBFLOW_SERVER_PORT", "9100")
	t.Setenv("TBFLOW_TB_URL", "https://tb.example.com")

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9100, loaded.Server.Port)
	assert.Equal(t, "https://tb.example.com", loaded.ThingsBoard.URL)

	t.Setenv("TBFLOW_JOURNAL_TYPE", "sqlite")
	_, err = loadConfig()
	assert.ErrorContains(t, err, "invalid configuration")
}
