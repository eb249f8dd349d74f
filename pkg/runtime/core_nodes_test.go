package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/tbflow/pkg/tbclient"
)

func TestCoreNodeTypes(t *testing.T) {
	types := CoreNodeTypes()
	for _, name := range []string{
		ThingsBoardNodeType, InjectNodeType, FunctionNodeType, DebugNodeType,
		DelayNodeType, MQTTInNodeType, MQTTOutNodeType,
	} {
		assert.Contains(t, types, name)
	}
}

func TestResolveServer(t *testing.T) {
	servers := map[string]tbclient.Config{
		DefaultServer: {URL: "https://default.example.com"},
		"eu":          {URL: "https://eu.example.com"},
	}

	cfg, err := ResolveServer(nil, servers)
	require.NoError(t, err)
	assert.Equal(t, "https://default.example.com", cfg.URL)

	cfg, err = ResolveServer("eu", servers)
	require.NoError(t, err)
	assert.Equal(t, "https://eu.example.com", cfg.URL)

	_, err = ResolveServer("us", servers)
	assert.EqualError(t, err, "unknown server: us")

	_, err = ResolveServer(nil, map[string]tbclient.Config{})
	assert.EqualError(t, err, "server parameter is required")

	_, err = ResolveServer(42, servers)
	assert.Error(t, err)

	cfg, err = ResolveServer(map[string]interface{}{"url": "https://inline.example.com"}, servers)
	require.NoError(t, err)
	assert.Equal(t, "https://inline.example.com", cfg.URL)
}

func TestDecodeServer(t *testing.T) {
	cfg, err := DecodeServer(map[string]interface{}{
		"url":         "https://tb.example.com",
		"token":       "jwt",
		"timeout":     "5s",
		"retry_wait":  250,
		"max_retries": 2,
		"headers":     map[string]interface{}{"X-Tenant": "acme", "X-Shard": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, tbclient.Config{
		URL:        "https://tb.example.com",
		Token:      "jwt",
		Timeout:    5 * time.Second,
		RetryWait:  250 * time.Millisecond,
		MaxRetries: 2,
		Headers:    map[string]string{"X-Tenant": "acme", "X-Shard": "3"},
	}, cfg)

	tests := []struct {
		name string
		raw  map[string]interface{}
	}{
		{"missing url", map[string]interface{}{"token": "jwt"}},
		{"negative retries", map[string]interface{}{"url": "u", "max_retries": -1}},
		{"bad timeout", map[string]interface{}{"url": "u", "timeout": "later"}},
		{"bad retry wait", map[string]interface{}{"url": "u", "retry_wait": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeServer(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestThingsBoardNodeFactory(t *testing.T) {
	env := &Env{Servers: map[string]tbclient.Config{DefaultServer: {URL: "https://tb.example.com"}}}

	node, err := NewThingsBoardNodeFactory("device", map[string]interface{}{
		"method": "getDeviceByIdUsingGET",
		"bindings": map[string]interface{}{
			"deviceId": map[string]interface{}{"type": "msg", "value": "topic", "fallback": false},
		},
	}, newFakeHost("device"), env)
	require.NoError(t, err)

	tb := node.(*ThingsBoardNode)
	assert.Equal(t, "https://tb.example.com", tb.Config().Server.URL)
	assert.Equal(t, Binding{Source: MessagePath("topic"), Fallback: false}, tb.Config().Bindings["deviceId"])
	require.NotNil(t, tb.Operation())
	assert.Equal(t, "/api/device/{deviceId}", tb.Operation().Path)

	_, err = NewThingsBoardNodeFactory("device", map[string]interface{}{}, newFakeHost("device"), env)
	assert.EqualError(t, err, "method parameter is required")

	_, err = NewThingsBoardNodeFactory("device", map[string]interface{}{
		"method":   "getDeviceByIdUsingGET",
		"bindings": []interface{}{"deviceId"},
	}, newFakeHost("device"), env)
	assert.ErrorContains(t, err, "bindings must be a map")
}
