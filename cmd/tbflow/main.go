// Package main is the entry point for the tbflow server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tcmartin/tbflow/pkg/api"
	"github.com/tcmartin/tbflow/pkg/config"
	"github.com/tcmartin/tbflow/pkg/journal"
	"github.com/tcmartin/tbflow/pkg/loader"
	"github.com/tcmartin/tbflow/pkg/logging"
	"github.com/tcmartin/tbflow/pkg/runtime"
	"github.com/tcmartin/tbflow/pkg/tbclient"
)

var (
	// Command-line flags
	configPath = flag.String("config", "", "Path to config file")
	flowPath   = flag.String("flow", "", "Path to flow file, overrides flow.path")
	version    = flag.Bool("version", false, "Print version information")
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "tbflow"
)

func main() {
	// Load environment variables from .env file
	_ = godotenv.Load()

	// Parse command-line flags
	flag.Parse()

	// Print version information if requested
	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		return
	}

	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *flowPath != "" {
		cfg.Flow.Path = *flowPath
	}

	// Initialize the application
	app, err := NewApp(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	// Handle graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Start the application in a goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	// Wait for interrupt signal or error
	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Application failed: %v", err)
		}
	case <-stop:
		app.logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Stop(ctx); err != nil {
			log.Fatalf("Error during shutdown: %v", err)
		}
	}
}

// loadConfig loads the configuration from the specified path or the standard
// locations, then applies TBFLOW_* overrides
func loadConfig() (*config.Config, error) {
	var cfg *config.Config

	// If a config path is specified, load it
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", *configPath, err)
		}
	} else {
		// Otherwise, look for a config file in standard locations
		locations := []string{
			"./config.json",
			"./configs/config.json",
			filepath.Join(os.Getenv("HOME"), ".tbflow", "config.json"),
			"/etc/tbflow/config.json",
		}

		for _, path := range locations {
			if loadedCfg, err := config.LoadConfig(path); err == nil {
				cfg = loadedCfg
				break
			}
		}

		// Fall back to the defaults
		if cfg == nil {
			cfg = config.DefaultConfig()
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// App wires the flow, its journal and the API server
type App struct {
	config  *config.Config
	logger  logging.Logger
	closers []io.Closer
	flow    *runtime.Flow
	server  *api.Server
}

// NewApp creates the application from a validated configuration
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, logCloser, err := logging.New(cfg.Logging.LogConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	app := &App{config: cfg, logger: logger, closers: []io.Closer{logCloser}}

	jrnl, err := app.newJournal(ctx)
	if err != nil {
		app.close()
		return nil, err
	}

	env := &runtime.Env{
		Servers: map[string]tbclient.Config{},
		Journal: jrnl,
		Logger:  logger,
	}
	if cfg.ThingsBoard.URL != "" {
		env.Servers[runtime.DefaultServer] = cfg.ThingsBoard.Client()
	}
	if cfg.MQTT.Broker != "" {
		env.MQTT = &runtime.PahoDialer{
			Broker:         cfg.MQTT.Broker,
			ClientIDPrefix: cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
		}
	}

	flow, err := loader.NewYAMLLoader(env).LoadFile(cfg.Flow.Path)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}
	app.flow = flow
	app.server = api.NewServer(cfg, flow, jrnl, logger)

	return app, nil
}

func (a *App) newJournal(ctx context.Context) (journal.Journal, error) {
	cfg := a.config.Journal
	switch cfg.Type {
	case "memory":
		return journal.NewMemoryJournal(cfg.Limit), nil
	case "redis":
		client, err := journal.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		j := journal.NewRedisJournal(client, cfg.Limit)
		a.closers = append(a.closers, j)
		a.logger.Info("redis journal connected", logging.F("addr", cfg.Redis.Addr))
		return j, nil
	default:
		return nil, fmt.Errorf("unsupported journal type: %s", cfg.Type)
	}
}

// Start starts the flow and serves the API until stopped
func (a *App) Start() error {
	a.logger.LogSystemEvent("starting", map[string]interface{}{
		"app":     AppName,
		"version": AppVersion,
		"flow":    a.flow.ID(),
	})
	if err := a.flow.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start flow: %w", err)
	}
	return a.server.Start()
}

// Stop stops the application gracefully
func (a *App) Stop(ctx context.Context) error {
	// Stop the server
	if err := a.server.Stop(ctx); err != nil {
		return err
	}

	// Close the flow
	if err := a.flow.Close(); err != nil {
		a.logger.Warn("flow closed with errors", logging.Err(err))
	}

	a.close()
	return nil
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if a.closers[i] != nil {
			a.closers[i].Close()
		}
	}
}
