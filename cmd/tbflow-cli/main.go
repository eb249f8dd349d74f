// Package main provides a CLI for ThingsBoard operations and a running tbflow server.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Config represents the CLI configuration
type Config struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
	TBURL     string `json:"tb_url"`
	TBToken   string `json:"tb_token"`
}

// options holds the global flags
type options struct {
	serverURL  string
	token      string
	configPath string
	config     Config
}

func main() {
	// Load environment variables from .env file
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	// Root command
	rootCmd := &cobra.Command{
		Use:           "tbflow-cli",
		Short:         "tbflow CLI",
		Long:          "Command-line interface for ThingsBoard operations and the tbflow server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	// Add global flags
	rootCmd.PersistentFlags().StringVar(&opts.serverURL, "server", "", "tbflow server URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", "", "tbflow API token")
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file")

	rootCmd.AddCommand(
		newOperationsCmd(),
		newCallCmd(opts),
		newInjectCmd(opts),
		newNodesCmd(opts),
		newCallsCmd(opts),
		newEventsCmd(opts),
		newTokenCmd(),
	)
	return rootCmd
}

// load fills unset options from the config file and the environment
func (o *options) load() error {
	path := o.configPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".tbflow", "cli-config.json")
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &o.config); err != nil {
				return fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err) || o.configPath != "":
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if o.serverURL == "" {
		o.serverURL = firstNonEmpty(o.config.ServerURL, os.Getenv("TBFLOW_SERVER_URL"), "http://localhost:8080")
	}
	if o.token == "" {
		o.token = firstNonEmpty(o.config.Token, os.Getenv("TBFLOW_API_TOKEN"))
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
