// Package config provides configuration handling for tbflow.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tcmartin/tbflow/pkg/logging"
	"github.com/tcmartin/tbflow/pkg/tbclient"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TBFLOW_"

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server"`

	// Flow configuration
	Flow FlowConfig `json:"flow"`

	// ThingsBoard holds the default server for flows that declare none
	ThingsBoard ThingsBoardConfig `json:"thingsboard"`

	// Journal configuration
	Journal JournalConfig `json:"journal"`

	// MQTT configuration
	MQTT MQTTConfig `json:"mqtt"`

	// Auth configuration
	Auth AuthConfig `json:"auth"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host"`

	// Port to listen on
	Port int `json:"port"`

	// TLS configuration
	TLS TLSConfig `json:"tls"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	// Enabled indicates whether TLS is enabled
	Enabled bool `json:"enabled"`

	// CertFile is the path to the certificate file
	CertFile string `json:"cert_file"`

	// KeyFile is the path to the key file
	KeyFile string `json:"key_file"`
}

// FlowConfig points at the flow definition to run
type FlowConfig struct {
	// Path is the YAML flow file
	Path string `json:"path"`
}

// ThingsBoardConfig contains the default ThingsBoard connection
type ThingsBoardConfig struct {
	URL        string            `json:"url"`
	Token      string            `json:"token"`
	Timeout    Duration          `json:"timeout"`
	MaxRetries int               `json:"max_retries"`
	RetryWait  Duration          `json:"retry_wait"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Client converts the settings to a client configuration
func (t ThingsBoardConfig) Client() tbclient.Config {
	return tbclient.Config{
		URL:        t.URL,
		Token:      t.Token,
		Timeout:    time.Duration(t.Timeout),
		MaxRetries: t.MaxRetries,
		RetryWait:  time.Duration(t.RetryWait),
		Headers:    t.Headers,
	}
}

// JournalConfig contains call journal settings
type JournalConfig struct {
	// Type of journal to use
	Type string `json:"type"` // "memory", "redis"

	// Limit is the number of records kept per node
	Limit int `json:"limit"`

	// Redis configuration
	Redis RedisConfig `json:"redis"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// MQTTConfig contains broker settings for mqtt nodes
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883. Empty disables mqtt nodes.
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthConfig contains API authentication settings
type AuthConfig struct {
	// JWTSecret enables bearer token checks on the API when set
	JWTSecret string `json:"jwt_secret"`

	// TokenExpiration is the token expiration time in hours
	TokenExpiration int `json:"token_expiration"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Level is the logging level
	Level string `json:"level"` // "debug", "info", "warn", "error"

	// Format is the log format
	Format string `json:"format"` // "json", "text"

	// Output is the log output
	Output string `json:"output"` // "stdout", "stderr", "file"

	// FilePath is the path to the log file
	FilePath string `json:"file_path"`
}

// LogConfig converts the settings to a logger configuration
func (l LoggingConfig) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:    l.Level,
		Format:   l.Format,
		Output:   l.Output,
		FilePath: l.FilePath,
	}
}

// Duration is a time.Duration read from "30s" style strings or milliseconds
type Duration time.Duration

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON reads a duration string or a number of milliseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	default:
		return fmt.Errorf("invalid duration: %s", string(data))
	}
	return nil
}

// LoadConfig loads the configuration from a file on top of the defaults
func LoadConfig(path string) (*Config, error) {
	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse the JSON
	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
			TLS: TLSConfig{
				Enabled: false,
			},
		},
		Flow: FlowConfig{
			Path: "./flow.yaml",
		},
		ThingsBoard: ThingsBoardConfig{
			Timeout: Duration(30 * time.Second),
		},
		Journal: JournalConfig{
			Type:  "memory",
			Limit: 100,
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		MQTT: MQTTConfig{
			ClientID: "tbflow",
		},
		Auth: AuthConfig{
			TokenExpiration: 24,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, path string) error {
	// Create the directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal the JSON
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write the file
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for inconsistent settings
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("tls requires cert_file and key_file")
	}
	switch c.Journal.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported journal type: %s", c.Journal.Type)
	}
	if c.ThingsBoard.MaxRetries < 0 {
		return fmt.Errorf("thingsboard.max_retries must not be negative")
	}
	return nil
}

// ApplyEnv overrides configuration values from TBFLOW_* variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return v, ok && v != ""
	}

	strs := map[string]*string{
		"SERVER_HOST":    &c.Server.Host,
		"FLOW_PATH":      &c.Flow.Path,
		"TB_URL":         &c.ThingsBoard.URL,
		"TB_TOKEN":       &c.ThingsBoard.Token,
		"JOURNAL_TYPE":   &c.Journal.Type,
		"REDIS_ADDR":     &c.Journal.Redis.Addr,
		"REDIS_PASSWORD": &c.Journal.Redis.Password,
		"MQTT_BROKER":    &c.MQTT.Broker,
		"MQTT_CLIENT_ID": &c.MQTT.ClientID,
		"MQTT_USERNAME":  &c.MQTT.Username,
		"MQTT_PASSWORD":  &c.MQTT.Password,
		"JWT_SECRET":     &c.Auth.JWTSecret,
		"LOG_LEVEL":      &c.Logging.Level,
		"LOG_FORMAT":     &c.Logging.Format,
	}
	for name, target := range strs {
		if v, ok := get(name); ok {
			*target = v
		}
	}

	ints := map[string]*int{
		"SERVER_PORT":    &c.Server.Port,
		"TB_MAX_RETRIES": &c.ThingsBoard.MaxRetries,
		"JOURNAL_LIMIT":  &c.Journal.Limit,
		"REDIS_DB":       &c.Journal.Redis.DB,
	}
	for name, target := range ints {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*target = n
		}
	}

	durations := map[string]*Duration{
		"TB_TIMEOUT":    &c.ThingsBoard.Timeout,
		"TB_RETRY_WAIT": &c.ThingsBoard.RetryWait,
	}
	for name, target := range durations {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*target = Duration(d)
		}
	}
	return nil
}
