package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Backend         BackendConfig         `yaml:"backend"`
	Client          ClientConfig          `yaml:"client"`
	Worker          WorkerConfig          `yaml:"worker"`
	Log             LogConfig             `yaml:"log"`
	SnapshotStorage SnapshotStorageConfig `yaml:"snapshot_storage"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// BackendConfig contains the hosted record store settings.
type BackendConfig struct {
	DatabasePath string `yaml:"database_path"`
	// Tokens maps API tokens to the owner they authenticate.
	Tokens map[string]string `yaml:"-"` // env-only, never in YAML
}

// ClientConfig contains on-device settings.
type ClientConfig struct {
	DatabasePath string   `yaml:"database_path"`
	ServerURL    string   `yaml:"server_url"`
	Token        string   `yaml:"-"` // env or keyring, never in YAML
	SyncInterval Duration `yaml:"sync_interval"`
	QueueShards  int      `yaml:"queue_shards"`
	QueueDepth   int      `yaml:"queue_depth"`
	Retries      int      `yaml:"retries"`
}

// WorkerConfig contains server background worker settings.
type WorkerConfig struct {
	CompactionInterval Duration `yaml:"compaction_interval"`
	ChangeLogRetention Duration `yaml:"change_log_retention"`
	SnapshotInterval   Duration `yaml:"snapshot_interval"`
	SnapshotDir        string   `yaml:"snapshot_dir"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, receives logs through a rotating writer.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// SnapshotStorageConfig contains S3-compatible object storage settings for
// backend snapshots. An empty bucket keeps snapshots local.
type SnapshotStorageConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	URLExpiry Duration `yaml:"url_expiry"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("CADENCE_CONFIG_PATH", "config/cadence.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and an explicit config path.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Backend: BackendConfig{
			DatabasePath: "data/cadence-backend.db",
		},
		Client: ClientConfig{
			DatabasePath: "data/cadence.db",
			SyncInterval: Duration(5 * time.Minute),
			QueueShards:  4,
			QueueDepth:   256,
			Retries:      3,
		},
		Worker: WorkerConfig{
			CompactionInterval: Duration(1 * time.Hour),
			ChangeLogRetention: Duration(7 * 24 * time.Hour),
			SnapshotInterval:   Duration(6 * time.Hour),
			SnapshotDir:        "data/snapshots",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		SnapshotStorage: SnapshotStorageConfig{
			Region:    "us-east-1",
			URLExpiry: Duration(15 * time.Minute),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("CADENCE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("CADENCE_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("CADENCE_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("CADENCE_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Backend
	if v := os.Getenv("CADENCE_BACKEND_DB_PATH"); v != "" {
		cfg.Backend.DatabasePath = v
	}
	if v := os.Getenv("CADENCE_TOKENS"); v != "" {
		cfg.Backend.Tokens = parseTokens(v)
	}

	// Client
	if v := os.Getenv("CADENCE_DB_PATH"); v != "" {
		cfg.Client.DatabasePath = v
	}
	if v := os.Getenv("CADENCE_SERVER_URL"); v != "" {
		cfg.Client.ServerURL = v
	}
	if v := os.Getenv("CADENCE_TOKEN"); v != "" {
		cfg.Client.Token = v
	}
	envDuration("CADENCE_SYNC_INTERVAL", &cfg.Client.SyncInterval)
	envInt("CADENCE_QUEUE_SHARDS", &cfg.Client.QueueShards)
	envInt("CADENCE_QUEUE_DEPTH", &cfg.Client.QueueDepth)
	envInt("CADENCE_RETRIES", &cfg.Client.Retries)

	// Worker
	envDuration("CADENCE_COMPACTION_INTERVAL", &cfg.Worker.CompactionInterval)
	envDuration("CADENCE_CHANGE_LOG_RETENTION", &cfg.Worker.ChangeLogRetention)
	envDuration("CADENCE_SNAPSHOT_INTERVAL", &cfg.Worker.SnapshotInterval)
	if v := os.Getenv("CADENCE_SNAPSHOT_DIR"); v != "" {
		cfg.Worker.SnapshotDir = v
	}

	// Log
	if v := os.Getenv("CADENCE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CADENCE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("CADENCE_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	// Snapshot storage
	if v := os.Getenv("CADENCE_SNAPSHOT_BUCKET"); v != "" {
		cfg.SnapshotStorage.Bucket = v
	}
	if v := os.Getenv("CADENCE_S3_ENDPOINT"); v != "" {
		cfg.SnapshotStorage.Endpoint = v
	}
	if v := os.Getenv("CADENCE_S3_REGION"); v != "" {
		cfg.SnapshotStorage.Region = v
	}
	if v := os.Getenv("CADENCE_S3_ACCESS_KEY"); v != "" {
		cfg.SnapshotStorage.AccessKey = v
	}
	if v := os.Getenv("CADENCE_S3_SECRET_KEY"); v != "" {
		cfg.SnapshotStorage.SecretKey = v
	}
	if v := os.Getenv("CADENCE_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.SnapshotStorage.UseSSL = &useSSL
	}
	envDuration("CADENCE_S3_URL_EXPIRY", &cfg.SnapshotStorage.URLExpiry)
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// parseTokens reads "token=owner" pairs separated by commas. Malformed
// pairs are skipped.
func parseTokens(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		token, owner, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || token == "" || owner == "" {
			continue
		}
		out[token] = owner
	}
	return out
}

// validate checks values shared by every command.
func (c *Config) validate() error {
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", c.Log.Format)
	}
	if c.Client.QueueShards < 1 {
		return errors.New("client.queue_shards must be at least 1")
	}
	if c.Client.QueueDepth < 1 {
		return errors.New("client.queue_depth must be at least 1")
	}
	if c.Client.SyncInterval <= 0 {
		return errors.New("client.sync_interval must be positive")
	}
	if c.Worker.CompactionInterval <= 0 || c.Worker.SnapshotInterval <= 0 {
		return errors.New("worker intervals must be positive")
	}
	return nil
}

// ValidateServer checks the settings the serve command needs.
// In dev mode (CADENCE_DEV_MODE=true), token validation is skipped.
func (c *Config) ValidateServer() error {
	if os.Getenv("CADENCE_DEV_MODE") == "true" {
		return nil
	}
	if len(c.Backend.Tokens) == 0 {
		return errors.New("CADENCE_TOKENS is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
