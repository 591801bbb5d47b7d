package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// clearEnv blanks every config-related env var for the test.
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"CADENCE_CONFIG_PATH",
		"CADENCE_DEV_MODE",
		"CADENCE_PORT",
		"CADENCE_READ_TIMEOUT",
		"CADENCE_WRITE_TIMEOUT",
		"CADENCE_SHUTDOWN_TIMEOUT",
		"CADENCE_BACKEND_DB_PATH",
		"CADENCE_TOKENS",
		"CADENCE_DB_PATH",
		"CADENCE_SERVER_URL",
		"CADENCE_TOKEN",
		"CADENCE_SYNC_INTERVAL",
		"CADENCE_QUEUE_SHARDS",
		"CADENCE_QUEUE_DEPTH",
		"CADENCE_RETRIES",
		"CADENCE_COMPACTION_INTERVAL",
		"CADENCE_CHANGE_LOG_RETENTION",
		"CADENCE_SNAPSHOT_INTERVAL",
		"CADENCE_SNAPSHOT_DIR",
		"CADENCE_LOG_LEVEL",
		"CADENCE_LOG_FORMAT",
		"CADENCE_LOG_FILE",
		"CADENCE_SNAPSHOT_BUCKET",
		"CADENCE_S3_ENDPOINT",
		"CADENCE_S3_REGION",
		"CADENCE_S3_ACCESS_KEY",
		"CADENCE_S3_SECRET_KEY",
		"CADENCE_S3_USE_SSL",
		"CADENCE_S3_URL_EXPIRY",
	}
	for _, v := range envVars {
		t.Setenv(v, "")
	}
	t.Setenv("CADENCE_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cadence.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", dur(cfg.Server.ShutdownTimeout))
	}
	if cfg.Client.DatabasePath != "data/cadence.db" {
		t.Errorf("Client.DatabasePath = %q", cfg.Client.DatabasePath)
	}
	if dur(cfg.Client.SyncInterval) != 5*time.Minute {
		t.Errorf("Client.SyncInterval = %v, want 5m", dur(cfg.Client.SyncInterval))
	}
	if cfg.Client.QueueShards != 4 || cfg.Client.QueueDepth != 256 {
		t.Errorf("queue = %d/%d, want 4/256", cfg.Client.QueueShards, cfg.Client.QueueDepth)
	}
	if dur(cfg.Worker.ChangeLogRetention) != 7*24*time.Hour {
		t.Errorf("Worker.ChangeLogRetention = %v, want 168h", dur(cfg.Worker.ChangeLogRetention))
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
	if cfg.SnapshotStorage.Bucket != "" {
		t.Errorf("SnapshotStorage.Bucket = %q, want empty", cfg.SnapshotStorage.Bucket)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CADENCE_PORT", "9090")
	t.Setenv("CADENCE_DB_PATH", "/tmp/device.db")
	t.Setenv("CADENCE_SERVER_URL", "https://cadence.example.com")
	t.Setenv("CADENCE_SYNC_INTERVAL", "30s")
	t.Setenv("CADENCE_QUEUE_SHARDS", "8")
	t.Setenv("CADENCE_LOG_FORMAT", "text")
	t.Setenv("CADENCE_S3_USE_SSL", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Client.DatabasePath != "/tmp/device.db" {
		t.Errorf("Client.DatabasePath = %q", cfg.Client.DatabasePath)
	}
	if cfg.Client.ServerURL != "https://cadence.example.com" {
		t.Errorf("Client.ServerURL = %q", cfg.Client.ServerURL)
	}
	if dur(cfg.Client.SyncInterval) != 30*time.Second {
		t.Errorf("Client.SyncInterval = %v, want 30s", dur(cfg.Client.SyncInterval))
	}
	if cfg.Client.QueueShards != 8 {
		t.Errorf("Client.QueueShards = %d, want 8", cfg.Client.QueueShards)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want text", cfg.Log.Format)
	}
	if cfg.SnapshotStorage.UseSSL == nil || *cfg.SnapshotStorage.UseSSL {
		t.Errorf("SnapshotStorage.UseSSL = %v, want false", cfg.SnapshotStorage.UseSSL)
	}
}

func TestLoad_InvalidEnvValueIsIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("CADENCE_PORT", "not-a-port")
	t.Setenv("CADENCE_SYNC_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if dur(cfg.Client.SyncInterval) != 5*time.Minute {
		t.Errorf("Client.SyncInterval = %v, want default", dur(cfg.Client.SyncInterval))
	}
}

func TestLoad_TokensFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CADENCE_TOKENS", "tok-a=alice, tok-b=bob,broken,=nobody")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := map[string]string{"tok-a": "alice", "tok-b": "bob"}
	if len(cfg.Backend.Tokens) != len(want) {
		t.Fatalf("Backend.Tokens = %v, want %v", cfg.Backend.Tokens, want)
	}
	for tok, owner := range want {
		if cfg.Backend.Tokens[tok] != owner {
			t.Errorf("Backend.Tokens[%q] = %q, want %q", tok, cfg.Backend.Tokens[tok], owner)
		}
	}
}

func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 7000
  read_timeout: 5s
client:
  database_path: /var/lib/cadence/device.db
  server_url: http://localhost:7000
  sync_interval: 2m
worker:
  compaction_interval: 10m
  change_log_retention: 48h
log:
  level: debug
  format: text
  file: /var/log/cadence.log
snapshot_storage:
  bucket: cadence-snapshots
  endpoint: localhost:9000
  use_ssl: false
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 7000 || dur(cfg.Server.ReadTimeout) != 5*time.Second {
		t.Errorf("Server = %+v", cfg.Server)
	}
	// Unset values keep their defaults.
	if dur(cfg.Server.WriteTimeout) != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", dur(cfg.Server.WriteTimeout))
	}
	if cfg.Client.ServerURL != "http://localhost:7000" || dur(cfg.Client.SyncInterval) != 2*time.Minute {
		t.Errorf("Client = %+v", cfg.Client)
	}
	if dur(cfg.Worker.ChangeLogRetention) != 48*time.Hour {
		t.Errorf("Worker.ChangeLogRetention = %v", dur(cfg.Worker.ChangeLogRetention))
	}
	if cfg.Log.File != "/var/log/cadence.log" {
		t.Errorf("Log.File = %q", cfg.Log.File)
	}
	if cfg.SnapshotStorage.Bucket != "cadence-snapshots" || cfg.SnapshotStorage.UseSSL == nil || *cfg.SnapshotStorage.UseSSL {
		t.Errorf("SnapshotStorage = %+v", cfg.SnapshotStorage)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server:\n  port: 7000\nlog:\n  level: debug\n")
	t.Setenv("CADENCE_CONFIG_PATH", path)
	t.Setenv("CADENCE_PORT", "7100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7100 {
		t.Errorf("Server.Port = %d, want env value 7100", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want YAML value debug", cfg.Log.Level)
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server: [unclosed")

	_, err := LoadFromFile(path)
	if err == nil || !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("LoadFromFile() error = %v, want parse error", err)
	}
}

func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "client:\n  sync_interval: often\n")

	_, err := LoadFromFile(path)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("LoadFromFile() error = %v, want invalid duration", err)
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadFromFile() error = nil, want error for missing file")
	}
}

func TestLoad_ValidationRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log format", "log:\n  format: xml\n", "log format"},
		{"queue shards", "client:\n  queue_shards: 0\n", "queue_shards"},
		{"queue depth", "client:\n  queue_depth: 0\n", "queue_depth"},
		{"sync interval", "client:\n  sync_interval: 0s\n", "sync_interval"},
		{"worker interval", "worker:\n  snapshot_interval: 0s\n", "worker intervals"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := LoadFromFile(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadFromFile() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidateServer_RequiresTokens(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := cfg.ValidateServer(); err == nil {
		t.Error("ValidateServer() = nil, want error without tokens")
	}

	t.Setenv("CADENCE_DEV_MODE", "true")
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("ValidateServer() in dev mode = %v, want nil", err)
	}
}

func TestConfig_SecretsNotInYAML(t *testing.T) {
	cfg := newDefaults()
	cfg.Backend.Tokens = map[string]string{"secret-token": "alice"}
	cfg.Client.Token = "client-secret"
	cfg.SnapshotStorage.AccessKey = "access-secret"
	cfg.SnapshotStorage.SecretKey = "secret-secret"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	out := string(data)
	for _, secret := range []string{"secret-token", "client-secret", "access-secret", "secret-secret"} {
		if strings.Contains(out, secret) {
			t.Errorf("marshalled config contains %q", secret)
		}
	}
	if !strings.Contains(out, "sync_interval: 5m0s") {
		t.Errorf("durations should marshal as strings, got:\n%s", out)
	}
}
