package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	// Run from an empty directory so a developer's .env is not picked up.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	for _, key := range []string{"CONFIG_FILE", "HTTP_ADDR", "DB_PATH", "REALTIME_BUS_URL", "REALTIME_BUS_CODEC",
		"ENVIRONMENT", "REALTIME_HEARTBEAT", "REALTIME_STREAM_BUFFER", "METRICS_ENABLED"} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != Defaults() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.BusURL != "" {
		t.Fatalf("bus url should be unset by default, got %q", cfg.BusURL)
	}
	if cfg.Production() {
		t.Fatal("development must not count as production")
	}
}

func TestLoadEnvOverridesAndClamps(t *testing.T) {
	clearEnv(t)
	t.Setenv("REALTIME_BUS_URL", "memory://events")
	t.Setenv("REALTIME_BUS_CODEC", "CBOR")
	t.Setenv("REALTIME_HEARTBEAT", "10ms")
	t.Setenv("REALTIME_STREAM_BUFFER", "99999")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("ENVIRONMENT", "Production")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BusURL != "memory://events" || cfg.BusCodec != "cbor" {
		t.Fatalf("unexpected bus settings %q %q", cfg.BusURL, cfg.BusCodec)
	}
	if cfg.HeartbeatInterval != time.Second {
		t.Fatalf("heartbeat should clamp to 1s, got %s", cfg.HeartbeatInterval)
	}
	if cfg.StreamBuffer != 1024 {
		t.Fatalf("buffer should clamp to 1024, got %d", cfg.StreamBuffer)
	}
	if cfg.MetricsEnabled {
		t.Fatal("metrics should be disabled")
	}
	if !cfg.Production() {
		t.Fatal("expected production")
	}
}

func TestLoadLayersYAMLAndDotenv(t *testing.T) {
	clearEnv(t)
	dir, _ := os.Getwd()
	file := filepath.Join(dir, "realtime.yaml")
	yml := "http_addr: \":9000\"\nbus_url: memory://from-yaml\nstream_buffer: 8\n"
	if err := os.WriteFile(file, []byte(yml), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("DB_PATH=/tmp/from-dotenv.db\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("CONFIG_FILE", file)
	t.Setenv("HTTP_ADDR", ":9100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9100" {
		t.Fatalf("env should win over yaml, got %q", cfg.HTTPAddr)
	}
	if cfg.BusURL != "memory://from-yaml" || cfg.StreamBuffer != 8 {
		t.Fatalf("yaml values lost: %+v", cfg)
	}
	if cfg.DBPath != "/tmp/from-dotenv.db" {
		t.Fatalf("dotenv value lost: %q", cfg.DBPath)
	}
}

func TestLoadBadConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
