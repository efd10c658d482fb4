package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-driven settings.
type Config struct {
	HTTPAddr          string        `yaml:"http_addr"`
	DBPath            string        `yaml:"db_path"`
	BusURL            string        `yaml:"bus_url"`
	BusCodec          string        `yaml:"bus_codec"`
	Environment       string        `yaml:"environment"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StreamBuffer      int           `yaml:"stream_buffer"`
	MetricsEnabled    bool          `yaml:"metrics_enabled"`
}

func Defaults() Config {
	return Config{
		HTTPAddr:          ":8090",
		DBPath:            "./marketplace.db",
		BusCodec:          "json",
		Environment:       "development",
		HeartbeatInterval: 25 * time.Second,
		StreamBuffer:      32,
		MetricsEnabled:    true,
	}
}

// Load builds the config from defaults, the optional YAML file named by
// CONFIG_FILE, a .env file and finally the process environment. Values
// from a later source win. A .env file never overrides variables that
// are already set.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	_ = godotenv.Load()

	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DBPath = getenv("DB_PATH", cfg.DBPath)
	cfg.BusURL = getenv("REALTIME_BUS_URL", cfg.BusURL)
	cfg.BusCodec = strings.ToLower(getenv("REALTIME_BUS_CODEC", cfg.BusCodec))
	cfg.Environment = getenv("ENVIRONMENT", cfg.Environment)
	cfg.HeartbeatInterval = clampDuration(getenvDuration("REALTIME_HEARTBEAT", cfg.HeartbeatInterval), time.Second, 5*time.Minute)
	cfg.StreamBuffer = clampInt(getenvInt("REALTIME_STREAM_BUFFER", cfg.StreamBuffer), 1, 1024)
	cfg.MetricsEnabled = getenvBool("METRICS_ENABLED", cfg.MetricsEnabled)
	return cfg, nil
}

// Production reports whether the process runs in production, where
// best-effort publish failures are not logged.
func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
