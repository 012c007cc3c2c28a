package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "envsensed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
	if cfg.Bluetooth.SeriesCapacity != 40 {
		t.Errorf("Expected series capacity 40, got %d", cfg.Bluetooth.SeriesCapacity)
	}
	if cfg.Bluetooth.BulkIdleTimeout != 10*time.Second {
		t.Errorf("Expected bulk idle timeout 10s, got %v", cfg.Bluetooth.BulkIdleTimeout)
	}
	if cfg.HTTP.Addr() != "0.0.0.0:5000" {
		t.Errorf("Unexpected HTTP address %s", cfg.HTTP.Addr())
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
bluetooth:
  address: "AA:BB:CC:DD:EE:FF"
  series_capacity: 0
  bulk_idle_timeout: 3s
thresholds:
  temperature:
    good_min: 19
    good_max: 23
    warn_min: 17
    warn_max: 25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Bluetooth.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Expected address from file, got %q", cfg.Bluetooth.Address)
	}
	if cfg.Bluetooth.SeriesCapacity != 40 {
		t.Errorf("Expected zero capacity replaced by default, got %d", cfg.Bluetooth.SeriesCapacity)
	}
	if cfg.Bluetooth.BulkIdleTimeout != 3*time.Second {
		t.Errorf("Expected bulk idle timeout 3s, got %v", cfg.Bluetooth.BulkIdleTimeout)
	}
	if cfg.Thresholds.Temperature.GoodMin != 19 {
		t.Errorf("Expected temperature good_min 19, got %v", cfg.Thresholds.Temperature.GoodMin)
	}
	if cfg.Thresholds.Humidity.GoodMin != 40 {
		t.Errorf("Expected default humidity thresholds, got %+v", cfg.Thresholds.Humidity)
	}
	if cfg.HTTP.Port != 5000 {
		t.Errorf("Expected default port, got %d", cfg.HTTP.Port)
	}
	if lvl, _ := cfg.Log.ParseLevel(); lvl != zerolog.DebugLevel {
		t.Errorf("Expected debug level, got %v", lvl)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Expected missing file to be tolerated, got %v", err)
	}
	if cfg.Bluetooth.Adapter != "hci0" {
		t.Errorf("Expected default adapter, got %q", cfg.Bluetooth.Adapter)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }, "http.port"},
		{"bad address", func(c *Config) { c.Bluetooth.Address = "AA:BB" }, "bluetooth.address"},
		{"inverted thresholds", func(c *Config) { c.Thresholds.Humidity.GoodMin = 80 }, "thresholds.humidity"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"nats without url", func(c *Config) { c.NATS.Enabled = true }, "nats.url"},
		{"influx without bucket", func(c *Config) { c.Influx.Enabled = true; c.Influx.URL = "http://x" }, "influx.url"},
		{"uplink without host", func(c *Config) { c.Uplink.Enabled = true }, "uplink.host"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"reconnect bounds", func(c *Config) { c.Bluetooth.ReconnectMax = time.Second }, "reconnect_max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadInvalidFile(t *testing.T) {
	path := writeConfig(t, "http:\n  port: -1\n")
	if _, err := Load(path); err == nil {
		t.Error("Expected invalid port to fail Load")
	}
}
