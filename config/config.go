// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/usenocturne/envsensed/telemetry"
)

type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Bluetooth  BluetoothConfig  `yaml:"bluetooth"`
	Storage    StorageConfig    `yaml:"storage"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	NATS       NATSConfig       `yaml:"nats"`
	Influx     InfluxConfig     `yaml:"influx"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Uplink     UplinkConfig     `yaml:"uplink"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	// Format is "console" or "json"; empty picks console on a terminal.
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type BluetoothConfig struct {
	Adapter          string        `yaml:"adapter"`
	Address          string        `yaml:"address"`
	Name             string        `yaml:"name"`
	AutoConnect      bool          `yaml:"auto_connect"`
	ScanTimeout      time.Duration `yaml:"scan_timeout"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	SeriesCapacity   int           `yaml:"series_capacity"`
	BacklogOnConnect bool          `yaml:"backlog_on_connect"`
	BulkIdleTimeout  time.Duration `yaml:"bulk_idle_timeout"`
}

type StorageConfig struct {
	CSVPath    string `yaml:"csv_path"`
	SQLitePath string `yaml:"sqlite_path"`
}

type ThresholdsConfig struct {
	Temperature telemetry.Thresholds `yaml:"temperature"`
	Humidity    telemetry.Thresholds `yaml:"humidity"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

type NATSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	URL               string        `yaml:"url"`
	Subject           string        `yaml:"subject"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	Interval            time.Duration `yaml:"interval"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
}

type UplinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	// Interface, when set, must be up before the host is probed.
	Interface string        `yaml:"interface"`
	Interval  time.Duration `yaml:"interval"`
	Count     int           `yaml:"count"`
	Timeout   time.Duration `yaml:"timeout"`
	// Privileged selects raw ICMP sockets instead of unprivileged UDP pings.
	Privileged bool `yaml:"privileged"`
}

// Default returns a configuration usable without a file.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ShutdownTimeout: 5 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Bluetooth: BluetoothConfig{
			Adapter:          "hci0",
			AutoConnect:      true,
			ScanTimeout:      30 * time.Second,
			ReconnectInitial: 2 * time.Second,
			ReconnectMax:     time.Minute,
			SeriesCapacity:   telemetry.DefaultSeriesCapacity,
			BacklogOnConnect: true,
			BulkIdleTimeout:  10 * time.Second,
		},
		Storage: StorageConfig{
			CSVPath:    "/var/lib/envsensed/environment.csv",
			SQLitePath: "/var/lib/envsensed/envsensed.db",
		},
		Thresholds: ThresholdsConfig{
			Temperature: telemetry.DefaultTemperatureThresholds,
			Humidity:    telemetry.DefaultHumidityThresholds,
		},
		MQTT: MQTTConfig{
			ClientID: "envsensed",
			Topic:    "envsensed/records",
		},
		NATS: NATSConfig{
			Subject:           "envsensed.records",
			MaxReconnects:     -1,
			ReconnectInterval: 2 * time.Second,
		},
		Influx: InfluxConfig{
			Measurement: "environment",
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
			Interval:            time.Minute,
			WriteTimeout:        3 * time.Second,
		},
		Uplink: UplinkConfig{
			Interval: 30 * time.Second,
			Count:    3,
			Timeout:  5 * time.Second,
		},
	}
}

// Load reads filename over the defaults. A missing file is not an error.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename == "" {
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", filename).Msg("config file not found, using defaults")
		cfg.applyEnvOverrides()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnvOverrides()
	cfg.fillZeroes()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("ENVSENSED_ADDRESS"); addr != "" {
		c.Bluetooth.Address = addr
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.NATS.URL = url
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}
	if token := os.Getenv("INFLUX_TOKEN"); token != "" {
		c.Influx.Token = token
	}
}

// fillZeroes restores defaults for values a partial file left at zero.
func (c *Config) fillZeroes() {
	d := Default()
	if c.Bluetooth.SeriesCapacity <= 0 {
		c.Bluetooth.SeriesCapacity = d.Bluetooth.SeriesCapacity
	}
	if c.Bluetooth.Adapter == "" {
		c.Bluetooth.Adapter = d.Bluetooth.Adapter
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = d.HTTP.ShutdownTimeout
	}
	if c.Thresholds.Temperature == (telemetry.Thresholds{}) {
		c.Thresholds.Temperature = d.Thresholds.Temperature
	}
	if c.Thresholds.Humidity == (telemetry.Thresholds{}) {
		c.Thresholds.Humidity = d.Thresholds.Humidity
	}
	if c.Breaker.WriteTimeout <= 0 {
		c.Breaker.WriteTimeout = d.Breaker.WriteTimeout
	}
	if c.Uplink.Count <= 0 {
		c.Uplink.Count = d.Uplink.Count
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.Bluetooth.Address != "" && !validMAC(c.Bluetooth.Address) {
		errs = append(errs, fmt.Errorf("bluetooth.address %q is not a MAC address", c.Bluetooth.Address))
	}
	if c.Bluetooth.ReconnectMax < c.Bluetooth.ReconnectInitial {
		errs = append(errs, errors.New("bluetooth.reconnect_max must not be below reconnect_initial"))
	}
	if c.Bluetooth.BulkIdleTimeout < 0 {
		errs = append(errs, errors.New("bluetooth.bulk_idle_timeout must not be negative"))
	}
	if c.Storage.CSVPath == "" {
		errs = append(errs, errors.New("storage.csv_path is required"))
	}
	for name, t := range map[string]telemetry.Thresholds{
		"temperature": c.Thresholds.Temperature,
		"humidity":    c.Thresholds.Humidity,
	} {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("thresholds.%s must satisfy warn_min <= good_min <= good_max <= warn_max", name))
		}
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d invalid", c.MQTT.QoS))
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Org == "" || c.Influx.Bucket == "") {
		errs = append(errs, errors.New("influx.url, influx.org and influx.bucket are required when influx is enabled"))
	}
	if c.Uplink.Enabled && c.Uplink.Host == "" {
		errs = append(errs, errors.New("uplink.host is required when uplink is enabled"))
	}
	if _, err := c.Log.ParseLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validMAC(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 {
			return false
		}
		for _, c := range p {
			if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
				return false
			}
		}
	}
	return true
}

// ParseLevel maps the configured level onto zerolog; empty means info.
func (l LogConfig) ParseLevel() (zerolog.Level, error) {
	if l.Level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}
