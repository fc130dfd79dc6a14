// Package config loads and validates the service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/boxstream/errors"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.WrapInvalid(err, "Duration", "UnmarshalYAML", "parse duration")
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`
	// MaxRequestSize caps ingestion request bodies in bytes.
	MaxRequestSize int64 `yaml:"maxRequestSize"`
	// IngestRate is the per-remote ingestion rate limit in requests per
	// second. Zero disables limiting.
	IngestRate float64 `yaml:"ingestRate"`
	// IngestBurst is the per-remote burst allowance.
	IngestBurst int `yaml:"ingestBurst"`
}

// StoreConfig selects and configures the measurement store.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `yaml:"driver"`
	// DSN is the postgres connection string. Required for the postgres driver.
	DSN string `yaml:"dsn"`
}

// ExportConfig bounds the export pipeline.
type ExportConfig struct {
	MaxRange           Duration `yaml:"maxRange"`
	DefaultWindow      Duration `yaml:"defaultWindow"`
	BatchSize          int      `yaml:"batchSize"`
	SingleSensorRowCap int      `yaml:"singleSensorRowCap"`
	MaxBoxes           int      `yaml:"maxBoxes"`
}

// BrokerConfig tunes the per-box connection actors.
type BrokerConfig struct {
	InitialDelay   Duration `yaml:"initialDelay"`
	MaxDelay       Duration `yaml:"maxDelay"`
	ConnectTimeout Duration `yaml:"connectTimeout"`
	ErrorThreshold int      `yaml:"errorThreshold"`
}

// LogConfig configures the default logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// Config is the full service configuration.
type Config struct {
	HTTP   HTTPConfig   `yaml:"http"`
	Store  StoreConfig  `yaml:"store"`
	Export ExportConfig `yaml:"export"`
	Broker BrokerConfig `yaml:"broker"`
	Log    LogConfig    `yaml:"log"`
}

// Default returns the configuration used when a field is absent from the file.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:           ":8000",
			MaxRequestSize: 512 * 1024,
			IngestRate:     0,
			IngestBurst:    10,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Export: ExportConfig{
			MaxRange:           Duration(31 * 24 * time.Hour),
			DefaultWindow:      Duration(48 * time.Hour),
			BatchSize:          500,
			SingleSensorRowCap: 10000,
			MaxBoxes:           2500,
		},
		Broker: BrokerConfig{
			InitialDelay:   Duration(time.Second),
			MaxDelay:       Duration(time.Minute),
			ConnectTimeout: Duration(5 * time.Second),
			ErrorThreshold: 25,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "read config file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
	}
	return &cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.WrapInvalid(
				fmt.Errorf("postgres driver requires store.dsn"),
				"Config", "Validate", "check store")
		}
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown store driver %q", c.Store.Driver),
			"Config", "Validate", "check store")
	}

	if c.HTTP.Addr == "" {
		return errors.WrapInvalid(fmt.Errorf("missing http.addr"), "Config", "Validate", "check http")
	}
	if c.HTTP.MaxRequestSize <= 0 {
		return errors.WrapInvalid(fmt.Errorf("http.maxRequestSize must be positive"), "Config", "Validate", "check http")
	}
	if c.HTTP.IngestRate < 0 {
		return errors.WrapInvalid(fmt.Errorf("http.ingestRate must not be negative"), "Config", "Validate", "check http")
	}

	if c.Export.MaxRange <= 0 || c.Export.DefaultWindow <= 0 {
		return errors.WrapInvalid(fmt.Errorf("export windows must be positive"), "Config", "Validate", "check export")
	}
	if c.Export.DefaultWindow > c.Export.MaxRange {
		return errors.WrapInvalid(
			fmt.Errorf("export.defaultWindow exceeds export.maxRange"),
			"Config", "Validate", "check export")
	}
	if c.Export.BatchSize <= 0 || c.Export.SingleSensorRowCap <= 0 || c.Export.MaxBoxes <= 0 {
		return errors.WrapInvalid(fmt.Errorf("export limits must be positive"), "Config", "Validate", "check export")
	}

	if c.Broker.InitialDelay <= 0 || c.Broker.MaxDelay <= 0 {
		return errors.WrapInvalid(fmt.Errorf("broker delays must be positive"), "Config", "Validate", "check broker")
	}
	if c.Broker.InitialDelay > c.Broker.MaxDelay {
		return errors.WrapInvalid(
			fmt.Errorf("broker.initialDelay exceeds broker.maxDelay"),
			"Config", "Validate", "check broker")
	}
	if c.Broker.ErrorThreshold <= 0 {
		return errors.WrapInvalid(fmt.Errorf("broker.errorThreshold must be positive"), "Config", "Validate", "check broker")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown log level %q", c.Log.Level), "Config", "Validate", "check log")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown log format %q", c.Log.Format), "Config", "Validate", "check log")
	}

	return nil
}
