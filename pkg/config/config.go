package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/movesense/internal/session"
	"github.com/srg/movesense/internal/transport/goble"
)

// Config holds application configuration
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"table"` // table, json

	Session session.Options `yaml:"session"`
	BLE     goble.Options   `yaml:"ble"`
	Server  ServerConfig    `yaml:"server"`
	MQTT    MQTTConfig      `yaml:"mqtt"`
}

// ServerConfig configures the HTTP/websocket API.
type ServerConfig struct {
	Listen          string        `yaml:"listen" default:"127.0.0.1:8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"5s"`
}

// MQTTConfig configures event forwarding. Forwarding is off while Broker is empty.
type MQTTConfig struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id" default:"movesense-bridge"`
	TopicPrefix string        `yaml:"topic_prefix" default:"movesense"`
	QoS         byte          `yaml:"qos"`
	KeepAlive   time.Duration `yaml:"keep_alive" default:"30s"`
	// EmbeddedListen starts an in-process broker on this address.
	EmbeddedListen string `yaml:"embedded_listen" default:"127.0.0.1:1883"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file. Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	defaults.SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values go-defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.OutputFormat) {
	case "table", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported output format %q", c.OutputFormat))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("invalid MQTT QoS %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, InfoLevel if it does not parse.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
