package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Equal(t, 30*time.Second, cfg.Session.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Session.ScanConfirmTimeout)
	assert.Equal(t, 10*time.Second, cfg.BLE.ScanPeriod)
	assert.Equal(t, "Movesense", cfg.BLE.NamePrefix)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
	assert.Equal(t, "movesense", cfg.MQTT.TopicPrefix)
	assert.Empty(t, cfg.MQTT.Broker, "MQTT forwarding MUST be off by default")
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "movesense.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
session:
  request_timeout: 5s
ble:
  scan_period: 3s
mqtt:
  broker: mqtt://localhost:1883
  qos: 1
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.Level())
	assert.Equal(t, 5*time.Second, cfg.Session.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Session.ConnectTimeout, "unset keys MUST keep defaults")
	assert.Equal(t, 3*time.Second, cfg.BLE.ScanPeriod)
	assert.Equal(t, "mqtt://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "movesense", cfg.MQTT.TopicPrefix)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{name: "bad yaml", content: "log_level: [", errMsg: "parse config"},
		{name: "bad level", content: "log_level: loud", errMsg: "not a valid logrus Level"},
		{name: "bad format", content: "output_format: xml", errMsg: "unsupported output format"},
		{name: "bad qos", content: "mqtt:\n  qos: 3", errMsg: "invalid MQTT QoS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: "debug",
			want:     logrus.DebugLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: "warn",
			want:     logrus.WarnLevel,
		},
		{
			name:     "falls back to info on unknown level",
			logLevel: "chatty",
			want:     logrus.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel: tt.logLevel,
			}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
