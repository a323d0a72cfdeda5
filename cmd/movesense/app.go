package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/movesense/internal/session"
	"github.com/srg/movesense/internal/transport"
	"github.com/srg/movesense/internal/transport/goble"
	"github.com/srg/movesense/pkg/config"
)

// newTransport builds the BLE transport (can be overridden in tests)
var newTransport = func(cfg *config.Config, logger *logrus.Logger) transport.Transport {
	return goble.New(logger, cfg.BLE)
}

// interruptContext is cancelled on Ctrl+C or SIGTERM (can be overridden in tests)
var interruptContext = func() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadConfig reads --config, or the defaults when it is not given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// configureLogger creates a logger with the appropriate log level.
// --log-level wins over the config file; with neither, the CLI stays silent.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	configured, _ := cmd.Flags().GetString("config")

	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", level)
		}
		cfg.LogLevel = lvl.String()
	}

	logger := cfg.NewLogger()
	if level == "" && configured == "" {
		logger.SetLevel(logrus.PanicLevel)
	}
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}

type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	sess   *session.Session
}

// openSession loads configuration and returns an initialized session.
func openSession(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	s := session.New(newTransport(cfg, logger), logger, cfg.Session)
	if err := s.Init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, sess: s}, nil
}

func (a *app) close() {
	if err := a.sess.Close(); err != nil {
		a.logger.WithError(err).Debug("Session close failed")
	}
}

// disconnect releases address without depending on the (possibly cancelled)
// command context.
func (a *app) disconnect(address string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.sess.Disconnect(ctx, address); err != nil {
		a.logger.WithField("address", address).WithError(err).Debug("Disconnect failed")
	}
}

func validateFormat(format string, valid ...string) error {
	if slices.Contains(valid, format) {
		return nil
	}
	return fmt.Errorf("invalid format '%s': must be one of %v", format, valid)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
