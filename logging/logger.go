// Package logging builds the process logger and captures per-execution log
// records so the server can show what a pipeline run logged.
//
//	logger, err := logging.New(logging.Config{Level: "info", Format: "json"})
//	logger.Info("pipeline started", "pipeline", "app1", "execution", name)
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config holds the configuration for the logger.
type Config struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path.
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// Validate checks the level and format names.
func (cfg Config) Validate() error {
	if _, err := parseLevel(cfg.Level); err != nil {
		return err
	}
	switch cfg.Format {
	case "", "json", "text":
		return nil
	default:
		return fmt.Errorf("format must be json or text, got %q", cfg.Format)
	}
}

// WithDefaults fills unset fields.
func (cfg Config) WithDefaults() Config {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
	return cfg
}

// New creates a logger from cfg. Timestamps are written as RFC 3339 in UTC.
func New(cfg Config) (*slog.Logger, error) {
	logger, _, err := NewLeveled(cfg)
	return logger, err
}

// NewLeveled is New with a level that can be changed while running.
func NewLeveled(cfg Config) (*slog.Logger, *slog.LevelVar, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid logging config: %w", err)
	}
	cfg = cfg.WithDefaults()

	level := &slog.LevelVar{}
	l, _ := parseLevel(cfg.Level)
	level.Set(l)
	w, err := writer(cfg.Output)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), level, nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), level, nil
}

// ParseLevel parses a level name as accepted in Config.
func ParseLevel(level string) (slog.Level, error) {
	return parseLevel(level)
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

func writer(output string) (io.Writer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %q: %w", output, err)
	}
	return f, nil
}
