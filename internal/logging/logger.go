// Package logging builds the gateway's zap logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format is the log output format.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config holds configuration for the logger.
type Config struct {
	// Level is debug, info, warn or error.
	Level  string
	Format Format
	// Output is stdout, stderr or a file path.
	Output string
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatJSON, Output: "stdout"}
}

// New returns a logger and the atomic level backing it, so the level can
// be changed on config reload without rebuilding the logger.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if err := SetLevel(level, cfg.Level); err != nil {
		return nil, level, err
	}
	out, err := buildOutput(cfg.Output)
	if err != nil {
		return nil, level, err
	}
	core := zapcore.NewCore(buildEncoder(cfg.Format), out, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), level, nil
}

// SetLevel parses s into level. Empty means info.
func SetLevel(level zap.AtomicLevel, s string) error {
	if strings.TrimSpace(s) == "" {
		s = "info"
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return fmt.Errorf("log level %q: %w", s, err)
	}
	level.SetLevel(l)
	return nil
}

func buildEncoder(format Format) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == FormatConsole {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func buildOutput(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	default:
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return zapcore.AddSync(f), nil
	}
}
