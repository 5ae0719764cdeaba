// Package logger builds the zap loggers used across warp-tx.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destination.
type Config struct {
	// Level is one of debug, info, warn, error. Unknown values mean info.
	Level string `json:"level"`
	// Format is "json" or "console".
	Format string `json:"format"`
	// OutputFile is a path, or "stdout"/"stderr".
	OutputFile string `json:"output_file"`
}

// New returns a logger for cfg.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil || cfg.Level == "" {
		level.SetLevel(zap.InfoLevel)
	}
	ws, err := writeSyncer(cfg.OutputFile)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(encoder(cfg.Format), ws, level)
	return zap.New(core, zap.AddCaller()).With(zap.String("service", "warp-tx")), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger { return zap.NewNop() }

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func encoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func writeSyncer(out string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logger: open %s: %w", out, err)
	}
	return zapcore.AddSync(f), nil
}
