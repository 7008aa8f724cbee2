package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how verbosely the daemon logs.
type Config struct {
	Level string
	// Format is "console" or "json". Console is colorised.
	Format string
	// File, when set, receives JSON logs with size-based rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a logger writing to out and, optionally, to a rotated file.
// An unparseable level falls back to info.
func New(cfg Config, out io.Writer) *zap.Logger {
	if out == nil {
		out = os.Stderr
	}
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder(cfg.Format), zapcore.Lock(zapcore.AddSync(out)), level),
	}
	if cfg.File != "" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		})
		cores = append(cores, zapcore.NewCore(encoder("json"), fileWriter, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel)).Named("sentinell")
}

func encoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if format == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func Sync(logger *zap.Logger) {
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
	}
}
