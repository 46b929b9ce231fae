// Package dlog configures the daemon-wide structured logger: the ambient
// logging stack named in SPEC_FULL.md, independent of any single process's
// Output Capture. Grounded on the teacher's internal/logger.Config
// (lumberjack-backed rotation with sane defaults), retargeted from
// per-process stdout/stderr files onto one operational log for the
// supervisor itself.
package dlog

import (
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes where and how the daemon's own log rotates.
type Config struct {
	Dir        string // directory to hold supervisord.log; empty disables the file sink
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Debug      bool // enable debug-level console output (development mode)
}

// New builds a zap.SugaredLogger that writes JSON to the rotating file
// sink (when Dir is set) and human-readable console output to stderr.
func New(cfg Config) (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if cfg.Debug {
		level = zapcore.DebugLevel
	}

	consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level),
	}

	if cfg.Dir != "" {
		rotator := &lj.Logger{
			Filename:   filepath.Join(cfg.Dir, "supervisord.log"),
			MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   cfg.Compress,
		}
		jsonEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	logger := zap.New(core, zap.AddCaller())
	return logger.Sugar(), nil
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
