package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for client log files.
const (
	DefaultMaxSizeMB  = 50 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where harness logs go. When File is empty everything is
// written to stderr with the colored text handler; otherwise slog output is
// appended to File with rotation.
type Config struct {
	Level string // debug, info, warn, error
	File  string // optional log file path
}

// Setup installs the default slog logger for the process.
func Setup(c Config) {
	level := parseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.File != "" {
		w := &lj.Logger{
			Filename:   c.File,
			MaxSize:    DefaultMaxSizeMB,
			MaxBackups: DefaultMaxBackups,
			MaxAge:     DefaultMaxAgeDays,
		}
		h = slog.NewTextHandler(w, opts)
	} else {
		h = NewColorTextHandler(os.Stderr, opts, true)
	}
	slog.SetDefault(slog.New(h))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ClientWriter returns a rotating writer for a spawned workload client's
// output, named <dir>/<name>.log.
func ClientWriter(dir, name string) io.WriteCloser {
	return &lj.Logger{
		Filename:   filepath.Join(dir, name+".log"),
		MaxSize:    DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		MaxAge:     DefaultMaxAgeDays,
	}
}
