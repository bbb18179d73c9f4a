package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the name of the rotated log file inside the log directory
const LogFileName = "terrainsrv.log"

// Options configures the process logger
type Options struct {
	Dir        string // empty disables the log file
	Verbose    bool
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// DefaultOptions returns rotation settings for a long running service
func DefaultOptions() Options {
	return Options{
		Dir:        "./logs",
		MaxSizeMB:  64,
		MaxAgeDays: 14,
		MaxBackups: 5,
		Compress:   true,
	}
}

// Logger is the process logger together with its rotated file
type Logger struct {
	*logrus.Logger
	file *lumberjack.Logger
}

// New creates a logger that writes text to stderr and, when a directory is
// configured, JSON lines to a size rotated file
func New(opts Options) (*Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if opts.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	l := &Logger{Logger: logger}
	if opts.Dir == "" {
		return l, nil
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l.file = &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, LogFileName),
		MaxSize:    opts.MaxSizeMB,
		MaxAge:     opts.MaxAgeDays,
		MaxBackups: opts.MaxBackups,
		Compress:   opts.Compress,
	}
	logger.AddHook(NewFileHook(l.file))

	logger.WithFields(logrus.Fields{
		"goarch":   runtime.GOARCH,
		"goos":     runtime.GOOS,
		"num_cpus": runtime.NumCPU(),
		"log_file": l.file.Filename,
	}).Debug("Logging started")

	return l, nil
}

// File returns the path of the rotated log file, or "" when disabled
func (l *Logger) File() string {
	if l.file == nil {
		return ""
	}
	return l.file.Filename
}

// Rotate starts a new log file
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close flushes and closes the log file
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// FileHook writes every entry as JSON to a writer
type FileHook struct {
	w         io.Writer
	formatter logrus.Formatter
}

// NewFileHook creates a hook that writes JSON lines to w
func NewFileHook(w io.Writer) *FileHook {
	return &FileHook{w: w, formatter: &logrus.JSONFormatter{}}
}

// Levels implements logrus.Hook
func (h *FileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook
func (h *FileHook) Fire(entry *logrus.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return fmt.Errorf("failed to format log entry: %w", err)
	}
	if _, err := h.w.Write(b); err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	return nil
}
