// Package logging builds the *log.Logger shared by every component. Output
// goes to a size-rotated file and to stderr, or, while the terminal monitor
// owns the screen, to a channel the monitor drains into its log pane.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// File is the log file path. Empty disables file logging.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Stderr copies log output to standard error.
	Stderr bool
	// UIBuffer > 0 creates the Lines channel with that capacity.
	UIBuffer int
	Prefix   string
}

func DefaultConfig() Config {
	return Config{
		File:       DefaultLogPath(),
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Stderr:     true,
	}
}

// DefaultLogPath is ~/.wristlink/wristlink.log.
func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".wristlink", "wristlink.log")
}

type Logging struct {
	Logger *log.Logger
	// Lines receives every log line when UIBuffer > 0, else nil.
	Lines <-chan string

	file  *lumberjack.Logger
	lines *ChannelWriter
}

func New(cfg Config) *Logging {
	l := &Logging{}
	var writers []io.Writer

	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, l.file)
	}
	if cfg.Stderr {
		writers = append(writers, os.Stderr)
	}
	if cfg.UIBuffer > 0 {
		l.lines = NewChannelWriter(cfg.UIBuffer)
		l.Lines = l.lines.Lines()
		writers = append(writers, l.lines)
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}
	l.Logger = log.New(out, cfg.Prefix, log.LstdFlags|log.Lmicroseconds)
	return l
}

// Close flushes and closes the log file and the UI channel.
func (l *Logging) Close() error {
	if l.lines != nil {
		l.lines.Close()
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// ChannelWriter turns writes into lines on a channel. When the channel is
// full the line is dropped rather than blocking the logger.
type ChannelWriter struct {
	ch     chan string
	closed chan struct{}
}

func NewChannelWriter(buffer int) *ChannelWriter {
	return &ChannelWriter{ch: make(chan string, buffer), closed: make(chan struct{})}
}

func (w *ChannelWriter) Lines() <-chan string {
	return w.ch
}

func (w *ChannelWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	select {
	case <-w.closed:
		return len(p), nil
	default:
	}
	select {
	case w.ch <- line:
	default:
	}
	return len(p), nil
}

// Close stops delivery. The channel itself is left open so a concurrent
// Write can never send on a closed channel.
func (w *ChannelWriter) Close() {
	select {
	case <-w.closed:
	default:
		close(w.closed)
	}
}
