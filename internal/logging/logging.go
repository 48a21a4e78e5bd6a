// Package logging provides the serialized connection log sink: every line
// is timestamped, appended to a dated file in the logs directory and echoed
// to the console.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	timestampLayout = "2006-01-02 15:04:05.000"
	dayLayout       = "2006-01-02"
)

// Logger is safe for concurrent use; writes never interleave.
type Logger struct {
	mu      sync.Mutex
	dir     string
	day     string
	file    *os.File
	console io.Writer
	now     func() time.Time
}

// New creates dir if needed and opens today's log file. console may be nil.
func New(dir string, console io.Writer) (*Logger, error) {
	l := &Logger{dir: dir, console: console, now: time.Now}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.openLocked(l.now()); err != nil {
		return nil, err
	}
	return l, nil
}

// FileName returns the log file name used for t.
func FileName(t time.Time) string {
	return "proxy-" + t.Format(dayLayout) + ".log"
}

func (l *Logger) openLocked(t time.Time) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("logs directory: %w", err)
	}
	path := filepath.Join(l.dir, FileName(t))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // Path is from config.
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if l.file != nil {
		_ = l.file.Close()
	}
	l.file = f
	l.day = t.Format(dayLayout)
	return nil
}

// Log writes one line.
func (l *Logger) Log(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.now()
	if d := t.Format(dayLayout); d != l.day {
		if err := l.openLocked(t); err != nil {
			log.Printf("logging: rotate: %v", err)
		}
	}

	line := "[" + t.Format(timestampLayout) + "] " + message + "\n"
	if l.file != nil {
		if _, err := io.WriteString(l.file, line); err != nil {
			log.Printf("logging: write: %v", err)
		}
	}
	if l.console != nil {
		_, _ = io.WriteString(l.console, line)
	}
}

// Logf formats and writes one line.
func (l *Logger) Logf(format string, args ...any) {
	l.Log(fmt.Sprintf(format, args...))
}

// SetDirectory moves future writes to dir. The current file is kept if dir
// cannot be opened.
func (l *Logger) SetDirectory(dir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dir == l.dir {
		return nil
	}
	prev := l.dir
	l.dir = dir
	if err := l.openLocked(l.now()); err != nil {
		l.dir = prev
		return err
	}
	return nil
}

// Directory returns the current logs directory.
func (l *Logger) Directory() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dir
}

// Close closes the current file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
