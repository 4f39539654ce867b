// Package trainlog writes the append-only run log of a training run.
//
// Every event is one line, prefixed with the date and time, written to the
// log file and echoed to a second writer (normally stdout).
package trainlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Logger is the run log. It is safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	echo   io.Writer
	out    *log.Logger
	closed bool
}

// Open appends to the log file at path, creating it and its directory if
// needed. Lines are also written to echo unless it is nil.
func Open(path string, echo io.Writer) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	//nolint:gosec // G304: log path is derived from the run name
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	l := &Logger{file: file, echo: echo}
	l.out = log.New(l.writer(), "", log.LstdFlags)
	return l, nil
}

// New returns a logger that only writes to w.
func New(w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{echo: w, out: log.New(w, "", log.LstdFlags)}
}

func (l *Logger) writer() io.Writer {
	switch {
	case l.file != nil && l.echo != nil:
		return io.MultiWriter(l.file, l.echo)
	case l.file != nil:
		return l.file
	case l.echo != nil:
		return l.echo
	default:
		return io.Discard
	}
}

// Log writes one line with fields separated by spaces.
func (l *Logger) Log(fields ...any) {
	l.write("", fields)
}

// Logf writes one formatted line.
func (l *Logger) Logf(format string, args ...any) {
	l.write("", []any{fmt.Sprintf(format, args...)})
}

// Warn writes one line prefixed with WARNING:.
func (l *Logger) Warn(fields ...any) {
	l.write("WARNING: ", fields)
}

func (l *Logger) write(prefix string, fields []any) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprint(f)
	}
	line := prefix + strings.Join(parts, " ")

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Println(line)
}

// Close closes the log file. Later lines only go to the echo writer.
// Close is idempotent.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.out.SetOutput(l.writer())
	return err
}
