package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

type Logger struct {
	info  *log.Logger
	warn  *log.Logger
	err   *log.Logger
	errMu sync.Mutex
	errW  io.WriteCloser
}

// New writes info lines to stdout and warnings/errors to both stdout and
// errorsPath. The errors file is truncated on startup.
func New(errorsPath string) (*Logger, error) {
	if err := os.Truncate(errorsPath, 0); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	f, err := os.OpenFile(errorsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	errWriter := io.MultiWriter(os.Stdout, f)
	l := &Logger{
		info: log.New(os.Stdout, "INFO ", log.LstdFlags|log.Lmicroseconds),
		warn: log.New(errWriter, "WARN ", log.LstdFlags|log.Lmicroseconds),
		err:  log.New(errWriter, "ERROR ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		errW: f,
	}
	return l, nil
}

// NewWriter builds a logger that sends everything to w. Used by tests and CLIs.
func NewWriter(w io.Writer) *Logger {
	return &Logger{
		info: log.New(w, "INFO ", log.LstdFlags|log.Lmicroseconds),
		warn: log.New(w, "WARN ", log.LstdFlags|log.Lmicroseconds),
		err:  log.New(w, "ERROR ", log.LstdFlags|log.Lmicroseconds),
	}
}

// Discard drops every line.
func Discard() *Logger {
	return NewWriter(io.Discard)
}

func (l *Logger) Close() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.errW != nil {
		err := l.errW.Close()
		l.errW = nil
		return err
	}
	return nil
}

func (l *Logger) Infof(format string, args ...any) {
	l.info.Printf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	l.warn.Printf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	_ = l.err.Output(2, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(err error) {
	if err == nil {
		return
	}
	l.Errorf("%v", err)
}
