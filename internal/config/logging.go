package config

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogWriter returns the log destination: a rotating file when log.file is
// set, stderr otherwise.
func (c LogConfig) LogWriter() io.Writer {
	if c.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// SetupLogging points the standard logger at the configured destination.
// The returned closer releases the log file, if any.
func (c LogConfig) SetupLogging() io.Closer {
	w := c.LogWriter()
	log.SetOutput(w)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if closer, ok := w.(io.Closer); ok && c.File != "" {
		return closer
	}
	return nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
