package visa

import (
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	loggerMu sync.RWMutex
	logger   = log.New(io.Discard)
)

// LogToScreen sends the package log output to stderr at level and returns
// the logger. It is meant for debugging sessions:
//
//	visa.LogToScreen(log.DebugLevel)
func LogToScreen(level log.Level) *log.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Prefix:          "visa",
		ReportTimestamp: true,
	})
	SetLogger(l)
	return l
}

// SetLogger replaces the package logger. Resource managers created
// afterwards use it. A nil logger discards output.
func SetLogger(l *log.Logger) {
	if l == nil {
		l = log.New(io.Discard)
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

// Logger returns the package logger.
func Logger() *log.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}
