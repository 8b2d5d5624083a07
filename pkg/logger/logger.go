// Package logger provides the structured logging facade used throughout the
// delegation engine. It wraps go.uber.org/zap behind a small package-level
// API so call sites never import zap directly.
package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	mu  sync.RWMutex
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	log = l.Sugar()
}

// Configure replaces the global logger. debug=true switches to a development
// encoder config with human-readable output and debug-level enabled.
func Configure(debug bool) {
	var l *zap.Logger
	var err error
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		l = zap.NewNop()
	}

	mu.Lock()
	defer mu.Unlock()
	log = l.Sugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) { current().Debugf(format, args...) }

// Infof logs at info level.
func Infof(format string, args ...interface{}) { current().Infof(format, args...) }

// Warnf logs at warn level.
func Warnf(format string, args ...interface{}) { current().Warnf(format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) { current().Errorf(format, args...) }

// Info logs a single message at info level.
func Info(msg string) { current().Info(msg) }

// TruncateToken returns a short, log-safe preview of a token-like secret.
// Never log a full token; this exists so debug traces can still identify
// *which* token failed without leaking it.
func TruncateToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= 10 {
		return token
	}
	return token[:10] + "..."
}
