// Package logger provides component-scoped structured logging.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu  sync.RWMutex
	log = newLogger(os.Stderr)
)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return l
}

// ParseLevel maps a config string to a LogLevel. Unknown values are INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	switch level {
	case DEBUG:
		log.SetLevel(logrus.DebugLevel)
	case WARN:
		log.SetLevel(logrus.WarnLevel)
	case ERROR:
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
}

// SetJSON switches between the JSON and text formatters.
func SetJSON(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	if enabled {
		log.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(w)
}

func entry(component string, fields map[string]interface{}) *logrus.Entry {
	mu.RLock()
	l := log
	mu.RUnlock()
	e := logrus.NewEntry(l)
	if component != "" {
		e = e.WithField("component", component)
	}
	if len(fields) > 0 {
		e = e.WithFields(logrus.Fields(fields))
	}
	return e
}

func Debug(msg string) {
	entry("", nil).Debug(msg)
}

func DebugC(component, msg string) {
	entry(component, nil).Debug(msg)
}

func DebugCF(component, msg string, f map[string]interface{}) {
	entry(component, f).Debug(msg)
}

func Info(msg string) {
	entry("", nil).Info(msg)
}

func InfoC(component, msg string) {
	entry(component, nil).Info(msg)
}

func InfoCF(component, msg string, f map[string]interface{}) {
	entry(component, f).Info(msg)
}

func Warn(msg string) {
	entry("", nil).Warn(msg)
}

func WarnC(component, msg string) {
	entry(component, nil).Warn(msg)
}

func WarnCF(component, msg string, f map[string]interface{}) {
	entry(component, f).Warn(msg)
}

func Error(msg string) {
	entry("", nil).Error(msg)
}

func ErrorC(component, msg string) {
	entry(component, nil).Error(msg)
}

func ErrorCF(component, msg string, f map[string]interface{}) {
	entry(component, f).Error(msg)
}
