package logging

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Log Levels
// --------------------------------------------------------------------------

// LogLevel controls the verbosity of a logger.
type LogLevel int8

const (
	CRITICAL LogLevel = iota
	ERROR
	WARNING
	INFO
	DEBUG
)

// ParseLevel converts a string level to a LogLevel.
// It panics on unknown levels since a wrong level is a configuration error
// that should surface at startup, not at the first log call.
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warning", "warn":
		return WARNING
	case "error":
		return ERROR
	default:
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}
}

// --------------------------------------------------------------------------
// Logger Interface
// --------------------------------------------------------------------------

// ILogger is the leveled logger used throughout the library. One named
// instance exists per package, retrieved via GetLogger.
type ILogger interface {
	SetLevel(level LogLevel)
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Panicf(format string, args ...interface{})
}

// Factory creates a logger for the given package name.
type Factory func(pkgName string) ILogger

// --------------------------------------------------------------------------
// Default Logger Implementation
// --------------------------------------------------------------------------

// vkvLogger implements the ILogger interface with custom formatting
type vkvLogger struct {
	name   string
	level  LogLevel
	logger *log.Logger
}

func (l *vkvLogger) SetLevel(level LogLevel) {
	l.level = level
}

func (l *vkvLogger) Debugf(format string, args ...interface{}) {
	if l.level >= DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *vkvLogger) Infof(format string, args ...interface{}) {
	if l.level >= INFO {
		l.log("INFO", format, args...)
	}
}

func (l *vkvLogger) Warningf(format string, args ...interface{}) {
	if l.level >= WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *vkvLogger) Errorf(format string, args ...interface{}) {
	if l.level >= ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *vkvLogger) Panicf(format string, args ...interface{}) {
	if l.level >= CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes a log message. this internal helper is used by the public methods
func (l *vkvLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// createDefaultLogger implements the Factory interface
func createDefaultLogger(pkgName string) ILogger {
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime)

	return &vkvLogger{
		name:   pkgName,
		level:  INFO,
		logger: stdLogger,
	}
}

// --------------------------------------------------------------------------
// Logger Registry
// --------------------------------------------------------------------------

var (
	factory Factory = createDefaultLogger
	loggers         = xsync.NewMapOf[string, ILogger]()
)

// SetLoggerFactory replaces the factory used to create named loggers.
// Loggers that were already handed out are not replaced.
//
// Thread-safety: This function is not thread-safe and should only be called
// once during initialization, before the first GetLogger call.
func SetLoggerFactory(f Factory) {
	factory = f
}

// GetLogger returns the logger for the given package name, creating it via
// the configured factory on first use.
//
// Thread-safety: This function is thread-safe and can be called concurrently.
func GetLogger(pkgName string) ILogger {
	l, _ := loggers.LoadOrCompute(pkgName, func() ILogger {
		return factory(pkgName)
	})
	return l
}

// SetLevelAll sets the level of every logger created so far.
func SetLevelAll(level LogLevel) {
	loggers.Range(func(_ string, l ILogger) bool {
		l.SetLevel(level)
		return true
	})
}
