// Package common holds the logging and configuration plumbing shared by the
// locktree command line tools.
package common

import (
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

// LoggerNames lists the package loggers configured by InitLoggers.
var LoggerNames = []string{"locktree", "lockmgr", "cmd", "bench"}

var levelTags = map[logger.LogLevel]string{
	logger.CRITICAL: "PANIC",
	logger.ERROR:    "ERROR",
	logger.WARNING:  "WARN",
	logger.INFO:     "INFO",
	logger.DEBUG:    "DEBUG",
}

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// ltLogger writes one line per message, tagged with level and package.
type ltLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *ltLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *ltLogger) Debugf(format string, args ...interface{}) {
	l.logf(logger.DEBUG, format, args...)
}

func (l *ltLogger) Infof(format string, args ...interface{}) {
	l.logf(logger.INFO, format, args...)
}

func (l *ltLogger) Warningf(format string, args ...interface{}) {
	l.logf(logger.WARNING, format, args...)
}

func (l *ltLogger) Errorf(format string, args ...interface{}) {
	l.logf(logger.ERROR, format, args...)
}

// Panicf logs the message and panics with it, regardless of the level.
func (l *ltLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.logf(logger.CRITICAL, "%s", msg)
	panic(msg)
}

func (l *ltLogger) logf(level logger.LogLevel, format string, args ...interface{}) {
	if l.level < level {
		return
	}
	l.logger.Printf("%-5s | %-8s | %s", levelTags[level], l.name, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// NewLoggerFactory returns a dragonboat logger.Factory writing to w.
func NewLoggerFactory(w io.Writer) logger.Factory {
	return func(pkgName string) logger.ILogger {
		return &ltLogger{
			name:   pkgName,
			level:  logger.INFO,
			logger: log.New(w, "", log.Ldate|log.Ltime),
		}
	}
}

// CreateLogger implements dragonboats logger.Factory. Output goes to stderr
// so command output on stdout stays machine readable.
func CreateLogger(pkgName string) logger.ILogger {
	return NewLoggerFactory(os.Stderr)(pkgName)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// ParseLogLevels parses per package levels like "locktree=debug,lockmgr=warn".
// Only packages from LoggerNames are accepted.
func ParseLogLevels(s string) (map[string]logger.LogLevel, error) {
	levels := make(map[string]logger.LogLevel)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, level, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid log level override %q: expected package=level", entry)
		}
		name = strings.TrimSpace(name)
		if !isLoggerName(name) {
			return nil, fmt.Errorf("unknown logger %q: must be one of %s", name, strings.Join(LoggerNames, ", "))
		}
		lvl, err := ParseLogLevel(level)
		if err != nil {
			return nil, err
		}
		levels[name] = lvl
	}
	return levels, nil
}

// FormatLogLevels renders overrides in the form ParseLogLevels accepts.
func FormatLogLevels(levels map[string]logger.LogLevel) string {
	names := make([]string, 0, len(levels))
	for name := range levels {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]string, len(names))
	for i, name := range names {
		entries[i] = name + "=" + strings.ToLower(levelTags[levels[name]])
	}
	return strings.Join(entries, ",")
}

func isLoggerName(name string) bool {
	for _, n := range LoggerNames {
		if n == name {
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

var installFactory sync.Once

// InitLoggers installs the custom logger factory and sets the level of every
// package logger: the override from c.LogLevels if there is one, else
// c.LogLevel. The factory is installed once per process, later calls only
// change levels.
func InitLoggers(c *ManagerConfig) error {
	levels, err := c.packageLogLevels()
	if err != nil {
		return err
	}
	installFactory.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(levels[name])
	}
	return nil
}
