package proxycap

import (
	"log"
	"os"
	"strconv"
)

// Logger is implemented by any type that can log the proxy server events.
type Logger interface {
	Errorf(sessionID int64, format string, values ...any)
	Warnf(sessionID int64, format string, values ...any)
	Infof(sessionID int64, format string, values ...any)
	Debugf(sessionID int64, format string, values ...any)
}

// Errorf logs an ERROR message to the logger specified in the proxy options.
// Your custom logger can handle its own log level and skip the message if
// it's not needed, take a look at the default logger for a reference
// implementation.
func (opt Options) Errorf(sessionID int64, format string, values ...any) {
	if opt.Logger == nil {
		return
	}
	opt.Logger.Errorf(sessionID, format, values...)
}

// Warnf logs a WARNING message to the logger specified in the proxy options.
func (opt Options) Warnf(sessionID int64, format string, values ...any) {
	if opt.Logger == nil {
		return
	}
	opt.Logger.Warnf(sessionID, format, values...)
}

// Infof logs an INFO message to the logger specified in the proxy options.
func (opt Options) Infof(sessionID int64, format string, values ...any) {
	if opt.Logger == nil {
		return
	}
	opt.Logger.Infof(sessionID, format, values...)
}

// Debugf logs a DEBUG message to the logger specified in the proxy options.
func (opt Options) Debugf(sessionID int64, format string, values ...any) {
	if opt.Logger == nil {
		return
	}
	opt.Logger.Debugf(sessionID, format, values...)
}

type LoggingLevel int

const (
	DEBUG LoggingLevel = iota
	INFO
	WARNING
	ERROR
)

// DefaultLogger writes leveled messages to stderr, prefixed with the
// session ID of the exchange that produced them.
type DefaultLogger struct {
	*log.Logger
	level LoggingLevel
}

func NewDefaultLogger(level LoggingLevel) *DefaultLogger {
	return &DefaultLogger{
		Logger: log.New(os.Stderr, "proxycap ", log.LstdFlags),
		level:  level,
	}
}

func (l *DefaultLogger) Errorf(sessionID int64, format string, values ...any) {
	if l.level <= ERROR {
		l.Printf("ERROR: "+l.formatSessionID(sessionID, format), values...)
	}
}

func (l *DefaultLogger) Warnf(sessionID int64, format string, values ...any) {
	if l.level <= WARNING {
		l.Printf("WARNING: "+l.formatSessionID(sessionID, format), values...)
	}
}

func (l *DefaultLogger) Infof(sessionID int64, format string, values ...any) {
	if l.level <= INFO {
		l.Printf("INFO: "+l.formatSessionID(sessionID, format), values...)
	}
}

func (l *DefaultLogger) Debugf(sessionID int64, format string, values ...any) {
	if l.level <= DEBUG {
		l.Printf("DEBUG: "+l.formatSessionID(sessionID, format), values...)
	}
}

func (l *DefaultLogger) formatSessionID(sessionID int64, format string) string {
	return "[" + strconv.FormatInt(sessionID&0xFFFF, 10) + "] " + format
}
