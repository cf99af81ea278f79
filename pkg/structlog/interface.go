package structlog

import "context"

// StructuredLogger is the daemon's operational logger: simple sprintf
// methods for everyday use, structured fields for anything worth
// querying later.
type StructuredLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	LogWithFields(level LogLevel, msg string, fields ...LogField)

	WithFields(fields ...LogField) StructuredLogger
	WithError(err error) StructuredLogger
	WithInstance(id uint64) StructuredLogger
	WithContext(ctx context.Context) StructuredLogger

	Sync() error
}

// LogLevel mirrors the four levels the daemon config exposes.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

func ParseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}
