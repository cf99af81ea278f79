package structlog

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger is the zap-backed StructuredLogger implementation used by
// the daemon for its own operational logging, as distinct from
// logpipe's raw capture of a supervised child's stdout/stderr.
type ZapLogger struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// Config controls the zap core the daemon builds at startup.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json", "console"
	Output string // "stdout", "stderr"
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "console", Output: "stderr"}
}

func New(cfg Config) (*ZapLogger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	out := os.Stderr
	if cfg.Output == "stdout" {
		out = os.Stdout
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), zapLevel(ParseLevel(cfg.Level)))
	logger := zap.New(core, zap.AddCaller())

	return &ZapLogger{logger: logger, sugar: logger.Sugar()}, nil
}

func zapLevel(l LogLevel) zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (z *ZapLogger) Debugf(format string, args ...interface{}) { z.sugar.Debugf(format, args...) }
func (z *ZapLogger) Infof(format string, args ...interface{})  { z.sugar.Infof(format, args...) }
func (z *ZapLogger) Warnf(format string, args ...interface{})  { z.sugar.Warnf(format, args...) }
func (z *ZapLogger) Errorf(format string, args ...interface{}) { z.sugar.Errorf(format, args...) }

func (z *ZapLogger) LogWithFields(level LogLevel, msg string, fields ...LogField) {
	z.logAtLevel(level, msg, convertFields(fields)...)
}

func (z *ZapLogger) WithFields(fields ...LogField) StructuredLogger {
	nl := z.logger.With(convertFields(fields)...)
	return &ZapLogger{logger: nl, sugar: nl.Sugar()}
}

func (z *ZapLogger) WithError(err error) StructuredLogger {
	return z.WithFields(Error(err))
}

func (z *ZapLogger) WithInstance(id uint64) StructuredLogger {
	return z.WithFields(Instance(id))
}

type contextKey int

const requestIDKey contextKey = iota

func (z *ZapLogger) WithContext(ctx context.Context) StructuredLogger {
	if ctx == nil {
		return z
	}
	if reqID, ok := ctx.Value(requestIDKey).(string); ok {
		return z.WithFields(String("request_id", reqID))
	}
	return z
}

func (z *ZapLogger) Sync() error {
	return z.logger.Sync()
}

func convertFields(fields []LogField) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = convertField(f)
	}
	return out
}

func convertField(f LogField) zap.Field {
	switch f.Type {
	case StringField:
		return zap.String(f.Key, f.Value.(string))
	case IntField:
		return zap.Int(f.Key, f.Value.(int))
	case Int64Field:
		return zap.Int64(f.Key, f.Value.(int64))
	case Float64Field:
		return zap.Float64(f.Key, f.Value.(float64))
	case BoolField:
		return zap.Bool(f.Key, f.Value.(bool))
	case DurationField:
		return zap.Duration(f.Key, f.Value.(time.Duration))
	case TimeField:
		return zap.Time(f.Key, f.Value.(time.Time))
	case ErrorField:
		if err, ok := f.Value.(error); ok {
			return zap.Error(err)
		}
		return zap.String(f.Key, "invalid error field")
	default:
		return zap.Any(f.Key, f.Value)
	}
}

func (z *ZapLogger) logAtLevel(level LogLevel, msg string, fields ...zap.Field) {
	switch level {
	case DebugLevel:
		z.logger.Debug(msg, fields...)
	case WarnLevel:
		z.logger.Warn(msg, fields...)
	case ErrorLevel:
		z.logger.Error(msg, fields...)
	default:
		z.logger.Info(msg, fields...)
	}
}
