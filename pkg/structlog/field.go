// Package structlog gives the daemon's own operational logging a
// structured-field API independent of its backend, backed by zap.
package structlog

import (
	"fmt"
	"time"
)

// LogField is a structured log field, independent of any backend.
type LogField struct {
	Key   string
	Value interface{}
	Type  FieldType
}

type FieldType int

const (
	StringField FieldType = iota
	IntField
	Int64Field
	Float64Field
	BoolField
	DurationField
	TimeField
	ErrorField
	ObjectField
)

func (ft FieldType) String() string {
	switch ft {
	case StringField:
		return "string"
	case IntField:
		return "int"
	case Int64Field:
		return "int64"
	case Float64Field:
		return "float64"
	case BoolField:
		return "bool"
	case DurationField:
		return "duration"
	case TimeField:
		return "time"
	case ErrorField:
		return "error"
	case ObjectField:
		return "object"
	default:
		return "unknown"
	}
}

func String(key, value string) LogField           { return LogField{Key: key, Value: value, Type: StringField} }
func Int(key string, value int) LogField           { return LogField{Key: key, Value: value, Type: IntField} }
func Int64(key string, value int64) LogField       { return LogField{Key: key, Value: value, Type: Int64Field} }
func Float64(key string, value float64) LogField   { return LogField{Key: key, Value: value, Type: Float64Field} }
func Bool(key string, value bool) LogField         { return LogField{Key: key, Value: value, Type: BoolField} }
func Duration(key string, value time.Duration) LogField { return LogField{Key: key, Value: value, Type: DurationField} }
func Time(key string, value time.Time) LogField    { return LogField{Key: key, Value: value, Type: TimeField} }
func Error(err error) LogField                     { return LogField{Key: "error", Value: err, Type: ErrorField} }
func Object(key string, value interface{}) LogField { return LogField{Key: key, Value: value, Type: ObjectField} }

// Instance creates an instance_id field, the process-supervision
// analogue of the worker_id convenience field this was adapted from.
func Instance(id uint64) LogField { return Int64("instance_id", int64(id)) }

func (f LogField) Validate() error {
	if f.Key == "" {
		return fmt.Errorf("field key cannot be empty")
	}
	if f.Value == nil {
		return fmt.Errorf("field value cannot be nil for key %q", f.Key)
	}
	return nil
}

func (f LogField) String() string {
	return fmt.Sprintf("%s=%v", f.Key, f.Value)
}
