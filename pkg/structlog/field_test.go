package structlog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFieldConstructorsSetTypeAndValue(t *testing.T) {
	assert.Equal(t, LogField{Key: "name", Value: "web", Type: StringField}, String("name", "web"))
	assert.Equal(t, LogField{Key: "count", Value: 3, Type: IntField}, Int("count", 3))
	assert.Equal(t, BoolField, Bool("ok", true).Type)
	assert.Equal(t, DurationField, Duration("elapsed", time.Second).Type)
	assert.Equal(t, TimeField, Time("at", time.Unix(0, 0)).Type)
}

func TestInstanceFieldUsesInt64(t *testing.T) {
	f := Instance(7)
	assert.Equal(t, "instance_id", f.Key)
	assert.Equal(t, Int64Field, f.Type)
	assert.Equal(t, int64(7), f.Value)
}

func TestErrorFieldKeyIsFixed(t *testing.T) {
	f := Error(errors.New("boom"))
	assert.Equal(t, "error", f.Key)
	assert.Equal(t, ErrorField, f.Type)
}

func TestValidateRejectsEmptyKey(t *testing.T) {
	f := LogField{Key: "", Value: "x", Type: StringField}
	assert.Error(t, f.Validate())
}

func TestValidateRejectsNilValue(t *testing.T) {
	f := LogField{Key: "x", Value: nil, Type: ObjectField}
	assert.Error(t, f.Validate())
}

func TestValidateAcceptsWellFormedField(t *testing.T) {
	assert.NoError(t, String("name", "web").Validate())
}

func TestFieldTypeStringNames(t *testing.T) {
	assert.Equal(t, "string", StringField.String())
	assert.Equal(t, "duration", DurationField.String())
	assert.Equal(t, "unknown", FieldType(99).String())
}
