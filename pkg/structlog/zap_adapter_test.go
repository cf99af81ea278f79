package structlog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuildsAWorkingLogger(t *testing.T) {
	zl, err := New(Config{Level: "debug", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	zl.Infof("daemon starting, pid=%d", 1234)
	zl.LogWithFields(InfoLevel, "instance registered",
		Instance(7),
		String("name", "web"),
		Duration("elapsed", 5*time.Millisecond),
		Error(errors.New("boom")),
	)

	require.NoError(t, zl.Sync())
}

func TestWithFieldsReturnsAnIndependentLogger(t *testing.T) {
	zl, err := New(DefaultConfig())
	require.NoError(t, err)

	child := zl.WithInstance(3).WithError(errors.New("oops"))
	assert.NotNil(t, child)

	require.NoError(t, child.Sync())
}

func TestParseLevelRoundTrip(t *testing.T) {
	for _, lvl := range []LogLevel{DebugLevel, InfoLevel, WarnLevel, ErrorLevel} {
		assert.Equal(t, lvl, ParseLevel(lvl.String()))
	}
}
