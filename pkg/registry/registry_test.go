package registry

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidekit/oxidepm/pkg/config"
	"github.com/oxidekit/oxidepm/pkg/logging"
	"github.com/oxidekit/oxidepm/pkg/spec"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Daemon.DataDir = t.TempDir()
	logger := logging.NewLogger("", logging.LogFuncs{})
	return New(cfg, logger)
}

func registerWeb(t *testing.T, r *Registry) spec.Summary {
	t.Helper()
	summaries, err := r.Register(context.Background(), spec.ProcessSpec{
		Name:    "web",
		Mode:    spec.ModeRawCommand,
		Command: "true",
		Tags:    []string{"frontend"},
	})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	return summaries[0]
}

func TestParseSelectorByID(t *testing.T) {
	r := testRegistry(t)
	s := registerWeb(t, r)

	ids, err := r.ParseSelector(strconv.FormatUint(s.Spec.ID, 10))
	require.NoError(t, err)
	assert.Equal(t, []uint64{s.Spec.ID}, ids)
}

func TestParseSelectorByName(t *testing.T) {
	r := testRegistry(t)
	s := registerWeb(t, r)

	ids, err := r.ParseSelector("web")
	require.NoError(t, err)
	assert.Equal(t, []uint64{s.Spec.ID}, ids)
}

func TestParseSelectorByTag(t *testing.T) {
	r := testRegistry(t)
	s := registerWeb(t, r)

	ids, err := r.ParseSelector("@frontend")
	require.NoError(t, err)
	assert.Equal(t, []uint64{s.Spec.ID}, ids)
}

func TestParseSelectorAll(t *testing.T) {
	r := testRegistry(t)
	registerWeb(t, r)

	ids, err := r.ParseSelector("all")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestParseSelectorAllOverEmptyRegistrySucceeds(t *testing.T) {
	r := testRegistry(t)

	ids, err := r.ParseSelector("all")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestParseSelectorUnknownNameIsNotFound(t *testing.T) {
	r := testRegistry(t)

	_, err := r.ParseSelector("ghost")
	require.Error(t, err)
}

func TestParseSelectorUnknownTagIsNotFound(t *testing.T) {
	r := testRegistry(t)

	_, err := r.ParseSelector("@missing")
	require.Error(t, err)
}

func TestParseSelectorUnknownIDIsNotFound(t *testing.T) {
	r := testRegistry(t)

	_, err := r.ParseSelector("9999")
	require.Error(t, err)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := testRegistry(t)
	registerWeb(t, r)

	_, err := r.Register(context.Background(), spec.ProcessSpec{
		Name:    "web",
		Mode:    spec.ModeRawCommand,
		Command: "true",
	})
	require.Error(t, err)
}
