package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidekit/oxidepm/pkg/spec"
)

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	cp := Checkpoint{
		NextID: 3,
		Instances: []spec.Summary{
			{
				Spec:  spec.ProcessSpec{ID: 1, Name: "web", Mode: spec.ModeRawCommand, Command: "web-server"},
				State: spec.ProcessState{ID: 1, Status: spec.StatusOnline, Pid: 4242, StartedAt: time.Now()},
			},
		},
	}

	require.NoError(t, WriteCheckpoint(path, cp))

	loaded, err := ReadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, cp.NextID, loaded.NextID)
	require.Len(t, loaded.Instances, 1)
	assert.Equal(t, "web", loaded.Instances[0].Spec.Name)
	assert.Equal(t, spec.StatusOnline, loaded.Instances[0].State.Status)
}

func TestReadCheckpointMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	cp, err := ReadCheckpoint(filepath.Join(dir, "absent.db"))
	require.NoError(t, err)
	assert.Zero(t, cp.NextID)
	assert.Empty(t, cp.Instances)
}

func TestSavedAppsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.json")

	apps := []spec.ProcessSpec{
		{ID: 1, Name: "api", Mode: spec.ModeNode, Command: "server.js"},
		{ID: 2, Name: "worker", Mode: spec.ModeRawCommand, Command: "worker"},
	}
	require.NoError(t, WriteSaved(path, apps))

	loaded, err := ReadSaved(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "api", loaded[0].Name)
	assert.Equal(t, "worker", loaded[1].Name)
}

func TestReadSavedMissingFileYieldsEmptyList(t *testing.T) {
	dir := t.TempDir()
	apps, err := ReadSaved(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, apps)
}

func TestWriteCheckpointOverwritesPreviousContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	require.NoError(t, WriteCheckpoint(path, Checkpoint{NextID: 1}))
	require.NoError(t, WriteCheckpoint(path, Checkpoint{NextID: 9}))

	loaded, err := ReadCheckpoint(path)
	require.NoError(t, err)
	assert.EqualValues(t, 9, loaded.NextID)
}
