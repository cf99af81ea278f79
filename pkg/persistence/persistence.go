// Package persistence handles the two on-disk artifacts a daemon
// restart needs: a checkpoint of the live registry (state.db) consulted
// on startup to resurrect what was running, and the explicitly saved
// app list (saved.json) a user asks to be resurrected across reboots.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/oxidekit/oxidepm/pkg/errors"
	"github.com/oxidekit/oxidepm/pkg/spec"
)

// Checkpoint is the state.db schema: every known instance's spec and
// last-observed state, so a crashed daemon can tell what was Online
// without asking anything.
type Checkpoint struct {
	NextID    uint64          `yaml:"next_id"`
	Instances []spec.Summary  `yaml:"instances"`
}

// WriteCheckpoint replaces state.db atomically: write to a temp file in
// the same directory, then rename over the target, so a crash mid-write
// never leaves a truncated checkpoint behind.
func WriteCheckpoint(path string, cp Checkpoint) error {
	data, err := yaml.Marshal(cp)
	if err != nil {
		return errors.NewInternalError("failed to marshal checkpoint", err)
	}
	return atomicWrite(path, data)
}

// ReadCheckpoint loads state.db. A missing file is not an error: a
// fresh data directory has nothing to resurrect from.
func ReadCheckpoint(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, nil
		}
		return Checkpoint{}, errors.NewIOError("failed to read checkpoint", err).WithContext("path", path)
	}
	var cp Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, errors.NewInternalError("failed to parse checkpoint", err).WithContext("path", path)
	}
	return cp, nil
}

// SavedApps is the saved.json schema named explicitly in the wire
// format: {"apps": [ProcessSpec...]}.
type SavedApps struct {
	Apps []spec.ProcessSpec `json:"apps"`
}

// WriteSaved replaces saved.json atomically with the given app list.
func WriteSaved(path string, apps []spec.ProcessSpec) error {
	data, err := json.MarshalIndent(SavedApps{Apps: apps}, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to marshal saved apps", err)
	}
	return atomicWrite(path, data)
}

// ReadSaved loads saved.json. A missing file yields an empty list, not
// an error.
func ReadSaved(path string) ([]spec.ProcessSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewIOError("failed to read saved apps", err).WithContext("path", path)
	}
	var saved SavedApps
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, errors.NewInternalError("failed to parse saved apps", err).WithContext("path", path)
	}
	return saved.Apps, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.NewIOError("failed to create directory for atomic write", err).WithContext("dir", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.NewIOError("failed to create temp file", err).WithContext("dir", dir)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.NewIOError("failed to write temp file", err).WithContext("path", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.NewIOError("failed to sync temp file", err).WithContext("path", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewIOError("failed to close temp file", err).WithContext("path", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.NewIOError("failed to rename temp file into place", err).WithContext("path", path)
	}
	return nil
}
