package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oxidekit/oxidepm/pkg/errors"
	"github.com/oxidekit/oxidepm/pkg/logging"
	"github.com/oxidekit/oxidepm/pkg/logpipe"
	"github.com/oxidekit/oxidepm/pkg/process"
	"github.com/oxidekit/oxidepm/pkg/spec"
)

// rustFileRunner compiles a single .rs file with rustc into a per-daemon
// cache directory, keyed by a hash of the source file's path, size and
// mtime, and re-uses the cached binary across restarts while those are
// unchanged.
type rustFileRunner struct {
	cacheDir string
}

func (rustFileRunner) Mode() spec.Mode { return spec.ModeRustFile }

func (rustFileRunner) Prepare(ctx context.Context, s spec.ProcessSpec) (PrepareResult, error) {
	if _, err := lookPath("rustc"); err != nil {
		return PrepareResult{OK: false, Message: "rustc not found in PATH"}, nil
	}
	path := scriptPath(s)
	if !fileExists(path) {
		return PrepareResult{OK: false, Message: fmt.Sprintf(".rs file not found: %s", path)}, nil
	}
	if filepath.Ext(path) != ".rs" {
		return PrepareResult{OK: false, Message: "expected a .rs file"}, nil
	}
	return PrepareResult{OK: true, Message: "found " + path}, nil
}

func (r rustFileRunner) Start(ctx context.Context, s spec.ProcessSpec, env []string, id string, logger logging.Logger, buildOut, buildErr *logpipe.RotatingWriter) (*process.Spawned, error) {
	path := scriptPath(s)

	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewSpawnFailedError("rust-file source missing", err).WithContext("path", path)
	}

	key := cacheKey(path, info)
	binPath := filepath.Join(r.cacheDir, key)

	if !fileExists(binPath) {
		if err := os.MkdirAll(r.cacheDir, 0755); err != nil {
			return nil, errors.NewIOError("failed to create rust-file cache dir", err)
		}
		build, err := process.Spawn(ctx, process.SpawnConfig{
			ExecutablePath:   "rustc",
			Args:             []string{"-O", "-o", binPath, path},
			Environment:      env,
			WorkingDirectory: s.Cwd,
		}, id+":build", logger)
		if err != nil {
			return nil, err
		}
		drainBuildOutput(build, buildOut, buildErr, logger)
		state, err := build.Process.Wait()
		if err != nil {
			return nil, err
		}
		if !state.Success() {
			return nil, errors.NewSpawnFailedError("rustc compile failed: "+state.String(), nil)
		}
	}

	return process.Spawn(ctx, process.SpawnConfig{
		ExecutablePath:   binPath,
		Args:             s.Args,
		Environment:      env,
		WorkingDirectory: s.Cwd,
	}, id, logger)
}

func (rustFileRunner) CommandString(s spec.ProcessSpec) string {
	return "rustc -O " + s.Command
}

func cacheKey(path string, info os.FileInfo) string {
	h := sha256.New()
	h.Write([]byte(path))
	fmt.Fprintf(h, "|%d|%d", info.Size(), info.ModTime().UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:16]
}
