// Package runtime resolves a ProcessSpec's mode into an actual spawn
// command, mirroring the prepare/start split of the reference runners:
// prepare validates the mode's preconditions without touching the OS
// process table, start performs the actual launch.
package runtime

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/oxidekit/oxidepm/pkg/errors"
	"github.com/oxidekit/oxidepm/pkg/logging"
	"github.com/oxidekit/oxidepm/pkg/logpipe"
	"github.com/oxidekit/oxidepm/pkg/process"
	"github.com/oxidekit/oxidepm/pkg/spec"
)

// PrepareResult reports whether a mode's preconditions are satisfied,
// with a human-readable explanation either way.
type PrepareResult struct {
	OK      bool
	Message string
}

// Runner resolves one ProcessSpec.Mode into a runnable command.
//
// Start's buildOut/buildErr are the instance's own Log Pipe writers. Modes
// with a build step (cargo, rust-file) drain the build command's stdout and
// stderr into them before waiting on it, so build output ends up in the same
// log files as the eventual run; modes with no build step ignore them.
type Runner interface {
	Prepare(ctx context.Context, s spec.ProcessSpec) (PrepareResult, error)
	Start(ctx context.Context, s spec.ProcessSpec, env []string, id string, logger logging.Logger, buildOut, buildErr *logpipe.RotatingWriter) (*process.Spawned, error)
	CommandString(s spec.ProcessSpec) string
	Mode() spec.Mode
}

// ForMode returns the Runner implementing s.Mode, or an InvalidSpec
// error if the mode is unrecognized.
func ForMode(m spec.Mode, cacheDir string) (Runner, error) {
	switch m {
	case spec.ModeNode:
		return nodeRunner{}, nil
	case spec.ModeNpmScript:
		return scriptRunner{tool: "npm"}, nil
	case spec.ModePnpmScript:
		return scriptRunner{tool: "pnpm"}, nil
	case spec.ModeYarnScript:
		return scriptRunner{tool: "yarn"}, nil
	case spec.ModeCargo:
		return cargoRunner{}, nil
	case spec.ModeRustFile:
		return rustFileRunner{cacheDir: cacheDir}, nil
	case spec.ModeRawCommand:
		return rawCommandRunner{}, nil
	default:
		return nil, errors.NewInvalidSpecError("unknown mode", nil).WithContext("mode", string(m))
	}
}

func scriptPath(s spec.ProcessSpec) string {
	if filepath.IsAbs(s.Command) {
		return s.Command
	}
	return filepath.Join(s.Cwd, s.Command)
}

func lookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// drainBuildOutput forwards a build command's stdout/stderr into the
// instance's own log writers, if any were given, and makes sure both pipes
// are emptied regardless so Process.Wait never blocks on a full pipe buffer.
// It returns once both streams are exhausted.
func drainBuildOutput(build *process.Spawned, out, errw *logpipe.RotatingWriter, logger logging.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drainStream(build.Stdout, out, logpipe.StreamStdout, logger)
	}()
	go func() {
		defer wg.Done()
		drainStream(build.Stderr, errw, logpipe.StreamStderr, logger)
	}()
	wg.Wait()
}

func drainStream(r io.Reader, writer *logpipe.RotatingWriter, stream logpipe.Stream, logger logging.Logger) {
	if writer != nil {
		logpipe.NewForwarder(writer, stream, logger).Run(r)
		return
	}
	io.Copy(io.Discard, r)
}
