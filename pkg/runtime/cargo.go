package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oxidekit/oxidepm/pkg/logging"
	"github.com/oxidekit/oxidepm/pkg/logpipe"
	"github.com/oxidekit/oxidepm/pkg/process"
	"github.com/oxidekit/oxidepm/pkg/spec"
)

// cargoRunner builds a crate then runs the resulting binary. The build
// phase's own stdout/stderr are piped through the same Log Pipe as the
// eventual run, and the caller (the supervisor) keeps the instance in
// Starting for the whole of it.
type cargoRunner struct{}

func (cargoRunner) Mode() spec.Mode { return spec.ModeCargo }

func (cargoRunner) Prepare(ctx context.Context, s spec.ProcessSpec) (PrepareResult, error) {
	if _, err := lookPath("cargo"); err != nil {
		return PrepareResult{OK: false, Message: "cargo not found in PATH"}, nil
	}
	manifest := filepath.Join(s.Cwd, "Cargo.toml")
	if !fileExists(manifest) {
		return PrepareResult{OK: false, Message: fmt.Sprintf("Cargo.toml not found in %s", s.Cwd)}, nil
	}
	return PrepareResult{OK: true, Message: "found Cargo.toml"}, nil
}

// Start runs `cargo build` synchronously (the caller is expected to call
// this from the Starting state, which has no uptime deadline of its own
// until the binary is actually launched) and then execs the produced
// binary. The spec's `command` field, unless it is empty, "release" or
// "debug", is taken as the binary name and passed to cargo as --bin.
func (cargoRunner) Start(ctx context.Context, s spec.ProcessSpec, env []string, id string, logger logging.Logger, buildOut, buildErr *logpipe.RotatingWriter) (*process.Spawned, error) {
	profile := "debug"
	buildArgs := []string{"build"}
	if s.Command == "release" || containsArg(s.Args, "--release") {
		profile = "release"
		buildArgs = append(buildArgs, "--release")
	}
	bin := binName(s)
	if bin != "" {
		buildArgs = append(buildArgs, "--bin", bin)
	}

	build, err := process.Spawn(ctx, process.SpawnConfig{
		ExecutablePath:   "cargo",
		Args:             buildArgs,
		Environment:      env,
		WorkingDirectory: s.Cwd,
	}, id+":build", logger)
	if err != nil {
		return nil, err
	}
	drainBuildOutput(build, buildOut, buildErr, logger)
	buildState, err := build.Process.Wait()
	if err != nil {
		return nil, err
	}
	if !buildState.Success() {
		return nil, fmt.Errorf("cargo build failed: %s", buildState.String())
	}

	binPath := filepath.Join(s.Cwd, "target", profile, resolveBinaryName(s))
	return process.Spawn(ctx, process.SpawnConfig{
		ExecutablePath:   binPath,
		Args:             s.Args,
		Environment:      env,
		WorkingDirectory: s.Cwd,
	}, id, logger)
}

func (cargoRunner) CommandString(s spec.ProcessSpec) string {
	return "cargo build && target/<profile>/" + resolveBinaryName(s)
}

func binName(s spec.ProcessSpec) string {
	if s.Command == "" || s.Command == "release" || s.Command == "debug" {
		return ""
	}
	return s.Command
}

// resolveBinaryName finds the binary cargo will have produced: an explicit
// bin name wins, then the crate's own package name from Cargo.toml, then
// the crate directory's basename as a last resort. Mirrors the reference
// runner's find_binary_name resolution order.
func resolveBinaryName(s spec.ProcessSpec) string {
	if bin := binName(s); bin != "" {
		return bin
	}
	if name := packageNameFromManifest(s.Cwd); name != "" {
		return name
	}
	return filepath.Base(s.Cwd)
}

func packageNameFromManifest(cwd string) string {
	data, err := os.ReadFile(filepath.Join(cwd, "Cargo.toml"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "name") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if name != "" {
			return name
		}
	}
	return ""
}

func containsArg(args []string, target string) bool {
	for _, a := range args {
		if a == target {
			return true
		}
	}
	return false
}
