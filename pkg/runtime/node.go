package runtime

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/oxidekit/oxidepm/pkg/logging"
	"github.com/oxidekit/oxidepm/pkg/logpipe"
	"github.com/oxidekit/oxidepm/pkg/process"
	"github.com/oxidekit/oxidepm/pkg/spec"
)

var nodeExtensions = map[string]bool{
	".js": true, ".mjs": true, ".cjs": true, ".ts": true, ".mts": true, ".cts": true,
}

type nodeRunner struct{}

func (nodeRunner) Mode() spec.Mode { return spec.ModeNode }

func (nodeRunner) Prepare(ctx context.Context, s spec.ProcessSpec) (PrepareResult, error) {
	nodePath, err := lookPath("node")
	if err != nil {
		return PrepareResult{OK: false, Message: "node not found in PATH"}, nil
	}

	path := scriptPath(s)
	if !fileExists(path) {
		return PrepareResult{OK: false, Message: fmt.Sprintf("script not found: %s", path)}, nil
	}

	ext := filepath.Ext(path)
	if !nodeExtensions[ext] {
		return PrepareResult{OK: false, Message: fmt.Sprintf("invalid script extension: %s", ext)}, nil
	}

	return PrepareResult{OK: true, Message: "using node at " + nodePath}, nil
}

func (nodeRunner) Start(ctx context.Context, s spec.ProcessSpec, env []string, id string, logger logging.Logger, buildOut, buildErr *logpipe.RotatingWriter) (*process.Spawned, error) {
	args := append([]string{scriptPath(s)}, s.Args...)
	return process.Spawn(ctx, process.SpawnConfig{
		ExecutablePath:   "node",
		Args:             args,
		Environment:      env,
		WorkingDirectory: s.Cwd,
	}, id, logger)
}

func (nodeRunner) CommandString(s spec.ProcessSpec) string {
	parts := append([]string{"node", s.Command}, s.Args...)
	return joinArgs(parts)
}
