package runtime

import (
	"context"
	"fmt"
	"os"

	"github.com/oxidekit/oxidepm/pkg/logging"
	"github.com/oxidekit/oxidepm/pkg/logpipe"
	"github.com/oxidekit/oxidepm/pkg/process"
	"github.com/oxidekit/oxidepm/pkg/spec"
)

type rawCommandRunner struct{}

func (rawCommandRunner) Mode() spec.Mode { return spec.ModeRawCommand }

func (rawCommandRunner) Prepare(ctx context.Context, s spec.ProcessSpec) (PrepareResult, error) {
	if s.Command == "" {
		return PrepareResult{OK: false, Message: "empty command"}, nil
	}
	if _, err := lookPath(s.Command); err == nil {
		return PrepareResult{OK: true, Message: "found " + s.Command}, nil
	}
	if _, err := os.Stat(s.Command); err == nil {
		return PrepareResult{OK: true, Message: "using " + s.Command}, nil
	}
	return PrepareResult{OK: false, Message: fmt.Sprintf("command not found: %s", s.Command)}, nil
}

func (rawCommandRunner) Start(ctx context.Context, s spec.ProcessSpec, env []string, id string, logger logging.Logger, buildOut, buildErr *logpipe.RotatingWriter) (*process.Spawned, error) {
	return process.Spawn(ctx, process.SpawnConfig{
		ExecutablePath:   s.Command,
		Args:             s.Args,
		Environment:      env,
		WorkingDirectory: s.Cwd,
	}, id, logger)
}

func (rawCommandRunner) CommandString(s spec.ProcessSpec) string {
	return joinArgs(append([]string{s.Command}, s.Args...))
}
