package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oxidekit/oxidepm/pkg/errors"
	"github.com/oxidekit/oxidepm/pkg/logging"
	"github.com/oxidekit/oxidepm/pkg/logpipe"
	"github.com/oxidekit/oxidepm/pkg/process"
	"github.com/oxidekit/oxidepm/pkg/spec"
)

// scriptRunner drives npm/pnpm/yarn's `run <script>` convention.
type scriptRunner struct {
	tool string
}

func (r scriptRunner) Mode() spec.Mode {
	switch r.tool {
	case "pnpm":
		return spec.ModePnpmScript
	case "yarn":
		return spec.ModeYarnScript
	default:
		return spec.ModeNpmScript
	}
}

func (r scriptRunner) Prepare(ctx context.Context, s spec.ProcessSpec) (PrepareResult, error) {
	toolPath, err := lookPath(r.tool)
	if err != nil {
		return PrepareResult{OK: false, Message: fmt.Sprintf("%s not found in PATH", r.tool)}, nil
	}

	pkgJSON := filepath.Join(s.Cwd, "package.json")
	if !fileExists(pkgJSON) {
		return PrepareResult{OK: false, Message: fmt.Sprintf("package.json not found in %s", s.Cwd)}, nil
	}

	content, err := os.ReadFile(pkgJSON)
	if err != nil {
		return PrepareResult{}, errors.NewIOError("failed to read package.json", err)
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(content, &pkg); err != nil {
		return PrepareResult{OK: false, Message: "invalid package.json: " + err.Error()}, nil
	}
	if _, ok := pkg.Scripts[s.Command]; !ok {
		return PrepareResult{OK: false, Message: fmt.Sprintf("script %q not found in package.json scripts", s.Command)}, nil
	}

	return PrepareResult{OK: true, Message: "using " + r.tool + " at " + toolPath}, nil
}

func (r scriptRunner) Start(ctx context.Context, s spec.ProcessSpec, env []string, id string, logger logging.Logger, buildOut, buildErr *logpipe.RotatingWriter) (*process.Spawned, error) {
	args := append([]string{"run", s.Command}, s.Args...)
	return process.Spawn(ctx, process.SpawnConfig{
		ExecutablePath:   r.tool,
		Args:             args,
		Environment:      env,
		WorkingDirectory: s.Cwd,
	}, id, logger)
}

func (r scriptRunner) CommandString(s spec.ProcessSpec) string {
	return joinArgs(append([]string{r.tool, "run", s.Command}, s.Args...))
}

func joinArgs(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
