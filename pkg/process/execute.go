package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/oxidekit/oxidepm/pkg/errors"
	"github.com/oxidekit/oxidepm/pkg/logging"
)

// SpawnConfig describes a single child process launch. Stdout and stderr
// are always captured on separate pipes so the Log Pipe can write them to
// the out/err files the registry assigns.
type SpawnConfig struct {
	ExecutablePath   string
	Args             []string
	Environment      []string
	WorkingDirectory string
}

func ValidateSpawnConfig(config SpawnConfig) error {
	if config.ExecutablePath == "" {
		return errors.NewInvalidSpecError("executable path is required", nil)
	}
	if config.WorkingDirectory != "" && !filepath.IsAbs(config.WorkingDirectory) {
		return errors.NewInvalidSpecError("working directory must be an absolute path", nil)
	}
	return nil
}

// Spawned is the result of launching a child: its OS handle plus separate
// readers for stdout and stderr.
type Spawned struct {
	Process *os.Process
	Stdout  io.ReadCloser
	Stderr  io.ReadCloser
}

// Spawn starts a child in a fresh process group with stdin attached to
// /dev/null. The caller owns waiting on the returned process.
func Spawn(ctx context.Context, config SpawnConfig, id string, logger logging.Logger) (*Spawned, error) {
	if err := ValidateSpawnConfig(config); err != nil {
		return nil, err
	}

	if err := EnsureExecutable(config.ExecutablePath); err != nil {
		logger.Warnf("could not mark executable, id: %s, path: %s, error: %v", id, config.ExecutablePath, err)
	}

	workDir := config.WorkingDirectory
	if workDir == "" {
		absPath, err := filepath.Abs(config.ExecutablePath)
		if err != nil {
			return nil, errors.NewIOError("failed to resolve absolute path", err).WithContext("id", id)
		}
		workDir = filepath.Dir(absPath)
	}

	logger.Debugf("spawning process, id: %s, path: %s, args: %v, cwd: %s", id, config.ExecutablePath, config.Args, workDir)

	cmd := exec.CommandContext(ctx, config.ExecutablePath, config.Args...)
	cmd.Dir = workDir
	cmd.Env = config.Environment
	setupProcessAttributes(cmd)

	devNull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.NewIOError("failed to open /dev/null", err).WithContext("id", id)
	}
	cmd.Stdin = devNull

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.NewSpawnFailedError("failed to create stdout pipe", err).WithContext("id", id)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.NewSpawnFailedError("failed to create stderr pipe", err).WithContext("id", id)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.NewSpawnFailedError("failed to start process", err).WithContext("id", id).WithContext("executable_path", config.ExecutablePath)
	}

	logger.Infof("spawned process, id: %s, pid: %d", id, cmd.Process.Pid)

	return &Spawned{
		Process: cmd.Process,
		Stdout:  stdout,
		Stderr:  stderr,
	}, nil
}

// EnsureExecutable makes path executable if it is not already.
func EnsureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}
	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}
	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewPermissionError("failed to make file executable", err).WithContext("path", path)
	}
	return nil
}
