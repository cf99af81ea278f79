//go:build !windows

package process

import (
	"syscall"
)

// SendSignal delivers sig to the whole process group of pid, so that
// subprocesses spawned by a package-manager script receive it too.
func SendSignal(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// ParseSignalName maps a spec-configured initial signal name to its
// syscall.Signal, defaulting to SIGINT.
func ParseSignalName(name string) syscall.Signal {
	switch name {
	case "SIGTERM":
		return syscall.SIGTERM
	case "SIGKILL":
		return syscall.SIGKILL
	case "SIGHUP":
		return syscall.SIGHUP
	case "SIGINT", "":
		return syscall.SIGINT
	default:
		return syscall.SIGINT
	}
}
