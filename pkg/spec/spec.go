// Package spec defines the normalized process specification and runtime
// state types that flow between the registry, the supervisors, and the
// IPC wire protocol.
package spec

import (
	"regexp"
	"time"

	"github.com/oxidekit/oxidepm/pkg/errors"
)

// Mode selects how a ProcessSpec's command is resolved and launched.
type Mode string

const (
	ModeNode       Mode = "node"
	ModeNpmScript  Mode = "npm-script"
	ModePnpmScript Mode = "pnpm-script"
	ModeYarnScript Mode = "yarn-script"
	ModeCargo      Mode = "cargo"
	ModeRustFile   Mode = "rust-file"
	ModeRawCommand Mode = "raw-command"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeNode, ModeNpmScript, ModePnpmScript, ModeYarnScript, ModeCargo, ModeRustFile, ModeRawCommand:
		return true
	}
	return false
}

// EnvMergePolicy controls how an instance's environment is assembled
// relative to the daemon's own environment.
type EnvMergePolicy string

const (
	EnvInherit EnvMergePolicy = "inherit"
	EnvReplace EnvMergePolicy = "replace"
	EnvOverlay EnvMergePolicy = "overlay"
)

// RestartPolicy governs crash-loop protection and proactive cycling.
type RestartPolicy struct {
	MaxRestarts    int           `json:"max_restarts" yaml:"max_restarts"`
	RestartDelay   time.Duration `json:"restart_delay_ms" yaml:"restart_delay_ms"`
	BackoffCap     int           `json:"backoff_cap" yaml:"backoff_cap"`
	MaxUptime      time.Duration `json:"max_uptime_ms" yaml:"max_uptime_ms"`
	MinUptime      time.Duration `json:"min_uptime_ms" yaml:"min_uptime_ms"`
	CrashWindow    time.Duration `json:"crash_window_ms" yaml:"crash_window_ms"`
}

// DefaultRestartPolicy mirrors the defaults named throughout the spec:
// 1s min-uptime, backoff capped at 2^6, no forced max-uptime cycling.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts:  10,
		RestartDelay: 1 * time.Second,
		BackoffCap:   6,
		MaxUptime:    0,
		MinUptime:    1 * time.Second,
		CrashWindow:  60 * time.Second,
	}
}

// HealthCheckKind distinguishes the two supported probe mechanisms.
type HealthCheckKind string

const (
	HealthCheckNone   HealthCheckKind = ""
	HealthCheckHTTP   HealthCheckKind = "http"
	HealthCheckScript HealthCheckKind = "script"
)

type HealthCheckSpec struct {
	Kind             HealthCheckKind `json:"kind" yaml:"kind"`
	URL              string          `json:"url,omitempty" yaml:"url,omitempty"`
	Path             string          `json:"path,omitempty" yaml:"path,omitempty"`
	Interval         time.Duration   `json:"interval_ms" yaml:"interval_ms"`
	Timeout          time.Duration   `json:"timeout_ms" yaml:"timeout_ms"`
	FailureThreshold int             `json:"failure_threshold" yaml:"failure_threshold"`
	StartGrace       time.Duration   `json:"start_grace_ms" yaml:"start_grace_ms"`
}

func (h HealthCheckSpec) Enabled() bool {
	return h.Kind == HealthCheckHTTP || h.Kind == HealthCheckScript
}

// WatchSpec configures component D for one process.
type WatchSpec struct {
	Paths          []string      `json:"paths,omitempty" yaml:"paths,omitempty"`
	IgnorePatterns []string      `json:"ignore_patterns,omitempty" yaml:"ignore_patterns,omitempty"`
	Debounce       time.Duration `json:"debounce_ms" yaml:"debounce_ms"`
	Reload         bool          `json:"reload" yaml:"reload"`
}

func (w WatchSpec) Enabled() bool {
	return len(w.Paths) > 0
}

// DefaultIgnorePatterns matches the watcher's documented default ignore
// list.
func DefaultIgnorePatterns() []string {
	return []string{".git", "node_modules", "target"}
}

// LogSpec configures component A's on-disk rotation for one process.
type LogSpec struct {
	OutPath      string `json:"out_path" yaml:"out_path"`
	ErrPath      string `json:"err_path" yaml:"err_path"`
	MaxSizeBytes int64  `json:"max_size_bytes" yaml:"max_size_bytes"`
	Retained     int    `json:"retained" yaml:"retained"`
}

func DefaultLogSpec(outPath, errPath string) LogSpec {
	return LogSpec{
		OutPath:      outPath,
		ErrPath:      errPath,
		MaxSizeBytes: 10 * 1024 * 1024,
		Retained:     5,
	}
}

// Hooks names short-lived commands run on lifecycle transitions. Their
// exit status and a bounded tail of their combined output are recorded
// on the emitted event but never influence the supervised process.
type Hooks struct {
	OnStart   string `json:"on_start,omitempty" yaml:"on_start,omitempty"`
	OnStop    string `json:"on_stop,omitempty" yaml:"on_stop,omitempty"`
	OnCrash   string `json:"on_crash,omitempty" yaml:"on_crash,omitempty"`
	OnRestart string `json:"on_restart,omitempty" yaml:"on_restart,omitempty"`
}

// ProcessSpec is immutable once registered; a replacement is a new
// registration of the same name.
type ProcessSpec struct {
	ID      uint64            `json:"id" yaml:"id"`
	Name    string            `json:"name" yaml:"name"`
	Mode    Mode              `json:"mode" yaml:"mode"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Cwd     string            `json:"cwd" yaml:"cwd"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	EnvMode EnvMergePolicy    `json:"env_mode,omitempty" yaml:"env_mode,omitempty"`
	Tags    []string          `json:"tags,omitempty" yaml:"tags,omitempty"`

	Restart RestartPolicy   `json:"restart" yaml:"restart"`
	Health  HealthCheckSpec `json:"health,omitempty" yaml:"health,omitempty"`
	Watch   WatchSpec       `json:"watch,omitempty" yaml:"watch,omitempty"`
	Log     LogSpec         `json:"log" yaml:"log"`
	Hooks   Hooks           `json:"hooks,omitempty" yaml:"hooks,omitempty"`

	Instances     int    `json:"instances" yaml:"instances"`
	BasePort      int    `json:"base_port,omitempty" yaml:"base_port,omitempty"`
	PortEnvVar    string `json:"port_env_var,omitempty" yaml:"port_env_var,omitempty"`

	MaxMemoryBytes int64  `json:"max_memory_bytes,omitempty" yaml:"max_memory_bytes,omitempty"`
	InitialSignal  string `json:"initial_signal,omitempty" yaml:"initial_signal,omitempty"`
	GracefulTimeout time.Duration `json:"graceful_timeout_ms" yaml:"graceful_timeout_ms"`
	KillTimeout     time.Duration `json:"kill_timeout_ms" yaml:"kill_timeout_ms"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	// InstanceIndex and ParentID are set internally when a spec with
	// Instances > 1 is fanned out into one ProcessSpec per cluster member;
	// they are zero/unset on the spec as originally registered.
	InstanceIndex int    `json:"instance_index,omitempty" yaml:"-"`
	ParentID      uint64 `json:"parent_id,omitempty" yaml:"-"`
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateName rejects empty names and anything that could be used for
// path traversal when building log file paths from it.
func ValidateName(name string) error {
	if name == "" {
		return errors.NewInvalidSpecError("name must not be empty", nil)
	}
	if !nameRe.MatchString(name) {
		return errors.NewInvalidSpecError("name must match [a-zA-Z0-9_-]+", nil).WithContext("name", name)
	}
	return nil
}

// Validate checks the static well-formedness of a spec; it does not
// check uniqueness, which is a registry-level concern.
func (s ProcessSpec) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	if !s.Mode.Valid() {
		return errors.NewInvalidSpecError("unknown mode", nil).WithContext("mode", string(s.Mode))
	}
	if s.Command == "" {
		return errors.NewInvalidSpecError("command must not be empty", nil)
	}
	if s.Instances < 1 {
		return errors.NewInvalidSpecError("instances must be >= 1", nil)
	}
	if s.Health.Enabled() {
		if s.Health.Kind == HealthCheckHTTP && s.Health.URL == "" {
			return errors.NewInvalidSpecError("health.url is required for http health checks", nil)
		}
		if s.Health.Kind == HealthCheckScript && s.Health.Path == "" {
			return errors.NewInvalidSpecError("health.path is required for script health checks", nil)
		}
	}
	return nil
}

// ForInstance derives the per-instance spec for cluster member index,
// assigning its port and carrying the lineage back to the parent id.
func (s ProcessSpec) ForInstance(id uint64, index int) ProcessSpec {
	inst := s
	inst.ID = id
	inst.InstanceIndex = index
	inst.ParentID = s.ID
	if s.BasePort > 0 {
		inst.BasePort = s.BasePort + index
	}
	if s.Instances > 1 {
		inst.Name = s.Name
	}
	return inst
}

// Status is the supervisor's lifecycle state, per the state machine in
// component E.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusOnline   Status = "online"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusErrored  Status = "errored"
	StatusBackoff  Status = "backoff"
)

// ExitCause records why an Online process stopped being Online, used to
// decide whether a restart counts against the crash budget.
type ExitCause string

const (
	ExitCauseUnknown  ExitCause = ""
	ExitCauseStop     ExitCause = "stop"
	ExitCauseCrash    ExitCause = "crash"
	ExitCauseHealth   ExitCause = "health"
	ExitCauseMemory   ExitCause = "memory"
	ExitCauseMaxUptime ExitCause = "max_uptime"
	ExitCauseReload   ExitCause = "reload"
)

// ResourceSample is the most recent reading taken by the Sampler.
type ResourceSample struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   int64     `json:"rss_bytes"`
	Stale      bool      `json:"stale"`
}

// HealthVerdict is the most recent outcome produced by the Health
// Prober.
type HealthVerdict struct {
	Timestamp time.Time `json:"timestamp"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
}

// ProcessState is the mutable, per-instance runtime state owned
// exclusively by its supervisor; every other reader sees a snapshot.
type ProcessState struct {
	ID       uint64 `json:"id"`
	Status   Status `json:"status"`
	Pid      int    `json:"pid,omitempty"`

	StartedAt      time.Time `json:"started_at,omitempty"`
	RestartCount   int       `json:"restart_count"`
	CrashCount     int       `json:"crash_count"`
	LastExitCode   int       `json:"last_exit_code,omitempty"`
	LastExitSignal string    `json:"last_exit_signal,omitempty"`
	LastExitCause  ExitCause `json:"last_exit_cause,omitempty"`
	LastCrashAt    time.Time `json:"last_crash_at,omitempty"`

	Health   HealthVerdict  `json:"health,omitempty"`
	Resource ResourceSample `json:"resource,omitempty"`
}

// Summary is the immutable, IPC-facing view of one managed instance.
type Summary struct {
	Spec  ProcessSpec  `json:"spec"`
	State ProcessState `json:"state"`
}
