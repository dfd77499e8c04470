package daemonctl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Data-Corruption/daemonctl/ping"
)

// CommandSource yields the literal shell command to run at invocation time.
// StartCommand, StopCommand and RestartCommand are all CommandSources so a
// caller can derive the command from state that isn't known until Start is
// actually called.
type CommandSource interface {
	Command(ctx context.Context) (string, error)
}

// StringCommand is a CommandSource that always returns the same literal
// command string.
type StringCommand string

func (s StringCommand) Command(context.Context) (string, error) { return string(s), nil }

// CommandFunc adapts a plain function to a CommandSource.
type CommandFunc func(ctx context.Context) (string, error)

func (f CommandFunc) Command(ctx context.Context) (string, error) { return f(ctx) }

// Handle is the supervisor's configuration and identity. Build one with
// NewHandle; it is immutable after construction and safe for concurrent use
// by multiple goroutines, and by separate OS processes that agree on
// PIDFilePath/LockFilePath, provided no single process nests exclusive
// calls on the same Handle.
type Handle struct {
	// Identifier names the daemon in error messages and logs.
	Identifier string

	// StartCommand is required. StopCommand and RestartCommand are
	// optional; when absent, Stop signals the PID directly and Restart
	// sequences Stop then Start.
	StartCommand   CommandSource
	StopCommand    CommandSource
	RestartCommand CommandSource

	// BeforeStart, if set, runs before StartCommand and is not counted
	// against StartTimeout.
	BeforeStart func(ctx context.Context) error

	// Ping is the liveness probe consulted during Start and by Connect's
	// caller-supplied probe analog.
	Ping ping.Probe

	PIDFilePath  string
	LogFilePath  string
	LockFilePath string // defaults to PIDFilePath + ".lock"

	StartTimeout           time.Duration // default 30s
	StopTimeout            time.Duration // default 30s
	StartAbortTimeout      time.Duration // default 10s
	LogFileActivityTimeout time.Duration // default 10s
	PingInterval           time.Duration // default 100ms

	StopGracefulSignal syscall.Signal // default syscall.SIGTERM

	// DontStopIfPIDFileInvalid makes Stop a no-op when StopCommand is set
	// and the PID file is missing or invalid, instead of still running
	// StopCommand.
	DontStopIfPIDFileInvalid bool

	// DaemonizeForMe asks the Launcher to detach StartCommand into its own
	// session on behalf of a process that does not daemonize itself, so
	// Start doesn't block for the daemon's entire lifetime.
	DaemonizeForMe bool

	// KeepFDs are inherited by the spawned process beyond stdin/out/err.
	KeepFDs []*os.File

	// Env is merged over the ambient environment when spawning.
	Env map[string]string
}

// Option configures a Handle at construction time.
type Option func(*Handle)

// WithStopCommand sets an explicit stop command instead of signaling the PID.
func WithStopCommand(cmd CommandSource) Option {
	return func(h *Handle) { h.StopCommand = cmd }
}

// WithRestartCommand sets an explicit restart command instead of stop+start.
func WithRestartCommand(cmd CommandSource) Option {
	return func(h *Handle) { h.RestartCommand = cmd }
}

// WithBeforeStart sets a callable run before StartCommand, uncounted
// against StartTimeout.
func WithBeforeStart(fn func(ctx context.Context) error) Option {
	return func(h *Handle) { h.BeforeStart = fn }
}

// WithLockFilePath overrides the default PIDFilePath+".lock".
func WithLockFilePath(path string) Option {
	return func(h *Handle) { h.LockFilePath = path }
}

// WithTimeouts overrides each of the four duration fields whose argument is
// non-zero; pass a zero Duration to leave a field at its default.
func WithTimeouts(startTimeout, stopTimeout, startAbortTimeout, logActivityTimeout time.Duration) Option {
	return func(h *Handle) {
		if startTimeout != 0 {
			h.StartTimeout = startTimeout
		}
		if stopTimeout != 0 {
			h.StopTimeout = stopTimeout
		}
		if startAbortTimeout != 0 {
			h.StartAbortTimeout = startAbortTimeout
		}
		if logActivityTimeout != 0 {
			h.LogFileActivityTimeout = logActivityTimeout
		}
	}
}

// WithPingInterval overrides the default 100ms poll interval used while
// waiting for the PID file to appear and for the ping to succeed.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handle) { h.PingInterval = d }
}

// WithStopGracefulSignal overrides the default SIGTERM.
func WithStopGracefulSignal(sig syscall.Signal) Option {
	return func(h *Handle) { h.StopGracefulSignal = sig }
}

// WithDontStopIfPIDFileInvalid makes Stop a no-op (instead of still running
// StopCommand) when the PID file is missing or invalid.
func WithDontStopIfPIDFileInvalid() Option {
	return func(h *Handle) { h.DontStopIfPIDFileInvalid = true }
}

// WithDaemonizeForMe asks the Launcher to detach StartCommand into its own
// session on StartCommand's behalf, for a command that never forks and
// exits on its own.
func WithDaemonizeForMe() Option {
	return func(h *Handle) { h.DaemonizeForMe = true }
}

// WithKeepFDs adds file descriptors the spawned process inherits beyond
// stdin/stdout/stderr.
func WithKeepFDs(fds ...*os.File) Option {
	return func(h *Handle) { h.KeepFDs = append(h.KeepFDs, fds...) }
}

// WithEnv merges additional environment variables over the ambient
// environment when spawning.
func WithEnv(env map[string]string) Option {
	return func(h *Handle) {
		if h.Env == nil {
			h.Env = make(map[string]string, len(env))
		}
		for k, v := range env {
			h.Env[k] = v
		}
	}
}

// NewHandle builds a Handle, applies opts, fills defaults, and validates
// mandatory fields, mirroring the eager-validation constructor pattern the
// rest of this codebase uses for its config structs.
func NewHandle(identifier string, startCommand CommandSource, probe ping.Probe, pidFilePath, logFilePath string, opts ...Option) (*Handle, error) {
	h := &Handle{
		Identifier:             identifier,
		StartCommand:           startCommand,
		Ping:                   probe,
		PIDFilePath:            pidFilePath,
		LogFilePath:            logFilePath,
		StartTimeout:           30 * time.Second,
		StopTimeout:            30 * time.Second,
		StartAbortTimeout:      10 * time.Second,
		LogFileActivityTimeout: 10 * time.Second,
		PingInterval:           100 * time.Millisecond,
		StopGracefulSignal:     syscall.SIGTERM,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.LockFilePath == "" {
		h.LockFilePath = h.PIDFilePath + ".lock"
	}
	if err := h.validate(); err != nil {
		return nil, newErr(identifierOrDefault(identifier), KindInvalidConfig, err.Error(), nil)
	}
	return h, nil
}

func identifierOrDefault(id string) string {
	if id == "" {
		return "daemonctl"
	}
	return id
}

func (h *Handle) validate() error {
	if h.Identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if h.StartCommand == nil {
		return fmt.Errorf("start command is required")
	}
	if h.Ping == nil {
		return fmt.Errorf("ping spec is required")
	}
	if h.PIDFilePath == "" || !filepath.IsAbs(h.PIDFilePath) {
		return fmt.Errorf("pid file path must be absolute, got %q", h.PIDFilePath)
	}
	if h.LogFilePath == "" || !filepath.IsAbs(h.LogFilePath) {
		return fmt.Errorf("log file path must be absolute, got %q", h.LogFilePath)
	}
	if !filepath.IsAbs(h.LockFilePath) {
		return fmt.Errorf("lock file path must be absolute, got %q", h.LockFilePath)
	}
	return nil
}

// contextKey namespaces Handle values stored on a context.Context, matching
// the teacher's per-package contextKey convention.
type contextKey string

const handleContextKey contextKey = "daemonctl_handle"

// IntoContext returns a copy of ctx carrying h, so a supervised Handle can
// be threaded through a call chain the way this codebase threads its other
// per-request singletons.
func IntoContext(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleContextKey, h)
}

// FromContext retrieves the Handle stored by IntoContext, if any.
func FromContext(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(handleContextKey).(*Handle)
	return h, ok
}
