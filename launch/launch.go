// Package launch spawns the daemon's start/stop/restart command, captures
// its combined stdout+stderr, and reports how the spawn went. Double-fork
// daemonization on the caller's behalf lives in launch_unix.go.
package launch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/Data-Corruption/stdx/xlog"
)

// Status is the LaunchResult tag from spec.md section 3.
type Status int

const (
	// Ok means the direct child exited 0 (daemons typically fork and
	// exit; this only confirms the parent-visible process's exit code).
	Ok Status = iota
	// Failed means the direct child exited non-zero.
	Failed
	// SpawnTimedOut means the Supervisor's deadline tripped while
	// Launcher was still waiting on the direct child.
	SpawnTimedOut
)

// Result is the LaunchResult tagged variant.
type Result struct {
	Status   Status
	Pid      int
	Output   []byte
	ExitCode int    // valid when Status == Failed
	Signal   string // valid when Status == Failed and the process died by signal
}

// Options configures a single Spawn call.
type Options struct {
	// Command is the literal shell command to run (via /bin/sh -c).
	Command string
	// Env is merged over the ambient environment.
	Env map[string]string
	// KeepFDs are additional file descriptors the child inherits beyond
	// stdin/stdout/stderr, in order, starting at FD 3.
	KeepFDs []*os.File
	// CaptureOutput controls whether combined stdout+stderr is captured
	// to a temp file. It is false when the log file is itself a
	// standard-channel device, per spec.md section 4.E.
	CaptureOutput bool
	// Daemonize wraps Command so it keeps running detached in a new
	// session after Spawn's direct child exits, for commands that do not
	// fork-and-exit on their own. See daemonizeCommand in launch_unix.go.
	Daemonize bool
	// Deadline, if non-zero, bounds how long Spawn waits for the direct
	// child before returning SpawnTimedOut instead of killing it — the
	// Supervisor runs the abort protocol itself.
	Deadline time.Time
}

// Spawn runs opts.Command and waits for the direct child to exit, subject
// to opts.Deadline.
func Spawn(ctx context.Context, opts Options) (*Result, error) {
	var capture *os.File
	var err error
	if opts.CaptureOutput {
		capture, err = os.CreateTemp("", "daemonctl-launch-*")
		if err != nil {
			return nil, fmt.Errorf("create capture file: %w", err)
		}
		defer func() {
			name := capture.Name()
			if err := capture.Close(); err != nil {
				xlog.Errorf(ctx, "close capture file %s: %v", name, err)
			}
			if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
				xlog.Errorf(ctx, "remove capture file %s: %v", name, err)
			}
		}()
	}

	command := opts.Command
	if opts.Daemonize {
		command = daemonizeCommand(opts.Command)
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdin = nil
	if capture != nil {
		cmd.Stdout = capture
		cmd.Stderr = capture
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	cmd.Env = mergeEnv(opts.Env)
	cmd.ExtraFiles = opts.KeepFDs

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}
	pid := cmd.Process.Pid
	xlog.Debugf(ctx, "spawned pid %d: %s", pid, opts.Command)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var timeout <-chan time.Time
	if !opts.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(opts.Deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-waitErr:
		output := readCapture(ctx, capture)
		return classifyWait(pid, output, err), nil
	case <-timeout:
		output := readCapture(ctx, capture)
		return &Result{Status: SpawnTimedOut, Pid: pid, Output: output}, nil
	}
}

func classifyWait(pid int, output []byte, err error) *Result {
	if err == nil {
		return &Result{Status: Ok, Pid: pid, Output: output}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res := &Result{Status: Failed, Pid: pid, Output: output}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				res.Signal = ws.Signal().String()
			} else {
				res.ExitCode = ws.ExitStatus()
			}
		} else {
			res.ExitCode = exitErr.ExitCode()
		}
		return res
	}
	// ECHILD (reaped concurrently, e.g. by a signal handler) is treated
	// as Ok per spec.md 4.E — the PID/log probes will report the truth.
	if isECHILD(err) {
		return &Result{Status: Ok, Pid: pid, Output: output}
	}
	return &Result{Status: Failed, Pid: pid, Output: output}
}

func isECHILD(err error) bool {
	return errors.Is(err, syscall.ECHILD)
}

func readCapture(ctx context.Context, f *os.File) []byte {
	if f == nil {
		return nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		xlog.Errorf(ctx, "seek capture file: %v", err)
		return nil
	}
	data, err := io.ReadAll(f)
	if err != nil {
		xlog.Errorf(ctx, "read capture file: %v", err)
		return nil
	}
	return bytes.TrimRight(data, "\n")
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
