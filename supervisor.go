package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/Data-Corruption/stdx/xlog"

	"github.com/Data-Corruption/daemonctl/launch"
	"github.com/Data-Corruption/daemonctl/lock"
	"github.com/Data-Corruption/daemonctl/logwatch"
	"github.com/Data-Corruption/daemonctl/ping"
	"github.com/Data-Corruption/daemonctl/pidfile"
)

// daemonRuntime pairs the Lock and PidFile a Handle's operations share across
// all calls, keyed by lock file path so every Handle value pointing at the
// same lock file path converges on the same lock.Lock in-process gate
// (see lock.mutexFor).
type daemonRuntime struct {
	lock *lock.Lock
	pid  *pidfile.PidFile
}

var runtimes = newRuntimeCache()

// Start runs the daemon per spec.md section 4.F.1. It fails with
// KindAlreadyStarted if the daemon is already running.
func (h *Handle) Start(ctx context.Context) error {
	rt := h.runtime()
	var retErr error
	err := rt.lock.WithExclusive(ctx, func() error {
		retErr = h.startLocked(ctx, rt)
		return nil
	})
	if err != nil {
		return err
	}
	return retErr
}

func (h *Handle) startLocked(ctx context.Context, rt *daemonRuntime) error {
	running, err := h.runningLocked(rt)
	if err != nil {
		return err
	}
	if running {
		return newErr(h.Identifier, KindAlreadyStarted, "daemon already running", nil)
	}

	snap := logwatch.Take(h.LogFilePath)
	defer snap.Close()

	if err := rt.pid.Delete(); err != nil {
		return fmt.Errorf("%s: clear stale pid file: %w", h.Identifier, err)
	}

	if h.BeforeStart != nil {
		if err := h.BeforeStart(ctx); err != nil {
			return fmt.Errorf("%s: before-start hook: %w", h.Identifier, err)
		}
	}

	deadline := time.Now().Add(h.StartTimeout)

	cmd, err := h.StartCommand.Command(ctx)
	if err != nil {
		return fmt.Errorf("%s: resolve start command: %w", h.Identifier, err)
	}

	// No separate capture when the log file is a character device or FIFO
	// such as /dev/stderr.
	captureOutput := true
	if info, statErr := os.Stat(h.LogFilePath); statErr == nil && info.Mode()&(os.ModeCharDevice|os.ModeNamedPipe) != 0 {
		captureOutput = false
	}

	res, err := launch.Spawn(ctx, launch.Options{
		Command:       cmd,
		Env:           h.Env,
		KeepFDs:       h.KeepFDs,
		CaptureOutput: captureOutput,
		Daemonize:     h.DaemonizeForMe,
		Deadline:      deadline,
	})
	if err != nil {
		return fmt.Errorf("%s: spawn start command: %w", h.Identifier, err)
	}

	switch res.Status {
	case launch.Failed:
		suffix := exitSuffix(exitDesc(res), false)
		logs, _ := snap.Diff()
		return newErr(h.Identifier, KindStartError, composeMessage(res.Output, logs, suffix), nil)
	case launch.SpawnTimedOut:
		h.abortStart(ctx, rt, res.Pid, true)
		logs, _ := snap.Diff()
		return newErr(h.Identifier, KindStartTimeout, composeMessage(res.Output, logs, "timed out"), nil)
	}

	snap.TouchActivity()

	if err := h.waitForPIDFile(ctx, rt, snap, deadline); err != nil {
		return err
	}

	upResult, pingErr := h.waitForPing(ctx, rt, snap, deadline)
	if pingErr != nil {
		return pingErr
	}
	if upResult == ping.Up {
		return nil
	}

	logs, _ := snap.Diff()
	return newErr(h.Identifier, KindStartError, composeMessage(nil, logs, ""), nil)
}

// waitTick blocks until either snap's tailer reports new log activity or
// h.PingInterval elapses, touching the watchdog's activity clock
// immediately on the former instead of waiting for the next poll tick to
// notice via Changed() — the select loop spec.md 5.C/SPEC_FULL.md 5.C
// describe, with the tail line channel as the wakeup and PingInterval as
// the fallback that still drives the PID/ping checks themselves.
func (h *Handle) waitTick(snap *logwatch.Snapshot, timer *time.Timer) {
	select {
	case <-snap.Activity():
		snap.TouchActivity()
		if !timer.Stop() {
			<-timer.C
		}
	case <-timer.C:
	}
	timer.Reset(h.PingInterval)
}

// waitForPIDFile loops until the PID file appears, enforcing the log
// inactivity watchdog and the overall start deadline, per spec.md 4.F.1
// step 8.
func (h *Handle) waitForPIDFile(ctx context.Context, rt *daemonRuntime, snap *logwatch.Snapshot, deadline time.Time) error {
	timer := time.NewTimer(h.PingInterval)
	defer timer.Stop()
	for {
		available, err := rt.pid.Available()
		if err != nil {
			return fmt.Errorf("%s: check pid file: %w", h.Identifier, err)
		}
		if available {
			return nil
		}
		if to := h.checkWatchdog(ctx, rt, snap, deadline); to != nil {
			return to
		}
		h.waitTick(snap, timer)
	}
}

// waitForPing loops until the ping succeeds, per spec.md 4.F.1 step 9,
// additionally bailing if the daemon died after writing its PID file.
func (h *Handle) waitForPing(ctx context.Context, rt *daemonRuntime, snap *logwatch.Snapshot, deadline time.Time) (ping.Result, error) {
	timer := time.NewTimer(h.PingInterval)
	defer timer.Stop()
	for {
		result, err := h.Ping.Ping(ctx)
		if err != nil && result != ping.ProbeErr {
			err = nil
		}
		if result == ping.Up {
			return ping.Up, nil
		}
		if result == ping.ProbeErr {
			return ping.ProbeErr, fmt.Errorf("%s: ping: %w", h.Identifier, err)
		}

		running, rerr := h.runningLocked(rt)
		if rerr != nil {
			return ping.Down, rerr
		}
		if !running {
			return ping.Down, nil
		}

		if to := h.checkWatchdog(ctx, rt, snap, deadline); to != nil {
			return ping.Down, to
		}
		h.waitTick(snap, timer)
	}
}

// checkWatchdog returns a non-nil *SupervisorError (as error) if the log
// has gone inactive or the deadline has passed, running abort_start first.
func (h *Handle) checkWatchdog(ctx context.Context, rt *daemonRuntime, snap *logwatch.Snapshot, deadline time.Time) error {
	changed, err := snap.Changed()
	if err == nil && changed {
		snap.TouchActivity()
	}

	inactive := snap.Inactive(h.LogFileActivityTimeout)
	timedOut := time.Now().After(deadline)
	if !inactive && !timedOut {
		return nil
	}

	pid, found, _ := rt.pid.Read()
	if found {
		h.abortStart(ctx, rt, pid, false)
	}
	logs, _ := snap.Diff()
	return newErr(h.Identifier, KindStartTimeout, composeMessage(nil, logs, "timed out"), nil)
}

// abortStart implements spec.md 4.F.6: SIGTERM, wait up to
// StartAbortTimeout, then SIGKILL. isDirectChild selects waitpid-based
// reaping (pre-fork daemons) versus PID-file-based polling (post-fork).
func (h *Handle) abortStart(ctx context.Context, rt *daemonRuntime, pid int, isDirectChild bool) {
	if pid <= 0 {
		return
	}
	signalPid(ctx, pid, syscall.SIGTERM)

	if h.waitAbort(ctx, rt, pid, isDirectChild, h.StartAbortTimeout) {
		return
	}

	signalPid(ctx, pid, syscall.SIGKILL)
	h.waitAbort(ctx, rt, pid, isDirectChild, h.StartAbortTimeout)
}

// waitAbort polls until the target is gone or timeout elapses, reporting
// which. On direct-child success it resolves the PID file ownership
// question spec.md 4.F.6 describes.
func (h *Handle) waitAbort(ctx context.Context, rt *daemonRuntime, pid int, isDirectChild bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if isDirectChild {
			if !processExists(pid) {
				h.reconcilePIDFileAfterDirectChildExit(rt, pid)
				return true
			}
		} else {
			alive, err := pidfile.Alive(pid)
			if err != nil || !alive {
				return true
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

// reconcilePIDFileAfterDirectChildExit deletes the PID file only if it
// still names the direct child that just exited; if the daemon forked
// just before dying, the PID file names a different (possibly still
// running) process and must be left alone.
func (h *Handle) reconcilePIDFileAfterDirectChildExit(rt *daemonRuntime, directChildPid int) {
	filePid, found, err := rt.pid.Read()
	if err != nil || !found {
		return
	}
	if filePid == directChildPid {
		_ = rt.pid.Delete()
	}
}

// Stop runs the daemon's stop command (or signals the PID directly) and
// waits for it to exit, per spec.md section 4.F.2.
func (h *Handle) Stop(ctx context.Context) error {
	rt := h.runtime()
	var retErr error
	err := rt.lock.WithExclusive(ctx, func() error {
		retErr = h.stopLocked(ctx, rt)
		return nil
	})
	if err != nil {
		return err
	}
	return retErr
}

func (h *Handle) stopLocked(ctx context.Context, rt *daemonRuntime) error {
	deadline := time.Now().Add(h.StopTimeout)

	if h.StopCommand != nil {
		if h.DontStopIfPIDFileInvalid {
			_, found, err := rt.pid.Read()
			if err != nil {
				return fmt.Errorf("%s: read pid file: %w", h.Identifier, err)
			}
			if !found {
				return nil
			}
		}
		cmd, err := h.StopCommand.Command(ctx)
		if err != nil {
			return fmt.Errorf("%s: resolve stop command: %w", h.Identifier, err)
		}
		res, err := launch.Spawn(ctx, launch.Options{Command: cmd, Env: h.Env, CaptureOutput: true, Deadline: deadline})
		if err != nil {
			return fmt.Errorf("%s: spawn stop command: %w", h.Identifier, err)
		}
		if res.Status != launch.Ok {
			suffix := exitSuffix(exitDesc(res), res.Status == launch.SpawnTimedOut)
			return newErr(h.Identifier, KindStopError, composeMessage(res.Output, nil, suffix), nil)
		}
	} else {
		pid, found, err := rt.pid.Read()
		if err != nil {
			return fmt.Errorf("%s: read pid file: %w", h.Identifier, err)
		}
		if found {
			signalPid(ctx, pid, h.StopGracefulSignal)
		}
	}

	for time.Now().Before(deadline) {
		running, err := h.runningLocked(rt)
		if err != nil {
			return err
		}
		if !running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	pid, found, _ := rt.pid.Read()
	if found {
		signalPid(ctx, pid, syscall.SIGKILL)
		for {
			alive, err := pidfile.Alive(pid)
			if err != nil || !alive {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		_ = rt.pid.Delete()
	}
	return newErr(h.Identifier, KindStopTimeout, "graceful stop timed out, forced kill performed", nil)
}

// classifyProbe runs probe once. A non-nil io.Closer is success. A nil
// Closer with a nil or connect-pending error (ping.Classify) is treated
// like Down — the daemon just isn't up yet, so Connect should try
// starting it. A nil Closer with a non-connect-pending error is a real
// probe failure that must propagate instead of being swallowed into a
// start attempt.
func classifyProbe(ctx context.Context, probe ping.CallableFunc) (io.Closer, error) {
	c, err := probe(ctx)
	if err == nil {
		return c, nil
	}
	if _, hardErr := ping.Classify(err); hardErr != nil {
		return nil, hardErr
	}
	return nil, nil
}

// Connect implements spec.md section 4.F.3: try probe under a shared
// lock; on failure, upgrade to exclusive, start if necessary, and retry.
// probe shares the callable Pinger's connect-pending errors semantics
// (ping.Classify) but, unlike ping.Callable, the returned resource is
// handed back to the caller instead of being closed.
func (h *Handle) Connect(ctx context.Context, probe ping.CallableFunc) (io.Closer, error) {
	rt := h.runtime()

	var conn io.Closer
	var probeErr error
	err := rt.lock.WithShared(ctx, func() error {
		conn, probeErr = classifyProbe(ctx, probe)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if conn != nil {
		return conn, nil
	}
	if probeErr != nil {
		return nil, newErr(h.Identifier, KindConnectError, fmt.Sprintf("probe failed: %v", probeErr), probeErr)
	}

	var resultErr error
	err = rt.lock.WithExclusive(ctx, func() error {
		running, rErr := h.runningLocked(rt)
		if rErr != nil {
			resultErr = rErr
			return nil
		}
		if !running {
			if startErr := h.startLocked(ctx, rt); startErr != nil {
				resultErr = startErr
				return nil
			}
		}
		c, pErr := classifyProbe(ctx, probe)
		if c != nil {
			conn = c
			return nil
		}
		if pErr != nil {
			resultErr = newErr(h.Identifier, KindConnectError, fmt.Sprintf("probe failed after start: %v", pErr), pErr)
			return nil
		}
		resultErr = newErr(h.Identifier, KindConnectError, "probe did not succeed after start", nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, resultErr
}

// Restart implements spec.md section 4.F.7.
func (h *Handle) Restart(ctx context.Context) error {
	if h.RestartCommand == nil {
		if err := h.Stop(ctx); err != nil {
			return err
		}
		return h.Start(ctx)
	}

	rt := h.runtime()
	var retErr error
	err := rt.lock.WithExclusive(ctx, func() error {
		cmd, cerr := h.RestartCommand.Command(ctx)
		if cerr != nil {
			retErr = fmt.Errorf("%s: resolve restart command: %w", h.Identifier, cerr)
			return nil
		}
		res, serr := launch.Spawn(ctx, launch.Options{
			Command:       cmd,
			Env:           h.Env,
			CaptureOutput: true,
			Deadline:      time.Now().Add(h.StartTimeout),
		})
		if serr != nil {
			retErr = fmt.Errorf("%s: spawn restart command: %w", h.Identifier, serr)
			return nil
		}
		if res.Status != launch.Ok {
			suffix := exitSuffix(exitDesc(res), res.Status == launch.SpawnTimedOut)
			retErr = newErr(h.Identifier, KindStartError, composeMessage(res.Output, nil, suffix), nil)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return retErr
}

// Running reports whether the daemon is currently alive, per spec.md
// section 4.F.4. A stale PID file is deleted as a side effect.
func (h *Handle) Running(ctx context.Context) (bool, error) {
	rt := h.runtime()
	var running bool
	var retErr error
	err := rt.lock.WithShared(ctx, func() error {
		running, retErr = h.runningLocked(rt)
		return nil
	})
	if err != nil {
		return false, err
	}
	return running, retErr
}

// Pid returns the PID recorded in the PID file, if any.
func (h *Handle) Pid(ctx context.Context) (int, bool, error) {
	rt := h.runtime()
	var pid int
	var found bool
	var retErr error
	err := rt.lock.WithShared(ctx, func() error {
		pid, found, retErr = rt.pid.Read()
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return pid, found, retErr
}

// Status composes a one-line human-readable description, built on top of
// Running/Pid. It is a convenience, not part of the state machine.
func (h *Handle) Status(ctx context.Context) (string, error) {
	pid, found, err := h.Pid(ctx)
	if err != nil {
		return "", err
	}
	if !found {
		return "not running", nil
	}
	running, err := h.Running(ctx)
	if err != nil {
		return "", err
	}
	if !running {
		return "not running (stale pid file removed)", nil
	}
	return fmt.Sprintf("running (pid %d)", pid), nil
}

// runningLocked assumes the caller already holds the appropriate lock.
func (h *Handle) runningLocked(rt *daemonRuntime) (bool, error) {
	pid, found, err := rt.pid.Read()
	if err != nil {
		return false, fmt.Errorf("%s: read pid file: %w", h.Identifier, err)
	}
	if !found {
		return false, nil
	}
	alive, err := pidfile.Alive(pid)
	if err != nil {
		return false, fmt.Errorf("%s: probe pid %d: %w", h.Identifier, pid, err)
	}
	if !alive {
		_ = rt.pid.Delete()
		return false, nil
	}
	return true, nil
}

func (h *Handle) runtime() *daemonRuntime {
	return runtimes.get(h.LockFilePath, h.PIDFilePath)
}

func signalPid(ctx context.Context, pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
		xlog.Errorf(ctx, "signal pid %d with %v: %v", pid, sig, err)
	}
}

func processExists(pid int) bool {
	alive, err := pidfile.Alive(pid)
	return err == nil && alive
}

func exitDesc(res *launch.Result) string {
	if res.Signal != "" {
		return "terminated with signal " + res.Signal
	}
	return fmt.Sprintf("exited with status %d", res.ExitCode)
}
