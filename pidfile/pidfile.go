// Package pidfile reads, validates, and deletes a daemon's PID file, and
// probes liveness of the PID it names.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

var numericRe = regexp.MustCompile(`^\d+$`)

// PidFile manages a single PID file path. The zero value is not usable;
// construct with New.
type PidFile struct {
	path string
}

// New returns a PidFile for path.
func New(path string) *PidFile { return &PidFile{path: path} }

// Path returns the PID file path.
func (p *PidFile) Path() string { return p.path }

// Read reads the PID file. found is false if the file is missing, empty,
// or does not contain exactly one decimal integer — all three are
// "invalid" per spec and treated identically by callers. Other I/O errors
// (permissions, etc.) are returned in err.
func (p *PidFile) Read() (pid int, found bool, err error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read pid file %s: %w", p.path, err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || !numericRe.MatchString(trimmed) {
		return 0, false, nil
	}
	n, convErr := strconv.Atoi(trimmed)
	if convErr != nil || n <= 0 {
		return 0, false, nil
	}
	return n, true, nil
}

// Alive reports whether pid identifies a live process. It uses gopsutil's
// signal-0 probe, which already encodes the ESRCH -> false, EPERM -> true
// distinction spec.md 4.B requires (EPERM means the process exists but is
// owned by another user). Other errors propagate.
func Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return false, fmt.Errorf("probe pid %d: %w", pid, err)
	}
	return alive, nil
}

// Delete best-effort removes the PID file, silently tolerating a missing
// file or a permission error.
func (p *PidFile) Delete() error {
	err := os.Remove(p.path)
	if err == nil || os.IsNotExist(err) || errors.Is(err, os.ErrPermission) {
		return nil
	}
	return fmt.Errorf("remove pid file %s: %w", p.path, err)
}

// Available reports whether the PID file exists and has non-zero size.
func (p *PidFile) Available() (bool, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat pid file %s: %w", p.path, err)
	}
	return info.Size() > 0, nil
}
