// Package logwatch snapshots a daemon's log file at the start of a start
// attempt and reports whether/how it has changed since, distinguishing a
// regular file (where byte-range diffs and activity detection make sense)
// from a standard-channel character device or FIFO (where they don't).
package logwatch

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nxadm/tail"
)

// Snapshot records a log file's size and mtime at the moment it was taken,
// and tracks the most recent observed change for the activity watchdog. A
// nil *Snapshot is valid to call every method on — it represents "no
// snapshot" per spec.md section 4.C (path didn't exist, or wasn't a
// regular file) and every method degrades to its documented zero value.
type Snapshot struct {
	path         string
	size         int64
	mtime        time.Time
	lastActivity time.Time

	tailer   *tail.Tail
	activity chan struct{}
}

// Take snapshots path. It returns nil if path does not exist or is not a
// regular file (e.g. /dev/stderr, a FIFO, or a character device).
func Take(path string) *Snapshot {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	s := &Snapshot{
		path:         path,
		size:         info.Size(),
		mtime:        info.ModTime(),
		lastActivity: time.Now(),
	}
	s.startTailer()
	return s
}

// startTailer follows appended writes from the end of the file purely to
// produce a wakeup signal on Activity() — correctness of Changed()/Diff()
// never depends on it, so a failure to start it (permissions, the file
// being removed underneath us) is silently ignored.
func (s *Snapshot) startTailer() {
	t, err := tail.TailFile(s.path, tail.Config{
		Follow:   true,
		ReOpen:   false,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return
	}
	s.tailer = t
	s.activity = make(chan struct{}, 1)
	go func() {
		for range t.Lines {
			select {
			case s.activity <- struct{}{}:
			default:
			}
		}
	}()
}

// Activity returns a channel that receives a value shortly after new bytes
// are appended to the log. It is nil if no snapshot was taken, or the
// tailer could not be started; selecting on a nil channel simply never
// fires, so callers can select on it without a nil check.
func (s *Snapshot) Activity() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.activity
}

// Close releases the tailer goroutine. Safe to call on a nil Snapshot.
func (s *Snapshot) Close() {
	if s == nil || s.tailer == nil {
		return
	}
	_ = s.tailer.Stop()
	s.tailer.Cleanup()
}

// Changed reports whether the file's size or mtime differs from the last
// observed value, or the file has since vanished, updating the observed
// value as a side effect. A nil Snapshot never reports change.
func (s *Snapshot) Changed() (bool, error) {
	if s == nil {
		return false, nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			changed := true
			s.size, s.mtime = 0, time.Time{}
			return changed, nil
		}
		return false, fmt.Errorf("stat log file %s: %w", s.path, err)
	}
	changed := info.Size() != s.size || !info.ModTime().Equal(s.mtime)
	s.size, s.mtime = info.Size(), info.ModTime()
	return changed, nil
}

// TouchActivity records that activity was just observed, resetting the
// inactivity clock used by Inactive.
func (s *Snapshot) TouchActivity() {
	if s == nil {
		return
	}
	s.lastActivity = time.Now()
}

// Inactive reports whether at least timeout has elapsed since the last
// TouchActivity call (or since Take, if TouchActivity was never called). A
// nil Snapshot is never considered inactive — there was nothing to watch
// in the first place, so the caller's deadline, not the watchdog, governs.
func (s *Snapshot) Inactive(timeout time.Duration) bool {
	if s == nil {
		return false
	}
	return time.Since(s.lastActivity) >= timeout
}

// Diff returns the bytes written to the file after the initial snapshot,
// trimmed of surrounding whitespace. It returns nil if no snapshot was
// taken, or the file is no longer a regular file (it may have been
// replaced with a pipe, or removed).
func (s *Snapshot) Diff() ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat log file %s: %w", s.path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", s.path, err)
	}
	defer func() { _ = f.Close() }()

	if s.size < 0 || s.size > info.Size() {
		return nil, nil
	}
	if _, err := f.Seek(s.size, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek log file %s: %w", s.path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read log file %s: %w", s.path, err)
	}
	return bytes.TrimSpace(data), nil
}
