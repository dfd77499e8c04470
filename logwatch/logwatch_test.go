package logwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTakeMissingFileIsNil(t *testing.T) {
	s := Take(filepath.Join(t.TempDir(), "missing.log"))
	require.Nil(t, s)

	changed, err := s.Changed()
	require.NoError(t, err)
	require.False(t, changed)

	diff, err := s.Diff()
	require.NoError(t, err)
	require.Nil(t, diff)
}

func TestTakeDirIsNotRegular(t *testing.T) {
	s := Take(t.TempDir())
	require.Nil(t, s)
}

func TestChangedAndDiff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, os.WriteFile(path, []byte("startup\n"), 0o644))

	s := Take(path)
	require.NotNil(t, s)
	defer s.Close()

	changed, err := s.Changed()
	require.NoError(t, err)
	require.False(t, changed)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("crashing, as instructed\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// ensure mtime resolution differences don't make this flaky
	time.Sleep(10 * time.Millisecond)

	changed, err = s.Changed()
	require.NoError(t, err)
	require.True(t, changed)

	diff, err := s.Diff()
	require.NoError(t, err)
	require.Equal(t, "crashing, as instructed", string(diff))
}

func TestDiffNoneWhenFileVanishes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, os.WriteFile(path, []byte("hello\n"), 0o644))
	s := Take(path)
	require.NotNil(t, s)
	defer s.Close()

	require.NoError(t, os.Remove(path))
	diff, err := s.Diff()
	require.NoError(t, err)
	require.Nil(t, diff)
}

func TestInactiveWatchdog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	s := Take(path)
	require.NotNil(t, s)
	defer s.Close()

	require.False(t, s.Inactive(50*time.Millisecond))
	time.Sleep(60 * time.Millisecond)
	require.True(t, s.Inactive(50*time.Millisecond))

	s.TouchActivity()
	require.False(t, s.Inactive(50*time.Millisecond))
}

func TestNilSnapshotInactiveNeverTrue(t *testing.T) {
	var s *Snapshot
	require.False(t, s.Inactive(0))
	s.TouchActivity() // must not panic
	s.Close()         // must not panic
}

// TestActivityFiresOnAppend pins down that Activity() is a real wakeup
// signal, not a channel that is built but never delivers: appending to the
// watched file must produce a value on it within the tailer's poll window.
func TestActivityFiresOnAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	s := Take(path)
	require.NotNil(t, s)
	defer s.Close()

	activity := s.Activity()
	require.NotNil(t, activity)

	select {
	case <-activity:
		t.Fatal("activity fired before any write")
	case <-time.After(50 * time.Millisecond):
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ready\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case <-activity:
	case <-time.After(2 * time.Second):
		t.Fatal("activity channel never fired after append")
	}
}

func TestActivityNilOnNilSnapshot(t *testing.T) {
	var s *Snapshot
	require.Nil(t, s.Activity())
}
