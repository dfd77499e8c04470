package pidfile

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadMissingFile(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "missing.pid"))
	pid, found, err := p.Read()
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, 0, pid)
}

func TestReadEmptyFileIsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pid")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	p := New(path)
	_, found, err := p.Read()
	require.NoError(t, err)
	require.False(t, found)
}

func TestReadNonNumericIsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))
	p := New(path)
	_, found, err := p.Read()
	require.NoError(t, err)
	require.False(t, found)
}

func TestReadValidPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valid.pid")
	require.NoError(t, os.WriteFile(path, []byte("  1234 \n"), 0o644))
	p := New(path)
	pid, found, err := p.Read()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1234, pid)
}

func TestAliveCurrentProcess(t *testing.T) {
	alive, err := Alive(os.Getpid())
	require.NoError(t, err)
	require.True(t, alive)
}

func TestAliveExitedProcess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	alive, err := Alive(cmd.Process.Pid)
	require.NoError(t, err)
	require.False(t, alive)
}

func TestAliveZeroPid(t *testing.T) {
	alive, err := Alive(0)
	require.NoError(t, err)
	require.False(t, alive)
}

func TestDeleteToleratesMissing(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "gone.pid"))
	require.NoError(t, p.Delete())
}

func TestAvailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	p := New(path)
	ok, err := p.Available()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("123"), 0o644))
	ok, err = p.Available()
	require.NoError(t, err)
	require.True(t, ok)
}
