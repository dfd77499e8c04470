package launch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnOkCapturesOutput(t *testing.T) {
	res, err := Spawn(context.Background(), Options{
		Command:       "echo hello",
		CaptureOutput: true,
	})
	require.NoError(t, err)
	require.Equal(t, Ok, res.Status)
	require.Equal(t, "hello", string(res.Output))
	require.NotZero(t, res.Pid)
}

func TestSpawnFailedCapturesExitStatus(t *testing.T) {
	res, err := Spawn(context.Background(), Options{
		Command:       "echo hello; false",
		CaptureOutput: true,
	})
	require.NoError(t, err)
	require.Equal(t, Failed, res.Status)
	require.Equal(t, "hello", string(res.Output))
	require.Equal(t, 1, res.ExitCode)
}

func TestSpawnTimesOutOnSlowChild(t *testing.T) {
	res, err := Spawn(context.Background(), Options{
		Command:       "sleep 5",
		CaptureOutput: true,
		Deadline:      time.Now().Add(100 * time.Millisecond),
	})
	require.NoError(t, err)
	require.Equal(t, SpawnTimedOut, res.Status)
	require.NotZero(t, res.Pid)
}

func TestSpawnEnvMerged(t *testing.T) {
	res, err := Spawn(context.Background(), Options{
		Command:       "echo $DAEMONCTL_TEST_VAR",
		CaptureOutput: true,
		Env:           map[string]string{"DAEMONCTL_TEST_VAR": "present"},
	})
	require.NoError(t, err)
	require.Equal(t, Ok, res.Status)
	require.Equal(t, "present", string(res.Output))
}

func TestSpawnWithoutCaptureStillReportsStatus(t *testing.T) {
	res, err := Spawn(context.Background(), Options{Command: "true"})
	require.NoError(t, err)
	require.Equal(t, Ok, res.Status)
	require.Nil(t, res.Output)
}

// TestSpawnDaemonizeReturnsBeforeChildExits pins down the behavior a
// non-self-daemonizing command needs DaemonizeForMe for: Spawn must not
// block for the real command's lifetime. Without daemonizeCommand actually
// detaching the real work, this would block for the full 2 seconds (or
// hit the deadline and report SpawnTimedOut) instead of returning almost
// immediately with Ok.
func TestSpawnDaemonizeReturnsBeforeChildExits(t *testing.T) {
	start := time.Now()
	res, err := Spawn(context.Background(), Options{
		Command:   "sleep 2",
		Daemonize: true,
		Deadline:  time.Now().Add(5 * time.Second),
	})
	require.NoError(t, err)
	require.Equal(t, Ok, res.Status)
	require.Less(t, time.Since(start), time.Second)
}

func TestSpawnDaemonizeQuotesCommandSafely(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	command := fmt.Sprintf(`echo "it's here" > %s`, out)
	res, err := Spawn(context.Background(), Options{
		Command:   command,
		Daemonize: true,
		Deadline:  time.Now().Add(2 * time.Second),
	})
	require.NoError(t, err)
	require.Equal(t, Ok, res.Status)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if data, _ := os.ReadFile(out); len(data) > 0 {
			require.Equal(t, "it's here\n", string(data))
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemonized command never wrote its output file")
}
