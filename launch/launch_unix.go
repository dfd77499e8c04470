//go:build unix

package launch

import (
	"fmt"
	"strings"
)

// daemonizeCommand wraps command so Spawn's direct child — the /bin/sh -c
// process its cmd.Wait() actually waits on — returns almost immediately
// instead of blocking for the real daemon's entire lifetime, which is what
// spec.md 4.E/9 requires daemonize_for_me to do for a command that never
// forks on its own. Go cannot fork without exec from a multi-threaded
// process, so the second fork+exec is delegated to setsid(1): it forks if
// needed, calls setsid(2) in the child, and execs command, landing it in a
// new session detached from this process's controlling terminal — the
// same state a hand-rolled fork->setsid->fork leaves a daemon in.
// Backgrounding that under "&" means the outer shell's "exit 0" runs
// without waiting on it, so cmd.Wait() unblocks right away while the real
// daemon keeps running as setsid's child, reparented once the outer shell
// is gone.
func daemonizeCommand(command string) string {
	return fmt.Sprintf("setsid -- /bin/sh -c %s </dev/null &\nexit 0\n", shellQuote(command))
}

// shellQuote wraps s in single quotes for /bin/sh -c, escaping embedded
// single quotes with the standard close/escape/reopen trick.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
