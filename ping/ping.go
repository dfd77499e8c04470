// Package ping implements the unified liveness probe spec.md section 4.D
// describes: a shell command, a TCP or Unix socket address, or an opaque
// callable, all normalized to the same three-outcome result. Connect-pending
// errno classification follows NavarrePratt-atari's daemon client dialing
// code, generalized to every variant.
package ping

import (
	"context"
	"errors"
	"io"
	"net"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// Result is the outcome of a single probe invocation.
type Result int

const (
	// Up means the daemon answered the probe successfully.
	Up Result = iota
	// Down means the daemon did not answer, in a way consistent with "not
	// started yet" or "not yet listening" rather than a real failure.
	Down
	// ProbeErr means the probe itself failed in a way that doesn't fit
	// the connect-pending taxonomy and should propagate to the caller.
	ProbeErr
)

func (r Result) String() string {
	switch r {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "probe error"
	}
}

// Probe answers "is the daemon connectable right now?" synchronously.
type Probe interface {
	Ping(ctx context.Context) (Result, error)
}

// dialTimeout bounds the non-blocking connect spec.md 4.D requires for the
// tcp/unix variants.
const dialTimeout = 100 * time.Millisecond

// connectPendingErrnos is the set of errno values spec.md sections 4.D and
// 6 say must be treated as Down rather than ProbeErr.
var connectPendingErrnos = map[syscall.Errno]bool{
	syscall.ECONNREFUSED:  true,
	syscall.ENETUNREACH:   true,
	syscall.ETIMEDOUT:     true,
	syscall.ECONNRESET:    true,
	syscall.EINVAL:        true,
	syscall.EADDRNOTAVAIL: true,
	syscall.ENOENT:        true,
}

// Classify turns a dial/connect error into a Result, matching the
// connect-pending errno set from spec.md. Non-matching errors are ProbeErr,
// with err echoed back so a caller with its own probe (Connect's parameter,
// unlike the Probe variants below) can distinguish "treat like Down" from
// "propagate, this isn't connect-pending" without reimplementing the set.
func Classify(err error) (Result, error) {
	if err == nil {
		return Up, nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if connectPendingErrnos[errno] {
			return Down, nil
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Down, nil
	}
	if errors.Is(err, syscall.ENOENT) {
		return Down, nil
	}
	return ProbeErr, err
}

// shellPing runs a command via /bin/sh -c and maps exit code 0 to Up and
// any non-zero exit to Down.
type shellPing struct{ cmd string }

// Shell builds a Probe that runs cmd through the shell; exit 0 is Up,
// non-zero is Down.
func Shell(cmd string) Probe { return shellPing{cmd: cmd} }

func (s shellPing) Ping(ctx context.Context) (Result, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.cmd)
	err := cmd.Run()
	if err == nil {
		return Up, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Down, nil
	}
	return ProbeErr, err
}

// netPing dials a network address with a bounded timeout.
type netPing struct {
	network string
	addr    string
	family  string // not set by TCP or Unix; the EAFNOSUPPORT retry in Ping picks its network locally
}

// TCP builds a Probe that dials host:port over TCP.
func TCP(host string, port int) Probe {
	return netPing{network: "tcp", addr: net.JoinHostPort(host, strconv.Itoa(port))}
}

// Unix builds a Probe that dials an AF_UNIX stream socket at path.
func Unix(path string) Probe {
	return netPing{network: "unix", addr: path}
}

func (n netPing) Ping(ctx context.Context) (Result, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, n.network, n.addr)
	if err == nil {
		closeQuietly(conn)
		return Up, nil
	}

	// EAFNOSUPPORT: retry once over the other address family for tcp.
	var errno syscall.Errno
	if n.network == "tcp" && errors.As(err, &errno) && errno == syscall.EAFNOSUPPORT {
		altNetwork := "tcp6"
		if isIPv6Addr(n.addr) {
			altNetwork = "tcp4"
		}
		conn, altErr := d.DialContext(ctx, altNetwork, n.addr)
		if altErr == nil {
			closeQuietly(conn)
			return Up, nil
		}
		return Classify(altErr)
	}

	return Classify(err)
}

func isIPv6Addr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}

func closeQuietly(c io.Closer) { _ = c.Close() }

// CallableFunc is the signature a caller-provided probe implements. A
// returned io.Closer (if non-nil) is closed by the Probe, with any close
// error swallowed, matching spec.md's "ping result closing" design note. A
// nil Closer and nil error means Down; a non-nil Closer and nil error
// means Up.
type CallableFunc func(ctx context.Context) (io.Closer, error)

type callablePing struct{ fn CallableFunc }

// Callable wraps an arbitrary probe function. Errors that match the
// connect-pending set are translated to Down before reaching the caller;
// everything else surfaces as ProbeErr.
func Callable(fn CallableFunc) Probe { return callablePing{fn: fn} }

func (c callablePing) Ping(ctx context.Context) (Result, error) {
	closer, err := c.fn(ctx)
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	if err != nil {
		return Classify(err)
	}
	if closer == nil {
		return Down, nil
	}
	return Up, nil
}

