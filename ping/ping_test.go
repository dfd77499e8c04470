package ping

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShellUpOnExitZero(t *testing.T) {
	res, err := Shell("true").Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, Up, res)
}

func TestShellDownOnNonZeroExit(t *testing.T) {
	res, err := Shell("false").Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, Down, res)
}

func TestTCPUpWhenListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	res, err := TCP("127.0.0.1", addr.Port).Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, Up, res)
}

func TestTCPDownWhenNothingListening(t *testing.T) {
	// port 1 is privileged/unused in test sandboxes; connection should be refused
	res, err := TCP("127.0.0.1", 1).Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, Down, res)
}

func TestUnixDownWhenSocketMissing(t *testing.T) {
	res, err := Unix("/nonexistent/path/to.sock").Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, Down, res)
}

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error { f.closed = true; return nil }

func TestCallableUpClosesResource(t *testing.T) {
	fc := &fakeCloser{}
	res, err := Callable(func(ctx context.Context) (io.Closer, error) {
		return fc, nil
	}).Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, Up, res)
	require.True(t, fc.closed)
}

func TestCallableDownOnNilResult(t *testing.T) {
	res, err := Callable(func(ctx context.Context) (io.Closer, error) {
		return nil, nil
	}).Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, Down, res)
}

func TestCallableConnectPendingErrorBecomesDown(t *testing.T) {
	res, err := Callable(func(ctx context.Context) (io.Closer, error) {
		return nil, fmt.Errorf("dial: %w", syscall.ECONNREFUSED)
	}).Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, Down, res)
}

func TestCallableOtherErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	res, err := Callable(func(ctx context.Context) (io.Closer, error) {
		return nil, boom
	}).Ping(context.Background())
	require.Equal(t, ProbeErr, res)
	require.ErrorIs(t, err, boom)
}
