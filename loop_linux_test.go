//go:build linux

package transportloop

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// startLoop runs the context and returns once Run is live.
func startLoop(t *testing.T, tc *ThreadContext) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- tc.Run() }()
	t.Cleanup(func() {
		tc.StopThread()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
	})
}

func dialLoop(t *testing.T, tc *ThreadContext) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", tc.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	return conn
}

// TestLoop_ConnectEcho is the end-to-end smoke test: a client connects,
// writes 4 bytes, the loop delivers a socket via the accept queue with the
// bytes readable, and the reply round-trips.
func TestLoop_ConnectEcho(t *testing.T) {
	tc := newTestContext(t, Config{DeferSend: true})
	startLoop(t, tc)

	conn := dialLoop(t, tc)
	defer conn.Close()
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := tc.AcceptAsync(ctx)
	require.NoError(t, err)
	require.Equal(t, SocketClient, s.Type())
	require.NotNil(t, s.RemoteAddr())

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = s.Write([]byte("pong"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err = io.ReadFull(conn, buf[:4])
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	require.NoError(t, s.Close())
}

// TestLoop_OrderlyShutdown drives the CloseAccept → drain → StopThread
// sequence and requires the context to end in the Stopped state.
func TestLoop_OrderlyShutdown(t *testing.T) {
	tc := newTestContext(t, Config{})
	errCh := make(chan error, 1)
	go func() { errCh <- tc.Run() }()

	conn := dialLoop(t, tc)
	_, err := conn.Write([]byte("x"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := tc.AcceptAsync(ctx)
	require.NoError(t, err)

	// Addr is nil once ingress has closed, so keep the endpoint for the
	// probe below.
	addr := tc.Addr().String()
	tc.RequestCloseAccept()

	// Ingress closes: the queue reaches end-of-stream and new connections
	// are refused once the listener is gone.
	_, err = tc.AcceptAsync(ctx)
	require.ErrorIs(t, err, ErrAcceptClosed)
	if late, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		// The kernel may complete the handshake from a pre-close backlog
		// entry, but nothing will ever service it.
		_ = late.Close()
	}

	// Drain the in-flight client.
	require.NoError(t, conn.Close())
	buf := make([]byte, 16)
	for {
		if _, err := s.Read(buf); err != nil {
			break
		}
	}
	require.NoError(t, s.Close())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after last socket departed")
	}
	assert.Equal(t, ContextStopped, tc.State())
	select {
	case <-tc.Done():
	default:
		t.Fatal("Done not closed")
	}
}

// TestLoop_StopCommandsIdempotent: repeated stop requests are harmless, and
// commands to a stopped loop are silently dropped.
func TestLoop_StopCommandsIdempotent(t *testing.T) {
	tc := newTestContext(t, Config{})
	errCh := make(chan error, 1)
	go func() { errCh <- tc.Run() }()

	tc.RequestStopSockets()
	tc.RequestStopSockets()
	tc.StopThread()
	tc.StopThread()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}

	// Pipe is closed now; these must be silent no-ops.
	tc.StopThread()
	tc.RequestStopSockets()
	tc.RequestCloseAccept()
	assert.Equal(t, ContextStopped, tc.State())
}

// TestLoop_StopSocketsAbortsClients verifies a StopSockets command tears
// down established connections.
func TestLoop_StopSocketsAbortsClients(t *testing.T) {
	tc := newTestContext(t, Config{})
	startLoop(t, tc)

	conn := dialLoop(t, tc)
	defer conn.Close()
	_, err := conn.Write([]byte("x"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := tc.AcceptAsync(ctx)
	require.NoError(t, err)

	tc.RequestStopSockets()

	buf := make([]byte, 16)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err = s.Read(buf)
		if err != nil {
			break
		}
		require.True(t, time.Now().Before(deadline), "socket not aborted")
	}
	assert.Error(t, err)
}

// TestLoop_RemoveSocket: removing an FD that is not in the map leaves the
// listener's entry in place and does not report the map as empty.
func TestLoop_RemoveSocket(t *testing.T) {
	tc := newTestContext(t, Config{})
	defer tc.dispose()

	// The listener is in the map, so removing an unknown FD is not "last".
	assert.False(t, tc.RemoveSocket(99999))

	tc.sockMu.Lock()
	n := len(tc.sockets)
	tc.sockMu.Unlock()
	assert.Equal(t, 1, n)
}

// TestLoop_RunTwice rejects reentry and post-stop reuse.
func TestLoop_RunTwice(t *testing.T) {
	tc := newTestContext(t, Config{})
	errCh := make(chan error, 1)
	go func() { errCh <- tc.Run() }()

	// Give Run a moment to claim the lifecycle.
	require.Eventually(t, func() bool {
		return tc.State() == ContextRunning
	}, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, tc.Run(), ErrAlreadyRunning)

	tc.StopThread()
	require.NoError(t, <-errCh)
	assert.ErrorIs(t, tc.Run(), ErrContextStopped)
}

// TestLoop_ShutdownNoFDLeak: an orderly lifecycle returns the process to
// its baseline descriptor count.
func TestLoop_ShutdownNoFDLeak(t *testing.T) {
	// Warm up lazily-created runtime descriptors (netpoll etc.) with a full
	// connect round so the baseline includes them.
	func() {
		tc := newTestContext(t, Config{})
		errCh := make(chan error, 1)
		go func() { errCh <- tc.Run() }()
		conn := dialLoop(t, tc)
		_ = conn.Close()
		tc.StopThread()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Fatal("warm-up loop did not stop")
		}
	}()

	before := countFDs(t)
	tc := newTestContext(t, Config{})
	errCh := make(chan error, 1)
	go func() { errCh <- tc.Run() }()

	conn := dialLoop(t, tc)
	_, err := conn.Write([]byte("x"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := tc.AcceptAsync(ctx)
	require.NoError(t, err)

	tc.RequestCloseAccept()
	require.NoError(t, conn.Close())
	buf := make([]byte, 16)
	for {
		if _, err := s.Read(buf); err != nil {
			break
		}
	}
	require.NoError(t, s.Close())
	require.NoError(t, <-errCh)

	require.Eventually(t, func() bool {
		return countFDs(t) <= before
	}, 2*time.Second, 10*time.Millisecond, "descriptors leaked: before=%d after=%d", before, countFDs(t))
}

func countFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(entries)
}

// TestLoop_PassFdChannel feeds the loop a connection descriptor over a UNIX
// socketpair via SCM_RIGHTS, then closes the channel: the passed connection
// must be delivered, and the channel close must end ingress without
// touching the delivered connection.
func TestLoop_PassFdChannel(t *testing.T) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	sender := pair[0]

	tc, err := NewThreadContext(Config{CpuID: -1}, WithAcceptFd(pair[1]))
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- tc.Run() }()
	defer func() {
		tc.StopThread()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
	}()

	// Pass one end of a fresh connection pair through the channel.
	connPair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(connPair[1])
	rights := unix.UnixRights(connPair[0])
	require.NoError(t, unix.Sendmsg(sender, []byte{0}, rights, nil, 0))
	// The original descriptor is the kernel's copy problem now.
	require.NoError(t, unix.Close(connPair[0]))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := tc.AcceptAsync(ctx)
	require.NoError(t, err)

	_, err = unix.Write(connPair[1], []byte("via-scm"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "via-scm", string(buf[:n]))

	// Closing the pass-FD channel closes only that accept socket: ingress
	// ends, the delivered connection keeps working.
	require.NoError(t, unix.Close(sender))
	_, err = tc.AcceptAsync(ctx)
	require.ErrorIs(t, err, ErrAcceptClosed)

	_, err = unix.Write(connPair[1], []byte("still-alive"))
	require.NoError(t, err)
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "still-alive", string(buf[:n]))
	require.NoError(t, s.Close())
}

// TestLoop_AioReceiveEcho runs the echo scenario through the kernel AIO
// receive path, when the kernel provides one.
func TestLoop_AioReceiveEcho(t *testing.T) {
	tc, err := NewThreadContext(Config{Address: "127.0.0.1:0", CpuID: -1, AioReceive: true})
	if err != nil {
		t.Skipf("kernel AIO unavailable: %v", err)
	}
	startLoop(t, tc)

	conn := dialLoop(t, tc)
	defer conn.Close()
	_, err = conn.Write([]byte("aio-ping"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := tc.AcceptAsync(ctx)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "aio-ping", string(buf[:n]))
	require.NoError(t, s.Close())
}

// TestLoop_AioSendEcho runs the reply through the AIO send batch.
func TestLoop_AioSendEcho(t *testing.T) {
	tc, err := NewThreadContext(Config{Address: "127.0.0.1:0", CpuID: -1, AioSend: true, DeferSend: true})
	if err != nil {
		t.Skipf("kernel AIO unavailable: %v", err)
	}
	startLoop(t, tc)

	conn := dialLoop(t, tc)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)
	s, err := tc.AcceptAsync(ctx)
	require.NoError(t, err)

	_, err = s.Write([]byte("aio-pong"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 8)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "aio-pong", string(buf))
	require.NoError(t, s.Close())
}
