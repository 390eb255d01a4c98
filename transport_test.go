//go:build linux

package transportloop

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTransport_MultiLoopAcceptBalancing starts two loops on one port via
// SO_REUSEPORT and opens 100 connections: the sum of accepts must be 100
// and each loop must take a nonzero share.
func TestTransport_MultiLoopAcceptBalancing(t *testing.T) {
	tr, err := NewTransport(Config{Address: "127.0.0.1:0", CpuID: -1, Loops: 2})
	require.NoError(t, err)
	require.Len(t, tr.Loops(), 2)
	tr.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Shutdown(ctx)
	}()

	// Both loops listen on the same resolved port.
	port := tr.Loops()[0].Port()
	require.NotZero(t, port)
	require.Equal(t, port, tr.Loops()[1].Port())

	const clients = 100
	conns := make([]net.Conn, 0, clients)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for i := 0; i < clients; i++ {
		c, err := net.DialTimeout("tcp", tr.Addr().String(), 2*time.Second)
		require.NoError(t, err)
		conns = append(conns, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	perLoop := make(map[*ThreadContext]int)
	for i := 0; i < clients; i++ {
		s, err := tr.Accept(ctx)
		require.NoError(t, err)
		perLoop[s.ctx]++
		defer s.Close()
	}

	total := 0
	for tc, n := range perLoop {
		assert.Positivef(t, n, "loop %p accepted nothing", tc)
		total += n
	}
	assert.Equal(t, clients, total)
	assert.Len(t, perLoop, 2)
}

// TestTransport_ShutdownCompletesAccept verifies Accept observes
// end-of-stream after Shutdown.
func TestTransport_ShutdownCompletesAccept(t *testing.T) {
	tr, err := NewTransport(Config{Address: "127.0.0.1:0", CpuID: -1, Loops: 2})
	require.NoError(t, err)
	tr.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Shutdown(ctx))

	_, err = tr.Accept(context.Background())
	assert.ErrorIs(t, err, ErrTransportStopped)

	for _, tc := range tr.Loops() {
		assert.Equal(t, ContextStopped, tc.State())
	}

	// Idempotent.
	require.NoError(t, tr.Shutdown(ctx))
}

// TestTransport_EchoThroughFanIn runs a request through the merged queue.
func TestTransport_EchoThroughFanIn(t *testing.T) {
	tr, err := NewTransport(Config{Address: "127.0.0.1:0", CpuID: -1, Loops: 2, DeferSend: true})
	require.NoError(t, err)
	tr.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Shutdown(ctx)
	}()

	conn, err := net.DialTimeout("tcp", tr.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := tr.Accept(ctx)
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}
