package transportloop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Standard errors.
var (
	// ErrTransportStopped is returned by Accept after Shutdown completes.
	ErrTransportStopped = errors.New("transportloop: transport stopped")
)

// Transport runs cfg.Loops ThreadContexts on one TCP port. Every loop binds
// the same endpoint with SO_REUSEPORT, so the kernel balances incoming
// connections across them; accepted connections from all loops fan into a
// single handoff queue.
type Transport struct {
	cfg    Config
	loops  []*ThreadContext
	merged *AcceptQueue

	g       *errgroup.Group
	started sync.Once
	stopped sync.Once
	runErr  error
}

// NewTransport constructs the per-loop contexts. When the configured port is
// 0, the first loop's kernel-chosen port is propagated to the rest so they
// share it.
func NewTransport(cfg Config, opts ...Option) (*Transport, error) {
	cfg = cfg.withDefaults()
	t := &Transport{cfg: cfg, merged: NewAcceptQueue()}

	for i := 0; i < cfg.Loops; i++ {
		loopCfg := cfg
		if cfg.CpuID >= 0 {
			// Pin loops to consecutive CPUs starting at the configured one.
			loopCfg.CpuID = cfg.CpuID + i
		}
		tc, err := NewThreadContext(loopCfg, opts...)
		if err != nil {
			for _, prev := range t.loops {
				prev.StopThread()
				prev.dispose()
			}
			return nil, fmt.Errorf("transportloop: loop %d: %w", i, err)
		}
		t.loops = append(t.loops, tc)
		if i == 0 {
			if a, ok := tc.Addr().(*net.TCPAddr); ok && a.Port != 0 {
				// Peers must share the exact port for SO_REUSEPORT balancing.
				cfg.Address = a.String()
			}
		}
	}
	return t, nil
}

// Addr returns the shared listen endpoint.
func (t *Transport) Addr() net.Addr {
	if len(t.loops) == 0 {
		return nil
	}
	return t.loops[0].Addr()
}

// Loops exposes the underlying contexts (one per SO_REUSEPORT listener).
func (t *Transport) Loops() []*ThreadContext {
	return t.loops
}

// Start launches every loop and its accept forwarder. Idempotent.
func (t *Transport) Start() {
	t.started.Do(func() {
		t.g = &errgroup.Group{}
		var forwarders sync.WaitGroup
		for _, tc := range t.loops {
			tc := tc
			t.g.Go(tc.Run)
			forwarders.Add(1)
			go func() {
				defer forwarders.Done()
				for {
					s, err := tc.AcceptAsync(context.Background())
					if err != nil {
						return
					}
					t.merged.Enqueue(s)
				}
			}()
		}
		go func() {
			forwarders.Wait()
			t.merged.Complete()
		}()
	})
}

// Accept dequeues the next connection accepted by any loop.
func (t *Transport) Accept(ctx context.Context) (*TSocket, error) {
	s, err := t.merged.Dequeue(ctx)
	if err == ErrAcceptClosed {
		return nil, ErrTransportStopped
	}
	return s, err
}

// CloseAccept stops ingress on every loop without disturbing established
// connections.
func (t *Transport) CloseAccept() {
	for _, tc := range t.loops {
		tc.RequestCloseAccept()
	}
}

// Shutdown performs the orderly sequence: close accept, wait for in-flight
// connections to drain, and — if ctx expires first — abort the remainder.
func (t *Transport) Shutdown(ctx context.Context) error {
	var err error
	t.stopped.Do(func() {
		t.CloseAccept()
		done := make(chan error, 1)
		go func() { done <- t.Wait() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			for _, tc := range t.loops {
				tc.RequestStopSockets()
				tc.StopThread()
			}
			err = <-done
			if ctxErr := ctx.Err(); err == nil {
				err = ctxErr
			}
		}
		t.runErr = err
	})
	return t.runErr
}

// Wait blocks until every loop has exited, returning the first Run error.
func (t *Transport) Wait() error {
	if t.g == nil {
		return nil
	}
	return t.g.Wait()
}
