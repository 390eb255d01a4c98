package transportloop

import (
	"sync/atomic"
)

// EpollState tracks whether the loop thread is (or is about to be) parked in
// epoll_wait. It is the hinge of the wakeup economy: a producer that fails
// the Blocked→NotBlocked transition knows some other producer (or the loop
// itself) already owns the single wakeup byte for this parked interval.
type EpollState uint32

const (
	// EpollNotBlocked indicates the loop is actively dispatching.
	EpollNotBlocked EpollState = 0
	// EpollBlocked indicates the loop is parked (or about to park) in
	// epoll_wait and needs a pipe byte to notice new work.
	EpollBlocked EpollState = 1
)

// String returns a human-readable representation of the state.
func (s EpollState) String() string {
	switch s {
	case EpollNotBlocked:
		return "NotBlocked"
	case EpollBlocked:
		return "Blocked"
	default:
		return "Unknown"
	}
}

// epollStateWord is a lock-free two-value state machine.
//
// PERFORMANCE: Pure atomic CAS, no mutex. Cache-line padding prevents false
// sharing with neighbouring hot fields on the owning context.
type epollStateWord struct { // betteralign:ignore
	_ [64]byte      // Cache line padding //nolint:unused
	v atomic.Uint32 // State value
	_ [60]byte      // Pad to complete cache line //nolint:unused
}

// Load returns the current state atomically.
func (s *epollStateWord) Load() EpollState {
	return EpollState(s.v.Load())
}

// Store atomically stores a new state.
func (s *epollStateWord) Store(state EpollState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *epollStateWord) TryTransition(from, to EpollState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// ContextState is the coarse lifecycle of a ThreadContext.
//
// State Machine:
//
//	ContextCreated (0) → ContextRunning (1)       [Run()]
//	ContextRunning (1) → ContextAcceptClosed (2)  [CloseAccept command]
//	ContextRunning (1) → ContextStopped (3)       [StopThread command]
//	ContextAcceptClosed (2) → ContextStopped (3)  [last socket removed]
//	ContextStopped (3) → (terminal)
type ContextState uint32

const (
	// ContextCreated indicates the context exists but Run has not started.
	ContextCreated ContextState = 0
	// ContextRunning indicates the loop is executing.
	ContextRunning ContextState = 1
	// ContextAcceptClosed indicates ingress has stopped; in-flight client
	// sockets are still being driven.
	ContextAcceptClosed ContextState = 2
	// ContextStopped indicates the loop has exited and all owned resources
	// have been disposed.
	ContextStopped ContextState = 3
)

// String returns a human-readable representation of the state.
func (s ContextState) String() string {
	switch s {
	case ContextCreated:
		return "Created"
	case ContextRunning:
		return "Running"
	case ContextAcceptClosed:
		return "AcceptClosed"
	case ContextStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// contextStateWord holds a ContextState with atomic transitions.
type contextStateWord struct {
	v atomic.Uint32
}

func (s *contextStateWord) Load() ContextState {
	return ContextState(s.v.Load())
}

func (s *contextStateWord) Store(state ContextState) {
	s.v.Store(uint32(state))
}

func (s *contextStateWord) TryTransition(from, to ContextState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
