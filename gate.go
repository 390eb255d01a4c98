package transportloop

import (
	"sync"
)

// scheduledSend is a handle to one socket with queued outbound work. It
// carries no payload; the payload lives in the socket's outbound queue.
type scheduledSend struct {
	socket *TSocket
}

// schedulingGate transfers send requests from foreign threads into the
// loop. Producers append to adding; the loop swaps the two lists (holding
// the gate only for the swap) and processes running without the lock.
//
// The two-list swap plus the epollState CAS is what bounds the wakeup pipe
// to one byte per parked interval: the first producer to observe Blocked
// wins the transition and writes the byte; everyone else merely appends.
// The gate must never be held across a pipe write.
type schedulingGate struct {
	mu      sync.Mutex
	adding  []scheduledSend
	running []scheduledSend
}

// ScheduleSend requests that the loop drain the socket's outbound queue.
// Callable from any goroutine; lock-light (the gate is held only to append).
// At most one wakeup byte is written per parked interval regardless of call
// volume.
func (tc *ThreadContext) ScheduleSend(s *TSocket) {
	if s == nil || s.typ != SocketClient {
		return
	}
	// Collapse repeat schedules for a socket the loop has not yet visited;
	// its queued payloads are drained in one visit anyway.
	if !s.sendScheduled.CompareAndSwap(false, true) {
		return
	}
	tc.gate.mu.Lock()
	wasBlocked := tc.epollState.TryTransition(EpollBlocked, EpollNotBlocked)
	tc.gate.adding = append(tc.gate.adding, scheduledSend{socket: s})
	tc.gate.mu.Unlock()
	if wasBlocked {
		tc.pipe.WriteCommand(CommandActionsPending)
	}
}

// swapScheduled exchanges the two lists and returns the batch to run.
func (tc *ThreadContext) swapScheduled() []scheduledSend {
	tc.gate.mu.Lock()
	tc.gate.adding, tc.gate.running = tc.gate.running[:0], tc.gate.adding
	batch := tc.gate.running
	tc.gate.mu.Unlock()
	return batch
}

// finishScheduled re-enters the gate after a batch: with nothing new queued
// the loop is about to park, so epollState returns to Blocked; otherwise a
// self-wakeup byte guarantees another iteration.
func (tc *ThreadContext) finishScheduled() {
	tc.gate.mu.Lock()
	empty := len(tc.gate.adding) == 0
	if empty {
		tc.epollState.Store(EpollBlocked)
	}
	tc.gate.mu.Unlock()
	if !empty {
		tc.pipe.WriteCommand(CommandActionsPending)
	}
}
