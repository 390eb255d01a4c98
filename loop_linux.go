//go:build linux

package transportloop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"unsafe"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("transportloop: context already running")

	// ErrContextStopped is returned when Run is called on a stopped context.
	ErrContextStopped = errors.New("transportloop: context stopped")
)

// classifiedEvent pairs an epoll event with the socket it resolved to while
// the FD map lock was held.
type classifiedEvent struct {
	socket *TSocket
	events uint32
}

// handleSpan locates one socket's rented buffer handles in the shared
// handle vector during an AIO receive batch.
type handleSpan struct {
	start int
	count int
}

// ThreadContext is one event-loop's worth of transport state: an epoll
// instance, a wakeup pipe, the FD map, the accept handoff queue, the buffer
// pool, the (optional) AIO arena, and the scheduling gate. Exactly one OS
// thread runs Run; foreign threads interact only through ScheduleSend, the
// pipe-command entry points, the accept queue, and RemoveSocket.
type ThreadContext struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	cfg    Config
	logger *logiface.Logger[logiface.Event]
	rate   *catrate.Limiter

	epollFd int
	pipe    *wakeupPipe

	sockMu        sync.Mutex
	sockets       map[int]*TSocket
	acceptSockets []*TSocket

	queue    *AcceptQueue
	pool     *MemoryPool
	ownsPool bool
	arena    *aioArena

	gate       schedulingGate
	epollState epollStateWord

	lifecycle   contextStateWord
	running     bool // loop thread only
	disposeOnce sync.Once
	done        chan struct{}

	// Reusable scratch, sized once at construction. The loop performs a
	// full iteration over EventBufferLength sockets without allocating.
	classified        []classifiedEvent
	acceptable        []*TSocket
	readable          []*TSocket
	writable          []*TSocket
	reregister        []*TSocket
	zeroCopyPending   []*TSocket
	zeroCopyCompleted []*TSocket
	handles           []MemoryHandle
	slotSockets       []*TSocket
	slotBufs          [][]byte
	slotResults       []PosixResult
	slotDone          []bool
	slotHandles       []handleSpan
}

// NewThreadContext constructs a loop context bound to cfg.Address (or to a
// pass-FD channel supplied via WithAcceptFd), creating the epoll instance,
// the wakeup pipe, the buffer pool, and — when AIO is enabled — the kernel
// AIO context. The listener exists, and Addr reports its endpoint, before
// Run is called.
func NewThreadContext(cfg Config, opts ...Option) (*ThreadContext, error) {
	cfg = cfg.withDefaults()
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	tc := &ThreadContext{
		cfg:     cfg,
		logger:  o.logger,
		rate:    o.rate,
		sockets: make(map[int]*TSocket),
		queue:   NewAcceptQueue(),
		done:    make(chan struct{}),
	}

	if o.pool != nil {
		tc.pool = o.pool
	} else {
		tc.pool = NewMemoryPool(o.segmentSize)
		tc.ownsPool = true
	}

	res := epollCreate()
	if !res.IsSuccess() {
		return nil, fmt.Errorf("transportloop: epoll_create1: %w", res.Err())
	}
	tc.epollFd = res.Value()

	fail := func(err error) (*ThreadContext, error) {
		if tc.arena != nil {
			tc.arena.Dispose()
		}
		if tc.pipe != nil {
			tc.pipe.Close()
		}
		_ = sysClose(tc.epollFd)
		if tc.ownsPool {
			tc.pool.Dispose()
		}
		return nil, err
	}

	tc.pipe, err = newWakeupPipe()
	if err != nil {
		return fail(fmt.Errorf("transportloop: pipe2: %w", err))
	}
	// The pipe read end is always registered, level triggered, keyed by its
	// own FD.
	pipeEv := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(tc.pipe.readFd)}
	if res := epollCtl(tc.epollFd, unix.EPOLL_CTL_ADD, tc.pipe.readFd, &pipeEv); !res.IsSuccess() {
		return fail(fmt.Errorf("transportloop: register pipe: %w", res.Err()))
	}

	aio := cfg.AioReceive || cfg.AioSend
	if aio {
		tc.arena, err = newAioArena()
		if err != nil {
			return fail(fmt.Errorf("transportloop: io_setup: %w", err))
		}
	}

	handleCount := MaxIOVectorReceiveLength
	if cfg.DeferSend && MaxIOVectorSendLength > handleCount {
		handleCount = MaxIOVectorSendLength
	}
	if aio {
		handleCount = EventBufferLength * IoVectorsPerAioSocket
	}
	tc.handles = make([]MemoryHandle, handleCount)

	tc.classified = make([]classifiedEvent, 0, EventBufferLength)
	tc.acceptable = make([]*TSocket, 0, 1)
	tc.readable = make([]*TSocket, 0, EventBufferLength)
	tc.writable = make([]*TSocket, 0, EventBufferLength)
	tc.reregister = make([]*TSocket, 0, EventBufferLength)
	tc.zeroCopyPending = make([]*TSocket, 0, EventBufferLength)
	tc.zeroCopyCompleted = make([]*TSocket, 0, EventBufferLength)
	tc.slotSockets = make([]*TSocket, EventBufferLength)
	tc.slotBufs = make([][]byte, EventBufferLength)
	tc.slotResults = make([]PosixResult, EventBufferLength)
	tc.slotDone = make([]bool, EventBufferLength)
	tc.slotHandles = make([]handleSpan, EventBufferLength)

	// Ingress: either a loop-owned listener or the pass-FD channel.
	var as *TSocket
	if o.acceptFd >= 0 {
		as = newPassFdSocket(tc, o.acceptFd, cfg)
	} else {
		as, err = newAcceptSocket(tc, cfg)
		if err != nil {
			return fail(err)
		}
	}
	asEv := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(as.fd)}
	if res := epollCtl(tc.epollFd, unix.EPOLL_CTL_ADD, as.fd, &asEv); !res.IsSuccess() {
		_ = sysClose(as.fd)
		return fail(fmt.Errorf("transportloop: register accept socket: %w", res.Err()))
	}
	as.registered = true
	tc.sockets[as.fd] = as
	tc.acceptSockets = append(tc.acceptSockets, as)

	return tc, nil
}

// Addr returns the listen endpoint (with the kernel-chosen port for ":0"
// binds), or nil for pass-FD ingress and once ingress has been closed.
func (tc *ThreadContext) Addr() net.Addr {
	tc.sockMu.Lock()
	defer tc.sockMu.Unlock()
	if len(tc.acceptSockets) == 0 {
		return nil
	}
	return tc.acceptSockets[0].localAddr
}

// Port returns the listen port, or 0 when unknown.
func (tc *ThreadContext) Port() int {
	if a, ok := tc.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// State returns the lifecycle state.
func (tc *ThreadContext) State() ContextState {
	return tc.lifecycle.Load()
}

// Done is closed once the loop has exited and disposed its resources.
func (tc *ThreadContext) Done() <-chan struct{} {
	return tc.done
}

// AcceptAsync dequeues the next accepted connection, blocking until one is
// available, ingress is closed (ErrAcceptClosed), or ctx is done.
func (tc *ThreadContext) AcceptAsync(ctx context.Context) (*TSocket, error) {
	return tc.queue.Dequeue(ctx)
}

// RequestCloseAccept asks the loop to stop ingress: listeners close and the
// accept queue completes. Safe from any goroutine; silent once the loop has
// stopped.
func (tc *ThreadContext) RequestCloseAccept() {
	tc.pipe.WriteCommand(CommandCloseAccept)
}

// RequestStopSockets asks the loop to abort every socket in the FD map.
// Idempotent; silent once the loop has stopped.
func (tc *ThreadContext) RequestStopSockets() {
	tc.pipe.WriteCommand(CommandStopSockets)
}

// StopThread asks the loop to exit after its current iteration. Silent once
// the loop has stopped.
func (tc *ThreadContext) StopThread() {
	tc.pipe.WriteCommand(CommandStopThread)
}

// RemoveSocket removes fd from the FD map, returning true when the map
// became empty. Callable from any thread. With ingress already closed, the
// last removal stops the loop.
func (tc *ThreadContext) RemoveSocket(fd int) bool {
	tc.sockMu.Lock()
	delete(tc.sockets, fd)
	last := len(tc.sockets) == 0
	tc.sockMu.Unlock()
	if last && tc.lifecycle.Load() == ContextAcceptClosed {
		tc.pipe.WriteCommand(CommandStopThread)
	}
	return last
}

// Run executes the event loop on the calling goroutine, which is locked to
// its OS thread for the duration. It returns after a StopThread command has
// been observed and all owned resources are disposed.
func (tc *ThreadContext) Run() error {
	if !tc.lifecycle.TryTransition(ContextCreated, ContextRunning) {
		if tc.lifecycle.Load() == ContextStopped {
			return ErrContextStopped
		}
		return ErrAlreadyRunning
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if tc.cfg.CpuID >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(tc.cfg.CpuID)
		// Best effort; an invalid CPU just leaves the thread unpinned.
		_ = unix.SchedSetaffinity(0, &set)
	}

	defer tc.dispose()

	var events [EventBufferLength]unix.EpollEvent
	tc.running = true
	// The first park needs the Blocked state in place for producers to know
	// a wakeup byte is required; every later park re-enters it via
	// finishScheduled.
	tc.epollState.Store(EpollBlocked)
	for tc.running {
		res := epollWait(tc.epollFd, events[:])
		if !res.IsSuccess() {
			return fmt.Errorf("transportloop: epoll_wait: %w", res.Err())
		}
		// From here any producer either observes NotBlocked (no wakeup
		// needed) or enqueued before we park again.
		tc.epollState.Store(EpollNotBlocked)
		tc.processEvents(events[:res.Value()])
		tc.doScheduledWork()
	}
	return nil
}

// processEvents classifies one epoll_wait batch and dispatches it in fixed
// order: zero-copy completions, accepts, writes, reads, epoll re-arm, pipe
// commands. Accepts run before reads/writes so a connection burst is in the
// FD map before any handler refers to it; re-arm runs after the handlers
// because they mutate the pending masks.
func (tc *ThreadContext) processEvents(events []unix.EpollEvent) {
	tc.classified = tc.classified[:0]
	tc.acceptable = tc.acceptable[:0]
	tc.readable = tc.readable[:0]
	tc.writable = tc.writable[:0]
	tc.reregister = tc.reregister[:0]
	tc.zeroCopyPending = tc.zeroCopyPending[:0]
	tc.zeroCopyCompleted = tc.zeroCopyCompleted[:0]
	pipeReadable := false
	stale := 0

	// One pass through the map under one lock acquisition. Lookups only;
	// no I/O happens under the map mutex.
	tc.sockMu.Lock()
	for i := range events {
		fd := int(events[i].Fd)
		if fd == tc.pipe.readFd {
			pipeReadable = true
			continue
		}
		s, ok := tc.sockets[fd]
		if !ok {
			// Already removed; the event is stale and must not be
			// misattributed.
			stale++
			continue
		}
		tc.classified = append(tc.classified, classifiedEvent{socket: s, events: events[i].Events})
	}
	tc.sockMu.Unlock()

	if stale > 0 {
		tc.logCategory("stale-event", func() {
			tc.logger.Debug().Int64(`count`, int64(stale)).Log(`dropped stale epoll events`)
		})
	}

	for i := range tc.classified {
		ce := &tc.classified[i]
		if ce.socket.typ != SocketClient {
			tc.acceptable = append(tc.acceptable, ce.socket)
			continue
		}
		tc.classifyClient(ce.socket, ce.events)
	}

	for _, s := range tc.zeroCopyPending {
		tc.consumeZeroCopy(s)
	}
	for _, s := range tc.zeroCopyCompleted {
		s.OnZeroCopyCompleted()
	}
	for _, s := range tc.acceptable {
		tc.handleAcceptEvent(s)
	}
	for _, s := range tc.writable {
		s.OnWritable(false)
	}
	if len(tc.readable) > 0 {
		if tc.cfg.AioReceive && tc.arena != nil {
			tc.aioReceive(tc.readable)
		} else {
			tc.syncReceive(tc.readable)
		}
	}
	for _, s := range tc.reregister {
		s.gate.Lock()
		s.pendingEventState &^= eventControlPending
		if s.pendingEventState&eventMaskAll != 0 {
			s.armLocked()
		}
		s.gate.Unlock()
	}
	if pipeReadable {
		tc.drainPipe()
	}
}

// classifyClient intersects a delivered event with the socket's pending
// interest and routes the socket to the dispatch lists. EPOLLERR with
// zero-copy interest is deferred to the zero-copy phase; any other error
// condition makes the socket both readable and writable so the application
// observes the failure on whichever half it uses.
func (tc *ThreadContext) classifyClient(s *TSocket, raw uint32) {
	s.gate.Lock()
	pending := s.pendingEventState
	if raw&uint32(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		raw |= eventErr
	}
	active := raw & pending & eventMaskAll
	zcQueued := false
	if raw&eventErr != 0 {
		if pending&eventErr != 0 {
			// Zero-copy completion signal; consumed after classification,
			// outside the map pass.
			zcQueued = true
			tc.zeroCopyPending = append(tc.zeroCopyPending, s)
		} else {
			// Error-conditioned sockets must drain both halves.
			active |= pending & (eventIn | eventOut)
		}
		active &^= eventErr
	}
	if active&eventIn != 0 {
		tc.readable = append(tc.readable, s)
		pending &^= eventIn
	}
	if active&eventOut != 0 {
		tc.writable = append(tc.writable, s)
		pending &^= eventOut
	}
	s.pendingEventState = pending
	if !zcQueued && pending&eventMaskAll != 0 {
		// The socket wants events it did not receive; one-shot arming means
		// it is disarmed now, so queue a re-arm for after the handlers.
		s.pendingEventState |= eventControlPending
		tc.reregister = append(tc.reregister, s)
	}
	s.gate.Unlock()
}

// consumeZeroCopy drains MSG_ZEROCOPY completions for one socket and applies
// the outcome: EAGAIN leaves EPOLLERR interest armed for the next signal, a
// copied completion permanently demotes the socket, and anything outside the
// kernel's contract is fatal to the process.
func (tc *ThreadContext) consumeZeroCopy(s *TSocket) {
	s.gate.Lock()
	switch res := s.CompleteZeroCopy(); res {
	case ZeroCopyAgain:
		// No completion yet; keep EPOLLERR armed.
	case ZeroCopySuccess, ZeroCopyCopied:
		s.pendingEventState &^= eventErr
		if res == ZeroCopyCopied {
			s.demoteZeroCopyLocked()
			tc.logCategory("zerocopy-demoted", func() {
				tc.logger.Info().Int64(`fd`, int64(s.fd)).Log(`zero copy demoted after copied completion`)
			})
		}
		tc.zeroCopyCompleted = append(tc.zeroCopyCompleted, s)
	default:
		s.gate.Unlock()
		panic("transportloop: zero-copy completion outside kernel contract")
	}
	if s.pendingEventState&eventMaskAll != 0 {
		s.armLocked()
	}
	s.gate.Unlock()
}

// handleAcceptEvent processes exactly one accept per delivered event. The
// listener is level triggered, so a non-empty backlog re-fires immediately;
// draining aggressively here would defeat SO_REUSEPORT balancing across
// peer loops.
func (tc *ThreadContext) handleAcceptEvent(s *TSocket) {
	switch s.typ {
	case SocketAccept:
		res := tryAccept(s.fd)
		if !res.IsSuccess() {
			if !res.IsEAGAIN() {
				tc.logSocketError("accept", s.fd, res.Err())
			}
			return
		}
		tc.adoptConnection(res.Value(), s)
	case SocketPassFd:
		fd, ok, err := tryReceiveSocket(s.fd)
		if err == errPassFdChannelClosed {
			// Peer closed its end: close only this accept socket.
			tc.closeAcceptSocket(s)
			return
		}
		if err != nil {
			tc.logSocketError("pass-fd", s.fd, err)
			return
		}
		if ok {
			tc.adoptConnection(fd, s)
		}
	}
}

// adoptConnection wraps an accepted descriptor and hands it to the
// application: queue first, then the FD map, then the connection machinery.
func (tc *ThreadContext) adoptConnection(fd int, parent *TSocket) {
	c := newClientSocket(tc, fd, parent)
	tc.queue.Enqueue(c)
	if c.closed.Load() {
		// Raced shutdown; the queue aborted it.
		return
	}
	tc.sockMu.Lock()
	tc.sockets[fd] = c
	tc.sockMu.Unlock()
	c.Start(parent.deferAccept)
}

// syncReceive drives the synchronous per-socket vectored read path.
func (tc *ThreadContext) syncReceive(sockets []*TSocket) {
	for _, s := range sockets {
		n := s.DetermineMemoryAllocationForReceive(MaxIOVectorReceiveLength)
		hs := tc.handles[:n]
		res := s.Receive(hs)
		s.OnReceiveFromSocket(res, hs)
		for i := range hs {
			hs[i].Release()
		}
	}
}

// aioReceive batches every readable socket into one io_submit, retrying
// EAGAIN/partial completions with a compacted control-block array until all
// sockets finish. io_submit/io_getevents short counts have no sound
// recovery and abort the process, as does an all-EAGAIN spin past
// MaxEAgainCount.
func (tc *ThreadContext) aioReceive(sockets []*TSocket) {
	a := tc.arena
	count := len(sockets)
	if count > EventBufferLength {
		count = EventBufferLength
	}

	handleCount := 0
	for i := 0; i < count; i++ {
		s := sockets[i]
		iovn := s.DetermineMemoryAllocationForReceive(IoVectorsPerAioSocket)
		iovs := a.iovecsOf(i, iovn)
		advanced := s.FillReceiveIOVector(iovs, tc.handles[handleCount:handleCount+iovn])
		tc.slotHandles[i] = handleSpan{start: handleCount, count: iovn}
		handleCount += iovn
		cb := &a.cbs[i]
		*cb = iocb{
			Data:      packAioData(0, advanced, uint8(iovn)),
			LioOpcode: iocbCmdPreadv,
			Fildes:    uint32(s.fd),
			Buf:       uint64(uintptr(unsafe.Pointer(&iovs[0]))),
			Nbytes:    uint64(iovn),
		}
		a.cbPtrs[i] = cb
		tc.slotSockets[i] = s
		tc.slotDone[i] = false
	}

	pending := count
	var guard eagainGuard
	for pending > 0 {
		submitted := ioSubmit(a.ctx, a.cbPtrs[:pending])
		if !submitted.IsSuccess() || submitted.Value() != pending {
			panic(fmt.Sprintf("transportloop: io_submit short submission: %d of %d", submitted.Value(), pending))
		}
		got := ioGetevents(a.ctx, pending, pending, a.events[:pending])
		if !got.IsSuccess() || got.Value() != pending {
			panic(fmt.Sprintf("transportloop: io_getevents short completion: %d of %d", got.Value(), pending))
		}
		allEAgain := true
		for j := 0; j < pending; j++ {
			ev := &a.events[j]
			slot := a.slotOf(ev.Obj)
			cb := &a.cbs[slot]
			received, advanced, iovn := unpackAioData(cb.Data)
			res := PosixResult(ev.Res)
			if !res.IsEAGAIN() {
				allEAgain = false
			}
			done, ret := tc.slotSockets[slot].InterpretReceiveResult(res, &received, advanced, a.iovecsOf(slot, int(iovn)))
			if done {
				tc.slotResults[slot] = ret
				tc.slotDone[slot] = true
				cb.LioOpcode = iocbCmdNoop
			} else {
				cb.Data = packAioData(received, advanced, iovn)
			}
		}
		pending = compactIocbs(a.cbPtrs[:pending])
		if pending > 0 {
			if err := guard.observe(allEAgain); err != nil {
				panic(err.Error())
			}
		}
	}

	// Deliver results, then release exactly the handles rented above.
	for i := 0; i < count; i++ {
		span := tc.slotHandles[i]
		hs := tc.handles[span.start : span.start+span.count]
		tc.slotSockets[i].OnReceiveFromSocket(tc.slotResults[i], hs)
		for k := range hs {
			hs[k].Release()
		}
		tc.slotSockets[i] = nil
		tc.slotDone[i] = false
	}
}

// doScheduledWork swaps the gate's lists and runs the batch, then either
// returns the loop to the Blocked state or self-wakes for sends that
// arrived mid-batch.
func (tc *ThreadContext) doScheduledWork() {
	batch := tc.swapScheduled()
	for i := range batch {
		batch[i].socket.sendScheduled.Store(false)
	}
	if tc.cfg.AioSend && tc.arena != nil {
		for len(batch) > 0 {
			batch = batch[tc.aioSend(batch):]
		}
	} else {
		for i := range batch {
			batch[i].socket.DoDeferredSend()
		}
	}
	tc.finishScheduled()
}

// aioSend batches up to EventBufferLength scheduled sends into one
// io_submit and folds the completions back into each socket. Sockets whose
// output is already finished (or errored) complete synchronously without a
// submission; zero-copy-eligible payloads take the sendmsg path instead so
// the MSG_ZEROCOPY flag applies. Returns the number of queue entries
// consumed.
func (tc *ThreadContext) aioSend(batch []scheduledSend) int {
	a := tc.arena
	sendCount := 0
	scanned := 0
	for _, entry := range batch {
		if sendCount >= EventBufferLength {
			break
		}
		scanned++
		s := entry.socket
		var buf []byte
		if err := s.GetReadResult(&buf); err != nil {
			switch err {
			case errSendDrained:
			case errOutputStopped:
				s.CompleteOutput(nil)
			default:
				s.CompleteOutput(err)
				s.teardown(err)
			}
			continue
		}
		if thr := s.ZeroCopyThreshold(); thr != NoZeroCopy && len(buf) >= thr {
			s.DoDeferredSend()
			continue
		}
		iovn := s.CalcIOVectorLengthForSend(buf, IoVectorsPerAioSocket)
		iovs := a.iovecsOf(sendCount, iovn)
		s.FillSendIOVector(buf, iovs)
		cb := &a.cbs[sendCount]
		*cb = iocb{
			Data:      uint64(sendCount),
			LioOpcode: iocbCmdPwritev,
			Fildes:    uint32(s.fd),
			Buf:       uint64(uintptr(unsafe.Pointer(&iovs[0]))),
			Nbytes:    uint64(iovn),
		}
		a.cbPtrs[sendCount] = cb
		tc.slotSockets[sendCount] = s
		tc.slotBufs[sendCount] = buf
		sendCount++
	}
	if sendCount > 0 {
		submitted := ioSubmit(a.ctx, a.cbPtrs[:sendCount])
		if !submitted.IsSuccess() || submitted.Value() != sendCount {
			panic(fmt.Sprintf("transportloop: io_submit short submission: %d of %d", submitted.Value(), sendCount))
		}
		got := ioGetevents(a.ctx, sendCount, sendCount, a.events[:sendCount])
		if !got.IsSuccess() || got.Value() != sendCount {
			panic(fmt.Sprintf("transportloop: io_getevents short completion: %d of %d", got.Value(), sendCount))
		}
		for j := 0; j < sendCount; j++ {
			ev := &a.events[j]
			idx := int(ev.Data)
			s := tc.slotSockets[idx]
			s.HandleSendResult(tc.slotBufs[idx], PosixResult(ev.Res), false, false, false)
			tc.slotSockets[idx] = nil
			tc.slotBufs[idx] = nil
		}
	}
	return scanned
}

// drainPipe consumes pending loop commands one byte at a time.
func (tc *ThreadContext) drainPipe() {
	for {
		c, ok := tc.pipe.ReadCommand()
		if !ok {
			return
		}
		switch c {
		case CommandStopThread:
			tc.running = false
		case CommandActionsPending:
			// The byte itself was the signal.
		case CommandStopSockets:
			tc.stopAllSockets()
		case CommandCloseAccept:
			tc.closeAccept()
		}
	}
}

// stopAllSockets snapshots the FD map and aborts every socket. Repeat
// commands are idempotent: an already-empty map is a no-op.
func (tc *ThreadContext) stopAllSockets() {
	tc.sockMu.Lock()
	snapshot := make([]*TSocket, 0, len(tc.sockets))
	for _, s := range tc.sockets {
		snapshot = append(snapshot, s)
	}
	tc.sockMu.Unlock()
	for _, s := range snapshot {
		s.Abort()
	}
}

// closeAccept stops ingress: accept sockets leave the map and close, the
// accept queue completes, and — with no client sockets in flight — the loop
// stops.
func (tc *ThreadContext) closeAccept() {
	tc.sockMu.Lock()
	accept := tc.acceptSockets
	tc.acceptSockets = nil
	for _, s := range accept {
		delete(tc.sockets, s.fd)
	}
	empty := len(tc.sockets) == 0
	tc.sockMu.Unlock()
	for _, s := range accept {
		if s.closed.CompareAndSwap(false, true) {
			// epoll deregisters the FD on close.
			_ = sysClose(s.fd)
		}
	}
	tc.queue.Complete()
	tc.lifecycle.TryTransition(ContextRunning, ContextAcceptClosed)
	if empty {
		tc.running = false
	}
}

// closeAcceptSocket closes a single accept socket (pass-FD end-of-stream),
// leaving any siblings and all client sockets running.
func (tc *ThreadContext) closeAcceptSocket(s *TSocket) {
	tc.sockMu.Lock()
	delete(tc.sockets, s.fd)
	for i, as := range tc.acceptSockets {
		if as == s {
			tc.acceptSockets = append(tc.acceptSockets[:i], tc.acceptSockets[i+1:]...)
			break
		}
	}
	remaining := len(tc.acceptSockets)
	tc.sockMu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		_ = sysClose(s.fd)
	}
	if remaining == 0 {
		tc.queue.Complete()
		tc.lifecycle.TryTransition(ContextRunning, ContextAcceptClosed)
	}
}

// dispose tears down everything the context owns, in dependency order:
// undelivered accepts, live sockets, the epoll and pipe descriptors, the
// AIO context, and finally the pool.
func (tc *ThreadContext) dispose() {
	tc.disposeOnce.Do(tc.disposeImpl)
}

func (tc *ThreadContext) disposeImpl() {
	for _, s := range tc.queue.drain() {
		s.Abort()
	}
	tc.queue.Complete()
	tc.stopAllSockets()
	tc.sockMu.Lock()
	accept := tc.acceptSockets
	tc.acceptSockets = nil
	tc.sockMu.Unlock()
	for _, s := range accept {
		if s.closed.CompareAndSwap(false, true) {
			_ = sysClose(s.fd)
		}
	}
	_ = sysClose(tc.epollFd)
	tc.pipe.Close()
	if tc.arena != nil {
		tc.arena.Dispose()
	}
	if tc.ownsPool {
		tc.pool.Dispose()
	}
	tc.lifecycle.Store(ContextStopped)
	close(tc.done)
}

// logCategory runs fn unless the category is currently rate limited.
func (tc *ThreadContext) logCategory(category string, fn func()) {
	if _, ok := tc.rate.Allow(category); !ok {
		return
	}
	fn()
}

func (tc *ThreadContext) logSocketError(category string, fd int, err error) {
	tc.logCategory(category, func() {
		tc.logger.Err().Str(`category`, category).Int64(`fd`, int64(fd)).Err(err).Log(`socket error`)
	})
}
