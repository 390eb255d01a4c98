//go:build linux

package transportloop

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrSocketAborted indicates the socket was torn down by StopSockets or
	// transport disposal rather than by its peer or owner.
	ErrSocketAborted = errors.New("transportloop: socket aborted")

	// ErrSocketClosed indicates the owner closed the socket.
	ErrSocketClosed = errors.New("transportloop: socket closed")

	// errSendDrained reports an empty outbound queue to the send machinery;
	// the scheduled send is complete with nothing to do.
	errSendDrained = errors.New("transportloop: outbound queue drained")

	// errOutputStopped is the stop sentinel: the outbound half is finished
	// and no further payload will ever be produced.
	errOutputStopped = errors.New("transportloop: output stopped")
)

// SocketType distinguishes the three descriptor roles the loop multiplexes.
type SocketType uint8

const (
	// SocketClient is an accepted TCP connection.
	SocketClient SocketType = iota
	// SocketAccept is a loop-owned listening socket.
	SocketAccept
	// SocketPassFd is a UNIX socket over which an external accept thread
	// passes connection descriptors via SCM_RIGHTS.
	SocketPassFd
)

// Epoll interest bits tracked in pendingEventState. eventControlPending is a
// private bit meaning "the loop has queued a re-arm for this socket"; it is
// never handed to the kernel.
const (
	eventIn             = uint32(unix.EPOLLIN)
	eventOut            = uint32(unix.EPOLLOUT)
	eventErr            = uint32(unix.EPOLLERR)
	eventMaskAll        = eventIn | eventOut | eventErr
	eventControlPending = uint32(1) << 24
)

// ZeroCopyResult is the outcome of consuming MSG_ZEROCOPY completions.
type ZeroCopyResult int

const (
	// ZeroCopyAgain means no completion was queued yet; EPOLLERR interest
	// stays armed.
	ZeroCopyAgain ZeroCopyResult = iota
	// ZeroCopySuccess means at least one buffer was retired without a copy.
	ZeroCopySuccess
	// ZeroCopyCopied means the kernel fell back to copying; the socket is
	// permanently demoted to copying sends.
	ZeroCopyCopied
	// ZeroCopyError means the error queue produced something other than a
	// zero-copy completion. The loop treats this as fatal.
	ZeroCopyError
)

// outboundEntry is one queued application payload, with send progress.
type outboundEntry struct {
	data []byte
	off  int
}

// TSocket is one multiplexed descriptor: an accepted connection, a listener,
// or a pass-FD channel. Client sockets carry the per-connection send and
// receive machinery the loop drives.
//
// Locking: gate guards pendingEventState, zeroCopyThreshold, and epoll
// re-arm (the critical section spans epoll_ctl, which is why this is a
// mutex and not an atomic). outMu guards the outbound queue and zero-copy
// bookkeeping; inMu guards the inbound queue. gate may be taken while
// holding neither; outMu/inMu are leaves and are never held across gate.
type TSocket struct {
	fd  int
	typ SocketType
	ctx *ThreadContext

	// gate-guarded epoll interest state.
	gate              sync.Mutex
	pendingEventState uint32
	registered        bool
	zeroCopyThreshold int

	deferSend   bool
	deferAccept bool

	localAddr  net.Addr
	remoteAddr net.Addr
	isIP       bool

	closed        atomic.Bool
	sendScheduled atomic.Bool

	// inbound: data received by the loop, consumed by Read.
	inMu    sync.Mutex
	inCond  *sync.Cond
	inbound [][]byte
	inOff   int
	inErr   error

	// outbound: data queued by Write, drained by the loop.
	outMu      sync.Mutex
	outbound   []outboundEntry
	outErr     error
	outDone    bool
	zcInflight map[uint32][]byte
	zcNext     uint32
}

func newSocket(ctx *ThreadContext, fd int, typ SocketType) *TSocket {
	s := &TSocket{
		fd:                fd,
		typ:               typ,
		ctx:               ctx,
		zeroCopyThreshold: NoZeroCopy,
	}
	s.inCond = sync.NewCond(&s.inMu)
	return s
}

// newClientSocket wraps an accepted descriptor, inheriting the listener's
// zero-copy threshold and defer-send policy.
func newClientSocket(ctx *ThreadContext, fd int, parent *TSocket) *TSocket {
	s := newSocket(ctx, fd, SocketClient)
	parent.gate.Lock()
	s.zeroCopyThreshold = parent.zeroCopyThreshold
	parent.gate.Unlock()
	s.deferSend = parent.deferSend
	s.resolveEndpoints()
	if s.isIP {
		// Latency over batching for accepted connections.
		_ = sysSetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	return s
}

func (s *TSocket) resolveEndpoints() {
	local, lerr := unix.Getsockname(s.fd)
	remote, rerr := unix.Getpeername(s.fd)
	if lerr != nil || rerr != nil {
		return
	}
	la := sockaddrToTCPAddr(local)
	ra := sockaddrToTCPAddr(remote)
	if la == nil || ra == nil {
		// Not an IP socket (e.g. a descriptor passed over SCM_RIGHTS from
		// a non-TCP origin); leave it usable but unadorned.
		return
	}
	s.localAddr, s.remoteAddr, s.isIP = la, ra, true
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}

// Fd returns the file descriptor.
func (s *TSocket) Fd() int { return s.fd }

// Type returns the socket's role.
func (s *TSocket) Type() SocketType { return s.typ }

// LocalAddr returns the local endpoint, or nil for non-IP sockets.
func (s *TSocket) LocalAddr() net.Addr { return s.localAddr }

// RemoteAddr returns the peer endpoint, or nil for non-IP sockets.
func (s *TSocket) RemoteAddr() net.Addr { return s.remoteAddr }

// ZeroCopyThreshold returns the current MSG_ZEROCOPY payload threshold, or
// NoZeroCopy when disabled (including after a ZeroCopyCopied demotion).
func (s *TSocket) ZeroCopyThreshold() int {
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.zeroCopyThreshold
}

// Start begins driving the connection: the loop arms read interest. The
// dataMayBeAvailable hint is set when the listener used TCP_DEFER_ACCEPT, in
// which case the first EPOLLIN is typically already pending.
func (s *TSocket) Start(dataMayBeAvailable bool) {
	_ = dataMayBeAvailable // epoll reports queued data on the first arm
	s.requestEvents(eventIn)
}

// requestEvents records interest in the given epoll events and arms the
// descriptor, unless a loop-side re-arm is already in flight (in which case
// the pending re-arm picks the new bits up).
func (s *TSocket) requestEvents(events uint32) {
	s.gate.Lock()
	s.pendingEventState |= events & eventMaskAll
	if s.pendingEventState&eventControlPending == 0 {
		s.armLocked()
	}
	s.gate.Unlock()
}

// armLocked issues the epoll_ctl for the current pending mask. Client
// sockets are always armed one-shot; the FD doubles as the epoll key.
// Caller holds the gate.
func (s *TSocket) armLocked() {
	if s.closed.Load() {
		return
	}
	mask := s.pendingEventState & eventMaskAll
	if mask == 0 {
		return
	}
	ev := unix.EpollEvent{Events: mask | unix.EPOLLONESHOT, Fd: int32(s.fd)}
	op := unix.EPOLL_CTL_MOD
	if !s.registered {
		op = unix.EPOLL_CTL_ADD
		s.registered = true
	}
	if res := epollCtl(s.ctx.epollFd, op, s.fd, &ev); !res.IsSuccess() {
		s.ctx.logSocketError("epoll-arm", s.fd, res.Err())
	}
}

// --- receive path -----------------------------------------------------------

// DetermineMemoryAllocationForReceive returns the number of iovecs (pool
// segments) the socket wants for its next receive, capped at maxIov.
func (s *TSocket) DetermineMemoryAllocationForReceive(maxIov int) int {
	// Two segments cover the common read without over-renting the pool.
	if maxIov > 2 {
		return 2
	}
	return maxIov
}

// FillReceiveIOVector rents one pool segment per iovec and points the
// vectors at them. It returns the number of bytes already pre-consumed from
// the socket's receive buffer (always zero for this machine; the value is
// threaded through the AIO bookkeeping regardless).
func (s *TSocket) FillReceiveIOVector(iovs []unix.Iovec, handles []MemoryHandle) uint32 {
	for i := range iovs {
		h := s.ctx.pool.Rent()
		handles[i] = h
		b := h.Bytes()
		iovs[i].Base = &b[0]
		iovs[i].SetLen(len(b))
	}
	return 0
}

// InterpretReceiveResult folds one kernel receive result into the
// accumulated state for this socket's in-flight vectored read. It returns
// done=false when the read should be resubmitted (EAGAIN with nothing
// accumulated, or a partial fill with capacity remaining), and otherwise the
// final PosixResult to deliver.
func (s *TSocket) InterpretReceiveResult(res PosixResult, received *uint32, advanced uint32, iovs []unix.Iovec) (bool, PosixResult) {
	_ = advanced
	if !res.IsSuccess() {
		if res.IsEAGAIN() {
			if *received > 0 {
				return true, PosixResult(*received)
			}
			return false, res
		}
		return true, res
	}
	n := uint32(res.Value())
	*received += n
	if n == 0 {
		// Peer shutdown; deliver whatever accumulated (possibly zero).
		return true, PosixResult(*received)
	}
	if advanceIovecs(iovs, n) {
		return true, PosixResult(*received)
	}
	return false, 0
}

// advanceIovecs consumes n bytes of capacity from the front of the vector
// set, in place, and reports whether the set is exhausted.
func advanceIovecs(iovs []unix.Iovec, n uint32) bool {
	rem := uint64(n)
	exhausted := true
	for i := range iovs {
		if rem >= iovs[i].Len {
			rem -= iovs[i].Len
			iovs[i].Len = 0
			continue
		}
		if rem > 0 {
			iovs[i].Base = (*byte)(unsafe.Add(unsafe.Pointer(iovs[i].Base), int(rem)))
			iovs[i].Len -= rem
			rem = 0
		}
		if iovs[i].Len > 0 {
			exhausted = false
		}
	}
	return exhausted
}

// Receive performs the synchronous vectored read, renting one segment per
// handle slot.
func (s *TSocket) Receive(handles []MemoryHandle) PosixResult {
	var bufs [MaxIOVectorReceiveLength][]byte
	for i := range handles {
		h := s.ctx.pool.Rent()
		handles[i] = h
		bufs[i] = h.Bytes()
	}
	return sysReadv(s.fd, bufs[:len(handles)])
}

// OnReceiveFromSocket consumes the final result of a receive. Data is copied
// out of the (about to be released) pool segments and handed to the inbound
// queue; read interest is re-armed unless the stream ended.
func (s *TSocket) OnReceiveFromSocket(res PosixResult, handles []MemoryHandle) {
	if !res.IsSuccess() {
		if res.IsEAGAIN() {
			// Spurious readiness; try again on the next event.
			s.requestEvents(eventIn)
			return
		}
		s.teardown(res.Err())
		return
	}
	n := res.Value()
	if n == 0 {
		s.finishInbound(io.EOF)
		return
	}
	data := make([]byte, n)
	off := 0
	for i := range handles {
		if off >= n {
			break
		}
		off += copy(data[off:], handles[i].Bytes())
	}
	s.deliverInbound(data)
	s.requestEvents(eventIn)
}

func (s *TSocket) deliverInbound(data []byte) {
	s.inMu.Lock()
	s.inbound = append(s.inbound, data)
	s.inMu.Unlock()
	s.inCond.Signal()
}

func (s *TSocket) finishInbound(err error) {
	if err == nil {
		err = io.EOF
	}
	s.inMu.Lock()
	if s.inErr == nil {
		s.inErr = err
	}
	s.inMu.Unlock()
	s.inCond.Broadcast()
}

// Read blocks until inbound data, end-of-stream, or socket teardown. It
// implements io.Reader over the loop-driven inbound queue.
func (s *TSocket) Read(p []byte) (int, error) {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	for len(s.inbound) == 0 {
		if s.inErr != nil {
			return 0, s.inErr
		}
		s.inCond.Wait()
	}
	front := s.inbound[0]
	n := copy(p, front[s.inOff:])
	s.inOff += n
	if s.inOff >= len(front) {
		s.inbound[0] = nil
		s.inbound = s.inbound[1:]
		s.inOff = 0
	}
	return n, nil
}

// --- send path --------------------------------------------------------------

// Write queues a payload for the loop to send and schedules the send. The
// payload is copied; the caller may reuse p. Implements io.Writer.
func (s *TSocket) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := make([]byte, len(p))
	copy(data, p)
	s.outMu.Lock()
	if s.outDone || s.closed.Load() {
		err := s.outErr
		s.outMu.Unlock()
		if err == nil {
			err = ErrSocketClosed
		}
		return 0, err
	}
	s.outbound = append(s.outbound, outboundEntry{data: data})
	first := len(s.outbound) == 1
	s.outMu.Unlock()
	// With DeferSend, later writes coalesce behind the schedule the first
	// one issued; the loop drains the whole queue in one visit.
	if first || !s.deferSend {
		s.ctx.ScheduleSend(s)
	}
	return len(p), nil
}

// GetReadResult reports the socket's next outbound payload. A nil error
// means buf was set to the remaining bytes of the front payload. The stop
// sentinel (or a sticky output error) means the send completes with no
// submission.
func (s *TSocket) GetReadResult(buf *[]byte) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outErr != nil {
		return s.outErr
	}
	if len(s.outbound) == 0 {
		if s.outDone || s.closed.Load() {
			return errOutputStopped
		}
		return errSendDrained
	}
	e := &s.outbound[0]
	*buf = e.data[e.off:]
	return nil
}

// CalcIOVectorLengthForSend returns how many iovecs the payload needs,
// chunked by the pool segment size, capped at maxIov.
func (s *TSocket) CalcIOVectorLengthForSend(buf []byte, maxIov int) int {
	seg := s.ctx.pool.SegmentSize()
	n := (len(buf) + seg - 1) / seg
	if n < 1 {
		n = 1
	}
	if n > maxIov {
		n = maxIov
	}
	return n
}

// FillSendIOVector points iovs at consecutive chunks of the payload.
func (s *TSocket) FillSendIOVector(buf []byte, iovs []unix.Iovec) {
	seg := s.ctx.pool.SegmentSize()
	for i := range iovs {
		chunk := buf
		if i < len(iovs)-1 && len(chunk) > seg {
			chunk = chunk[:seg]
		}
		iovs[i].Base = &chunk[0]
		iovs[i].SetLen(len(chunk))
		buf = buf[len(chunk):]
	}
}

// HandleSendResult folds one kernel send result into the outbound queue.
// inSendLoop is true when called from DoDeferredSend, whose own loop
// continues the queue; otherwise a residual queue re-schedules the socket.
// For zero-copy sends the completed payload is retained until the kernel's
// completion notification arrives on the error queue.
func (s *TSocket) HandleSendResult(buf []byte, res PosixResult, inSendLoop, zerocopy, zeroCopyRegistered bool) {
	_ = buf
	if !res.IsSuccess() {
		if res.IsEAGAIN() {
			s.requestEvents(eventOut)
			return
		}
		err := res.Err()
		s.CompleteOutput(err)
		s.teardown(err)
		return
	}
	n := res.Value()
	var more, partial bool
	s.outMu.Lock()
	if len(s.outbound) > 0 {
		e := &s.outbound[0]
		e.off += n
		if e.off >= len(e.data) {
			if zerocopy {
				if s.zcInflight == nil {
					s.zcInflight = make(map[uint32][]byte)
				}
				s.zcInflight[s.zcNext] = e.data
				s.zcNext++
			}
			s.outbound[0] = outboundEntry{}
			s.outbound = s.outbound[1:]
		} else {
			partial = true
		}
		more = len(s.outbound) > 0
	}
	s.outMu.Unlock()
	if zerocopy && !zeroCopyRegistered {
		s.requestEvents(eventErr)
	}
	if partial {
		s.requestEvents(eventOut)
		return
	}
	if more && !inSendLoop {
		s.ctx.ScheduleSend(s)
	}
}

// hasZeroCopyInFlight reports whether EPOLLERR interest is already justified
// by outstanding zero-copy sends.
func (s *TSocket) hasZeroCopyInFlight() bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return len(s.zcInflight) > 0
}

// DoDeferredSend drains the outbound queue with non-blocking sends on the
// loop thread, switching to MSG_ZEROCOPY at the configured threshold. It
// stops on EAGAIN or a partial send (EPOLLOUT interest armed by
// HandleSendResult) and on queue exhaustion.
func (s *TSocket) DoDeferredSend() {
	for {
		var buf []byte
		err := s.GetReadResult(&buf)
		if err != nil {
			switch err {
			case errSendDrained:
			case errOutputStopped:
				s.CompleteOutput(nil)
			default:
				s.CompleteOutput(err)
				s.teardown(err)
			}
			return
		}
		s.gate.Lock()
		thr := s.zeroCopyThreshold
		s.gate.Unlock()
		zc := thr != NoZeroCopy && len(buf) >= thr
		flags := unix.MSG_DONTWAIT | unix.MSG_NOSIGNAL
		if zc {
			flags |= unix.MSG_ZEROCOPY
		}
		res := sysSend(s.fd, buf, flags)
		full := res.IsSuccess() && res.Value() == len(buf)
		s.HandleSendResult(buf, res, true, zc, s.hasZeroCopyInFlight())
		if !full {
			return
		}
	}
}

// OnWritable is invoked by the loop when EPOLLOUT fires (or when the socket
// must observe a stop).
func (s *TSocket) OnWritable(stopped bool) {
	if stopped {
		s.CompleteOutput(ErrSocketAborted)
		return
	}
	s.DoDeferredSend()
}

// CompleteOutput finishes the outbound half. A non-nil error becomes sticky
// and is returned from subsequent Write calls.
func (s *TSocket) CompleteOutput(err error) {
	s.outMu.Lock()
	if err != nil && s.outErr == nil {
		s.outErr = err
	}
	s.outDone = true
	s.outMu.Unlock()
}

// --- zero copy --------------------------------------------------------------

// CompleteZeroCopy drains the socket's error queue of MSG_ZEROCOPY
// completion notifications, releasing the retained payloads they cover.
// Called with the gate held (EPOLLERR classification path).
func (s *TSocket) CompleteZeroCopy() ZeroCopyResult {
	var (
		oob       [512]byte
		sawCopied bool
		sawAny    bool
	)
	for {
		_, oobn, _, _, err := unix.Recvmsg(s.fd, nil, oob[:], unix.MSG_ERRQUEUE)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err != nil {
			return ZeroCopyError
		}
		msgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr != nil {
			return ZeroCopyError
		}
		for i := range msgs {
			m := &msgs[i]
			if !isRecvErrCmsg(m.Header.Level, m.Header.Type) {
				continue
			}
			if len(m.Data) < int(unsafe.Sizeof(unix.SockExtendedErr{})) {
				continue
			}
			ee := (*unix.SockExtendedErr)(unsafe.Pointer(&m.Data[0]))
			if ee.Origin != unix.SO_EE_ORIGIN_ZEROCOPY {
				continue
			}
			s.releaseZeroCopyRange(ee.Info, ee.Data)
			if ee.Code&unix.SO_EE_CODE_ZEROCOPY_COPIED != 0 {
				sawCopied = true
			}
			sawAny = true
		}
	}
	if sawCopied {
		return ZeroCopyCopied
	}
	if sawAny {
		return ZeroCopySuccess
	}
	return ZeroCopyAgain
}

func isRecvErrCmsg(level, typ int32) bool {
	return (level == unix.SOL_IP && typ == unix.IP_RECVERR) ||
		(level == unix.SOL_IPV6 && typ == unix.IPV6_RECVERR)
}

// releaseZeroCopyRange drops the retained payloads for the inclusive
// completion range [lo, hi] (sequence numbers wrap at 2^32).
func (s *TSocket) releaseZeroCopyRange(lo, hi uint32) {
	s.outMu.Lock()
	for seq := lo; ; seq++ {
		delete(s.zcInflight, seq)
		if seq == hi {
			break
		}
	}
	s.outMu.Unlock()
}

// demoteZeroCopyLocked permanently disables MSG_ZEROCOPY for this socket.
// Called with the gate held.
func (s *TSocket) demoteZeroCopyLocked() {
	s.zeroCopyThreshold = NoZeroCopy
}

// OnZeroCopyCompleted runs after a batch's zero-copy completions have been
// consumed; a residual outbound queue is rescheduled.
func (s *TSocket) OnZeroCopyCompleted() {
	s.outMu.Lock()
	more := len(s.outbound) > 0
	s.outMu.Unlock()
	if more {
		s.ctx.ScheduleSend(s)
	}
}

// --- lifecycle --------------------------------------------------------------

// Abort tears the socket down immediately, as part of StopSockets or
// transport disposal.
func (s *TSocket) Abort() {
	s.teardown(ErrSocketAborted)
}

// Close releases the socket. Pending outbound data is discarded; callers
// that care should only Close after their writes have been observed.
func (s *TSocket) Close() error {
	s.teardown(ErrSocketClosed)
	return nil
}

// teardown removes the socket from its loop and closes the descriptor.
// Removal from the FD map strictly precedes close(2) so an epoll event
// carrying this FD cannot be misattributed after the kernel reuses the
// number. Idempotent.
func (s *TSocket) teardown(err error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.ctx != nil {
		s.ctx.RemoveSocket(s.fd)
	}
	_ = sysClose(s.fd)
	s.finishInbound(err)
	s.CompleteOutput(err)
}
