//go:build linux

package transportloop

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrEAgainLiveLock is raised when an AIO receive batch spins on
	// all-EAGAIN retries MaxEAgainCount times. The loop treats it as fatal:
	// the kernel repeatedly signalled readiness it cannot honour.
	ErrEAgainLiveLock = errors.New("transportloop: aio receive live-locked on EAGAIN")
)

// Linux AIO opcodes (include/uapi/linux/aio_abi.h).
const (
	iocbCmdNoop    = 6
	iocbCmdPreadv  = 7
	iocbCmdPwritev = 8
)

// aioContext is the kernel aio_context_t handle.
type aioContext uintptr

// iocb is the Linux AIO control block (struct iocb, 64-bit ABI).
type iocb struct {
	Data      uint64 // aio_data: returned verbatim in the completion
	Key       uint32
	RwFlags   int32
	LioOpcode uint16
	ReqPrio   int16
	Fildes    uint32
	Buf       uint64 // iovec array pointer for PREADV/PWRITEV
	Nbytes    uint64 // iovec count for PREADV/PWRITEV
	Offset    int64
	Reserved2 uint64
	Flags     uint32
	Resfd     uint32
}

// ioEvent is the Linux AIO completion record (struct io_event).
type ioEvent struct {
	Data uint64 // aio_data of the originating iocb
	Obj  uint64 // pointer to the originating iocb
	Res  int64  // syscall-style result: count or negative errno
	Res2 int64
}

func ioSetup(nr int, ctx *aioContext) PosixResult {
	_, _, e := unix.Syscall(unix.SYS_IO_SETUP, uintptr(nr), uintptr(unsafe.Pointer(ctx)), 0)
	if e != 0 {
		return PosixResult(-int(e))
	}
	return 0
}

func ioSubmit(ctx aioContext, cbs []*iocb) PosixResult {
	if len(cbs) == 0 {
		return 0
	}
	n, _, e := unix.Syscall(unix.SYS_IO_SUBMIT, uintptr(ctx), uintptr(len(cbs)), uintptr(unsafe.Pointer(&cbs[0])))
	if e != 0 {
		return PosixResult(-int(e))
	}
	return PosixResult(n)
}

func ioGetevents(ctx aioContext, minNr, nr int, events []ioEvent) PosixResult {
	n, _, e := unix.Syscall6(unix.SYS_IO_GETEVENTS, uintptr(ctx), uintptr(minNr), uintptr(nr), uintptr(unsafe.Pointer(&events[0])), 0, 0)
	if e != 0 {
		return PosixResult(-int(e))
	}
	return PosixResult(n)
}

func ioDestroy(ctx aioContext) PosixResult {
	_, _, e := unix.Syscall(unix.SYS_IO_DESTROY, uintptr(ctx), 0, 0)
	if e != 0 {
		return PosixResult(-int(e))
	}
	return 0
}

// packAioData packs the per-iocb receive bookkeeping into the 64-bit
// aio_data word: bytes received so far in the high 32 bits, bytes the socket
// pre-consumed (advanced) in the middle 24 bits, iovec count in the low 8.
func packAioData(received uint32, advanced uint32, iovLength uint8) uint64 {
	return uint64(received)<<32 | uint64(advanced&0xFFFFFF)<<8 | uint64(iovLength)
}

// unpackAioData is the inverse of packAioData.
func unpackAioData(data uint64) (received uint32, advanced uint32, iovLength uint8) {
	received = uint32(data >> 32)
	advanced = uint32(data>>8) & 0xFFFFFF
	iovLength = uint8(data)
	return
}

// compactIocbs moves every control block whose opcode is not NOOP to the
// front of the slice, preserving relative order, and returns the retained
// count. Completed entries are marked NOOP by the caller; the survivors form
// the next submission batch.
func compactIocbs(cbs []*iocb) int {
	n := 0
	for _, cb := range cbs {
		if cb.LioOpcode == iocbCmdNoop {
			continue
		}
		cbs[n] = cb
		n++
	}
	return n
}

// eagainGuard bounds the number of consecutive all-EAGAIN retry rounds an
// AIO receive batch may perform before the loop declares a live-lock.
type eagainGuard struct {
	count int
}

// observe records the outcome of one retry round. It returns
// ErrEAgainLiveLock on the MaxEAgainCount-th consecutive all-EAGAIN round.
func (g *eagainGuard) observe(allEAgain bool) error {
	if !allEAgain {
		g.count = 0
		return nil
	}
	g.count++
	if g.count >= MaxEAgainCount {
		return ErrEAgainLiveLock
	}
	return nil
}

// aioArena owns the preallocated tables an AIO-enabled loop reuses on every
// iteration: the completion buffer, the control blocks, the submission
// pointer array, and the shared iovec table (EventBufferLength sockets ×
// IoVectorsPerAioSocket vectors). Each table is one contiguous allocation;
// 8-byte alignment falls out of the element types.
type aioArena struct {
	ctx    aioContext
	events []ioEvent
	cbs    []iocb
	cbPtrs []*iocb
	iovecs []unix.Iovec
}

// newAioArena allocates the tables and creates the kernel AIO context with
// capacity EventBufferLength.
func newAioArena() (*aioArena, error) {
	a := &aioArena{
		events: make([]ioEvent, EventBufferLength),
		cbs:    make([]iocb, EventBufferLength),
		cbPtrs: make([]*iocb, EventBufferLength),
		iovecs: make([]unix.Iovec, EventBufferLength*IoVectorsPerAioSocket),
	}
	if res := ioSetup(EventBufferLength, &a.ctx); !res.IsSuccess() {
		return nil, res.Err()
	}
	return a, nil
}

// slotOf maps a completion's iocb pointer back to its submission slot.
func (a *aioArena) slotOf(obj uint64) int {
	base := uintptr(unsafe.Pointer(&a.cbs[0]))
	return int((uintptr(obj) - base) / unsafe.Sizeof(iocb{}))
}

// iovecsOf returns the iovec slice backing the given submission slot.
func (a *aioArena) iovecsOf(slot int, n int) []unix.Iovec {
	off := slot * IoVectorsPerAioSocket
	return a.iovecs[off : off+n]
}

// Dispose destroys the kernel context. The tables are garbage collected with
// the arena.
func (a *aioArena) Dispose() {
	if a.ctx != 0 {
		_ = ioDestroy(a.ctx)
		a.ctx = 0
	}
}
