package transportloop

import (
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Tuning constants. These mirror the kernel-facing sizes the loop was
// designed around and are compiled in rather than configurable: every scratch
// table and stack buffer in the hot path is sized from them.
const (
	// EventBufferLength is the epoll_wait batch size, the AIO context
	// capacity, and the upper bound on sockets per AIO batch.
	EventBufferLength = 512

	// IoVectorsPerAioSocket caps the iovec count a single socket may claim
	// from the shared table in one AIO submission.
	IoVectorsPerAioSocket = 8

	// ListenBacklog is the listen(2) backlog for loop-owned accept sockets.
	ListenBacklog = 128

	// MemoryAlignment is the alignment of pool slabs and AIO tables. No code
	// applies it explicitly; the Go allocator's alignment of those
	// allocations already meets it.
	MemoryAlignment = 8

	// MaxEAgainCount bounds consecutive all-EAGAIN AIO retry rounds.
	MaxEAgainCount = 10

	// MaxIOVectorReceiveLength is the iovec budget of a synchronous receive.
	MaxIOVectorReceiveLength = 8

	// MaxIOVectorSendLength is the iovec budget of a deferred send.
	MaxIOVectorSendLength = 8
)

// NoZeroCopy is the ZeroCopyThreshold sentinel that disables MSG_ZEROCOPY
// for a socket. A socket demoted by a ZeroCopyCopied completion has its
// threshold set to NoZeroCopy permanently.
const NoZeroCopy = -1

// SchedulingMode names where continuations of the accept handoff run. The
// mode is recorded only: accepted connections always reach the application
// through the blocking accept queue, whatever the mode.
type SchedulingMode uint8

const (
	// SchedulingInline is the inline mode. ScheduleSend is safe to call from
	// any consumer context (the scheduling gate is never held across
	// callbacks).
	SchedulingInline SchedulingMode = iota
	// SchedulingDispatch is the dispatch mode (LoadConfig's default).
	SchedulingDispatch
)

// String returns the configuration spelling of the mode.
func (m SchedulingMode) String() string {
	switch m {
	case SchedulingInline:
		return "inline"
	case SchedulingDispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

// contextOptions holds construction options for a ThreadContext.
type contextOptions struct {
	logger      *logiface.Logger[logiface.Event]
	rate        *catrate.Limiter
	segmentSize int
	pool        *MemoryPool
	acceptFd    int // -1 when the context owns its listener
}

// Option configures a ThreadContext (and, transitively, a Transport).
type Option interface {
	apply(*contextOptions) error
}

type optionImpl struct {
	applyFunc func(*contextOptions) error
}

func (o *optionImpl) apply(opts *contextOptions) error {
	return o.applyFunc(opts)
}

// WithLogger attaches a structured logger. A nil logger disables logging
// (logiface loggers are nil-safe).
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLogRateLimiter attaches a categorical rate limiter applied to
// repetitive data-plane logs (stale events, accept failures). A nil limiter
// allows everything.
func WithLogRateLimiter(limiter *catrate.Limiter) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.rate = limiter
		return nil
	}}
}

// WithSegmentSize sets the receive-buffer pool segment size, rounded up to
// a power of two.
func WithSegmentSize(size int) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.segmentSize = size
		return nil
	}}
}

// WithMemoryPool shares an existing pool instead of creating one per
// context. The context will not dispose a shared pool.
func WithMemoryPool(pool *MemoryPool) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.pool = pool
		return nil
	}}
}

// WithAcceptFd hands the context one end of a UNIX socket pair over which an
// external accept thread passes connection descriptors via SCM_RIGHTS,
// instead of the context binding its own listener.
func WithAcceptFd(fd int) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.acceptFd = fd
		return nil
	}}
}

// resolveOptions applies Option instances over the defaults.
func resolveOptions(opts []Option) (*contextOptions, error) {
	cfg := &contextOptions{acceptFd: -1}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
