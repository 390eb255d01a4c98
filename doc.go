// Package transportloop implements the per-thread event loop of a
// Linux-specific TCP transport: one epoll instance per loop, many loops per
// port via SO_REUSEPORT, with readiness-driven reads and writes, optional
// Linux AIO batching (io_submit/io_getevents), and MSG_ZEROCOPY send
// completion handling.
//
// # Architecture
//
// A [ThreadContext] owns one epoll FD, a wakeup pipe, the fd→socket map, a
// slab-backed buffer pool, and — when AIO is enabled — one kernel AIO
// context. [ThreadContext.Run] executes the loop on a single OS thread
// (optionally pinned to a CPU): park in epoll_wait, classify the event
// batch under one map-lock acquisition, then dispatch in fixed order —
// zero-copy completions, accepts, writes, reads, epoll re-arm, pipe
// commands, scheduled sends.
//
// Client sockets are armed with EPOLLONESHOT and re-armed under a
// per-socket gate; the listener and the wakeup pipe are level-triggered.
// [Transport] composes several loops on one port and fans their accepted
// connections into a single handoff queue.
//
// # Thread Safety
//
// The loop never suspends mid-iteration and performs all socket I/O on its
// own thread. Foreign threads interact through exactly four surfaces:
//   - [ThreadContext.ScheduleSend] hands off outbound work via a two-list
//     scheduling gate; at most one wakeup byte is written per parked
//     interval regardless of call volume
//   - the pipe commands ([ThreadContext.RequestCloseAccept],
//     [ThreadContext.RequestStopSockets], [ThreadContext.StopThread]),
//     all silent once the loop has shut down
//   - [ThreadContext.AcceptAsync], the single-reader accept handoff
//   - [ThreadContext.RemoveSocket], callable from a connection's own
//     completion path
//
// # Shutdown
//
// The orderly sequence is CloseAccept (listeners close, the accept queue
// completes) → in-flight connections drain → the last removal stops the
// loop, which then disposes its descriptors, AIO context, and pool.
// StopSockets aborts every connection immediately; StopThread exits after
// the current iteration.
//
// # Error Model
//
// The raw syscall surface returns [PosixResult] (value or negative errno)
// and never allocates. Socket-local failures stay on their socket; errors
// never cross the event boundary between connections. AIO short
// submissions, pathological EAGAIN spins, and zero-copy completions outside
// the kernel contract are process-fatal — the loop has no sound recovery.
package transportloop
