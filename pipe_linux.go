//go:build linux

package transportloop

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Command is a one-byte message written to the loop's wakeup pipe.
type Command byte

const (
	// CommandStopThread terminates the loop after the current iteration.
	CommandStopThread Command = 0
	// CommandActionsPending wakes a parked loop; the byte itself is the
	// signal, no further action is taken when draining it.
	CommandActionsPending Command = 1
	// CommandStopSockets aborts every socket currently in the FD map.
	CommandStopSockets Command = 2
	// CommandCloseAccept closes the listening socket(s) and completes the
	// accept handoff queue.
	CommandCloseAccept Command = 3
)

// String returns a human-readable representation of the command.
func (c Command) String() string {
	switch c {
	case CommandStopThread:
		return "StopThread"
	case CommandActionsPending:
		return "ActionsPending"
	case CommandStopSockets:
		return "StopSockets"
	case CommandCloseAccept:
		return "CloseAccept"
	default:
		return "Unknown"
	}
}

// wakeupPipe is the non-blocking pipe pair used to interrupt epoll_wait and
// carry loop commands from foreign threads.
//
// Writes from foreign threads race with the loop closing the pipe during
// disposal; every such error (EPIPE, EBADF, EAGAIN on a full pipe) is
// swallowed. A full pipe is harmless: the loop is awake and will drain.
type wakeupPipe struct {
	readFd  int
	writeFd int
	closed  atomic.Bool
}

func newWakeupPipe() (*wakeupPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &wakeupPipe{readFd: fds[0], writeFd: fds[1]}, nil
}

// WriteCommand writes a single command byte. Errors are deliberately
// discarded: the only failure modes are the loop having shut down (EPIPE,
// EBADF) or the pipe being full (EAGAIN), none of which the producer can or
// should act on.
func (p *wakeupPipe) WriteCommand(c Command) {
	if p.closed.Load() {
		return
	}
	buf := [1]byte{byte(c)}
	_, _ = unix.Write(p.writeFd, buf[:])
}

// ReadCommand drains one command byte. The second return is false when the
// pipe is empty.
func (p *wakeupPipe) ReadCommand() (Command, bool) {
	var buf [1]byte
	n, err := unix.Read(p.readFd, buf[:])
	if err != nil || n != 1 {
		return 0, false
	}
	return Command(buf[0]), true
}

// Close marks the pipe closed and releases both descriptors. Only the loop
// thread calls this, during disposal.
func (p *wakeupPipe) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	_ = unix.Close(p.writeFd)
	_ = unix.Close(p.readFd)
}
