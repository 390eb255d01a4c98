//go:build linux

package transportloop

import (
	"golang.org/x/sys/unix"
)

// PosixResult is the return convention of the raw syscall surface: a
// non-negative value on success, or the negated errno on failure. It exists
// so hot paths can branch on an int without allocating an error.
type PosixResult int

// IsSuccess reports whether the result carries a value rather than an errno.
func (r PosixResult) IsSuccess() bool { return r >= 0 }

// Value returns the success value. Only meaningful when IsSuccess.
func (r PosixResult) Value() int { return int(r) }

// Errno returns the errno carried by a failed result, or 0 on success.
func (r PosixResult) Errno() unix.Errno {
	if r >= 0 {
		return 0
	}
	return unix.Errno(-r)
}

// IsEAGAIN reports whether the result is EAGAIN/EWOULDBLOCK.
func (r PosixResult) IsEAGAIN() bool {
	e := r.Errno()
	return e == unix.EAGAIN || e == unix.EWOULDBLOCK
}

// Err returns the errno as an error, or nil on success.
func (r PosixResult) Err() error {
	if r >= 0 {
		return nil
	}
	return unix.Errno(-r)
}

// toResult converts an x/sys (value, error) pair into a PosixResult.
func toResult(value int, err error) PosixResult {
	if err != nil {
		if e, ok := err.(unix.Errno); ok {
			return PosixResult(-int(e))
		}
		return PosixResult(-int(unix.EINVAL))
	}
	return PosixResult(value)
}

// errnoResult converts an error-only syscall return into a PosixResult.
func errnoResult(err error) PosixResult {
	return toResult(0, err)
}

func epollCreate() PosixResult {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	return toResult(fd, err)
}

func epollCtl(epfd, op, fd int, ev *unix.EpollEvent) PosixResult {
	return errnoResult(unix.EpollCtl(epfd, op, fd, ev))
}

// epollWait parks until at least one event is available. EINTR is retried
// here so the loop never observes it.
func epollWait(epfd int, events []unix.EpollEvent) PosixResult {
	for {
		n, err := unix.EpollWait(epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		return toResult(n, err)
	}
}

func sysClose(fd int) PosixResult {
	return errnoResult(unix.Close(fd))
}

func sysReadv(fd int, iovs [][]byte) PosixResult {
	return toResult(unix.Readv(fd, iovs))
}

func sysSend(fd int, p []byte, flags int) PosixResult {
	return toResult(unix.SendmsgN(fd, p, nil, nil, flags))
}

func sysSetsockoptInt(fd, level, opt, value int) PosixResult {
	return errnoResult(unix.SetsockoptInt(fd, level, opt, value))
}
