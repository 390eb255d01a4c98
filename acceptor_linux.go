//go:build linux

package transportloop

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrAddressInUse maps bind-time EADDRINUSE.
	ErrAddressInUse = errors.New("transportloop: address in use")

	// ErrAddressNotAvailable maps bind-time EADDRNOTAVAIL.
	ErrAddressNotAvailable = errors.New("transportloop: address not available")
)

// newAcceptSocket binds and listens the loop's own accept socket.
//
// SO_REUSEPORT is unconditional: peer loops bind the same port and the
// kernel load-balances connections between them. The remaining options are
// taken from the configuration; SO_INCOMING_CPU, TCP_DEFER_ACCEPT and
// SO_ZEROCOPY are best-effort (older kernels reject them).
func newAcceptSocket(ctx *ThreadContext, cfg Config) (*TSocket, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("transportloop: resolve %q: %w", cfg.Address, err)
	}

	family := unix.AF_INET
	if addr.IP != nil && addr.IP.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("transportloop: socket: %w", err)
	}

	cleanup := func(err error) (*TSocket, error) {
		_ = unix.Close(fd)
		return nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return cleanup(fmt.Errorf("transportloop: SO_REUSEADDR: %w", err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return cleanup(fmt.Errorf("transportloop: SO_REUSEPORT: %w", err))
	}
	if family == unix.AF_INET6 {
		// Accept IPv4-mapped peers on the same socket.
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			return cleanup(fmt.Errorf("transportloop: IPV6_V6ONLY: %w", err))
		}
	}
	if cfg.ReceiveOnIncomingCpu && cfg.CpuID >= 0 {
		_ = sysSetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_INCOMING_CPU, cfg.CpuID)
	}
	if cfg.DeferAccept {
		_ = sysSetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 1)
	}
	if cfg.ZeroCopy {
		_ = sysSetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1)
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		var sa4 unix.SockaddrInet4
		if ip := addr.IP.To4(); ip != nil {
			copy(sa4.Addr[:], ip)
		}
		sa4.Port = addr.Port
		sa = &sa4
	} else {
		var sa6 unix.SockaddrInet6
		if ip := addr.IP.To16(); ip != nil {
			copy(sa6.Addr[:], ip)
		}
		sa6.Port = addr.Port
		sa = &sa6
	}

	if err := unix.Bind(fd, sa); err != nil {
		switch err {
		case unix.EADDRINUSE:
			return cleanup(fmt.Errorf("%w: %s", ErrAddressInUse, cfg.Address))
		case unix.EADDRNOTAVAIL:
			return cleanup(fmt.Errorf("%w: %s", ErrAddressNotAvailable, cfg.Address))
		default:
			return cleanup(fmt.Errorf("transportloop: bind %s: %w", cfg.Address, err))
		}
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		return cleanup(fmt.Errorf("transportloop: listen: %w", err))
	}

	s := newSocket(ctx, fd, SocketAccept)
	s.deferSend = cfg.DeferSend
	s.deferAccept = cfg.DeferAccept
	if cfg.ZeroCopy && cfg.ZeroCopyThreshold != NoZeroCopy {
		s.zeroCopyThreshold = cfg.ZeroCopyThreshold
	}

	// Record the kernel-chosen port for ":0" binds.
	if local, err := unix.Getsockname(fd); err == nil {
		if ta := sockaddrToTCPAddr(local); ta != nil {
			s.localAddr, s.isIP = ta, true
		}
	}
	return s, nil
}

// newPassFdSocket wraps the receiving end of an external accept thread's
// UNIX socket. Connection descriptors arrive one per message via SCM_RIGHTS.
func newPassFdSocket(ctx *ThreadContext, fd int, cfg Config) *TSocket {
	_ = unix.SetNonblock(fd, true)
	s := newSocket(ctx, fd, SocketPassFd)
	s.deferSend = cfg.DeferSend
	s.deferAccept = cfg.DeferAccept
	if cfg.ZeroCopy && cfg.ZeroCopyThreshold != NoZeroCopy {
		s.zeroCopyThreshold = cfg.ZeroCopyThreshold
	}
	return s
}

// tryAccept performs a single accept4 on a listening socket. It returns the
// new descriptor, or -EAGAIN when the backlog is empty.
func tryAccept(fd int) PosixResult {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return toResult(nfd, err)
}

// tryReceiveSocket receives one passed descriptor from a pass-FD channel.
// Returns (fd, true, nil) on success; (-1, false, nil) when the channel is
// empty (EAGAIN); (-1, false, errPassFdChannelClosed) when the peer closed
// its end; otherwise the error.
func tryReceiveSocket(fd int) (int, bool, error) {
	var data [1]byte
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(fd, data[:], oob, 0)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return -1, false, nil
	}
	if err != nil {
		return -1, false, err
	}
	if n == 0 && oobn == 0 {
		return -1, false, errPassFdChannelClosed
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, false, err
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil || len(fds) == 0 {
			continue
		}
		// One descriptor per message by protocol; close any extras rather
		// than leak them.
		for _, extra := range fds[1:] {
			_ = unix.Close(extra)
		}
		return fds[0], true, nil
	}
	return -1, false, nil
}

// errPassFdChannelClosed reports end-of-stream on a pass-FD channel.
var errPassFdChannelClosed = errors.New("transportloop: pass-fd channel closed")
