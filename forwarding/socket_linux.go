package forwarding

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func ip4(addr net.IP) (out [4]byte) {
	v4 := addr.To4()
	if v4 == nil {
		return out
	}
	copy(out[:], v4)
	return out
}

func tcpSockaddr(a *net.TCPAddr) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: a.Port}
	if a.IP != nil {
		sa.Addr = ip4(a.IP)
	}
	return sa
}

func udpSockaddr(a *net.UDPAddr) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: a.Port}
	if a.IP != nil {
		sa.Addr = ip4(a.IP)
	}
	return sa
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil
	}
	ip := make(net.IP, 4)
	copy(ip, in4.Addr[:])
	return &net.UDPAddr{IP: ip, Port: in4.Port}
}

// listenTCP creates a non-blocking, listening TCP socket bound to
// 127.0.0.1:port with SO_REUSEADDR and a SOMAXCONN backlog.
func listenTCP(port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "setsockopt reuseaddr")
	}

	addr := &unix.SockaddrInet4{Port: int(port), Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind 127.0.0.1:%d", port)
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, errListenFailed{errors.Wrap(err, "listen")}
	}

	return fd, nil
}

// acceptConn accepts a single pending connection on listenFD, returning
// unix.EAGAIN (EWOULDBLOCK) when nothing is pending.
func acceptConn(listenFD int) (int, *net.TCPAddr, error) {
	fd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}

	in4, _ := sa.(*unix.SockaddrInet4)
	var raddr *net.TCPAddr
	if in4 != nil {
		ip := make(net.IP, 4)
		copy(ip, in4.Addr[:])
		raddr = &net.TCPAddr{IP: ip, Port: in4.Port}
	}
	return fd, raddr, nil
}

// dialTCPNonblocking starts a non-blocking connect to remote. connected
// reports whether the connection completed immediately (loopback usually
// does); otherwise completion is observed later as Writable.
func dialTCPNonblocking(remote *net.TCPAddr) (fd int, connected bool, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, errors.Wrap(err, "socket")
	}

	err = unix.Connect(fd, tcpSockaddr(remote))
	if err == nil {
		return fd, true, nil
	}
	if err == unix.EINPROGRESS {
		return fd, false, nil
	}

	unix.Close(fd)
	return -1, false, errors.Wrapf(err, "connect %s", remote)
}

// listenUDP creates a non-blocking datagram socket bound to
// 127.0.0.1:port with SO_REUSEADDR.
func listenUDP(port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "setsockopt reuseaddr")
	}

	addr := &unix.SockaddrInet4{Port: int(port), Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind 127.0.0.1:%d", port)
	}

	return fd, nil
}

// dialUDP opens a non-blocking datagram socket connected to remote, so
// that subsequent Read/Write need not carry the peer address. This is the
// per-client upstream ephemeral socket of a UdpPair.
func dialUDP(remote *net.UDPAddr) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	if err := unix.Connect(fd, udpSockaddr(remote)); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "connect %s", remote)
	}
	return fd, nil
}

func recvFromUDP(fd int, buf []byte) (n int, from *net.UDPAddr, err error) {
	n, sa, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return 0, nil, err
	}
	return n, sockaddrToUDPAddr(sa), nil
}

func sendToUDP(fd int, to *net.UDPAddr, data []byte) error {
	return unix.Sendto(fd, data, 0, udpSockaddr(to))
}

// sendConnected writes to a connect()-bound UDP socket (the per-client
// upstream socket created by dialUDP).
func sendConnected(fd int, data []byte) error {
	_, err := unix.Write(fd, data)
	return err
}

func shutdownWrite(fd int) error {
	err := unix.Shutdown(fd, unix.SHUT_WR)
	if err != nil && err != unix.ENOTCONN {
		return err
	}
	return nil
}

// readAvailable drains fd into buf until buf reaches capHint bytes, the
// kernel has nothing more queued, or fd reports EOF. Edge-triggered
// readiness requires draining to EAGAIN before the caller can rely on a
// future Readable notification; stopping early because of backpressure
// (buf at capHint) intentionally leaves data queued in the kernel, and the
// caller must not re-register Readable until buf has room again.
func readAvailable(fd int, buf []byte, capHint int) (out []byte, blocked bool, closed bool, err error) {
	out = buf
	scratch := make([]byte, 4096)
	for len(out) < capHint {
		want := capHint - len(out)
		if want > len(scratch) {
			want = len(scratch)
		}
		n, rerr := unix.Read(fd, scratch[:want])
		if rerr != nil {
			if isWouldBlock(rerr) {
				return out, true, false, nil
			}
			return out, false, false, rerr
		}
		if n == 0 {
			return out, false, true, nil
		}
		out = append(out, scratch[:n]...)
	}
	return out, false, false, nil
}

// writeBuffered writes as much of buf to fd as the socket will currently
// accept, returning the unwritten remainder. blocked reports whether the
// write stopped because fd would block, meaning the caller should wait
// for the next Writable notification to continue.
func writeBuffered(fd int, buf []byte) (rest []byte, blocked bool, err error) {
	for len(buf) > 0 {
		n, werr := unix.Write(fd, buf)
		if werr != nil {
			if isWouldBlock(werr) {
				return buf, true, nil
			}
			return buf, false, werr
		}
		buf = buf[n:]
	}
	return buf, false, nil
}
