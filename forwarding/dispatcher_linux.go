package forwarding

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// epollDispatcher is a Dispatcher backed by epoll in edge-triggered mode.
// A dedicated eventfd is folded into the same epoll set purely to give
// Wake a way to unblock a concurrent epoll_wait; its readiness is
// consumed internally and never surfaces in Wait's result.
type epollDispatcher struct {
	epfd   int
	wakefd int

	mu   sync.Mutex
	fds  map[int]struct{}
	evb  []unix.EpollEvent
}

func newDispatcher() (Dispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}

	d := &epollDispatcher{
		epfd:   epfd,
		wakefd: wakefd,
		fds:    make(map[int]struct{}),
		evb:    make([]unix.EpollEvent, 128),
	}

	// Level-triggered on purpose: the eventfd counter is drained to zero on
	// every read, so a level-triggered registration re-fires exactly when
	// there is an unconsumed wake, with no edge bookkeeping needed.
	wakeEv := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &wakeEv); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, errors.Wrap(err, "epoll_ctl add wake fd")
	}

	return d, nil
}

func epollMask(mask EventMask) uint32 {
	var ev uint32 = unix.EPOLLET
	if mask.has(Readable) || mask.has(AcceptReady) {
		ev |= unix.EPOLLIN
	}
	if mask.has(Writable) {
		ev |= unix.EPOLLOUT
	}
	if mask.has(Closed) {
		ev |= unix.EPOLLRDHUP
	}
	return ev
}

func (d *epollDispatcher) Register(fd int, mask EventMask) error {
	ev := unix.EpollEvent{Events: epollMask(mask), Fd: int32(fd)}

	d.mu.Lock()
	_, exists := d.fds[fd]
	d.mu.Unlock()

	op := unix.EPOLL_CTL_MOD
	if !exists {
		op = unix.EPOLL_CTL_ADD
	}

	if err := unix.EpollCtl(d.epfd, op, fd, &ev); err != nil {
		return errors.Wrapf(err, "epoll_ctl fd %d", fd)
	}

	d.mu.Lock()
	d.fds[fd] = struct{}{}
	d.mu.Unlock()
	return nil
}

func (d *epollDispatcher) Remove(fd int) error {
	d.mu.Lock()
	_, exists := d.fds[fd]
	delete(d.fds, fd)
	d.mu.Unlock()

	if !exists {
		return nil
	}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return errors.Wrapf(err, "epoll_ctl del fd %d", fd)
	}
	return nil
}

func (d *epollDispatcher) Wait(timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(d.epfd, d.evb, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "epoll_wait")
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		raw := d.evb[i]
		fd := int(raw.Fd)
		if fd == d.wakefd {
			var buf [8]byte
			unix.Read(d.wakefd, buf[:])
			continue
		}

		var mask EventMask
		if raw.Events&unix.EPOLLIN != 0 {
			mask |= Readable
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			mask |= Writable
		}
		if raw.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			mask |= Closed
		}
		events = append(events, Event{Fd: fd, Mask: mask})
	}
	return events, nil
}

func (d *epollDispatcher) Wake() error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(d.wakefd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "wake")
	}
	return nil
}

func (d *epollDispatcher) Close() error {
	unix.Close(d.wakefd)
	return unix.Close(d.epfd)
}
