package forwarding

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/heroku/portfwd/internal/lifecycle"
)

// TcpEntry is one listening local port routed to a resolved remote
// endpoint.
type TcpEntry struct {
	LocalPort uint16
	Remote    *net.TCPAddr

	listener *fdHandle
}

// TcpForwarder accepts inbound TCP connections on a configurable set of
// local ports and relays each to its configured remote over a fixed pool
// of TcpDataBridge workers.
type TcpForwarder struct {
	resolver   AddressResolver
	dispatcher Dispatcher

	mu      sync.RWMutex
	entries map[uint16]*TcpEntry

	bridges  [BridgeCount]*TcpDataBridge
	nextPair uint64
	nextSlot uint32

	running int32
	group   lifecycle.Group
}

// NewTcpForwarder constructs a forwarder that is not yet running.
// resolver resolves remote_host:remote_port pairs named by AddEntry; a nil
// resolver defaults to NetResolver.
func NewTcpForwarder(resolver AddressResolver) *TcpForwarder {
	if resolver == nil {
		resolver = NetResolver{}
	}
	return &TcpForwarder{
		resolver: resolver,
		entries:  make(map[uint16]*TcpEntry),
	}
}

// Start spawns the accept loop and the bridge pool. Idempotent.
func (f *TcpForwarder) Start() error {
	if !atomic.CompareAndSwapInt32(&f.running, 0, 1) {
		return nil
	}

	d, err := NewDispatcher()
	if err != nil {
		atomic.StoreInt32(&f.running, 0)
		return errors.Wrap(err, "tcp forwarder: new dispatcher")
	}
	f.dispatcher = d
	f.group.Reset()

	for i := range f.bridges {
		b, err := newTcpDataBridge(i)
		if err != nil {
			return errors.Wrapf(err, "tcp forwarder: bridge %d", i)
		}
		f.bridges[i] = b
		b.start()
	}

	f.group.Start(f.acceptLoop)
	return nil
}

// Stop clears the routing table, joins the accept loop, and stops every
// bridge. Idempotent; Start may be called again afterward.
func (f *TcpForwarder) Stop() error {
	if !atomic.CompareAndSwapInt32(&f.running, 1, 0) {
		return nil
	}

	f.dispatcher.Wake()
	f.group.Stop()

	f.mu.Lock()
	for port, e := range f.entries {
		e.listener.Close()
		delete(f.entries, port)
	}
	f.mu.Unlock()

	var firstErr error
	for i, b := range f.bridges {
		if b == nil {
			continue
		}
		if err := b.stop(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "bridge %d", i)
		}
		f.bridges[i] = nil
	}

	if err := f.dispatcher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close stops the forwarder and releases its resources. It satisfies
// io.Closer for embedding convenience.
func (f *TcpForwarder) Close() error {
	return f.Stop()
}

// AddEntry resolves remoteHost:remotePort, binds a listening socket on
// 127.0.0.1:localPort, and begins routing accepted connections to the
// resolved remote. A duplicate localPort is a silent no-op.
func (f *TcpForwarder) AddEntry(localPort uint16, remoteHost string, remotePort uint16) error {
	f.mu.RLock()
	_, exists := f.entries[localPort]
	f.mu.RUnlock()
	if exists {
		return nil
	}

	remote, err := f.resolver.ResolveTCP(remoteHost, remotePort)
	if err != nil {
		return newError(kindNameResolutionFailed, err)
	}

	fd, err := listenTCP(localPort)
	if err != nil {
		if _, ok := err.(errListenFailed); ok {
			return wrapf(kindListenFailed, err, "listen 127.0.0.1:%d", localPort)
		}
		return wrapf(kindBindFailed, err, "listen 127.0.0.1:%d", localPort)
	}

	entry := &TcpEntry{
		LocalPort: localPort,
		Remote:    remote,
		listener:  newFdHandle(fd),
	}

	f.mu.Lock()
	if _, exists := f.entries[localPort]; exists {
		f.mu.Unlock()
		entry.listener.Close()
		return nil
	}
	f.entries[localPort] = entry
	f.mu.Unlock()

	if f.dispatcher != nil {
		if err := f.dispatcher.Register(fd, AcceptReady); err != nil {
			f.mu.Lock()
			delete(f.entries, localPort)
			f.mu.Unlock()
			entry.listener.Close()
			return errors.Wrap(err, "register listener")
		}
	}
	return nil
}

// Ports returns a snapshot of the local ports currently routed by f.
func (f *TcpForwarder) Ports() []uint16 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ports := make([]uint16, 0, len(f.entries))
	for port := range f.entries {
		ports = append(ports, port)
	}
	return ports
}

// RemoveEntry stops routing localPort and closes its listening socket.
// Pairs already handed off to a bridge continue until their peers close.
// No-op if localPort has no entry.
func (f *TcpForwarder) RemoveEntry(localPort uint16) error {
	f.mu.Lock()
	entry, exists := f.entries[localPort]
	if exists {
		delete(f.entries, localPort)
	}
	f.mu.Unlock()

	if !exists {
		return nil
	}
	if f.dispatcher != nil {
		f.dispatcher.Remove(entry.listener.fd)
	}
	return entry.listener.Close()
}

func (f *TcpForwarder) acceptLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		events, err := f.dispatcher.Wait(-1)
		if err != nil {
			continue
		}
		for _, ev := range events {
			if !ev.Mask.has(AcceptReady) && !ev.Mask.has(Readable) {
				continue
			}
			f.handleAcceptReady(ev.Fd)
		}
	}
}

func (f *TcpForwarder) handleAcceptReady(listenFd int) {
	f.mu.RLock()
	var entry *TcpEntry
	for _, e := range f.entries {
		if e.listener.fd == listenFd {
			entry = e
			break
		}
	}
	f.mu.RUnlock()
	if entry == nil {
		return
	}

	for {
		fd, _, err := acceptConn(listenFd)
		if err != nil {
			if !isWouldBlock(err) {
				f.dispatcher.Register(listenFd, AcceptReady)
			}
			return
		}
		f.handleAccepted(entry, fd)
	}
}

func (f *TcpForwarder) handleAccepted(entry *TcpEntry, localFd int) {
	remoteFd, _, err := dialTCPNonblocking(entry.Remote)
	if err != nil {
		unix.Close(localFd)
		return
	}

	slot := atomic.AddUint32(&f.nextSlot, 1) % BridgeCount
	bridge := f.bridges[slot]
	if bridge == nil {
		unix.Close(localFd)
		unix.Close(remoteFd)
		return
	}

	id := atomic.AddUint64(&f.nextPair, 1)
	pair := newConnectedPair(id, bridge, newFdHandle(localFd), newFdHandle(remoteFd))

	if err := bridge.admit(pair); err != nil {
		pair.local.Close()
		pair.remote.Close()
	}
}
