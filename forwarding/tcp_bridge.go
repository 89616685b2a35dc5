package forwarding

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/heroku/portfwd/internal/lifecycle"
)

// halfStream is one direction of a ConnectedPair's relay: bytes read from
// the source fd, buffered here, and drained to the destination fd.
type halfStream struct {
	buf         []byte
	readClosed  bool // source sent EOF
	writeClosed bool // we have shutdown(write) on destination
}

func (h *halfStream) hasRoom() bool { return len(h.buf) < BufferSoftCap }
func (h *halfStream) pending() bool { return len(h.buf) > 0 }

// ConnectedPair bridges one accepted client connection to its dialed
// upstream connection. Two halfStreams carry traffic in opposite
// directions; each fd is registered with the bridge's Dispatcher under an
// interest mask recomputed after every event.
type ConnectedPair struct {
	id     uint64
	bridge *TcpDataBridge

	local  *fdHandle
	remote *fdHandle

	mu          sync.Mutex
	toRemote    halfStream // local -> remote
	toLocal     halfStream // remote -> local
	localClosed bool
	remoteClosed bool
}

func newConnectedPair(id uint64, bridge *TcpDataBridge, local, remote *fdHandle) *ConnectedPair {
	return &ConnectedPair{id: id, bridge: bridge, local: local, remote: remote}
}

func (p *ConnectedPair) closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localClosed && p.remoteClosed
}

// localMask is the interest set the local fd should be registered for
// given current buffer state: Readable only while there is room to
// accept more client bytes, Writable only while data is queued for it.
func (p *ConnectedPair) localMask() EventMask {
	var m EventMask
	if !p.toRemote.readClosed && p.toRemote.hasRoom() {
		m |= Readable
	}
	if p.toLocal.pending() {
		m |= Writable
	}
	return m
}

func (p *ConnectedPair) remoteMask() EventMask {
	var m EventMask
	if !p.toLocal.readClosed && p.toLocal.hasRoom() {
		m |= Readable
	}
	if p.toRemote.pending() {
		m |= Writable
	}
	return m
}

// rearm re-registers both fds with their recomputed masks. Called after
// every event handled, since buffer occupancy may have changed in a way
// that should arm or disarm Readable/Writable for either side.
func (p *ConnectedPair) rearm() {
	p.mu.Lock()
	lm := p.localMask()
	rm := p.remoteMask()
	lc := p.localClosed
	rc := p.remoteClosed
	p.mu.Unlock()

	if !lc {
		p.bridge.dispatcher.Register(p.local.fd, lm)
	}
	if !rc {
		p.bridge.dispatcher.Register(p.remote.fd, rm)
	}
}

// onLocalEvent handles a readiness notification for the client-facing fd.
func (p *ConnectedPair) onLocalEvent(mask EventMask) {
	p.mu.Lock()
	if p.localClosed {
		p.mu.Unlock()
		return
	}

	if mask.has(Readable) {
		p.readInto(&p.toRemote, p.local.fd)
	}
	if mask.has(Writable) {
		p.drainTo(&p.toLocal, p.local.fd)
	}
	if mask.has(Closed) {
		p.toRemote.readClosed = true
	}
	p.afterEvent()
	p.mu.Unlock()

	p.maybeFinish()
	p.rearm()
}

// onRemoteEvent handles a readiness notification for the upstream fd.
func (p *ConnectedPair) onRemoteEvent(mask EventMask) {
	p.mu.Lock()
	if p.remoteClosed {
		p.mu.Unlock()
		return
	}

	if mask.has(Readable) {
		p.readInto(&p.toLocal, p.remote.fd)
	}
	if mask.has(Writable) {
		p.drainTo(&p.toRemote, p.remote.fd)
	}
	if mask.has(Closed) {
		p.toLocal.readClosed = true
	}
	p.afterEvent()
	p.mu.Unlock()

	p.maybeFinish()
	p.rearm()
}

// readInto drains fd's kernel buffer into h, up to BufferSoftCap. Called
// with p.mu held.
func (p *ConnectedPair) readInto(h *halfStream, fd int) {
	if h.readClosed {
		return
	}
	buf, _, closed, err := readAvailable(fd, h.buf, BufferSoftCap)
	h.buf = buf
	if err != nil || closed {
		h.readClosed = true
	}
}

// drainTo writes as much of h's buffer to fd as it will accept. Called
// with p.mu held.
func (p *ConnectedPair) drainTo(h *halfStream, fd int) {
	rest, _, err := writeBuffered(fd, h.buf)
	h.buf = rest
	if err != nil {
		h.writeClosed = true
		h.readClosed = true
	}
}

// afterEvent propagates half-close: once a direction's source has hit EOF
// and its buffered bytes have fully drained to the destination, shutdown
// the destination's write side so it observes EOF in turn. Called with
// p.mu held.
func (p *ConnectedPair) afterEvent() {
	if p.toRemote.readClosed && !p.toRemote.pending() && !p.toRemote.writeClosed {
		if err := shutdownWrite(p.remote.fd); err == nil {
			p.toRemote.writeClosed = true
		}
	}
	if p.toLocal.readClosed && !p.toLocal.pending() && !p.toLocal.writeClosed {
		if err := shutdownWrite(p.local.fd); err == nil {
			p.toLocal.writeClosed = true
		}
	}

	// local is done once the client has no more to send (toRemote drained
	// from it) and we have nothing more to deliver to it (toLocal drained
	// into it); remote is done symmetrically.
	p.localClosed = p.toRemote.readClosed && p.toLocal.writeClosed && !p.toLocal.pending()
	p.remoteClosed = p.toLocal.readClosed && p.toRemote.writeClosed && !p.toRemote.pending()
}

// maybeFinish removes the pair from its bridge once both directions have
// fully closed in both directions.
func (p *ConnectedPair) maybeFinish() {
	p.mu.Lock()
	done := p.localClosed && p.remoteClosed
	p.mu.Unlock()

	if done {
		p.bridge.retire(p)
	}
}

// TcpDataBridge owns one Dispatcher and a share of a TcpForwarder's
// ConnectedPairs, assigned round robin across BridgeCount bridges so no
// single dispatcher goroutine becomes the bottleneck for all traffic.
type TcpDataBridge struct {
	id         int
	dispatcher Dispatcher

	mu    sync.Mutex
	byFd  map[int]*bridgeSide
	pairs map[uint64]*ConnectedPair

	group lifecycle.Group
}

type bridgeSide struct {
	pair    *ConnectedPair
	isLocal bool
}

func newTcpDataBridge(id int) (*TcpDataBridge, error) {
	d, err := NewDispatcher()
	if err != nil {
		return nil, errors.Wrapf(err, "bridge %d: new dispatcher", id)
	}
	return &TcpDataBridge{
		id:         id,
		dispatcher: d,
		byFd:       make(map[int]*bridgeSide),
		pairs:      make(map[uint64]*ConnectedPair),
	}, nil
}

func (b *TcpDataBridge) start() {
	b.group.Start(b.run)
}

func (b *TcpDataBridge) stop() error {
	b.dispatcher.Wake()
	b.group.Stop()

	b.mu.Lock()
	pairs := b.pairs
	b.pairs = make(map[uint64]*ConnectedPair)
	b.byFd = make(map[int]*bridgeSide)
	b.mu.Unlock()

	for _, p := range pairs {
		p.local.Close()
		p.remote.Close()
	}

	return b.dispatcher.Close()
}

// admit registers a freshly connected pair's sockets and begins tracking
// it in this bridge's pair and fd tables.
func (b *TcpDataBridge) admit(p *ConnectedPair) error {
	b.mu.Lock()
	b.pairs[p.id] = p
	b.byFd[p.local.fd] = &bridgeSide{pair: p, isLocal: true}
	b.byFd[p.remote.fd] = &bridgeSide{pair: p, isLocal: false}
	b.mu.Unlock()

	if err := b.dispatcher.Register(p.local.fd, p.localMask()|Closed); err != nil {
		return errors.Wrap(err, "register local")
	}
	if err := b.dispatcher.Register(p.remote.fd, p.remoteMask()|Closed); err != nil {
		return errors.Wrap(err, "register remote")
	}
	return nil
}

func (b *TcpDataBridge) retire(p *ConnectedPair) {
	b.mu.Lock()
	delete(b.pairs, p.id)
	delete(b.byFd, p.local.fd)
	delete(b.byFd, p.remote.fd)
	b.mu.Unlock()

	b.dispatcher.Remove(p.local.fd)
	b.dispatcher.Remove(p.remote.fd)
	p.local.Close()
	p.remote.Close()
}

func (b *TcpDataBridge) run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		events, err := b.dispatcher.Wait(-1)
		if err != nil {
			continue
		}
		for _, ev := range events {
			b.mu.Lock()
			side, ok := b.byFd[ev.Fd]
			b.mu.Unlock()
			if !ok {
				continue
			}
			if side.isLocal {
				side.pair.onLocalEvent(ev.Mask)
			} else {
				side.pair.onRemoteEvent(ev.Mask)
			}
		}
	}
}

func (b *TcpDataBridge) pairCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pairs)
}
