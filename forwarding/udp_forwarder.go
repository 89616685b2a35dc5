package forwarding

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/heroku/portfwd/internal/lifecycle"
)

// udpReply is one datagram queued for delivery back to a client.
type udpReply struct {
	client *net.UDPAddr
	data   []byte
}

// UdpPair is the NAT-like mapping from one client source address to its
// dedicated upstream socket, plus the outbound queue drained by
// trySendRequests.
type UdpPair struct {
	client       *net.UDPAddr
	remote       *fdHandle
	pending      [][]byte
	lastActivity time.Time
}

func (p *UdpPair) touch() { p.lastActivity = time.Now() }

func (p *UdpPair) idleSince(now time.Time) time.Duration { return now.Sub(p.lastActivity) }

// UdpForwarderEntry is one bound local UDP socket routed to a remote
// endpoint, plus the live client→UdpPair mappings for it.
type UdpForwarderEntry struct {
	LocalPort uint16
	Remote    *net.UDPAddr

	local    *fdHandle
	pairs    map[string]*UdpPair
	replies  []udpReply
}

// UdpForwarder maintains per-client-source ephemeral upstream sockets for
// every routed local UDP port, relays datagrams in both directions, and
// periodically sweeps idle pairs.
type UdpForwarder struct {
	resolver   AddressResolver
	dispatcher Dispatcher

	mu       sync.Mutex
	entries  map[uint16]*UdpForwarderEntry
	byFd     map[int]*udpFdOwner

	running int32
	group   lifecycle.Group

	// idleTimeout defaults to ClientTimeout; overridable only by tests in
	// this package to exercise the sweep without a 30s sleep.
	idleTimeout time.Duration
}

type udpFdOwner struct {
	entry *UdpForwarderEntry
	pair  *UdpPair // nil for an entry's own local (listening) socket
}

// NewUdpForwarder constructs a forwarder that is not yet running. A nil
// resolver defaults to NetResolver.
func NewUdpForwarder(resolver AddressResolver) *UdpForwarder {
	if resolver == nil {
		resolver = NetResolver{}
	}
	return &UdpForwarder{
		resolver:    resolver,
		entries:     make(map[uint16]*UdpForwarderEntry),
		byFd:        make(map[int]*udpFdOwner),
		idleTimeout: ClientTimeout,
	}
}

// Start spawns the single worker goroutine. Idempotent.
func (f *UdpForwarder) Start() error {
	if !atomic.CompareAndSwapInt32(&f.running, 0, 1) {
		return nil
	}

	d, err := NewDispatcher()
	if err != nil {
		atomic.StoreInt32(&f.running, 0)
		return errors.Wrap(err, "udp forwarder: new dispatcher")
	}
	f.dispatcher = d
	f.group.Reset()
	f.group.Start(f.run)
	return nil
}

// Stop clears all entries (closing every socket) and joins the worker.
// Idempotent; Start may be called again afterward.
func (f *UdpForwarder) Stop() error {
	if !atomic.CompareAndSwapInt32(&f.running, 1, 0) {
		return nil
	}

	f.dispatcher.Wake()
	f.group.Stop()

	f.mu.Lock()
	for port, e := range f.entries {
		e.local.Close()
		for _, p := range e.pairs {
			p.remote.Close()
		}
		delete(f.entries, port)
	}
	f.byFd = make(map[int]*udpFdOwner)
	f.mu.Unlock()

	return f.dispatcher.Close()
}

// Close stops the forwarder and releases its resources. It satisfies
// io.Closer for embedding convenience.
func (f *UdpForwarder) Close() error {
	return f.Stop()
}

// AddEntry resolves remoteHost:remotePort and binds a listening datagram
// socket on 127.0.0.1:localPort. A duplicate localPort is a silent no-op.
func (f *UdpForwarder) AddEntry(localPort uint16, remoteHost string, remotePort uint16) error {
	f.mu.Lock()
	_, exists := f.entries[localPort]
	f.mu.Unlock()
	if exists {
		return nil
	}

	remote, err := f.resolver.ResolveUDP(remoteHost, remotePort)
	if err != nil {
		return newError(kindNameResolutionFailed, err)
	}

	fd, err := listenUDP(localPort)
	if err != nil {
		return wrapf(kindBindFailed, err, "listen udp 127.0.0.1:%d", localPort)
	}

	entry := &UdpForwarderEntry{
		LocalPort: localPort,
		Remote:    remote,
		local:     newFdHandle(fd),
		pairs:     make(map[string]*UdpPair),
	}

	f.mu.Lock()
	if _, exists := f.entries[localPort]; exists {
		f.mu.Unlock()
		entry.local.Close()
		return nil
	}
	f.entries[localPort] = entry
	f.byFd[fd] = &udpFdOwner{entry: entry}
	f.mu.Unlock()

	if f.dispatcher != nil {
		if err := f.dispatcher.Register(fd, Readable); err != nil {
			f.mu.Lock()
			delete(f.entries, localPort)
			delete(f.byFd, fd)
			f.mu.Unlock()
			entry.local.Close()
			return errors.Wrap(err, "register listener")
		}
	}
	return nil
}

// RemoveEntry stops routing localPort, closing its listening socket and
// every live pair's upstream socket. No-op if localPort has no entry.
func (f *UdpForwarder) RemoveEntry(localPort uint16) error {
	f.mu.Lock()
	entry, exists := f.entries[localPort]
	if !exists {
		f.mu.Unlock()
		return nil
	}
	delete(f.entries, localPort)
	delete(f.byFd, entry.local.fd)
	for _, p := range entry.pairs {
		delete(f.byFd, p.remote.fd)
	}
	f.mu.Unlock()

	if f.dispatcher != nil {
		f.dispatcher.Remove(entry.local.fd)
		for _, p := range entry.pairs {
			f.dispatcher.Remove(p.remote.fd)
		}
	}

	entry.local.Close()
	for _, p := range entry.pairs {
		p.remote.Close()
	}
	return nil
}

func (f *UdpForwarder) run(stop <-chan struct{}) {
	lastSweep := time.Now()

	for {
		select {
		case <-stop:
			return
		default:
		}

		events, err := f.dispatcher.Wait(f.idleTimeout)
		if err != nil {
			continue
		}

		for _, ev := range events {
			f.mu.Lock()
			owner, ok := f.byFd[ev.Fd]
			f.mu.Unlock()
			if !ok {
				continue
			}
			if owner.pair == nil {
				f.onLocalSignaled(owner.entry, ev.Fd)
			} else {
				f.onRemoteSignaled(owner.entry, owner.pair)
			}
		}

		if time.Since(lastSweep) >= f.idleTimeout {
			f.sweep()
			lastSweep = time.Now()
		}
	}
}

// onLocalSignaled drains incoming datagrams on entry's bound socket,
// routing each to its client's UdpPair (creating one on first contact),
// then flushes any queued replies back out.
func (f *UdpForwarder) onLocalSignaled(entry *UdpForwarderEntry, fd int) {
	buf := make([]byte, 65507)
	for {
		n, from, err := recvFromUDP(fd, buf)
		if err != nil {
			if !isWouldBlock(err) {
				f.dispatcher.Register(fd, Readable)
			}
			break
		}
		if from == nil {
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		f.routeRequest(entry, from, payload)
	}

	f.flushReplies(entry)
}

func (f *UdpForwarder) routeRequest(entry *UdpForwarderEntry, from *net.UDPAddr, payload []byte) {
	key := from.String()

	f.mu.Lock()
	pair, ok := entry.pairs[key]
	f.mu.Unlock()

	if !ok {
		remoteFd, err := dialUDP(entry.Remote)
		if err != nil {
			return
		}
		pair = &UdpPair{client: from, remote: newFdHandle(remoteFd), lastActivity: time.Now()}

		f.mu.Lock()
		entry.pairs[key] = pair
		f.byFd[remoteFd] = &udpFdOwner{entry: entry, pair: pair}
		f.mu.Unlock()

		if f.dispatcher != nil {
			f.dispatcher.Register(remoteFd, Readable|Writable)
		}
	}

	pair.touch()
	pair.pending = append(pair.pending, payload)
	f.trySendRequests(pair)
}

// onRemoteSignaled drains an upstream socket's replies into entry's
// pending-replies queue and retries any still-queued outbound requests.
func (f *UdpForwarder) onRemoteSignaled(entry *UdpForwarderEntry, pair *UdpPair) {
	buf := make([]byte, 65507)
	for {
		n, _, err := recvFromUDP(pair.remote.fd, buf)
		if err != nil {
			if !isWouldBlock(err) {
				f.removePair(entry, pair)
			}
			break
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		f.mu.Lock()
		entry.replies = append(entry.replies, udpReply{client: pair.client, data: payload})
		f.mu.Unlock()
		pair.touch()
	}

	f.trySendRequests(pair)
	f.flushReplies(entry)
}

// trySendRequests drains pair's outbound queue toward the upstream
// socket, dropping the head datagram on any error other than would-block
// (best-effort UDP semantics).
func (f *UdpForwarder) trySendRequests(pair *UdpPair) {
	for len(pair.pending) > 0 {
		head := pair.pending[0]
		err := sendConnected(pair.remote.fd, head)
		if err != nil && isWouldBlock(err) {
			if f.dispatcher != nil {
				f.dispatcher.Register(pair.remote.fd, Readable|Writable)
			}
			break
		}
		pair.pending = pair.pending[1:]
	}
}

// flushReplies drains entry's pending-replies queue back out to each
// client's source address, dropping a datagram on any error other than
// would-block.
func (f *UdpForwarder) flushReplies(entry *UdpForwarderEntry) {
	f.mu.Lock()
	replies := entry.replies
	entry.replies = nil
	f.mu.Unlock()

	for i, r := range replies {
		err := sendToUDP(entry.local.fd, r.client, r.data)
		if err != nil && isWouldBlock(err) {
			f.mu.Lock()
			entry.replies = append(replies[i:], entry.replies...)
			f.mu.Unlock()
			return
		}
	}
}

// sweep removes every pair across every entry whose last activity exceeds
// ClientTimeout, closing its upstream socket.
func (f *UdpForwarder) sweep() {
	now := time.Now()

	f.mu.Lock()
	var stale []struct {
		entry *UdpForwarderEntry
		pair  *UdpPair
	}
	for _, entry := range f.entries {
		for _, pair := range entry.pairs {
			if pair.idleSince(now) > f.idleTimeout {
				stale = append(stale, struct {
					entry *UdpForwarderEntry
					pair  *UdpPair
				}{entry, pair})
			}
		}
	}
	f.mu.Unlock()

	for _, s := range stale {
		f.removePair(s.entry, s.pair)
	}
}

func (f *UdpForwarder) removePair(entry *UdpForwarderEntry, pair *UdpPair) {
	f.mu.Lock()
	delete(entry.pairs, pair.client.String())
	delete(f.byFd, pair.remote.fd)
	f.mu.Unlock()

	if f.dispatcher != nil {
		f.dispatcher.Remove(pair.remote.fd)
	}
	pair.remote.Close()
}
