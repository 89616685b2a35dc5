// Package diagnostics watches which of a running forwarder's local ports
// have active established connections, by polling /proc/net/tcp{,6}.
// Each poll is diffed against the previous snapshot, and only sockets on
// the ports this forwarder is routing are considered rather than every
// socket in the namespace, since that's the only state a host program
// embedding the forwarder plausibly wants to observe.
package diagnostics

import (
	"sync"
	"time"

	"github.com/heroku/portfwd/forwarding"
)

// SocketState mirrors the subset of Linux TCP states diagnostics reports.
type SocketState int

const (
	TCPEstablished SocketState = iota + 1
	TCPCloseWait   SocketState = 8
	TCPClosed      SocketState = -1
)

// PortEvent is emitted whenever a watched port's set of established
// remote peers changes.
type PortEvent struct {
	LocalPort  uint16
	RemoteAddr string
	State      SocketState
}

// Watcher polls kernel socket tables for a configurable set of local
// ports and reports PortEvents on change.
type Watcher struct {
	PollInterval time.Duration

	mu    sync.Mutex
	ports map[uint16]struct{}

	donec chan struct{}
	doneo sync.Once
	subs  []chan PortEvent
}

// NewWatcher constructs a Watcher; callers must still call Run.
func NewWatcher(pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Watcher{
		PollInterval: pollInterval,
		ports:        make(map[uint16]struct{}),
		donec:        make(chan struct{}),
	}
}

// Attach watches every local port f currently routes. It is a one-time
// snapshot, not a standing subscription: ports added to f after Attach
// returns must still be named to Watch explicitly.
func (w *Watcher) Attach(f *forwarding.TcpForwarder) {
	for _, port := range f.Ports() {
		w.Watch(port)
	}
}

// Watch adds localPort to the set of ports polled for state changes.
func (w *Watcher) Watch(localPort uint16) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ports[localPort] = struct{}{}
}

// Unwatch removes localPort from the watched set.
func (w *Watcher) Unwatch(localPort uint16) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.ports, localPort)
}

// Events registers a new subscriber channel for PortEvents.
func (w *Watcher) Events() <-chan PortEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan PortEvent, 16)
	w.subs = append(w.subs, ch)
	return ch
}

// Stop halts Run's polling loop. Subscriber channels from Events are left
// open but receive no further events.
func (w *Watcher) Stop() {
	w.doneo.Do(func() { close(w.donec) })
}

func (w *Watcher) watchedPorts() map[uint16]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[uint16]struct{}, len(w.ports))
	for p := range w.ports {
		out[p] = struct{}{}
	}
	return out
}

func (w *Watcher) publish(ev PortEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
