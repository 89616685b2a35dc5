package forwarding

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestEpollDispatcher_RegisterAndWait(t *testing.T) {
	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer d.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := d.Register(fds[0], Readable); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err := d.Wait(2 * time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(events) != 1 || events[0].Fd != fds[0] || !events[0].Mask.has(Readable) {
		t.Fatalf("expected one readable event on fds[0], got %+v", events)
	}
}

func TestEpollDispatcher_WakeUnblocksWait(t *testing.T) {
	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer d.Close()

	done := make(chan struct{})
	go func() {
		d.Wait(-1)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := d.Wake(); err != nil {
		t.Fatalf("wake: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wake did not unblock a concurrent Wait")
	}
}

func TestEpollDispatcher_RemoveUnknownFdIsNoop(t *testing.T) {
	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer d.Close()

	if err := d.Remove(999999); err != nil {
		t.Fatalf("remove on unregistered fd should be a no-op, got %v", err)
	}
}
