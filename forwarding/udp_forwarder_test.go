package forwarding

import (
	"net"
	"testing"
	"time"
)

// udpEchoUpstream runs a plain net-package UDP echo server on an
// ephemeral port.
func udpEchoUpstream(t *testing.T) (uint16, func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("udpEchoUpstream listen: %v", err)
	}

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(buf[:n], addr)
		}
	}()

	port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)
	return port, func() { pc.Close() }
}

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeUDPPort: %v", err)
	}
	defer pc.Close()
	return uint16(pc.LocalAddr().(*net.UDPAddr).Port)
}

func TestUdpForwarder_TwoClientRoundTrip(t *testing.T) {
	upstreamPort, stopUpstream := udpEchoUpstream(t)
	defer stopUpstream()

	fwd := NewUdpForwarder(nil)
	if err := fwd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer fwd.Stop()

	localPort := freeUDPPort(t)
	if err := fwd.AddEntry(localPort, "127.0.0.1", upstreamPort); err != nil {
		t.Fatalf("add entry: %v", err)
	}

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(localPort)}

	clientA, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		t.Fatalf("client A dial: %v", err)
	}
	defer clientA.Close()

	clientB, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		t.Fatalf("client B dial: %v", err)
	}
	defer clientB.Close()

	pA := []byte("hello-from-a")
	pB := []byte("hello-from-b")

	if _, err := clientA.Write(pA); err != nil {
		t.Fatalf("client A write: %v", err)
	}
	if _, err := clientB.Write(pB); err != nil {
		t.Fatalf("client B write: %v", err)
	}

	bufA := make([]byte, len(pA))
	clientA.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := clientA.Read(bufA); err != nil {
		t.Fatalf("client A read: %v", err)
	}
	if string(bufA) != string(pA) {
		t.Fatalf("client A got %q want %q", bufA, pA)
	}

	bufB := make([]byte, len(pB))
	clientB.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := clientB.Read(bufB); err != nil {
		t.Fatalf("client B read: %v", err)
	}
	if string(bufB) != string(pB) {
		t.Fatalf("client B got %q want %q", bufB, pB)
	}

	fwd.mu.Lock()
	pairs := len(fwd.entries[localPort].pairs)
	fwd.mu.Unlock()
	if pairs != 2 {
		t.Fatalf("expected 2 distinct client pairs, got %d", pairs)
	}
}

func TestUdpForwarder_IdleSweepRemovesPair(t *testing.T) {
	upstreamPort, stopUpstream := udpEchoUpstream(t)
	defer stopUpstream()

	fwd := NewUdpForwarder(nil)
	fwd.idleTimeout = 150 * time.Millisecond

	if err := fwd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer fwd.Stop()

	localPort := freeUDPPort(t)
	if err := fwd.AddEntry(localPort, "127.0.0.1", upstreamPort); err != nil {
		t.Fatalf("add entry: %v", err)
	}

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(localPort)}
	client, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		fwd.mu.Lock()
		n := len(fwd.entries[localPort].pairs)
		fwd.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("idle pair was not swept within the deadline")
}

func TestUdpForwarder_AddEntryIdempotent(t *testing.T) {
	upstreamPort, stopUpstream := udpEchoUpstream(t)
	defer stopUpstream()

	fwd := NewUdpForwarder(nil)
	localPort := freeUDPPort(t)

	if err := fwd.AddEntry(localPort, "127.0.0.1", upstreamPort); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := fwd.AddEntry(localPort, "127.0.0.1", upstreamPort+1); err != nil {
		t.Fatalf("second add: %v", err)
	}

	fwd.mu.Lock()
	n := len(fwd.entries)
	fwd.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one entry, got %d", n)
	}
}
