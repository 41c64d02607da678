package engine

import (
	"net"
	"syscall"
	"testing"

	"github.com/ehrlich-b/udprelayd/internal/endpoint"
	"github.com/ehrlich-b/udprelayd/internal/wire"
)

// fakeSocket is an in-memory interfaces.Socket for driving the engine
// without real kernel sockets or a real poll(2) loop.
type fakeSocket struct {
	fd int

	sendCalls [][]byte
	sendErr   error

	recvQueue []fakeDatagram
}

type fakeDatagram struct {
	data []byte
	from net.Addr
}

func (f *fakeSocket) SendTo(p []byte, addr net.Addr) (int, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	f.sendCalls = append(f.sendCalls, buf)
	return len(p), nil
}

func (f *fakeSocket) Recv(p []byte) (int, net.Addr, error) {
	if len(f.recvQueue) == 0 {
		return 0, nil, syscall.EAGAIN
	}
	d := f.recvQueue[0]
	f.recvQueue = f.recvQueue[1:]
	n := copy(p, d.data)
	return n, d.from, nil
}

func (f *fakeSocket) Fd() int     { return f.fd }
func (f *fakeSocket) Close() error { return nil }

var peerAddr net.Addr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}

func newTestEngine(t *testing.T, relayCount int) (*Engine, *fakeSocket, []*fakeSocket) {
	t.Helper()
	outSock := &fakeSocket{fd: 100}
	outward := endpoint.NewFromSocket(endpoint.KindOutward, outSock, peerAddr, false)

	var relaySocks []*fakeSocket
	var relays []*endpoint.Endpoint
	for i := 0; i < relayCount; i++ {
		s := &fakeSocket{fd: 200 + i}
		relaySocks = append(relaySocks, s)
		relays = append(relays, endpoint.NewFromSocket(endpoint.KindRelay, s, peerAddr, false))
	}

	e, err := New(Options{
		Outward:      outward,
		Relays:       relays,
		SeenCapacity: 1024,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { e.Shutdown() })
	return e, outSock, relaySocks
}

func TestFanOutReplicatesToAllLiveRelays(t *testing.T) {
	e, outSock, relaySocks := newTestEngine(t, 2)
	outSock.recvQueue = append(outSock.recvQueue, fakeDatagram{data: []byte("hello")})

	// Drive one read + fan-out pass directly (bypassing the poll loop).
	if err := e.outward.Handle(true, false); err != nil {
		t.Fatalf("outward Handle() error: %v", err)
	}
	e.dispatchFanOut()

	for _, relay := range e.relays {
		if err := relay.endpoint.Handle(false, true); err != nil {
			t.Fatalf("relay Handle() error: %v", err)
		}
	}

	for i, s := range relaySocks {
		if len(s.sendCalls) != 1 {
			t.Fatalf("relay %d: got %d sends, want 1", i, len(s.sendCalls))
		}
		want := []byte{0x00, 0x00, 0x68, 0x65, 0x6c, 0x6c, 0x6f} // seq=0, "hello"
		if string(s.sendCalls[0]) != string(want) {
			t.Errorf("relay %d datagram = % x, want % x", i, s.sendCalls[0], want)
		}
	}
}

func TestSeqIncrementsExactlyOncePerOutwardDatagram(t *testing.T) {
	e, outSock, _ := newTestEngine(t, 1)
	for i := 0; i < 5; i++ {
		outSock.recvQueue = append(outSock.recvQueue, fakeDatagram{data: []byte{byte(i)}})
		e.outward.Handle(true, false)
		e.dispatchFanOut()
	}
	if e.seq != 5 {
		t.Errorf("seq = %d, want 5", e.seq)
	}
}

func TestFanInDedupSameRelay(t *testing.T) {
	e, _, relaySocks := newTestEngine(t, 1)

	datagram := wire.Wrap(1, []byte("hello"))
	relaySocks[0].recvQueue = append(relaySocks[0].recvQueue,
		fakeDatagram{data: datagram}, fakeDatagram{data: datagram})

	// First copy
	e.relays[0].endpoint.Handle(true, false)
	e.dispatchFanIn()
	// Second (duplicate) copy
	e.relays[0].endpoint.Handle(true, false)
	e.dispatchFanIn()

	if e.outward.QueueDepth() != 1 {
		t.Errorf("outward queue depth = %d, want 1 (duplicate should be dropped)", e.outward.QueueDepth())
	}
}

func TestFanInCrossRelayDedup(t *testing.T) {
	e, _, relaySocks := newTestEngine(t, 2)

	datagram := wire.Wrap(1, []byte("pong"))
	relaySocks[0].recvQueue = append(relaySocks[0].recvQueue, fakeDatagram{data: datagram})
	relaySocks[1].recvQueue = append(relaySocks[1].recvQueue, fakeDatagram{data: datagram})

	for _, link := range e.relays {
		link.endpoint.Handle(true, false)
	}
	e.dispatchFanIn()

	if e.outward.QueueDepth() != 1 {
		t.Errorf("outward queue depth = %d, want 1 (cross-relay duplicate should be dropped)", e.outward.QueueDepth())
	}
}

func TestFanInDropsMalformedShorterThanHeader(t *testing.T) {
	e, _, relaySocks := newTestEngine(t, 1)
	relaySocks[0].recvQueue = append(relaySocks[0].recvQueue, fakeDatagram{data: []byte{0x01}})

	e.relays[0].endpoint.Handle(true, false)
	e.dispatchFanIn()

	if e.outward.QueueDepth() != 0 {
		t.Errorf("outward queue depth = %d, want 0 (malformed datagram dropped)", e.outward.QueueDepth())
	}
}

func TestRelayFatalRemovedButEngineContinues(t *testing.T) {
	e, outSock, relaySocks := newTestEngine(t, 2)
	relaySocks[1].sendErr = syscall.ECONNREFUSED

	outSock.recvQueue = append(outSock.recvQueue, fakeDatagram{data: []byte("x")})
	e.outward.Handle(true, false)
	e.dispatchFanOut()

	// Both relays attempt to send; relay B's socket errors fatally.
	ready := make(map[int]readiness)
	for _, link := range e.relays {
		ready[link.endpoint.Fd()] = readiness{writable: true}
	}
	e.handleRelays(ready)

	if e.RelayCount() != 1 {
		t.Fatalf("RelayCount() = %d, want 1 after relay B's fatal error", e.RelayCount())
	}
	if len(relaySocks[0].sendCalls) != 1 {
		t.Errorf("relay A sendCalls = %d, want 1", len(relaySocks[0].sendCalls))
	}

	// Engine keeps running: a subsequent fan-out only reaches relay A.
	outSock.recvQueue = append(outSock.recvQueue, fakeDatagram{data: []byte("y")})
	e.outward.Handle(true, false)
	e.dispatchFanOut()
	e.relays[0].endpoint.Handle(false, true)

	if len(relaySocks[0].sendCalls) != 2 {
		t.Errorf("relay A sendCalls = %d, want 2 after second fan-out", len(relaySocks[0].sendCalls))
	}
}

func TestFanOutNoOpsWhenAllRelaysRemoved(t *testing.T) {
	e, outSock, _ := newTestEngine(t, 1)
	e.relays = nil // simulates every relay having been removed already

	outSock.recvQueue = append(outSock.recvQueue, fakeDatagram{data: []byte("z")})
	e.outward.Handle(true, false)
	// Must not panic with zero relays, and seq still advances.
	e.dispatchFanOut()
	if e.seq != 1 {
		t.Errorf("seq = %d, want 1 even with zero live relays", e.seq)
	}
}

func TestSequenceWrapAfter65536(t *testing.T) {
	e, outSock, _ := newTestEngine(t, 1)
	for i := 0; i < 65536; i++ {
		outSock.recvQueue = append(outSock.recvQueue, fakeDatagram{data: []byte{0}})
		e.outward.Handle(true, false)
		e.dispatchFanOut()
	}
	if e.seq != 0 {
		t.Fatalf("seq after 65536 sends = %d, want 0 (wrapped)", e.seq)
	}

	outSock.recvQueue = append(outSock.recvQueue, fakeDatagram{data: []byte{0}})
	e.outward.Handle(true, false)
	e.dispatchFanOut()
	if e.seq != 1 {
		t.Fatalf("seq after 65537th send = %d, want 1", e.seq)
	}
}
