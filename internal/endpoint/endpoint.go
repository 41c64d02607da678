// Package endpoint implements the relay's per-socket I/O state machine:
// one reusable send-primary buffer, an unbounded send tail queue, and a
// single-slot receive buffer, all driven non-blockingly from the
// engine's event loop.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/ehrlich-b/udprelayd/internal/constants"
	"github.com/ehrlich-b/udprelayd/internal/interfaces"
)

// Kind distinguishes the outward endpoint from a relay endpoint, purely
// for logging/metrics labeling.
type Kind int

const (
	KindOutward Kind = iota
	KindRelay
)

func (k Kind) String() string {
	if k == KindOutward {
		return "outward"
	}
	return "relay"
}

// Config describes the construction contract for one endpoint: a
// (local, remote) spec pair, at least one of which must be present.
type Config struct {
	LocalSpec  string // "" means absent
	RemoteSpec string // "" means absent
}

// Endpoint owns one UDP socket plus its send/receive buffering state.
// It is touched only by the engine's event-loop goroutine and carries
// no internal locking.
type Endpoint struct {
	Kind Kind

	socket interfaces.Socket

	localSpec  string
	remoteSpec string

	remoteAddr     net.Addr
	dynamicOutAddr bool

	sendPrimary []byte
	sendQueue   [][]byte

	recvSlot []byte // nil/len==0 means empty
}

// Opener abstracts netsock.Open so endpoint construction can be tested
// without opening real kernel sockets.
type Opener func(bind, connect *net.UDPAddr) (interfaces.Socket, error)

// New constructs an endpoint per the construction contract: resolves
// whichever specs are present, opens (and optionally binds/connects)
// the socket via open, and marks the endpoint dynamic if remoteSpec is
// absent.
func New(kind Kind, cfg Config, resolve func(spec string) (*net.UDPAddr, error), open Opener) (*Endpoint, error) {
	if cfg.LocalSpec == "" && cfg.RemoteSpec == "" {
		return nil, fmt.Errorf("endpoint: at least one of local/remote spec is required")
	}

	var bindAddr, connectAddr *net.UDPAddr
	var err error

	if cfg.LocalSpec != "" {
		bindAddr, err = resolve(cfg.LocalSpec)
		if err != nil {
			return nil, fmt.Errorf("endpoint: resolve local spec: %w", err)
		}
	}

	dynamic := cfg.RemoteSpec == ""
	if !dynamic {
		connectAddr, err = resolve(cfg.RemoteSpec)
		if err != nil {
			return nil, fmt.Errorf("endpoint: resolve remote spec: %w", err)
		}
	}

	sock, err := open(bindAddr, connectAddr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: open socket: %w", err)
	}

	e := &Endpoint{
		Kind:           kind,
		socket:         sock,
		localSpec:      cfg.LocalSpec,
		remoteSpec:     cfg.RemoteSpec,
		dynamicOutAddr: dynamic,
	}
	if connectAddr != nil {
		e.remoteAddr = connectAddr
	}
	return e, nil
}

// NewFromSocket builds an endpoint directly over an already-open
// socket, for tests that want to drive the state machine against a
// fake interfaces.Socket.
func NewFromSocket(kind Kind, sock interfaces.Socket, remoteAddr net.Addr, dynamic bool) *Endpoint {
	return &Endpoint{
		Kind:           kind,
		socket:         sock,
		remoteAddr:     remoteAddr,
		dynamicOutAddr: dynamic,
	}
}

// IsDynamic reports whether the endpoint's remote address is learned
// from incoming traffic rather than fixed at construction.
func (e *Endpoint) IsDynamic() bool {
	return e.dynamicOutAddr
}

// RemoteAddr returns the endpoint's current peer address, or nil if
// still unset (a dynamic endpoint that hasn't received anything yet).
func (e *Endpoint) RemoteAddr() net.Addr {
	return e.remoteAddr
}

// ArmSelector reports which readiness events this endpoint needs: it
// wants write-readiness if it has outstanding send work, and
// read-readiness if recv_slot is empty.
func (e *Endpoint) ArmSelector() (wantRead, wantWrite bool) {
	wantWrite = len(e.sendPrimary) > 0 || len(e.sendQueue) > 0
	wantRead = len(e.recvSlot) == 0
	return wantRead, wantWrite
}

// Enqueue copies bytes into send_primary (if idle) or appends a fresh
// tail-queue entry. A dynamic endpoint with no remote address yet
// silently drops the bytes (and reports success) rather than blocking
// on an address that may never arrive.
func (e *Endpoint) Enqueue(payload []byte) {
	if e.dynamicOutAddr && e.remoteAddr == nil {
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)

	if len(e.sendPrimary) == 0 && len(e.sendQueue) == 0 {
		e.sendPrimary = growTo(e.sendPrimary, buf)
		return
	}
	e.sendQueue = append(e.sendQueue, buf)
}

// growTo implements the reusable-primary 1.5x growth policy: dst is
// reused if it already has capacity for src, else reallocated to
// 1.5*len(src).
func growTo(dst, src []byte) []byte {
	if cap(dst) >= len(src) {
		dst = dst[:len(src)]
		copy(dst, src)
		return dst
	}
	newCap := int(float64(len(src)) * constants.SendGrowthFactor)
	if newCap < len(src) {
		newCap = len(src)
	}
	buf := make([]byte, len(src), newCap)
	copy(buf, src)
	return buf
}

// Receive returns the current recv_slot contents and marks it empty.
// It returns ok=false if the slot was already empty. The returned
// slice aliases the internal slot and is valid only until the next
// call that could reuse it.
func (e *Endpoint) Receive() (payload []byte, ok bool) {
	if len(e.recvSlot) == 0 {
		return nil, false
	}
	out := e.recvSlot
	e.recvSlot = e.recvSlot[:0]
	return out, true
}

// Fatal is returned by Handle when the endpoint has suffered an
// unrecoverable socket error and must be removed by the caller.
type Fatal struct {
	Op  string
	Err error
}

func (f *Fatal) Error() string {
	return fmt.Sprintf("endpoint: fatal error during %s: %v", f.Op, f.Err)
}

func (f *Fatal) Unwrap() error { return f.Err }

// Handle performs at most one read (if readable and the slot is
// empty) and at most one write (if writable and there is send work).
// It returns a *Fatal error if the endpoint must be removed.
func (e *Endpoint) Handle(readable, writable bool) error {
	if readable && len(e.recvSlot) == 0 {
		if err := e.handleRead(); err != nil {
			return err
		}
	}
	if writable && (len(e.sendPrimary) > 0 || len(e.sendQueue) > 0) {
		if err := e.handleWrite(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Endpoint) handleRead() error {
	if cap(e.recvSlot) < constants.RecvBufferSize {
		e.recvSlot = make([]byte, constants.RecvBufferSize)
	} else {
		e.recvSlot = e.recvSlot[:constants.RecvBufferSize]
	}

	n, from, err := e.socket.Recv(e.recvSlot)
	if err != nil {
		if isTransient(err) {
			e.recvSlot = e.recvSlot[:0]
			return nil
		}
		e.recvSlot = e.recvSlot[:0]
		return &Fatal{Op: "recv", Err: err}
	}

	e.recvSlot = e.recvSlot[:n]
	if n > 0 && e.dynamicOutAddr && from != nil {
		e.remoteAddr = from
	}
	return nil
}

func (e *Endpoint) handleWrite() error {
	if len(e.sendPrimary) > 0 {
		return e.sendFrom(e.sendPrimary, func() { e.promoteFromQueue() })
	}
	if len(e.sendQueue) > 0 {
		head := e.sendQueue[0]
		return e.sendFrom(head, func() {
			e.sendQueue = e.sendQueue[1:]
		})
	}
	return nil
}

// promoteFromQueue clears send_primary; per the "no eager copy-back"
// contract, the queue head is sent directly out of the queue slot on
// the next writable tick rather than being copied into primary.
func (e *Endpoint) promoteFromQueue() {
	e.sendPrimary = e.sendPrimary[:0]
}

func (e *Endpoint) sendFrom(buf []byte, onSuccess func()) error {
	n, err := e.socket.SendTo(buf, e.remoteAddr)
	if err != nil {
		if isTransient(err) {
			return nil
		}
		if errors.Is(err, syscall.EMSGSIZE) {
			onSuccess()
			return nil
		}
		return &Fatal{Op: "sendto", Err: err}
	}
	if n == 0 {
		return &Fatal{Op: "sendto", Err: fmt.Errorf("zero-length sendto")}
	}
	onSuccess()
	return nil
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EINTR)
}

// Close releases the endpoint's socket.
func (e *Endpoint) Close() error {
	return e.socket.Close()
}

// Fd returns the underlying socket's file descriptor, for poller
// registration.
func (e *Endpoint) Fd() int {
	return e.socket.Fd()
}

// QueueDepth returns the number of payloads currently buffered for
// send (send_primary, if nonempty, plus the tail queue), for
// backpressure observability.
func (e *Endpoint) QueueDepth() int {
	depth := len(e.sendQueue)
	if len(e.sendPrimary) > 0 {
		depth++
	}
	return depth
}
