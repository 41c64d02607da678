// Package engine implements the multiplex engine: the outward
// endpoint, the circular relay list, the seen-set, the sequence
// counter, and the event loop driving fan-out/fan-in dispatch.
//
// Everything here is touched only by the goroutine that calls Run; the
// only concession to Go's runtime is the signal-handling goroutine
// described in the root package, which communicates exclusively
// through an atomic.Bool and the poller's self-pipe.
package engine

import (
	"errors"
	"fmt"

	"github.com/rs/xid"

	"github.com/ehrlich-b/udprelayd/internal/endpoint"
	"github.com/ehrlich-b/udprelayd/internal/interfaces"
	"github.com/ehrlich-b/udprelayd/internal/poller"
	"github.com/ehrlich-b/udprelayd/internal/seenset"
	"github.com/ehrlich-b/udprelayd/internal/wire"
)

// relayLink is one entry in the circular relay list.
type relayLink struct {
	id       xid.ID
	endpoint *endpoint.Endpoint
}

// Engine holds the outward endpoint, the relay list, the seen-set, and
// the sequence counter, and drives the event loop over all of them.
type Engine struct {
	outward *endpoint.Endpoint
	relays  []*relayLink
	cursor  int

	seen *seenset.Set
	seq  uint16

	poller   *poller.Poller
	logger   interfaces.Logger
	observer interfaces.Observer

	debugHeaders bool
}

// Options configures engine construction.
type Options struct {
	Outward      *endpoint.Endpoint
	Relays       []*endpoint.Endpoint
	SeenCapacity int
	Logger       interfaces.Logger
	Observer     interfaces.Observer
	DebugHeaders bool
}

// New constructs an engine from already-opened endpoints. Relays are
// added only at construction; they may only be removed afterward, on
// persistent failure, never added at runtime.
func New(opts Options) (*Engine, error) {
	if opts.Outward == nil {
		return nil, fmt.Errorf("engine: outward endpoint is required")
	}
	if len(opts.Relays) == 0 {
		return nil, fmt.Errorf("engine: at least one relay is required")
	}

	p, err := poller.New()
	if err != nil {
		return nil, fmt.Errorf("engine: create poller: %w", err)
	}

	logger := opts.Logger
	observer := opts.Observer
	if observer == nil {
		observer = interfaces.Observer(noOpObserver{})
	}

	links := make([]*relayLink, 0, len(opts.Relays))
	for _, ep := range opts.Relays {
		links = append(links, &relayLink{id: xid.New(), endpoint: ep})
	}

	return &Engine{
		outward:      opts.Outward,
		relays:       links,
		seen:         seenset.New(opts.SeenCapacity),
		poller:       p,
		logger:       logger,
		observer:     observer,
		debugHeaders: opts.DebugHeaders,
	}, nil
}

type noOpObserver struct{}

func (noOpObserver) ObserveFanOut(int, int)     {}
func (noOpObserver) ObserveForwarded(int)       {}
func (noOpObserver) ObserveDuplicate()          {}
func (noOpObserver) ObserveMalformed()          {}
func (noOpObserver) ObserveRelayRemoved(string) {}
func (noOpObserver) ObserveQueueDepth(int, int) {}

// RelayCount returns the number of currently live relays.
func (e *Engine) RelayCount() int {
	return len(e.relays)
}

// Shutdown releases the poller and every endpoint's socket, in reverse
// order of creation (relays first, then outward), matching the
// lifecycle contract.
func (e *Engine) Shutdown() {
	for i := len(e.relays) - 1; i >= 0; i-- {
		e.relays[i].endpoint.Close()
	}
	e.outward.Close()
	e.poller.Close()
}

// WakeFd exposes the poller's self-pipe write end, for a signal
// handler to wake a blocked Run loop.
func (e *Engine) WakeFd() int {
	return e.poller.WakeFd()
}

// Wake writes to the poller's self-pipe, for use from a
// signal-handling goroutine.
func (e *Engine) Wake() error {
	return e.poller.Wake()
}

// Run drives the event loop until shouldStop reports true (checked
// after every wake) or a fatal error occurs on the outward endpoint or
// the poller itself.
func (e *Engine) Run(shouldStop func() bool) error {
	for {
		interests := e.buildInterests()
		ready, woken, err := e.poller.Wait(interests)
		if err != nil {
			return fmt.Errorf("engine: event loop: %w", err)
		}
		if woken && shouldStop() {
			return nil
		}

		readyOutward, readyRelays := e.splitReady(ready)

		if err := e.outward.Handle(readyOutward.readable, readyOutward.writable); err != nil {
			var fatal *endpoint.Fatal
			if errors.As(err, &fatal) {
				return fmt.Errorf("engine: outward endpoint fatal: %w", err)
			}
			return err
		}

		e.handleRelays(readyRelays)
		e.dispatchFanIn()
		e.dispatchFanOut()
	}
}

type readiness struct {
	readable, writable bool
}

func (e *Engine) buildInterests() []poller.Interest {
	interests := make([]poller.Interest, 0, 1+len(e.relays))

	rd, wr := e.outward.ArmSelector()
	interests = append(interests, poller.Interest{Fd: e.outward.Fd(), WantRead: rd, WantWrite: wr})

	for _, link := range e.relays {
		rd, wr := link.endpoint.ArmSelector()
		interests = append(interests, poller.Interest{Fd: link.endpoint.Fd(), WantRead: rd, WantWrite: wr})
	}
	return interests
}

func (e *Engine) splitReady(ready []poller.Ready) (outward readiness, relays map[int]readiness) {
	relays = make(map[int]readiness, len(e.relays))
	byFd := make(map[int]poller.Ready, len(ready))
	for _, r := range ready {
		byFd[r.Fd] = r
	}

	if r, ok := byFd[e.outward.Fd()]; ok {
		outward = readiness{readable: r.Readable, writable: r.Writable}
	}
	for _, link := range e.relays {
		if r, ok := byFd[link.endpoint.Fd()]; ok {
			relays[link.endpoint.Fd()] = readiness{readable: r.Readable, writable: r.Writable}
		}
	}
	return outward, relays
}

// handleRelays calls Handle on each relay, removing any that report
// fatal. Removals are collected during the pass: survivors go into a
// fresh slice that replaces the relay list once every relay has been
// handled, so the list being iterated is never modified mid-pass.
func (e *Engine) handleRelays(ready map[int]readiness) {
	survivors := e.relays[:0:0]
	for _, link := range e.relays {
		r := ready[link.endpoint.Fd()]
		err := link.endpoint.Handle(r.readable, r.writable)
		if err != nil {
			var fatal *endpoint.Fatal
			if errors.As(err, &fatal) {
				e.logRelayRemoval(link, err)
				e.observer.ObserveRelayRemoved(fatal.Op)
				link.endpoint.Close()
				continue
			}
		}
		survivors = append(survivors, link)
	}
	e.relays = survivors
	if e.cursor >= len(e.relays) {
		e.cursor = 0
	}
}

func (e *Engine) logRelayRemoval(link *relayLink, err error) {
	if e.logger == nil {
		return
	}
	e.logger.Warnf("relay %s removed: %v", link.id.String(), err)
}

// dispatchFanOut stamps every outward-inbound payload with the current
// sequence number and replicates it to every live relay, starting at
// the cursor and covering each relay exactly once.
func (e *Engine) dispatchFanOut() {
	payload, ok := e.outward.Receive()
	if !ok {
		return
	}

	n := len(e.relays)
	if n == 0 {
		e.seq++
		return
	}

	var plainHeader []byte
	if !e.debugHeaders {
		plainHeader = wire.Encode(e.seq)
	}

	e.observer.ObserveFanOut(n, len(payload))

	// Enqueue never fails: a relay can only become fatal on a later
	// writable tick's Handle call, not during this pass. That keeps
	// removal-during-iteration trivial: there is none here.
	for i := 0; i < n; i++ {
		idx := (e.cursor + i) % n
		link := e.relays[idx]

		header := plainHeader
		if e.debugHeaders {
			header = wire.EncodeDebug(e.seq, uint16(i), uint16(n))
		}
		datagram := append(append([]byte{}, header...), payload...)

		link.endpoint.Enqueue(datagram)
		e.observer.ObserveQueueDepth(idx, link.endpoint.QueueDepth())
	}

	e.seq++
	e.cursor = (e.cursor + 1) % n
}

// dispatchFanIn deduplicates, by sequence number, every payload a relay
// produced this tick, and forwards new ones (header-stripped) to the
// outward endpoint.
func (e *Engine) dispatchFanIn() {
	for _, link := range e.relays {
		payload, ok := link.endpoint.Receive()
		if !ok {
			continue
		}
		seq, stripped, ok := wire.Decode(payload)
		if !ok {
			e.observer.ObserveMalformed()
			continue
		}
		if !e.seen.Push(seq) {
			e.observer.ObserveDuplicate()
			continue
		}
		e.outward.Enqueue(stripped)
		e.observer.ObserveForwarded(len(stripped))
	}
}
