// Package relay is the public API for building and running a udprelayd
// instance: a UDP packet multiplier / deduplicating relay daemon. It
// wires together internal/configfile, internal/endpoint, internal/
// netsock, and internal/engine behind a small construction/lifecycle
// surface, the way ublk.CreateAndServe wires a Device together from its
// backend and queue runners.
package relay

import (
	"context"
	"fmt"
	"net"

	"github.com/ehrlich-b/udprelayd/internal/configfile"
	"github.com/ehrlich-b/udprelayd/internal/endpoint"
	"github.com/ehrlich-b/udprelayd/internal/engine"
	"github.com/ehrlich-b/udprelayd/internal/interfaces"
	"github.com/ehrlich-b/udprelayd/internal/netsock"
)

// Options configures a Relay beyond what the config file describes.
type Options struct {
	Logger       interfaces.Logger
	Observer     Observer
	DebugHeaders bool

	// Context is not read by New or by any Relay method; setting it
	// has no effect on construction, Serve or Shutdown.
	Context context.Context
}

// Relay is one running instance of the multiplex engine, built from a
// parsed configuration.
type Relay struct {
	engine *engine.Engine
}

// New builds a Relay from cfg: it resolves and opens the outward
// endpoint and every relay endpoint, then constructs the multiplex
// engine. On any failure, every endpoint created so far is closed
// before returning the error, mirroring CreateAndServe's
// cleanup-on-partial-failure ordering.
func New(cfg *configfile.Config, opts *Options) (*Relay, error) {
	if cfg == nil {
		return nil, fmt.Errorf("relay: config is required")
	}
	if opts == nil {
		opts = &Options{}
	}

	outward, err := buildEndpoint(endpoint.KindOutward, endpoint.Config{
		LocalSpec:  cfg.Listen,
		RemoteSpec: cfg.Forward,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: outward endpoint: %w", err)
	}

	relays := make([]*endpoint.Endpoint, 0, len(cfg.Relays))
	for i, spec := range cfg.Relays {
		ep, err := buildEndpoint(endpoint.KindRelay, endpoint.Config{
			LocalSpec:  spec.Local,
			RemoteSpec: spec.Remote,
		})
		if err != nil {
			outward.Close()
			for _, r := range relays {
				r.Close()
			}
			return nil, fmt.Errorf("relay: relay endpoint %d: %w", i, err)
		}
		relays = append(relays, ep)
	}

	var observer interfaces.Observer
	if opts.Observer != nil {
		observer = opts.Observer
	} else {
		observer = NewMetricsObserver(NewMetrics())
	}

	eng, err := engine.New(engine.Options{
		Outward:      outward,
		Relays:       relays,
		SeenCapacity: cfg.Track,
		Logger:       opts.Logger,
		Observer:     observer,
		DebugHeaders: opts.DebugHeaders,
	})
	if err != nil {
		outward.Close()
		for _, r := range relays {
			r.Close()
		}
		return nil, fmt.Errorf("relay: construct engine: %w", err)
	}

	return &Relay{engine: eng}, nil
}

func buildEndpoint(kind endpoint.Kind, cfg endpoint.Config) (*endpoint.Endpoint, error) {
	return endpoint.New(kind, cfg, netsock.Resolve, func(bind, connect *net.UDPAddr) (interfaces.Socket, error) {
		return netsock.Open(bind, connect)
	})
}

// Serve runs the event loop until shouldStop reports true (checked
// after every wake, including signal-driven wakes via Wake) or a fatal
// error occurs on the outward endpoint or the poller. It returns nil on
// a clean, requested shutdown.
func (r *Relay) Serve(shouldStop func() bool) error {
	return r.engine.Run(shouldStop)
}

// WakeFd exposes the event loop's self-pipe write end, so a
// signal-handling goroutine can wake a blocked Serve call.
func (r *Relay) WakeFd() int {
	return r.engine.WakeFd()
}

// Wake writes to the event loop's self-pipe. Safe to call from a
// signal-handling goroutine; it never touches engine state directly.
func (r *Relay) Wake() error {
	return r.engine.Wake()
}

// RelayCount returns the number of currently live relay endpoints.
func (r *Relay) RelayCount() int {
	return r.engine.RelayCount()
}

// Shutdown releases every endpoint's socket and the poller, in reverse
// order of creation.
func (r *Relay) Shutdown() {
	r.engine.Shutdown()
}
