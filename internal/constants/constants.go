// Package constants holds the tunables and fixed sizes shared across the
// relay daemon's internal packages.
package constants

// Wire format constants.
const (
	// HeaderSize is the production wire header: one big-endian uint16
	// sequence number, nothing more. Debug builds append pkt_num and
	// pkts_in_series (2 bytes each); see internal/wire.
	HeaderSize = 2
)

// Endpoint buffer constants.
const (
	// RecvBufferSize is the fixed capacity of an endpoint's single
	// reusable receive slot.
	RecvBufferSize = 65536

	// SendGrowthFactor governs send_primary's reallocation policy: when
	// a new payload doesn't fit the current buffer, the buffer grows to
	// SendGrowthFactor times the required length.
	SendGrowthFactor = 1.5
)

// Seen-set defaults.
const (
	// DefaultSeenCapacity is the seen-set capacity used when a config
	// file omits `track N`.
	DefaultSeenCapacity = 1024
)

// Daemon defaults.
const (
	// DefaultPollBacklog sizes the poller's initial pollfd slice; it
	// grows on demand and is never a hard cap on relay count.
	DefaultPollBacklog = 8
)
