package constants

import "time"

// Default configuration constants
const (
	// DefaultSessionSlots is the per-session credit window: the number of
	// requests that may be outstanding on one session at a time.
	DefaultSessionSlots = 8

	// DefaultMTU is the default transport MTU in bytes. Matches the common
	// RoCE fabric configuration; every packet, header included, fits in one
	// MTU-sized datagram.
	DefaultMTU = 4096

	// DefaultRxRingSize is the default receive queue depth per endpoint.
	DefaultRxRingSize = 512

	// DefaultTxBatch is the maximum number of packets posted before the
	// doorbell is rung. Batching amortizes the per-send syscall cost.
	DefaultTxBatch = 16

	// DefaultSMUDPPort is the well-known management port the nexus binds.
	DefaultSMUDPPort = 31850

	// DefaultNumaNode disables NUMA binding. Endpoints attached to a real
	// NIC should set the NIC's node; mis-binding halves bandwidth.
	DefaultNumaNode = -1

	// MaxEndpointID bounds the per-process endpoint ID space. Endpoint IDs
	// travel in one byte of the management wire format.
	MaxEndpointID = 255

	// MaxSessions bounds the session number space of one endpoint. Session
	// numbers travel in two bytes of the packet header.
	MaxSessions = 1 << 16

	// NumReqTypes is the size of the request handler table.
	NumReqTypes = 256
)

// Timing constants for the session-management slow path and the data-plane
// retransmission machinery.
//
// Session setup runs over the nexus UDP channel and is allowed to take
// milliseconds. Retransmission deadlines are data-plane state scanned on
// every event-loop pass; the fabric is assumed mostly lossless, so the
// timer only exists to recover from rare drops and from receivers that are
// slow to allocate large-message reassembly buffers.
const (
	// DefaultSetupTimeout is the budget for out-of-band session setup.
	// Expired ConnectInProgress sessions deliver SetupTimeout and release
	// their session number.
	DefaultSetupTimeout = 2 * time.Second

	// DefaultRetxInterval is the per-request retransmission deadline. On a
	// lossless fabric it never fires; after injected or real loss it must
	// be long enough to cover a full large-message round trip.
	DefaultRetxInterval = 5 * time.Millisecond

	// SMRetryInterval is how often un-acked management packets are re-sent
	// while a session is in ConnectInProgress or DisconnectInProgress.
	SMRetryInterval = 100 * time.Millisecond
)

// Event-loop bounds. Every step of a loop pass is bounded so one pass has a
// predictable worst-case cost.
const (
	// MaxPollBatch is the most completions consumed from the fabric in one
	// event-loop pass.
	MaxPollBatch = 32

	// MaxInboxDrain is the most management packets drained from the
	// background inbox in one event-loop pass.
	MaxInboxDrain = 8

	// InboxCapacity is the depth of the per-endpoint background inbox fed
	// by the nexus delivery goroutine.
	InboxCapacity = 128
)
