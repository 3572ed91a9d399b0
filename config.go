package erpc

import (
	"time"

	"github.com/A-Jer/erpc-go/fabric"
	"github.com/A-Jer/erpc-go/internal/constants"
	"github.com/A-Jer/erpc-go/internal/interfaces"
)

// Params contains tunable parameters shared by a nexus and its endpoints.
type Params struct {
	// SMHost is the address the nexus binds its management socket to and
	// advertises in session-setup packets.
	SMHost string

	// SMUDPPort is the management port (0 selects an ephemeral port, which
	// only makes sense for tests and single-host runs).
	SMUDPPort int

	// PhyPort names the local NIC port. The built-in UDP and loopback
	// fabrics do not read it; the UDP fabric binds an ephemeral port on
	// SMHost.
	PhyPort int

	// NumaNode binds the arena to the NIC's NUMA node; negative disables
	// binding.
	NumaNode int

	// SessionSlots is the per-session credit window.
	SessionSlots int

	// RxRingSize is the receive queue depth per endpoint.
	RxRingSize int

	// MTU is the transport MTU in bytes, header included.
	MTU int

	// TxBatch is the maximum packets posted before the doorbell.
	TxBatch int

	// SetupTimeout bounds out-of-band session setup and teardown.
	SetupTimeout time.Duration

	// RetxInterval is the per-request retransmission deadline.
	RetxInterval time.Duration

	// AllowSmallPages lets the arena fall back to normal pages when the OS
	// has no hugepages. Intended for tests and development machines.
	AllowSmallPages bool
}

// DefaultParams returns parameters suitable for a single-host RoCE-class
// deployment.
func DefaultParams() Params {
	return Params{
		SMHost:       "127.0.0.1",
		SMUDPPort:    constants.DefaultSMUDPPort,
		PhyPort:      0,
		NumaNode:     constants.DefaultNumaNode,
		SessionSlots: constants.DefaultSessionSlots,
		RxRingSize:   constants.DefaultRxRingSize,
		MTU:          constants.DefaultMTU,
		TxBatch:      constants.DefaultTxBatch,
		SetupTimeout: constants.DefaultSetupTimeout,
		RetxInterval: constants.DefaultRetxInterval,
	}
}

// Options contains optional dependencies for endpoint creation.
type Options struct {
	// Logger for debug/info messages (if nil, no logging)
	Logger Logger

	// Observer for metrics collection (if nil, a MetricsObserver feeding
	// the endpoint's own Metrics is used)
	Observer Observer

	// Transport overrides the data-plane fabric. If nil, a UDP fabric is
	// bound on the nexus host.
	Transport fabric.Transport
}

// Logger is re-exported so applications can inject their own without
// importing internal packages.
type Logger = interfaces.Logger
