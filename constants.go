package erpc

import (
	"github.com/A-Jer/erpc-go/internal/constants"
	"github.com/A-Jer/erpc-go/internal/wire"
)

// Re-exported constants applications size their workloads against.
const (
	// DefaultMTU is the default transport MTU in bytes.
	DefaultMTU = constants.DefaultMTU

	// DefaultSessionSlots is the default per-session credit window.
	DefaultSessionSlots = constants.DefaultSessionSlots

	// PktHdrSize is the per-packet header overhead. The largest payload a
	// single packet carries is MTU - PktHdrSize.
	PktHdrSize = wire.PktHdrSize
)
