// Package fabric abstracts the datagram fabric under an RPC endpoint: post
// sends, replenish receives, poll completions, register memory. Semantics
// are unreliable-datagram everywhere — a transport may drop or reorder, and
// the session layer above owns reliability.
package fabric

import (
	"errors"

	"github.com/A-Jer/erpc-go/internal/interfaces"
)

// RawAddr is a transport-specific address blob, at most 64 bytes so it fits
// the management wire format. Opaque to everything above the fabric.
type RawAddr []byte

// Packet is one outbound wire packet in two parts: the header slice and the
// payload slice. Continuation packets of a large message have their header
// and payload in different parts of one registered buffer, so a two-element
// gather avoids an assembly copy on the send side.
type Packet struct {
	Head []byte
	Body []byte
	Addr RawAddr
}

// CompletionKind separates send and receive completions.
type CompletionKind uint8

const (
	CompletionSend CompletionKind = iota + 1
	CompletionRecv
)

// Completion is one polled event. For receives, Data spans header plus
// payload and is only valid until the next Poll call; consumers copy what
// they keep.
type Completion struct {
	Kind CompletionKind
	Data []byte
	Addr RawAddr
}

// ErrTransportClosed is returned by Poll after Close.
var ErrTransportClosed = errors.New("fabric: transport closed")

// Transport is the verbs-flavored NIC abstraction.
//
// PostSend is best-effort: it returns how many packets were accepted and
// fails silently at queue-full — callers recover through the retransmission
// path. TxFlush rings the doorbell for any sends whose signaling was
// deferred. PostRecv hands n receive credits back to the ring. Poll is
// non-blocking and fills events with both send and receive completions; a
// non-nil error is fatal and terminal for the transport.
type Transport interface {
	LocalAddr() RawAddr
	RegisterRegion(mem []byte) (uint64, error)
	DeregisterRegion(handle uint64) error
	PostSend(pkts []Packet) int
	TxFlush()
	PostRecv(n int)
	Poll(events []Completion) (int, error)
	MTU() int
	Close() error
}

// Config holds fabric tuning shared by implementations.
type Config struct {
	// MTU is the largest datagram, header included.
	MTU int

	// RxRingSize is the receive ring depth; inbound packets beyond the
	// posted credit count are dropped.
	RxRingSize int

	// TxBatch is the most packets accepted per PostSend call.
	TxBatch int

	Logger interfaces.Logger
}
