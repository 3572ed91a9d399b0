package erpc

import (
	"github.com/A-Jer/erpc-go/internal/alloc"
	"github.com/A-Jer/erpc-go/internal/wire"
)

// MsgBuffer is a zero-copy message handle over one contiguous registered
// region. The region holds the packet-0 header in front of the payload and
// the headers of packets 1..N-1 behind it, so every wire packet is a
// two-part gather (its header slice, its payload slice) out of the same
// buffer and header bytes never overlap payload bytes.
//
// Ownership: the user owns a buffer from allocation until the request it
// carries completes. While a request is in flight the slot borrows it — the
// user must not touch outbound payload bytes, nor read inbound response
// bytes, until the continuation fires.
type MsgBuffer struct {
	raw        alloc.Buf // arena backing; Data nil for external buffers
	buf        []byte    // full region: hdr0 | payload cap | hdr1..hdrN-1
	dataLen    int       // current payload length
	maxData    int       // payload capacity
	maxPkts    int       // packets at full capacity
	dataPerPkt int       // MTU minus header at allocation time
	fromArena  bool
}

// msgBufferRegionSize returns the region bytes needed for a payload of n
// bytes split into maxPkts packets.
func msgBufferRegionSize(n, maxPkts int) int {
	return wire.PktHdrSize + n + (maxPkts-1)*wire.PktHdrSize
}

// numPktsFor returns how many packets an n-byte payload spans. An empty
// message still takes one packet.
func numPktsFor(n, dataPerPkt int) int {
	if n <= 0 {
		return 1
	}
	return (n + dataPerPkt - 1) / dataPerPkt
}

func newMsgBuffer(raw alloc.Buf, region []byte, n, dataPerPkt int, fromArena bool) *MsgBuffer {
	return &MsgBuffer{
		raw:        raw,
		buf:        region,
		dataLen:    n,
		maxData:    n,
		maxPkts:    numPktsFor(n, dataPerPkt),
		dataPerPkt: dataPerPkt,
		fromArena:  fromArena,
	}
}

// NewExternalMsgBuffer returns a heap-backed buffer for an n-byte payload
// with packet sizing for the given MTU. External buffers are not part of
// any arena and are never NIC-registered; they exist for tests and for
// applications that manage their own memory.
func NewExternalMsgBuffer(n, mtu int) *MsgBuffer {
	dataPerPkt := mtu - wire.PktHdrSize
	maxPkts := numPktsFor(n, dataPerPkt)
	region := make([]byte, msgBufferRegionSize(n, maxPkts))
	return newMsgBuffer(alloc.Buf{}, region, n, dataPerPkt, false)
}

// Payload returns the user-visible payload bytes.
func (b *MsgBuffer) Payload() []byte {
	return b.buf[wire.PktHdrSize : wire.PktHdrSize+b.dataLen]
}

// Len returns the current payload length.
func (b *MsgBuffer) Len() int { return b.dataLen }

// Cap returns the payload capacity the buffer was allocated for.
func (b *MsgBuffer) Cap() int { return b.maxData }

// FromArena reports whether the buffer came from an endpoint arena.
func (b *MsgBuffer) FromArena() bool { return b.fromArena }

// NumPkts returns how many packets the current payload spans.
func (b *MsgBuffer) NumPkts() int {
	return numPktsFor(b.dataLen, b.dataPerPkt)
}

// Resize shrinks or re-expands the payload within its capacity, for
// responses smaller than the reserved buffer.
func (b *MsgBuffer) Resize(n int) error {
	if n < 0 || n > b.maxData {
		return NewError("RESIZE_MSG_BUFFER", ErrCodeInvalidParameters,
			"resize beyond buffer capacity")
	}
	b.dataLen = n
	return nil
}

// Reset restores the full allocated payload length for reuse.
func (b *MsgBuffer) Reset() {
	b.dataLen = b.maxData
}

// pktHdr returns the header slice of packet i. Packet 0's header sits in
// front of the payload; the rest follow the payload capacity region.
func (b *MsgBuffer) pktHdr(i int) []byte {
	if i == 0 {
		return b.buf[0:wire.PktHdrSize]
	}
	off := wire.PktHdrSize + b.maxData + (i-1)*wire.PktHdrSize
	return b.buf[off : off+wire.PktHdrSize]
}

// pktPayload returns the payload slice of packet i for the current length.
func (b *MsgBuffer) pktPayload(i int) []byte {
	start := i * b.dataPerPkt
	end := start + b.dataPerPkt
	if end > b.dataLen {
		end = b.dataLen
	}
	if start >= end {
		return nil
	}
	return b.buf[wire.PktHdrSize+start : wire.PktHdrSize+end]
}

// copyInPkt places an inbound payload chunk at its packet offset.
func (b *MsgBuffer) copyInPkt(pktNum int, payload []byte) {
	off := wire.PktHdrSize + pktNum*b.dataPerPkt
	copy(b.buf[off:], payload)
}
