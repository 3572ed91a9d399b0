// Package wire defines the on-wire formats of the RPC runtime: the data-plane
// packet header carried in front of every fabric datagram, and the out-of-band
// session-management packets exchanged between nexus UDP sockets.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PktHdrSize is the size of the data-plane packet header. The header is
// padded to one cache line so payload bytes start cache-line aligned and
// header writes never share a line with payload writes.
const PktHdrSize = 64

// pktHdrWireBytes is the number of header bytes actually encoded; the rest
// of the cache line is zero padding.
const pktHdrWireBytes = 2 + 8 + 1 + 1 + 2 + 2 + 2 + 4 + 1

// Compile-time check that the encoded fields fit inside the padded header.
var _ [PktHdrSize - pktHdrWireBytes]byte

// PktType identifies the role of a data-plane packet.
type PktType uint8

const (
	// TypeSmallRequest carries a whole request in one packet.
	TypeSmallRequest PktType = iota + 1
	// TypeSmallResponse carries a whole response in one packet.
	TypeSmallResponse
	// TypeLargeRequestFirst is packet 0 of a multi-packet request.
	TypeLargeRequestFirst
	// TypeLargeRequestCont is packet 1..N-1 of a multi-packet request.
	TypeLargeRequestCont
	// TypeLargeResponseFirst is packet 0 of a multi-packet response.
	TypeLargeResponseFirst
	// TypeLargeResponseCont is packet 1..N-1 of a multi-packet response.
	TypeLargeResponseCont
	// TypeExplicitCredit acknowledges that the receiver of a large request
	// has allocated its reassembly buffer. No payload.
	TypeExplicitCredit
	// TypeRequestForResponse asks the server to replay the response of the
	// given request number. No payload.
	TypeRequestForResponse
)

func (t PktType) String() string {
	switch t {
	case TypeSmallRequest:
		return "small-req"
	case TypeSmallResponse:
		return "small-resp"
	case TypeLargeRequestFirst:
		return "large-req-first"
	case TypeLargeRequestCont:
		return "large-req-cont"
	case TypeLargeResponseFirst:
		return "large-resp-first"
	case TypeLargeResponseCont:
		return "large-resp-cont"
	case TypeExplicitCredit:
		return "explicit-credit"
	case TypeRequestForResponse:
		return "req-for-resp"
	default:
		return fmt.Sprintf("pkt-type-%d", uint8(t))
	}
}

// IsRequest reports whether the packet carries request payload.
func (t PktType) IsRequest() bool {
	return t == TypeSmallRequest || t == TypeLargeRequestFirst || t == TypeLargeRequestCont
}

// IsResponse reports whether the packet carries response payload.
func (t PktType) IsResponse() bool {
	return t == TypeSmallResponse || t == TypeLargeResponseFirst || t == TypeLargeResponseCont
}

// PktHdr is the decoded form of a data-plane packet header.
//
// SessionNum is the RECEIVER's session number, so inbound routing is a
// single index into the session vector. ReqNum is scoped to a session slot:
// reqNum % slots recovers the slot, and the per-slot value only grows.
// MsgSize is the total payload byte count of the message the packet belongs
// to; receivers size reassembly buffers from it on the first packet they see.
type PktHdr struct {
	SessionNum uint16
	ReqNum     uint64
	Type       PktType
	Flags      uint8
	TotalPkts  uint16
	PktNum     uint16
	PayloadLen uint16
	MsgSize    uint32
	ReqType    uint8
}

// ErrShortHeader is returned when a datagram is smaller than one header.
var ErrShortHeader = errors.New("wire: packet shorter than header")

// MarshalPktHdr encodes h into b[0:PktHdrSize]. b must be at least
// PktHdrSize bytes; the padding region is zeroed.
func MarshalPktHdr(b []byte, h *PktHdr) {
	_ = b[PktHdrSize-1]
	binary.LittleEndian.PutUint16(b[0:2], h.SessionNum)
	binary.LittleEndian.PutUint64(b[2:10], h.ReqNum)
	b[10] = uint8(h.Type)
	b[11] = h.Flags
	binary.LittleEndian.PutUint16(b[12:14], h.TotalPkts)
	binary.LittleEndian.PutUint16(b[14:16], h.PktNum)
	binary.LittleEndian.PutUint16(b[16:18], h.PayloadLen)
	binary.LittleEndian.PutUint32(b[18:22], h.MsgSize)
	b[22] = h.ReqType
	for i := pktHdrWireBytes; i < PktHdrSize; i++ {
		b[i] = 0
	}
}

// UnmarshalPktHdr decodes a header from b. The payload is b[PktHdrSize:].
func UnmarshalPktHdr(b []byte, h *PktHdr) error {
	if len(b) < PktHdrSize {
		return ErrShortHeader
	}
	h.SessionNum = binary.LittleEndian.Uint16(b[0:2])
	h.ReqNum = binary.LittleEndian.Uint64(b[2:10])
	h.Type = PktType(b[10])
	h.Flags = b[11]
	h.TotalPkts = binary.LittleEndian.Uint16(b[12:14])
	h.PktNum = binary.LittleEndian.Uint16(b[14:16])
	h.PayloadLen = binary.LittleEndian.Uint16(b[16:18])
	h.MsgSize = binary.LittleEndian.Uint32(b[18:22])
	h.ReqType = b[22]
	if h.Type < TypeSmallRequest || h.Type > TypeRequestForResponse {
		return fmt.Errorf("wire: invalid packet type %d", uint8(h.Type))
	}
	if h.TotalPkts == 0 || h.PktNum >= h.TotalPkts {
		return fmt.Errorf("wire: packet %d outside message of %d packets", h.PktNum, h.TotalPkts)
	}
	if int(h.PayloadLen) > len(b)-PktHdrSize {
		return fmt.Errorf("wire: payload length %d exceeds datagram", h.PayloadLen)
	}
	return nil
}
