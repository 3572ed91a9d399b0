package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Out-of-band session-management wire format. These packets ride plain UDP
// between nexus sockets; integers are big-endian.
//
//	magic    4 bytes
//	version  1 byte
//	kind     1 byte
//	src URI  2-byte length + up to MaxURILen bytes
//	src endpoint ID   1 byte
//	src session num   2 bytes
//	dst endpoint ID   1 byte
//	dst session num   2 bytes
//	fabric address    1-byte length + up to MaxFabricAddr bytes
const (
	SMMagic   uint32 = 0x65525043 // "eRPC"
	SMVersion uint8  = 1

	// MaxURILen bounds the textual endpoint URI.
	MaxURILen = 256

	// MaxFabricAddr bounds the transport-specific NIC address blob.
	MaxFabricAddr = 64
)

// SMKind identifies a session-management packet.
type SMKind uint8

const (
	SMConnectReq SMKind = iota + 1
	SMConnectResp
	SMDisconnectReq
	SMDisconnectResp
)

func (k SMKind) String() string {
	switch k {
	case SMConnectReq:
		return "connect-req"
	case SMConnectResp:
		return "connect-resp"
	case SMDisconnectReq:
		return "disconnect-req"
	case SMDisconnectResp:
		return "disconnect-resp"
	default:
		return fmt.Sprintf("sm-kind-%d", uint8(k))
	}
}

// SMPacket is the decoded form of a session-management datagram.
//
// A ConnectResp with an empty FabricAddr is a refusal: the connecting side
// has no data-plane address to talk to and treats it as a hello-nack.
type SMPacket struct {
	Kind          SMKind
	SrcURI        string
	SrcEndpointID uint8
	SrcSessionNum uint16
	DstEndpointID uint8
	DstSessionNum uint16
	FabricAddr    []byte
}

var (
	ErrBadMagic    = errors.New("wire: bad management magic")
	ErrBadVersion  = errors.New("wire: unsupported management version")
	ErrTruncatedSM = errors.New("wire: truncated management packet")
)

// MarshalSM encodes the packet into a fresh byte slice.
func MarshalSM(p *SMPacket) ([]byte, error) {
	if len(p.SrcURI) > MaxURILen {
		return nil, fmt.Errorf("wire: URI length %d exceeds %d", len(p.SrcURI), MaxURILen)
	}
	if len(p.FabricAddr) > MaxFabricAddr {
		return nil, fmt.Errorf("wire: fabric address length %d exceeds %d", len(p.FabricAddr), MaxFabricAddr)
	}
	b := make([]byte, 0, 4+1+1+2+len(p.SrcURI)+1+2+1+2+1+len(p.FabricAddr))
	b = binary.BigEndian.AppendUint32(b, SMMagic)
	b = append(b, SMVersion, uint8(p.Kind))
	b = binary.BigEndian.AppendUint16(b, uint16(len(p.SrcURI)))
	b = append(b, p.SrcURI...)
	b = append(b, p.SrcEndpointID)
	b = binary.BigEndian.AppendUint16(b, p.SrcSessionNum)
	b = append(b, p.DstEndpointID)
	b = binary.BigEndian.AppendUint16(b, p.DstSessionNum)
	b = append(b, uint8(len(p.FabricAddr)))
	b = append(b, p.FabricAddr...)
	return b, nil
}

// UnmarshalSM decodes a management datagram.
func UnmarshalSM(b []byte, p *SMPacket) error {
	if len(b) < 8 {
		return ErrTruncatedSM
	}
	if binary.BigEndian.Uint32(b[0:4]) != SMMagic {
		return ErrBadMagic
	}
	if b[4] != SMVersion {
		return ErrBadVersion
	}
	p.Kind = SMKind(b[5])
	if p.Kind < SMConnectReq || p.Kind > SMDisconnectResp {
		return fmt.Errorf("wire: invalid management kind %d", b[5])
	}
	uriLen := int(binary.BigEndian.Uint16(b[6:8]))
	if uriLen > MaxURILen {
		return fmt.Errorf("wire: URI length %d exceeds %d", uriLen, MaxURILen)
	}
	off := 8
	if len(b) < off+uriLen+1+2+1+2+1 {
		return ErrTruncatedSM
	}
	p.SrcURI = string(b[off : off+uriLen])
	off += uriLen
	p.SrcEndpointID = b[off]
	off++
	p.SrcSessionNum = binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	p.DstEndpointID = b[off]
	off++
	p.DstSessionNum = binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	addrLen := int(b[off])
	off++
	if addrLen > MaxFabricAddr {
		return fmt.Errorf("wire: fabric address length %d exceeds %d", addrLen, MaxFabricAddr)
	}
	if len(b) < off+addrLen {
		return ErrTruncatedSM
	}
	if addrLen == 0 {
		p.FabricAddr = nil
	} else {
		p.FabricAddr = append([]byte(nil), b[off:off+addrLen]...)
	}
	return nil
}
