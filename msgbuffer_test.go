package erpc

import (
	"bytes"
	"testing"

	"github.com/A-Jer/erpc-go/internal/wire"
)

const testMTU = 1024

func TestMsgBufferLayout(t *testing.T) {
	dataPerPkt := testMTU - wire.PktHdrSize
	n := dataPerPkt*2 + 10 // three packets
	b := NewExternalMsgBuffer(n, testMTU)

	if b.Len() != n || b.Cap() != n {
		t.Fatalf("len/cap = %d/%d, want %d", b.Len(), b.Cap(), n)
	}
	if b.NumPkts() != 3 {
		t.Fatalf("NumPkts = %d, want 3", b.NumPkts())
	}
	if b.FromArena() {
		t.Error("external buffer should not claim arena origin")
	}

	// Header slices are header-sized and disjoint from the payload.
	payload := b.Payload()
	for i := 0; i < b.NumPkts(); i++ {
		hdr := b.pktHdr(i)
		if len(hdr) != wire.PktHdrSize {
			t.Fatalf("pkt %d header size = %d", i, len(hdr))
		}
		for j := range hdr {
			hdr[j] = 0xff
		}
	}
	for _, p := range payload {
		if p == 0xff {
			t.Fatal("header bytes overlapped payload bytes")
		}
	}

	// Payload slices tile the payload exactly.
	total := 0
	for i := 0; i < b.NumPkts(); i++ {
		total += len(b.pktPayload(i))
	}
	if total != n {
		t.Fatalf("packet payloads cover %d bytes, want %d", total, n)
	}
	if len(b.pktPayload(2)) != 10 {
		t.Fatalf("final packet carries %d bytes, want 10", len(b.pktPayload(2)))
	}
}

func TestMsgBufferSinglePacketBoundary(t *testing.T) {
	dataPerPkt := testMTU - wire.PktHdrSize

	exact := NewExternalMsgBuffer(dataPerPkt, testMTU)
	if exact.NumPkts() != 1 {
		t.Errorf("payload of exactly MTU-hdr bytes should be one packet, got %d", exact.NumPkts())
	}

	over := NewExternalMsgBuffer(dataPerPkt+1, testMTU)
	if over.NumPkts() != 2 {
		t.Errorf("payload of MTU-hdr+1 bytes should be two packets, got %d", over.NumPkts())
	}

	empty := NewExternalMsgBuffer(0, testMTU)
	if empty.NumPkts() != 1 {
		t.Errorf("empty payload still spans one packet, got %d", empty.NumPkts())
	}
}

func TestMsgBufferResize(t *testing.T) {
	b := NewExternalMsgBuffer(100, testMTU)

	if err := b.Resize(10); err != nil {
		t.Fatal(err)
	}
	if b.Len() != 10 || len(b.Payload()) != 10 {
		t.Errorf("resized len = %d, want 10", b.Len())
	}

	if err := b.Resize(101); err == nil {
		t.Error("resize beyond capacity should fail")
	}

	b.Reset()
	if b.Len() != 100 {
		t.Errorf("reset len = %d, want 100", b.Len())
	}
}

func TestMsgBufferCopyInPkt(t *testing.T) {
	dataPerPkt := testMTU - wire.PktHdrSize
	n := dataPerPkt + 50
	src := NewExternalMsgBuffer(n, testMTU)
	for i := range src.Payload() {
		src.Payload()[i] = byte(i * 7)
	}

	dst := NewExternalMsgBuffer(n, testMTU)
	// Deliver packets out of order, as the fabric is allowed to.
	dst.copyInPkt(1, src.pktPayload(1))
	dst.copyInPkt(0, src.pktPayload(0))

	if !bytes.Equal(dst.Payload(), src.Payload()) {
		t.Error("reassembled payload differs from the original")
	}
}
