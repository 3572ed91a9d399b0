package erpc

import "testing"

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnectInProgress, "connect-in-progress"},
		{StateConnected, "connected"},
		{StateDisconnectInProgress, "disconnect-in-progress"},
		{StateResetInProgress, "reset-in-progress"},
		{SessionState(99), "invalid"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNewSessionSlotNumbering(t *testing.T) {
	s := newSession(roleClient, 4, 8)

	if s.credits() != 8 {
		t.Fatalf("fresh session credits = %d, want 8", s.credits())
	}
	if len(s.slots) != 8 {
		t.Fatalf("slot count = %d, want 8", len(s.slots))
	}

	// Request numbers stride by the slot count so reqNum % slots recovers
	// the slot index after any number of reuses.
	for i := range s.slots {
		first := s.slots[i].reqNum + uint64(len(s.slots))
		if first%uint64(len(s.slots)) != uint64(i) {
			t.Errorf("slot %d first reqNum %d does not map back to its slot", i, first)
		}
		second := first + uint64(len(s.slots))
		if second <= first {
			t.Errorf("slot %d request numbers must grow", i)
		}
	}
}

func TestBitmapReassembly(t *testing.T) {
	bm := ensureBitmap(nil, 130)
	if len(bm) != 3 {
		t.Fatalf("bitmap words = %d, want 3", len(bm))
	}

	if !markPkt(bm, 0) {
		t.Error("first mark of pkt 0 should be new")
	}
	if markPkt(bm, 0) {
		t.Error("second mark of pkt 0 should be a duplicate")
	}
	if !markPkt(bm, 129) {
		t.Error("first mark of pkt 129 should be new")
	}
	if !markPkt(bm, 64) {
		t.Error("first mark of pkt 64 should be new")
	}

	// Reuse clears old state.
	bm = ensureBitmap(bm, 10)
	if !markPkt(bm, 0) {
		t.Error("bitmap reuse should start clean")
	}
}

func TestEnsureBitmapGrowsAndShrinks(t *testing.T) {
	bm := ensureBitmap(nil, 1)
	if len(bm) != 1 {
		t.Fatalf("one packet needs one word, got %d", len(bm))
	}
	bm = ensureBitmap(bm, 256)
	if len(bm) != 4 {
		t.Fatalf("256 packets need 4 words, got %d", len(bm))
	}
	bm = ensureBitmap(bm, 65)
	if len(bm) != 2 {
		t.Fatalf("65 packets need 2 words, got %d", len(bm))
	}
}
