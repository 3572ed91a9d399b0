package fabric

import (
	"testing"
)

func testCfg() Config {
	return Config{MTU: 1024, RxRingSize: 16, TxBatch: 8}
}

func poll(t *testing.T, tr Transport, max int) []Completion {
	t.Helper()
	events := make([]Completion, max)
	n, err := tr.Poll(events)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	return events[:n]
}

func TestLoopbackDelivery(t *testing.T) {
	reg := NewLoopbackRegistry()
	a := reg.NewTransport(testCfg())
	b := reg.NewTransport(testCfg())
	defer a.Close()
	defer b.Close()

	b.PostRecv(16)

	sent := a.PostSend([]Packet{{Head: []byte("hdr"), Body: []byte("payload"), Addr: b.LocalAddr()}})
	if sent != 1 {
		t.Fatalf("PostSend accepted %d packets, want 1", sent)
	}

	events := poll(t, b, 8)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Kind != CompletionRecv {
		t.Errorf("event kind = %d, want recv", events[0].Kind)
	}
	if string(events[0].Data) != "hdrpayload" {
		t.Errorf("data = %q, want header+payload concatenated", events[0].Data)
	}
	if string(events[0].Addr) != string(a.LocalAddr()) {
		t.Errorf("source addr = %q, want %q", events[0].Addr, a.LocalAddr())
	}

	// Sender observes a send completion.
	sendEvents := poll(t, a, 8)
	if len(sendEvents) != 1 || sendEvents[0].Kind != CompletionSend {
		t.Errorf("expected one send completion, got %v", sendEvents)
	}
}

func TestLoopbackRxCredits(t *testing.T) {
	reg := NewLoopbackRegistry()
	a := reg.NewTransport(testCfg())
	b := reg.NewTransport(testCfg())
	defer a.Close()
	defer b.Close()

	// No credits posted: everything drops.
	a.PostSend([]Packet{{Head: []byte("x"), Addr: b.LocalAddr()}})
	if events := poll(t, b, 8); len(events) != 0 {
		t.Fatalf("expected drop without rx credits, got %d events", len(events))
	}

	// Two credits: third packet drops.
	b.PostRecv(2)
	for i := 0; i < 3; i++ {
		a.PostSend([]Packet{{Head: []byte{byte(i)}, Addr: b.LocalAddr()}})
	}
	if events := poll(t, b, 8); len(events) != 2 {
		t.Fatalf("got %d events, want 2 (credit-limited)", len(events))
	}
}

func TestLoopbackTxBatchBound(t *testing.T) {
	reg := NewLoopbackRegistry()
	cfg := testCfg()
	cfg.TxBatch = 2
	a := reg.NewTransport(cfg)
	b := reg.NewTransport(testCfg())
	defer a.Close()
	defer b.Close()

	pkts := make([]Packet, 5)
	for i := range pkts {
		pkts[i] = Packet{Head: []byte{byte(i)}, Addr: b.LocalAddr()}
	}
	if sent := a.PostSend(pkts); sent != 2 {
		t.Fatalf("PostSend accepted %d, want batch limit 2", sent)
	}
}

func TestLoopbackLossInjection(t *testing.T) {
	reg := NewLoopbackRegistry()
	a := reg.NewTransport(testCfg())
	b := reg.NewTransport(testCfg())
	defer a.Close()
	defer b.Close()

	b.PostRecv(16)
	a.SetDropEveryNth(3)

	for i := 0; i < 9; i++ {
		a.PostSend([]Packet{{Head: []byte{byte(i)}, Addr: b.LocalAddr()}})
	}
	events := poll(t, b, 16)
	if len(events) != 6 {
		t.Fatalf("got %d deliveries, want 6 with every 3rd dropped", len(events))
	}
}

func TestLoopbackUnknownDestination(t *testing.T) {
	reg := NewLoopbackRegistry()
	a := reg.NewTransport(testCfg())
	defer a.Close()

	if sent := a.PostSend([]Packet{{Head: []byte("x"), Addr: RawAddr("nobody")}}); sent != 1 {
		t.Fatalf("misaddressed send should be accepted then dropped, got %d", sent)
	}
}

func TestLoopbackRegionAccounting(t *testing.T) {
	reg := NewLoopbackRegistry()
	a := reg.NewTransport(testCfg())
	defer a.Close()

	h1, err := a.RegisterRegion(make([]byte, 4096))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := a.RegisterRegion(make([]byte, 4096))
	if err != nil {
		t.Fatal(err)
	}
	if a.RegisteredRegions() != 2 {
		t.Fatalf("regions = %d, want 2", a.RegisteredRegions())
	}
	if err := a.DeregisterRegion(h1); err != nil {
		t.Fatal(err)
	}
	if err := a.DeregisterRegion(h2); err != nil {
		t.Fatal(err)
	}
	if err := a.DeregisterRegion(h2); err == nil {
		t.Error("double deregister should fail")
	}
	if a.RegisteredRegions() != 0 {
		t.Fatalf("regions = %d, want 0", a.RegisteredRegions())
	}
}

func TestLoopbackClosedPollFails(t *testing.T) {
	reg := NewLoopbackRegistry()
	a := reg.NewTransport(testCfg())
	a.Close()

	if _, err := a.Poll(make([]Completion, 1)); err == nil {
		t.Error("Poll after Close should fail")
	}
}
