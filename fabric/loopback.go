package fabric

import (
	"fmt"
	"sync"
)

// LoopbackRegistry connects in-process loopback transports by name. It
// stands in for a real fabric in tests and simulations: same Transport
// contract, no NIC, deterministic loss injection.
type LoopbackRegistry struct {
	mu    sync.Mutex
	ports map[string]*Loopback
	next  int
}

// NewLoopbackRegistry creates an empty registry.
func NewLoopbackRegistry() *LoopbackRegistry {
	return &LoopbackRegistry{ports: make(map[string]*Loopback)}
}

// NewTransport creates and attaches a loopback transport. The returned
// transport's address routes to it through this registry.
func (r *LoopbackRegistry) NewTransport(cfg Config) *Loopback {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	name := fmt.Sprintf("lo-%d", r.next)
	lb := &Loopback{
		registry: r,
		name:     name,
		cfg:      cfg,
	}
	r.ports[name] = lb
	return lb
}

func (r *LoopbackRegistry) lookup(name string) *Loopback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ports[name]
}

func (r *LoopbackRegistry) detach(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, name)
}

// Loopback is an in-process Transport. Delivery copies each packet into the
// destination's receive queue, so buffer lifetimes match a real fabric: the
// sender's memory is free for reuse the moment PostSend returns.
type Loopback struct {
	registry *LoopbackRegistry
	name     string
	cfg      Config

	mu        sync.Mutex // guards rx state: senders run on other threads
	rxQueue   [][]byte
	rxAddrs   []RawAddr
	rxCredits int

	txComp  int // send completions not yet polled
	regions map[uint64]int
	nextReg uint64
	closed  bool

	// Loss injection: every Nth outbound packet is dropped on the wire
	// (after the send completion, before delivery). 0 disables.
	dropEvery int
	txCount   int
}

var _ Transport = (*Loopback)(nil)

// SetDropEveryNth makes the transport drop every nth outbound packet.
func (l *Loopback) SetDropEveryNth(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropEvery = n
	l.txCount = 0
}

// LocalAddr returns the registry-scoped address of this transport.
func (l *Loopback) LocalAddr() RawAddr {
	return RawAddr(l.name)
}

// RegisterRegion records a fake memory registration.
func (l *Loopback) RegisterRegion(mem []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.regions == nil {
		l.regions = make(map[uint64]int)
	}
	l.nextReg++
	l.regions[l.nextReg] = len(mem)
	return l.nextReg, nil
}

// DeregisterRegion releases a registration.
func (l *Loopback) DeregisterRegion(handle uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.regions[handle]; !ok {
		return fmt.Errorf("fabric: unknown region handle %d", handle)
	}
	delete(l.regions, handle)
	return nil
}

// RegisteredRegions returns the count of live registrations, for tests that
// assert teardown balance.
func (l *Loopback) RegisteredRegions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.regions)
}

// PostSend delivers packets to their destination transports. Unknown
// destinations and full receive rings drop silently, like a real fabric.
func (l *Loopback) PostSend(pkts []Packet) int {
	accepted := 0
	for i := range pkts {
		if l.cfg.TxBatch > 0 && accepted >= l.cfg.TxBatch {
			break
		}
		accepted++

		l.mu.Lock()
		l.txComp++
		l.txCount++
		drop := l.dropEvery > 0 && l.txCount%l.dropEvery == 0
		l.mu.Unlock()
		if drop {
			continue
		}

		dst := l.registry.lookup(string(pkts[i].Addr))
		if dst == nil {
			continue
		}
		data := make([]byte, 0, len(pkts[i].Head)+len(pkts[i].Body))
		data = append(data, pkts[i].Head...)
		data = append(data, pkts[i].Body...)
		dst.deliver(data, l.LocalAddr())
	}
	return accepted
}

// TxFlush is a no-op: loopback sends complete synchronously.
func (l *Loopback) TxFlush() {}

func (l *Loopback) deliver(data []byte, from RawAddr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.rxCredits <= 0 {
		return
	}
	l.rxCredits--
	l.rxQueue = append(l.rxQueue, data)
	l.rxAddrs = append(l.rxAddrs, from)
}

// PostRecv returns n receive credits to the ring, capped at the ring size.
func (l *Loopback) PostRecv(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rxCredits += n
	if l.cfg.RxRingSize > 0 && l.rxCredits > l.cfg.RxRingSize {
		l.rxCredits = l.cfg.RxRingSize
	}
}

// Poll drains queued receive and send completions, bounded by len(events).
func (l *Loopback) Poll(events []Completion) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrTransportClosed
	}
	n := 0
	for n < len(events) && len(l.rxQueue) > 0 {
		events[n] = Completion{Kind: CompletionRecv, Data: l.rxQueue[0], Addr: l.rxAddrs[0]}
		l.rxQueue = l.rxQueue[1:]
		l.rxAddrs = l.rxAddrs[1:]
		n++
	}
	for n < len(events) && l.txComp > 0 {
		events[n] = Completion{Kind: CompletionSend}
		l.txComp--
		n++
	}
	return n, nil
}

// MTU returns the configured MTU.
func (l *Loopback) MTU() int { return l.cfg.MTU }

// Close detaches from the registry; in-flight packets are lost.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.registry.detach(l.name)
	return nil
}
