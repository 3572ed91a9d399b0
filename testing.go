package erpc

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/A-Jer/erpc-go/fabric"
)

// LoopbackCluster wires endpoints over an in-process fabric with a shared
// nexus on an ephemeral management port. It exists for tests and
// simulations: the full runtime — sessions, credits, segmentation,
// retransmission — runs unchanged, only the NIC is replaced.
type LoopbackCluster struct {
	Registry *fabric.LoopbackRegistry
	Nexus    *Nexus
	params   Params
}

// NewLoopbackCluster creates a cluster using the given params with an
// ephemeral management port, no NUMA binding, and arenas allowed to fall
// back to normal pages.
func NewLoopbackCluster(params Params) (*LoopbackCluster, error) {
	params.SMUDPPort = 0
	params.AllowSmallPages = true
	params.NumaNode = -1
	nexus, err := NewNexus(params)
	if err != nil {
		return nil, err
	}
	return &LoopbackCluster{
		Registry: fabric.NewLoopbackRegistry(),
		Nexus:    nexus,
		params:   params,
	}, nil
}

// Params returns the cluster's effective parameters.
func (c *LoopbackCluster) Params() Params { return c.params }

// NewEndpoint creates an endpoint on the cluster's fabric. The returned
// Loopback handle controls loss injection for this endpoint's sends.
func (c *LoopbackCluster) NewEndpoint(id uint8, smHandler SMHandler) (*Endpoint, *fabric.Loopback, error) {
	lb := c.Registry.NewTransport(fabric.Config{
		MTU:        c.params.MTU,
		RxRingSize: c.params.RxRingSize,
		TxBatch:    c.params.TxBatch,
	})
	ep, err := NewEndpoint(c.Nexus, id, smHandler, c.params, &Options{Transport: lb})
	if err != nil {
		lb.Close()
		return nil, nil, err
	}
	return ep, lb, nil
}

// Close releases the nexus. Endpoints must be closed by their owners first.
func (c *LoopbackCluster) Close() {
	_ = c.Nexus.Close()
}

// Pump runs event-loop passes over the given endpoints on the calling
// thread until done() reports true or the timeout expires. Returns whether
// done() became true. All endpoints must be owned by the calling thread.
func Pump(eps []*Endpoint, done func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		for _, ep := range eps {
			ep.RunEventLoopOnce()
		}
		if done() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		// Let the nexus delivery goroutine run between passes.
		runtime.Gosched()
	}
}

// SMRecorder collects session-management events for assertions. Handlers
// run on endpoint threads, so access is synchronized.
type SMRecorder struct {
	mu     sync.Mutex
	events []SMEvent
}

// Handler returns an SMHandler that records into this recorder.
func (r *SMRecorder) Handler() SMHandler {
	return func(ev SMEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	}
}

// Events returns a copy of everything recorded so far.
func (r *SMRecorder) Events() []SMEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SMEvent(nil), r.events...)
}

// Has reports whether an event of the given type for the given session has
// been recorded.
func (r *SMRecorder) Has(t SMEventType, sessionNum int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == t && ev.SessionNum == sessionNum {
			return true
		}
	}
	return false
}

// ConnectLoopback creates a session from client to server (both on the same
// cluster) and pumps both endpoints until it connects.
func ConnectLoopback(client, server *Endpoint, timeout time.Duration) (int, error) {
	sn, err := client.CreateSession(client.nexus.URI(), server.ID())
	if err != nil {
		return 0, err
	}
	ok := Pump([]*Endpoint{client, server}, func() bool {
		return client.SessionState(sn) == StateConnected
	}, timeout)
	if !ok {
		return sn, fmt.Errorf("session %d did not connect within %v (state %s)",
			sn, timeout, client.SessionState(sn))
	}
	return sn, nil
}
