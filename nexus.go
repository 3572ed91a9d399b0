package erpc

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/xid"

	"github.com/A-Jer/erpc-go/internal/logging"
	"github.com/A-Jer/erpc-go/internal/wire"
)

// Nexus is the process-wide session manager: it owns the out-of-band UDP
// socket, the endpoint registry, and the background goroutine that delivers
// management packets to per-endpoint inboxes. Endpoints never touch the
// socket from the hot path; they drain their inbox on their own thread, so
// every session state transition happens on the endpoint's thread.
type Nexus struct {
	params     Params
	uri        string
	instanceID xid.ID
	conn       *net.UDPConn
	logger     *logging.Logger

	mu        sync.Mutex
	endpoints map[uint8]*Endpoint
	closed    bool

	wg sync.WaitGroup
}

// NewNexus binds the management socket and starts the delivery goroutine.
// One nexus per process is the intended shape; tests create more, each with
// an ephemeral port.
func NewNexus(params Params) (*Nexus, error) {
	laddr := &net.UDPAddr{IP: net.ParseIP(params.SMHost), Port: params.SMUDPPort}
	if laddr.IP == nil {
		return nil, NewError("NEW_NEXUS", ErrCodeInvalidParameters,
			fmt.Sprintf("cannot parse management host %q", params.SMHost))
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, WrapError("NEW_NEXUS", ErrCodeInvalidParameters, err)
	}

	n := &Nexus{
		params:     params,
		uri:        fmt.Sprintf("%s:%d", params.SMHost, conn.LocalAddr().(*net.UDPAddr).Port),
		instanceID: xid.New(),
		conn:       conn,
		logger:     logging.Default(),
		endpoints:  make(map[uint8]*Endpoint),
	}

	n.wg.Add(1)
	go n.deliveryLoop()

	n.logger.Info("nexus up", "uri", n.uri, "instance", n.instanceID.String())
	return n, nil
}

// URI returns the management address peers use to reach this process.
func (n *Nexus) URI() string { return n.uri }

// InstanceID returns the process-unique identity of this nexus, useful as a
// metrics label and in logs when several processes share a host.
func (n *Nexus) InstanceID() string { return n.instanceID.String() }

// Close stops the delivery goroutine and releases the socket. Endpoints
// must be closed first.
func (n *Nexus) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	remaining := len(n.endpoints)
	n.mu.Unlock()

	if remaining > 0 {
		n.logger.Warn("nexus closing with live endpoints", "count", remaining)
	}
	err := n.conn.Close()
	n.wg.Wait()
	return err
}

func (n *Nexus) register(ep *Endpoint) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return NewError("REGISTER_ENDPOINT", ErrCodeInvalidParameters, "nexus closed")
	}
	if _, exists := n.endpoints[ep.id]; exists {
		return NewError("REGISTER_ENDPOINT", ErrCodeInvalidParameters,
			fmt.Sprintf("endpoint ID %d already registered", ep.id))
	}
	n.endpoints[ep.id] = ep
	return nil
}

func (n *Nexus) deregister(id uint8) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, id)
}

// sendSM marshals and sends one management packet. Slow path: resolution
// and the syscall may take their time. The UDP connection serializes
// concurrent writers internally.
func (n *Nexus) sendSM(remoteURI string, pkt *wire.SMPacket) error {
	raddr, err := net.ResolveUDPAddr("udp4", remoteURI)
	if err != nil {
		return WrapError("SEND_SM", ErrCodeInvalidParameters, err)
	}
	data, err := wire.MarshalSM(pkt)
	if err != nil {
		return WrapError("SEND_SM", ErrCodeInvalidParameters, err)
	}
	if _, err := n.conn.WriteToUDP(data, raddr); err != nil {
		return WrapError("SEND_SM", ErrCodeInvalidParameters, err)
	}
	return nil
}

// deliveryLoop reads management datagrams and routes them to endpoint
// inboxes. It never mutates session state itself: validation failures log
// and drop, successful parses are handed to the owning endpoint's inbox and
// processed on that endpoint's thread.
func (n *Nexus) deliveryLoop() {
	defer n.wg.Done()
	buf := make([]byte, 2048)
	for {
		nr, _, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed by Close, or a fatal socket error; either way
			// delivery ends here.
			return
		}
		pkt := &wire.SMPacket{}
		if err := wire.UnmarshalSM(buf[:nr], pkt); err != nil {
			n.logger.Warn("dropping malformed management packet", "error", err)
			continue
		}

		n.mu.Lock()
		ep := n.endpoints[pkt.DstEndpointID]
		n.mu.Unlock()
		if ep == nil {
			n.logger.Warn("dropping management packet for unknown endpoint",
				"endpoint_id", pkt.DstEndpointID, "kind", pkt.Kind)
			continue
		}

		select {
		case ep.inbox <- pkt:
		default:
			n.logger.Warn("endpoint inbox full, dropping management packet",
				"endpoint_id", pkt.DstEndpointID, "kind", pkt.Kind)
		}
	}
}
