//go:build linux
// +build linux

package fabric

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// udpAddrLen is the encoded size of a UDP fabric address: 2-byte big-endian
// port followed by the IPv4 address.
const udpAddrLen = 6

func encodeUDPAddr(ip [4]byte, port int) RawAddr {
	a := make(RawAddr, udpAddrLen)
	binary.BigEndian.PutUint16(a[0:2], uint16(port))
	copy(a[2:6], ip[:])
	return a
}

func decodeUDPAddr(a RawAddr) (*unix.SockaddrInet4, error) {
	if len(a) != udpAddrLen {
		return nil, fmt.Errorf("fabric: bad UDP address length %d", len(a))
	}
	sa := &unix.SockaddrInet4{Port: int(binary.BigEndian.Uint16(a[0:2]))}
	copy(sa.Addr[:], a[2:6])
	return sa, nil
}

// udpTransport is the default fabric: a non-blocking UDP socket driven
// entirely by the polling endpoint. It keeps datagram semantics (drops,
// reordering possible) and leaves reliability to the session layer.
//
// The kernel socket has no memory-region concept, so RegisterRegion only
// hands out bookkeeping handles; the allocator's register/deregister
// discipline still runs so a verbs transport can slot in unchanged.
type udpTransport struct {
	fd    int
	cfg   Config
	local RawAddr

	rxBufs  [][]byte
	rxNext  int
	credits int

	tx      *txRing // io_uring batcher; nil in default builds
	pending []Packet
	txComp  int

	regions map[uint64]int
	nextReg uint64
	closed  bool
}

var _ Transport = (*udpTransport)(nil)

// NewUDP opens a UDP fabric bound to bindIP:port. Port 0 selects an
// ephemeral port; the chosen one is reflected in LocalAddr.
func NewUDP(cfg Config, bindIP string, port int) (Transport, error) {
	ip := net.ParseIP(bindIP).To4()
	if ip == nil {
		return nil, fmt.Errorf("fabric: %q is not an IPv4 address", bindIP)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("fabric: socket: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fabric: bind %s:%d: %w", bindIP, port, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fabric: getsockname: %w", err)
	}
	b4, ok := bound.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return nil, fmt.Errorf("fabric: unexpected socket family")
	}

	t := &udpTransport{
		fd:      fd,
		cfg:     cfg,
		local:   encodeUDPAddr(b4.Addr, b4.Port),
		rxBufs:  make([][]byte, cfg.RxRingSize),
		regions: make(map[uint64]int),
	}
	for i := range t.rxBufs {
		t.rxBufs[i] = make([]byte, cfg.MTU)
	}

	if ring, err := newTxRing(fd, cfg); err != nil {
		if cfg.Logger != nil {
			cfg.Logger.Debugf("fabric: tx ring unavailable, using direct sends: %v", err)
		}
	} else if ring != nil {
		t.tx = ring
	}
	return t, nil
}

func (t *udpTransport) LocalAddr() RawAddr { return t.local }

func (t *udpTransport) RegisterRegion(mem []byte) (uint64, error) {
	t.nextReg++
	t.regions[t.nextReg] = len(mem)
	return t.nextReg, nil
}

func (t *udpTransport) DeregisterRegion(handle uint64) error {
	if _, ok := t.regions[handle]; !ok {
		return fmt.Errorf("fabric: unknown region handle %d", handle)
	}
	delete(t.regions, handle)
	return nil
}

// PostSend queues packets for transmission. With a tx ring, packets are
// prepared now and submitted by TxFlush in one syscall; without one, each
// packet is sent immediately and TxFlush is a no-op. Queue-full and
// destination errors drop silently.
func (t *udpTransport) PostSend(pkts []Packet) int {
	accepted := 0
	for i := range pkts {
		if t.cfg.TxBatch > 0 && accepted >= t.cfg.TxBatch {
			break
		}
		if t.tx != nil {
			if !t.tx.prepare(pkts[i]) {
				break
			}
		} else if !t.sendNow(pkts[i]) {
			break
		}
		accepted++
		t.txComp++
	}
	return accepted
}

func (t *udpTransport) sendNow(p Packet) bool {
	sa, err := decodeUDPAddr(p.Addr)
	if err != nil {
		return true // misaddressed packet is dropped, not a queue stall
	}
	_, err = unix.SendmsgBuffers(t.fd, [][]byte{p.Head, p.Body}, nil, sa, unix.MSG_DONTWAIT)
	switch err {
	case nil:
		return true
	case unix.EAGAIN, unix.ENOBUFS:
		return false
	default:
		return true
	}
}

// TxFlush submits any prepared ring sends.
func (t *udpTransport) TxFlush() {
	if t.tx != nil {
		t.tx.flush()
	}
}

// PostRecv returns receive credits, capped at the ring depth.
func (t *udpTransport) PostRecv(n int) {
	t.credits += n
	if t.credits > t.cfg.RxRingSize {
		t.credits = t.cfg.RxRingSize
	}
}

// Poll drains inbound datagrams into ring buffers and reports accumulated
// send completions. Non-blocking; errors other than would-block and
// transient ICMP notifications are fatal.
func (t *udpTransport) Poll(events []Completion) (int, error) {
	if t.closed {
		return 0, ErrTransportClosed
	}
	n := 0
	for n < len(events) && t.credits > 0 {
		buf := t.rxBufs[t.rxNext]
		nr, from, err := unix.Recvfrom(t.fd, buf, unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				break
			}
			if err == unix.ECONNREFUSED {
				continue // ICMP port-unreachable from an earlier send
			}
			return n, fmt.Errorf("fabric: recvfrom: %w", err)
		}
		f4, ok := from.(*unix.SockaddrInet4)
		if !ok {
			continue
		}
		events[n] = Completion{
			Kind: CompletionRecv,
			Data: buf[:nr],
			Addr: encodeUDPAddr(f4.Addr, f4.Port),
		}
		t.rxNext = (t.rxNext + 1) % len(t.rxBufs)
		t.credits--
		n++
	}
	for n < len(events) && t.txComp > 0 {
		events[n] = Completion{Kind: CompletionSend}
		t.txComp--
		n++
	}
	return n, nil
}

func (t *udpTransport) MTU() int { return t.cfg.MTU }

func (t *udpTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.tx != nil {
		t.tx.close()
	}
	return unix.Close(t.fd)
}
