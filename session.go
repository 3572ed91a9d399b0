package erpc

import (
	"time"

	"github.com/A-Jer/erpc-go/fabric"
	"github.com/A-Jer/erpc-go/internal/wire"
)

// SessionState represents the lifecycle state of a session
type SessionState int

const (
	// StateDisconnected: no peer attached; the session number is parked.
	StateDisconnected SessionState = iota
	// StateConnectInProgress: hello sent, waiting for the peer's answer.
	StateConnectInProgress
	// StateConnected: data-plane traffic allowed.
	StateConnected
	// StateDisconnectInProgress: goodbye sent, waiting for the ack.
	StateDisconnectInProgress
	// StateResetInProgress: local teardown underway, resources returning.
	StateResetInProgress
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnectInProgress:
		return "connect-in-progress"
	case StateConnected:
		return "connected"
	case StateDisconnectInProgress:
		return "disconnect-in-progress"
	case StateResetInProgress:
		return "reset-in-progress"
	default:
		return "invalid"
	}
}

// Continuation fires on the endpoint's thread when a request completes. A
// nil error means the response buffer holds the full response; a
// SessionReset error means the session died with the request outstanding
// and both buffers are back in the caller's hands untouched.
type Continuation func(tag any, err error)

type sessionRole int

const (
	roleClient sessionRole = iota
	roleServer
)

// sslot is one outstanding-request container. A client-role session uses
// the request-side fields; a server-role session uses the srv fields. The
// slot owner alternates like the teacher repo's tag state machine: between
// enqueue and completion the runtime owns the slot and its buffers, then
// ownership returns to the user (client) or the slot idles (server).
type sslot struct {
	// Client side: one in-flight request.
	inUse      bool
	reqNum     uint64
	reqType    uint8
	reqBuf     *MsgBuffer
	respBuf    *MsgBuffer
	cont       Continuation
	tag        any
	startTime  time.Time
	txDeadline time.Time
	reqAcked   bool // peer confirmed reassembly buffer allocation
	rxBitmap   []uint64
	rxPkts     int
	respTotal  int // response packet count, 0 while unknown
	respSize   int

	// Server side: the latest request seen on this slot.
	srvReqNum   uint64
	srvReqType  uint8
	srvReqSize  int
	srvReqTotal int
	srvRxBitmap []uint64
	srvRxPkts   int
	srvReqBuf   *MsgBuffer // reassembly buffer, arena-owned
	srvRespBuf  *MsgBuffer // stored response, kept for duplicate replay
	srvPending  bool       // handler invoked, response not yet enqueued
	srvStart    time.Time
}

// Session is the per-peer reliability state machine: credit window,
// in-flight slots, retransmission deadlines, sequence numbers.
type Session struct {
	role  sessionRole
	state SessionState

	localNum         uint16
	remoteNum        uint16
	remoteURI        string
	remoteEndpointID uint8
	remoteAddr       fabric.RawAddr

	slots       []sslot
	freeSlots   []int
	inflight    int
	inRetxWatch bool

	// Out-of-band machinery: the last management packet sent, its retry
	// clock, and the deadline after which setup/teardown fails.
	pendingSM  *wire.SMPacket
	smLastTx   time.Time
	smDeadline time.Time
}

func newSession(role sessionRole, localNum uint16, numSlots int) *Session {
	s := &Session{
		role:     role,
		state:    StateDisconnected,
		localNum: localNum,
		slots:    make([]sslot, numSlots),
	}
	for i := range s.slots {
		// Request numbers stride by the slot count so reqNum % slots
		// recovers the slot index on the wire. Values below numSlots are
		// never used, keeping zero distinguishable as "nothing seen".
		s.slots[i].reqNum = uint64(i)
		s.freeSlots = append(s.freeSlots, i)
	}
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState { return s.state }

// credits returns the free request credits left on the session.
func (s *Session) credits() int { return len(s.freeSlots) }

// bitmap helpers for large-message reassembly

func ensureBitmap(bm []uint64, pkts int) []uint64 {
	words := (pkts + 63) / 64
	if cap(bm) < words {
		return make([]uint64, words)
	}
	bm = bm[:words]
	for i := range bm {
		bm[i] = 0
	}
	return bm
}

// markPkt sets bit i and reports whether it was newly set.
func markPkt(bm []uint64, i int) bool {
	word, bit := i/64, uint(i%64)
	if bm[word]&(1<<bit) != 0 {
		return false
	}
	bm[word] |= 1 << bit
	return true
}
