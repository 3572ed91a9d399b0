// Package erpc is a user-space RPC runtime for kernel-bypass datagram
// fabrics: endpoints own their transport, buffer arena, congestion control,
// and session state machines, and applications drive everything by polling.
package erpc

import (
	"fmt"
	"time"

	"github.com/A-Jer/erpc-go/fabric"
	"github.com/A-Jer/erpc-go/internal/alloc"
	"github.com/A-Jer/erpc-go/internal/constants"
	"github.com/A-Jer/erpc-go/internal/interfaces"
	"github.com/A-Jer/erpc-go/internal/wire"
)

// ReqHandler services one request type. It runs on the endpoint's thread
// from inside the event loop; it may answer inline by setting RespBuf and
// calling EnqueueResponse before returning, or hold on to the handle and
// respond from a later loop iteration.
type ReqHandler func(h *ReqHandle)

// ReqHandle represents one received request awaiting its response. It stays
// valid until EnqueueResponse is called.
type ReqHandle struct {
	ep      *Endpoint
	sess    *Session
	slotIdx int
	reqNum  uint64

	// ReqType is the request type byte the client sent.
	ReqType uint8

	// ReqBuf holds the reassembled request payload. Endpoint-owned; valid
	// until EnqueueResponse.
	ReqBuf *MsgBuffer

	// RespBuf must be set by the handler before EnqueueResponse, normally
	// from AllocMsgBuffer. The endpoint owns it afterwards and frees it
	// once it can no longer be needed for duplicate replay.
	RespBuf *MsgBuffer
}

// SMEventType enumerates session-management callback events.
type SMEventType int

const (
	// SMConnected: session setup finished, data plane usable.
	SMConnected SMEventType = iota + 1
	// SMConnectFailed: setup failed or timed out, session number released.
	SMConnectFailed
	// SMDisconnected: teardown finished (either side initiated).
	SMDisconnected
	// SMReset: session torn down by a local reset, e.g. fatal transport.
	SMReset
)

func (t SMEventType) String() string {
	switch t {
	case SMConnected:
		return "connected"
	case SMConnectFailed:
		return "connect-failed"
	case SMDisconnected:
		return "disconnected"
	case SMReset:
		return "reset"
	default:
		return "invalid"
	}
}

// SMEvent is delivered to the session-management handler on the endpoint's
// thread.
type SMEvent struct {
	Type       SMEventType
	SessionNum int
	Err        error
}

// SMHandler receives session-management events.
type SMHandler func(ev SMEvent)

// smKey identifies a peer session across ConnectReq retries.
type smKey struct {
	uri     string
	epID    uint8
	sessNum uint16
}

// ctrlSlots is the ring of header-only scratch packets (credit returns,
// response pulls). The ring is consumed and flushed within one loop pass,
// so it only needs to cover one pass worth of control traffic.
const ctrlSlots = 64

// Endpoint is a single-threaded RPC context bound to one fabric port. All
// state mutation, handler invocation, and continuation dispatch happen on
// the thread that calls RunEventLoop.
type Endpoint struct {
	nexus  *Nexus
	id     uint8
	params Params

	transport    fabric.Transport
	ownTransport bool
	arena        *alloc.Allocator
	logger       interfaces.Logger
	observer     interfaces.Observer
	metrics      *Metrics

	sessions    []*Session
	freeNums    []uint16
	srvSessions map[smKey]uint16
	retxWatch   []*Session

	handlers  [constants.NumReqTypes]ReqHandler
	smHandler SMHandler

	inbox chan *wire.SMPacket

	txBatch []fabric.Packet
	events  []fabric.Completion
	rxOwed  int

	ctrlBuf  alloc.Buf
	ctrlNext int

	dataPerPkt int
	started    bool
	terminal   bool
	closed     bool
}

// NewEndpoint creates an endpoint, registers it with the nexus, brings up
// its fabric transport, and reserves its arena. The calling thread becomes
// the endpoint's owner; no other thread may touch it afterwards.
func NewEndpoint(nexus *Nexus, id uint8, smHandler SMHandler, params Params, options *Options) (*Endpoint, error) {
	if nexus == nil {
		return nil, NewError("NEW_ENDPOINT", ErrCodeInvalidParameters, "nil nexus")
	}
	if smHandler == nil {
		return nil, NewError("NEW_ENDPOINT", ErrCodeInvalidParameters, "nil session-management handler")
	}
	if params.MTU <= wire.PktHdrSize {
		return nil, NewError("NEW_ENDPOINT", ErrCodeInvalidParameters,
			fmt.Sprintf("MTU %d does not fit the %d-byte packet header", params.MTU, wire.PktHdrSize))
	}
	if params.SessionSlots <= 0 || params.RxRingSize <= 0 || params.TxBatch <= 0 {
		return nil, NewError("NEW_ENDPOINT", ErrCodeInvalidParameters, "non-positive ring sizing")
	}

	if options == nil {
		options = &Options{}
	}

	ep := &Endpoint{
		nexus:       nexus,
		id:          id,
		params:      params,
		logger:      options.Logger,
		metrics:     NewMetrics(),
		srvSessions: make(map[smKey]uint16),
		inbox:       make(chan *wire.SMPacket, constants.InboxCapacity),
		events:      make([]fabric.Completion, constants.MaxPollBatch),
		dataPerPkt:  params.MTU - wire.PktHdrSize,
		smHandler:   smHandler,
	}

	if options.Observer != nil {
		ep.observer = options.Observer
	} else {
		ep.observer = NewMetricsObserver(ep.metrics)
	}

	if options.Transport != nil {
		ep.transport = options.Transport
	} else {
		tr, err := fabric.NewUDP(fabric.Config{
			MTU:        params.MTU,
			RxRingSize: params.RxRingSize,
			TxBatch:    params.TxBatch,
			Logger:     options.Logger,
		}, params.SMHost, 0)
		if err != nil {
			return nil, WrapError("NEW_ENDPOINT", ErrCodeFatalTransport, err)
		}
		ep.transport = tr
		ep.ownTransport = true
	}

	ep.arena = alloc.New(alloc.Config{
		NumaNode:        params.NumaNode,
		AllowSmallPages: params.AllowSmallPages,
		Register: func(base []byte) (uint64, error) {
			return ep.transport.RegisterRegion(base)
		},
		Deregister: func(handle uint64) error {
			return ep.transport.DeregisterRegion(handle)
		},
		Logger: options.Logger,
	})

	ctrl, err := ep.arena.Alloc(ctrlSlots * wire.PktHdrSize)
	if err != nil {
		ep.teardownPartial()
		return nil, WrapError("NEW_ENDPOINT", ErrCodeOutOfMemory, err)
	}
	ep.ctrlBuf = ctrl

	if err := nexus.register(ep); err != nil {
		ep.teardownPartial()
		return nil, err
	}

	ep.transport.PostRecv(params.RxRingSize)

	if ep.logger != nil {
		ep.logger.Printf("endpoint %d up on %s (nexus %s)", id, ep.nexus.URI(), nexus.InstanceID())
	}
	return ep, nil
}

func (ep *Endpoint) teardownPartial() {
	if ep.ctrlBuf.Data != nil {
		_ = ep.arena.Free(ep.ctrlBuf)
	}
	_ = ep.arena.Close()
	if ep.ownTransport {
		_ = ep.transport.Close()
	}
}

// ID returns the endpoint's process-scoped identifier.
func (ep *Endpoint) ID() uint8 { return ep.id }

// Metrics returns the endpoint's metrics instance.
func (ep *Endpoint) Metrics() *Metrics { return ep.metrics }

// ArenaStats exposes arena accounting for leak checks.
func (ep *Endpoint) ArenaStats() (buffersOut, bytesReserved int) {
	s := ep.arena.Stats()
	// The control-packet ring is a permanent arena resident.
	return s.BuffersOut - 1, s.BytesReserved
}

// RegisterReqHandler installs the handler for one request type. Must be
// called before the first RunEventLoop call.
func (ep *Endpoint) RegisterReqHandler(reqType uint8, fn ReqHandler) error {
	if ep.started {
		return NewError("REGISTER_HANDLER", ErrCodeInvalidParameters,
			"handlers must be registered before the event loop first runs")
	}
	if fn == nil {
		return NewError("REGISTER_HANDLER", ErrCodeInvalidParameters, "nil handler")
	}
	ep.handlers[reqType] = fn
	return nil
}

// AllocMsgBuffer allocates an arena-backed buffer for an n-byte payload,
// with packet headers reserved around it.
func (ep *Endpoint) AllocMsgBuffer(n int) (*MsgBuffer, error) {
	b := ep.allocInternal(n)
	if b == nil {
		return nil, NewError("ALLOC_MSG_BUFFER", ErrCodeOutOfMemory,
			fmt.Sprintf("arena cannot back a %d-byte message", n))
	}
	return b, nil
}

// FreeMsgBuffer returns an arena buffer. Double frees and external buffers
// are rejected; a buffer of the same size class from another endpoint's
// arena is not detected.
func (ep *Endpoint) FreeMsgBuffer(b *MsgBuffer) error {
	if b == nil || !b.fromArena {
		return NewError("FREE_MSG_BUFFER", ErrCodeInvalidParameters,
			"buffer is not from this endpoint's arena")
	}
	if err := ep.arena.Free(b.raw); err != nil {
		return WrapError("FREE_MSG_BUFFER", ErrCodeInvalidParameters, err)
	}
	b.buf = nil
	b.raw = alloc.Buf{}
	return nil
}

func (ep *Endpoint) allocInternal(n int) *MsgBuffer {
	maxPkts := numPktsFor(n, ep.dataPerPkt)
	if maxPkts > 0xffff {
		return nil
	}
	raw, err := ep.arena.Alloc(msgBufferRegionSize(n, maxPkts))
	if err != nil {
		return nil
	}
	region := raw.Data[:msgBufferRegionSize(n, maxPkts)]
	return newMsgBuffer(raw, region, n, ep.dataPerPkt, true)
}

func (ep *Endpoint) freeInternal(b *MsgBuffer) {
	if b == nil || !b.fromArena {
		return
	}
	if err := ep.arena.Free(b.raw); err != nil && ep.logger != nil {
		ep.logger.Printf("endpoint %d: internal buffer free failed: %v", ep.id, err)
	}
	b.buf = nil
	b.raw = alloc.Buf{}
}

// allocSessionNum hands out a dense, reused session number.
func (ep *Endpoint) allocSessionNum() (uint16, error) {
	if len(ep.freeNums) > 0 {
		sn := ep.freeNums[len(ep.freeNums)-1]
		ep.freeNums = ep.freeNums[:len(ep.freeNums)-1]
		return sn, nil
	}
	if len(ep.sessions) >= constants.MaxSessions {
		return 0, NewError("ALLOC_SESSION", ErrCodeNoFreeSession, "session number space exhausted")
	}
	ep.sessions = append(ep.sessions, nil)
	return uint16(len(ep.sessions) - 1), nil
}

func (ep *Endpoint) freeSessionNum(sn uint16) {
	ep.sessions[sn] = nil
	ep.freeNums = append(ep.freeNums, sn)
}

// CreateSession starts session setup toward a remote endpoint. It returns
// the reserved session number immediately; the outcome arrives later as an
// SMConnected or SMConnectFailed event.
func (ep *Endpoint) CreateSession(remoteURI string, remoteEndpointID uint8) (int, error) {
	if ep.terminal {
		return 0, NewError("CREATE_SESSION", ErrCodeFatalTransport, "endpoint is terminal")
	}
	sn, err := ep.allocSessionNum()
	if err != nil {
		return 0, err
	}

	sess := newSession(roleClient, sn, ep.params.SessionSlots)
	sess.state = StateConnectInProgress
	sess.remoteURI = remoteURI
	sess.remoteEndpointID = remoteEndpointID
	now := time.Now()
	sess.smDeadline = now.Add(ep.params.SetupTimeout)
	sess.smLastTx = now
	sess.pendingSM = &wire.SMPacket{
		Kind:          wire.SMConnectReq,
		SrcURI:        ep.nexus.URI(),
		SrcEndpointID: ep.id,
		SrcSessionNum: sn,
		DstEndpointID: remoteEndpointID,
		FabricAddr:    ep.transport.LocalAddr(),
	}
	ep.sessions[sn] = sess
	ep.metrics.SessionsCreated.Add(1)

	if err := ep.nexus.sendSM(remoteURI, sess.pendingSM); err != nil && ep.logger != nil {
		// Unresolvable or unreachable URI: the retry clock and the setup
		// deadline turn this into an asynchronous SetupTimeout.
		ep.logger.Debugf("endpoint %d: connect to %s deferred: %v", ep.id, remoteURI, err)
	}
	return int(sn), nil
}

// DestroySession starts teardown of a connected session. Outstanding
// requests complete immediately with SessionReset; the SMDisconnected event
// follows once the peer acknowledges.
func (ep *Endpoint) DestroySession(sessionNum int) error {
	sess := ep.sessionByNum(sessionNum)
	if sess == nil {
		return NewSessionError("DESTROY_SESSION", sessionNum, ErrCodeInvalidParameters, "no such session")
	}
	if sess.state != StateConnected {
		return NewSessionError("DESTROY_SESSION", sessionNum, ErrCodeSessionNotConnected,
			fmt.Sprintf("session is %s", sess.state))
	}

	ep.cancelOutstanding(sess)
	sess.state = StateDisconnectInProgress
	now := time.Now()
	sess.smDeadline = now.Add(ep.params.SetupTimeout)
	sess.smLastTx = now
	sess.pendingSM = &wire.SMPacket{
		Kind:          wire.SMDisconnectReq,
		SrcURI:        ep.nexus.URI(),
		SrcEndpointID: ep.id,
		SrcSessionNum: sess.localNum,
		DstEndpointID: sess.remoteEndpointID,
		DstSessionNum: sess.remoteNum,
	}
	if err := ep.nexus.sendSM(sess.remoteURI, sess.pendingSM); err != nil && ep.logger != nil {
		ep.logger.Debugf("endpoint %d: disconnect of session %d deferred: %v", ep.id, sessionNum, err)
	}
	return nil
}

func (ep *Endpoint) sessionByNum(sessionNum int) *Session {
	if sessionNum < 0 || sessionNum >= len(ep.sessions) {
		return nil
	}
	return ep.sessions[sessionNum]
}

// NumSessions returns the count of live sessions.
func (ep *Endpoint) NumSessions() int {
	n := 0
	for _, s := range ep.sessions {
		if s != nil {
			n++
		}
	}
	return n
}

// SessionState reports a session's lifecycle state.
func (ep *Endpoint) SessionState(sessionNum int) SessionState {
	if s := ep.sessionByNum(sessionNum); s != nil {
		return s.state
	}
	return StateDisconnected
}

// SessionCredits returns the free request credits on a session.
func (ep *Endpoint) SessionCredits(sessionNum int) int {
	if s := ep.sessionByNum(sessionNum); s != nil {
		return s.credits()
	}
	return 0
}

// EnqueueRequest posts a request on a session. The request occupies one
// credit until its response completes; reqBuf and respBuf are borrowed by
// the slot until the continuation fires.
func (ep *Endpoint) EnqueueRequest(sessionNum int, reqType uint8, reqBuf, respBuf *MsgBuffer,
	cont Continuation, tag any) error {
	if ep.terminal {
		return NewSessionError("ENQUEUE_REQUEST", sessionNum, ErrCodeFatalTransport, "endpoint is terminal")
	}
	sess := ep.sessionByNum(sessionNum)
	if sess == nil || sess.role != roleClient || sess.state != StateConnected {
		return NewSessionError("ENQUEUE_REQUEST", sessionNum, ErrCodeSessionNotConnected,
			"session missing or not connected")
	}
	if reqBuf == nil || respBuf == nil || cont == nil {
		return NewSessionError("ENQUEUE_REQUEST", sessionNum, ErrCodeInvalidParameters,
			"request, response buffer, and continuation are required")
	}
	if len(sess.freeSlots) == 0 {
		ep.observer.ObserveCreditStall()
		return NewSessionError("ENQUEUE_REQUEST", sessionNum, ErrCodeNoCredits, "all session slots in use")
	}

	slotIdx := sess.freeSlots[len(sess.freeSlots)-1]
	sess.freeSlots = sess.freeSlots[:len(sess.freeSlots)-1]
	slot := &sess.slots[slotIdx]

	slot.reqNum += uint64(len(sess.slots))
	slot.reqType = reqType
	slot.inUse = true
	slot.reqBuf = reqBuf
	slot.respBuf = respBuf
	slot.cont = cont
	slot.tag = tag
	now := time.Now()
	slot.startTime = now
	slot.txDeadline = now.Add(ep.params.RetxInterval)
	slot.reqAcked = false
	slot.rxPkts = 0
	slot.respTotal = 0
	slot.respSize = 0

	ep.writeMsgHdrs(reqBuf, sess.remoteNum, slot.reqNum, reqType, true)
	ep.postMsgPkts(sess, reqBuf)

	sess.inflight++
	if !sess.inRetxWatch {
		sess.inRetxWatch = true
		ep.retxWatch = append(ep.retxWatch, sess)
	}
	ep.observer.ObserveRequestSent(uint64(reqBuf.Len()))
	ep.observer.ObserveSlotsInUse(uint32(len(sess.slots) - len(sess.freeSlots)))
	return nil
}

// EnqueueResponse sends the handler's response for a request handle. Legal
// inline from the handler or deferred to a later loop iteration.
func (ep *Endpoint) EnqueueResponse(h *ReqHandle) error {
	if h == nil || h.RespBuf == nil {
		return NewError("ENQUEUE_RESPONSE", ErrCodeInvalidParameters, "handle or response buffer missing")
	}
	sess := h.sess
	if sess.state != StateConnected {
		return NewSessionError("ENQUEUE_RESPONSE", int(sess.localNum), ErrCodeSessionReset,
			"session tore down before the response")
	}
	slot := &sess.slots[h.slotIdx]
	if !slot.srvPending || slot.srvReqNum != h.reqNum {
		return NewSessionError("ENQUEUE_RESPONSE", int(sess.localNum), ErrCodeInvalidParameters,
			"stale request handle")
	}

	// The reassembled request is no longer needed; the response sticks to
	// the slot for duplicate replay until the next request displaces it.
	ep.freeInternal(slot.srvReqBuf)
	slot.srvReqBuf = nil
	h.ReqBuf = nil
	slot.srvRespBuf = h.RespBuf
	slot.srvPending = false

	ep.writeMsgHdrs(h.RespBuf, sess.remoteNum, h.reqNum, h.ReqType, false)
	ep.postMsgPkts(sess, h.RespBuf)

	ep.observer.ObserveRequestHandled(uint64(slot.srvReqSize), uint64(h.RespBuf.Len()),
		uint64(time.Since(slot.srvStart).Nanoseconds()))
	return nil
}

// Close tears the endpoint down: all sessions reset, internal buffers
// return to the arena, memory regions deregister, and the transport closes
// if the endpoint created it (an Options.Transport stays open).
func (ep *Endpoint) Close() error {
	if ep.closed {
		return nil
	}
	ep.closed = true

	for _, sess := range ep.sessions {
		if sess != nil {
			ep.resetSession(sess, NewSessionError("CLOSE", int(sess.localNum), ErrCodeSessionReset,
				"endpoint closing"))
		}
	}

	ep.metrics.Stop()
	ep.nexus.deregister(ep.id)

	var firstErr error
	if ep.ctrlBuf.Data != nil {
		if err := ep.arena.Free(ep.ctrlBuf); err != nil {
			firstErr = err
		}
		ep.ctrlBuf = alloc.Buf{}
	}
	if err := ep.arena.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if ep.ownTransport {
		if err := ep.transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if ep.logger != nil {
		ep.logger.Printf("endpoint %d closed", ep.id)
	}
	return firstErr
}
