package erpc

import (
	"time"

	"github.com/A-Jer/erpc-go/fabric"
	"github.com/A-Jer/erpc-go/internal/constants"
	"github.com/A-Jer/erpc-go/internal/wire"
)

// RunEventLoop runs event-loop passes until the given duration elapses or
// the endpoint turns terminal. It never blocks: the caller owns the polling
// cadence.
func (ep *Endpoint) RunEventLoop(d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		ep.RunEventLoopOnce()
		if ep.terminal || !time.Now().Before(deadline) {
			return
		}
	}
}

// RunEventLoopOnce performs one bounded pass: poll completions, dispatch,
// flush transmissions, scan retransmission deadlines, drain the management
// inbox, replenish the receive ring.
func (ep *Endpoint) RunEventLoopOnce() {
	if ep.terminal || ep.closed {
		return
	}
	ep.started = true

	// 1+2: poll a bounded batch and dispatch each completion.
	n, err := ep.transport.Poll(ep.events)
	if err != nil {
		ep.enterTerminal(WrapError("POLL", ErrCodeFatalTransport, err))
		return
	}
	for i := 0; i < n; i++ {
		ev := &ep.events[i]
		if ev.Kind == fabric.CompletionRecv {
			ep.observer.ObservePacketsRx(1, uint64(len(ev.Data)))
			ep.handleRxPacket(ev.Data)
			ep.rxOwed++
		}
	}

	now := time.Now()

	// 3: ring the doorbell for everything dispatched above.
	ep.flushTx()

	// 4: repost expired requests.
	ep.scanRetransmissions(now)

	// 5: background inbox and management timers.
	ep.drainInbox()
	ep.scanSMDeadlines(now)
	ep.flushTx()

	// 6: hand consumed receive credits back to the ring.
	if ep.rxOwed > 0 {
		ep.transport.PostRecv(ep.rxOwed)
		ep.rxOwed = 0
	}
}

// writeMsgHdrs stamps per-packet headers into a message buffer. Headers are
// written once per request number; retransmission reposts the same bytes,
// which is what makes it idempotent at the receiver.
func (ep *Endpoint) writeMsgHdrs(buf *MsgBuffer, destSessNum uint16, reqNum uint64, reqType uint8, isReq bool) {
	total := buf.NumPkts()
	for i := 0; i < total; i++ {
		var typ wire.PktType
		switch {
		case total == 1 && isReq:
			typ = wire.TypeSmallRequest
		case total == 1:
			typ = wire.TypeSmallResponse
		case i == 0 && isReq:
			typ = wire.TypeLargeRequestFirst
		case i == 0:
			typ = wire.TypeLargeResponseFirst
		case isReq:
			typ = wire.TypeLargeRequestCont
		default:
			typ = wire.TypeLargeResponseCont
		}
		hdr := wire.PktHdr{
			SessionNum: destSessNum,
			ReqNum:     reqNum,
			Type:       typ,
			ReqType:    reqType,
			TotalPkts:  uint16(total),
			PktNum:     uint16(i),
			PayloadLen: uint16(len(buf.pktPayload(i))),
			MsgSize:    uint32(buf.Len()),
		}
		wire.MarshalPktHdr(buf.pktHdr(i), &hdr)
	}
}

// postMsgPkts queues every packet of a message for transmission, flushing
// whenever the batch fills.
func (ep *Endpoint) postMsgPkts(sess *Session, buf *MsgBuffer) {
	total := buf.NumPkts()
	for i := 0; i < total; i++ {
		ep.txBatch = append(ep.txBatch, fabric.Packet{
			Head: buf.pktHdr(i),
			Body: buf.pktPayload(i),
			Addr: sess.remoteAddr,
		})
		if len(ep.txBatch) >= ep.params.TxBatch {
			ep.flushTx()
		}
	}
}

// postCtrlPkt queues a header-only packet (credit return, response pull)
// from the control scratch ring. The ring is flushed within the same loop
// pass, before any slot can be reused.
func (ep *Endpoint) postCtrlPkt(sess *Session, reqNum uint64, typ wire.PktType) {
	off := ep.ctrlNext * wire.PktHdrSize
	ep.ctrlNext = (ep.ctrlNext + 1) % ctrlSlots
	head := ep.ctrlBuf.Data[off : off+wire.PktHdrSize]

	hdr := wire.PktHdr{
		SessionNum: sess.remoteNum,
		ReqNum:     reqNum,
		Type:       typ,
		TotalPkts:  1,
	}
	wire.MarshalPktHdr(head, &hdr)

	ep.txBatch = append(ep.txBatch, fabric.Packet{Head: head, Addr: sess.remoteAddr})
	if len(ep.txBatch) >= ep.params.TxBatch {
		ep.flushTx()
	}
}

// flushTx posts the pending batch and rings the doorbell. Packets the
// transport refuses are dropped; the retransmission path recovers them.
func (ep *Endpoint) flushTx() {
	if len(ep.txBatch) == 0 {
		return
	}
	sent := ep.transport.PostSend(ep.txBatch)
	ep.transport.TxFlush()
	var bytes uint64
	for i := 0; i < sent; i++ {
		bytes += uint64(len(ep.txBatch[i].Head) + len(ep.txBatch[i].Body))
	}
	ep.observer.ObservePacketsTx(uint64(sent), bytes)
	ep.txBatch = ep.txBatch[:0]
}

// handleRxPacket parses and routes one inbound datagram.
func (ep *Endpoint) handleRxPacket(data []byte) {
	var hdr wire.PktHdr
	if err := wire.UnmarshalPktHdr(data, &hdr); err != nil {
		ep.dropRx("malformed packet", err)
		return
	}
	sess := ep.sessionByNum(int(hdr.SessionNum))
	if sess == nil || sess.state != StateConnected {
		ep.dropRx("packet for missing or unconnected session", nil)
		return
	}
	payload := data[wire.PktHdrSize : wire.PktHdrSize+int(hdr.PayloadLen)]

	switch {
	case hdr.Type.IsRequest():
		ep.rxRequest(sess, &hdr, payload)
	case hdr.Type.IsResponse():
		ep.rxResponse(sess, &hdr, payload)
	case hdr.Type == wire.TypeExplicitCredit:
		ep.rxExplicitCredit(sess, &hdr)
	case hdr.Type == wire.TypeRequestForResponse:
		ep.rxRequestForResponse(sess, &hdr)
	}
}

func (ep *Endpoint) dropRx(why string, err error) {
	ep.observer.ObserveRxDrop()
	if ep.logger != nil {
		if err != nil {
			ep.logger.Debugf("endpoint %d: dropping rx: %s: %v", ep.id, why, err)
		} else {
			ep.logger.Debugf("endpoint %d: dropping rx: %s", ep.id, why)
		}
	}
}

// rxRequest runs the server side of the slot state machine: start or
// continue reassembly, invoke the handler exactly once per request number,
// and replay stored responses for duplicates.
func (ep *Endpoint) rxRequest(sess *Session, hdr *wire.PktHdr, payload []byte) {
	if sess.role != roleServer {
		ep.dropRx("request on client-role session", nil)
		return
	}
	slotIdx := int(hdr.ReqNum % uint64(len(sess.slots)))
	slot := &sess.slots[slotIdx]

	switch {
	case hdr.ReqNum < slot.srvReqNum:
		ep.dropRx("stale request number", nil)
		return

	case hdr.ReqNum == slot.srvReqNum:
		if slot.srvRespBuf != nil {
			// Duplicate of an answered request: replay the stored response
			// without touching the handler. Only the first packet of the
			// duplicate triggers the replay, or a retransmitted large
			// request would multiply the response.
			if hdr.PktNum == 0 {
				ep.postMsgPkts(sess, slot.srvRespBuf)
			}
			return
		}
		if slot.srvPending {
			// Handler is still working on it.
			return
		}
		if slot.srvReqBuf == nil {
			// An earlier reassembly attempt failed to get a buffer; this
			// retransmission is another chance.
			ep.startRequest(sess, slot, hdr)
			if slot.srvReqBuf == nil {
				return
			}
		}

	default: // hdr.ReqNum > slot.srvReqNum: a new request displaces the slot
		ep.freeInternal(slot.srvReqBuf)
		slot.srvReqBuf = nil
		ep.freeInternal(slot.srvRespBuf)
		slot.srvRespBuf = nil
		slot.srvPending = false
		ep.startRequest(sess, slot, hdr)
		if slot.srvReqBuf == nil {
			return
		}
	}

	if int(hdr.PktNum) < slot.srvReqTotal && markPkt(slot.srvRxBitmap, int(hdr.PktNum)) {
		slot.srvReqBuf.copyInPkt(int(hdr.PktNum), payload)
		slot.srvRxPkts++
	}
	if slot.srvRxPkts < slot.srvReqTotal {
		return
	}

	handler := ep.handlers[slot.srvReqType]
	if handler == nil {
		ep.dropRx("no handler for request type", nil)
		return
	}
	slot.srvPending = true
	slot.srvStart = time.Now()
	handler(&ReqHandle{
		ep:      ep,
		sess:    sess,
		slotIdx: slotIdx,
		reqNum:  slot.srvReqNum,
		ReqType: slot.srvReqType,
		ReqBuf:  slot.srvReqBuf,
	})
}

// startRequest initializes server slot state for a new request number. On
// allocation failure the reassembly buffer stays nil and, crucially, no
// explicit credit goes back: withholding the ack is the congestion signal
// that slows the sender down to its retransmission cadence.
func (ep *Endpoint) startRequest(sess *Session, slot *sslot, hdr *wire.PktHdr) {
	slot.srvReqNum = hdr.ReqNum
	slot.srvReqType = hdr.ReqType
	slot.srvReqSize = int(hdr.MsgSize)
	slot.srvReqTotal = int(hdr.TotalPkts)
	slot.srvRxPkts = 0
	slot.srvRxBitmap = ensureBitmap(slot.srvRxBitmap, int(hdr.TotalPkts))
	slot.srvReqBuf = ep.allocInternal(int(hdr.MsgSize))
	if slot.srvReqBuf == nil {
		ep.dropRx("no reassembly buffer", nil)
		return
	}
	if hdr.TotalPkts > 1 {
		ep.postCtrlPkt(sess, hdr.ReqNum, wire.TypeExplicitCredit)
	}
}

// rxResponse runs the client side: fill the user's response buffer and fire
// the continuation when the last packet lands.
func (ep *Endpoint) rxResponse(sess *Session, hdr *wire.PktHdr, payload []byte) {
	if sess.role != roleClient {
		ep.dropRx("response on server-role session", nil)
		return
	}
	slotIdx := int(hdr.ReqNum % uint64(len(sess.slots)))
	slot := &sess.slots[slotIdx]
	if !slot.inUse || slot.reqNum != hdr.ReqNum {
		ep.dropRx("response for completed or unknown request", nil)
		return
	}
	slot.reqAcked = true

	if slot.respTotal == 0 {
		slot.respTotal = int(hdr.TotalPkts)
		slot.respSize = int(hdr.MsgSize)
		if slot.respSize > slot.respBuf.Cap() {
			ep.completeClientSlot(sess, slotIdx, NewSessionError("RX_RESPONSE", int(sess.localNum),
				ErrCodeInvalidParameters, "response larger than the supplied buffer"))
			return
		}
		slot.rxBitmap = ensureBitmap(slot.rxBitmap, slot.respTotal)
	}

	if int(hdr.PktNum) < slot.respTotal && markPkt(slot.rxBitmap, int(hdr.PktNum)) {
		slot.respBuf.copyInPkt(int(hdr.PktNum), payload)
		slot.rxPkts++
	}
	if slot.rxPkts == slot.respTotal {
		ep.completeClientSlot(sess, slotIdx, nil)
	}
}

// completeClientSlot releases a slot's credit and fires the continuation.
// The slot is free before the continuation runs, so a continuation may
// immediately enqueue the next request.
func (ep *Endpoint) completeClientSlot(sess *Session, slotIdx int, err error) {
	slot := &sess.slots[slotIdx]
	cont, tag := slot.cont, slot.tag
	if err == nil {
		_ = slot.respBuf.Resize(slot.respSize)
	}
	latency := time.Since(slot.startTime)
	respBytes := uint64(slot.respSize)

	slot.inUse = false
	slot.reqBuf = nil
	slot.respBuf = nil
	slot.cont = nil
	slot.tag = nil
	sess.freeSlots = append(sess.freeSlots, slotIdx)
	sess.inflight--

	ep.observer.ObserveResponseReceived(respBytes, uint64(latency.Nanoseconds()), err == nil)
	cont(tag, err)
}

func (ep *Endpoint) rxExplicitCredit(sess *Session, hdr *wire.PktHdr) {
	if sess.role != roleClient {
		ep.dropRx("credit on server-role session", nil)
		return
	}
	slot := &sess.slots[int(hdr.ReqNum%uint64(len(sess.slots)))]
	if slot.inUse && slot.reqNum == hdr.ReqNum && !slot.reqAcked {
		// The peer has a reassembly buffer and is absorbing the request;
		// give it a grace interval before the next full retransmission.
		slot.reqAcked = true
		slot.txDeadline = slot.txDeadline.Add(ep.params.RetxInterval)
	}
}

func (ep *Endpoint) rxRequestForResponse(sess *Session, hdr *wire.PktHdr) {
	if sess.role != roleServer {
		ep.dropRx("response pull on client-role session", nil)
		return
	}
	slot := &sess.slots[int(hdr.ReqNum%uint64(len(sess.slots)))]
	if hdr.ReqNum == slot.srvReqNum && slot.srvRespBuf != nil {
		ep.postMsgPkts(sess, slot.srvRespBuf)
	} else {
		ep.dropRx("response pull with nothing to replay", nil)
	}
}

// scanRetransmissions walks only the sessions with in-flight requests. A
// request for which no response packet has arrived yet is reposted whole
// (an explicit credit only pushes its deadline back); once any response
// packet has been seen, a single pull packet asks for the response instead.
func (ep *Endpoint) scanRetransmissions(now time.Time) {
	if len(ep.retxWatch) == 0 {
		return
	}
	w := ep.retxWatch[:0]
	for _, sess := range ep.retxWatch {
		if sess.inflight == 0 || sess.state != StateConnected {
			sess.inRetxWatch = false
			continue
		}
		for i := range sess.slots {
			slot := &sess.slots[i]
			if !slot.inUse || now.Before(slot.txDeadline) {
				continue
			}
			slot.txDeadline = now.Add(ep.params.RetxInterval)
			if slot.respTotal > 0 {
				// The response exists but is arriving slowly or lost in
				// part; pull it instead of replaying the whole request.
				ep.postCtrlPkt(sess, slot.reqNum, wire.TypeRequestForResponse)
			} else {
				ep.observer.ObserveRetransmit()
				ep.postMsgPkts(sess, slot.reqBuf)
			}
		}
		w = append(w, sess)
	}
	ep.retxWatch = w
}

// drainInbox processes a bounded number of management packets delivered by
// the nexus, keeping session transitions on this thread.
func (ep *Endpoint) drainInbox() {
	for i := 0; i < constants.MaxInboxDrain; i++ {
		select {
		case pkt := <-ep.inbox:
			ep.handleSMPacket(pkt)
		default:
			return
		}
	}
}

func (ep *Endpoint) handleSMPacket(pkt *wire.SMPacket) {
	switch pkt.Kind {
	case wire.SMConnectReq:
		ep.handleConnectReq(pkt)
	case wire.SMConnectResp:
		ep.handleConnectResp(pkt)
	case wire.SMDisconnectReq:
		ep.handleDisconnectReq(pkt)
	case wire.SMDisconnectResp:
		ep.handleDisconnectResp(pkt)
	}
}

func (ep *Endpoint) handleConnectReq(pkt *wire.SMPacket) {
	respond := func(srcSess uint16, addr []byte) {
		resp := &wire.SMPacket{
			Kind:          wire.SMConnectResp,
			SrcURI:        ep.nexus.URI(),
			SrcEndpointID: ep.id,
			SrcSessionNum: srcSess,
			DstEndpointID: pkt.SrcEndpointID,
			DstSessionNum: pkt.SrcSessionNum,
			FabricAddr:    addr,
		}
		if err := ep.nexus.sendSM(pkt.SrcURI, resp); err != nil && ep.logger != nil {
			ep.logger.Debugf("endpoint %d: connect response to %s failed: %v", ep.id, pkt.SrcURI, err)
		}
	}

	if len(pkt.FabricAddr) == 0 {
		if ep.logger != nil {
			ep.logger.Printf("endpoint %d: connect request without fabric address, dropping", ep.id)
		}
		return
	}

	key := smKey{uri: pkt.SrcURI, epID: pkt.SrcEndpointID, sessNum: pkt.SrcSessionNum}
	if sn, ok := ep.srvSessions[key]; ok {
		// Retried hello; answer again with the session we already built.
		respond(sn, ep.transport.LocalAddr())
		return
	}

	sn, err := ep.allocSessionNum()
	if err != nil {
		// Refusal: a response with no fabric address.
		respond(0, nil)
		return
	}
	sess := newSession(roleServer, sn, ep.params.SessionSlots)
	sess.state = StateConnected
	sess.remoteURI = pkt.SrcURI
	sess.remoteEndpointID = pkt.SrcEndpointID
	sess.remoteNum = pkt.SrcSessionNum
	sess.remoteAddr = fabric.RawAddr(pkt.FabricAddr)
	ep.sessions[sn] = sess
	ep.srvSessions[key] = sn
	ep.metrics.SessionsCreated.Add(1)

	respond(sn, ep.transport.LocalAddr())
	ep.smHandler(SMEvent{Type: SMConnected, SessionNum: int(sn)})
}

func (ep *Endpoint) handleConnectResp(pkt *wire.SMPacket) {
	sess := ep.sessionByNum(int(pkt.DstSessionNum))
	if sess == nil || sess.role != roleClient || sess.state != StateConnectInProgress {
		return // duplicate or stale answer
	}
	if len(pkt.FabricAddr) == 0 {
		sn := sess.localNum
		ep.freeSessionNum(sn)
		ep.metrics.SessionsDestroyed.Add(1)
		ep.smHandler(SMEvent{
			Type:       SMConnectFailed,
			SessionNum: int(sn),
			Err:        NewSessionError("CONNECT", int(sn), ErrCodeNoFreeSession, "peer refused session"),
		})
		return
	}
	sess.remoteNum = pkt.SrcSessionNum
	sess.remoteAddr = fabric.RawAddr(pkt.FabricAddr)
	sess.state = StateConnected
	sess.pendingSM = nil
	ep.smHandler(SMEvent{Type: SMConnected, SessionNum: int(sess.localNum)})
}

func (ep *Endpoint) handleDisconnectReq(pkt *wire.SMPacket) {
	// Acknowledge unconditionally: a duplicate goodbye for a session that is
	// already gone still deserves its ack, or the peer retries forever.
	resp := &wire.SMPacket{
		Kind:          wire.SMDisconnectResp,
		SrcURI:        ep.nexus.URI(),
		SrcEndpointID: ep.id,
		SrcSessionNum: pkt.DstSessionNum,
		DstEndpointID: pkt.SrcEndpointID,
		DstSessionNum: pkt.SrcSessionNum,
	}
	if err := ep.nexus.sendSM(pkt.SrcURI, resp); err != nil && ep.logger != nil {
		ep.logger.Debugf("endpoint %d: disconnect response failed: %v", ep.id, err)
	}

	sess := ep.sessionByNum(int(pkt.DstSessionNum))
	if sess == nil || sess.remoteNum != pkt.SrcSessionNum {
		return
	}
	ep.cancelOutstanding(sess)
	ep.releaseSession(sess)
	ep.smHandler(SMEvent{Type: SMDisconnected, SessionNum: int(sess.localNum)})
}

func (ep *Endpoint) handleDisconnectResp(pkt *wire.SMPacket) {
	sess := ep.sessionByNum(int(pkt.DstSessionNum))
	if sess == nil || sess.state != StateDisconnectInProgress {
		return
	}
	ep.releaseSession(sess)
	ep.smHandler(SMEvent{Type: SMDisconnected, SessionNum: int(sess.localNum)})
}

// scanSMDeadlines drives setup/teardown retries and their timeout budget.
func (ep *Endpoint) scanSMDeadlines(now time.Time) {
	for i, sess := range ep.sessions {
		if sess == nil {
			continue
		}
		switch sess.state {
		case StateConnectInProgress:
			if now.After(sess.smDeadline) {
				ep.freeSessionNum(uint16(i))
				ep.metrics.SessionsDestroyed.Add(1)
				ep.smHandler(SMEvent{
					Type:       SMConnectFailed,
					SessionNum: i,
					Err:        NewSessionError("CONNECT", i, ErrCodeSetupTimeout, "peer did not answer"),
				})
				continue
			}
			ep.retrySM(sess, now)
		case StateDisconnectInProgress:
			if now.After(sess.smDeadline) {
				// Unreachable peer: finish the teardown locally.
				ep.releaseSession(sess)
				ep.smHandler(SMEvent{Type: SMDisconnected, SessionNum: i})
				continue
			}
			ep.retrySM(sess, now)
		}
	}
}

func (ep *Endpoint) retrySM(sess *Session, now time.Time) {
	if sess.pendingSM == nil || now.Sub(sess.smLastTx) < constants.SMRetryInterval {
		return
	}
	sess.smLastTx = now
	if err := ep.nexus.sendSM(sess.remoteURI, sess.pendingSM); err != nil && ep.logger != nil {
		ep.logger.Debugf("endpoint %d: management retry failed: %v", ep.id, err)
	}
}

// cancelOutstanding completes every in-flight request with SessionReset.
// The user's buffers come back untouched.
func (ep *Endpoint) cancelOutstanding(sess *Session) {
	for i := range sess.slots {
		if sess.slots[i].inUse {
			ep.completeClientSlot(sess, i, NewSessionError("SESSION_RESET", int(sess.localNum),
				ErrCodeSessionReset, "session tore down with the request outstanding"))
		}
	}
}

// releaseSession frees server-side buffers and returns the session number
// to the reuse pool.
func (ep *Endpoint) releaseSession(sess *Session) {
	for i := range sess.slots {
		slot := &sess.slots[i]
		ep.freeInternal(slot.srvReqBuf)
		slot.srvReqBuf = nil
		ep.freeInternal(slot.srvRespBuf)
		slot.srvRespBuf = nil
		slot.srvPending = false
	}
	if sess.role == roleServer {
		delete(ep.srvSessions, smKey{uri: sess.remoteURI, epID: sess.remoteEndpointID, sessNum: sess.remoteNum})
	}
	sess.state = StateDisconnected
	ep.freeSessionNum(sess.localNum)
	ep.metrics.SessionsDestroyed.Add(1)
}

// resetSession is the local teardown path: cancel, release, notify.
func (ep *Endpoint) resetSession(sess *Session, err error) {
	sess.state = StateResetInProgress
	ep.cancelOutstanding(sess)
	sn := int(sess.localNum)
	ep.releaseSession(sess)
	ep.smHandler(SMEvent{Type: SMReset, SessionNum: sn, Err: err})
}

// enterTerminal handles an unrecoverable transport error: every session is
// reset and the endpoint stops doing work.
func (ep *Endpoint) enterTerminal(err error) {
	if ep.terminal {
		return
	}
	ep.terminal = true
	if ep.logger != nil {
		ep.logger.Printf("endpoint %d: fatal transport error: %v", ep.id, err)
	}
	for _, sess := range ep.sessions {
		if sess != nil {
			ep.resetSession(sess, err)
		}
	}
}
