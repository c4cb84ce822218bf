package sip

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/media"
)

const (
	// inviteTimeout bounds how long an outbound INVITE may stay unanswered.
	inviteTimeout = 3 * time.Minute

	// requestTimeout bounds in-dialog transactions (BYE, re-INVITE, REFER, INFO).
	requestTimeout = 32 * time.Second
)

// MakeCall starts an outbound INVITE. The call is reported as Calling once
// the request is sent; the final outcome arrives through OnCallState.
func (e *Engine) MakeCall(accID engine.AccountID, dest string, userData uint64, opts *engine.CallOptions) (engine.CallID, error) {
	a, err := e.account(accID)
	if err != nil {
		return engine.InvalidCall, err
	}
	var recipient sip.Uri
	if err := sip.ParseUri(dest, &recipient); err != nil {
		return engine.InvalidCall, fmt.Errorf("parsing destination %q: %w", dest, err)
	}

	c, err := e.allocCall(a, false, newCallID())
	if err != nil {
		return engine.InvalidCall, err
	}
	c.mu.Lock()
	c.transport = uriTransport(recipient)
	c.userData = userData
	c.hasData = true
	c.localURI = *a.aor.Clone()
	c.remoteURI = *recipient.Clone()
	c.remoteTarget = *recipient.Clone()
	c.remoteInfo = "<" + dest + ">"
	c.remoteCont = c.remoteInfo
	c.localTag = newTag()
	offer, err := c.localSDPLocked(e.cfg.MediaIP, nil, true, media.SendRecv)
	c.mu.Unlock()
	if err != nil {
		e.freeCall(c)
		return engine.InvalidCall, fmt.Errorf("building sdp offer: %w", err)
	}

	req := e.buildInvite(c, recipient, offer, opts)

	ctx, cancel := context.WithTimeout(e.ctx, inviteTimeout)
	c.mu.Lock()
	c.cancelDial = cancel
	c.invite = req
	c.mu.Unlock()

	e.logger.Info("placing outbound call",
		"call", c.id,
		"call_id", c.sipCallID,
		"destination", dest,
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.dial(ctx, c, req)
	}()
	return c.id, nil
}

// buildInvite renders the initial INVITE for an outbound call.
func (e *Engine) buildInvite(c *call, recipient sip.Uri, offer []byte, opts *engine.CallOptions) *sip.Request {
	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(c.transport)

	c.mu.Lock()
	from := &sip.FromHeader{Address: *c.localURI.Clone()}
	from.Params.Add("tag", c.localTag)
	c.cseq = 1
	c.mu.Unlock()
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: *recipient.Clone()})

	callID := sip.CallIDHeader(c.sipCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: e.contactURI(c.localURI.User, c.transport)})
	req.AppendHeader(sip.NewHeader("Allow", allowedMethods))

	if opts != nil {
		for name, value := range opts.Headers {
			req.AppendHeader(sip.NewHeader(name, value))
		}
	}

	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	return req
}

// dial runs the INVITE client transaction: provisional responses move the
// call to Early, a 2xx is acknowledged and confirms the call, and anything
// else disconnects it. One digest challenge is answered.
func (e *Engine) dial(ctx context.Context, c *call, req *sip.Request) {
	e.tracer.TraceRequest("send", req)
	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		e.logger.Error("failed to send invite", "call", c.id, "error", err)
		e.disconnect(c, 503, "Service Unavailable")
		return
	}

	c.mu.Lock()
	ok := c.setStateLocked(engine.StateCalling, 0, "")
	c.mu.Unlock()
	if ok {
		e.notifyState(c)
	}

	authed := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			if c.isCancelled() {
				e.disconnect(c, 487, "Request Terminated")
			} else {
				e.disconnect(c, 408, "Request Timeout")
			}
			return
		case <-tx.Done():
			tx.Terminate()
			e.logger.Warn("invite transaction ended without final response",
				"call", c.id,
				"error", tx.Err(),
			)
			e.disconnect(c, 408, "Request Timeout")
			return
		case res = <-tx.Responses():
		}
		e.tracer.TraceResponse("recv", res)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode < 200:
			if c.isCancelled() {
				e.sendCancel(c, req)
			}
			c.mu.Lock()
			ok := c.setStateLocked(engine.StateEarly, res.StatusCode, res.Reason)
			c.mu.Unlock()
			if ok {
				e.notifyState(c)
			}

		case (res.StatusCode == 401 || res.StatusCode == 407) && !authed:
			tx.Terminate()
			authed = true
			authReq, err := authorize(req, res, c.acc)
			if err != nil {
				e.logger.Warn("cannot answer invite challenge", "call", c.id, "error", err)
				e.disconnect(c, res.StatusCode, res.Reason)
				return
			}
			c.mu.Lock()
			c.invite = authReq
			c.cseq++
			c.mu.Unlock()
			req = authReq
			e.tracer.TraceRequest("send", authReq)
			tx, err = e.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				e.logger.Error("failed to send authenticated invite", "call", c.id, "error", err)
				e.disconnect(c, 503, "Service Unavailable")
				return
			}

		case res.StatusCode < 300:
			e.answered(c, req, res)
			return

		default:
			tx.Terminate()
			e.logger.Info("outbound call failed",
				"call", c.id,
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			e.disconnect(c, res.StatusCode, res.Reason)
			return
		}
	}
}

// answered handles a 2xx to our INVITE: ACK it, start media and confirm
// the call. A call hung up while ringing is acknowledged and then ended
// with BYE.
func (e *Engine) answered(c *call, req *sip.Request, res *sip.Response) {
	ack := buildACKFor2xx(req, res)
	e.tracer.TraceRequest("send", ack)
	if err := e.client.WriteRequest(ack); err != nil {
		e.logger.Error("failed to send ack", "call", c.id, "error", err)
	}

	c.mu.Lock()
	c.dialogFromResponseLocked(res)
	if cseq := req.CSeq(); cseq != nil && cseq.SeqNo > c.cseq {
		c.cseq = cseq.SeqNo
	}
	cancelled := c.cancelled
	c.mu.Unlock()

	if cancelled {
		e.sendBye(c)
		e.disconnect(c, 487, "Request Terminated")
		return
	}

	rm, err := media.ParseSDP(res.Body())
	if err != nil {
		e.logger.Warn("answer has unusable sdp", "call", c.id, "error", err)
		e.sendBye(c)
		e.disconnect(c, 488, "Not Acceptable Here")
		return
	}

	c.mu.Lock()
	ok := c.setStateLocked(engine.StateConfirmed, res.StatusCode, res.Reason)
	c.mu.Unlock()
	if !ok {
		return
	}
	e.logger.Info("outbound call answered", "call", c.id, "call_id", c.sipCallID)
	e.notifyState(c)
	e.startMedia(c, rm, rm.Direction.Reverse())
}

// sendCancel cancels a pending INVITE.
func (e *Engine) sendCancel(c *call, invite *sip.Request) {
	c.mu.Lock()
	if c.state == engine.StateNull || c.state == engine.StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancelReq.SetTransport(invite.Transport())
	if h := invite.Via(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}

	e.tracer.TraceRequest("send", cancelReq)
	ctx, cancel := context.WithTimeout(e.ctx, requestTimeout)
	defer cancel()
	tx, err := e.client.TransactionRequest(ctx, cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		e.logger.Debug("failed to send cancel", "call", c.id, "error", err)
		return
	}
	tx.Terminate()
}

// buildACKFor2xx creates an ACK request for a 2xx response to an INVITE.
// The ACK for a 2xx is generated by the UAC core, not the transaction
// layer. The Request-URI is taken from the Contact header in the response
// if present, otherwise from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	rr := inviteResp.GetHeaders("Record-Route")
	for i := len(rr) - 1; i >= 0; i-- {
		ack.AppendHeader(sip.NewHeader("Route", rr[i].Value()))
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To carries the remote tag from the response.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}

// handleInvite dispatches a new inbound call or an in-dialog re-INVITE.
func (e *Engine) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	e.tracer.TraceRequest("recv", req)
	callID := callIDOf(req)
	if c := e.dialog(callID); c != nil {
		e.handleReinvite(c, req, tx)
		return
	}

	a := e.accountFor(req)
	if a == nil {
		e.logger.Info("rejecting call for unknown account",
			"call_id", callID,
			"to", req.Recipient.String(),
		)
		e.respond(req, tx, 404, "Not Found")
		return
	}
	e.respond(req, tx, 100, "Trying")

	rm, err := media.ParseSDP(req.Body())
	if err != nil {
		e.logger.Info("rejecting call with unusable sdp", "call_id", callID, "error", err)
		e.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	c, err := e.allocCall(a, true, callID)
	if err != nil {
		e.logger.Warn("cannot accept inbound call", "call_id", callID, "error", err)
		e.respond(req, tx, 486, "Busy Here")
		return
	}
	c.mu.Lock()
	c.dialogFromRequestLocked(req)
	c.transport = strings.ToUpper(req.Transport())
	c.serverTx = tx
	c.offer = rm
	c.state = engine.StateIncoming
	info := &engine.IncomingInfo{From: c.remoteInfo, Contact: c.remoteCont, CallID: callID}
	c.mu.Unlock()

	e.logger.Info("incoming call",
		"call", c.id,
		"call_id", callID,
		"from", info.From,
		"account", a.cfg.ID,
	)

	e.notify.Schedule(func() {
		if !e.live(c) {
			return
		}
		if h := e.handlerRef(); h != nil {
			h.OnIncomingCall(a.id, c.id, info)
		}
	})

	// A transaction that ends before we answer was cancelled or timed out.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-tx.Done():
			e.abortInbound(c, 487, "Request Terminated")
		case <-e.ctx.Done():
		}
	}()
}

// accountFor picks the account an inbound INVITE is addressed to: the
// request-uri user, then the To user, then the lowest account id.
func (e *Engine) accountFor(req *sip.Request) *account {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.accounts) == 0 {
		return nil
	}
	users := []string{req.Recipient.User}
	if to := req.To(); to != nil {
		users = append(users, to.Address.User)
	}
	for _, u := range users {
		for _, a := range e.accounts {
			if u != "" && a.aor.User == u {
				return a
			}
		}
	}
	var first *account
	for _, a := range e.accounts {
		if first == nil || a.id < first.id {
			first = a
		}
	}
	return first
}

// abortInbound ends an unanswered inbound call, replying code to the INVITE
// when its transaction is still open.
func (e *Engine) abortInbound(c *call, code int, reason string) {
	c.mu.Lock()
	if c.serverTx == nil || c.state == engine.StateDisconnected {
		c.mu.Unlock()
		return
	}
	req, tx := c.invite, c.serverTx
	c.serverTx = nil
	c.setStateLocked(engine.StateDisconnected, code, reason)
	c.mu.Unlock()

	e.respond(req, tx, code, reason)
	e.logger.Info("inbound call aborted", "call", c.id, "status", code)
	e.notifyState(c)
}

// Answer sends a response to an inbound INVITE. Provisional codes keep the
// call ringing; 2xx answers with SDP and waits for the ACK; anything else
// rejects the call.
func (e *Engine) Answer(id engine.CallID, code int) error {
	c, err := e.call(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.inbound || c.serverTx == nil {
		c.mu.Unlock()
		return engine.ErrInvalidOp
	}
	req, tx := c.invite, c.serverTx

	switch {
	case code >= 100 && code < 200:
		c.setStateLocked(engine.StateEarly, code, reasonFor(code))
		res := c.responseLocked(req, code, nil)
		c.mu.Unlock()
		e.sendResponse(tx, res)
		e.notifyState(c)
		return nil

	case code >= 200 && code < 300:
		rm := c.offer
		dtmf := rm.DTMFPayloadType >= 0
		answer, err := c.localSDPLocked(e.cfg.MediaIP, []int{rm.PayloadType}, dtmf, rm.Direction.Reverse())
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("building sdp answer: %w", err)
		}
		res := c.responseLocked(req, code, answer)
		res.AppendHeader(&sip.ContactHeader{Address: e.contactURI(c.localURI.User, c.transport)})
		res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		c.serverTx = nil
		c.setStateLocked(engine.StateConnecting, code, reasonFor(code))
		c.mu.Unlock()

		e.sendResponse(tx, res)
		e.notifyState(c)
		e.startMedia(c, rm, rm.Direction.Reverse())
		return nil

	case code >= 300 && code < 700:
		c.mu.Unlock()
		e.abortInbound(c, code, reasonFor(code))
		return nil
	}
	c.mu.Unlock()
	return fmt.Errorf("invalid response code %d: %w", code, engine.ErrInvalidOp)
}

// responseLocked builds a response to the dialog-forming INVITE with our
// To tag. The caller holds mu.
func (c *call) responseLocked(req *sip.Request, code int, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reasonFor(code), body)
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.localTag = tag
		} else {
			to.Params.Add("tag", c.localTag)
		}
	}
	return res
}

func (e *Engine) sendResponse(tx sip.ServerTransaction, res *sip.Response) {
	e.tracer.TraceResponse("send", res)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to send response", "code", res.StatusCode, "error", err)
	}
}

// confirmInbound moves an answered inbound call to Confirmed on ACK.
func (e *Engine) confirmInbound(c *call) {
	c.mu.Lock()
	if c.state != engine.StateConnecting {
		c.mu.Unlock()
		return
	}
	ok := c.setStateLocked(engine.StateConfirmed, 0, "")
	c.mu.Unlock()
	if ok {
		e.logger.Info("inbound call confirmed", "call", c.id, "call_id", c.sipCallID)
		e.notifyState(c)
	}
}

// Hangup ends a call in any state. Unanswered inbound calls are rejected
// with code (603 when zero), outbound calls still ringing are cancelled and
// established calls get a BYE.
func (e *Engine) Hangup(id engine.CallID, code int) error {
	c, err := e.call(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	state := c.state
	pendingInbound := c.inbound && c.serverTx != nil
	c.mu.Unlock()

	switch {
	case state == engine.StateDisconnected:
		return nil

	case pendingInbound:
		if code < 300 || code >= 700 {
			code = 603
		}
		e.abortInbound(c, code, reasonFor(code))
		return nil

	case !c.inbound && state != engine.StateConfirmed:
		c.mu.Lock()
		c.cancelled = true
		invite := c.invite
		cancel := c.cancelDial
		c.mu.Unlock()
		if state == engine.StateEarly {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.sendCancel(c, invite)
			}()
		}
		// A CANCEL crossing a 2xx is resolved by dial; without any response
		// yet there is nothing to cancel on the wire.
		if state == engine.StateNull || state == engine.StateCalling {
			if cancel != nil {
				cancel()
			}
		}
		return nil

	default:
		c.mu.Lock()
		ok := c.setStateLocked(engine.StateDisconnected, 0, "")
		c.mu.Unlock()
		if !ok {
			return nil
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.sendBye(c)
		}()
		e.stopMedia(c)
		e.notifyState(c)
		return nil
	}
}

// HangupAll hangs up every call.
func (e *Engine) HangupAll() {
	for _, id := range e.CallIDs() {
		if err := e.Hangup(id, 0); err != nil {
			e.logger.Debug("hangup failed", "call", id, "error", err)
		}
	}
}

// disconnect ends a call with a final status and reports it.
func (e *Engine) disconnect(c *call, code int, reason string) {
	c.mu.Lock()
	ok := c.setStateLocked(engine.StateDisconnected, code, reason)
	c.mu.Unlock()
	if !ok {
		return
	}
	e.stopMedia(c)
	e.notifyState(c)
}

func (c *call) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// startMedia starts (or updates) the RTP stream and reports the media state.
func (e *Engine) startMedia(c *call, rm *media.RemoteMedia, dir media.Direction) {
	c.session.Start(rm, dir, func(digit string) {
		e.logger.Info("rtp dtmf received", "call", c.id, "digit", digit)
	}, e.logger)

	c.mu.Lock()
	c.media = mediaStatusFor(dir)
	c.mu.Unlock()
	e.notifyMedia(c)
}

// stopMedia mutes the call's stream until the call is freed.
func (e *Engine) stopMedia(c *call) {
	if s := c.stream(); s != nil {
		s.SetDirection(media.Inactive)
	}
	c.mu.Lock()
	c.media = engine.MediaNone
	c.mu.Unlock()
}

// mediaStatusFor maps our stream direction to a media status.
func mediaStatusFor(dir media.Direction) engine.MediaStatus {
	switch dir {
	case media.SendRecv:
		return engine.MediaActive
	case media.RecvOnly:
		return engine.MediaRemoteHold
	default:
		return engine.MediaLocalHold
	}
}

// reasonFor returns the standard reason phrase for the codes the engine
// sends itself.
func reasonFor(code int) string {
	switch code {
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 404:
		return "Not Found"
	case 480:
		return "Temporarily Unavailable"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 603:
		return "Decline"
	default:
		return "Status " + fmt.Sprint(code)
	}
}
