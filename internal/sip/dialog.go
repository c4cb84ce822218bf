package sip

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/media"
)

const (
	dtmfDuration = 160 * time.Millisecond
	dtmfGap      = 80 * time.Millisecond
)

// transact sends an in-dialog request and waits for its final response.
func (e *Engine) transact(req *sip.Request) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(e.ctx, requestTimeout)
	defer cancel()

	e.tracer.TraceRequest("send", req)
	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method.String(), err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Method.String(), err)
	}
	e.tracer.TraceResponse("recv", res)
	return res, nil
}

// sendBye ends an established dialog on the wire.
func (e *Engine) sendBye(c *call) {
	c.mu.Lock()
	req := c.newRequestLocked(sip.BYE, e.contactURI(c.localURI.User, c.transport))
	c.mu.Unlock()

	res, err := e.transact(req)
	if err != nil {
		e.logger.Warn("bye failed", "call", c.id, "call_id", c.sipCallID, "error", err)
		return
	}
	e.logger.Debug("bye completed", "call", c.id, "status", res.StatusCode)
}

// SetHold puts a confirmed call on hold with a sendonly re-INVITE.
func (e *Engine) SetHold(id engine.CallID) error {
	c, err := e.call(id)
	if err != nil {
		return err
	}
	return e.reinvite(c, media.SendOnly)
}

// Reinvite refreshes the session. With unhold the call returns to sendrecv;
// otherwise the current direction is offered again.
func (e *Engine) Reinvite(id engine.CallID, unhold bool) error {
	c, err := e.call(id)
	if err != nil {
		return err
	}
	dir := media.SendRecv
	if !unhold {
		if s := c.stream(); s != nil {
			dir = s.Direction()
		}
	}
	return e.reinvite(c, dir)
}

// reinvite offers dir to the peer. Only one re-INVITE may be pending per
// call.
func (e *Engine) reinvite(c *call, dir media.Direction) error {
	c.mu.Lock()
	if c.state != engine.StateConfirmed || c.reinviting {
		c.mu.Unlock()
		return engine.ErrInvalidOp
	}
	offer, err := c.localSDPLocked(e.cfg.MediaIP, nil, true, dir)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("building sdp offer: %w", err)
	}
	c.reinviting = true
	req := c.newRequestLocked(sip.INVITE, e.contactURI(c.localURI.User, c.transport))
	c.mu.Unlock()

	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			c.mu.Lock()
			c.reinviting = false
			c.mu.Unlock()
		}()

		res, err := e.transact(req)
		if err != nil {
			e.logger.Warn("re-invite failed", "call", c.id, "error", err)
			return
		}
		if res.StatusCode >= 300 {
			e.logger.Info("re-invite rejected",
				"call", c.id,
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			return
		}

		ack := buildACKFor2xx(req, res)
		e.tracer.TraceRequest("send", ack)
		if err := e.client.WriteRequest(ack); err != nil {
			e.logger.Error("failed to send ack", "call", c.id, "error", err)
		}

		rm, err := media.ParseSDP(res.Body())
		if err != nil {
			e.logger.Warn("re-invite answer has unusable sdp", "call", c.id, "error", err)
			return
		}
		if !e.live(c) {
			return
		}
		local := rm.Direction.Reverse()
		if dir == media.SendOnly && local == media.SendRecv {
			local = media.SendOnly
		}
		e.logger.Info("call media renegotiated", "call", c.id, "direction", string(local))
		e.startMedia(c, rm, local)
	}()
	return nil
}

// handleReinvite answers a re-INVITE from the peer, mirroring the offered
// direction.
func (e *Engine) handleReinvite(c *call, req *sip.Request, tx sip.ServerTransaction) {
	c.mu.Lock()
	if c.state != engine.StateConfirmed && c.state != engine.StateConnecting {
		c.mu.Unlock()
		e.respond(req, tx, 491, "Request Pending")
		return
	}
	c.mu.Unlock()

	rm, err := media.ParseSDP(req.Body())
	if err != nil {
		e.respond(req, tx, 488, "Not Acceptable Here")
		return
	}
	local := rm.Direction.Reverse()

	c.mu.Lock()
	if cseq := req.CSeq(); cseq != nil && cseq.SeqNo > c.cseq {
		c.cseq = cseq.SeqNo
	}
	if contact := req.Contact(); contact != nil {
		c.remoteTarget = *contact.Address.Clone()
	}
	answer, err := c.localSDPLocked(e.cfg.MediaIP, []int{rm.PayloadType}, rm.DTMFPayloadType >= 0, local)
	c.mu.Unlock()
	if err != nil {
		e.respond(req, tx, 500, "Server Internal Error")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	res.AppendHeader(&sip.ContactHeader{Address: e.contactURI(c.localURI.User, c.transport)})
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	e.sendResponse(tx, res)

	e.logger.Info("remote renegotiated media", "call", c.id, "direction", string(local))
	e.startMedia(c, rm, local)
}

// DialDTMF sends digits as RFC 2833 events, or as SIP INFO when the peer
// did not negotiate telephone-event.
func (e *Engine) DialDTMF(id engine.CallID, digits string) error {
	c, err := e.call(id)
	if err != nil {
		return err
	}
	for _, d := range digits {
		if _, ok := media.DTMFEventCode(d); !ok {
			return fmt.Errorf("invalid dtmf digit %q: %w", d, engine.ErrInvalidOp)
		}
	}

	c.mu.Lock()
	confirmed := c.state == engine.StateConfirmed
	c.mu.Unlock()
	if !confirmed {
		return engine.ErrInvalidOp
	}

	s := c.stream()
	rtp := s != nil && s.SupportsDTMF()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for _, d := range digits {
			if !e.live(c) {
				return
			}
			if rtp {
				if err := s.SendDTMF(d, dtmfDuration); err != nil {
					e.logger.Warn("dtmf send failed", "call", c.id, "digit", string(d), "error", err)
					return
				}
			} else if err := e.sendInfoDTMF(c, d); err != nil {
				e.logger.Warn("dtmf info failed", "call", c.id, "digit", string(d), "error", err)
				return
			}
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(dtmfDuration + dtmfGap):
			}
		}
	}()
	return nil
}

func (e *Engine) sendInfoDTMF(c *call, digit rune) error {
	c.mu.Lock()
	req := c.newRequestLocked(sip.INFO, e.contactURI(c.localURI.User, c.transport))
	c.mu.Unlock()
	req.SetBody(media.FormatDTMFInfoRelay(string(digit), int(dtmfDuration/time.Millisecond)))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))

	res, err := e.transact(req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return &engine.StatusError{Code: res.StatusCode, Text: res.Reason}
	}
	return nil
}

// Transfer sends a blind REFER to dest. Progress arrives as NOTIFY and is
// reported through OnCallTransferStatus.
func (e *Engine) Transfer(id engine.CallID, dest string) error {
	c, err := e.call(id)
	if err != nil {
		return err
	}
	var target sip.Uri
	if err := sip.ParseUri(dest, &target); err != nil {
		return fmt.Errorf("parsing transfer target %q: %w", dest, err)
	}
	return e.refer(c, "<"+target.String()+">")
}

// TransferReplaces asks the peer of id to replace other with itself
// (attended transfer).
func (e *Engine) TransferReplaces(id, other engine.CallID) error {
	c, err := e.call(id)
	if err != nil {
		return err
	}
	o, err := e.call(other)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.state != engine.StateConfirmed {
		o.mu.Unlock()
		return engine.ErrInvalidOp
	}
	target := o.remoteURI.Clone()
	replaces := replacesParam(o.sipCallID, o.remoteTag, o.localTag)
	o.mu.Unlock()

	return e.refer(c, "<"+target.String()+"?Replaces="+replaces+">")
}

// replacesParam renders the escaped Replaces header embedded in Refer-To.
func replacesParam(callID, toTag, fromTag string) string {
	return url.QueryEscape(callID + ";to-tag=" + toTag + ";from-tag=" + fromTag)
}

func (e *Engine) refer(c *call, referTo string) error {
	c.mu.Lock()
	if c.state != engine.StateConfirmed || c.referActive {
		c.mu.Unlock()
		return engine.ErrInvalidOp
	}
	c.referActive = true
	req := c.newRequestLocked(sip.REFER, e.contactURI(c.localURI.User, c.transport))
	c.mu.Unlock()

	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+c.acc.aor.String()+">"))

	e.logger.Info("transferring call", "call", c.id, "refer_to", referTo)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res, err := e.transact(req)
		if err != nil {
			e.logger.Warn("refer failed", "call", c.id, "error", err)
			e.notifyTransfer(c, 408, "Request Timeout", true)
			return
		}
		if res.StatusCode >= 300 {
			e.notifyTransfer(c, res.StatusCode, res.Reason, true)
		}
	}()
	return nil
}

// isReferEvent reports whether an Event header value names the refer
// package.
func isReferEvent(event string) bool {
	name := event
	if i := strings.IndexByte(name, ';'); i >= 0 {
		name = name[:i]
	}
	return strings.EqualFold(strings.TrimSpace(name), "refer")
}

// isTerminated reports whether a Subscription-State value ends the
// subscription.
func isTerminated(state string) bool {
	name := state
	if i := strings.IndexByte(name, ';'); i >= 0 {
		name = name[:i]
	}
	return strings.EqualFold(strings.TrimSpace(name), "terminated")
}

// parseSipfrag extracts the status line of a message/sipfrag body, e.g.
// "SIP/2.0 180 Ringing".
func parseSipfrag(body []byte) (int, string, bool) {
	line := string(body)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "SIP/") {
		return 0, "", false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 699 {
		return 0, "", false
	}
	text := ""
	if len(fields) == 3 {
		text = fields[2]
	}
	return code, text, true
}
