package sip

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/media"
)

const allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO, REFER, NOTIFY"

// registerHandlers attaches SIP method handlers to the server.
func (e *Engine) registerHandlers() {
	e.srv.OnInvite(e.handleInvite)
	e.srv.OnAck(e.handleACK)
	e.srv.OnBye(e.handleBye)
	e.srv.OnCancel(e.handleCancel)
	e.srv.OnOptions(e.handleOptions)
	e.srv.OnInfo(e.handleInfo)
	e.srv.OnNotify(e.handleNotify)
	e.srv.OnRefer(e.handleRefer)
}

// CreateTransport starts listening on t. The port is bound up front so
// that an unusable address fails here rather than in the serve goroutine;
// port 0 picks an ephemeral port.
func (e *Engine) CreateTransport(t engine.Transport, cfg engine.TransportConfig) error {
	if e.handlerRef() == nil {
		return engine.ErrHandlerRequired
	}

	var tlsCfg *tls.Config
	if t == engine.TransportTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("tls transport needs a certificate and key")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("loading tls certificate: %w", err)
		}
		tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	port, err := probePort(t, cfg.Port)
	if err != nil {
		return fmt.Errorf("binding %s transport: %w", t, err)
	}
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(port))

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return engine.ErrClosed
	}
	if _, exists := e.listeners[t]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%s transport already created", t)
	}
	e.listeners[t] = port
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logger.Info("sip listener starting", "transport", t.String(), "addr", addr)
		var err error
		if tlsCfg != nil {
			err = e.srv.ListenAndServeTLS(e.ctx, "tls", addr, tlsCfg)
		} else {
			err = e.srv.ListenAndServe(e.ctx, "udp", addr)
		}
		if e.ctx.Err() != nil {
			return
		}
		e.logger.Error("sip listener stopped", "transport", t.String(), "error", err)
		e.mu.Lock()
		delete(e.listeners, t)
		e.mu.Unlock()
		e.notify.Schedule(func() {
			if h := e.handlerRef(); h != nil {
				h.OnTransportState(t, "disconnected", err)
			}
		})
	}()
	return nil
}

// probePort checks that port is free for t and resolves port 0 to a
// concrete ephemeral port.
func probePort(t engine.Transport, port int) (int, error) {
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
	if t == engine.TransportTLS {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return 0, err
		}
		defer l.Close()
		return l.Addr().(*net.TCPAddr).Port, nil
	}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return 0, err
	}
	defer pc.Close()
	return pc.LocalAddr().(*net.UDPAddr).Port, nil
}

// ListenPort returns the port t is listening on, or 0.
func (e *Engine) ListenPort(t engine.Transport) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listeners[t]
}

// respond sends a response and logs failures.
func (e *Engine) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	e.tracer.TraceResponse("send", res)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to send response",
			"method", req.Method.String(),
			"code", code,
			"error", err,
		)
	}
}

// handleOptions answers keepalive pings.
func (e *Engine) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	e.tracer.TraceRequest("recv", req)
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo accepts SIP INFO DTMF from peers that do not send RFC 2833
// events. Digits are logged; nothing upstream consumes them.
func (e *Engine) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	e.tracer.TraceRequest("recv", req)
	callID := callIDOf(req)
	if e.dialog(callID) == nil {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	if ct := req.ContentType(); ct != nil {
		if info, err := media.ParseSIPInfoDTMF(ct.Value(), req.Body()); err == nil {
			e.logger.Info("sip info dtmf received",
				"signal", info.Signal,
				"duration", info.Duration,
				"call_id", callID,
			)
		}
	}
	e.respond(req, tx, 200, "OK")
}

// handleACK confirms an inbound call we answered.
func (e *Engine) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	e.tracer.TraceRequest("recv", req)
	c := e.dialog(callIDOf(req))
	if c == nil {
		return
	}
	e.confirmInbound(c)
}

// handleBye ends a dialog from the remote side.
func (e *Engine) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	e.tracer.TraceRequest("recv", req)
	c := e.dialog(callIDOf(req))
	if c == nil {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	e.respond(req, tx, 200, "OK")

	e.logger.Info("call ended by remote", "call", c.id, "call_id", c.sipCallID)
	c.mu.Lock()
	ok := c.setStateLocked(engine.StateDisconnected, 0, "")
	c.mu.Unlock()
	if ok {
		e.stopMedia(c)
		e.notifyState(c)
	}
}

// handleCancel aborts an inbound call that has not been answered.
func (e *Engine) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	e.tracer.TraceRequest("recv", req)
	c := e.dialog(callIDOf(req))
	if c == nil {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	e.respond(req, tx, 200, "OK")
	e.abortInbound(c, 487, "Request Terminated")
}

// handleRefer declines transfer requests from peers.
func (e *Engine) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	e.tracer.TraceRequest("recv", req)
	if e.dialog(callIDOf(req)) == nil {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	e.respond(req, tx, 603, "Decline")
}

// handleNotify relays REFER progress (message/sipfrag bodies).
func (e *Engine) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	e.tracer.TraceRequest("recv", req)
	c := e.dialog(callIDOf(req))
	if c == nil {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = h.Value()
	}
	if !isReferEvent(event) {
		e.respond(req, tx, 489, "Bad Event")
		return
	}
	e.respond(req, tx, 200, "OK")

	code, text, ok := parseSipfrag(req.Body())
	if !ok {
		e.logger.Debug("notify without status line", "call_id", c.sipCallID)
		return
	}
	final := code >= 200
	if h := req.GetHeader("Subscription-State"); h != nil && isTerminated(h.Value()) && code < 200 {
		final = true
	}

	c.mu.Lock()
	active := c.referActive
	c.mu.Unlock()
	if active {
		e.notifyTransfer(c, code, text, final)
	}
}
