package sip

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// TraceVerbosity controls how much of each SIP message is logged.
type TraceVerbosity int32

const (
	// TraceOff disables SIP message tracing.
	TraceOff TraceVerbosity = iota
	// TraceHeaders logs only the start line and headers (no SDP body).
	TraceHeaders
	// TraceFull logs the complete message including the SDP body.
	TraceFull
)

// ParseTraceVerbosity converts a string setting to a TraceVerbosity value.
func ParseTraceVerbosity(s string) TraceVerbosity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return TraceHeaders
	case "full":
		return TraceFull
	default:
		return TraceOff
	}
}

func (v TraceVerbosity) String() string {
	switch v {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// MessageTracer logs SIP requests and responses sent and received by the
// engine at debug level.
type MessageTracer struct {
	logger    *slog.Logger
	verbosity atomic.Int32
}

// NewMessageTracer creates a tracer. A nil tracer traces nothing.
func NewMessageTracer(logger *slog.Logger, verbosity TraceVerbosity) *MessageTracer {
	t := &MessageTracer{
		logger: logger.With("subsystem", "sip-trace"),
	}
	t.verbosity.Store(int32(verbosity))
	return t
}

// SetVerbosity updates the tracing verbosity level at runtime.
func (t *MessageTracer) SetVerbosity(v TraceVerbosity) {
	t.verbosity.Store(int32(v))
	t.logger.Info("sip message tracing verbosity changed", "verbosity", v.String())
}

// Verbosity returns the current tracing verbosity level.
func (t *MessageTracer) Verbosity() TraceVerbosity {
	if t == nil {
		return TraceOff
	}
	return TraceVerbosity(t.verbosity.Load())
}

// TraceRequest logs req. direction is "send" or "recv".
func (t *MessageTracer) TraceRequest(direction string, req *sip.Request) {
	v := t.Verbosity()
	if v == TraceOff || req == nil {
		return
	}
	t.logger.Debug("sip "+direction,
		"direction", direction,
		"method", req.Method.String(),
		"transport", req.Transport(),
		"call_id", callIDOf(req),
		"message", formatMessage([]byte(req.String()), v),
	)
}

// TraceResponse logs res. direction is "send" or "recv".
func (t *MessageTracer) TraceResponse(direction string, res *sip.Response) {
	v := t.Verbosity()
	if v == TraceOff || res == nil {
		return
	}
	callID := ""
	if cid := res.CallID(); cid != nil {
		callID = cid.Value()
	}
	t.logger.Debug("sip "+direction,
		"direction", direction,
		"status", res.StatusCode,
		"call_id", callID,
		"message", formatMessage([]byte(res.String()), v),
	)
}

// formatMessage applies the verbosity filter to a rendered SIP message.
func formatMessage(sipmsg []byte, v TraceVerbosity) string {
	if v == TraceFull {
		return string(sipmsg)
	}

	idx := bytes.Index(sipmsg, []byte("\r\n\r\n"))
	if idx >= 0 {
		return string(sipmsg[:idx])
	}
	return string(sipmsg)
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
