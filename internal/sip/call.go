package sip

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/media"
)

// call is one SIP dialog (or dialog attempt) and its media session.
type call struct {
	id        engine.CallID
	acc       *account
	inbound   bool
	sipCallID string
	slot      int
	session   *media.Session
	transport string

	mu          sync.Mutex
	state       engine.InviteState
	media       engine.MediaStatus
	lastStatus  int
	lastText    string
	remoteInfo  string
	remoteCont  string
	userData    uint64
	hasData     bool
	connectedAt time.Time
	freed       bool

	// Dialog state.
	invite       *sip.Request
	serverTx     sip.ServerTransaction // inbound INVITE awaiting a final response
	localURI     sip.Uri
	remoteURI    sip.Uri
	localTag     string
	remoteTag    string
	remoteTarget sip.Uri
	routes       []string
	cseq         uint32
	offer        *media.RemoteMedia // remote offer of an unanswered inbound call
	sdpVersion   uint64
	sdpSession   uint64
	cancelled    bool // local hangup before a final response
	cancelDial   context.CancelFunc
	reinviting   bool
	referActive  bool
}

// callPort feeds a call's RTP stream into the conference bridge. The slot
// exists for the whole call; it is silent until media starts.
type callPort struct {
	c *call
}

func (p callPort) stream() *media.Stream {
	if p.c.session == nil {
		return nil
	}
	return p.c.session.Stream()
}

func (p callPort) GetFrame(frame []int16) bool {
	if s := p.stream(); s != nil {
		return s.GetFrame(frame)
	}
	return false
}

func (p callPort) PutFrame(frame []int16) {
	if s := p.stream(); s != nil {
		s.PutFrame(frame)
	}
}

func newCallID() string {
	return uuid.NewString()
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func (c *call) info() engine.CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := engine.CallInfo{
		ID:             c.id,
		Account:        c.acc.id,
		State:          c.state,
		MediaStatus:    c.media,
		LastStatus:     c.lastStatus,
		LastStatusText: c.lastText,
		RemoteInfo:     c.remoteInfo,
		RemoteContact:  c.remoteCont,
		ConfSlot:       c.slot,
	}
	if !c.connectedAt.IsZero() {
		info.ConnectDuration = time.Since(c.connectedAt)
	}
	return info
}

// setState records a new invite state and status. It returns false when
// the call is already disconnected. The caller holds mu.
func (c *call) setStateLocked(st engine.InviteState, code int, text string) bool {
	if c.state == engine.StateDisconnected {
		return false
	}
	c.state = st
	if code > 0 {
		c.lastStatus = code
		c.lastText = text
	}
	if st == engine.StateConfirmed && c.connectedAt.IsZero() {
		c.connectedAt = time.Now()
	}
	return true
}

// nextCSeqLocked returns the CSeq for a new in-dialog request. The caller
// holds mu.
func (c *call) nextCSeqLocked() uint32 {
	c.cseq++
	return c.cseq
}

// newRequestLocked builds an in-dialog request. The caller holds mu.
func (c *call) newRequestLocked(method sip.RequestMethod, contact sip.Uri) *sip.Request {
	req := sip.NewRequest(method, *c.remoteTarget.Clone())
	req.SetTransport(c.transport)
	for _, r := range c.routes {
		req.AppendHeader(sip.NewHeader("Route", r))
	}

	from := &sip.FromHeader{Address: *c.localURI.Clone()}
	from.Params.Add("tag", c.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: *c.remoteURI.Clone()}
	if c.remoteTag != "" {
		to.Params.Add("tag", c.remoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(c.sipCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.nextCSeqLocked(), MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: contact})
	return req
}

// stream returns the running RTP stream, or nil before media starts.
func (c *call) stream() *media.Stream {
	if c.session == nil {
		return nil
	}
	return c.session.Stream()
}

// localSDPLocked renders the local description for direction dir. When
// answering, codecs is the single negotiated payload type. The caller
// holds mu.
func (c *call) localSDPLocked(ip string, codecs []int, dtmf bool, dir media.Direction) ([]byte, error) {
	if c.sdpSession == 0 {
		c.sdpSession = uint64(time.Now().UnixNano())
	}
	c.sdpVersion++
	return media.BuildSDP(media.LocalMedia{
		IP:        ip,
		Port:      c.session.LocalPort(),
		SessionID: c.sdpSession,
		Version:   c.sdpVersion,
		Codecs:    codecs,
		DTMF:      dtmf,
		Direction: dir,
	})
}

// dialogFromResponse captures the remote tag, target and route set from a
// 2xx to an INVITE we sent. The caller holds mu.
func (c *call) dialogFromResponseLocked(res *sip.Response) {
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
	}
	if contact := res.Contact(); contact != nil {
		c.remoteTarget = *contact.Address.Clone()
		c.remoteCont = contact.Value()
	}
	rr := res.GetHeaders("Record-Route")
	c.routes = c.routes[:0]
	for i := len(rr) - 1; i >= 0; i-- {
		c.routes = append(c.routes, rr[i].Value())
	}
}

// dialogFromRequestLocked captures the dialog of an INVITE we received. The
// caller holds mu.
func (c *call) dialogFromRequestLocked(req *sip.Request) {
	c.invite = req
	c.sipCallID = callIDOf(req)
	if from := req.From(); from != nil {
		c.remoteURI = *from.Address.Clone()
		if tag, ok := from.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
		c.remoteInfo = from.Value()
	}
	if to := req.To(); to != nil {
		c.localURI = *to.Address.Clone()
	}
	c.remoteTarget = *c.remoteURI.Clone()
	if contact := req.Contact(); contact != nil {
		c.remoteTarget = *contact.Address.Clone()
		c.remoteCont = contact.Value()
	}
	for _, h := range req.GetHeaders("Record-Route") {
		c.routes = append(c.routes, h.Value())
	}
	if cseq := req.CSeq(); cseq != nil {
		c.cseq = cseq.SeqNo
	}
	c.localTag = newTag()
}

// uriTransport returns the transport named by a uri's transport parameter,
// upper-cased for sipgo, defaulting to UDP.
func uriTransport(u sip.Uri) string {
	if t, ok := u.UriParams.Get("transport"); ok && t != "" {
		return strings.ToUpper(t)
	}
	if u.Scheme == "sips" {
		return "TLS"
	}
	return "UDP"
}
