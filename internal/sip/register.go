package sip

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/flowpbx/webphone/internal/engine"
)

const (
	// defaultExpiry is requested when the account has no registration timeout.
	defaultExpiry = 300 * time.Second

	// defaultRetry is the first retry delay when the account sets none.
	defaultRetry = 15 * time.Second

	// unregisterTimeout bounds the best-effort REGISTER with Expires: 0.
	unregisterTimeout = 5 * time.Second
)

// account is the runtime state of one engine account: its parsed
// configuration, registration status and the loop keeping it registered.
type account struct {
	id        engine.AccountID
	cfg       engine.AccountConfig
	aor       sip.Uri
	registrar sip.Uri
	transport string

	mu         sync.Mutex
	info       engine.AccountInfo
	registered bool // a REGISTER with non-zero expiry was accepted
	cancel     context.CancelFunc
	kick       chan struct{}
}

func newAccount(id engine.AccountID, cfg engine.AccountConfig) (*account, error) {
	var aor sip.Uri
	if err := sip.ParseUri(cfg.ID, &aor); err != nil {
		return nil, fmt.Errorf("parsing account uri %q: %w", cfg.ID, err)
	}
	a := &account{
		id:        id,
		cfg:       cfg,
		aor:       aor,
		transport: "UDP",
		info:      engine.AccountInfo{ID: id, URI: cfg.ID},
		kick:      make(chan struct{}, 1),
	}
	if cfg.RegURI != "" {
		if err := sip.ParseUri(cfg.RegURI, &a.registrar); err != nil {
			return nil, fmt.Errorf("parsing registrar uri %q: %w", cfg.RegURI, err)
		}
		a.transport = uriTransport(a.registrar)
	}
	return a, nil
}

// credential returns the first configured credential, if any.
func (a *account) credential() (engine.Credential, bool) {
	if len(a.cfg.Credentials) == 0 {
		return engine.Credential{}, false
	}
	return a.cfg.Credentials[0], true
}

func (a *account) expiry() int {
	d := a.cfg.Timeout
	if d <= 0 {
		d = defaultExpiry
	}
	return int(d / time.Second)
}

func (a *account) snapshot() engine.AccountInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

func (a *account) setInfo(status int, text string, expires time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.info.Status = status
	a.info.StatusText = text
	a.info.Expires = expires
	a.registered = status >= 200 && status < 300 && expires > 0
}

// startRegistration (re)starts the registration loop. An account without a
// registrar never registers.
func (e *Engine) startRegistration(a *account) {
	if a.cfg.RegURI == "" {
		return
	}
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		select {
		case a.kick <- struct{}{}:
		default:
		}
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	a.cancel = cancel
	a.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.registrationLoop(ctx, a)
	}()
}

// stopRegistration cancels the loop and, when the account was registered,
// sends an unregister in the background.
func (e *Engine) stopRegistration(a *account, notify bool) {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	wasRegistered := a.registered
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !wasRegistered {
		if notify {
			a.setInfo(200, "OK", 0)
			e.notifyReg(a)
		}
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
		defer cancel()
		status, text, _, err := e.sendRegister(ctx, a, 0)
		if err != nil {
			e.logger.Warn("failed to unregister account",
				"account", a.cfg.ID,
				"error", err,
			)
		}
		a.setInfo(status, text, 0)
		if notify {
			e.notifyReg(a)
		}
	}()
}

// registrationLoop keeps an account registered: initial REGISTER, refresh at
// 80% of the granted expiry, and retries with backoff on failure. Every
// outcome is reported through OnRegState.
func (e *Engine) registrationLoop(ctx context.Context, a *account) {
	expiry := a.expiry()
	retry := a.cfg.RetryInterval
	if retry <= 0 {
		retry = defaultRetry
	}

	e.logger.Info("starting account registration",
		"account", a.cfg.ID,
		"registrar", a.registrar.String(),
		"transport", a.transport,
		"expiry", expiry,
	)

	bo := newBackoff(retry)

	for {
		status, text, granted, err := e.sendRegister(ctx, a, expiry)
		if ctx.Err() != nil {
			return
		}

		var wait time.Duration
		if err != nil || status < 200 || status >= 300 {
			wait = bo.next()
			if err != nil {
				e.logger.Error("account registration failed",
					"account", a.cfg.ID,
					"error", err,
					"attempt", bo.attempt,
					"retry_in", wait.String(),
				)
			} else {
				e.logger.Warn("account registration rejected",
					"account", a.cfg.ID,
					"status", status,
					"reason", text,
					"retry_in", wait.String(),
				)
			}
			a.setInfo(status, text, 0)
		} else {
			bo.reset()
			a.setInfo(status, text, time.Duration(granted)*time.Second)
			if granted != expiry {
				e.logger.Info("account registered (server adjusted expiry)",
					"account", a.cfg.ID,
					"requested_expiry", expiry,
					"granted_expiry", granted,
				)
			} else {
				e.logger.Info("account registered",
					"account", a.cfg.ID,
					"expires_in", granted,
				)
			}
			wait = time.Duration(float64(granted)*0.8) * time.Second
		}
		e.notifyReg(a)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-a.kick:
			timer.Stop()
			e.logger.Debug("registration renewal requested", "account", a.cfg.ID)
		case <-timer.C:
			e.logger.Debug("re-registering account", "account", a.cfg.ID)
		}
	}
}

// sendRegister sends a REGISTER, answering one digest challenge. It returns
// the final status and the server-granted expiry in seconds. Transport
// failures are returned as errors with a 408 or 503 status so they can be
// reported to the handler.
func (e *Engine) sendRegister(ctx context.Context, a *account, expiry int) (int, string, int, error) {
	req := sip.NewRequest(sip.REGISTER, a.registrar)
	req.SetTransport(a.transport)

	from := &sip.FromHeader{Address: a.aor}
	from.Params.Add("tag", newTag())
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: a.aor})
	req.AppendHeader(&sip.ContactHeader{Address: e.contactURI(a.aor.User, a.transport)})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	e.tracer.TraceRequest("send", req)
	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 503, "Service Unavailable", 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 408, "Request Timeout", 0, fmt.Errorf("waiting for register response: %w", err)
	}
	e.tracer.TraceResponse("recv", res)

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := authorize(req, res, a)
		if err != nil {
			return res.StatusCode, res.Reason, 0, err
		}
		e.tracer.TraceRequest("send", authReq)
		tx2, err := e.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 503, "Service Unavailable", 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 408, "Request Timeout", 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
		e.tracer.TraceResponse("recv", res)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return res.StatusCode, res.Reason, 0, nil
	}

	// The registrar may shorten the requested expiry.
	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			granted = parsed
		}
	}
	if expiry == 0 {
		granted = 0
	}
	return res.StatusCode, res.Reason, granted, nil
}

// authorize answers a 401/407 challenge with the account's credential.
func authorize(req *sip.Request, res *sip.Response, a *account) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	cred, ok := a.credential()
	if !ok {
		return nil, fmt.Errorf("received %d but account has no credentials", res.StatusCode)
	}

	wwwAuth := res.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}
	if cred.Realm != "" && cred.Realm != "*" && cred.Realm != chal.Realm {
		return nil, fmt.Errorf("no credential for realm %q", chal.Realm)
	}

	answer, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: cred.Username,
		Password: cred.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, answer.String()))
	return authReq, nil
}

// getResponse waits for the final response of a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

// parseContactExpires extracts the expires parameter from a Contact header value.
// Contact headers may contain: <sip:user@host>;expires=3600
// Returns 0 if no expires parameter is found or parsing fails.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value (a plain integer of seconds).
// Returns 0 if parsing fails.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff(base time.Duration) *backoff {
	return &backoff{
		baseDelay: base,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
