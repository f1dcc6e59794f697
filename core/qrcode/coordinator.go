package qrcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getkayan/kayan-connect/core/audit"
	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/flow"
	"github.com/getkayan/kayan-connect/core/identity"
	"github.com/getkayan/kayan-connect/core/logger"
	"github.com/getkayan/kayan-connect/core/oauth2"
	"github.com/getkayan/kayan-connect/core/telemetry"
	"go.uber.org/zap"
)

const channelQRCode = "qrcode"

// ErrEventDropped is returned by HandleScan for events that were ignored:
// unknown or expired scenes, sessions already terminal, foreign client ids
// and unsupported event types.
var ErrEventDropped = errors.New("scan event dropped")

// ClientResolver finds the registration owning a platform app id.
type ClientResolver interface {
	ResolveByClientID(ctx context.Context, clientID string) (*oauth2.ClientRegistration, error)
}

// PollResult is the answer to a client poll. Result is set at most once per
// session, on the first poll after the session became AUTHORIZED.
type PollResult struct {
	State  State                 `json:"state"`
	Result *identity.LoginResult `json:"result,omitempty"`
}

// Coordinator owns the QR session state machine.
type Coordinator struct {
	cache     domain.Cache
	clients   ClientResolver
	tickets   TicketService
	resolver  *flow.Resolver
	completer *flow.Completer
	handoff   *flow.Handoff
	audit     *audit.Logger
	telemetry *telemetry.Provider
	now       func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithAudit(l *audit.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.audit = l }
}

func WithTelemetry(p *telemetry.Provider) CoordinatorOption {
	return func(c *Coordinator) { c.telemetry = p }
}

func NewCoordinator(
	cache domain.Cache,
	clients ClientResolver,
	tickets TicketService,
	resolver *flow.Resolver,
	completer *flow.Completer,
	handoff *flow.Handoff,
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		cache:     cache,
		clients:   clients,
		tickets:   tickets,
		resolver:  resolver,
		completer: completer,
		handoff:   handoff,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create requests a ticket for sceneStr from the platform app appID and
// records the session as WAITED. Nothing is stored when the platform fails.
func (c *Coordinator) Create(ctx context.Context, appID, sceneStr string, ttlSeconds int) (*Ticket, error) {
	if ttlSeconds < MinTTLSeconds || ttlSeconds > MaxTTLSeconds {
		return nil, fmt.Errorf("create qr session: %w: ttl %ds outside [%d, %d]", domain.ErrInvalidArgument, ttlSeconds, MinTTLSeconds, MaxTTLSeconds)
	}
	sceneStr = strings.TrimSpace(sceneStr)
	if sceneStr == "" || appID == "" {
		return nil, fmt.Errorf("create qr session: %w: app id and scene are required", domain.ErrInvalidArgument)
	}

	reg, err := c.clients.ResolveByClientID(ctx, appID)
	if err != nil {
		return nil, err
	}

	ticket, err := c.tickets.CreateTicket(ctx, reg, sceneStr, ttlSeconds)
	if err != nil {
		if !errors.Is(err, domain.ErrUpstreamFailure) {
			err = fmt.Errorf("%w: %w", domain.ErrUpstreamFailure, err)
		}
		return nil, fmt.Errorf("create qr session %q: %w", sceneStr, err)
	}

	sess := &Session{
		SceneStr:       sceneStr,
		State:          StateWaited,
		ClientID:       appID,
		RegistrationID: reg.RegistrationID,
		CreatedAt:      c.now().UTC(),
		TTLSeconds:     ttlSeconds,
	}
	if err := c.save(ctx, sess); err != nil {
		return nil, err
	}
	c.telemetry.RecordTransition(ctx, string(StateWaited))
	return ticket, nil
}

// HandleScan applies one scan event. It is called off the request path and
// its outcome is only logged. Dropped events return ErrEventDropped; a failed
// login cancels the session and returns the cause.
func (c *Coordinator) HandleScan(ctx context.Context, evt ScanEvent) (err error) {
	evt, ok := evt.normalize()
	if !ok {
		return c.drop(ctx, evt, "unsupported_event")
	}
	if evt.SceneStr == "" || evt.ExternalUserID == "" {
		return c.drop(ctx, evt, "incomplete_event")
	}

	ctx, span := c.telemetry.SpanScan(ctx, evt.SceneStr, evt.ClientAppID)
	defer func() { telemetry.EndSpan(span, err) }()

	sess, err := c.load(ctx, evt.SceneStr)
	if errors.Is(err, domain.ErrNotFound) {
		return c.drop(ctx, evt, "expired")
	}
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return c.drop(ctx, evt, "duplicate")
	}
	if evt.ClientAppID != "" && evt.ClientAppID != sess.ClientID {
		return c.drop(ctx, evt, "client_mismatch")
	}

	if sess.Remaining(c.now()) <= 0 {
		return c.drop(ctx, evt, "expired")
	}
	sess.State = StateScanned
	if err := c.replace(ctx, sess); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.drop(ctx, evt, "canceled_during_login")
		}
		return err
	}
	c.telemetry.RecordTransition(ctx, string(StateScanned))

	start := c.now()
	result, err := c.login(ctx, sess, evt.ExternalUserID)
	c.telemetry.RecordAuthDuration(ctx, channelQRCode, c.now().Sub(start))
	if err != nil {
		c.fail(ctx, sess, err)
		return err
	}

	// Another delivery may have finished, or a cancel may have landed, while
	// the login ran. Neither the session nor its tokens may come back.
	if _, err := c.recheck(ctx, evt); err != nil {
		return err
	}
	stored, err := c.handoff.PutIfAbsent(ctx, sess.SceneStr, result, sess.Remaining(c.now()))
	if err != nil {
		c.fail(ctx, sess, err)
		return err
	}
	if !stored {
		// A concurrent delivery holds the result and will authorize.
		return c.drop(ctx, evt, "duplicate")
	}
	current, err := c.recheck(ctx, evt)
	if err != nil {
		c.discard(ctx, sess.SceneStr)
		return err
	}

	current.State = StateAuthorized
	if err := c.replace(ctx, current); err != nil {
		c.discard(ctx, sess.SceneStr)
		if errors.Is(err, domain.ErrNotFound) {
			return c.drop(ctx, evt, "canceled_during_login")
		}
		return err
	}
	c.telemetry.RecordTransition(ctx, string(StateAuthorized))
	c.telemetry.RecordLogin(ctx, channelQRCode, sess.RegistrationID, true)
	c.audit.Record(ctx, audit.NewEvent(audit.EventQRCodeAuthorized).
		Actor(result.AccountID).Subject(sess.SceneStr).Registration(sess.RegistrationID, sess.ClientID).Success())

	logger.Log.Info("qr session authorized",
		zap.String("scene", sess.SceneStr),
		zap.String("registration_id", sess.RegistrationID),
		zap.String("account_id", result.AccountID),
	)
	return nil
}

// Cancel removes the session and any login result stored for it. Canceling
// an unknown session is not an error.
func (c *Coordinator) Cancel(ctx context.Context, sceneStr string) error {
	if sceneStr == "" {
		return fmt.Errorf("cancel qr session: %w: blank scene", domain.ErrInvalidArgument)
	}
	if err := c.cache.Delete(ctx, sessionKeyPrefix+sceneStr); err != nil {
		return fmt.Errorf("cancel qr session %q: %w", sceneStr, err)
	}
	if err := c.handoff.Discard(ctx, sceneStr); err != nil {
		return fmt.Errorf("cancel qr session %q: %w", sceneStr, err)
	}
	c.audit.Record(ctx, audit.NewEvent(audit.EventQRCodeCanceled).Subject(sceneStr).Success())
	return nil
}

// Poll reports the state of sceneStr. An unknown or expired scene returns
// domain.ErrNotFound.
func (c *Coordinator) Poll(ctx context.Context, sceneStr string) (*PollResult, error) {
	sess, err := c.load(ctx, sceneStr)
	if err != nil {
		return nil, err
	}

	res := &PollResult{State: sess.State}
	if sess.State == StateAuthorized {
		if res.Result, err = c.handoff.TakeOnce(ctx, sceneStr); err != nil {
			return nil, err
		}
	}
	return res, nil
}

var errDuplicate = fmt.Errorf("%w: duplicate", ErrEventDropped)

// Inspect returns the stored session without touching any login result.
func (c *Coordinator) Inspect(ctx context.Context, sceneStr string) (*Session, error) {
	return c.load(ctx, strings.TrimSpace(sceneStr))
}

// recheck re-reads the session of evt after a login ran. It returns an
// ErrEventDropped error when the session vanished or already became terminal;
// the latter wraps errDuplicate.
func (c *Coordinator) recheck(ctx context.Context, evt ScanEvent) (*Session, error) {
	current, err := c.load(ctx, evt.SceneStr)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, c.drop(ctx, evt, "canceled_during_login")
	}
	if err != nil {
		return nil, err
	}
	if current.State.Terminal() {
		c.drop(ctx, evt, "duplicate")
		return nil, errDuplicate
	}
	return current, nil
}

func (c *Coordinator) login(ctx context.Context, sess *Session, externalUserID string) (*identity.LoginResult, error) {
	reg, err := c.clients.ResolveByClientID(ctx, sess.ClientID)
	if err != nil {
		return nil, err
	}
	info, err := c.resolver.Extract(ctx, map[string]any{"openid": externalUserID}, reg.RegistrationID)
	if err != nil {
		return nil, err
	}
	return c.completer.Complete(ctx, info)
}

// fail moves a session whose login failed to CANCELED. The user has to
// request a fresh code.
func (c *Coordinator) fail(ctx context.Context, sess *Session, cause error) {
	logger.Log.Warn("qr login failed, canceling session",
		zap.String("scene", sess.SceneStr),
		zap.String("client_id", sess.ClientID),
		zap.Error(cause),
	)
	c.telemetry.RecordLogin(ctx, channelQRCode, sess.RegistrationID, false)
	c.audit.Record(ctx, audit.NewEvent(audit.EventQRCodeCanceled).
		Subject(sess.SceneStr).Registration(sess.RegistrationID, sess.ClientID).Failure().Message(cause.Error()))

	current, err := c.load(ctx, sess.SceneStr)
	if err != nil || current.State.Terminal() {
		return
	}
	current.State = StateCanceled
	if err := c.replace(ctx, current); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return
		}
		logger.Log.Error("failed to cancel qr session", zap.String("scene", sess.SceneStr), zap.Error(err))
		return
	}
	c.telemetry.RecordTransition(ctx, string(StateCanceled))
}

// discard drops a login result this delivery stored but may not hand out.
func (c *Coordinator) discard(ctx context.Context, sceneStr string) {
	if err := c.handoff.Discard(ctx, sceneStr); err != nil {
		logger.Log.Error("failed to discard login result of qr session",
			zap.String("scene", sceneStr), zap.Error(err))
	}
}

func (c *Coordinator) drop(ctx context.Context, evt ScanEvent, reason string) error {
	logger.Log.Info("dropping scan event",
		zap.String("scene", evt.SceneStr),
		zap.String("client_id", evt.ClientAppID),
		zap.String("event_type", evt.EventType),
		zap.String("reason", reason),
	)
	c.telemetry.RecordDroppedEvent(ctx, reason)
	return fmt.Errorf("%w: %s", ErrEventDropped, reason)
}

func (c *Coordinator) load(ctx context.Context, sceneStr string) (*Session, error) {
	raw, err := c.cache.Get(ctx, sessionKeyPrefix+sceneStr)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("qr session %q: %w", sceneStr, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("qr session %q: %w", sceneStr, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("qr session %q: decode: %w", sceneStr, err)
	}
	return &sess, nil
}

// save creates the session with whatever TTL it has left, so a transition
// never extends the lifetime of a session.
func (c *Coordinator) save(ctx context.Context, sess *Session) error {
	raw, ttl, err := c.encode(sess)
	if err != nil {
		return err
	}
	if err := c.cache.Set(ctx, sessionKeyPrefix+sess.SceneStr, raw, ttl); err != nil {
		return fmt.Errorf("qr session %q: %w", sess.SceneStr, err)
	}
	return nil
}

// replace writes a transition of an existing session. A session deleted in
// the meantime is never recreated; that case reports domain.ErrNotFound.
func (c *Coordinator) replace(ctx context.Context, sess *Session) error {
	raw, ttl, err := c.encode(sess)
	if err != nil {
		return err
	}
	ok, err := c.cache.Replace(ctx, sessionKeyPrefix+sess.SceneStr, raw, ttl)
	if err != nil {
		return fmt.Errorf("qr session %q: %w", sess.SceneStr, err)
	}
	if !ok {
		return fmt.Errorf("qr session %q: %w", sess.SceneStr, domain.ErrNotFound)
	}
	return nil
}

func (c *Coordinator) encode(sess *Session) ([]byte, time.Duration, error) {
	ttl := sess.Remaining(c.now())
	if ttl <= 0 {
		return nil, 0, fmt.Errorf("qr session %q: %w: expired", sess.SceneStr, domain.ErrNotFound)
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, 0, fmt.Errorf("qr session %q: encode: %w", sess.SceneStr, err)
	}
	return raw, ttl, nil
}
