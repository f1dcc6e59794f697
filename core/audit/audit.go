// Package audit records security-relevant events of the login coordinator:
// completed and failed logins, account creation and binding, QR session
// cancellation and administrative registry invalidations.
//
// A nil *Logger is valid and discards every event, so components can take an
// optional logger without guarding each call.
package audit

import (
	"context"
	"time"

	"github.com/getkayan/kayan-connect/core/identity"
	"github.com/getkayan/kayan-connect/core/logger"
	"go.uber.org/zap"
)

// RiskLevel categorizes the severity of audit events.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// AuditEvent represents a structured security event record.
type AuditEvent struct {
	ID             string        `json:"id"`
	Type           string        `json:"type"`       // e.g., "auth.qrcode.authorized"
	ActorID        string        `json:"actor_id"`   // account or administrator performing the action
	SubjectID      string        `json:"subject_id"` // affected account, scene or registration
	Status         string        `json:"status"`     // "success", "failure"
	Message        string        `json:"message"`
	Metadata       identity.JSON `json:"metadata,omitempty"`
	RegistrationID string        `json:"registration_id,omitempty"`
	ClientID       string        `json:"client_id,omitempty"`
	IPAddress      string        `json:"ip_address,omitempty"`
	Risk           RiskLevel     `json:"risk,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// AuditStore defines the interface for persisting and querying audit events.
type AuditStore interface {
	SaveEvent(ctx context.Context, event *AuditEvent) error
	Query(ctx context.Context, filter Filter) ([]AuditEvent, error)

	// Purge deletes events older than the specified time and returns how many.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// Filter for querying audit events.
type Filter struct {
	Types          []string
	SubjectID      string
	RegistrationID string
	StartTime      time.Time
	EndTime        time.Time
	Limit          int
	Offset         int
}

const (
	EventQRCodeAuthorized   = "auth.qrcode.authorized"
	EventQRCodeCanceled     = "auth.qrcode.canceled"
	EventOAuth2LoginSuccess = "auth.oauth2.login.success"
	EventOAuth2LoginFailure = "auth.oauth2.login.failure"
	EventIdentityCreated    = "identity.created"
	EventIdentityBound      = "identity.bound"
	EventClientInvalidated  = "admin.client.invalidated"
)

// EventBuilder provides a fluent API for creating audit events.
type EventBuilder struct {
	event *AuditEvent
}

// NewEvent starts building a new audit event.
func NewEvent(eventType string) *EventBuilder {
	return &EventBuilder{
		event: &AuditEvent{
			Type:      eventType,
			CreatedAt: time.Now(),
			Risk:      RiskLow,
		},
	}
}

func (b *EventBuilder) Actor(actorID string) *EventBuilder {
	b.event.ActorID = actorID
	return b
}

func (b *EventBuilder) Subject(subjectID string) *EventBuilder {
	b.event.SubjectID = subjectID
	return b
}

func (b *EventBuilder) Success() *EventBuilder {
	b.event.Status = "success"
	return b
}

func (b *EventBuilder) Failure() *EventBuilder {
	b.event.Status = "failure"
	b.event.Risk = RiskMedium
	return b
}

func (b *EventBuilder) Message(msg string) *EventBuilder {
	b.event.Message = msg
	return b
}

func (b *EventBuilder) Registration(registrationID, clientID string) *EventBuilder {
	b.event.RegistrationID = registrationID
	b.event.ClientID = clientID
	return b
}

func (b *EventBuilder) IP(ip string) *EventBuilder {
	b.event.IPAddress = ip
	return b
}

func (b *EventBuilder) Risk(level RiskLevel) *EventBuilder {
	b.event.Risk = level
	return b
}

func (b *EventBuilder) Metadata(meta identity.JSON) *EventBuilder {
	b.event.Metadata = meta
	return b
}

// Build returns the constructed event.
func (b *EventBuilder) Build() *AuditEvent {
	return b.event
}

// Hooks provides extension points for audit behavior.
type Hooks struct {
	// BeforeSave may modify the event, or return an error to prevent saving.
	BeforeSave func(ctx context.Context, event *AuditEvent) error

	AfterSave func(ctx context.Context, event *AuditEvent)

	// IDGenerator generates event IDs. If nil, the store generates them.
	IDGenerator func() string
}

// Logger wraps an AuditStore and applies hooks.
type Logger struct {
	store AuditStore
	hooks Hooks
}

// NewLogger creates a new audit logger.
func NewLogger(store AuditStore, hooks Hooks) *Logger {
	return &Logger{store: store, hooks: hooks}
}

// Log persists an audit event with hooks applied.
func (l *Logger) Log(ctx context.Context, event *AuditEvent) error {
	if l == nil || l.store == nil || event == nil {
		return nil
	}

	if event.ID == "" && l.hooks.IDGenerator != nil {
		event.ID = l.hooks.IDGenerator()
	}

	if l.hooks.BeforeSave != nil {
		if err := l.hooks.BeforeSave(ctx, event); err != nil {
			return err
		}
	}

	if err := l.store.SaveEvent(ctx, event); err != nil {
		return err
	}

	if l.hooks.AfterSave != nil {
		l.hooks.AfterSave(ctx, event)
	}
	return nil
}

// Record logs the event and only reports a failure to the process log.
// Login paths use it so an audit outage never fails a login.
func (l *Logger) Record(ctx context.Context, b *EventBuilder) {
	if l == nil {
		return
	}
	event := b.Build()
	if err := l.Log(ctx, event); err != nil {
		logger.Log.Warn("failed to record audit event",
			zap.String("type", event.Type),
			zap.String("subject_id", event.SubjectID),
			zap.Error(err),
		)
	}
}

// Query delegates to the store.
func (l *Logger) Query(ctx context.Context, filter Filter) ([]AuditEvent, error) {
	if l == nil || l.store == nil {
		return nil, nil
	}
	return l.store.Query(ctx, filter)
}

// Purge deletes events older than olderThan and returns how many were removed.
func (l *Logger) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	if l == nil || l.store == nil {
		return 0, nil
	}
	return l.store.Purge(ctx, olderThan)
}
