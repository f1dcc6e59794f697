// Package qrcode coordinates QR-code logins driven by asynchronous scan
// events from a chat platform.
//
// A session moves WAITED -> SCANNED -> AUTHORIZED or CANCELED, and is
// EXPIRED once its TTL removes it from the cache. Scan events may be delivered
// more than once and may race each other; every transition is a plain
// overwrite, so a duplicate delivery can re-run binding and token issuance.
// Terminal sessions are never rewritten.
package qrcode

import (
	"strings"
	"time"
)

// State is the lifecycle state of a QR login session.
type State string

const (
	StateWaited     State = "WAITED"
	StateScanned    State = "SCANNED"
	StateAuthorized State = "AUTHORIZED"
	StateCanceled   State = "CANCELED"
	StateExpired    State = "EXPIRED"
)

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == StateAuthorized || s == StateCanceled || s == StateExpired
}

const (
	MinTTLSeconds = 60
	MaxTTLSeconds = 2592000 // 30 days, the platform's limit for temporary codes

	sessionKeyPrefix = "qrcode:scene:"
	scenePrefix      = "qrscene_"
)

// Session is the persisted state of one QR login attempt.
type Session struct {
	SceneStr       string    `json:"scene_str"`
	State          State     `json:"state"`
	ClientID       string    `json:"client_id"`
	RegistrationID string    `json:"registration_id"`
	CreatedAt      time.Time `json:"created_at"`
	TTLSeconds     int       `json:"ttl_seconds"`
}

// ExpiresAt is when the session's TTL runs out.
func (s *Session) ExpiresAt() time.Time {
	return s.CreatedAt.Add(time.Duration(s.TTLSeconds) * time.Second)
}

// Remaining is the TTL left at now, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	d := s.ExpiresAt().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Event types accepted from the chat platform.
const (
	EventScan      = "SCAN"
	EventSubscribe = "subscribe"
)

// ScanEvent is a scan notification delivered by the platform webhook.
type ScanEvent struct {
	SceneStr       string `json:"scene_str"`
	ExternalUserID string `json:"external_user_id"`
	ClientAppID    string `json:"client_app_id"`
	EventType      string `json:"event_type"`
}

// normalize strips the prefix the platform adds to scenes delivered with a
// subscribe event, and reports whether the event type is one we act on.
func (e ScanEvent) normalize() (ScanEvent, bool) {
	e.SceneStr = strings.TrimPrefix(strings.TrimSpace(e.SceneStr), scenePrefix)
	e.ExternalUserID = strings.TrimSpace(e.ExternalUserID)
	switch {
	case strings.EqualFold(e.EventType, EventScan), strings.EqualFold(e.EventType, EventSubscribe):
		return e, true
	}
	return e, false
}
