// Package identity provides the identity types shared by the Kayan Connect core.
//
// # Core Types
//
//   - UserInfo: provider-agnostic identity extracted from a third-party payload
//   - Account: local account that one or more provider identities are bound to
//   - Binding: link between an account and a provider-scoped open id
//   - LoginResult: tokens and user summary handed to the client after login
//   - JSON: column type for flexible JSON data in various databases
//
// UserInfo is never persisted directly. It is the input of account binding,
// which creates or finds an Account and records a Binding for it.
package identity

import (
	"database/sql/driver"
	"errors"
	"time"
)

// JSON is a custom type for handling JSON data in various storages.
type JSON []byte

func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = []byte(v)
	default:
		return errors.New("invalid type for JSON")
	}
	return nil
}

// UserInfo is the canonical, provider-agnostic user info record.
type UserInfo struct {
	// Provider is the registration id the identity came through (e.g. "wechat-app").
	Provider string `json:"provider"`
	// Family is the provider family of the strategy that extracted it (e.g. "wechat").
	Family  string `json:"family"`
	OpenID  string `json:"open_id"`
	UnionID string `json:"union_id,omitempty"`

	Username string `json:"username,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`

	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Phone         string `json:"phone,omitempty"`
	PhoneVerified bool   `json:"phone_verified,omitempty"`

	Gender   string `json:"gender,omitempty"`
	Locale   string `json:"locale,omitempty"`
	Country  string `json:"country,omitempty"`
	Province string `json:"province,omitempty"`
	City     string `json:"city,omitempty"`
	Location string `json:"location,omitempty"`

	// Raw preserves every attribute the provider returned.
	Raw map[string]any `json:"raw,omitempty"`

	RedirectTarget string `json:"redirect_target,omitempty"`
}

// DisplayName picks the best human readable name available.
func (u *UserInfo) DisplayName() string {
	switch {
	case u.Nickname != "":
		return u.Nickname
	case u.Username != "":
		return u.Username
	case u.Email != "":
		return u.Email
	}
	return u.OpenID
}

// Account represents a local user account.
type Account struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Avatar      string    `json:"avatar,omitempty"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	State       string    `json:"state"` // active, inactive, locked
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Bindings []Binding `json:"bindings,omitempty"`
}

// Binding links an account to an identity at one provider registration.
type Binding struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Provider  string    `json:"provider"`
	Family    string    `json:"family"`
	OpenID    string    `json:"open_id"`
	UnionID   string    `json:"union_id,omitempty"`
	Profile   JSON      `json:"profile,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LoginResult is the payload handed to the client once a login completes.
type LoginResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	AccountID    string `json:"account_id"`
	DisplayName  string `json:"display_name"`
	Avatar       string `json:"avatar,omitempty"`
}
