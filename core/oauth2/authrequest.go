package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/getkayan/kayan-connect/core/domain"
)

const (
	DefaultAuthorizationRequestTTL = 10 * time.Minute

	authRequestKeyPrefix = "oauth2:authreq:"
)

// AuthorizationRequest is an in-flight authorization request, kept between the
// redirect to the provider and the provider's callback.
type AuthorizationRequest struct {
	RegistrationID   string    `json:"registration_id"`
	AuthorizationURI string    `json:"authorization_uri"`
	ClientID         string    `json:"client_id"`
	RedirectURI      string    `json:"redirect_uri"`
	Scopes           []string  `json:"scopes"`
	State            string    `json:"state"`
	CodeVerifier     string    `json:"code_verifier,omitempty"`
	Nonce            string    `json:"nonce,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// AuthorizationRequestEntry is what the store keeps per state token.
type AuthorizationRequestEntry struct {
	State          string                `json:"state"`
	Request        *AuthorizationRequest `json:"request"`
	OriginalParams url.Values            `json:"original_params,omitempty"`
}

// AuthorizationRequestStore keeps authorization requests in a shared cache
// keyed by state, so a callback can land on any instance.
type AuthorizationRequestStore struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewAuthorizationRequestStore creates a store whose entries expire after ttl
// (DefaultAuthorizationRequestTTL when ttl is not positive).
func NewAuthorizationRequestStore(cache domain.Cache, ttl time.Duration) *AuthorizationRequestStore {
	if ttl <= 0 {
		ttl = DefaultAuthorizationRequestTTL
	}
	return &AuthorizationRequestStore{cache: cache, ttl: ttl}
}

// Save stores req under state. A nil req removes the entry instead.
func (s *AuthorizationRequestStore) Save(ctx context.Context, state string, req *AuthorizationRequest, params url.Values) error {
	if strings.TrimSpace(state) == "" {
		return fmt.Errorf("authorization request: %w: blank state", domain.ErrInvalidArgument)
	}
	if req == nil {
		return s.Remove(ctx, state)
	}

	raw, err := json.Marshal(&AuthorizationRequestEntry{
		State:          state,
		Request:        req,
		OriginalParams: params,
	})
	if err != nil {
		return fmt.Errorf("authorization request: encode: %w", err)
	}
	return s.cache.Set(ctx, authRequestKeyPrefix+state, raw, s.ttl)
}

// Load returns the entry for state, or domain.ErrNotFound.
func (s *AuthorizationRequestStore) Load(ctx context.Context, state string) (*AuthorizationRequestEntry, error) {
	raw, err := s.cache.Get(ctx, authRequestKeyPrefix+state)
	if err != nil {
		return nil, notFoundOr(err, state)
	}
	return decodeEntry(raw)
}

// Consume atomically loads and removes the entry for state. Only one of several
// concurrent callbacks carrying the same state can succeed.
func (s *AuthorizationRequestStore) Consume(ctx context.Context, state string) (*AuthorizationRequestEntry, error) {
	raw, err := s.cache.Take(ctx, authRequestKeyPrefix+state)
	if err != nil {
		return nil, notFoundOr(err, state)
	}
	return decodeEntry(raw)
}

// Remove deletes the entry for state.
func (s *AuthorizationRequestStore) Remove(ctx context.Context, state string) error {
	return s.cache.Delete(ctx, authRequestKeyPrefix+state)
}

func decodeEntry(raw []byte) (*AuthorizationRequestEntry, error) {
	var entry AuthorizationRequestEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("authorization request: decode: %w", err)
	}
	if entry.Request == nil {
		return nil, fmt.Errorf("authorization request: %w: empty entry", domain.ErrNotFound)
	}
	return &entry, nil
}

func notFoundOr(err error, state string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("authorization request for state %q: %w", state, domain.ErrNotFound)
	}
	return fmt.Errorf("authorization request: %w", err)
}
