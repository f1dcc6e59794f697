// Package session issues and verifies the bearer credentials handed out after
// a federated login.
//
// Tokens are JWTs and verification is pure, so it can run on every request
// without touching storage:
//
//	issuer, err := session.NewHS256Issuer(secret, 30*time.Minute, 24*time.Hour)
//	pair, err := issuer.Issue(accountID)
//
//	accountID, err := issuer.Verify(pair.AccessToken)
//	switch {
//	case errors.Is(err, session.ErrTokenExpired):
//	    // ask the client to refresh
//	}
//
// RS256 issuers also publish their public key through JWKS.
package session

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenMalformed        = errors.New("token malformed")
	ErrTokenSignatureInvalid = errors.New("token signature invalid")
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"

	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 24 * time.Hour
)

// TokenPair is the credential set issued for one account.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Claims are the JWT claims carried by both token kinds.
type Claims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// IssuerConfig configures a token Issuer.
type IssuerConfig struct {
	SigningMethod jwt.SigningMethod
	SigningKey    any
	VerifyingKey  any
	KeyID         string
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Issuer signs and verifies access/refresh token pairs.
type Issuer struct {
	config IssuerConfig
	now    func() time.Time
}

// NewIssuer creates an issuer. A missing signing or verifying key is fatal.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.SigningMethod == nil {
		cfg.SigningMethod = jwt.SigningMethodHS256
	}
	if isEmptyKey(cfg.SigningKey) {
		return nil, fmt.Errorf("%w: token signing key unavailable", domain.ErrFatal)
	}
	if isEmptyKey(cfg.VerifyingKey) {
		if priv, ok := cfg.SigningKey.(*rsa.PrivateKey); ok {
			cfg.VerifyingKey = &priv.PublicKey
		} else {
			cfg.VerifyingKey = cfg.SigningKey
		}
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	return &Issuer{config: cfg, now: time.Now}, nil
}

// NewHS256Issuer creates an issuer signing with a shared secret.
func NewHS256Issuer(secret string, accessTTL, refreshTTL time.Duration) (*Issuer, error) {
	return NewIssuer(IssuerConfig{
		SigningMethod: jwt.SigningMethodHS256,
		SigningKey:    []byte(secret),
		AccessTTL:     accessTTL,
		RefreshTTL:    refreshTTL,
	})
}

// NewRS256Issuer creates an issuer signing with an RSA key.
func NewRS256Issuer(key *rsa.PrivateKey, keyID string, accessTTL, refreshTTL time.Duration) (*Issuer, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: token signing key unavailable", domain.ErrFatal)
	}
	return NewIssuer(IssuerConfig{
		SigningMethod: jwt.SigningMethodRS256,
		SigningKey:    key,
		VerifyingKey:  &key.PublicKey,
		KeyID:         keyID,
		AccessTTL:     accessTTL,
		RefreshTTL:    refreshTTL,
	})
}

// WithIssuer sets the iss claim written and required by the issuer.
func (i *Issuer) WithIssuer(iss string) *Issuer {
	i.config.Issuer = iss
	return i
}

// Issue creates a new access/refresh pair for accountID.
func (i *Issuer) Issue(accountID string) (*TokenPair, error) {
	if accountID == "" {
		return nil, fmt.Errorf("issue token: %w: empty account id", domain.ErrInvalidArgument)
	}

	access, err := i.sign(accountID, typeAccess, i.config.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(accountID, typeRefresh, i.config.RefreshTTL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(i.config.AccessTTL.Seconds()),
	}, nil
}

// Verify validates an access token and returns the account id it was issued for.
func (i *Issuer) Verify(token string) (string, error) {
	return i.parse(token, typeAccess)
}

// Refresh exchanges a valid refresh token for a fresh pair.
func (i *Issuer) Refresh(refreshToken string) (*TokenPair, error) {
	accountID, err := i.parse(refreshToken, typeRefresh)
	if err != nil {
		return nil, err
	}
	return i.Issue(accountID)
}

// JWKS returns the public verification keys. HMAC issuers publish none.
func (i *Issuer) JWKS() JWKS {
	set := JWKS{Keys: []JWK{}}
	if pub, ok := i.config.VerifyingKey.(*rsa.PublicKey); ok {
		set.Keys = append(set.Keys, publicKeyToJWK(pub, i.config.KeyID))
	}
	return set
}

func (i *Issuer) sign(accountID, typ string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.config.Issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(i.config.SigningMethod, claims)
	if i.config.KeyID != "" {
		token.Header["kid"] = i.config.KeyID
	}

	signed, err := token.SignedString(i.config.SigningKey)
	if err != nil {
		return "", fmt.Errorf("%w: sign token: %w", domain.ErrFatal, err)
	}
	return signed, nil
}

func (i *Issuer) parse(raw, wantType string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{i.config.SigningMethod.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.config.Issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.config.VerifyingKey, nil
	}, opts...)
	if err != nil {
		return "", classify(err)
	}

	if claims.TokenType != wantType {
		return "", fmt.Errorf("%w: expected %s token, got %q", ErrTokenMalformed, wantType, claims.TokenType)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrTokenMalformed)
	}
	return claims.Subject, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %w", ErrTokenSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}
}

func isEmptyKey(key any) bool {
	switch k := key.(type) {
	case nil:
		return true
	case []byte:
		return len(k) == 0
	case string:
		return k == ""
	case *rsa.PrivateKey:
		return k == nil
	case *rsa.PublicKey:
		return k == nil
	}
	return false
}
