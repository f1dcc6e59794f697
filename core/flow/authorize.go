package flow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/getkayan/kayan-connect/core/audit"
	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/logger"
	"github.com/getkayan/kayan-connect/core/oauth2"
	"github.com/getkayan/kayan-connect/core/telemetry"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	xoauth2 "golang.org/x/oauth2"
)

const channelOAuth2 = "oauth2"

// AuthorizationConfig configures an AuthorizationManager.
type AuthorizationConfig struct {
	// BaseURL expands {baseUrl} in redirect uri templates when a request
	// does not supply its own.
	BaseURL string

	// HTTPClient talks to the providers' token and user-info endpoints.
	// Its Timeout bounds every upstream call.
	HTTPClient *http.Client

	LoginResultTTL time.Duration

	Audit     *audit.Logger
	Telemetry *telemetry.Provider
}

// CallbackResult is the outcome of a completed authorization-code callback.
// The tokens themselves are only reachable through Handoff with HandoffKey.
type CallbackResult struct {
	HandoffKey     string
	RedirectTarget string
	AccountID      string
}

// AuthorizationManager runs the redirect-based authorization-code flow for
// every registration in the registry. No server-side session is involved:
// in-flight requests live in the AuthorizationRequestStore and the finished
// login is handed to the client through Handoff.
type AuthorizationManager struct {
	registry  RegistrationResolver
	requests  *oauth2.AuthorizationRequestStore
	resolver  *Resolver
	completer *Completer
	handoff   *Handoff
	config    AuthorizationConfig

	keySets sync.Map // jwk set uri -> *oidc.RemoteKeySet
}

func NewAuthorizationManager(
	registry RegistrationResolver,
	requests *oauth2.AuthorizationRequestStore,
	resolver *Resolver,
	completer *Completer,
	handoff *Handoff,
	cfg AuthorizationConfig,
) *AuthorizationManager {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &AuthorizationManager{
		registry:  registry,
		requests:  requests,
		resolver:  resolver,
		completer: completer,
		handoff:   handoff,
		config:    cfg,
	}
}

// Authorize starts a login through registrationID and returns the provider
// URL to redirect the browser to. params are kept with the request and
// returned untouched by the callback.
func (m *AuthorizationManager) Authorize(ctx context.Context, registrationID, baseURL string, params url.Values) (string, error) {
	reg, err := m.registry.Resolve(ctx, registrationID)
	if err != nil {
		return "", err
	}
	if reg.GrantType != oauth2.GrantTypeAuthorizationCode {
		return "", fmt.Errorf("authorize %q: %w: grant type %s does not support redirects", registrationID, domain.ErrInvalidArgument, reg.GrantType)
	}
	if reg.AuthorizationURI == "" || reg.TokenURI == "" {
		return "", fmt.Errorf("authorize %q: %w: registration has no authorization or token endpoint", registrationID, domain.ErrInvalidArgument)
	}
	if baseURL == "" {
		baseURL = m.config.BaseURL
	}

	state, err := randomToken(32)
	if err != nil {
		return "", err
	}
	verifier := xoauth2.GenerateVerifier()
	redirectURI := reg.RedirectURI(baseURL)
	cfg := oauthConfig(reg, redirectURI)

	opts := []xoauth2.AuthCodeOption{xoauth2.S256ChallengeOption(verifier)}
	var nonce string
	if reg.HasScope(oidc.ScopeOpenID) {
		if nonce, err = randomToken(16); err != nil {
			return "", err
		}
		opts = append(opts, oidc.Nonce(nonce))
	}
	if reg.ProviderFamily == "wechat" {
		opts = append(opts, xoauth2.SetAuthURLParam("appid", reg.ClientID))
	}
	authURL := cfg.AuthCodeURL(state, opts...)

	req := &oauth2.AuthorizationRequest{
		RegistrationID:   reg.RegistrationID,
		AuthorizationURI: authURL,
		ClientID:         reg.ClientID,
		RedirectURI:      redirectURI,
		Scopes:           reg.Scopes,
		State:            state,
		CodeVerifier:     verifier,
		Nonce:            nonce,
		CreatedAt:        time.Now().UTC(),
	}
	if err := m.requests.Save(ctx, state, req, params); err != nil {
		return "", fmt.Errorf("authorize %q: save request: %w", registrationID, err)
	}
	return authURL, nil
}

// Callback completes the flow started by Authorize. The request entry for
// state is consumed whether or not the login succeeds.
func (m *AuthorizationManager) Callback(ctx context.Context, registrationID, state, code string) (result *CallbackResult, err error) {
	ctx, span := m.config.Telemetry.SpanCallback(ctx, registrationID)
	start := time.Now()
	defer func() {
		telemetry.EndSpan(span, err)
		m.config.Telemetry.RecordLogin(ctx, channelOAuth2, registrationID, err == nil)
		m.config.Telemetry.RecordAuthDuration(ctx, channelOAuth2, time.Since(start))
		if err != nil {
			m.config.Audit.Record(ctx, audit.NewEvent(audit.EventOAuth2LoginFailure).
				Registration(registrationID, "").Failure().Message(err.Error()))
		}
	}()

	if state == "" || code == "" {
		return nil, fmt.Errorf("callback: %w: state and code are required", domain.ErrInvalidArgument)
	}

	entry, err := m.requests.Consume(ctx, state)
	if err != nil {
		return nil, err
	}
	if entry.Request.RegistrationID != registrationID {
		return nil, fmt.Errorf("callback: %w: state was issued for %q", domain.ErrInvalidArgument, entry.Request.RegistrationID)
	}

	reg, err := m.registry.Resolve(ctx, registrationID)
	if err != nil {
		return nil, err
	}

	claims, err := m.fetchIdentity(ctx, reg, entry.Request, code)
	if err != nil {
		logger.Log.Warn("authorization callback failed upstream",
			zap.String("registration_id", registrationID),
			zap.Error(err),
		)
		return nil, err
	}

	info, err := m.resolver.Extract(ctx, claims, registrationID)
	if err != nil {
		return nil, err
	}
	login, err := m.completer.Complete(ctx, info)
	if err != nil {
		return nil, err
	}

	key := uuid.NewString()
	if err := m.handoff.Put(ctx, key, login, m.config.LoginResultTTL); err != nil {
		return nil, fmt.Errorf("callback: store login result: %w", err)
	}

	m.config.Audit.Record(ctx, audit.NewEvent(audit.EventOAuth2LoginSuccess).
		Actor(login.AccountID).Subject(login.AccountID).Registration(registrationID, reg.ClientID).Success())

	return &CallbackResult{
		HandoffKey:     key,
		RedirectTarget: info.RedirectTarget,
		AccountID:      login.AccountID,
	}, nil
}

// fetchIdentity exchanges code and collects identity attributes from the
// verified id_token and the user-info endpoint, the latter taking precedence.
func (m *AuthorizationManager) fetchIdentity(ctx context.Context, reg *oauth2.ClientRegistration, req *oauth2.AuthorizationRequest, code string) (map[string]any, error) {
	ctx = context.WithValue(ctx, xoauth2.HTTPClient, m.config.HTTPClient)
	cfg := oauthConfig(reg, req.RedirectURI)

	token, err := cfg.Exchange(ctx, code, xoauth2.VerifierOption(req.CodeVerifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w: %w", domain.ErrUpstreamFailure, err)
	}

	claims := make(map[string]any)
	for _, k := range []string{"openid", "unionid"} {
		if v, ok := token.Extra(k).(string); ok && v != "" {
			claims[k] = v
		}
	}

	if rawIDToken, ok := token.Extra("id_token").(string); ok && reg.JwkSetURI != "" {
		idClaims, err := m.verifyIDToken(ctx, reg, rawIDToken, req.Nonce)
		if err != nil {
			return nil, err
		}
		for k, v := range idClaims {
			claims[k] = v
		}
	}

	if reg.UserInfoURI != "" {
		info, err := m.fetchUserInfo(ctx, cfg, reg, token)
		if err != nil {
			return nil, err
		}
		for k, v := range info {
			claims[k] = v
		}
	}

	if len(claims) == 0 {
		return nil, fmt.Errorf("%w: provider returned no identity attributes", domain.ErrUpstreamFailure)
	}
	return claims, nil
}

func (m *AuthorizationManager) verifyIDToken(ctx context.Context, reg *oauth2.ClientRegistration, rawIDToken, nonce string) (map[string]any, error) {
	keySet, _ := m.keySets.LoadOrStore(reg.JwkSetURI, oidc.NewRemoteKeySet(
		oidc.ClientContext(context.Background(), m.config.HTTPClient), reg.JwkSetURI))

	verifier := oidc.NewVerifier(reg.IssuerURI, keySet.(*oidc.RemoteKeySet), &oidc.Config{
		ClientID:        reg.ClientID,
		SkipIssuerCheck: reg.IssuerURI == "",
	})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w: %w", domain.ErrUpstreamFailure, err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return nil, fmt.Errorf("verify id token: %w: nonce mismatch", domain.ErrInvalidArgument)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("verify id token: parse claims: %w: %w", domain.ErrUpstreamFailure, err)
	}
	return claims, nil
}

// fetchUserInfo calls the user-info endpoint with the access token. Providers
// that return an openid with the token (WeChat) expect it, and the token, as
// query parameters.
func (m *AuthorizationManager) fetchUserInfo(ctx context.Context, cfg *xoauth2.Config, reg *oauth2.ClientRegistration, token *xoauth2.Token) (map[string]any, error) {
	endpoint, err := url.Parse(reg.UserInfoURI)
	if err != nil {
		return nil, fmt.Errorf("user info: %w: bad endpoint: %w", domain.ErrInvalidArgument, err)
	}
	if openID, ok := token.Extra("openid").(string); ok && openID != "" {
		q := endpoint.Query()
		q.Set("access_token", token.AccessToken)
		q.Set("openid", openID)
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("user info: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cfg.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info: %w: %w", domain.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("user info: read body: %w: %w", domain.ErrUpstreamFailure, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("user info: %w: status %d", domain.ErrUpstreamFailure, resp.StatusCode)
	}
	if code := gjson.GetBytes(body, "errcode"); code.Exists() && code.Int() != 0 {
		return nil, fmt.Errorf("user info: %w: errcode %d: %s", domain.ErrUpstreamFailure, code.Int(), gjson.GetBytes(body, "errmsg").String())
	}

	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("user info: decode: %w: %w", domain.ErrUpstreamFailure, err)
	}
	return info, nil
}

func oauthConfig(reg *oauth2.ClientRegistration, redirectURI string) *xoauth2.Config {
	style := xoauth2.AuthStyleInHeader
	if reg.AuthMethod != oauth2.AuthMethodClientSecretBasic {
		style = xoauth2.AuthStyleInParams
	}
	return &xoauth2.Config{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		Endpoint: xoauth2.Endpoint{
			AuthURL:   reg.AuthorizationURI,
			TokenURL:  reg.TokenURI,
			AuthStyle: style,
		},
		RedirectURL: redirectURI,
		Scopes:      reg.Scopes,
	}
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
