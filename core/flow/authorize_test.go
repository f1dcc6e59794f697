package flow

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/getkayan/kayan-connect/core/cache"
	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/oauth2"
	"github.com/getkayan/kayan-connect/core/session"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is an identity provider serving token, user-info and JWKS endpoints.
type fakeProvider struct {
	*httptest.Server

	mu          sync.Mutex
	nonce       string
	idKey       *rsa.PrivateKey
	tokenExtras map[string]any
	userInfo    string
	lastQuery   url.Values
	verifiers   []string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{userInfo: `{"id": 42, "login": "octocat", "name": "Mona"}`}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.verifiers = append(p.verifiers, r.Form.Get("code_verifier"))
		body := map[string]any{"access_token": "upstream-at", "token_type": "bearer", "expires_in": 3600}
		for k, v := range p.tokenExtras {
			body[k] = v
		}
		if p.idKey != nil {
			tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
				"iss":   p.URL,
				"aud":   "client-1",
				"sub":   "oidc-subject",
				"email": "mona@example.com",
				"nonce": p.nonce,
				"iat":   time.Now().Unix(),
				"exp":   time.Now().Add(time.Hour).Unix(),
			})
			tok.Header["kid"] = "idp-1"
			signed, _ := tok.SignedString(p.idKey)
			body["id_token"] = signed
		}
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.lastQuery = r.URL.Query()
		body := p.userInfo
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		issuer, _ := session.NewRS256Issuer(p.idKey, "idp-1", time.Minute, time.Hour)
		json.NewEncoder(w).Encode(issuer.JWKS())
	})

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *fakeProvider) seen() (verifiers []string, query url.Values) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.verifiers...), p.lastQuery
}

type flowHarness struct {
	manager  *AuthorizationManager
	handoff  *Handoff
	accounts *fakeAccountStore
	issuer   *session.Issuer
}

func newFlowHarness(t *testing.T, regs ...*oauth2.ClientRegistration) *flowHarness {
	t.Helper()
	c := cache.NewMemory()
	t.Cleanup(func() { c.Close() })

	registry := staticRegistry{}
	for _, reg := range regs {
		registry[reg.RegistrationID] = reg
	}

	issuer, err := session.NewHS256Issuer("test-secret", time.Minute, time.Hour)
	require.NoError(t, err)

	accounts := newFakeAccountStore()
	handoff := NewHandoff(c)
	manager := NewAuthorizationManager(
		registry,
		oauth2.NewAuthorizationRequestStore(c, time.Minute),
		NewResolver(registry, DefaultStrategies()...),
		NewCompleter(NewBinder(accounts), issuer),
		handoff,
		AuthorizationConfig{BaseURL: "https://connect.example.com", HTTPClient: &http.Client{Timeout: 5 * time.Second}},
	)
	return &flowHarness{manager: manager, handoff: handoff, accounts: accounts, issuer: issuer}
}

func githubRegistration(p *fakeProvider) *oauth2.ClientRegistration {
	return &oauth2.ClientRegistration{
		RegistrationID:      "github",
		ProviderFamily:      "github",
		ClientID:            "client-1",
		ClientSecret:        "secret-1",
		Scopes:              []string{"read:user"},
		GrantType:           oauth2.GrantTypeAuthorizationCode,
		AuthMethod:          oauth2.AuthMethodClientSecretBasic,
		AuthorizationURI:    p.URL + "/authorize",
		TokenURI:            p.URL + "/token",
		UserInfoURI:         p.URL + "/userinfo",
		RedirectURITemplate: oauth2.DefaultRedirectURITemplate,
		RedirectTarget:      "https://app.example.com/welcome",
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	p := newFakeProvider(t)
	h := newFlowHarness(t, githubRegistration(p))
	ctx := context.Background()

	authURL, err := h.manager.Authorize(ctx, "github", "", url.Values{"from": {"/pricing"}})
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	state := q.Get("state")
	assert.NotEmpty(t, state)
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "https://connect.example.com/login/oauth2/code/github", q.Get("redirect_uri"))
	assert.Empty(t, q.Get("nonce"), "nonce is only sent for openid scopes")

	result, err := h.manager.Callback(ctx, "github", state, "good-code")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/welcome", result.RedirectTarget)
	assert.NotEmpty(t, result.HandoffKey)
	assert.NotEqual(t, state, result.HandoffKey)

	verifiers, _ := p.seen()
	require.Len(t, verifiers, 1)
	assert.NotEmpty(t, verifiers[0], "code verifier must accompany the exchange")

	login, err := h.handoff.TakeOnce(ctx, result.HandoffKey)
	require.NoError(t, err)
	require.NotNil(t, login)
	assert.Equal(t, result.AccountID, login.AccountID)
	assert.Equal(t, "Mona", login.DisplayName)

	accountID, err := h.issuer.Verify(login.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, login.AccountID, accountID)

	acct, err := h.accounts.FindByProviderAndOpenID(ctx, "github", "42")
	require.NoError(t, err)
	assert.Equal(t, login.AccountID, acct.ID)

	_, err = h.manager.Callback(ctx, "github", state, "good-code")
	assert.ErrorIs(t, err, domain.ErrNotFound, "state must be single use")
}

func TestCallbackRejectsForeignState(t *testing.T) {
	p := newFakeProvider(t)
	gh := githubRegistration(p)
	other := *gh
	other.RegistrationID = "github-enterprise"
	h := newFlowHarness(t, gh, &other)
	ctx := context.Background()

	authURL, err := h.manager.Authorize(ctx, "github", "", nil)
	require.NoError(t, err)
	u, _ := url.Parse(authURL)

	_, err = h.manager.Callback(ctx, "github-enterprise", u.Query().Get("state"), "good-code")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCallbackUpstreamFailure(t *testing.T) {
	p := newFakeProvider(t)
	h := newFlowHarness(t, githubRegistration(p))
	ctx := context.Background()

	authURL, err := h.manager.Authorize(ctx, "github", "", nil)
	require.NoError(t, err)
	u, _ := url.Parse(authURL)

	_, err = h.manager.Callback(ctx, "github", u.Query().Get("state"), "bad-code")
	assert.ErrorIs(t, err, domain.ErrUpstreamFailure)
}

func TestAuthorizeUnknownRegistration(t *testing.T) {
	h := newFlowHarness(t)
	_, err := h.manager.Authorize(context.Background(), "nope", "", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCallbackWeChatPassesOpenIDAsQuery(t *testing.T) {
	p := newFakeProvider(t)
	p.tokenExtras = map[string]any{"openid": "o-wx", "unionid": "u-wx"}
	p.userInfo = `{"openid": "o-wx", "unionid": "u-wx", "nickname": "Mei", "sex": 2}`

	reg := githubRegistration(p)
	reg.RegistrationID = "wechat-web"
	reg.ProviderFamily = "wechat"
	reg.AuthMethod = oauth2.AuthMethodClientSecretPost
	h := newFlowHarness(t, reg)
	ctx := context.Background()

	authURL, err := h.manager.Authorize(ctx, "wechat-web", "", nil)
	require.NoError(t, err)
	u, _ := url.Parse(authURL)
	assert.Equal(t, "client-1", u.Query().Get("appid"))

	_, err = h.manager.Callback(ctx, "wechat-web", u.Query().Get("state"), "good-code")
	require.NoError(t, err)
	_, query := p.seen()
	assert.Equal(t, "o-wx", query.Get("openid"))
	assert.Equal(t, "upstream-at", query.Get("access_token"))

	_, err = h.accounts.FindByProviderAndUnionID(ctx, "wechat", "u-wx")
	assert.NoError(t, err)
}

func TestCallbackWeChatErrcode(t *testing.T) {
	p := newFakeProvider(t)
	p.tokenExtras = map[string]any{"openid": "o-wx"}
	p.userInfo = `{"errcode": 40003, "errmsg": "invalid openid"}`

	reg := githubRegistration(p)
	reg.RegistrationID = "wechat-web"
	reg.ProviderFamily = "wechat"
	h := newFlowHarness(t, reg)
	ctx := context.Background()

	authURL, err := h.manager.Authorize(ctx, "wechat-web", "", nil)
	require.NoError(t, err)
	u, _ := url.Parse(authURL)

	_, err = h.manager.Callback(ctx, "wechat-web", u.Query().Get("state"), "good-code")
	assert.ErrorIs(t, err, domain.ErrUpstreamFailure)
}

func TestCallbackVerifiesIDToken(t *testing.T) {
	p := newFakeProvider(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p.idKey = key

	reg := githubRegistration(p)
	reg.RegistrationID = "logto-admin"
	reg.ProviderFamily = "logto"
	reg.Scopes = []string{"openid", "profile", "email"}
	reg.UserInfoURI = ""
	reg.JwkSetURI = p.URL + "/jwks"
	reg.IssuerURI = p.URL
	h := newFlowHarness(t, reg)
	ctx := context.Background()

	authURL, err := h.manager.Authorize(ctx, "logto-admin", "", nil)
	require.NoError(t, err)
	u, _ := url.Parse(authURL)
	q := u.Query()
	require.NotEmpty(t, q.Get("nonce"))

	p.mu.Lock()
	p.nonce = q.Get("nonce")
	p.mu.Unlock()

	result, err := h.manager.Callback(ctx, "logto-admin", q.Get("state"), "good-code")
	require.NoError(t, err)

	_, err = h.accounts.FindByProviderAndOpenID(ctx, "logto-admin", "oidc-subject")
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccountID)

	// A replayed nonce from another request must be refused.
	authURL, err = h.manager.Authorize(ctx, "logto-admin", "", nil)
	require.NoError(t, err)
	u, _ = url.Parse(authURL)
	_, err = h.manager.Callback(ctx, "logto-admin", u.Query().Get("state"), "good-code")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
