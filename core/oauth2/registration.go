package oauth2

import (
	"fmt"
	"strings"

	"github.com/getkayan/kayan-connect/core/domain"
)

const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodNone              = "none"

	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"

	DefaultRedirectURITemplate = "{baseUrl}/login/oauth2/code/{registrationId}"
)

// ClientRegistration is the resolved, immutable configuration of one
// OAuth2/OIDC client. It is replaced wholesale on invalidation and never
// mutated after BuildRegistration returns it.
type ClientRegistration struct {
	RegistrationID string
	ProviderFamily string
	ClientID       string
	ClientSecret   string
	Scopes         []string
	GrantType      string
	AuthMethod     string

	AuthorizationURI    string
	TokenURI            string
	UserInfoURI         string
	JwkSetURI           string
	IssuerURI           string
	RedirectURITemplate string
	UserNameAttribute   string

	RedirectTarget string
}

// BuildRegistration translates a stored configuration into a ClientRegistration,
// substituting defaults for blank auth method, grant type and redirect template.
func BuildRegistration(cfg *domain.ClientConfig) (*ClientRegistration, error) {
	if cfg == nil {
		return nil, fmt.Errorf("build registration: %w: nil config", domain.ErrInvalidArgument)
	}
	id := strings.TrimSpace(cfg.RegistrationID)
	if id == "" {
		return nil, fmt.Errorf("build registration: %w: blank registration id", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("build registration %q: %w: blank client id", id, domain.ErrInvalidArgument)
	}

	reg := &ClientRegistration{
		RegistrationID:      id,
		ProviderFamily:      strings.TrimSpace(cfg.ProviderFamily),
		ClientID:            strings.TrimSpace(cfg.ClientID),
		ClientSecret:        cfg.ClientSecret,
		Scopes:              normalizeScopes(cfg.Scopes),
		GrantType:           defaultString(cfg.GrantType, GrantTypeAuthorizationCode),
		AuthMethod:          defaultString(cfg.AuthMethod, AuthMethodClientSecretBasic),
		AuthorizationURI:    strings.TrimSpace(cfg.AuthorizationURI),
		TokenURI:            strings.TrimSpace(cfg.TokenURI),
		UserInfoURI:         strings.TrimSpace(cfg.UserInfoURI),
		JwkSetURI:           strings.TrimSpace(cfg.JwkSetURI),
		IssuerURI:           strings.TrimSpace(cfg.IssuerURI),
		RedirectURITemplate: defaultString(cfg.RedirectURITemplate, DefaultRedirectURITemplate),
		UserNameAttribute:   strings.TrimSpace(cfg.UserNameAttribute),
		RedirectTarget:      strings.TrimSpace(cfg.RedirectTarget),
	}
	if reg.ProviderFamily == "" {
		reg.ProviderFamily = familyOf(id)
	}
	return reg, nil
}

// RedirectURI expands the registration's redirect template against baseURL.
func (r *ClientRegistration) RedirectURI(baseURL string) string {
	return strings.NewReplacer(
		"{baseUrl}", strings.TrimRight(baseURL, "/"),
		"{registrationId}", r.RegistrationID,
		"{action}", "login",
	).Replace(r.RedirectURITemplate)
}

// HasScope reports whether scope is requested by the registration.
func (r *ClientRegistration) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func defaultString(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func normalizeScopes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, raw := range in {
		// Stored scopes may be comma or space separated in a single element.
		for _, s := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// familyOf derives "wechat" from "wechat-app" and "github" from "github".
func familyOf(registrationID string) string {
	if i := strings.IndexAny(registrationID, "-_:."); i > 0 {
		return strings.ToLower(registrationID[:i])
	}
	return strings.ToLower(registrationID)
}
