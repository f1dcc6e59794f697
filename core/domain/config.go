package domain

import (
	"context"
)

// ClientConfig is the persisted configuration of one OAuth2/OIDC client registration.
// It is edited by administrators and translated into an immutable
// oauth2.ClientRegistration on first use.
type ClientConfig struct {
	RegistrationID string   `json:"registration_id"` // e.g. "github", "wechat-app", "logto-admin"
	ProviderFamily string   `json:"provider_family"` // e.g. "github", "wechat"; derived from the registration id when blank
	ClientID       string   `json:"client_id"`
	ClientSecret   string   `json:"-"`
	Scopes         []string `json:"scopes"`
	GrantType      string   `json:"grant_type"`  // blank means authorization_code
	AuthMethod     string   `json:"auth_method"` // blank means client_secret_basic

	AuthorizationURI    string `json:"authorization_uri"`
	TokenURI            string `json:"token_uri"`
	UserInfoURI         string `json:"user_info_uri"`
	JwkSetURI           string `json:"jwk_set_uri"`
	IssuerURI           string `json:"issuer_uri"`
	RedirectURITemplate string `json:"redirect_uri_template"` // blank means {baseUrl}/login/oauth2/code/{registrationId}
	UserNameAttribute   string `json:"user_name_attribute"`

	// RedirectTarget is where the browser is sent once a login through this
	// registration completes.
	RedirectTarget string `json:"redirect_target"`
	Enabled        bool   `json:"enabled"`
}

// ClientConfigStore defines the persistence contract for client configurations.
type ClientConfigStore interface {
	FindByRegistrationID(ctx context.Context, registrationID string) (*ClientConfig, error)
	FindByClientID(ctx context.Context, clientID string) (*ClientConfig, error)
	FindAllEnabled(ctx context.Context) ([]*ClientConfig, error)
	SaveClientConfig(ctx context.Context, cfg *ClientConfig) error
}
