package kgorm

import (
	"encoding/json"
	"time"

	"github.com/getkayan/kayan-connect/core/audit"
	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/identity"
)

type gormClientConfig struct {
	RegistrationID      string `gorm:"primaryKey;size:128"`
	ProviderFamily      string `gorm:"index;size:64"`
	ClientID            string `gorm:"uniqueIndex;size:191"`
	ClientSecret        string
	Scopes              identity.JSON `gorm:"type:json"`
	GrantType           string        `gorm:"size:64"`
	AuthMethod          string        `gorm:"size:64"`
	AuthorizationURI    string
	TokenURI            string
	UserInfoURI         string
	JwkSetURI           string
	IssuerURI           string
	RedirectURITemplate string
	UserNameAttribute   string `gorm:"size:128"`
	RedirectTarget      string
	Enabled             bool `gorm:"index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (gormClientConfig) TableName() string { return "oauth2_client_configs" }

func toCoreClientConfig(g *gormClientConfig) *domain.ClientConfig {
	var scopes []string
	if len(g.Scopes) > 0 {
		_ = json.Unmarshal(g.Scopes, &scopes)
	}
	return &domain.ClientConfig{
		RegistrationID:      g.RegistrationID,
		ProviderFamily:      g.ProviderFamily,
		ClientID:            g.ClientID,
		ClientSecret:        g.ClientSecret,
		Scopes:              scopes,
		GrantType:           g.GrantType,
		AuthMethod:          g.AuthMethod,
		AuthorizationURI:    g.AuthorizationURI,
		TokenURI:            g.TokenURI,
		UserInfoURI:         g.UserInfoURI,
		JwkSetURI:           g.JwkSetURI,
		IssuerURI:           g.IssuerURI,
		RedirectURITemplate: g.RedirectURITemplate,
		UserNameAttribute:   g.UserNameAttribute,
		RedirectTarget:      g.RedirectTarget,
		Enabled:             g.Enabled,
	}
}

func fromCoreClientConfig(c *domain.ClientConfig) *gormClientConfig {
	scopes, _ := json.Marshal(c.Scopes)
	return &gormClientConfig{
		RegistrationID:      c.RegistrationID,
		ProviderFamily:      c.ProviderFamily,
		ClientID:            c.ClientID,
		ClientSecret:        c.ClientSecret,
		Scopes:              scopes,
		GrantType:           c.GrantType,
		AuthMethod:          c.AuthMethod,
		AuthorizationURI:    c.AuthorizationURI,
		TokenURI:            c.TokenURI,
		UserInfoURI:         c.UserInfoURI,
		JwkSetURI:           c.JwkSetURI,
		IssuerURI:           c.IssuerURI,
		RedirectURITemplate: c.RedirectURITemplate,
		UserNameAttribute:   c.UserNameAttribute,
		RedirectTarget:      c.RedirectTarget,
		Enabled:             c.Enabled,
	}
}

type gormAccount struct {
	ID          string `gorm:"primaryKey;size:36"`
	DisplayName string
	Avatar      string
	Email       string `gorm:"index;size:191"`
	Phone       string `gorm:"size:32"`
	State       string `gorm:"size:16"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (gormAccount) TableName() string { return "accounts" }

func toCoreAccount(g *gormAccount) *identity.Account {
	return &identity.Account{
		ID:          g.ID,
		DisplayName: g.DisplayName,
		Avatar:      g.Avatar,
		Email:       g.Email,
		Phone:       g.Phone,
		State:       g.State,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
	}
}

// gormBinding links an account to an open id at one registration. The pair
// (provider, open_id) is unique; union ids are indexed per provider family.
type gormBinding struct {
	ID        string        `gorm:"primaryKey;size:36"`
	AccountID string        `gorm:"index;size:36"`
	Provider  string        `gorm:"uniqueIndex:idx_binding_provider_open_id;size:128"`
	OpenID    string        `gorm:"uniqueIndex:idx_binding_provider_open_id;size:191"`
	Family    string        `gorm:"index:idx_binding_family_union_id;size:64"`
	UnionID   string        `gorm:"index:idx_binding_family_union_id;size:191"`
	Profile   identity.JSON `gorm:"type:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (gormBinding) TableName() string { return "account_bindings" }

func toCoreBinding(g *gormBinding) identity.Binding {
	return identity.Binding{
		ID:        g.ID,
		AccountID: g.AccountID,
		Provider:  g.Provider,
		Family:    g.Family,
		OpenID:    g.OpenID,
		UnionID:   g.UnionID,
		Profile:   g.Profile,
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
	}
}

type gormAuditEvent struct {
	ID             string `gorm:"primaryKey;size:36"`
	Type           string `gorm:"index;size:64"`
	ActorID        string `gorm:"index;size:191"`
	SubjectID      string `gorm:"index;size:191"`
	Status         string `gorm:"index;size:16"`
	Message        string
	Metadata       identity.JSON `gorm:"type:json"`
	RegistrationID string        `gorm:"index;size:128"`
	ClientID       string        `gorm:"size:191"`
	IPAddress      string        `gorm:"size:64"`
	Risk           string        `gorm:"size:16"`
	CreatedAt      time.Time     `gorm:"index"`
}

func (gormAuditEvent) TableName() string { return "audit_events" }

func fromCoreAuditEvent(e *audit.AuditEvent) *gormAuditEvent {
	return &gormAuditEvent{
		ID:             e.ID,
		Type:           e.Type,
		ActorID:        e.ActorID,
		SubjectID:      e.SubjectID,
		Status:         e.Status,
		Message:        e.Message,
		Metadata:       e.Metadata,
		RegistrationID: e.RegistrationID,
		ClientID:       e.ClientID,
		IPAddress:      e.IPAddress,
		Risk:           string(e.Risk),
		CreatedAt:      e.CreatedAt,
	}
}

func toCoreAuditEvent(g *gormAuditEvent) audit.AuditEvent {
	return audit.AuditEvent{
		ID:             g.ID,
		Type:           g.Type,
		ActorID:        g.ActorID,
		SubjectID:      g.SubjectID,
		Status:         g.Status,
		Message:        g.Message,
		Metadata:       g.Metadata,
		RegistrationID: g.RegistrationID,
		ClientID:       g.ClientID,
		IPAddress:      g.IPAddress,
		Risk:           audit.RiskLevel(g.Risk),
		CreatedAt:      g.CreatedAt,
	}
}
