package flow

import "github.com/getkayan/kayan-connect/core/identity"

// DefaultExtract maps the common OIDC claims. It is applied when no strategy
// supports a registration id.
func DefaultExtract(raw map[string]any) *identity.UserInfo {
	return &identity.UserInfo{
		OpenID:        stringAttr(raw, "sub", "id"),
		Nickname:      stringAttr(raw, "name", "nickname"),
		Username:      stringAttr(raw, "preferred_username", "username", "login"),
		Email:         stringAttr(raw, "email"),
		EmailVerified: boolAttr(raw, "email_verified"),
		Avatar:        stringAttr(raw, "picture", "avatar_url"),
		Phone:         stringAttr(raw, "phone_number"),
		PhoneVerified: boolAttr(raw, "phone_number_verified"),
		Locale:        stringAttr(raw, "locale"),
		Raw:           copyRaw(raw),
	}
}
