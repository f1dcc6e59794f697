package flow

import "github.com/getkayan/kayan-connect/core/identity"

// LogtoStrategy extracts identities from Logto's OIDC userinfo response.
type LogtoStrategy struct {
	prefixMatcher
}

func NewLogtoStrategy(opts ...StrategyOption) *LogtoStrategy {
	return &LogtoStrategy{prefixMatcher: newPrefixMatcher("logto", opts)}
}

func (s *LogtoStrategy) Extract(raw map[string]any) (*identity.UserInfo, error) {
	info := DefaultExtract(raw)
	info.Family = s.family
	info.OpenID = stringAttr(raw, "sub")
	if username := stringAttr(raw, "username"); username != "" {
		info.Username = username
	}
	return info, nil
}
