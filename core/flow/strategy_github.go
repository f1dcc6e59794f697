package flow

import "github.com/getkayan/kayan-connect/core/identity"

// GitHubStrategy extracts identities from the GitHub /user payload.
type GitHubStrategy struct {
	prefixMatcher
}

func NewGitHubStrategy(opts ...StrategyOption) *GitHubStrategy {
	return &GitHubStrategy{prefixMatcher: newPrefixMatcher("github", opts)}
}

func (s *GitHubStrategy) Extract(raw map[string]any) (*identity.UserInfo, error) {
	return &identity.UserInfo{
		Family:   s.family,
		OpenID:   stringAttr(raw, "id"),
		Username: stringAttr(raw, "login"),
		Nickname: stringAttr(raw, "name", "login"),
		Avatar:   stringAttr(raw, "avatar_url"),
		// GitHub only returns the public email, which it has verified.
		Email:         stringAttr(raw, "email"),
		EmailVerified: stringAttr(raw, "email") != "",
		Location:      stringAttr(raw, "location"),
		Raw:           copyRaw(raw),
	}, nil
}
