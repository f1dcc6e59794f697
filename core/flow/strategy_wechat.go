package flow

import "github.com/getkayan/kayan-connect/core/identity"

// WeChatStrategy extracts identities from WeChat sns/userinfo payloads and
// from the bare {openid} stubs built for QR scan events.
type WeChatStrategy struct {
	prefixMatcher
}

func NewWeChatStrategy(opts ...StrategyOption) *WeChatStrategy {
	return &WeChatStrategy{prefixMatcher: newPrefixMatcher("wechat", opts)}
}

func (s *WeChatStrategy) Extract(raw map[string]any) (*identity.UserInfo, error) {
	return &identity.UserInfo{
		Family:   s.family,
		OpenID:   stringAttr(raw, "openid", "FromUserName"),
		UnionID:  stringAttr(raw, "unionid"),
		Nickname: stringAttr(raw, "nickname"),
		Avatar:   stringAttr(raw, "headimgurl"),
		Gender:   wechatGender(stringAttr(raw, "sex")),
		Locale:   stringAttr(raw, "language"),
		Country:  stringAttr(raw, "country"),
		Province: stringAttr(raw, "province"),
		City:     stringAttr(raw, "city"),
		Raw:      copyRaw(raw),
	}, nil
}

func wechatGender(sex string) string {
	switch sex {
	case "1":
		return "male"
	case "2":
		return "female"
	}
	return ""
}
