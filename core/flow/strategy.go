package flow

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/getkayan/kayan-connect/core/identity"
)

// ProviderStrategy normalizes the identity payload of one provider family
// into a canonical identity.UserInfo.
type ProviderStrategy interface {
	// Family names the provider family, e.g. "github" or "wechat".
	Family() string

	// Supports reports whether the strategy handles registrationID.
	Supports(registrationID string) bool

	// Priority orders matching strategies; the lowest number wins.
	Priority() int

	Enabled() bool

	Extract(raw map[string]any) (*identity.UserInfo, error)
}

// SelectStrategy returns the enabled strategy supporting registrationID with
// the lowest priority number. Ties go to the strategy listed first. It returns
// nil when no strategy matches.
func SelectStrategy(strategies []ProviderStrategy, registrationID string) ProviderStrategy {
	var best ProviderStrategy
	for _, s := range strategies {
		if s == nil || !s.Enabled() || !s.Supports(registrationID) {
			continue
		}
		if best == nil || s.Priority() < best.Priority() {
			best = s
		}
	}
	return best
}

// StrategyOption configures a built-in strategy.
type StrategyOption func(*prefixMatcher)

// WithPriority overrides the default priority of a built-in strategy.
func WithPriority(p int) StrategyOption {
	return func(m *prefixMatcher) { m.priority = p }
}

// WithPrefixes replaces the registration id prefixes a strategy answers to.
func WithPrefixes(prefixes ...string) StrategyOption {
	return func(m *prefixMatcher) { m.prefixes = prefixes }
}

// Disabled switches a built-in strategy off.
func Disabled() StrategyOption {
	return func(m *prefixMatcher) { m.disabled = true }
}

const defaultStrategyPriority = 10

// prefixMatcher implements the selection half of ProviderStrategy for the
// built-in strategies: a registration id matches when it equals one of the
// prefixes or starts with it.
type prefixMatcher struct {
	family   string
	prefixes []string
	priority int
	disabled bool
}

func newPrefixMatcher(family string, opts []StrategyOption) prefixMatcher {
	m := prefixMatcher{
		family:   family,
		prefixes: []string{family},
		priority: defaultStrategyPriority,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func (m prefixMatcher) Family() string { return m.family }
func (m prefixMatcher) Priority() int  { return m.priority }
func (m prefixMatcher) Enabled() bool  { return !m.disabled }

func (m prefixMatcher) Supports(registrationID string) bool {
	id := strings.ToLower(strings.TrimSpace(registrationID))
	for _, p := range m.prefixes {
		if strings.HasPrefix(id, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// stringAttr returns the first non-empty attribute among keys, rendering
// numeric ids without exponent notation.
func stringAttr(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func boolAttr(raw map[string]any, key string) bool {
	switch v := raw[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func copyRaw(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}
