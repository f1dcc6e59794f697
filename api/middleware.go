package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/getkayan/kayan-connect/core/logger"
	"github.com/getkayan/kayan-connect/core/ratelimit"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	ctxAccountID = "account_id"

	headerWebhookToken = "X-Webhook-Token"
)

// AuthMiddleware accepts access tokens issued by this instance.
func (h *Handler) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, ok := bearer(c)
		if !ok {
			return h.Error(c, http.StatusUnauthorized, "Authorization header required", nil)
		}
		accountID, err := h.deps.Issuer.Verify(token)
		if err != nil {
			return h.Error(c, http.StatusUnauthorized, "Unauthorized", err)
		}
		c.Set(ctxAccountID, accountID)
		return next(c)
	}
}

// AdminMiddleware guards registry administration with a static token.
// Without a configured token the admin API is closed.
func (h *Handler) AdminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.deps.AdminToken == "" {
			return h.Error(c, http.StatusForbidden, "Admin API disabled", nil)
		}
		token, ok := bearer(c)
		if !ok || !equalToken(token, h.deps.AdminToken) {
			return h.Error(c, http.StatusUnauthorized, "Unauthorized", nil)
		}
		return next(c)
	}
}

// WebhookMiddleware checks the shared secret of the scan event webhook. The
// webhook is closed while no secret is configured.
func (h *Handler) WebhookMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.deps.WebhookToken == "" {
			return h.Error(c, http.StatusForbidden, "Scan event webhook is disabled", nil)
		}
		if !equalToken(c.Request().Header.Get(headerWebhookToken), h.deps.WebhookToken) {
			return h.Error(c, http.StatusUnauthorized, "Unauthorized", nil)
		}
		return next(c)
	}
}

// RateLimitMiddleware throttles by route and client address.
func (h *Handler) RateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Path() + ":" + c.RealIP()
		if err := h.deps.RateLimit.Check(c.Request().Context(), key); err != nil {
			var rl *ratelimit.Error
			if errors.As(err, &rl) {
				c.Response().Header().Set("Retry-After", retryAfter(rl.RetryAfter))
				logger.Log.Debug("rate limited", zap.String("key", key))
			}
			return h.Fail(c, err)
		}
		return next(c)
	}
}

func bearer(c echo.Context) (string, bool) {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(auth, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

func equalToken(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
