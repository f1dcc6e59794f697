// Package api exposes the Kayan Connect coordinator over HTTP with echo.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/getkayan/kayan-connect/core/audit"
	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/flow"
	"github.com/getkayan/kayan-connect/core/health"
	"github.com/getkayan/kayan-connect/core/logger"
	"github.com/getkayan/kayan-connect/core/oauth2"
	"github.com/getkayan/kayan-connect/core/qrcode"
	"github.com/getkayan/kayan-connect/core/ratelimit"
	"github.com/getkayan/kayan-connect/core/session"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ClientAdmin is the administrative side of the client configuration store.
type ClientAdmin interface {
	ListClientConfigs(ctx context.Context) ([]*domain.ClientConfig, error)
	SaveClientConfig(ctx context.Context, cfg *domain.ClientConfig) error
}

// Deps are the components the handler serves. Audit, Health, Metrics and
// the rate limit policy are optional.
type Deps struct {
	Coordinator *qrcode.Coordinator
	Dispatcher  *qrcode.Dispatcher
	Registry    *oauth2.Registry
	Clients     ClientAdmin
	Authorizer  *flow.AuthorizationManager
	Handoff     *flow.Handoff
	Issuer      *session.Issuer
	Accounts    domain.AccountStore
	Audit       *audit.Logger
	Health      *health.Manager
	Metrics     http.Handler
	RateLimit   ratelimit.Policy

	QRCodeTTLSeconds int
	AdminToken       string
	WebhookToken     string
}

type Handler struct {
	deps Deps
}

func NewHandler(deps Deps) *Handler {
	if deps.QRCodeTTLSeconds == 0 {
		deps.QRCodeTTLSeconds = 300
	}
	return &Handler{deps: deps}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	limited := h.RateLimitMiddleware

	qr := e.Group("/oauth2/qrcode")
	qr.GET("/wechat/:registrationId", h.HandleQRCodeCreate, limited)
	qr.GET("/:sceneStr/state", h.HandleQRCodeState, limited)
	qr.DELETE("/:sceneStr", h.HandleQRCodeCancel)
	qr.POST("/events", h.HandleScanEvent, h.WebhookMiddleware)

	e.GET("/oauth2/authorization/:registrationId", h.HandleAuthorize, limited)
	e.GET("/login/oauth2/code/:registrationId", h.HandleCallback)
	e.GET("/oauth2/login-result/:key", h.HandleLoginResult, limited)
	e.POST("/oauth2/token/refresh", h.HandleRefresh)
	e.GET("/oauth2/jwks", h.HandleJWKS)

	protected := e.Group("/api/v1")
	protected.Use(h.AuthMiddleware)
	protected.GET("/whoami", h.HandleWhoAmI)

	admin := e.Group("/admin")
	admin.Use(h.AdminMiddleware)
	admin.GET("/clients", h.HandleListClients)
	admin.PUT("/clients/:registrationId", h.HandleSaveClient)
	admin.POST("/clients/:registrationId/invalidate", h.HandleInvalidateClient)
	admin.POST("/clients/invalidate", h.HandleInvalidateAll)
	admin.POST("/clients/preload", h.HandlePreload)
	admin.GET("/qrcode/:sceneStr", h.HandleInspectQRCode)
	admin.GET("/audit", h.HandleAuditQuery)
	admin.DELETE("/audit", h.HandleAuditPurge)

	if h.deps.Health != nil {
		e.GET("/healthz", h.deps.Health.LiveHandler)
		e.GET("/ready", h.deps.Health.ReadyHandler)
		e.GET("/health", h.deps.Health.FullHandler)
	}
	if h.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.deps.Metrics))
	}
}

// Error writes the uniform error body.
func (h *Handler) Error(c echo.Context, code int, message string, err error) error {
	resp := map[string]any{
		"status": message,
		"code":   code,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	return c.JSON(code, resp)
}

// Fail maps err onto an HTTP status through the domain error taxonomy.
func (h *Handler) Fail(c echo.Context, err error) error {
	code, message := classify(err)
	if code >= http.StatusInternalServerError {
		logger.Log.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		if code == http.StatusInternalServerError {
			// internal details stay in the log
			return h.Error(c, code, message, nil)
		}
	}
	return h.Error(c, code, message, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, domain.ErrUpstreamFailure):
		return http.StatusBadGateway, "Upstream provider failure"
	case errors.Is(err, domain.ErrBindingConflict):
		return http.StatusConflict, "Binding conflict"
	case errors.Is(err, session.ErrTokenExpired),
		errors.Is(err, session.ErrTokenMalformed),
		errors.Is(err, session.ErrTokenSignatureInvalid):
		return http.StatusUnauthorized, "Unauthorized"
	case ratelimit.IsRateLimited(err):
		return http.StatusTooManyRequests, "Too many requests"
	}
	return http.StatusInternalServerError, "Internal server error"
}

func retryAfter(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
