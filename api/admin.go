package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getkayan/kayan-connect/core/audit"
	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/oauth2"
	"github.com/labstack/echo/v4"
)

const adminActor = "admin"

type clientView struct {
	*domain.ClientConfig
	Cached bool `json:"cached"`
}

func (h *Handler) HandleListClients(c echo.Context) error {
	configs, err := h.deps.Clients.ListClientConfigs(c.Request().Context())
	if err != nil {
		return h.Fail(c, err)
	}
	cached := make(map[string]bool)
	for _, reg := range h.deps.Registry.Snapshot() {
		cached[reg.RegistrationID] = true
	}
	out := make([]clientView, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, clientView{ClientConfig: cfg, Cached: cached[cfg.RegistrationID]})
	}
	return c.JSON(http.StatusOK, out)
}

// HandleSaveClient stores a configuration and invalidates the cached
// registration so the next login picks it up.
func (h *Handler) HandleSaveClient(c echo.Context) error {
	var body struct {
		domain.ClientConfig
		ClientSecret string `json:"client_secret"`
	}
	if err := c.Bind(&body); err != nil {
		return h.Error(c, http.StatusBadRequest, "Invalid request body", err)
	}
	cfg := body.ClientConfig
	cfg.RegistrationID = c.Param("registrationId")
	cfg.ClientSecret = body.ClientSecret
	if _, err := oauth2.BuildRegistration(&cfg); err != nil {
		return h.Fail(c, err)
	}

	ctx := c.Request().Context()
	if err := h.deps.Clients.SaveClientConfig(ctx, &cfg); err != nil {
		return h.Fail(c, err)
	}
	h.invalidate(c, cfg.RegistrationID)
	return c.JSON(http.StatusOK, &cfg)
}

func (h *Handler) HandleInvalidateClient(c echo.Context) error {
	h.invalidate(c, c.Param("registrationId"))
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) HandleInvalidateAll(c echo.Context) error {
	h.invalidate(c, "")
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) HandlePreload(c echo.Context) error {
	n, err := h.deps.Registry.Preload(c.Request().Context())
	if err != nil {
		return h.Fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"loaded": n})
}

func (h *Handler) HandleInspectQRCode(c echo.Context) error {
	sess, err := h.deps.Coordinator.Inspect(c.Request().Context(), c.Param("sceneStr"))
	if err != nil {
		return h.Fail(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) HandleAuditQuery(c echo.Context) error {
	filter := audit.Filter{
		SubjectID:      c.QueryParam("subject"),
		RegistrationID: c.QueryParam("registration"),
		Limit:          100,
	}
	if t := c.QueryParam("type"); t != "" {
		filter.Types = strings.Split(t, ",")
	}
	if l := c.QueryParam("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			return h.Error(c, http.StatusBadRequest, "Invalid limit", err)
		}
		filter.Limit = n
	}
	if s := c.QueryParam("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return h.Error(c, http.StatusBadRequest, "Invalid since", err)
		}
		filter.StartTime = time.Now().Add(-d)
	}

	events, err := h.deps.Audit.Query(c.Request().Context(), filter)
	if err != nil {
		return h.Fail(c, err)
	}
	if events == nil {
		events = []audit.AuditEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

// HandleAuditPurge deletes events older than the older_than duration.
func (h *Handler) HandleAuditPurge(c echo.Context) error {
	d, err := time.ParseDuration(c.QueryParam("older_than"))
	if err != nil || d <= 0 {
		return h.Error(c, http.StatusBadRequest, "Invalid older_than", err)
	}
	n, err := h.deps.Audit.Purge(c.Request().Context(), time.Now().Add(-d))
	if err != nil {
		return h.Fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"purged": n})
}

func (h *Handler) invalidate(c echo.Context, registrationID string) {
	ctx := c.Request().Context()
	if registrationID == "" {
		h.deps.Registry.InvalidateAll(ctx)
	} else {
		h.deps.Registry.Invalidate(ctx, registrationID)
	}
	h.deps.Audit.Record(ctx, audit.NewEvent(audit.EventClientInvalidated).
		Actor(adminActor).
		Subject(registrationID).
		Registration(registrationID, "").
		IP(c.RealIP()).
		Success())
}
