package api

import (
	"errors"
	"net/http"

	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/logger"
	"github.com/getkayan/kayan-connect/core/qrcode"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type qrCodeResponse struct {
	AuthorizationURI string `json:"authorizationUri"`
	SceneStr         string `json:"sceneStr"`
	ExpireSeconds    int    `json:"expireSeconds"`
	Ticket           string `json:"ticket,omitempty"`
	URL              string `json:"url,omitempty"`
}

// HandleQRCodeCreate starts a QR login through a WeChat registration.
func (h *Handler) HandleQRCodeCreate(c echo.Context) error {
	ctx := c.Request().Context()
	reg, err := h.deps.Registry.Resolve(ctx, c.Param("registrationId"))
	if err != nil {
		return h.Fail(c, err)
	}

	scene := uuid.NewString()
	ticket, err := h.deps.Coordinator.Create(ctx, reg.ClientID, scene, h.deps.QRCodeTTLSeconds)
	if err != nil {
		return h.Fail(c, err)
	}

	authURI := ticket.ImageURL
	if authURI == "" {
		authURI = ticket.URL
	}
	expire := ticket.ExpireSeconds
	if expire <= 0 {
		expire = h.deps.QRCodeTTLSeconds
	}
	return c.JSON(http.StatusOK, qrCodeResponse{
		AuthorizationURI: authURI,
		SceneStr:         scene,
		ExpireSeconds:    expire,
		Ticket:           ticket.Ticket,
		URL:              ticket.URL,
	})
}

// HandleQRCodeState answers a client poll. A vanished session reads as EXPIRED.
func (h *Handler) HandleQRCodeState(c echo.Context) error {
	res, err := h.deps.Coordinator.Poll(c.Request().Context(), c.Param("sceneStr"))
	if errors.Is(err, domain.ErrNotFound) {
		return c.JSON(http.StatusNotFound, qrcode.PollResult{State: qrcode.StateExpired})
	}
	if err != nil {
		return h.Fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) HandleQRCodeCancel(c echo.Context) error {
	if err := h.deps.Coordinator.Cancel(c.Request().Context(), c.Param("sceneStr")); err != nil {
		return h.Fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleScanEvent queues a scan notification. Processing happens on the
// dispatcher's workers, so the response only acknowledges receipt.
func (h *Handler) HandleScanEvent(c echo.Context) error {
	var evt qrcode.ScanEvent
	if err := c.Bind(&evt); err != nil {
		return h.Error(c, http.StatusBadRequest, "Invalid request body", err)
	}
	if evt.SceneStr == "" || evt.ClientAppID == "" {
		return h.Error(c, http.StatusBadRequest, "Invalid request", errors.New("scene_str and client_app_id are required"))
	}
	if !h.deps.Dispatcher.Publish(evt) {
		logger.Log.Warn("scan event rejected", zap.String("scene", evt.SceneStr))
		return h.Error(c, http.StatusServiceUnavailable, "Event queue unavailable", nil)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}
