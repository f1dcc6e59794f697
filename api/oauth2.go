package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/labstack/echo/v4"
)

// HandleAuthorize redirects the browser to the provider's consent page.
func (h *Handler) HandleAuthorize(c echo.Context) error {
	authURL, err := h.deps.Authorizer.Authorize(c.Request().Context(), c.Param("registrationId"), "", c.QueryParams())
	if err != nil {
		return h.Fail(c, err)
	}
	return c.Redirect(http.StatusFound, authURL)
}

// HandleCallback completes an authorization-code login. The browser is sent
// to the registration's redirect target carrying the one-time handoff key as
// state; without a target the key is returned as JSON.
func (h *Handler) HandleCallback(c echo.Context) error {
	if e := c.QueryParam("error"); e != "" {
		return h.Error(c, http.StatusBadRequest, "Authorization denied", errors.New(e+": "+c.QueryParam("error_description")))
	}
	state, code := c.QueryParam("state"), c.QueryParam("code")
	if state == "" || code == "" {
		return h.Error(c, http.StatusBadRequest, "Invalid request", errors.New("state and code are required"))
	}

	res, err := h.deps.Authorizer.Callback(c.Request().Context(), c.Param("registrationId"), state, code)
	if err != nil {
		return h.Fail(c, err)
	}

	if res.RedirectTarget == "" {
		return c.JSON(http.StatusOK, map[string]string{
			"state":      res.HandoffKey,
			"account_id": res.AccountID,
		})
	}
	target, err := url.Parse(res.RedirectTarget)
	if err != nil {
		return h.Fail(c, err)
	}
	q := target.Query()
	q.Set("state", res.HandoffKey)
	target.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, target.String())
}

// HandleLoginResult hands a completed login to exactly one caller.
func (h *Handler) HandleLoginResult(c echo.Context) error {
	res, err := h.deps.Handoff.TakeOnce(c.Request().Context(), c.Param("key"))
	if err != nil {
		return h.Fail(c, err)
	}
	if res == nil {
		return h.Fail(c, domain.ErrNotFound)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) HandleRefresh(c echo.Context) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.Bind(&body); err != nil || body.RefreshToken == "" {
		return h.Error(c, http.StatusBadRequest, "Invalid request body", err)
	}
	pair, err := h.deps.Issuer.Refresh(body.RefreshToken)
	if err != nil {
		return h.Fail(c, err)
	}
	return c.JSON(http.StatusOK, pair)
}

func (h *Handler) HandleJWKS(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Issuer.JWKS())
}

func (h *Handler) HandleWhoAmI(c echo.Context) error {
	accountID, _ := c.Get(ctxAccountID).(string)
	acct, err := h.deps.Accounts.GetAccount(c.Request().Context(), accountID)
	if err != nil {
		return h.Fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "authenticated",
		"account": acct,
	})
}
