package billing

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/validation"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/billing/portal", h.Portal)
	api.GET("/billing/invoice/:id", h.Invoice)
	api.GET("/billing/entitlement", h.Entitlement)
}

func (h *Handler) Portal(c echo.Context) error {
	var req PortalRequest
	if err := validation.Bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	url, err := h.svc.Portal(ctx, auth.PrincipalFromContext(ctx), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "url": url})
}

// Invoice redirects to the gateway-hosted invoice when there is one.
// ?redirect=false returns the JSON description instead.
func (h *Handler) Invoice(c echo.Context) error {
	ctx := c.Request().Context()
	inv, err := h.svc.Invoice(ctx, auth.PrincipalFromContext(ctx), c.Param("id"))
	if err != nil {
		return err
	}
	redirect := true
	if raw := c.QueryParam("redirect"); raw != "" {
		redirect, _ = strconv.ParseBool(raw)
	}
	if redirect && inv.HostedURL != "" {
		return c.Redirect(http.StatusFound, inv.HostedURL)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "invoice": inv})
}

func (h *Handler) Entitlement(c echo.Context) error {
	ctx := c.Request().Context()
	ent, err := h.svc.Entitlement(ctx, auth.PrincipalFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":  true,
		"entitled": ent.Entitled,
		"status":   ent.Status,
		"plan":     ent.Plan,
		"features": ent.Features,
	})
}
