package subscription

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/billing/internal/platform/apperror"
	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/validation"
	"github.com/ehr/billing/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/subscription", h.Current)
	api.POST("/subscriptions", h.Create)
	api.GET("/subscriptions", h.List)
	api.PATCH("/subscriptions/:id/status", h.UpdateStatus)
}

// Current serves the caller's own subscription. An organization without one
// gets subscription=null rather than 404.
func (h *Handler) Current(c echo.Context) error {
	ctx := c.Request().Context()
	sub, err := h.svc.Current(ctx, auth.PrincipalFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":      true,
		"subscription": sub,
		"entitled":     sub != nil && sub.Status.Entitled(),
	})
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := validation.Bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	sub, err := h.svc.Create(ctx, auth.PrincipalFromContext(ctx), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"success": true, "subscription": sub})
}

func (h *Handler) List(c echo.Context) error {
	page := pagination.FromContext(c)
	f := ListFilter{Status: Status(c.QueryParam("status"))}
	if raw := c.QueryParam("organizationId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperror.Validation("", "organizationId must be a UUID")
		}
		f.OrganizationID = &id
	}

	ctx := c.Request().Context()
	subs, total, err := h.svc.List(ctx, auth.PrincipalFromContext(ctx), f, page)
	if err != nil {
		return err
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":       true,
		"subscriptions": subs,
		"pagination":    pagination.NewMeta(page, total),
	})
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, _ := uuid.Parse(c.Param("id"))
	var req StatusRequest
	if err := validation.Bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	sub, err := h.svc.Override(ctx, auth.PrincipalFromContext(ctx), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "subscription": sub})
}
