package activity

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/billing/internal/platform/apperror"
	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the activity listing. mw applies to this route only.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	api.GET("/activity", h.List, mw...)
}

func (h *Handler) List(c echo.Context) error {
	var orgID *uuid.UUID
	if raw := c.QueryParam("organizationId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperror.Validation("", "invalid organizationId")
		}
		orgID = &id
	}
	page := pagination.FromContext(c)
	ctx := c.Request().Context()

	items, total, err := h.svc.List(ctx, auth.PrincipalFromContext(ctx), orgID, c.QueryParam("entity"), page)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Entry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":    true,
		"activity":   items,
		"pagination": pagination.NewMeta(page, total),
	})
}
