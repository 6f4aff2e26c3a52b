package payment

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
	api.GET("/subscription-payments", h.List)
	api.POST("/subscription-payments", h.Record)
	api.POST("/subscription-payments/:id/refund", h.Refund)
}

// List serves GET /subscription-payments?page=&limit=&search=&organizationId=.
func (h *Handler) List(c echo.Context) error {
	page := pagination.FromContext(c)
	f := ListFilter{Search: c.QueryParam("search")}
	if raw := c.QueryParam("organizationId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperror.Validation("", "organizationId must be a UUID")
		}
		f.OrganizationID = &id
	}

	ctx := c.Request().Context()
	items, total, err := h.svc.List(ctx, auth.PrincipalFromContext(ctx), f, page)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":    true,
		"payments":   items,
		"pagination": pagination.NewMeta(page, total),
	})
}

func (h *Handler) Record(c echo.Context) error {
	var req RecordRequest
	if err := validation.Bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	pay, err := h.svc.Record(ctx, auth.PrincipalFromContext(ctx), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"success": true, "payment": pay})
}

func (h *Handler) Refund(c echo.Context) error {
	id, _ := uuid.Parse(c.Param("id"))
	var req RefundRequest
	if err := validation.Bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	pay, err := h.svc.Refund(ctx, auth.PrincipalFromContext(ctx), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"success": true, "payment": pay})
}
