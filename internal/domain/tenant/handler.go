package tenant

import (
	"net/http"

	"github.com/google/uuid"
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
	api.GET("/organizations/:id", h.Get)
	api.POST("/organizations", h.Create)
	api.PUT("/organizations/:id/gateway-customer", h.SetGatewayCustomer)
}

func (h *Handler) Get(c echo.Context) error {
	// A malformed id parses to uuid.Nil, which the service reports as
	// NotFound once the caller has been admitted.
	id, _ := uuid.Parse(c.Param("id"))
	ctx := c.Request().Context()
	o, err := h.svc.Get(ctx, auth.PrincipalFromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "organization": o})
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := validation.Bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	o, err := h.svc.Create(ctx, auth.PrincipalFromContext(ctx), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"success": true, "organization": o})
}

func (h *Handler) SetGatewayCustomer(c echo.Context) error {
	id, _ := uuid.Parse(c.Param("id"))
	var req SetCustomerRequest
	if err := validation.Bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	o, err := h.svc.SetGatewayCustomer(ctx, auth.PrincipalFromContext(ctx), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "organization": o})
}
