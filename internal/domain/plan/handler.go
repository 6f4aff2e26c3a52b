package plan

import (
	"net/http"
	"strconv"

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
	api.GET("/plans", h.List)
	api.GET("/plans/:id", h.Get)
	api.POST("/plans", h.Create)
	api.PUT("/plans/:id", h.Update)
	api.POST("/plans/:id/default", h.SetDefault)
}

// List serves GET /plans?active=&public=. The route is reachable without a
// session; the service decides whether the filter allows that.
func (h *Handler) List(c echo.Context) error {
	f := ListFilter{
		ActiveOnly: queryBool(c, "active"),
		Public:     queryBool(c, "public"),
	}
	ctx := c.Request().Context()
	plans, err := h.svc.List(ctx, auth.PrincipalFromContext(ctx), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "plans": plans})
}

func (h *Handler) Get(c echo.Context) error {
	id, _ := uuid.Parse(c.Param("id"))
	ctx := c.Request().Context()
	pl, err := h.svc.Get(ctx, auth.PrincipalFromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "plan": pl})
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := validation.Bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	pl, err := h.svc.Create(ctx, auth.PrincipalFromContext(ctx), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"success": true, "plan": pl})
}

func (h *Handler) Update(c echo.Context) error {
	id, _ := uuid.Parse(c.Param("id"))
	var req UpdateRequest
	if err := validation.Bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	pl, err := h.svc.Update(ctx, auth.PrincipalFromContext(ctx), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "plan": pl})
}

func (h *Handler) SetDefault(c echo.Context) error {
	id, _ := uuid.Parse(c.Param("id"))
	ctx := c.Request().Context()
	pl, err := h.svc.SetDefault(ctx, auth.PrincipalFromContext(ctx), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "plan": pl})
}

func queryBool(c echo.Context, name string) bool {
	b, _ := strconv.ParseBool(c.QueryParam(name))
	return b
}
