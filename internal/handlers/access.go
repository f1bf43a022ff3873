package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/automagik/omni/internal/access"
)

// AccessHandler serves allow/block rule management and admission checks.
type AccessHandler struct {
	store *access.Store
}

func NewAccessHandler(store *access.Store) *AccessHandler {
	return &AccessHandler{store: store}
}

func (h *AccessHandler) Register(e *echo.Echo) {
	group := e.Group("/api/v1/access")
	group.POST("/rules", h.CreateRule)
	group.GET("/rules", h.ListRules)
	group.DELETE("/rules/:id", h.DeleteRule)
	group.POST("/check", h.Check)
}

// CreateRule godoc
// @Summary Create access rule
// @Description Create an allow or block rule; empty instance_name makes it global
// @Tags access
// @Param payload body access.CreateRuleRequest true "Rule payload"
// @Success 201 {object} access.Rule
// @Failure 422 {object} ErrorResponse
// @Router /api/v1/access/rules [post]
func (h *AccessHandler) CreateRule(c echo.Context) error {
	var req access.CreateRuleRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	rule, err := h.store.Create(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, rule)
}

// ListRules godoc
// @Summary List access rules
// @Description List rules, optionally scoped to one instance plus globals
// @Tags access
// @Param instance_name query string false "Instance scope"
// @Success 200 {array} access.Rule
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/access/rules [get]
func (h *AccessHandler) ListRules(c echo.Context) error {
	rules, err := h.store.List(c.Request().Context(), c.QueryParam("instance_name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rules)
}

// DeleteRule godoc
// @Summary Delete access rule
// @Tags access
// @Param id path string true "Rule ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/access/rules/{id} [delete]
func (h *AccessHandler) DeleteRule(c echo.Context) error {
	if err := h.store.Delete(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, access.ErrRuleNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type checkRequest struct {
	InstanceName string `json:"instance_name"`
	PhoneNumber  string `json:"phone_number" validate:"required"`
}

// Check godoc
// @Summary Check admission
// @Description Compute the allow/block decision for a peer on an instance
// @Tags access
// @Param payload body checkRequest true "Check payload"
// @Success 200 {object} access.Decision
// @Failure 422 {object} ErrorResponse
// @Router /api/v1/access/check [post]
func (h *AccessHandler) Check(c echo.Context) error {
	var req checkRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	decision, err := h.store.Check(c.Request().Context(), req.InstanceName, req.PhoneNumber)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, decision)
}
