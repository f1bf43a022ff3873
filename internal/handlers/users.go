package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/automagik/omni/internal/identity"
)

// UserHandler serves identity lookups and administrator pre-linking.
type UserHandler struct {
	store *identity.Store
}

func NewUserHandler(store *identity.Store) *UserHandler {
	return &UserHandler{store: store}
}

func (h *UserHandler) Register(e *echo.Echo) {
	group := e.Group("/api/v1/users")
	group.GET("/:id", h.GetUser)
	group.POST("/:id/external-ids", h.LinkExternalID)
}

// GetUser godoc
// @Summary Get user
// @Tags users
// @Param id path string true "User ID"
// @Success 200 {object} identity.User
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/users/{id} [get]
func (h *UserHandler) GetUser(c echo.Context) error {
	user, err := h.store.GetUser(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, user)
}

type linkRequest struct {
	Provider   string         `json:"provider" validate:"required"`
	ExternalID string         `json:"external_id" validate:"required"`
	Extra      map[string]any `json:"extra"`
}

// LinkExternalID godoc
// @Summary Link external ID
// @Description Attach a channel-native identifier to an existing user so
// @Description future messages from it resolve to the same person
// @Tags users
// @Param id path string true "User ID"
// @Param payload body linkRequest true "Link payload"
// @Success 201 {object} identity.ExternalID
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /api/v1/users/{id}/external-ids [post]
func (h *UserHandler) LinkExternalID(c echo.Context) error {
	var req linkRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	link, err := h.store.Link(c.Request().Context(), c.Param("id"), req.Provider, req.ExternalID, req.Extra)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, link)
}
