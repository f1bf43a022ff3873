package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/automagik/omni/internal/channel"
)

// InstanceHandler serves instance CRUD, lifecycle operations and
// channel-directory proxies.
type InstanceHandler struct {
	store    *channel.Store
	manager  *channel.Manager
	registry *channel.Registry
}

func NewInstanceHandler(store *channel.Store, manager *channel.Manager, registry *channel.Registry) *InstanceHandler {
	return &InstanceHandler{store: store, manager: manager, registry: registry}
}

func (h *InstanceHandler) Register(e *echo.Echo) {
	group := e.Group("/api/v1/instances")
	group.POST("", h.CreateInstance)
	group.GET("", h.ListInstances)
	group.GET("/:name", h.GetInstance)
	group.PUT("/:name", h.UpdateInstance)
	group.DELETE("/:name", h.DeleteInstance)
	group.POST("/:name/connect", h.Connect)
	group.POST("/:name/disconnect", h.Disconnect)
	group.POST("/:name/restart", h.Restart)
	group.GET("/:name/qr", h.QR)
	group.GET("/:name/status", h.Status)
	group.GET("/:name/contacts", h.Contacts)
	group.GET("/:name/chats", h.Chats)
	group.GET("/:name/chats/:chatId/messages", h.ChatMessages)

	e.GET("/api/v1/channels", h.ListChannels)
}

// CreateInstance godoc
// @Summary Create instance
// @Description Create a named channel-to-agent binding
// @Tags instances
// @Param payload body channel.CreateInstanceRequest true "Instance payload"
// @Success 201 {object} channel.InstanceConfig
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /api/v1/instances [post]
func (h *InstanceHandler) CreateInstance(c echo.Context) error {
	var req channel.CreateInstanceRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if _, err := h.registry.ParseChannelType(req.ChannelType); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cfg, err := h.store.Create(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, channel.ErrInstanceExists) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// Bring the connection up in the background; creation already succeeded.
	// The request context dies when this handler returns, so the reconcile
	// runs on a detached copy.
	go h.manager.Refresh(context.WithoutCancel(c.Request().Context()))
	return c.JSON(http.StatusCreated, cfg)
}

// ListInstances godoc
// @Summary List instances
// @Tags instances
// @Success 200 {array} channel.InstanceConfig
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/instances [get]
func (h *InstanceHandler) ListInstances(c echo.Context) error {
	items, err := h.store.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// GetInstance godoc
// @Summary Get instance
// @Tags instances
// @Param name path string true "Instance name"
// @Success 200 {object} channel.InstanceConfig
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/instances/{name} [get]
func (h *InstanceHandler) GetInstance(c echo.Context) error {
	cfg, err := h.store.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return instanceError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

// UpdateInstance godoc
// @Summary Update instance
// @Description Partially update an instance; omitted fields are unchanged
// @Tags instances
// @Param name path string true "Instance name"
// @Param payload body channel.UpdateInstanceRequest true "Fields to update"
// @Success 200 {object} channel.InstanceConfig
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/instances/{name} [put]
func (h *InstanceHandler) UpdateInstance(c echo.Context) error {
	var req channel.UpdateInstanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cfg, err := h.store.Update(c.Request().Context(), c.Param("name"), req)
	if err != nil {
		return instanceError(err)
	}
	// Credential or agent changes take effect on the next reconcile;
	// trigger one now so they apply immediately.
	go h.manager.Refresh(context.WithoutCancel(c.Request().Context()))
	return c.JSON(http.StatusOK, cfg)
}

// DeleteInstance godoc
// @Summary Delete instance
// @Description Delete an instance and stop its connection. The last
// @Description remaining instance cannot be deleted.
// @Tags instances
// @Param name path string true "Instance name"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/instances/{name} [delete]
func (h *InstanceHandler) DeleteInstance(c echo.Context) error {
	name := c.Param("name")
	if err := h.store.Delete(c.Request().Context(), name); err != nil {
		if errors.Is(err, channel.ErrLastInstance) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return instanceError(err)
	}
	h.manager.RemoveInstance(c.Request().Context(), name)
	return c.NoContent(http.StatusNoContent)
}

// Connect godoc
// @Summary Connect instance
// @Tags instances
// @Param name path string true "Instance name"
// @Success 200 {object} channel.InstanceStatus
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/instances/{name}/connect [post]
func (h *InstanceHandler) Connect(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	if _, err := h.store.Get(ctx, name); err != nil {
		return instanceError(err)
	}
	if err := h.manager.Connect(ctx, name); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return h.Status(c)
}

// Disconnect godoc
// @Summary Disconnect instance
// @Tags instances
// @Param name path string true "Instance name"
// @Success 200 {object} channel.InstanceStatus
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/instances/{name}/disconnect [post]
func (h *InstanceHandler) Disconnect(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	if _, err := h.store.Get(ctx, name); err != nil {
		return instanceError(err)
	}
	if err := h.manager.Disconnect(ctx, name); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return h.Status(c)
}

// Restart godoc
// @Summary Restart instance connection
// @Tags instances
// @Param name path string true "Instance name"
// @Success 200 {object} channel.InstanceStatus
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/instances/{name}/restart [post]
func (h *InstanceHandler) Restart(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	if _, err := h.store.Get(ctx, name); err != nil {
		return instanceError(err)
	}
	if err := h.manager.Restart(ctx, name); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return h.Status(c)
}

// QR godoc
// @Summary Get pairing material
// @Description Get the QR code, pairing code or invite URL for onboarding
// @Tags instances
// @Param name path string true "Instance name"
// @Success 200 {object} channel.PairingInfo
// @Failure 404 {object} ErrorResponse
// @Failure 501 {object} ErrorResponse
// @Router /api/v1/instances/{name}/qr [get]
func (h *InstanceHandler) QR(c echo.Context) error {
	ctx := c.Request().Context()
	cfg, err := h.store.Get(ctx, c.Param("name"))
	if err != nil {
		return instanceError(err)
	}
	pairer, ok := h.registry.GetPairer(cfg.ChannelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotImplemented, "channel does not support pairing")
	}
	info, err := pairer.Pair(ctx, cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, info)
}

// Status godoc
// @Summary Get instance status
// @Description Get the lifecycle state plus the channel's native view
// @Tags instances
// @Param name path string true "Instance name"
// @Success 200 {object} channel.InstanceStatus
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/instances/{name}/status [get]
func (h *InstanceHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	if _, err := h.store.Get(ctx, name); err != nil {
		return instanceError(err)
	}
	status, err := h.manager.Status(ctx, name)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, status)
}

// Contacts godoc
// @Summary List channel contacts
// @Tags instances
// @Param name path string true "Instance name"
// @Success 200 {array} object
// @Failure 404 {object} ErrorResponse
// @Failure 501 {object} ErrorResponse
// @Router /api/v1/instances/{name}/contacts [get]
func (h *InstanceHandler) Contacts(c echo.Context) error {
	cfg, provider, err := h.directory(c)
	if err != nil {
		return err
	}
	items, err := provider.Contacts(c.Request().Context(), cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// Chats godoc
// @Summary List channel chats
// @Tags instances
// @Param name path string true "Instance name"
// @Success 200 {array} object
// @Failure 404 {object} ErrorResponse
// @Failure 501 {object} ErrorResponse
// @Router /api/v1/instances/{name}/chats [get]
func (h *InstanceHandler) Chats(c echo.Context) error {
	cfg, provider, err := h.directory(c)
	if err != nil {
		return err
	}
	items, err := provider.Chats(c.Request().Context(), cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// ChatMessages godoc
// @Summary List messages of one chat
// @Tags instances
// @Param name path string true "Instance name"
// @Param chatId path string true "Chat ID"
// @Param limit query int false "Max messages"
// @Success 200 {array} object
// @Failure 404 {object} ErrorResponse
// @Failure 501 {object} ErrorResponse
// @Router /api/v1/instances/{name}/chats/{chatId}/messages [get]
func (h *InstanceHandler) ChatMessages(c echo.Context) error {
	cfg, provider, err := h.directory(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := provider.ChatMessages(c.Request().Context(), cfg, c.Param("chatId"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// ListChannels godoc
// @Summary List channel types
// @Description List registered channel types with their capabilities
// @Tags channels
// @Success 200 {array} channel.Descriptor
// @Router /api/v1/channels [get]
func (h *InstanceHandler) ListChannels(c echo.Context) error {
	return c.JSON(http.StatusOK, h.registry.ListDescriptors())
}

func (h *InstanceHandler) directory(c echo.Context) (channel.InstanceConfig, channel.DirectoryProvider, error) {
	cfg, err := h.store.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return channel.InstanceConfig{}, nil, instanceError(err)
	}
	provider, ok := h.registry.GetDirectoryProvider(cfg.ChannelType)
	if !ok {
		return channel.InstanceConfig{}, nil, echo.NewHTTPError(http.StatusNotImplemented, "channel has no directory")
	}
	return cfg, provider, nil
}

func instanceError(err error) error {
	if errors.Is(err, channel.ErrInstanceNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
