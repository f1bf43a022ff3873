package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/automagik/omni/internal/channel"
)

// SendHandler serves direct outbound sends through an instance's channel.
// Text goes through the same chunking and pacing pipeline agent replies
// use; media, audio and reactions are single sends.
type SendHandler struct {
	store     *channel.Store
	registry  *channel.Registry
	deliverer *channel.Deliverer
}

func NewSendHandler(store *channel.Store, registry *channel.Registry, deliverer *channel.Deliverer) *SendHandler {
	return &SendHandler{store: store, registry: registry, deliverer: deliverer}
}

func (h *SendHandler) Register(e *echo.Echo) {
	group := e.Group("/api/v1/instance/:name")
	group.POST("/send-text", h.SendText)
	group.POST("/send-media", h.SendMedia)
	group.POST("/send-audio", h.SendAudio)
	group.POST("/send-reaction", h.SendReaction)
}

// SendText godoc
// @Summary Send text
// @Description Send text to a peer, auto-split per the instance's policy
// @Tags send
// @Param name path string true "Instance name"
// @Param payload body channel.SendTextRequest true "Send payload"
// @Success 200 {object} channel.DeliveryResult
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/instance/{name}/send-text [post]
func (h *SendHandler) SendText(c echo.Context) error {
	cfg, err := h.config(c)
	if err != nil {
		return err
	}
	var req channel.SendTextRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	result, err := h.deliverer.Deliver(c.Request().Context(), cfg, req.Peer, channel.Reply{Text: req.Text})
	if err != nil || !result.Success() {
		return c.JSON(http.StatusBadGateway, result)
	}
	return c.JSON(http.StatusOK, result)
}

// SendMedia godoc
// @Summary Send media
// @Tags send
// @Param name path string true "Instance name"
// @Param payload body channel.SendMediaRequest true "Send payload"
// @Success 200 {object} channel.SendResult
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/instance/{name}/send-media [post]
func (h *SendHandler) SendMedia(c echo.Context) error {
	cfg, err := h.config(c)
	if err != nil {
		return err
	}
	var req channel.SendMediaRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	sender, ok := h.registry.GetMediaSender(cfg.ChannelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotImplemented, "channel does not support media")
	}
	result, err := sender.SendMedia(c.Request().Context(), cfg, req.Peer, channel.MediaRef{
		Kind:    channel.MediaKind(req.Kind),
		URL:     req.URL,
		Base64:  req.Base64,
		Mime:    req.Mime,
		Name:    req.Name,
		Caption: req.Caption,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// SendAudio godoc
// @Summary Send voice note
// @Tags send
// @Param name path string true "Instance name"
// @Param payload body channel.SendAudioRequest true "Send payload"
// @Success 200 {object} channel.SendResult
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/instance/{name}/send-audio [post]
func (h *SendHandler) SendAudio(c echo.Context) error {
	cfg, err := h.config(c)
	if err != nil {
		return err
	}
	var req channel.SendAudioRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	sender, ok := h.registry.GetAudioSender(cfg.ChannelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotImplemented, "channel does not support voice notes")
	}
	result, err := sender.SendAudio(c.Request().Context(), cfg, req.Peer, channel.MediaRef{
		Kind:   channel.MediaAudio,
		URL:    req.URL,
		Base64: req.Base64,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// SendReaction godoc
// @Summary Send reaction
// @Tags send
// @Param name path string true "Instance name"
// @Param payload body channel.SendReactionRequest true "Send payload"
// @Success 200 {object} channel.SendResult
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/instance/{name}/send-reaction [post]
func (h *SendHandler) SendReaction(c echo.Context) error {
	cfg, err := h.config(c)
	if err != nil {
		return err
	}
	var req channel.SendReactionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	reactor, ok := h.registry.GetReactor(cfg.ChannelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotImplemented, "channel does not support reactions")
	}
	result, err := reactor.SendReaction(c.Request().Context(), cfg, req.Peer, req.MessageID, req.Emoji)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *SendHandler) config(c echo.Context) (channel.InstanceConfig, error) {
	cfg, err := h.store.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, channel.ErrInstanceNotFound) {
			return channel.InstanceConfig{}, echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return channel.InstanceConfig{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return cfg, nil
}
