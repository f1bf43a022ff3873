package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/automagik/omni/internal/channel"
)

// maxWebhookBody bounds gateway webhook bodies. Media travels by reference,
// so anything larger is malformed.
const maxWebhookBody = 4 << 20

// WebhookHandler ingests gateway event deliveries. The gateway retries on
// non-2xx, so once events are handed to the router the response is always
// success; per-message failures are recorded on their traces instead.
type WebhookHandler struct {
	logger   *slog.Logger
	store    *channel.Store
	registry *channel.Registry
	handler  channel.InboundHandler
}

func NewWebhookHandler(log *slog.Logger, store *channel.Store, registry *channel.Registry, handler channel.InboundHandler) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:   log.With(slog.String("component", "webhook")),
		store:    store,
		registry: registry,
		handler:  handler,
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhook/evolution/:instance", h.Evolution)
}

// Evolution godoc
// @Summary Ingest gateway webhook
// @Description Accept an Evolution gateway event for the named instance
// @Tags webhook
// @Param instance path string true "Instance name"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /webhook/evolution/{instance} [post]
func (h *WebhookHandler) Evolution(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("instance")

	cfg, err := h.store.Get(ctx, name)
	if err != nil {
		if errors.Is(err, channel.ErrInstanceNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// A mismatched instance field means the gateway is misconfigured;
	// accepting it would route messages to the wrong tenant.
	var envelope struct {
		Instance string `json:"instance"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed webhook body")
	}
	if envelope.Instance != "" && envelope.Instance != name {
		return echo.NewHTTPError(http.StatusBadRequest, "instance mismatch")
	}

	if !cfg.IsActive {
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	ingestor, ok := h.registry.GetWebhookIngestor(cfg.ChannelType)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "channel does not accept webhooks")
	}
	events, err := ingestor.TranslateWebhook(cfg, body)
	if err != nil {
		h.logger.Warn("webhook translation failed",
			slog.String("instance", name),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Redelivered events come back with the trace ID of the original
	// delivery, so the gateway always sees which trace owns the message.
	traceIDs := make([]string, 0, len(events))
	for _, event := range events {
		traceID, err := h.handler(ctx, cfg, event)
		if err != nil {
			h.logger.Error("inbound handoff failed",
				slog.String("instance", name),
				slog.String("message_id", event.ChannelMessageID),
				slog.Any("error", err))
			continue
		}
		if traceID != "" {
			traceIDs = append(traceIDs, traceID)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "accepted",
		"trace_ids": traceIDs,
	})
}
