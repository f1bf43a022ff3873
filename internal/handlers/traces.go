package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/automagik/omni/internal/trace"
)

// TraceHandler serves trace inspection and analytics.
type TraceHandler struct {
	store *trace.Store
}

func NewTraceHandler(store *trace.Store) *TraceHandler {
	return &TraceHandler{store: store}
}

func (h *TraceHandler) Register(e *echo.Echo) {
	group := e.Group("/api/v1/traces")
	group.GET("", h.ListTraces)
	group.GET("/analytics/summary", h.Summary)
	group.GET("/:traceId", h.GetTrace)
	group.GET("/:traceId/payloads", h.GetPayloads)
}

// ListTraces godoc
// @Summary List traces
// @Description List message traces, newest first, filtered by query params
// @Tags traces
// @Param instance_name query string false "Instance filter"
// @Param sender_phone query string false "Sender filter"
// @Param session_name query string false "Session filter"
// @Param status query string false "Status filter"
// @Param since query string false "RFC3339 lower bound"
// @Param until query string false "RFC3339 upper bound"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {array} trace.MessageTrace
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/traces [get]
func (h *TraceHandler) ListTraces(c echo.Context) error {
	q := trace.Query{
		InstanceName: c.QueryParam("instance_name"),
		SenderPhone:  c.QueryParam("sender_phone"),
		SessionName:  c.QueryParam("session_name"),
		Status:       trace.Status(c.QueryParam("status")),
	}
	var err error
	if q.Since, err = parseTime(c.QueryParam("since")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "since: "+err.Error())
	}
	if q.Until, err = parseTime(c.QueryParam("until")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "until: "+err.Error())
	}
	q.Limit, _ = strconv.Atoi(c.QueryParam("limit"))
	q.Offset, _ = strconv.Atoi(c.QueryParam("offset"))

	items, err := h.store.List(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// GetTrace godoc
// @Summary Get trace
// @Tags traces
// @Param traceId path string true "Trace ID"
// @Success 200 {object} trace.MessageTrace
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/traces/{traceId} [get]
func (h *TraceHandler) GetTrace(c echo.Context) error {
	t, err := h.store.Get(c.Request().Context(), c.Param("traceId"))
	if err != nil {
		if errors.Is(err, trace.ErrTraceNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, t)
}

type payloadView struct {
	trace.Payload
	Body string `json:"body,omitempty"`
}

// GetPayloads godoc
// @Summary Get trace payloads
// @Description Get the stage payloads of a trace with bodies decompressed
// @Tags traces
// @Param traceId path string true "Trace ID"
// @Success 200 {array} payloadView
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/traces/{traceId}/payloads [get]
func (h *TraceHandler) GetPayloads(c echo.Context) error {
	ctx := c.Request().Context()
	traceID := c.Param("traceId")
	if _, err := h.store.Get(ctx, traceID); err != nil {
		if errors.Is(err, trace.ErrTraceNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	payloads, err := h.store.Payloads(ctx, traceID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	views := make([]payloadView, 0, len(payloads))
	for _, p := range payloads {
		views = append(views, payloadView{Payload: p, Body: string(p.Body)})
	}
	return c.JSON(http.StatusOK, views)
}

// Summary godoc
// @Summary Trace analytics summary
// @Description Aggregate counts, success rate and timing averages
// @Tags traces
// @Param instance_name query string false "Instance filter"
// @Param since query string false "RFC3339 lower bound (default: all time)"
// @Param until query string false "RFC3339 upper bound"
// @Success 200 {object} trace.AnalyticsSummary
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/traces/analytics/summary [get]
func (h *TraceHandler) Summary(c echo.Context) error {
	since, err := parseTime(c.QueryParam("since"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "since: "+err.Error())
	}
	until, err := parseTime(c.QueryParam("until"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "until: "+err.Error())
	}
	summary, err := h.store.Summarize(c.Request().Context(), since, until, c.QueryParam("instance_name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
