package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/automagik/omni/internal/db"
)

// HealthHandler serves the unauthenticated liveness endpoint.
type HealthHandler struct {
	conn    *db.Conn
	started time.Time
}

func NewHealthHandler(conn *db.Conn) *HealthHandler {
	return &HealthHandler{conn: conn, started: time.Now()}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
}

type healthResponse struct {
	Status        string `json:"status"`
	Database      string `json:"database"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Health godoc
// @Summary Liveness check
// @Tags health
// @Success 200 {object} healthResponse
// @Failure 503 {object} healthResponse
// @Router /health [get]
func (h *HealthHandler) Health(c echo.Context) error {
	resp := healthResponse{
		Status:        "ok",
		Database:      "ok",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	if err := h.conn.DB.PingContext(c.Request().Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
