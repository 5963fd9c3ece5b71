package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/fractal/internal/queue/streams"
)

// BacklogReporter reports a consumer group's delivery state.
// *streams.DecisionListener satisfies it.
type BacklogReporter interface {
	Backlog(ctx context.Context) (streams.Backlog, error)
}

// Resumer re-drives every run whose last snapshot is not terminal.
type Resumer interface {
	ResumeAll(ctx context.Context) (int, error)
}

// OpsHandler exposes operational endpoints.
type OpsHandler struct {
	Decisions BacklogReporter
	Resumer   Resumer
}

// Register mounts ops endpoints under the provided group.
func (h *OpsHandler) Register(g *echo.Group) {
	g.GET("/decisions", h.decisions)
	g.POST("/resume", h.resume)
}

func (h *OpsHandler) decisions(c echo.Context) error {
	if h.Decisions == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "decision stream not configured")
	}
	b, err := h.Decisions.Backlog(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, b)
}

func (h *OpsHandler) resume(c echo.Context) error {
	if h.Resumer == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "resume not available")
	}
	n, err := h.Resumer.ResumeAll(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"resumed": n})
}
