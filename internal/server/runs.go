package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/internal/capability"
	"github.com/mohammad-safakhou/fractal/internal/engine"
	"github.com/mohammad-safakhou/fractal/internal/failure"
	"github.com/mohammad-safakhou/fractal/internal/hitl"
	"github.com/mohammad-safakhou/fractal/internal/manifest"
	"github.com/mohammad-safakhou/fractal/internal/runstate"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

// Runs is the run control surface the handlers drive. *engine.Engine satisfies it.
type Runs interface {
	Start(ctx context.Context, query string, opts engine.Options) (string, error)
	Status(ctx context.Context, runID string) (engine.Status, error)
	Decide(ctx context.Context, runID, checkpointID string, d hitl.Decision) error
	Cancel(ctx context.Context, runID string) error
}

var runsTracer = otel.Tracer("fractal/internal/server/runs")

type RunsHandler struct {
	runs     Runs
	defaults runstate.Config
	logger   *zap.Logger
	// secret signs run manifests; empty disables the endpoint.
	secret string
}

// NewRunsHandler decodes per-run config overrides on top of defaults.
func NewRunsHandler(runs Runs, defaults runstate.Config, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{runs: runs, defaults: defaults, logger: logger.Named("runs")}
}

// WithManifestSecret enables signed manifests for finished runs.
func (h *RunsHandler) WithManifestSecret(secret string) *RunsHandler {
	h.secret = secret
	return h
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("", h.start)
	g.GET("/:run_id", h.status)
	g.GET("/:run_id/deliverable", h.deliverable)
	g.GET("/:run_id/manifest", h.manifest)
	g.POST("/:run_id/decisions", h.decide)
	g.POST("/:run_id/cancel", h.cancel)
}

type startRequest struct {
	RunID  string          `json:"run_id"`
	Query  string          `json:"query"`
	Config json.RawMessage `json:"config,omitempty"`
}

type startResponse struct {
	RunID     string `json:"run_id"`
	StatusURL string `json:"status_url"`
}

type decisionRequest struct {
	CheckpointID string `json:"checkpoint_id"`
	Action       string `json:"action"`
	Feedback     string `json:"feedback"`
}

type summaryResponse struct {
	RunID      string              `json:"run_id"`
	Query      string              `json:"query"`
	Version    int                 `json:"version"`
	Phase      runstate.Phase      `json:"phase"`
	Reason     string              `json:"reason,omitempty"`
	Active     bool                `json:"active"`
	Counts     map[task.Status]int `json:"counts"`
	Pending    *hitl.Request       `json:"pending,omitempty"`
	Tokens     int64               `json:"tokens"`
	Cost       float64             `json:"cost"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

func (h *RunsHandler) start(c echo.Context) error {
	ctx, span := runsTracer.Start(c.Request().Context(), "runs.start")
	defer span.End()

	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	opts := engine.Options{RunID: strings.TrimSpace(req.RunID)}
	if len(req.Config) > 0 && string(req.Config) != "null" {
		cfg := h.defaults
		cfg.Budget = cfg.Budget.Clone()
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid config: "+err.Error())
		}
		if err := cfg.Normalize().Validate(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		opts.Config = &cfg
	}
	id, err := h.runs.Start(ctx, req.Query, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return runError(err)
	}
	span.SetAttributes(attribute.String("run.id", id))
	h.logger.Info("run accepted", zap.String("run_id", id))
	return c.JSON(http.StatusAccepted, startResponse{RunID: id, StatusURL: "/api/runs/" + id})
}

func (h *RunsHandler) status(c echo.Context) error {
	st, err := h.runs.Status(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return runError(err)
	}
	if c.QueryParam("view") == "summary" {
		return c.JSON(http.StatusOK, summaryResponse{
			RunID:      st.RunID,
			Query:      st.Query,
			Version:    st.Version,
			Phase:      st.Phase,
			Reason:     st.Reason,
			Active:     st.Active,
			Counts:     st.Counts,
			Pending:    st.Pending,
			Tokens:     st.Counters.Usage.Tokens,
			Cost:       st.Counters.Usage.Cost,
			FinishedAt: st.FinishedAt,
		})
	}
	return c.JSON(http.StatusOK, st)
}

func (h *RunsHandler) deliverable(c echo.Context) error {
	st, err := h.runs.Status(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return runError(err)
	}
	if st.Deliverable == nil {
		return echo.NewHTTPError(http.StatusNotFound, "deliverable not ready")
	}
	if c.QueryParam("format") == "markdown" {
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(st.Deliverable.Body))
	}
	return c.JSON(http.StatusOK, st.Deliverable)
}

func (h *RunsHandler) manifest(c echo.Context) error {
	if h.secret == "" {
		return echo.NewHTTPError(http.StatusNotImplemented, "manifest signing is not configured")
	}
	st, err := h.runs.Status(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return runError(err)
	}
	if !st.Phase.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "run is "+string(st.Phase))
	}
	payload, err := manifest.Build(st)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
	signed, err := manifest.Sign(payload, h.secret, time.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
	return c.JSON(http.StatusOK, signed)
}

func (h *RunsHandler) decide(c echo.Context) error {
	ctx, span := runsTracer.Start(c.Request().Context(), "runs.decide")
	defer span.End()

	runID := c.Param("run_id")
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.CheckpointID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "checkpoint_id is required")
	}
	action, err := hitl.ParseAction(req.Action)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("checkpoint.id", req.CheckpointID),
		attribute.String("decision.action", string(action)),
	)
	if err := h.runs.Decide(ctx, runID, req.CheckpointID, hitl.Decision{Action: action, Feedback: req.Feedback}); err != nil {
		span.RecordError(err)
		return runError(err)
	}
	h.logger.Info("decision accepted",
		zap.String("run_id", runID),
		zap.String("checkpoint_id", req.CheckpointID),
		zap.String("action", string(action)))
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *RunsHandler) cancel(c echo.Context) error {
	runID := c.Param("run_id")
	if err := h.runs.Cancel(c.Request().Context(), runID); err != nil {
		return runError(err)
	}
	h.logger.Info("run cancel requested", zap.String("run_id", runID))
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelled"})
}

// runError maps engine errors onto HTTP statuses.
func runError(err error) error {
	switch {
	case errors.Is(err, engine.ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrRunExists), failure.IsStale(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, capability.ErrCapabilityMissing):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
}
