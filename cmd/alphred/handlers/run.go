// Package handlers exposes the run control surface over HTTP.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/alphred/alphred/cmd/alphred/controller"
	"github.com/alphred/alphred/cmd/alphred/executor"
	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/logger"
	"github.com/alphred/alphred/common/repository"
)

// RunHandler handles run lifecycle and control requests
type RunHandler struct {
	controller *controller.Controller
	executor   *executor.Executor
	store      *repository.Store
	log        *logger.Logger
	maxSteps   int
}

// RunHandlerOpts configures the run handler
type RunHandlerOpts struct {
	Controller *controller.Controller
	Executor   *executor.Executor
	Store      *repository.Store
	Logger     *logger.Logger

	// DefaultMaxSteps caps execute requests that do not supply their own.
	DefaultMaxSteps int
}

// NewRunHandler creates a new run handler
func NewRunHandler(opts RunHandlerOpts) *RunHandler {
	maxSteps := opts.DefaultMaxSteps
	if maxSteps <= 0 {
		maxSteps = controller.DefaultMaxSteps
	}
	return &RunHandler{
		controller: opts.Controller,
		executor:   opts.Executor,
		store:      opts.Store,
		log:        opts.Logger,
		maxSteps:   maxSteps,
	}
}

// CreateRun materialises a new pending run
// POST /api/v1/runs
func (h *RunHandler) CreateRun(c echo.Context) error {
	var req controller.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, errdefs.ErrInvalidRequest)
	}

	run, err := h.controller.CreateRun(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// GetRun retrieves a run with its node statuses
// GET /api/v1/runs/:id
func (h *RunHandler) GetRun(c echo.Context) error {
	runID, err := parseRunID(c)
	if err != nil {
		return errorResponse(c, err)
	}

	g, err := h.store.LoadRunGraph(c.Request().Context(), runID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run":   g.Run,
		"nodes": g.Nodes,
	})
}

// Step executes exactly one step of the run
// POST /api/v1/runs/:id/step
func (h *RunHandler) Step(c echo.Context) error {
	runID, err := parseRunID(c)
	if err != nil {
		return errorResponse(c, err)
	}

	if nodeKey := c.QueryParam("node"); nodeKey != "" {
		res, err := h.executor.ExecuteSingleNode(c.Request().Context(), runID, nodeKey)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, res)
	}

	res, err := h.executor.ExecuteNextRunnableNode(c.Request().Context(), runID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type executeRequest struct {
	MaxSteps int `json:"maxSteps"`
}

// Execute steps the run until a terminal or blocked outcome
// POST /api/v1/runs/:id/execute
func (h *RunHandler) Execute(c echo.Context) error {
	runID, err := parseRunID(c)
	if err != nil {
		return errorResponse(c, err)
	}

	req := executeRequest{MaxSteps: h.maxSteps}
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return errorResponse(c, errdefs.ErrInvalidRequest)
		}
	}

	res, err := h.controller.ExecuteRun(c.Request().Context(), runID, req.MaxSteps)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Cancel cancels a run
// POST /api/v1/runs/:id/cancel
func (h *RunHandler) Cancel(c echo.Context) error {
	return h.control(c, h.controller.Cancel)
}

// Pause pauses a running run
// POST /api/v1/runs/:id/pause
func (h *RunHandler) Pause(c echo.Context) error {
	return h.control(c, h.controller.Pause)
}

// Resume resumes a paused run
// POST /api/v1/runs/:id/resume
func (h *RunHandler) Resume(c echo.Context) error {
	return h.control(c, h.controller.Resume)
}

// Retry reschedules all failed nodes of a failed run
// POST /api/v1/runs/:id/retry
func (h *RunHandler) Retry(c echo.Context) error {
	return h.control(c, h.controller.Retry)
}

func (h *RunHandler) control(c echo.Context, action func(ctx context.Context, runID uuid.UUID) (*controller.ActionResult, error)) error {
	runID, err := parseRunID(c)
	if err != nil {
		return errorResponse(c, err)
	}

	res, err := action(c.Request().Context(), runID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func parseRunID(c echo.Context) (uuid.UUID, error) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: run id must be a UUID", errdefs.ErrInvalidRequest)
	}
	return runID, nil
}

// errorResponse maps the error taxonomy onto HTTP statuses.
func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError

	var conflict *errdefs.ConflictError
	var dup *errdefs.DuplicateSpawnError
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errdefs.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, errdefs.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, errdefs.ErrPreconditionFailed):
		status = http.StatusConflict
	case errors.As(err, &conflict), errors.As(err, &dup):
		status = http.StatusConflict
	}

	return c.JSON(status, map[string]string{"error": err.Error()})
}
