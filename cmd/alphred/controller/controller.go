// Package controller owns run-level operations: the step loop with its cap,
// and the cancel/pause/resume/retry control actions with bounded
// precondition-retry loops.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alphred/alphred/cmd/alphred/executor"
	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/logger"
	"github.com/alphred/alphred/common/models"
)

// DefaultMaxSteps caps ExecuteRun when the caller does not supply a limit.
const DefaultMaxSteps = 200

// MaxControlPreconditionRetries bounds how often a control action re-reads
// the run after a conditional update misses.
const MaxControlPreconditionRetries = 5

// Stepper executes one step of a run. Implemented by *executor.Executor.
type Stepper interface {
	ExecuteNextRunnableNode(ctx context.Context, runID uuid.UUID) (*executor.StepResult, error)
}

// Store is the persistence surface for run-level control.
type Store interface {
	GetRun(ctx context.Context, runID uuid.UUID) (*models.WorkflowRun, error)
	CreateRun(ctx context.Context, run *models.WorkflowRun, nodes []*models.RunNode, edges []*models.RunEdge) error
	UpdateRunStatusIf(ctx context.Context, runID uuid.UUID, from, to models.RunStatus, occurredAt time.Time) (bool, error)
	RetryFailedNodes(ctx context.Context, runID uuid.UUID, occurredAt time.Time) (int, error)
}

// ActionResult reports the effect of one control action.
type ActionResult struct {
	Action       string           `json:"action"`
	RunStatus    models.RunStatus `json:"run_status"`
	Noop         bool             `json:"noop"`
	RetriedNodes int              `json:"retried_nodes,omitempty"`
}

// Opts configures the controller
type Opts struct {
	Store   Store
	Stepper Stepper
	Logger  *logger.Logger

	// PreconditionRetries overrides MaxControlPreconditionRetries when > 0.
	PreconditionRetries int
}

// Controller drives runs to completion and applies control actions.
type Controller struct {
	store   Store
	stepper Stepper
	log     *logger.Logger
	retries int
}

// New creates a controller
func New(opts Opts) *Controller {
	retries := opts.PreconditionRetries
	if retries <= 0 {
		retries = MaxControlPreconditionRetries
	}
	return &Controller{
		store:   opts.Store,
		stepper: opts.Stepper,
		log:     opts.Logger,
		retries: retries,
	}
}

// ExecuteRun steps the run until a non-executed outcome or the step cap. Cap
// exhaustion without a terminal outcome fails the run.
func (c *Controller) ExecuteRun(ctx context.Context, runID uuid.UUID, maxSteps int) (*executor.StepResult, error) {
	if maxSteps <= 0 {
		return nil, fmt.Errorf("%w: maxSteps must be positive, got %d", errdefs.ErrInvalidRequest, maxSteps)
	}
	log := c.log.WithRunID(runID.String())

	for step := 0; step < maxSteps; step++ {
		res, err := c.stepper.ExecuteNextRunnableNode(ctx, runID)
		if err != nil {
			return nil, err
		}
		if res.Outcome != executor.OutcomeExecuted {
			log.Info("run stopped stepping", "outcome", res.Outcome, "run_status", res.RunStatus, "steps", step)
			return res, nil
		}
	}

	log.Error("step cap exhausted without terminal outcome", "max_steps", maxSteps)
	if err := c.transition(ctx, runID, "step_cap", models.RunRunning, models.RunFailed); err != nil {
		return nil, err
	}
	return &executor.StepResult{Outcome: executor.OutcomeRunTerminal, RunStatus: models.RunFailed}, nil
}

// Cancel moves the run to cancelled. Idempotent on an already-cancelled run.
func (c *Controller) Cancel(ctx context.Context, runID uuid.UUID) (*ActionResult, error) {
	return c.apply(ctx, runID, "cancel", func(run *models.WorkflowRun) (*ActionResult, models.RunStatus, error) {
		switch run.Status {
		case models.RunCancelled:
			return &ActionResult{Action: "cancel", RunStatus: run.Status, Noop: true}, "", nil
		case models.RunPending, models.RunRunning, models.RunPaused:
			return nil, models.RunCancelled, nil
		default:
			return nil, "", fmt.Errorf("%w: cannot cancel run in status %q", errdefs.ErrInvalidTransition, run.Status)
		}
	})
}

// Pause moves a running run to paused. Noop when already paused. The node
// currently executing runs to completion; only new claims are refused.
func (c *Controller) Pause(ctx context.Context, runID uuid.UUID) (*ActionResult, error) {
	return c.apply(ctx, runID, "pause", func(run *models.WorkflowRun) (*ActionResult, models.RunStatus, error) {
		switch run.Status {
		case models.RunPaused:
			return &ActionResult{Action: "pause", RunStatus: run.Status, Noop: true}, "", nil
		case models.RunRunning:
			return nil, models.RunPaused, nil
		default:
			return nil, "", fmt.Errorf("%w: cannot pause run in status %q", errdefs.ErrInvalidTransition, run.Status)
		}
	})
}

// Resume moves a paused run back to running. Noop when already running.
func (c *Controller) Resume(ctx context.Context, runID uuid.UUID) (*ActionResult, error) {
	return c.apply(ctx, runID, "resume", func(run *models.WorkflowRun) (*ActionResult, models.RunStatus, error) {
		switch run.Status {
		case models.RunRunning:
			return &ActionResult{Action: "resume", RunStatus: run.Status, Noop: true}, "", nil
		case models.RunPaused:
			return nil, models.RunRunning, nil
		default:
			return nil, "", fmt.Errorf("%w: cannot resume run in status %q", errdefs.ErrInvalidTransition, run.Status)
		}
	})
}

// Retry reschedules every failed latest-attempt node and flips the run back
// to running. Fails when the run is not failed or has no failed nodes.
func (c *Controller) Retry(ctx context.Context, runID uuid.UUID) (*ActionResult, error) {
	var lastStatus models.RunStatus
	for i := 0; i < c.retries; i++ {
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		lastStatus = run.Status

		if run.Status != models.RunFailed {
			return nil, fmt.Errorf("%w: cannot retry run in status %q", errdefs.ErrInvalidTransition, run.Status)
		}

		count, err := c.store.RetryFailedNodes(ctx, runID, time.Now().UTC())
		if errors.Is(err, errdefs.ErrPreconditionFailed) {
			continue
		}
		if err != nil {
			return nil, err
		}

		c.log.WithRunID(runID.String()).Info("retrying failed nodes", "count", count)
		return &ActionResult{Action: "retry", RunStatus: models.RunRunning, RetriedNodes: count}, nil
	}
	return nil, &errdefs.ConflictError{WorkflowRunID: runID, Action: "retry", LastStatus: string(lastStatus)}
}

// apply runs one control decision inside a bounded precondition-retry loop.
// The decide callback either short-circuits with a result (noop or error) or
// names the target status for a guarded transition from the observed one.
func (c *Controller) apply(ctx context.Context, runID uuid.UUID, action string, decide func(*models.WorkflowRun) (*ActionResult, models.RunStatus, error)) (*ActionResult, error) {
	var lastStatus models.RunStatus
	for i := 0; i < c.retries; i++ {
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		lastStatus = run.Status

		result, target, err := decide(run)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}

		ok, err := c.store.UpdateRunStatusIf(ctx, runID, run.Status, target, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if !ok {
			// Status changed underneath us; observe and decide again.
			continue
		}

		c.log.WithRunID(runID.String()).Info("applied control action", "action", action, "from", run.Status, "to", target)
		return &ActionResult{Action: action, RunStatus: target}, nil
	}
	return nil, &errdefs.ConflictError{WorkflowRunID: runID, Action: action, LastStatus: string(lastStatus)}
}

func (c *Controller) transition(ctx context.Context, runID uuid.UUID, action string, from, to models.RunStatus) error {
	for i := 0; i < c.retries; i++ {
		ok, err := c.store.UpdateRunStatusIf(ctx, runID, from, to, time.Now().UTC())
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status == to || run.Status.Terminal() {
			return nil
		}
		from = run.Status
	}
	return &errdefs.ConflictError{WorkflowRunID: runID, Action: action, LastStatus: string(from)}
}
