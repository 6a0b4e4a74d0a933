package controller

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphred/alphred/cmd/alphred/executor"
	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/logger"
	"github.com/alphred/alphred/common/models"
)

func discardLogger() *logger.Logger {
	return &logger.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// fakeStore scripts the run status the controller observes. statuses is
// consumed one entry per GetRun; the last entry repeats. updateOK is consumed
// one entry per UpdateRunStatusIf the same way.
type fakeStore struct {
	runID    uuid.UUID
	statuses []models.RunStatus
	updateOK []bool

	gets    int
	updates []models.RunStatus

	retryCount int
	retryErr   error
	createdRun *models.WorkflowRun
	nodes      []*models.RunNode
	edges      []*models.RunEdge
}

func (f *fakeStore) GetRun(_ context.Context, runID uuid.UUID) (*models.WorkflowRun, error) {
	idx := f.gets
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.gets++
	return &models.WorkflowRun{ID: runID, Status: f.statuses[idx]}, nil
}

func (f *fakeStore) CreateRun(_ context.Context, run *models.WorkflowRun, nodes []*models.RunNode, edges []*models.RunEdge) error {
	f.createdRun = run
	f.nodes = nodes
	f.edges = edges
	return nil
}

func (f *fakeStore) UpdateRunStatusIf(_ context.Context, _ uuid.UUID, _, to models.RunStatus, _ time.Time) (bool, error) {
	idx := len(f.updates)
	f.updates = append(f.updates, to)
	if idx >= len(f.updateOK) {
		idx = len(f.updateOK) - 1
	}
	if len(f.updateOK) == 0 {
		return true, nil
	}
	return f.updateOK[idx], nil
}

func (f *fakeStore) RetryFailedNodes(_ context.Context, _ uuid.UUID, _ time.Time) (int, error) {
	if f.retryErr != nil {
		return 0, f.retryErr
	}
	return f.retryCount, nil
}

// fakeStepper returns scripted step results; the last entry repeats.
type fakeStepper struct {
	results []*executor.StepResult
	calls   int
}

func (f *fakeStepper) ExecuteNextRunnableNode(_ context.Context, _ uuid.UUID) (*executor.StepResult, error) {
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx], nil
}

func newController(store *fakeStore, stepper *fakeStepper) *Controller {
	return New(Opts{Store: store, Stepper: stepper, Logger: discardLogger()})
}

func executed(key string) *executor.StepResult {
	return &executor.StepResult{Outcome: executor.OutcomeExecuted, RunStatus: models.RunRunning, NodeKey: key}
}

func TestExecuteRunStopsOnTerminal(t *testing.T) {
	store := &fakeStore{statuses: []models.RunStatus{models.RunRunning}}
	stepper := &fakeStepper{results: []*executor.StepResult{
		executed("a"),
		executed("b"),
		{Outcome: executor.OutcomeRunTerminal, RunStatus: models.RunCompleted},
	}}
	c := newController(store, stepper)

	res, err := c.ExecuteRun(context.Background(), uuid.New(), DefaultMaxSteps)
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeRunTerminal, res.Outcome)
	assert.Equal(t, models.RunCompleted, res.RunStatus)
	assert.Equal(t, 3, stepper.calls)
}

func TestExecuteRunStopsOnBlocked(t *testing.T) {
	store := &fakeStore{statuses: []models.RunStatus{models.RunRunning}}
	stepper := &fakeStepper{results: []*executor.StepResult{
		{Outcome: executor.OutcomeBlocked, RunStatus: models.RunPaused},
	}}
	c := newController(store, stepper)

	res, err := c.ExecuteRun(context.Background(), uuid.New(), 10)
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeBlocked, res.Outcome)
	assert.Equal(t, 1, stepper.calls)
}

func TestExecuteRunRejectsNonPositiveCap(t *testing.T) {
	c := newController(&fakeStore{statuses: []models.RunStatus{models.RunRunning}}, &fakeStepper{})

	_, err := c.ExecuteRun(context.Background(), uuid.New(), 0)
	assert.ErrorIs(t, err, errdefs.ErrInvalidRequest)
}

func TestExecuteRunCapExhaustionFailsRun(t *testing.T) {
	store := &fakeStore{statuses: []models.RunStatus{models.RunRunning}, updateOK: []bool{true}}
	stepper := &fakeStepper{results: []*executor.StepResult{executed("loop")}}
	c := newController(store, stepper)

	res, err := c.ExecuteRun(context.Background(), uuid.New(), 3)
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeRunTerminal, res.Outcome)
	assert.Equal(t, models.RunFailed, res.RunStatus)
	assert.Equal(t, 3, stepper.calls)
	require.Len(t, store.updates, 1)
	assert.Equal(t, models.RunFailed, store.updates[0])
}

func TestCancelRunningRun(t *testing.T) {
	store := &fakeStore{statuses: []models.RunStatus{models.RunRunning}, updateOK: []bool{true}}
	c := newController(store, &fakeStepper{})

	res, err := c.Cancel(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, res.RunStatus)
	assert.False(t, res.Noop)
}

func TestCancelAlreadyCancelledIsNoop(t *testing.T) {
	store := &fakeStore{statuses: []models.RunStatus{models.RunCancelled}}
	c := newController(store, &fakeStepper{})

	res, err := c.Cancel(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, res.Noop)
	assert.Empty(t, store.updates)
}

func TestCancelCompletedRunFails(t *testing.T) {
	store := &fakeStore{statuses: []models.RunStatus{models.RunCompleted}}
	c := newController(store, &fakeStepper{})

	_, err := c.Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)
}

func TestCancelRetriesAfterMissedPrecondition(t *testing.T) {
	// First conditional update misses because the run moved from running to
	// paused; the second observation still admits cancel.
	store := &fakeStore{
		statuses: []models.RunStatus{models.RunRunning, models.RunPaused},
		updateOK: []bool{false, true},
	}
	c := newController(store, &fakeStepper{})

	res, err := c.Cancel(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, res.RunStatus)
	assert.Equal(t, 2, store.gets)
}

func TestCancelExhaustsPreconditionRetries(t *testing.T) {
	store := &fakeStore{
		statuses: []models.RunStatus{models.RunRunning},
		updateOK: []bool{false},
	}
	c := newController(store, &fakeStepper{})

	_, err := c.Cancel(context.Background(), uuid.New())
	var conflict *errdefs.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "cancel", conflict.Action)
	assert.Equal(t, MaxControlPreconditionRetries, store.gets)
}

func TestPauseSemantics(t *testing.T) {
	t.Run("running pauses", func(t *testing.T) {
		store := &fakeStore{statuses: []models.RunStatus{models.RunRunning}, updateOK: []bool{true}}
		res, err := newController(store, &fakeStepper{}).Pause(context.Background(), uuid.New())
		require.NoError(t, err)
		assert.Equal(t, models.RunPaused, res.RunStatus)
	})
	t.Run("paused is noop", func(t *testing.T) {
		store := &fakeStore{statuses: []models.RunStatus{models.RunPaused}}
		res, err := newController(store, &fakeStepper{}).Pause(context.Background(), uuid.New())
		require.NoError(t, err)
		assert.True(t, res.Noop)
	})
	t.Run("pending is invalid", func(t *testing.T) {
		store := &fakeStore{statuses: []models.RunStatus{models.RunPending}}
		_, err := newController(store, &fakeStepper{}).Pause(context.Background(), uuid.New())
		assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)
	})
}

func TestResumeSemantics(t *testing.T) {
	t.Run("paused resumes", func(t *testing.T) {
		store := &fakeStore{statuses: []models.RunStatus{models.RunPaused}, updateOK: []bool{true}}
		res, err := newController(store, &fakeStepper{}).Resume(context.Background(), uuid.New())
		require.NoError(t, err)
		assert.Equal(t, models.RunRunning, res.RunStatus)
	})
	t.Run("running is noop", func(t *testing.T) {
		store := &fakeStore{statuses: []models.RunStatus{models.RunRunning}}
		res, err := newController(store, &fakeStepper{}).Resume(context.Background(), uuid.New())
		require.NoError(t, err)
		assert.True(t, res.Noop)
	})
	t.Run("cancelled is invalid", func(t *testing.T) {
		store := &fakeStore{statuses: []models.RunStatus{models.RunCancelled}}
		_, err := newController(store, &fakeStepper{}).Resume(context.Background(), uuid.New())
		assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)
	})
}

func TestRetryFailedRun(t *testing.T) {
	store := &fakeStore{statuses: []models.RunStatus{models.RunFailed}, retryCount: 2}
	c := newController(store, &fakeStepper{})

	res, err := c.Retry(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, res.RunStatus)
	assert.Equal(t, 2, res.RetriedNodes)
}

func TestRetryNonFailedRunIsInvalid(t *testing.T) {
	store := &fakeStore{statuses: []models.RunStatus{models.RunRunning}}
	c := newController(store, &fakeStepper{})

	_, err := c.Retry(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)
}

func TestRetrySurfacesNoFailedNodes(t *testing.T) {
	store := &fakeStore{statuses: []models.RunStatus{models.RunFailed}, retryErr: errdefs.ErrInvalidRequest}
	c := newController(store, &fakeStepper{})

	_, err := c.Retry(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errdefs.ErrInvalidRequest)
}

func TestRetryExhaustsPreconditionRetries(t *testing.T) {
	store := &fakeStore{statuses: []models.RunStatus{models.RunFailed}, retryErr: errdefs.ErrPreconditionFailed}
	c := newController(store, &fakeStepper{})

	_, err := c.Retry(context.Background(), uuid.New())
	var conflict *errdefs.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "retry", conflict.Action)
}

func TestCreateRunMaterialisesGraph(t *testing.T) {
	store := &fakeStore{statuses: []models.RunStatus{models.RunPending}}
	c := newController(store, &fakeStepper{})

	run, err := c.CreateRun(context.Background(), CreateRunRequest{
		WorkflowTreeID: uuid.New(),
		Nodes: []NodeSpec{
			{NodeKey: "plan", Role: models.RoleStandard, NodeType: models.NodeTypeAgent, Provider: "claude", Prompt: "plan it", SequenceIndex: 1, MaxRetries: 2},
			{NodeKey: "build", Role: models.RoleStandard, NodeType: models.NodeTypeAgent, Provider: "claude", Prompt: "build it", SequenceIndex: 2, MaxRetries: 2},
		},
		Edges: []EdgeSpec{
			{SourceKey: "plan", TargetKey: "build", Priority: 1, Auto: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.Status)

	require.NotNil(t, store.createdRun)
	require.Len(t, store.nodes, 2)
	require.Len(t, store.edges, 1)

	plan, build := store.nodes[0], store.nodes[1]
	assert.Equal(t, models.NodePending, plan.Status)
	assert.Equal(t, 1, plan.Attempt)
	assert.Equal(t, "0001", plan.SequencePath)
	assert.Equal(t, "text/markdown", plan.PromptContentType)

	edge := store.edges[0]
	assert.Equal(t, plan.ID, edge.SourceRunNodeID)
	assert.Equal(t, build.ID, edge.TargetRunNodeID)
	assert.Equal(t, models.RouteOnSuccess, edge.RouteOn)
	assert.Equal(t, models.EdgeKindTree, edge.EdgeKind)
	assert.True(t, edge.Auto)
}

func TestCreateRunValidation(t *testing.T) {
	c := newController(&fakeStore{statuses: []models.RunStatus{models.RunPending}}, &fakeStepper{})

	cases := []struct {
		name string
		req  CreateRunRequest
	}{
		{"no nodes", CreateRunRequest{}},
		{"duplicate key", CreateRunRequest{Nodes: []NodeSpec{
			{NodeKey: "a", NodeType: models.NodeTypeHuman},
			{NodeKey: "a", NodeType: models.NodeTypeHuman},
		}}},
		{"spawner without cap", CreateRunRequest{Nodes: []NodeSpec{
			{NodeKey: "s", Role: models.RoleSpawner, NodeType: models.NodeTypeAgent, Provider: "claude"},
		}}},
		{"agent without provider", CreateRunRequest{Nodes: []NodeSpec{
			{NodeKey: "a", NodeType: models.NodeTypeAgent},
		}}},
		{"edge to unknown node", CreateRunRequest{
			Nodes: []NodeSpec{{NodeKey: "a", NodeType: models.NodeTypeHuman}},
			Edges: []EdgeSpec{{SourceKey: "a", TargetKey: "ghost"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.CreateRun(context.Background(), tc.req)
			assert.ErrorIs(t, err, errdefs.ErrInvalidRequest)
		})
	}
}
