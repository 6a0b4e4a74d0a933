package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphred/alphred/cmd/alphred/provider"
	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/logger"
	"github.com/alphred/alphred/common/models"
	"github.com/alphred/alphred/common/repository"
)

func discardLogger() *logger.Logger {
	return &logger.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// memStore applies the same lifecycle side effects as the SQL store against
// in-memory row sets.
type memStore struct {
	run       *models.WorkflowRun
	nodes     []*models.RunNode
	edges     []*models.RunEdge
	artifacts []*models.PhaseArtifact
	decisions []*models.RoutingDecision
	barriers  []*models.RunJoinBarrier
}

func (m *memStore) node(id uuid.UUID) *models.RunNode {
	for _, n := range m.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (m *memStore) nodeByKey(key string) *models.RunNode {
	for _, n := range m.nodes {
		if n.NodeKey == key {
			return n
		}
	}
	return nil
}

func copyNode(n *models.RunNode) *models.RunNode {
	c := *n
	return &c
}

func (m *memStore) LoadRunGraph(_ context.Context, runID uuid.UUID) (*repository.RunGraph, error) {
	if m.run.ID != runID {
		return nil, errdefs.ErrNotFound
	}
	run := *m.run
	g := &repository.RunGraph{
		Run:                   &run,
		DecisionsByNode:       make(map[uuid.UUID]*models.RoutingDecision),
		LatestArtifactsByNode: make(map[uuid.UUID]*models.PhaseArtifact),
		LatestReportsByNode:   make(map[uuid.UUID]*models.PhaseArtifact),
	}
	for _, n := range m.nodes {
		g.Nodes = append(g.Nodes, copyNode(n))
	}
	g.Edges = append(g.Edges, m.edges...)
	for _, d := range m.decisions {
		prev := g.DecisionsByNode[d.RunNodeID]
		if prev == nil || !d.CreatedAt.Before(prev.CreatedAt) {
			g.DecisionsByNode[d.RunNodeID] = d
		}
	}
	for _, a := range m.artifacts {
		prev := g.LatestArtifactsByNode[a.RunNodeID]
		if prev == nil || !a.CreatedAt.Before(prev.CreatedAt) {
			g.LatestArtifactsByNode[a.RunNodeID] = a
		}
		if a.ArtifactType == models.ArtifactReport {
			prevReport := g.LatestReportsByNode[a.RunNodeID]
			if prevReport == nil || !a.CreatedAt.Before(prevReport.CreatedAt) {
				g.LatestReportsByNode[a.RunNodeID] = a
			}
		}
	}
	for _, b := range m.barriers {
		if b.Status.Active() {
			c := *b
			g.ActiveBarriers = append(g.ActiveBarriers, &c)
		}
	}
	return g, nil
}

func (m *memStore) GetNode(_ context.Context, nodeID uuid.UUID) (*models.RunNode, error) {
	n := m.node(nodeID)
	if n == nil {
		return nil, errdefs.ErrNotFound
	}
	return copyNode(n), nil
}

func (m *memStore) UpdateRunStatusIf(_ context.Context, runID uuid.UUID, from, to models.RunStatus, occurredAt time.Time) (bool, error) {
	if m.run.ID != runID || m.run.Status != from {
		return false, nil
	}
	m.run.Status = to
	if to == models.RunRunning && m.run.StartedAt == nil {
		m.run.StartedAt = &occurredAt
	}
	if to.Terminal() {
		m.run.CompletedAt = &occurredAt
	}
	return true, nil
}

func (m *memStore) ClaimNode(_ context.Context, nodeID uuid.UUID, occurredAt time.Time) (bool, error) {
	n := m.node(nodeID)
	if n == nil {
		return false, errdefs.ErrNotFound
	}
	if m.run.Status != models.RunRunning || n.Status != models.NodePending {
		return false, nil
	}
	n.Status = models.NodeRunning
	n.StartedAt = &occurredAt
	return true, nil
}

func (m *memStore) ClaimJoinNode(ctx context.Context, nodeID, barrierID uuid.UUID, occurredAt time.Time) (bool, error) {
	var barrier *models.RunJoinBarrier
	for _, b := range m.barriers {
		if b.ID == barrierID {
			barrier = b
		}
	}
	if barrier == nil || barrier.Status != models.BarrierReady {
		return false, nil
	}
	ok, err := m.ClaimNode(ctx, nodeID, occurredAt)
	if err != nil || !ok {
		return ok, err
	}
	barrier.Status = models.BarrierReleased
	return true, nil
}

func (m *memStore) RequeueNode(_ context.Context, node *models.RunNode, _ time.Time) error {
	n := m.node(node.ID)
	if n == nil {
		return errdefs.ErrNotFound
	}
	was := n.Status
	n.Status = models.NodePending
	n.Attempt++
	n.StartedAt = nil
	n.CompletedAt = nil
	m.reopenBarrierForChild(n, was == models.NodeFailed)
	return nil
}

func (m *memStore) CompleteNode(_ context.Context, p repository.CompleteNodeParams) error {
	n := m.node(p.Node.ID)
	if n == nil || n.Status != models.NodeRunning {
		return errdefs.ErrPreconditionFailed
	}
	n.Status = models.NodeCompleted
	n.CompletedAt = &p.OccurredAt
	if p.Report != nil {
		m.artifacts = append(m.artifacts, p.Report)
	}
	if p.Decision != nil {
		m.decisions = append(m.decisions, p.Decision)
	}
	m.recordChildTerminal(n, true)
	return nil
}

func (m *memStore) FailNode(_ context.Context, p repository.FailNodeParams) error {
	n := m.node(p.Node.ID)
	if n == nil || n.Status != models.NodeRunning {
		return errdefs.ErrPreconditionFailed
	}
	n.Status = models.NodeFailed
	n.CompletedAt = &p.OccurredAt
	if p.Log != nil {
		m.artifacts = append(m.artifacts, p.Log)
	}
	m.recordChildTerminal(n, false)
	return nil
}

func (m *memStore) RequeueNodeForRetry(_ context.Context, p repository.RequeueNodeParams) error {
	n := m.node(p.Node.ID)
	if n == nil || n.Status != models.NodeRunning {
		return errdefs.ErrPreconditionFailed
	}
	n.Status = models.NodePending
	n.Attempt++
	n.StartedAt = nil
	n.CompletedAt = nil
	if p.Summary != nil {
		m.artifacts = append(m.artifacts, p.Summary)
	}
	return nil
}

func (m *memStore) SpawnChildren(_ context.Context, p repository.SpawnParams) error {
	for _, b := range m.barriers {
		if b.SpawnerRunNodeID == p.Barrier.SpawnerRunNodeID && b.JoinRunNodeID == p.Barrier.JoinRunNodeID && b.Status.Active() {
			return &errdefs.DuplicateSpawnError{
				WorkflowRunID:    p.Run.ID,
				SpawnerRunNodeID: p.Spawner.ID,
				NodeKey:          p.Spawner.NodeKey,
			}
		}
	}
	m.nodes = append(m.nodes, p.Children...)
	m.edges = append(m.edges, p.Edges...)
	m.barriers = append(m.barriers, p.Barrier)
	return nil
}

func (m *memStore) RetryFailedNodes(_ context.Context, runID uuid.UUID, _ time.Time) (int, error) {
	var failed []*models.RunNode
	for _, n := range m.nodes {
		if n.Status == models.NodeFailed {
			failed = append(failed, n)
		}
	}
	if len(failed) == 0 {
		return 0, fmt.Errorf("%w: no failed nodes", errdefs.ErrInvalidRequest)
	}
	for _, n := range failed {
		n.Status = models.NodePending
		n.Attempt++
		n.StartedAt = nil
		n.CompletedAt = nil
		m.reopenBarrierForChild(n, true)
	}
	if m.run.ID != runID || m.run.Status != models.RunFailed {
		return 0, errdefs.ErrPreconditionFailed
	}
	m.run.Status = models.RunRunning
	m.run.CompletedAt = nil
	return len(failed), nil
}

func (m *memStore) InsertDecision(_ context.Context, d *models.RoutingDecision) error {
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *memStore) MergeNodeExecutionMeta(_ context.Context, nodeID uuid.UUID, patch map[string]any) error {
	n := m.node(nodeID)
	if n == nil {
		return errdefs.ErrNotFound
	}
	if n.ExecutionMeta == nil {
		n.ExecutionMeta = make(map[string]any)
	}
	for k, v := range patch {
		n.ExecutionMeta[k] = v
	}
	return nil
}

func (m *memStore) LatestRetrySummary(_ context.Context, _, nodeID uuid.UUID, sourceAttempt int) (*models.PhaseArtifact, error) {
	var latest *models.PhaseArtifact
	for _, a := range m.artifacts {
		if a.RunNodeID == nodeID && a.IsRetryFailureSummary() && a.SourceAttempt() == sourceAttempt {
			latest = a
		}
	}
	return latest, nil
}

func (m *memStore) MostRecentRetrySummary(_ context.Context, _, nodeID uuid.UUID) (*models.PhaseArtifact, error) {
	var latest *models.PhaseArtifact
	for _, a := range m.artifacts {
		if a.RunNodeID == nodeID && a.IsRetryFailureSummary() {
			latest = a
		}
	}
	return latest, nil
}

func (m *memStore) LatestFailureLog(_ context.Context, _, nodeID uuid.UUID) (*models.PhaseArtifact, error) {
	var latest *models.PhaseArtifact
	for _, a := range m.artifacts {
		if a.RunNodeID == nodeID && a.ArtifactType == models.ArtifactLog {
			latest = a
		}
	}
	return latest, nil
}

func (m *memStore) recordChildTerminal(n *models.RunNode, completed bool) {
	if !n.IsDynamicChild() {
		return
	}
	for _, b := range m.barriers {
		if b.SpawnerRunNodeID == *n.SpawnerNodeID && b.JoinRunNodeID == *n.JoinNodeID && b.Status.Active() {
			b.TerminalChildren++
			if completed {
				b.CompletedChildren++
			} else {
				b.FailedChildren++
			}
			if b.TerminalChildren == b.ExpectedChildren {
				b.Status = models.BarrierReady
			}
		}
	}
}

func (m *memStore) reopenBarrierForChild(n *models.RunNode, hadFailed bool) {
	if !n.IsDynamicChild() {
		return
	}
	var barrier *models.RunJoinBarrier
	for _, b := range m.barriers {
		if b.SpawnerRunNodeID == *n.SpawnerNodeID && b.JoinRunNodeID == *n.JoinNodeID {
			barrier = b
		}
	}
	if barrier == nil {
		return
	}
	wasReleased := barrier.Status == models.BarrierReleased
	if barrier.TerminalChildren > 0 {
		barrier.TerminalChildren--
	}
	if hadFailed && barrier.FailedChildren > 0 {
		barrier.FailedChildren--
	} else if !hadFailed && barrier.CompletedChildren > 0 {
		barrier.CompletedChildren--
	}
	barrier.Status = models.BarrierPending
	if wasReleased {
		join := m.node(*n.JoinNodeID)
		if join != nil && join.Status.Terminal() {
			join.Status = models.NodePending
			join.Attempt++
			join.StartedAt = nil
			join.CompletedAt = nil
		}
	}
}

// scriptStream replays canned events, ending with io.EOF or a scripted
// terminal error.
type scriptStream struct {
	events []provider.Event
	err    error
	pos    int
	closed bool
}

func (s *scriptStream) Next(ctx context.Context) (*provider.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.events) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return &ev, nil
}

func (s *scriptStream) Close() error {
	s.closed = true
	return nil
}

type scriptedRun struct {
	events []provider.Event
	runErr error
}

// fakeProvider scripts responses per prompt, consumed in order; prompts with
// no script succeed with a bare result.
type fakeProvider struct {
	name    string
	scripts map[string][]scriptedRun
	prompts []string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Run(_ context.Context, prompt string, _ provider.Options) (provider.Stream, error) {
	f.prompts = append(f.prompts, prompt)
	queue := f.scripts[prompt]
	if len(queue) == 0 {
		return &scriptStream{events: okEvents("ok", "")}, nil
	}
	next := queue[0]
	f.scripts[prompt] = queue[1:]
	if next.runErr != nil {
		return nil, next.runErr
	}
	return &scriptStream{events: next.events}, nil
}

func okEvents(content, decision string) []provider.Event {
	result := provider.Event{Type: provider.EventResult, Content: content}
	if decision != "" {
		result.Metadata = map[string]any{"routingDecision": decision}
	}
	return []provider.Event{
		{Type: provider.EventAssistant, Content: content},
		{Type: provider.EventUsage, Metadata: map[string]any{"total_tokens": 42}},
		result,
	}
}

type fixture struct {
	store *memStore
	prov  *fakeProvider
	exec  *Executor
}

func newFixture(t *testing.T, store *memStore) *fixture {
	t.Helper()
	prov := &fakeProvider{name: "claude", scripts: make(map[string][]scriptedRun)}
	exec, err := New(Opts{
		Store:     store,
		Providers: provider.NewRegistry(prov),
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	return &fixture{store: store, prov: prov, exec: exec}
}

func mkNode(runID uuid.UUID, key string, role models.NodeRole, typ models.NodeType, seq int) *models.RunNode {
	return &models.RunNode{
		ID:                uuid.New(),
		WorkflowRunID:     runID,
		NodeKey:           key,
		NodeRole:          role,
		NodeType:          typ,
		Status:            models.NodePending,
		Attempt:           1,
		MaxRetries:        2,
		Provider:          "claude",
		Prompt:            "prompt for " + key,
		PromptContentType: "text/markdown",
		SequenceIndex:     seq,
		SequencePath:      fmt.Sprintf("%04d", seq),
	}
}

func autoEdge(src, tgt *models.RunNode, priority int) *models.RunEdge {
	return &models.RunEdge{
		ID:              uuid.New(),
		WorkflowRunID:   src.WorkflowRunID,
		SourceRunNodeID: src.ID,
		TargetRunNodeID: tgt.ID,
		RouteOn:         models.RouteOnSuccess,
		Priority:        priority,
		Auto:            true,
		EdgeKind:        models.EdgeKindTree,
	}
}

func guardedEdge(src, tgt *models.RunNode, priority int, guard string) *models.RunEdge {
	e := autoEdge(src, tgt, priority)
	e.Auto = false
	e.GuardExpression = guard
	return e
}

func newMemStore(nodes []*models.RunNode, edges []*models.RunEdge) *memStore {
	runID := nodes[0].WorkflowRunID
	return &memStore{
		run:   &models.WorkflowRun{ID: runID, WorkflowTreeID: uuid.New(), Status: models.RunPending, CreatedAt: time.Now().UTC()},
		nodes: nodes,
		edges: edges,
	}
}

func stepOK(t *testing.T, f *fixture) *StepResult {
	t.Helper()
	res, err := f.exec.ExecuteNextRunnableNode(context.Background(), f.store.run.ID)
	require.NoError(t, err)
	return res
}

func TestLinearRunCompletes(t *testing.T) {
	runID := uuid.New()
	plan := mkNode(runID, "plan", models.RoleStandard, models.NodeTypeAgent, 1)
	build := mkNode(runID, "build", models.RoleStandard, models.NodeTypeAgent, 2)
	store := newMemStore([]*models.RunNode{plan, build}, []*models.RunEdge{autoEdge(plan, build, 1)})
	f := newFixture(t, store)
	f.prov.scripts[plan.Prompt] = []scriptedRun{{events: okEvents("the plan", "approved")}}
	f.prov.scripts[build.Prompt] = []scriptedRun{{events: okEvents("the build", "")}}

	res := stepOK(t, f)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.Equal(t, "plan", res.NodeKey)
	assert.Equal(t, models.NodeCompleted, res.NodeStatus)
	assert.Equal(t, models.RunRunning, store.run.Status)

	res = stepOK(t, f)
	assert.Equal(t, "build", res.NodeKey)

	res = stepOK(t, f)
	assert.Equal(t, OutcomeRunTerminal, res.Outcome)
	assert.Equal(t, models.RunCompleted, res.RunStatus)
	assert.Equal(t, models.RunCompleted, store.run.Status)

	// One report per node, and plan carries the agent's routing decision.
	var reports int
	for _, a := range store.artifacts {
		if a.ArtifactType == models.ArtifactReport {
			reports++
		}
	}
	assert.Equal(t, 2, reports)
	require.Len(t, store.decisions, 1)
	assert.Equal(t, models.DecisionApproved, store.decisions[0].DecisionType)
	assert.Equal(t, plan.ID, store.decisions[0].RunNodeID)

	// The context manifest was persisted before the provider ran, and the
	// downstream node saw the upstream report.
	require.Contains(t, store.nodeByKey("build").ExecutionMeta, "context_manifest")
	require.Len(t, f.prov.prompts, 2)
}

func TestRetryableFailureRequeuesThenSucceeds(t *testing.T) {
	runID := uuid.New()
	flaky := mkNode(runID, "flaky", models.RoleStandard, models.NodeTypeAgent, 1)
	store := newMemStore([]*models.RunNode{flaky}, nil)
	f := newFixture(t, store)
	f.prov.scripts[flaky.Prompt] = []scriptedRun{
		{runErr: &provider.Error{Code: provider.ErrTimeout, Message: "deadline exceeded", Retryable: true}},
		{events: okEvents("done", "")},
	}

	res := stepOK(t, f)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.Equal(t, models.NodePending, res.NodeStatus)

	n := store.nodeByKey("flaky")
	assert.Equal(t, models.NodePending, n.Status)
	assert.Equal(t, 2, n.Attempt)

	// The absorbed attempt left a retry-failure summary for the next one.
	summary, err := store.LatestRetrySummary(context.Background(), runID, n.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.SourceAttempt())
	assert.Contains(t, summary.Content, "timeout")

	res = stepOK(t, f)
	assert.Equal(t, models.NodeCompleted, res.NodeStatus)

	res = stepOK(t, f)
	assert.Equal(t, models.RunCompleted, res.RunStatus)
}

func TestNonRetryableFailureFailsNodeAndRun(t *testing.T) {
	runID := uuid.New()
	n := mkNode(runID, "only", models.RoleStandard, models.NodeTypeAgent, 1)
	store := newMemStore([]*models.RunNode{n}, nil)
	f := newFixture(t, store)
	f.prov.scripts[n.Prompt] = []scriptedRun{
		{runErr: &provider.Error{Code: provider.ErrAuth, Message: "invalid api key", StatusCode: 401}},
	}

	res := stepOK(t, f)
	assert.Equal(t, models.NodeFailed, res.NodeStatus)

	failureLog, err := store.LatestFailureLog(context.Background(), runID, n.ID)
	require.NoError(t, err)
	require.NotNil(t, failureLog)
	assert.Equal(t, "auth", failureLog.Metadata["classification"])
	assert.Equal(t, false, failureLog.Metadata["retryable"])

	res = stepOK(t, f)
	assert.Equal(t, OutcomeRunTerminal, res.Outcome)
	assert.Equal(t, models.RunFailed, res.RunStatus)
}

func TestRetriesExhaustedFailsPermanently(t *testing.T) {
	runID := uuid.New()
	n := mkNode(runID, "flaky", models.RoleStandard, models.NodeTypeAgent, 1)
	n.MaxRetries = 1
	store := newMemStore([]*models.RunNode{n}, nil)
	f := newFixture(t, store)
	timeoutErr := func() scriptedRun {
		return scriptedRun{runErr: &provider.Error{Code: provider.ErrTimeout, Message: "deadline exceeded", Retryable: true}}
	}
	f.prov.scripts[n.Prompt] = []scriptedRun{timeoutErr(), timeoutErr()}

	res := stepOK(t, f)
	assert.Equal(t, models.NodePending, res.NodeStatus)
	assert.Equal(t, 2, store.nodeByKey("flaky").Attempt)

	// Attempt 2 exceeds max_retries 1, so the same failure is now permanent.
	res = stepOK(t, f)
	assert.Equal(t, models.NodeFailed, res.NodeStatus)
}

func TestBlockedDecisionDeadEndsRun(t *testing.T) {
	runID := uuid.New()
	gate := mkNode(runID, "gate", models.RoleStandard, models.NodeTypeAgent, 1)
	next := mkNode(runID, "next", models.RoleStandard, models.NodeTypeAgent, 2)
	store := newMemStore(
		[]*models.RunNode{gate, next},
		[]*models.RunEdge{guardedEdge(gate, next, 1, `decision == "approved"`)},
	)
	f := newFixture(t, store)
	f.prov.scripts[gate.Prompt] = []scriptedRun{{events: okEvents("blocked on input", "blocked")}}

	stepOK(t, f)

	res := stepOK(t, f)
	assert.Equal(t, OutcomeRunTerminal, res.Outcome)
	assert.Equal(t, models.RunFailed, res.RunStatus)

	// The engine synthesised a no_route decision for the dead end.
	var noRoute *models.RoutingDecision
	for _, d := range store.decisions {
		if d.DecisionType == models.DecisionNoRoute {
			noRoute = d
		}
	}
	require.NotNil(t, noRoute)
	assert.Equal(t, gate.ID, noRoute.RunNodeID)
	assert.Equal(t, "engine", noRoute.RawOutput["source"])

	// The unreachable successor never ran.
	assert.Equal(t, models.NodePending, store.nodeByKey("next").Status)
	require.Len(t, f.prov.prompts, 1)
}

func TestPausedRunBlocksStepping(t *testing.T) {
	runID := uuid.New()
	n := mkNode(runID, "only", models.RoleStandard, models.NodeTypeAgent, 1)
	store := newMemStore([]*models.RunNode{n}, nil)
	store.run.Status = models.RunPaused
	f := newFixture(t, store)

	res := stepOK(t, f)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, models.RunPaused, res.RunStatus)
	assert.Empty(t, f.prov.prompts)
}

func TestTerminalRunReplayIsNoop(t *testing.T) {
	runID := uuid.New()
	n := mkNode(runID, "only", models.RoleStandard, models.NodeTypeAgent, 1)
	n.Status = models.NodeCompleted
	store := newMemStore([]*models.RunNode{n}, nil)
	store.run.Status = models.RunCompleted
	f := newFixture(t, store)

	res := stepOK(t, f)
	assert.Equal(t, OutcomeRunTerminal, res.Outcome)
	assert.Equal(t, models.RunCompleted, res.RunStatus)
	assert.Empty(t, f.prov.prompts)
	assert.Empty(t, store.artifacts)
}

func spawnGraph(t *testing.T) (*fixture, *models.RunNode, *models.RunNode) {
	t.Helper()
	runID := uuid.New()
	spawner := mkNode(runID, "split", models.RoleSpawner, models.NodeTypeAgent, 1)
	spawner.MaxChildren = 3
	join := mkNode(runID, "merge", models.RoleJoin, models.NodeTypeHuman, 2)
	store := newMemStore([]*models.RunNode{spawner, join}, []*models.RunEdge{autoEdge(spawner, join, 1)})
	f := newFixture(t, store)
	f.prov.scripts[spawner.Prompt] = []scriptedRun{{events: okEvents(
		`{"subtasks":[`+
			`{"nodeKey":"part-a","title":"A","prompt":"do part a"},`+
			`{"nodeKey":"part-b","title":"B","prompt":"do part b"},`+
			`{"nodeKey":"part-c","title":"C","prompt":"do part c"}]}`, "")}}
	return f, spawner, join
}

func TestFanOutSpawnsChildrenAndReleasesJoin(t *testing.T) {
	f, spawner, join := spawnGraph(t)
	store := f.store

	res := stepOK(t, f)
	assert.Equal(t, "split", res.NodeKey)

	require.Len(t, store.nodes, 5)
	require.Len(t, store.barriers, 1)
	barrier := store.barriers[0]
	assert.Equal(t, models.BarrierPending, barrier.Status)
	assert.Equal(t, 3, barrier.ExpectedChildren)
	assert.Equal(t, spawner.ID, barrier.SpawnerRunNodeID)
	assert.Equal(t, join.ID, barrier.JoinRunNodeID)

	// Children execute in sequence-path order before the join is eligible.
	for _, key := range []string{"part-a", "part-b", "part-c"} {
		res = stepOK(t, f)
		assert.Equal(t, key, res.NodeKey)
		assert.Equal(t, models.NodeCompleted, res.NodeStatus)
	}
	assert.Equal(t, models.BarrierReady, barrier.Status)
	assert.Equal(t, 3, barrier.CompletedChildren)

	res = stepOK(t, f)
	assert.Equal(t, "merge", res.NodeKey)
	assert.Equal(t, models.NodeCompleted, res.NodeStatus)
	assert.Equal(t, models.BarrierReleased, barrier.Status)

	res = stepOK(t, f)
	assert.Equal(t, models.RunCompleted, res.RunStatus)
}

func TestChildRetryReopensReleasedBarrier(t *testing.T) {
	f, _, join := spawnGraph(t)
	store := f.store
	f.prov.scripts["do part b"] = []scriptedRun{
		{runErr: &provider.Error{Code: provider.ErrInvalidOptions, Message: "bad options", StatusCode: 400}},
		{events: okEvents("part b redone", "")},
	}

	stepOK(t, f) // spawner
	for i := 0; i < 3; i++ {
		stepOK(t, f) // children; part-b fails permanently
	}
	barrier := store.barriers[0]
	assert.Equal(t, models.BarrierReady, barrier.Status)
	assert.Equal(t, 1, barrier.FailedChildren)

	res := stepOK(t, f)
	assert.Equal(t, "merge", res.NodeKey)
	assert.Equal(t, models.BarrierReleased, barrier.Status)

	res = stepOK(t, f)
	assert.Equal(t, models.RunFailed, res.RunStatus)

	// Controller retry requeues the failed child; the released barrier
	// reopens and pulls the completed join back to pending.
	count, err := store.RetryFailedNodes(context.Background(), store.run.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, models.BarrierPending, barrier.Status)
	assert.Equal(t, 2, barrier.TerminalChildren)
	joinNode := store.node(join.ID)
	assert.Equal(t, models.NodePending, joinNode.Status)
	assert.Equal(t, 2, joinNode.Attempt)

	res = stepOK(t, f)
	assert.Equal(t, "part-b", res.NodeKey)
	assert.Equal(t, models.NodeCompleted, res.NodeStatus)
	assert.Equal(t, models.BarrierReady, barrier.Status)

	res = stepOK(t, f)
	assert.Equal(t, "merge", res.NodeKey)

	res = stepOK(t, f)
	assert.Equal(t, models.RunCompleted, res.RunStatus)
}

func TestDuplicateSpawnRejected(t *testing.T) {
	f, spawner, join := spawnGraph(t)
	store := f.store

	stepOK(t, f)
	require.Len(t, store.barriers, 1)

	// A second batch for the same pair is rejected while the barrier is
	// active; the spawner's completion is already durable.
	err := store.SpawnChildren(context.Background(), repository.SpawnParams{
		Run:     store.run,
		Spawner: store.node(spawner.ID),
		Barrier: &models.RunJoinBarrier{
			ID:               uuid.New(),
			SpawnerRunNodeID: spawner.ID,
			JoinRunNodeID:    join.ID,
			Status:           models.BarrierPending,
		},
	})
	var dup *errdefs.DuplicateSpawnError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "split", dup.NodeKey)
	assert.Equal(t, models.NodeCompleted, store.node(spawner.ID).Status)
}

func TestExecuteSingleNodeByKey(t *testing.T) {
	runID := uuid.New()
	plan := mkNode(runID, "plan", models.RoleStandard, models.NodeTypeAgent, 1)
	build := mkNode(runID, "build", models.RoleStandard, models.NodeTypeAgent, 2)
	store := newMemStore([]*models.RunNode{plan, build}, []*models.RunEdge{autoEdge(plan, build, 1)})
	f := newFixture(t, store)

	res, err := f.exec.ExecuteSingleNode(context.Background(), runID, "plan")
	require.NoError(t, err)
	assert.Equal(t, "plan", res.NodeKey)
	assert.Equal(t, models.NodeCompleted, res.NodeStatus)

	// Single-node mode terminalises the run regardless of remaining nodes.
	assert.Equal(t, models.RunCompleted, res.RunStatus)
	assert.Equal(t, models.RunCompleted, store.run.Status)
	assert.Equal(t, models.NodePending, store.nodeByKey("build").Status)
}

func TestExecuteSingleNodeDisablesRetries(t *testing.T) {
	runID := uuid.New()
	n := mkNode(runID, "flaky", models.RoleStandard, models.NodeTypeAgent, 1)
	store := newMemStore([]*models.RunNode{n}, nil)
	f := newFixture(t, store)
	f.prov.scripts[n.Prompt] = []scriptedRun{
		{runErr: &provider.Error{Code: provider.ErrTimeout, Message: "deadline exceeded", Retryable: true}},
	}

	res, err := f.exec.ExecuteSingleNode(context.Background(), runID, "flaky")
	require.NoError(t, err)
	assert.Equal(t, models.NodeFailed, res.NodeStatus)
	assert.Equal(t, models.RunFailed, res.RunStatus)
	assert.Equal(t, 1, store.nodeByKey("flaky").Attempt)
}

func TestExecuteSingleNodeValidation(t *testing.T) {
	runID := uuid.New()
	n := mkNode(runID, "only", models.RoleStandard, models.NodeTypeAgent, 1)
	n.Status = models.NodeCompleted
	store := newMemStore([]*models.RunNode{n}, nil)
	store.run.Status = models.RunRunning
	f := newFixture(t, store)

	_, err := f.exec.ExecuteSingleNode(context.Background(), runID, "ghost")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = f.exec.ExecuteSingleNode(context.Background(), runID, "only")
	assert.ErrorIs(t, err, errdefs.ErrInvalidRequest)
}

func TestExecuteSingleNodeJoinWaitsForBarrier(t *testing.T) {
	f, _, join := spawnGraph(t)
	store := f.store

	stepOK(t, f) // spawner fans out; barrier pending
	stepOK(t, f) // part-a completes, two children outstanding

	_, err := f.exec.ExecuteSingleNode(context.Background(), store.run.ID, "merge")
	assert.ErrorIs(t, err, errdefs.ErrInvalidRequest)
	assert.Equal(t, models.BarrierPending, store.barriers[0].Status)
	assert.Equal(t, models.NodePending, store.node(join.ID).Status)
}

func TestGuardedLoopRequeuesCompletedTarget(t *testing.T) {
	runID := uuid.New()
	draft := mkNode(runID, "draft", models.RoleStandard, models.NodeTypeAgent, 1)
	review := mkNode(runID, "review", models.RoleStandard, models.NodeTypeAgent, 2)
	end := mkNode(runID, "end", models.RoleStandard, models.NodeTypeAgent, 3)
	store := newMemStore(
		[]*models.RunNode{draft, review, end},
		[]*models.RunEdge{
			autoEdge(draft, review, 1),
			guardedEdge(review, draft, 10, `decision == "changes_requested"`),
			autoEdge(review, end, 100),
		},
	)
	f := newFixture(t, store)
	f.prov.scripts[draft.Prompt] = []scriptedRun{
		{events: okEvents("first draft", "")},
		{events: okEvents("second draft", "")},
	}
	f.prov.scripts[review.Prompt] = []scriptedRun{
		{events: okEvents("needs work", "changes_requested")},
		{events: okEvents("ship it", "approved")},
	}

	stepOK(t, f) // draft attempt 1
	stepOK(t, f) // review requests changes

	// The guarded loop edge outranks the auto escape and re-targets draft,
	// which requeues with a fresh attempt.
	res := stepOK(t, f)
	assert.Equal(t, "draft", res.NodeKey)
	assert.Equal(t, models.NodePending, res.NodeStatus)
	assert.Equal(t, 2, store.nodeByKey("draft").Attempt)

	stepOK(t, f) // draft attempt 2

	// The newer draft report re-targets the completed review node too.
	res = stepOK(t, f)
	assert.Equal(t, "review", res.NodeKey)
	assert.Equal(t, models.NodePending, res.NodeStatus)

	stepOK(t, f) // review attempt 2 approves; the loop guard no longer matches

	res = stepOK(t, f)
	assert.Equal(t, "end", res.NodeKey)
	assert.Equal(t, models.NodeCompleted, res.NodeStatus)

	res = stepOK(t, f)
	assert.Equal(t, OutcomeRunTerminal, res.Outcome)
	assert.Equal(t, models.RunCompleted, res.RunStatus)
	assert.Equal(t, 2, store.nodeByKey("review").Attempt)

	// Decision history for review reads changes_requested then approved.
	var history []models.DecisionType
	for _, d := range store.decisions {
		if d.RunNodeID == review.ID {
			history = append(history, d.DecisionType)
		}
	}
	assert.Equal(t, []models.DecisionType{models.DecisionChangesRequested, models.DecisionApproved}, history)
}
