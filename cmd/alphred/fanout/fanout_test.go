package fanout

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/models"
)

func TestParseSubtasks(t *testing.T) {
	content := `{"summary": "split the work", "subtasks": [
		{"nodeKey": "shard-1", "title": "first", "prompt": "do the first part"},
		{"nodeKey": "shard-2", "title": "second", "prompt": "do the second part", "provider": "codex"}
	]}`

	subtasks := ParseSubtasks(content)
	require.Len(t, subtasks, 2)
	assert.Equal(t, "shard-1", subtasks[0].NodeKey)
	assert.Equal(t, "codex", subtasks[1].Provider)
}

func TestParseSubtasksWithProsePrefix(t *testing.T) {
	content := "I split the work into shards.\n\n" +
		`{"subtasks": [{"nodeKey": "s1", "title": "t", "prompt": "p"}]}`

	subtasks := ParseSubtasks(content)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "s1", subtasks[0].NodeKey)
}

func TestParseSubtasksNoDeclaration(t *testing.T) {
	assert.Nil(t, ParseSubtasks("plain prose report, nothing to spawn"))
	assert.Nil(t, ParseSubtasks(`{"summary": "no fan-out here"}`))
	assert.Nil(t, ParseSubtasks(`{"subtasks": not valid json`))
}

type spawnFixture struct {
	run     *models.WorkflowRun
	spawner *models.RunNode
	join    *models.RunNode
	edges   []*models.RunEdge
	report  *models.PhaseArtifact
}

func newSpawnFixture(maxChildren int) *spawnFixture {
	run := &models.WorkflowRun{ID: uuid.New(), Status: models.RunRunning}
	spawner := &models.RunNode{
		ID:                uuid.New(),
		WorkflowRunID:     run.ID,
		NodeKey:           "spawner",
		NodeRole:          models.RoleSpawner,
		Status:            models.NodeCompleted,
		SequencePath:      "0000.0003",
		LineageDepth:      1,
		Attempt:           1,
		MaxChildren:       maxChildren,
		MaxRetries:        2,
		Provider:          "claude",
		Model:             "claude-sonnet-4-5",
		PromptContentType: "text/markdown",
	}
	join := &models.RunNode{
		ID:            uuid.New(),
		WorkflowRunID: run.ID,
		NodeKey:       "join",
		NodeRole:      models.RoleJoin,
		Status:        models.NodePending,
	}
	edges := []*models.RunEdge{{
		ID:              uuid.New(),
		WorkflowRunID:   run.ID,
		SourceRunNodeID: spawner.ID,
		TargetRunNodeID: join.ID,
		RouteOn:         models.RouteOnSuccess,
		Priority:        5,
		Auto:            true,
		EdgeKind:        models.EdgeKindTree,
	}}
	report := &models.PhaseArtifact{ID: uuid.New(), WorkflowRunID: run.ID, RunNodeID: spawner.ID, ArtifactType: models.ArtifactReport}
	return &spawnFixture{run: run, spawner: spawner, join: join, edges: edges, report: report}
}

func subtasks(n int) []Subtask {
	out := make([]Subtask, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Subtask{
			NodeKey: fmt.Sprintf("shard-%d", i+1),
			Title:   fmt.Sprintf("shard %d", i+1),
			Prompt:  "work on the shard",
		})
	}
	return out
}

func TestBuildPlan(t *testing.T) {
	f := newSpawnFixture(4)
	plan, err := BuildPlan(f.run, f.spawner, f.join, f.report, subtasks(3), f.edges)
	require.NoError(t, err)

	require.Len(t, plan.Children, 3)
	require.Len(t, plan.Edges, 6)
	require.NotNil(t, plan.Barrier)

	for i, child := range plan.Children {
		assert.Equal(t, models.RoleStandard, child.NodeRole)
		assert.Equal(t, models.NodePending, child.Status)
		assert.Equal(t, f.spawner.ID, *child.SpawnerNodeID)
		assert.Equal(t, f.join.ID, *child.JoinNodeID)
		assert.Equal(t, fmt.Sprintf("0000.0003.%04d", i+1), child.SequencePath)
		assert.Equal(t, 2, child.LineageDepth)
		assert.Equal(t, "claude", child.Provider)
		assert.True(t, child.IsDynamicChild())
	}

	assert.Equal(t, 3, plan.Barrier.ExpectedChildren)
	assert.Equal(t, models.BarrierPending, plan.Barrier.Status)
	assert.Equal(t, f.report.ID, plan.Barrier.SpawnSourceArtifactID)
}

func TestBuildPlanDynamicPrioritiesAboveStatic(t *testing.T) {
	f := newSpawnFixture(4)
	plan, err := BuildPlan(f.run, f.spawner, f.join, f.report, subtasks(2), f.edges)
	require.NoError(t, err)

	for _, e := range plan.Edges {
		if e.EdgeKind != models.EdgeKindSpawnerToChild {
			continue
		}
		// Static spawner-to-join priority is 5.
		assert.Greater(t, e.Priority, 5)
	}
}

func TestBuildPlanCapExceeded(t *testing.T) {
	f := newSpawnFixture(2)
	_, err := BuildPlan(f.run, f.spawner, f.join, f.report, subtasks(3), f.edges)

	var capErr *errdefs.SpawnCapError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 3, capErr.Declared)
	assert.Equal(t, 2, capErr.MaxChildren)
}

func TestBuildPlanCapExact(t *testing.T) {
	f := newSpawnFixture(2)
	plan, err := BuildPlan(f.run, f.spawner, f.join, f.report, subtasks(2), f.edges)
	require.NoError(t, err)
	assert.Len(t, plan.Children, 2)
}

func TestBuildPlanRejectsDuplicateKeys(t *testing.T) {
	f := newSpawnFixture(4)
	dup := []Subtask{
		{NodeKey: "same", Prompt: "p"},
		{NodeKey: "same", Prompt: "p"},
	}
	_, err := BuildPlan(f.run, f.spawner, f.join, f.report, dup, f.edges)
	assert.ErrorIs(t, err, errdefs.ErrInvalidRequest)
}

func TestBuildPlanRejectsMissingFields(t *testing.T) {
	f := newSpawnFixture(4)
	_, err := BuildPlan(f.run, f.spawner, f.join, f.report, []Subtask{{NodeKey: "", Prompt: "p"}}, f.edges)
	assert.ErrorIs(t, err, errdefs.ErrInvalidRequest)

	_, err = BuildPlan(f.run, f.spawner, f.join, f.report, []Subtask{{NodeKey: "k", Prompt: ""}}, f.edges)
	assert.ErrorIs(t, err, errdefs.ErrInvalidRequest)
}

func TestFindJoin(t *testing.T) {
	f := newSpawnFixture(4)
	nodesByID := map[uuid.UUID]*models.RunNode{
		f.spawner.ID: f.spawner,
		f.join.ID:    f.join,
	}

	join, err := FindJoin(f.spawner, f.edges, nodesByID)
	require.NoError(t, err)
	assert.Equal(t, f.join.ID, join.ID)
}

func TestFindJoinMissing(t *testing.T) {
	f := newSpawnFixture(4)
	_, err := FindJoin(f.spawner, nil, map[uuid.UUID]*models.RunNode{})
	assert.Error(t, err)
}
