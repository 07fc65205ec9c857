package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPlan() *Plan {
	return &Plan{
		JobID: "job-1",
		Goal:  "test",
		Tasks: []Task{
			{ID: "t1", Agent: "web_search", Details: map[string]any{"query": "q"}, Dependencies: []string{}},
			{ID: "t2", Agent: "summarization", Details: map[string]any{"text": Ref("t1", "content")}, Dependencies: []string{"t1"}},
		},
	}
}

func TestValidateAcceptsLinearPlan(t *testing.T) {
	require.NoError(t, validPlan().Validate())
}

func TestValidateRejectsDuplicateTaskIDs(t *testing.T) {
	p := validPlan()
	p.Tasks[1].ID = "t1"
	assert.ErrorIs(t, p.Validate(), ErrDuplicateTask)
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	p := validPlan()
	p.Tasks[1].Dependencies = []string{"ghost"}
	assert.ErrorIs(t, p.Validate(), ErrUnknownDependency)
}

func TestValidateRejectsCycle(t *testing.T) {
	p := &Plan{
		JobID: "job-1",
		Tasks: []Task{
			{ID: "a", Agent: "x", Dependencies: []string{"c"}},
			{ID: "b", Agent: "x", Dependencies: []string{"a"}},
			{ID: "c", Agent: "x", Dependencies: []string{"b"}},
		},
	}
	assert.ErrorIs(t, p.Validate(), ErrCycle)
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	p := &Plan{
		JobID: "job-1",
		Tasks: []Task{{ID: "a", Agent: "x", Dependencies: []string{"a"}}},
	}
	assert.ErrorIs(t, p.Validate(), ErrCycle)
}

func TestValidateRejectsLegacyReferenceSyntax(t *testing.T) {
	p := validPlan()
	p.Tasks[1].Details["text"] = "result_from:t1"
	assert.ErrorIs(t, p.Validate(), ErrLegacyRef)
}

func TestValidateRejectsMalformedReference(t *testing.T) {
	p := validPlan()
	p.Tasks[1].Details["text"] = "data_from:t1"
	assert.ErrorContains(t, p.Validate(), "malformed data reference")
}

func TestValidateRejectsReferenceToUnknownTask(t *testing.T) {
	p := validPlan()
	p.Tasks[1].Details["text"] = Ref("ghost", "content")
	assert.ErrorIs(t, p.Validate(), ErrUnknownDependency)
}

func TestValidateRejectsEmptyPlan(t *testing.T) {
	p := &Plan{JobID: "job-1"}
	assert.ErrorIs(t, p.Validate(), ErrEmptyPlan)
}

func TestParseRoundTrip(t *testing.T) {
	p := validPlan()
	encoded, err := p.Encode()
	require.NoError(t, err)

	decoded, err := Parse([]byte(encoded))
	require.NoError(t, err)
	assert.Equal(t, p.JobID, decoded.JobID)
	require.Len(t, decoded.Tasks, 2)
	assert.Equal(t, "t2", decoded.Tasks[1].ID)
	assert.Equal(t, []string{"t1"}, decoded.Tasks[1].Dependencies)
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not JSON", "not json"},
		{"missing job_id", `{"goal": "g", "tasks": [{"task_id": "t", "agent": "a", "details": {}, "dependencies": []}]}`},
		{"empty tasks", `{"job_id": "j", "goal": "g", "tasks": []}`},
		{"task missing agent", `{"job_id": "j", "goal": "g", "tasks": [{"task_id": "t", "details": {}, "dependencies": []}]}`},
		{"structured detail value", `{"job_id": "j", "goal": "g", "tasks": [{"task_id": "t", "agent": "a", "details": {"x": {"nested": 1}}, "dependencies": []}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestParseRef(t *testing.T) {
	ref, ok := ParseRef("data_from:t1.content")
	require.True(t, ok)
	assert.Equal(t, DataRef{Task: "t1", Field: "content"}, ref)

	_, ok = ParseRef("data_from:t1")
	assert.False(t, ok)
	_, ok = ParseRef("plain value")
	assert.False(t, ok)
	_, ok = ParseRef(42)
	assert.False(t, ok)
}

func TestTaskLookup(t *testing.T) {
	p := validPlan()
	task, ok := p.Task("t2")
	require.True(t, ok)
	assert.Equal(t, "summarization", task.Agent)
	_, ok = p.Task("ghost")
	assert.False(t, ok)
}
