// Package planner builds plans and persists them. In production, task
// lists may come from an LLM; only the plan schema is contracted, not how
// plans are generated. The planner never dispatches — that is the
// orchestrator's job.
package planner

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/weftworks/weft/job"
	"github.com/weftworks/weft/plan"
)

// Planner assembles validated plans and persists them to job state.
type Planner struct {
	jobs *job.Store
}

// New returns a planner persisting through the given job store.
func New(jobs *job.Store) *Planner {
	return &Planner{jobs: jobs}
}

// BuildPlan assigns a fresh job ID to the task list, validates the
// resulting plan, and persists it with status pending.
func (p *Planner) BuildPlan(ctx context.Context, goal string, tasks []plan.Task) (*plan.Plan, error) {
	pl := &plan.Plan{
		JobID: uuid.NewString(),
		Goal:  goal,
		Tasks: tasks,
	}
	if err := pl.Validate(); err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}
	if err := p.jobs.SavePlan(ctx, pl); err != nil {
		return nil, err
	}
	log.Info(ctx, log.KV{K: "msg", V: "plan created"}, log.KV{K: "job_id", V: pl.JobID}, log.KV{K: "goal", V: goal}, log.KV{K: "tasks", V: len(pl.Tasks)})
	return pl, nil
}

// ResearchTasks is the two-step demo pipeline: a web search feeding a
// summarization of the search content.
func ResearchTasks(query string) []plan.Task {
	return []plan.Task{
		{
			ID:           "search",
			Agent:        "web_search",
			Details:      map[string]any{"query": query},
			Dependencies: []string{},
		},
		{
			ID:           "summarize",
			Agent:        "summarization",
			Details:      map[string]any{"text": plan.Ref("search", "content")},
			Dependencies: []string{"search"},
		},
	}
}
