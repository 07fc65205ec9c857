// Package plan defines the immutable DAG description of a job: the plan
// document, its JSON codec, intake validation, and the data-reference
// syntax linking a task's inputs to an upstream task's result.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RefPrefix marks a task detail value as a data reference of the form
// "data_from:{source_task}.{field}".
const RefPrefix = "data_from:"

// legacyRefPrefix is the deprecated whole-result reference syntax. Plans
// using it are rejected at validation.
const legacyRefPrefix = "result_from:"

// Validation errors. Validate wraps these with positional detail.
var (
	ErrEmptyPlan         = errors.New("plan has no tasks")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrUnknownDependency = errors.New("dependency names no task in the plan")
	ErrCycle             = errors.New("dependency graph has a cycle")
	ErrLegacyRef         = errors.New("deprecated result_from reference; use data_from:{task}.{field}")
)

type (
	// Plan is an immutable DAG description of a job. It is created by the
	// planner, persisted once, and never mutated.
	Plan struct {
		JobID string `json:"job_id"`
		Goal  string `json:"goal"`
		Tasks []Task `json:"tasks"`
	}

	// Task is one node of a plan, executed by exactly one agent role.
	Task struct {
		// ID is unique within the plan.
		ID string `json:"task_id"`
		// Agent names the agent role consuming "tasks:{agent}".
		Agent string `json:"agent"`
		// Details maps input names to scalar values or data references.
		Details map[string]any `json:"details"`
		// Dependencies lists task IDs that must complete before this task
		// is dispatched.
		Dependencies []string `json:"dependencies"`
	}

	// DataRef is a parsed data reference.
	DataRef struct {
		// Task is the source task whose result supplies the value.
		Task string
		// Field selects the entry of the source result dictionary.
		Field string
	}
)

// Parse decodes a raw plan document, validating it against the plan JSON
// Schema and the structural rules (unique task ids, known dependencies,
// acyclicity) before returning it.
func Parse(data []byte) (*Plan, error) {
	if err := validateSchema(data); err != nil {
		return nil, fmt.Errorf("plan schema: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Encode serializes the plan as JSON.
func (p *Plan) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode plan %s: %w", p.JobID, err)
	}
	return string(b), nil
}

// Task returns the task with the given ID.
func (p *Plan) Task(id string) (*Task, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i], true
		}
	}
	return nil, false
}

// Validate checks the structural rules: at least one task, unique task
// ids, dependencies naming tasks within the plan, no deprecated reference
// syntax, and an acyclic dependency graph.
func (p *Plan) Validate() error {
	if p.JobID == "" {
		return errors.New("plan missing job_id")
	}
	if len(p.Tasks) == 0 {
		return ErrEmptyPlan
	}
	ids := make(map[string]struct{}, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.ID == "" {
			return errors.New("task missing task_id")
		}
		if t.Agent == "" {
			return fmt.Errorf("task %s missing agent", t.ID)
		}
		if _, ok := ids[t.ID]; ok {
			return fmt.Errorf("task %s: %w", t.ID, ErrDuplicateTask)
		}
		ids[t.ID] = struct{}{}
	}
	for _, t := range p.Tasks {
		for _, d := range t.Dependencies {
			if _, ok := ids[d]; !ok {
				return fmt.Errorf("task %s depends on %s: %w", t.ID, d, ErrUnknownDependency)
			}
		}
		for key, v := range t.Details {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if strings.HasPrefix(s, legacyRefPrefix) {
				return fmt.Errorf("task %s detail %s: %w", t.ID, key, ErrLegacyRef)
			}
			if strings.HasPrefix(s, RefPrefix) {
				ref, ok := ParseRef(s)
				if !ok {
					return fmt.Errorf("task %s detail %s: malformed data reference %q", t.ID, key, s)
				}
				if _, exists := ids[ref.Task]; !exists {
					return fmt.Errorf("task %s detail %s references %s: %w", t.ID, key, ref.Task, ErrUnknownDependency)
				}
			}
		}
	}
	return p.checkAcyclic()
}

// checkAcyclic runs a Kahn topological sort over the dependency graph.
func (p *Plan) checkAcyclic() error {
	indegree := make(map[string]int, len(p.Tasks))
	dependents := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		indegree[t.ID] = len(t.Dependencies)
		for _, d := range t.Dependencies {
			dependents[d] = append(dependents[d], t.ID)
		}
	}
	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if visited != len(p.Tasks) {
		return ErrCycle
	}
	return nil
}

// ParseRef reports whether a detail value is a data reference and, if so,
// returns its source task and field.
func ParseRef(v any) (DataRef, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, RefPrefix) {
		return DataRef{}, false
	}
	rest := strings.TrimPrefix(s, RefPrefix)
	task, field, ok := strings.Cut(rest, ".")
	if !ok || task == "" || field == "" {
		return DataRef{}, false
	}
	return DataRef{Task: task, Field: field}, true
}

// Ref builds the canonical data-reference string for a source task field.
func Ref(task, field string) string {
	return RefPrefix + task + "." + field
}
