// Package orchestrator drives job execution: it multiplexes every agent
// result and error stream through a single consumer group, tracks
// per-task state in the job hash, resolves inter-task data references,
// dispatches tasks whose dependencies have completed, and detects
// terminal job state.
//
// Within one job, events are handled one at a time, so job-hash updates
// are serialized. Across jobs, events interleave arbitrarily; writes for
// different jobs target disjoint hashes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/weftworks/weft/agent"
	"github.com/weftworks/weft/broker"
	"github.com/weftworks/weft/job"
	"github.com/weftworks/weft/plan"
	"github.com/weftworks/weft/wire"
)

// Consumer group defaults.
const (
	DefaultGroup    = "orchestrator-group"
	DefaultConsumer = "orchestrator-consumer"
)

// ErrUnresolved marks a dependency-resolution failure: the source task's
// result is missing, unparseable, or lacks the referenced field. The
// affected task is marked failed_dependency; no error stream entry is
// produced.
var ErrUnresolved = errors.New("unresolvable data reference")

type (
	// Options configures an Orchestrator.
	Options struct {
		// Broker is the broker client. Required.
		Broker broker.Client
		// Jobs is the job state store. Required.
		Jobs *job.Store
		// DefaultStreams is the stream set used when discovery finds no
		// existing results:* or errors:* streams.
		DefaultStreams []string
		// Group is the consumer group name. Defaults to DefaultGroup.
		Group string
		// Consumer is the consumer name. Defaults to DefaultConsumer.
		Consumer string
		// BlockTimeout bounds each blocking read. Defaults to 2s.
		BlockTimeout time.Duration
		// FaultBackoff is the sleep after a broker fault. Defaults to 5s.
		FaultBackoff time.Duration
	}

	// Orchestrator dispatches a DAG of tasks and reassembles results.
	Orchestrator struct {
		b        broker.Client
		jobs     *job.Store
		streams  []string
		group    string
		consumer string
		block    time.Duration
		backoff  time.Duration
	}
)

// New discovers the result and error streams, ensures the orchestrator
// consumer group exists on each, and returns the orchestrator.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Broker == nil {
		return nil, errors.New("broker client is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("job store is required")
	}
	group := opts.Group
	if group == "" {
		group = DefaultGroup
	}
	consumer := opts.Consumer
	if consumer == "" {
		consumer = DefaultConsumer
	}
	block := opts.BlockTimeout
	if block <= 0 {
		block = 2 * time.Second
	}
	backoff := opts.FaultBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}

	streams, err := discoverStreams(ctx, opts.Broker)
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		if len(opts.DefaultStreams) == 0 {
			return nil, errors.New("no result or error streams found and no defaults configured")
		}
		log.Warn(ctx, log.KV{K: "msg", V: "no result or error streams found, using defaults"})
		streams = append(streams, opts.DefaultStreams...)
		sort.Strings(streams)
	}
	for _, s := range streams {
		if err := opts.Broker.XGroupCreate(ctx, s, group, "0"); err != nil {
			return nil, err
		}
	}

	return &Orchestrator{
		b:        opts.Broker,
		jobs:     opts.Jobs,
		streams:  streams,
		group:    group,
		consumer: consumer,
		block:    block,
		backoff:  backoff,
	}, nil
}

// discoverStreams returns the deduplicated union of existing results:*
// and errors:* keys.
func discoverStreams(ctx context.Context, b broker.Client) ([]string, error) {
	seen := make(map[string]struct{})
	for _, pattern := range []string{"results:*", "errors:*"} {
		keys, err := b.ScanKeys(ctx, pattern)
		if err != nil {
			return nil, fmt.Errorf("discover streams: %w", err)
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	streams := make([]string, 0, len(seen))
	for k := range seen {
		streams = append(streams, k)
	}
	sort.Strings(streams)
	return streams, nil
}

// Streams returns the streams the orchestrator listens on.
func (o *Orchestrator) Streams() []string {
	out := make([]string, len(o.streams))
	copy(out, o.streams)
	return out
}

// StartJob validates the plan, marks the job running, and dispatches
// every task with no unmet dependencies. Invalid plans (including cyclic
// dependency graphs) mark the job failed and are not dispatched.
func (o *Orchestrator) StartJob(ctx context.Context, p *plan.Plan) error {
	if err := p.Validate(); err != nil {
		if serr := o.jobs.SetStatus(ctx, p.JobID, job.StatusFailed); serr != nil {
			return serr
		}
		return fmt.Errorf("reject plan for job %s: %w", p.JobID, err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "starting job"}, log.KV{K: "job_id", V: p.JobID}, log.KV{K: "goal", V: p.Goal})
	if err := o.jobs.SetStatus(ctx, p.JobID, job.StatusRunning); err != nil {
		return err
	}
	return o.checkAndDispatch(ctx, p.JobID)
}

// Run processes result and error events until the context is canceled.
// Broker faults are logged and retried after the configured backoff.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Info(ctx, log.KV{K: "msg", V: "orchestrator started"}, log.KV{K: "streams", V: strings.Join(o.streams, ",")})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := o.b.XReadGroup(ctx, o.group, o.consumer, o.streams, 1, o.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "orchestrator read failed"})
			o.sleep(ctx)
			continue
		}
		for _, msg := range msgs {
			if err := o.handleEvent(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Leave the entry pending; the broker redelivers it.
				log.Error(ctx, err, log.KV{K: "msg", V: "orchestrator broker fault"}, log.KV{K: "message_id", V: msg.ID})
				o.sleep(ctx)
			}
		}
	}
}

// handleEvent processes one result or error entry and acknowledges it.
// Entries missing job_id or task_id are acknowledged without processing
// to prevent poison-pill loops. A returned error means a broker fault;
// the entry stays pending for redelivery.
func (o *Orchestrator) handleEvent(ctx context.Context, msg broker.Message) error {
	jobID := msg.Fields["job_id"]
	taskID := msg.Fields["task_id"]
	if jobID == "" || taskID == "" {
		log.Warn(ctx, log.KV{K: "msg", V: "event missing job_id or task_id"}, log.KV{K: "stream", V: msg.Stream}, log.KV{K: "message_id", V: msg.ID})
		return o.b.XAck(ctx, msg.Stream, o.group, msg.ID)
	}

	switch {
	case strings.Contains(msg.Stream, "results:"):
		log.Info(ctx, log.KV{K: "msg", V: "result received"}, log.KV{K: "job_id", V: jobID}, log.KV{K: "task_id", V: taskID}, log.KV{K: "stream", V: msg.Stream})
		if err := o.handleResult(ctx, jobID, taskID, msg.Fields["result"]); err != nil {
			return err
		}
	case strings.Contains(msg.Stream, "errors:"):
		log.Error(ctx, errors.New(msg.Fields["error"]), log.KV{K: "msg", V: "error received"}, log.KV{K: "job_id", V: jobID}, log.KV{K: "task_id", V: taskID}, log.KV{K: "stream", V: msg.Stream})
		if err := o.handleError(ctx, jobID, taskID, msg.Fields["error"]); err != nil {
			return err
		}
	default:
		log.Warn(ctx, log.KV{K: "msg", V: "event on unexpected stream"}, log.KV{K: "stream", V: msg.Stream})
	}

	return o.b.XAck(ctx, msg.Stream, o.group, msg.ID)
}

// handleResult records a completed task and sweeps the job for newly
// ready tasks.
func (o *Orchestrator) handleResult(ctx context.Context, jobID, taskID, result string) error {
	if err := o.jobs.SetResult(ctx, jobID, taskID, result); err != nil {
		return err
	}
	if err := o.jobs.SetTaskStatus(ctx, jobID, taskID, job.TaskCompleted); err != nil {
		return err
	}
	return o.checkAndDispatch(ctx, jobID)
}

// handleError records an agent-originated task failure and fails the job.
// Dependents of the failed task are never dispatched; tasks already
// dispatched run to completion and their outcomes are still recorded.
func (o *Orchestrator) handleError(ctx context.Context, jobID, taskID, message string) error {
	if err := o.jobs.SetStatus(ctx, jobID, job.StatusFailed); err != nil {
		return err
	}
	if err := o.jobs.SetTaskStatus(ctx, jobID, taskID, job.TaskFailed); err != nil {
		return err
	}
	return o.jobs.SetError(ctx, jobID, taskID, message)
}

// checkAndDispatch sweeps the plan for tasks whose dependencies have all
// completed, resolves their data references, and dispatches them. It runs
// after every completion event, detects job completion, and honors the
// fail-fast barrier: once the job is failed no further task is dispatched.
func (o *Orchestrator) checkAndDispatch(ctx context.Context, jobID string) error {
	p, err := o.jobs.Plan(ctx, jobID)
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "no usable plan for job"}, log.KV{K: "job_id", V: jobID}, log.KV{K: "err", V: err.Error()})
		return nil
	}
	state, err := o.jobs.Snapshot(ctx, jobID)
	if err != nil {
		return err
	}

	completed := make(map[string]struct{})
	for _, t := range p.Tasks {
		if state[job.TaskStatusField(t.ID)] == string(job.TaskCompleted) {
			completed[t.ID] = struct{}{}
		}
	}
	jobFailed := state["status"] == string(job.StatusFailed)

	for _, t := range p.Tasks {
		status := job.TaskStatus(state[job.TaskStatusField(t.ID)])
		if status == job.TaskDispatched || status.Terminal() {
			continue
		}
		if !depsMet(t.Dependencies, completed) {
			continue
		}
		if jobFailed {
			// Fail-fast barrier: ready tasks stay pending forever.
			continue
		}
		details, err := o.resolveRefs(ctx, jobID, t.Details)
		if err != nil {
			if errors.Is(err, ErrUnresolved) {
				log.Error(ctx, err, log.KV{K: "msg", V: "dependency resolution failed"}, log.KV{K: "job_id", V: jobID}, log.KV{K: "task_id", V: t.ID})
				if serr := o.jobs.SetTaskStatus(ctx, jobID, t.ID, job.TaskFailedDependency); serr != nil {
					return serr
				}
				if serr := o.jobs.SetStatus(ctx, jobID, job.StatusFailed); serr != nil {
					return serr
				}
				continue
			}
			return err
		}
		if err := o.dispatch(ctx, jobID, t, details); err != nil {
			return err
		}
	}

	if len(completed) == len(p.Tasks) {
		return o.completeJob(ctx, jobID, p)
	}
	return nil
}

func depsMet(deps []string, completed map[string]struct{}) bool {
	for _, d := range deps {
		if _, ok := completed[d]; !ok {
			return false
		}
	}
	return true
}

// resolveRefs returns a copy of details with every data reference
// replaced by the referenced field of the source task's result. A missing
// result, an unparseable result, or a missing field yields an error
// wrapping ErrUnresolved; other errors are broker faults.
func (o *Orchestrator) resolveRefs(ctx context.Context, jobID string, details map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(details))
	for key, value := range details {
		ref, ok := plan.ParseRef(value)
		if !ok {
			if s, isString := value.(string); isString && strings.HasPrefix(s, plan.RefPrefix) {
				return nil, fmt.Errorf("detail %s: malformed reference %q: %w", key, s, ErrUnresolved)
			}
			resolved[key] = value
			continue
		}
		raw, found, err := o.jobs.Result(ctx, jobID, ref.Task)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("detail %s: no result recorded for task %s: %w", key, ref.Task, ErrUnresolved)
		}
		source, err := wire.ParseDict(raw)
		if err != nil {
			return nil, fmt.Errorf("detail %s: result of task %s: %v: %w", key, ref.Task, err, ErrUnresolved)
		}
		fieldValue, ok := source[ref.Field]
		if !ok {
			return nil, fmt.Errorf("detail %s: result of task %s has no field %s: %w", key, ref.Task, ref.Field, ErrUnresolved)
		}
		resolved[key] = fieldValue
	}
	return resolved, nil
}

// dispatch enqueues a task on its agent's task stream and marks it
// dispatched. Non-scalar detail values are serialized to strings.
func (o *Orchestrator) dispatch(ctx context.Context, jobID string, t plan.Task, details map[string]any) error {
	payload := wire.StringifyFields(details)
	payload["job_id"] = jobID
	payload["task_id"] = t.ID
	stream := agent.TaskStream(t.Agent)
	if _, err := o.b.XAdd(ctx, stream, payload); err != nil {
		return err
	}
	if err := o.jobs.SetTaskStatus(ctx, jobID, t.ID, job.TaskDispatched); err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "task dispatched"}, log.KV{K: "job_id", V: jobID}, log.KV{K: "task_id", V: t.ID}, log.KV{K: "stream", V: stream})
	return nil
}

// completeJob marks the job completed and logs the terminal report: the
// goal, the final task's result, and every job-hash field except the plan.
func (o *Orchestrator) completeJob(ctx context.Context, jobID string, p *plan.Plan) error {
	if err := o.jobs.SetStatus(ctx, jobID, job.StatusCompleted); err != nil {
		return err
	}
	state, err := o.jobs.Snapshot(ctx, jobID)
	if err != nil {
		return err
	}
	finalTask := p.Tasks[len(p.Tasks)-1].ID
	log.Info(ctx,
		log.KV{K: "msg", V: "job completed"},
		log.KV{K: "job_id", V: jobID},
		log.KV{K: "goal", V: p.Goal},
		log.KV{K: "final_task", V: finalTask},
		log.KV{K: "final_result", V: state[job.ResultField(finalTask)]},
	)
	fields := make([]string, 0, len(state))
	for k := range state {
		if k == "plan" {
			continue
		}
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, k := range fields {
		log.Info(ctx, log.KV{K: "msg", V: "job report"}, log.KV{K: "job_id", V: jobID}, log.KV{K: k, V: state[k]})
	}
	return nil
}

// sleep pauses for the fault backoff, returning early on cancellation.
func (o *Orchestrator) sleep(ctx context.Context) {
	t := time.NewTimer(o.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
