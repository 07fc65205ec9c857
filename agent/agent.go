// Package agent implements the generic agent runtime: a reliable
// consumer-group loop that fetches tasks from the agent's task stream,
// applies the governance gate, invokes the domain handler, emits the
// result or error, and acknowledges the entry.
//
// Delivery is at-least-once. Entries are acknowledged after both
// successful handling and handled failures; only a broker fault (or a
// crash) leaves an entry pending for redelivery. Handlers should be
// idempotent with respect to observable side effects.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/weftworks/weft/broker"
	"github.com/weftworks/weft/governance"
	"github.com/weftworks/weft/wire"
)

// RegistryKey is the broker set recording started agent roles. The set is
// information-only and append-only.
const RegistryKey = "registered_agents"

// TaskStream returns the stream an agent role consumes.
func TaskStream(agent string) string { return "tasks:" + agent }

// ResultStream returns the stream an agent role emits results on.
func ResultStream(agent string) string { return "results:" + agent }

// ErrorStream returns the stream an agent role emits errors on.
func ErrorStream(agent string) string { return "errors:" + agent }

type (
	// Handler is the domain logic of an agent role: a pure function from
	// task fields to a result dictionary. Returning an error records a
	// task failure on the agent's error stream.
	Handler func(ctx context.Context, task map[string]string) (map[string]any, error)

	// Options configures a Runtime.
	Options struct {
		// Name is the agent role name. Required. It determines the task
		// stream ("tasks:{name}"), the consumer group ("{name}") and the
		// consumer name ("{name}-consumer").
		Name string
		// Tool is the governed capability name the agent exercises per
		// task. Required.
		Tool string
		// Broker is the broker client. Required.
		Broker broker.Client
		// Governance checks tool access and rate limits. Required.
		Governance *governance.Service
		// Handler performs the task. Required.
		Handler Handler
		// RateLimit is the admitted calls per window.
		// Defaults to governance.DefaultRateLimit.
		RateLimit int64
		// RateWindow is the rate-limit window.
		// Defaults to governance.DefaultRateWindow.
		RateWindow time.Duration
		// LocalRate optionally throttles this process before the shared
		// window is consulted, smoothing bursts across a sharded role.
		// Nil disables the local throttle.
		LocalRate *rate.Limiter
		// BlockTimeout bounds each blocking read. Defaults to 1s.
		BlockTimeout time.Duration
		// FaultBackoff is the sleep after a broker fault. Defaults to 5s.
		FaultBackoff time.Duration
	}

	// Runtime is a single agent consumer. Multiple runtimes with the same
	// Name may run in parallel; the broker partitions deliveries across
	// the shared consumer group.
	Runtime struct {
		name       string
		tool       string
		b          broker.Client
		gov        *governance.Service
		handler    Handler
		rateLimit  int64
		rateWindow time.Duration
		local      *rate.Limiter
		block      time.Duration
		backoff    time.Duration
	}
)

// New validates the options and constructs a Runtime.
func New(opts Options) (*Runtime, error) {
	if opts.Name == "" {
		return nil, errors.New("agent name is required")
	}
	if opts.Tool == "" {
		return nil, errors.New("tool name is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker client is required")
	}
	if opts.Governance == nil {
		return nil, errors.New("governance service is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = governance.DefaultRateLimit
	}
	window := opts.RateWindow
	if window <= 0 {
		window = governance.DefaultRateWindow
	}
	block := opts.BlockTimeout
	if block <= 0 {
		block = time.Second
	}
	backoff := opts.FaultBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &Runtime{
		name:       opts.Name,
		tool:       opts.Tool,
		b:          opts.Broker,
		gov:        opts.Governance,
		handler:    opts.Handler,
		rateLimit:  limit,
		rateWindow: window,
		local:      opts.LocalRate,
		block:      block,
		backoff:    backoff,
	}, nil
}

// Name returns the agent role name.
func (r *Runtime) Name() string { return r.name }

// Run registers the agent, ensures its consumer group exists, and
// processes tasks until the context is canceled. Broker faults are logged
// and retried after the configured backoff; no error terminates the loop
// other than context cancellation.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}
	stream := TaskStream(r.name)
	consumer := r.name + "-consumer"
	log.Info(ctx, log.KV{K: "msg", V: "agent started"}, log.KV{K: "agent", V: r.name}, log.KV{K: "stream", V: stream})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := r.b.XReadGroup(ctx, r.name, consumer, []string{stream}, 1, r.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "agent read failed"}, log.KV{K: "agent", V: r.name})
			r.sleep(ctx)
			continue
		}
		for _, msg := range msgs {
			if err := r.process(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Leave the entry pending; the broker redelivers it.
				log.Error(ctx, err, log.KV{K: "msg", V: "agent broker fault"}, log.KV{K: "agent", V: r.name}, log.KV{K: "message_id", V: msg.ID})
				r.sleep(ctx)
			}
		}
	}
}

// register adds the agent to the registry set and ensures its consumer
// group exists. Both operations are idempotent.
func (r *Runtime) register(ctx context.Context) error {
	if err := r.b.SAdd(ctx, RegistryKey, r.name); err != nil {
		return fmt.Errorf("register agent %s: %w", r.name, err)
	}
	if err := r.b.XGroupCreate(ctx, TaskStream(r.name), r.name, "0"); err != nil {
		return fmt.Errorf("create group for %s: %w", r.name, err)
	}
	return nil
}

// process handles one delivered task. Task-level failures (governance
// denial, handler error) are emitted on the error stream and acknowledged;
// a returned error means a broker fault and leaves the entry unacked.
func (r *Runtime) process(ctx context.Context, msg broker.Message) error {
	taskID, ok := msg.Fields["task_id"]
	if !ok {
		log.Warn(ctx, log.KV{K: "msg", V: "task missing task_id"}, log.KV{K: "agent", V: r.name}, log.KV{K: "message_id", V: msg.ID})
		taskID = "unknown"
	}
	jobID, ok := msg.Fields["job_id"]
	if !ok {
		log.Warn(ctx, log.KV{K: "msg", V: "task missing job_id"}, log.KV{K: "agent", V: r.name}, log.KV{K: "message_id", V: msg.ID})
		jobID = "unknown"
	}
	log.Info(ctx, log.KV{K: "msg", V: "task received"}, log.KV{K: "agent", V: r.name}, log.KV{K: "task_id", V: taskID}, log.KV{K: "message_id", V: msg.ID})

	if r.local != nil {
		if err := r.local.Wait(ctx); err != nil {
			return err
		}
	}

	taskErr := ""
	allowed, err := r.gov.CheckToolAccess(ctx, r.name, r.tool)
	if err != nil {
		return err
	}
	if !allowed {
		taskErr = fmt.Sprintf("Access denied for tool %s", r.tool)
	} else {
		admitted, err := r.gov.CheckRateLimit(ctx, r.name, r.tool, r.rateLimit, r.rateWindow)
		if err != nil {
			return err
		}
		if !admitted {
			taskErr = "Rate limit exceeded"
		}
	}

	if taskErr == "" {
		result, err := r.handler(ctx, msg.Fields)
		if err != nil {
			taskErr = err.Error()
		} else {
			encoded, err := wire.MarshalDict(result)
			if err != nil {
				taskErr = err.Error()
			} else {
				if _, err := r.b.XAdd(ctx, ResultStream(r.name), map[string]string{
					"job_id":  jobID,
					"task_id": taskID,
					"result":  encoded,
				}); err != nil {
					return err
				}
				log.Info(ctx, log.KV{K: "msg", V: "task completed"}, log.KV{K: "agent", V: r.name}, log.KV{K: "task_id", V: taskID})
			}
		}
	}

	if taskErr != "" {
		if _, err := r.b.XAdd(ctx, ErrorStream(r.name), map[string]string{
			"job_id":        jobID,
			"task_id":       taskID,
			"error":         taskErr,
			"original_task": wire.Stringify(msg.Fields),
		}); err != nil {
			return err
		}
		log.Error(ctx, errors.New(taskErr), log.KV{K: "msg", V: "task failed"}, log.KV{K: "agent", V: r.name}, log.KV{K: "task_id", V: taskID})
	}

	return r.b.XAck(ctx, msg.Stream, r.name, msg.ID)
}

// sleep pauses for the fault backoff, returning early on cancellation.
func (r *Runtime) sleep(ctx context.Context) {
	t := time.NewTimer(r.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
