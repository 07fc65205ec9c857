// Command weft runs the claim-processing demo fleet: it connects to the
// broker, clears prior run state, seeds governance rules and reference
// data, starts the agent and orchestrator loops, submits the initial
// plan, and waits for SIGINT/SIGTERM.
//
// # Configuration
//
// Environment variables:
//
//	REDIS_HOST     - Redis host (default: "localhost")
//	REDIS_PORT     - Redis port (default: "6379")
//	REDIS_PASSWORD - Redis password (optional)
//
// Flags:
//
//	-config PATH - topology file (agents, tool grants, reference data);
//	               defaults to the built-in claim demo topology
//	-debug       - enable debug logs
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/weftworks/weft/agent"
	"github.com/weftworks/weft/broker"
	"github.com/weftworks/weft/claims"
	"github.com/weftworks/weft/config"
	"github.com/weftworks/weft/governance"
	"github.com/weftworks/weft/job"
	"github.com/weftworks/weft/orchestrator"
	"github.com/weftworks/weft/planner"
	"github.com/weftworks/weft/research"
	"github.com/weftworks/weft/wire"
)

func main() {
	var (
		configF = flag.String("config", "", "topology file (defaults to the built-in claim demo)")
		debugF  = flag.Bool("debug", false, "enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	b, err := broker.NewRedis(ctx, broker.ConfigFromEnv())
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close broker"})
		}
	}()

	if err := flushState(ctx, b); err != nil {
		return err
	}

	gov := governance.New(b)
	for _, a := range cfg.Agents {
		if err := gov.RegisterToolAccess(ctx, a.Name, []string{a.Tool}); err != nil {
			return err
		}
	}
	for id, record := range cfg.Policies {
		if err := b.HSet(ctx, claims.PoliciesKey, id, wire.Stringify(record)); err != nil {
			return err
		}
	}

	jobs := job.NewStore(b)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	for _, a := range cfg.Agents {
		handler, err := handlerFor(a.Name, b)
		if err != nil {
			return err
		}
		var local *rate.Limiter
		if a.LocalRate > 0 {
			local = rate.NewLimiter(rate.Limit(a.LocalRate), 1)
		}
		rt, err := agent.New(agent.Options{
			Name:       a.Name,
			Tool:       a.Tool,
			Broker:     b,
			Governance: gov,
			Handler:    handler,
			RateLimit:  a.RateLimit,
			RateWindow: a.RateWindow.Std(),
			LocalRate:  local,
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "agent stopped"}, log.KV{K: "agent", V: rt.Name()})
			}
		}()
	}

	// The orchestrator listens on every agent's result and error stream;
	// on a fresh broker none exist yet, so seed discovery with the
	// configured fleet.
	defaults := make([]string, 0, len(cfg.Agents)*2)
	for _, a := range cfg.Agents {
		defaults = append(defaults, agent.ResultStream(a.Name), agent.ErrorStream(a.Name))
	}
	orch, err := orchestrator.New(ctx, orchestrator.Options{
		Broker:         b,
		Jobs:           jobs,
		DefaultStreams: defaults,
	})
	if err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "orchestrator stopped"})
		}
	}()

	goal := cfg.Goal
	if goal == "" {
		goal = fmt.Sprintf("Process claim %v.", cfg.Claim["claim_id"])
	}
	pl, err := planner.New(jobs).BuildPlan(ctx, goal, claims.Tasks(cfg.Claim))
	if err != nil {
		return err
	}
	if err := orch.StartJob(ctx, pl); err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "job kicked off"}, log.KV{K: "job_id", V: pl.JobID})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: s.String()})
	cancel()
	wg.Wait()
	return nil
}

// flushState clears prior run state: job hashes, task/result/error
// streams, the agent registry, governance grants, and reference data.
func flushState(ctx context.Context, b broker.Client) error {
	keys := []string{agent.RegistryKey, governance.PermissionsKey, claims.PoliciesKey}
	for _, pattern := range []string{"job:*", "tasks:*", "results:*", "errors:*"} {
		matched, err := b.ScanKeys(ctx, pattern)
		if err != nil {
			return err
		}
		keys = append(keys, matched...)
	}
	return b.Del(ctx, keys...)
}

// handlerFor maps an agent role name to its domain handler.
func handlerFor(name string, b broker.Client) (agent.Handler, error) {
	switch name {
	case claims.DocumentReaderAgent:
		return claims.DocumentReader(), nil
	case claims.PolicyCheckAgent:
		return claims.PolicyCheck(b), nil
	case claims.FraudDetectionAgent:
		return claims.FraudDetection(), nil
	case claims.ClaimApprovalAgent:
		return claims.ClaimApproval(), nil
	case research.WebSearchAgent:
		return research.WebSearch(), nil
	case research.SummarizationAgent:
		return research.Summarization(), nil
	default:
		return nil, fmt.Errorf("no handler for agent role %q", name)
	}
}
