// Package governance enforces tool-level authorization and per-agent
// per-tool rate limits. Permissions live in a broker hash written at
// bootstrap; rate limits are fixed tumbling windows backed by broker
// counters with a TTL equal to the window.
package governance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/weftworks/weft/broker"
)

// PermissionsKey is the hash mapping agent names to comma-joined allowed
// tool lists.
const PermissionsKey = "gov:permissions"

// Rate-limit defaults applied per tool invocation.
const (
	DefaultRateLimit  int64 = 100
	DefaultRateWindow       = time.Hour
)

// RateLimitKey returns the counter key for an agent/tool pair.
func RateLimitKey(agent, tool string) string {
	return "gov:rate_limit:" + agent + ":" + tool
}

// Service checks tool access and rate limits against broker state.
type Service struct {
	b broker.Client
}

// New returns a governance service over the given broker.
func New(b broker.Client) *Service {
	return &Service{b: b}
}

// RegisterToolAccess stores the tools an agent may use, overwriting any
// prior grant for that agent.
func (s *Service) RegisterToolAccess(ctx context.Context, agent string, tools []string) error {
	if err := s.b.HSet(ctx, PermissionsKey, agent, strings.Join(tools, ",")); err != nil {
		return fmt.Errorf("register tool access for %s: %w", agent, err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "registered tool access"}, log.KV{K: "agent", V: agent}, log.KV{K: "tools", V: strings.Join(tools, ",")})
	return nil
}

// CheckToolAccess reports whether the agent is allowed to use the tool.
// An agent with no registered grant is denied.
func (s *Service) CheckToolAccess(ctx context.Context, agent, tool string) (bool, error) {
	allowed, ok, err := s.b.HGet(ctx, PermissionsKey, agent)
	if err != nil {
		return false, fmt.Errorf("check tool access for %s: %w", agent, err)
	}
	if !ok || allowed == "" {
		log.Warn(ctx, log.KV{K: "msg", V: "governance deny: no permissions registered"}, log.KV{K: "agent", V: agent})
		return false, nil
	}
	for _, t := range strings.Split(allowed, ",") {
		if t == tool {
			return true, nil
		}
	}
	log.Warn(ctx, log.KV{K: "msg", V: "governance deny: tool not allowed"}, log.KV{K: "agent", V: agent}, log.KV{K: "tool", V: tool})
	return false, nil
}

// CheckRateLimit admits up to limit calls per window for an agent/tool
// pair. The window is a fixed tumbling window armed atomically with the
// first admission, so the counter key cannot outlive its TTL.
func (s *Service) CheckRateLimit(ctx context.Context, agent, tool string, limit int64, window time.Duration) (bool, error) {
	n, err := s.b.IncrWindow(ctx, RateLimitKey(agent, tool), window)
	if err != nil {
		return false, fmt.Errorf("check rate limit for %s/%s: %w", agent, tool, err)
	}
	if n > limit {
		log.Warn(ctx,
			log.KV{K: "msg", V: "governance deny: rate limit exceeded"},
			log.KV{K: "agent", V: agent},
			log.KV{K: "tool", V: tool},
			log.KV{K: "limit", V: limit},
			log.KV{K: "window", V: window.String()},
		)
		return false, nil
	}
	return true, nil
}
