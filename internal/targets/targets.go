// Package targets knows which hosts are vulnerable to which rule.
package targets

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Resolver returns known-vulnerable hosts for a rule, best first.
// An empty result means no target is known.
type Resolver interface {
	Hosts(ctx context.Context, ruleID string) ([]string, error)
}

// Static resolves from a fixed per-rule map with an optional default list.
type Static struct {
	byRule   map[string][]string
	fallback []string
}

// NewStatic creates a Static resolver. The maps are copied.
func NewStatic(byRule map[string][]string, fallback []string) *Static {
	m := make(map[string][]string, len(byRule))
	for k, v := range byRule {
		m[k] = append([]string(nil), v...)
	}
	return &Static{byRule: m, fallback: append([]string(nil), fallback...)}
}

func (s *Static) Hosts(ctx context.Context, ruleID string) ([]string, error) {
	if hosts := s.byRule[ruleID]; len(hosts) > 0 {
		return append([]string(nil), hosts...), nil
	}
	return append([]string(nil), s.fallback...), nil
}

// SetKey returns the Redis set listing hosts for ruleID.
func SetKey(ruleID string) string { return "targets:" + ruleID }

// Registry resolves from Redis sets populated by operators or discovery
// jobs, deferring to next when a rule has no registered hosts.
type Registry struct {
	rdb  *redis.Client
	next Resolver
}

// NewRegistry creates a Registry. next may be nil.
func NewRegistry(rdb *redis.Client, next Resolver) *Registry {
	return &Registry{rdb: rdb, next: next}
}

func (r *Registry) Hosts(ctx context.Context, ruleID string) ([]string, error) {
	hosts, err := r.rdb.SMembers(ctx, SetKey(ruleID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read targets for %s: %w", ruleID, err)
	}
	if len(hosts) > 0 {
		sort.Strings(hosts)
		return hosts, nil
	}
	if r.next == nil {
		return nil, nil
	}
	return r.next.Hosts(ctx, ruleID)
}

// Add registers hosts for ruleID.
func (r *Registry) Add(ctx context.Context, ruleID string, hosts ...string) error {
	if len(hosts) == 0 {
		return nil
	}
	members := make([]interface{}, len(hosts))
	for i, h := range hosts {
		members[i] = h
	}
	if err := r.rdb.SAdd(ctx, SetKey(ruleID), members...).Err(); err != nil {
		return fmt.Errorf("add targets for %s: %w", ruleID, err)
	}
	return nil
}
