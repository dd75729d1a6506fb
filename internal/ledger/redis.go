package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis is a Ledger backed by Redis hashes and lists.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// InitRule writes the zeroed counter set when the rule's hash does not exist.
// The existence check and the write are separate commands, so two workers
// racing on a brand-new rule can both seed it; the values written are zeros
// either way.
func (r *Redis) InitRule(ctx context.Context, ruleID string) (bool, error) {
	key := RuleKey(ruleID)
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check metrics for %s: %w", ruleID, err)
	}
	if n > 0 {
		return false, nil
	}
	if err := r.rdb.HSet(ctx, key, initialRuleFields()).Err(); err != nil {
		return false, fmt.Errorf("init metrics for %s: %w", ruleID, err)
	}
	return true, nil
}

func (r *Redis) IncrRule(ctx context.Context, ruleID, field string, n int64) error {
	if err := r.rdb.HIncrBy(ctx, RuleKey(ruleID), field, n).Err(); err != nil {
		return fmt.Errorf("increment %s for %s: %w", field, ruleID, err)
	}
	return nil
}

func (r *Redis) SetRule(ctx context.Context, ruleID, field string, v int64) error {
	if err := r.rdb.HSet(ctx, RuleKey(ruleID), field, v).Err(); err != nil {
		return fmt.Errorf("set %s for %s: %w", field, ruleID, err)
	}
	return nil
}

func (r *Redis) IncrGlobal(ctx context.Context, field string, n int64) error {
	if err := r.rdb.HIncrBy(ctx, GlobalKey, field, n).Err(); err != nil {
		return fmt.Errorf("increment %s: %w", field, err)
	}
	return nil
}

func (r *Redis) SetGlobal(ctx context.Context, field string, v int64) error {
	if err := r.rdb.HSet(ctx, GlobalKey, field, v).Err(); err != nil {
		return fmt.Errorf("set %s: %w", field, err)
	}
	return nil
}

func (r *Redis) AppendHistory(ctx context.Context, ruleID string, entry HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	if err := r.rdb.RPush(ctx, HistoryKey(ruleID), data).Err(); err != nil {
		return fmt.Errorf("append history for %s: %w", ruleID, err)
	}
	return nil
}

func (r *Redis) Rule(ctx context.Context, ruleID string) (RuleMetrics, bool, error) {
	fields, err := r.rdb.HGetAll(ctx, RuleKey(ruleID)).Result()
	if err != nil {
		return RuleMetrics{}, false, fmt.Errorf("read metrics for %s: %w", ruleID, err)
	}
	if len(fields) == 0 {
		return RuleMetrics{}, false, nil
	}
	return ruleMetricsFrom(fields), true, nil
}

func (r *Redis) Global(ctx context.Context) (map[string]int64, error) {
	fields, err := r.rdb.HGetAll(ctx, GlobalKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read global metrics: %w", err)
	}
	out := make(map[string]int64, len(fields))
	for k, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

func (r *Redis) History(ctx context.Context, ruleID string) ([]HistoryEntry, error) {
	raw, err := r.rdb.LRange(ctx, HistoryKey(ruleID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", ruleID, err)
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, s := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode history for %s: %w", ruleID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
