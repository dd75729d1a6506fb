package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	arrivedField = "_arrived"
	chordTTL     = 24 * time.Hour
)

// Redis is a broker on a Redis list, with chord barriers kept in hashes.
type Redis struct {
	rdb   *redis.Client
	key   string
	chord string
}

// NewRedis creates a broker for the named queue.
func NewRedis(rdb *redis.Client, name string) *Redis {
	return &Redis{
		rdb:   rdb,
		key:   "forge:queue:" + name,
		chord: "forge:chord:",
	}
}

func (r *Redis) Push(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := r.rdb.LPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("push %s: %w", msg.Name, err)
	}
	return nil
}

func (r *Redis) Pop(ctx context.Context, wait time.Duration) (*Message, error) {
	var data string
	if wait <= 0 {
		v, err := r.rdb.RPop(ctx, r.key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("pop: %w", err)
		}
		data = v
	} else {
		v, err := r.rdb.BRPop(ctx, wait, r.key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("pop: %w", err)
		}
		data = v[1]
	}

	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// Arrive stores the member's result and bumps the arrival counter in one
// transaction. Only the arrival that brings the counter to size completes the
// chord.
func (r *Redis) Arrive(ctx context.Context, chordID string, index, size int, result json.RawMessage) ([]json.RawMessage, bool, error) {
	if index < 0 || index >= size {
		return nil, false, fmt.Errorf("chord %s: member index %d out of range", chordID, index)
	}
	key := r.chord + chordID
	if len(result) == 0 {
		result = json.RawMessage("null")
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, strconv.Itoa(index), []byte(result))
	arrived := pipe.HIncrBy(ctx, key, arrivedField, 1)
	pipe.Expire(ctx, key, chordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("chord %s arrive: %w", chordID, err)
	}
	if arrived.Val() != int64(size) {
		return nil, false, nil
	}

	fields, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("chord %s results: %w", chordID, err)
	}
	results := make([]json.RawMessage, size)
	for i := range results {
		if v, ok := fields[strconv.Itoa(i)]; ok {
			results[i] = json.RawMessage(v)
		}
	}
	_ = r.rdb.Del(ctx, key).Err()
	return fillNulls(results), true, nil
}

func (r *Redis) Len(ctx context.Context) (int64, error) {
	n, err := r.rdb.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
