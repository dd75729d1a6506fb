package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// AttemptRecord represents a row in the validation_attempts table.
type AttemptRecord struct {
	ID         int64     `json:"id"`
	RuleID     string    `json:"rule_id"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int64     `json:"id"`
	RuleID    string    `json:"rule_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LogAttempt inserts one finished validation attempt.
func (d *DB) LogAttempt(ctx context.Context, ruleID string, attempt int, outcome, reason string, durationMs int64) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO validation_attempts (rule_id, attempt, outcome, reason, duration_ms) VALUES ($1, $2, $3, $4, $5)`,
		ruleID, attempt, outcome, nullable(reason), durationMs,
	)
	if err != nil {
		return fmt.Errorf("log attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a rule's attempts, oldest first.
func (d *DB) ListAttempts(ctx context.Context, ruleID string) ([]AttemptRecord, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, rule_id, attempt, outcome, COALESCE(reason, ''), duration_ms, created_at
		 FROM validation_attempts WHERE rule_id = $1 ORDER BY created_at, id`,
		ruleID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (AttemptRecord, error) {
		var r AttemptRecord
		err := row.Scan(&r.ID, &r.RuleID, &r.Attempt, &r.Outcome, &r.Reason, &r.DurationMs, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan attempts: %w", err)
	}
	return records, nil
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(ctx context.Context, ruleID, event, detail string) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO pipeline_events (rule_id, event, detail) VALUES ($1, $2, $3)`,
		ruleID, event, nullable(detail),
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetPipelineHistory returns all pipeline events for a rule, newest first.
func (d *DB) GetPipelineHistory(ctx context.Context, ruleID string) ([]PipelineEvent, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, rule_id, event, COALESCE(detail, ''), created_at
		 FROM pipeline_events WHERE rule_id = $1 ORDER BY created_at DESC, id DESC`,
		ruleID,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline history: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PipelineEvent, error) {
		var e PipelineEvent
		err := row.Scan(&e.ID, &e.RuleID, &e.Event, &e.Detail, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan pipeline event: %w", err)
	}
	return events, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
