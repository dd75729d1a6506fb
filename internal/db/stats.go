package db

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// AttemptStats summarizes the attempt log since a point in time.
type AttemptStats struct {
	Attempts  int     `json:"attempts"`
	Rules     int     `json:"rules"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Pending   int     `json:"pending"`
	Success   float64 `json:"success_rate_pct"`
	AvgMs     float64 `json:"avg_ms"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
	// AvgAttemptsToSuccess is the mean attempt number of succeeded rules.
	AvgAttemptsToSuccess float64 `json:"avg_attempts_to_success"`
}

// Stats computes AttemptStats over attempts created at or after since. A
// zero since covers everything.
func (d *DB) Stats(ctx context.Context, since time.Time) (*AttemptStats, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT rule_id, attempt, outcome, duration_ms FROM validation_attempts WHERE created_at >= $1`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempt stats: %w", err)
	}
	defer rows.Close()

	var samples []attemptSample
	for rows.Next() {
		var s attemptSample
		if err := rows.Scan(&s.ruleID, &s.attempt, &s.outcome, &s.durationMs); err != nil {
			return nil, fmt.Errorf("scan attempt stats: %w", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query attempt stats: %w", err)
	}
	return summarize(samples), nil
}

type attemptSample struct {
	ruleID     string
	attempt    int
	outcome    string
	durationMs int64
}

func summarize(samples []attemptSample) *AttemptStats {
	st := &AttemptStats{Attempts: len(samples)}
	rules := make(map[string]bool)
	durations := make([]float64, 0, len(samples))
	var successAttempts []float64

	for _, s := range samples {
		rules[s.ruleID] = true
		durations = append(durations, float64(s.durationMs))
		switch s.outcome {
		case "succeeded":
			st.Succeeded++
			successAttempts = append(successAttempts, float64(s.attempt))
		case "failed":
			st.Failed++
		default:
			st.Pending++
		}
	}
	st.Rules = len(rules)
	sort.Float64s(durations)
	st.AvgMs = avg(durations)
	st.P50Ms = percentile(durations, 50)
	st.P95Ms = percentile(durations, 95)
	st.AvgAttemptsToSuccess = avg(successAttempts)
	st.Success = pct(st.Succeeded, st.Succeeded+st.Failed)
	return st
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
