package db

import (
	"context"
	"os"
	"testing"
	"time"
)

// testDB connects to FORGE_TEST_DATABASE_URL, resetting the schema. Tests
// needing a live database skip without it.
func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("FORGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FORGE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	d, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Reset(ctx); err != nil {
		t.Fatalf("reset test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrateIdempotent(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	if err := d.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var version int
	if err := d.pool.QueryRow(ctx, "SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}
}

func TestLogAndListAttempts(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.LogAttempt(ctx, "CVE-1", 1, "pending", "no vulnerabilities detected", 1200); err != nil {
		t.Fatal(err)
	}
	if err := d.LogAttempt(ctx, "CVE-1", 2, "succeeded", "", 900); err != nil {
		t.Fatal(err)
	}
	if err := d.LogAttempt(ctx, "CVE-2", 1, "failed", "no target", 3); err != nil {
		t.Fatal(err)
	}

	got, err := d.ListAttempts(ctx, "CVE-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d attempts, want 2", len(got))
	}
	if got[0].Attempt != 1 || got[0].Reason != "no vulnerabilities detected" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Outcome != "succeeded" || got[1].Reason != "" {
		t.Errorf("second = %+v", got[1])
	}

	st, err := d.Stats(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Attempts != 3 || st.Rules != 2 || st.Succeeded != 1 || st.Failed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestLogAttemptRejectsBadOutcome(t *testing.T) {
	d := testDB(t)
	if err := d.LogAttempt(context.Background(), "CVE-1", 1, "maybe", "", 0); err == nil {
		t.Error("expected constraint violation")
	}
}

func TestPipelineHistory(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	for _, ev := range []string{"generated", "attempt_pending", "attempt_succeeded"} {
		if err := d.LogPipelineEvent(ctx, "CVE-1", ev, ""); err != nil {
			t.Fatal(err)
		}
	}
	events, err := d.GetPipelineHistory(ctx, "CVE-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || events[0].Event != "attempt_succeeded" {
		t.Errorf("events = %+v", events)
	}
}

func TestSummarize(t *testing.T) {
	samples := []attemptSample{
		{"a", 1, "pending", 100},
		{"a", 2, "pending", 200},
		{"a", 3, "succeeded", 300},
		{"b", 1, "failed", 400},
		{"c", 1, "succeeded", 500},
	}
	st := summarize(samples)
	if st.Attempts != 5 || st.Rules != 3 {
		t.Errorf("attempts/rules = %d/%d", st.Attempts, st.Rules)
	}
	if st.Succeeded != 2 || st.Failed != 1 || st.Pending != 2 {
		t.Errorf("outcomes = %+v", st)
	}
	if st.Success != 66.7 {
		t.Errorf("success = %v, want 66.7", st.Success)
	}
	if st.AvgMs != 300 || st.P50Ms != 300 || st.P95Ms != 480 {
		t.Errorf("durations avg=%v p50=%v p95=%v", st.AvgMs, st.P50Ms, st.P95Ms)
	}
	if st.AvgAttemptsToSuccess != 2 {
		t.Errorf("avg attempts to success = %v, want 2", st.AvgAttemptsToSuccess)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	st := summarize(nil)
	if st.Attempts != 0 || st.P95Ms != 0 || st.Success != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		values []float64
		p      int
		want   float64
	}{
		{[]float64{5}, 95, 5},
		{[]float64{1, 2, 3, 4}, 50, 2.5},
		{[]float64{10, 20}, 95, 19.5},
		{[]float64{1, 2, 3}, 100, 3},
	}
	for _, tt := range tests {
		if got := percentile(tt.values, tt.p); got != tt.want {
			t.Errorf("percentile(%v, %d) = %v, want %v", tt.values, tt.p, got, tt.want)
		}
	}
}
