package ledger

import (
	"context"
	"strconv"
	"sync"
)

// Memory is an in-process Ledger for single-node runs and tests.
type Memory struct {
	mu      sync.Mutex
	global  map[string]int64
	rules   map[string]map[string]int64
	history map[string][]HistoryEntry
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		global:  make(map[string]int64),
		rules:   make(map[string]map[string]int64),
		history: make(map[string][]HistoryEntry),
	}
}

func (m *Memory) InitRule(ctx context.Context, ruleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[ruleID]; ok {
		return false, nil
	}
	fields := make(map[string]int64)
	for k := range initialRuleFields() {
		fields[k] = 0
	}
	m.rules[ruleID] = fields
	return true, nil
}

func (m *Memory) IncrRule(ctx context.Context, ruleID, field string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rule(ruleID)[field] += n
	return nil
}

func (m *Memory) SetRule(ctx context.Context, ruleID, field string, v int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rule(ruleID)[field] = v
	return nil
}

func (m *Memory) IncrGlobal(ctx context.Context, field string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global[field] += n
	return nil
}

func (m *Memory) SetGlobal(ctx context.Context, field string, v int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global[field] = v
	return nil
}

func (m *Memory) AppendHistory(ctx context.Context, ruleID string, entry HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[ruleID] = append(m.history[ruleID], entry)
	return nil
}

func (m *Memory) Rule(ctx context.Context, ruleID string) (RuleMetrics, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.rules[ruleID]
	if !ok {
		return RuleMetrics{}, false, nil
	}
	str := make(map[string]string, len(fields))
	for k, v := range fields {
		str[k] = strconv.FormatInt(v, 10)
	}
	return ruleMetricsFrom(str), true, nil
}

func (m *Memory) Global(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.global))
	for k, v := range m.global {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) History(ctx context.Context, ruleID string) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HistoryEntry(nil), m.history[ruleID]...), nil
}

// rule returns the field map for ruleID, creating it like HINCRBY would.
// Callers hold m.mu.
func (m *Memory) rule(ruleID string) map[string]int64 {
	fields, ok := m.rules[ruleID]
	if !ok {
		fields = make(map[string]int64)
		m.rules[ruleID] = fields
	}
	return fields
}
