package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process broker. Messages are stored encoded so handlers
// see exactly what a networked broker would deliver.
type Memory struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
	chords map[string]*memChord
}

type memChord struct {
	results []json.RawMessage
	arrived int
}

// NewMemory returns an empty broker.
func NewMemory() *Memory {
	return &Memory{
		notify: make(chan struct{}, 1),
		chords: make(map[string]*memChord),
	}
}

func (m *Memory) Push(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	m.mu.Lock()
	m.items = append(m.items, data)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Pop(ctx context.Context, wait time.Duration) (*Message, error) {
	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}

	for {
		if data := m.take(); data != nil {
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				return nil, fmt.Errorf("decode message: %w", err)
			}
			return &msg, nil
		}
		if wait <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer:
			return nil, nil
		case <-m.notify:
		}
	}
}

func (m *Memory) take() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil
	}
	data := m.items[0]
	m.items = m.items[1:]
	if len(m.items) > 0 {
		// Wake another waiter for the remaining items.
		select {
		case m.notify <- struct{}{}:
		default:
		}
	}
	return data
}

func (m *Memory) Arrive(ctx context.Context, chordID string, index, size int, result json.RawMessage) ([]json.RawMessage, bool, error) {
	if index < 0 || index >= size {
		return nil, false, fmt.Errorf("chord %s: member index %d out of range", chordID, index)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chords[chordID]
	if !ok {
		c = &memChord{results: make([]json.RawMessage, size)}
		m.chords[chordID] = c
	}
	c.results[index] = result
	c.arrived++
	if c.arrived != size {
		return nil, false, nil
	}
	delete(m.chords, chordID)
	return fillNulls(c.results), true, nil
}

func (m *Memory) Len(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}

func fillNulls(results []json.RawMessage) []json.RawMessage {
	for i, r := range results {
		if len(r) == 0 {
			results[i] = json.RawMessage("null")
		}
	}
	return results
}
