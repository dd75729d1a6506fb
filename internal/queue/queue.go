// Package queue is a small distributed task queue. Work is expressed as
// signatures (task name plus JSON arguments) composed three ways:
//
//	Chain  runs tasks in order, feeding each result to the next as Input
//	Group  runs tasks independently
//	Chord  runs a group, then a callback chain once every member finished,
//	       with the members' results (null for failures) as a JSON array
//
// Continuations are enqueued by whichever worker finishes the previous step,
// so a multi-step flow survives worker restarts between steps.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Signature names a task and its arguments.
type Signature struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// NewSignature encodes args for task name.
func NewSignature(name string, args interface{}) (Signature, error) {
	if args == nil {
		return Signature{Name: name}, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Signature{}, fmt.Errorf("encode args for %s: %w", name, err)
	}
	return Signature{Name: name, Args: data}, nil
}

// Must is like NewSignature but panics on encoding errors. It suits
// arguments built from plain structs.
func Must(name string, args interface{}) Signature {
	sig, err := NewSignature(name, args)
	if err != nil {
		panic(err)
	}
	return sig
}

// ChordRef ties a group member to its barrier.
type ChordRef struct {
	ID       string      `json:"id"`
	Index    int         `json:"index"`
	Size     int         `json:"size"`
	Callback []Signature `json:"callback"`
}

// Message is the unit stored in a broker.
type Message struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Link     []Signature     `json:"link,omitempty"`
	Chord    *ChordRef       `json:"chord,omitempty"`
	Enqueued time.Time       `json:"enqueued"`
}

// ErrNoInput is returned by DecodeInput when the previous step passed nothing.
var ErrNoInput = errors.New("task has no input")

// DecodeArgs decodes the task's own arguments into v.
func (m *Message) DecodeArgs(v interface{}) error {
	if len(m.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Args, v); err != nil {
		return fmt.Errorf("decode args for %s: %w", m.Name, err)
	}
	return nil
}

// HasInput reports whether a previous step passed a non-null result.
func (m *Message) HasInput() bool {
	return len(m.Input) > 0 && string(m.Input) != "null"
}

// DecodeInput decodes the previous step's result into v.
func (m *Message) DecodeInput(v interface{}) error {
	if !m.HasInput() {
		return ErrNoInput
	}
	if err := json.Unmarshal(m.Input, v); err != nil {
		return fmt.Errorf("decode input for %s: %w", m.Name, err)
	}
	return nil
}

// Broker stores messages and chord barriers.
type Broker interface {
	Push(ctx context.Context, msg *Message) error
	// Pop waits up to wait for a message. It returns nil, nil when none
	// arrives; a zero wait never blocks.
	Pop(ctx context.Context, wait time.Duration) (*Message, error)
	// Arrive records one chord member's result. Exactly one call per chord,
	// the one completing it, returns complete = true with results ordered
	// by member index.
	Arrive(ctx context.Context, chordID string, index, size int, result json.RawMessage) (results []json.RawMessage, complete bool, err error)
	Len(ctx context.Context) (int64, error)
}

// Queue composes signatures and pushes them to a broker.
type Queue struct {
	broker Broker
}

// New creates a Queue on broker.
func New(broker Broker) *Queue {
	return &Queue{broker: broker}
}

// Broker returns the underlying broker.
func (q *Queue) Broker() Broker { return q.broker }

// Apply enqueues a single task.
func (q *Queue) Apply(ctx context.Context, sig Signature) (string, error) {
	return q.Chain(ctx, sig)
}

// Chain enqueues sigs to run in order. It returns the first task's ID.
func (q *Queue) Chain(ctx context.Context, sigs ...Signature) (string, error) {
	return q.ChainWithInput(ctx, nil, sigs...)
}

// ChainWithInput is Chain with an initial Input for the first task.
func (q *Queue) ChainWithInput(ctx context.Context, input json.RawMessage, sigs ...Signature) (string, error) {
	if len(sigs) == 0 {
		return "", errors.New("chain needs at least one task")
	}
	msg := newMessage(sigs[0])
	msg.Input = input
	if len(sigs) > 1 {
		msg.Link = append([]Signature(nil), sigs[1:]...)
	}
	if err := q.broker.Push(ctx, msg); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", msg.Name, err)
	}
	return msg.ID, nil
}

// Group enqueues sigs to run independently.
func (q *Queue) Group(ctx context.Context, sigs ...Signature) ([]string, error) {
	ids := make([]string, 0, len(sigs))
	for _, sig := range sigs {
		id, err := q.Apply(ctx, sig)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Chord enqueues header as a group whose combined results feed the callback
// chain. An empty header runs the callback immediately with an empty list.
func (q *Queue) Chord(ctx context.Context, header []Signature, callback ...Signature) (string, error) {
	if len(callback) == 0 {
		return "", errors.New("chord needs a callback")
	}
	chordID := uuid.NewString()
	if len(header) == 0 {
		if _, err := q.ChainWithInput(ctx, json.RawMessage("[]"), callback...); err != nil {
			return "", err
		}
		return chordID, nil
	}

	for i, sig := range header {
		msg := newMessage(sig)
		msg.Chord = &ChordRef{ID: chordID, Index: i, Size: len(header), Callback: callback}
		if err := q.broker.Push(ctx, msg); err != nil {
			return chordID, fmt.Errorf("enqueue chord member %s: %w", msg.Name, err)
		}
	}
	return chordID, nil
}

func newMessage(sig Signature) *Message {
	return &Message{
		ID:       uuid.NewString(),
		Name:     sig.Name,
		Args:     sig.Args,
		Enqueued: time.Now().UTC(),
	}
}
