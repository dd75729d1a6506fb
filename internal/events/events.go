// Package events publishes terminal rule outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lucasnoah/nucleiforge/internal/logger"
)

// Outcome is the payload published when a rule reaches a terminal state.
type Outcome struct {
	RuleID     string    `json:"rule_id"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Target     string    `json:"target,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher sends outcomes somewhere.
type Publisher interface {
	Publish(ctx context.Context, o Outcome) error
	Close() error
}

// Nop discards outcomes. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(ctx context.Context, o Outcome) error { return nil }
func (Nop) Close() error                                 { return nil }

// conn is the slice of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATS publishes each outcome on "{subject}.{outcome}".
type NATS struct {
	nc      conn
	subject string
}

// DialNATS connects to url. Reconnects are unbounded so a restarting server
// does not take the worker down.
func DialNATS(url, subject string, log *logger.Logger) (*NATS, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.Named("nats")

	nc, err := nats.Connect(url,
		nats.Name("forge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	log.Info("connected to nats", "url", nc.ConnectedUrl())
	return newNATS(nc, subject), nil
}

func newNATS(nc conn, subject string) *NATS {
	if subject == "" {
		subject = "forge.outcomes"
	}
	return &NATS{nc: nc, subject: subject}
}

// Subject returns the subject an outcome is published on.
func (n *NATS) Subject(outcome string) string {
	return n.subject + "." + outcome
}

func (n *NATS) Publish(ctx context.Context, o Outcome) error {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if err := n.nc.Publish(n.Subject(o.Outcome), data); err != nil {
		return fmt.Errorf("publish outcome for %s: %w", o.RuleID, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.nc.Drain()
}
