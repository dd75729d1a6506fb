package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/nucleiforge/internal/logger"
)

// Handler executes one task. The returned value is JSON-encoded and passed
// to the next step of a chain, or collected by a chord.
type Handler func(ctx context.Context, msg *Message) (interface{}, error)

const (
	defaultPopWait   = 2 * time.Second
	brokerErrBackoff = time.Second
	// handoffTimeout bounds enqueueing a continuation after shutdown began.
	handoffTimeout = 10 * time.Second
)

// Worker pulls messages and dispatches them to registered handlers.
type Worker struct {
	queue       *Queue
	handlers    map[string]Handler
	mu          sync.RWMutex
	concurrency int
	popWait     time.Duration
	log         *logger.Logger
}

// NewWorker creates a Worker with concurrency parallel loops.
func NewWorker(q *Queue, concurrency int, log *logger.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Worker{
		queue:       q,
		handlers:    make(map[string]Handler),
		concurrency: concurrency,
		popWait:     defaultPopWait,
		log:         log.Named("worker"),
	}
}

// Handle registers h for tasks named name.
func (w *Worker) Handle(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// Tasks lists registered task names.
func (w *Worker) Tasks() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.handlers))
	for name := range w.handlers {
		names = append(names, name)
	}
	return names
}

// Run processes messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	w.log.Info("worker started", "concurrency", w.concurrency, "tasks", strings.Join(w.Tasks(), ","))
	err := g.Wait()
	w.log.Info("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		msg, err := w.queue.broker.Pop(ctx, w.popWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("broker pop failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(brokerErrBackoff):
			}
			continue
		}
		if msg == nil {
			continue
		}
		w.Process(ctx, msg)
	}
}

// Drain processes messages on the calling goroutine until the broker is
// empty, including every continuation enqueued along the way. It returns the
// number of messages processed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		msg, err := w.queue.broker.Pop(ctx, 0)
		if err != nil {
			return n, err
		}
		if msg == nil {
			return n, nil
		}
		w.Process(ctx, msg)
		n++
	}
}

// Process runs one message and enqueues whatever follows it.
func (w *Worker) Process(ctx context.Context, msg *Message) {
	log := w.log.With("task", msg.Name, "id", msg.ID)
	start := time.Now()

	result, err := w.invoke(ctx, msg)
	out := json.RawMessage("null")
	if err == nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			err = fmt.Errorf("encode result: %w", merr)
		} else {
			out = data
		}
	}
	if err != nil {
		log.Error("task failed", "error", err, "elapsed", time.Since(start))
	} else {
		log.Debug("task done", "elapsed", time.Since(start))
	}

	// The handoff outlives ctx: a task that finished must pass its result on
	// even when the worker is stopping.
	hctx, cancel := handoff(ctx)
	defer cancel()

	// Chord members always arrive so a failure cannot stall the barrier.
	if msg.Chord != nil {
		w.arrive(hctx, msg, out)
		return
	}
	if err != nil || len(msg.Link) == 0 {
		return
	}
	if _, err := w.queue.ChainWithInput(hctx, out, msg.Link...); err != nil {
		log.Error("enqueue continuation failed", "next", msg.Link[0].Name, "error", err)
	}
}

func handoff(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), handoffTimeout)
}

func (w *Worker) invoke(ctx context.Context, msg *Message) (result interface{}, err error) {
	w.mu.RLock()
	h, ok := w.handlers[msg.Name]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for task %q", msg.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", msg.Name, r)
		}
	}()
	return h(ctx, msg)
}

func (w *Worker) arrive(ctx context.Context, msg *Message, out json.RawMessage) {
	c := msg.Chord
	results, complete, err := w.queue.broker.Arrive(ctx, c.ID, c.Index, c.Size, out)
	if err != nil {
		w.log.Error("chord arrive failed", "chord", c.ID, "error", err)
		return
	}
	if !complete {
		return
	}
	joined, err := json.Marshal(results)
	if err != nil {
		w.log.Error("encode chord results failed", "chord", c.ID, "error", err)
		return
	}
	if _, err := w.queue.ChainWithInput(ctx, joined, c.Callback...); err != nil {
		w.log.Error("enqueue chord callback failed", "chord", c.ID, "error", err)
	}
}
