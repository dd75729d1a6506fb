package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

// brokers runs fn against every Broker implementation.
func brokers(t *testing.T, fn func(t *testing.T, b Broker)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		fn(t, NewRedis(rdb, "test"))
	})
}

type addArgs struct {
	N int `json:"n"`
}

// recorder collects values passed to the "record" task.
type recorder struct {
	mu   sync.Mutex
	seen []json.RawMessage
}

func (r *recorder) handler(ctx context.Context, msg *Message) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, append(json.RawMessage(nil), msg.Input...))
	return nil, nil
}

func (r *recorder) values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	for i, v := range r.seen {
		out[i] = string(v)
	}
	return out
}

func newTestWorker(b Broker) (*Queue, *Worker, *recorder) {
	q := New(b)
	w := NewWorker(q, 2, nil)
	rec := &recorder{}
	w.Handle("add", func(ctx context.Context, msg *Message) (interface{}, error) {
		var args addArgs
		if err := msg.DecodeArgs(&args); err != nil {
			return nil, err
		}
		sum := 0
		if msg.HasInput() {
			if err := msg.DecodeInput(&sum); err != nil {
				return nil, err
			}
		}
		return sum + args.N, nil
	})
	w.Handle("echo", func(ctx context.Context, msg *Message) (interface{}, error) {
		var args addArgs
		if err := msg.DecodeArgs(&args); err != nil {
			return nil, err
		}
		return args.N, nil
	})
	w.Handle("fail", func(ctx context.Context, msg *Message) (interface{}, error) {
		return nil, errors.New("boom")
	})
	w.Handle("panic", func(ctx context.Context, msg *Message) (interface{}, error) {
		panic("kaboom")
	})
	w.Handle("record", rec.handler)
	return q, w, rec
}

func TestChainPassesResults(t *testing.T) {
	brokers(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		q, w, rec := newTestWorker(b)

		_, err := q.Chain(ctx,
			Must("add", addArgs{N: 1}),
			Must("add", addArgs{N: 2}),
			Must("add", addArgs{N: 3}),
			Must("record", nil),
		)
		if err != nil {
			t.Fatalf("Chain: %v", err)
		}
		n, err := w.Drain(ctx)
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if n != 4 {
			t.Errorf("processed %d, want 4", n)
		}
		got := rec.values()
		if len(got) != 1 || got[0] != "6" {
			t.Errorf("recorded %v, want [6]", got)
		}
	})
}

func TestChainStopsOnFailure(t *testing.T) {
	brokers(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		q, w, rec := newTestWorker(b)

		if _, err := q.Chain(ctx, Must("fail", nil), Must("record", nil)); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		if got := rec.values(); len(got) != 0 {
			t.Errorf("continuation ran after failure: %v", got)
		}
	})
}

func TestGroup(t *testing.T) {
	brokers(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		q, w, rec := newTestWorker(b)

		ids, err := q.Group(ctx, Must("record", nil), Must("record", nil), Must("record", nil))
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 3 {
			t.Fatalf("ids = %v", ids)
		}
		if _, err := w.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		if got := len(rec.values()); got != 3 {
			t.Errorf("ran %d tasks, want 3", got)
		}
	})
}

func TestChordCollectsResultsInOrder(t *testing.T) {
	brokers(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		q, w, rec := newTestWorker(b)

		header := []Signature{
			Must("echo", addArgs{N: 1}),
			Must("fail", nil),
			Must("panic", nil),
			Must("echo", addArgs{N: 4}),
		}
		if _, err := q.Chord(ctx, header, Must("record", nil)); err != nil {
			t.Fatalf("Chord: %v", err)
		}
		if _, err := w.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		got := rec.values()
		if len(got) != 1 {
			t.Fatalf("callback ran %d times, want 1", len(got))
		}
		if got[0] != "[1,null,null,4]" {
			t.Errorf("callback input = %s, want [1,null,null,4]", got[0])
		}
	})
}

func TestChordEmptyHeader(t *testing.T) {
	brokers(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		q, w, rec := newTestWorker(b)

		if _, err := q.Chord(ctx, nil, Must("record", nil)); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		got := rec.values()
		if len(got) != 1 || got[0] != "[]" {
			t.Errorf("recorded %v, want [[]]", got)
		}
	})
}

// stopping registers a task that cancels the worker context before it
// returns, as a shutdown signal arriving mid-task would.
func stopping(w *Worker) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	w.Handle("stop", func(context.Context, *Message) (interface{}, error) {
		cancel()
		return 7, nil
	})
	return ctx, cancel
}

func TestContinuationSurvivesShutdown(t *testing.T) {
	brokers(t, func(t *testing.T, b Broker) {
		bg := context.Background()
		q, w, rec := newTestWorker(b)
		ctx, cancel := stopping(w)
		defer cancel()

		if _, err := q.Chain(bg, Must("stop", nil), Must("record", nil)); err != nil {
			t.Fatal(err)
		}
		msg, err := b.Pop(bg, 0)
		if err != nil || msg == nil {
			t.Fatalf("Pop = %v, %v", msg, err)
		}
		w.Process(ctx, msg)

		if n, err := b.Len(bg); err != nil || n != 1 {
			t.Fatalf("Len = %d, %v, want the continuation queued", n, err)
		}
		if _, err := w.Drain(bg); err != nil {
			t.Fatal(err)
		}
		if got := rec.values(); len(got) != 1 || got[0] != "7" {
			t.Errorf("recorded %v, want [7]", got)
		}
	})
}

func TestChordArrivalSurvivesShutdown(t *testing.T) {
	brokers(t, func(t *testing.T, b Broker) {
		bg := context.Background()
		q, w, rec := newTestWorker(b)
		ctx, cancel := stopping(w)
		defer cancel()

		if _, err := q.Chord(bg, []Signature{Must("stop", nil)}, Must("record", nil)); err != nil {
			t.Fatal(err)
		}
		msg, err := b.Pop(bg, 0)
		if err != nil || msg == nil {
			t.Fatalf("Pop = %v, %v", msg, err)
		}
		w.Process(ctx, msg)

		if n, err := b.Len(bg); err != nil || n != 1 {
			t.Fatalf("Len = %d, %v, want the callback queued", n, err)
		}
		if _, err := w.Drain(bg); err != nil {
			t.Fatal(err)
		}
		if got := rec.values(); len(got) != 1 || got[0] != "[7]" {
			t.Errorf("recorded %v, want [[7]]", got)
		}
	})
}

func TestChordNeedsCallback(t *testing.T) {
	q := New(NewMemory())
	if _, err := q.Chord(context.Background(), []Signature{Must("echo", nil)}); err == nil {
		t.Error("expected error for chord without callback")
	}
}

func TestUnknownTaskIsDropped(t *testing.T) {
	brokers(t, func(t *testing.T, b Broker) {
		ctx := context.Background()
		q, w, rec := newTestWorker(b)

		if _, err := q.Chain(ctx, Must("nope", nil), Must("record", nil)); err != nil {
			t.Fatal(err)
		}
		n, err := w.Drain(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("processed %d, want 1", n)
		}
		if len(rec.values()) != 0 {
			t.Error("continuation of unknown task ran")
		}
		left, err := b.Len(ctx)
		if err != nil || left != 0 {
			t.Errorf("Len = %d, %v", left, err)
		}
	})
}

func TestPopEmpty(t *testing.T) {
	brokers(t, func(t *testing.T, b Broker) {
		msg, err := b.Pop(context.Background(), 0)
		if err != nil || msg != nil {
			t.Errorf("Pop = %v, %v; want nil, nil", msg, err)
		}
	})
}

func TestMemoryPopWaitsForPush(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	done := make(chan *Message, 1)
	go func() {
		msg, _ := b.Pop(ctx, 5*time.Second)
		done <- msg
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.Push(ctx, &Message{ID: "1", Name: "x"}); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-done:
		if msg == nil || msg.ID != "1" {
			t.Errorf("msg = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake on Push")
	}
}

func TestMemoryPopHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory().Pop(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestArriveIndexOutOfRange(t *testing.T) {
	brokers(t, func(t *testing.T, b Broker) {
		_, _, err := b.Arrive(context.Background(), "c", 3, 3, json.RawMessage("1"))
		if err == nil {
			t.Error("expected range error")
		}
	})
}

func TestDecodeInputWithoutInput(t *testing.T) {
	msg := &Message{Name: "x", Input: json.RawMessage("null")}
	var v int
	if err := msg.DecodeInput(&v); !errors.Is(err, ErrNoInput) {
		t.Errorf("err = %v, want ErrNoInput", err)
	}
}

func TestWorkerRun(t *testing.T) {
	b := NewMemory()
	q := New(b)
	w := NewWorker(q, 3, nil)

	var mu sync.Mutex
	count := 0
	all := make(chan struct{})
	w.Handle("tick", func(ctx context.Context, msg *Message) (interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		count++
		if count == 5 {
			close(all)
		}
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	for i := 0; i < 5; i++ {
		if _, err := q.Apply(context.Background(), Must("tick", nil)); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not all run")
	}
	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
