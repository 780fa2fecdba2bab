package router

import (
	"errors"
	"testing"
	"time"

	"github.com/rickgao/exchange-stream/internal/integrity"
)

func env(category, id string) integrity.Envelope {
	return integrity.Envelope{ID: id, Category: category, Payload: []byte(`{}`)}
}

func TestDispatcher_CategoryThenCatchAll(t *testing.T) {
	d := NewDispatcher(DefaultRouterConfig(), nil)

	var calls []string
	d.OnAll(func(e integrity.Envelope) error {
		calls = append(calls, "all:"+e.ID)
		return nil
	})
	d.On("prices", func(e integrity.Envelope) error {
		calls = append(calls, "prices:"+e.ID)
		return nil
	})
	d.On("news", func(e integrity.Envelope) error {
		calls = append(calls, "news:"+e.ID)
		return nil
	})

	if err := d.Emit("prices", env("prices", "1")); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	want := []string{"prices:1", "all:1"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestDispatcher_FailuresDoNotStopSiblings(t *testing.T) {
	d := NewDispatcher(DefaultRouterConfig(), nil)

	errBoom := errors.New("boom")
	ran := 0
	d.On("prices", func(integrity.Envelope) error { return errBoom })
	d.On("prices", func(integrity.Envelope) error { panic("bad handler") })
	d.On("prices", func(integrity.Envelope) error { ran++; return nil })

	err := d.Emit("prices", env("prices", "1"))
	if !errors.Is(err, errBoom) {
		t.Errorf("Emit error = %v, want errBoom", err)
	}
	if !errors.Is(err, ErrHandlerPanic) {
		t.Errorf("Emit error = %v, want ErrHandlerPanic", err)
	}
	if ran != 1 {
		t.Errorf("healthy handler ran %d times, want 1", ran)
	}

	stats := d.Stats()
	if stats.HandlerErrors != 2 {
		t.Errorf("HandlerErrors = %d, want 2", stats.HandlerErrors)
	}
	if stats.Panics != 1 {
		t.Errorf("Panics = %d, want 1", stats.Panics)
	}
	if stats.Emitted != 1 {
		t.Errorf("Emitted = %d, want 1", stats.Emitted)
	}
}

func TestDispatcher_Streams(t *testing.T) {
	d := NewDispatcher(DefaultRouterConfig(), nil)

	prices := d.Stream("prices")
	all := d.Stream(AllCategories)
	if d.Stream("prices") != prices {
		t.Error("Stream should return the same buffer for a category")
	}

	d.Emit("prices", env("prices", "1"))
	d.Emit("news", env("news", "2"))

	if prices.Len() != 1 {
		t.Errorf("prices stream Len() = %d, want 1", prices.Len())
	}
	if all.Len() != 2 {
		t.Errorf("all stream Len() = %d, want 2", all.Len())
	}

	got, ok := prices.TryReceive()
	if !ok || got.ID != "1" {
		t.Errorf("prices stream item = %q, %v; want 1, true", got.ID, ok)
	}
}

func TestDispatcher_FailedEnvelopeSkipsStreams(t *testing.T) {
	d := NewDispatcher(DefaultRouterConfig(), nil)
	stream := d.Stream("prices")

	fail := true
	d.On("prices", func(integrity.Envelope) error {
		if fail {
			return errors.New("not yet")
		}
		return nil
	})

	if err := d.Emit("prices", env("prices", "1")); err == nil {
		t.Fatal("expected error from failing handler")
	}
	if stream.Len() != 0 {
		t.Errorf("stream Len() = %d after failed emit, want 0", stream.Len())
	}

	fail = false
	if err := d.Emit("prices", env("prices", "1")); err != nil {
		t.Fatalf("retry Emit failed: %v", err)
	}
	if stream.Len() != 1 {
		t.Errorf("stream Len() = %d after retry, want 1", stream.Len())
	}
}

func TestDispatcher_RetryRunsOnlyFailedHandlers(t *testing.T) {
	d := NewDispatcher(DefaultRouterConfig(), nil)

	var prices, all int
	d.On("prices", func(integrity.Envelope) error {
		prices++
		return nil
	})
	d.OnAll(func(integrity.Envelope) error {
		all++
		if all < 3 {
			return errors.New("sink down")
		}
		return nil
	})

	e := env("prices", "1")
	for i := 0; i < 2; i++ {
		if err := d.Emit("prices", e); err == nil {
			t.Fatalf("Emit #%d succeeded, want error", i+1)
		}
	}
	if d.Stats().AwaitingRetry != 1 {
		t.Errorf("AwaitingRetry = %d, want 1", d.Stats().AwaitingRetry)
	}
	if err := d.Emit("prices", e); err != nil {
		t.Fatalf("third Emit failed: %v", err)
	}

	if prices != 1 {
		t.Errorf("succeeding handler ran %d times, want 1", prices)
	}
	if all != 3 {
		t.Errorf("failing handler ran %d times, want 3", all)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after delivery, want 0", d.Pending())
	}
}

func TestDispatcher_RetriedThroughSetReachesEachHandlerOnce(t *testing.T) {
	d := NewDispatcher(DefaultRouterConfig(), nil)
	stream := d.Stream("prices")

	var prices, all int
	d.On("prices", func(integrity.Envelope) error {
		prices++
		return nil
	})
	d.OnAll(func(integrity.Envelope) error {
		all++
		if all <= 2 {
			return errors.New("sink down")
		}
		return nil
	})

	set := integrity.NewSet(integrity.DefaultConfig(), d, d, nil)
	if err := set.Enqueue(env("prices", "px-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for tick := 0; tick < 3; tick++ {
		set.DrainOnce()
	}

	if prices != 1 {
		t.Errorf("prices handler ran %d times, want 1", prices)
	}
	if all != 3 {
		t.Errorf("catch-all handler ran %d times, want 3", all)
	}
	if stream.Len() != 1 {
		t.Errorf("stream Len() = %d, want 1", stream.Len())
	}
	if set.Stats().Dispatched != 1 {
		t.Errorf("Dispatched = %d, want 1", set.Stats().Dispatched)
	}
}

func TestDispatcher_DeadLetterForgetsProgress(t *testing.T) {
	d := NewDispatcher(DefaultRouterConfig(), nil)
	d.On("prices", func(integrity.Envelope) error { return nil })
	d.On("prices", func(integrity.Envelope) error { return errors.New("always") })

	e := env("prices", "1")
	d.Emit("prices", e)
	if d.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", d.Pending())
	}

	d.Record(integrity.Diagnostic{Kind: integrity.KindRetry, Category: "prices", Envelope: e})
	if d.Pending() != 1 {
		t.Errorf("Pending() = %d after retry diagnostic, want 1", d.Pending())
	}

	d.Record(integrity.Diagnostic{Kind: integrity.KindDeadLetter, Category: "prices", Envelope: e})
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after dead letter, want 0", d.Pending())
	}
}

func TestDispatcher_ExpiredProgressIsPruned(t *testing.T) {
	d := NewDispatcher(DefaultRouterConfig(), nil)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	d.On("prices", func(integrity.Envelope) error { return nil })
	d.On("prices", func(integrity.Envelope) error { return errors.New("always") })

	old := env("prices", "old")
	old.TimeoutAt = now.Add(time.Second)
	d.Emit("prices", old)

	now = now.Add(2 * time.Second)
	d.Emit("prices", env("prices", "new"))

	if d.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1 (expired entry pruned)", d.Pending())
	}
}

func TestDispatcher_CloseClosesStreams(t *testing.T) {
	d := NewDispatcher(DefaultRouterConfig(), nil)
	before := d.Stream("prices")

	d.Close()

	if before.Send(env("prices", "1")) {
		t.Error("Send on a stream should fail after Close")
	}
	after := d.Stream("news")
	if after.Send(env("news", "2")) {
		t.Error("stream created after Close should be closed")
	}
}

func TestDispatcher_NoHandlers(t *testing.T) {
	d := NewDispatcher(DefaultRouterConfig(), nil)
	if err := d.Emit("prices", env("prices", "1")); err != nil {
		t.Errorf("Emit with no handlers = %v, want nil", err)
	}
}
