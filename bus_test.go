package keel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testBus(t *testing.T, opts ...BusOption) *InMemoryBus {
	t.Helper()
	b := NewInMemoryBus(DefaultQueueConfig(), opts...)
	t.Cleanup(b.Close)
	return b
}

func drainUntil(t *testing.T, b *InMemoryBus, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := b.Drain(context.Background()); err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if done() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestBusEmitAndDispatch(t *testing.T) {
	b := testBus(t)

	var mu sync.Mutex
	var got []Event
	b.RegisterHandler("order.created", func(ctx context.Context, ev Event) (map[string]any, error) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil, nil
	})

	res := b.EmitAsync(context.Background(), "order.created", map[string]any{"sku": "A1"}, EmitOptions{})
	if !res.Success {
		t.Fatalf("EmitAsync: %v", res.Err)
	}
	if _, err := b.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ID != res.EventID || got[0].Data["sku"] != "A1" {
		t.Fatalf("delivered = %+v", got)
	}
}

func TestBusPrefixPatternMatching(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()

	var exact, prefixed atomic.Int32
	b.RegisterHandler("tool.completed", func(ctx context.Context, ev Event) (map[string]any, error) {
		exact.Add(1)
		return nil, nil
	})
	b.RegisterHandler("tool.*", func(ctx context.Context, ev Event) (map[string]any, error) {
		prefixed.Add(1)
		return nil, nil
	})

	b.EmitAsync(ctx, "tool.completed", nil, EmitOptions{})
	b.EmitAsync(ctx, "tool.failed", nil, EmitOptions{})
	b.EmitAsync(ctx, "toolbox.opened", nil, EmitOptions{})
	if _, err := b.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if exact.Load() != 1 {
		t.Errorf("exact handler calls = %d, want 1", exact.Load())
	}
	if prefixed.Load() != 2 {
		t.Errorf("prefix handler calls = %d, want 2 (tool.* must not match toolbox.*)", prefixed.Load())
	}
}

func TestBusRuntimeEvents(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()

	var processed, failed atomic.Int32
	b.RegisterHandler(EventProcessed, func(ctx context.Context, ev Event) (map[string]any, error) {
		processed.Add(1)
		return nil, nil
	})
	b.RegisterHandler(EventFailed, func(ctx context.Context, ev Event) (map[string]any, error) {
		failed.Add(1)
		return nil, nil
	})
	b.RegisterHandler("job.ok", func(ctx context.Context, ev Event) (map[string]any, error) {
		return nil, nil
	})
	b.RegisterHandler("job.bad", func(ctx context.Context, ev Event) (map[string]any, error) {
		return nil, errors.New("handler boom")
	})

	b.EmitAsync(ctx, "job.ok", nil, EmitOptions{})
	b.EmitAsync(ctx, "job.bad", nil, EmitOptions{})

	// Runtime reports are enqueued during dispatch and drained on the
	// following passes; the failing event also burns its retry there.
	drainUntil(t, b, func() bool {
		return processed.Load() >= 1 && failed.Load() >= 1
	})
}

func TestBusRetryThenDeadLetter(t *testing.T) {
	dlqCfg := DefaultDLQConfig()
	dlqCfg.EnableAutoCleanup = false
	dlqCfg.EnablePersistence = false
	dlq := NewDeadLetterQueue(dlqCfg)
	t.Cleanup(dlq.Close)

	b := testBus(t, WithBusDLQ(dlq))
	ctx := context.Background()

	var deliveries atomic.Int32
	b.RegisterHandler("billing.charge", func(ctx context.Context, ev Event) (map[string]any, error) {
		deliveries.Add(1)
		return nil, errors.New("gateway timeout")
	})

	res := b.EmitAsync(ctx, "billing.charge", map[string]any{"amount": 10}, EmitOptions{})
	if !res.Success {
		t.Fatalf("EmitAsync: %v", res.Err)
	}

	drainUntil(t, b, func() bool { return dlq.Size() == 1 })

	if got := deliveries.Load(); got != 2 {
		t.Errorf("deliveries = %d, want 2 (original plus one retry)", got)
	}
	item, ok := dlq.Get(res.EventID)
	if !ok {
		t.Fatal("exhausted event not in dlq")
	}
	if item.Attempts != busMaxAttempts {
		t.Errorf("attempts = %d, want %d", item.Attempts, busMaxAttempts)
	}
	if item.ProcessingContext.HandlerName != "bus" {
		t.Errorf("processing context = %+v", item.ProcessingContext)
	}
	if !item.hasTag("error:timeout") {
		t.Errorf("tags = %v, want error:timeout", item.Tags)
	}
}

func TestBusRequestRoundTrip(t *testing.T) {
	b := testBus(t)

	b.RegisterHandler("math.add", func(ctx context.Context, ev Event) (map[string]any, error) {
		a, _ := ev.Data["a"].(int)
		bb, _ := ev.Data["b"].(int)
		b.EmitAsync(ctx, "math.add.result", map[string]any{"sum": a + bb}, EmitOptions{
			CorrelationID: ev.MetaString(MetaCorrelationID),
		})
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := b.Request(ctx, "math.add", "math.add.result", map[string]any{"a": 2, "b": 3}, EmitOptions{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp["sum"] != 5 {
		t.Errorf("sum = %v, want 5", resp["sum"])
	}
}

func TestBusRequestTimeout(t *testing.T) {
	b := testBus(t)
	// No responder registered for the request type.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := b.Request(ctx, "void.call", "void.reply", nil, EmitOptions{})
	if err == nil {
		t.Fatal("request with no responder should time out")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestBusNackRedelivers(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()

	var deliveries atomic.Int32
	b.RegisterHandler("sync.pull", func(ctx context.Context, ev Event) (map[string]any, error) {
		if deliveries.Add(1) == 1 {
			b.Nack(ev.ID, errors.New("replica not ready"))
		}
		return nil, nil
	})

	b.EmitAsync(ctx, "sync.pull", nil, EmitOptions{})
	drainUntil(t, b, func() bool { return deliveries.Load() >= 2 })
}

func TestBusEventCount(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()

	b.EmitAsync(ctx, "a.1", nil, EmitOptions{})
	b.Emit(ctx, NewEvent("a.2", nil))
	if got := b.EventCount(); got != 2 {
		t.Errorf("EventCount = %d, want 2", got)
	}
}

func TestBusEmitRejectedSurfaces(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.MaxQueueDepth = 1
	b := NewInMemoryBus(cfg)
	t.Cleanup(b.Close)
	ctx := context.Background()

	if res := b.EmitAsync(ctx, "a.1", nil, EmitOptions{}); !res.Success {
		t.Fatalf("first emit: %v", res.Err)
	}
	res := b.EmitAsync(ctx, "a.2", nil, EmitOptions{})
	if res.Success {
		t.Fatal("emit past depth limit should fail")
	}
	var rejected *ErrQueueRejected
	if !errors.As(res.Err, &rejected) {
		t.Errorf("err = %T, want *ErrQueueRejected", res.Err)
	}
}
