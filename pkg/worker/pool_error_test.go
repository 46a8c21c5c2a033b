package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noopProcessor(_ context.Context, _ testWork) error { return nil }

func TestSubmit_BeforeStart(t *testing.T) {
	pool := NewPool(2, 10, noopProcessor)

	err := pool.Submit(testWork{id: 1})
	if !errors.Is(err, ErrPoolNotStarted) {
		t.Errorf("Expected ErrPoolNotStarted, got %v", err)
	}
	if err != ErrPoolNotStarted {
		t.Errorf("Expected the bare sentinel, got %v", err)
	}
}

func TestStart_Twice(t *testing.T) {
	pool := NewPool(2, 10, noopProcessor)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop(5 * time.Second)

	if err := pool.Start(context.Background()); !errors.Is(err, ErrPoolAlreadyStarted) {
		t.Errorf("Expected ErrPoolAlreadyStarted, got %v", err)
	}
}

func TestSubmit_AfterStop(t *testing.T) {
	pool := NewPool(2, 10, noopProcessor)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	if err := pool.Stop(5 * time.Second); err != nil {
		t.Fatalf("Failed to stop pool: %v", err)
	}

	if err := pool.Submit(testWork{id: 1}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	block := make(chan struct{})
	processor := func(_ context.Context, _ testWork) error {
		<-block
		return nil
	}

	// One worker and a queue of two, so the fourth submit has nowhere to go.
	pool := NewPool(1, 2, processor)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer func() {
		close(block)
		pool.Stop(5 * time.Second)
	}()

	var full error
	for i := 0; i < 10; i++ {
		if err := pool.Submit(testWork{id: i}); err != nil {
			full = err
			break
		}
	}
	if !errors.Is(full, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", full)
	}
}

func TestStop_Timeout(t *testing.T) {
	processor := func(ctx context.Context, _ testWork) error {
		select {
		case <-time.After(10 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	pool := NewPool(1, 10, processor)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}

	_ = pool.Submit(testWork{id: 1})
	time.Sleep(10 * time.Millisecond)

	if err := pool.Stop(50 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Errorf("Expected ErrStopTimeout, got %v", err)
	}
}

func TestNilProcessor_PanicValue(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Expected panic for nil processor")
		}
		if err, ok := r.(error); !ok || !errors.Is(err, ErrNilProcessor) {
			t.Errorf("Expected panic with ErrNilProcessor, got %v", r)
		}
	}()
	NewPool[testWork](5, 100, nil)
}
