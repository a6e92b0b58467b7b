package workqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/apperrors"
)

// testTask is a simple task for testing.
type testTask struct {
	BaseTask
	executeFunc func(ctx context.Context, enqueuer TaskEnqueuer) error
}

func newTestTask(name string, fn func(ctx context.Context, enqueuer TaskEnqueuer) error) *testTask {
	return &testTask{
		BaseTask:    NewBaseTask(name),
		executeFunc: fn,
	}
}

func (t *testTask) Execute(ctx context.Context, enqueuer TaskEnqueuer) error {
	if t.executeFunc != nil {
		return t.executeFunc(ctx, enqueuer)
	}
	return nil
}

func TestQueue_EnqueueAndComplete(t *testing.T) {
	q := New(zap.NewNop())

	executed := false
	task := newTestTask("rename-sweep", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		executed = true
		return nil
	})

	q.Enqueue(task)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !executed {
		t.Error("task was not executed")
	}
}

func TestQueue_TaskFailure(t *testing.T) {
	q := New(zap.NewNop(), WithRetryConfig(RetryConfig{MaxRetries: 0}))

	expectedErr := errors.New("task failed")
	task := newTestTask("failing-task", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		return expectedErr
	})

	q.Enqueue(task)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := q.Wait(ctx)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, expectedErr) {
		t.Errorf("expected %v, got %v", expectedErr, err)
	}

	if !q.HasFailures() {
		t.Error("expected HasFailures to return true")
	}
}

func TestQueue_SerializesTasks(t *testing.T) {
	q := New(zap.NewNop())

	var running, maxConcurrent int32
	for i := 0; i < 3; i++ {
		task := newTestTask("serial-task", func(ctx context.Context, enqueuer TaskEnqueuer) error {
			current := atomic.AddInt32(&running, 1)
			for {
				max := atomic.LoadInt32(&maxConcurrent)
				if current <= max || atomic.CompareAndSwapInt32(&maxConcurrent, max, current) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
		q.Enqueue(task)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := atomic.LoadInt32(&maxConcurrent); got != 1 {
		t.Errorf("expected serialized execution, saw %d concurrent tasks", got)
	}
}

func TestQueue_RetriesTransientErrors(t *testing.T) {
	q := New(zap.NewNop(), WithRetryConfig(RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}))

	var attempts int32
	task := newTestTask("flaky-task", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient backend hiccup")
		}
		return nil
	})

	q.Enqueue(task)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestQueue_ValidationErrorsAreNotRetried(t *testing.T) {
	q := New(zap.NewNop(), WithRetryConfig(RetryConfig{
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}))

	var attempts int32
	task := newTestTask("invalid-task", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		atomic.AddInt32(&attempts, 1)
		return apperrors.Validation("field name is reserved")
	})

	q.Enqueue(task)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.Wait(ctx); err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("validation errors must fail fast, got %d attempts", got)
	}
}

func TestQueue_FollowUpTasks(t *testing.T) {
	q := New(zap.NewNop())

	var secondRan atomic.Bool
	first := newTestTask("first-batch", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		enqueuer.Enqueue(newTestTask("second-batch", func(ctx context.Context, enqueuer TaskEnqueuer) error {
			secondRan.Store(true)
			return nil
		}))
		return nil
	})

	q.Enqueue(first)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !secondRan.Load() {
		t.Error("follow-up task did not run")
	}
}

func TestQueue_CancelStopsPendingTasks(t *testing.T) {
	q := New(zap.NewNop())

	started := make(chan struct{})
	release := make(chan struct{})
	var secondRan atomic.Bool

	q.Enqueue(newTestTask("long-task", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	q.Enqueue(newTestTask("never-runs", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		secondRan.Store(true)
		return nil
	}))

	<-started
	q.Cancel()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = q.Wait(ctx)

	if secondRan.Load() {
		t.Error("pending task ran after cancel")
	}
	if q.PendingCount() != 0 {
		t.Errorf("expected no pending tasks, got %d", q.PendingCount())
	}
}
