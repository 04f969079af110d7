package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{
		Workers:     2,
		QueueSize:   16,
		TaskTimeout: time.Second,
		Retry: RetryPolicy{
			MaxRetries:  3,
			BackoffBase: 5 * time.Millisecond,
			BackoffMax:  20 * time.Millisecond,
		},
	}
}

func startQueue(t *testing.T, cfg Config, opts ...Option) *MessageQueue {
	t.Helper()
	q := New(cfg, testLogger(), opts...)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func waitForStatus(t *testing.T, q *MessageQueue, id string, want TaskStatus) Task {
	t.Helper()
	var task Task
	require.Eventually(t, func() bool {
		var ok bool
		task, ok = q.TaskStatus(id)
		return ok && task.Status == want
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return task
}

func TestDefaultConfig(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 4, cfg.ExecutorSize)
	assert.Equal(t, 1000, cfg.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.TaskTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
	assert.Equal(t, "@every 1h", cfg.CleanupSchedule)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestTextTaskCompletes(t *testing.T) {
	q := startQueue(t, fastConfig())
	q.RegisterHandler(TypeTextProcessing, func(ctx context.Context, task *Task) (any, error) {
		if task.String(KeyUserMessage) != "hi" {
			return nil, errors.New("unexpected message")
		}
		return "pong", nil
	})

	id, err := q.EnqueueTextProcessing("U1", "hi", "reply-token", nil)
	require.NoError(t, err)

	task := waitForStatus(t, q, id, StatusCompleted)
	assert.Equal(t, "pong", task.Result)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, "reply-token", task.ReplyToken)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.CompletedAt)
	assert.False(t, task.CompletedAt.Before(*task.StartedAt))
}

func TestUnknownTaskTypeFailsImmediately(t *testing.T) {
	q := startQueue(t, fastConfig())

	id, err := q.Enqueue(NewTask("unknown_type", "U1", nil))
	require.NoError(t, err)

	task := waitForStatus(t, q, id, StatusFailed)
	assert.Contains(t, task.Error, "No handler registered")
	assert.Contains(t, task.Error, "unknown_type")
	assert.Equal(t, 0, task.RetryCount)
}

func TestAlwaysFailingTaskExhaustsRetries(t *testing.T) {
	q := startQueue(t, fastConfig())

	var attempts atomic.Int32
	q.RegisterHandler("flaky", func(ctx context.Context, task *Task) (any, error) {
		attempts.Add(1)
		return nil, errors.New("connection reset")
	})

	id, err := q.Enqueue(NewTask("flaky", "U1", nil))
	require.NoError(t, err)

	task := waitForStatus(t, q, id, StatusFailed)
	assert.Equal(t, task.MaxRetries, task.RetryCount)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Contains(t, task.Error, "attempt 3: connection reset")

	stats := q.Stats()
	assert.Equal(t, int64(2), stats.TotalRetried)
	assert.Equal(t, int64(1), stats.TotalFailed)
	assert.Equal(t, 1, stats.Failed)
}

func TestTimeoutIsNotRetried(t *testing.T) {
	cfg := fastConfig()
	cfg.TaskTimeout = 30 * time.Millisecond
	q := startQueue(t, cfg)

	var attempts atomic.Int32
	q.RegisterHandler("slow", func(ctx context.Context, task *Task) (any, error) {
		attempts.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, err := q.Enqueue(NewTask("slow", "U1", nil))
	require.NoError(t, err)

	task := waitForStatus(t, q, id, StatusFailed)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, 1, task.RetryCount)
	assert.Contains(t, task.Error, "timed out")
}

func TestSucceedsOnSecondAttempt(t *testing.T) {
	q := startQueue(t, fastConfig())

	var attempts atomic.Int32
	q.RegisterHandler("second", func(ctx context.Context, task *Task) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("temporary")
		}
		return "ok", nil
	})

	id, err := q.Enqueue(NewTask("second", "U1", nil))
	require.NoError(t, err)

	task := waitForStatus(t, q, id, StatusCompleted)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "ok", task.Result)
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	q := startQueue(t, fastConfig())
	q.RegisterHandler("boom", func(ctx context.Context, task *Task) (any, error) {
		panic("kaboom")
	})
	q.RegisterHandler("fine", func(ctx context.Context, task *Task) (any, error) {
		return "fine", nil
	})

	bad := NewTask("boom", "U1", nil)
	bad.MaxRetries = 1
	badID, err := q.Enqueue(bad)
	require.NoError(t, err)
	goodID, err := q.Enqueue(NewTask("fine", "U1", nil))
	require.NoError(t, err)

	failed := waitForStatus(t, q, badID, StatusFailed)
	assert.Contains(t, failed.Error, "kaboom")
	waitForStatus(t, q, goodID, StatusCompleted)
}

func TestFailureHookReceivesSnapshot(t *testing.T) {
	var mu sync.Mutex
	var got []Task
	q := startQueue(t, fastConfig(), WithFailureHook(func(task Task) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, task)
	}))

	id, err := q.Enqueue(NewTask("missing", "U9", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, StatusFailed, got[0].Status)
	assert.Equal(t, "U9", got[0].UserID)
}

func TestEnqueueQueueFull(t *testing.T) {
	q := New(Config{QueueSize: 1}, testLogger())

	_, err := q.Enqueue(NewTask(TypeFollow, "U1", nil))
	require.NoError(t, err)

	_, err = q.Enqueue(NewTask(TypeFollow, "U1", nil))
	assert.ErrorIs(t, err, ErrQueueFull)

	stats := q.Stats()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, int64(1), stats.TotalEnqueued)
}

func TestEnqueueAfterStop(t *testing.T) {
	q := New(fastConfig(), testLogger())
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Stop(context.Background()))

	_, err := q.Enqueue(NewTask(TypeFollow, "U1", nil))
	assert.ErrorIs(t, err, ErrQueueStopped)
	assert.False(t, q.Stats().Running)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	q := New(Config{CleanupSchedule: "not a schedule"}, testLogger())
	assert.Error(t, q.Start(context.Background()))
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	q := New(fastConfig(), testLogger())

	task := NewTask(TypeTextProcessing, "U1", nil)
	id, err := q.Enqueue(task)
	require.NoError(t, err)

	assert.NotEmpty(t, id)
	assert.Equal(t, 3, task.MaxRetries)
	assert.Equal(t, StatusPending, task.Status)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestUserTasksReturnsCopies(t *testing.T) {
	q := New(fastConfig(), testLogger())

	first, err := q.EnqueueTextProcessing("U1", "one", "", nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := q.EnqueueCommand("U1", "/help", "")
	require.NoError(t, err)
	_, err = q.EnqueueFollow("U2", "")
	require.NoError(t, err)

	tasks := q.UserTasks("U1")
	require.Len(t, tasks, 2)
	assert.Equal(t, first, tasks[0].ID)
	assert.Equal(t, second, tasks[1].ID)
	assert.Equal(t, PriorityHigh, tasks[1].Priority)

	tasks[0].Payload[KeyUserMessage] = "mutated"
	again, ok := q.TaskStatus(first)
	require.True(t, ok)
	assert.Equal(t, "one", again.String(KeyUserMessage))
}

func TestTaskStatusUnknown(t *testing.T) {
	q := New(fastConfig(), testLogger())
	_, ok := q.TaskStatus("nope")
	assert.False(t, ok)
}

func TestCleanupRemovesExpiredTasks(t *testing.T) {
	q := startQueue(t, fastConfig())
	q.RegisterHandler("done", func(ctx context.Context, task *Task) (any, error) {
		return nil, nil
	})

	var hookCalls atomic.Int32
	q.AddCleanupHook(func() { hookCalls.Add(1) })

	id, err := q.Enqueue(NewTask("done", "U1", nil))
	require.NoError(t, err)
	waitForStatus(t, q, id, StatusCompleted)

	assert.Equal(t, 0, q.Cleanup(time.Now()))
	assert.Equal(t, 1, q.Cleanup(time.Now().Add(25*time.Hour)))
	assert.Equal(t, int32(2), hookCalls.Load())

	_, ok := q.TaskStatus(id)
	assert.False(t, ok)
}

func TestExecutorSlotHeldUntilHandlerReturns(t *testing.T) {
	cfg := fastConfig()
	cfg.ExecutorSize = 1
	cfg.TaskTimeout = 20 * time.Millisecond
	q := startQueue(t, cfg)

	release := make(chan struct{})
	var releasedAt atomic.Int64
	q.RegisterHandler("stubborn", func(ctx context.Context, task *Task) (any, error) {
		<-release
		releasedAt.Store(time.Now().UnixNano())
		return nil, nil
	})
	var startedAt atomic.Int64
	q.RegisterHandler("quick", func(ctx context.Context, task *Task) (any, error) {
		startedAt.Store(time.Now().UnixNano())
		return nil, nil
	})

	stubborn, err := q.Enqueue(NewTask("stubborn", "U1", nil))
	require.NoError(t, err)
	waitForStatus(t, q, stubborn, StatusFailed)

	quick, err := q.Enqueue(NewTask("quick", "U1", nil))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, startedAt.Load(), "quick task ran while the executor slot was held")

	close(release)
	waitForStatus(t, q, quick, StatusCompleted)
	assert.GreaterOrEqual(t, startedAt.Load(), releasedAt.Load())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusProcessing))
	assert.True(t, CanTransition(StatusProcessing, StatusRetrying))
	assert.True(t, CanTransition(StatusRetrying, StatusPending))
	assert.False(t, CanTransition(StatusCompleted, StatusPending))
	assert.False(t, CanTransition(StatusFailed, StatusProcessing))
	assert.False(t, CanTransition(StatusPending, StatusCompleted))
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRetrying.Terminal())
}

func TestZeroMaxRetries(t *testing.T) {
	t.Run("queue wide", func(t *testing.T) {
		cfg := fastConfig()
		cfg.Retry.MaxRetries = 0
		q := startQueue(t, cfg)

		var attempts atomic.Int32
		q.RegisterHandler("flaky", func(ctx context.Context, task *Task) (any, error) {
			attempts.Add(1)
			return nil, errors.New("connection reset")
		})

		id, err := q.Enqueue(NewTask("flaky", "U1", nil))
		require.NoError(t, err)

		task := waitForStatus(t, q, id, StatusFailed)
		assert.Equal(t, 0, task.MaxRetries)
		assert.Equal(t, int32(1), attempts.Load())
		assert.Zero(t, q.Stats().TotalRetried)
	})

	t.Run("per task", func(t *testing.T) {
		q := startQueue(t, fastConfig())

		var attempts atomic.Int32
		q.RegisterHandler("flaky", func(ctx context.Context, task *Task) (any, error) {
			attempts.Add(1)
			return nil, errors.New("connection reset")
		})

		task := NewTask("flaky", "U1", nil)
		task.MaxRetries = 0
		id, err := q.Enqueue(task)
		require.NoError(t, err)

		waitForStatus(t, q, id, StatusFailed)
		assert.Equal(t, int32(1), attempts.Load())
	})
}

func TestRetriedTaskGoesToTail(t *testing.T) {
	cfg := fastConfig()
	cfg.Workers = 1
	q := New(cfg, testLogger())

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	var flakyCalls atomic.Int32
	q.RegisterHandler("flaky", func(ctx context.Context, task *Task) (any, error) {
		record("A")
		if flakyCalls.Add(1) == 1 {
			return nil, errors.New("temporary")
		}
		return nil, nil
	})
	q.RegisterHandler("slow", func(ctx context.Context, task *Task) (any, error) {
		record("B")
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})
	q.RegisterHandler("quick", func(ctx context.Context, task *Task) (any, error) {
		record("C")
		return nil, nil
	})

	a, err := q.Enqueue(NewTask("flaky", "U1", nil))
	require.NoError(t, err)
	_, err = q.Enqueue(NewTask("slow", "U2", nil))
	require.NoError(t, err)
	_, err = q.Enqueue(NewTask("quick", "U3", nil))
	require.NoError(t, err)

	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })

	waitForStatus(t, q, a, StatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C", "A"}, order)
}

func TestStopDropsQueuedWork(t *testing.T) {
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.Retry.BackoffBase = 200 * time.Millisecond
	cfg.Retry.BackoffMax = time.Second

	var hookCalls atomic.Int32
	q := New(cfg, testLogger(), WithFailureHook(func(Task) { hookCalls.Add(1) }))
	require.NoError(t, q.Start(context.Background()))

	var retryAttempts, counted atomic.Int32
	started := make(chan struct{})
	q.RegisterHandler("retry", func(ctx context.Context, task *Task) (any, error) {
		retryAttempts.Add(1)
		return nil, errors.New("temporary")
	})
	q.RegisterHandler("block", func(ctx context.Context, task *Task) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q.RegisterHandler("count", func(ctx context.Context, task *Task) (any, error) {
		counted.Add(1)
		return nil, nil
	})

	retryID, err := q.Enqueue(NewTask("retry", "U1", nil))
	require.NoError(t, err)
	waitForStatus(t, q, retryID, StatusRetrying)

	blockID, err := q.Enqueue(NewTask("block", "U1", nil))
	require.NoError(t, err)
	<-started

	queuedID, err := q.Enqueue(NewTask("count", "U1", nil))
	require.NoError(t, err)
	_, err = q.Enqueue(NewTask("count", "U1", nil))
	require.NoError(t, err)

	require.NoError(t, q.Stop(context.Background()))
	time.Sleep(600 * time.Millisecond)

	assert.Zero(t, counted.Load(), "queued task ran after Stop")
	assert.Equal(t, int32(1), retryAttempts.Load(), "retry timer fired after Stop")
	assert.Zero(t, hookCalls.Load(), "failure hook fired for dropped work")

	retrying, ok := q.TaskStatus(retryID)
	require.True(t, ok)
	assert.Equal(t, StatusRetrying, retrying.Status)

	queued, ok := q.TaskStatus(queuedID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, queued.Status)

	_, ok = q.TaskStatus(blockID)
	assert.False(t, ok, "interrupted task should be dropped, not failed")

	stats := q.Stats()
	assert.Equal(t, int64(4), stats.TotalDropped)
	assert.Zero(t, stats.TotalFailed)
	assert.Zero(t, stats.Processing)
}

func TestDrainWaitsForQueuedTasks(t *testing.T) {
	q := startQueue(t, fastConfig())
	q.RegisterHandler("work", func(ctx context.Context, task *Task) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "done", nil
	})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(NewTask("work", "U1", nil))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))

	for _, id := range ids {
		task, ok := q.TaskStatus(id)
		require.True(t, ok)
		assert.Equal(t, StatusCompleted, task.Status)
	}
}

func TestDrainGivesUpAtDeadline(t *testing.T) {
	q := startQueue(t, fastConfig())
	release := make(chan struct{})
	defer close(release)
	q.RegisterHandler("stuck", func(ctx context.Context, task *Task) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})

	_, err := q.Enqueue(NewTask("stuck", "U1", nil))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = q.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "1 tasks left")
}
