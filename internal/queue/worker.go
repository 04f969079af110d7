package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"smebot-go/internal/logging"
	"smebot-go/internal/metrics"
	"smebot-go/internal/tracing"
)

// worker drains the pending channel until ctx is cancelled.
func (q *MessageQueue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	logger := q.logger.With("worker_id", id)
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped")
			return
		case task := <-q.pending:
			q.process(ctx, logger, task)
		}
	}
}

func (q *MessageQueue) process(ctx context.Context, logger *slog.Logger, task *Task) {
	if !q.claim(task) {
		return
	}
	logger = logger.With("task_id", task.ID, "task_type", task.Type, "user_id", task.UserID)

	var (
		result any
		err    error
	)
	handler, ok := q.handler(task.Type)
	if ok {
		logger.Info("worker processing task", "attempt", task.RetryCount+1)
		start := time.Now()
		result, err = q.execute(logging.WithLogger(ctx, logger), handler, task)
		elapsed := time.Since(start)
		metrics.TaskDurationSeconds.WithLabelValues(task.Type).Observe(elapsed.Seconds())
		if err == nil {
			logger.Info("task processed successfully", "duration", elapsed)
			q.complete(task, result)
			return
		}
	} else {
		logger.Warn("no handler for task type")
		err = fmt.Errorf("%w for task type: %s", ErrNoHandler, task.Type)
	}

	if errors.Is(err, ErrQueueStopped) {
		logger.Warn("task dropped at shutdown", "err", err)
		q.drop(task)
		return
	}
	if ok {
		q.recordError(task, err)
	}
	if !q.cfg.Retry.ShouldRetry(task, err) {
		reason := ""
		if !ok {
			reason = err.Error()
		}
		q.fail(task, reason)
		return
	}

	delay := q.cfg.Retry.Backoff(task.RetryCount)
	logger.Warn("task failed, scheduling retry",
		"retry_count", task.RetryCount,
		"max_retries", task.MaxRetries,
		"backoff", delay,
		"error", err)
	q.scheduleRetry(task, delay)
}

// execute runs h under the task timeout on an executor slot. The slot is
// held until the handler goroutine returns, even after a timeout.
func (q *MessageQueue) execute(ctx context.Context, h Handler, task *Task) (any, error) {
	if err := q.exec.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueStopped, err)
	}

	q.mu.Lock()
	snapshot := task.Clone()
	q.mu.Unlock()

	spanCtx, span := tracing.TaskSpan(ctx, snapshot.Type, snapshot.ID, snapshot.RetryCount+1)
	execCtx, cancel := context.WithTimeout(spanCtx, q.cfg.TaskTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer q.exec.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrTaskPanicked, r)}
			}
		}()
		result, err := h(execCtx, &snapshot)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
		switch {
		case out.err == nil:
		case ctx.Err() != nil:
			out.err = fmt.Errorf("%w: %v", ErrQueueStopped, out.err)
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			out.err = fmt.Errorf("%w after %s: %v", ErrTaskTimeout, q.cfg.TaskTimeout, out.err)
		}
	case <-execCtx.Done():
		if ctx.Err() != nil {
			out.err = fmt.Errorf("%w: %v", ErrQueueStopped, ctx.Err())
		} else {
			out.err = fmt.Errorf("%w after %s", ErrTaskTimeout, q.cfg.TaskTimeout)
		}
	}

	tracing.EndSpan(span, out.err)
	return out.result, out.err
}
