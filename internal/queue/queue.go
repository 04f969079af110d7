package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"smebot-go/internal/metrics"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

const drainPollInterval = 20 * time.Millisecond

// Handler processes one task. It must honour ctx: the context is cancelled
// when the task times out or the queue stops. A returned error triggers the
// retry policy.
type Handler func(ctx context.Context, task *Task) (any, error)

// Config holds the queue settings.
type Config struct {
	Workers         int
	ExecutorSize    int
	QueueSize       int
	TaskTimeout     time.Duration
	Retry           RetryPolicy
	Retention       time.Duration
	CleanupSchedule string
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		ExecutorSize:    4,
		QueueSize:       1000,
		TaskTimeout:     30 * time.Second,
		Retry:           DefaultRetryPolicy(),
		Retention:       24 * time.Hour,
		CleanupSchedule: "@every 1h",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.ExecutorSize <= 0 {
		c.ExecutorSize = c.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = def.TaskTimeout
	}
	switch {
	case c.Retry == (RetryPolicy{}):
		c.Retry = def.Retry
	case c.Retry.MaxRetries < 0:
		c.Retry.MaxRetries = 0
	}
	if c.Retry.BackoffBase <= 0 {
		c.Retry.BackoffBase = def.Retry.BackoffBase
	}
	if c.Retry.BackoffMax <= 0 {
		c.Retry.BackoffMax = def.Retry.BackoffMax
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = def.CleanupSchedule
	}
	return c
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending        int      `json:"pending"`
	Retrying       int      `json:"retrying"`
	Processing     int      `json:"processing"`
	Completed      int      `json:"completed"`
	Failed         int      `json:"failed"`
	TotalEnqueued  int64    `json:"total_enqueued"`
	TotalCompleted int64    `json:"total_completed"`
	TotalFailed    int64    `json:"total_failed"`
	TotalRetried   int64    `json:"total_retried"`
	TotalDropped   int64    `json:"total_dropped"`
	Workers        int      `json:"workers"`
	Running        bool     `json:"running"`
	Handlers       []string `json:"handlers"`
}

// MessageQueue is an in-memory FIFO task queue drained by a fixed worker pool.
// Task state is volatile: a restart drops everything.
type MessageQueue struct {
	cfg     Config
	logger  *slog.Logger
	pending chan *Task
	exec    *semaphore.Weighted

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu          sync.Mutex
	waiting     map[string]*Task // pending or retrying
	processing  map[string]*Task
	completed   map[string]*Task
	failed      map[string]*Task
	retryTimers map[string]*time.Timer

	totalEnqueued  int64
	totalCompleted int64
	totalFailed    int64
	totalRetried   int64
	totalDropped   int64

	running  bool
	stopped  bool
	cancel   context.CancelFunc
	janitor  *cron.Cron
	cleanups []func()

	onFailure func(Task)
	wg        sync.WaitGroup
	hookWG    sync.WaitGroup
}

// Option configures a MessageQueue.
type Option func(*MessageQueue)

// WithFailureHook registers fn to receive a snapshot of every permanently failed task.
func WithFailureHook(fn func(Task)) Option {
	return func(q *MessageQueue) {
		q.onFailure = fn
	}
}

// New creates a stopped MessageQueue.
func New(cfg Config, logger *slog.Logger, opts ...Option) *MessageQueue {
	cfg = cfg.withDefaults()
	q := &MessageQueue{
		cfg:         cfg,
		logger:      logger.With("component", "queue"),
		pending:     make(chan *Task, cfg.QueueSize),
		exec:        semaphore.NewWeighted(int64(cfg.ExecutorSize)),
		handlers:    make(map[string]Handler),
		waiting:     make(map[string]*Task),
		processing:  make(map[string]*Task),
		completed:   make(map[string]*Task),
		failed:      make(map[string]*Task),
		retryTimers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RegisterHandler associates fn with taskType, replacing any previous handler.
func (q *MessageQueue) RegisterHandler(taskType string, fn Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[taskType] = fn
	q.logger.Info("task handler registered", "task_type", taskType)
}

func (q *MessageQueue) handler(taskType string) (Handler, bool) {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	h, ok := q.handlers[taskType]
	return h, ok
}

// AddCleanupHook registers fn to run after every janitor sweep.
func (q *MessageQueue) AddCleanupHook(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanups = append(q.cleanups, fn)
}

// Enqueue appends task to the queue and returns its id.
func (q *MessageQueue) Enqueue(task *Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Payload == nil {
		task.Payload = make(map[string]any)
	}
	if task.MaxRetries < 0 {
		task.MaxRetries = q.cfg.Retry.MaxRetries
	}
	task.Status = StatusPending
	task.CreatedAt = time.Now().UTC()

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrQueueStopped
	}
	q.waiting[task.ID] = task
	q.mu.Unlock()

	select {
	case q.pending <- task:
	default:
		q.mu.Lock()
		delete(q.waiting, task.ID)
		q.mu.Unlock()
		q.logger.Warn("queue full, task rejected", "task_id", task.ID, "task_type", task.Type)
		return "", ErrQueueFull
	}

	q.mu.Lock()
	q.totalEnqueued++
	q.mu.Unlock()

	metrics.TasksEnqueuedTotal.WithLabelValues(task.Type).Inc()
	metrics.QueuePendingGauge.Set(float64(len(q.pending)))
	q.logger.Debug("task enqueued", "task_id", task.ID, "task_type", task.Type, "user_id", task.UserID)
	return task.ID, nil
}

// Start launches the workers and the janitor.
func (q *MessageQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return nil
	}
	if q.stopped {
		return ErrQueueStopped
	}

	janitor := cron.New()
	if _, err := janitor.AddFunc(q.cfg.CleanupSchedule, func() { q.Cleanup(time.Now()) }); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", q.cfg.CleanupSchedule, err)
	}
	q.janitor = janitor

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true

	q.logger.Info("starting worker pool", "worker_count", q.cfg.Workers, "executor_size", q.cfg.ExecutorSize)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i+1)
	}
	janitor.Start()
	return nil
}

// Drain blocks until no task is queued, retrying or processing, or ctx is
// done. The queue keeps accepting tasks while draining.
func (q *MessageQueue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		left := len(q.waiting) + len(q.processing)
		q.mu.Unlock()
		if left == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("drain: %d tasks left: %w", left, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop stops accepting tasks, cancels running handlers and waits for the
// workers to exit or ctx to expire. Tasks still queued and pending retries
// are dropped. Handlers cut short by Stop drop their task too: it is neither
// failed nor reported to the failure hook.
func (q *MessageQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	wasRunning := q.running
	q.running = false
	for id, timer := range q.retryTimers {
		timer.Stop()
		delete(q.retryTimers, id)
	}
	dropped := len(q.waiting)
	q.totalDropped += int64(dropped)
	q.mu.Unlock()

	q.logger.Info("stopping worker pool", "dropped_tasks", dropped)
	if !wasRunning {
		return nil
	}

	q.cancel()
	janitorDone := q.janitor.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
		<-janitorDone.Done()
		q.hookWG.Wait()
	}()

	select {
	case <-done:
		q.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskStatus returns a snapshot of the task with the given id.
func (q *MessageQueue) TaskStatus(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range []map[string]*Task{q.waiting, q.processing, q.completed, q.failed} {
		if t, ok := m[id]; ok {
			return t.Clone(), true
		}
	}
	return Task{}, false
}

// UserTasks returns snapshots of every known task owned by userID, oldest first.
func (q *MessageQueue) UserTasks(userID string) []Task {
	q.mu.Lock()
	var tasks []Task
	for _, m := range []map[string]*Task{q.waiting, q.processing, q.completed, q.failed} {
		for _, t := range m {
			if t.UserID == userID {
				tasks = append(tasks, t.Clone())
			}
		}
	}
	q.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Stats returns aggregate counters.
func (q *MessageQueue) Stats() Stats {
	q.handlersMu.RLock()
	handlers := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		handlers = append(handlers, name)
	}
	q.handlersMu.RUnlock()
	sort.Strings(handlers)

	q.mu.Lock()
	defer q.mu.Unlock()

	retrying := 0
	for _, t := range q.waiting {
		if t.Status == StatusRetrying {
			retrying++
		}
	}

	return Stats{
		Pending:        len(q.pending),
		Retrying:       retrying,
		Processing:     len(q.processing),
		Completed:      len(q.completed),
		Failed:         len(q.failed),
		TotalEnqueued:  q.totalEnqueued,
		TotalCompleted: q.totalCompleted,
		TotalFailed:    q.totalFailed,
		TotalRetried:   q.totalRetried,
		TotalDropped:   q.totalDropped,
		Workers:        q.cfg.Workers,
		Running:        q.running,
		Handlers:       handlers,
	}
}

// Cleanup removes terminal tasks that finished before now minus the retention
// window, then runs the cleanup hooks. It returns the number of tasks removed.
func (q *MessageQueue) Cleanup(now time.Time) int {
	cutoff := now.Add(-q.cfg.Retention)

	q.mu.Lock()
	removed := 0
	for _, m := range []map[string]*Task{q.completed, q.failed} {
		for id, t := range m {
			if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
				delete(m, id)
				removed++
			}
		}
	}
	hooks := append([]func(){}, q.cleanups...)
	q.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}

	if removed > 0 {
		q.logger.Info("expired tasks removed", "count", removed, "retention", q.cfg.Retention)
	}
	return removed
}

func (q *MessageQueue) transition(task *Task, to TaskStatus) bool {
	if !CanTransition(task.Status, to) {
		q.logger.Error("illegal task status transition",
			"task_id", task.ID, "from", task.Status, "to", to)
		return false
	}
	task.Status = to
	return true
}

// claim moves a pending task to processing. It returns false if the task
// is no longer pending or the queue has stopped.
func (q *MessageQueue) claim(task *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || task.Status != StatusPending {
		return false
	}
	q.transition(task, StatusProcessing)
	now := time.Now().UTC()
	task.StartedAt = &now
	delete(q.waiting, task.ID)
	q.processing[task.ID] = task

	metrics.QueueProcessingGauge.Set(float64(len(q.processing)))
	metrics.QueuePendingGauge.Set(float64(len(q.pending)))
	return true
}

func (q *MessageQueue) complete(task *Task, result any) {
	q.mu.Lock()
	if !q.transition(task, StatusCompleted) {
		q.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	task.CompletedAt = &now
	task.Result = result
	delete(q.processing, task.ID)
	q.completed[task.ID] = task
	q.totalCompleted++
	processing := len(q.processing)
	q.mu.Unlock()

	metrics.QueueProcessingGauge.Set(float64(processing))
	metrics.TasksFinishedTotal.WithLabelValues(task.Type, string(StatusCompleted)).Inc()
}

// recordError appends an attempt error to the task and bumps the retry count.
func (q *MessageQueue) recordError(task *Task, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.RetryCount++
	msg := fmt.Sprintf("attempt %d: %v", task.RetryCount, err)
	if task.Error == "" {
		task.Error = msg
	} else {
		task.Error += "; " + msg
	}
}

func (q *MessageQueue) fail(task *Task, reason string) {
	q.mu.Lock()
	if !q.transition(task, StatusFailed) {
		q.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	task.CompletedAt = &now
	if reason != "" {
		if task.Error == "" {
			task.Error = reason
		} else {
			task.Error += "; " + reason
		}
	}
	delete(q.processing, task.ID)
	delete(q.waiting, task.ID)
	q.failed[task.ID] = task
	q.totalFailed++
	processing := len(q.processing)
	snapshot := task.Clone()
	q.mu.Unlock()

	metrics.QueueProcessingGauge.Set(float64(processing))
	metrics.TasksFinishedTotal.WithLabelValues(task.Type, string(StatusFailed)).Inc()
	q.logger.Error("task failed permanently",
		"task_id", snapshot.ID,
		"task_type", snapshot.Type,
		"user_id", snapshot.UserID,
		"retry_count", snapshot.RetryCount,
		"err", snapshot.Error)

	if q.onFailure != nil {
		q.hookWG.Add(1)
		go func() {
			defer q.hookWG.Done()
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("failure hook panicked", "task_id", snapshot.ID, "panic", r)
				}
			}()
			q.onFailure(snapshot)
		}()
	}
}

// drop forgets a task whose handler was cut short by Stop.
func (q *MessageQueue) drop(task *Task) {
	q.mu.Lock()
	delete(q.processing, task.ID)
	q.totalDropped++
	processing := len(q.processing)
	q.mu.Unlock()

	metrics.QueueProcessingGauge.Set(float64(processing))
}

func (q *MessageQueue) scheduleRetry(task *Task, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		delete(q.processing, task.ID)
		q.totalDropped++
		return
	}
	if !q.transition(task, StatusRetrying) {
		return
	}
	delete(q.processing, task.ID)
	q.waiting[task.ID] = task
	q.totalRetried++
	q.retryTimers[task.ID] = time.AfterFunc(delay, func() { q.requeue(task) })

	metrics.QueueProcessingGauge.Set(float64(len(q.processing)))
	metrics.TaskRetriesTotal.WithLabelValues(task.Type).Inc()
}

// requeue appends a retrying task to the tail of the queue.
func (q *MessageQueue) requeue(task *Task) {
	q.mu.Lock()
	delete(q.retryTimers, task.ID)
	if q.stopped || !q.transition(task, StatusPending) {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	select {
	case q.pending <- task:
		metrics.QueuePendingGauge.Set(float64(len(q.pending)))
	default:
		q.mu.Lock()
		task.Status = StatusRetrying
		q.mu.Unlock()
		q.fail(task, ErrQueueFull.Error())
	}
}
