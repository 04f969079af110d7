// Package batch groups a user's webhook message events so bursts are
// handled together, in arrival order, on a bounded pool.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"smebot-go/internal/metrics"
	"smebot-go/internal/tracing"
)

// KindMessage is the only event kind that is buffered.
const KindMessage = "message"

// Flush triggers, used as the metrics label.
const (
	triggerSize     = "size"
	triggerInterval = "interval"
	triggerShutdown = "shutdown"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("batch processor is stopped")

// Event is one webhook event waiting to be handled.
type Event struct {
	UserID     string
	Kind       string
	ReplyToken string
	Payload    any
	ReceivedAt time.Time
}

// Handler processes one flushed batch. All events share a user, in arrival order.
type Handler func(ctx context.Context, events []Event) error

// Config sizes the processor.
type Config struct {
	Size          int
	FlushInterval time.Duration
	PollInterval  time.Duration
	Workers       int
}

// DefaultConfig returns 10 events, 2s, 500ms and 4 workers.
func DefaultConfig() Config {
	return Config{
		Size:          10,
		FlushInterval: 2 * time.Second,
		PollInterval:  500 * time.Millisecond,
		Workers:       4,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Size <= 0 {
		c.Size = def.Size
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	return c
}

// Stats counts flushed batches.
type Stats struct {
	Processed         int64         `json:"processed"`
	Failed            int64         `json:"failed"`
	Events            int64         `json:"events"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	BufferedUsers     int           `json:"buffered_users"`
	BufferedEvents    int           `json:"buffered_events"`
}

type buffer struct {
	events []Event
	oldest time.Time
}

// Processor buffers message events per user and flushes a buffer when it is
// full or its oldest event has waited FlushInterval.
type Processor struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	buffers map[string]*buffer
	stats   Stats
	totalNs int64
	ctx     context.Context
	stopped bool

	pool   errgroup.Group
	stopCh chan struct{}
	loopWG sync.WaitGroup
	once   sync.Once
}

// New creates a Processor. Call Start before Submit.
func New(cfg Config, handler Handler, logger *slog.Logger) *Processor {
	cfg = cfg.withDefaults()
	p := &Processor{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "batch"),
		buffers: make(map[string]*buffer),
		ctx:     context.Background(),
		stopCh:  make(chan struct{}),
	}
	p.pool.SetLimit(cfg.Workers)
	return p
}

// Start launches the flush loop. Batches run with ctx.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	p.loopWG.Add(1)
	go p.watch(ctx)
	p.logger.Info("batch processor started",
		"size", p.cfg.Size,
		"flush_interval", p.cfg.FlushInterval,
		"workers", p.cfg.Workers)
}

// Submit buffers a message event. Other events, and events without a user,
// are handled synchronously on the caller's goroutine.
func (p *Processor) Submit(ctx context.Context, ev Event) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	if ev.Kind != KindMessage || ev.UserID == "" {
		return p.handler(ctx, []Event{ev})
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	buf, ok := p.buffers[ev.UserID]
	if !ok {
		buf = &buffer{oldest: ev.ReceivedAt}
		p.buffers[ev.UserID] = buf
	}
	buf.events = append(buf.events, ev)

	var full []Event
	if len(buf.events) >= p.cfg.Size {
		full = buf.events
		delete(p.buffers, ev.UserID)
	}
	p.mu.Unlock()

	if full != nil {
		p.dispatch(ev.UserID, full, triggerSize)
	}
	return nil
}

// Stats returns the current counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.BufferedUsers = len(p.buffers)
	for _, buf := range p.buffers {
		s.BufferedEvents += len(buf.events)
	}
	return s
}

// Stop flushes every buffer and waits for in-flight batches or ctx.
func (p *Processor) Stop(ctx context.Context) error {
	var pending map[string]*buffer
	p.once.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		p.stopped = true
		pending = p.buffers
		p.buffers = make(map[string]*buffer)
		p.mu.Unlock()
	})
	p.loopWG.Wait()

	for userID, buf := range pending {
		p.dispatch(userID, buf.events, triggerShutdown)
	}

	done := make(chan struct{})
	go func() {
		_ = p.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("batch processor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for batches: %w", ctx.Err())
	}
}

func (p *Processor) watch(ctx context.Context) {
	defer p.loopWG.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case now := <-ticker.C:
			for userID, events := range p.due(now) {
				p.dispatch(userID, events, triggerInterval)
			}
		}
	}
}

// due removes and returns the buffers whose oldest event has waited long enough.
func (p *Processor) due(now time.Time) map[string][]Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ready map[string][]Event
	for userID, buf := range p.buffers {
		if now.Sub(buf.oldest) < p.cfg.FlushInterval {
			continue
		}
		if ready == nil {
			ready = make(map[string][]Event)
		}
		ready[userID] = buf.events
		delete(p.buffers, userID)
	}
	return ready
}

// dispatch hands a batch to the pool, blocking while all workers are busy.
func (p *Processor) dispatch(userID string, events []Event, trigger string) {
	metrics.BatchFlushesTotal.WithLabelValues(trigger).Inc()
	metrics.BatchSize.Observe(float64(len(events)))

	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	p.pool.Go(func() error {
		p.run(ctx, userID, events)
		return nil
	})
}

func (p *Processor) run(ctx context.Context, userID string, events []Event) {
	ctx, span := tracing.BatchSpan(ctx, userID, len(events))
	start := time.Now()

	err := p.safeHandle(ctx, events)
	tracing.EndSpan(span, err)
	elapsed := time.Since(start)

	p.mu.Lock()
	if err != nil {
		p.stats.Failed++
	} else {
		p.stats.Processed++
	}
	p.stats.Events += int64(len(events))
	p.totalNs += elapsed.Nanoseconds()
	p.stats.AvgProcessingTime = time.Duration(p.totalNs / (p.stats.Processed + p.stats.Failed))
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("batch failed", "user_id", userID, "events", len(events), "err", err)
		return
	}
	p.logger.Debug("batch processed", "user_id", userID, "events", len(events), "duration", elapsed)
}

func (p *Processor) safeHandle(ctx context.Context, events []Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch handler panicked: %v", r)
		}
	}()
	return p.handler(ctx, events)
}
