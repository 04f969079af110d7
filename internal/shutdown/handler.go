package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Manager runs registered cleanup functions in reverse registration order
// when the process is asked to stop.
type Manager struct {
	shutdownTimeout time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	closers []closer
	once    sync.Once
	err     error
}

// NewManager creates a new Manager. A zero timeout means 30s.
func NewManager(shutdownTimeout time.Duration, logger *slog.Logger) *Manager {
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Manager{
		shutdownTimeout: shutdownTimeout,
		logger:          logger.With("component", "shutdown"),
	}
}

// Add registers a named cleanup function.
func (m *Manager) Add(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, closer{name: name, fn: fn})
}

// Wait blocks until SIGINT/SIGTERM arrives or ctx is done, then runs Shutdown.
func (m *Manager) Wait(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	m.logger.Info("shutdown signal received", "cause", context.Cause(ctx))
	return m.Shutdown()
}

// Shutdown runs every closer once, newest first, under the shutdown timeout.
// Later calls return the first result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
		defer cancel()

		m.mu.Lock()
		closers := append([]closer(nil), m.closers...)
		m.mu.Unlock()

		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			start := time.Now()
			if err := c.fn(ctx); err != nil {
				m.logger.Error("shutdown error", "closer", c.name, "err", err)
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
				continue
			}
			m.logger.Debug("closer finished", "closer", c.name, "duration", time.Since(start))
		}
		m.err = errors.Join(errs...)
		m.logger.Info("shutdown complete")
	})
	return m.err
}
