package pool

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"forge/internal/logging"
)

// Evictor periodically asks the manager to sweep idle sessions. Start and
// Stop may be called repeatedly; at most one sweep loop runs at a time.
type Evictor struct {
	manager  *Manager
	interval time.Duration
	clock    clock.Clock
	logger   logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEvictor builds an evictor over the manager. A nil clock means wall time.
func NewEvictor(manager *Manager, interval time.Duration, clk clock.Clock, logger logging.Logger) *Evictor {
	if clk == nil {
		clk = clock.New()
	}
	return &Evictor{
		manager:  manager,
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// Start launches the sweep loop. Calling Start on a running evictor is a
// no-op.
func (e *Evictor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, e.done)
	e.logger.Info("Idle eviction started (interval=%s)", e.interval)
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (e *Evictor) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info("Idle eviction stopped")
}

func (e *Evictor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := e.clock.Ticker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.manager.EvictIdle(ctx)
		}
	}
}
