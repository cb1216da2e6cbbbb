// Package poller drives the periodic reconciliation pass. A cron schedule
// fires a sweep; each sweep lists the due issues and fans them out to a
// bounded worker pool. Sweeps never overlap.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/trackdesk-io/trackdesk/pkg/protocol"
)

// Engine is the reconciliation surface the poller drives.
type Engine interface {
	Due(ctx context.Context) ([]*protocol.Issue, error)
	ReconcileIssue(ctx context.Context, issue *protocol.Issue, source string) error
}

// Poller runs scheduled reconciliation sweeps.
type Poller struct {
	engine   Engine
	cron     *cron.Cron
	schedule string
	workers  int
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a Poller. schedule is a cron expression or a predefined
// schedule like @every 2m.
func New(engine Engine, schedule string, workers int, logger *slog.Logger) (*Poller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}

	p := &Poller{
		engine:   engine,
		cron:     cron.New(),
		schedule: schedule,
		workers:  workers,
		logger:   logger,
	}
	return p, nil
}

// Start registers the schedule, runs one immediate sweep, and blocks until
// the context is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	if _, err := p.cron.AddFunc(p.schedule, func() { p.Sweep(ctx) }); err != nil {
		return fmt.Errorf("poller: invalid schedule %q: %w", p.schedule, err)
	}

	p.cron.Start()
	p.logger.Info("poller started", "schedule", p.schedule, "workers", p.workers)

	p.Sweep(ctx)

	<-ctx.Done()
	stopped := p.cron.Stop()
	<-stopped.Done()
	p.logger.Info("poller stopped")
	return ctx.Err()
}

// Sweep runs one full pass over the due issues. A sweep that fires while a
// previous one is still running is skipped; the schedule will fire again.
func (p *Poller) Sweep(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		p.logger.Warn("previous sweep still running, skipping")
		return
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	issues, err := p.engine.Due(ctx)
	if err != nil {
		p.logger.Error("failed to list due issues", "error", err)
		return
	}
	if len(issues) == 0 {
		p.logger.Debug("sweep found nothing to reconcile")
		return
	}
	p.logger.Info("sweep starting", "issues", len(issues))

	work := make(chan *protocol.Issue)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for issue := range work {
				// Per-issue failures are already journaled by the engine; a
				// sweep keeps going regardless.
				if err := p.engine.ReconcileIssue(ctx, issue, "poll"); err != nil {
					p.logger.Error("reconciliation failed", "issue", issue.Key, "error", err)
				}
			}
		}()
	}

	for _, issue := range issues {
		select {
		case work <- issue:
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return
		}
	}
	close(work)
	wg.Wait()
	p.logger.Info("sweep finished", "issues", len(issues))
}
