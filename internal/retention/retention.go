// Package retention purges old analyses on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Purger deletes analyses older than the configured number of days.
type Purger struct {
	repo     domain.Repository
	metrics  *metrics.Metrics
	days     int
	schedule string
	cron     *cron.Cron
	now      func() time.Time
}

// New creates a purger. A zero Days disables it; Start is then a no-op.
func New(repo domain.Repository, cfg domain.RetentionConfig, m *metrics.Metrics) (*Purger, error) {
	p := &Purger{
		repo:     repo,
		metrics:  m,
		days:     cfg.Days,
		schedule: cfg.Schedule,
		now:      time.Now,
	}
	if !p.Enabled() {
		return p, nil
	}

	p.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	if _, err := p.cron.AddFunc(cfg.Schedule, p.run); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	return p, nil
}

// Enabled reports whether analyses expire at all.
func (p *Purger) Enabled() bool {
	return p.days > 0
}

// Start begins the schedule in the background.
func (p *Purger) Start() {
	if p.cron == nil {
		return
	}
	p.cron.Start()
	slog.Info("retention purge scheduled", "days", p.days, "schedule", p.schedule)
}

// Stop halts the schedule and waits for a running purge to finish.
func (p *Purger) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
}

// Cutoff returns the creation time before which analyses are purged.
func (p *Purger) Cutoff() time.Time {
	return p.now().UTC().AddDate(0, 0, -p.days)
}

// RunOnce purges expired analyses of every tenant and returns how many were removed.
func (p *Purger) RunOnce(ctx context.Context) (int64, error) {
	if !p.Enabled() {
		return 0, nil
	}

	cutoff := p.Cutoff()
	n, err := p.repo.DeleteAnalysesBefore(ctx, cutoff)
	if err != nil {
		p.metrics.Error("retention")
		return 0, fmt.Errorf("failed to purge analyses: %w", err)
	}
	p.metrics.Purged(n)

	slog.Info("retention purge complete", "deleted", n, "cutoff", cutoff)
	return n, nil
}

func (p *Purger) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := p.RunOnce(ctx); err != nil {
		slog.Error("retention purge failed", "error", err)
	}
}
