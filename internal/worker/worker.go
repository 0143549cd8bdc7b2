// Package worker analyzes statements submitted over the event bus.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/intake"
)

// GlobalQueue is the bus tenant used when no tenant list is configured.
const GlobalQueue = "_global"

// Submitter runs one statement through the pipeline.
type Submitter interface {
	Submit(ctx context.Context, req intake.SubmitRequest) (*domain.Analysis, error)
}

// Worker consumes kestrel.statement.submitted events.
type Worker struct {
	bus       domain.EventBus
	submitter Submitter

	tenants       map[string]bool
	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = one global queue)
	TenantIDs []string

	// WorkerCount bounds concurrent analyses across all subscriptions
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, submitter Submitter) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		submitter: submitter,
		tenants:   make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	w.sem = make(chan struct{}, cfg.WorkerCount)

	if len(cfg.TenantIDs) == 0 {
		return w.startQueue(GlobalQueue)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startQueue(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(w.tenants),
		"worker_count", cfg.WorkerCount,
	)

	return nil
}

func (w *Worker) startQueue(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicStatementSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.dispatch(tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)
	w.tenants[tenantID] = true

	slog.Info("statement worker started",
		"queue", tenantID,
		"topic", domain.TopicStatementSubmitted,
	)
	return nil
}

// Route returns the bus tenant a submission for tenantID must be published on.
func (w *Worker) Route(tenantID string) string {
	if w.tenants[tenantID] {
		return tenantID
	}
	return GlobalQueue
}

// dispatch hands msg to a bounded pool so slow documents do not stall delivery.
func (w *Worker) dispatch(queue string, msg *domain.Message) error {
	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()

		if err := w.process(w.ctx, queue, msg); err != nil {
			slog.Error("statement processing failed",
				"message_id", msg.ID,
				"queue", queue,
				"error", err,
			)
		}
	}()
	return nil
}

// process decodes a SubmittedEvent and submits it.
func (w *Worker) process(ctx context.Context, queue string, msg *domain.Message) error {
	start := time.Now()

	var event bus.SubmittedEvent
	if err := bus.DecodeJSON(msg, &event); err != nil {
		return err
	}

	tenantID := event.TenantID
	if tenantID == "" && queue != GlobalQueue {
		tenantID = queue
	}
	if tenantID == "" {
		return fmt.Errorf("message %s has no tenant", msg.ID)
	}

	traceID := event.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	analysis, err := w.submitter.Submit(ctx, intake.SubmitRequest{
		TenantID: tenantID,
		Filename: event.Filename,
		Data:     event.Document,
		TraceID:  traceID,
	})
	if err != nil {
		return err
	}

	slog.Info("statement processed",
		"analysis_id", analysis.ID,
		"tenant_id", tenantID,
		"status", analysis.Status,
		"trace_id", traceID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight analyses.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()
	w.cancel()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
