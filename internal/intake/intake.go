// Package intake runs a submitted statement through analysis, decision,
// persistence and notification.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/statement"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("kestrel-intake")

// Errors returned by Submit before any analysis happens.
var (
	ErrMissingTenant = errors.New("tenant id is required")
	ErrEmptyDocument = errors.New("document is empty")
)

// SubmitRequest is one statement to analyze.
type SubmitRequest struct {
	TenantID string
	Filename string
	Data     []byte
	TraceID  string
}

// Service wires the pipeline stages together.
type Service struct {
	analyzer   *statement.Analyzer
	processor  *decision.Processor
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	velocity   *velocity.Service
	metrics    *metrics.Metrics
	archiveDir string
	resultTTL  time.Duration
}

// Config holds the optional parts of a Service.
type Config struct {
	Cache      domain.Cache
	Bus        domain.EventBus
	Velocity   *velocity.Service
	Metrics    *metrics.Metrics
	ArchiveDir string
	ResultTTL  time.Duration
}

// NewService creates an intake service. Analyzer, processor and repository are required.
func NewService(analyzer *statement.Analyzer, processor *decision.Processor, repo domain.Repository, cfg Config) *Service {
	return &Service{
		analyzer:   analyzer,
		processor:  processor,
		repo:       repo,
		cache:      cfg.Cache,
		bus:        cfg.Bus,
		velocity:   cfg.Velocity,
		metrics:    cfg.Metrics,
		archiveDir: cfg.ArchiveDir,
		resultTTL:  cfg.ResultTTL,
	}
}

// Digest returns the hex SHA-256 of a document.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Submit analyzes a statement and stores the verdict.
// Identical bytes submitted within the result TTL reuse the cached result
// unless custom checks are loaded.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.Analysis, error) {
	start := time.Now()

	if req.TenantID == "" {
		return nil, ErrMissingTenant
	}
	if len(req.Data) == 0 {
		return nil, ErrEmptyDocument
	}

	ctx, span := tracer.Start(ctx, "intake.Submit")
	defer span.End()

	digest := Digest(req.Data)
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("document.filename", req.Filename),
		attribute.String("document.digest", digest),
		attribute.Int("document.size", len(req.Data)),
	)

	traceID := req.TraceID
	if traceID == "" && span.SpanContext().HasTraceID() {
		traceID = span.SpanContext().TraceID().String()
	}

	analysisStart := time.Now()
	result, rulesEvaluated, cached, err := s.analyze(ctx, req.TenantID, digest, req.Data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")
		return nil, err
	}
	analysisMs := time.Since(analysisStart).Milliseconds()

	analysis := s.processor.Process(ctx, &decision.DecisionInput{
		TenantID:       req.TenantID,
		Filename:       req.Filename,
		Digest:         digest,
		TraceID:        traceID,
		Result:         result,
		RulesEvaluated: rulesEvaluated,
		Cached:         cached,
		AnalysisMs:     analysisMs,
		StartTime:      start,
	})

	s.archive(digest, req.Data)

	if err := s.repo.SaveAnalysis(ctx, req.TenantID, analysis); err != nil {
		s.metrics.Error("persist")
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, fmt.Errorf("failed to save analysis: %w", err)
	}

	s.publish(ctx, analysis)
	s.metrics.ObserveAnalysis(analysis, time.Since(start))

	span.SetAttributes(
		attribute.String("analysis.id", analysis.ID),
		attribute.String("analysis.status", analysis.Status),
		attribute.Int("analysis.score", result.Metadata.AccuracyScore),
		attribute.Bool("analysis.cached", cached),
	)

	slog.Info("statement analyzed",
		"tenant_id", req.TenantID,
		"analysis_id", analysis.ID,
		"filename", req.Filename,
		"status", analysis.Status,
		"score", result.Metadata.AccuracyScore,
		"cached", cached,
		"trace_id", traceID,
	)

	return analysis, nil
}

// analyze returns a cached result for digest or runs the analyzer.
// Results are cached only while no custom checks are loaded: a check such
// as submission_count must see every upload, so with checks loaded each
// submission is analyzed afresh.
func (s *Service) analyze(ctx context.Context, tenantID, digest string, data []byte) (*domain.AnalysisResult, int, bool, error) {
	useCache := s.cache != nil && !s.analyzer.HasChecks()

	if useCache {
		result, err := s.cache.GetResult(ctx, tenantID, digest)
		if err != nil {
			slog.Warn("result cache lookup failed", "tenant_id", tenantID, "digest", digest, "error", err)
		}
		if result != nil {
			if number, ok := result.Identity[domain.FieldNumber]; ok {
				s.submissionCount(tenantID)(ctx, number)
			}
			return result, 0, true, nil
		}
	}

	report, err := s.analyzer.RunBytes(ctx, data, statement.Hooks{
		SubmissionCount: s.submissionCount(tenantID),
	})
	if err != nil {
		var readErr *domain.DocumentReadError
		if errors.As(err, &readErr) {
			s.metrics.Error("read")
		} else {
			s.metrics.Error("analyze")
		}
		return nil, 0, false, err
	}

	if useCache && report.RulesEvaluated == 0 {
		if err := s.cache.SetResult(ctx, tenantID, digest, report.Result, s.resultTTL); err != nil {
			slog.Warn("failed to cache result", "tenant_id", tenantID, "digest", digest, "error", err)
		}
	}

	return report.Result, report.RulesEvaluated, false, nil
}

// submissionCount records a submission and reports the account's count.
// Velocity failures degrade to zero.
func (s *Service) submissionCount(tenantID string) func(context.Context, string) int64 {
	return func(ctx context.Context, accountNumber string) int64 {
		if s.velocity == nil {
			return 0
		}
		count, err := s.velocity.RecordSubmission(ctx, tenantID, accountNumber)
		if err != nil {
			slog.Warn("velocity check failed", "tenant_id", tenantID, "error", err)
			return 0
		}
		return count
	}
}

// archive keeps the raw document as <dir>/<digest>.pdf.
func (s *Service) archive(digest string, data []byte) {
	if s.archiveDir == "" {
		return
	}

	path := filepath.Join(s.archiveDir, digest+".pdf")
	if _, err := os.Stat(path); err == nil {
		return
	}

	tmp, err := os.CreateTemp(s.archiveDir, digest+".*.tmp")
	if err != nil {
		s.archiveFailed(digest, err)
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.archiveFailed(digest, err)
		return
	}
	if err := tmp.Close(); err != nil {
		s.archiveFailed(digest, err)
		return
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		s.archiveFailed(digest, err)
	}
}

func (s *Service) archiveFailed(digest string, err error) {
	s.metrics.Error("archive")
	slog.Warn("failed to archive document", "digest", digest, "error", err)
}

// publish announces the analysis and raises an alert for suspicious ones.
func (s *Service) publish(ctx context.Context, analysis *domain.Analysis) {
	if s.bus == nil {
		return
	}

	event := bus.AnalyzedEvent{
		AnalysisID: analysis.ID,
		TenantID:   analysis.TenantID,
		Filename:   analysis.Filename,
		Digest:     analysis.Digest,
		Status:     analysis.Status,
		Score:      analysis.Result.Metadata.AccuracyScore,
		Indicators: decision.GetReasons(analysis),
		TraceID:    analysis.Metadata.TraceID,
	}

	if err := bus.PublishJSON(ctx, s.bus, analysis.TenantID, domain.TopicStatementAnalyzed, event); err != nil {
		slog.Warn("failed to publish analysis event", "analysis_id", analysis.ID, "error", err)
	}

	if decision.ShouldAlert(analysis) {
		if err := bus.PublishJSON(ctx, s.bus, analysis.TenantID, domain.TopicStatementAlert, event); err != nil {
			slog.Warn("failed to publish alert", "analysis_id", analysis.ID, "error", err)
		}
	}
}
