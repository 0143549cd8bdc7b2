// Package decision turns an analysis result into a verdict record.
package decision

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// EngineVersion identifies the analyzer build in persisted records.
const EngineVersion = "kestrel-1.0"

// Processor maps accuracy scores onto verdicts.
type Processor struct {
	// Scores below ReviewBelow are not GENUINE
	ReviewBelow int

	// Scores below AlertBelow are SUSPICIOUS
	AlertBelow int
}

// NewProcessor creates a processor with the given thresholds.
// Non-positive values fall back to 80 and 50.
func NewProcessor(reviewBelow, alertBelow int) *Processor {
	if reviewBelow <= 0 {
		reviewBelow = 80
	}
	if alertBelow <= 0 {
		alertBelow = 50
	}
	return &Processor{
		ReviewBelow: reviewBelow,
		AlertBelow:  alertBelow,
	}
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	TenantID       string
	Filename       string
	Digest         string
	TraceID        string
	Result         *domain.AnalysisResult
	RulesEvaluated int
	Cached         bool
	AnalysisMs     int64
	StartTime      time.Time
}

// Process builds the analysis record for a result.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) *domain.Analysis {
	start := time.Now()

	analysis := &domain.Analysis{
		ID:            uuid.New().String(),
		TenantID:      input.TenantID,
		Filename:      input.Filename,
		Digest:        input.Digest,
		AccountNumber: input.Result.Identity[domain.FieldNumber],
		Status:        p.Verdict(input.Result.Metadata.AccuracyScore),
		CreatedAt:     time.Now().UTC(),
		Result:        *input.Result,
	}

	decisionMs := time.Since(start).Milliseconds()
	totalMs := time.Since(input.StartTime).Milliseconds()

	analysis.Metadata = domain.ProcessingMetadata{
		TraceID:        input.TraceID,
		Cached:         input.Cached,
		AnalysisMs:     input.AnalysisMs,
		DecisionMs:     decisionMs,
		TotalMs:        totalMs,
		RulesEvaluated: input.RulesEvaluated,
		EngineVersion:  EngineVersion,
	}

	return analysis
}

// Verdict returns the status for an accuracy score.
func (p *Processor) Verdict(score int) string {
	switch {
	case score >= p.ReviewBelow:
		return domain.StatusGenuine
	case score >= p.AlertBelow:
		return domain.StatusReview
	default:
		return domain.StatusSuspicious
	}
}

// ShouldAlert returns true if the analysis should trigger an alert.
func ShouldAlert(analysis *domain.Analysis) bool {
	return analysis.Status == domain.StatusSuspicious
}

// GetReasons returns the fraud indicators behind an analysis.
func GetReasons(analysis *domain.Analysis) []string {
	return analysis.Result.Metadata.FraudIndicators
}
