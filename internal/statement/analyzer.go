// Package statement analyzes bank statement documents for tampering and
// extracts the account holder identity and transactions.
package statement

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/document"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Checker evaluates operator-defined checks against gathered facts.
// Hits are applied in the order returned.
type Checker interface {
	Check(ctx context.Context, facts *domain.Facts) ([]domain.RuleHit, error)
	RulesCount() int
}

// Hooks supply per-call context the document itself cannot provide.
type Hooks struct {
	// SubmissionCount returns how many statements were submitted recently
	// for the account number found in the text. Called only when one was found.
	SubmissionCount func(ctx context.Context, accountNumber string) int64
}

// Report is an analysis result together with the facts and rule hits behind it.
type Report struct {
	Result         *domain.AnalysisResult
	Facts          domain.Facts
	Hits           []domain.RuleHit
	RulesEvaluated int
}

// Analyzer runs the fixed pipeline of passes over a document.
// It holds no per-call state and is safe for concurrent use.
type Analyzer struct {
	checker Checker
	now     func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithChecker adds operator-defined checks after the built-in passes.
func WithChecker(c Checker) Option {
	return func(a *Analyzer) {
		a.checker = c
	}
}

// WithClock replaces the clock used to measure processing duration.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) {
		a.now = now
	}
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HasChecks reports whether operator-defined checks are loaded. Their
// outcome can depend on more than the document bytes.
func (a *Analyzer) HasChecks() bool {
	return a.checker != nil && a.checker.RulesCount() > 0
}

// accumulator is the single place where indicators and penalties meet.
type accumulator struct {
	score      int
	indicators []string
}

func newAccumulator() *accumulator {
	return &accumulator{
		score:      domain.InitialAccuracyScore,
		indicators: []string{},
	}
}

// flag records an indicator and deducts its penalty.
func (acc *accumulator) flag(f Finding) {
	acc.indicators = append(acc.indicators, f.Indicator)
	acc.score -= f.Penalty
}

func (acc *accumulator) apply(findings []Finding) {
	for _, f := range findings {
		acc.flag(f)
	}
}

// clamped is the running score floored at zero.
func (acc *accumulator) clamped() int {
	return max(acc.score, 0)
}

// Analyze runs every pass over doc. The caller keeps ownership of doc.
func (a *Analyzer) Analyze(ctx context.Context, doc domain.Document) (*domain.AnalysisResult, error) {
	report, err := a.Run(ctx, doc, Hooks{})
	if err != nil {
		return nil, err
	}
	return report.Result, nil
}

// AnalyzeFile opens the statement at path, analyzes it and closes it.
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string) (*domain.AnalysisResult, error) {
	doc, err := document.Open(path)
	if err != nil {
		return nil, err
	}
	return a.analyzeAndClose(ctx, doc)
}

// AnalyzeBytes analyzes an in-memory statement.
func (a *Analyzer) AnalyzeBytes(ctx context.Context, data []byte) (*domain.AnalysisResult, error) {
	report, err := a.RunBytes(ctx, data, Hooks{})
	if err != nil {
		return nil, err
	}
	return report.Result, nil
}

// RunBytes decodes data, runs every pass with hooks and releases the document.
func (a *Analyzer) RunBytes(ctx context.Context, data []byte, hooks Hooks) (*Report, error) {
	doc, err := document.Load(data)
	if err != nil {
		return nil, err
	}
	defer closeDocument(doc)
	return a.Run(ctx, doc, hooks)
}

func (a *Analyzer) analyzeAndClose(ctx context.Context, doc domain.Document) (*domain.AnalysisResult, error) {
	defer closeDocument(doc)
	return a.Analyze(ctx, doc)
}

func closeDocument(doc domain.Document) {
	if err := doc.Close(); err != nil {
		slog.Warn("failed to close document", "error", err)
	}
}

// Run executes the passes in order: integrity, identity, transactions,
// custom checks. The only fatal failure is a text extraction error or
// context cancellation.
func (a *Analyzer) Run(ctx context.Context, doc domain.Document, hooks Hooks) (*Report, error) {
	start := a.now()
	acc := newAccumulator()

	acc.apply(CheckIntegrity(doc))

	text, err := doc.Text()
	if err != nil {
		var readErr *domain.DocumentReadError
		if !errors.As(err, &readErr) {
			err = domain.NewDocumentReadError("text", err)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	identity, findings := ExtractIdentity(text)
	acc.apply(findings)

	credits, debits, findings := ExtractTransactions(text)
	acc.apply(findings)

	result := &domain.AnalysisResult{
		Identity:           identity,
		CreditTransactions: credits,
		DebitTransactions:  debits,
	}

	report := &Report{Result: result}
	report.Facts = gatherFacts(doc, result, acc)

	if number, ok := identity[domain.FieldNumber]; ok && hooks.SubmissionCount != nil {
		report.Facts.SubmissionCount = hooks.SubmissionCount(ctx, number)
	}

	if a.checker != nil {
		hits, err := a.checker.Check(ctx, &report.Facts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			slog.Warn("custom checks failed", "error", err)
		}
		for _, hit := range hits {
			acc.flag(Finding{Indicator: hit.Indicator, Penalty: hit.Penalty})
		}
		report.Hits = hits
		report.RulesEvaluated = a.checker.RulesCount()
	}

	result.Metadata = domain.AnalysisMetadata{
		AccuracyScore:      acc.clamped(),
		FraudIndicators:    acc.indicators,
		ProcessingDuration: roundSeconds(a.now().Sub(start)),
	}
	report.Facts.AccuracyScore = result.Metadata.AccuracyScore
	report.Facts.IndicatorCount = len(acc.indicators)

	slog.Debug("statement analyzed",
		"score", result.Metadata.AccuracyScore,
		"indicators", len(acc.indicators),
		"credits", len(credits),
		"debits", len(debits),
	)

	return report, nil
}

func gatherFacts(doc domain.Document, result *domain.AnalysisResult, acc *accumulator) domain.Facts {
	credit, debit := result.Totals()
	return domain.Facts{
		AccuracyScore:  acc.clamped(),
		IndicatorCount: len(acc.indicators),
		CreditCount:    len(result.CreditTransactions),
		DebitCount:     len(result.DebitTransactions),
		CreditTotal:    credit.InexactFloat64(),
		DebitTotal:     debit.InexactFloat64(),
		Identity:       result.Identity,
		PageCount:      doc.PageCount(),
		FontCount:      len(doc.Fonts()),
		AnnotatedPages: annotatedPages(doc),
		Modified:       modified(doc),
	}
}

// roundSeconds converts d to seconds rounded to two decimal places.
func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
