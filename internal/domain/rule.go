package domain

import "time"

// CheckRule is an operator-defined integrity check.
// When Expression evaluates to true the analysis is flagged with Indicator
// and the accuracy score is reduced by Penalty.
type CheckRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression over statement facts, must return bool
	Expression string `json:"expression"`

	Indicator string `json:"indicator"`
	Penalty   int    `json:"penalty"` // 1-100

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// MaxPenalty bounds a single rule's penalty.
const MaxPenalty = InitialAccuracyScore

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// Facts are the values custom checks can reference.
// They are gathered from the document and the built-in passes.
type Facts struct {
	AccuracyScore   int
	IndicatorCount  int
	CreditCount     int
	DebitCount      int
	CreditTotal     float64
	DebitTotal      float64
	Identity        map[string]string
	PageCount       int
	FontCount       int
	AnnotatedPages  int
	Modified        bool
	SubmissionCount int64
}

// RuleHit is a custom check that fired.
type RuleHit struct {
	RuleID    string `json:"ruleId"`
	Indicator string `json:"indicator"`
	Penalty   int    `json:"penalty"`
}
