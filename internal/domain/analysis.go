package domain

import (
	"time"
)

// Analysis is the persisted record of one statement submission.
type Analysis struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	Filename      string    `json:"filename"`
	Digest        string    `json:"digest"` // hex SHA-256 of the document bytes
	AccountNumber string    `json:"accountNumber,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`

	Result AnalysisResult `json:"result"`

	// Processing metadata
	Metadata ProcessingMetadata `json:"metadata"`
}

// ProcessingMetadata contains pipeline timing and provenance.
type ProcessingMetadata struct {
	TraceID        string `json:"traceId"`
	Cached         bool   `json:"cached"`
	AnalysisMs     int64  `json:"analysisMs"`
	DecisionMs     int64  `json:"decisionMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	EngineVersion  string `json:"engineVersion"`
}

// AnalysisResponse is the API response for a statement analysis.
type AnalysisResponse struct {
	AnalysisID string             `json:"analysisId"`
	TenantID   string             `json:"tenantId"`
	Status     string             `json:"status"`
	Score      int                `json:"score"`
	Reasons    []string           `json:"reasons,omitempty"`
	Result     AnalysisResult     `json:"result"`
	Metadata   ProcessingMetadata `json:"metadata"`
}

// Verdict constants
const (
	StatusGenuine    = "GENUINE"    // score at or above the review threshold
	StatusReview     = "REVIEW"     // needs a human look
	StatusSuspicious = "SUSPICIOUS" // score below the alert threshold
)

// ToResponse converts an Analysis to an API response.
func (a *Analysis) ToResponse() *AnalysisResponse {
	return &AnalysisResponse{
		AnalysisID: a.ID,
		TenantID:   a.TenantID,
		Status:     a.Status,
		Score:      a.Result.Metadata.AccuracyScore,
		Reasons:    a.Result.Metadata.FraudIndicators,
		Result:     a.Result,
		Metadata:   a.Metadata,
	}
}
