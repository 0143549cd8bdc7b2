package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Identity field keys extracted from statement text.
const (
	FieldName   = "name"
	FieldNumber = "number"
	FieldBank   = "bank"
	FieldPeriod = "period"
)

// InitialAccuracyScore is the score every analysis starts from.
const InitialAccuracyScore = 100

// AnalysisResult is the output of analyzing one statement document.
// Field names are part of the public JSON contract.
type AnalysisResult struct {
	Identity           map[string]string `json:"identity"`
	CreditTransactions []Transaction     `json:"credit_transactions"`
	DebitTransactions  []Transaction     `json:"debit_transactions"`
	Metadata           AnalysisMetadata  `json:"metadata"`
}

// AnalysisMetadata carries the accumulated score and anomalies.
type AnalysisMetadata struct {
	AccuracyScore      int      `json:"accuracy_score"`
	FraudIndicators    []string `json:"fraud_indicators"`
	ProcessingDuration float64  `json:"processing_duration"` // seconds
}

// Transaction is a single statement line matched in the document text.
type Transaction struct {
	Date        time.Time
	Description string
	Amount      decimal.Decimal
}

// IsCredit reports whether the transaction belongs in the credit bucket.
// Zero-amount entries are debits.
func (t Transaction) IsCredit() bool {
	return t.Amount.IsPositive()
}

// isoDateTime mirrors a naive ISO-8601 timestamp without zone.
const isoDateTime = "2006-01-02T15:04:05"

type transactionJSON struct {
	Date        string      `json:"date"`
	Description string      `json:"description"`
	Amount      json.Number `json:"amount"`
}

// MarshalJSON encodes the date as ISO-8601 and the amount as a JSON number.
func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(transactionJSON{
		Date:        t.Date.Format(isoDateTime),
		Description: t.Description,
		Amount:      json.Number(t.Amount.String()),
	})
}

// UnmarshalJSON decodes the representation produced by MarshalJSON.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var raw transactionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	date, err := time.Parse(isoDateTime, raw.Date)
	if err != nil {
		return fmt.Errorf("invalid transaction date %q: %w", raw.Date, err)
	}

	amount, err := decimal.NewFromString(raw.Amount.String())
	if err != nil {
		return fmt.Errorf("invalid transaction amount %q: %w", raw.Amount, err)
	}

	t.Date = date
	t.Description = raw.Description
	t.Amount = amount
	return nil
}

// Transactions returns credits followed by debits.
func (r *AnalysisResult) Transactions() []Transaction {
	all := make([]Transaction, 0, len(r.CreditTransactions)+len(r.DebitTransactions))
	all = append(all, r.CreditTransactions...)
	return append(all, r.DebitTransactions...)
}

// Totals sums the credit and debit buckets.
func (r *AnalysisResult) Totals() (credit, debit decimal.Decimal) {
	for _, tx := range r.CreditTransactions {
		credit = credit.Add(tx.Amount)
	}
	for _, tx := range r.DebitTransactions {
		debit = debit.Add(tx.Amount)
	}
	return credit, debit
}
