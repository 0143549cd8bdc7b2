package statement

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	IndicatorNoTransactions = "No transactions detected"
	PenaltyNoTransactions   = 30
)

// DateLayout is the statement date format, e.g. 05-Mar-2025.
const DateLayout = "02-Jan-2006"

// A date, a lazy description and a signed amount with two decimals.
var transactionPattern = regexp.MustCompile(
	`(\d{2}-[A-Za-z]{3}-\d{4})` +
		`\s+(.*?)` +
		`\s+(-?\d{1,3}(?:,\d{3})*\.\d{2})`,
)

// ExtractTransactions scans text for transaction lines and splits them
// into credits (amount > 0) and debits (amount <= 0), each in scan order.
// A match whose date is not a real calendar day is skipped and scanning
// resumes right after that date, so a valid entry later on the same line
// is still found.
func ExtractTransactions(text string) (credits, debits []domain.Transaction, findings []Finding) {
	credits = []domain.Transaction{}
	debits = []domain.Transaction{}

	for pos := 0; pos < len(text); {
		loc := transactionPattern.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		date := text[pos+loc[2] : pos+loc[3]]
		description := text[pos+loc[4] : pos+loc[5]]
		amount := text[pos+loc[6] : pos+loc[7]]

		tx, err := parseTransaction(date, description, amount)
		if err != nil {
			pos += loc[3]
			continue
		}
		pos += loc[1]

		if tx.IsCredit() {
			credits = append(credits, tx)
		} else {
			debits = append(debits, tx)
		}
	}

	if len(credits) == 0 && len(debits) == 0 {
		findings = append(findings, Finding{IndicatorNoTransactions, PenaltyNoTransactions})
	}
	return credits, debits, findings
}

func parseTransaction(date, description, amount string) (domain.Transaction, error) {
	d, err := ParseDate(date)
	if err != nil {
		return domain.Transaction{}, err
	}
	a, err := ParseAmount(amount)
	if err != nil {
		return domain.Transaction{}, err
	}
	return domain.Transaction{
		Date:        d,
		Description: strings.TrimSpace(description),
		Amount:      a,
	}, nil
}

// ParseDate parses a DD-Mon-YYYY token. Month names are case-insensitive.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid statement date %q: %w", s, err)
	}
	return t, nil
}

// ParseAmount strips thousands separators and parses a signed decimal.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid statement amount %q: %w", s, err)
	}
	return d, nil
}
