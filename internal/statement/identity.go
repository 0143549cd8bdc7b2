package statement

import (
	"regexp"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// PenaltyMissingField applies to each identity field not found.
const PenaltyMissingField = 5

type identityPattern struct {
	field string
	re    *regexp.Regexp
}

// Captures stay on the label's line.
var identityPatterns = []identityPattern{
	{domain.FieldName, regexp.MustCompile(`Account Name:[ \t]*(\S.*)`)},
	{domain.FieldNumber, regexp.MustCompile(`Account Number:[ \t]*(\d+)`)},
	{domain.FieldBank, regexp.MustCompile(`Bank Name:[ \t]*(\S.*)`)},
	{domain.FieldPeriod, regexp.MustCompile(`Statement Period:[ \t]*(\S.*)`)},
}

// ExtractIdentity matches the account holder fields in text.
// Every field is attempted; each miss yields one finding.
func ExtractIdentity(text string) (map[string]string, []Finding) {
	identity := make(map[string]string, len(identityPatterns))
	var findings []Finding

	for _, p := range identityPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			findings = append(findings, Finding{
				Indicator: MissingIndicator(p.field),
				Penalty:   PenaltyMissingField,
			})
			continue
		}
		identity[p.field] = strings.TrimSpace(m[1])
	}

	return identity, findings
}

// MissingIndicator names a missing identity field, with underscores shown
// as spaces: "account_number" becomes "Missing account number".
func MissingIndicator(field string) string {
	return "Missing " + strings.ReplaceAll(field, "_", " ")
}
