package statement

import "github.com/opensource-finance/kestrel/internal/domain"

// Integrity indicators and penalties.
const (
	IndicatorHiddenAnnotations = "Hidden annotations detected"
	IndicatorModifiedDates     = "PDF modification date mismatch"
	IndicatorFontInconsistency = "Multiple font inconsistencies"

	PenaltyHiddenAnnotations = 15
	PenaltyModifiedDates     = 20
	PenaltyFontInconsistency = 25

	// MaxFonts is the most distinct fonts a genuine statement is expected to use.
	// Legitimate renderings use one to three.
	MaxFonts = 5
)

// Finding is one detected anomaly together with its score penalty.
type Finding struct {
	Indicator string
	Penalty   int
}

// CheckIntegrity runs the document-level tamper checks in fixed order:
// annotations, modification dates, font diversity.
func CheckIntegrity(doc domain.Document) []Finding {
	var findings []Finding
	for _, check := range []func(domain.Document) (Finding, bool){
		checkAnnotations,
		checkModification,
		checkFonts,
	} {
		if f, ok := check(doc); ok {
			findings = append(findings, f)
		}
	}
	return findings
}

func checkAnnotations(doc domain.Document) (Finding, bool) {
	if annotatedPages(doc) == 0 {
		return Finding{}, false
	}
	return Finding{IndicatorHiddenAnnotations, PenaltyHiddenAnnotations}, true
}

// checkModification is inconclusive, not failed, when either date is absent.
func checkModification(doc domain.Document) (Finding, bool) {
	if !modified(doc) {
		return Finding{}, false
	}
	return Finding{IndicatorModifiedDates, PenaltyModifiedDates}, true
}

func checkFonts(doc domain.Document) (Finding, bool) {
	if len(doc.Fonts()) <= MaxFonts {
		return Finding{}, false
	}
	return Finding{IndicatorFontInconsistency, PenaltyFontInconsistency}, true
}

func annotatedPages(doc domain.Document) int {
	n := 0
	for i := 0; i < doc.PageCount(); i++ {
		if doc.PageHasAnnotations(i) {
			n++
		}
	}
	return n
}

func modified(doc domain.Document) bool {
	created, mod := doc.Timestamps()
	return created != "" && mod != "" && created != mod
}
