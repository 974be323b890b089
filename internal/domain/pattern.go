package domain

// SymptomPattern is one row of the curated matching library. Loaded once per
// run and read-only after that. SymptomSegment is the literal phrase matched
// against note text; the remaining fields are inherited by every mention the
// pattern produces.
type SymptomPattern struct {
	PatternID          string
	SymptomSegment     string
	Diagnosis          string
	DiagnosticCategory string
	SymptomID          string
	SympProb           string
	// Extensions keeps unrecognized columns (e.g. ZCode_HRSN) for
	// pass-through onto mentions.
	Extensions map[string]string
}

func (p *SymptomPattern) IsHRSN() bool {
	return p.SympProb == SympProbProblem
}
