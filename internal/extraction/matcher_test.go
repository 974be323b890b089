package extraction

import (
	"testing"
	"time"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
)

func testNote(patientID, text string) *domain.Note {
	return &domain.Note{
		PatientID:     patientID,
		DateOfService: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		NoteText:      text,
	}
}

func testPatterns() []domain.SymptomPattern {
	return []domain.SymptomPattern{
		{
			SymptomSegment:     "anxiety",
			Diagnosis:          "Generalized Anxiety Disorder",
			DiagnosticCategory: "Anxiety Disorders",
			SymptomID:          "SYM001",
			SympProb:           domain.SympProbSymptom,
		},
		{
			SymptomSegment:     "food insecurity",
			Diagnosis:          "Food Insecurity",
			DiagnosticCategory: "Social Needs",
			SymptomID:          "SYM002",
			SympProb:           domain.SympProbProblem,
		},
	}
}

func TestMatchNoteRepeatedPhraseKeepsBothOccurrences(t *testing.T) {
	note := testNote("P001", "patient reports anxiety. anxiety worsened at night.")

	got := MatchNote(note, testPatterns())
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 mentions, got %d", len(got))
	}
	if got[0].Position == got[1].Position {
		t.Fatalf("occurrences must have distinct positions, both at %d", got[0].Position)
	}
	if got[0].Position != 16 || got[1].Position != 25 {
		t.Fatalf("positions: want 16 and 25, got %d and %d", got[0].Position, got[1].Position)
	}
}

func TestMatchNoteCaseInsensitive(t *testing.T) {
	note := testNote("P001", "Patient endorses ANXIETY and Food Insecurity today.")

	got := MatchNote(note, testPatterns())
	if len(got) != 2 {
		t.Fatalf("expected 2 mentions, got %d", len(got))
	}
	// Segment text keeps the library's original casing.
	if got[0].SymptomSegment != "anxiety" {
		t.Fatalf("segment: got %q", got[0].SymptomSegment)
	}
	if got[1].SympProb != domain.SympProbProblem {
		t.Fatalf("HRSN flag not inherited: %+v", got[1])
	}
}

func TestMatchNoteInheritsPatternFields(t *testing.T) {
	note := testNote("P002", "ongoing anxiety")

	got := MatchNote(note, testPatterns())
	if len(got) != 1 {
		t.Fatalf("expected 1 mention, got %d", len(got))
	}
	m := got[0]
	if m.PatientID != "P002" {
		t.Fatalf("patient id: got %q", m.PatientID)
	}
	if m.Diagnosis != "Generalized Anxiety Disorder" || m.DiagnosticCategory != "Anxiety Disorders" || m.SymptomID != "SYM001" {
		t.Fatalf("pattern fields not inherited: %+v", m)
	}
}

func TestMatchNoteShortOrEmptyTextYieldsNothing(t *testing.T) {
	for _, text := range []string{"", "  ", "ab"} {
		if got := MatchNote(testNote("P001", text), testPatterns()); len(got) != 0 {
			t.Fatalf("text %q: expected no mentions, got %d", text, len(got))
		}
	}
}

func TestMatchNoteNoMatches(t *testing.T) {
	note := testNote("P001", "routine follow-up, no complaints")
	if got := MatchNote(note, testPatterns()); len(got) != 0 {
		t.Fatalf("expected no mentions, got %d", len(got))
	}
}
