package extraction

import (
	"encoding/json"
	"strings"

	"gorm.io/datatypes"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
)

// MinNoteTextLen is the shortest note text worth scanning. Shorter notes
// yield no candidates and are not an error.
const MinNoteTextLen = 3

// MatchNote scans one note against the full pattern set, case-insensitively.
// Every occurrence of a pattern produces its own candidate with the
// character offset of that occurrence: repeated phrases are an intensity
// signal and must not be collapsed here or anywhere downstream.
func MatchNote(note *domain.Note, pats []domain.SymptomPattern) []*domain.Mention {
	if note == nil {
		return nil
	}
	text := note.NoteText
	if len(strings.TrimSpace(text)) < MinNoteTextLen {
		return nil
	}
	lowered := strings.ToLower(text)

	var out []*domain.Mention
	for i := range pats {
		p := &pats[i]
		term := strings.ToLower(strings.TrimSpace(p.SymptomSegment))
		if term == "" {
			continue
		}
		var ext datatypes.JSON
		from := 0
		for {
			idx := strings.Index(lowered[from:], term)
			if idx < 0 {
				break
			}
			pos := from + idx
			if ext == nil && len(p.Extensions) > 0 {
				if b, err := json.Marshal(p.Extensions); err == nil {
					ext = datatypes.JSON(b)
				}
			}
			out = append(out, &domain.Mention{
				PatientID:          note.PatientID,
				DateOfService:      note.DateOfService,
				SymptomSegment:     p.SymptomSegment,
				SymptomID:          p.SymptomID,
				Diagnosis:          p.Diagnosis,
				DiagnosticCategory: p.DiagnosticCategory,
				SympProb:           p.SympProb,
				Position:           pos,
				Extensions:         ext,
			})
			from = pos + len(term)
		}
	}
	return out
}
