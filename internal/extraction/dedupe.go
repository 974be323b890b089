package extraction

import (
	"strings"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
)

// IdentityKey is the single dedupe identity for the whole system:
// (patient id, lower-cased segment, date of service, position). Two
// mentions sharing the full key are the same real-world event. Two mentions
// differing only in position are distinct and both kept.
type IdentityKey struct {
	PatientID string
	Segment   string
	DOS       string
	Position  int
}

func KeyOf(m *domain.Mention) IdentityKey {
	return IdentityKey{
		PatientID: m.PatientID,
		Segment:   strings.ToLower(m.SymptomSegment),
		DOS:       m.DateOfService.Format("2006-01-02"),
		Position:  m.Position,
	}
}

// Dedupe drops candidates whose identity key was already seen, across all
// workers' output at once. Chunk boundaries and retries can emit the same
// occurrence twice; this is the only place duplicates are removed.
func Dedupe(candidates []*domain.Mention) ([]*domain.Mention, int) {
	seen := make(map[IdentityKey]struct{}, len(candidates))
	unique := make([]*domain.Mention, 0, len(candidates))
	removed := 0
	for _, c := range candidates {
		if c == nil {
			continue
		}
		k := KeyOf(c)
		if _, dup := seen[k]; dup {
			removed++
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, c)
	}
	return unique, removed
}
