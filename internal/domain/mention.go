package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Mention is one pattern hit at a specific character offset in one note.
// Rows are write-once: a fresh extraction run pre-clears the scope it is
// about to reprocess instead of updating rows in place.
type Mention struct {
	ID                 uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID             uuid.UUID `gorm:"type:uuid;column:user_id;not null;index" json:"user_id"`
	PatientID          string    `gorm:"column:patient_id;not null;index" json:"patient_id"`
	DateOfService      time.Time `gorm:"column:dos_date;not null;index" json:"dos_date"`
	SymptomSegment     string    `gorm:"column:symptom_segment;not null" json:"symptom_segment"`
	SymptomID          string    `gorm:"column:symptom_id;index" json:"symptom_id"`
	Diagnosis          string    `gorm:"column:diagnosis" json:"diagnosis"`
	DiagnosticCategory string    `gorm:"column:diagnostic_category;index" json:"diagnostic_category"`
	SympProb           string    `gorm:"column:symp_prob;index" json:"symp_prob"`
	Position           int       `gorm:"column:position;not null" json:"position"`
	JobID              uuid.UUID `gorm:"type:uuid;column:job_id;not null;index" json:"job_id"`
	// Extensions carries bounded pass-through fields from custom pattern
	// columns (e.g. ZCode_HRSN). Not part of the dedupe identity.
	Extensions datatypes.JSON `gorm:"column:extensions;type:jsonb" json:"extensions,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (Mention) TableName() string { return "mention" }

const (
	// SympProb values carried from the pattern library.
	SympProbSymptom = "Symptom"
	SympProbProblem = "Problem" // HRSN indicator
)

// IsHRSN reports whether the mention belongs to the health-related social
// needs family rather than the clinical symptom family.
func (m *Mention) IsHRSN() bool {
	return m.SympProb == SympProbProblem
}
