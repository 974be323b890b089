package domain

import (
	"time"

	"github.com/google/uuid"
)

// Note is read-only input owned by the note store. Uploads and format
// normalization happen upstream; by the time a note is here it is plain text.
type Note struct {
	ID            uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PatientID     string    `gorm:"column:patient_id;not null;index" json:"patient_id"`
	DateOfService time.Time `gorm:"column:dos_date;not null;index" json:"dos_date"`
	NoteText      string    `gorm:"column:note_text;type:text;not null" json:"note_text"`
	ProviderID    string    `gorm:"column:provider_id;index" json:"provider_id,omitempty"`
	UserID        uuid.UUID `gorm:"type:uuid;column:user_id;not null;index" json:"user_id"`
	CreatedAt     time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (Note) TableName() string { return "note" }
