package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobStatusIdle       = "idle"
	JobStatusPending    = "pending"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusStopped    = "stopped"
)

const (
	JobStageLoadingPatterns = "loading_patterns"
	JobStageExtracting      = "extracting"
	JobStagePersisting      = "persisting"
)

// ExtractionJob is the durable record of one extraction run. Progress is
// monotonic within a run; only Reset may lower it.
type ExtractionJob struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerUserID    uuid.UUID      `gorm:"type:uuid;column:owner_user_id;not null;index" json:"owner_user_id"`
	Status         string         `gorm:"column:status;not null;index" json:"status"`
	Stage          string         `gorm:"column:stage;index" json:"stage,omitempty"`
	Progress       int            `gorm:"column:progress;not null;default:0" json:"progress"`
	ProcessedNotes int            `gorm:"column:processed_notes;not null;default:0" json:"processed_notes"`
	TotalNotes     int            `gorm:"column:total_notes;not null;default:0" json:"total_notes"`
	BoostApplied   bool           `gorm:"column:boost_applied;not null;default:false" json:"boost_applied"`
	Message        string         `gorm:"column:message" json:"message,omitempty"`
	Error          string         `gorm:"column:error" json:"error,omitempty"`
	Result         datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	StartedAt      *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	EndedAt        *time.Time     `gorm:"column:ended_at" json:"ended_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
}

func (ExtractionJob) TableName() string { return "extraction_job" }

func (j *ExtractionJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusStopped:
		return true
	}
	return false
}

func (j *ExtractionJob) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusInProgress
}

// Stalled reports whether an in_progress job has gone without a progress
// update for longer than threshold. Not an error by itself; operators
// recover through Stop/Reset/Boost/ForceComplete.
func (j *ExtractionJob) Stalled(threshold time.Duration, now time.Time) bool {
	if j.Status != JobStatusInProgress || threshold <= 0 {
		return false
	}
	return now.Sub(j.UpdatedAt) > threshold
}
