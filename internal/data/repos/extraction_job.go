package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/dbctx"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
)

type ExtractionJobRepo interface {
	Create(dbc dbctx.Context, job *domain.ExtractionJob) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ExtractionJob, error)
	GetActiveByOwner(dbc dbctx.Context, ownerUserID uuid.UUID) (*domain.ExtractionJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
}

type extractionJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExtractionJobRepo(db *gorm.DB, baseLog *logger.Logger) ExtractionJobRepo {
	return &extractionJobRepo{db: db, log: baseLog.With("repo", "ExtractionJobRepo")}
}

func (r *extractionJobRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *extractionJobRepo) Create(dbc dbctx.Context, job *domain.ExtractionJob) error {
	return r.handle(dbc).Create(job).Error
}

func (r *extractionJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ExtractionJob, error) {
	var job domain.ExtractionJob
	err := r.handle(dbc).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *extractionJobRepo) GetActiveByOwner(dbc dbctx.Context, ownerUserID uuid.UUID) (*domain.ExtractionJob, error) {
	var job domain.ExtractionJob
	err := r.handle(dbc).
		Where("owner_user_id = ? AND status IN ?", ownerUserID,
			[]string{domain.JobStatusPending, domain.JobStatusInProgress}).
		Order("created_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *extractionJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.handle(dbc).
		Model(&domain.ExtractionJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// UpdateFieldsUnlessStatus applies updates only while the row is not in one
// of the disallowed statuses. Async progress callbacks use this so a Stop or
// failure that already landed is never overwritten.
func (r *extractionJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := r.handle(dbc).
		Model(&domain.ExtractionJob{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
