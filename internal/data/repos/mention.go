package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/dbctx"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
)

type MentionRepo interface {
	CreateBatch(dbc dbctx.Context, mentions []*domain.Mention) error
	DeleteForScope(dbc dbctx.Context, userID uuid.UUID, sel NoteSelector) (int64, error)
	CountByJobID(dbc dbctx.Context, jobID uuid.UUID) (int64, error)
	CountForScope(dbc dbctx.Context, userID uuid.UUID, sel NoteSelector) (int64, error)
	ListForUser(dbc dbctx.Context, userID uuid.UUID) ([]*domain.Mention, error)
}

type mentionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMentionRepo(db *gorm.DB, baseLog *logger.Logger) MentionRepo {
	return &mentionRepo{db: db, log: baseLog.With("repo", "MentionRepo")}
}

func (r *mentionRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

// CreateBatch inserts one batch in a single statement; gorm wraps multi-row
// inserts in a transaction so a failed batch leaves no partial rows.
func (r *mentionRepo) CreateBatch(dbc dbctx.Context, mentions []*domain.Mention) error {
	if len(mentions) == 0 {
		return nil
	}
	return r.handle(dbc).Create(&mentions).Error
}

// scopeQuery mirrors NoteRepo's selector semantics on the mention table so a
// scoped run only touches mentions whose notes it will actually reprocess.
func (r *mentionRepo) scopeQuery(dbc dbctx.Context, userID uuid.UUID, sel NoteSelector) *gorm.DB {
	q := r.handle(dbc).Where("user_id = ?", userID)
	if len(sel.PatientIDs) > 0 {
		q = q.Where("patient_id IN ?", sel.PatientIDs)
	}
	if sel.From != nil {
		q = q.Where("dos_date >= ?", *sel.From)
	}
	if sel.To != nil {
		q = q.Where("dos_date <= ?", *sel.To)
	}
	return q
}

// DeleteForScope clears prior mentions for notes about to be reprocessed.
// The zero selector clears everything the owner has.
func (r *mentionRepo) DeleteForScope(dbc dbctx.Context, userID uuid.UUID, sel NoteSelector) (int64, error) {
	res := r.scopeQuery(dbc, userID, sel).Delete(&domain.Mention{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *mentionRepo) CountByJobID(dbc dbctx.Context, jobID uuid.UUID) (int64, error) {
	var count int64
	err := r.handle(dbc).Model(&domain.Mention{}).
		Where("job_id = ?", jobID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *mentionRepo) CountForScope(dbc dbctx.Context, userID uuid.UUID, sel NoteSelector) (int64, error) {
	var count int64
	err := r.scopeQuery(dbc, userID, sel).
		Model(&domain.Mention{}).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *mentionRepo) ListForUser(dbc dbctx.Context, userID uuid.UUID) ([]*domain.Mention, error) {
	var out []*domain.Mention
	err := r.handle(dbc).
		Where("user_id = ?", userID).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
