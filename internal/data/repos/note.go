package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/dbctx"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
)

// NoteSelector narrows which notes an extraction run covers. Zero value
// means every note the owner has.
type NoteSelector struct {
	PatientIDs []string   `json:"patient_ids,omitempty"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
}

type NoteRepo interface {
	CreateBatch(dbc dbctx.Context, notes []*domain.Note) error
	ListForScope(dbc dbctx.Context, userID uuid.UUID, sel NoteSelector) ([]*domain.Note, error)
	CountForScope(dbc dbctx.Context, userID uuid.UUID, sel NoteSelector) (int64, error)
}

type noteRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewNoteRepo(db *gorm.DB, baseLog *logger.Logger) NoteRepo {
	return &noteRepo{db: db, log: baseLog.With("repo", "NoteRepo")}
}

func (r *noteRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *noteRepo) CreateBatch(dbc dbctx.Context, notes []*domain.Note) error {
	if len(notes) == 0 {
		return nil
	}
	return r.handle(dbc).Create(&notes).Error
}

func (r *noteRepo) scopeQuery(dbc dbctx.Context, userID uuid.UUID, sel NoteSelector) *gorm.DB {
	q := r.handle(dbc).Model(&domain.Note{}).Where("user_id = ?", userID)
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

func (r *noteRepo) ListForScope(dbc dbctx.Context, userID uuid.UUID, sel NoteSelector) ([]*domain.Note, error) {
	var out []*domain.Note
	err := r.scopeQuery(dbc, userID, sel).
		Order("patient_id ASC, dos_date ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *noteRepo) CountForScope(dbc dbctx.Context, userID uuid.UUID, sel NoteSelector) (int64, error) {
	var count int64
	if err := r.scopeQuery(dbc, userID, sel).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
