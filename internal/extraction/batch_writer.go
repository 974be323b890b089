package extraction

import (
	"context"
	"fmt"
	"time"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/dbctx"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
)

// MentionStore is the narrow slice of the mention repo the writer needs.
type MentionStore interface {
	CreateBatch(dbc dbctx.Context, mentions []*domain.Mention) error
}

const (
	DefaultBatchSize  = 1000
	defaultBatchPause = 50 * time.Millisecond
)

// BatchWriter persists deduplicated mentions sequentially in fixed-size
// batches, with a brief pause between batches to bound load on the store.
// A failed batch aborts the rest; committed batches stand.
type BatchWriter struct {
	log       *logger.Logger
	store     MentionStore
	batchSize int
	pause     time.Duration
}

func NewBatchWriter(baseLog *logger.Logger, store MentionStore, batchSize int, pause time.Duration) *BatchWriter {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if pause < 0 {
		pause = defaultBatchPause
	}
	return &BatchWriter{
		log:       baseLog.With("component", "BatchWriter"),
		store:     store,
		batchSize: batchSize,
		pause:     pause,
	}
}

// Persist writes mentions in order and returns how many rows were written.
// The stop flag is checked between batches only; a batch in flight commits
// or fails as a unit.
func (w *BatchWriter) Persist(ctx context.Context, mentions []*domain.Mention, stop *StopFlag, onProgress ProgressFunc) (int, error) {
	total := len(mentions)
	if total == 0 {
		if onProgress != nil {
			onProgress(1, "No mentions to persist")
		}
		return 0, nil
	}

	written := 0
	batchNum := 0
	for start := 0; start < total; start += w.batchSize {
		if stop != nil && stop.Stopped() {
			return written, ErrRunStopped
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}

		end := start + w.batchSize
		if end > total {
			end = total
		}
		batchNum++
		batch := mentions[start:end]
		if err := w.store.CreateBatch(dbctx.Context{Ctx: ctx}, batch); err != nil {
			w.log.Error("Mention batch write failed", "batch", batchNum, "size", len(batch), "error", err)
			return written, &PersistenceError{Batch: batchNum, Err: err}
		}
		written += len(batch)
		if onProgress != nil {
			onProgress(float64(written)/float64(total), fmt.Sprintf("Persisted %d/%d mentions", written, total))
		}
		if end < total && w.pause > 0 {
			time.Sleep(w.pause)
		}
	}
	return written, nil
}
