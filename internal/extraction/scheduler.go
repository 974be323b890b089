package extraction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
)

// ProgressFunc receives a completion fraction in [0,1] and a short message.
// Calls are coalesced most-recent-wins; intermediate fractions may be
// skipped but the final one for a stage never is.
type ProgressFunc func(fraction float64, message string)

// StopFlag is the cooperative cancellation signal shared by a run. Checked
// between notes and between batches; in-flight work on a single note is
// allowed to finish.
type StopFlag struct {
	flag atomic.Bool
}

func (s *StopFlag) Stop()         { s.flag.Store(true) }
func (s *StopFlag) Stopped() bool { return s.flag.Load() }

// MatchRun partitions a note set across parallel matcher workers. Notes are
// claimed one at a time from a shared cursor so the per-worker share stays
// balanced by note count even when Boost adds workers mid-run. Results keep
// note order regardless of worker scheduling, so a run over fixed inputs is
// deterministic.
type MatchRun struct {
	log      *logger.Logger
	notes    []*domain.Note
	patterns []domain.SymptomPattern

	cursor    atomic.Int64
	processed atomic.Int64
	workers   atomic.Int32
	spawned   atomic.Int32
	results   [][]*domain.Mention

	wg       sync.WaitGroup
	started  atomic.Bool
	stop     *StopFlag
	progress ProgressFunc

	reportMu sync.Mutex
	lastPct  int

	runCtx context.Context
}

func NewMatchRun(baseLog *logger.Logger, notes []*domain.Note, pats []domain.SymptomPattern, workerCount int, stop *StopFlag, onProgress ProgressFunc) *MatchRun {
	if workerCount < 1 {
		workerCount = 1
	}
	if stop == nil {
		stop = &StopFlag{}
	}
	r := &MatchRun{
		log:      baseLog.With("component", "MatchRun"),
		notes:    notes,
		patterns: pats,
		results:  make([][]*domain.Mention, len(notes)),
		stop:     stop,
		progress: onProgress,
		lastPct:  -1,
	}
	r.workers.Store(int32(workerCount))
	return r
}

func (r *MatchRun) WorkerCount() int { return int(r.workers.Load()) }

// Boost raises the target parallelism for the remaining notes. Worker count
// never decreases mid-run. Boost only moves the target; live workers grow the
// pool between notes, so the wait group is never touched from outside the
// pool and a boost landing after the pool drained is a no-op. Returns the new
// target.
func (r *MatchRun) Boost(extra int) int {
	if extra < 1 {
		return r.WorkerCount()
	}
	n := r.workers.Add(int32(extra))
	if r.started.Load() {
		r.log.Info("Boost applied to match run", "added_workers", extra, "worker_count", n)
	}
	return int(n)
}

// Execute runs the workers and blocks until the note set is exhausted, the
// stop flag trips, or the context ends. Already-matched notes are never
// redone by late-joining workers.
func (r *MatchRun) Execute(ctx context.Context) ([]*domain.Mention, error) {
	r.runCtx = ctx
	initial := r.workers.Load()
	r.spawned.Store(initial)
	r.started.Store(true)
	for i := int32(0); i < initial; i++ {
		r.spawn()
	}
	r.wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.stop.Stopped() && int(r.processed.Load()) < len(r.notes) {
		return nil, ErrRunStopped
	}

	r.report(true)
	var merged []*domain.Mention
	for _, ms := range r.results {
		merged = append(merged, ms...)
	}
	return merged, nil
}

func (r *MatchRun) spawn() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		total := int64(len(r.notes))
		for {
			// grow toward the boost target; Add from a registered worker
			// keeps the wait group counter positive, which Boost itself
			// could not guarantee
			for {
				s := r.spawned.Load()
				if s >= r.workers.Load() {
					break
				}
				if r.spawned.CompareAndSwap(s, s+1) {
					r.spawn()
				}
			}
			if r.stop.Stopped() || (r.runCtx != nil && r.runCtx.Err() != nil) {
				return
			}
			i := r.cursor.Add(1) - 1
			if i >= total {
				return
			}
			r.results[i] = MatchNote(r.notes[i], r.patterns)
			r.processed.Add(1)
			r.report(false)
		}
	}()
}

// report coalesces progress to whole-percent changes; the final call after
// all workers join always goes out.
func (r *MatchRun) report(final bool) {
	if r.progress == nil || len(r.notes) == 0 {
		return
	}
	done := int(r.processed.Load())
	total := len(r.notes)
	pct := done * 100 / total

	r.reportMu.Lock()
	defer r.reportMu.Unlock()
	if !final && pct == r.lastPct {
		return
	}
	r.lastPct = pct
	r.progress(float64(done)/float64(total), fmt.Sprintf("Matched %d/%d notes", done, total))
}

// Processed reports how many notes have completed matching so far.
func (r *MatchRun) Processed() int { return int(r.processed.Load()) }
