package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/data/repos"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/extraction"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/dbctx"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/envutil"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
)

var (
	ErrJobNotFound      = errors.New("extraction job not found")
	ErrJobNotRunning    = errors.New("extraction job is not in progress")
	ErrBoostAlreadySet  = errors.New("boost already applied to this job")
	ErrJobNotLocal      = errors.New("extraction job is not running on this instance")
	ErrMissingOwner     = errors.New("missing owner id")
	ErrVerificationFail = errors.New("post-write count verification failed")
)

// Progress bands per stage. Extraction is scaled into [10,90), persistence
// into [90,99]; 100 is set only after the post-write count verification.
const (
	bandPatternsDone    = 10
	bandExtractingSpan  = 80
	bandPersistingStart = 90
	bandPersistingSpan  = 9
)

// statuses an async callback must never overwrite. Idle is protected too:
// a Reset that lands mid-run must not be undone by a straggling progress
// write, or the cleared job turns into a zombie in_progress row that blocks
// the next Start.
var protectedStatuses = []string{
	domain.JobStatusStopped,
	domain.JobStatusFailed,
	domain.JobStatusCompleted,
	domain.JobStatusIdle,
}

type StartRequest struct {
	Selector     repos.NoteSelector `json:"selector"`
	ForceRefresh bool               `json:"force_refresh"`
	Boost        bool               `json:"boost"`
	Workers      int                `json:"workers,omitempty"`
}

type JobSnapshot struct {
	domain.ExtractionJob
	Stalled bool `json:"stalled"`
}

type ExtractionConfig struct {
	Workers        int
	BoostWorkers   int
	BatchSize      int
	BatchPause     time.Duration
	StallThreshold time.Duration
}

func DefaultExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		Workers:        envutil.Int("EXTRACTION_WORKERS", 4),
		BoostWorkers:   envutil.Int("EXTRACTION_BOOST_WORKERS", 4),
		BatchSize:      envutil.Int("MENTION_BATCH_SIZE", extraction.DefaultBatchSize),
		BatchPause:     envutil.Duration("MENTION_BATCH_PAUSE", 50*time.Millisecond),
		StallThreshold: envutil.Duration("JOB_STALL_THRESHOLD", 2*time.Minute),
	}
}

// PatternLoader is satisfied by patterns.Library.
type PatternLoader interface {
	Load() ([]domain.SymptomPattern, error)
}

// ExtractionService owns the job state machine. Start returns immediately
// with a snapshot; the run proceeds on a background goroutine and all
// further interaction happens through status polling or the SSE stream.
type ExtractionService interface {
	Start(ctx context.Context, ownerID uuid.UUID, req StartRequest) (*JobSnapshot, bool, error)
	GetStatus(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, error)
	Stop(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, error)
	Reset(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, error)
	Boost(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, error)
	ForceComplete(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, error)
}

type extractionService struct {
	log      *logger.Logger
	cfg      ExtractionConfig
	loader   PatternLoader
	notes    repos.NoteRepo
	mentions repos.MentionRepo
	jobs     repos.ExtractionJobRepo
	notify   JobNotifier

	// startMu serializes the active-job check against job creation so two
	// concurrent starts for one owner cannot both pass the single-flight
	// gate.
	startMu sync.Mutex

	mu   sync.Mutex
	runs map[uuid.UUID]*runState
}

// runState is the in-memory side of one running job: the stop flag, the
// live match run (for Boost), and the one-writer monotonic progress guard.
type runState struct {
	ownerID uuid.UUID
	stop    extraction.StopFlag

	mu           sync.Mutex
	match        *extraction.MatchRun
	pendingBoost int
	lastPct      int
	totalNotes   int
}

func NewExtractionService(
	baseLog *logger.Logger,
	cfg ExtractionConfig,
	loader PatternLoader,
	notes repos.NoteRepo,
	mentions repos.MentionRepo,
	jobs repos.ExtractionJobRepo,
	notify JobNotifier,
) ExtractionService {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BoostWorkers < 1 {
		cfg.BoostWorkers = 1
	}
	return &extractionService{
		log:      baseLog.With("service", "ExtractionService"),
		cfg:      cfg,
		loader:   loader,
		notes:    notes,
		mentions: mentions,
		jobs:     jobs,
		notify:   notify,
		runs:     make(map[uuid.UUID]*runState),
	}
}

func (s *extractionService) snapshot(job *domain.ExtractionJob) *JobSnapshot {
	return &JobSnapshot{
		ExtractionJob: *job,
		Stalled:       job.Stalled(s.cfg.StallThreshold, time.Now()),
	}
}

func (s *extractionService) Start(ctx context.Context, ownerID uuid.UUID, req StartRequest) (*JobSnapshot, bool, error) {
	if ownerID == uuid.Nil {
		return nil, false, ErrMissingOwner
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	existing, err := s.jobs.GetActiveByOwner(dbctx.Context{Ctx: ctx}, ownerID)
	if err != nil {
		return nil, false, fmt.Errorf("check active job: %w", err)
	}
	if existing != nil {
		// One in_progress job per owner: hand back the current run
		// instead of spawning a competitor.
		return s.snapshot(existing), false, nil
	}

	if req.Workers <= 0 {
		req.Workers = s.cfg.Workers
	}
	now := time.Now()
	job := &domain.ExtractionJob{
		ID:          uuid.New(),
		OwnerUserID: ownerID,
		Status:      domain.JobStatusPending,
		Message:     "Queued",
		Result:      datatypes.JSON([]byte(`{}`)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.jobs.Create(dbctx.Context{Ctx: ctx}, job); err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}

	rs := &runState{ownerID: ownerID, lastPct: -1}
	s.mu.Lock()
	s.runs[job.ID] = rs
	s.mu.Unlock()

	s.notify.JobCreated(ownerID, job)
	go s.run(job.ID, rs, req)

	return s.snapshot(job), true, nil
}

func (s *extractionService) GetStatus(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, error) {
	job, err := s.jobs.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return s.snapshot(job), nil
}

func (s *extractionService) Stop(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, error) {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if !job.IsActive() {
		return nil, ErrJobNotRunning
	}

	if rs := s.runStateFor(jobID); rs != nil {
		rs.stop.Stop()
	}
	now := time.Now()
	if _, err := s.jobs.UpdateFieldsUnlessStatus(dbc, jobID, protectedStatuses, map[string]interface{}{
		"status":   domain.JobStatusStopped,
		"message":  "Stopped by operator",
		"ended_at": now,
	}); err != nil {
		return nil, err
	}

	job, err = s.jobs.GetByID(dbc, jobID)
	if err != nil || job == nil {
		return nil, ErrJobNotFound
	}
	s.notify.JobStopped(job.OwnerUserID, job)
	s.log.Info("Extraction job stopped", "job_id", jobID)
	return s.snapshot(job), nil
}

// Reset returns a job of any status to a cleared, restartable state. The
// single exception to monotonic progress.
func (s *extractionService) Reset(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, error) {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}

	if rs := s.runStateFor(jobID); rs != nil {
		rs.stop.Stop()
	}
	if err := s.jobs.UpdateFields(dbc, jobID, map[string]interface{}{
		"status":          domain.JobStatusIdle,
		"stage":           "",
		"progress":        0,
		"processed_notes": 0,
		"total_notes":     0,
		"boost_applied":   false,
		"message":         "Reset",
		"error":           "",
		"result":          datatypes.JSON([]byte(`{}`)),
		"started_at":      nil,
		"ended_at":        nil,
	}); err != nil {
		return nil, err
	}

	job, err = s.jobs.GetByID(dbc, jobID)
	if err != nil || job == nil {
		return nil, ErrJobNotFound
	}
	s.notify.JobProgress(job.OwnerUserID, job)
	s.log.Info("Extraction job reset", "job_id", jobID)
	return s.snapshot(job), nil
}

// Boost raises the worker count for the remainder of a running job.
// Rejected when the job is not in_progress or boost was already applied.
func (s *extractionService) Boost(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, error) {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if job.Status != domain.JobStatusInProgress {
		return nil, ErrJobNotRunning
	}
	if job.BoostApplied {
		return nil, ErrBoostAlreadySet
	}
	rs := s.runStateFor(jobID)
	if rs == nil {
		return nil, ErrJobNotLocal
	}

	rs.mu.Lock()
	if rs.match != nil {
		rs.match.Boost(s.cfg.BoostWorkers)
	} else {
		// Matching has not started yet; the run picks this up when it
		// builds the worker pool.
		rs.pendingBoost += s.cfg.BoostWorkers
	}
	rs.mu.Unlock()

	if _, err := s.jobs.UpdateFieldsUnlessStatus(dbc, jobID, protectedStatuses, map[string]interface{}{
		"boost_applied": true,
		"message":       fmt.Sprintf("Boost applied (+%d workers)", s.cfg.BoostWorkers),
	}); err != nil {
		return nil, err
	}

	job, err = s.jobs.GetByID(dbc, jobID)
	if err != nil || job == nil {
		return nil, ErrJobNotFound
	}
	s.notify.JobProgress(job.OwnerUserID, job)
	s.log.Info("Extraction job boosted", "job_id", jobID, "added_workers", s.cfg.BoostWorkers)
	return s.snapshot(job), nil
}

// ForceComplete is an operator escape hatch for a stuck run: the job is
// marked complete with whatever has been persisted so far, flagged as
// partial data.
func (s *extractionService) ForceComplete(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, error) {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if job.Status != domain.JobStatusInProgress {
		return nil, ErrJobNotRunning
	}

	if rs := s.runStateFor(jobID); rs != nil {
		rs.stop.Stop()
	}
	persisted, _ := s.mentions.CountByJobID(dbc, jobID)
	result, _ := json.Marshal(map[string]any{
		"partial_data":       true,
		"mentions_persisted": persisted,
	})
	now := time.Now()
	if _, err := s.jobs.UpdateFieldsUnlessStatus(dbc, jobID, protectedStatuses,
		map[string]interface{}{
			"status":   domain.JobStatusCompleted,
			"message":  "Force-completed with partial data",
			"result":   datatypes.JSON(result),
			"ended_at": now,
		}); err != nil {
		return nil, err
	}

	job, err = s.jobs.GetByID(dbc, jobID)
	if err != nil || job == nil {
		return nil, ErrJobNotFound
	}
	s.notify.JobDone(job.OwnerUserID, job)
	s.log.Warn("Extraction job force-completed", "job_id", jobID, "mentions_persisted", persisted)
	return s.snapshot(job), nil
}

func (s *extractionService) runStateFor(jobID uuid.UUID) *runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[jobID]
}

// publishProgress is the single progress writer for a run. Progress is
// clamped monotonic, coalesced most-recent-wins, and never overwrites a
// terminal status that landed first.
func (s *extractionService) publishProgress(rs *runState, jobID uuid.UUID, stage string, pct int, processed int, message string) {
	rs.mu.Lock()
	if pct < rs.lastPct {
		pct = rs.lastPct
	}
	rs.lastPct = pct
	total := rs.totalNotes
	rs.mu.Unlock()

	updates := map[string]interface{}{
		"status":   domain.JobStatusInProgress,
		"stage":    stage,
		"progress": pct,
		"message":  message,
	}
	if processed >= 0 {
		updates["processed_notes"] = processed
	}
	ok, err := s.jobs.UpdateFieldsUnlessStatus(dbctx.Background(), jobID, protectedStatuses, updates)
	if err != nil {
		s.log.Warn("Progress update failed", "job_id", jobID, "error", err)
		return
	}
	if !ok {
		// Terminal state already landed; drop the update.
		return
	}
	snap := &domain.ExtractionJob{
		ID:          jobID,
		OwnerUserID: rs.ownerID,
		Status:      domain.JobStatusInProgress,
		Stage:       stage,
		Progress:    pct,
		Message:     message,
		TotalNotes:  total,
		UpdatedAt:   time.Now(),
	}
	if processed >= 0 {
		snap.ProcessedNotes = processed
	}
	s.notify.JobProgress(rs.ownerID, snap)
}

func (s *extractionService) failJob(jobID uuid.UUID, runErr error) {
	now := time.Now()
	// Progress stays at its last value so operators can see how far the
	// run got.
	_, err := s.jobs.UpdateFieldsUnlessStatus(dbctx.Background(), jobID,
		[]string{domain.JobStatusStopped, domain.JobStatusCompleted, domain.JobStatusIdle},
		map[string]interface{}{
			"status":   domain.JobStatusFailed,
			"message":  "Extraction failed",
			"error":    runErr.Error(),
			"ended_at": now,
		})
	if err != nil {
		s.log.Error("Failed to mark job failed", "job_id", jobID, "error", err)
	}
	job, gerr := s.jobs.GetByID(dbctx.Background(), jobID)
	if gerr == nil && job != nil {
		s.notify.JobFailed(job.OwnerUserID, job)
	}
	s.log.Error("Extraction job failed", "job_id", jobID, "error", runErr)
}

func (s *extractionService) completeJob(jobID uuid.UUID, message string, result map[string]any) {
	raw, _ := json.Marshal(result)
	now := time.Now()
	_, err := s.jobs.UpdateFieldsUnlessStatus(dbctx.Background(), jobID, protectedStatuses,
		map[string]interface{}{
			"status":   domain.JobStatusCompleted,
			"progress": 100,
			"message":  message,
			"result":   datatypes.JSON(raw),
			"ended_at": now,
		})
	if err != nil {
		s.log.Error("Failed to mark job completed", "job_id", jobID, "error", err)
		return
	}
	job, gerr := s.jobs.GetByID(dbctx.Background(), jobID)
	if gerr == nil && job != nil {
		s.notify.JobDone(job.OwnerUserID, job)
	}
	s.log.Info("Extraction job completed", "job_id", jobID, "message", message)
}

// run drives one extraction end to end on a background goroutine. The
// triggering request has already returned with the job id.
func (s *extractionService) run(jobID uuid.UUID, rs *runState, req StartRequest) {
	defer func() {
		s.mu.Lock()
		delete(s.runs, jobID)
		s.mu.Unlock()
	}()

	ctx := context.Background()
	dbc := dbctx.Background()
	started := time.Now()

	if err := s.jobs.UpdateFields(dbc, jobID, map[string]interface{}{
		"status":     domain.JobStatusInProgress,
		"stage":      domain.JobStageLoadingPatterns,
		"started_at": started,
	}); err != nil {
		s.failJob(jobID, fmt.Errorf("start run: %w", err))
		return
	}
	s.publishProgress(rs, jobID, domain.JobStageLoadingPatterns, 0, -1, "Loading pattern library")

	// Pattern load and note retrieval are independent; overlap them.
	var (
		pats  []domain.SymptomPattern
		notes []*domain.Note
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var lerr error
		pats, lerr = s.loader.Load()
		return lerr
	})
	g.Go(func() error {
		var nerr error
		notes, nerr = s.notes.ListForScope(dbctx.Context{Ctx: gctx}, rs.ownerID, req.Selector)
		if nerr != nil {
			return &extraction.NoteRetrievalError{Err: nerr}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.failJob(jobID, err)
		return
	}
	s.publishProgress(rs, jobID, domain.JobStageLoadingPatterns, bandPatternsDone, -1,
		fmt.Sprintf("Loaded %d patterns", len(pats)))

	if rs.stop.Stopped() {
		return
	}

	total := len(notes)
	rs.mu.Lock()
	rs.totalNotes = total
	rs.mu.Unlock()
	_, _ = s.jobs.UpdateFieldsUnlessStatus(dbc, jobID, protectedStatuses,
		map[string]interface{}{"total_notes": total})

	if !req.ForceRefresh {
		existing, cerr := s.mentions.CountForScope(dbc, rs.ownerID, req.Selector)
		if cerr == nil && existing > 0 {
			s.completeJob(jobID, "Using previously extracted mentions", map[string]any{
				"cached":            true,
				"existing_mentions": existing,
			})
			return
		}
	} else {
		cleared, derr := s.mentions.DeleteForScope(dbc, rs.ownerID, req.Selector)
		if derr != nil {
			s.failJob(jobID, &extraction.PersistenceError{Err: fmt.Errorf("pre-clear scope: %w", derr)})
			return
		}
		if cleared > 0 {
			s.log.Info("Pre-cleared prior mentions for scope", "job_id", jobID, "cleared", cleared)
		}
	}

	if total == 0 {
		s.completeJob(jobID, "No notes in the requested scope", map[string]any{
			"notes_processed":  0,
			"mentions_written": 0,
		})
		return
	}

	workers := req.Workers
	boostAtStart := false
	if req.Boost {
		workers += s.cfg.BoostWorkers
		boostAtStart = true
	}

	rs.mu.Lock()
	workers += rs.pendingBoost
	if rs.pendingBoost > 0 {
		boostAtStart = true
	}
	match := extraction.NewMatchRun(s.log, notes, pats, workers, &rs.stop,
		func(fraction float64, message string) {
			pct := bandPatternsDone + int(fraction*bandExtractingSpan)
			if pct >= bandPersistingStart {
				pct = bandPersistingStart - 1
			}
			s.publishProgress(rs, jobID, domain.JobStageExtracting, pct, rs.matchProcessed(), message)
		})
	rs.match = match
	rs.mu.Unlock()

	if boostAtStart {
		_, _ = s.jobs.UpdateFieldsUnlessStatus(dbc, jobID, protectedStatuses,
			map[string]interface{}{"boost_applied": true})
	}
	s.publishProgress(rs, jobID, domain.JobStageExtracting, bandPatternsDone, 0,
		fmt.Sprintf("Matching %d notes across %d workers", total, match.WorkerCount()))

	candidates, err := match.Execute(ctx)
	if err != nil {
		if errors.Is(err, extraction.ErrRunStopped) {
			s.log.Info("Extraction run stopped during matching", "job_id", jobID)
			return
		}
		s.failJob(jobID, err)
		return
	}
	for _, c := range candidates {
		c.UserID = rs.ownerID
		c.JobID = jobID
	}

	unique, removed := extraction.Dedupe(candidates)
	s.publishProgress(rs, jobID, domain.JobStagePersisting, bandPersistingStart, total,
		fmt.Sprintf("Persisting %d mentions (%d duplicates removed)", len(unique), removed))

	writer := extraction.NewBatchWriter(s.log, s.mentions, s.cfg.BatchSize, s.cfg.BatchPause)
	written, err := writer.Persist(ctx, unique, &rs.stop, func(fraction float64, message string) {
		pct := bandPersistingStart + int(fraction*bandPersistingSpan)
		if pct > bandPersistingStart+bandPersistingSpan {
			pct = bandPersistingStart + bandPersistingSpan
		}
		s.publishProgress(rs, jobID, domain.JobStagePersisting, pct, total, message)
	})
	if err != nil {
		if errors.Is(err, extraction.ErrRunStopped) {
			s.log.Info("Extraction run stopped during persistence", "job_id", jobID, "written", written)
			return
		}
		s.failJob(jobID, err)
		return
	}

	verified, err := s.mentions.CountByJobID(dbc, jobID)
	if err != nil {
		s.failJob(jobID, &extraction.PersistenceError{Err: fmt.Errorf("verification count: %w", err)})
		return
	}
	if int(verified) != written {
		s.failJob(jobID, fmt.Errorf("%w: wrote %d, store has %d for job", ErrVerificationFail, written, verified))
		return
	}

	s.completeJob(jobID, "Extraction complete", map[string]any{
		"notes_processed":    total,
		"mentions_written":   written,
		"duplicates_removed": removed,
		"verified_count":     verified,
	})
}

// matchProcessed reads the live processed counter without holding rs.mu
// against the progress path. Callers already hold rs.mu only during pool
// swap, never here.
func (rs *runState) matchProcessed() int {
	if rs.match == nil {
		return -1
	}
	return rs.match.Processed()
}
