package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/data/repos"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/dbctx"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
)

func serviceLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

// --- in-memory fakes ---

type fakeLoader struct {
	pats []domain.SymptomPattern
	err  error
	gate chan struct{} // when non-nil, Load blocks until the gate closes
}

func (l *fakeLoader) Load() ([]domain.SymptomPattern, error) {
	if l.gate != nil {
		<-l.gate
	}
	return l.pats, l.err
}

type fakeNoteRepo struct {
	mu    sync.Mutex
	notes []*domain.Note
}

func (r *fakeNoteRepo) CreateBatch(dbc dbctx.Context, notes []*domain.Note) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, notes...)
	return nil
}

func selectorMatches(sel repos.NoteSelector, patientID string, dos time.Time) bool {
	if len(sel.PatientIDs) > 0 {
		found := false
		for _, pid := range sel.PatientIDs {
			if patientID == pid {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if sel.From != nil && dos.Before(*sel.From) {
		return false
	}
	if sel.To != nil && dos.After(*sel.To) {
		return false
	}
	return true
}

func (r *fakeNoteRepo) inScope(n *domain.Note, userID uuid.UUID, sel repos.NoteSelector) bool {
	return n.UserID == userID && selectorMatches(sel, n.PatientID, n.DateOfService)
}

func (r *fakeNoteRepo) ListForScope(dbc dbctx.Context, userID uuid.UUID, sel repos.NoteSelector) ([]*domain.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Note
	for _, n := range r.notes {
		if r.inScope(n, userID, sel) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *fakeNoteRepo) CountForScope(dbc dbctx.Context, userID uuid.UUID, sel repos.NoteSelector) (int64, error) {
	list, _ := r.ListForScope(dbc, userID, sel)
	return int64(len(list)), nil
}

type fakeMentionRepo struct {
	mu       sync.Mutex
	mentions []*domain.Mention
}

func (r *fakeMentionRepo) CreateBatch(dbc dbctx.Context, mentions []*domain.Mention) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range mentions {
		cp := *m
		r.mentions = append(r.mentions, &cp)
	}
	return nil
}

func (r *fakeMentionRepo) DeleteForScope(dbc dbctx.Context, userID uuid.UUID, sel repos.NoteSelector) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keep := r.mentions[:0]
	var removed int64
	for _, m := range r.mentions {
		if m.UserID == userID && selectorMatches(sel, m.PatientID, m.DateOfService) {
			removed++
			continue
		}
		keep = append(keep, m)
	}
	r.mentions = keep
	return removed, nil
}

func (r *fakeMentionRepo) CountByJobID(dbc dbctx.Context, jobID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, m := range r.mentions {
		if m.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (r *fakeMentionRepo) CountForScope(dbc dbctx.Context, userID uuid.UUID, sel repos.NoteSelector) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, m := range r.mentions {
		if m.UserID == userID && selectorMatches(sel, m.PatientID, m.DateOfService) {
			n++
		}
	}
	return n, nil
}

func (r *fakeMentionRepo) ListForUser(dbc dbctx.Context, userID uuid.UUID) ([]*domain.Mention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Mention
	for _, m := range r.mentions {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

type progressPoint struct {
	status   string
	stage    string
	progress int
}

type fakeJobRepo struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*domain.ExtractionJob
	points []progressPoint
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]*domain.ExtractionJob{}}
}

func (r *fakeJobRepo) Create(dbc dbctx.Context, job *domain.ExtractionJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *fakeJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ExtractionJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (r *fakeJobRepo) GetActiveByOwner(dbc dbctx.Context, ownerUserID uuid.UUID) (*domain.ExtractionJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.OwnerUserID == ownerUserID && (job.Status == domain.JobStatusPending || job.Status == domain.JobStatusInProgress) {
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeJobRepo) apply(job *domain.ExtractionJob, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "status":
			job.Status = v.(string)
		case "stage":
			job.Stage = v.(string)
		case "progress":
			job.Progress = v.(int)
		case "processed_notes":
			job.ProcessedNotes = v.(int)
		case "total_notes":
			job.TotalNotes = v.(int)
		case "boost_applied":
			job.BoostApplied = v.(bool)
		case "message":
			job.Message = v.(string)
		case "error":
			job.Error = v.(string)
		case "result":
			job.Result = v.(datatypes.JSON)
		case "started_at":
			if ts, ok := v.(time.Time); ok {
				job.StartedAt = &ts
			} else {
				job.StartedAt = nil
			}
		case "ended_at":
			if ts, ok := v.(time.Time); ok {
				job.EndedAt = &ts
			} else {
				job.EndedAt = nil
			}
		}
	}
	job.UpdatedAt = time.Now()
	if _, ok := updates["progress"]; ok {
		r.points = append(r.points, progressPoint{status: job.Status, stage: job.Stage, progress: job.Progress})
	}
}

func (r *fakeJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		r.apply(job, updates)
	}
	return nil
}

func (r *fakeJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, nil
	}
	for _, st := range disallowedStatuses {
		if job.Status == st {
			return false, nil
		}
	}
	r.apply(job, updates)
	return true, nil
}

func (r *fakeJobRepo) progressPoints() []progressPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progressPoint, len(r.points))
	copy(out, r.points)
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	events map[string]int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: map[string]int{}}
}

func (n *fakeNotifier) record(event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[event]++
}

func (n *fakeNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[event]
}

func (n *fakeNotifier) JobCreated(ownerID uuid.UUID, job *domain.ExtractionJob)  { n.record("created") }
func (n *fakeNotifier) JobProgress(ownerID uuid.UUID, job *domain.ExtractionJob) { n.record("progress") }
func (n *fakeNotifier) JobFailed(ownerID uuid.UUID, job *domain.ExtractionJob)   { n.record("failed") }
func (n *fakeNotifier) JobStopped(ownerID uuid.UUID, job *domain.ExtractionJob)  { n.record("stopped") }
func (n *fakeNotifier) JobDone(ownerID uuid.UUID, job *domain.ExtractionJob)     { n.record("done") }

// --- harness ---

type serviceHarness struct {
	svc      ExtractionService
	loader   *fakeLoader
	notes    *fakeNoteRepo
	mentions *fakeMentionRepo
	jobs     *fakeJobRepo
	notify   *fakeNotifier
	owner    uuid.UUID
}

func testExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		Workers:        2,
		BoostWorkers:   2,
		BatchSize:      5,
		BatchPause:     0,
		StallThreshold: time.Minute,
	}
}

func newServiceHarness(t *testing.T, loader *fakeLoader) *serviceHarness {
	t.Helper()
	h := &serviceHarness{
		loader:   loader,
		notes:    &fakeNoteRepo{},
		mentions: &fakeMentionRepo{},
		jobs:     newFakeJobRepo(),
		notify:   newFakeNotifier(),
		owner:    uuid.New(),
	}
	h.svc = NewExtractionService(serviceLogger(t), testExtractionConfig(), loader, h.notes, h.mentions, h.jobs, h.notify)
	return h
}

func defaultLoader() *fakeLoader {
	return &fakeLoader{pats: []domain.SymptomPattern{
		{SymptomSegment: "anxiety", Diagnosis: "GAD", DiagnosticCategory: "Anxiety Disorders", SymptomID: "SYM001", SympProb: domain.SympProbSymptom},
		{SymptomSegment: "food insecurity", Diagnosis: "Food Insecurity", DiagnosticCategory: "Social Needs", SymptomID: "SYM002", SympProb: domain.SympProbProblem},
	}}
}

func (h *serviceHarness) seedNotes(n int) {
	dos := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		text := "routine visit, no concerns"
		if i%2 == 0 {
			text = "patient reports anxiety and food insecurity"
		}
		h.notes.notes = append(h.notes.notes, &domain.Note{
			ID:            uuid.New(),
			UserID:        h.owner,
			PatientID:     fmt.Sprintf("P%03d", i),
			DateOfService: dos.AddDate(0, 0, i),
			NoteText:      text,
		})
	}
}

func (h *serviceHarness) waitStatus(t *testing.T, jobID uuid.UUID, status string) *JobSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := h.svc.GetStatus(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if snap.Status == status {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := h.svc.GetStatus(context.Background(), jobID)
	t.Fatalf("job never reached %q, last: %+v", status, snap)
	return nil
}

func resultMap(t *testing.T, snap *JobSnapshot) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.Unmarshal(snap.Result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return out
}

// --- tests ---

func TestStartRunsToCompletion(t *testing.T) {
	h := newServiceHarness(t, defaultLoader())
	h.seedNotes(8)

	snap, started, err := h.svc.Start(context.Background(), h.owner, StartRequest{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !started {
		t.Fatalf("expected a fresh job")
	}
	done := h.waitStatus(t, snap.ID, domain.JobStatusCompleted)

	if done.Progress != 100 {
		t.Fatalf("progress: want 100, got %d", done.Progress)
	}
	res := resultMap(t, done)
	// 4 matching notes, 2 mentions each
	if got := res["mentions_written"].(float64); got != 8 {
		t.Fatalf("mentions_written: want 8, got %v", got)
	}
	if res["verified_count"].(float64) != res["mentions_written"].(float64) {
		t.Fatalf("verification mismatch: %v", res)
	}
	if got := res["notes_processed"].(float64); got != 8 {
		t.Fatalf("notes_processed: want 8, got %v", got)
	}

	stored, _ := h.mentions.ListForUser(dbctx.Background(), h.owner)
	if len(stored) != 8 {
		t.Fatalf("stored mentions: want 8, got %d", len(stored))
	}
	for _, m := range stored {
		if m.JobID != snap.ID || m.UserID != h.owner {
			t.Fatalf("mention missing job/user stamp: %+v", m)
		}
	}
	if h.notify.count("created") != 1 {
		t.Fatalf("created events: want 1, got %d", h.notify.count("created"))
	}
	// the done event lands just after the status flip; give it a beat
	deadline := time.Now().Add(time.Second)
	for h.notify.count("done") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.notify.count("done") == 0 {
		t.Fatalf("done event never published")
	}
}

func TestProgressBandsAndMonotonicity(t *testing.T) {
	h := newServiceHarness(t, defaultLoader())
	h.seedNotes(40)

	snap, _, err := h.svc.Start(context.Background(), h.owner, StartRequest{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, snap.ID, domain.JobStatusCompleted)

	points := h.jobs.progressPoints()
	if len(points) == 0 {
		t.Fatalf("no progress recorded")
	}
	last := -1
	for _, p := range points {
		if p.progress < last {
			t.Fatalf("progress regressed: %d after %d (%+v)", p.progress, last, points)
		}
		last = p.progress
		if p.stage == domain.JobStageExtracting && p.progress >= 90 {
			t.Fatalf("extracting stage reached persisting band: %+v", p)
		}
		if p.progress == 100 && p.status != domain.JobStatusCompleted {
			t.Fatalf("100%% outside completion: %+v", p)
		}
	}
	if points[len(points)-1].progress != 100 {
		t.Fatalf("final point not 100: %+v", points[len(points)-1])
	}
}

func TestStartSecondCallReturnsExistingJob(t *testing.T) {
	loader := defaultLoader()
	loader.gate = make(chan struct{})
	h := newServiceHarness(t, loader)
	h.seedNotes(4)

	first, started, err := h.svc.Start(context.Background(), h.owner, StartRequest{})
	if err != nil || !started {
		t.Fatalf("first Start: started=%v err=%v", started, err)
	}
	second, started, err := h.svc.Start(context.Background(), h.owner, StartRequest{})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if started {
		t.Fatalf("second Start must not spawn a competitor")
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing job %s, got %s", first.ID, second.ID)
	}

	close(loader.gate)
	h.waitStatus(t, first.ID, domain.JobStatusCompleted)
}

func TestStartMissingOwner(t *testing.T) {
	h := newServiceHarness(t, defaultLoader())
	_, _, err := h.svc.Start(context.Background(), uuid.Nil, StartRequest{})
	if !errors.Is(err, ErrMissingOwner) {
		t.Fatalf("expected ErrMissingOwner, got %v", err)
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	h := newServiceHarness(t, defaultLoader())
	_, err := h.svc.GetStatus(context.Background(), uuid.New())
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStopFreezesJobState(t *testing.T) {
	loader := defaultLoader()
	loader.gate = make(chan struct{})
	h := newServiceHarness(t, loader)
	h.seedNotes(4)

	snap, _, err := h.svc.Start(context.Background(), h.owner, StartRequest{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, snap.ID, domain.JobStatusInProgress)

	stopped, err := h.svc.Stop(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Status != domain.JobStatusStopped {
		t.Fatalf("status: want stopped, got %q", stopped.Status)
	}

	// let the blocked run resume and observe the stop flag
	close(loader.gate)
	time.Sleep(50 * time.Millisecond)

	after, err := h.svc.GetStatus(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if after.Status != domain.JobStatusStopped {
		t.Fatalf("stopped status was overwritten: %q", after.Status)
	}
	if after.Progress != stopped.Progress {
		t.Fatalf("progress moved after stop: %d -> %d", stopped.Progress, after.Progress)
	}

	if _, err := h.svc.Stop(context.Background(), snap.ID); !errors.Is(err, ErrJobNotRunning) {
		t.Fatalf("second Stop: expected ErrJobNotRunning, got %v", err)
	}
}

func TestResetClearsJob(t *testing.T) {
	h := newServiceHarness(t, defaultLoader())
	h.seedNotes(4)

	snap, _, err := h.svc.Start(context.Background(), h.owner, StartRequest{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, snap.ID, domain.JobStatusCompleted)

	reset, err := h.svc.Reset(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if reset.Status != domain.JobStatusIdle {
		t.Fatalf("status: want idle, got %q", reset.Status)
	}
	if reset.Progress != 0 || reset.ProcessedNotes != 0 || reset.TotalNotes != 0 || reset.BoostApplied {
		t.Fatalf("counters not cleared: %+v", reset)
	}
	if reset.StartedAt != nil || reset.EndedAt != nil {
		t.Fatalf("timestamps not cleared: %+v", reset)
	}
}

func TestResetDuringRunKeepsJobRestartable(t *testing.T) {
	loader := defaultLoader()
	loader.gate = make(chan struct{})
	h := newServiceHarness(t, loader)
	h.seedNotes(6)

	snap, _, err := h.svc.Start(context.Background(), h.owner, StartRequest{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, snap.ID, domain.JobStatusInProgress)

	reset, err := h.svc.Reset(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if reset.Status != domain.JobStatusIdle {
		t.Fatalf("status: want idle, got %q", reset.Status)
	}

	// unblock the abandoned run; its straggling progress writes must not
	// revive the cleared job
	close(loader.gate)
	time.Sleep(50 * time.Millisecond)

	after, err := h.svc.GetStatus(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if after.Status != domain.JobStatusIdle {
		t.Fatalf("reset job revived as %q", after.Status)
	}

	// the owner is free to start again
	fresh, started, err := h.svc.Start(context.Background(), h.owner, StartRequest{})
	if err != nil {
		t.Fatalf("fresh Start: %v", err)
	}
	if !started {
		t.Fatalf("fresh Start blocked by reset job %s", fresh.ID)
	}
	if fresh.ID == snap.ID {
		t.Fatalf("fresh Start reused the reset job")
	}
	h.waitStatus(t, fresh.ID, domain.JobStatusCompleted)
}

func TestBoostAppliedOnce(t *testing.T) {
	loader := defaultLoader()
	loader.gate = make(chan struct{})
	h := newServiceHarness(t, loader)
	h.seedNotes(6)

	snap, _, err := h.svc.Start(context.Background(), h.owner, StartRequest{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, snap.ID, domain.JobStatusInProgress)

	boosted, err := h.svc.Boost(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("Boost: %v", err)
	}
	if !boosted.BoostApplied {
		t.Fatalf("boost_applied not set")
	}
	if _, err := h.svc.Boost(context.Background(), snap.ID); !errors.Is(err, ErrBoostAlreadySet) {
		t.Fatalf("second Boost: expected ErrBoostAlreadySet, got %v", err)
	}

	close(loader.gate)
	done := h.waitStatus(t, snap.ID, domain.JobStatusCompleted)
	if !done.BoostApplied {
		t.Fatalf("boost flag lost by completion")
	}

	if _, err := h.svc.Boost(context.Background(), snap.ID); !errors.Is(err, ErrJobNotRunning) {
		t.Fatalf("Boost after completion: expected ErrJobNotRunning, got %v", err)
	}
}

func TestCachedScopeShortCircuits(t *testing.T) {
	h := newServiceHarness(t, defaultLoader())
	h.seedNotes(4)
	h.mentions.mentions = append(h.mentions.mentions, &domain.Mention{
		ID:             uuid.New(),
		UserID:         h.owner,
		PatientID:      "P000",
		SymptomSegment: "anxiety",
		DateOfService:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	snap, _, err := h.svc.Start(context.Background(), h.owner, StartRequest{ForceRefresh: false})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := h.waitStatus(t, snap.ID, domain.JobStatusCompleted)

	res := resultMap(t, done)
	if res["cached"] != true {
		t.Fatalf("expected cached completion, got %v", res)
	}
	stored, _ := h.mentions.ListForUser(dbctx.Background(), h.owner)
	if len(stored) != 1 {
		t.Fatalf("cached run must not write: have %d mentions", len(stored))
	}
}

func TestForceRefreshClearsPriorMentions(t *testing.T) {
	h := newServiceHarness(t, defaultLoader())
	h.seedNotes(4)
	staleJob := uuid.New()
	for i := 0; i < 3; i++ {
		h.mentions.mentions = append(h.mentions.mentions, &domain.Mention{
			ID:             uuid.New(),
			UserID:         h.owner,
			JobID:          staleJob,
			PatientID:      fmt.Sprintf("P%03d", i),
			SymptomSegment: "anxiety",
			DateOfService:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	}

	snap, _, err := h.svc.Start(context.Background(), h.owner, StartRequest{ForceRefresh: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, snap.ID, domain.JobStatusCompleted)

	stored, _ := h.mentions.ListForUser(dbctx.Background(), h.owner)
	for _, m := range stored {
		if m.JobID == staleJob {
			t.Fatalf("stale mention survived force refresh: %+v", m)
		}
	}
	if len(stored) == 0 {
		t.Fatalf("refresh wrote nothing")
	}
}

func TestForceRefreshClearsOnlyTheDateWindow(t *testing.T) {
	h := newServiceHarness(t, defaultLoader())
	h.seedNotes(4) // days 0..3 from 2025-03-14
	staleJob := uuid.New()
	windowStart := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	windowEnd := windowStart.AddDate(0, 0, 1)
	inWindow := &domain.Mention{
		ID: uuid.New(), UserID: h.owner, JobID: staleJob,
		PatientID: "P000", SymptomSegment: "anxiety",
		DateOfService: windowStart,
	}
	outOfWindow := &domain.Mention{
		ID: uuid.New(), UserID: h.owner, JobID: staleJob,
		PatientID: "P000", SymptomSegment: "anxiety",
		DateOfService: windowStart.AddDate(0, 0, 10),
	}
	h.mentions.mentions = append(h.mentions.mentions, inWindow, outOfWindow)

	snap, _, err := h.svc.Start(context.Background(), h.owner, StartRequest{
		ForceRefresh: true,
		Selector:     repos.NoteSelector{From: &windowStart, To: &windowEnd},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, snap.ID, domain.JobStatusCompleted)

	stored, _ := h.mentions.ListForUser(dbctx.Background(), h.owner)
	var keptOutOfWindow, keptInWindowStale bool
	for _, m := range stored {
		if m.JobID != staleJob {
			continue
		}
		if m.DateOfService.Equal(outOfWindow.DateOfService) {
			keptOutOfWindow = true
		} else {
			keptInWindowStale = true
		}
	}
	if !keptOutOfWindow {
		t.Fatalf("pre-clear reached outside the refresh window")
	}
	if keptInWindowStale {
		t.Fatalf("in-window stale mention survived force refresh")
	}
}

func TestEmptyScopeCompletes(t *testing.T) {
	h := newServiceHarness(t, defaultLoader())

	snap, _, err := h.svc.Start(context.Background(), h.owner, StartRequest{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := h.waitStatus(t, snap.ID, domain.JobStatusCompleted)

	res := resultMap(t, done)
	if res["notes_processed"].(float64) != 0 || res["mentions_written"].(float64) != 0 {
		t.Fatalf("empty scope result: %v", res)
	}
}

func TestForceCompleteMarksPartialData(t *testing.T) {
	loader := defaultLoader()
	loader.gate = make(chan struct{})
	h := newServiceHarness(t, loader)
	h.seedNotes(4)

	snap, _, err := h.svc.Start(context.Background(), h.owner, StartRequest{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, snap.ID, domain.JobStatusInProgress)

	forced, err := h.svc.ForceComplete(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("ForceComplete: %v", err)
	}
	if forced.Status != domain.JobStatusCompleted {
		t.Fatalf("status: want completed, got %q", forced.Status)
	}
	res := resultMap(t, forced)
	if res["partial_data"] != true {
		t.Fatalf("expected partial_data flag, got %v", res)
	}

	close(loader.gate)
	time.Sleep(50 * time.Millisecond)
	after, _ := h.svc.GetStatus(context.Background(), snap.ID)
	if after.Status != domain.JobStatusCompleted {
		t.Fatalf("forced completion overwritten: %q", after.Status)
	}
}

func TestPatternLoadFailureFailsJob(t *testing.T) {
	h := newServiceHarness(t, &fakeLoader{err: errors.New("no pattern source")})
	h.seedNotes(2)

	snap, _, err := h.svc.Start(context.Background(), h.owner, StartRequest{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	failed := h.waitStatus(t, snap.ID, domain.JobStatusFailed)
	if failed.Error == "" {
		t.Fatalf("failed job missing error detail")
	}
	deadline := time.Now().Add(time.Second)
	for h.notify.count("failed") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.notify.count("failed") == 0 {
		t.Fatalf("failure event not published")
	}
}
