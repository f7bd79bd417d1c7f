// Package queue admits download jobs, binds each to a transfer session
// under a concurrency cap and owns the id correlation between local job
// identity and server-assigned transfer ids.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/pmoura/fetchq/internal/job"
	"github.com/pmoura/fetchq/internal/logctx"
	"github.com/pmoura/fetchq/internal/session"
	"github.com/pmoura/fetchq/internal/sink"
	"github.com/pmoura/fetchq/internal/storage"
	"github.com/pmoura/fetchq/internal/telemetry"
)

// Config tunes the manager.
type Config struct {
	// MaxActive caps concurrent streaming sessions. Jobs beyond the cap
	// wait in queued state.
	MaxActive int64

	// ProgressMinInterval is the floor between two forwarded progress
	// updates for the same job. Monotonic regressions are dropped outright.
	ProgressMinInterval time.Duration

	// StagingDir holds in-flight partial files for filesystem targets.
	StagingDir string

	Session session.Config
}

// SubmitRequest describes one job to enqueue.
type SubmitRequest struct {
	Descriptor job.Descriptor
	Target     sink.Target
}

type progressMark struct {
	percent int
	at      time.Time
}

// Manager is the download queue. All exported methods are safe for
// concurrent use.
type Manager struct {
	baseCtx   context.Context
	transport session.Transport
	docs      sink.DocumentStore
	repo      storage.JobRepository
	tel       *telemetry.Telemetry
	cfg       Config
	sem       *semaphore.Weighted
	events    *Events

	mu            sync.Mutex
	jobs          map[string]*job.Job
	sessions      map[string]*session.Session
	pendingCancel map[string]bool
	marks         map[string]progressMark

	wg sync.WaitGroup
}

// NewManager builds a queue manager. baseCtx bounds the lifetime of all
// job goroutines; cancelling it tears down every active session. docs
// may be nil when no document backend is configured.
func NewManager(baseCtx context.Context, transport session.Transport, docs sink.DocumentStore, repo storage.JobRepository, tel *telemetry.Telemetry, cfg Config) *Manager {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 1
	}

	return &Manager{
		baseCtx:       baseCtx,
		transport:     transport,
		docs:          docs,
		repo:          repo,
		tel:           tel,
		cfg:           cfg,
		sem:           semaphore.NewWeighted(cfg.MaxActive),
		events:        newEvents(),
		jobs:          make(map[string]*job.Job),
		sessions:      make(map[string]*session.Session),
		pendingCancel: make(map[string]bool),
		marks:         make(map[string]progressMark),
	}
}

// Events returns the manager's notification channels.
func (m *Manager) Events() *Events {
	return m.events
}

// Submit enqueues a job and returns its local id immediately. Admission
// never fails; every later outcome is reported through job state.
func (m *Manager) Submit(req SubmitRequest) string {
	localID := uuid.New().String()
	now := time.Now()

	j := &job.Job{
		LocalID:    localID,
		Descriptor: req.Descriptor,
		Status:     job.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	m.mu.Lock()
	m.jobs[localID] = j
	m.mu.Unlock()

	if err := m.repo.TrackJob(storage.JobRecord{
		LocalID:    localID,
		ResourceID: req.Descriptor.ResourceID,
		Format:     req.Descriptor.Format,
		Quality:    req.Descriptor.Quality,
		Title:      req.Descriptor.Title,
		Status:     string(job.StatusQueued),
	}); err != nil {
		logctx.LoggerFromContext(m.baseCtx).Error("failed to track job", "job_id", localID, "err", err)
	}

	m.emitQueued(localID)

	m.wg.Add(1)

	go m.run(localID, req)

	return localID
}

// Jobs returns a point-in-time snapshot of every known job.
func (m *Manager) Jobs() []job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}

	return out
}

// Job returns a snapshot of one job.
func (m *Manager) Job(localID string) (job.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[localID]
	if !ok {
		return job.Job{}, false
	}

	return *j, true
}

// Cancel requests cancellation of a job. Unknown ids and jobs already in
// a terminal state are no-ops. A job whose server id is not yet known is
// remembered and the remote cancel is issued once the handshake lands.
func (m *Manager) Cancel(localID string) {
	m.mu.Lock()

	j, ok := m.jobs[localID]
	if !ok || j.Status.Terminal() {
		m.mu.Unlock()

		return
	}

	sess, hasSession := m.sessions[localID]

	if !hasSession {
		// Never bound to a session, so nothing remote to tear down.
		m.setStatusLocked(j, job.StatusCancelled)
		m.mu.Unlock()

		if err := m.repo.UpdateStatus(localID, string(job.StatusCancelled)); err != nil {
			logctx.LoggerFromContext(m.baseCtx).Error("failed to persist cancel", "job_id", localID, "err", err)
		}

		return
	}

	if sess.ServerID() == "" {
		m.pendingCancel[localID] = true
	}

	m.mu.Unlock()

	sess.Cancel()
}

// Delete cancels a job if needed and removes it from the queue and the
// store.
func (m *Manager) Delete(localID string) {
	m.Cancel(localID)

	m.mu.Lock()
	delete(m.jobs, localID)
	delete(m.pendingCancel, localID)
	delete(m.marks, localID)
	m.mu.Unlock()

	if err := m.repo.DeleteJob(localID); err != nil {
		logctx.LoggerFromContext(m.baseCtx).Error("failed to delete job record", "job_id", localID, "err", err)
	}
}

// CancelAll cancels every non-terminal job. Used on shutdown and by the
// maintenance endpoint.
func (m *Manager) CancelAll() {
	m.mu.Lock()

	ids := make([]string, 0, len(m.jobs))

	for id, j := range m.jobs {
		if !j.Status.Terminal() {
			ids = append(ids, id)
		}
	}

	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id)
	}
}

// Wait blocks until all job goroutines have finished or ctx expires.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(localID string, req SubmitRequest) {
	defer m.wg.Done()

	ctx := logctx.WithJob(m.baseCtx, localID)
	logger := logctx.LoggerFromContext(ctx)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finishJob(ctx, localID, "", job.ErrCancelled, time.Time{})

		return
	}
	defer m.sem.Release(1)

	m.mu.Lock()

	j, ok := m.jobs[localID]
	if !ok || j.Status != job.StatusQueued {
		// Cancelled or deleted while waiting for a slot.
		m.mu.Unlock()

		return
	}

	m.setStatusLocked(j, job.StatusActive)

	sess := session.New(localID, req.Descriptor, m.transport, m.sinkFactory(req.Target), m, m.cfg.Session, m.tel)
	m.sessions[localID] = sess

	m.mu.Unlock()

	if err := m.repo.UpdateStatus(localID, string(job.StatusActive)); err != nil {
		logger.Error("failed to persist active status", "err", err)
	}

	start := time.Now()

	var location string

	err := m.tel.InstrumentJob(ctx, func(ctx context.Context) error {
		var runErr error
		location, runErr = sess.Run(ctx)

		return runErr
	})

	m.finishJob(ctx, localID, location, err, start)
}

func (m *Manager) sinkFactory(target sink.Target) session.SinkFactory {
	return func(ctx context.Context) (sink.Sink, error) {
		return sink.New(ctx, target, m.cfg.StagingDir, m.docs)
	}
}

func (m *Manager) finishJob(ctx context.Context, localID, location string, runErr error, start time.Time) {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()

	j, ok := m.jobs[localID]

	delete(m.sessions, localID)
	delete(m.pendingCancel, localID)
	delete(m.marks, localID)

	var (
		status job.Status
		kind   string
		title  string
	)

	switch {
	case runErr == nil:
		status = job.StatusCompleted
	case errors.Is(runErr, job.ErrCancelled):
		status = job.StatusCancelled
	default:
		status = job.StatusFailed
		kind = job.Kind(runErr)
	}

	if ok {
		title = j.Title
		j.Location = location
		j.ErrorKind = kind

		if runErr != nil && status == job.StatusFailed {
			j.ErrorMessage = runErr.Error()
		}

		m.setStatusLocked(j, status)

		if status == job.StatusCompleted {
			j.Progress = 100
		}
	}

	m.mu.Unlock()

	message := ""
	if status == job.StatusFailed {
		message = runErr.Error()
	}

	if err := m.repo.UpdateResult(localID, string(status), location, kind, message); err != nil {
		logger.Error("failed to persist job result", "err", err)
	}

	if !start.IsZero() {
		m.tel.RecordJob(ctx, string(status), time.Since(start))
	}

	switch status {
	case job.StatusCompleted:
		logger.Info("job completed", "location", location)
		m.emitCompleted(CompletedEvent{LocalID: localID, Title: title, Location: location})
	case job.StatusCancelled:
		logger.Info("job cancelled")
	case job.StatusFailed:
		logger.Error("job failed", "kind", kind, "err", runErr)
		m.emitFailed(FailedEvent{LocalID: localID, Title: title, Kind: kind, Message: message})
	}
}

// ServerIDAssigned records the server transfer id for a job and drains a
// pending cancel that raced the handshake.
func (m *Manager) ServerIDAssigned(localID, serverID string) {
	m.mu.Lock()

	if j, ok := m.jobs[localID]; ok {
		j.ServerID = serverID
		j.UpdatedAt = time.Now()
	}

	var sess *session.Session
	if m.pendingCancel[localID] {
		delete(m.pendingCancel, localID)
		sess = m.sessions[localID]
	}

	m.mu.Unlock()

	if err := m.repo.UpdateServerID(localID, serverID); err != nil {
		logctx.LoggerFromContext(m.baseCtx).Error("failed to persist server id", "job_id", localID, "err", err)
	}

	if sess != nil {
		// The session now knows its server id, so re-entering Cancel
		// issues the remote teardown the earlier call could not.
		sess.Cancel()
	}
}

// Progress forwards throttled progress updates. Regressions are dropped
// so consumers observe a monotonic sequence per job.
func (m *Manager) Progress(localID string, percent int) {
	now := time.Now()

	m.mu.Lock()

	j, ok := m.jobs[localID]
	if !ok || j.Status.Terminal() {
		m.mu.Unlock()

		return
	}

	mark := m.marks[localID]
	if percent <= mark.percent {
		m.mu.Unlock()

		return
	}

	if percent < 100 && now.Sub(mark.at) < m.cfg.ProgressMinInterval {
		// Too soon; 100 always goes through so the terminal update is
		// never lost to throttling.
		j.Progress = percent
		m.mu.Unlock()

		return
	}

	m.marks[localID] = progressMark{percent: percent, at: now}
	j.Progress = percent
	j.UpdatedAt = now
	m.mu.Unlock()

	if err := m.repo.UpdateProgress(localID, percent); err != nil {
		logctx.LoggerFromContext(m.baseCtx).Error("failed to persist progress", "job_id", localID, "err", err)
	}

	m.emitProgress(ProgressEvent{LocalID: localID, Percent: percent})
}

func (m *Manager) setStatusLocked(j *job.Job, status job.Status) {
	j.Status = status
	j.UpdatedAt = time.Now()
}

func (m *Manager) emitQueued(localID string) {
	select {
	case m.events.Queued <- localID:
	default:
	}
}

func (m *Manager) emitProgress(ev ProgressEvent) {
	select {
	case m.events.Progress <- ev:
	default:
	}
}

func (m *Manager) emitCompleted(ev CompletedEvent) {
	select {
	case m.events.Completed <- ev:
	default:
	}
}

func (m *Manager) emitFailed(ev FailedEvent) {
	select {
	case m.events.Failed <- ev:
	default:
	}
}
