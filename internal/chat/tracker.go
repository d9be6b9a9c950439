package chat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatstream/internal/runtime"
	"chatstream/pkg"
)

// SessionTracker records the execution status of each session's most recent
// job and hands out per-session locks so jobs for the same session never run
// concurrently. Status moves strictly forward within one job: an in-flight
// RUNNING is never demoted back to QUEUED by a newly accepted job.
type SessionTracker struct {
	mu     sync.Mutex
	states map[string]*executionRecord
	locks  map[string]*sessionLock
	clock  runtime.Clock
	log    zerolog.Logger
}

type executionRecord struct {
	status       pkg.SessionStatus
	startedAt    *time.Time
	completedAt  *time.Time
	errorMessage string
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewSessionTracker creates an empty tracker.
func NewSessionTracker(clock runtime.Clock, log zerolog.Logger) *SessionTracker {
	if clock == nil {
		clock = runtime.SystemClock()
	}
	return &SessionTracker{
		states: make(map[string]*executionRecord),
		locks:  make(map[string]*sessionLock),
		clock:  clock,
		log:    log,
	}
}

// Acquire blocks until the caller holds the session's execution lock and
// returns the release function. Locks are refcounted so idle sessions do not
// accumulate entries.
func (t *SessionTracker) Acquire(sessionID string) func() {
	t.mu.Lock()
	sl, ok := t.locks[sessionID]
	if !ok {
		sl = &sessionLock{}
		t.locks[sessionID] = sl
	}
	sl.refs++
	t.mu.Unlock()

	sl.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			sl.mu.Unlock()
			t.mu.Lock()
			sl.refs--
			if sl.refs == 0 {
				delete(t.locks, sessionID)
			}
			t.mu.Unlock()
		})
	}
}

// SetStatus transitions the session's record. QUEUED starts a fresh record
// for the next job, except while the previous job is still RUNNING, in which
// case the demotion is ignored and the executor will advance the status
// itself once it picks the job up.
func (t *SessionTracker) SetStatus(sessionID string, status pkg.SessionStatus, errorMessage string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.states[sessionID]
	if !ok {
		rec = &executionRecord{status: pkg.StatusIdle}
		t.states[sessionID] = rec
	}

	if status == pkg.StatusQueued {
		if rec.status == pkg.StatusRunning {
			t.log.Debug().Str("session_id", sessionID).
				Msg("keeping RUNNING status for queued follow-up job")
			return
		}
		*rec = executionRecord{status: pkg.StatusQueued}
		return
	}

	now := t.clock.Now().UTC()
	switch status {
	case pkg.StatusRunning:
		rec.startedAt = &now
	case pkg.StatusCompleted, pkg.StatusFailed:
		rec.completedAt = &now
	}
	rec.status = status
	rec.errorMessage = errorMessage
}

// MarkQueued transitions the session to QUEUED before its job is enqueued
// and returns a revert func that restores the prior record when enqueueing
// fails. Marking before the enqueue matters: a worker can dequeue and finish
// the job at any point after Put returns, and a late QUEUED write would
// demote that result. Like SetStatus, an in-flight RUNNING job is never
// demoted.
func (t *SessionTracker) MarkQueued(sessionID string) func() {
	t.mu.Lock()
	rec, existed := t.states[sessionID]
	var snapshot executionRecord
	if existed {
		snapshot = *rec
	} else {
		rec = &executionRecord{status: pkg.StatusIdle}
		t.states[sessionID] = rec
	}
	if rec.status != pkg.StatusRunning {
		*rec = executionRecord{status: pkg.StatusQueued}
	}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		rec, ok := t.states[sessionID]
		if !ok || rec.status != pkg.StatusQueued {
			// A worker advanced the session in the meantime; its state wins.
			return
		}
		if existed {
			*rec = snapshot
		} else {
			delete(t.states, sessionID)
		}
	}
}

// GetStatus returns the session's current status, IDLE when unknown.
func (t *SessionTracker) GetStatus(sessionID string) pkg.SessionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.states[sessionID]; ok {
		return rec.status
	}
	return pkg.StatusIdle
}

// GetState returns a copy of the session's full execution record.
func (t *SessionTracker) GetState(sessionID string) pkg.SessionExecutionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := pkg.SessionExecutionState{SessionID: sessionID, Status: pkg.StatusIdle}
	rec, ok := t.states[sessionID]
	if !ok {
		return state
	}
	state.Status = rec.status
	state.ErrorMessage = rec.errorMessage
	if rec.startedAt != nil {
		ts := *rec.startedAt
		state.StartedAt = &ts
	}
	if rec.completedAt != nil {
		ts := *rec.completedAt
		state.CompletedAt = &ts
	}
	return state
}
