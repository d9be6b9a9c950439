package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/pkg"
)

func newTestTracker() *SessionTracker {
	return NewSessionTracker(nil, zerolog.Nop())
}

func TestTrackerDefaultsToIdle(t *testing.T) {
	tr := newTestTracker()
	assert.Equal(t, pkg.StatusIdle, tr.GetStatus("unknown"))

	state := tr.GetState("unknown")
	assert.Equal(t, pkg.StatusIdle, state.Status)
	assert.Nil(t, state.StartedAt)
	assert.Nil(t, state.CompletedAt)
}

func TestTrackerLifecycle(t *testing.T) {
	tr := newTestTracker()

	tr.SetStatus("s1", pkg.StatusQueued, "")
	assert.Equal(t, pkg.StatusQueued, tr.GetStatus("s1"))

	tr.SetStatus("s1", pkg.StatusRunning, "")
	state := tr.GetState("s1")
	assert.Equal(t, pkg.StatusRunning, state.Status)
	require.NotNil(t, state.StartedAt)
	assert.Nil(t, state.CompletedAt)

	tr.SetStatus("s1", pkg.StatusCompleted, "")
	state = tr.GetState("s1")
	assert.Equal(t, pkg.StatusCompleted, state.Status)
	require.NotNil(t, state.CompletedAt)
}

func TestTrackerFailureRecordsMessage(t *testing.T) {
	tr := newTestTracker()

	tr.SetStatus("s1", pkg.StatusRunning, "")
	tr.SetStatus("s1", pkg.StatusFailed, "model exploded")

	state := tr.GetState("s1")
	assert.Equal(t, pkg.StatusFailed, state.Status)
	assert.Equal(t, "model exploded", state.ErrorMessage)
}

func TestTrackerRunningNotDemotedByQueued(t *testing.T) {
	tr := newTestTracker()

	tr.SetStatus("s1", pkg.StatusRunning, "")
	// A follow-up submission for a busy session must not roll the visible
	// status backwards.
	tr.SetStatus("s1", pkg.StatusQueued, "")
	assert.Equal(t, pkg.StatusRunning, tr.GetStatus("s1"))
}

func TestTrackerQueuedResetsTerminalRecord(t *testing.T) {
	tr := newTestTracker()

	tr.SetStatus("s1", pkg.StatusRunning, "")
	tr.SetStatus("s1", pkg.StatusFailed, "boom")
	tr.SetStatus("s1", pkg.StatusQueued, "")

	state := tr.GetState("s1")
	assert.Equal(t, pkg.StatusQueued, state.Status)
	assert.Empty(t, state.ErrorMessage)
	assert.Nil(t, state.StartedAt)
	assert.Nil(t, state.CompletedAt)
}

func TestTrackerMarkQueued(t *testing.T) {
	tr := newTestTracker()

	revert := tr.MarkQueued("s1")
	assert.Equal(t, pkg.StatusQueued, tr.GetStatus("s1"))
	revert()
	assert.Equal(t, pkg.StatusIdle, tr.GetStatus("s1"), "revert removes the optimistic record")

	tr.SetStatus("s2", pkg.StatusRunning, "")
	revert = tr.MarkQueued("s2")
	assert.Equal(t, pkg.StatusRunning, tr.GetStatus("s2"), "RUNNING is never demoted")
	revert()
	assert.Equal(t, pkg.StatusRunning, tr.GetStatus("s2"))
}

func TestTrackerMarkQueuedRevertYieldsToWorker(t *testing.T) {
	tr := newTestTracker()

	revert := tr.MarkQueued("s1")
	// The worker picked the job up and finished it before the revert ran.
	tr.SetStatus("s1", pkg.StatusRunning, "")
	tr.SetStatus("s1", pkg.StatusCompleted, "")
	revert()
	assert.Equal(t, pkg.StatusCompleted, tr.GetStatus("s1"), "revert never undoes worker progress")
}

func TestTrackerAcquireSerializesSameSession(t *testing.T) {
	tr := newTestTracker()

	var mu sync.Mutex
	var active, maxActive int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := tr.Acquire("s1")
			defer release()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "same-session jobs never overlap")
}

func TestTrackerAcquireDistinctSessionsRunConcurrently(t *testing.T) {
	tr := newTestTracker()

	releaseA := tr.Acquire("a")
	done := make(chan struct{})
	go func() {
		releaseB := tr.Acquire("b")
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct sessions blocked each other")
	}
	releaseA()
}

func TestTrackerReleaseIsIdempotent(t *testing.T) {
	tr := newTestTracker()

	release := tr.Acquire("s1")
	release()
	release() // second call must not unlock someone else's hold

	done := make(chan struct{})
	go func() {
		r := tr.Acquire("s1")
		r()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not reusable after release")
	}
}
