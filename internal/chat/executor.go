package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"chatstream/internal/metrics"
	"chatstream/internal/runtime"
	"chatstream/pkg"
)

// ExecutorOptions tunes the worker pool and the persistence path.
type ExecutorOptions struct {
	Workers           int
	JobPollTimeout    time.Duration
	ExecTimeout       time.Duration
	PersistRetryLimit int
	PersistRetryDelay time.Duration
	CleanupGrace      time.Duration
}

// Executor drains the job queue with a fixed pool of workers. Each worker
// runs one job at a time under the session's execution lock, normalizes the
// graph's raw events into the public kinds, pushes them into the request's
// stream bucket and always closes the bucket with exactly one terminal event.
// Completed responses are persisted asynchronously and idempotently.
type Executor struct {
	queue   runtime.JobQueue
	buffer  runtime.EventBuffer
	tracker *SessionTracker
	repo    Repository
	graph   GraphRunner
	metrics *metrics.Collector
	opts    ExecutorOptions
	log     zerolog.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	persistCh chan persistTask
	persistWg sync.WaitGroup
	once      sync.Once
}

type persistTask struct {
	sessionID string
	requestID string
	content   string
	metadata  map[string]any
}

// NewExecutor wires the executor. Call Start to launch the workers.
func NewExecutor(queue runtime.JobQueue, buffer runtime.EventBuffer, tracker *SessionTracker, repo Repository, graph GraphRunner, col *metrics.Collector, opts ExecutorOptions, log zerolog.Logger) *Executor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.JobPollTimeout <= 0 {
		opts.JobPollTimeout = 200 * time.Millisecond
	}
	return &Executor{
		queue:     queue,
		buffer:    buffer,
		tracker:   tracker,
		repo:      repo,
		graph:     graph,
		metrics:   col,
		opts:      opts,
		log:       log,
		stop:      make(chan struct{}),
		persistCh: make(chan persistTask, 64),
	}
}

// Start launches the worker loops and the persistence loop.
func (e *Executor) Start() {
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(i)
	}
	e.persistWg.Add(1)
	go e.persistLoop()
	e.log.Info().Int("workers", e.opts.Workers).Msg("executor started")
}

// Stop shuts the workers down and waits for in-flight jobs and pending
// persistence to finish.
func (e *Executor) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
	close(e.persistCh)
	e.persistWg.Wait()
	e.log.Info().Msg("executor stopped")
}

func (e *Executor) workerLoop(id int) {
	defer e.wg.Done()
	log := e.log.With().Int("worker", id).Logger()
	ctx := context.Background()
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		item, err := e.queue.Get(ctx, e.opts.JobPollTimeout)
		if errors.Is(err, runtime.ErrQueueClosed) {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to poll job queue")
			continue
		}
		if item == nil {
			continue
		}
		e.runJob(log, item.Payload)
	}
}

// runJob executes one job end to end. The session lock guarantees that two
// jobs for the same session never generate concurrently.
func (e *Executor) runJob(log zerolog.Logger, job pkg.JobPayload) {
	release := e.tracker.Acquire(job.SessionID)
	defer release()

	log = log.With().Str("session_id", job.SessionID).Str("request_id", job.RequestID).Logger()
	e.metrics.JobsInFlight.Inc()
	started := time.Now()
	defer func() {
		e.metrics.JobsInFlight.Dec()
		e.metrics.JobDuration.Observe(time.Since(started).Seconds())
	}()

	ctx := context.Background()
	execCtx := ctx
	var cancel context.CancelFunc
	if e.opts.ExecTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, e.opts.ExecTimeout)
		defer cancel()
	}

	e.tracker.SetStatus(job.SessionID, pkg.StatusRunning, "")
	e.pushEvent(ctx, log, job, pkg.StreamEvent{Kind: pkg.EventStart, Node: NodeExecutor})

	stream, err := e.graph.StreamEvents(execCtx, job.SessionID, job.UserMessage, job.ContextWindow)
	if err != nil {
		log.Error().Err(err).Msg("failed to start generation")
		e.finishFailed(ctx, log, job, "failed to start generation: "+err.Error())
		return
	}
	defer stream.Close()

	terminal := false
	for !terminal {
		raw, err := stream.Recv()
		if err != nil {
			if isStreamEnd(err) {
				// The graph closed without a terminal event. The stream
				// contract requires one, so synthesize the failure.
				log.Warn().Msg("generation stream ended without done")
				e.finishFailed(ctx, log, job, "generation ended without a done event")
			} else if errors.Is(err, context.DeadlineExceeded) {
				log.Warn().Dur("budget", e.opts.ExecTimeout).Msg("generation timed out")
				e.finishFailed(ctx, log, job, "generation timed out")
			} else {
				log.Error().Err(err).Msg("generation stream failed")
				e.finishFailed(ctx, log, job, "generation failed: "+err.Error())
			}
			return
		}

		event, ok := normalize(raw)
		if !ok {
			continue
		}
		switch event.Kind {
		case pkg.EventDone:
			terminal = true
			e.pushEvent(ctx, log, job, event)
			e.tracker.SetStatus(job.SessionID, pkg.StatusCompleted, "")
			e.metrics.JobsCompleted.Inc()
			e.enqueuePersist(log, persistTask{
				sessionID: job.SessionID,
				requestID: job.RequestID,
				content:   event.Data,
				metadata:  event.Metadata,
			})
			e.scheduleCleanup(job)
		case pkg.EventError:
			terminal = true
			e.pushEvent(ctx, log, job, event)
			e.tracker.SetStatus(job.SessionID, pkg.StatusFailed, event.Data)
			e.metrics.JobsFailed.Inc()
			e.scheduleCleanup(job)
		default:
			e.pushEvent(ctx, log, job, event)
		}
	}
}

// finishFailed pushes the single terminal error event and marks the session
// failed.
func (e *Executor) finishFailed(ctx context.Context, log zerolog.Logger, job pkg.JobPayload, message string) {
	e.pushEvent(ctx, log, job, pkg.StreamEvent{
		Kind: pkg.EventError,
		Node: NodeExecutor,
		Data: message,
	})
	e.tracker.SetStatus(job.SessionID, pkg.StatusFailed, message)
	e.metrics.JobsFailed.Inc()
	e.scheduleCleanup(job)
}

func (e *Executor) pushEvent(ctx context.Context, log zerolog.Logger, job pkg.JobPayload, event pkg.StreamEvent) {
	event.SessionID = job.SessionID
	event.RequestID = job.RequestID
	if err := e.buffer.Push(ctx, job.SessionID, job.RequestID, event); err != nil {
		log.Error().Err(err).Str("kind", string(event.Kind)).Msg("failed to push stream event")
		return
	}
	e.metrics.EventsPushed.Inc()
}

// scheduleCleanup removes the request's bucket after a grace period so a
// slightly lagging relay can still drain the terminal event. Relays also
// clean up eagerly when they finish; both paths are idempotent.
func (e *Executor) scheduleCleanup(job pkg.JobPayload) {
	if e.opts.CleanupGrace <= 0 {
		return
	}
	time.AfterFunc(e.opts.CleanupGrace, func() {
		if err := e.buffer.Cleanup(context.Background(), job.SessionID, job.RequestID); err != nil {
			e.log.Warn().Err(err).Str("request_id", job.RequestID).Msg("deferred buffer cleanup failed")
		}
	})
}

// normalize maps a raw graph event onto the closed public kind set. Events
// outside the whitelist are dropped.
func normalize(raw GraphEvent) (pkg.StreamEvent, bool) {
	node := raw.Node
	switch raw.Event {
	case GraphEventToken:
		if raw.Data == "" {
			return pkg.StreamEvent{}, false
		}
		if node == "" {
			node = NodeResponse
		}
		return pkg.StreamEvent{Kind: pkg.EventToken, Data: raw.Data, Node: node, Metadata: raw.Metadata}, true
	case GraphEventAssistantMessage:
		// Only the blocked node speaks in whole assistant messages; anything
		// else emitting one is an internal artifact.
		if node != NodeBlocked || raw.Data == "" {
			return pkg.StreamEvent{}, false
		}
		return pkg.StreamEvent{Kind: pkg.EventToken, Data: raw.Data, Node: node, Metadata: raw.Metadata}, true
	case GraphEventDone:
		if node == "" {
			node = NodeResponse
		}
		return pkg.StreamEvent{Kind: pkg.EventDone, Data: raw.Data, Node: node, Metadata: raw.Metadata}, true
	case GraphEventError:
		return pkg.StreamEvent{Kind: pkg.EventError, Data: raw.Data, Node: NodeExecutor, Metadata: raw.Metadata}, true
	default:
		return pkg.StreamEvent{}, false
	}
}

func (e *Executor) enqueuePersist(log zerolog.Logger, task persistTask) {
	select {
	case e.persistCh <- task:
	default:
		// Persistence backlog is full. Run inline rather than drop the turn.
		log.Warn().Msg("persist queue full, persisting inline")
		e.persist(task)
	}
}

func (e *Executor) persistLoop() {
	defer e.persistWg.Done()
	for task := range e.persistCh {
		e.persist(task)
	}
}

// persist stores the assistant turn exactly once per request. Retries use a
// constant delay; exhaustion is logged and counted but never surfaced to the
// stream, which has already delivered the response.
func (e *Executor) persist(task persistTask) {
	ctx := context.Background()
	op := func() error {
		committed, err := e.repo.IsRequestCommitted(ctx, task.requestID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPersist, err)
		}
		if committed {
			return nil
		}
		if _, err := e.repo.AppendAssistantMessage(ctx, task.sessionID, task.requestID, task.content, task.metadata); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Session deleted mid-flight, nothing left to persist.
				return nil
			}
			return fmt.Errorf("%w: %v", ErrPersist, err)
		}
		if _, err := e.repo.MarkRequestCommitted(ctx, task.requestID); err != nil {
			return fmt.Errorf("%w: %v", ErrPersist, err)
		}
		return nil
	}
	notify := func(err error, _ time.Duration) {
		e.metrics.PersistRetries.Inc()
		e.log.Warn().Err(err).Str("request_id", task.requestID).Msg("retrying persistence")
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.opts.PersistRetryDelay), uint64(e.opts.PersistRetryLimit))
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		e.metrics.PersistFailures.Inc()
		e.log.Error().Err(err).Str("session_id", task.sessionID).Str("request_id", task.requestID).
			Msg("persistence exhausted retries, assistant turn lost")
	}
}
