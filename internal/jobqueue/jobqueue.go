// Package jobqueue runs asynchronous work (container refresh, export,
// document ingestion) against internal/registry's durable job table. Workers poll with
// SELECT ... FOR UPDATE SKIP LOCKED semantics (via registry.ClaimJob),
// heartbeat their lease, and retry failures on an exponential backoff
// schedule before dead-lettering.
package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/talhas-laboratory/curated-context-containers/internal/events"
	"github.com/talhas-laboratory/curated-context-containers/internal/registry"
)

// Handler executes one job's payload. A returned error triggers a retry
// (subject to MaxAttempts) rather than failing the worker loop.
type Handler func(ctx context.Context, job registry.Job) error

// Config tunes worker lease, heartbeat, and retry behavior.
type Config struct {
	Kinds          []string
	LeaseDuration  time.Duration
	HeartbeatEvery time.Duration
	PollInterval   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = c.LeaseDuration / 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	return c
}

// Worker claims and executes jobs of the configured kinds until its context
// is cancelled.
type Worker struct {
	id       string
	reg      registry.Registry
	pub      *events.Publisher
	handlers map[string]Handler
	cfg      Config
}

// NewWorker constructs a Worker. pub may be nil (Kafka disabled); handlers
// maps job kind -> Handler.
func NewWorker(id string, reg registry.Registry, pub *events.Publisher, handlers map[string]Handler, cfg Config) *Worker {
	return &Worker{id: id, reg: reg, pub: pub, handlers: handlers, cfg: cfg.withDefaults()}
}

// Run polls for work on cfg.PollInterval until ctx is cancelled, grounded on
// the ticker-driven background-loop shape used throughout this codebase for
// periodic maintenance tasks.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for w.claimAndRunOne(ctx) {
			}
		}
	}
}

func (w *Worker) claimAndRunOne(ctx context.Context) bool {
	job, ok, err := w.reg.ClaimJob(ctx, w.cfg.Kinds, w.id, w.cfg.LeaseDuration)
	if err != nil || !ok {
		return false
	}
	w.publish(ctx, job, events.KindClaimed, "")

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go w.heartbeatLoop(hctx, job, done)
	defer close(done)

	err = w.dispatch(ctx, job)
	if err == nil {
		_ = w.reg.CompleteJob(ctx, job.ID)
		w.publish(ctx, job, events.KindCompleted, "")
		return true
	}

	w.handleFailure(ctx, job, err)
	return true
}

func (w *Worker) dispatch(ctx context.Context, job registry.Job) error {
	h, ok := w.handlers[job.Kind]
	if !ok {
		return errors.New("jobqueue: no handler registered for kind " + job.Kind)
	}
	return h(ctx, job)
}

func (w *Worker) handleFailure(ctx context.Context, job registry.Job, cause error) {
	if job.Attempt >= job.MaxAttempts {
		_ = w.reg.FailJob(ctx, job.ID, cause.Error(), time.Now().UTC(), true)
		w.publish(ctx, job, events.KindDead, cause.Error())
		return
	}
	delay := nextBackoffDelay(job.Attempt, w.cfg.BackoffBase, w.cfg.BackoffMax)
	_ = w.reg.FailJob(ctx, job.ID, cause.Error(), time.Now().UTC().Add(delay), false)
	w.publish(ctx, job, events.KindRetried, cause.Error())
}

func (w *Worker) heartbeatLoop(ctx context.Context, job registry.Job, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.reg.HeartbeatJob(ctx, job.ID, w.id, w.cfg.LeaseDuration)
			w.publish(ctx, job, events.KindHeartbeat, "")
		}
	}
}

func (w *Worker) publish(ctx context.Context, job registry.Job, kind, msg string) {
	_ = w.reg.AppendJobEvent(ctx, registry.JobEventRow{JobID: job.ID, Kind: kind, Message: msg})
	if w.pub != nil {
		_ = w.pub.Publish(ctx, events.JobEvent{JobID: job.ID, ContainerID: job.ContainerID, Kind: kind, Attempt: job.Attempt, Message: msg})
	}
}

// nextBackoffDelay derives a retry delay from backoff.v5's exponential
// backoff curve, clamped to max.
func nextBackoffDelay(attempt int, base, max time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
		if d == backoff.Stop {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Enqueue is a thin convenience wrapper over registry.EnqueueJob plus the
// enqueued audit event.
func Enqueue(ctx context.Context, reg registry.Registry, pub *events.Publisher, job registry.Job) (registry.Job, error) {
	j, err := reg.EnqueueJob(ctx, job)
	if err != nil {
		return registry.Job{}, err
	}
	_ = reg.AppendJobEvent(ctx, registry.JobEventRow{JobID: j.ID, Kind: events.KindEnqueued})
	if pub != nil {
		_ = pub.Publish(ctx, events.JobEvent{JobID: j.ID, ContainerID: j.ContainerID, Kind: events.KindEnqueued})
	}
	return j, nil
}
