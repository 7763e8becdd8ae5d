// Package scheduler implements the parallel batch poller: every
// interval it fans the configured endpoints out onto a bounded worker
// pool, and hands fetched payloads to a single persistence consumer
// over a bounded queue.
//
// Scheduling is self-clocked: the next batch fires relative to
// submission, not completion, so a slow batch never delays the clock.
// Batches may overlap under saturation; the delta engine deduplicates
// downstream.
package scheduler

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/feedlinehq/feedline/pkg/clients"
	"github.com/feedlinehq/feedline/pkg/config"
	"github.com/feedlinehq/feedline/pkg/connector"
	"github.com/feedlinehq/feedline/pkg/connector/core"
	"github.com/feedlinehq/feedline/pkg/delta"
	"github.com/feedlinehq/feedline/pkg/errors"
	"github.com/feedlinehq/feedline/pkg/metrics"
	"github.com/feedlinehq/feedline/pkg/observability"
)

// Step names the three phases of a scheduled job.
const (
	StepExtract   = "extract"
	StepTransform = "transform"
	StepLoad      = "load"
)

// StepRecord is one logged sub-step of a run.
type StepRecord struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RunRecord is the three-phase record of one scheduled job: started,
// sub-steps, completed. A sub-step failure short-circuits only that
// job's remaining sub-steps.
type RunRecord struct {
	ID          string       `json:"id"`
	EndpointID  string       `json:"endpoint_id"`
	Status      string       `json:"status"`
	Error       string       `json:"error,omitempty"`
	Steps       []StepRecord `json:"steps"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
	NextRunAt   time.Time    `json:"next_run_at"`
}

// run statuses
const (
	statusRunning = "running"
	statusSuccess = "success"
	statusFailed  = "failed"
)

type job struct {
	run      *RunRecord
	endpoint config.Endpoint
}

// handoff carries a fetched payload from a worker to the persistence
// consumer. The worker blocks on result until the consumer finishes.
type handoff struct {
	run    *RunRecord
	env    *core.Envelope
	result chan error
}

// maxRunHistory bounds the retained run records.
const maxRunHistory = 256

// Scheduler owns the ticker, the worker pool and the persistence
// consumer. It is an explicit instance built by the composition root;
// there is no package-level scheduler state.
type Scheduler struct {
	cfg      config.SchedulerConfig
	timeouts config.TimeoutConfig
	http     *clients.HTTPClient
	engine   *delta.Engine
	failures connector.FailureSink
	logger   *zap.Logger

	jobs     chan job
	handoffs chan handoff

	mu          sync.Mutex
	cancel      context.CancelFunc
	clockCancel context.CancelFunc
	started     bool

	tickerDone   chan struct{}
	workersDone  sync.WaitGroup
	consumerDone chan struct{}

	runsMu sync.RWMutex
	runs   []*RunRecord
}

// New builds a scheduler. failures may be nil to discard failed-call
// records.
func New(cfg config.SchedulerConfig, timeouts config.TimeoutConfig, http *clients.HTTPClient, engine *delta.Engine, failures connector.FailureSink, logger *zap.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid scheduler config")
	}
	if failures == nil {
		failures = connector.NopFailureSink{}
	}
	return &Scheduler{
		cfg:      cfg,
		timeouts: timeouts,
		http:     http,
		engine:   engine,
		failures: failures,
		logger:   logger.With(zap.String("component", "scheduler")),
	}, nil
}

// Start launches the worker pool, the persistence consumer and the
// batch clock. The first batch fires immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New(errors.ErrorTypeValidation, "scheduler already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	clockCtx, clockCancel := context.WithCancel(runCtx)
	s.cancel = cancel
	s.clockCancel = clockCancel

	s.jobs = make(chan job, len(s.cfg.Endpoints)*4)
	s.handoffs = make(chan handoff, s.cfg.PoolSize)
	s.tickerDone = make(chan struct{})
	s.consumerDone = make(chan struct{})

	go s.consume(runCtx)

	for i := 0; i < s.cfg.PoolSize; i++ {
		s.workersDone.Add(1)
		go s.work(runCtx)
	}

	go s.clock(clockCtx)

	s.logger.Info("scheduler started",
		zap.Int("endpoints", len(s.cfg.Endpoints)),
		zap.Int("pool_size", s.cfg.PoolSize),
		zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop cancels pending and in-flight work without waiting for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.cancel()
	s.started = false
	s.logger.Info("scheduler stopped")
}

// Drain stops the clock, lets queued jobs finish and waits for the pool
// and the consumer to wind down, bounded by ctx.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	clockCancel := s.clockCancel
	cancel := s.cancel
	s.mu.Unlock()

	clockCancel()
	<-s.tickerDone

	// The clock was the only producer; the pool drains what remains.
	close(s.jobs)

	drained := make(chan struct{})
	go func() {
		s.workersDone.Wait()
		close(s.handoffs)
		<-s.consumerDone
		close(drained)
	}()

	select {
	case <-drained:
		cancel()
		s.logger.Info("scheduler drained")
		return nil
	case <-ctx.Done():
		cancel()
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "drain timed out")
	}
}

// Runs returns a snapshot of the retained run records, newest last.
func (s *Scheduler) Runs() []RunRecord {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()

	out := make([]RunRecord, len(s.runs))
	for i, r := range s.runs {
		out[i] = *r
	}
	return out
}

// clock fires a batch immediately and then every interval, regardless
// of how long the previous batch takes.
func (s *Scheduler) clock(ctx context.Context) {
	defer close(s.tickerDone)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.submitBatch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.submitBatch()
		}
	}
}

// submitBatch fans every endpoint out as an independent job. A full
// queue fails the job rather than blocking the clock.
func (s *Scheduler) submitBatch() {
	now := time.Now().UTC()
	next := now.Add(s.cfg.Interval)

	for _, endpoint := range s.cfg.Endpoints {
		run := &RunRecord{
			ID:         uuid.NewString(),
			EndpointID: endpoint.ID,
			Status:     statusRunning,
			StartedAt:  now,
			NextRunAt:  next,
		}
		s.remember(run)

		select {
		case s.jobs <- job{run: run, endpoint: endpoint}:
		default:
			s.complete(run, errors.New(errors.ErrorTypeInternal, "job queue full"))
		}
	}
	s.logger.Debug("batch submitted", zap.Int("jobs", len(s.cfg.Endpoints)))
}

func (s *Scheduler) remember(run *RunRecord) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	s.runs = append(s.runs, run)
	if len(s.runs) > maxRunHistory {
		s.runs = s.runs[len(s.runs)-maxRunHistory:]
	}
}

func (s *Scheduler) step(run *RunRecord, name string, elapsed time.Duration, err error) {
	rec := StepRecord{Name: name, Status: statusSuccess, Duration: elapsed}
	if err != nil {
		rec.Status = statusFailed
		rec.Error = err.Error()
	}
	s.runsMu.Lock()
	run.Steps = append(run.Steps, rec)
	s.runsMu.Unlock()
}

func (s *Scheduler) complete(run *RunRecord, err error) {
	s.runsMu.Lock()
	run.CompletedAt = time.Now().UTC()
	if err != nil {
		run.Status = statusFailed
		run.Error = err.Error()
	} else {
		run.Status = statusSuccess
	}
	status := run.Status
	elapsed := run.CompletedAt.Sub(run.StartedAt)
	endpointID := run.EndpointID
	s.runsMu.Unlock()

	metrics.ObserveRun(endpointID, status, elapsed)
}

// work drains the job queue. Each job is isolated: a failure completes
// that run as failed and the worker moves on.
func (s *Scheduler) work(ctx context.Context) {
	defer s.workersDone.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-s.jobs:
			if !ok {
				return
			}
			s.execute(ctx, j)
		}
	}
}

// execute runs one job's three phases: extract on this worker,
// transform and load on the persistence consumer via the handoff queue.
func (s *Scheduler) execute(ctx context.Context, j job) {
	ctx, span := observability.StartSpan(ctx, "scheduler.run",
		attribute.String("endpoint_id", j.endpoint.ID),
		attribute.String("run_id", j.run.ID))
	defer span.End()

	timer := metrics.NewTimer()
	env, err := s.fetch(ctx, j.endpoint)
	s.step(j.run, StepExtract, timer.Stop(), err)
	if err != nil {
		span.RecordError(err)
		s.complete(j.run, err)
		return
	}

	h := handoff{
		run:    j.run,
		env:    env,
		result: make(chan error, 1),
	}

	// Submission and completion share the handoff budget: a stuck
	// consumer fails this job, never the worker or the clock.
	deadline := time.NewTimer(s.cfg.HandoffTimeout)
	defer deadline.Stop()

	select {
	case s.handoffs <- h:
	case <-deadline.C:
		metrics.HandoffTimeouts.Inc()
		s.complete(j.run, errors.New(errors.ErrorTypeTimeout, "persistence handoff timed out"))
		return
	case <-ctx.Done():
		s.complete(j.run, errors.Wrap(ctx.Err(), errors.ErrorTypeInternal, "scheduler stopping"))
		return
	}

	select {
	case err := <-h.result:
		s.complete(j.run, err)
	case <-deadline.C:
		metrics.HandoffTimeouts.Inc()
		s.complete(j.run, errors.New(errors.ErrorTypeTimeout, "persistence handoff timed out"))
	case <-ctx.Done():
		s.complete(j.run, errors.Wrap(ctx.Err(), errors.ErrorTypeInternal, "scheduler stopping"))
	}
}

// fetch performs the endpoint request and parses the payload.
func (s *Scheduler) fetch(ctx context.Context, endpoint config.Endpoint) (*core.Envelope, error) {
	reqCtx, cancelReq := context.WithTimeout(ctx, s.timeouts.Request)
	defer cancelReq()

	started := time.Now()
	resp, err := s.http.Get(reqCtx, endpoint.URL, nil)
	latency := time.Since(started)
	if err != nil {
		s.failures.RecordFailedCall(endpoint.ID, endpoint.URL, endpoint.Method, err, 0, latency)
		metrics.FailedCalls.WithLabelValues(endpoint.ID).Inc()
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "fetch %s failed", endpoint.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := errors.Newf(errors.ErrorTypeConnection, "unexpected status %d from %s", resp.StatusCode, endpoint.ID)
		s.failures.RecordFailedCall(endpoint.ID, endpoint.URL, endpoint.Method, statusErr, resp.StatusCode, latency)
		metrics.FailedCalls.WithLabelValues(endpoint.ID).Inc()
		return nil, statusErr
	}

	body, err := readBody(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "read %s failed", endpoint.ID)
	}

	env, err := core.ParseEnvelope(endpoint.ID, body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeProtocol, "parse %s failed", endpoint.ID)
	}
	return env, nil
}

// maxResponseBytes caps buffered endpoint responses.
const maxResponseBytes = 8 << 20

func readBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxResponseBytes))
}

// consume is the single persistence consumer: it drains the handoff
// queue and drives the transform and load phases through the delta
// engine, decoupling worker concurrency from the storage domain.
func (s *Scheduler) consume(ctx context.Context) {
	defer close(s.consumerDone)

	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-s.handoffs:
			if !ok {
				return
			}
			s.persist(ctx, h)
		}
	}
}

func (s *Scheduler) persist(ctx context.Context, h handoff) {
	ctx, span := observability.StartSpan(ctx, "scheduler.persist",
		attribute.String("connector_id", h.env.ConnectorID))
	defer span.End()

	timer := metrics.NewTimer()
	records := s.engine.Transform(h.env.ConnectorID, h.env.Data)
	s.step(h.run, StepTransform, timer.Stop(), nil)

	timer = metrics.NewTimer()
	_, err := s.engine.Persist(ctx, h.env.ConnectorID, records)
	s.step(h.run, StepLoad, timer.Stop(), err)
	if err != nil {
		span.RecordError(err)
	}

	h.result <- err
}
