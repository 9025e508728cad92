package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/jobs"
	"courier/internal/logger"
	"courier/internal/resilience"
	"courier/internal/transcribe"
)

var (
	ErrShuttingDown    = errors.New("orchestrator is shutting down")
	ErrShutdownTimeout = errors.New("orchestrator shutdown timed out with jobs in flight")
)

// Config for the orchestrator
type Config struct {
	TickInterval    time.Duration            `yaml:"tick_interval" json:"tick_interval"`
	PollInterval    time.Duration            `yaml:"poll_interval" json:"poll_interval"`
	MaxPollAttempts int                      `yaml:"max_poll_attempts" json:"max_poll_attempts"`
	ShutdownTimeout time.Duration            `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	Retry           resilience.RetryConfig   `yaml:"retry" json:"retry"`
	Breaker         resilience.BreakerConfig `yaml:"breaker" json:"breaker"`
}

// DefaultConfig ticks every second and polls every 2s for up to 10 minutes
func DefaultConfig() Config {
	return Config{
		TickInterval:    time.Second,
		PollInterval:    2 * time.Second,
		MaxPollAttempts: 300,
		ShutdownTimeout: 30 * time.Second,
		Retry:           resilience.DefaultRetryConfig(),
		Breaker:         resilience.DefaultBreakerConfig(),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.TickInterval <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("tick_interval and poll_interval must be positive")
	}
	if c.MaxPollAttempts < 1 {
		return fmt.Errorf("max_poll_attempts must be at least 1")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	return nil
}

// JobStatus combines the queue record with the tracker history
type JobStatus struct {
	Job      *jobs.Job      `json:"job"`
	Tracking *jobs.Snapshot `json:"tracking,omitempty"`
	Events   []jobs.Event   `json:"events,omitempty"`
}

// Stats summarizes orchestrator activity
type Stats struct {
	Accepting  bool                    `json:"accepting"`
	Active     int                     `json:"active"`
	Ticks      int64                   `json:"ticks"`
	Dispatched int64                   `json:"dispatched"`
	Completed  int64                   `json:"completed"`
	Failed     int64                   `json:"failed"`
	Retried    int64                   `json:"retried"`
	Cancelled  int64                   `json:"cancelled"`
	Queue      jobs.QueueStats         `json:"queue"`
	Breaker    resilience.BreakerStats `json:"breaker"`
}

type execution struct {
	cancelled atomic.Bool
	sequence  uint64
}

// Orchestrator moves jobs from the queue through the external API
type Orchestrator struct {
	config    Config
	queue     *jobs.Queue
	tracker   *jobs.Tracker
	api       transcribe.API
	breaker   *resilience.Breaker
	publisher Publisher

	active map[string]*execution
	stats  Stats
	mutex  sync.Mutex

	ticking   atomic.Bool
	accepting atomic.Bool
	running   atomic.Bool

	// execCtx outlives Stop so in-flight jobs can finish during Shutdown
	execCtx    context.Context
	execCancel context.CancelFunc
	execWG     sync.WaitGroup

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
	resetCh    chan time.Duration
	logger     zerolog.Logger
}

// New creates an orchestrator. A nil publisher disables job event fan-out.
func New(config Config, queue *jobs.Queue, tracker *jobs.Tracker, api transcribe.API, publisher Publisher) (*Orchestrator, error) {
	if queue == nil || tracker == nil || api == nil {
		return nil, fmt.Errorf("orchestrator requires a queue, a tracker and an api client")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	breaker, err := resilience.NewBreaker("transcribe", config.Breaker)
	if err != nil {
		return nil, err
	}

	execCtx, execCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		config:     config,
		queue:      queue,
		tracker:    tracker,
		api:        api,
		breaker:    breaker,
		publisher:  publisher,
		active:     make(map[string]*execution),
		execCtx:    execCtx,
		execCancel: execCancel,
		resetCh:    make(chan time.Duration, 1),
		logger:     logger.GetLogger("orchestrator"),
	}
	o.accepting.Store(true)
	return o, nil
}

// Breaker exposes the circuit breaker guarding the external API
func (o *Orchestrator) Breaker() *resilience.Breaker {
	return o.breaker
}

// Config returns the active configuration
func (o *Orchestrator) Config() Config {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.config
}

// UpdateConfig applies new intervals and retry settings to future calls
func (o *Orchestrator) UpdateConfig(config Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid orchestrator config: %w", err)
	}
	o.mutex.Lock()
	previous := o.config
	o.config = config
	o.mutex.Unlock()

	if config.TickInterval != previous.TickInterval {
		select {
		case o.resetCh <- config.TickInterval:
		default:
		}
	}
	o.logger.Info().
		Dur("tick_interval", config.TickInterval).
		Dur("poll_interval", config.PollInterval).
		Msg("Orchestrator configuration updated")
	return nil
}

// SubmitJob enqueues job and starts tracking it
func (o *Orchestrator) SubmitJob(job *jobs.Job) jobs.EnqueueResult {
	if !o.accepting.Load() {
		return jobs.EnqueueResult{Reason: ErrShuttingDown.Error(), Retryable: true}
	}

	result := o.queue.Enqueue(job)
	if !result.Success {
		o.logger.Warn().
			Str("job_id", result.JobID).
			Str("reason", result.Reason).
			Msg("Job rejected")
		return result
	}

	stored, ok := o.queue.Get(result.JobID)
	if ok {
		if err := o.tracker.Track(stored); err != nil {
			o.logger.Warn().Err(err).Str("job_id", result.JobID).Msg("Failed to track job")
		}
	}
	return result
}

// CancelJob removes a job from the queue and the active set. A remote call
// already in flight is left to finish; its outcome is discarded.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := o.queue.Cancel(id)
	if err != nil {
		return nil, err
	}

	o.mutex.Lock()
	exec, running := o.active[id]
	if running {
		exec.cancelled.Store(true)
		delete(o.active, id)
	}
	o.stats.Cancelled++
	o.mutex.Unlock()

	if err := o.tracker.Transition(id, jobs.StatusCancelled, "cancelled by request"); err != nil {
		o.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to record cancellation")
	}
	o.publish(ctx, exec, Update{JobID: id, Status: jobs.StatusCancelled, Percentage: job.Progress.Percentage, Stage: "cancelled"})

	o.logger.Info().Str("job_id", id).Bool("was_running", running).Msg("Job cancelled")
	return job, nil
}

// PauseJob holds a queued job back
func (o *Orchestrator) PauseJob(id string) error {
	if err := o.queue.Pause(id); err != nil {
		return err
	}
	return o.tracker.Transition(id, jobs.StatusPaused, "paused by request")
}

// ResumeJob releases a paused job
func (o *Orchestrator) ResumeJob(id string) error {
	if err := o.queue.Resume(id); err != nil {
		return err
	}
	return o.tracker.Transition(id, jobs.StatusQueued, "resumed by request")
}

// JobStatus returns the queue record and tracker history of a job
func (o *Orchestrator) JobStatus(id string) (*JobStatus, error) {
	job, queued := o.queue.Get(id)
	snapshot, tracked := o.tracker.Snapshot(id)
	if !queued && !tracked {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}

	status := &JobStatus{Job: job}
	if tracked {
		status.Tracking = &snapshot
		status.Events = o.tracker.Events(id)
	}
	return status, nil
}

// Start launches the tick loop
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.loopCancel = cancel

	o.loopWG.Add(1)
	go o.tickLoop(loopCtx)

	o.logger.Info().
		Dur("tick_interval", o.Config().TickInterval).
		Int("max_concurrent", o.queue.Config().MaxConcurrent).
		Msg("Orchestrator started")
}

func (o *Orchestrator) tickLoop(ctx context.Context) {
	defer o.loopWG.Done()

	ticker := time.NewTicker(o.Config().TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case interval := <-o.resetCh:
			ticker.Reset(interval)
		case <-ticker.C:
			o.Tick()
		}
	}
}

// Tick claims as many jobs as the queue allows and starts executing them.
// A tick that overlaps a running one returns 0 without doing anything.
func (o *Orchestrator) Tick() int {
	if !o.accepting.Load() {
		return 0
	}
	if !o.ticking.CompareAndSwap(false, true) {
		return 0
	}
	defer o.ticking.Store(false)

	batch := o.queue.DequeueBatch(o.queue.Config().MaxConcurrent)

	o.mutex.Lock()
	o.stats.Ticks++
	o.stats.Dispatched += int64(len(batch))
	o.mutex.Unlock()

	for _, job := range batch {
		exec := &execution{}
		o.mutex.Lock()
		o.active[job.ID] = exec
		o.mutex.Unlock()

		if err := o.tracker.Transition(job.ID, jobs.StatusProcessing, fmt.Sprintf("attempt %d", job.Attempts)); err != nil {
			o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record dispatch")
		}

		o.execWG.Add(1)
		go func(job *jobs.Job) {
			defer o.execWG.Done()
			o.execute(o.execCtx, job, exec)
		}(job)
	}
	return len(batch)
}

// execute drives one attempt of a job to completion or failure
func (o *Orchestrator) execute(ctx context.Context, job *jobs.Job, exec *execution) {
	defer func() {
		o.mutex.Lock()
		if o.active[job.ID] == exec {
			delete(o.active, job.ID)
		}
		o.mutex.Unlock()
	}()

	log := o.logger.With().Str("job_id", job.ID).Int("attempt", job.Attempts).Logger()
	log.Info().Msg("Executing job")

	o.progress(ctx, job.ID, exec, 0, "starting", "")

	result, err := o.run(ctx, job, exec)
	if exec.cancelled.Load() {
		log.Debug().Msg("Discarding outcome of cancelled job")
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			// shutdown gave up waiting; the job stays processing so the
			// final checkpoint carries it and Restore requeues it
			log.Warn().Err(err).Msg("Job interrupted by shutdown")
			return
		}
		o.fail(ctx, job, exec, err)
		return
	}

	o.progress(ctx, job.ID, exec, 100, "completed", "")
	completed, err := o.queue.Complete(job.ID, result)
	if err != nil {
		// cancelled between the last poll and now
		log.Debug().Err(err).Msg("Job left the queue before completion")
		return
	}
	if err := o.tracker.Transition(job.ID, jobs.StatusCompleted, "result fetched"); err != nil {
		log.Warn().Err(err).Msg("Failed to record completion")
	}

	o.mutex.Lock()
	o.stats.Completed++
	o.mutex.Unlock()

	o.publish(ctx, exec, Update{
		JobID:      job.ID,
		Status:     jobs.StatusCompleted,
		Percentage: 100,
		Stage:      "completed",
		Result:     completed.Result,
	})
	log.Info().Msg("Job completed")
}

// run submits the job, polls until the remote side finishes and fetches the result
func (o *Orchestrator) run(ctx context.Context, job *jobs.Job, exec *execution) (*transcribe.Result, error) {
	cfg := o.Config()
	policy := o.policy(cfg)

	req := job.Request
	req.ReferenceID = job.ID
	submission, err := resilience.ExecuteValue(ctx, policy, func(ctx context.Context) (*transcribe.Submission, error) {
		return o.api.Submit(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	if err := o.queue.Update(job.ID, func(j *jobs.Job) { j.ExternalID = submission.ExternalID }); err != nil {
		return nil, err
	}
	o.progress(ctx, job.ID, exec, 5, "submitted", "")

	timer := time.NewTimer(cfg.PollInterval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		if exec.cancelled.Load() {
			return nil, context.Canceled
		}

		report, err := resilience.ExecuteValue(ctx, policy, func(ctx context.Context) (*transcribe.StatusReport, error) {
			return o.api.PollStatus(ctx, submission.ExternalID)
		})
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}

		if report.Status == transcribe.StatusFailed {
			return nil, fmt.Errorf("%w: %s", transcribe.ErrJobFailed, report.Error)
		}
		percentage, stage := stageProgress(report)
		o.progress(ctx, job.ID, exec, percentage, stage, "")

		if report.Status == transcribe.StatusCompleted {
			break
		}
		if attempt >= cfg.MaxPollAttempts {
			return nil, fmt.Errorf("%w after %d polls", jobs.ErrExecutionTimeout, attempt)
		}
		timer.Reset(cfg.PollInterval)
	}

	result, err := resilience.ExecuteValue(ctx, policy, func(ctx context.Context) (*transcribe.Result, error) {
		return o.api.FetchResult(ctx, submission.ExternalID)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch result: %w", err)
	}
	return result, nil
}

// stageProgress maps a remote status onto a local percentage and stage
func stageProgress(report *transcribe.StatusReport) (int, string) {
	switch report.Status {
	case transcribe.StatusQueued:
		return 10, "queued_remote"
	case transcribe.StatusProcessing:
		return 20, "processing"
	case transcribe.StatusTranscribing:
		remote := report.Progress
		if remote < 0 {
			remote = 0
		}
		if remote > 100 {
			remote = 100
		}
		return 30 + remote*55/100, "transcribing"
	case transcribe.StatusFinalizing:
		return 90, "finalizing"
	case transcribe.StatusCompleted:
		return 95, "fetching_result"
	}
	return 0, string(report.Status)
}

func (o *Orchestrator) policy(cfg Config) resilience.Policy {
	retry := cfg.Retry
	retry.Retryable = func(err error) bool {
		return jobs.Classify(err).Recoverable
	}
	return resilience.Policy{Retry: retry, Breaker: o.breaker}
}

// fail classifies err and hands the job to the queue failure handler
func (o *Orchestrator) fail(ctx context.Context, job *jobs.Job, exec *execution, err error) {
	jobErr := jobs.Classify(err)
	if rerr := o.tracker.RecordError(job.ID, jobErr); rerr != nil {
		o.logger.Warn().Err(rerr).Str("job_id", job.ID).Msg("Failed to record job error")
	}

	decision, ferr := o.queue.Fail(job.ID, jobErr)
	if ferr != nil {
		o.logger.Debug().Err(ferr).Str("job_id", job.ID).Msg("Job left the queue before failure handling")
		return
	}

	if decision.Retry {
		if err := o.tracker.Transition(job.ID, jobs.StatusQueued, fmt.Sprintf("retry in %s", decision.Delay)); err != nil {
			o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record retry")
		}
		o.mutex.Lock()
		o.stats.Retried++
		o.mutex.Unlock()

		o.publish(ctx, exec, Update{
			JobID:   job.ID,
			Status:  jobs.StatusQueued,
			Stage:   "retrying",
			Message: jobErr.Message,
			Error:   jobErr,
		})
		return
	}

	if err := o.tracker.Transition(job.ID, jobs.StatusFailed, string(jobErr.Category)); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record failure")
	}
	o.mutex.Lock()
	o.stats.Failed++
	o.mutex.Unlock()

	o.publish(ctx, exec, Update{
		JobID:   job.ID,
		Status:  jobs.StatusFailed,
		Stage:   "failed",
		Message: jobErr.Message,
		Error:   jobErr,
	})
}

func (o *Orchestrator) progress(ctx context.Context, id string, exec *execution, percentage int, stage, message string) {
	if exec.cancelled.Load() {
		return
	}
	p, err := o.tracker.UpdateProgress(id, percentage, stage, message)
	if err != nil {
		o.logger.Debug().Err(err).Str("job_id", id).Msg("Progress update dropped")
		return
	}
	_ = o.queue.Update(id, func(j *jobs.Job) { j.Progress = p })
	o.publish(ctx, exec, Update{
		JobID:      id,
		Status:     jobs.StatusProcessing,
		Percentage: p.Percentage,
		Stage:      p.Stage,
		Message:    p.Message,
	})
}

// publish sends update in per-job sequence order. Callers for one job run on
// a single goroutine, apart from CancelJob which only publishes the final update.
func (o *Orchestrator) publish(ctx context.Context, exec *execution, update Update) {
	if o.publisher == nil {
		return
	}
	if exec != nil {
		o.mutex.Lock()
		exec.sequence++
		update.Sequence = exec.sequence
		o.mutex.Unlock()
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}
	if err := o.publisher.PublishJobUpdate(ctx, update); err != nil {
		event := o.logger.Debug()
		if update.Status.Terminal() {
			event = o.logger.Warn()
		}
		event.Err(err).Str("job_id", update.JobID).Str("status", string(update.Status)).Msg("Job update not published")
	}
}

// Active returns the number of executing jobs
func (o *Orchestrator) Active() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return len(o.active)
}

// Stats returns orchestrator, queue and breaker counters
func (o *Orchestrator) Stats() Stats {
	o.mutex.Lock()
	stats := o.stats
	stats.Active = len(o.active)
	o.mutex.Unlock()

	stats.Accepting = o.accepting.Load()
	stats.Queue = o.queue.Stats()
	stats.Breaker = o.breaker.Stats()
	return stats
}

// Shutdown stops accepting work and waits for in-flight executions, bounded by
// ctx and the configured timeout. On timeout the executions are abandoned and
// their jobs are left processing rather than failed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.accepting.Store(false)
	if o.running.CompareAndSwap(true, false) {
		o.loopCancel()
		o.loopWG.Wait()
	}

	timeout := o.Config().ShutdownTimeout
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		o.execWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.execCancel()
		o.logger.Info().Msg("Orchestrator stopped")
		return nil
	case <-waitCtx.Done():
		inFlight := o.Active()
		o.execCancel()
		o.logger.Warn().Int("in_flight", inFlight).Dur("timeout", timeout).Msg("Orchestrator shutdown timed out")
		return fmt.Errorf("%w: %d", ErrShutdownTimeout, inFlight)
	}
}
