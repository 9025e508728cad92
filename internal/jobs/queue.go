package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"courier/internal/logger"
	"courier/internal/resilience"
	"courier/internal/storage"
	"courier/internal/transcribe"
)

// QueueCheckpointKey is where the queue snapshot lives in the local area
const QueueCheckpointKey = "checkpoint:job_queue"

// Capacity rejection reasons reported in EnqueueResult
const (
	ReasonQueueFull     = "queue at capacity"
	ReasonPriorityLimit = "priority limit reached"
	ReasonDuplicate     = "duplicate job id"
	ReasonInvalid       = "invalid job"
)

// FailureDecision is what the failure handler chose for a failed attempt
type FailureDecision struct {
	Retry    bool          `json:"retry"`
	Delay    time.Duration `json:"delay,omitempty"`
	Attempts int           `json:"attempts"`
}

// QueueStats summarizes queue occupancy
type QueueStats struct {
	Queued       int              `json:"queued"`
	Processing   int              `json:"processing"`
	Paused       int              `json:"paused"`
	Completed    int64            `json:"completed"`
	Failed       int64            `json:"failed"`
	Cancelled    int64            `json:"cancelled"`
	Retried      int64            `json:"retried"`
	ByPriority   map[Priority]int `json:"by_priority"`
	MemoryInUse  int64            `json:"memory_in_use"`
	MemoryBudget int64            `json:"memory_budget"`
}

// Queue holds jobs until the orchestrator claims them. Queued jobs drain by
// priority weight, FIFO within a tier.
type Queue struct {
	config      Config
	jobs        map[string]*Job
	tiers       map[Priority][]string
	active      map[string]struct{}
	memoryInUse int64
	finished    *lru.Cache[string, *Job]
	totals      map[Status]int64
	retried     int64
	now         func() time.Time
	logger      zerolog.Logger
	mutex       sync.Mutex
}

// NewQueue creates an empty queue
func NewQueue(config Config) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job queue config: %w", err)
	}
	finished, err := lru.New[string, *Job](config.FinishedRetention)
	if err != nil {
		return nil, fmt.Errorf("failed to create finished job cache: %w", err)
	}

	return &Queue{
		config:   config,
		jobs:     make(map[string]*Job),
		tiers:    make(map[Priority][]string),
		active:   make(map[string]struct{}),
		finished: finished,
		totals:   make(map[Status]int64),
		now:      time.Now,
		logger:   logger.GetLogger("jobs"),
	}, nil
}

// SetClock replaces the time source used for timestamps and retry delays
func (q *Queue) SetClock(now func() time.Time) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.now = now
}

// Config returns the queue configuration
func (q *Queue) Config() Config {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.config
}

// UpdateConfig swaps limits for jobs not yet dequeued. Retention is fixed at construction.
func (q *Queue) UpdateConfig(config Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid job queue config: %w", err)
	}
	q.mutex.Lock()
	defer q.mutex.Unlock()
	config.FinishedRetention = q.config.FinishedRetention
	q.config = config
	return nil
}

// Enqueue admits job. Capacity failures are reported in the result, not as errors.
func (q *Queue) Enqueue(job *Job) EnqueueResult {
	if job == nil {
		return EnqueueResult{Reason: ReasonInvalid}
	}
	if job.ID == "" {
		job.ID = "job_" + uuid.NewString()
	}
	if job.Priority == "" {
		job.Priority = PriorityNormal
	}
	if !job.Priority.Valid() {
		return EnqueueResult{JobID: job.ID, Reason: fmt.Sprintf("%s: unknown priority %q", ReasonInvalid, job.Priority)}
	}
	if err := job.Request.Validate(); err != nil {
		return EnqueueResult{JobID: job.ID, Reason: fmt.Sprintf("%s: %v", ReasonInvalid, err)}
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if _, exists := q.jobs[job.ID]; exists || q.finished.Contains(job.ID) {
		return EnqueueResult{JobID: job.ID, Reason: ReasonDuplicate}
	}
	if len(q.jobs) >= q.config.MaxJobs {
		return EnqueueResult{JobID: job.ID, Reason: ReasonQueueFull, Retryable: true}
	}
	if limit, ok := q.config.PriorityLimits[job.Priority]; ok && limit > 0 && len(q.tiers[job.Priority]) >= limit {
		return EnqueueResult{JobID: job.ID, Reason: fmt.Sprintf("%s for %s", ReasonPriorityLimit, job.Priority), Retryable: true}
	}

	now := q.now()
	stored := job.Clone()
	stored.Status = StatusQueued
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.QueuedAt = now
	if stored.EstimatedMemory <= 0 {
		stored.EstimatedMemory = q.config.DefaultJobMemory
	}
	q.jobs[stored.ID] = stored
	q.tiers[stored.Priority] = append(q.tiers[stored.Priority], stored.ID)

	q.logger.Info().
		Str("job_id", stored.ID).
		Str("priority", string(stored.Priority)).
		Msg("Job enqueued")

	return EnqueueResult{Success: true, JobID: stored.ID, Position: q.position(stored.ID)}
}

// tierOrder returns priorities by descending weight
func (q *Queue) tierOrder() []Priority {
	order := Priorities()
	sort.SliceStable(order, func(i, j int) bool {
		return q.config.weight(order[i]) > q.config.weight(order[j])
	})
	return order
}

// position is the 1-based place of id in drain order
func (q *Queue) position(id string) int {
	pos := 0
	for _, p := range q.tierOrder() {
		for _, queued := range q.tiers[p] {
			pos++
			if queued == id {
				return pos
			}
		}
	}
	return 0
}

// Dequeue claims the next eligible job
func (q *Queue) Dequeue() (*Job, bool) {
	batch := q.DequeueBatch(1)
	if len(batch) == 0 {
		return nil, false
	}
	return batch[0], true
}

// DequeueBatch claims up to n jobs without exceeding the concurrency cap or
// memory budget. Jobs waiting out a retry delay are skipped. A job that does
// not fit the remaining memory budget blocks everything behind it; a job larger
// than the whole budget still runs when nothing else is processing.
func (q *Queue) DequeueBatch(n int) []*Job {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	slots := q.config.MaxConcurrent - len(q.active)
	if slots > n {
		slots = n
	}
	if slots <= 0 {
		return nil
	}

	now := q.now()
	var claimed []*Job

tiers:
	for _, p := range q.tierOrder() {
		remaining := q.tiers[p][:0:0]
		for i, id := range q.tiers[p] {
			job := q.jobs[id]
			if len(claimed) >= slots {
				remaining = append(remaining, q.tiers[p][i:]...)
				q.tiers[p] = remaining
				break tiers
			}
			if job.NotBefore != nil && now.Before(*job.NotBefore) {
				remaining = append(remaining, id)
				continue
			}
			if q.config.MemoryBudget > 0 && q.memoryInUse > 0 && q.memoryInUse+job.EstimatedMemory > q.config.MemoryBudget {
				remaining = append(remaining, q.tiers[p][i:]...)
				q.tiers[p] = remaining
				break tiers
			}

			started := now
			job.Status = StatusProcessing
			job.StartedAt = &started
			job.NotBefore = nil
			job.Attempts++
			q.active[id] = struct{}{}
			q.memoryInUse += job.EstimatedMemory
			claimed = append(claimed, job.Clone())
		}
		q.tiers[p] = remaining
	}

	return claimed
}

// Update applies fn to a live job under the queue lock
func (q *Queue) Update(id string, fn func(job *Job)) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		if q.finished.Contains(id) {
			return fmt.Errorf("%w: %s", ErrJobFinished, id)
		}
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	fn(job)
	return nil
}

// Complete records a successful result for a processing job
func (q *Queue) Complete(id string, result *transcribe.Result) (*Job, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	job, err := q.activeJob(id)
	if err != nil {
		return nil, err
	}
	job.Result = result
	job.Error = nil
	job.Progress.Percentage = 100
	q.finish(job, StatusCompleted)

	q.logger.Info().Str("job_id", id).Int("attempts", job.Attempts).Msg("Job completed")
	return job.Clone(), nil
}

// Fail is the failure handler. A recoverable error on a job that has run fewer
// than MaxRetries times sends it back to its tier after an exponential delay.
// Anything else fails it for good.
func (q *Queue) Fail(id string, jobErr *JobError) (FailureDecision, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	job, err := q.activeJob(id)
	if err != nil {
		return FailureDecision{}, err
	}
	job.Error = jobErr
	q.release(job)

	decision := FailureDecision{Attempts: job.Attempts}
	if jobErr != nil && jobErr.Recoverable && job.Attempts < q.config.MaxRetries {
		retry := resilience.RetryConfig{
			BaseDelay:  q.config.RetryBaseDelay,
			MaxDelay:   q.config.MaxRetryDelay,
			Multiplier: 2,
		}
		decision.Retry = true
		decision.Delay = retry.Delay(job.Attempts)

		notBefore := q.now().Add(decision.Delay)
		job.Status = StatusQueued
		job.NotBefore = &notBefore
		job.QueuedAt = q.now()
		job.Progress = Progress{}
		job.ExternalID = ""
		q.tiers[job.Priority] = append(q.tiers[job.Priority], id)
		q.retried++

		q.logger.Warn().
			Str("job_id", id).
			Int("attempt", job.Attempts).
			Dur("delay", decision.Delay).
			Str("category", string(jobErr.Category)).
			Msg("Job attempt failed, requeued")
		return decision, nil
	}

	q.finish(job, StatusFailed)
	event := q.logger.Error().Str("job_id", id).Int("attempts", job.Attempts)
	if jobErr != nil {
		event = event.Str("category", string(jobErr.Category)).Str("severity", string(jobErr.Severity))
	}
	event.Msg("Job failed permanently")
	return decision, nil
}

// Cancel removes a live job from the queue and marks it cancelled
func (q *Queue) Cancel(id string) (*Job, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		if q.finished.Contains(id) {
			return nil, fmt.Errorf("%w: %s", ErrJobFinished, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if job.Status == StatusProcessing {
		q.release(job)
	} else {
		q.dropFromTier(job)
	}
	q.finish(job, StatusCancelled)

	q.logger.Info().Str("job_id", id).Msg("Job cancelled")
	return job.Clone(), nil
}

// Pause holds a queued job out of the drain order
func (q *Queue) Pause(id string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	job, err := q.liveJob(id)
	if err != nil {
		return err
	}
	if job.Status != StatusQueued {
		return fmt.Errorf("%w: cannot pause %s job", ErrIllegalState, job.Status)
	}
	q.dropFromTier(job)
	job.Status = StatusPaused
	return nil
}

// Resume returns a paused job to the tail of its tier
func (q *Queue) Resume(id string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	job, err := q.liveJob(id)
	if err != nil {
		return err
	}
	if job.Status != StatusPaused {
		return fmt.Errorf("%w: cannot resume %s job", ErrIllegalState, job.Status)
	}
	job.Status = StatusQueued
	job.QueuedAt = q.now()
	q.tiers[job.Priority] = append(q.tiers[job.Priority], id)
	return nil
}

// Get returns a copy of a live or recently finished job
func (q *Queue) Get(id string) (*Job, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if job, ok := q.jobs[id]; ok {
		return job.Clone(), true
	}
	if job, ok := q.finished.Peek(id); ok {
		return job.Clone(), true
	}
	return nil, false
}

// List returns jobs with the given status, or every retained job when status
// is empty, oldest first
func (q *Queue) List(status Status) []*Job {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	var out []*Job
	for _, job := range q.jobs {
		if status == "" || job.Status == status {
			out = append(out, job.Clone())
		}
	}
	for _, id := range q.finished.Keys() {
		job, ok := q.finished.Peek(id)
		if ok && (status == "" || job.Status == status) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len is the number of live jobs
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.jobs)
}

// Stats returns occupancy and lifetime counters
func (q *Queue) Stats() QueueStats {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	stats := QueueStats{
		Completed:    q.totals[StatusCompleted],
		Failed:       q.totals[StatusFailed],
		Cancelled:    q.totals[StatusCancelled],
		Retried:      q.retried,
		ByPriority:   make(map[Priority]int),
		MemoryInUse:  q.memoryInUse,
		MemoryBudget: q.config.MemoryBudget,
	}
	for _, job := range q.jobs {
		switch job.Status {
		case StatusQueued:
			stats.Queued++
			stats.ByPriority[job.Priority]++
		case StatusProcessing:
			stats.Processing++
		case StatusPaused:
			stats.Paused++
		}
	}
	return stats
}

type queueSnapshot struct {
	Jobs    []*Job    `json:"jobs"`
	SavedAt time.Time `json:"saved_at"`
}

// Checkpoint persists live jobs to the local storage area
func (q *Queue) Checkpoint(ctx context.Context, backend storage.Backend) error {
	q.mutex.Lock()
	snapshot := queueSnapshot{SavedAt: q.now()}
	for _, job := range q.jobs {
		snapshot.Jobs = append(snapshot.Jobs, job.Clone())
	}
	q.mutex.Unlock()

	sort.Slice(snapshot.Jobs, func(i, j int) bool {
		return snapshot.Jobs[i].QueuedAt.Before(snapshot.Jobs[j].QueuedAt)
	})
	return storage.SaveCheckpoint(ctx, backend, storage.AreaLocal, QueueCheckpointKey, "job_queue", snapshot)
}

// Restore reloads a checkpoint. Jobs that were processing when it was taken go
// back to their tier; the remote call they were waiting on is abandoned.
func (q *Queue) Restore(ctx context.Context, backend storage.Backend) (int, error) {
	var snapshot queueSnapshot
	cp, err := storage.LoadCheckpoint(ctx, backend, storage.AreaLocal, QueueCheckpointKey, &snapshot)
	if err != nil {
		return 0, err
	}
	if cp == nil {
		return 0, nil
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	restored := 0
	for _, job := range snapshot.Jobs {
		if _, exists := q.jobs[job.ID]; exists {
			continue
		}
		if len(q.jobs) >= q.config.MaxJobs {
			q.logger.Warn().Str("job_id", job.ID).Msg("Queue full, dropping restored job")
			continue
		}
		if job.Status != StatusPaused {
			job.Status = StatusQueued
			job.StartedAt = nil
			job.ExternalID = ""
			q.tiers[job.Priority] = append(q.tiers[job.Priority], job.ID)
		}
		q.jobs[job.ID] = job
		restored++
	}

	q.logger.Info().Int("jobs", restored).Time("saved_at", snapshot.SavedAt).Msg("Job queue restored")
	return restored, nil
}

func (q *Queue) liveJob(id string) (*Job, error) {
	job, ok := q.jobs[id]
	if !ok {
		if q.finished.Contains(id) {
			return nil, fmt.Errorf("%w: %s", ErrJobFinished, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

func (q *Queue) activeJob(id string) (*Job, error) {
	job, err := q.liveJob(id)
	if err != nil {
		return nil, err
	}
	if _, ok := q.active[id]; !ok {
		return nil, fmt.Errorf("%w: %s is %s, not processing", ErrIllegalState, id, job.Status)
	}
	return job, nil
}

func (q *Queue) release(job *Job) {
	if _, ok := q.active[job.ID]; !ok {
		return
	}
	delete(q.active, job.ID)
	q.memoryInUse -= job.EstimatedMemory
	if q.memoryInUse < 0 {
		q.memoryInUse = 0
	}
}

func (q *Queue) dropFromTier(job *Job) {
	tier := q.tiers[job.Priority]
	for i, id := range tier {
		if id == job.ID {
			q.tiers[job.Priority] = append(tier[:i:i], tier[i+1:]...)
			return
		}
	}
}

func (q *Queue) finish(job *Job, status Status) {
	q.release(job)
	now := q.now()
	job.Status = status
	job.CompletedAt = &now
	job.NotBefore = nil
	delete(q.jobs, job.ID)
	q.finished.Add(job.ID, job)
	q.totals[status]++
}
