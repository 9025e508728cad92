package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"courier/internal/logger"
)

// DefaultEventLogSize bounds the per-job event log
const DefaultEventLogSize = 100

// transitions lists the legal moves out of each status. Terminal statuses have none.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusPaused, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled, StatusQueued},
	StatusPaused:     {StatusQueued, StatusCancelled},
}

// CanTransition reports whether from -> to is legal
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one recorded status change
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Event is an entry in a job's bounded log
type Event struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Snapshot is a point-in-time view of a tracked job
type Snapshot struct {
	JobID       string        `json:"job_id"`
	Status      Status        `json:"status"`
	Progress    Progress      `json:"progress"`
	Transitions []Transition  `json:"transitions"`
	Errors      []*JobError   `json:"errors,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

type trackedJob struct {
	status      Status
	progress    Progress
	transitions []Transition
	errors      []*JobError
	events      []Event
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
}

// Tracker records what the orchestrator tells it about each job. It never
// changes a status on its own.
type Tracker struct {
	records  map[string]*trackedJob
	finished *lru.Cache[string, struct{}]
	eventCap int
	now      func() time.Time
	logger   zerolog.Logger
	mutex    sync.RWMutex
}

// NewTracker creates a tracker keeping at most eventCap events per job and
// retention terminal jobs
func NewTracker(eventCap, retention int) (*Tracker, error) {
	if eventCap <= 0 {
		eventCap = DefaultEventLogSize
	}
	if retention <= 0 {
		retention = DefaultConfig().FinishedRetention
	}
	t := &Tracker{
		records:  make(map[string]*trackedJob),
		eventCap: eventCap,
		now:      time.Now,
		logger:   logger.GetLogger("tracker"),
	}

	// evictions run inside finished.Add, which is only called with t.mutex held
	finished, err := lru.NewWithEvict[string, struct{}](retention, func(id string, _ struct{}) {
		delete(t.records, id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker retention cache: %w", err)
	}
	t.finished = finished
	return t, nil
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.now = now
}

// Track starts recording job in the queued state
func (t *Tracker) Track(job *Job) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.records[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, job.ID)
	}
	now := t.now()
	created := job.CreatedAt
	if created.IsZero() {
		created = now
	}
	rec := &trackedJob{
		status:    StatusQueued,
		createdAt: created,
	}
	t.records[job.ID] = rec
	t.appendEvent(rec, Event{Kind: "tracked", Message: fmt.Sprintf("priority %s", job.Priority), At: now})
	return nil
}

// Transition moves a job to status. Moving to the current status is a no-op.
func (t *Tracker) Transition(id string, to Status, reason string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if rec.status == to {
		return nil
	}
	if rec.status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, id, rec.status)
	}
	if !CanTransition(rec.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalState, rec.status, to)
	}

	now := t.now()
	rec.transitions = append(rec.transitions, Transition{From: rec.status, To: to, At: now, Reason: reason})
	from := rec.status
	rec.status = to

	switch {
	case to == StatusProcessing:
		started := now
		rec.startedAt = &started
	case to == StatusQueued && from == StatusProcessing:
		// a retry starts its progress over
		rec.progress = Progress{}
	case to.Terminal():
		completed := now
		rec.completedAt = &completed
		t.finished.Add(id, struct{}{})
	}

	t.appendEvent(rec, Event{Kind: "status", Message: fmt.Sprintf("%s -> %s", from, to), At: now})
	t.logger.Debug().
		Str("job_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Job transition")
	return nil
}

// UpdateProgress records progress. The percentage never moves backwards
// within an attempt; the stage and message always take the latest value.
func (t *Tracker) UpdateProgress(id string, percentage int, stage, message string) (Progress, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if rec.status.Terminal() {
		return rec.progress, fmt.Errorf("%w: %s is %s", ErrJobFinished, id, rec.status)
	}

	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	if percentage < rec.progress.Percentage {
		percentage = rec.progress.Percentage
	}

	now := t.now()
	rec.progress = Progress{Percentage: percentage, Stage: stage, Message: message, UpdatedAt: now}
	t.appendEvent(rec, Event{Kind: "progress", Message: fmt.Sprintf("%d%% %s", percentage, stage), At: now})
	return rec.progress, nil
}

// RecordError attaches a classified error to the job history
func (t *Tracker) RecordError(id string, jobErr *JobError) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	rec.errors = append(rec.errors, jobErr)
	t.appendEvent(rec, Event{Kind: "error", Message: jobErr.Error(), At: t.now()})
	return nil
}

// Snapshot returns the tracked state of a job
func (t *Tracker) Snapshot(id string) (Snapshot, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	rec, ok := t.records[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(id, rec), true
}

// ByStatus returns snapshots of every tracked job in status, oldest first
func (t *Tracker) ByStatus(status Status) []Snapshot {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	var out []Snapshot
	for id, rec := range t.records {
		if rec.status == status {
			out = append(out, t.snapshot(id, rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Events returns the bounded event log of a job, oldest first
func (t *Tracker) Events(id string) []Event {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	rec, ok := t.records[id]
	if !ok {
		return nil
	}
	out := make([]Event, len(rec.events))
	copy(out, rec.events)
	return out
}

// Counts returns the number of tracked jobs per status
func (t *Tracker) Counts() map[Status]int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	counts := make(map[Status]int)
	for _, rec := range t.records {
		counts[rec.status]++
	}
	return counts
}

func (t *Tracker) snapshot(id string, rec *trackedJob) Snapshot {
	snap := Snapshot{
		JobID:       id,
		Status:      rec.status,
		Progress:    rec.progress,
		Transitions: append([]Transition(nil), rec.transitions...),
		Errors:      append([]*JobError(nil), rec.errors...),
		CreatedAt:   rec.createdAt,
		StartedAt:   copyTime(rec.startedAt),
		CompletedAt: copyTime(rec.completedAt),
	}
	if rec.startedAt != nil && rec.completedAt != nil {
		snap.Duration = rec.completedAt.Sub(*rec.startedAt)
	}
	return snap
}

func (t *Tracker) appendEvent(rec *trackedJob, event Event) {
	rec.events = append(rec.events, event)
	if over := len(rec.events) - t.eventCap; over > 0 {
		rec.events = append(rec.events[:0:0], rec.events[over:]...)
	}
}
