package jobs

import (
	"errors"
	"fmt"
	"time"

	"courier/internal/transcribe"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobFinished    = errors.New("job already finished")
	ErrInvalidJob     = errors.New("invalid job")
	ErrIllegalState   = errors.New("illegal job state transition")
	ErrAlreadyTracked = errors.New("job already tracked")
)

// Status is the local lifecycle state of a job
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority ranks jobs in the queue
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists every priority, highest first by default weight
func Priorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ParsePriority converts a name into a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return PriorityNormal, fmt.Errorf("unknown job priority: %s", s)
	}
	return p, nil
}

// Progress is the latest reported position of a running job
type Progress struct {
	Percentage int       `json:"percentage"`
	Stage      string    `json:"stage,omitempty"`
	Message    string    `json:"message,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Job is a unit of external work
type Job struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Priority Priority           `json:"priority"`
	Status   Status             `json:"status"`
	Request  transcribe.Request `json:"request"`
	// Source is the component that submitted the job
	Source string `json:"source,omitempty"`
	// EstimatedMemory counts against the queue memory budget while processing
	EstimatedMemory int64             `json:"estimated_memory"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	ExternalID  string             `json:"external_id,omitempty"`
	Attempts    int                `json:"attempts"`
	Progress    Progress           `json:"progress"`
	Result      *transcribe.Result `json:"result,omitempty"`
	Error       *JobError          `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	QueuedAt    time.Time          `json:"queued_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	NotBefore   *time.Time         `json:"not_before,omitempty"`
}

// Clone returns a copy that shares no mutable state with j
func (j *Job) Clone() *Job {
	c := *j
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	c.StartedAt = copyTime(j.StartedAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	c.NotBefore = copyTime(j.NotBefore)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EnqueueResult is the structured outcome of Enqueue
type EnqueueResult struct {
	Success   bool   `json:"success"`
	JobID     string `json:"job_id"`
	Position  int    `json:"position,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Config bounds the job queue
type Config struct {
	MaxJobs        int              `yaml:"max_jobs" json:"max_jobs"`
	PriorityLimits map[Priority]int `yaml:"priority_limits" json:"priority_limits"`
	Weights        map[Priority]int `yaml:"weights" json:"weights"`
	MaxConcurrent  int              `yaml:"max_concurrent" json:"max_concurrent"`
	// MemoryBudget caps the summed EstimatedMemory of processing jobs
	MemoryBudget     int64         `yaml:"memory_budget" json:"memory_budget"`
	DefaultJobMemory int64         `yaml:"default_job_memory" json:"default_job_memory"`
	MaxRetries       int           `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	MaxRetryDelay    time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// FinishedRetention is how many terminal jobs stay queryable
	FinishedRetention int `yaml:"finished_retention" json:"finished_retention"`
	EventLogSize      int `yaml:"event_log_size" json:"event_log_size"`
}

// DefaultConfig returns the default queue limits
func DefaultConfig() Config {
	return Config{
		MaxJobs: 100,
		PriorityLimits: map[Priority]int{
			PriorityUrgent: 10,
			PriorityHigh:   25,
			PriorityNormal: 50,
			PriorityLow:    50,
		},
		Weights: map[Priority]int{
			PriorityUrgent: 100,
			PriorityHigh:   75,
			PriorityNormal: 50,
			PriorityLow:    25,
		},
		MaxConcurrent:     3,
		MemoryBudget:      512 << 20,
		DefaultJobMemory:  64 << 20,
		MaxRetries:        3,
		RetryBaseDelay:    5 * time.Second,
		MaxRetryDelay:     5 * time.Minute,
		FinishedRetention: 500,
		EventLogSize:      100,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.MaxJobs < 1 {
		return fmt.Errorf("max_jobs must be at least 1")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	if c.MemoryBudget < 0 || c.DefaultJobMemory < 0 {
		return fmt.Errorf("memory limits must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	for p, limit := range c.PriorityLimits {
		if !p.Valid() {
			return fmt.Errorf("unknown priority in priority_limits: %s", p)
		}
		if limit < 0 {
			return fmt.Errorf("priority limit for %s must not be negative", p)
		}
	}
	for p := range c.Weights {
		if !p.Valid() {
			return fmt.Errorf("unknown priority in weights: %s", p)
		}
	}
	if c.FinishedRetention < 1 {
		return fmt.Errorf("finished_retention must be at least 1")
	}
	return nil
}

func (c Config) weight(p Priority) int {
	if w, ok := c.Weights[p]; ok {
		return w
	}
	return DefaultConfig().Weights[p]
}
