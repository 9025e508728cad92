package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courier/internal/resilience"
	"courier/internal/storage"
	"courier/internal/transcribe"
)

// ErrExecutionTimeout is returned when a job outlives its poll budget
var ErrExecutionTimeout = errors.New("job execution timed out")

// Category groups job failures by cause
type Category string

const (
	CategoryTimeout           Category = "timeout"
	CategoryExternalAPI       Category = "external_api"
	CategoryResourceExhausted Category = "resource_exhausted"
	CategoryDependencyFailed  Category = "dependency_failed"
	CategoryInternal          Category = "internal"
)

// Severity ranks how urgently a failure needs attention
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// JobError is a classified job failure
type JobError struct {
	Category    Category  `json:"category"`
	Severity    Severity  `json:"severity"`
	Recoverable bool      `json:"recoverable"`
	Message     string    `json:"message"`
	Remediation []string  `json:"remediation,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`

	cause error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

func (e *JobError) Unwrap() error {
	return e.cause
}

func newJobError(err error, category Category, severity Severity, recoverable bool, remediation ...string) *JobError {
	return &JobError{
		Category:    category,
		Severity:    severity,
		Recoverable: recoverable,
		Message:     err.Error(),
		Remediation: remediation,
		OccurredAt:  time.Now(),
		cause:       err,
	}
}

// Classify maps err onto the job error taxonomy
func Classify(err error) *JobError {
	if err == nil {
		return nil
	}

	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}

	switch {
	case errors.Is(err, ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		return newJobError(err, CategoryTimeout, SeverityMedium, true,
			"Retry the job",
			"Increase the orchestrator poll budget for long recordings")

	case errors.Is(err, context.Canceled):
		return newJobError(err, CategoryInternal, SeverityLow, false,
			"Resubmit the job if the cancellation was unintended")

	case errors.Is(err, resilience.ErrCircuitOpen):
		return newJobError(err, CategoryDependencyFailed, SeverityHigh, true,
			"Wait for the transcription service to recover",
			"Check the breaker state in hub metrics")

	case errors.Is(err, transcribe.ErrUnavailable):
		return newJobError(err, CategoryDependencyFailed, SeverityHigh, true,
			"Check network connectivity to the transcription service",
			"Retry once the service is reachable")

	case errors.Is(err, transcribe.ErrRateLimited):
		return newJobError(err, CategoryExternalAPI, SeverityMedium, true,
			"Reduce orchestrator concurrency",
			"Retry after the rate limit window")

	case errors.Is(err, transcribe.ErrQuotaExceeded):
		return newJobError(err, CategoryResourceExhausted, SeverityHigh, false,
			"Check the transcription account quota",
			"Upgrade the plan or wait for the quota to reset")

	case errors.Is(err, storage.ErrQuotaExceeded):
		return newJobError(err, CategoryResourceExhausted, SeverityCritical, false,
			"Free local storage",
			"Lower the finished job retention")

	case errors.Is(err, transcribe.ErrUnauthorized):
		return newJobError(err, CategoryExternalAPI, SeverityCritical, false,
			"Check the transcription API key")

	case errors.Is(err, transcribe.ErrInvalidRequest):
		return newJobError(err, CategoryExternalAPI, SeverityHigh, false,
			"Check the audio URL and request options")

	case errors.Is(err, transcribe.ErrNotFound):
		return newJobError(err, CategoryExternalAPI, SeverityMedium, false,
			"Resubmit the job")

	case errors.Is(err, transcribe.ErrJobFailed):
		return newJobError(err, CategoryExternalAPI, SeverityHigh, true,
			"Retry the job",
			"Check that the audio is readable")
	}

	return newJobError(err, CategoryInternal, SeverityMedium, false,
		"Check the hub logs for details")
}
