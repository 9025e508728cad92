package transcribe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited    = errors.New("transcription api rate limited")
	ErrQuotaExceeded  = errors.New("transcription api quota exceeded")
	ErrUnavailable    = errors.New("transcription api unavailable")
	ErrNotFound       = errors.New("transcription job not found")
	ErrInvalidRequest = errors.New("invalid transcription request")
	ErrUnauthorized   = errors.New("transcription api rejected credentials")
	ErrJobFailed      = errors.New("transcription job failed remotely")
)

// Status is the remote job state
type Status string

const (
	StatusQueued       Status = "queued"
	StatusProcessing   Status = "processing"
	StatusTranscribing Status = "transcribing"
	StatusFinalizing   Status = "finalizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the remote job will not change again
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request describes the audio to transcribe
type Request struct {
	ReferenceID string            `json:"reference_id"`
	AudioURL    string            `json:"audio_url"`
	Language    string            `json:"language,omitempty"`
	Model       string            `json:"model,omitempty"`
	Diarization bool              `json:"diarization,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// Validate checks the request before it is sent
func (r Request) Validate() error {
	if r.AudioURL == "" {
		return fmt.Errorf("%w: audio_url is required", ErrInvalidRequest)
	}
	return nil
}

// Submission acknowledges an accepted request
type Submission struct {
	ExternalID string    `json:"job_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// StatusReport is one poll result
type StatusReport struct {
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// Segment is a timed slice of the transcript
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
	Text    string  `json:"text"`
}

// Result is the finished transcript
type Result struct {
	ExternalID string    `json:"job_id"`
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Duration   float64   `json:"duration"`
	Confidence float64   `json:"confidence,omitempty"`
	Segments   []Segment `json:"segments,omitempty"`
}

// API is the external transcription service. Every call may fail transiently.
type API interface {
	Submit(ctx context.Context, req Request) (*Submission, error)
	PollStatus(ctx context.Context, externalID string) (*StatusReport, error)
	FetchResult(ctx context.Context, externalID string) (*Result, error)
}

// APIError carries the HTTP details behind a sentinel error
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Kind       error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%v (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%v (status %d)", e.Kind, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}
