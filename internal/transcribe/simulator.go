package transcribe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// simulatedStages is the status sequence a simulated job walks through, one step per poll
var simulatedStages = []StatusReport{
	{Status: StatusQueued, Progress: 0},
	{Status: StatusProcessing, Progress: 20},
	{Status: StatusTranscribing, Progress: 60},
	{Status: StatusFinalizing, Progress: 90},
	{Status: StatusCompleted, Progress: 100},
}

// Simulator is an in-process API for development and tests. Each poll
// advances a job one stage.
type Simulator struct {
	jobs  map[string]*simulatedJob
	fail  map[string]string
	mutex sync.Mutex
}

type simulatedJob struct {
	request Request
	polls   int
}

// NewSimulator creates an empty simulator
func NewSimulator() *Simulator {
	return &Simulator{
		jobs: make(map[string]*simulatedJob),
		fail: make(map[string]string),
	}
}

// FailAudio makes jobs for audioURL end in the failed state with message
func (s *Simulator) FailAudio(audioURL, message string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.fail[audioURL] = message
}

func (s *Simulator) Submit(ctx context.Context, req Request) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := "sim_" + uuid.NewString()
	s.jobs[id] = &simulatedJob{request: req}
	return &Submission{ExternalID: id, AcceptedAt: time.Now()}, nil
}

func (s *Simulator) PollStatus(ctx context.Context, externalID string) (*StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, ok := s.jobs[externalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, externalID)
	}

	job.polls++
	if message, failing := s.fail[job.request.AudioURL]; failing && job.polls >= 2 {
		return &StatusReport{Status: StatusFailed, Progress: 0, Error: message}, nil
	}

	stage := job.polls
	if stage >= len(simulatedStages) {
		stage = len(simulatedStages) - 1
	}
	report := simulatedStages[stage]
	return &report, nil
}

func (s *Simulator) FetchResult(ctx context.Context, externalID string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, ok := s.jobs[externalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, externalID)
	}
	if job.polls < len(simulatedStages)-1 {
		return nil, fmt.Errorf("%w: %s is not finished", ErrInvalidRequest, externalID)
	}

	language := job.request.Language
	if language == "" {
		language = "en"
	}
	return &Result{
		ExternalID: externalID,
		Text:       "Simulated transcript of " + job.request.AudioURL,
		Language:   language,
		Duration:   60,
		Confidence: 0.9,
		Segments: []Segment{
			{Start: 0, End: 60, Speaker: "speaker_1", Text: "Simulated transcript of " + job.request.AudioURL},
		},
	}, nil
}
