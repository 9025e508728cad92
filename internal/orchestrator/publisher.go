package orchestrator

import (
	"context"
	"time"

	"courier/internal/broadcast"
	"courier/internal/envelope"
	"courier/internal/jobs"
	"courier/internal/transcribe"
)

// Update is one job lifecycle notification. Sequence increases per job so
// subscribers can discard stale updates.
type Update struct {
	JobID      string             `json:"job_id"`
	Sequence   uint64             `json:"sequence"`
	Status     jobs.Status        `json:"status"`
	Percentage int                `json:"percentage"`
	Stage      string             `json:"stage,omitempty"`
	Message    string             `json:"message,omitempty"`
	Result     *transcribe.Result `json:"result,omitempty"`
	Error      *jobs.JobError     `json:"error,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// EventType maps the update onto the job event message type
func (u Update) EventType() string {
	switch u.Status {
	case jobs.StatusCompleted:
		return envelope.TypeJobCompleted
	case jobs.StatusFailed:
		return envelope.TypeJobFailed
	}
	return envelope.TypeJobProgress
}

// Publisher fans job updates out to interested components
type Publisher interface {
	PublishJobUpdate(ctx context.Context, update Update) error
}

// BroadcastPublisher publishes updates on the job-events channel
type BroadcastPublisher struct {
	Broadcast *broadcast.Manager
	Source    envelope.Source
}

func (p *BroadcastPublisher) PublishJobUpdate(ctx context.Context, update Update) error {
	priority := envelope.PriorityNormal
	if update.Status.Terminal() {
		priority = envelope.PriorityUrgent
	}
	_, err := p.Broadcast.BroadcastEvent(ctx, broadcast.Event{
		Type:      update.EventType(),
		Channel:   broadcast.ChannelJobEvents,
		Source:    p.Source,
		Data:      update,
		Priority:  priority,
		Tags:      []string{"job:" + update.JobID},
		Timestamp: update.Timestamp,
	})
	return err
}
