package orchestrator_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/jobs"
	"courier/internal/orchestrator"
	"courier/internal/resilience"
	"courier/internal/storage"
	"courier/internal/transcribe"
)

type updates struct {
	list []orchestrator.Update
	mu   sync.Mutex
}

func (u *updates) PublishJobUpdate(_ context.Context, update orchestrator.Update) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.list = append(u.list, update)
	return nil
}

func (u *updates) forJob(id string) []orchestrator.Update {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []orchestrator.Update
	for _, update := range u.list {
		if update.JobID == id {
			out = append(out, update)
		}
	}
	return out
}

type fakeAPI struct {
	submit func(ctx context.Context, req transcribe.Request) (*transcribe.Submission, error)
	poll   func(ctx context.Context, id string) (*transcribe.StatusReport, error)
	fetch  func(ctx context.Context, id string) (*transcribe.Result, error)
}

func (f *fakeAPI) Submit(ctx context.Context, req transcribe.Request) (*transcribe.Submission, error) {
	return f.submit(ctx, req)
}

func (f *fakeAPI) PollStatus(ctx context.Context, id string) (*transcribe.StatusReport, error) {
	return f.poll(ctx, id)
}

func (f *fakeAPI) FetchResult(ctx context.Context, id string) (*transcribe.Result, error) {
	return f.fetch(ctx, id)
}

type fixture struct {
	orch    *orchestrator.Orchestrator
	queue   *jobs.Queue
	tracker *jobs.Tracker
	updates *updates
}

func newFixture(t *testing.T, api transcribe.API, mutateQueue func(*jobs.Config), mutate func(*orchestrator.Config)) *fixture {
	t.Helper()

	qcfg := jobs.DefaultConfig()
	qcfg.RetryBaseDelay = time.Millisecond
	if mutateQueue != nil {
		mutateQueue(&qcfg)
	}
	queue, err := jobs.NewQueue(qcfg)
	require.NoError(t, err)
	tracker, err := jobs.NewTracker(0, 0)
	require.NoError(t, err)

	cfg := orchestrator.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.PollInterval = 2 * time.Millisecond
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.ShutdownTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	pub := &updates{}
	orch, err := orchestrator.New(cfg, queue, tracker, api, pub)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	return &fixture{orch: orch, queue: queue, tracker: tracker, updates: pub}
}

func submit(t *testing.T, f *fixture, id string) {
	t.Helper()
	res := f.orch.SubmitJob(&jobs.Job{
		ID:       id,
		Type:     "transcription",
		Priority: jobs.PriorityNormal,
		Request:  transcribe.Request{AudioURL: "https://cdn.example.com/" + id + ".wav"},
	})
	require.True(t, res.Success, res.Reason)
}

// waitStatus waits until the tracker and the last published update agree on want
func waitStatus(t *testing.T, f *fixture, id string, want jobs.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, ok := f.tracker.Snapshot(id)
		if !ok || snap.Status != want {
			return false
		}
		published := f.updates.forJob(id)
		return len(published) > 0 && published[len(published)-1].Status == want
	}, 2*time.Second, 2*time.Millisecond)
}

func TestJobRunsToCompletion(t *testing.T) {
	f := newFixture(t, transcribe.NewSimulator(), nil, nil)
	submit(t, f, "J1")

	snap, ok := f.tracker.Snapshot("J1")
	require.True(t, ok)
	assert.Equal(t, jobs.StatusQueued, snap.Status)

	f.orch.Start(context.Background())
	waitStatus(t, f, "J1", jobs.StatusCompleted)

	snap, _ = f.tracker.Snapshot("J1")
	assert.Equal(t, 100, snap.Progress.Percentage)

	status, err := f.orch.JobStatus("J1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, status.Job.Status)
	require.NotNil(t, status.Job.Result)
	assert.Contains(t, status.Job.Result.Text, "J1.wav")
	assert.NotEmpty(t, status.Job.ExternalID)
	assert.NotEmpty(t, status.Events)

	published := f.updates.forJob("J1")
	require.NotEmpty(t, published)
	last := published[len(published)-1]
	assert.Equal(t, jobs.StatusCompleted, last.Status)
	assert.Equal(t, 100, last.Percentage)
	assert.NotNil(t, last.Result)

	for i := 1; i < len(published); i++ {
		assert.Greater(t, published[i].Sequence, published[i-1].Sequence)
		assert.GreaterOrEqual(t, published[i].Percentage, published[i-1].Percentage)
	}
	assert.Equal(t, 0, published[0].Percentage)

	stats := f.orch.Stats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Queue.Completed)
}

func TestSubmitRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	api := &fakeAPI{
		submit: func(context.Context, transcribe.Request) (*transcribe.Submission, error) {
			calls.Add(1)
			return nil, transcribe.ErrUnavailable
		},
	}
	f := newFixture(t, api, func(c *jobs.Config) { c.MaxRetries = 1 }, nil)
	submit(t, f, "J1")

	assert.Equal(t, 1, f.orch.Tick())
	waitStatus(t, f, "J1", jobs.StatusFailed)

	assert.Equal(t, int32(3), calls.Load(), "three attempts under the retry policy")

	snap, _ := f.tracker.Snapshot("J1")
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, jobs.CategoryDependencyFailed, snap.Errors[0].Category)
	assert.NotEmpty(t, snap.Errors[0].Remediation)

	published := f.updates.forJob("J1")
	last := published[len(published)-1]
	assert.Equal(t, jobs.StatusFailed, last.Status)
	require.NotNil(t, last.Error)
	assert.Equal(t, resilience.StateClosed, f.orch.Breaker().State())
}

func TestNonRecoverableErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	api := &fakeAPI{
		submit: func(context.Context, transcribe.Request) (*transcribe.Submission, error) {
			calls.Add(1)
			return nil, &transcribe.APIError{StatusCode: 401, Kind: transcribe.ErrUnauthorized}
		},
	}
	f := newFixture(t, api, nil, nil)
	submit(t, f, "J1")
	f.orch.Tick()
	waitStatus(t, f, "J1", jobs.StatusFailed)

	assert.Equal(t, int32(1), calls.Load())
	job, _ := f.queue.Get("J1")
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, jobs.SeverityCritical, job.Error.Severity)
}

func TestRemoteFailureRequeuesJob(t *testing.T) {
	sim := transcribe.NewSimulator()
	sim.FailAudio("https://cdn.example.com/J1.wav", "unsupported codec")
	f := newFixture(t, sim, func(c *jobs.Config) { c.MaxRetries = 2 }, nil)
	submit(t, f, "J1")
	f.orch.Start(context.Background())

	waitStatus(t, f, "J1", jobs.StatusFailed)

	job, _ := f.queue.Get("J1")
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, jobs.CategoryExternalAPI, job.Error.Category)
	assert.Contains(t, job.Error.Message, "unsupported codec")

	snap, _ := f.tracker.Snapshot("J1")
	assert.Len(t, snap.Errors, 2)

	var retried bool
	for _, u := range f.updates.forJob("J1") {
		if u.Stage == "retrying" {
			retried = true
		}
	}
	assert.True(t, retried)
	assert.Equal(t, int64(1), f.orch.Stats().Retried)
}

func TestPollBudgetExhausted(t *testing.T) {
	api := &fakeAPI{
		submit: func(context.Context, transcribe.Request) (*transcribe.Submission, error) {
			return &transcribe.Submission{ExternalID: "ext"}, nil
		},
		poll: func(context.Context, string) (*transcribe.StatusReport, error) {
			return &transcribe.StatusReport{Status: transcribe.StatusTranscribing, Progress: 50}, nil
		},
	}
	f := newFixture(t, api, func(c *jobs.Config) { c.MaxRetries = 1 }, func(c *orchestrator.Config) {
		c.MaxPollAttempts = 3
	})
	submit(t, f, "J1")
	f.orch.Tick()
	waitStatus(t, f, "J1", jobs.StatusFailed)

	job, _ := f.queue.Get("J1")
	assert.Equal(t, jobs.CategoryTimeout, job.Error.Category)

	snap, _ := f.tracker.Snapshot("J1")
	assert.Equal(t, 57, snap.Progress.Percentage)
	assert.Equal(t, "transcribing", snap.Progress.Stage)
}

func TestCancelRunningJob(t *testing.T) {
	release := make(chan struct{})
	var polls atomic.Int32
	api := &fakeAPI{
		submit: func(context.Context, transcribe.Request) (*transcribe.Submission, error) {
			return &transcribe.Submission{ExternalID: "ext"}, nil
		},
		poll: func(context.Context, string) (*transcribe.StatusReport, error) {
			polls.Add(1)
			<-release
			return &transcribe.StatusReport{Status: transcribe.StatusCompleted, Progress: 100}, nil
		},
		fetch: func(context.Context, string) (*transcribe.Result, error) {
			return &transcribe.Result{Text: "late"}, nil
		},
	}
	f := newFixture(t, api, nil, nil)
	submit(t, f, "J1")
	f.orch.Tick()

	require.Eventually(t, func() bool { return polls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, f.orch.Active())

	job, err := f.orch.CancelJob(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, job.Status)
	assert.Zero(t, f.orch.Active())

	close(release)
	require.NoError(t, f.orch.Shutdown(context.Background()))

	stored, _ := f.queue.Get("J1")
	assert.Equal(t, jobs.StatusCancelled, stored.Status)
	assert.Nil(t, stored.Result, "outcome of the in-flight call is discarded")
	snap, _ := f.tracker.Snapshot("J1")
	assert.Equal(t, jobs.StatusCancelled, snap.Status)

	_, err = f.orch.CancelJob(context.Background(), "J1")
	assert.ErrorIs(t, err, jobs.ErrJobFinished)
	_, err = f.orch.CancelJob(context.Background(), "missing")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestTickRespectsConcurrency(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	api := &fakeAPI{
		submit: func(ctx context.Context, _ transcribe.Request) (*transcribe.Submission, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		},
	}
	f := newFixture(t, api, func(c *jobs.Config) { c.MaxConcurrent = 2 }, func(c *orchestrator.Config) {
		c.ShutdownTimeout = 10 * time.Millisecond
	})
	for _, id := range []string{"a", "b", "c"} {
		submit(t, f, id)
	}

	assert.Equal(t, 2, f.orch.Tick())
	assert.Equal(t, 0, f.orch.Tick())
	assert.Equal(t, 2, f.orch.Active())

	err := f.orch.Shutdown(context.Background())
	assert.ErrorIs(t, err, orchestrator.ErrShutdownTimeout)

	res := f.orch.SubmitJob(&jobs.Job{Request: transcribe.Request{AudioURL: "x"}})
	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, 0, f.orch.Tick())
}

func TestShutdownTimeoutKeepsJobForRestore(t *testing.T) {
	var submitted atomic.Int32
	api := &fakeAPI{
		submit: func(ctx context.Context, _ transcribe.Request) (*transcribe.Submission, error) {
			submitted.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	f := newFixture(t, api, nil, func(c *orchestrator.Config) {
		c.ShutdownTimeout = 10 * time.Millisecond
	})
	submit(t, f, "J1")
	require.Equal(t, 1, f.orch.Tick())
	require.Eventually(t, func() bool { return submitted.Load() == 1 }, time.Second, time.Millisecond)

	err := f.orch.Shutdown(context.Background())
	require.ErrorIs(t, err, orchestrator.ErrShutdownTimeout)
	require.Eventually(t, func() bool { return f.orch.Active() == 0 }, time.Second, time.Millisecond)

	stored, ok := f.queue.Get("J1")
	require.True(t, ok)
	assert.Equal(t, jobs.StatusProcessing, stored.Status)
	assert.Nil(t, stored.Error)
	assert.Zero(t, f.orch.Stats().Failed)

	backend := storage.NewMemoryBackend()
	ctx := context.Background()
	require.NoError(t, f.queue.Checkpoint(ctx, backend))

	fresh, err := jobs.NewQueue(jobs.DefaultConfig())
	require.NoError(t, err)
	restored, err := fresh.Restore(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	job, ok := fresh.Get("J1")
	require.True(t, ok)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, 1, fresh.Stats().Queued)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, transcribe.NewSimulator(), nil, nil)
	submit(t, f, "J1")

	require.NoError(t, f.orch.PauseJob("J1"))
	assert.Equal(t, 0, f.orch.Tick())
	snap, _ := f.tracker.Snapshot("J1")
	assert.Equal(t, jobs.StatusPaused, snap.Status)

	require.NoError(t, f.orch.ResumeJob("J1"))
	f.orch.Start(context.Background())
	waitStatus(t, f, "J1", jobs.StatusCompleted)

	assert.ErrorIs(t, f.orch.PauseJob("J1"), jobs.ErrJobFinished)
	_, err := f.orch.JobStatus("nope")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestConfigValidate(t *testing.T) {
	cfg := orchestrator.DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.MaxPollAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = orchestrator.DefaultConfig()
	cfg.Retry.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	f := newFixture(t, transcribe.NewSimulator(), nil, nil)
	updated := f.orch.Config()
	updated.PollInterval = time.Second
	require.NoError(t, f.orch.UpdateConfig(updated))
	assert.Equal(t, time.Second, f.orch.Config().PollInterval)
	assert.Error(t, f.orch.UpdateConfig(orchestrator.Config{}))
}
