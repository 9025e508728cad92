package jobs_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/jobs"
	"courier/internal/transcribe"
)

func newTracker(t *testing.T, eventCap, retention int) (*jobs.Tracker, *time.Time) {
	t.Helper()
	tr, err := jobs.NewTracker(eventCap, retention)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	tr.SetClock(func() time.Time { return now })
	return tr, &now
}

func TestTrackerLifecycle(t *testing.T) {
	tr, now := newTracker(t, 0, 0)
	require.NoError(t, tr.Track(newJob("j1", jobs.PriorityNormal)))
	assert.ErrorIs(t, tr.Track(newJob("j1", jobs.PriorityNormal)), jobs.ErrAlreadyTracked)

	require.NoError(t, tr.Transition("j1", jobs.StatusProcessing, "dequeued"))
	for _, pct := range []int{0, 20, 60, 90} {
		*now = now.Add(time.Second)
		_, err := tr.UpdateProgress("j1", pct, "transcribing", "")
		require.NoError(t, err)
	}
	_, err := tr.UpdateProgress("j1", 100, "completed", "")
	require.NoError(t, err)
	require.NoError(t, tr.Transition("j1", jobs.StatusCompleted, "result fetched"))

	snap, ok := tr.Snapshot("j1")
	require.True(t, ok)
	assert.Equal(t, jobs.StatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress.Percentage)
	require.Len(t, snap.Transitions, 2)
	assert.Equal(t, jobs.StatusQueued, snap.Transitions[0].From)
	assert.Equal(t, jobs.StatusCompleted, snap.Transitions[1].To)
	assert.Equal(t, 4*time.Second, snap.Duration)

	assert.ErrorIs(t, tr.Transition("j1", jobs.StatusQueued, ""), jobs.ErrJobFinished)
	_, err = tr.UpdateProgress("j1", 100, "", "")
	assert.ErrorIs(t, err, jobs.ErrJobFinished)
	assert.NoError(t, tr.Transition("j1", jobs.StatusCompleted, ""), "same status is a no-op")
}

func TestTrackerIllegalTransitions(t *testing.T) {
	tr, _ := newTracker(t, 0, 0)
	require.NoError(t, tr.Track(newJob("j", jobs.PriorityNormal)))

	assert.ErrorIs(t, tr.Transition("j", jobs.StatusCompleted, ""), jobs.ErrIllegalState)
	assert.ErrorIs(t, tr.Transition("missing", jobs.StatusProcessing, ""), jobs.ErrJobNotFound)

	require.NoError(t, tr.Transition("j", jobs.StatusPaused, ""))
	assert.ErrorIs(t, tr.Transition("j", jobs.StatusProcessing, ""), jobs.ErrIllegalState)
	require.NoError(t, tr.Transition("j", jobs.StatusQueued, "resumed"))
	require.NoError(t, tr.Transition("j", jobs.StatusCancelled, "user"))

	assert.True(t, jobs.CanTransition(jobs.StatusProcessing, jobs.StatusQueued))
	assert.False(t, jobs.CanTransition(jobs.StatusFailed, jobs.StatusQueued))
}

func TestTrackerProgressIsMonotonic(t *testing.T) {
	tr, _ := newTracker(t, 0, 0)
	require.NoError(t, tr.Track(newJob("j", jobs.PriorityNormal)))
	require.NoError(t, tr.Transition("j", jobs.StatusProcessing, ""))

	p, err := tr.UpdateProgress("j", 60, "transcribing", "")
	require.NoError(t, err)
	assert.Equal(t, 60, p.Percentage)

	p, err = tr.UpdateProgress("j", 20, "processing", "late report")
	require.NoError(t, err)
	assert.Equal(t, 60, p.Percentage)
	assert.Equal(t, "processing", p.Stage)

	p, err = tr.UpdateProgress("j", 250, "finalizing", "")
	require.NoError(t, err)
	assert.Equal(t, 100, p.Percentage)

	require.NoError(t, tr.RecordError("j", jobs.Classify(transcribe.ErrUnavailable)))
	require.NoError(t, tr.Transition("j", jobs.StatusQueued, "retry"))
	snap, _ := tr.Snapshot("j")
	assert.Zero(t, snap.Progress.Percentage, "retry starts over")
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, jobs.CategoryDependencyFailed, snap.Errors[0].Category)
}

func TestTrackerEventLogIsBounded(t *testing.T) {
	tr, _ := newTracker(t, 5, 0)
	require.NoError(t, tr.Track(newJob("j", jobs.PriorityNormal)))
	require.NoError(t, tr.Transition("j", jobs.StatusProcessing, ""))
	for i := 1; i <= 10; i++ {
		_, err := tr.UpdateProgress("j", i*10, "step", "")
		require.NoError(t, err)
	}

	events := tr.Events("j")
	require.Len(t, events, 5)
	assert.Equal(t, "progress", events[0].Kind)
	assert.Equal(t, "100% step", events[4].Message)
	assert.Nil(t, tr.Events("missing"))
}

func TestTrackerRetention(t *testing.T) {
	tr, _ := newTracker(t, 0, 2)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("j%d", i)
		require.NoError(t, tr.Track(newJob(id, jobs.PriorityNormal)))
		require.NoError(t, tr.Transition(id, jobs.StatusCancelled, ""))
	}
	require.NoError(t, tr.Track(newJob("live", jobs.PriorityNormal)))

	_, ok := tr.Snapshot("j0")
	assert.False(t, ok, "oldest finished job evicted")
	_, ok = tr.Snapshot("j2")
	assert.True(t, ok)

	assert.Len(t, tr.ByStatus(jobs.StatusCancelled), 2)
	assert.Equal(t, map[jobs.Status]int{jobs.StatusCancelled: 2, jobs.StatusQueued: 1}, tr.Counts())
}
