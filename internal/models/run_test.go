package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunState_FiltersAndDedups(t *testing.T) {
	seeds := []EventSeed{
		{URL: "https://cal.test/a", Selected: true},
		{URL: "https://cal.test/b", Selected: false},
		{URL: "https://cal.test/a", Selected: true}, // duplicate URL
		{URL: "https://cal.test/c", Selected: true},
	}

	run := NewRunState("run-1", seeds, RunSettings{})
	require.Len(t, run.Tasks, 2)
	assert.Equal(t, "https://cal.test/a", run.Tasks[0].URL)
	assert.Equal(t, "https://cal.test/c", run.Tasks[1].URL)
	assert.Equal(t, TaskPending, run.Tasks[0].Status)

	assert.NotNil(t, run.Task("https://cal.test/a"))
	assert.Nil(t, run.Task("https://cal.test/b"))
}

func TestRunSettings_Normalize(t *testing.T) {
	s := RunSettings{}
	s.Normalize()
	assert.Equal(t, DefaultConcurrencyLimit, s.ConcurrencyLimit)
	assert.Equal(t, DefaultInterTaskDelayMS*time.Millisecond, s.InterTaskDelay)

	s = RunSettings{ConcurrencyLimit: 7, InterTaskDelay: time.Second}
	s.Normalize()
	assert.Equal(t, 7, s.ConcurrencyLimit)
	assert.Equal(t, time.Second, s.InterTaskDelay)
}

func TestNextPending_FIFO(t *testing.T) {
	run := NewRunState("run-1", []EventSeed{
		{URL: "a", Selected: true},
		{URL: "b", Selected: true},
		{URL: "c", Selected: true},
	}, RunSettings{})

	first := run.NextPending()
	require.NotNil(t, first)
	assert.Equal(t, "a", first.URL)

	first.Status = TaskActive
	assert.Equal(t, "b", run.NextPending().URL)

	run.Task("b").Status = TaskSuccess
	assert.Equal(t, "c", run.NextPending().URL)

	run.Task("c").Status = TaskManual
	assert.Nil(t, run.NextPending())
}

func TestCounters_Invariant(t *testing.T) {
	run := NewRunState("run-1", []EventSeed{
		{URL: "a", Selected: true},
		{URL: "b", Selected: true},
		{URL: "c", Selected: true},
		{URL: "d", Selected: true},
		{URL: "e", Selected: true},
	}, RunSettings{})

	run.Task("a").Status = TaskSuccess
	run.Task("b").Status = TaskFailed
	run.Task("c").Status = TaskManual
	run.Task("d").Status = TaskActive

	c := run.Counters()
	assert.Equal(t, 5, c.Total)
	assert.Equal(t, 1, c.Success)
	assert.Equal(t, 1, c.Failed)
	assert.Equal(t, 1, c.Manual)
	assert.Equal(t, 2, c.Pending, "active tasks still count as pending")
	assert.Equal(t, 1, c.Active)
	assert.Equal(t, 3, c.Processed)
	assert.Equal(t, c.Total, c.Success+c.Failed+c.Manual+c.Pending)
}

func TestDone(t *testing.T) {
	run := NewRunState("run-1", []EventSeed{
		{URL: "a", Selected: true},
		{URL: "b", Selected: true},
	}, RunSettings{})
	assert.False(t, run.Done())

	run.Task("a").Status = TaskFailed
	assert.False(t, run.Done())

	run.Task("b").Status = TaskActive
	assert.False(t, run.Done())

	run.Task("b").Status = TaskManual
	assert.True(t, run.Done(), "failed and manual are terminal")
}

func TestSnapshot_IsACopy(t *testing.T) {
	run := NewRunState("run-1", []EventSeed{{URL: "a", Selected: true}}, RunSettings{})
	run.Task("a").TeamRegistered = []TeamRegistration{{Identity: "x@example.com"}}

	snap := run.Snapshot()
	require.Len(t, snap.Tasks, 1)

	// Mutating the snapshot must not leak back into run state.
	snap.Tasks[0].Status = TaskSuccess
	snap.Tasks[0].TeamRegistered[0].Identity = "changed"
	assert.Equal(t, TaskPending, run.Task("a").Status)
	assert.Equal(t, "x@example.com", run.Task("a").TeamRegistered[0].Identity)
}
