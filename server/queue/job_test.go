package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProgressZeroTotal(t *testing.T) {
	p := NewProgress(0, 0)
	assert.Equal(t, float64(0), p.Percent)
}

func TestNewProgressPercent(t *testing.T) {
	p := NewProgress(5, 10)
	assert.Equal(t, float64(50), p.Percent)
}

func TestDecrementBudgetForever(t *testing.T) {
	assert.Equal(t, Forever, DecrementBudget(Forever))
}

func TestDecrementBudgetSaturatesAtZero(t *testing.T) {
	assert.Equal(t, int64(0), DecrementBudget(0))
	assert.Equal(t, int64(4), DecrementBudget(5))
}

func TestEligiblePromotion(t *testing.T) {
	now := time.Now()
	j := &Job{Status: StatusWaiting, After: now.Add(-time.Millisecond)}
	require.True(t, j.Eligible(now))

	j2 := &Job{Status: StatusWaiting, After: now.Add(time.Millisecond)}
	require.False(t, j2.Eligible(now))

	j3 := &Job{Status: StatusWaiting, After: now.Add(-time.Millisecond), Depends: []string{"a"}}
	require.False(t, j3.Eligible(now))
}

func TestLegalTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusWaiting, StatusReady, true},
		{StatusWaiting, StatusRunning, false},
		{StatusReady, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusWaiting, true},
		{StatusCompleted, StatusWaiting, false},
		{StatusFailed, StatusWaiting, true},
		{StatusCancelled, StatusWaiting, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Legal(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestOrderCandidatesTieBreak(t *testing.T) {
	now := time.Now()
	a := &Job{ID: "a", Priority: 0, After: now, Updated: now}
	b := &Job{ID: "b", Priority: -10, After: now, Updated: now}
	c := &Job{ID: "c", Priority: 0, After: now.Add(-time.Second), Updated: now}
	d := &Job{ID: "d", Priority: 0, After: now, Updated: now.Add(-time.Second)}

	ordered := OrderCandidates([]*Job{a, b, c, d})
	ids := make([]string, len(ordered))
	for i, j := range ordered {
		ids[i] = j.ID
	}
	assert.Equal(t, []string{"b", "c", "d", "a"}, ids)
}

func TestParsePriorityResolvesNamedLevels(t *testing.T) {
	assert.Equal(t, PriorityCritical, ParsePriority("critical"))
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityMedium, ParsePriority("medium"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityNormal, ParsePriority("not-a-real-level"))
}

func TestPriorityUnmarshalsFromNumberOrName(t *testing.T) {
	var p Priority
	require.NoError(t, json.Unmarshal([]byte(`-10`), &p))
	assert.Equal(t, PriorityHigh, p)

	require.NoError(t, json.Unmarshal([]byte(`"critical"`), &p))
	assert.Equal(t, PriorityCritical, p)

	var j Job
	require.NoError(t, json.Unmarshal([]byte(`{"priority":"low"}`), &j))
	assert.Equal(t, PriorityLow, j.Priority)
}

func TestCancellableAndRestartable(t *testing.T) {
	assert.True(t, StatusRunning.Cancellable())
	assert.True(t, StatusReady.Cancellable())
	assert.True(t, StatusWaiting.Cancellable())
	assert.True(t, StatusPaused.Cancellable())
	assert.False(t, StatusCompleted.Cancellable())

	assert.True(t, StatusFailed.Restartable())
	assert.True(t, StatusCancelled.Restartable())
	assert.False(t, StatusWaiting.Restartable())
}
