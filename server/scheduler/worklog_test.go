package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/server/datastore"
	"github.com/taskrelay/taskrelay/server/queue"
)

func runningJob(t *testing.T, ctx context.Context, store interface {
	Insert(ctx context.Context, job *queue.Job) (string, error)
}, now time.Time, id, runID string) {
	_, err := store.Insert(ctx, &queue.Job{
		ID: id, Type: "email", Status: queue.StatusRunning, RunID: &runID,
		Retries: 2, Updated: now,
	})
	require.NoError(t, err)
}

func TestProgressUpdatesRunningJob(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()
	runningJob(t, ctx, store, now, "j1", "run-1")

	ok, err := c.Progress(ctx, "j1", "run-1", 3, 10)
	require.NoError(t, err)
	require.True(t, ok)

	doc, err := store.FindOne(ctx, datastore.Query{ID: "j1"})
	require.NoError(t, err)
	require.Equal(t, 30.0, doc.Progress.Percent)
}

func TestProgressOnStaleRunIsCanceled(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()
	runningJob(t, ctx, store, now, "j1", "run-1")

	_, err := c.Progress(ctx, "j1", "wrong-run", 3, 10)
	require.ErrorIs(t, err, ErrCanceled)
}

func TestLogOnShutdownReturnsErrShutdown(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()
	runningJob(t, ctx, store, now, "j1", "run-1")
	c.stopped = true

	_, err := c.Log(ctx, "j1", "run-1", "hi", queue.LevelInfo)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestDoneCompletesAndResolvesDependents(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	upstreamID, err := c.Save(ctx, &queue.Job{Type: "upstream"}, SaveOptions{})
	require.NoError(t, err)
	downstreamID, err := c.Save(ctx, &queue.Job{Type: "downstream", Depends: []string{upstreamID}}, SaveOptions{})
	require.NoError(t, err)

	runID := "run-1"
	status := queue.StatusRunning
	_, err = store.Update(ctx, datastore.Query{ID: upstreamID}, datastore.Patch{Status: &status, SetRunID: &runID})
	require.NoError(t, err)

	ok, err := c.Done(ctx, upstreamID, runID, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	require.True(t, ok)

	downstream, err := store.FindOne(ctx, datastore.Query{ID: downstreamID})
	require.NoError(t, err)
	require.Equal(t, queue.StatusReady, downstream.Status)
}

func TestDoneSpawnsRepeatWhenBudgetRemains(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	id, err := c.Save(ctx, &queue.Job{Type: "heartbeat", Repeats: 1}, SaveOptions{})
	require.NoError(t, err)
	runID := "run-1"
	status := queue.StatusRunning
	_, err = store.Update(ctx, datastore.Query{ID: id}, datastore.Patch{Status: &status, SetRunID: &runID})
	require.NoError(t, err)

	_, err = c.Done(ctx, id, runID, nil)
	require.NoError(t, err)

	jobs, err := store.Find(ctx, datastore.Query{Type: "heartbeat"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestFailRecyclesToWaitingWhenRetriesRemain(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()
	runningJob(t, ctx, store, now, "j1", "run-1")

	ok, err := c.Fail(ctx, "j1", "run-1", "transient error", FailOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	doc, err := store.FindOne(ctx, datastore.Query{ID: "j1"})
	require.NoError(t, err)
	require.Equal(t, queue.StatusWaiting, doc.Status)
	require.Equal(t, int64(1), doc.Retries)
	require.Equal(t, int64(1), doc.Retried)
}

func TestFailFatalSkipsRetryEvenWithBudgetRemaining(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()
	runningJob(t, ctx, store, now, "j1", "run-1")

	ok, err := c.Fail(ctx, "j1", "run-1", "fatal error", FailOptions{Fatal: true})
	require.NoError(t, err)
	require.True(t, ok)

	doc, err := store.FindOne(ctx, datastore.Query{ID: "j1"})
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, doc.Status)
}

func TestFailTerminallyFailsWhenRetriesExhausted(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()
	runID := "run-1"
	_, err := store.Insert(ctx, &queue.Job{ID: "j1", Type: "email", Status: queue.StatusRunning, RunID: &runID, Retries: 0, Updated: now})
	require.NoError(t, err)

	ok, err := c.Fail(ctx, "j1", "run-1", "exhausted", FailOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	doc, err := store.FindOne(ctx, datastore.Query{ID: "j1"})
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, doc.Status)
}
