package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/server/datastore"
	"github.com/taskrelay/taskrelay/server/datastore/memstore"
	"github.com/taskrelay/taskrelay/server/queue"
)

func newTestCollection(now time.Time) (*Collection, *memstore.Store) {
	store := memstore.New()
	clock := now
	c := New(store, nil, Config{
		Name:  "test",
		Clock: func() time.Time { return clock },
	})
	// Drive the collection as if StartJobs had run, without its background
	// promotion loop.
	c.stopped = false
	return c, store
}

func TestSaveDefaultsStatusAndAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c, store := newTestCollection(now)

	id, err := c.Save(context.Background(), &queue.Job{Type: "email"}, SaveOptions{})
	require.NoError(t, err)

	doc, err := store.FindOne(context.Background(), datastore.Query{ID: id})
	require.NoError(t, err)
	require.Equal(t, queue.StatusWaiting, doc.Status)
	require.Equal(t, now, doc.After)
	require.Len(t, doc.Log, 1)
}

func TestSaveRejectsIllegalInitialStatus(t *testing.T) {
	now := time.Now()
	c, _ := newTestCollection(now)

	_, err := c.Save(context.Background(), &queue.Job{Type: "email", Status: queue.StatusRunning}, SaveOptions{})
	require.ErrorIs(t, err, ErrIllegal)
}

func TestSaveRejectsCyclicDependency(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	aID, err := c.Save(ctx, &queue.Job{Type: "a"}, SaveOptions{})
	require.NoError(t, err)

	bID, err := c.Save(ctx, &queue.Job{Type: "b", Depends: []string{aID}}, SaveOptions{})
	require.NoError(t, err)

	// a now tries to depend on b, which already (transitively) depends on a.
	a, err := store.FindOne(ctx, datastore.Query{ID: aID})
	require.NoError(t, err)
	a.Depends = []string{bID}

	err = c.checkAcyclicPublic(ctx, a)
	require.ErrorIs(t, err, ErrCyclicDep)
}

// checkAcyclicPublic lets the test call the private cycle check directly
// without duplicating its logic.
func (c *Collection) checkAcyclicPublic(ctx context.Context, job *queue.Job) error {
	return c.checkAcyclic(ctx, job)
}

func TestRerunClonesCompletedJob(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	id, err := c.Save(ctx, &queue.Job{Type: "report"}, SaveOptions{})
	require.NoError(t, err)
	status := queue.StatusCompleted
	_, err = store.Update(ctx, datastore.Query{ID: id}, datastore.Patch{Status: &status})
	require.NoError(t, err)

	newID, err := c.Rerun(ctx, id, nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, id, newID)

	clone, err := store.FindOne(ctx, datastore.Query{ID: newID})
	require.NoError(t, err)
	require.Equal(t, queue.StatusWaiting, clone.Status)
}

func TestRerunRejectsNonCompletedJob(t *testing.T) {
	now := time.Now()
	c, _ := newTestCollection(now)
	ctx := context.Background()

	id, err := c.Save(ctx, &queue.Job{Type: "report"}, SaveOptions{})
	require.NoError(t, err)

	_, err = c.Rerun(ctx, id, nil, nil)
	require.ErrorIs(t, err, ErrIllegal)
}

func TestRemoveRequiresTerminalStatus(t *testing.T) {
	now := time.Now()
	c, _ := newTestCollection(now)
	ctx := context.Background()

	id, err := c.Save(ctx, &queue.Job{Type: "report"}, SaveOptions{})
	require.NoError(t, err)

	_, err = c.Remove(ctx, []string{id})
	require.ErrorIs(t, err, ErrNotTermin)
}

func TestStopJobsForceFailsRunningAfterTimeout(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	id, err := c.Save(ctx, &queue.Job{Type: "report"}, SaveOptions{})
	require.NoError(t, err)
	runID := "run-1"
	status := queue.StatusRunning
	_, err = store.Update(ctx, datastore.Query{ID: id}, datastore.Patch{Status: &status, SetRunID: &runID})
	require.NoError(t, err)

	_, err = c.StartJobs(ctx)
	require.NoError(t, err)

	ok, err := c.StopJobs(ctx, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	doc, err := store.FindOne(ctx, datastore.Query{ID: id})
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, doc.Status)
	require.Nil(t, doc.RunID)
}
