package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/server/datastore"
	"github.com/taskrelay/taskrelay/server/queue"
)

func TestCancelCascadesToDependents(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	upstreamID, err := c.Save(ctx, &queue.Job{Type: "upstream"}, SaveOptions{})
	require.NoError(t, err)
	downstreamID, err := c.Save(ctx, &queue.Job{Type: "downstream", Depends: []string{upstreamID}}, SaveOptions{})
	require.NoError(t, err)

	ok, err := c.Cancel(ctx, []string{upstreamID}, CascadeOptions{Dependents: true})
	require.NoError(t, err)
	require.True(t, ok)

	upstream, err := store.FindOne(ctx, datastore.Query{ID: upstreamID})
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, upstream.Status)

	downstream, err := store.FindOne(ctx, datastore.Query{ID: downstreamID})
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, downstream.Status)
}

func TestCancelWithoutDependentsLeavesThemAlone(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	upstreamID, err := c.Save(ctx, &queue.Job{Type: "upstream"}, SaveOptions{})
	require.NoError(t, err)
	downstreamID, err := c.Save(ctx, &queue.Job{Type: "downstream", Depends: []string{upstreamID}}, SaveOptions{})
	require.NoError(t, err)

	_, err = c.Cancel(ctx, []string{upstreamID}, CascadeOptions{})
	require.NoError(t, err)

	downstream, err := store.FindOne(ctx, datastore.Query{ID: downstreamID})
	require.NoError(t, err)
	require.Equal(t, queue.StatusWaiting, downstream.Status)
}

func TestRestartOnlyAffectsRestartableStatuses(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	id, err := c.Save(ctx, &queue.Job{Type: "report"}, SaveOptions{})
	require.NoError(t, err)
	status := queue.StatusFailed
	_, err = store.Update(ctx, datastore.Query{ID: id}, datastore.Patch{Status: &status})
	require.NoError(t, err)

	ok, err := c.Restart(ctx, []string{id}, CascadeOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	doc, err := store.FindOne(ctx, datastore.Query{ID: id})
	require.NoError(t, err)
	require.Equal(t, queue.StatusWaiting, doc.Status)
}

func TestResolveDependentsPromotesWhenLastDependencyClears(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	upstreamID, err := c.Save(ctx, &queue.Job{Type: "upstream"}, SaveOptions{})
	require.NoError(t, err)
	downstreamID, err := c.Save(ctx, &queue.Job{Type: "downstream", Depends: []string{upstreamID}}, SaveOptions{})
	require.NoError(t, err)

	require.NoError(t, c.resolveDependents(ctx, upstreamID))

	downstream, err := store.FindOne(ctx, datastore.Query{ID: downstreamID})
	require.NoError(t, err)
	require.Equal(t, queue.StatusReady, downstream.Status)
	require.Empty(t, downstream.Depends)
	require.Equal(t, []string{upstreamID}, downstream.Resolved)
}

func TestResolveDependentsLeavesWaitingWhenOtherDependenciesRemain(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	firstID, err := c.Save(ctx, &queue.Job{Type: "first"}, SaveOptions{})
	require.NoError(t, err)
	secondID, err := c.Save(ctx, &queue.Job{Type: "second"}, SaveOptions{})
	require.NoError(t, err)
	downstreamID, err := c.Save(ctx, &queue.Job{Type: "downstream", Depends: []string{firstID, secondID}}, SaveOptions{})
	require.NoError(t, err)

	require.NoError(t, c.resolveDependents(ctx, firstID))

	downstream, err := store.FindOne(ctx, datastore.Query{ID: downstreamID})
	require.NoError(t, err)
	require.Equal(t, queue.StatusWaiting, downstream.Status)
	require.Equal(t, []string{secondID}, downstream.Depends)
}

func TestSpawnRepeatProducesWaitingSiblingWithDecrementedBudget(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	original := &queue.Job{
		ID:         "orig",
		Type:       "heartbeat",
		Status:     queue.StatusCompleted,
		Repeats:    3,
		Repeated:   0,
		RepeatWait: 60000,
		Updated:    now,
	}
	require.NoError(t, c.spawnRepeat(ctx, original))

	jobs, err := store.Find(ctx, datastore.Query{Type: "heartbeat"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, queue.StatusWaiting, jobs[0].Status)
	require.Equal(t, int64(2), jobs[0].Repeats)
	require.Equal(t, int64(1), jobs[0].Repeated)
	require.Equal(t, now.Add(time.Minute), jobs[0].After)
}

func TestPauseThenResume(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	id, err := c.Save(ctx, &queue.Job{Type: "report"}, SaveOptions{})
	require.NoError(t, err)

	ok, err := c.Pause(ctx, []string{id})
	require.NoError(t, err)
	require.True(t, ok)

	doc, err := store.FindOne(ctx, datastore.Query{ID: id})
	require.NoError(t, err)
	require.Equal(t, queue.StatusPaused, doc.Status)

	ok, err = c.Resume(ctx, []string{id})
	require.NoError(t, err)
	require.True(t, ok)

	doc, err = store.FindOne(ctx, datastore.Query{ID: id})
	require.NoError(t, err)
	require.Equal(t, queue.StatusWaiting, doc.Status)
}

func TestCancelForeverRepeatSiblingsOnSave(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	data := []byte(`{"k":1}`)
	first, err := c.Save(ctx, &queue.Job{Type: "heartbeat", Data: data, Repeats: queue.Forever}, SaveOptions{})
	require.NoError(t, err)

	_, err = c.Save(ctx, &queue.Job{Type: "heartbeat", Data: data, Repeats: queue.Forever}, SaveOptions{CancelRepeats: true})
	require.NoError(t, err)

	firstDoc, err := store.FindOne(ctx, datastore.Query{ID: first})
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, firstDoc.Status)
}
