package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/server/datastore"
	"github.com/taskrelay/taskrelay/server/queue"
)

func TestGetWorkOnlyReturnsReadyJobsOfRequestedTypes(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	readyEmail := &queue.Job{ID: "e1", Type: "email", Status: queue.StatusReady, Updated: now}
	readySMS := &queue.Job{ID: "s1", Type: "sms", Status: queue.StatusReady, Updated: now}
	waiting := &queue.Job{ID: "w1", Type: "email", Status: queue.StatusWaiting, Updated: now}
	for _, j := range []*queue.Job{readyEmail, readySMS, waiting} {
		_, err := store.Insert(ctx, j)
		require.NoError(t, err)
	}

	won, err := c.GetWork(ctx, []string{"email"}, 5)
	require.NoError(t, err)
	require.Len(t, won, 1)
	require.Equal(t, "e1", won[0].ID)
	require.Equal(t, queue.StatusRunning, won[0].Status)
	require.NotNil(t, won[0].RunID)
}

func TestGetWorkNeverBlocksWhenQueueEmpty(t *testing.T) {
	c, _ := newTestCollection(time.Now())
	won, err := c.GetWork(context.Background(), []string{"email"}, 5)
	require.NoError(t, err)
	require.Empty(t, won)
}

func TestGetWorkReturnsEmptyWhenStopped(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()
	_, err := store.Insert(ctx, &queue.Job{ID: "e1", Type: "email", Status: queue.StatusReady, Updated: now})
	require.NoError(t, err)

	_, err = c.StartJobs(ctx)
	require.NoError(t, err)
	_, err = c.StopJobs(ctx, 0)
	require.NoError(t, err)

	won, err := c.GetWork(ctx, []string{"email"}, 5)
	require.NoError(t, err)
	require.Empty(t, won)
}

// TestGetWorkConcurrentCallsNeverDoubleAssignTheSameJob exercises the
// actual CAS race: many concurrent GetWork callers against a handful of
// ready jobs must never produce two distinct (id, runId) assignments that
// share the same job id.
func TestGetWorkConcurrentCallsNeverDoubleAssignTheSameJob(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	const jobCount = 20
	for i := 0; i < jobCount; i++ {
		_, err := store.Insert(ctx, &queue.Job{
			ID: idFor(i), Type: "email", Status: queue.StatusReady, Updated: now,
		})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := c.GetWork(ctx, []string{"email"}, 3)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, j := range won {
				require.False(t, seen[j.ID], "job %s double-assigned", j.ID)
				seen[j.ID] = true
			}
		}()
	}
	wg.Wait()

	running, err := store.Find(ctx, datastore.Query{Status: queue.StatusRunning})
	require.NoError(t, err)
	require.LessOrEqual(t, len(running), jobCount)
}

func idFor(i int) string {
	return "job-" + string(rune('a'+i))
}

func TestRecoverRunningForceFailsOrphanedRuns(t *testing.T) {
	now := time.Now()
	c, store := newTestCollection(now)
	ctx := context.Background()

	runID := "orphan-run"
	_, err := store.Insert(ctx, &queue.Job{ID: "j1", Type: "email", Status: queue.StatusRunning, RunID: &runID, Updated: now})
	require.NoError(t, err)

	require.NoError(t, c.RecoverRunning(ctx))

	doc, err := store.FindOne(ctx, datastore.Query{ID: "j1"})
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, doc.Status)
	require.Nil(t, doc.RunID)
}
