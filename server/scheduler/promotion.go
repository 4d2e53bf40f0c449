package scheduler

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/taskrelay/taskrelay/server/datastore"
	"github.com/taskrelay/taskrelay/server/queue"
)

const lockOwnerSuffix = ":promotion"
const retentionLockSuffix = ":retention"

// promotionLoop is the time-driven half of §4.2: on each tick it promotes
// every eligible waiting job to ready in one pass. It is leader-gated so
// that when several coordinator processes share one store, only one of
// them actually ticks; the others skip the tick and retry on the next
// interval, exactly as a periodic scheduler job elects a leader before
// doing work.
func (c *Collection) promotionLoop(ctx context.Context) {
	ticker := time.NewTicker(c.promotionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runLeaderGated(ctx, c.name+lockOwnerSuffix, c.promoteOnce)
		}
	}
}

// retentionLoop runs on the same cadence as promotion but gates on its own
// lock name, so a deployment can disable retention (Config.Retention.Enabled
// false) without affecting promotion's leader election.
func (c *Collection) retentionLoop(ctx context.Context) {
	if !c.retention.Enabled {
		return
	}
	ticker := time.NewTicker(c.promotionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runLeaderGated(ctx, c.name+retentionLockSuffix, c.retainOnce)
		}
	}
}

// runLeaderGated attempts the distributed lock before running fn; losing
// the lock is not an error, it just means another process is this tick's
// leader.
func (c *Collection) runLeaderGated(ctx context.Context, lockName string, fn func(ctx context.Context) error) {
	won, err := c.locker.Lock(ctx, lockName, c.ownerID, c.lockExpiration)
	if err != nil {
		level.Error(c.logger).Log("msg", "leader lock", "lock", lockName, "err", err)
		return
	}
	if !won {
		return
	}
	defer func() {
		if err := c.locker.Unlock(ctx, lockName, c.ownerID); err != nil {
			level.Warn(c.logger).Log("msg", "leader unlock", "lock", lockName, "err", err)
		}
	}()

	if err := fn(ctx); err != nil {
		level.Error(c.logger).Log("msg", "leader-gated tick", "lock", lockName, "err", err)
	}
}

// promoteOnce implements the promotion sweep: every job with
// status=waiting, after<=now, depends=[] moves to ready in one
// multi-document update.
func (c *Collection) promoteOnce(ctx context.Context) error {
	now := c.clock()
	status := queue.StatusReady
	empty := true
	entry := queue.LogEntry{Time: now, Level: queue.LevelInfo, Message: "Promoted to ready"}

	n, err := c.store.Update(ctx, datastore.Query{
		Status:       queue.StatusWaiting,
		AfterLTE:     &now,
		DependsEmpty: &empty,
	}, datastore.Patch{
		Status:    &status,
		Updated:   &now,
		AppendLog: &entry,
	})
	if err != nil {
		return err
	}
	if n > 0 {
		level.Debug(c.logger).Log("msg", "promoted jobs", "count", n)
	}
	return nil
}

// retainOnce implements the retention sweep: terminal jobs past
// retention.MaxAge have their log trimmed, or (retention.Remove) are
// deleted outright. It never touches status, depends, or resolved.
func (c *Collection) retainOnce(ctx context.Context) error {
	if c.retention.MaxAge <= 0 {
		return nil
	}
	horizon := c.clock().Add(-c.retention.MaxAge)

	terminal, err := c.store.Find(ctx, datastore.Query{
		StatusIn: []queue.Status{queue.StatusCompleted, queue.StatusFailed, queue.StatusCancelled},
	})
	if err != nil {
		return err
	}

	var removed, trimmed int
	for _, job := range terminal {
		if job.Updated.After(horizon) {
			continue
		}
		if c.retention.Remove {
			if err := c.store.Remove(ctx, job.ID); err != nil {
				return err
			}
			removed++
			continue
		}
		if len(job.Log) == 0 {
			continue
		}
		empty := []queue.LogEntry{}
		if _, err := c.store.Update(ctx, datastore.Query{ID: job.ID}, datastore.Patch{
			ReplaceLog: &empty,
		}); err != nil {
			return err
		}
		trimmed++
	}
	if removed > 0 || trimmed > 0 {
		level.Debug(c.logger).Log("msg", "retention sweep", "removed", removed, "log_trimmed", trimmed)
	}
	return nil
}
