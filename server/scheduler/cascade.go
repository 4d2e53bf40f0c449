package scheduler

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/taskrelay/taskrelay/server/datastore"
	"github.com/taskrelay/taskrelay/server/queue"
)

// cancellableStatuses and restartableStatuses enumerate queue.Status's
// Cancellable/Restartable predicates as slices, for the datastore queries
// (cancelForeverRepeatSiblings' StatusIn) that need an explicit IN-list
// rather than a predicate.
var cancellableStatuses = []queue.Status{
	queue.StatusRunning, queue.StatusReady, queue.StatusWaiting, queue.StatusPaused,
}

var restartableStatuses = []queue.Status{
	queue.StatusCancelled, queue.StatusFailed,
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// resolveDependents implements the dependency half of §4.2's completion
// cascade: for every job whose depends contains completedID, move that id
// from depends to resolved. Each document is touched independently and the
// move is idempotent, so a duplicate cascade write (e.g. a retried RPC) is
// a no-op rather than a correctness hazard.
func (c *Collection) resolveDependents(ctx context.Context, completedID string) error {
	dependents, err := c.store.Find(ctx, datastore.Query{DependsContains: completedID})
	if err != nil {
		return err
	}

	var result *multierror.Error
	now := c.clock()
	for _, dep := range dependents {
		depends := removeID(dep.Depends, completedID)
		resolved := addID(dep.Resolved, completedID)

		patch := datastore.Patch{
			Depends:  &depends,
			Resolved: &resolved,
			Updated:  &now,
		}
		if dep.Status == queue.StatusWaiting && len(depends) == 0 && !dep.After.After(now) {
			status := queue.StatusReady
			entry := queue.LogEntry{Time: now, Level: queue.LevelInfo, Message: "Promoted to ready"}
			patch.Status = &status
			patch.AppendLog = &entry
		}

		if _, err := c.store.Update(ctx, datastore.Query{ID: dep.ID}, patch); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result != nil {
		return result
	}
	return nil
}

// spawnRepeat implements the repeat half of §4.2's completion cascade: the
// original job (already completed) produces a fresh waiting sibling.
func (c *Collection) spawnRepeat(ctx context.Context, original *queue.Job) error {
	now := c.clock()
	clone := original.Clone()
	clone.ID = ""
	clone.Status = queue.StatusWaiting
	clone.RunID = nil
	clone.After = now.Add(msToDuration(original.RepeatWait))
	clone.Repeated = original.Repeated + 1
	clone.Repeats = queue.DecrementBudget(original.Repeats)
	clone.Updated = now
	clone.CreatedAt = now
	clone.Result = nil
	clone.Depends = []string{}
	clone.Resolved = []string{}
	clone.Log = nil
	clone.AppendLog(now, "", queue.LevelInfo, "Repeat of "+original.ID)

	_, err := c.store.Insert(ctx, clone)
	return err
}

func removeID(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func addID(ids []string, target string) []string {
	for _, id := range ids {
		if id == target {
			return ids
		}
	}
	return append(append([]string(nil), ids...), target)
}

// CascadeOptions controls the direction cancel/restart's transitive closure
// walks the dependency graph.
type CascadeOptions struct {
	Antecedents bool // also affect jobs this job depends on
	Dependents  bool // also affect jobs that depend on this job
}

// Cancel implements jobCancel (§4.2): applies to the requested ids plus,
// per opts, their transitive antecedents/dependents, restricted to
// cancellable statuses.
func (c *Collection) Cancel(ctx context.Context, ids []string, opts CascadeOptions) (bool, error) {
	affected, err := c.closure(ctx, ids, opts, queue.Status.Cancellable)
	if err != nil {
		return false, err
	}
	return c.applyCascade(ctx, affected, queue.StatusCancelled, "Cancelled")
}

// Restart implements jobRestart (§4.2): symmetric to Cancel, restricted to
// the restartable statuses and transitioning back to waiting.
func (c *Collection) Restart(ctx context.Context, ids []string, opts CascadeOptions) (bool, error) {
	affected, err := c.closure(ctx, ids, opts, queue.Status.Restartable)
	if err != nil {
		return false, err
	}
	return c.applyCascade(ctx, affected, queue.StatusWaiting, "Restarted")
}

// closure computes the transitive closure of ids over the depends graph in
// the requested direction(s), restricted to jobs whose current status
// satisfies allowed.
func (c *Collection) closure(ctx context.Context, ids []string, opts CascadeOptions, allowed func(queue.Status) bool) ([]*queue.Job, error) {
	visited := map[string]bool{}
	var out []*queue.Job

	var visit func(id string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		visited[id] = true

		doc, err := c.store.FindOne(ctx, datastore.Query{ID: id})
		if err != nil {
			if err == datastore.ErrNotFound {
				return nil
			}
			return err
		}

		if allowed(doc.Status) {
			out = append(out, doc)
		}

		if opts.Antecedents {
			for _, dep := range doc.Depends {
				if err := visit(dep); err != nil {
					return err
				}
			}
			for _, dep := range doc.Resolved {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		if opts.Dependents {
			dependents, err := c.store.Find(ctx, datastore.Query{DependsContains: id})
			if err != nil {
				return err
			}
			for _, dep := range dependents {
				if err := visit(dep.ID); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Collection) applyCascade(ctx context.Context, jobs []*queue.Job, to queue.Status, logMessage string) (bool, error) {
	now := c.clock()
	var result *multierror.Error
	var any bool

	for _, j := range jobs {
		status := to
		entry := queue.LogEntry{Time: now, RunID: derefRunID(j.RunID), Level: queue.LevelWarning, Message: logMessage}
		patch := datastore.Patch{
			Status:    &status,
			Updated:   &now,
			AppendLog: &entry,
		}
		if to == queue.StatusCancelled || to == queue.StatusWaiting {
			patch.ClearRunID = true
		}

		previous, err := c.store.FindAndModify(ctx, j.ID, j.Status, derefRunID(j.RunID), patch)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if previous != nil {
			any = true
		}
	}

	if result != nil {
		return any, result
	}
	return any, nil
}

func statusIn(s queue.Status, set []queue.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Pause implements jobPause: waiting/ready -> paused. Idempotent on a job
// already paused.
func (c *Collection) Pause(ctx context.Context, ids []string) (bool, error) {
	return c.simpleTransition(ctx, ids, []queue.Status{queue.StatusWaiting, queue.StatusReady}, queue.StatusPaused, "Paused")
}

// Resume implements jobResume: paused -> waiting.
func (c *Collection) Resume(ctx context.Context, ids []string) (bool, error) {
	return c.simpleTransition(ctx, ids, []queue.Status{queue.StatusPaused}, queue.StatusWaiting, "Resumed")
}

func (c *Collection) simpleTransition(ctx context.Context, ids []string, from []queue.Status, to queue.Status, logMessage string) (bool, error) {
	now := c.clock()
	var result *multierror.Error
	var any bool

	for _, id := range ids {
		doc, err := c.store.FindOne(ctx, datastore.Query{ID: id})
		if err != nil {
			if err == datastore.ErrNotFound {
				continue
			}
			result = multierror.Append(result, err)
			continue
		}
		if doc.Status == to {
			any = true
			continue // idempotent: pause(pause) = pause, etc.
		}
		if !statusIn(doc.Status, from) {
			continue
		}

		status := to
		entry := queue.LogEntry{Time: now, Level: queue.LevelInfo, Message: logMessage}
		previous, err := c.store.FindAndModify(ctx, id, doc.Status, "", datastore.Patch{
			Status:    &status,
			Updated:   &now,
			AppendLog: &entry,
		})
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if previous != nil {
			any = true
		}
	}

	if result != nil {
		return any, result
	}
	return any, nil
}
