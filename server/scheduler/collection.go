// Package scheduler implements components C and D of the design: the job
// state machine's transition methods and the background promotion,
// dispatch, cascade, and retention loops that drive jobs through it. A
// Collection is the unit of isolation — each wraps one datastore.Store
// (conventionally, one underlying table or one logical "collection" of
// jobs) and owns its own promotion timer, stopped flag, and leader lock, so
// multiple Collections coexist independently in one process.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskrelay/taskrelay/server/datastore"
	"github.com/taskrelay/taskrelay/server/lock"
	"github.com/taskrelay/taskrelay/server/queue"
)

// Sentinel errors returned by the run-scoped mutation methods
// (Progress/Log/Done/Fail) to signal the two cases §5 and §7 call out as
// distinguished from an ordinary false: the run was superseded (the worker
// must abort) and the collection is shutting down (the worker must stop
// reporting).
var (
	ErrShutdown   = errors.New("scheduler: shutdown in progress")
	ErrCanceled   = errors.New("scheduler: run canceled")
	ErrNotFound   = errors.New("scheduler: job not found")
	ErrIllegal    = errors.New("scheduler: illegal transition")
	ErrCyclicDep  = errors.New("scheduler: cyclic dependency")
	ErrNotTermin  = errors.New("scheduler: job is not in a terminal state")
)

// Config configures a Collection at construction time. Zero values fall
// back to the defaults named in §4.2 and §4.4.
type Config struct {
	Name string

	PromotionInterval time.Duration // default 15s
	LockExpiration    time.Duration // default 2x PromotionInterval

	Retention RetentionConfig

	// CancelRepeatsAcrossData resolves design note open question (b): when
	// true, jobSave's cancelRepeats considers jobs of the same type
	// regardless of their data payload; when false (the default) it only
	// considers jobs whose data is byte-identical to the new job's.
	CancelRepeatsAcrossData bool

	Logger log.Logger
	Clock  func() time.Time
}

// RetentionConfig controls the optional retention sweep (§4.2).
type RetentionConfig struct {
	Enabled bool
	MaxAge  time.Duration
	Remove  bool // if true, remove terminal jobs past MaxAge instead of only trimming their log
}

// Collection is one independent job queue: its own store, its own
// promotion/retention timers, its own stopped flag and leader lock.
type Collection struct {
	name    string
	store   datastore.Store
	locker  lock.Locker
	ownerID string
	logger  log.Logger
	clock   func() time.Time

	promotionInterval time.Duration
	lockExpiration    time.Duration
	retention         RetentionConfig
	cancelAcrossData  bool

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// New constructs a Collection. If locker is nil, an in-process no-op
// locker is used (always "wins" the lock), appropriate for a
// single-coordinator-process deployment.
func New(store datastore.Store, locker lock.Locker, cfg Config) *Collection {
	if cfg.PromotionInterval <= 0 {
		cfg.PromotionInterval = 15 * time.Second
	}
	if cfg.LockExpiration <= 0 {
		cfg.LockExpiration = 2 * cfg.PromotionInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if locker == nil {
		locker = lock.Always{}
	}

	return &Collection{
		name:              cfg.Name,
		store:             store,
		locker:            locker,
		ownerID:           uuid.NewString(),
		logger:            log.With(cfg.Logger, "collection", cfg.Name),
		clock:             cfg.Clock,
		promotionInterval: cfg.PromotionInterval,
		lockExpiration:    cfg.LockExpiration,
		retention:         cfg.Retention,
		cancelAcrossData:  cfg.CancelRepeatsAcrossData,
		stopped:           true,
	}
}

// Name returns the collection's name, used as the RPC method-name prefix.
func (c *Collection) Name() string { return c.name }

// StartJobs resumes the promotion and retention loops. It is idempotent.
func (c *Collection) StartJobs(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stopped {
		return true, nil
	}
	c.stopped = false

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.promotionLoop(loopCtx)
	go c.retentionLoop(loopCtx)

	level.Info(c.logger).Log("msg", "jobs started")
	return true, nil
}

// StopJobs halts the promotion loop, makes getWork return empty, and --
// after timeout elapses -- force-fails every job still running.
func (c *Collection) StopJobs(ctx context.Context, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return true, nil
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	level.Info(c.logger).Log("msg", "jobs stopping", "timeout", timeout)

	if timeout <= 0 {
		return true, nil
	}

	select {
	case <-ctx.Done():
	case <-time.After(timeout):
	}
	if err := c.forceFailRunning(context.Background(), "Shutdown timeout exceeded"); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Collection) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Collection) forceFailRunning(ctx context.Context, reason string) error {
	jobs, err := c.store.Find(ctx, datastore.Query{Status: queue.StatusRunning})
	if err != nil {
		return errors.Wrap(err, "find running jobs")
	}
	now := c.clock()
	for _, j := range jobs {
		status := queue.StatusFailed
		entry := queue.LogEntry{Time: now, RunID: derefRunID(j.RunID), Level: queue.LevelDanger, Message: reason}
		_, err := c.store.FindAndModify(ctx, j.ID, queue.StatusRunning, derefRunID(j.RunID), datastore.Patch{
			Status:     &status,
			ClearRunID: true,
			Updated:    &now,
			AppendLog:  &entry,
		})
		if err != nil {
			level.Error(c.logger).Log("msg", "force-fail running job", "job_id", j.ID, "err", err)
		}
	}
	return nil
}

func derefRunID(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

// SaveOptions configures jobSave.
type SaveOptions struct {
	// CancelRepeats, when true, first cancels existing cancellable jobs of
	// the new job's type whose repeats budget is Forever (and whose data is
	// identical, unless the collection cancels across data), before
	// inserting the new job. The zero value is false; the jobSave RPC handler sets it
	// to true when the caller omits it.
	CancelRepeats bool
}

// Save implements jobSave: validates the dependency graph is acyclic,
// optionally cancels pre-existing infinite-repeat siblings, and inserts the
// document.
func (c *Collection) Save(ctx context.Context, job *queue.Job, opts SaveOptions) (string, error) {
	now := c.clock()
	if job.Status == "" {
		job.Status = queue.StatusWaiting
	}
	if job.Status != queue.StatusWaiting && job.Status != queue.StatusPaused {
		return "", errors.Wrap(ErrIllegal, "jobSave: status must be waiting or paused")
	}
	if job.After.IsZero() {
		job.After = now
	}
	job.Updated = now
	job.CreatedAt = now
	if job.Depends == nil {
		job.Depends = []string{}
	}
	if job.Resolved == nil {
		job.Resolved = []string{}
	}

	if err := c.checkAcyclic(ctx, job); err != nil {
		return "", err
	}

	if opts.CancelRepeats && job.Repeats == queue.Forever {
		if err := c.cancelForeverRepeatSiblings(ctx, job); err != nil {
			return "", errors.Wrap(err, "jobSave: cancelRepeats")
		}
	}

	job.AppendLog(now, "", queue.LevelInfo, "Created")
	id, err := c.store.Insert(ctx, job)
	if err != nil {
		return "", errors.Wrap(err, "jobSave: insert")
	}
	return id, nil
}

// checkAcyclic rejects a save whose depends would close a cycle, by a
// reverse reachability check: none of job's transitive dependents (jobs
// that already depend, directly or indirectly, on job) may appear in
// job.Depends, and job's own id may not depend on itself.
func (c *Collection) checkAcyclic(ctx context.Context, job *queue.Job) error {
	if job.ID != "" {
		for _, dep := range job.Depends {
			if dep == job.ID {
				return ErrCyclicDep
			}
		}
	}

	visited := map[string]bool{}
	var walk func(id string) error
	walk = func(id string) error {
		if visited[id] {
			return nil
		}
		visited[id] = true
		if job.ID != "" && id == job.ID {
			return ErrCyclicDep
		}
		doc, err := c.store.FindOne(ctx, datastore.Query{ID: id})
		if err != nil {
			if errors.Is(err, datastore.ErrNotFound) {
				return nil
			}
			return err
		}
		for _, dep := range doc.Depends {
			if err := walk(dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, dep := range job.Depends {
		if err := walk(dep); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) cancelForeverRepeatSiblings(ctx context.Context, job *queue.Job) error {
	forever := true
	q := datastore.Query{
		Type:           job.Type,
		StatusIn:       cancellableStatuses,
		RepeatsForever: &forever,
	}
	siblings, err := c.store.Find(ctx, q)
	if err != nil {
		return err
	}
	for _, s := range siblings {
		if !c.cancelAcrossData && !bytesEqual(s.Data, job.Data) {
			continue
		}
		if _, err := c.Cancel(ctx, []string{s.ID}, CascadeOptions{Dependents: true}); err != nil {
			return err
		}
	}
	return nil
}

func bytesEqual(a, b json.RawMessage) bool {
	return string(a) == string(b)
}

// Rerun implements jobRerun: clones a completed job into a fresh waiting
// sibling, leaving the original untouched.
func (c *Collection) Rerun(ctx context.Context, id string, repeats *int64, wait *int64) (string, error) {
	doc, err := c.store.FindOne(ctx, datastore.Query{ID: id})
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	if doc.Status != queue.StatusCompleted {
		return "", errors.Wrap(ErrIllegal, "jobRerun: job is not completed")
	}

	now := c.clock()
	clone := doc.Clone()
	clone.ID = ""
	clone.Status = queue.StatusWaiting
	clone.RunID = nil
	clone.After = now
	clone.Updated = now
	clone.CreatedAt = now
	clone.Result = nil
	clone.Retried = 0
	clone.Repeated = 0
	clone.Log = nil
	if repeats != nil {
		clone.Repeats = *repeats
	}
	if wait != nil {
		clone.RepeatWait = *wait
	}
	clone.AppendLog(now, "", queue.LevelInfo, fmt.Sprintf("Rerun of %s", id))

	return c.store.Insert(ctx, clone)
}

// GetJob implements getJob: ids may be a single id or a list; the log is
// included only when getLog is true, matching the method table's
// "doc | [doc]" return shape at the RPC boundary (here, callers simply
// pass one or many ids and get a slice back).
func (c *Collection) GetJob(ctx context.Context, ids []string, getLog bool) ([]*queue.Job, error) {
	docs, err := c.store.Find(ctx, datastore.Query{IDs: ids})
	if err != nil {
		return nil, err
	}
	if !getLog {
		for _, d := range docs {
			d.Log = nil
		}
	}
	return docs, nil
}

// Remove implements jobRemove: deleting a job is legal only once it has
// reached a terminal state.
func (c *Collection) Remove(ctx context.Context, ids []string) (bool, error) {
	for _, id := range ids {
		doc, err := c.store.FindOne(ctx, datastore.Query{ID: id})
		if err != nil {
			if errors.Is(err, datastore.ErrNotFound) {
				continue
			}
			return false, err
		}
		if !doc.Status.Terminal() {
			return false, errors.Wrapf(ErrNotTermin, "jobRemove: %s is %s", id, doc.Status)
		}
	}
	for _, id := range ids {
		if err := c.store.Remove(ctx, id); err != nil {
			return false, err
		}
	}
	return true, nil
}
