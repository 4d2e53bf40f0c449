// Package worker implements the client-resident JobQueue (design
// component E, §4.4): a bounded pull loop that fetches jobs from a
// Caller, hands each to a user-supplied callback under a concurrency
// limit, and drains cleanly on one of three shutdown levels.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/patrickmn/go-cache"

	"github.com/taskrelay/taskrelay/server/queue"
)

// ErrCanceled is returned by a Caller method when the run it addresses has
// been superseded (restarted, cancelled, or force-failed on the server
// side); the worker callback must abort rather than keep reporting. The
// run-scoped Caller methods signal this the same way the in-process
// scheduler does: with this sentinel wrapped into the returned error.
var ErrCanceled = errors.New("worker: run canceled")

// ErrShutdown is returned by a Caller method when the server collection is
// shutting down and no longer wants progress/log reports.
var ErrShutdown = errors.New("worker: server shutting down")

// Caller is everything the JobQueue needs from the server: the subset of
// the method table a worker process is allowed to call. An in-process
// deployment implements it directly against a *scheduler.Collection; a
// worker running on a separate host implements it against the RPC client.
type Caller interface {
	GetWork(ctx context.Context, types []string, maxJobs int) ([]*queue.Job, error)
	Progress(ctx context.Context, id, runID string, completed, total float64) (bool, error)
	Log(ctx context.Context, id, runID, message string, level queue.LogLevel) (bool, error)
	Done(ctx context.Context, id, runID string, result json.RawMessage) (bool, error)
	Fail(ctx context.Context, id, runID, reason string, fatal bool) (bool, error)
}

// HandlerFunc processes one job. It must call report exactly once,
// regardless of outcome; the JobQueue bounds concurrency by that call and
// by nothing else. report's arguments mirror Done/Fail: a nil err and
// non-nil result means success, a non-nil err means failure.
type HandlerFunc func(ctx context.Context, job *queue.Job, report func(result json.RawMessage, err error))

// Config configures a JobQueue. Zero values fall back to the defaults
// named in §4.4.
type Config struct {
	Types []string

	Concurrency  int           // default 1
	Cargo        int           // default 1
	PollInterval time.Duration // default 5s
	Prefetch     int

	Logger log.Logger
}

// ShutdownLevel selects how Stop drains outstanding work.
type ShutdownLevel int

const (
	// ShutdownSoft stops polling; buffered and running jobs run to
	// completion naturally.
	ShutdownSoft ShutdownLevel = iota
	// ShutdownNormal stops polling and lets running jobs finish, but fails
	// every buffered-but-not-started job.
	ShutdownNormal
	// ShutdownHard immediately fails every buffered and running job and
	// returns without waiting.
	ShutdownHard
)

// JobQueue pulls work from a Caller and bounds how many batches run at
// once. When Cargo > 1, up to Cargo jobs are grouped into one batch that
// holds a single concurrency slot; the handler is still called once per
// job, one after another within the batch, never with several jobs at once.
type JobQueue struct {
	caller  Caller
	handler HandlerFunc
	cfg     Config
	logger  log.Logger

	capacity int
	sem      chan struct{}
	seen     *cache.Cache // dedup of in-flight job ids across overlapping getWork calls

	mu      sync.Mutex
	running map[string]*queue.Job
	buffer  []*queue.Job

	stop   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New constructs a JobQueue. It does not start polling; call Run.
func New(caller Caller, handler HandlerFunc, cfg Config) *JobQueue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Cargo <= 0 {
		cfg.Cargo = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}

	capacity := cfg.Concurrency*cfg.Cargo + cfg.Prefetch

	return &JobQueue{
		caller:   caller,
		handler:  handler,
		cfg:      cfg,
		logger:   cfg.Logger,
		capacity: capacity,
		sem:      make(chan struct{}, cfg.Concurrency),
		seen:     cache.New(time.Minute, 2*time.Minute),
		running:  make(map[string]*queue.Job),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, polling and dispatching work, until ctx is cancelled or Stop
// is called.
func (q *JobQueue) Run(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.pull(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-ticker.C:
			q.pull(ctx)
		}
	}
}

func (q *JobQueue) inFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer) + len(q.running)
}

func (q *JobQueue) pull(ctx context.Context) {
	shortfall := q.capacity - q.inFlight()
	if shortfall <= 0 {
		return
	}

	jobs, err := q.caller.GetWork(ctx, q.cfg.Types, shortfall)
	if err != nil {
		level.Error(q.logger).Log("msg", "getWork", "err", err)
		return
	}

	for _, j := range jobs {
		if _, dup := q.seen.Get(j.ID); dup {
			continue
		}
		q.seen.SetDefault(j.ID, struct{}{})

		q.mu.Lock()
		q.buffer = append(q.buffer, j)
		q.mu.Unlock()
	}

	q.drainBuffer(ctx)
}

// drainBuffer starts as many cargo-sized batches as the concurrency
// semaphore currently allows; each batch runs its jobs one at a time.
func (q *JobQueue) drainBuffer(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.buffer) == 0 {
			q.mu.Unlock()
			return
		}
		n := q.cfg.Cargo
		if n > len(q.buffer) {
			n = len(q.buffer)
		}
		batch := q.buffer[:n]
		q.buffer = q.buffer[n:]
		for _, j := range batch {
			q.running[j.ID] = j
		}
		q.mu.Unlock()

		select {
		case q.sem <- struct{}{}:
		default:
			// concurrency exhausted; put the batch back and wait for the
			// next pull/completion to retry.
			q.mu.Lock()
			q.buffer = append(batch, q.buffer...)
			for _, j := range batch {
				delete(q.running, j.ID)
			}
			q.mu.Unlock()
			return
		}

		q.wg.Add(1)
		go q.runBatch(ctx, batch)
	}
}

func (q *JobQueue) runBatch(ctx context.Context, batch []*queue.Job) {
	defer q.wg.Done()
	defer func() { <-q.sem }()

	for _, job := range batch {
		q.runOne(ctx, job)
	}
}

func (q *JobQueue) runOne(ctx context.Context, job *queue.Job) {
	defer func() {
		q.mu.Lock()
		delete(q.running, job.ID)
		q.mu.Unlock()
	}()

	runID := ""
	if job.RunID != nil {
		runID = *job.RunID
	}

	var once sync.Once
	reported := make(chan struct{})
	report := func(result json.RawMessage, err error) {
		once.Do(func() {
			if err != nil {
				if _, ferr := q.caller.Fail(ctx, job.ID, runID, err.Error(), false); ferr != nil {
					level.Error(q.logger).Log("msg", "jobFail", "id", job.ID, "err", ferr)
				}
			} else if _, derr := q.caller.Done(ctx, job.ID, runID, result); derr != nil {
				level.Error(q.logger).Log("msg", "jobDone", "id", job.ID, "err", derr)
			}
			close(reported)
		})
	}

	q.handler(ctx, job, report)
	<-reported
}

func (q *JobQueue) logError(msg, jobID string, err error) {
	level.Error(q.logger).Log("msg", msg, "id", jobID, "err", err)
}

// drainAll launches whatever's left in q.buffer, respecting the
// concurrency semaphore, until the buffer is empty. drainBuffer on its
// own only gets one pass at the buffer per call -- once the semaphore is
// full it puts the remainder back and returns -- so a caller that needs
// every buffered job launched, not just whatever fits in one pass, polls
// it until the buffer drains as running jobs free their slot.
func (q *JobQueue) drainAll(ctx context.Context) {
	for {
		q.drainBuffer(ctx)
		q.mu.Lock()
		empty := len(q.buffer) == 0
		q.mu.Unlock()
		if empty {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Stop drains outstanding work according to level and blocks until Run
// returns. failReason is logged on every job failed by a normal or hard
// shutdown.
func (q *JobQueue) Stop(ctx context.Context, lvl ShutdownLevel, failReason string) {
	close(q.stop)
	<-q.done

	if lvl == ShutdownSoft {
		// Run's poll loop is the only other caller of drainBuffer, and it
		// just exited, so nothing else will launch whatever is still
		// sitting in q.buffer; a soft shutdown owes every buffered job a
		// chance to run, same as a running one.
		q.drainAll(ctx)
		q.wg.Wait()
		return
	}

	q.mu.Lock()
	buffered := q.buffer
	q.buffer = nil
	q.mu.Unlock()
	for _, j := range buffered {
		runID := ""
		if j.RunID != nil {
			runID = *j.RunID
		}
		if _, err := q.caller.Fail(ctx, j.ID, runID, failReason, true); err != nil {
			q.logError("jobFail", j.ID, err)
		}
	}

	if lvl == ShutdownNormal {
		q.wg.Wait()
		return
	}

	// ShutdownHard: fail everything still running too, then return without
	// waiting for the handlers themselves to unwind.
	q.mu.Lock()
	running := make([]*queue.Job, 0, len(q.running))
	for _, j := range q.running {
		running = append(running, j)
	}
	q.mu.Unlock()
	for _, j := range running {
		runID := ""
		if j.RunID != nil {
			runID = *j.RunID
		}
		_, _ = q.caller.Fail(ctx, j.ID, runID, failReason, true)
	}
}
