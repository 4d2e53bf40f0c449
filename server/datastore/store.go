// Package datastore declares the narrow CRUD + conditional-update contract
// (the "Record Store Adapter" of §4.5) that the scheduler and state machine
// consume. Concrete adapters live in sibling packages: mysql for the
// production MySQL-backed implementation, mock for a hand-stubbed test
// double, memstore for a full in-memory reference implementation used by
// scheduler and cascade tests that need real CAS semantics without a live
// database.
package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/taskrelay/taskrelay/server/queue"
)

// ErrNotFound is returned by FindOne when no document matches the query.
var ErrNotFound = errors.New("datastore: not found")

// Query selects a set of job documents. Nil/zero fields are not applied as
// filters. Ordered, when true, returns results sorted by the §4.1 tie-break
// rule (priority, after, updated); Limit, when > 0, caps the result count
// after ordering.
type Query struct {
	ID       string
	IDs      []string
	Status   queue.Status
	StatusIn []queue.Status
	Type     string
	TypeIn   []string
	RunID    string

	AfterLTE *time.Time // after <= value

	DependsEmpty    *bool   // depends == []
	DependsContains string  // depends array contains this job id
	RepeatsForever  *bool   // repeats == queue.Forever

	Ordered bool
	Limit   int
}

// Patch lists the fields a conditional update sets. A nil field is left
// untouched. AppendLog, when non-nil, is appended to the existing log
// (never replaces it), preserving invariant I4.
type Patch struct {
	Status     *queue.Status
	SetRunID   *string
	ClearRunID bool
	After      *time.Time
	Updated    *time.Time

	Retries   *int64
	Retried   *int64
	RetryWait *int64

	Repeats    *int64
	Repeated   *int64
	RepeatWait *int64

	Depends  *[]string
	Resolved *[]string
	Progress *queue.Progress
	Result   *[]byte

	AppendLog *queue.LogEntry

	// ReplaceLog, when non-nil, overwrites the log wholesale instead of
	// appending. Used only by the retention sweep to trim a terminal job's
	// log past its horizon; invariant I4 (append-only) only binds a job's
	// log while the job is live, not after retention has claimed it.
	ReplaceLog *[]queue.LogEntry
}

// Store is the Record Store Adapter: abstract CRUD plus the conditional
// atomic update dispatch and the state machine rely on for correctness
// under concurrent mutation.
type Store interface {
	// Insert persists a new job document and returns its minted id.
	Insert(ctx context.Context, job *queue.Job) (string, error)

	// FindOne returns the single document matching q, or ErrNotFound.
	FindOne(ctx context.Context, q Query) (*queue.Job, error)

	// Find returns every document matching q.
	Find(ctx context.Context, q Query) ([]*queue.Job, error)

	// Update applies patch to every document matching q and returns the
	// count of documents affected. Used for the promotion sweep's
	// multi-document update and for cascade writes that are individually
	// idempotent (so a duplicate apply is harmless).
	Update(ctx context.Context, q Query, patch Patch) (int64, error)

	// FindAndModify atomically applies patch to the single document
	// identified by id, but only if its current status equals
	// expectedStatus (and, when runID is non-empty, only if its current
	// runId also matches). It returns the document as it existed *before*
	// the patch was applied, or nil (with no error) if the precondition
	// did not hold -- the CAS was lost to a racing caller.
	FindAndModify(ctx context.Context, id string, expectedStatus queue.Status, runID string, patch Patch) (*queue.Job, error)

	// Remove permanently deletes a job document. Callers are responsible
	// for enforcing that it is only legal in a terminal state.
	Remove(ctx context.Context, id string) error
}
