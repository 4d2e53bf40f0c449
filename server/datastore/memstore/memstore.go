// Package memstore is an in-memory implementation of datastore.Store used
// by scheduler, cascade, and dispatch tests. Unlike the hand-stubbed
// mock.Store (one func field per call), memstore implements the full query
// and CAS semantics a real record store must provide, so tests that exercise
// promotion, dispatch races, and dependency cascades see real behaviour
// without requiring a live MySQL instance.
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/taskrelay/taskrelay/server/datastore"
	"github.com/taskrelay/taskrelay/server/queue"
)

// Store is a mutex-guarded map of job documents. All operations are
// serialized behind a single lock, which trivially gives per-document
// atomicity (the only guarantee §4.5 requires) -- multi-document updates
// are simply a loop under the same lock, not a transaction.
type Store struct {
	mu   sync.Mutex
	docs map[string]*queue.Job
}

// New returns an empty Store.
func New() *Store {
	return &Store{docs: make(map[string]*queue.Job)}
}

func (s *Store) Insert(_ context.Context, job *queue.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	s.docs[job.ID] = job.Clone()
	return job.ID, nil
}

func (s *Store) FindOne(ctx context.Context, q datastore.Query) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range s.sortedDocs() {
		if matches(doc, q) {
			return doc.Clone(), nil
		}
	}
	return nil, datastore.ErrNotFound
}

func (s *Store) Find(ctx context.Context, q datastore.Query) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*queue.Job
	for _, doc := range s.sortedDocs() {
		if matches(doc, q) {
			out = append(out, doc.Clone())
		}
	}
	if q.Ordered {
		out = queue.OrderCandidates(out)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, q datastore.Query, patch datastore.Patch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, doc := range s.sortedDocs() {
		if matches(doc, q) {
			applyPatch(doc, patch)
			n++
		}
	}
	return n, nil
}

func (s *Store) FindAndModify(ctx context.Context, id string, expectedStatus queue.Status, runID string, patch datastore.Patch) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	if doc.Status != expectedStatus {
		return nil, nil
	}
	if runID != "" && (doc.RunID == nil || *doc.RunID != runID) {
		return nil, nil
	}

	previous := doc.Clone()
	applyPatch(doc, patch)
	return previous, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

// sortedDocs returns documents ordered by id for deterministic iteration
// (map iteration order is otherwise random, which would make tests flaky).
func (s *Store) sortedDocs() []*queue.Job {
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	// simple insertion sort; job counts in tests are small.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	out := make([]*queue.Job, len(ids))
	for i, id := range ids {
		out[i] = s.docs[id]
	}
	return out
}

func matches(doc *queue.Job, q datastore.Query) bool {
	if q.ID != "" && doc.ID != q.ID {
		return false
	}
	if len(q.IDs) > 0 && !contains(q.IDs, doc.ID) {
		return false
	}
	if q.Status != "" && doc.Status != q.Status {
		return false
	}
	if len(q.StatusIn) > 0 && !containsStatus(q.StatusIn, doc.Status) {
		return false
	}
	if q.Type != "" && doc.Type != q.Type {
		return false
	}
	if len(q.TypeIn) > 0 && !contains(q.TypeIn, doc.Type) {
		return false
	}
	if q.RunID != "" && (doc.RunID == nil || *doc.RunID != q.RunID) {
		return false
	}
	if q.AfterLTE != nil && doc.After.After(*q.AfterLTE) {
		return false
	}
	if q.DependsEmpty != nil && (len(doc.Depends) == 0) != *q.DependsEmpty {
		return false
	}
	if q.DependsContains != "" && !contains(doc.Depends, q.DependsContains) {
		return false
	}
	if q.RepeatsForever != nil && (doc.Repeats == queue.Forever) != *q.RepeatsForever {
		return false
	}
	return true
}

func applyPatch(doc *queue.Job, patch datastore.Patch) {
	if patch.Status != nil {
		doc.Status = *patch.Status
	}
	if patch.ClearRunID {
		doc.RunID = nil
	}
	if patch.SetRunID != nil {
		id := *patch.SetRunID
		doc.RunID = &id
	}
	if patch.After != nil {
		doc.After = *patch.After
	}
	if patch.Updated != nil {
		doc.Updated = *patch.Updated
	}
	if patch.Retries != nil {
		doc.Retries = *patch.Retries
	}
	if patch.Retried != nil {
		doc.Retried = *patch.Retried
	}
	if patch.RetryWait != nil {
		doc.RetryWait = *patch.RetryWait
	}
	if patch.Repeats != nil {
		doc.Repeats = *patch.Repeats
	}
	if patch.Repeated != nil {
		doc.Repeated = *patch.Repeated
	}
	if patch.RepeatWait != nil {
		doc.RepeatWait = *patch.RepeatWait
	}
	if patch.Depends != nil {
		doc.Depends = append([]string(nil), (*patch.Depends)...)
	}
	if patch.Resolved != nil {
		doc.Resolved = append([]string(nil), (*patch.Resolved)...)
	}
	if patch.Progress != nil {
		doc.Progress = *patch.Progress
	}
	if patch.Result != nil {
		doc.Result = append([]byte(nil), (*patch.Result)...)
	}
	if patch.AppendLog != nil {
		doc.Log = append(doc.Log, *patch.AppendLog)
	}
	if patch.ReplaceLog != nil {
		doc.Log = append([]queue.LogEntry(nil), (*patch.ReplaceLog)...)
	}
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsStatus(haystack []queue.Status, needle queue.Status) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
