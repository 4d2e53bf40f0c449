// Package mock provides a hand-stubbed datastore.Store double, one Func
// field and one FuncInvoked flag per interface method, in the style used
// throughout the ambient stack's own test suites. Unlike memstore, it does
// not implement real query/CAS semantics -- each test wires up exactly the
// calls it expects and asserts on them directly, which keeps tests for
// components that merely call the store (not components that verify its
// semantics) free of incidental complexity.
package mock

import (
	"context"

	"github.com/taskrelay/taskrelay/server/datastore"
	"github.com/taskrelay/taskrelay/server/queue"
)

var _ datastore.Store = (*Store)(nil)

type Store struct {
	InsertFunc        func(ctx context.Context, job *queue.Job) (string, error)
	InsertFuncInvoked bool

	FindOneFunc        func(ctx context.Context, q datastore.Query) (*queue.Job, error)
	FindOneFuncInvoked bool

	FindFunc        func(ctx context.Context, q datastore.Query) ([]*queue.Job, error)
	FindFuncInvoked bool

	UpdateFunc        func(ctx context.Context, q datastore.Query, patch datastore.Patch) (int64, error)
	UpdateFuncInvoked bool

	FindAndModifyFunc        func(ctx context.Context, id string, expectedStatus queue.Status, runID string, patch datastore.Patch) (*queue.Job, error)
	FindAndModifyFuncInvoked bool

	RemoveFunc        func(ctx context.Context, id string) error
	RemoveFuncInvoked bool
}

func (s *Store) Insert(ctx context.Context, job *queue.Job) (string, error) {
	s.InsertFuncInvoked = true
	return s.InsertFunc(ctx, job)
}

func (s *Store) FindOne(ctx context.Context, q datastore.Query) (*queue.Job, error) {
	s.FindOneFuncInvoked = true
	return s.FindOneFunc(ctx, q)
}

func (s *Store) Find(ctx context.Context, q datastore.Query) ([]*queue.Job, error) {
	s.FindFuncInvoked = true
	return s.FindFunc(ctx, q)
}

func (s *Store) Update(ctx context.Context, q datastore.Query, patch datastore.Patch) (int64, error) {
	s.UpdateFuncInvoked = true
	return s.UpdateFunc(ctx, q, patch)
}

func (s *Store) FindAndModify(ctx context.Context, id string, expectedStatus queue.Status, runID string, patch datastore.Patch) (*queue.Job, error) {
	s.FindAndModifyFuncInvoked = true
	return s.FindAndModifyFunc(ctx, id, expectedStatus, runID, patch)
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.RemoveFuncInvoked = true
	return s.RemoveFunc(ctx, id)
}
