package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/taskrelay/taskrelay/server/authz"
	"github.com/taskrelay/taskrelay/server/queue"
	"github.com/taskrelay/taskrelay/server/scheduler"
)

// RegisterCollection installs every method of §6.1's table into reg under
// the collection's name as a qualified prefix (e.g. "jobs.getWork"), so
// multiple collections can be mounted on one dispatcher.
func RegisterCollection(reg *Registry, c *scheduler.Collection) {
	prefix := c.Name() + "."

	reg.Handle(authz.Method{Name: prefix + "startJobs", Tags: []authz.Tag{authz.TagAdmin}}, func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return c.StartJobs(ctx)
	})

	reg.Handle(authz.Method{Name: prefix + "stopJobs", Tags: []authz.Tag{authz.TagAdmin}}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			TimeoutMS int64 `json:"timeout"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return c.StopJobs(ctx, time.Duration(p.TimeoutMS)*time.Millisecond)
	})

	reg.Handle(authz.Method{Name: prefix + "jobSave", Tags: []authz.Tag{authz.TagAdmin, authz.TagCreator}}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			Doc           queue.Job `json:"doc"`
			CancelRepeats *bool     `json:"cancelRepeats"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		opts := scheduler.SaveOptions{CancelRepeats: true}
		if p.CancelRepeats != nil {
			opts.CancelRepeats = *p.CancelRepeats
		}
		return c.Save(ctx, &p.Doc, opts)
	})

	reg.Handle(authz.Method{Name: prefix + "jobRerun", Tags: []authz.Tag{authz.TagAdmin, authz.TagCreator}}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			ID      string `json:"id"`
			Repeats *int64 `json:"repeats"`
			Wait    *int64 `json:"wait"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return c.Rerun(ctx, p.ID, p.Repeats, p.Wait)
	})

	reg.Handle(authz.Method{Name: prefix + "getJob", Tags: []authz.Tag{authz.TagAdmin, authz.TagWorker}}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			IDs    []string `json:"ids"`
			GetLog bool     `json:"getLog"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return c.GetJob(ctx, p.IDs, p.GetLog)
	})

	reg.Handle(authz.Method{Name: prefix + "getWork", Tags: []authz.Tag{authz.TagAdmin, authz.TagWorker}}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			Types   []string `json:"types"`
			MaxJobs int      `json:"maxJobs"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if p.MaxJobs <= 0 {
			p.MaxJobs = 1
		}
		return c.GetWork(ctx, p.Types, p.MaxJobs)
	})

	reg.Handle(authz.Method{Name: prefix + "jobProgress", Tags: []authz.Tag{authz.TagAdmin, authz.TagWorker}}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			ID        string  `json:"id"`
			RunID     string  `json:"runId"`
			Completed float64 `json:"completed"`
			Total     float64 `json:"total"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return shutdownAsNull(c.Progress(ctx, p.ID, p.RunID, p.Completed, p.Total))
	})

	reg.Handle(authz.Method{Name: prefix + "jobLog", Tags: []authz.Tag{authz.TagAdmin, authz.TagWorker}}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			ID      string        `json:"id"`
			RunID   string        `json:"runId"`
			Message string        `json:"message"`
			Level   queue.LogLevel `json:"level"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return shutdownAsNull(c.Log(ctx, p.ID, p.RunID, p.Message, p.Level))
	})

	reg.Handle(authz.Method{Name: prefix + "jobDone", Tags: []authz.Tag{authz.TagAdmin, authz.TagWorker}}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			ID     string          `json:"id"`
			RunID  string          `json:"runId"`
			Result json.RawMessage `json:"result"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return shutdownAsNull(c.Done(ctx, p.ID, p.RunID, p.Result))
	})

	reg.Handle(authz.Method{Name: prefix + "jobFail", Tags: []authz.Tag{authz.TagAdmin, authz.TagWorker}}, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			ID    string `json:"id"`
			RunID string `json:"runId"`
			Err   string `json:"err"`
			Fatal bool   `json:"fatal"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return shutdownAsNull(c.Fail(ctx, p.ID, p.RunID, p.Err, scheduler.FailOptions{Fatal: p.Fatal}))
	})

	reg.Handle(authz.Method{Name: prefix + "jobPause", Tags: []authz.Tag{authz.TagAdmin, authz.TagManager}}, idsHandler(c.Pause))
	reg.Handle(authz.Method{Name: prefix + "jobResume", Tags: []authz.Tag{authz.TagAdmin, authz.TagManager}}, idsHandler(c.Resume))

	// jobCancel/jobRestart default in opposite directions (spec.md's own
	// conformance test 5 relies on jobCancel's dependents defaulting to
	// true): cancelling a job is assumed to cancel the work downstream of
	// it unless told otherwise, while restarting a job is assumed to also
	// restart whatever it depends on, since a restarted job usually needs
	// its inputs restarted too.
	reg.Handle(authz.Method{Name: prefix + "jobCancel", Tags: []authz.Tag{authz.TagAdmin, authz.TagManager}},
		cascadeHandler(c.Cancel, scheduler.CascadeOptions{Antecedents: false, Dependents: true}))
	reg.Handle(authz.Method{Name: prefix + "jobRestart", Tags: []authz.Tag{authz.TagAdmin, authz.TagManager}},
		cascadeHandler(c.Restart, scheduler.CascadeOptions{Antecedents: true, Dependents: false}))

	reg.Handle(authz.Method{Name: prefix + "jobRemove", Tags: []authz.Tag{authz.TagAdmin, authz.TagManager}}, idsHandler(c.Remove))
}

// shutdownAsNull rewrites a shutdown-in-progress error into the wire signal
// §7 calls for: a successful response whose result is JSON null, distinct
// from an ordinary false, rather than an RPC error indistinguishable from
// any other failure.
func shutdownAsNull(ok bool, err error) (interface{}, error) {
	if errors.Is(err, scheduler.ErrShutdown) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ok, nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func idsHandler(fn func(ctx context.Context, ids []string) (bool, error)) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			IDs []string `json:"ids"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return fn(ctx, p.IDs)
	}
}

// cascadeHandler decodes the wire params shared by jobCancel/jobRestart,
// applying def wherever the caller omitted a flag entirely rather than
// sending it false -- mirroring the *bool/CancelRepeats pattern jobSave
// already uses to tell "omitted" from "explicitly false".
func cascadeHandler(fn func(ctx context.Context, ids []string, opts scheduler.CascadeOptions) (bool, error), def scheduler.CascadeOptions) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			IDs         []string `json:"ids"`
			Antecedents *bool    `json:"antecedents"`
			Dependents  *bool    `json:"dependents"`
		}
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		opts := def
		if p.Antecedents != nil {
			opts.Antecedents = *p.Antecedents
		}
		if p.Dependents != nil {
			opts.Dependents = *p.Dependents
		}
		return fn(ctx, p.IDs, opts)
	}
}
