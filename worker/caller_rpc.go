package worker

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/taskrelay/taskrelay/server/queue"
)

// RPCDoer is the one method JobQueue's RPC-backed Caller needs: send a
// qualified method name and JSON params, get back a JSON result or an
// error whose message is the server's top-level error string (per the
// method table's "vague to the client" shape). A thin wrapper around
// cmd/taskrelayctl's client, or around service.Dispatcher for an
// in-process caller that still wants the RPC envelope, satisfies this.
type RPCDoer interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// RPCCaller adapts an RPCDoer to Caller for a worker process running on a
// separate host from taskrelayd, talking the jobs collection's RPC surface
// over the network. prefix is the collection's method-name prefix (e.g.
// "jobs.").
type RPCCaller struct {
	Doer   RPCDoer
	Prefix string
}

func (c RPCCaller) GetWork(ctx context.Context, types []string, maxJobs int) ([]*queue.Job, error) {
	raw, err := c.Doer.Call(ctx, c.Prefix+"getWork", map[string]interface{}{
		"types":   types,
		"maxJobs": maxJobs,
	})
	if err != nil {
		return nil, err
	}
	var jobs []*queue.Job
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c RPCCaller) Progress(ctx context.Context, id, runID string, completed, total float64) (bool, error) {
	return c.boolCall(ctx, "jobProgress", map[string]interface{}{
		"id": id, "runId": runID, "completed": completed, "total": total,
	})
}

func (c RPCCaller) Log(ctx context.Context, id, runID, message string, level queue.LogLevel) (bool, error) {
	return c.boolCall(ctx, "jobLog", map[string]interface{}{
		"id": id, "runId": runID, "message": message, "level": level,
	})
}

func (c RPCCaller) Done(ctx context.Context, id, runID string, result json.RawMessage) (bool, error) {
	return c.boolCall(ctx, "jobDone", map[string]interface{}{
		"id": id, "runId": runID, "result": result,
	})
}

func (c RPCCaller) Fail(ctx context.Context, id, runID, reason string, fatal bool) (bool, error) {
	return c.boolCall(ctx, "jobFail", map[string]interface{}{
		"id": id, "runId": runID, "err": reason, "fatal": fatal,
	})
}

func (c RPCCaller) boolCall(ctx context.Context, method string, params interface{}) (bool, error) {
	raw, err := c.Doer.Call(ctx, c.Prefix+method, params)
	if err != nil {
		return false, rpcErrorToSentinel(err)
	}
	// §7: a shutdown-in-progress result crosses the wire as a bare JSON
	// null, not as an error, specifically so it can't be confused with an
	// ordinary false; that check has to happen before Unmarshal, since
	// Unmarshal("null", &ok) leaves ok at its zero value with no error.
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return false, ErrShutdown
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// rpcErrorToSentinel recognises the run-canceled sentinel message the
// scheduler is documented to produce (§5) even once it's crossed the JSON
// error-string boundary, so an RPC-backed worker gets the same ErrCanceled
// abort signal an in-process one does. Shutdown no longer reaches here: it
// is signalled as a null result, caught above, rather than as an error.
func rpcErrorToSentinel(err error) error {
	switch err.Error() {
	case "scheduler: run canceled":
		return ErrCanceled
	default:
		return err
	}
}
