package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDoer struct {
	raw json.RawMessage
	err error
}

func (d fakeDoer) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return d.raw, d.err
}

func TestRPCCallerBoolCallTranslatesNullToErrShutdown(t *testing.T) {
	c := RPCCaller{Doer: fakeDoer{raw: json.RawMessage("null")}, Prefix: "jobs."}

	ok, err := c.Progress(context.Background(), "j1", "run-1", 1, 2)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestRPCCallerBoolCallReturnsOrdinaryFalse(t *testing.T) {
	c := RPCCaller{Doer: fakeDoer{raw: json.RawMessage("false")}, Prefix: "jobs."}

	ok, err := c.Done(context.Background(), "j1", "run-1", nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRPCCallerBoolCallTranslatesCanceledErrorString(t *testing.T) {
	c := RPCCaller{Doer: fakeDoer{err: errors.New("scheduler: run canceled")}, Prefix: "jobs."}

	ok, err := c.Fail(context.Background(), "j1", "run-1", "oops", false)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrCanceled)
}
