// Package ctxerr centralizes error annotation: New/Wrap/Wrapf attach
// message context close to the call site, the first frame in any given
// chain captures an eris stack trace, and Handle -- called once the error
// has bubbled to the RPC boundary -- hands it to the configured
// errorstore.Handler for operator troubleshooting without leaking
// internals to the caller.
package ctxerr

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rotisserie/eris"

	"github.com/taskrelay/taskrelay/server/errorstore"
)

type key int

const handlerKey key = 0

// NewContext returns a context carrying eh, so Handle can later reach it.
func NewContext(ctx context.Context, eh *errorstore.Handler) context.Context {
	return context.WithValue(ctx, handlerKey, eh)
}

func fromContext(ctx context.Context) *errorstore.Handler {
	eh, _ := ctx.Value(handlerKey).(*errorstore.Handler)
	return eh
}

// New creates a new error, tagging it with a stack trace if none is yet
// present in its chain.
func New(ctx context.Context, message string) error {
	return ensureStack(errors.New(message))
}

// Wrap annotates err with message. It never re-captures a stack trace
// (eris.Wrap is only used at the point closest to the original failure),
// it only adds message context as the error bubbles up.
func Wrap(ctx context.Context, err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(ensureStack(err), message)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(ctx context.Context, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(ensureStack(err), format, args...)
}

// Handle passes err to the context's error store, if one was installed,
// and returns err unchanged so call sites can `return ctxerr.Handle(ctx, err)`.
func Handle(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if eh := fromContext(ctx); eh != nil {
		return eh.Store(ctx, err)
	}
	return err
}

func ensureStack(err error) error {
	var sf interface{ StackFrames() []uintptr }
	if err != nil && !errors.As(err, &sf) {
		return eris.Wrapf(err, "at %s", time.Now().UTC().Format(time.RFC3339Nano))
	}
	return err
}
