package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/taskrelay/taskrelay/server/authz"
	"github.com/taskrelay/taskrelay/server/ctxerr"
	"github.com/taskrelay/taskrelay/server/identity"
)

// ErrUnauthorized is returned by Dispatch when the gate rejects a call; it
// carries no detail beyond "not authorised" per §7's "vague to the client"
// shape.
var ErrUnauthorized = errors.New("not authorised")

// ErrUnknownMethod is returned when no handler is registered under the
// requested qualified method name.
var ErrUnknownMethod = errors.New("unknown method")

// ErrSinkAlreadyInstalled is returned by SetSink on a second call; the log
// stream sink may be installed at most once per startup cycle (§6.2).
var ErrSinkAlreadyInstalled = errors.New("log stream sink already installed")

// Dispatcher resolves a qualified method name to a handler, runs it past
// the Permission Gate, and appends a dispatch/result line to the
// installed sink (if any).
type Dispatcher struct {
	registry *Registry
	gate     *authz.Gate
	logger   log.Logger

	mu   sync.Mutex
	sink io.Writer
}

// New builds a Dispatcher evaluating calls against gate and logging
// through logger.
func New(registry *Registry, gate *authz.Gate, logger log.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, gate: gate, logger: logger}
}

// SetSink installs the opaque log-stream sink described by §6.2. It fails
// if a sink has already been installed this startup cycle.
func (d *Dispatcher) SetSink(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sink != nil {
		return ErrSinkAlreadyInstalled
	}
	d.sink = w
	return nil
}

func (d *Dispatcher) writeLine(line string) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink == nil {
		return
	}
	if _, err := sink.Write([]byte(line + "\n")); err != nil {
		level.Error(d.logger).Log("msg", "log stream sink write", "err", err)
	}
}

// Dispatch resolves callerID from ctx (set by the identity middleware for
// HTTP calls, or by identity.WithCallerID for in-process server calls),
// authorises the call, invokes the handler, and returns its JSON-encoded
// result.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	callerID := identity.FromContext(ctx)
	if callerID == "" {
		callerID = "$anonymous"
	}

	reg, ok := d.registry.lookup(method)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	d.writeLine(fmt.Sprintf("%s, %s, %s, params: %s", ts, callerID, method, string(params)))

	if !d.gate.Authorize(callerID, reg.method, params) {
		d.writeLine(fmt.Sprintf("%s, %s, %s, UNAUTHORIZED.", ts, callerID, method))
		level.Info(d.logger).Log("msg", "rejected", "caller", callerID, "method", method)
		return nil, ErrUnauthorized
	}

	result, err := reg.handler(ctx, params)
	if err != nil {
		err = ctxerr.Handle(ctx, err)
		d.writeLine(fmt.Sprintf("%s, %s, %s, error: %s", ts, callerID, method, err.Error()))
		level.Error(d.logger).Log("msg", "handler error", "caller", callerID, "method", method, "err", err)
		return nil, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result of %s: %w", method, err)
	}
	d.writeLine(fmt.Sprintf("%s, %s, %s, result: %s", ts, callerID, method, string(encoded)))
	return encoded, nil
}

// CallAsServer invokes method in-process, bypassing the HTTP layer and the
// gate entirely via the sentinel server identity (§6.1).
func (d *Dispatcher) CallAsServer(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return d.Dispatch(identity.WithCallerID(ctx, authz.ServerCallerID), method, params)
}
