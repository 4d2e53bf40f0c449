// Package errorstore implements a Handler that stores deduplicated
// instances of errors in Redis for an operator-configurable duration, and
// a Flush method to retrieve them (clearing the store on read). It exists
// purely for troubleshooting: RPC callers never see more than the
// top-level message (§7), but an operator can pull the full annotated
// chain, including the eris stack trace, out of this store.
package errorstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	redigo "github.com/gomodule/redigo/redis"
	"github.com/rotisserie/eris"
)

// Handler stores unique error instances and clears them on Flush. It is
// safe to call its methods concurrently. When pool is nil, Store is a
// silent no-op so a deployment with no Redis configured still works,
// simply without error troubleshooting.
type Handler struct {
	pool   *redigo.Pool
	logger log.Logger
	ttl    time.Duration

	running int32
	errCh   chan error
}

// NewHandler starts a Handler backed by pool, storing unique errors for
// ttl. It stops consuming when ctx is cancelled.
func NewHandler(ctx context.Context, pool *redigo.Pool, logger log.Logger, ttl time.Duration) *Handler {
	h := &Handler{pool: pool, logger: logger, ttl: ttl, errCh: make(chan error, 1)}
	go h.run(ctx)
	return h
}

func (h *Handler) run(ctx context.Context) {
	atomic.StoreInt32(&h.running, 1)
	defer atomic.StoreInt32(&h.running, 0)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-h.errCh:
			h.storeError(err)
		}
	}
}

// Store asynchronously records err, deduplicated by its hashed root cause
// and stack location. It does not block the caller beyond a short timeout.
func (h *Handler) Store(ctx context.Context, err error) error {
	if h.pool == nil || atomic.LoadInt32(&h.running) == 0 {
		return err
	}
	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	select {
	case h.errCh <- err:
	case <-timer.C:
	case <-ctx.Done():
	}
	return err
}

func (h *Handler) storeError(err error) {
	hash, body, marshalErr := hashAndMarshalError(err)
	if marshalErr != nil {
		level.Error(h.logger).Log("msg", "hash error", "err", marshalErr)
		return
	}

	conn := h.pool.Get()
	defer conn.Close()

	secs := int(h.ttl.Seconds())
	if secs <= 0 {
		secs = 1
	}
	key := fmt.Sprintf("taskrelay:error:%s", hash)
	if _, err := conn.Do("SET", key, body, "EX", secs); err != nil {
		level.Error(h.logger).Log("msg", "store error", "err", err)
	}
}

// Flush retrieves and clears every stored error, each already JSON.
func (h *Handler) Flush() ([]string, error) {
	if h.pool == nil {
		return nil, nil
	}
	conn := h.pool.Get()
	defer conn.Close()

	keys, err := redigo.Strings(conn.Do("KEYS", "taskrelay:error:*"))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	args := redigo.Args{}.AddFlat(keys)
	values, err := redigo.Strings(conn.Do("MGET", args...))
	if err != nil {
		return nil, err
	}
	if _, err := conn.Do("DEL", args...); err != nil {
		return nil, err
	}
	return values, nil
}

func hashAndMarshalError(err error) (hash, body string, marshalErr error) {
	m := eris.ToJSON(err, true)
	b, marshalErr := json.MarshalIndent(m, "", "  ")
	if marshalErr != nil {
		return "", "", marshalErr
	}
	return hashError(err), string(b), nil
}

// hashError hashes the root cause and stack location so the same error
// raised repeatedly from the same call site dedups to one stored instance,
// while the same error type/message raised from two different call sites
// is kept distinct.
func hashError(err error) string {
	var sf interface{ StackFrames() []uintptr }
	if errors.As(err, &sf) {
		err = sf.(error)
	}

	unpacked := eris.Unpack(err)
	if unpacked.ErrExternal == nil && len(unpacked.ErrRoot.Stack) == 0 && len(unpacked.ErrChain) == 0 {
		return sha256b64(unpacked.ErrRoot.Msg)
	}

	var sb strings.Builder
	if unpacked.ErrExternal != nil {
		root := eris.Cause(unpacked.ErrExternal)
		fmt.Fprintf(&sb, "%T\n%s\n", root, root.Error())
	}
	if len(unpacked.ErrRoot.Stack) > 0 {
		for _, frame := range unpacked.ErrRoot.Stack {
			fmt.Fprintf(&sb, "%s:%d\n", frame.File, frame.Line)
		}
	} else if len(unpacked.ErrChain) > 0 {
		last := unpacked.ErrChain[0].Frame
		fmt.Fprintf(&sb, "%s:%d", last.File, last.Line)
	}
	return sha256b64(sb.String())
}

func sha256b64(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.URLEncoding.EncodeToString(sum[:])
}
