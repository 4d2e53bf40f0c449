package lock

import (
	"context"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

// RedisLocker implements Locker on top of Redis SET with NX/PX semantics,
// for deployments that already run Redis for other purposes and would
// rather not add a locks table to their MySQL schema. Renewal for a lock
// this owner already holds is done with a small Lua script so the
// check-owner-then-extend is itself atomic.
type RedisLocker struct {
	pool *redis.Pool
}

func NewRedisLocker(pool *redis.Pool) *RedisLocker {
	return &RedisLocker{pool: pool}
}

var renewScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

func (l *RedisLocker) Lock(ctx context.Context, name, owner string, expiration time.Duration) (bool, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return false, errors.Wrap(err, "get redis conn")
	}
	defer conn.Close()

	key := lockKey(name)
	ms := expiration.Milliseconds()

	renewed, err := redis.Int(renewScript.Do(conn, key, owner, ms))
	if err != nil {
		return false, errors.Wrap(err, "renew lock")
	}
	if renewed == 1 {
		return true, nil
	}

	reply, err := redis.String(conn.Do("SET", key, owner, "NX", "PX", ms))
	if err != nil {
		if err == redis.ErrNil {
			return false, nil
		}
		return false, errors.Wrap(err, "acquire lock")
	}
	return reply == "OK", nil
}

var unlockScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (l *RedisLocker) Unlock(ctx context.Context, name, owner string) error {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "get redis conn")
	}
	defer conn.Close()

	_, err = unlockScript.Do(conn, lockKey(name), owner)
	if err != nil {
		return errors.Wrap(err, "unlock")
	}
	return nil
}

func lockKey(name string) string {
	return "taskrelay:lock:" + name
}
