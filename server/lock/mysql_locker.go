package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// MySQLLocker implements Locker against the same MySQL connection pool the
// Record Store Adapter uses, via a small locks table: (name, owner,
// expires_at). Acquisition tries, in order, to extend a lock this owner
// already holds, to steal an expired lock, and finally to insert a fresh
// one -- the same three-statement shape the teacher's own MySQL-backed
// locker uses, since "INSERT ... ON DUPLICATE KEY" can't express "only if
// expired" cleanly.
type MySQLLocker struct {
	db *sqlx.DB
}

// NewMySQLLocker wraps db. The caller is responsible for having created the
// locks table (mysql.Datastore.Migrate does this).
func NewMySQLLocker(db *sqlx.DB) *MySQLLocker {
	return &MySQLLocker{db: db}
}

func (l *MySQLLocker) Lock(ctx context.Context, name, owner string, expiration time.Duration) (bool, error) {
	attempts := []func(context.Context, string, string, time.Duration) (sql.Result, error){
		l.extendIfAlreadyHeld,
		l.stealIfExpired,
		l.createIfAbsent,
	}

	for _, attempt := range attempts {
		res, err := attempt(ctx, name, owner, expiration)
		if err != nil {
			return false, errors.Wrap(err, "lock")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, errors.Wrap(err, "rows affected")
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (l *MySQLLocker) extendIfAlreadyHeld(ctx context.Context, name, owner string, expiration time.Duration) (sql.Result, error) {
	return l.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE name = ? AND owner = ?`,
		time.Now().Add(expiration), name, owner,
	)
}

func (l *MySQLLocker) stealIfExpired(ctx context.Context, name, owner string, expiration time.Duration) (sql.Result, error) {
	return l.db.ExecContext(ctx,
		`UPDATE locks SET owner = ?, expires_at = ? WHERE name = ? AND expires_at < ?`,
		owner, time.Now().Add(expiration), name, time.Now(),
	)
}

func (l *MySQLLocker) createIfAbsent(ctx context.Context, name, owner string, expiration time.Duration) (sql.Result, error) {
	return l.db.ExecContext(ctx,
		`INSERT IGNORE INTO locks (name, owner, expires_at) VALUES (?, ?, ?)`,
		name, owner, time.Now().Add(expiration),
	)
}

func (l *MySQLLocker) Unlock(ctx context.Context, name, owner string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return errors.Wrap(err, "unlock")
	}
	return nil
}
