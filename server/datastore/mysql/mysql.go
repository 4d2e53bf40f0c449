// Package mysql is the MySQL-backed implementation of datastore.Store
// (§4.5), reached through database/sql and jmoiron/sqlx the same way the
// teacher's job queue reaches MySQL: plain parameterized SQL, no ORM.
//
// MySQL has no native findAndModify. FindAndModify is therefore composed
// from a SELECT of the current row followed by an UPDATE whose WHERE clause
// encodes the actual compare-and-swap (status, and optionally run_id, must
// match) -- the UPDATE's RowsAffected is what tells the caller whether the
// CAS was won, and the earlier SELECT supplies the pre-update document.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/taskrelay/taskrelay/server/datastore"
	"github.com/taskrelay/taskrelay/server/queue"
)

// Datastore implements datastore.Store against a MySQL database.
type Datastore struct {
	db *sqlx.DB
}

// New opens a connection pool against dsn and returns a ready Datastore.
// It does not run migrations; call Migrate explicitly during startup.
func New(dsn string) (*Datastore, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping mysql")
	}
	return &Datastore{db: db}, nil
}

// NewFromDB wraps an already-open handle, used by tests against a
// sqlmock-backed *sql.DB.
func NewFromDB(db *sql.DB) *Datastore {
	return &Datastore{db: sqlx.NewDb(db, "mysql")}
}

// DB returns the underlying connection pool, so a MySQLLocker can share it
// instead of opening a second pool against the same database.
func (d *Datastore) DB() *sqlx.DB {
	return d.db
}

func (d *Datastore) Close() error {
	return d.db.Close()
}

// schema is applied by Migrate. depends/resolved/log/progress/result are
// JSON columns: they are variable-length structured data the relational
// schema has no need to index into, so there is no benefit to normalizing
// them into sidecar tables.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           VARCHAR(36) PRIMARY KEY,
	type         VARCHAR(255) NOT NULL,
	data         JSON NOT NULL,
	status       VARCHAR(16) NOT NULL,
	run_id       VARCHAR(36) NULL,
	priority     INT NOT NULL DEFAULT 0,
	after_at     DATETIME(3) NOT NULL,
	updated_at   DATETIME(3) NOT NULL,
	depends      JSON NOT NULL,
	resolved     JSON NOT NULL,
	retries      BIGINT NOT NULL DEFAULT 0,
	retried      BIGINT NOT NULL DEFAULT 0,
	retry_wait   BIGINT NOT NULL DEFAULT 0,
	repeats      BIGINT NOT NULL DEFAULT 0,
	repeated     BIGINT NOT NULL DEFAULT 0,
	repeat_wait  BIGINT NOT NULL DEFAULT 0,
	progress     JSON NOT NULL,
	log          JSON NOT NULL,
	result       JSON NULL,
	created_at   DATETIME(3) NOT NULL,
	INDEX idx_jobs_status_type (status, type),
	INDEX idx_jobs_status_after (status, after_at)
)
`

const locksSchema = `
CREATE TABLE IF NOT EXISTS locks (
	name       VARCHAR(255) PRIMARY KEY,
	owner      VARCHAR(255) NOT NULL,
	expires_at DATETIME(3) NOT NULL
)
`

// Migrate creates the jobs and locks tables if they do not already exist.
func (d *Datastore) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create jobs table")
	}
	if _, err := d.db.ExecContext(ctx, locksSchema); err != nil {
		return errors.Wrap(err, "create locks table")
	}
	return nil
}

// row is the wire shape sqlx binds against; JSON columns are carried as
// raw bytes and marshaled/unmarshaled explicitly rather than through a
// generic ORM.
type row struct {
	ID         string         `db:"id"`
	Type       string         `db:"type"`
	Data       []byte         `db:"data"`
	Status     string         `db:"status"`
	RunID      sql.NullString `db:"run_id"`
	Priority   int            `db:"priority"`
	After      time.Time      `db:"after_at"`
	Updated    time.Time      `db:"updated_at"`
	Depends    []byte         `db:"depends"`
	Resolved   []byte         `db:"resolved"`
	Retries    int64          `db:"retries"`
	Retried    int64          `db:"retried"`
	RetryWait  int64          `db:"retry_wait"`
	Repeats    int64          `db:"repeats"`
	Repeated   int64          `db:"repeated"`
	RepeatWait int64          `db:"repeat_wait"`
	Progress   []byte         `db:"progress"`
	Log        []byte         `db:"log"`
	Result     []byte         `db:"result"`
	CreatedAt  time.Time      `db:"created_at"`
}

func toRow(j *queue.Job) (*row, error) {
	depends, err := json.Marshal(j.Depends)
	if err != nil {
		return nil, err
	}
	resolved, err := json.Marshal(j.Resolved)
	if err != nil {
		return nil, err
	}
	progress, err := json.Marshal(j.Progress)
	if err != nil {
		return nil, err
	}
	logJSON, err := json.Marshal(j.Log)
	if err != nil {
		return nil, err
	}
	r := &row{
		ID:         j.ID,
		Type:       j.Type,
		Data:       []byte(j.Data),
		Status:     string(j.Status),
		Priority:   int(j.Priority),
		After:      j.After,
		Updated:    j.Updated,
		Depends:    depends,
		Resolved:   resolved,
		Retries:    j.Retries,
		Retried:    j.Retried,
		RetryWait:  j.RetryWait,
		Repeats:    j.Repeats,
		Repeated:   j.Repeated,
		RepeatWait: j.RepeatWait,
		Progress:   progress,
		Log:        logJSON,
		Result:     []byte(j.Result),
		CreatedAt:  j.CreatedAt,
	}
	if j.RunID != nil {
		r.RunID = sql.NullString{String: *j.RunID, Valid: true}
	}
	return r, nil
}

func fromRow(r *row) (*queue.Job, error) {
	j := &queue.Job{
		ID:         r.ID,
		Type:       r.Type,
		Data:       json.RawMessage(r.Data),
		Status:     queue.Status(r.Status),
		Priority:   queue.Priority(r.Priority),
		After:      r.After,
		Updated:    r.Updated,
		Retries:    r.Retries,
		Retried:    r.Retried,
		RetryWait:  r.RetryWait,
		Repeats:    r.Repeats,
		Repeated:   r.Repeated,
		RepeatWait: r.RepeatWait,
		Result:     json.RawMessage(r.Result),
		CreatedAt:  r.CreatedAt,
	}
	if r.RunID.Valid {
		id := r.RunID.String
		j.RunID = &id
	}
	if err := json.Unmarshal(r.Depends, &j.Depends); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.Resolved, &j.Resolved); err != nil {
		return nil, err
	}
	if len(r.Progress) > 0 {
		if err := json.Unmarshal(r.Progress, &j.Progress); err != nil {
			return nil, err
		}
	}
	if len(r.Log) > 0 {
		if err := json.Unmarshal(r.Log, &j.Log); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (d *Datastore) Insert(ctx context.Context, job *queue.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	r, err := toRow(job)
	if err != nil {
		return "", errors.Wrap(err, "marshal job")
	}

	_, err = d.db.NamedExecContext(ctx, `
INSERT INTO jobs (
	id, type, data, status, run_id, priority, after_at, updated_at,
	depends, resolved, retries, retried, retry_wait,
	repeats, repeated, repeat_wait, progress, log, result, created_at
) VALUES (
	:id, :type, :data, :status, :run_id, :priority, :after_at, :updated_at,
	:depends, :resolved, :retries, :retried, :retry_wait,
	:repeats, :repeated, :repeat_wait, :progress, :log, :result, :created_at
)`, r)
	if err != nil {
		return "", errors.Wrap(err, "insert job")
	}
	return job.ID, nil
}

func (d *Datastore) FindOne(ctx context.Context, q datastore.Query) (*queue.Job, error) {
	q.Limit = 1
	jobs, err := d.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, datastore.ErrNotFound
	}
	return jobs[0], nil
}

func (d *Datastore) Find(ctx context.Context, q datastore.Query) ([]*queue.Job, error) {
	where, args := buildWhere(q)
	sqlStr := "SELECT * FROM jobs"
	if where != "" {
		sqlStr += " WHERE " + where
	}
	if q.Ordered {
		sqlStr += " ORDER BY priority ASC, after_at ASC, updated_at ASC"
	}
	if q.Limit > 0 {
		sqlStr += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	var rows []row
	if err := d.db.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, errors.Wrap(err, "select jobs")
	}

	out := make([]*queue.Job, 0, len(rows))
	for i := range rows {
		j, err := fromRow(&rows[i])
		if err != nil {
			return nil, errors.Wrap(err, "unmarshal job")
		}
		out = append(out, j)
	}
	return out, nil
}

func buildWhere(q datastore.Query) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if q.ID != "" {
		clauses = append(clauses, "id = ?")
		args = append(args, q.ID)
	}
	if len(q.IDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(q.IDs))+")")
		args = append(args, toArgs(q.IDs)...)
	}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	if len(q.StatusIn) > 0 {
		strs := make([]string, len(q.StatusIn))
		for i, s := range q.StatusIn {
			strs[i] = string(s)
		}
		clauses = append(clauses, "status IN ("+placeholders(len(strs))+")")
		args = append(args, toArgs(strs)...)
	}
	if q.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, q.Type)
	}
	if len(q.TypeIn) > 0 {
		clauses = append(clauses, "type IN ("+placeholders(len(q.TypeIn))+")")
		args = append(args, toArgs(q.TypeIn)...)
	}
	if q.RunID != "" {
		clauses = append(clauses, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.AfterLTE != nil {
		clauses = append(clauses, "after_at <= ?")
		args = append(args, *q.AfterLTE)
	}
	if q.DependsEmpty != nil {
		if *q.DependsEmpty {
			clauses = append(clauses, "JSON_LENGTH(depends) = 0")
		} else {
			clauses = append(clauses, "JSON_LENGTH(depends) > 0")
		}
	}
	if q.DependsContains != "" {
		clauses = append(clauses, "JSON_CONTAINS(depends, JSON_QUOTE(?))")
		args = append(args, q.DependsContains)
	}
	if q.RepeatsForever != nil {
		if *q.RepeatsForever {
			clauses = append(clauses, "repeats = ?")
			args = append(args, queue.Forever)
		} else {
			clauses = append(clauses, "repeats != ?")
			args = append(args, queue.Forever)
		}
	}

	return strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "?"
	}
	return strings.Join(ph, ", ")
}

func toArgs(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (d *Datastore) Update(ctx context.Context, q datastore.Query, patch datastore.Patch) (int64, error) {
	set, setArgs, err := buildSet(patch)
	if err != nil {
		return 0, err
	}
	if set == "" {
		return 0, nil
	}
	where, whereArgs := buildWhere(q)
	sqlStr := "UPDATE jobs SET " + set
	if where != "" {
		sqlStr += " WHERE " + where
	}

	res, err := d.db.ExecContext(ctx, sqlStr, append(setArgs, whereArgs...)...)
	if err != nil {
		return 0, errors.Wrap(err, "update jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return n, nil
}

// buildSet renders a Patch as a SET clause. AppendLog is expressed with
// JSON_ARRAY_APPEND so the append happens server-side and stays atomic with
// the rest of the same UPDATE.
func buildSet(patch datastore.Patch) (string, []interface{}, error) {
	var sets []string
	var args []interface{}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ClearRunID {
		sets = append(sets, "run_id = NULL")
	} else if patch.SetRunID != nil {
		sets = append(sets, "run_id = ?")
		args = append(args, *patch.SetRunID)
	}
	if patch.After != nil {
		sets = append(sets, "after_at = ?")
		args = append(args, *patch.After)
	}
	if patch.Updated != nil {
		sets = append(sets, "updated_at = ?")
		args = append(args, *patch.Updated)
	}
	if patch.Retries != nil {
		sets = append(sets, "retries = ?")
		args = append(args, *patch.Retries)
	}
	if patch.Retried != nil {
		sets = append(sets, "retried = ?")
		args = append(args, *patch.Retried)
	}
	if patch.RetryWait != nil {
		sets = append(sets, "retry_wait = ?")
		args = append(args, *patch.RetryWait)
	}
	if patch.Repeats != nil {
		sets = append(sets, "repeats = ?")
		args = append(args, *patch.Repeats)
	}
	if patch.Repeated != nil {
		sets = append(sets, "repeated = ?")
		args = append(args, *patch.Repeated)
	}
	if patch.RepeatWait != nil {
		sets = append(sets, "repeat_wait = ?")
		args = append(args, *patch.RepeatWait)
	}
	if patch.Depends != nil {
		b, err := json.Marshal(*patch.Depends)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, "depends = ?")
		args = append(args, b)
	}
	if patch.Resolved != nil {
		b, err := json.Marshal(*patch.Resolved)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, "resolved = ?")
		args = append(args, b)
	}
	if patch.Progress != nil {
		b, err := json.Marshal(*patch.Progress)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, "progress = ?")
		args = append(args, b)
	}
	if patch.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *patch.Result)
	}
	if patch.AppendLog != nil {
		b, err := json.Marshal(*patch.AppendLog)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, "log = JSON_ARRAY_APPEND(log, '$', CAST(? AS JSON))")
		args = append(args, b)
	}
	if patch.ReplaceLog != nil {
		b, err := json.Marshal(*patch.ReplaceLog)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, "log = ?")
		args = append(args, b)
	}

	return strings.Join(sets, ", "), args, nil
}

// FindAndModify composes MySQL's missing native findAndModify from a
// SELECT of the current row followed by an UPDATE guarded by the CAS
// predicate (status, and optionally run_id). The UPDATE's RowsAffected is
// the actual compare-and-swap result: when it is zero (or the row does not
// exist) FindAndModify returns nil, otherwise it returns the document as
// the SELECT read it, before the update.
func (d *Datastore) FindAndModify(ctx context.Context, id string, expectedStatus queue.Status, runID string, patch datastore.Patch) (*queue.Job, error) {
	previous, err := d.FindOne(ctx, datastore.Query{ID: id})
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	q := datastore.Query{ID: id, Status: expectedStatus}
	if runID != "" {
		q.RunID = runID
	}
	n, err := d.Update(ctx, q, patch)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return previous, nil
}

func (d *Datastore) Remove(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "remove job")
	}
	return nil
}
