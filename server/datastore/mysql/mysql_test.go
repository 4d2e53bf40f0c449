package mysql

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/server/datastore"
	"github.com/taskrelay/taskrelay/server/queue"
)

func mockDatastore(t *testing.T) (sqlmock.Sqlmock, *Datastore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	ds := &Datastore{db: sqlx.NewDb(db, "sqlmock")}
	t.Cleanup(func() { ds.Close() })
	return mock, ds
}

func TestMigrateRunsBothSchemas(t *testing.T) {
	mock, ds := mockDatastore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS locks").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, ds.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMintsIDWhenEmpty(t *testing.T) {
	mock, ds := mockDatastore(t)

	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(1, 1))

	job := &queue.Job{Type: "echo", Status: queue.StatusWaiting, Data: []byte("{}")}
	id, err := ds.Insert(context.Background(), job)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, id, job.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindAndModifyReturnsNilOnLostCAS(t *testing.T) {
	mock, ds := mockDatastore(t)

	now := time.Now().UTC()
	cols := []string{
		"id", "type", "data", "status", "run_id", "priority", "after_at", "updated_at",
		"depends", "resolved", "retries", "retried", "retry_wait",
		"repeats", "repeated", "repeat_wait", "progress", "log", "result", "created_at",
	}
	mock.ExpectQuery("SELECT \\* FROM jobs WHERE id = \\?").
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"j1", "echo", []byte("{}"), "running", "r1", 0, now, now,
			[]byte("[]"), []byte("[]"), 0, 0, 0, 0, 0, 0, []byte("{}"), []byte("[]"), nil, now,
		))
	mock.ExpectExec("UPDATE jobs SET status = \\? WHERE id = \\? AND status = \\?").
		WillReturnResult(sqlmock.NewResult(0, 0))

	status := queue.StatusCompleted
	got, err := ds.FindAndModify(context.Background(), "j1", queue.StatusWaiting, "", datastore.Patch{Status: &status})
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveDeletesByID(t *testing.T) {
	mock, ds := mockDatastore(t)

	mock.ExpectExec("DELETE FROM jobs WHERE id = \\?").
		WithArgs("j1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ds.Remove(context.Background(), "j1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
