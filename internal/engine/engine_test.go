package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specforge/specforge/internal/schema"
	"github.com/specforge/specforge/internal/views"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// a single connection keeps the in-memory database alive
	eng.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", "dsn")
	require.Error(t, err)
}

func TestWithTransaction_CommitsOnSuccess(t *testing.T) {
	eng := openTestEngine(t)
	_, err := eng.DB().Exec("CREATE TABLE t (n INTEGER)")
	require.NoError(t, err)

	err = eng.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO t (n) VALUES (1)")
		return err
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, eng.DB().QueryRow("SELECT COUNT(*) FROM t").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	eng := openTestEngine(t)
	_, err := eng.DB().Exec("CREATE TABLE t (n INTEGER)")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = eng.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO t (n) VALUES (1)"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, eng.DB().QueryRow("SELECT COUNT(*) FROM t").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestWithTransaction_RollsBackOnPanic(t *testing.T) {
	eng := openTestEngine(t)
	_, err := eng.DB().Exec("CREATE TABLE t (n INTEGER)")
	require.NoError(t, err)

	assert.Panics(t, func() {
		_ = eng.WithTransaction(context.Background(), func(tx *sql.Tx) error {
			_, _ = tx.Exec("INSERT INTO t (n) VALUES (1)")
			panic("boom")
		})
	})

	var n int
	require.NoError(t, eng.DB().QueryRow("SELECT COUNT(*) FROM t").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestWithRetry_RetriesLockErrors(t *testing.T) {
	eng := openTestEngine(t)

	attempts := 0
	err := eng.WithRetry(context.Background(), func(tx *sql.Tx) error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	}, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_DoesNotRetryBusinessErrors(t *testing.T) {
	eng := openTestEngine(t)

	attempts := 0
	boom := errors.New("validation failed")
	err := eng.WithRetry(context.Background(), func(tx *sql.Tx) error {
		attempts++
		return boom
	}, 5)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	eng := openTestEngine(t)

	attempts := 0
	err := eng.WithRetry(context.Background(), func(tx *sql.Tx) error {
		attempts++
		return errors.New("deadlock found when trying to get lock")
	}, 2)
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Contains(t, err.Error(), "after 2 retries")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("Deadlock found")))
	assert.True(t, isRetryable(errors.New("Lock wait timeout exceeded")))
	assert.True(t, isRetryable(errors.New("database is locked")))
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(context.DeadlineExceeded))
	assert.False(t, isRetryable(errors.New("syntax error")))
}

func TestCreateEntityTables(t *testing.T) {
	eng := openTestEngine(t)

	catalog, err := schema.NewCatalog([]*schema.Entity{
		{
			Name: "company",
			Columns: []schema.Column{
				{Name: "name", Type: "text"},
			},
		},
		{
			Name: "contact",
			Columns: []schema.Column{
				{Name: "name", Type: "text"},
				{Name: "score", Type: "integer"},
			},
			Versioned:  true,
			References: map[string]string{"company": "company"},
		},
	})
	require.NoError(t, err)

	graph, err := views.NewGraph([]*views.View{
		{Name: "tv_company", Entity: "company"},
		{Name: "tv_contact", Entity: "contact", Embeds: []string{"tv_company"}},
	})
	require.NoError(t, err)

	require.NoError(t, eng.CreateEntityTables(context.Background(), catalog, graph))

	// version defaults to 1, fk and audit columns exist
	_, err = eng.DB().Exec(
		`INSERT INTO tb_contact (id, identifier, name, score, fk_company, created_at, created_by, updated_at, updated_by)
		 VALUES ('c-1', 'dana', 'Dana', 10, NULL, '2026-01-01', 'seed', '2026-01-01', 'seed')`)
	require.NoError(t, err)

	var version int64
	require.NoError(t, eng.DB().QueryRow("SELECT version FROM tb_contact WHERE id = 'c-1'").Scan(&version))
	assert.Equal(t, int64(1), version)

	_, err = eng.DB().Exec(
		"INSERT INTO tv_contact (pk_contact, id, identifier, name, score, company_data, refreshed_at) VALUES (1, 'c-1', 'dana', 'Dana', 10, NULL, '2026-01-01')")
	require.NoError(t, err)
}
