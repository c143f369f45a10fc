package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specforge/specforge/internal/compiler"
	"github.com/specforge/specforge/internal/engine"
	"github.com/specforge/specforge/internal/schema"
	"github.com/specforge/specforge/internal/views"
)

func newCoalescerRig(t *testing.T) (*Coalescer, *engine.Engine) {
	t.Helper()

	catalog, err := schema.NewCatalog([]*schema.Entity{
		{
			Name: "product",
			Columns: []schema.Column{
				{Name: "name", Type: "text"},
				{Name: "price", Type: "decimal"},
			},
			IdentifierSource: "name",
		},
	})
	require.NoError(t, err)

	graph, err := views.NewGraph([]*views.View{
		{Name: "tv_product", Entity: "product"},
	})
	require.NoError(t, err)

	eng, err := engine.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// a single connection keeps the in-memory database alive
	eng.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { eng.Close() })

	require.NoError(t, eng.CreateEntityTables(context.Background(), catalog, graph))

	cctx := compiler.NewContext(catalog, graph)
	return NewCoalescer(eng, cctx), eng
}

func seedProduct(t *testing.T, eng *engine.Engine, extID, identifier, name string, price float64) int64 {
	t.Helper()
	res, err := eng.DB().Exec(
		`INSERT INTO tb_product (id, identifier, tenant_id, name, price,
		  created_at, created_by, updated_at, updated_by)
		 VALUES (?, ?, 1, ?, ?, '2026-01-01 00:00:00', 'seed', '2026-01-01 00:00:00', 'seed')`,
		extID, identifier, name, price)
	require.NoError(t, err)
	pk, err := res.LastInsertId()
	require.NoError(t, err)
	return pk
}

func countViewRows(t *testing.T, eng *engine.Engine) int {
	t.Helper()
	var n int
	require.NoError(t, eng.DB().QueryRow("SELECT COUNT(*) FROM tv_product").Scan(&n))
	return n
}

func TestFlush_RefreshesDeferredRows(t *testing.T) {
	co, eng := newCoalescerRig(t)

	pk1 := seedProduct(t, eng, "p-1", "widget", "Widget", 9.99)
	pk2 := seedProduct(t, eng, "p-2", "gadget", "Gadget", 19.99)

	co.Defer("tv_product", pk1)
	co.Defer("tv_product", pk2)
	co.Defer("tv_product", pk1) // duplicate coalesces
	assert.Equal(t, 2, co.Pending())

	require.NoError(t, co.Flush(context.Background()))
	assert.Equal(t, 0, co.Pending())
	assert.Equal(t, 2, countViewRows(t, eng))

	var name string
	require.NoError(t, eng.DB().QueryRow(
		"SELECT name FROM tv_product WHERE pk_product = ?", pk1).Scan(&name))
	assert.Equal(t, "Widget", name)
}

func TestFlush_EmptyIsNoop(t *testing.T) {
	co, _ := newCoalescerRig(t)
	require.NoError(t, co.Flush(context.Background()))
}

func TestFlush_RemovesSoftDeletedRow(t *testing.T) {
	co, eng := newCoalescerRig(t)

	pk := seedProduct(t, eng, "p-1", "widget", "Widget", 9.99)
	co.Defer("tv_product", pk)
	require.NoError(t, co.Flush(context.Background()))
	assert.Equal(t, 1, countViewRows(t, eng))

	_, err := eng.DB().Exec(
		"UPDATE tb_product SET deleted_at = '2026-01-02 00:00:00', deleted_by = 'seed' WHERE pk_product = ?", pk)
	require.NoError(t, err)

	co.Defer("tv_product", pk)
	require.NoError(t, co.Flush(context.Background()))
	assert.Equal(t, 0, countViewRows(t, eng))
}

func TestFlush_FailureRequeues(t *testing.T) {
	co, eng := newCoalescerRig(t)

	pk := seedProduct(t, eng, "p-1", "widget", "Widget", 9.99)
	co.Defer("tv_product", pk)

	// Dropping the projection table makes the flush fail mid-way.
	_, err := eng.DB().Exec("DROP TABLE tv_product")
	require.NoError(t, err)

	require.Error(t, co.Flush(context.Background()))
	assert.Equal(t, 1, co.Pending())
}

func TestStartStop_FlushesOnSchedule(t *testing.T) {
	co, eng := newCoalescerRig(t)

	pk := seedProduct(t, eng, "p-1", "widget", "Widget", 9.99)
	co.Defer("tv_product", pk)

	require.NoError(t, co.Start(50 * time.Millisecond))
	defer co.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if co.Pending() == 0 && countViewRows(t, eng) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("scheduled flush never ran")
}

func TestStop_DrainsPending(t *testing.T) {
	co, eng := newCoalescerRig(t)

	pk := seedProduct(t, eng, "p-1", "widget", "Widget", 9.99)
	require.NoError(t, co.Start(time.Hour))
	co.Defer("tv_product", pk)

	co.Stop()
	assert.Equal(t, 0, co.Pending())
	assert.Equal(t, 1, countViewRows(t, eng))
}
