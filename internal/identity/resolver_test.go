package identity

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specforge/specforge/internal/schema"
	apperrors "github.com/specforge/specforge/pkg/errors"
)

func testCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	c, err := schema.NewCatalog([]*schema.Entity{
		{
			Name:             "contact",
			Columns:          []schema.Column{{Name: "name", Type: "text"}, {Name: "status", Type: "text"}},
			IdentifierSource: "name",
			Versioned:        true,
		},
		{
			Name:             "deal",
			Columns:          []schema.Column{{Name: "title", Type: "text"}},
			IdentifierSource: "title",
			Parent:           "contact",
		},
	})
	require.NoError(t, err)
	return c
}

func TestResolve(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pk_contact FROM tb_contact WHERE id = ? AND deleted_at IS NULL").
		WithArgs("ext-123").
		WillReturnRows(sqlmock.NewRows([]string{"pk_contact"}).AddRow(int64(42)))

	r := NewResolver(testCatalog(t))
	pk, err := r.Resolve(context.Background(), db, "contact", "ext-123")
	require.NoError(t, err)
	assert.Equal(t, int64(42), pk)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pk_contact FROM tb_contact WHERE id = ? AND deleted_at IS NULL").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"pk_contact"}))

	r := NewResolver(testCatalog(t))
	_, err = r.Resolve(context.Background(), db, "contact", "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, "NotFound", apperrors.GetErrorCode(err))
}

func TestResolve_UnknownEntity(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := NewResolver(testCatalog(t))
	_, err = r.Resolve(context.Background(), db, "widget", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "widget")
}

func TestResolveVersioned(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pk_contact, version FROM tb_contact WHERE id = ? AND deleted_at IS NULL").
		WithArgs("ext-1").
		WillReturnRows(sqlmock.NewRows([]string{"pk_contact", "version"}).AddRow(int64(7), int64(3)))

	r := NewResolver(testCatalog(t))
	pk, err := r.ResolveVersioned(context.Background(), db, "contact", "ext-1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pk)
}

func TestResolveVersioned_Conflict(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pk_contact, version FROM tb_contact WHERE id = ? AND deleted_at IS NULL").
		WithArgs("ext-1").
		WillReturnRows(sqlmock.NewRows([]string{"pk_contact", "version"}).AddRow(int64(7), int64(4)))

	r := NewResolver(testCatalog(t))
	_, err = r.ResolveVersioned(context.Background(), db, "contact", "ext-1", 3)
	require.Error(t, err)
	assert.True(t, apperrors.IsConcurrencyConflict(err))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "acme-corp", Slugify("Acme Corp"))
	assert.Equal(t, "o-brien-sons", Slugify("O'Brien & Sons"))
	assert.Equal(t, "x", Slugify("  x  "))
	assert.Equal(t, "", Slugify("!!!"))
}

func TestDeriveIdentifier(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT identifier FROM tb_contact WHERE tenant_id = ? AND deleted_at IS NULL").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"identifier"}))

	r := NewResolver(testCatalog(t))
	id, err := r.DeriveIdentifier(context.Background(), db, "contact", "Acme Corp", 1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "acme-corp", id)
}

func TestDeriveIdentifier_Collision(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT identifier FROM tb_contact WHERE tenant_id = ? AND deleted_at IS NULL").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"identifier"}).
			AddRow("acme-corp").
			AddRow("acme-corp-2"))

	r := NewResolver(testCatalog(t))
	id, err := r.DeriveIdentifier(context.Background(), db, "contact", "Acme Corp", 1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "acme-corp-3", id)
}

func TestDeriveIdentifier_ParentScoped(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT identifier FROM tb_deal WHERE tenant_id = ? AND deleted_at IS NULL AND fk_contact = ?").
		WithArgs(int64(1), int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"identifier"}).AddRow("big-deal"))

	r := NewResolver(testCatalog(t))
	parent := int64(42)
	id, err := r.DeriveIdentifier(context.Background(), db, "deal", "Big Deal", 1, &parent, nil)
	require.NoError(t, err)
	assert.Equal(t, "big-deal-2", id)
}

func TestDeriveIdentifier_ExcludesSelf(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT identifier FROM tb_contact WHERE tenant_id = ? AND deleted_at IS NULL AND pk_contact != ?").
		WithArgs(int64(1), int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"identifier"}))

	r := NewResolver(testCatalog(t))
	self := int64(9)
	id, err := r.DeriveIdentifier(context.Background(), db, "contact", "Acme Corp", 1, nil, &self)
	require.NoError(t, err)
	assert.Equal(t, "acme-corp", id)
}

func TestRecalculate_RewritesChangedIdentifier(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pk_contact, identifier, name, tenant_id FROM tb_contact WHERE id = ? AND deleted_at IS NULL").
		WithArgs("ext-1").
		WillReturnRows(sqlmock.NewRows([]string{"pk_contact", "identifier", "name", "tenant_id"}).
			AddRow(int64(9), "acme-corp", "Acme Industries", int64(1)))
	mock.ExpectQuery("SELECT identifier FROM tb_contact WHERE tenant_id = ? AND deleted_at IS NULL AND pk_contact != ?").
		WithArgs(int64(1), int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"identifier"}))
	mock.ExpectExec("UPDATE tb_contact SET identifier = ? WHERE pk_contact = ?").
		WithArgs("acme-industries", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := NewResolver(testCatalog(t))
	id, err := r.Recalculate(context.Background(), db, "contact", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "acme-industries", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecalculate_UnchangedSkipsWrite(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pk_contact, identifier, name, tenant_id FROM tb_contact WHERE id = ? AND deleted_at IS NULL").
		WithArgs("ext-1").
		WillReturnRows(sqlmock.NewRows([]string{"pk_contact", "identifier", "name", "tenant_id"}).
			AddRow(int64(9), "acme-corp", "Acme Corp", int64(1)))
	mock.ExpectQuery("SELECT identifier FROM tb_contact WHERE tenant_id = ? AND deleted_at IS NULL AND pk_contact != ?").
		WithArgs(int64(1), int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"identifier"}))

	r := NewResolver(testCatalog(t))
	id, err := r.Recalculate(context.Background(), db, "contact", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "acme-corp", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewExternalID(t *testing.T) {
	a := NewExternalID()
	b := NewExternalID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
