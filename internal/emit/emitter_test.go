package emit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specforge/specforge/internal/ast"
	"github.com/specforge/specforge/internal/compiler"
	"github.com/specforge/specforge/internal/schema"
	"github.com/specforge/specforge/internal/views"
)

func testEmitter(t *testing.T) (*Emitter, *compiler.Compiler, *compiler.Context) {
	t.Helper()

	catalog, err := schema.NewCatalog([]*schema.Entity{
		{
			Name: "contact",
			Columns: []schema.Column{
				{Name: "name", Type: "text"},
				{Name: "status", Type: "text"},
				{Name: "score", Type: "integer"},
			},
			IdentifierSource: "name",
			Versioned:        true,
		},
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
		{Name: "tv_contact", Entity: "contact"},
		{Name: "tv_product", Entity: "product"},
	})
	require.NoError(t, err)

	ctx := compiler.NewContext(catalog, graph)
	return New(catalog, graph), compiler.New(ctx), ctx
}

func qualifyLeadSpec() *ast.ActionSpec {
	return &ast.ActionSpec{
		Name:   "qualify_lead",
		Entity: "contact",
		Steps: []ast.Step{
			{Kind: ast.StepValidate, Validate: &ast.ValidateStep{
				Expression: `status != "qualified"`,
				Field:      "status",
				Message:    "lead is already qualified",
			}},
			{Kind: ast.StepWrite, Write: &ast.WriteStep{
				Kind:   ast.WriteUpdate,
				Entity: "contact",
				Set:    map[string]string{"status": "qualified"},
			}},
		},
		Impact: ast.ImpactDeclaration{
			Writes: []string{"tb_contact"},
			Reads:  []string{"tb_contact"},
			Views:  []string{"tv_contact"},
		},
	}
}

func bulkUpdatePricesSpec() *ast.ActionSpec {
	return &ast.ActionSpec{
		Name:   "bulk_update_prices",
		Entity: "product",
		Batch:  true,
		Steps: []ast.Step{
			{Kind: ast.StepLoop, Loop: &ast.LoopStep{
				Source: "items",
				Steps: []ast.Step{
					{Kind: ast.StepValidate, Validate: &ast.ValidateStep{
						Expression: `item.price > 0`,
						ErrorCode:  "invalid_price",
						Field:      "price",
						Message:    "price must be positive",
					}},
					{Kind: ast.StepWrite, Write: &ast.WriteStep{
						Kind:   ast.WriteUpdate,
						Entity: "product",
						Set:    map[string]string{"price": "@item.price"},
					}},
				},
			}},
		},
		Impact: ast.ImpactDeclaration{
			Writes: []string{"tb_product"},
			Reads:  []string{"tb_product"},
			Views:  []string{"tv_product"},
		},
	}
}

func compileAll(t *testing.T, c *compiler.Compiler, specs ...*ast.ActionSpec) []*compiler.Procedure {
	t.Helper()
	procs := make([]*compiler.Procedure, 0, len(specs))
	for _, s := range specs {
		p, err := c.Compile(s)
		require.NoError(t, err)
		procs = append(procs, p)
	}
	require.NoError(t, c.Finalize())
	return procs
}

func TestEmit_QualifyLeadGolden(t *testing.T) {
	e, c, _ := testEmitter(t)
	procs := compileAll(t, c, qualifyLeadSpec())

	a, err := e.Emit(procs[0])
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "qualify_lead", []byte(a.SQL))
	g.Assert(t, "qualify_lead_impact", a.Impact)
}

func TestEmit_Deterministic(t *testing.T) {
	e, c, _ := testEmitter(t)
	procs := compileAll(t, c, qualifyLeadSpec(), bulkUpdatePricesSpec())

	for _, p := range procs {
		first, err := e.Emit(p)
		require.NoError(t, err)
		second, err := e.Emit(p)
		require.NoError(t, err)
		assert.Equal(t, first.SQL, second.SQL, "emission must be byte-identical across runs")
		assert.Equal(t, first.Impact, second.Impact)
	}
}

func TestEmit_BatchLoopShape(t *testing.T) {
	e, c, _ := testEmitter(t)
	procs := compileAll(t, c, bulkUpdatePricesSpec())

	a, err := e.Emit(procs[0])
	require.NoError(t, err)

	assert.Contains(t, a.SQL, "IN p_items JSON")
	assert.Contains(t, a.SQL, "WHILE v_loop_idx < JSON_LENGTH(p_items) DO")
	assert.Contains(t, a.SQL, "SAVEPOINT sp_item;")
	assert.Contains(t, a.SQL, "ROLLBACK TO SAVEPOINT sp_item;")
	assert.NotContains(t, a.SQL, "RESIGNAL", "batch actions continue past item failures")
	assert.Contains(t, a.SQL, "JSON_UNQUOTE(JSON_EXTRACT(v_item, '$.price'))")
	assert.Contains(t, a.SQL, "IF NOT ((JSON_EXTRACT(v_item, '$.price') > 0)) THEN")
	assert.Contains(t, a.SQL, "CALL refresh_tv_product(v_item_pk);")
}

func TestEmit_AtomicLoopResignals(t *testing.T) {
	e, c, _ := testEmitter(t)
	spec := bulkUpdatePricesSpec()
	spec.Name = "update_prices_atomic"
	spec.Batch = false
	cont := false
	spec.Steps[0].Loop.ContinueOnError = &cont
	procs := compileAll(t, c, spec)

	a, err := e.Emit(procs[0])
	require.NoError(t, err)
	assert.Contains(t, a.SQL, "RESIGNAL;")
}

func TestEmit_StoredCallResultCapture(t *testing.T) {
	e, c, _ := testEmitter(t)
	caller := &ast.ActionSpec{
		Name:   "route_lead",
		Entity: "contact",
		Steps: []ast.Step{
			{Kind: ast.StepCall, Call: &ast.CallStep{
				Action:      "qualify_lead",
				Args:        map[string]string{"id": "@lead_id"},
				StoreResult: "attempt",
			}},
			{Kind: ast.StepConditional, Conditional: &ast.ConditionalStep{
				Expression: `attempt.success`,
				Then: []ast.Step{
					{Kind: ast.StepWrite, Write: &ast.WriteStep{
						Kind:   ast.WriteUpdate,
						Entity: "contact",
						Set:    map[string]string{"status": "routed"},
					}},
				},
			}},
		},
		Impact: ast.ImpactDeclaration{
			Writes: []string{"tb_contact"},
			Reads:  []string{"tb_contact"},
			Views:  []string{"tv_contact"},
		},
	}
	procs := compileAll(t, c, qualifyLeadSpec(), caller)

	a, err := e.Emit(procs[1])
	require.NoError(t, err)

	// the stored result gets its own register trio and the callee writes
	// into it instead of the caller's registers
	assert.Contains(t, a.SQL, "DECLARE v_attempt_success TINYINT(1);")
	assert.Contains(t, a.SQL, "DECLARE v_attempt_error_code VARCHAR(64);")
	assert.Contains(t, a.SQL, "DECLARE v_attempt_error_message TEXT;")
	assert.Contains(t, a.SQL,
		"CALL core_qualify_lead(p_lead_id, p_actor, p_tenant_id, v_attempt_success, v_attempt_error_code, v_attempt_error_message);")

	// a stored failure rolls the callee's writes back
	assert.Contains(t, a.SQL, "SAVEPOINT sp_call_qualify_lead;")
	assert.Contains(t, a.SQL, "ROLLBACK TO SAVEPOINT sp_call_qualify_lead;")
	assert.Contains(t, a.SQL, "RELEASE SAVEPOINT sp_call_qualify_lead;")

	// predicates over the stored result resolve to the declared registers
	assert.Contains(t, a.SQL, "IF v_attempt_success THEN")
	assert.NotContains(t, a.SQL, "p_attempt")
}

func TestWriteDir(t *testing.T) {
	e, c, _ := testEmitter(t)
	procs := compileAll(t, c, qualifyLeadSpec())

	a, err := e.Emit(procs[0])
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, e.WriteDir(dir, a))

	sqlData, err := os.ReadFile(filepath.Join(dir, "qualify_lead.sql"))
	require.NoError(t, err)
	assert.Equal(t, a.SQL, string(sqlData))

	impactData, err := os.ReadFile(filepath.Join(dir, "qualify_lead.impact.json"))
	require.NoError(t, err)
	assert.Equal(t, a.Impact, impactData)
}
