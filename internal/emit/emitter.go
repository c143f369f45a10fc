// Package emit renders compiled procedures as deterministic SQL text plus
// an impact metadata sidecar. The same compiled input always produces
// byte-identical output: collections are emitted in sorted order and
// nothing in the artifact depends on time, maps, or machine state.
package emit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/specforge/specforge/internal/ast"
	"github.com/specforge/specforge/internal/compiler"
	"github.com/specforge/specforge/internal/schema"
	"github.com/specforge/specforge/internal/views"
	"github.com/specforge/specforge/pkg/expression"
)

// Emitter renders procedure artifacts in the mysql dialect
type Emitter struct {
	entities *schema.Catalog
	views    *views.Graph
}

// New creates an emitter over the compiled schema and view graph
func New(entities *schema.Catalog, graph *views.Graph) *Emitter {
	return &Emitter{entities: entities, views: graph}
}

// Artifact is one action's emitted pair: the SQL procedure text and the
// impact sidecar JSON.
type Artifact struct {
	Action string
	SQL    string
	Impact []byte
}

// param is one IN parameter of the emitted procedure pair
type param struct {
	name string
	typ  string
}

// Emit renders the api_/core_ procedure pair and impact sidecar for one
// compiled action.
func (e *Emitter) Emit(p *compiler.Procedure) (*Artifact, error) {
	spec := p.Spec()
	meta, ok := e.entities.Get(spec.Entity)
	if !ok {
		return nil, fmt.Errorf("action '%s': unknown entity '%s'", spec.Name, spec.Entity)
	}

	params, err := e.collectParams(spec, meta)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "-- Action: %s\n", spec.Name)
	fmt.Fprintf(&b, "-- Entity: %s\n", spec.Entity)
	b.WriteString("-- Generated file; regenerate instead of editing.\n\n")

	e.emitAPIProcedure(&b, spec, params)
	b.WriteString("\n")
	if err := e.emitCoreProcedure(&b, p, spec, meta, params); err != nil {
		return nil, err
	}

	impact, err := marshalImpact(spec.Name, p.Impact)
	if err != nil {
		return nil, err
	}
	return &Artifact{Action: spec.Name, SQL: b.String(), Impact: impact}, nil
}

// WriteDir writes each artifact as <action>.sql and <action>.impact.json
func (e *Emitter) WriteDir(dir string, artifacts ...*Artifact) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for _, a := range artifacts {
		sqlPath := filepath.Join(dir, a.Action+".sql")
		if err := os.WriteFile(sqlPath, []byte(a.SQL), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", sqlPath, err)
		}
		impactPath := filepath.Join(dir, a.Action+".impact.json")
		if err := os.WriteFile(impactPath, a.Impact, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", impactPath, err)
		}
	}
	return nil
}

// impactSidecar fixes the field order of the sidecar JSON
type impactSidecar struct {
	Action string   `json:"action"`
	Writes []string `json:"writes"`
	Reads  []string `json:"reads"`
	Views  []string `json:"views"`
}

func marshalImpact(action string, impact compiler.Impact) ([]byte, error) {
	sidecar := impactSidecar{
		Action: action,
		Writes: emptyNotNil(impact.Writes),
		Reads:  emptyNotNil(impact.Reads),
		Views:  emptyNotNil(impact.Views),
	}
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func emptyNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// emitAPIProcedure renders the public entry point: session setup, then
// delegation to the core procedure that holds the domain logic.
func (e *Emitter) emitAPIProcedure(b *strings.Builder, spec *ast.ActionSpec, params []param) {
	fmt.Fprintf(b, "DROP PROCEDURE IF EXISTS api_%s;\n", spec.Name)
	b.WriteString("DELIMITER //\n")
	fmt.Fprintf(b, "CREATE PROCEDURE api_%s(\n", spec.Name)
	e.emitSignature(b, params)
	b.WriteString(")\n")
	b.WriteString("BEGIN\n")
	b.WriteString("    -- session context is fixed here; domain logic lives in the core procedure\n")
	b.WriteString("    SET @specforge_actor = p_actor;\n")
	b.WriteString("    SET @specforge_tenant = p_tenant_id;\n")
	args := make([]string, 0, len(params)+5)
	for _, pr := range params {
		args = append(args, "p_"+pr.name)
	}
	args = append(args, "p_actor", "p_tenant_id", "r_success", "r_error_code", "r_error_message")
	fmt.Fprintf(b, "    CALL core_%s(%s);\n", spec.Name, strings.Join(args, ", "))
	b.WriteString("END//\n")
	b.WriteString("DELIMITER ;\n")
}

func (e *Emitter) emitSignature(b *strings.Builder, params []param) {
	for _, pr := range params {
		fmt.Fprintf(b, "    IN p_%s %s,\n", pr.name, pr.typ)
	}
	b.WriteString("    IN p_actor VARCHAR(255),\n")
	b.WriteString("    IN p_tenant_id BIGINT,\n")
	b.WriteString("    OUT r_success TINYINT(1),\n")
	b.WriteString("    OUT r_error_code VARCHAR(64),\n")
	b.WriteString("    OUT r_error_message TEXT\n")
}

func (e *Emitter) emitCoreProcedure(b *strings.Builder, p *compiler.Procedure, spec *ast.ActionSpec, meta *schema.Entity, params []param) error {
	fmt.Fprintf(b, "DROP PROCEDURE IF EXISTS core_%s;\n", spec.Name)
	b.WriteString("DELIMITER //\n")
	fmt.Fprintf(b, "CREATE PROCEDURE core_%s(\n", spec.Name)
	e.emitSignature(b, params)
	b.WriteString(")\n")
	b.WriteString("proc: BEGIN\n")

	st := &emitState{
		proc:   p,
		spec:   spec,
		target: meta,
		record: needsRecord(spec.Steps, spec),
	}

	e.emitDeclares(b, st)
	b.WriteString("\n")
	b.WriteString("    SET r_success = 0;\n")
	b.WriteString("    SET r_error_code = NULL;\n")
	b.WriteString("    SET r_error_message = NULL;\n")

	if st.record {
		b.WriteString("\n")
		e.emitRecordLoad(b, spec, meta, st)
	}

	for i := range spec.Steps {
		b.WriteString("\n")
		fmt.Fprintf(b, "    -- step %d: %s\n", i+1, spec.Steps[i].Kind)
		if err := e.emitStep(b, st, &spec.Steps[i], 1, false); err != nil {
			return err
		}
	}

	if len(st.refreshes) > 0 {
		b.WriteString("\n")
		b.WriteString("    -- refresh affected views\n")
		for _, r := range st.refreshes {
			fmt.Fprintf(b, "    CALL refresh_%s(%s);\n", r.view, r.pkExpr)
		}
	}

	b.WriteString("\n")
	b.WriteString("    SET r_success = 1;\n")
	b.WriteString("END//\n")
	b.WriteString("DELIMITER ;\n")
	return nil
}

// refreshCall is one deferred view refresh line, emitted after the steps
type refreshCall struct {
	view   string
	pkExpr string
}

// emitState carries the mutable context of one core procedure body
type emitState struct {
	proc      *compiler.Procedure
	spec      *ast.ActionSpec
	target    *schema.Entity
	record    bool
	refreshes []refreshCall
}

// emitDeclares renders every local the body will reference. MySQL wants
// all declarations before the first statement.
func (e *Emitter) emitDeclares(b *strings.Builder, st *emitState) {
	declared := map[string]bool{}

	if st.record {
		fmt.Fprintf(b, "    DECLARE v_%s BIGINT;\n", st.target.PKColumn())
		declared["v_"+st.target.PKColumn()] = true
		for _, c := range sortedColumns(st.target) {
			fmt.Fprintf(b, "    DECLARE v_%s %s;\n", c.Name, sqlType(c.Type))
		}
		if st.target.Versioned && usesExpectVersion(st.spec.Steps) {
			b.WriteString("    DECLARE v_version BIGINT;\n")
		}
	}

	for _, entity := range writtenEntities(st.spec.Steps, e.entities, false) {
		m, _ := e.entities.Get(entity)
		name := "v_" + m.PKColumn()
		if !declared[name] {
			fmt.Fprintf(b, "    DECLARE %s BIGINT;\n", name)
			declared[name] = true
		}
	}

	for _, name := range storedResults(st.spec.Steps) {
		fmt.Fprintf(b, "    DECLARE v_%s_success TINYINT(1);\n", name)
		fmt.Fprintf(b, "    DECLARE v_%s_error_code VARCHAR(64);\n", name)
		fmt.Fprintf(b, "    DECLARE v_%s_error_message TEXT;\n", name)
	}

	if hasLoop(st.spec.Steps) {
		b.WriteString("    DECLARE v_item JSON;\n")
		b.WriteString("    DECLARE v_item_pk BIGINT;\n")
		b.WriteString("    DECLARE v_loop_idx INT DEFAULT 0;\n")
	}
}

func (e *Emitter) emitRecordLoad(b *strings.Builder, spec *ast.ActionSpec, meta *schema.Entity, st *emitState) {
	cols := []string{meta.PKColumn()}
	vars := []string{"v_" + meta.PKColumn()}
	for _, c := range sortedColumns(meta) {
		cols = append(cols, c.Name)
		vars = append(vars, "v_"+c.Name)
	}
	if meta.Versioned && usesExpectVersion(spec.Steps) {
		cols = append(cols, schema.ColVersion)
		vars = append(vars, "v_"+schema.ColVersion)
	}

	fmt.Fprintf(b, "    SELECT %s\n", strings.Join(cols, ", "))
	fmt.Fprintf(b, "      INTO %s\n", strings.Join(vars, ", "))
	fmt.Fprintf(b, "      FROM %s\n", meta.Table())
	fmt.Fprintf(b, "     WHERE %s = p_id AND %s IS NULL;\n", schema.ColExternalID, schema.ColDeletedAt)
	fmt.Fprintf(b, "    IF v_%s IS NULL THEN\n", meta.PKColumn())
	b.WriteString("        SET r_error_code = 'NotFound';\n")
	fmt.Fprintf(b, "        SET r_error_message = CONCAT('%s with id ', p_id, ' not found');\n", meta.Name)
	b.WriteString("        LEAVE proc;\n")
	b.WriteString("    END IF;\n")
}

func (e *Emitter) emitStep(b *strings.Builder, st *emitState, s *ast.Step, depth int, inLoop bool) error {
	pad := strings.Repeat("    ", depth)
	switch s.Kind {
	case ast.StepValidate:
		return e.emitValidate(b, st, s.Validate, pad, inLoop)
	case ast.StepWrite:
		return e.emitWrite(b, st, s.Write, pad, inLoop)
	case ast.StepConditional:
		return e.emitConditional(b, st, s.Conditional, depth, inLoop)
	case ast.StepLoop:
		return e.emitLoop(b, st, s.Loop, depth)
	case ast.StepCall:
		return e.emitCall(b, st, s.Call, pad, inLoop)
	case ast.StepNotify:
		fmt.Fprintf(b, "%s-- notify '%s' [%s]: delivered out of band by the runtime\n",
			pad, s.Notify.Channel, strings.Join(s.Notify.Payload, ", "))
		return nil
	case ast.StepRefresh:
		return e.emitRefreshStep(st, s.Refresh)
	default:
		return fmt.Errorf("action '%s': unknown step kind '%s'", st.spec.Name, s.Kind)
	}
}

func (e *Emitter) emitValidate(b *strings.Builder, st *emitState, v *ast.ValidateStep, pad string, inLoop bool) error {
	cond, err := e.predicateSQL(st, v.Expression, inLoop)
	if err != nil {
		return fmt.Errorf("action '%s': validate: %w", st.spec.Name, err)
	}
	code := v.ErrorCode
	if code == "" {
		code = "ValidationFailed"
	}
	msg := v.Message
	if msg == "" {
		msg = "condition not met: " + v.Expression
	}
	fmt.Fprintf(b, "%sIF NOT (%s) THEN\n", pad, cond)
	fmt.Fprintf(b, "%s    SET r_error_code = '%s';\n", pad, code)
	fmt.Fprintf(b, "%s    SET r_error_message = '%s';\n", pad, sqlEscape(msg))
	if inLoop {
		fmt.Fprintf(b, "%s    SIGNAL SQLSTATE '45000';\n", pad)
	} else {
		fmt.Fprintf(b, "%s    LEAVE proc;\n", pad)
	}
	fmt.Fprintf(b, "%sEND IF;\n", pad)
	return nil
}

func (e *Emitter) emitConditional(b *strings.Builder, st *emitState, c *ast.ConditionalStep, depth int, inLoop bool) error {
	pad := strings.Repeat("    ", depth)
	cond, err := e.predicateSQL(st, c.Expression, inLoop)
	if err != nil {
		return fmt.Errorf("action '%s': conditional: %w", st.spec.Name, err)
	}
	fmt.Fprintf(b, "%sIF %s THEN\n", pad, cond)
	for i := range c.Then {
		if err := e.emitStep(b, st, &c.Then[i], depth+1, inLoop); err != nil {
			return err
		}
	}
	if len(c.Else) > 0 {
		fmt.Fprintf(b, "%sELSE\n", pad)
		for i := range c.Else {
			if err := e.emitStep(b, st, &c.Else[i], depth+1, inLoop); err != nil {
				return err
			}
		}
	}
	fmt.Fprintf(b, "%sEND IF;\n", pad)
	return nil
}

// emitLoop renders per-item iteration over a JSON array parameter. Each
// item runs under a savepoint; the handler decides between recording the
// failure and re-raising it, mirroring the continue-on-error policy.
func (e *Emitter) emitLoop(b *strings.Builder, st *emitState, l *ast.LoopStep, depth int) error {
	pad := strings.Repeat("    ", depth)
	continues := l.Continues(st.spec.Batch)

	fmt.Fprintf(b, "%sWHILE v_loop_idx < JSON_LENGTH(p_%s) DO\n", pad, l.Source)
	fmt.Fprintf(b, "%s    SET v_item = JSON_EXTRACT(p_%s, CONCAT('$[', v_loop_idx, ']'));\n", pad, l.Source)
	fmt.Fprintf(b, "%s    SAVEPOINT sp_item;\n", pad)
	fmt.Fprintf(b, "%s    BEGIN\n", pad)
	fmt.Fprintf(b, "%s        DECLARE EXIT HANDLER FOR SQLEXCEPTION\n", pad)
	fmt.Fprintf(b, "%s        BEGIN\n", pad)
	fmt.Fprintf(b, "%s            ROLLBACK TO SAVEPOINT sp_item;\n", pad)
	if !continues {
		fmt.Fprintf(b, "%s            RESIGNAL;\n", pad)
	}
	fmt.Fprintf(b, "%s        END;\n", pad)
	for i := range l.Steps {
		if err := e.emitStep(b, st, &l.Steps[i], depth+2, true); err != nil {
			return err
		}
	}
	fmt.Fprintf(b, "%s        RELEASE SAVEPOINT sp_item;\n", pad)
	fmt.Fprintf(b, "%s    END;\n", pad)
	fmt.Fprintf(b, "%s    SET v_loop_idx = v_loop_idx + 1;\n", pad)
	fmt.Fprintf(b, "%sEND WHILE;\n", pad)
	return nil
}

// emitCall delegates to another action's core procedure. Arguments pass
// in sorted name order. Without a stored result the callee shares the
// result registers and a failure short-circuits; with one, the callee
// writes its own v_<name>_ registers and runs under a savepoint so a
// stored failure leaves no rows behind.
func (e *Emitter) emitCall(b *strings.Builder, st *emitState, c *ast.CallStep, pad string, inLoop bool) error {
	args := make([]string, 0, len(c.Args)+5)
	for _, name := range sortedMapKeys(c.Args) {
		rendered, err := e.renderValue(st, c.Args[name], inLoop)
		if err != nil {
			return fmt.Errorf("action '%s': call '%s' arg '%s': %w", st.spec.Name, c.Action, name, err)
		}
		args = append(args, rendered)
	}
	if c.StoreResult != "" {
		reg := "v_" + c.StoreResult
		args = append(args, "p_actor", "p_tenant_id",
			reg+"_success", reg+"_error_code", reg+"_error_message")
		sp := "sp_call_" + c.Action
		fmt.Fprintf(b, "%sSAVEPOINT %s;\n", pad, sp)
		fmt.Fprintf(b, "%sCALL core_%s(%s);\n", pad, c.Action, strings.Join(args, ", "))
		fmt.Fprintf(b, "%sIF %s_success = 0 THEN\n", pad, reg)
		fmt.Fprintf(b, "%s    ROLLBACK TO SAVEPOINT %s;\n", pad, sp)
		fmt.Fprintf(b, "%sEND IF;\n", pad)
		fmt.Fprintf(b, "%sRELEASE SAVEPOINT %s;\n", pad, sp)
		return nil
	}
	args = append(args, "p_actor", "p_tenant_id", "r_success", "r_error_code", "r_error_message")
	fmt.Fprintf(b, "%sCALL core_%s(%s);\n", pad, c.Action, strings.Join(args, ", "))
	fmt.Fprintf(b, "%sIF r_success = 0 THEN\n", pad)
	if inLoop {
		fmt.Fprintf(b, "%s    SIGNAL SQLSTATE '45000';\n", pad)
	} else {
		fmt.Fprintf(b, "%s    LEAVE proc;\n", pad)
	}
	fmt.Fprintf(b, "%sEND IF;\n", pad)
	fmt.Fprintf(b, "%sSET r_success = 0;\n", pad)
	return nil
}

func (e *Emitter) emitRefreshStep(st *emitState, r *ast.RefreshStep) error {
	switch r.Scope {
	case ast.RefreshRelated:
		for _, rc := range append([]refreshCall(nil), st.refreshes...) {
			for _, dep := range e.views.Dependents(rc.view) {
				st.addRefresh(dep, rc.pkExpr)
			}
		}
	case ast.RefreshPropagate:
		pkExpr := "v_" + st.target.PKColumn()
		for _, v := range r.Views {
			st.addRefresh(v, pkExpr)
		}
	case ast.RefreshBatch:
		// deferred refresh is scheduled by the runtime after commit
	}
	return nil
}

func (st *emitState) addRefresh(view, pkExpr string) {
	for _, r := range st.refreshes {
		if r.view == view && r.pkExpr == pkExpr {
			return
		}
	}
	st.refreshes = append(st.refreshes, refreshCall{view: view, pkExpr: pkExpr})
}

func (e *Emitter) emitWrite(b *strings.Builder, st *emitState, w *ast.WriteStep, pad string, inLoop bool) error {
	meta, ok := e.entities.Get(w.Entity)
	if !ok {
		return fmt.Errorf("action '%s': write targets unknown entity '%s'", st.spec.Name, w.Entity)
	}

	switch w.Kind {
	case ast.WriteInsert:
		return e.emitInsert(b, st, w, meta, pad, inLoop)
	case ast.WriteUpdate, ast.WriteDelete:
		return e.emitUpdateOrDelete(b, st, w, meta, pad, inLoop)
	default:
		return fmt.Errorf("action '%s': unknown write kind '%s'", st.spec.Name, w.Kind)
	}
}

func (e *Emitter) emitInsert(b *strings.Builder, st *emitState, w *ast.WriteStep, meta *schema.Entity, pad string, inLoop bool) error {
	cols := []string{
		schema.ColExternalID,
		schema.ColTenant,
		schema.ColCreatedAt, schema.ColCreatedBy,
		schema.ColUpdatedAt, schema.ColUpdatedBy,
	}
	vals := []string{
		"UUID()",
		"p_tenant_id",
		"UTC_TIMESTAMP()", "p_actor",
		"UTC_TIMESTAMP()", "p_actor",
	}
	if meta.Versioned {
		cols = append(cols, schema.ColVersion)
		vals = append(vals, "1")
	}
	if meta.IdentifierSource != "" {
		cols = append(cols, schema.ColBusinessID)
		src, err := e.renderSetValue(st, w, meta.IdentifierSource, inLoop)
		if err != nil {
			return err
		}
		// uniqueness suffixing happens in the shared helper
		vals = append(vals, fmt.Sprintf("core_derive_identifier('%s', %s, p_tenant_id)", meta.Name, src))
	}
	for _, col := range sortedMapKeys(w.Set) {
		rendered, err := e.renderSetValue(st, w, col, inLoop)
		if err != nil {
			return err
		}
		if ref, isRef := meta.References[col]; isRef {
			rm, _ := e.entities.Get(ref)
			cols = append(cols, "fk_"+ref)
			vals = append(vals, fmt.Sprintf("(SELECT %s FROM %s WHERE %s = %s AND %s IS NULL)",
				rm.PKColumn(), rm.Table(), schema.ColExternalID, rendered, schema.ColDeletedAt))
			continue
		}
		cols = append(cols, col)
		vals = append(vals, rendered)
	}

	fmt.Fprintf(b, "%sINSERT INTO %s (%s)\n", pad, meta.Table(), strings.Join(cols, ", "))
	fmt.Fprintf(b, "%sVALUES (%s);\n", pad, strings.Join(vals, ", "))
	pkVar := e.writePKVar(st, meta, inLoop)
	fmt.Fprintf(b, "%sSET %s = LAST_INSERT_ID();\n", pad, pkVar)

	e.queueSelfRefresh(st, meta, pkVar, inLoop, b, pad)
	return nil
}

func (e *Emitter) emitUpdateOrDelete(b *strings.Builder, st *emitState, w *ast.WriteStep, meta *schema.Entity, pad string, inLoop bool) error {
	pkVar, err := e.emitTargetResolution(b, st, w, meta, pad, inLoop)
	if err != nil {
		return err
	}

	if w.ExpectVersion != "" {
		fmt.Fprintf(b, "%sIF v_version != p_%s THEN\n", pad, w.ExpectVersion)
		fmt.Fprintf(b, "%s    SET r_error_code = 'ConcurrencyConflict';\n", pad)
		fmt.Fprintf(b, "%s    SET r_error_message = '%s was modified concurrently';\n", pad, meta.Name)
		if inLoop {
			fmt.Fprintf(b, "%s    SIGNAL SQLSTATE '45000';\n", pad)
		} else {
			fmt.Fprintf(b, "%s    LEAVE proc;\n", pad)
		}
		fmt.Fprintf(b, "%sEND IF;\n", pad)
	}

	var assigns []string
	if w.Kind == ast.WriteDelete {
		assigns = []string{
			schema.ColDeletedAt + " = UTC_TIMESTAMP()",
			schema.ColDeletedBy + " = p_actor",
		}
	} else {
		for _, col := range sortedMapKeys(w.Set) {
			rendered, err := e.renderSetValue(st, w, col, inLoop)
			if err != nil {
				return err
			}
			if ref, isRef := meta.References[col]; isRef {
				rm, _ := e.entities.Get(ref)
				assigns = append(assigns, fmt.Sprintf("fk_%s = (SELECT %s FROM %s WHERE %s = %s AND %s IS NULL)",
					ref, rm.PKColumn(), rm.Table(), schema.ColExternalID, rendered, schema.ColDeletedAt))
				continue
			}
			assigns = append(assigns, col+" = "+rendered)
		}
		assigns = append(assigns,
			schema.ColUpdatedAt+" = UTC_TIMESTAMP()",
			schema.ColUpdatedBy+" = p_actor",
		)
		if meta.Versioned {
			assigns = append(assigns, schema.ColVersion+" = "+schema.ColVersion+" + 1")
		}
	}

	fmt.Fprintf(b, "%sUPDATE %s\n", pad, meta.Table())
	fmt.Fprintf(b, "%s   SET %s\n", pad, strings.Join(assigns, ",\n"+pad+"       "))
	where := fmt.Sprintf("%s = %s AND %s IS NULL", meta.PKColumn(), pkVar, schema.ColDeletedAt)
	if w.Where != "" {
		where += " AND (" + st.proc.NormalizedWhere(w) + ")"
	}
	fmt.Fprintf(b, "%s WHERE %s;\n", pad, where)

	e.queueSelfRefresh(st, meta, pkVar, inLoop, b, pad)
	return nil
}

// emitTargetResolution yields the local holding the addressed row's
// surrogate key, emitting a lookup when the target is not the already
// loaded record.
func (e *Emitter) emitTargetResolution(b *strings.Builder, st *emitState, w *ast.WriteStep, meta *schema.Entity, pad string, inLoop bool) (string, error) {
	if inLoop {
		key := w.Key
		if key == "" {
			key = schema.ColExternalID
		}
		fmt.Fprintf(b, "%sSET v_item_pk = (SELECT %s FROM %s WHERE %s = JSON_UNQUOTE(JSON_EXTRACT(v_item, '$.%s')) AND %s IS NULL);\n",
			pad, meta.PKColumn(), meta.Table(), schema.ColExternalID, key, schema.ColDeletedAt)
		fmt.Fprintf(b, "%sIF v_item_pk IS NULL THEN\n", pad)
		fmt.Fprintf(b, "%s    SET r_error_code = 'NotFound';\n", pad)
		fmt.Fprintf(b, "%s    SET r_error_message = '%s not found';\n", pad, meta.Name)
		fmt.Fprintf(b, "%s    SIGNAL SQLSTATE '45000';\n", pad)
		fmt.Fprintf(b, "%sEND IF;\n", pad)
		return "v_item_pk", nil
	}

	pkVar := "v_" + meta.PKColumn()
	if meta.Name == st.spec.Entity && st.record && (w.Key == "" || w.Key == schema.ColExternalID) {
		return pkVar, nil
	}

	key := w.Key
	if key == "" {
		key = schema.ColExternalID
	}
	fmt.Fprintf(b, "%sSET %s = (SELECT %s FROM %s WHERE %s = p_%s AND %s IS NULL);\n",
		pad, pkVar, meta.PKColumn(), meta.Table(), schema.ColExternalID, key, schema.ColDeletedAt)
	fmt.Fprintf(b, "%sIF %s IS NULL THEN\n", pad, pkVar)
	fmt.Fprintf(b, "%s    SET r_error_code = 'NotFound';\n", pad)
	fmt.Fprintf(b, "%s    SET r_error_message = CONCAT('%s with id ', p_%s, ' not found');\n", pad, meta.Name, key)
	fmt.Fprintf(b, "%s    LEAVE proc;\n", pad)
	fmt.Fprintf(b, "%sEND IF;\n", pad)
	return pkVar, nil
}

// queueSelfRefresh records the written entity's self view refresh. Loop
// writes refresh inline, before the savepoint releases; top-level writes
// coalesce into the trailing refresh block.
func (e *Emitter) queueSelfRefresh(st *emitState, meta *schema.Entity, pkVar string, inLoop bool, b *strings.Builder, pad string) {
	v, ok := e.views.ViewForEntity(meta.Name)
	if !ok {
		return
	}
	if inLoop {
		fmt.Fprintf(b, "%sCALL refresh_%s(%s);\n", pad, v.Name, pkVar)
		return
	}
	st.addRefresh(v.Name, pkVar)
}

// renderSetValue renders the declared value of one set column
func (e *Emitter) renderSetValue(st *emitState, w *ast.WriteStep, col string, inLoop bool) (string, error) {
	raw, ok := w.Set[col]
	if !ok {
		return "NULL", nil
	}
	rendered, err := e.renderValue(st, raw, inLoop)
	if err != nil {
		return "", fmt.Errorf("action '%s': set '%s': %w", st.spec.Name, col, err)
	}
	return rendered, nil
}

// writePKVar is the local receiving a freshly inserted row's key
func (e *Emitter) writePKVar(st *emitState, meta *schema.Entity, inLoop bool) string {
	if inLoop {
		return "v_item_pk"
	}
	return "v_" + meta.PKColumn()
}

// renderValue maps the three value conventions onto SQL: parameter
// references, loop item fields, inline expressions, and literals.
func (e *Emitter) renderValue(st *emitState, raw string, inLoop bool) (string, error) {
	switch {
	case strings.HasPrefix(raw, "@item."):
		return fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(v_item, '$.%s'))", strings.TrimPrefix(raw, "@item.")), nil
	case strings.HasPrefix(raw, "@"):
		return "p_" + strings.TrimPrefix(raw, "@"), nil
	case strings.HasPrefix(raw, "="):
		return e.predicateSQL(st, strings.TrimPrefix(raw, "="), inLoop)
	default:
		return "'" + sqlEscape(raw) + "'", nil
	}
}

// predicateSQL translates an expression with emission-time identifier
// mapping: target columns become v_ locals, everything else a parameter.
func (e *Emitter) predicateSQL(st *emitState, expr string, inLoop bool) (string, error) {
	return expression.ToSQLWith(expr, expression.SQLOptions{
		Ident: func(name string) string {
			if _, ok := st.target.Column(name); ok {
				return "v_" + name
			}
			if name == schema.ColBusinessID || name == schema.ColVersion {
				return "v_" + name
			}
			return "p_" + name
		},
		Member: func(base, field string) string {
			if base == "item" {
				return fmt.Sprintf("JSON_EXTRACT(v_item, '$.%s')", field)
			}
			return "v_" + base + "_" + field
		},
	})
}

func sortedColumns(meta *schema.Entity) []schema.Column {
	cols := append([]schema.Column(nil), meta.Columns...)
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sqlType(t string) string {
	switch t {
	case "integer":
		return "BIGINT"
	case "decimal":
		return "DECIMAL(18,6)"
	case "boolean":
		return "TINYINT(1)"
	case "timestamp":
		return "DATETIME"
	default:
		return "TEXT"
	}
}

func sqlEscape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func paramSQLType(name string, isCollection bool) string {
	switch {
	case isCollection:
		return "JSON"
	case name == schema.ColExternalID || strings.HasSuffix(name, "_id"):
		return "VARCHAR(36)"
	case strings.HasSuffix(name, "version"):
		return "BIGINT"
	default:
		return "VARCHAR(255)"
	}
}

// collectParams derives the procedure's IN parameters from every
// parameter reference the steps make, in deterministic order: the id
// parameter first when the action loads a record, then sorted names.
func (e *Emitter) collectParams(spec *ast.ActionSpec, meta *schema.Entity) ([]param, error) {
	names := map[string]bool{}
	collections := map[string]bool{}
	stored := map[string]bool{}

	var walk func(steps []ast.Step) error
	walk = func(steps []ast.Step) error {
		for i := range steps {
			s := &steps[i]
			switch s.Kind {
			case ast.StepValidate:
				if err := collectExprParams(s.Validate.Expression, meta, stored, names); err != nil {
					return err
				}
			case ast.StepWrite:
				for _, raw := range s.Write.Set {
					collectValueParams(raw, meta, stored, names)
				}
				if s.Write.Key != "" && s.Write.Key != schema.ColExternalID {
					names[s.Write.Key] = true
				}
				if s.Write.ExpectVersion != "" {
					names[s.Write.ExpectVersion] = true
				}
			case ast.StepConditional:
				if err := collectExprParams(s.Conditional.Expression, meta, stored, names); err != nil {
					return err
				}
				if err := walk(s.Conditional.Then); err != nil {
					return err
				}
				if err := walk(s.Conditional.Else); err != nil {
					return err
				}
			case ast.StepLoop:
				names[s.Loop.Source] = true
				collections[s.Loop.Source] = true
				if err := walk(s.Loop.Steps); err != nil {
					return err
				}
			case ast.StepCall:
				for _, raw := range s.Call.Args {
					collectValueParams(raw, meta, stored, names)
				}
				if s.Call.StoreResult != "" {
					stored[s.Call.StoreResult] = true
				}
			}
		}
		return nil
	}
	if err := walk(spec.Steps); err != nil {
		return nil, err
	}

	delete(names, schema.ColExternalID)
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	params := make([]param, 0, len(sorted)+1)
	if needsRecord(spec.Steps, spec) {
		params = append(params, param{name: schema.ColExternalID, typ: "VARCHAR(36)"})
	}
	for _, n := range sorted {
		params = append(params, param{name: n, typ: paramSQLType(n, collections[n])})
	}
	return params, nil
}

func collectValueParams(raw string, meta *schema.Entity, stored, names map[string]bool) {
	switch {
	case strings.HasPrefix(raw, "@item."):
	case strings.HasPrefix(raw, "@"):
		names[strings.TrimPrefix(raw, "@")] = true
	case strings.HasPrefix(raw, "="):
		_ = collectExprParams(strings.TrimPrefix(raw, "="), meta, stored, names)
	}
}

func collectExprParams(expr string, meta *schema.Entity, stored, names map[string]bool) error {
	idents, err := expression.Idents(expr)
	if err != nil {
		return err
	}
	for _, id := range idents {
		if id == "item" || id == "params" || stored[id] {
			continue
		}
		if _, ok := meta.Column(id); ok {
			continue
		}
		if id == schema.ColBusinessID || id == schema.ColVersion {
			continue
		}
		names[id] = true
	}
	return nil
}

// needsRecord reports whether the procedure resolves and loads the
// target row before the steps run: any top-level validate, or an update
// or delete of the target entity addressed by the id parameter.
func needsRecord(steps []ast.Step, spec *ast.ActionSpec) bool {
	for i := range steps {
		s := &steps[i]
		switch s.Kind {
		case ast.StepValidate:
			return true
		case ast.StepWrite:
			if s.Write.Entity == spec.Entity &&
				(s.Write.Kind == ast.WriteUpdate || s.Write.Kind == ast.WriteDelete) &&
				(s.Write.Key == "" || s.Write.Key == schema.ColExternalID) {
				return true
			}
		case ast.StepConditional:
			if needsRecord(s.Conditional.Then, spec) || needsRecord(s.Conditional.Else, spec) {
				return true
			}
			idents, err := expression.Idents(s.Conditional.Expression)
			if err == nil {
				for _, id := range idents {
					if id != "item" && id != "params" {
						return true
					}
				}
			}
		}
	}
	return false
}

func usesExpectVersion(steps []ast.Step) bool {
	for i := range steps {
		s := &steps[i]
		switch s.Kind {
		case ast.StepWrite:
			if s.Write.ExpectVersion != "" {
				return true
			}
		case ast.StepConditional:
			if usesExpectVersion(s.Conditional.Then) || usesExpectVersion(s.Conditional.Else) {
				return true
			}
		case ast.StepLoop:
			if usesExpectVersion(s.Loop.Steps) {
				return true
			}
		}
	}
	return false
}

// storedResults lists the stored call result names, sorted. Each one
// gets its own trio of result registers in the declares.
func storedResults(steps []ast.Step) []string {
	seen := map[string]bool{}
	var walk func(steps []ast.Step)
	walk = func(steps []ast.Step) {
		for i := range steps {
			s := &steps[i]
			switch s.Kind {
			case ast.StepCall:
				if s.Call.StoreResult != "" {
					seen[s.Call.StoreResult] = true
				}
			case ast.StepConditional:
				walk(s.Conditional.Then)
				walk(s.Conditional.Else)
			case ast.StepLoop:
				walk(s.Loop.Steps)
			}
		}
	}
	walk(steps)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func hasLoop(steps []ast.Step) bool {
	for i := range steps {
		s := &steps[i]
		switch s.Kind {
		case ast.StepLoop:
			return true
		case ast.StepConditional:
			if hasLoop(s.Conditional.Then) || hasLoop(s.Conditional.Else) {
				return true
			}
		}
	}
	return false
}

// writtenEntities lists the entities written outside loops, sorted
func writtenEntities(steps []ast.Step, catalog *schema.Catalog, inLoop bool) []string {
	seen := map[string]bool{}
	var walk func(steps []ast.Step, inLoop bool)
	walk = func(steps []ast.Step, inLoop bool) {
		for i := range steps {
			s := &steps[i]
			switch s.Kind {
			case ast.StepWrite:
				if !inLoop {
					if _, ok := catalog.Get(s.Write.Entity); ok {
						seen[s.Write.Entity] = true
					}
				}
			case ast.StepConditional:
				walk(s.Conditional.Then, inLoop)
				walk(s.Conditional.Else, inLoop)
			case ast.StepLoop:
				walk(s.Loop.Steps, true)
			}
		}
	}
	walk(steps, inLoop)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
