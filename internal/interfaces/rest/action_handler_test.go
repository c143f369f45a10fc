package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specforge/specforge/internal/ast"
	"github.com/specforge/specforge/internal/compiler"
	"github.com/specforge/specforge/internal/engine"
	"github.com/specforge/specforge/internal/schema"
	"github.com/specforge/specforge/internal/views"
	"github.com/specforge/specforge/pkg/auth"
)

func newServerRig(t *testing.T) (*gin.Engine, *engine.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	catalog, err := schema.NewCatalog([]*schema.Entity{
		{
			Name: "contact",
			Columns: []schema.Column{
				{Name: "name", Type: "text"},
				{Name: "status", Type: "text"},
			},
			IdentifierSource: "name",
		},
	})
	require.NoError(t, err)

	graph, err := views.NewGraph([]*views.View{
		{Name: "tv_contact", Entity: "contact"},
	})
	require.NoError(t, err)

	eng, err := engine.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// a single connection keeps the in-memory database alive
	eng.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { eng.Close() })
	require.NoError(t, eng.CreateEntityTables(context.Background(), catalog, graph))

	cctx := compiler.NewContext(catalog, graph)
	comp := compiler.New(cctx)
	_, err = comp.Compile(&ast.ActionSpec{
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
	})
	require.NoError(t, err)
	require.NoError(t, comp.Finalize())

	return NewRouter(cctx, eng), eng
}

func seedContact(t *testing.T, eng *engine.Engine, extID, name, status string) {
	t.Helper()
	_, err := eng.DB().Exec(
		`INSERT INTO tb_contact (id, identifier, tenant_id, name, status,
		  created_at, created_by, updated_at, updated_by)
		 VALUES (?, ?, 1, ?, ?, '2026-01-01 00:00:00', 'seed', '2026-01-01 00:00:00', 'seed')`,
		extID, name, name, status)
	require.NoError(t, err)
}

func bearerToken(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateToken(auth.Session{Actor: "ops", TenantID: 1})
	require.NoError(t, err)
	return "Bearer " + token
}

func doJSON(router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestInvokeAction_Success(t *testing.T) {
	router, eng := newServerRig(t)
	seedContact(t, eng, "c-1", "Dana", "new")

	w := doJSON(router, http.MethodPost, "/api/actions/qualify_lead/invoke", bearerToken(t),
		gin.H{"params": gin.H{"id": "c-1"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Result struct {
			Success bool           `json:"success"`
			Data    map[string]any `json:"data"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Result.Success)
	assert.Equal(t, "qualified", resp.Result.Data["status"])

	var status string
	require.NoError(t, eng.DB().QueryRow(
		"SELECT status FROM tv_contact WHERE id = 'c-1'").Scan(&status))
	assert.Equal(t, "qualified", status)
}

func TestInvokeAction_ValidationFailureIs400(t *testing.T) {
	router, eng := newServerRig(t)
	seedContact(t, eng, "c-1", "Dana", "qualified")

	w := doJSON(router, http.MethodPost, "/api/actions/qualify_lead/invoke", bearerToken(t),
		gin.H{"params": gin.H{"id": "c-1"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Result struct {
			ErrorCode string `json:"error_code"`
			FieldPath string `json:"field_path"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ValidationFailed", resp.Result.ErrorCode)
	assert.Equal(t, "status", resp.Result.FieldPath)
}

func TestInvokeAction_MissingRowIs404(t *testing.T) {
	router, _ := newServerRig(t)

	w := doJSON(router, http.MethodPost, "/api/actions/qualify_lead/invoke", bearerToken(t),
		gin.H{"params": gin.H{"id": "ghost"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvokeAction_UnknownActionIs404(t *testing.T) {
	router, _ := newServerRig(t)

	w := doJSON(router, http.MethodPost, "/api/actions/nope/invoke", bearerToken(t),
		gin.H{"params": gin.H{}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvokeAction_RequiresAuth(t *testing.T) {
	router, _ := newServerRig(t)

	w := doJSON(router, http.MethodPost, "/api/actions/qualify_lead/invoke", "",
		gin.H{"params": gin.H{"id": "c-1"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(router, http.MethodPost, "/api/actions/qualify_lead/invoke", "Bearer garbage",
		gin.H{"params": gin.H{"id": "c-1"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListActions(t *testing.T) {
	router, _ := newServerRig(t)

	w := doJSON(router, http.MethodGet, "/api/actions", bearerToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []struct {
			Name   string `json:"name"`
			Entity string `json:"entity"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "qualify_lead", resp.Data[0].Name)
	assert.Equal(t, "contact", resp.Data[0].Entity)
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateToken(auth.Session{Actor: "ops", TenantID: 1, Admin: true})
	require.NoError(t, err)
	return "Bearer " + token
}

func TestRecalculateIdentifier(t *testing.T) {
	router, eng := newServerRig(t)
	seedContact(t, eng, "c-1", "Dana", "new")
	// the stored identifier no longer matches the current name
	_, err := eng.DB().Exec("UPDATE tb_contact SET name = 'Dana Reyes' WHERE id = 'c-1'")
	require.NoError(t, err)

	w := doJSON(router, http.MethodPost, "/api/identifiers/contact/c-1/recalculate", adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			Identifier string `json:"identifier"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "dana-reyes", resp.Data.Identifier)

	var identifier string
	require.NoError(t, eng.DB().QueryRow(
		"SELECT identifier FROM tb_contact WHERE id = 'c-1'").Scan(&identifier))
	assert.Equal(t, "dana-reyes", identifier)

	// the denormalized row carries the new identifier in the same commit
	require.NoError(t, eng.DB().QueryRow(
		"SELECT identifier FROM tv_contact WHERE id = 'c-1'").Scan(&identifier))
	assert.Equal(t, "dana-reyes", identifier)
}

func TestRecalculateIdentifier_RequiresAdmin(t *testing.T) {
	router, eng := newServerRig(t)
	seedContact(t, eng, "c-1", "Dana", "new")

	w := doJSON(router, http.MethodPost, "/api/identifiers/contact/c-1/recalculate", bearerToken(t), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRecalculateIdentifier_UnknownEntityIs404(t *testing.T) {
	router, _ := newServerRig(t)

	w := doJSON(router, http.MethodPost, "/api/identifiers/widget/c-1/recalculate", adminToken(t), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogin_IssuesToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hash, err := auth.HashPassword("Sup3rSecret")
	require.NoError(t, err)
	t.Setenv("OPERATOR_USER", "ops")
	t.Setenv("OPERATOR_PASSWORD_HASH", hash)
	t.Setenv("OPERATOR_TENANT_ID", "1")

	router, _ := newServerRig(t)

	w := doJSON(router, http.MethodPost, "/api/auth/login", "",
		gin.H{"username": "ops", "password": "Sup3rSecret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	claims, err := auth.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Session.Actor)
	assert.Equal(t, int64(1), claims.Session.TenantID)

	w = doJSON(router, http.MethodPost, "/api/auth/login", "",
		gin.H{"username": "ops", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
