package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/specforge/specforge/internal/compiler"
	"github.com/specforge/specforge/internal/engine"
	apperrors "github.com/specforge/specforge/pkg/errors"
)

// ActionHandler exposes compiled actions over HTTP. It holds no state of
// its own; every request resolves the procedure through the registry and
// runs it on the shared engine.
type ActionHandler struct {
	ctx *compiler.Context
	eng *engine.Engine
}

// NewActionHandler creates an action handler over a compiled registry
func NewActionHandler(ctx *compiler.Context, eng *engine.Engine) *ActionHandler {
	return &ActionHandler{ctx: ctx, eng: eng}
}

type actionSummary struct {
	Name   string          `json:"name"`
	Entity string          `json:"entity"`
	Batch  bool            `json:"batch"`
	Impact compiler.Impact `json:"impact"`
}

type invokeRequest struct {
	Params map[string]any `json:"params"`
}

// ListActions handles GET /api/actions
func (h *ActionHandler) ListActions(c *gin.Context) {
	names := h.ctx.Registry.Names()
	actions := make([]actionSummary, 0, len(names))
	for _, name := range names {
		p, ok := h.ctx.Registry.Get(name)
		if !ok {
			continue
		}
		actions = append(actions, actionSummary{
			Name:   p.Name(),
			Entity: p.Entity(),
			Batch:  p.Batch(),
			Impact: p.Impact,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": actions})
}

// GetAction handles GET /api/actions/:name
func (h *ActionHandler) GetAction(c *gin.Context) {
	name := c.Param("name")
	p, ok := h.ctx.Registry.Get(name)
	if !ok {
		RespondAppError(c, apperrors.NewNotFoundError("action", name))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": actionSummary{
		Name:   p.Name(),
		Entity: p.Entity(),
		Batch:  p.Batch(),
		Impact: p.Impact,
	}})
}

// InvokeAction handles POST /api/actions/:name/invoke
func (h *ActionHandler) InvokeAction(c *gin.Context) {
	name := c.Param("name")
	p, ok := h.ctx.Registry.Get(name)
	if !ok {
		RespondAppError(c, apperrors.NewNotFoundError("action", name))
		return
	}

	var req invokeRequest
	if !BindJSON(c, &req) {
		return
	}

	session := SessionFromContext(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"message": "User not authenticated",
			"code":    "UNAUTHORIZED",
		})
		return
	}

	out := p.Invoke(c.Request.Context(), h.eng, compiler.Invocation{
		Params:   req.Params,
		Actor:    session.Actor,
		TenantID: session.TenantID,
	})

	body := gin.H{"result": out.Result}
	if out.Batch != nil {
		body["batch"] = out.Batch
	}
	if !out.Result.Success {
		c.JSON(statusForResult(out.Result.ErrorCode), body)
		return
	}
	c.JSON(http.StatusOK, body)
}
