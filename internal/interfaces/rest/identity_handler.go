package rest

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/specforge/specforge/internal/compiler"
	"github.com/specforge/specforge/internal/engine"
	apperrors "github.com/specforge/specforge/pkg/errors"
)

// IdentityHandler exposes identifier maintenance. Business identifiers
// never change as a side effect of ordinary writes; this endpoint is the
// explicit recalculation path.
type IdentityHandler struct {
	ctx *compiler.Context
	eng *engine.Engine
}

// NewIdentityHandler creates an identity handler over the shared context
func NewIdentityHandler(ctx *compiler.Context, eng *engine.Engine) *IdentityHandler {
	return &IdentityHandler{ctx: ctx, eng: eng}
}

// Recalculate handles POST /api/identifiers/:entity/:id/recalculate.
// The re-derivation and the view refresh share one transaction, so a
// reader never observes a half-renamed row.
func (h *IdentityHandler) Recalculate(c *gin.Context) {
	entity := c.Param("entity")
	if _, ok := h.ctx.Entities.Get(entity); !ok {
		RespondAppError(c, apperrors.NewNotFoundError("entity", entity))
		return
	}
	id := c.Param("id")

	var identifier string
	err := h.eng.WithTransaction(c.Request.Context(), func(tx *sql.Tx) error {
		derived, err := h.ctx.Resolver.Recalculate(c.Request.Context(), tx, entity, id)
		if err != nil {
			return err
		}
		identifier = derived

		view, ok := h.ctx.Views.ViewForEntity(entity)
		if !ok {
			return nil
		}
		pk, err := h.ctx.Resolver.Resolve(c.Request.Context(), tx, entity, id)
		if err != nil {
			return err
		}
		return compiler.NewOrchestrator(h.ctx).RefreshRow(c.Request.Context(), tx, view.Name, pk)
	})
	if err != nil {
		RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id, "identifier": identifier}})
}
