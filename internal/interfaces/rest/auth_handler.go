package rest

import (
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/specforge/specforge/pkg/auth"
	apperrors "github.com/specforge/specforge/pkg/errors"
)

// AuthHandler issues tokens for the single operator account configured
// through the environment. Multi-user account storage is out of scope;
// actions carry the actor identity from the token either way.
type AuthHandler struct{}

// NewAuthHandler creates an auth handler
func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login handles POST /api/auth/login. Credentials check against
// OPERATOR_USER and the bcrypt hash in OPERATOR_PASSWORD_HASH.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !BindJSON(c, &req) {
		return
	}

	user := os.Getenv("OPERATOR_USER")
	hash := os.Getenv("OPERATOR_PASSWORD_HASH")
	if user == "" || hash == "" {
		RespondAppError(c, apperrors.NewValidationError("server", "operator credentials are not configured"))
		return
	}

	if req.Username != user || !auth.VerifyPassword(req.Password, hash) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"message": "invalid credentials",
			"code":    "UNAUTHORIZED",
		})
		return
	}

	tenantID, _ := strconv.ParseInt(os.Getenv("OPERATOR_TENANT_ID"), 10, 64)
	session := auth.Session{
		Actor:    req.Username,
		Name:     req.Username,
		TenantID: tenantID,
		Admin:    true,
	}
	token, err := auth.GenerateToken(session)
	if err != nil {
		RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"session": session,
	})
}
