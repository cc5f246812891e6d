package http

import (
	"net/http"
	"strings"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
	"voicemesh/pkg/errors"
	"voicemesh/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuthHandler mints relay tokens for development setups where no identity
// service exists. Production relays leave it unregistered.
type AuthHandler struct {
	auth ports.TokenIssuer
	ttl  time.Duration
}

func NewAuthHandler(auth ports.TokenIssuer, ttl time.Duration) *AuthHandler {
	return &AuthHandler{auth: auth, ttl: ttl}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	router.POST("/api/v1/auth/token", h.IssueToken)
}

type TokenRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username" binding:"required"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := validation.ValidateUsername(req.Username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.UserID == "" {
		req.UserID = uuid.NewString()
	} else if err := validation.ValidateUserID(req.UserID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.auth.GenerateToken(domain.UserID(req.UserID), req.Username)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_id":      req.UserID,
		"username":     req.Username,
		"access_token": token,
		"expires_in":   int(h.ttl / time.Second),
	})
}
