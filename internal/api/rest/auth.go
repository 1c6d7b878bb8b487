package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenFEACore/internal/auth"
	"github.com/KevinKickass/OpenFEACore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// POST /api/v1/auth/token
func (s *Server) issueToken(c *gin.Context) {
	if !s.authService.Enabled() {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("AUTH_404", "authentication is disabled", nil))
		return
	}

	var req types.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	accessToken, err := s.authService.LoginUser(c.Request.Context(), req.Username, req.Password, c.ClientIP())
	if err != nil {
		if errors.Is(err, auth.ErrAccountLocked) {
			c.JSON(http.StatusTooManyRequests, types.NewErrorResponse("AUTH_429", "Account temporarily locked", nil))
			return
		}
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Error("Login failed", zap.String("username", req.Username), zap.Error(err))
		}
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Invalid credentials", nil))
		return
	}

	c.JSON(http.StatusOK, types.TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.authService.TokenTTL().Seconds()),
	})
}

// GET /api/v1/auth/me
func (s *Server) getCurrentPrincipal(c *gin.Context) {
	perms, _ := c.Get(auth.ContextPermissions)
	c.JSON(http.StatusOK, gin.H{
		"principal":   auth.Principal(c),
		"permissions": perms,
	})
}
