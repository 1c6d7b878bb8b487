package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenFEACore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, status)
}

// POST /api/v1/system/reconnect
func (s *Server) reconnect(c *gin.Context) {
	s.logger.Info("Reconnect requested via API", zap.String("principal", c.GetString("principal")))

	if err := s.lm.Reconnect(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("SYSTEM_503", "Reconnect failed", err.Error()))
		return
	}
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}
