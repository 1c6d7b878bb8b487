package rest

import (
	"net/http"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/session
func (s *Server) getSession(c *gin.Context) {
	sess := s.lm.Session()
	id := sess.Identity()
	observed, lastErr := sess.ErrorObserved()

	info := types.SessionInfo{
		ID:              sess.ID.String(),
		Vendor:          id.Vendor,
		Unit:            id.Unit,
		Serial:          id.Serial,
		Firmware:        id.Firmware,
		CalibrationMode: sess.InCalibrationMode(),
		Status:          sess.LastStatus(),
		ErrorObserved:   observed,
	}
	if n, ok := sess.SelectedModule(); ok {
		info.SelectedModule = &n
	}
	if lastErr != nil {
		info.LastError = lastErr
	}
	c.JSON(http.StatusOK, info)
}

// GET /api/v1/session/status
func (s *Server) getStatusByte(c *gin.Context) {
	snap, err := s.lm.Session().StatusByte(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GET /api/v1/session/event-status
func (s *Server) getEventStatus(c *gin.Context) {
	esr, err := s.lm.Session().EventStatus(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, esr)
}

// POST /api/v1/session/errors/clear
func (s *Server) clearErrorFlag(c *gin.Context) {
	s.lm.Session().ClearErrorFlag()
	c.Status(http.StatusNoContent)
}

// POST /api/v1/session/wait?timeout=5s
func (s *Server) waitOperationComplete(c *gin.Context) {
	var timeout time.Duration
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			badRequest(c, "invalid timeout", err)
			return
		}
		timeout = d
	}
	if err := s.lm.Session().WaitForOperationComplete(c.Request.Context(), timeout); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"complete": true})
}

// PUT /api/v1/session/calibration-mode
func (s *Server) setCalibrationMode(c *gin.Context) {
	var req types.CalibrationModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if err := s.lm.Session().SetCalibrationMode(c.Request.Context(), *req.Enabled, req.Password); err != nil {
		s.respondError(c, err)
		return
	}

	s.logger.Info("Calibration mode set via API",
		zap.Bool("enabled", *req.Enabled),
		zap.String("principal", c.GetString("principal")))
	c.JSON(http.StatusOK, gin.H{"calibration_mode": *req.Enabled})
}

// PUT /api/v1/session/calibration-password
func (s *Server) setCalibrationPassword(c *gin.Context) {
	var req types.CalibrationPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if err := s.lm.Session().SetCalibrationPassword(c.Request.Context(), req.OldPassword, req.NewPassword); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
