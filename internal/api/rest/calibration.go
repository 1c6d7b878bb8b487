package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/KevinKickass/OpenFEACore/internal/caltable"
	"github.com/KevinKickass/OpenFEACore/internal/modules"
	"github.com/KevinKickass/OpenFEACore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// POST /api/v1/modules/:number/calibration
func (s *Server) applyCalibrationTable(c *gin.Context) {
	m, ok := s.moduleParam(c)
	if !ok {
		return
	}
	cal, isCal := m.(modules.Calibratable)
	if !isCal {
		s.respondError(c, fmt.Errorf("module %d: %w", m.Number(), modules.ErrUnsupported))
		return
	}

	var req types.CalibrationTableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	table, err := s.lm.CalibrationLoader().Load(req.Table)
	if err != nil {
		if errors.Is(err, caltable.ErrTableNotFound) {
			c.JSON(http.StatusNotFound, types.NewErrorResponse("CALIBRATION_404", "calibration table not found", req.Table))
			return
		}
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CALIBRATION_400", "invalid calibration table", err.Error()))
		return
	}

	if err := caltable.Apply(c.Request.Context(), table, cal, s.logger); err != nil {
		s.respondError(c, err)
		return
	}

	s.logger.Info("Calibration table applied via API",
		zap.Int("module", m.Number()),
		zap.String("table", req.Table),
		zap.String("principal", c.GetString("principal")))
	c.JSON(http.StatusOK, gin.H{"module": m.Number(), "table": req.Table, "applied": true})
}

// GET /api/v1/modules/:number/calibration/program
func (s *Server) getProgramCurve(c *gin.Context) {
	m, ok := s.moduleParam(c)
	if !ok {
		return
	}
	cal, isCal := m.(modules.Calibratable)
	if !isCal {
		s.respondError(c, fmt.Errorf("module %d: %w", m.Number(), modules.ErrUnsupported))
		return
	}
	curve, err := cal.ProgramCalibrationPoints(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"module": m.Number(), "points": curve})
}

// GET /api/v1/modules/:number/calibration/info
func (s *Server) getCalibrationInfo(c *gin.Context) {
	sup, ok := s.supplyParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	serial, err := sup.CalibrationSerial(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	remark, err := sup.CalibrationRemark(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	date, err := sup.CalibrationDate(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	temp, err := sup.CalibrationTemperature(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"module":      sup.Number(),
		"serial":      serial,
		"remark":      remark,
		"date":        date.Format("2006-01-02"),
		"temperature": temp,
	})
}
