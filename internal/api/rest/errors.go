package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenFEACore/internal/bus"
	"github.com/KevinKickass/OpenFEACore/internal/calibration"
	"github.com/KevinKickass/OpenFEACore/internal/caltable"
	"github.com/KevinKickass/OpenFEACore/internal/modules"
	"github.com/KevinKickass/OpenFEACore/internal/session"
	"github.com/KevinKickass/OpenFEACore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// device error raised by calibration writes without access
const commandProtected = -203

// respondError maps domain errors to HTTP status and error codes.
func (s *Server) respondError(c *gin.Context, err error) {
	var devErr *session.DeviceError

	status, code := http.StatusInternalServerError, "INTERNAL_500"
	var details any
	switch {
	case errors.Is(err, session.ErrUnknownModule):
		status, code = http.StatusNotFound, "MODULE_404"
	case errors.Is(err, modules.ErrUnknownChannel):
		status, code = http.StatusBadRequest, "CHANNEL_400"
	case errors.Is(err, modules.ErrOutOfRange), errors.Is(err, modules.ErrValueCount):
		status, code = http.StatusBadRequest, "VALUE_400"
	case errors.Is(err, calibration.ErrMalformedCalibrationData):
		status, code = http.StatusBadRequest, "CALIBRATION_400"
	case errors.Is(err, caltable.ErrModuleMismatch):
		status, code = http.StatusConflict, "CALIBRATION_409"
	case errors.Is(err, modules.ErrCalibrationMode):
		status, code = http.StatusConflict, "CALIBRATION_MODE_409"
	case errors.Is(err, modules.ErrUnsupported):
		status, code = http.StatusBadRequest, "UNSUPPORTED_400"
	case errors.Is(err, session.ErrTimeout):
		status, code = http.StatusGatewayTimeout, "TIMEOUT_504"
	case errors.Is(err, session.ErrClosed):
		status, code = http.StatusServiceUnavailable, "SESSION_503"
	case errors.As(err, &devErr) && devErr.Code == commandProtected:
		status, code = http.StatusForbidden, "CALIBRATION_403"
		details = devErr
	case errors.As(err, &devErr):
		status, code = http.StatusBadGateway, "DEVICE_502"
		details = devErr
	case errors.Is(err, bus.ErrTransportFailure), errors.Is(err, session.ErrMalformedReply):
		status, code = http.StatusBadGateway, "BUS_502"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.JSON(status, types.NewErrorResponse(code, err.Error(), details))
}

func badRequest(c *gin.Context, message string, err error) {
	var details any
	if err != nil {
		details = err.Error()
	}
	c.JSON(http.StatusBadRequest, types.NewErrorResponse("REQUEST_400", message, details))
}

// moduleParam resolves the :number path parameter.
func (s *Server) moduleParam(c *gin.Context) (modules.Module, bool) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number < 1 {
		badRequest(c, "invalid module number", nil)
		return nil, false
	}
	m, err := s.lm.Registry().Get(number)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	return m, true
}

// channelsQuery parses ?channels=1,2,3. Missing means all channels.
func channelsQuery(c *gin.Context) ([]int, bool) {
	raw := c.Query("channels")
	if raw == "" {
		return nil, true
	}
	var out []int
	for _, f := range strings.Split(raw, ",") {
		ch, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			badRequest(c, "invalid channel list", err)
			return nil, false
		}
		out = append(out, ch)
	}
	return out, true
}
