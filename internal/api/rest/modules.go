package rest

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenFEACore/internal/modules"
	"github.com/KevinKickass/OpenFEACore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func moduleInfo(m modules.Module) types.ModuleInfo {
	f := m.Family()
	info := types.ModuleInfo{
		Number:     m.Number(),
		Name:       m.Name(),
		Family:     f.Prefix,
		Kind:       string(m.Kind()),
		MinVoltage: f.MinVoltage,
		MaxVoltage: f.MaxVoltage,
	}
	_, info.MultiChannel = m.(modules.MultiChannel)
	_, info.Calibratable = m.(modules.Calibratable)

	mon, _ := m.(modules.Monitored)
	for _, ch := range m.Channels() {
		ci := types.ChannelInfo{Channel: ch}
		if mon != nil {
			ci.Ready, _ = mon.Ready(ch)
		}
		info.Channels = append(info.Channels, ci)
	}
	return info
}

// GET /api/v1/modules
func (s *Server) listModules(c *gin.Context) {
	mods := s.lm.Registry().Modules()
	out := make([]types.ModuleInfo, 0, len(mods))
	for _, m := range mods {
		out = append(out, moduleInfo(m))
	}
	c.JSON(http.StatusOK, gin.H{
		"modules": out,
		"count":   len(out),
	})
}

// GET /api/v1/modules/:number
func (s *Server) getModule(c *gin.Context) {
	m, ok := s.moduleParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, moduleInfo(m))
}

func (s *Server) supplyParam(c *gin.Context) (*modules.Supply, bool) {
	m, ok := s.moduleParam(c)
	if !ok {
		return nil, false
	}
	sup := modules.AsSupply(m)
	if sup == nil {
		s.respondError(c, fmt.Errorf("module %d is a %s: %w", m.Number(), m.Kind(), modules.ErrUnsupported))
		return nil, false
	}
	return sup, true
}

func (s *Server) meterParam(c *gin.Context) (*modules.Meter, bool) {
	m, ok := s.moduleParam(c)
	if !ok {
		return nil, false
	}
	meter, isMeter := m.(*modules.Meter)
	if !isMeter {
		s.respondError(c, fmt.Errorf("module %d is a %s: %w", m.Number(), m.Kind(), modules.ErrUnsupported))
		return nil, false
	}
	return meter, true
}

// channelsOrAll returns the requested channels, or all of m's channels.
func channelsOrAll(m modules.Module, channels []int) []int {
	if len(channels) == 0 {
		return m.Channels()
	}
	return channels
}

// GET /api/v1/modules/:number/voltage?channels=1,2
func (s *Server) getVoltage(c *gin.Context) {
	sup, ok := s.supplyParam(c)
	if !ok {
		return
	}
	channels, ok := channelsQuery(c)
	if !ok {
		return
	}
	values, err := sup.Voltage(c.Request.Context(), channels)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.ChannelValues{Module: sup.Number(), Channels: channelsOrAll(sup, channels), Values: values})
}

// PUT /api/v1/modules/:number/voltage
func (s *Server) setVoltage(c *gin.Context) {
	sup, ok := s.supplyParam(c)
	if !ok {
		return
	}
	var req types.VoltageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if err := sup.SetVoltage(c.Request.Context(), req.Channels, req.Values); err != nil {
		s.respondError(c, err)
		return
	}

	s.logger.Info("Voltage set via API",
		zap.Int("module", sup.Number()),
		zap.Ints("channels", req.Channels),
		zap.Float64s("values", req.Values),
		zap.String("principal", c.GetString("principal")))
	c.JSON(http.StatusOK, types.ChannelValues{Module: sup.Number(), Channels: channelsOrAll(sup, req.Channels), Values: req.Values})
}

// GET /api/v1/modules/:number/measure?channels=1,2
func (s *Server) measure(c *gin.Context) {
	m, ok := s.moduleParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if meter, isMeter := m.(*modules.Meter); isMeter {
		amps, err := meter.MeasureCurrent(ctx)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"module": m.Number(), "current": amps})
		return
	}

	sup := modules.AsSupply(m)
	if sup == nil {
		s.respondError(c, modules.ErrUnsupported)
		return
	}
	channels, ok := channelsQuery(c)
	if !ok {
		return
	}
	volts, err := sup.MeasureVoltage(ctx, channels)
	if err != nil {
		s.respondError(c, err)
		return
	}
	amps, err := sup.MeasureCurrent(ctx, channels)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"module":   m.Number(),
		"channels": channelsOrAll(m, channels),
		"voltage":  volts,
		"current":  amps,
	})
}

// GET /api/v1/modules/:number/range?channel=1
func (s *Server) getRange(c *gin.Context) {
	m, ok := s.moduleParam(c)
	if !ok {
		return
	}
	rc, isRange := m.(modules.RangeConfigurable)
	if !isRange {
		s.respondError(c, modules.ErrUnsupported)
		return
	}
	ch := 1
	if raw := c.Query("channel"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "invalid channel", err)
			return
		}
		ch = v
	}
	low, high, err := rc.Range(c.Request.Context(), ch)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"module": m.Number(), "channel": ch, "low": low, "high": high})
}

// PUT /api/v1/modules/:number/range
func (s *Server) setRange(c *gin.Context) {
	m, ok := s.moduleParam(c)
	if !ok {
		return
	}
	rc, isRange := m.(modules.RangeConfigurable)
	if !isRange {
		s.respondError(c, modules.ErrUnsupported)
		return
	}
	var req types.RangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if err := rc.SetRange(c.Request.Context(), req.Channels, req.Bounds...); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/v1/modules/:number/output
func (s *Server) getOutput(c *gin.Context) {
	m, ok := s.moduleParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	on, err := m.State(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	resp := gin.H{"module": m.Number(), "on": on}

	if mc, isMulti := m.(modules.MultiChannel); isMulti {
		states, err := mc.ChannelStates(ctx, nil)
		if err != nil {
			s.respondError(c, err)
			return
		}
		resp["channels"] = m.Channels()
		resp["channel_states"] = states
	}
	c.JSON(http.StatusOK, resp)
}

// PUT /api/v1/modules/:number/output
func (s *Server) setOutput(c *gin.Context) {
	m, ok := s.moduleParam(c)
	if !ok {
		return
	}
	var req types.SwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	ctx := c.Request.Context()

	var err error
	switch {
	case len(req.Channels) > 0:
		mc, isMulti := m.(modules.MultiChannel)
		if !isMulti {
			s.respondError(c, fmt.Errorf("module %d has no per-channel switching: %w", m.Number(), modules.ErrUnsupported))
			return
		}
		if *req.On {
			err = mc.TurnOnChannels(ctx, req.Channels)
		} else {
			err = mc.TurnOffChannels(ctx, req.Channels)
		}
	case *req.On:
		err = m.TurnOn(ctx, req.Wait)
	default:
		err = m.TurnOff(ctx, req.Wait)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.logger.Info("Output switched via API",
		zap.Int("module", m.Number()),
		zap.Bool("on", *req.On),
		zap.Ints("channels", req.Channels),
		zap.String("principal", c.GetString("principal")))
	c.Status(http.StatusNoContent)
}

// POST /api/v1/modules/off?wait=true
func (s *Server) turnOffAll(c *gin.Context) {
	wait := c.Query("wait") == "true"
	if err := s.lm.Registry().TurnOffAll(c.Request.Context(), wait); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/v1/readiness
func (s *Server) getReadiness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": s.lm.Registry().Readiness()})
}

// GET /api/v1/modules/:number/readiness?refresh=true
func (s *Server) getModuleReadiness(c *gin.Context) {
	m, ok := s.moduleParam(c)
	if !ok {
		return
	}
	mon, isMon := m.(modules.Monitored)
	if !isMon {
		s.respondError(c, modules.ErrUnsupported)
		return
	}

	refresh := c.Query("refresh") == "true"
	channels := make([]gin.H, 0, len(m.Channels()))
	for _, ch := range m.Channels() {
		var ready, known bool
		if refresh {
			var err error
			ready, known, err = mon.IsReady(c.Request.Context(), ch)
			if err != nil {
				s.respondError(c, err)
				return
			}
		} else {
			ready, known = mon.Ready(ch)
		}
		channels = append(channels, gin.H{"channel": ch, "ready": ready, "known": known})
	}
	c.JSON(http.StatusOK, gin.H{"module": m.Number(), "channels": channels})
}

// GET /api/v1/modules/:number/temperature
func (s *Server) getTemperature(c *gin.Context) {
	m, ok := s.moduleParam(c)
	if !ok {
		return
	}
	t, err := m.Temperature(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"module": m.Number(), "celsius": t})
}

// GET /api/v1/modules/:number/meter
func (s *Server) getMeterSettings(c *gin.Context) {
	meter, ok := s.meterParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	zeroCheck, err := meter.ZeroCheck(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	autoZero, err := meter.AutoZero(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	rng, err := meter.Range(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	autoRange, err := meter.IsAutoRange(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	avg, err := meter.Averaging(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"module":     meter.Number(),
		"zero_check": zeroCheck,
		"auto_zero":  autoZero,
		"range":      rng,
		"auto_range": autoRange,
		"averaging":  avg,
	})
}

// PUT /api/v1/modules/:number/meter
func (s *Server) setMeterSettings(c *gin.Context) {
	meter, ok := s.meterParam(c)
	if !ok {
		return
	}
	var req types.MeterSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if req.AutoRange && req.Range != nil {
		badRequest(c, "range and auto_range are exclusive", nil)
		return
	}
	ctx := c.Request.Context()

	if req.ZeroCheck != nil {
		if err := meter.SetZeroCheck(ctx, *req.ZeroCheck); err != nil {
			s.respondError(c, err)
			return
		}
	}
	if req.AutoZero != nil {
		if err := meter.SetAutoZero(ctx, *req.AutoZero); err != nil {
			s.respondError(c, err)
			return
		}
	}
	if req.Range != nil {
		if err := meter.SetRange(ctx, *req.Range); err != nil {
			s.respondError(c, err)
			return
		}
	}
	if req.AutoRange {
		if err := meter.AutoRange(ctx); err != nil {
			s.respondError(c, err)
			return
		}
	}
	if req.Averaging != nil {
		if err := meter.SetAveraging(ctx, *req.Averaging); err != nil {
			s.respondError(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}
