package modules

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenFEACore/internal/session"
	"go.uber.org/zap"
)

// Supply is a voltage source. Families with implicit channels address the
// single channel 1 without a channel list on the wire.
type Supply struct {
	*base
}

// MultiSupply is a supply with an explicit channel list, which adds per
// channel switching.
type MultiSupply struct {
	*Supply
}

// address renders the channel suffix of a command. For implicit families it
// is empty.
func (s *Supply) address(channels []int) string {
	if !s.family.Explicit {
		return ""
	}
	return " " + channelList(channels)
}

// SetVoltage programs one value per channel. An empty channel list addresses
// all channels. Values are checked against the family bounds before anything
// is sent.
func (s *Supply) SetVoltage(ctx context.Context, channels []int, values []float64) error {
	chs, err := s.resolveChannels(channels)
	if err != nil {
		return err
	}
	if len(values) != len(chs) {
		return fmt.Errorf("%w: %d values for %d channels", ErrValueCount, len(values), len(chs))
	}
	for i, v := range values {
		if v < s.family.MinVoltage || v > s.family.MaxVoltage {
			return fmt.Errorf("%w: channel %d voltage %g outside [%g, %g]",
				ErrOutOfRange, chs[i], v, s.family.MinVoltage, s.family.MaxVoltage)
		}
	}

	var cmd string
	if s.family.Explicit {
		cmd = fmt.Sprintf("SOUR%d:VOLT %s,%s", s.number, channelList(chs), floatList(values))
	} else {
		cmd = fmt.Sprintf("SOUR%d:VOLT %s", s.number, floatList(values))
	}
	if err := s.sess.Write(ctx, cmd); err != nil {
		return fmt.Errorf("set voltage: %w", err)
	}

	s.logger.Debug("Voltage programmed", zap.Ints("channels", chs), zap.Float64s("values", values))
	return nil
}

// Voltage returns the programmed voltages.
func (s *Supply) Voltage(ctx context.Context, channels []int) ([]float64, error) {
	chs, err := s.resolveChannels(channels)
	if err != nil {
		return nil, err
	}
	return s.queryFloats(ctx, fmt.Sprintf("SOUR%d:VOLT?%s", s.number, s.address(chs)))
}

// MeasureVoltage returns the actual output voltages.
func (s *Supply) MeasureVoltage(ctx context.Context, channels []int) ([]float64, error) {
	chs, err := s.resolveChannels(channels)
	if err != nil {
		return nil, err
	}
	return s.queryFloats(ctx, fmt.Sprintf("MEAS%d:VOLT?%s", s.number, s.address(chs)))
}

// MeasureCurrent returns the actual output currents in amps.
func (s *Supply) MeasureCurrent(ctx context.Context, channels []int) ([]float64, error) {
	chs, err := s.resolveChannels(channels)
	if err != nil {
		return nil, err
	}
	return s.queryFloats(ctx, fmt.Sprintf("MEAS%d:CURR?%s", s.number, s.address(chs)))
}

// SetRange sets the output range. With a single bound the other is derived
// by the family range policy; with two bounds they are used as low and high.
func (s *Supply) SetRange(ctx context.Context, channels []int, bounds ...float64) error {
	chs, err := s.resolveChannels(channels)
	if err != nil {
		return err
	}
	low, high, err := s.rangeBounds(bounds)
	if err != nil {
		return err
	}

	cmd := fmt.Sprintf("OUTP%d:RANG %s,%s", s.number, session.FormatFloat(low), session.FormatFloat(high))
	if s.family.Explicit {
		cmd = fmt.Sprintf("OUTP%d:RANG %s,%s,%s", s.number, channelList(chs),
			session.FormatFloat(low), session.FormatFloat(high))
	}
	if err := s.sess.Write(ctx, cmd); err != nil {
		return fmt.Errorf("set range: %w", err)
	}
	return nil
}

func (s *Supply) rangeBounds(bounds []float64) (float64, float64, error) {
	var low, high float64
	switch len(bounds) {
	case 1:
		low, high = s.family.Range(bounds[0])
	case 2:
		low, high = bounds[0], bounds[1]
	default:
		return 0, 0, fmt.Errorf("%w: range takes one or two bounds, got %d", ErrValueCount, len(bounds))
	}

	limit := s.family.VoltageLimit()
	if low > high || low < -limit || high > limit {
		return 0, 0, fmt.Errorf("%w: range [%g, %g] exceeds ±%g", ErrOutOfRange, low, high, limit)
	}
	return low, high, nil
}

// Range returns the output range of one channel.
func (s *Supply) Range(ctx context.Context, ch int) (float64, float64, error) {
	if err := s.checkChannel(ch); err != nil {
		return 0, 0, err
	}
	values, err := s.queryFloats(ctx, fmt.Sprintf("OUTP%d:RANG?%s", s.number, s.address([]int{ch})))
	if err != nil {
		return 0, 0, err
	}
	if len(values) != 2 {
		return 0, 0, fmt.Errorf("%w: range reply has %d values", session.ErrMalformedReply, len(values))
	}
	return values[0], values[1], nil
}

// VoltageMonitorADC returns the normalized voltage monitor ADC reading.
func (s *Supply) VoltageMonitorADC(ctx context.Context) (float64, error) {
	return s.queryFloat(ctx, fmt.Sprintf("CAL%d:MEAS:VOLT:LEVEL?", s.number))
}

// CurrentMonitorADC returns the normalized current monitor ADC reading.
func (s *Supply) CurrentMonitorADC(ctx context.Context) (float64, error) {
	return s.queryFloat(ctx, fmt.Sprintf("CAL%d:MEAS:CURR:LEVEL?", s.number))
}

// TurnOnChannels switches channels on. An empty list addresses all channels.
func (m *MultiSupply) TurnOnChannels(ctx context.Context, channels []int) error {
	return m.switchChannels(ctx, channels, true)
}

// TurnOffChannels switches channels off.
func (m *MultiSupply) TurnOffChannels(ctx context.Context, channels []int) error {
	return m.switchChannels(ctx, channels, false)
}

func (m *MultiSupply) switchChannels(ctx context.Context, channels []int, on bool) error {
	chs, err := m.resolveChannels(channels)
	if err != nil {
		return err
	}
	if err := m.sess.Write(ctx, fmt.Sprintf("OUTP%d:STAT %s,%s", m.number, channelList(chs), onOff(on))); err != nil {
		return fmt.Errorf("switch channels: %w", err)
	}
	m.logger.Info("Channels switched", zap.Ints("channels", chs), zap.Bool("on", on))
	return nil
}

// ChannelStates reports the output state of each channel.
func (m *MultiSupply) ChannelStates(ctx context.Context, channels []int) ([]bool, error) {
	chs, err := m.resolveChannels(channels)
	if err != nil {
		return nil, err
	}
	reply, err := m.sess.Query(ctx, fmt.Sprintf("OUTP%d:STAT? %s", m.number, channelList(chs)))
	if err != nil {
		return nil, err
	}
	return session.ParseBools(reply)
}
