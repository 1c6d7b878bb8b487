package modules

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenFEACore/internal/session"
)

// Meter is an ammeter module. It has the single implicit channel 1 and all
// operations are module scoped. Zero check and auto zero address the selected
// module, so they select first under the same lock.
type Meter struct {
	*base
}

// MeasureCurrent returns the measured current in amps.
func (m *Meter) MeasureCurrent(ctx context.Context) (float64, error) {
	return m.queryFloat(ctx, fmt.Sprintf("MEAS%d:CURR?", m.number))
}

// MeasureCurrentADC returns the normalized current monitor ADC reading.
func (m *Meter) MeasureCurrentADC(ctx context.Context) (float64, error) {
	return m.queryFloat(ctx, fmt.Sprintf("CAL%d:MEAS:CURR:LEVEL?", m.number))
}

// SetZeroCheck toggles the zero check input short.
func (m *Meter) SetZeroCheck(ctx context.Context, enabled bool) error {
	return m.sess.WriteModule(ctx, m.number, "SYST:ZCH "+session.FormatBool(enabled))
}

// ZeroCheck reports the zero check state.
func (m *Meter) ZeroCheck(ctx context.Context) (bool, error) {
	return m.queryModuleBool(ctx, "SYST:ZCH?")
}

// SetAutoZero toggles automatic zero correction.
func (m *Meter) SetAutoZero(ctx context.Context, enabled bool) error {
	return m.sess.WriteModule(ctx, m.number, "SYST:ZERO "+session.FormatBool(enabled))
}

// AutoZero reports the auto zero state.
func (m *Meter) AutoZero(ctx context.Context) (bool, error) {
	return m.queryModuleBool(ctx, "SYST:ZERO?")
}

// SetRange selects a fixed measurement range in amps.
func (m *Meter) SetRange(ctx context.Context, amps float64) error {
	if amps <= 0 {
		return fmt.Errorf("%w: current range %g must be positive", ErrOutOfRange, amps)
	}
	return m.sess.Write(ctx, fmt.Sprintf("MEAS%d:CURR:RANG %s", m.number, session.FormatFloat(amps)))
}

// Range returns the measurement range in amps.
func (m *Meter) Range(ctx context.Context) (float64, error) {
	return m.queryFloat(ctx, fmt.Sprintf("MEAS%d:CURR:RANG?", m.number))
}

// AutoRange switches the meter to automatic range selection.
func (m *Meter) AutoRange(ctx context.Context) error {
	return m.sess.Write(ctx, fmt.Sprintf("MEAS%d:CURR:RANG:AUTO", m.number))
}

// IsAutoRange reports whether automatic range selection is active.
func (m *Meter) IsAutoRange(ctx context.Context) (bool, error) {
	reply, err := m.sess.Query(ctx, fmt.Sprintf("MEAS%d:CURR:RANG:AUTO?", m.number))
	if err != nil {
		return false, err
	}
	return session.ParseBool(reply)
}

// SetAveraging sets how many samples are averaged per reading.
func (m *Meter) SetAveraging(ctx context.Context, count int) error {
	if count < 1 {
		return fmt.Errorf("%w: averaging count %d", ErrOutOfRange, count)
	}
	return m.sess.Write(ctx, fmt.Sprintf("MEAS%d:CURR:AVER %d", m.number, count))
}

// Averaging returns the averaging count.
func (m *Meter) Averaging(ctx context.Context) (int, error) {
	reply, err := m.sess.Query(ctx, fmt.Sprintf("MEAS%d:CURR:AVER?", m.number))
	if err != nil {
		return 0, err
	}
	return session.ParseInt(reply)
}

func (m *Meter) queryModuleBool(ctx context.Context, cmd string) (bool, error) {
	reply, err := m.sess.QueryModule(ctx, m.number, cmd)
	if err != nil {
		return false, err
	}
	return session.ParseBool(reply)
}
