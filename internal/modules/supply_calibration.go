package modules

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/calibration"
	"github.com/KevinKickass/OpenFEACore/internal/session"
	"go.uber.org/zap"
)

// CalibrationDateLayout is the wire format of CAL<n>:DATE.
const CalibrationDateLayout = "2006-01-02 15:04:05"

func (s *Supply) requireCalibrationMode() error {
	if !s.sess.InCalibrationMode() {
		return fmt.Errorf("module %d: %w", s.number, ErrCalibrationMode)
	}
	return nil
}

func (s *Supply) loadCurve(ctx context.Context, target string, curve calibration.Curve) error {
	if err := s.requireCalibrationMode(); err != nil {
		return err
	}
	cmds, err := calibration.Commands(calibration.Prefix(s.number, target), curve)
	if err != nil {
		return err
	}
	if err := s.sess.WriteBatch(ctx, cmds); err != nil {
		return fmt.Errorf("load %s calibration: %w", target, err)
	}
	s.logger.Info("Calibration curve loaded", zap.String("target", target), zap.Int("points", len(curve)))
	return nil
}

func (s *Supply) readCurve(ctx context.Context, target string) (calibration.Curve, error) {
	if err := s.requireCalibrationMode(); err != nil {
		return nil, err
	}
	reply, err := s.sess.Query(ctx, calibration.Query(calibration.Prefix(s.number, target)))
	if err != nil {
		return nil, err
	}
	return calibration.Decode(reply)
}

// ProgramCalibrationPoints reads back the program voltage curve.
func (s *Supply) ProgramCalibrationPoints(ctx context.Context) (calibration.Curve, error) {
	return s.readCurve(ctx, calibration.TargetProgram)
}

// SetProgramCalibrationPoints loads the program voltage curve. Range values
// are normalized program fractions and may not exceed MaxProgram in magnitude.
func (s *Supply) SetProgramCalibrationPoints(ctx context.Context, curve calibration.Curve) error {
	for i, p := range curve {
		if math.Abs(p.Range) > s.family.MaxProgram {
			return fmt.Errorf("%w: program point %d range %g exceeds %g",
				ErrOutOfRange, i, p.Range, s.family.MaxProgram)
		}
	}
	return s.loadCurve(ctx, calibration.TargetProgram, curve)
}

// SetVoltageMonitorCalibrationPoints loads the voltage monitor curve.
func (s *Supply) SetVoltageMonitorCalibrationPoints(ctx context.Context, curve calibration.Curve) error {
	return s.loadCurve(ctx, calibration.TargetVoltageMonitor, curve)
}

// SetCurrentMonitorCalibrationPoints loads the current monitor curve.
func (s *Supply) SetCurrentMonitorCalibrationPoints(ctx context.Context, curve calibration.Curve) error {
	return s.loadCurve(ctx, calibration.TargetCurrentMonitor, curve)
}

// SetQuiescentCompensationPoints loads the quiescent current compensation curve.
func (s *Supply) SetQuiescentCompensationPoints(ctx context.Context, curve calibration.Curve) error {
	return s.loadCurve(ctx, calibration.TargetQuiescent, curve)
}

// EnableQuiescentCompensation turns quiescent current compensation on or off.
func (s *Supply) EnableQuiescentCompensation(ctx context.Context, enabled bool) error {
	if err := s.requireCalibrationMode(); err != nil {
		return err
	}
	return s.sess.Write(ctx, fmt.Sprintf("CAL%d:MEAS:CURR:QCOM:STATE %s", s.number, session.FormatBool(enabled)))
}

// SetOutputHardwareRange sets the hardware output limits of a channel.
func (s *Supply) SetOutputHardwareRange(ctx context.Context, ch int, low, high float64) error {
	if err := s.checkChannel(ch); err != nil {
		return err
	}
	if low > high {
		return fmt.Errorf("%w: low %g above high %g", ErrOutOfRange, low, high)
	}
	if err := s.requireCalibrationMode(); err != nil {
		return err
	}

	lo, hi := session.FormatFloat(low), session.FormatFloat(high)
	cmd := fmt.Sprintf("CAL%d:OUTP:RANGE %s,%s", s.number, lo, hi)
	if s.family.Explicit {
		cmd = fmt.Sprintf("CAL%d:OUTP:RANGE (@%d),%s,%s", s.number, ch, lo, hi)
	}
	return s.sess.Write(ctx, cmd)
}

// CalibrationSerial returns the serial number stored with the calibration.
func (s *Supply) CalibrationSerial(ctx context.Context) (string, error) {
	reply, err := s.sess.Query(ctx, fmt.Sprintf("CAL%d:SER?", s.number))
	if err != nil {
		return "", err
	}
	return session.Unquote(reply), nil
}

// SetCalibrationSerial stores the serial number.
func (s *Supply) SetCalibrationSerial(ctx context.Context, serial string) error {
	if err := s.requireCalibrationMode(); err != nil {
		return err
	}
	return s.sess.Write(ctx, fmt.Sprintf("CAL%d:SER %s", s.number, session.Quote(serial)))
}

// CalibrationRemark returns the free-form calibration remark.
func (s *Supply) CalibrationRemark(ctx context.Context) (string, error) {
	reply, err := s.sess.Query(ctx, fmt.Sprintf("CAL%d:REM?", s.number))
	if err != nil {
		return "", err
	}
	return session.Unquote(reply), nil
}

// SetCalibrationRemark stores the calibration remark.
func (s *Supply) SetCalibrationRemark(ctx context.Context, remark string) error {
	if err := s.requireCalibrationMode(); err != nil {
		return err
	}
	return s.sess.Write(ctx, fmt.Sprintf("CAL%d:REM %s", s.number, session.Quote(remark)))
}

// CalibrationTemperature returns the temperature recorded at calibration.
func (s *Supply) CalibrationTemperature(ctx context.Context) (float64, error) {
	return s.queryFloat(ctx, fmt.Sprintf("CAL%d:TEMP?", s.number))
}

// SetCalibrationTemperature records the calibration temperature.
func (s *Supply) SetCalibrationTemperature(ctx context.Context, celsius float64) error {
	if err := s.requireCalibrationMode(); err != nil {
		return err
	}
	return s.sess.Write(ctx, fmt.Sprintf("CAL%d:TEMP %s", s.number, session.FormatFloat(celsius)))
}

// UpdateCalibrationStamp lets the device record the current time and
// temperature as the calibration stamp.
func (s *Supply) UpdateCalibrationStamp(ctx context.Context) error {
	if err := s.requireCalibrationMode(); err != nil {
		return err
	}
	return s.sess.Write(ctx, fmt.Sprintf("CAL%d:UPD", s.number))
}

// CalibrationDate returns the calibration date.
func (s *Supply) CalibrationDate(ctx context.Context) (time.Time, error) {
	reply, err := s.sess.Query(ctx, fmt.Sprintf("CAL%d:DATE?", s.number))
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(CalibrationDateLayout, session.Unquote(reply))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: calibration date %q", session.ErrMalformedReply, reply)
	}
	return t, nil
}

// SetCalibrationDate stores the calibration date.
func (s *Supply) SetCalibrationDate(ctx context.Context, t time.Time) error {
	if err := s.requireCalibrationMode(); err != nil {
		return err
	}
	return s.sess.Write(ctx, fmt.Sprintf("CAL%d:DATE %s", s.number, session.Quote(t.Format(CalibrationDateLayout))))
}

// SetCalibrationState enables or disables the stored calibration of a channel.
func (s *Supply) SetCalibrationState(ctx context.Context, ch int, enabled bool) error {
	if err := s.checkChannel(ch); err != nil {
		return err
	}
	if err := s.requireCalibrationMode(); err != nil {
		return err
	}
	return s.sess.Write(ctx, fmt.Sprintf("CAL%d:STATE (@%d),%s", s.number, ch, session.FormatBool(enabled)))
}

// CalibrationState reports whether the stored calibration of a channel is in use.
func (s *Supply) CalibrationState(ctx context.Context, ch int) (bool, error) {
	if err := s.checkChannel(ch); err != nil {
		return false, err
	}
	reply, err := s.sess.Query(ctx, fmt.Sprintf("CAL%d:STATE? (@%d)", s.number, ch))
	if err != nil {
		return false, err
	}
	return session.ParseBool(reply)
}
