package session

import (
	"context"

	"go.uber.org/zap"
)

// SetCalibrationMode enters or leaves calibration mode. Entering requires the
// calibration password.
func (s *Session) SetCalibrationMode(ctx context.Context, enabled bool, password string) error {
	cmd := "CAL:MODE OFF"
	if enabled {
		cmd = "CAL:MODE ON," + Quote(password)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(ctx, cmd); err != nil {
		return err
	}
	if err := s.checkErrorsLocked(ctx); err != nil {
		return err
	}
	s.calibrationMode = enabled
	s.logger.Info("Calibration mode changed", zap.Bool("enabled", enabled))
	return nil
}

// CalibrationMode queries the device and refreshes the cached flag.
func (s *Session) CalibrationMode(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply, err := s.queryLocked(ctx, "CAL:MODE?")
	if err != nil {
		return false, err
	}
	if err := s.checkErrorsLocked(ctx); err != nil {
		return false, err
	}
	enabled, err := ParseBool(reply)
	if err != nil {
		return false, err
	}
	s.calibrationMode = enabled
	return enabled, nil
}

// InCalibrationMode returns the cached flag without wire traffic.
func (s *Session) InCalibrationMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calibrationMode
}

// SetCalibrationPassword replaces the calibration password.
func (s *Session) SetCalibrationPassword(ctx context.Context, oldPassword, newPassword string) error {
	return s.Write(ctx, "CAL:PASS:NEW "+Quote(oldPassword)+","+Quote(newPassword))
}
