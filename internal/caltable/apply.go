package caltable

import (
	"context"
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenFEACore/internal/calibration"
	"github.com/KevinKickass/OpenFEACore/internal/modules"
	"go.uber.org/zap"
)

type remarker interface {
	SetCalibrationRemark(ctx context.Context, remark string) error
}

type stamper interface {
	UpdateCalibrationStamp(ctx context.Context) error
}

// Apply loads t into m. Curves go first (program, voltage monitor, current
// monitor, quiescent compensation), then the compensation switch, output
// ranges and metadata. Empty curves are left untouched on the device. The
// session must be in calibration mode.
func Apply(ctx context.Context, t *Table, m modules.Calibratable, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if t.Module != m.Number() {
		return fmt.Errorf("%w: table is for module %d, got %d", ErrModuleMismatch, t.Module, m.Number())
	}
	if t.Name != "" && !strings.EqualFold(t.Name, m.Name()) {
		return fmt.Errorf("%w: table is for %s, got %s", ErrModuleMismatch, t.Name, m.Name())
	}

	curves := []struct {
		name  string
		curve calibration.Curve
		set   func(context.Context, calibration.Curve) error
	}{
		{"program", t.Program, m.SetProgramCalibrationPoints},
		{"voltage_monitor", t.VoltageMonitor, m.SetVoltageMonitorCalibrationPoints},
		{"current_monitor", t.CurrentMonitor, m.SetCurrentMonitorCalibrationPoints},
		{"quiescent", t.Quiescent, m.SetQuiescentCompensationPoints},
	}
	for _, c := range curves {
		if len(c.curve) == 0 {
			continue
		}
		if err := c.set(ctx, c.curve); err != nil {
			return fmt.Errorf("failed to load %s curve: %w", c.name, err)
		}
		logger.Debug("Calibration curve loaded",
			zap.Int("module", m.Number()),
			zap.String("curve", c.name),
			zap.Int("points", len(c.curve)))
	}

	if t.QuiescentEnabled != nil {
		if err := m.EnableQuiescentCompensation(ctx, *t.QuiescentEnabled); err != nil {
			return fmt.Errorf("failed to set quiescent compensation: %w", err)
		}
	}

	for _, r := range t.OutputRange {
		if err := m.SetOutputHardwareRange(ctx, r.Channel, r.Low, r.High); err != nil {
			return fmt.Errorf("failed to set output range of channel %d: %w", r.Channel, err)
		}
	}

	if t.Remark != "" {
		if rm, ok := m.(remarker); ok {
			if err := rm.SetCalibrationRemark(ctx, t.Remark); err != nil {
				return fmt.Errorf("failed to set calibration remark: %w", err)
			}
		}
	}
	if t.UpdateStamp {
		if st, ok := m.(stamper); ok {
			if err := st.UpdateCalibrationStamp(ctx); err != nil {
				return fmt.Errorf("failed to update calibration stamp: %w", err)
			}
		}
	}

	logger.Info("Calibration table applied",
		zap.Int("module", m.Number()),
		zap.String("name", m.Name()))
	return nil
}

// ApplyToRegistry looks up the table's module in reg and applies t to it.
func ApplyToRegistry(ctx context.Context, reg *modules.Registry, t *Table, logger *zap.Logger) error {
	mod, err := reg.Get(t.Module)
	if err != nil {
		return err
	}
	cal, ok := mod.(modules.Calibratable)
	if !ok {
		return fmt.Errorf("%w: module %d (%s) is not calibratable", modules.ErrUnsupported, mod.Number(), mod.Name())
	}
	return Apply(ctx, t, cal, logger)
}
