// Package modules models the pluggable units of a mainframe. Behavior is
// composed from a family table and a small set of capability interfaces
// rather than a type hierarchy: every module is a Module, supplies add
// RangeConfigurable, Monitored and Calibratable, and supplies with explicit
// channel lists add MultiChannel.
package modules

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenFEACore/internal/calibration"
	"github.com/KevinKickass/OpenFEACore/internal/session"
	"go.uber.org/zap"
)

// Module is the capability set shared by all module kinds.
type Module interface {
	Number() int
	Name() string
	Kind() Kind
	Family() Family
	Channels() []int

	Select(ctx context.Context) error
	TurnOn(ctx context.Context, wait bool) error
	TurnOff(ctx context.Context, wait bool) error
	State(ctx context.Context) (bool, error)
	Temperature(ctx context.Context) (float64, error)

	core() *base
}

// Monitored modules report per-channel settle state.
type Monitored interface {
	// IsReady refreshes the questionable tree, then returns the cached flag.
	// known is false when ch is not a channel of the module.
	IsReady(ctx context.Context, ch int) (ready bool, known bool, err error)
	Ready(ch int) (ready bool, known bool)
}

// MultiChannel modules switch individual channels.
type MultiChannel interface {
	TurnOnChannels(ctx context.Context, channels []int) error
	TurnOffChannels(ctx context.Context, channels []int) error
	ChannelStates(ctx context.Context, channels []int) ([]bool, error)
}

// RangeConfigurable modules accept output range limits per channel.
type RangeConfigurable interface {
	SetRange(ctx context.Context, channels []int, bounds ...float64) error
	Range(ctx context.Context, ch int) (low, high float64, err error)
}

// Calibratable modules accept calibration curves. All methods fail with
// ErrCalibrationMode unless the session is in calibration mode.
type Calibratable interface {
	Module
	ProgramCalibrationPoints(ctx context.Context) (calibration.Curve, error)
	SetProgramCalibrationPoints(ctx context.Context, curve calibration.Curve) error
	SetVoltageMonitorCalibrationPoints(ctx context.Context, curve calibration.Curve) error
	SetCurrentMonitorCalibrationPoints(ctx context.Context, curve calibration.Curve) error
	SetQuiescentCompensationPoints(ctx context.Context, curve calibration.Curve) error
	EnableQuiescentCompensation(ctx context.Context, enabled bool) error
	SetOutputHardwareRange(ctx context.Context, ch int, low, high float64) error
}

// base carries what every module kind shares.
type base struct {
	sess   *session.Session
	logger *zap.Logger
	number int
	name   string
	family Family

	refresh func(ctx context.Context) error

	mu    sync.RWMutex
	ready map[int]bool
}

func newBase(sess *session.Session, d session.Descriptor, family Family, refresh func(ctx context.Context) error, logger *zap.Logger) *base {
	ready := make(map[int]bool, len(family.Channels))
	for _, ch := range family.Channels {
		ready[ch] = true
	}
	return &base{
		sess:    sess,
		logger:  logger.With(zap.Int("module", d.Number), zap.String("name", d.Name)),
		number:  d.Number,
		name:    d.Name,
		family:  family,
		refresh: refresh,
		ready:   ready,
	}
}

func (b *base) core() *base { return b }

func (b *base) Number() int    { return b.number }
func (b *base) Name() string   { return b.name }
func (b *base) Kind() Kind     { return b.family.Kind }
func (b *base) Family() Family { return b.family }

// Channels returns a copy of the fixed channel set.
func (b *base) Channels() []int {
	out := make([]int, len(b.family.Channels))
	copy(out, b.family.Channels)
	return out
}

// Select makes this module the selected one.
func (b *base) Select(ctx context.Context) error {
	return b.sess.SelectModule(ctx, b.number)
}

// TurnOn switches the module on. With wait the call blocks until the device
// reports the operation complete.
func (b *base) TurnOn(ctx context.Context, wait bool) error {
	return b.switchState(ctx, true, wait)
}

// TurnOff switches the module off.
func (b *base) TurnOff(ctx context.Context, wait bool) error {
	return b.switchState(ctx, false, wait)
}

func (b *base) switchState(ctx context.Context, on, wait bool) error {
	if err := b.sess.Write(ctx, fmt.Sprintf("INST%d:STAT %s", b.number, onOff(on))); err != nil {
		return fmt.Errorf("module %d: %w", b.number, err)
	}
	b.logger.Info("Module switched", zap.Bool("on", on))
	if !wait {
		return nil
	}
	return b.sess.WaitForOperationComplete(ctx, 0)
}

// State reports whether the module is switched on.
func (b *base) State(ctx context.Context) (bool, error) {
	reply, err := b.sess.Query(ctx, fmt.Sprintf("INST%d:STAT?", b.number))
	if err != nil {
		return false, err
	}
	return session.ParseBool(reply)
}

// Temperature returns the internal temperature in degrees Celsius.
func (b *base) Temperature(ctx context.Context) (float64, error) {
	reply, err := b.sess.Query(ctx, fmt.Sprintf("DIAG%d:TEMP?", b.number))
	if err != nil {
		return 0, err
	}
	return session.ParseFloat(reply)
}

// IsReady implements Monitored.
func (b *base) IsReady(ctx context.Context, ch int) (bool, bool, error) {
	if b.refresh != nil {
		if err := b.refresh(ctx); err != nil {
			return false, b.family.hasChannel(ch), err
		}
	}
	ready, known := b.Ready(ch)
	return ready, known, nil
}

// Ready returns the cached flag without wire traffic.
func (b *base) Ready(ch int) (bool, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ready, ok := b.ready[ch]
	return ready, ok
}

// setReady stores a flag and reports whether it changed. Unknown channels are
// ignored.
func (b *base) setReady(ch int, ready bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.ready[ch]
	if !ok || prev == ready {
		return false
	}
	b.ready[ch] = ready
	return true
}

// resolveChannels validates channels against the module's set. An empty
// list addresses all channels. Order is kept so values can be paired with it.
func (b *base) resolveChannels(channels []int) ([]int, error) {
	if len(channels) == 0 {
		return b.Channels(), nil
	}
	out := make([]int, 0, len(channels))
	for _, ch := range channels {
		if err := b.checkChannel(ch); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

func (b *base) checkChannel(ch int) error {
	if !b.family.hasChannel(ch) {
		return fmt.Errorf("%w: module %d has no channel %d", ErrUnknownChannel, b.number, ch)
	}
	return nil
}

func (b *base) queryFloats(ctx context.Context, cmd string) ([]float64, error) {
	reply, err := b.sess.Query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return session.ParseFloats(reply)
}

func (b *base) queryFloat(ctx context.Context, cmd string) (float64, error) {
	reply, err := b.sess.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return session.ParseFloat(reply)
}

func channelList(channels []int) string {
	parts := make([]string, len(channels))
	for i, ch := range channels {
		parts[i] = strconv.Itoa(ch)
	}
	return "(@" + strings.Join(parts, ",") + ")"
}

func floatList(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = session.FormatFloat(v)
	}
	return strings.Join(parts, ",")
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
