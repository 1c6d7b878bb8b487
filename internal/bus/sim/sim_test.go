package sim

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/bus"
	"github.com/KevinKickass/OpenFEACore/internal/calibration"
	"github.com/KevinKickass/OpenFEACore/internal/modules"
	"github.com/KevinKickass/OpenFEACore/internal/monitor"
	"github.com/KevinKickass/OpenFEACore/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openSim(t *testing.T, cfg Config) (*session.Session, *modules.Registry) {
	t.Helper()
	m, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	sess, err := session.Open(ctx, m, session.Options{ExpectedVendor: "ISI Brno"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	reg, err := modules.NewRegistry(ctx, sess, zap.NewNop())
	require.NoError(t, err)
	return sess, reg
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Settle = 0
	return cfg
}

func TestParseConfig(t *testing.T) {
	u, err := url.Parse("sim://fea?modules=QBS,AMM&settle=50ms&opc=1s&password=secret&serial=X1")
	require.NoError(t, err)

	cfg, err := ParseConfig(u)
	require.NoError(t, err)
	assert.Equal(t, []string{"QBS", "AMM"}, cfg.Modules)
	assert.Equal(t, 50*time.Millisecond, cfg.Settle)
	assert.Equal(t, time.Second, cfg.OPCDelay)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "X1", cfg.Serial)
	assert.Equal(t, "FEA", cfg.Unit)

	u, err = url.Parse("sim://fea?settle=soon")
	require.NoError(t, err)
	_, err = ParseConfig(u)
	assert.Error(t, err)
}

func TestNewRejectsUnknownFamily(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Modules = []string{"XYZ"}
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestBusRegistration(t *testing.T) {
	assert.Contains(t, bus.Drivers(), "sim")

	b, err := bus.Open(context.Background(), "sim://fea?modules=EPS")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.WriteLine(context.Background(), "*IDN?"))
	line, err := b.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ISI Brno,FEA,SIM0001,sim-1.0", line)
}

func TestSessionOverSimulator(t *testing.T) {
	sess, reg := openSim(t, fastConfig())

	id := sess.Identity()
	assert.Equal(t, "ISI Brno", id.Vendor)
	assert.Equal(t, "FEA", id.Unit)

	require.Len(t, reg.Modules(), 4)
	names := make([]string, 0, 4)
	for _, m := range reg.Modules() {
		names = append(names, m.Name())
	}
	assert.Equal(t, []string{"EPS1", "QBS2", "DUS3", "AMM4"}, names)
}

func TestDeviceErrorsSurface(t *testing.T) {
	sess, _ := openSim(t, fastConfig())
	ctx := context.Background()

	err := sess.Write(ctx, "BOGUS:CMD 1")
	var devErr *session.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, -113, devErr.Code)
	assert.Equal(t, "Undefined header", devErr.Text)

	observed, last := sess.ErrorObserved()
	assert.True(t, observed)
	assert.Equal(t, -113, last.Code)

	// The queue was drained by the session.
	reply, err := sess.QueryUnchecked(ctx, "SYST:ERR?")
	require.NoError(t, err)
	assert.Equal(t, `0,"No error"`, reply)
}

func TestSupplyRoundTrip(t *testing.T) {
	_, reg := openSim(t, fastConfig())
	ctx := context.Background()

	qbs, err := reg.Supply(2)
	require.NoError(t, err)

	require.NoError(t, qbs.SetVoltage(ctx, []int{1, 3}, []float64{12.5, -40}))
	got, err := qbs.Voltage(ctx, []int{3, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{-40, 12.5}, got)

	require.NoError(t, qbs.TurnOn(ctx, true))
	mod, err := reg.Get(2)
	require.NoError(t, err)
	multi, ok := mod.(modules.MultiChannel)
	require.True(t, ok)
	require.NoError(t, multi.TurnOnChannels(ctx, []int{1}))

	measured, err := qbs.MeasureVoltage(ctx, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []float64{12.5}, measured)

	require.NoError(t, qbs.SetRange(ctx, []int{1}, 5))
	low, high, err := qbs.Range(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, -5.0, low)
	assert.Equal(t, 5.0, high)

	measured, err = qbs.MeasureVoltage(ctx, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []float64{5}, measured)
}

func TestReadinessOverSimulator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Settle = 100 * time.Millisecond
	_, reg := openSim(t, cfg)
	ctx := context.Background()

	mon := monitor.New(reg, monitor.Options{}, zap.NewNop())
	var mu sync.Mutex
	var seen []session.ReadinessUpdate
	mon.AddListener(func(ev monitor.Event) {
		mu.Lock()
		seen = append(seen, ev.Readiness...)
		mu.Unlock()
	})
	require.NoError(t, mon.Start())
	defer mon.Stop()

	eps, err := reg.Supply(1)
	require.NoError(t, err)
	require.NoError(t, eps.SetVoltage(ctx, nil, []float64{1000}))
	require.NoError(t, eps.TurnOn(ctx, false))

	require.Eventually(t, func() bool {
		ready, known := eps.Ready(1)
		if !known || !ready {
			return false
		}
		v, err := eps.MeasureVoltage(ctx, nil)
		return err == nil && len(v) == 1 && v[0] == 1000
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	sawBusy := false
	for _, u := range seen {
		assert.Equal(t, 1, u.Module)
		assert.Equal(t, 1, u.Channel)
		if !u.Ready {
			sawBusy = true
		}
	}
	assert.True(t, sawBusy)
}

func TestCalibrationOverSimulator(t *testing.T) {
	sess, reg := openSim(t, fastConfig())
	ctx := context.Background()

	eps, err := reg.Supply(1)
	require.NoError(t, err)

	curve := calibration.Curve{{Domain: 0, Range: 0}, {Domain: 5000, Range: 0.998}}
	assert.ErrorIs(t, eps.SetProgramCalibrationPoints(ctx, curve), modules.ErrCalibrationMode)

	var devErr *session.DeviceError
	require.ErrorAs(t, sess.SetCalibrationMode(ctx, true, "wrong"), &devErr)
	assert.Equal(t, -203, devErr.Code)

	require.NoError(t, sess.SetCalibrationMode(ctx, true, "fea"))
	require.NoError(t, eps.SetProgramCalibrationPoints(ctx, curve))

	got, err := eps.ProgramCalibrationPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, curve, got)

	require.NoError(t, eps.SetCalibrationRemark(ctx, "after repair"))
	remark, err := eps.CalibrationRemark(ctx)
	require.NoError(t, err)
	assert.Equal(t, "after repair", remark)

	stamp := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, eps.SetCalibrationDate(ctx, stamp))
	date, err := eps.CalibrationDate(ctx)
	require.NoError(t, err)
	assert.True(t, stamp.Equal(date))

	require.NoError(t, sess.SetCalibrationPassword(ctx, "fea", "new"))
	require.NoError(t, sess.SetCalibrationMode(ctx, false, ""))
	require.NoError(t, sess.SetCalibrationMode(ctx, true, "new"))
}

func TestQuotedStringsOverSimulator(t *testing.T) {
	sess, reg := openSim(t, fastConfig())
	ctx := context.Background()

	odd := `p"w,1;\ä`
	require.NoError(t, sess.SetCalibrationMode(ctx, true, "fea"))
	require.NoError(t, sess.SetCalibrationPassword(ctx, "fea", odd))
	require.NoError(t, sess.SetCalibrationMode(ctx, false, ""))

	var devErr *session.DeviceError
	require.ErrorAs(t, sess.SetCalibrationMode(ctx, true, "p"), &devErr)
	assert.Equal(t, -203, devErr.Code)
	require.NoError(t, sess.SetCalibrationMode(ctx, true, odd))

	eps, err := reg.Supply(1)
	require.NoError(t, err)
	remark := `rack "B"; shelf 2, ok`
	require.NoError(t, eps.SetCalibrationRemark(ctx, remark))
	got, err := eps.CalibrationRemark(ctx)
	require.NoError(t, err)
	assert.Equal(t, remark, got)
}

func TestMeterOverSimulator(t *testing.T) {
	_, reg := openSim(t, fastConfig())
	ctx := context.Background()

	amm, err := reg.Meter(4)
	require.NoError(t, err)

	i, err := amm.MeasureCurrent(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2e-6, i, 1e-12)

	require.NoError(t, amm.SetZeroCheck(ctx, true))
	on, err := amm.ZeroCheck(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	i, err = amm.MeasureCurrent(ctx)
	require.NoError(t, err)
	assert.Zero(t, i)

	require.NoError(t, amm.SetAveraging(ctx, 8))
	n, err := amm.Averaging(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestOPCDelayTimesOut(t *testing.T) {
	cfg := fastConfig()
	cfg.OPCDelay = 300 * time.Millisecond
	sess, _ := openSim(t, cfg)
	ctx := context.Background()

	err := sess.WaitForOperationComplete(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, session.ErrTimeout)

	// Still outstanding after the grace window.
	id, err := sess.Query(ctx, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "ISI Brno,FEA,SIM0001,sim-1.0", id)

	time.Sleep(350 * time.Millisecond)
	id, err = sess.Query(ctx, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "ISI Brno,FEA,SIM0001,sim-1.0", id)

	on, err := sess.Query(ctx, "INST1:STAT?")
	require.NoError(t, err)
	assert.Equal(t, "0", on)
}

func TestClosedMainframe(t *testing.T) {
	m, err := New(fastConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.WriteLine(context.Background(), "*CLS"), ErrClosed)
	_, err = m.ReadStatusByte(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
