package modules

import (
	"context"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/bus/bustest"
	"github.com/KevinKickass/OpenFEACore/internal/calibration"
	"github.com/KevinKickass/OpenFEACore/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testCatalog = `"EPS1",1,"QBS2",2,"QBS3",3,"DUS4",4,"AMM5",5`

func newTestRegistry(t *testing.T, fake *bustest.Fake) *Registry {
	t.Helper()
	if fake == nil {
		fake = bustest.New()
	}
	fake.Reply("INST:CAT:FULL?", testCatalog)

	sess, err := session.Open(context.Background(), fake, session.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	reg, err := NewRegistry(context.Background(), sess, zap.NewNop())
	require.NoError(t, err)
	fake.Reset()
	return reg
}

func TestLookupFamily(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		channels []int
		explicit bool
	}{
		{name: "QBS2", kind: KindSupply, channels: []int{1, 2, 3, 4}, explicit: true},
		{name: "dus1", kind: KindSupply, channels: []int{1, 2}, explicit: true},
		{name: "EPS1", kind: KindSupply, channels: []int{1}},
		{name: "SPS7", kind: KindSupply, channels: []int{1}},
		{name: "APS3", kind: KindSupply, channels: []int{1}},
		{name: "AMM4", kind: KindMeter, channels: []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := LookupFamily(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.channels, f.Channels)
			assert.Equal(t, tt.explicit, f.Explicit)
		})
	}

	_, ok := LookupFamily("XYZ1")
	assert.False(t, ok)
}

func TestRangePolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy RangePolicy
		bound  float64
		low    float64
		high   float64
	}{
		{name: "bipolar positive", policy: BipolarRange, bound: 5, low: -5, high: 5},
		{name: "bipolar negative", policy: BipolarRange, bound: -5, low: -5, high: 5},
		{name: "bipolar zero", policy: BipolarRange, bound: 0, low: 0, high: 0},
		{name: "mirror positive", policy: SignMirrorRange, bound: 300, low: -300, high: 300},
		{name: "mirror negative", policy: SignMirrorRange, bound: -300, low: -300, high: 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			low, high := tt.policy(tt.bound)
			assert.Equal(t, tt.low, low)
			assert.Equal(t, tt.high, high)
		})
	}
}

func TestRegistrySkipsUnknownFamilies(t *testing.T) {
	fake := bustest.New().Reply("INST:CAT:FULL?", `"EPS1",1,"XYZ2",2,"AMM3",3`)
	sess, err := session.Open(context.Background(), fake, session.Options{}, zap.NewNop())
	require.NoError(t, err)
	defer sess.Close()

	reg, err := NewRegistry(context.Background(), sess, zap.NewNop())
	require.NoError(t, err)

	modules := reg.Modules()
	require.Len(t, modules, 2)
	assert.Equal(t, 1, modules[0].Number())
	assert.Equal(t, 3, modules[1].Number())

	_, err = reg.Get(2)
	assert.ErrorIs(t, err, session.ErrUnknownModule)
}

func TestRegistryLookups(t *testing.T) {
	reg := newTestRegistry(t, nil)

	m, err := reg.ByName("qbs3")
	require.NoError(t, err)
	assert.Equal(t, 3, m.Number())

	_, err = reg.ByName("APS9")
	assert.ErrorIs(t, err, session.ErrUnknownModule)

	assert.Len(t, reg.Supplies(), 4)
	assert.Len(t, reg.Meters(), 1)
	assert.Len(t, reg.Targets(), 5)

	_, err = reg.Meter(1)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = reg.Supply(5)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestCapabilities(t *testing.T) {
	reg := newTestRegistry(t, nil)

	qbs, err := reg.Get(2)
	require.NoError(t, err)
	_, ok := qbs.(MultiChannel)
	assert.True(t, ok)
	_, ok = qbs.(RangeConfigurable)
	assert.True(t, ok)
	_, ok = qbs.(Calibratable)
	assert.True(t, ok)

	eps, err := reg.Get(1)
	require.NoError(t, err)
	_, ok = eps.(MultiChannel)
	assert.False(t, ok)
	_, ok = eps.(Monitored)
	assert.True(t, ok)

	amm, err := reg.Get(5)
	require.NoError(t, err)
	_, ok = amm.(Calibratable)
	assert.False(t, ok)
	assert.Equal(t, KindMeter, amm.Kind())
}

func TestSetVoltageUnknownChannelHasNoTraffic(t *testing.T) {
	fake := bustest.New()
	reg := newTestRegistry(t, fake)

	qbs, err := reg.Supply(2)
	require.NoError(t, err)

	err = qbs.SetVoltage(context.Background(), []int{5}, []float64{10})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	eps, err := reg.Supply(1)
	require.NoError(t, err)
	err = eps.SetVoltage(context.Background(), []int{2}, []float64{10})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	assert.Empty(t, fake.Transcript())
}

func TestSetVoltageValidation(t *testing.T) {
	fake := bustest.New()
	reg := newTestRegistry(t, fake)
	ctx := context.Background()

	qbs, _ := reg.Supply(2)
	assert.ErrorIs(t, qbs.SetVoltage(ctx, []int{1}, []float64{900}), ErrOutOfRange)
	assert.ErrorIs(t, qbs.SetVoltage(ctx, []int{1, 2}, []float64{1}), ErrValueCount)

	dus, _ := reg.Supply(4)
	assert.ErrorIs(t, dus.SetVoltage(ctx, []int{1}, []float64{10}), ErrOutOfRange)

	assert.Empty(t, fake.Transcript())
}

func TestSetVoltageWire(t *testing.T) {
	fake := bustest.New()
	reg := newTestRegistry(t, fake)
	ctx := context.Background()

	qbs, _ := reg.Supply(2)
	require.NoError(t, qbs.SetVoltage(ctx, []int{3, 1}, []float64{10, -20.5}))

	eps, _ := reg.Supply(1)
	require.NoError(t, eps.SetVoltage(ctx, nil, []float64{1500}))

	assert.Equal(t, []string{
		"SOUR2:VOLT (@3,1),10,-20.5",
		"SOUR1:VOLT 1500",
	}, fake.Writes())
}

func TestSupplyQueries(t *testing.T) {
	fake := bustest.New().
		Reply("MEAS2:VOLT? (@1,2,3,4)", "1,2,3,4").
		Reply("MEAS1:CURR?", "1.5E-06").
		Reply("SOUR2:VOLT? (@2)", "12").
		Reply("OUTP2:RANG? (@4)", "-100,100").
		Reply("CAL1:MEAS:VOLT:LEVEL?", "0.25")
	reg := newTestRegistry(t, fake)
	ctx := context.Background()

	qbs, _ := reg.Supply(2)
	values, err := qbs.MeasureVoltage(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, values)

	values, err = qbs.Voltage(ctx, []int{2})
	require.NoError(t, err)
	assert.Equal(t, []float64{12}, values)

	low, high, err := qbs.Range(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, -100.0, low)
	assert.Equal(t, 100.0, high)

	eps, _ := reg.Supply(1)
	values, err = eps.MeasureCurrent(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5e-6}, values)

	adc, err := eps.VoltageMonitorADC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.25, adc)
}

func TestSetRangeDerivation(t *testing.T) {
	fake := bustest.New()
	reg := newTestRegistry(t, fake)
	ctx := context.Background()

	qbs, _ := reg.Supply(2)
	require.NoError(t, qbs.SetRange(ctx, []int{1}, 5))
	require.NoError(t, qbs.SetRange(ctx, []int{1}, -5))

	eps, _ := reg.Supply(1)
	require.NoError(t, eps.SetRange(ctx, nil, 5))
	require.NoError(t, eps.SetRange(ctx, nil, -5))
	require.NoError(t, eps.SetRange(ctx, nil, -10, 20))

	assert.Equal(t, []string{
		"OUTP2:RANG (@1),-5,5",
		"OUTP2:RANG (@1),-5,5",
		"OUTP1:RANG -5,5",
		"OUTP1:RANG -5,5",
		"OUTP1:RANG -10,20",
	}, fake.Writes())

	fake.Reset()
	assert.ErrorIs(t, qbs.SetRange(ctx, nil, 1000), ErrOutOfRange)
	assert.ErrorIs(t, qbs.SetRange(ctx, nil, 10, -10), ErrOutOfRange)
	assert.ErrorIs(t, qbs.SetRange(ctx, nil), ErrValueCount)
	assert.Empty(t, fake.Transcript())
}

func TestChannelSwitching(t *testing.T) {
	fake := bustest.New().Reply("OUTP4:STAT? (@1,2)", "1,0")
	reg := newTestRegistry(t, fake)
	ctx := context.Background()

	m, _ := reg.Get(4)
	dus := m.(MultiChannel)
	require.NoError(t, dus.TurnOnChannels(ctx, []int{2}))
	require.NoError(t, dus.TurnOffChannels(ctx, nil))

	states, err := dus.ChannelStates(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, states)

	assert.ErrorIs(t, dus.TurnOnChannels(ctx, []int{3}), ErrUnknownChannel)
	assert.Equal(t, 1, fake.Count("OUTP4:STAT (@2),ON"))
	assert.Equal(t, 1, fake.Count("OUTP4:STAT (@1,2),OFF"))
}

func TestModuleSwitching(t *testing.T) {
	fake := bustest.New().Reply("INST1:STAT?", "1").Reply("DIAG1:TEMP?", "31.5")
	reg := newTestRegistry(t, fake)
	ctx := context.Background()

	m, _ := reg.Get(1)
	require.NoError(t, m.TurnOn(ctx, true))
	require.NoError(t, m.TurnOff(ctx, false))

	on, err := m.State(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	temp, err := m.Temperature(ctx)
	require.NoError(t, err)
	assert.Equal(t, 31.5, temp)

	assert.Equal(t, []string{"INST1:STAT ON", "*OPC?", "INST1:STAT OFF", "INST1:STAT?", "DIAG1:TEMP?"}, fake.Writes())
}

func TestTurnOffAll(t *testing.T) {
	fake := bustest.New()
	reg := newTestRegistry(t, fake)

	require.NoError(t, reg.TurnOffAll(context.Background(), true))
	assert.Equal(t, []string{
		"INST1:STAT OFF",
		"INST2:STAT OFF",
		"INST3:STAT OFF",
		"INST4:STAT OFF",
		"INST5:STAT OFF",
		"*OPC?",
	}, fake.Writes())
}

func TestReadinessPropagation(t *testing.T) {
	fake := bustest.New().
		Reply("STAT:QUES?", "8192").
		Reply("STAT:QUES:INST?", "8").
		Reply("STAT:QUES:INST3:ISUM?", "4").
		Reply("STAT:QUES:INST3:ISUM? (@2)", "1").
		Reply("STAT:QUES:INST3:ISUM:COND? (@2)", "1")
	reg := newTestRegistry(t, fake)

	m, err := reg.Get(3)
	require.NoError(t, err)
	mon := m.(Monitored)

	ready, known, err := mon.IsReady(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, known)
	assert.False(t, ready)

	for _, ch := range []int{1, 3, 4} {
		ready, known := mon.Ready(ch)
		assert.True(t, known)
		assert.True(t, ready, "channel %d", ch)
	}

	_, known, err = mon.IsReady(context.Background(), 9)
	require.NoError(t, err)
	assert.False(t, known)

	other, _ := reg.Get(2)
	ready, _ = other.(Monitored).Ready(2)
	assert.True(t, ready)
}

func TestApplyReportsChangesOnly(t *testing.T) {
	reg := newTestRegistry(t, nil)

	changed := reg.Apply([]session.ReadinessUpdate{
		{Module: 2, Channel: 1, Ready: false},
		{Module: 2, Channel: 2, Ready: true},
		{Module: 9, Channel: 1, Ready: false},
		{Module: 2, Channel: 7, Ready: false},
	})
	assert.Equal(t, []session.ReadinessUpdate{{Module: 2, Channel: 1, Ready: false}}, changed)

	assert.Empty(t, reg.Apply([]session.ReadinessUpdate{{Module: 2, Channel: 1, Ready: false}}))

	var notReady []ChannelReadiness
	for _, r := range reg.Readiness() {
		if !r.Ready {
			notReady = append(notReady, r)
		}
	}
	assert.Equal(t, []ChannelReadiness{{Module: 2, Name: "QBS2", Channel: 1, Ready: false}}, notReady)
}

func TestCalibrationRequiresMode(t *testing.T) {
	fake := bustest.New()
	reg := newTestRegistry(t, fake)
	ctx := context.Background()

	qbs, _ := reg.Supply(2)
	curve := calibration.Curve{{Domain: 0, Range: 0}, {Domain: 800, Range: 1}}

	assert.ErrorIs(t, qbs.SetProgramCalibrationPoints(ctx, curve), ErrCalibrationMode)
	assert.ErrorIs(t, qbs.SetVoltageMonitorCalibrationPoints(ctx, curve), ErrCalibrationMode)
	assert.ErrorIs(t, qbs.EnableQuiescentCompensation(ctx, true), ErrCalibrationMode)
	assert.ErrorIs(t, qbs.SetOutputHardwareRange(ctx, 1, -800, 800), ErrCalibrationMode)
	_, err := qbs.ProgramCalibrationPoints(ctx)
	assert.ErrorIs(t, err, ErrCalibrationMode)

	assert.Empty(t, fake.Transcript())
}

func TestCalibrationLoad(t *testing.T) {
	fake := bustest.New().Reply("CAL2:SOUR:VOLT:CAT?", "0,0,800,0.99")
	reg := newTestRegistry(t, fake)
	ctx := context.Background()

	require.NoError(t, reg.Session().SetCalibrationMode(ctx, true, "pw"))
	fake.Reset()

	qbs, _ := reg.Supply(2)
	require.NoError(t, qbs.SetProgramCalibrationPoints(ctx, calibration.Curve{{Domain: 0, Range: 0}, {Domain: 800, Range: 0.99}}))
	require.NoError(t, qbs.EnableQuiescentCompensation(ctx, true))
	require.NoError(t, qbs.SetOutputHardwareRange(ctx, 3, -810, 810))

	eps, _ := reg.Supply(1)
	require.NoError(t, eps.SetOutputHardwareRange(ctx, 1, 0, 5100))
	require.NoError(t, eps.SetQuiescentCompensationPoints(ctx, nil))

	assert.Equal(t, []string{
		"CAL2:SOUR:VOLT:COUNT 0",
		"CAL2:SOUR:VOLT:DATA 0,0,0,800,0.99",
		"CAL2:SOUR:VOLT:COUNT 2",
		"CAL2:MEAS:CURR:QCOM:STATE 1",
		"CAL2:OUTP:RANGE (@3),-810,810",
		"CAL1:OUTP:RANGE 0,5100",
		"CAL1:MEAS:CURR:QCOM:COUNT 0",
	}, fake.Writes())

	curve, err := qbs.ProgramCalibrationPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, calibration.Curve{{Domain: 0, Range: 0}, {Domain: 800, Range: 0.99}}, curve)

	fake.Reset()
	err = qbs.SetProgramCalibrationPoints(ctx, calibration.Curve{{Domain: 0, Range: 0}, {Domain: 800, Range: 1.2}})
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Empty(t, fake.Transcript())
}

func TestCalibrationMetadata(t *testing.T) {
	fake := bustest.New().
		Reply("CAL2:SER?", `"QBS-0042"`).
		Reply("CAL2:DATE?", `"2024-03-01 12:30:00"`).
		Reply("CAL2:STATE? (@1)", "1").
		Reply("CAL2:TEMP?", "23.5")
	reg := newTestRegistry(t, fake)
	ctx := context.Background()
	qbs, _ := reg.Supply(2)

	serial, err := qbs.CalibrationSerial(ctx)
	require.NoError(t, err)
	assert.Equal(t, "QBS-0042", serial)

	date, err := qbs.CalibrationDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), date)

	state, err := qbs.CalibrationState(ctx, 1)
	require.NoError(t, err)
	assert.True(t, state)

	temp, err := qbs.CalibrationTemperature(ctx)
	require.NoError(t, err)
	assert.Equal(t, 23.5, temp)

	assert.ErrorIs(t, qbs.SetCalibrationSerial(ctx, "x"), ErrCalibrationMode)

	require.NoError(t, reg.Session().SetCalibrationMode(ctx, true, "pw"))
	fake.Reset()
	require.NoError(t, qbs.SetCalibrationSerial(ctx, "QBS-0043"))
	require.NoError(t, qbs.SetCalibrationRemark(ctx, `bench "2"`))
	require.NoError(t, qbs.SetCalibrationDate(ctx, date))
	require.NoError(t, qbs.SetCalibrationState(ctx, 4, false))
	require.NoError(t, qbs.UpdateCalibrationStamp(ctx))

	assert.Equal(t, []string{
		`CAL2:SER "QBS-0043"`,
		`CAL2:REM "bench ""2"""`,
		`CAL2:DATE "2024-03-01 12:30:00"`,
		"CAL2:STATE (@4),0",
		"CAL2:UPD",
	}, fake.Writes())
}

func TestMeter(t *testing.T) {
	fake := bustest.New().
		Reply("MEAS5:CURR?", "2.5E-09").
		Reply("SYST:ZCH?", "1").
		Reply("MEAS5:CURR:AVER?", "16").
		Reply("MEAS5:CURR:RANG:AUTO?", "ON")
	reg := newTestRegistry(t, fake)
	ctx := context.Background()

	amm, err := reg.Meter(5)
	require.NoError(t, err)

	current, err := amm.MeasureCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.5e-9, current)

	require.NoError(t, amm.SetZeroCheck(ctx, true))
	zch, err := amm.ZeroCheck(ctx)
	require.NoError(t, err)
	assert.True(t, zch)

	require.NoError(t, amm.SetAveraging(ctx, 16))
	avg, err := amm.Averaging(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, avg)

	require.NoError(t, amm.AutoRange(ctx))
	auto, err := amm.IsAutoRange(ctx)
	require.NoError(t, err)
	assert.True(t, auto)

	assert.ErrorIs(t, amm.SetAveraging(ctx, 0), ErrOutOfRange)
	assert.ErrorIs(t, amm.SetRange(ctx, -1), ErrOutOfRange)

	assert.Equal(t, []string{
		"MEAS5:CURR?",
		"INST:NSEL 5",
		"SYST:ZCH 1",
		"SYST:ZCH?",
		"MEAS5:CURR:AVER 16",
		"MEAS5:CURR:AVER?",
		"MEAS5:CURR:RANG:AUTO",
		"MEAS5:CURR:RANG:AUTO?",
	}, fake.Writes())
}
