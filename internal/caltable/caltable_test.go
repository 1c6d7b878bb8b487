package caltable

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/KevinKickass/OpenFEACore/internal/bus/bustest"
	"github.com/KevinKickass/OpenFEACore/internal/calibration"
	"github.com/KevinKickass/OpenFEACore/internal/modules"
	"github.com/KevinKickass/OpenFEACore/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const qbsTable = `
module: 2
name: QBS2
program:
  - {domain: 0, range: 0}
  - {domain: 800, range: 0.99}
voltage_monitor:
  - {domain: 0, range: 0.001}
  - {domain: 1, range: 801}
quiescent_enabled: true
output_range:
  - {channel: 1, low: -810, high: 810}
remark: bench 2
`

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func TestParseYAML(t *testing.T) {
	table, err := newValidator(t).Parse([]byte(qbsTable))
	require.NoError(t, err)

	assert.Equal(t, 2, table.Module)
	assert.Equal(t, "QBS2", table.Name)
	assert.Equal(t, calibration.Curve{{Domain: 0, Range: 0}, {Domain: 800, Range: 0.99}}, table.Program)
	require.NotNil(t, table.QuiescentEnabled)
	assert.True(t, *table.QuiescentEnabled)
	assert.Equal(t, []OutputRange{{Channel: 1, Low: -810, High: 810}}, table.OutputRange)
	assert.Empty(t, table.CurrentMonitor)
}

func TestParseJSON(t *testing.T) {
	table, err := newValidator(t).Parse([]byte(`{"module": 1, "program": [{"domain": 0, "range": 0}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, table.Module)
	assert.Len(t, table.Program, 1)
	assert.Nil(t, table.QuiescentEnabled)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"missing module", "program: []"},
		{"module zero", "module: 0"},
		{"unknown field", "module: 1\ngain: 2"},
		{"point without range", "module: 1\nprogram:\n  - {domain: 1}"},
		{"non-numeric point", "module: 1\nprogram:\n  - {domain: x, range: 1}"},
		{"inverted range", "module: 1\noutput_range:\n  - {channel: 1, low: 5, high: -5}"},
		{"duplicate channel", "module: 1\noutput_range:\n  - {channel: 1, low: 0, high: 1}\n  - {channel: 1, low: 0, high: 2}"},
		{"not yaml", "module: [1"},
	}

	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	v := newValidator(t)
	table, err := v.Parse([]byte(qbsTable))
	require.NoError(t, err)

	data, err := table.Marshal()
	require.NoError(t, err)

	again, err := v.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, table, again)
}

func TestLoaderSearchesPaths(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(second, "qbs2.yaml"), []byte(qbsTable), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(first, "broken.json"), []byte(`{"module": "x"}`), 0o644))

	l, err := NewLoader([]string{first, second})
	require.NoError(t, err)

	table, err := l.Load("qbs2")
	require.NoError(t, err)
	assert.Equal(t, 2, table.Module)

	// Served from cache after the file is gone.
	require.NoError(t, os.Remove(filepath.Join(second, "qbs2.yaml")))
	cached, err := l.Load("qbs2")
	require.NoError(t, err)
	assert.Same(t, table, cached)

	l.ClearCache()
	_, err = l.Load("qbs2")
	assert.ErrorIs(t, err, ErrTableNotFound)

	_, err = l.Load("broken")
	assert.Error(t, err)
}

func newRegistry(t *testing.T, fake *bustest.Fake) *modules.Registry {
	t.Helper()
	fake.Reply("INST:CAT:FULL?", `"EPS1",1,"QBS2",2,"AMM3",3`)

	sess, err := session.Open(context.Background(), fake, session.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	reg, err := modules.NewRegistry(context.Background(), sess, zap.NewNop())
	require.NoError(t, err)
	return reg
}

func TestApplyOrder(t *testing.T) {
	fake := bustest.New()
	reg := newRegistry(t, fake)
	ctx := context.Background()

	require.NoError(t, reg.Session().SetCalibrationMode(ctx, true, "pw"))
	fake.Reset()

	table, err := newValidator(t).Parse([]byte(qbsTable))
	require.NoError(t, err)
	require.NoError(t, ApplyToRegistry(ctx, reg, table, zap.NewNop()))

	assert.Equal(t, []string{
		"CAL2:SOUR:VOLT:COUNT 0",
		"CAL2:SOUR:VOLT:DATA 0,0,0,800,0.99",
		"CAL2:SOUR:VOLT:COUNT 2",
		"CAL2:MEAS:VOLT:COUNT 0",
		"CAL2:MEAS:VOLT:DATA 0,0,0.001,1,801",
		"CAL2:MEAS:VOLT:COUNT 2",
		"CAL2:MEAS:CURR:QCOM:STATE 1",
		"CAL2:OUTP:RANGE (@1),-810,810",
		`CAL2:REM "bench 2"`,
	}, fake.Writes())
}

func TestApplyMismatch(t *testing.T) {
	fake := bustest.New()
	reg := newRegistry(t, fake)
	ctx := context.Background()
	fake.Reset()

	eps, err := reg.Supply(1)
	require.NoError(t, err)

	err = Apply(ctx, &Table{Module: 2}, eps, nil)
	assert.ErrorIs(t, err, ErrModuleMismatch)

	err = Apply(ctx, &Table{Module: 1, Name: "QBS1"}, eps, nil)
	assert.ErrorIs(t, err, ErrModuleMismatch)

	err = ApplyToRegistry(ctx, reg, &Table{Module: 3}, nil)
	assert.ErrorIs(t, err, modules.ErrUnsupported)

	err = ApplyToRegistry(ctx, reg, &Table{Module: 9}, nil)
	assert.ErrorIs(t, err, session.ErrUnknownModule)

	assert.Empty(t, fake.Transcript())
}

func TestApplyRequiresCalibrationMode(t *testing.T) {
	fake := bustest.New()
	reg := newRegistry(t, fake)
	fake.Reset()

	table := &Table{Module: 1, Program: calibration.Curve{{Domain: 0, Range: 0}}}
	err := ApplyToRegistry(context.Background(), reg, table, nil)
	assert.ErrorIs(t, err, modules.ErrCalibrationMode)
	assert.Empty(t, fake.Transcript())
}
