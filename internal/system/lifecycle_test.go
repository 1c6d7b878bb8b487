package system

import (
	"context"
	"testing"
	"time"

	_ "github.com/KevinKickass/OpenFEACore/internal/bus/sim"
	"github.com/KevinKickass/OpenFEACore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{HTTPPort: 0, ShutdownTimeout: 5 * time.Second},
		Bus:    config.BusConfig{Address: "sim://fea?settle=0s&modules=EPS,QBS,AMM"},
		Session: config.SessionConfig{
			ExpectedVendor:   "ISI Brno",
			ExpectedUnit:     "FEA",
			OperationTimeout: time.Second,
			LateReplyGrace:   50 * time.Millisecond,
			TurnOffOnExit:    true,
		},
		Monitor:     config.MonitorConfig{DecodeTimeout: time.Second},
		Log:         config.LogConfig{Level: "info", Format: "console"},
		Calibration: config.CalibrationConfig{SearchPaths: []string{t.TempDir()}},
		Auth:        config.AuthConfig{JWTSecretEnv: "FEA_SYSTEM_TEST_SECRET"},
	}
}

func startManager(t *testing.T, cfg *config.Config) *LifecycleManager {
	t.Helper()
	lm, err := NewLifecycleManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = lm.Shutdown(context.Background()) })
	return lm
}

func TestStartAndShutdown(t *testing.T) {
	lm := startManager(t, testConfig(t))
	statusCh := lm.SubscribeStatus()

	require.NoError(t, lm.Start(context.Background()))

	status := lm.GetCurrentStatus()
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, 3, status.ModuleCount)
	assert.True(t, status.MonitorRunning)
	assert.NotEmpty(t, status.SessionID)
	assert.NotNil(t, lm.CalibrationLoader())

	var seen []SystemState
	for len(statusCh) > 0 {
		seen = append(seen, (<-statusCh).State)
	}
	assert.Equal(t, []SystemState{StateInitializing, StateRunning}, seen)

	eps, err := lm.Registry().Supply(1)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, eps.SetVoltage(ctx, nil, []float64{100}))
	require.NoError(t, eps.TurnOn(ctx, true))

	sess := lm.Session()
	require.NoError(t, lm.Shutdown(ctx))
	assert.True(t, sess.Closed())
	assert.Equal(t, "STOPPED", lm.GetCurrentStatus().State)

	select {
	case <-lm.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}

	// a second call is a no-op
	assert.NoError(t, lm.Shutdown(ctx))
}

func TestStartFailsOnIdentityMismatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.ExpectedVendor = "Someone Else"
	lm := startManager(t, cfg)

	err := lm.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, "ERROR", lm.GetCurrentStatus().State)
	assert.Nil(t, lm.Session())

	assert.NoError(t, lm.Shutdown(context.Background()))
}

func TestStartFailsOnUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Address = "gpib://0/5"
	lm := startManager(t, cfg)

	assert.Error(t, lm.Start(context.Background()))
	assert.Equal(t, "ERROR", lm.getStatusInternal().State.String())
	assert.Contains(t, lm.getStatusInternal().Error, "failed to open bus")
}

func TestReconnect(t *testing.T) {
	lm := startManager(t, testConfig(t))
	ctx := context.Background()

	err := lm.Reconnect(ctx)
	assert.Error(t, err, "reconnect before start")

	require.NoError(t, lm.Start(ctx))
	first := lm.Session()

	require.NoError(t, lm.Reconnect(ctx))
	second := lm.Session()

	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "RUNNING", lm.GetCurrentStatus().State)
	assert.True(t, lm.Monitor().IsRunning())

	progress := lm.getStatusInternal().UpdateProgress
	assert.Equal(t, "Complete", progress.Phase)
	assert.Equal(t, 100, progress.Progress)
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateInitializing, StateRunning))
	assert.NoError(t, ValidateTransition(StateRunning, StateUpdating))
	assert.NoError(t, ValidateTransition(StateError, StateStopping))
	assert.Error(t, ValidateTransition(StateStopped, StateRunning))
	assert.Error(t, ValidateTransition(SystemState(42), StateRunning))
}

func TestSystemStateJSON(t *testing.T) {
	b, err := StateUpdating.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"UPDATING"`, string(b))
	assert.Equal(t, "UNKNOWN", SystemState(99).String())
}
