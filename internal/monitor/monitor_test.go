package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/bus/bustest"
	"github.com/KevinKickass/OpenFEACore/internal/bus/sim"
	"github.com/KevinKickass/OpenFEACore/internal/modules"
	"github.com/KevinKickass/OpenFEACore/internal/session"
	"github.com/KevinKickass/OpenFEACore/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T, fake *bustest.Fake) (*session.Session, *modules.Registry) {
	t.Helper()
	fake.Reply("INST:CAT:FULL?", `"EPS1",1,"QBS3",3`)

	sess, err := session.Open(context.Background(), fake, session.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	reg, err := modules.NewRegistry(context.Background(), sess, zap.NewNop())
	require.NoError(t, err)
	fake.Reset()
	return sess, reg
}

func collect(m *Monitor) (func() []Event, <-chan struct{}) {
	var mu sync.Mutex
	var events []Event
	got := make(chan struct{}, 64)
	m.AddListener(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		got <- struct{}{}
	})
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(events))
		copy(out, events)
		return out
	}, got
}

func waitEvent(t *testing.T, got <-chan struct{}) {
	t.Helper()
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestMonitorAppliesReadiness(t *testing.T) {
	fake := bustest.New().
		Reply("STAT:QUES?", "8192").
		Reply("STAT:QUES:INST?", "8").
		Reply("STAT:QUES:INST3:ISUM?", "4").
		Reply("STAT:QUES:INST3:ISUM? (@2)", "1").
		Reply("STAT:QUES:INST3:ISUM:COND? (@2)", "1")
	_, reg := setup(t, fake)
	fake.SetStatusBits(status.STBQuestionable)

	m := New(reg, Options{}, zap.NewNop())
	events, got := collect(m)
	require.NoError(t, m.Start())
	defer m.Stop()

	require.True(t, fake.RaiseServiceRequest())
	waitEvent(t, got)

	evs := events()
	require.Len(t, evs, 1)
	assert.NoError(t, evs[0].Err)
	assert.True(t, evs[0].Status.Questionable)
	assert.Equal(t, []session.ReadinessUpdate{{Module: 3, Channel: 2, Ready: false}}, evs[0].Readiness)

	qbs, err := reg.Get(3)
	require.NoError(t, err)
	ready, known := qbs.(modules.Monitored).Ready(2)
	assert.True(t, known)
	assert.False(t, ready)
}

func TestMonitorReportsDeviceErrors(t *testing.T) {
	fake := bustest.New().FailOn("SOUR1:VOLT 9000", -222, "Data out of range")
	sess, reg := setup(t, fake)

	m := New(reg, Options{}, zap.NewNop())
	events, got := collect(m)
	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, sess.WriteUnchecked(context.Background(), "SOUR1:VOLT 9000"))
	require.True(t, fake.RaiseServiceRequest())
	waitEvent(t, got)

	evs := events()
	require.Len(t, evs, 1)
	require.NotNil(t, evs[0].DeviceError)
	assert.Equal(t, -222, evs[0].DeviceError.Code)
	assert.Equal(t, 1, fake.Count("SYST:ERR?"))

	observed, last := sess.ErrorObserved()
	assert.True(t, observed)
	assert.Equal(t, "Data out of range", last.Text)
}

func TestMonitorNeverDecodesConcurrently(t *testing.T) {
	fake := bustest.New()
	_, reg := setup(t, fake)
	fake.SetDelay(200 * time.Microsecond)

	m := New(reg, Options{}, zap.NewNop())

	var inFlight, maxInFlight atomic.Int32
	m.AddListener(func(Event) {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
	})
	require.NoError(t, m.Start())

	var wg sync.WaitGroup
	const raisers, perRaiser = 4, 25
	for i := 0; i < raisers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perRaiser; j++ {
				fake.RaiseServiceRequest()
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return m.State() == StateIdle && len(reg.Session().ServiceRequests()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.GreaterOrEqual(t, m.Handled(), uint64(1))
	assert.LessOrEqual(t, m.Handled(), uint64(raisers*perRaiser))
}

func TestMonitorPolls(t *testing.T) {
	fake := bustest.New()
	_, reg := setup(t, fake)

	m := New(reg, Options{PollInterval: 10 * time.Millisecond}, zap.NewNop())
	_, got := collect(m)
	require.NoError(t, m.Start())
	defer m.Stop()

	waitEvent(t, got)
	assert.GreaterOrEqual(t, m.Handled(), uint64(1))
}

func TestMonitorStartStop(t *testing.T) {
	fake := bustest.New()
	_, reg := setup(t, fake)

	m := New(reg, Options{}, zap.NewNop())
	assert.False(t, m.IsRunning())
	require.NoError(t, m.Start())
	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())

	m.Stop()
	m.Stop()
	assert.False(t, m.IsRunning())

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	m.Stop()
}

func TestMonitorExitsOnSessionClose(t *testing.T) {
	fake := bustest.New()
	sess, reg := setup(t, fake)

	m := New(reg, Options{}, zap.NewNop())
	require.NoError(t, m.Start())

	require.NoError(t, sess.Close())

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not exit after session close")
	}
}

// A service request raised while a foreground *OPC? wait holds the session
// must be decoded once the wait ends, with the full decode budget.
func TestDecodeAfterLongForegroundWait(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.Modules = []string{"EPS"}
	cfg.Settle = 100 * time.Millisecond
	cfg.OPCDelay = 400 * time.Millisecond
	mf, err := sim.New(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	sess, err := session.Open(ctx, mf, session.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	reg, err := modules.NewRegistry(ctx, sess, zap.NewNop())
	require.NoError(t, err)

	m := New(reg, Options{DecodeTimeout: 100 * time.Millisecond}, zap.NewNop())
	events, _ := collect(m)
	require.NoError(t, m.Start())
	defer m.Stop()

	eps, err := reg.Supply(1)
	require.NoError(t, err)
	require.NoError(t, eps.TurnOn(ctx, false))
	require.NoError(t, eps.SetVoltage(ctx, nil, []float64{100}))
	require.NoError(t, sess.WaitForOperationComplete(ctx, time.Second))

	require.Eventually(t, func() bool {
		for _, r := range reg.Readiness() {
			if r.Module == 1 && r.Channel == 1 {
				return r.Ready
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	for _, ev := range events() {
		assert.NoError(t, ev.Err)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "decoding", StateDecoding.String())
}
