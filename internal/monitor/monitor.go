// Package monitor reacts to service requests of an open session. A single
// goroutine consumes the session's coalescing notification channel, so two
// decodes never run at the same time; while one runs, further requests
// collapse into at most one pending notification.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/modules"
	"github.com/KevinKickass/OpenFEACore/internal/session"
	"github.com/KevinKickass/OpenFEACore/internal/status"
	"go.uber.org/zap"
)

// State of the monitor loop.
type State int32

const (
	StateIdle State = iota
	StateDecoding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDecoding:
		return "decoding"
	}
	return "unknown"
}

// Event is what listeners receive after every decode.
type Event struct {
	SessionID   string                    `json:"session_id"`
	Time        time.Time                 `json:"time"`
	Status      status.Snapshot           `json:"status"`
	Readiness   []session.ReadinessUpdate `json:"readiness,omitempty"`
	DeviceError *session.DeviceError      `json:"device_error,omitempty"`
	Err         error                     `json:"-"`
}

// Listener is called from the monitor goroutine. It must not block for long.
type Listener func(Event)

// Options tunes the monitor.
type Options struct {
	// DecodeTimeout bounds one decode, counted from when the session lock
	// is held.
	DecodeTimeout time.Duration
	// PollInterval triggers a decode periodically for buses that cannot
	// signal service requests. Zero disables polling.
	PollInterval time.Duration
}

// Monitor services the status registers on behalf of a registry.
type Monitor struct {
	sess     *session.Session
	registry *modules.Registry
	opts     Options
	logger   *zap.Logger

	listenersMu sync.RWMutex
	listeners   []Listener

	state   atomic.Int32
	handled atomic.Uint64

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// New creates a stopped monitor.
func New(registry *modules.Registry, opts Options, logger *zap.Logger) *Monitor {
	if opts.DecodeTimeout <= 0 {
		opts.DecodeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		sess:     registry.Session(),
		registry: registry,
		opts:     opts,
		logger:   logger,
	}
}

// AddListener registers l for all subsequent events.
func (m *Monitor) AddListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Start launches the monitor goroutine.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)

	go m.loop(m.stopChan)

	m.logger.Info("Event monitor started",
		zap.String("session", m.sess.ID.String()),
		zap.Duration("poll_interval", m.opts.PollInterval))

	return nil
}

// Stop ends the monitor goroutine and waits for a running decode to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	stop := m.stopChan
	m.mu.Unlock()

	close(stop)
	m.wg.Wait()

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.logger.Info("Event monitor stopped", zap.Uint64("handled", m.handled.Load()))
}

// IsRunning reports whether the monitor goroutine is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// State returns the current loop state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Handled returns how many decodes have run.
func (m *Monitor) Handled() uint64 {
	return m.handled.Load()
}

func (m *Monitor) loop(stop <-chan struct{}) {
	defer m.wg.Done()

	var tick <-chan time.Time
	if m.opts.PollInterval > 0 {
		ticker := time.NewTicker(m.opts.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-m.sess.Done():
			m.logger.Info("Session closed, event monitor exiting")
			return
		case <-m.sess.ServiceRequests():
			m.decode()
		case <-tick:
			m.decode()
		}
	}
}

func (m *Monitor) decode() {
	m.state.Store(int32(StateDecoding))
	defer m.state.Store(int32(StateIdle))

	ev, err := m.sess.HandleServiceRequest(context.Background(), m.registry.Targets(), m.opts.DecodeTimeout)
	m.handled.Add(1)

	out := Event{
		SessionID:   m.sess.ID.String(),
		Time:        time.Now(),
		Status:      ev.Status,
		DeviceError: ev.DeviceError,
		Err:         err,
	}
	if len(ev.Readiness) > 0 {
		out.Readiness = m.registry.Apply(ev.Readiness)
	}

	if err != nil {
		m.logger.Error("Service request handling failed", zap.Error(err))
	} else {
		m.logger.Debug("Service request handled",
			zap.Stringer("status", ev.Status),
			zap.Int("readiness_changes", len(out.Readiness)))
	}

	m.emit(out)
}

func (m *Monitor) emit(ev Event) {
	m.listenersMu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}
