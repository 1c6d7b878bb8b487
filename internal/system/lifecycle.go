package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/api/rest"
	"github.com/KevinKickass/OpenFEACore/internal/api/websocket"
	"github.com/KevinKickass/OpenFEACore/internal/auth"
	"github.com/KevinKickass/OpenFEACore/internal/bus"
	"github.com/KevinKickass/OpenFEACore/internal/caltable"
	"github.com/KevinKickass/OpenFEACore/internal/config"
	"github.com/KevinKickass/OpenFEACore/internal/interfaces"
	"github.com/KevinKickass/OpenFEACore/internal/modules"
	"github.com/KevinKickass/OpenFEACore/internal/monitor"
	"github.com/KevinKickass/OpenFEACore/internal/session"
	"go.uber.org/zap"
)

// LifecycleManager owns the mainframe connection and the servers on top of it.
type LifecycleManager struct {
	config      *config.Config
	logger      *zap.Logger
	authService *auth.AuthService
	calLoader   *caltable.Loader

	// guarded by stateMu, replaced on reconnect
	session  *session.Session
	registry *modules.Registry
	monitor  *monitor.Monitor

	wsHub      *websocket.Hub
	hubStarted bool
	restServer *rest.Server

	stateMu        sync.RWMutex
	currentState   SystemState
	updateProgress UpdateProgress
	lastErr        error

	listenersMu     sync.RWMutex
	statusListeners []chan SystemStatus

	// serializes Start, Reconnect and Shutdown
	opMu sync.Mutex

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	calLoader, err := caltable.NewLoader(cfg.Calibration.SearchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create calibration loader: %w", err)
	}

	authService := auth.NewAuthService(cfg.Auth, logger)

	lm := &LifecycleManager{
		config:          cfg,
		logger:          logger,
		authService:     authService,
		calLoader:       calLoader,
		wsHub:           websocket.NewHub(logger, authService),
		currentState:    StateInitializing,
		shutdownChan:    make(chan struct{}),
		statusListeners: make([]chan SystemStatus, 0),
	}
	return lm, nil
}

// Start opens the mainframe and starts monitor, websocket hub and REST server.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.opMu.Lock()
	defer lm.opMu.Unlock()

	lm.logger.Info("Starting OpenFEACore", zap.String("bus", lm.config.Bus.Address))

	lm.setState(StateInitializing)
	lm.broadcastStatus()

	if !lm.hubStarted {
		lm.hubStarted = true
		go lm.wsHub.Run()
	}

	if err := lm.connect(ctx); err != nil {
		lm.setError(err)
		lm.broadcastStatus()
		return err
	}

	// Start REST API Server
	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.setState(StateRunning)
	lm.broadcastStatus()

	lm.logger.Info("System started successfully",
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("modules", len(lm.Registry().Modules())),
		zap.Bool("auth_enabled", lm.authService.Enabled()))

	return nil
}

// connect opens bus and session, builds the registry and starts the monitor.
func (lm *LifecycleManager) connect(ctx context.Context) error {
	b, err := bus.Open(ctx, lm.config.Bus.Address)
	if err != nil {
		return fmt.Errorf("failed to open bus: %w", err)
	}

	sess, err := session.Open(ctx, b, lm.config.Session.Options(), lm.logger)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	registry, err := modules.NewRegistry(ctx, sess, lm.logger)
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("failed to build module registry: %w", err)
	}

	mon := monitor.New(registry, lm.config.Monitor.Options(), lm.logger)
	mon.AddListener(lm.wsHub.MonitorListener())
	if err := mon.Start(); err != nil {
		_ = sess.Close()
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	lm.stateMu.Lock()
	lm.session = sess
	lm.registry = registry
	lm.monitor = mon
	lm.stateMu.Unlock()

	return nil
}

// disconnect stops the monitor and closes the session. Outputs are switched
// off first when configured.
func (lm *LifecycleManager) disconnect(ctx context.Context, turnOff bool) error {
	lm.stateMu.RLock()
	sess, registry, mon := lm.session, lm.registry, lm.monitor
	lm.stateMu.RUnlock()

	if sess == nil {
		return nil
	}

	var firstErr error
	if turnOff && registry != nil && !sess.Closed() {
		if err := registry.TurnOffAll(ctx, false); err != nil {
			lm.logger.Error("Failed to turn off modules", zap.Error(err))
			firstErr = fmt.Errorf("turn off modules: %w", err)
		}
	}
	if mon != nil {
		mon.Stop()
	}
	if err := sess.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close session: %w", err)
	}
	return firstErr
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.opMu.Lock()
		defer lm.opMu.Unlock()

		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		lm.broadcastStatus()

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		lm.broadcastStatus()

		if lm.hubStarted {
			lm.wsHub.Stop()
		}
		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// 1. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 2. Mainframe: outputs off, monitor, session
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := lm.disconnect(ctx, lm.config.Session.TurnOffOnExit); err != nil {
			errChan <- err
		}
	}()

	// Wait for all shutdowns
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		select {
		case err := <-errChan:
			return err
		default:
		}
		lm.logger.Info("Graceful shutdown completed")
		return nil
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) startRESTServer() error {
	if lm.config.Server.HTTPPort == 0 {
		lm.logger.Info("REST API disabled (server.http_port is 0)")
		return nil
	}
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

// Reconnect closes the session and opens a new one on the same address.
// Module outputs are left as they are unless session.keep_state is off,
// in which case the reopen resets the device.
func (lm *LifecycleManager) Reconnect(ctx context.Context) error {
	lm.opMu.Lock()
	defer lm.opMu.Unlock()

	lm.stateMu.Lock()
	if lm.currentState != StateRunning && lm.currentState != StateError {
		state := lm.currentState
		lm.stateMu.Unlock()
		return fmt.Errorf("cannot reconnect: system is %s", state)
	}
	lm.stateMu.Unlock()
	lm.setState(StateUpdating)
	lm.broadcastStatus()

	lm.setUpdateProgress("Closing session", 10, "Stopping monitor and closing the session")
	if err := lm.disconnect(ctx, false); err != nil {
		lm.logger.Warn("Disconnect before reconnect failed", zap.Error(err))
	}

	lm.setUpdateProgress("Opening session", 50, fmt.Sprintf("Opening %s", lm.config.Bus.Address))
	if err := lm.connect(ctx); err != nil {
		lm.handleUpdateError(err)
		return err
	}

	lm.setUpdateProgress("Complete", 100, "Session reopened")
	lm.setState(StateRunning)
	lm.broadcastStatus()

	lm.logger.Info("Reconnected to mainframe", zap.String("session", lm.Session().ID.String()))
	return nil
}

func (lm *LifecycleManager) handleUpdateError(err error) {
	lm.logger.Error("Reconnect failed", zap.Error(err))
	lm.setError(err)
	lm.broadcastStatus()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil && lm.currentState != state {
		lm.logger.Warn("Unexpected state transition", zap.Error(err))
	}
	lm.currentState = state
	if state != StateError {
		lm.lastErr = nil
	}
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastErr = err
}

func (lm *LifecycleManager) setUpdateProgress(phase string, progress int, message string) {
	lm.stateMu.Lock()
	lm.updateProgress = UpdateProgress{
		Phase:     phase,
		Progress:  progress,
		Message:   message,
		StartedAt: time.Now().Unix(),
	}
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	status := interfaces.SystemStatus{State: lm.currentState.String()}
	if lm.session != nil && !lm.session.Closed() {
		status.SessionID = lm.session.ID.String()
		status.CalibrationMode = lm.session.InCalibrationMode()
	}
	if lm.registry != nil {
		status.ModuleCount = len(lm.registry.Modules())
	}
	if lm.monitor != nil {
		status.MonitorRunning = lm.monitor.IsRunning()
		status.MonitorHandled = lm.monitor.Handled()
	}
	return status
}

// getStatusInternal returns typed status (for internal use)
func (lm *LifecycleManager) getStatusInternal() SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	status := SystemStatus{
		State:          lm.currentState,
		UpdateProgress: lm.updateProgress,
		Timestamp:      time.Now().Unix(),
	}
	if lm.lastErr != nil {
		status.Error = lm.lastErr.Error()
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	status := lm.getStatusInternal()

	lm.wsHub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, status))

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to status updates
func (lm *LifecycleManager) SubscribeStatus() chan SystemStatus {
	ch := make(chan SystemStatus, 10)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from status updates
func (lm *LifecycleManager) UnsubscribeStatus(ch chan SystemStatus) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

// Session returns the open session, or nil before Start.
func (lm *LifecycleManager) Session() *session.Session {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.session
}

func (lm *LifecycleManager) Registry() *modules.Registry {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.registry
}

func (lm *LifecycleManager) Monitor() *monitor.Monitor {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.monitor
}

func (lm *LifecycleManager) CalibrationLoader() *caltable.Loader {
	return lm.calLoader
}

// AuthService returns the auth service shared by REST and websocket.
func (lm *LifecycleManager) AuthService() *auth.AuthService {
	return lm.authService
}

// Hub returns the websocket hub.
func (lm *LifecycleManager) Hub() *websocket.Hub {
	return lm.wsHub
}
