package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenFEACore/internal/caltable"
	"github.com/KevinKickass/OpenFEACore/internal/config"
	"github.com/KevinKickass/OpenFEACore/internal/modules"
	"github.com/KevinKickass/OpenFEACore/internal/monitor"
	"github.com/KevinKickass/OpenFEACore/internal/session"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State           string `json:"state"`
	SessionID       string `json:"session_id,omitempty"`
	ModuleCount     int    `json:"module_count"`
	MonitorRunning  bool   `json:"monitor_running"`
	MonitorHandled  uint64 `json:"monitor_handled"`
	CalibrationMode bool   `json:"calibration_mode"`
}

type LifecycleManager interface {
	Config() *config.Config
	Session() *session.Session
	Registry() *modules.Registry
	Monitor() *monitor.Monitor
	CalibrationLoader() *caltable.Loader
	GetCurrentStatus() SystemStatus
	Reconnect(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
