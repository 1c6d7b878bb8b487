package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/api/websocket"
	"github.com/KevinKickass/OpenFEACore/internal/auth"
	"github.com/KevinKickass/OpenFEACore/internal/config"
	"github.com/KevinKickass/OpenFEACore/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH (PUBLIC) ====================
		v1.POST("/auth/token", s.issueToken)

		authed := v1.Group("")
		authed.Use(s.authService.AuthMiddleware())

		// ==================== SYSTEM ====================
		authed.GET("/system/status", auth.RequirePermission(auth.PermViewer), s.getSystemStatus)
		authed.POST("/system/reconnect", auth.RequirePermission(auth.PermAdmin), s.reconnect)
		authed.GET("/auth/me", auth.RequirePermission(auth.PermViewer), s.getCurrentPrincipal)

		// ==================== SESSION ====================
		sess := authed.Group("/session")
		{
			sess.GET("", auth.RequirePermission(auth.PermViewer), s.getSession)
			sess.GET("/status", auth.RequirePermission(auth.PermViewer), s.getStatusByte)
			sess.GET("/event-status", auth.RequirePermission(auth.PermViewer), s.getEventStatus)
			sess.POST("/errors/clear", auth.RequirePermission(auth.PermOperator), s.clearErrorFlag)
			sess.POST("/wait", auth.RequirePermission(auth.PermOperator), s.waitOperationComplete)

			// Calibration access
			sess.PUT("/calibration-mode", auth.RequirePermission(auth.PermCalibrator), s.setCalibrationMode)
			sess.PUT("/calibration-password", auth.RequirePermission(auth.PermCalibrator), s.setCalibrationPassword)
		}

		// ==================== MODULES ====================
		authed.GET("/readiness", auth.RequirePermission(auth.PermViewer), s.getReadiness)
		authed.POST("/modules/off", auth.RequirePermission(auth.PermOperator), s.turnOffAll)

		mods := authed.Group("/modules")
		{
			// Read operations: Viewer+
			mods.GET("", auth.RequirePermission(auth.PermViewer), s.listModules)
			mods.GET("/:number", auth.RequirePermission(auth.PermViewer), s.getModule)
			mods.GET("/:number/voltage", auth.RequirePermission(auth.PermViewer), s.getVoltage)
			mods.GET("/:number/measure", auth.RequirePermission(auth.PermViewer), s.measure)
			mods.GET("/:number/range", auth.RequirePermission(auth.PermViewer), s.getRange)
			mods.GET("/:number/output", auth.RequirePermission(auth.PermViewer), s.getOutput)
			mods.GET("/:number/readiness", auth.RequirePermission(auth.PermViewer), s.getModuleReadiness)
			mods.GET("/:number/temperature", auth.RequirePermission(auth.PermViewer), s.getTemperature)
			mods.GET("/:number/meter", auth.RequirePermission(auth.PermViewer), s.getMeterSettings)

			// Write operations: Operator+
			mods.PUT("/:number/voltage", auth.RequirePermission(auth.PermOperator), s.setVoltage)
			mods.PUT("/:number/range", auth.RequirePermission(auth.PermOperator), s.setRange)
			mods.PUT("/:number/output", auth.RequirePermission(auth.PermOperator), s.setOutput)
			mods.PUT("/:number/meter", auth.RequirePermission(auth.PermOperator), s.setMeterSettings)

			// Calibration: Calibrator+
			mods.POST("/:number/calibration", auth.RequirePermission(auth.PermCalibrator), s.applyCalibrationTable)
			mods.GET("/:number/calibration/program", auth.RequirePermission(auth.PermCalibrator), s.getProgramCurve)
			mods.GET("/:number/calibration/info", auth.RequirePermission(auth.PermCalibrator), s.getCalibrationInfo)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		v1.GET("/ws/events", s.wsEvents)
		authed.GET("/ws/status", auth.RequirePermission(auth.PermViewer), s.wsStatus)
	}
}

// WebSocket handlers
func (s *Server) wsEvents(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	state := s.lm.GetCurrentStatus().State
	code := http.StatusOK
	if s.lm.Session() == nil || s.lm.Session().Closed() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    state,
		"timestamp": time.Now().Unix(),
	})
}
