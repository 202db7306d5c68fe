package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mcp-mesh-registry/src/core/config"
	"mcp-mesh-registry/src/core/database"
	"mcp-mesh-registry/src/core/logger"
	"mcp-mesh-registry/src/core/registry/tracing"
)

// Server binds the registry service, health monitor and trace pipeline to
// the HTTP surface.
type Server struct {
	config        *config.Config
	logger        *logger.Logger
	store         *database.Store
	service       *Service
	healthMonitor *HealthMonitor
	tracing       *tracing.Manager

	engine     *gin.Engine
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires every component and registers the routes.
func NewServer(store *database.Store, cfg *config.Config, log *logger.Logger) *Server {
	log.SetGinMode()

	service := NewService(store, cfg, log)

	engine := gin.New()
	engine.Use(gin.Recovery())
	if log.IsDebugEnabled() {
		engine.Use(gin.Logger())
	}

	s := &Server{
		config:        cfg,
		logger:        log,
		store:         store,
		service:       service,
		healthMonitor: NewHealthMonitor(store, cfg, log, service),
		tracing:       tracing.NewManager(cfg, log),
		engine:        engine,
		startedAt:     time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)
	s.engine.HEAD("/health", s.handleHealth)

	s.engine.POST("/agents/register", s.handleRegister)
	s.engine.POST("/agents/:id/heartbeat", s.handleHeartbeat)
	s.engine.HEAD("/agents/:id/heartbeat", s.handleProbe)
	s.engine.DELETE("/agents/:id", s.handleUnregister)
	s.engine.GET("/agents", s.handleListAgents)

	s.engine.GET("/services/discover/:capability", s.handleDiscover)

	s.engine.GET("/trace/status", s.handleTraceStatus)
}

// Service exposes the registration service (tests).
func (s *Server) Service() *Service {
	return s.service
}

// Engine exposes the gin engine (tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the background loops and serves HTTP until the context is
// cancelled, then shuts down with a 5s grace period.
func (s *Server) Run(ctx context.Context) error {
	s.healthMonitor.Start(ctx)
	if err := s.tracing.Start(ctx); err != nil {
		// Tracing degrades; the registration path stays up.
		s.logger.Error("Trace pipeline failed to start: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Registry listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		s.stopBackground()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down registry")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)

	s.stopBackground()
	return err
}

func (s *Server) stopBackground() {
	s.healthMonitor.Stop()
	s.tracing.Stop()
}
