// Package api exposes the read/admin HTTP surface: pick intake and lookup,
// manual overrides, calibration summary, quota usage and health.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"sports-settlement-bot/config"
	"sports-settlement-bot/internal/cache"
	"sports-settlement-bot/internal/calibration"
	"sports-settlement-bot/internal/database"
	"sports-settlement-bot/internal/providers"
	"sports-settlement-bot/internal/staking"
)

// Store is the slice of the repository the HTTP surface needs. The pgx
// repository is the production implementation.
type Store interface {
	HealthCheck(ctx context.Context) error
	UpsertFixture(ctx context.Context, fixture *database.Fixture) error
	CreatePick(ctx context.Context, pick *database.Pick) error
	GetPickByID(ctx context.Context, id string) (*database.Pick, error)
	ListPicks(ctx context.Context, filter database.PickFilter) ([]*database.Pick, error)
	ManualOverride(ctx context.Context, pickID, newStatus, operator, reason string) (*database.Pick, bool, error)
	GetOverrideAudit(ctx context.Context, pickID string) ([]*database.OverrideAudit, error)
	GetPickStats(ctx context.Context) (*database.PickStats, error)
}

// Server wires the gin router over the repository and runtime services.
type Server struct {
	config      config.ServerConfig
	repo        Store
	cacheSvc    *cache.Service
	calibration *calibration.Engine
	staking     *staking.Engine
	providers   []providers.ResultProvider
	scheduler   SchedulerStatus

	router     *gin.Engine
	httpServer *http.Server
}

// SchedulerStatus lets the health endpoint report on the verification loop.
type SchedulerStatus interface {
	IsRunning() bool
}

func NewServer(cfg config.ServerConfig, repo Store, cacheSvc *cache.Service, cal *calibration.Engine, stakes *staking.Engine, chain []providers.ResultProvider, scheduler SchedulerStatus) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8088"}
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		config:      cfg,
		repo:        repo,
		cacheSvc:    cacheSvc,
		calibration: cal,
		staking:     stakes,
		providers:   chain,
		scheduler:   scheduler,
		router:      router,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.POST("/picks", s.handleCreatePick)
		api.GET("/picks", s.handleListPicks)
		api.GET("/picks/stats", s.handlePickStats)
		api.GET("/picks/:id", s.handleGetPick)
		api.GET("/picks/:id/audit", s.handleGetPickAudit)
		api.POST("/picks/:id/override", s.handleOverridePick)
		api.GET("/calibration/summary", s.handleCalibrationSummary)
		api.GET("/quota", s.handleQuotaUsage)
	}
}

// Router exposes the underlying engine for httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting HTTP server on %s", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down HTTP server...")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dbHealthy := s.repo.HealthCheck(ctx) == nil
	cacheHealthy := s.cacheSvc == nil || s.cacheSvc.Ping(ctx) == nil
	schedulerRunning := s.scheduler != nil && s.scheduler.IsRunning()

	status := "healthy"
	code := http.StatusOK
	if !dbHealthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if !cacheHealthy {
		// Verification is paused but reads still work.
		status = "degraded"
	}

	providerHealth := make(map[string]string, len(s.providers))
	for _, p := range s.providers {
		providerHealth[p.Name()] = string(p.Health())
	}

	c.JSON(code, gin.H{
		"status":    status,
		"database":  healthWord(dbHealthy),
		"cache":     healthWord(cacheHealthy),
		"providers": providerHealth,
		"scheduler": schedulerRunning,
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

func healthWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
