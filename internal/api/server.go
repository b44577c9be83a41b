// Package api exposes the switchback engine over HTTP: band and experiment
// management, operator commands, storefront event hooks and the cron tick.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pennyperfect/internal/config"
	"pennyperfect/internal/database"
	"pennyperfect/internal/switchback"
)

const shopKey = "pennyperfect_shop"

// Server routes HTTP requests to the engine.
type Server struct {
	logger *slog.Logger
	repo   database.Repository
	engine *switchback.Engine
	cfg    config.ServerConfig
	router *gin.Engine
	now    func() time.Time
}

// NewServer creates a new Server. gatherer backs /metrics and may be nil.
func NewServer(logger *slog.Logger, repo database.Repository, engine *switchback.Engine, cfg config.ServerConfig, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger: logger,
		repo:   repo,
		engine: engine,
		cfg:    cfg,
		router: gin.New(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes(gatherer)
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	r := s.router
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.POST("/shops", s.createShop)

	scoped := api.Group("", s.shopScope())
	scoped.GET("/bands", s.listBands)
	scoped.POST("/bands", s.createBand)
	scoped.GET("/bands/:id", s.getBand)
	scoped.PUT("/bands/:id", s.updateBand)
	scoped.DELETE("/bands/:id", s.deleteBand)

	scoped.POST("/variants", s.upsertVariant)
	scoped.PUT("/variants/:id/price", s.setVariantPrice)

	scoped.GET("/experiments", s.listExperiments)
	scoped.POST("/experiments", s.createExperiment)
	scoped.GET("/experiments/:id", s.getExperiment)
	scoped.POST("/experiments/:id/pause", s.command(s.engine.Pause))
	scoped.POST("/experiments/:id/resume", s.command(s.engine.Resume))
	scoped.POST("/experiments/:id/promote", s.command(s.engine.Promote))
	scoped.POST("/experiments/:id/revert", s.command(s.engine.Revert))

	r.POST("/events/session-start", s.sessionStart)
	r.POST("/webhooks/orders/paid", s.orderPaid)

	cron := r.Group("/cron", s.cronAuth())
	cron.GET("/switchback", s.tick)
	cron.POST("/switchback", s.tick)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on cfg.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.cfg.CronSecret == "" {
		s.logger.Warn("Cron secret not set, /cron/switchback is unauthenticated")
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// shopScope resolves the ?shop= domain and stores the shop in the context.
func (s *Server) shopScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		domain := c.Query("shop")
		if domain == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing shop parameter"})
			return
		}
		shop, err := s.repo.GetShopByDomain(c.Request.Context(), domain)
		if err != nil {
			s.abort(c, err)
			return
		}
		c.Set(shopKey, shop)
		c.Next()
	}
}

// cronAuth checks "Authorization: Bearer <cron_secret>" when a secret is configured.
func (s *Server) cronAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.CronSecret == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
