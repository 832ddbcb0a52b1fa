// Package dashboard hosts the Gin-powered monitoring surface: venue health
// and statistics as JSON, plus the Prometheus registry on /metrics.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamflow/config"
	"streamflow/internal/channel"
	"streamflow/internal/observer"
	"streamflow/logger"
	"streamflow/models"
)

// Server serves the monitoring endpoints when the dashboard is enabled.
type Server struct {
	cfg        config.DashboardConfig
	obs        *observer.Observer
	manager    *channel.Manager
	mirror     *observer.PromMirror
	log        *logger.Log
	httpServer *http.Server
}

// NewServer constructs the dashboard server. When the dashboard is disabled
// the returned server is nil.
func NewServer(cfg config.DashboardConfig, obs *observer.Observer, manager *channel.Manager, mirror *observer.PromMirror) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	return &Server{
		cfg:     cfg,
		obs:     obs,
		manager: manager,
		mirror:  mirror,
		log:     logger.GetLogger(),
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ":8080"
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}

// Router builds the Gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/stats/:venue", s.handleVenueStats)
	api.GET("/subscriptions", s.handleSubscriptions)

	if s.mirror != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.mirror.Registry(), promhttp.HandlerOpts{})))
	}
	return router
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithComponent("dashboard").WithError(err).Error("dashboard server stopped")
		}
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard started")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	out := make(map[string]observer.Health)
	for _, venue := range s.obs.Venues() {
		out[venue] = s.obs.GetHealth(venue)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStats(c *gin.Context) {
	out := make(map[string]observer.VenueStatistics)
	for _, venue := range s.obs.Venues() {
		if stats, err := s.obs.Statistics(venue); err == nil {
			out[venue] = stats
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleVenueStats(c *gin.Context) {
	venue := c.Param("venue")

	ch := c.Query("channel")
	symbol := c.Query("symbol")
	if ch != "" && symbol != "" {
		stats, err := s.obs.ChannelStats(venue, models.Channel(ch), symbol)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
		return
	}

	stats, err := s.obs.Statistics(venue)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSubscriptions(c *gin.Context) {
	if s.manager == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.manager.ActiveSubscriptions())
}
