// Package opsserver exposes health, metrics and manual triggers over HTTP.
package opsserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"sjsage522/pricetracker/internal/catalog"
	"sjsage522/pricetracker/internal/scanner"
	"sjsage522/pricetracker/internal/tracker"
	"sjsage522/pricetracker/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tracker is the engine surface the server triggers
type Tracker interface {
	RefreshCatalog(ctx context.Context, supermarket string) (catalog.RefreshResult, error)
	ScanBatch(ctx context.Context, supermarket string) (scanner.BatchResult, error)
	ScanOne(ctx context.Context, supermarket string, productID uint) (scanner.ScanResult, error)
	GetStatus(ctx context.Context, supermarket string) (tracker.Status, error)
}

// Pinger checks a dependency, *sql.DB satisfies it
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server is the ops HTTP server
type Server struct {
	tracker Tracker
	db      Pinger
	log     *logger.Logger
	engine  *gin.Engine
}

// New creates the server and its routes. gatherer defaults to the Prometheus
// default registry when nil.
func New(t Tracker, db Pinger, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		tracker: t,
		db:      db,
		log:     logger.ForComponent("opsserver"),
	}
	s.engine = s.newEngine(gatherer)
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) newEngine(gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(ErrorHandlingMiddleware())

	metricsHandler := promhttp.Handler()
	if gatherer != nil {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	r.GET("/healthz", s.Health)
	r.GET("/metrics", gin.WrapH(metricsHandler))
	r.GET("/status/:supermarket", s.Status)
	r.POST("/refresh/:supermarket", s.Refresh)
	r.POST("/scan/:supermarket", s.ScanBatch)
	r.POST("/scan/:supermarket/products/:id", s.ScanOne)
	return r
}

// requestLogger attaches a logger tagged with a request id to the request
// context so runs triggered over HTTP can be traced back to their request
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		log := s.log.WithFields(logger.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.FullPath(),
		})
		c.Request = c.Request.WithContext(log.Attach(c.Request.Context()))
		c.Next()

		event := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event.
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	}
}

// Health reports whether the database answers
func (s *Server) Health(c *gin.Context) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Status(c *gin.Context) {
	status, err := s.tracker.GetStatus(c.Request.Context(), c.Param("supermarket"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) Refresh(c *gin.Context) {
	result, err := s.tracker.RefreshCatalog(c.Request.Context(), c.Param("supermarket"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ScanBatch(c *gin.Context) {
	result, err := s.tracker.ScanBatch(c.Request.Context(), c.Param("supermarket"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ScanOne(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		AbortWithError(c, fmt.Errorf("%w: product id must be a positive integer", errInvalidRequest))
		return
	}

	result, err := s.tracker.ScanOne(c.Request.Context(), c.Param("supermarket"), uint(id))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// Run serves on addr until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
