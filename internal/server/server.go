// Package server exposes the firmware registry over HTTP.
package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/metal-toolbox/firmware-registry/internal/config"
	"github.com/metal-toolbox/firmware-registry/internal/metrics"
	"github.com/metal-toolbox/firmware-registry/internal/store"
	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
)

var (
	ErrServe    = errors.New("error serving http")
	ErrShutdown = errors.New("error shutting down http server")
)

// Registry is the firmware registry the handlers serve.
type Registry interface {
	Version(ctx context.Context) (*types.VersionRecord, error)
	Check(ctx context.Context, deviceVersion string) (*types.CheckResponse, error)
	Open(ctx context.Context) (*store.Blob, error)
	Stage(ctx context.Context, src io.Reader, declaredSize int64) (*store.Staged, error)
	Publish(ctx context.Context, staged *store.Staged, version string) (*types.VersionRecord, error)
}

// Server is the registry HTTP server.
type Server struct {
	addr            string
	maxConnections  int
	maxUploadBytes  int64
	shutdownTimeout time.Duration

	registry   Registry
	logger     *logrus.Logger
	httpServer *http.Server
}

// New returns a Server for reg configured from cfg.
func New(cfg *config.Configuration, reg Registry, logger *logrus.Logger) *Server {
	s := &Server{
		addr:            cfg.ListenAddress(),
		maxConnections:  cfg.MaxConnections,
		maxUploadBytes:  cfg.MaxUploadBytes,
		shutdownTimeout: cfg.ShutdownTimeout,
		registry:        reg,
		logger:          logger,
	}

	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	return s
}

// Handler returns the http handler of the server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) router() *gin.Engine {
	g := gin.New()

	g.Use(
		gin.CustomRecovery(s.recovery),
		loggerMiddleware(s.logger),
		metricsMiddleware(),
	)

	g.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "not found"})
	})

	s.routes(g)

	return g
}

func (s *Server) recovery(c *gin.Context, recovered any) {
	s.logger.WithFields(logrus.Fields{
		"panic": recovered,
		"path":  c.Request.URL.Path,
	}).Error("recovered from panic")

	c.AbortWithStatusJSON(http.StatusInternalServerError, types.ErrorResponse{Error: "internal server error"})
}

// Run listens on the configured address and serves until ctx is done, then
// shuts down gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrap(ErrServe, err.Error())
	}

	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.maxConnections > 0 {
		ln = netutil.LimitListener(ln, s.maxConnections)
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.WithFields(logrus.Fields{
			"addr":           ln.Addr().String(),
			"maxConnections": s.maxConnections,
		}).Info("firmware registry listening")

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(ErrServe, err.Error())
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		_ = s.httpServer.Close()
		return errors.Wrap(ErrShutdown, err.Error())
	}

	s.logger.Info("http server shutdown complete")

	return nil
}

func loggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"route":    c.FullPath(),
			"status":   c.Writer.Status(),
			"bytes":    c.Writer.Size(),
			"latency":  time.Since(start).String(),
			"clientIP": c.ClientIP(),
		})

		if len(c.Errors) > 0 {
			entry.Warn(c.Errors.String())
			return
		}

		entry.Debug("request")
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
