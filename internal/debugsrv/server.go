// Package debugsrv serves the engine's introspection surface on localhost:
// aggregated status, notification channel state, directory node browsing and
// a couple of control hooks for the CLI. It is an optional side channel; the
// engine runs fine without it.
package debugsrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/driftlab/driftsync/internal/directory"
	"github.com/driftlab/driftsync/internal/manager"
	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/notifier"
)

// Engine is the slice of the sync manager the debug surface reads and pokes.
type Engine interface {
	GetStatus() manager.SyncStatus
	Directory() *directory.Directory
	CacheGUID() string
	HasUnsyncedItems() bool
	RequestNudge(delay time.Duration)
	RequestNudgeForTypes(types modeltype.Set)
	RequestClearServerData()
}

// PushChannel is the slice of the notifier the debug surface reads. May be
// absent when the daemon runs without push.
type PushChannel interface {
	IsConnected() bool
	RegisteredTopics() []string
	Stats() (map[string]notifier.TopicStats, int64)
}

type Config struct {
	// Addr should stay on a loopback interface; the surface is unauthenticated.
	Addr      string
	RateLimit string // limiter format, e.g. "100-M"; empty disables
	Logger    *slog.Logger
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	engine   Engine
	push     PushChannel
	router   *gin.Engine
	server   *http.Server
	listener net.Listener
}

func New(cfg Config, engine Engine, push PushChannel) (*Server, error) {
	if engine == nil {
		return nil, errors.New("debugsrv: nil engine")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8414"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(slogGin.NewWithConfig(logger.WithGroup("http"), slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
	}))
	router.Use(gin.Recovery())
	router.Use(gzip.Gzip(gzip.BestSpeed))
	router.Use(cors.Default())
	router.Use(secure.New(secure.Config{
		ContentTypeNosniff: true,
		FrameDeny:          true,
	}))
	if cfg.RateLimit != "" {
		rate, err := limiter.NewRateFromFormatted(cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("debugsrv: rate limit %q: %w", cfg.RateLimit, err)
		}
		router.Use(mgin.NewMiddleware(limiter.New(memory.NewStore(), rate)))
	}

	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "debugsrv"),
		engine: engine,
		push:   push,
		router: router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.router.Group("/v1")
	v1.GET("/getStatus", s.getStatus)
	v1.GET("/getNotificationState", s.getNotificationState)
	v1.GET("/getNotificationInfo", s.getNotificationInfo)
	v1.GET("/getRootNodeDetails", s.getRootNodeDetails)
	v1.GET("/getNodeDetailsById", s.getNodeDetailsByID)
	v1.GET("/findNodesContainingString", s.findNodesContainingString)
	v1.GET("/getClientInfo", s.getClientInfo)
	v1.POST("/requestNudge", s.requestNudge)
	v1.POST("/requestClearServerData", s.requestClearServerData)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled. Binding the listener happens before
// Start returns control to the errgroup, so a bad addr fails fast.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("debugsrv: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.server = &http.Server{Handler: s.router}
	s.logger.Info("debug server listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

// Addr returns the bound address once Start has run.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("debug server stopping")
	return s.server.Shutdown(ctx)
}
