package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/truar/DepotVente-sub001/internal/auth"
	"github.com/truar/DepotVente-sub001/internal/logging"
	"github.com/truar/DepotVente-sub001/internal/sync/conflict"
)

const shutdownTimeout = 10 * time.Second

// Options configures a Server.
type Options struct {
	DB       *gorm.DB
	JWT      auth.JWT
	Strategy conflict.ResolutionStrategy
	Now      func() time.Time
}

// Server hosts the sync API.
type Server struct {
	engine *gin.Engine
	store  *Store
	hub    *Hub
}

// New builds the gin engine and registers every route.
func New(opts Options) *Server {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	store := NewStore(opts.DB, conflict.NewResolver(opts.Strategy), now)
	stats := NewStats(opts.DB, now)
	hub := NewHub(stats.Invalidate)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())

	authed := auth.Middleware(opts.JWT)

	health := &HealthHandler{DB: opts.DB}
	health.Register(engine)

	sync := &SyncHandler{Store: store, Hub: hub, Now: now}
	sync.Register(engine, authed)

	admin := &AdminHandler{Stats: stats, Store: store, Hub: hub}
	admin.Register(engine, authed)

	return &Server{engine: engine, store: store, hub: hub}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Store returns the server store.
func (s *Server) Store() *Store {
	return s.store
}

// Hub returns the change hub, so out-of-band writers can notify streams.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		// Open streams end with ctx instead of holding up Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Sync server listening", map[string]interface{}{"addr": addr})
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info("Sync server stopped")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("HTTP request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}
