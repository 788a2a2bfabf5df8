// Package statusapi is the terminal's localhost status surface: REST endpoints
// for the sync state and manual recovery, plus a websocket event stream.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/logging"
	"github.com/truar/DepotVente-sub001/internal/models"
	"github.com/truar/DepotVente-sub001/internal/sync/notify"
	"github.com/truar/DepotVente-sub001/internal/sync/push"
	"github.com/truar/DepotVente-sub001/internal/sync/scheduler"
	"github.com/truar/DepotVente-sub001/internal/sync/worker"
	"github.com/truar/DepotVente-sub001/internal/telemetry"
)

// Orchestrator is the part of the scheduler the status surface reads and
// drives directly.
type Orchestrator interface {
	GetStatus(ctx context.Context) (scheduler.SchedulerStatus, error)
	SyncNow(ctx context.Context) error
}

// Recovery resolves operations that exhausted their retries.
type Recovery interface {
	RetryFailed(ctx context.Context) (int, error)
	ClearFailed(ctx context.Context) (int, error)
}

// Checkpoint exposes the last successful pull.
type Checkpoint interface {
	LastSync(ctx context.Context) (int64, bool, error)
}

// Commander is the worker as seen by the status surface.
type Commander interface {
	Dispatcher
	Stats() worker.Stats
}

// StreamState reports the change-notification connection.
type StreamState interface {
	State() notify.State
}

// Metrics exposes the in-process sync counters.
type Metrics interface {
	Snapshot() telemetry.Snapshot
}

// Options wires the status surface to the sync core.
type Options struct {
	Orchestrator Orchestrator
	Recovery     Recovery
	Checkpoint   Checkpoint
	Worker       Commander
	Stream       StreamState
	Metrics      Metrics
}

// Status is returned by GET /api/sync/status and pushed as sync.status.
type Status struct {
	scheduler.SchedulerStatus
	LastSync    *int64       `json:"lastSync"`
	Stream      notify.State `json:"stream"`
	Worker      worker.Stats `json:"worker"`
	WSClients   int          `json:"wsClients"`
	Deliverable int          `json:"deliverable"`

	Counters *telemetry.Snapshot `json:"counters,omitempty"`
}

// Server serves the status API.
type Server struct {
	opts Options
	hub  *Hub
}

// New creates a Server with its websocket hub.
func New(opts Options) *Server {
	return &Server{opts: opts, hub: NewHub(opts.Worker)}
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery())
	s.Register(engine)
	return engine
}

// Register mounts the status routes and the websocket on r.
func (s *Server) Register(r *gin.Engine) {
	g := r.Group("/api/sync")
	g.GET("/status", s.status)
	g.POST("/now", s.syncNow)
	g.POST("/resync", s.resync)
	g.POST("/online", s.setOnline)
	g.POST("/token", s.setToken)
	g.POST("/failed/retry", s.retryFailed)
	g.DELETE("/failed", s.clearFailed)

	r.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})
}

// Snapshot assembles the current status.
func (s *Server) Snapshot(ctx context.Context) (Status, error) {
	sched, err := s.opts.Orchestrator.GetStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		SchedulerStatus: sched,
		WSClients:       s.hub.Clients(),
		Deliverable:     sched.Outbox.Deliverable(),
		Stream:          notify.StateStopped,
	}
	if s.opts.Checkpoint != nil {
		ms, ok, err := s.opts.Checkpoint.LastSync(ctx)
		if err != nil {
			logging.Warn("Status: unreadable lastSync", map[string]interface{}{"error": err.Error()})
		} else if ok {
			st.LastSync = &ms
		}
	}
	if s.opts.Stream != nil {
		st.Stream = s.opts.Stream.State()
	}
	if s.opts.Worker != nil {
		st.Worker = s.opts.Worker.Stats()
	}
	if s.opts.Metrics != nil {
		c := s.opts.Metrics.Snapshot()
		st.Counters = &c
	}
	return st, nil
}

func (s *Server) status(c *gin.Context) {
	st, err := s.Snapshot(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// syncNow pushes then pulls a delta while the caller waits, and answers with
// the resulting status.
func (s *Server) syncNow(c *gin.Context) {
	ctx := c.Request.Context()
	syncErr := s.opts.Orchestrator.SyncNow(ctx)

	st, err := s.Snapshot(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	resp := gin.H{"status": st}
	if syncErr != nil {
		resp["error"] = syncErr.Error()
		resp["code"] = apperrors.CodeOf(syncErr)
		resp["class"] = apperrors.Classify(syncErr)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) dispatch(c *gin.Context, msg worker.Message) {
	if s.opts.Worker == nil || !s.opts.Worker.Send(msg) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": apperrors.ErrSyncStopped, "error": "worker unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": msg.Type})
}

func (s *Server) resync(c *gin.Context) {
	s.dispatch(c, worker.Message{Type: worker.MsgInitialSync})
}

func (s *Server) setOnline(c *gin.Context) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": apperrors.ErrValidation, "error": "online is required"})
		return
	}
	s.dispatch(c, worker.SetOnline(*req.Online))
}

func (s *Server) setToken(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": apperrors.ErrValidation, "error": "token is required"})
		return
	}
	s.dispatch(c, worker.SetToken(req.Token))
}

func (s *Server) retryFailed(c *gin.Context) {
	n, err := s.opts.Recovery.RetryFailed(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if n > 0 && s.opts.Worker != nil {
		s.opts.Worker.Send(worker.Message{Type: worker.MsgProcessOutbox})
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

func (s *Server) clearFailed(c *gin.Context) {
	n, err := s.opts.Recovery.ClearFailed(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"discarded": n})
}

func fail(c *gin.Context, err error) {
	logging.Error("Status API request failed", err, map[string]interface{}{"path": c.FullPath()})
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	c.JSON(http.StatusInternalServerError, gin.H{"code": apperrors.CodeOf(err), "error": msg})
}

// =====================================================
// Event sources
// =====================================================

// ForwardWorker relays worker notifications to websocket clients until the
// channel closes or ctx is done.
func (s *Server) ForwardWorker(ctx context.Context, events <-chan worker.Outbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case worker.MsgSyncComplete:
				s.hub.Broadcast(EventSyncCompleted, ev)
			case worker.MsgSyncError:
				s.hub.Broadcast(EventSyncFailed, ev)
			}
			s.broadcastStatus(ctx)
		}
	}
}

// WatchOutbox pushes a status snapshot whenever the outbox changes.
func (s *Server) WatchOutbox(ctx context.Context, counts <-chan models.OutboxCounts) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-counts:
			if !ok {
				return
			}
			s.broadcastStatus(ctx)
		}
	}
}

// PushEvent relays one delivery attempt. It is wired as the push engine's
// event callback.
func (s *Server) PushEvent(ev push.Event) {
	s.hub.Broadcast(EventSyncOperation, ev)
}

// StreamStateChanged relays the change-notification connection state.
func (s *Server) StreamStateChanged(state notify.State, err error) {
	data := map[string]any{"state": state}
	if err != nil {
		data["error"] = err.Error()
	}
	s.hub.Broadcast(EventStreamState, data)
}

// StreamMessage relays a frame received on the change-notification stream.
func (s *Server) StreamMessage(frame json.RawMessage) {
	s.hub.Broadcast(EventStreamStats, frame)
}

func (s *Server) broadcastStatus(ctx context.Context) {
	st, err := s.Snapshot(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logging.Warn("Status broadcast skipped", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	s.hub.Broadcast(EventSyncStatus, st)
}
