package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/truar/DepotVente-sub001/internal/auth"
	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/logging"
	"github.com/truar/DepotVente-sub001/internal/sync/client"
)

// keepAliveInterval spaces the comment frames that keep idle streams open
// through proxies.
const keepAliveInterval = 25 * time.Second

// SyncHandler serves the terminal-facing sync endpoints.
type SyncHandler struct {
	Store *Store
	Hub   *Hub
	Now   func() time.Time
}

// Register mounts the ping, push and pull routes.
func (h *SyncHandler) Register(r *gin.Engine, authed gin.HandlerFunc) {
	r.GET(client.PathPing, h.ping)
	r.POST(client.PathPush, authed, h.push)

	g := r.Group("/api/sync", authed)
	g.GET("/initial", h.initial)
	g.GET("/delta", h.delta)
}

func (h *SyncHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *SyncHandler) ping(c *gin.Context) {
	c.JSON(http.StatusOK, client.Ping{Status: "ok", Timestamp: h.now().UnixMilli()})
}

func (h *SyncHandler) push(c *gin.Context) {
	var req client.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, apperrors.ErrValidation, "invalid request body")
		return
	}

	workstation := 0
	if claims, ok := auth.ClaimsFrom(c); ok {
		workstation = claims.WorkstationID
	}

	result, err := h.Store.Apply(c.Request.Context(), req, workstation)
	if err != nil {
		Fail(c, err)
		return
	}
	if result.Changed() {
		h.Hub.Publish()
	}
	c.JSON(http.StatusOK, result)
}

func (h *SyncHandler) initial(c *gin.Context) {
	snap, err := h.Store.Snapshot(c.Request.Context(), nil)
	if err != nil {
		Fail(c, err)
		return
	}
	logging.Debug("Served initial snapshot", map[string]interface{}{"rows": snap.Len()})
	c.JSON(http.StatusOK, snap)
}

func (h *SyncHandler) delta(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("since"))
	since, err := strconv.ParseInt(raw, 10, 64)
	if raw == "" || err != nil || since < 0 {
		Error(c, http.StatusBadRequest, apperrors.ErrValidation, "since must be an epoch millisecond timestamp")
		return
	}

	snap, err := h.Store.Snapshot(c.Request.Context(), &since)
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// AdminHandler serves dashboard statistics, once or as an event stream.
type AdminHandler struct {
	Stats *Stats
	Store *Store
	Hub   *Hub
}

// Register mounts the admin routes behind authed.
func (h *AdminHandler) Register(r *gin.Engine, authed gin.HandlerFunc) {
	g := r.Group("/api/admin", authed)
	g.GET("/stats", h.stats)
	g.GET("/stats/stream", h.stream)
	g.GET("/conflicts", h.conflicts)
}

func (h *AdminHandler) stats(c *gin.Context) {
	stats, err := h.Stats.Get(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *AdminHandler) conflicts(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	items, err := h.Store.Conflicts(c.Request.Context(), limit)
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// stream writes the current stats, then a fresh frame after every change.
func (h *AdminHandler) stream(c *gin.Context) {
	ctx := c.Request.Context()

	changes, unsubscribe := h.Hub.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	logging.Info("Stats stream opened", map[string]interface{}{
		"remote":  c.ClientIP(),
		"clients": h.Hub.Clients(),
	})
	defer logging.Info("Stats stream closed", map[string]interface{}{"remote": c.ClientIP()})

	if !h.writeStats(c) {
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok || !h.writeStats(c) {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func (h *AdminHandler) writeStats(c *gin.Context) bool {
	stats, err := h.Stats.Get(c.Request.Context())
	if err != nil {
		logging.Error("Stats stream: query failed", err)
		// Keep the stream open; the next change retries.
		return true
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		logging.Error("Stats stream: encode failed", err)
		return true
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
