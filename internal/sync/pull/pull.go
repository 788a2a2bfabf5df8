// Package pull brings server state into the local collections, either as a
// full replacement or as an incremental merge.
package pull

import (
	"context"
	"sync"
	"time"

	"github.com/truar/DepotVente-sub001/internal/logging"
	"github.com/truar/DepotVente-sub001/internal/models"
)

// Fetcher reads snapshots from the server.
type Fetcher interface {
	Initial(ctx context.Context) (*models.Snapshot, error)
	Delta(ctx context.Context, since int64) (*models.Snapshot, error)
}

// Writer applies snapshots to the local collections, each call in one
// transaction.
type Writer interface {
	ReplaceAll(ctx context.Context, rows map[string][]models.Row) error
	UpsertAll(ctx context.Context, rows map[string][]models.Row) error
}

// Checkpoint persists the server time of the last successful pull.
type Checkpoint interface {
	LastSync(ctx context.Context) (int64, bool, error)
	SetLastSync(ctx context.Context, ms int64) error
}

// Mode tells which kind of pull ran.
type Mode string

const (
	ModeInitial Mode = "initial"
	ModeDelta   Mode = "delta"
	ModeSkipped Mode = "skipped"
)

// Result describes a completed pull.
type Result struct {
	Mode     Mode          `json:"mode"`
	Rows     int           `json:"rows"`
	SyncedAt int64         `json:"syncedAt"`
	Duration time.Duration `json:"duration"`
}

// Engine runs pulls one at a time.
type Engine struct {
	fetcher    Fetcher
	writer     Writer
	checkpoint Checkpoint

	mu sync.Mutex
}

// NewEngine creates an Engine.
func NewEngine(fetcher Fetcher, writer Writer, checkpoint Checkpoint) *Engine {
	return &Engine{fetcher: fetcher, writer: writer, checkpoint: checkpoint}
}

// InitialSync replaces every local collection with the server's dataset and
// records its syncedAt. On failure nothing local changes.
func (e *Engine) InitialSync(ctx context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initial(ctx)
}

func (e *Engine) initial(ctx context.Context) (Result, error) {
	start := time.Now()

	snap, err := e.fetcher.Initial(ctx)
	if err != nil {
		logging.Error("Initial sync: fetch failed", err)
		return Result{}, err
	}
	if err := e.writer.ReplaceAll(ctx, snap.Rows()); err != nil {
		logging.Error("Initial sync: local write failed", err)
		return Result{}, err
	}
	if err := e.checkpoint.SetLastSync(ctx, snap.SyncedAt); err != nil {
		logging.Error("Initial sync: saving lastSync failed", err)
		return Result{}, err
	}

	res := Result{Mode: ModeInitial, Rows: snap.Len(), SyncedAt: snap.SyncedAt, Duration: time.Since(start)}
	logging.Info("Initial sync complete", map[string]interface{}{
		"rows":        res.Rows,
		"synced_at":   res.SyncedAt,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res, nil
}

// DeltaSync merges every row changed at or after lastSync and advances it.
// Without a lastSync it runs InitialSync instead.
func (e *Engine) DeltaSync(ctx context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	since, ok, err := e.checkpoint.LastSync(ctx)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		logging.Info("Delta sync: no lastSync, running initial sync", nil)
		return e.initial(ctx)
	}

	start := time.Now()
	snap, err := e.fetcher.Delta(ctx, since)
	if err != nil {
		logging.Error("Delta sync: fetch failed", err, map[string]interface{}{"since": since})
		return Result{}, err
	}
	if snap.Len() > 0 {
		if err := e.writer.UpsertAll(ctx, snap.Rows()); err != nil {
			logging.Error("Delta sync: local write failed", err)
			return Result{}, err
		}
	}
	if err := e.checkpoint.SetLastSync(ctx, snap.SyncedAt); err != nil {
		logging.Error("Delta sync: saving lastSync failed", err)
		return Result{}, err
	}

	res := Result{Mode: ModeDelta, Rows: snap.Len(), SyncedAt: snap.SyncedAt, Duration: time.Since(start)}
	logging.Debug("Delta sync complete", map[string]interface{}{
		"since":     since,
		"rows":      res.Rows,
		"synced_at": res.SyncedAt,
	})
	return res, nil
}

// SoftInitialSync runs InitialSync only when no pull has ever completed.
func (e *Engine) SoftInitialSync(ctx context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok, err := e.checkpoint.LastSync(ctx)
	if err != nil {
		return Result{}, err
	}
	if ok {
		return Result{Mode: ModeSkipped}, nil
	}
	return e.initial(ctx)
}
