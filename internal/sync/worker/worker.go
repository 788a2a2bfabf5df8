// Package worker is the background execution context that hosts the sync
// orchestrator. The UI host talks to it only through typed messages.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/logging"
	"github.com/truar/DepotVente-sub001/internal/sync/pull"
	"github.com/truar/DepotVente-sub001/internal/sync/push"
	"github.com/truar/DepotVente-sub001/internal/sync/scheduler"
)

const (
	defaultInboxSize   = 32
	defaultOutboxSize  = 64
	defaultSendTimeout = time.Second
)

// Orchestrator is the part of the scheduler driven by messages.
type Orchestrator interface {
	Start(ctx context.Context)
	Stop()
	SetOnlineStatus(online bool)
	TriggerFullResync(ctx context.Context) (pull.Result, error)
	ProcessOutbox(ctx context.Context) (push.Result, error)
}

// TokenStore persists the bearer token across restarts.
type TokenStore interface {
	SaveToken(ctx context.Context, token string) error
	LoadToken(ctx context.Context) (string, error)
}

// Tokens holds the current bearer token. It is created before the HTTP
// collaborators so they can read it through Get.
type Tokens struct {
	v        atomic.Value
	mu       sync.Mutex
	onChange []func()
}

// NewTokens creates an empty holder.
func NewTokens() *Tokens {
	t := &Tokens{}
	t.v.Store("")
	return t
}

// Get returns the current token or "".
func (t *Tokens) Get() string {
	return t.v.Load().(string)
}

// Set replaces the token and runs the change callbacks.
func (t *Tokens) Set(token string) {
	t.v.Store(token)
	t.mu.Lock()
	callbacks := append([]func(){}, t.onChange...)
	t.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// OnChange registers fn to run after every Set.
func (t *Tokens) OnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// Worker owns the orchestrator and processes inbound messages one at a time.
type Worker struct {
	orch   Orchestrator
	tokens *Tokens
	store  TokenStore

	inbox       chan Message
	outbound    chan Outbound
	sendTimeout time.Duration

	wg       sync.WaitGroup
	outMu    sync.RWMutex
	closed   bool
	received atomic.Int64
	dropped  atomic.Int64
}

// New creates a Worker. Messages may be sent before Run; they wait in the
// inbox.
func New(orch Orchestrator, tokens *Tokens, store TokenStore) *Worker {
	return &Worker{
		orch:        orch,
		tokens:      tokens,
		store:       store,
		inbox:       make(chan Message, defaultInboxSize),
		outbound:    make(chan Outbound, defaultOutboxSize),
		sendTimeout: defaultSendTimeout,
	}
}

// Send queues msg for the worker. It returns false when msg is invalid or the
// inbox stayed full for the send timeout.
func (w *Worker) Send(msg Message) bool {
	if err := msg.Validate(); err != nil {
		logging.Warn("Rejected worker message", map[string]interface{}{"error": err.Error()})
		return false
	}
	t := time.NewTimer(w.sendTimeout)
	defer t.Stop()
	select {
	case w.inbox <- msg:
		return true
	case <-t.C:
		logging.Warn("Worker inbox send timeout", map[string]interface{}{
			"type":          msg.Type.String(),
			"current_depth": len(w.inbox),
		})
		return false
	}
}

// Events returns the outbound channel. It is closed when Run returns.
func (w *Worker) Events() <-chan Outbound {
	return w.outbound
}

// Stats reports inbox usage.
type Stats struct {
	Received int64 `json:"received"`
	Dropped  int64 `json:"dropped"`
	Depth    int   `json:"depth"`
}

// Stats returns inbox counters.
func (w *Worker) Stats() Stats {
	return Stats{Received: w.received.Load(), Dropped: w.dropped.Load(), Depth: len(w.inbox)}
}

// HandleEvent turns an orchestrator event into an outbound message. Wire it as
// the scheduler's OnEvent.
func (w *Worker) HandleEvent(ev scheduler.Event) {
	out := Outbound{Type: MsgSyncComplete, Kind: string(ev.Kind), Push: ev.Push, Pull: ev.Pull}
	if ev.Error != nil {
		out.Type = MsgSyncError
		out.Error = ev.Error.Error()
		out.Class = string(apperrors.Classify(ev.Error))
	}
	w.emit(out)
}

func (w *Worker) emit(out Outbound) {
	w.outMu.RLock()
	defer w.outMu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.outbound <- out:
	default:
		w.dropped.Add(1)
		logging.Warn("Worker outbound queue full, dropping message", map[string]interface{}{"type": out.Type.String()})
	}
}

// Run restores a persisted token, then handles messages until ctx is
// cancelled. On exit it stops the orchestrator and closes Events.
func (w *Worker) Run(ctx context.Context) {
	if w.tokens.Get() == "" && w.store != nil {
		token, err := w.store.LoadToken(ctx)
		if err != nil {
			logging.Error("Failed to restore auth token", err)
		} else if token != "" {
			w.tokens.Set(token)
			logging.Info("Restored persisted auth token", nil)
		}
	}

	logging.Info("Sync worker started", nil)
	defer func() {
		w.orch.Stop()
		w.wg.Wait()
		w.outMu.Lock()
		w.closed = true
		close(w.outbound)
		w.outMu.Unlock()
		logging.Info("Sync worker stopped", nil)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.inbox:
			w.received.Add(1)
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg Message) {
	logging.Debug("Worker message", map[string]interface{}{"type": msg.Type.String()})

	switch msg.Type {
	case MsgSetToken:
		w.tokens.Set(msg.Payload)
		if w.store != nil {
			if err := w.store.SaveToken(ctx, msg.Payload); err != nil {
				logging.Error("Failed to persist auth token", err)
			}
		}
	case MsgStartSync:
		w.orch.Start(ctx)
	case MsgStopSync:
		w.orch.Stop()
	case MsgSetOnline:
		w.orch.SetOnlineStatus(*msg.Online)
	case MsgInitialSync:
		w.async(ctx, func(ctx context.Context) {
			w.orch.TriggerFullResync(ctx)
		})
	case MsgProcessOutbox:
		w.async(ctx, func(ctx context.Context) {
			w.orch.ProcessOutbox(ctx)
		})
	}
}

// async runs a long operation off the message loop so STOP_SYNC stays
// responsive. Results reach the host through HandleEvent.
func (w *Worker) async(ctx context.Context, fn func(context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn(ctx)
	}()
}
