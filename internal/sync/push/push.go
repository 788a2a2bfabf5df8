// Package push delivers outbox operations to the sync server with per-operation
// exponential backoff.
package push

import (
	"context"
	"sync"
	"time"

	"github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/logging"
	"github.com/truar/DepotVente-sub001/internal/models"
	"github.com/truar/DepotVente-sub001/internal/sync/client"
	"github.com/truar/DepotVente-sub001/internal/sync/outbox"
)

const (
	// BaseDelay is the backoff after the first failure.
	BaseDelay = time.Second
	// MaxDelay caps the backoff.
	MaxDelay = 17 * time.Minute
)

// Backoff returns min(BaseDelay * 2^retryCount, MaxDelay).
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 20 {
		return MaxDelay
	}
	d := BaseDelay << uint(retryCount)
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

// Store is the part of the outbox the engine needs.
type Store interface {
	List(ctx context.Context, statuses ...models.OutboxStatus) ([]models.OutboxOperation, error)
	Update(ctx context.Context, id string, patch outbox.Patch) error
	Delete(ctx context.Context, id string) error
}

// Pusher sends one operation to the server.
type Pusher interface {
	Push(ctx context.Context, req client.PushRequest) error
}

// Timer is a cancellable pending call.
type Timer interface {
	Stop() bool
}

// Outcome is what happened to one delivery attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeExhausted Outcome = "exhausted"
)

// Event reports a delivery attempt to listeners.
type Event struct {
	OperationID string              `json:"operationId"`
	Collection  string              `json:"collection"`
	RecordID    string              `json:"recordId"`
	Outcome     Outcome             `json:"outcome"`
	Class       errors.FailureClass `json:"class,omitempty"`
	RetryCount  int                 `json:"retryCount"`
	Error       string              `json:"error,omitempty"`
}

// Result summarizes one cycle.
type Result struct {
	Skipped   bool `json:"skipped"`
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Exhausted int  `json:"exhausted"`
	Scheduled int  `json:"scheduled"`
}

func (r *Result) add(o Result) {
	r.Attempted += o.Attempted
	r.Delivered += o.Delivered
	r.Failed += o.Failed
	r.Exhausted += o.Exhausted
}

// Options holds engine collaborators that tests replace.
type Options struct {
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
	OnEvent   func(Event)
}

// Engine runs push cycles. At most one cycle runs at a time.
type Engine struct {
	store     Store
	pusher    Pusher
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
	onEvent   func(Event)

	mu      sync.Mutex
	ctx     context.Context
	running bool
	rerun   bool
	stopped bool
	timers  map[string]Timer
}

// NewEngine creates an Engine.
func NewEngine(store Store, pusher Pusher, opts *Options) *Engine {
	e := &Engine{
		store:  store,
		pusher: pusher,
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		ctx:    context.Background(),
		timers: make(map[string]Timer),
	}
	if opts != nil {
		if opts.Now != nil {
			e.now = opts.Now
		}
		if opts.AfterFunc != nil {
			e.afterFunc = opts.AfterFunc
		}
		e.onEvent = opts.OnEvent
	}
	return e
}

// Start enables processing. ctx is used for cycles started by retry timers.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx = ctx
	e.stopped = false
}

// Stop disables processing and cancels every pending retry timer. A cycle
// already running finishes its current attempt.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.cancelTimersLocked()
}

// Running reports whether a cycle is in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// ScheduledRetries returns the number of armed retry timers.
func (e *Engine) ScheduledRetries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

func (e *Engine) cancelTimersLocked() {
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

// Process runs one cycle: passes over pending and due failed operations in
// timestamp order until none is left, then arms retry timers for the failed
// ones. A call after Stop returns Skipped. A call while a cycle runs also
// returns Skipped, and the running cycle makes one more pass before it ends.
func (e *Engine) Process(ctx context.Context) (Result, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return Result{Skipped: true}, nil
	}
	if e.running {
		e.rerun = true
		e.mu.Unlock()
		return Result{Skipped: true}, nil
	}
	e.running = true
	e.mu.Unlock()

	var (
		res     Result
		waiting []models.OutboxOperation
		err     error
	)
	for {
		var pass Result
		pass, waiting, err = e.run(ctx)
		res.add(pass)

		e.mu.Lock()
		if err != nil || !e.rerun || e.stopped {
			break
		}
		e.rerun = false
		e.mu.Unlock()
	}
	e.running = false
	e.rerun = false
	if !e.stopped {
		for _, op := range waiting {
			e.scheduleLocked(op)
		}
		res.Scheduled = len(waiting)
	}
	e.mu.Unlock()

	if res.Attempted > 0 {
		logging.Info("Push cycle finished", map[string]interface{}{
			"attempted": res.Attempted,
			"delivered": res.Delivered,
			"failed":    res.Failed,
			"exhausted": res.Exhausted,
			"scheduled": res.Scheduled,
		})
	}
	return res, err
}

// run loops passes and returns the failed operations still awaiting a retry.
func (e *Engine) run(ctx context.Context) (Result, []models.OutboxOperation, error) {
	var res Result
	attempted := make(map[string]bool)

	for {
		if e.isStopped() {
			return res, nil, nil
		}

		ops, err := e.store.List(ctx, models.OutboxPending, models.OutboxFailed)
		if err != nil {
			return res, nil, err
		}

		now := e.now().UnixMilli()
		var due, waiting []models.OutboxOperation
		for _, op := range ops {
			switch {
			case attempted[op.ID] && op.Status == models.OutboxPending:
				// Reset by RetryFailed during this cycle; next cycle.
				continue
			case op.Status == models.OutboxPending:
				due = append(due, op)
			case op.RetryCount >= outbox.MaxRetries:
				continue
			case attempted[op.ID] || !isDue(op, now):
				waiting = append(waiting, op)
			default:
				due = append(due, op)
			}
		}

		if len(due) == 0 {
			return res, waiting, nil
		}

		for _, op := range due {
			if e.isStopped() {
				return res, nil, nil
			}
			attempted[op.ID] = true
			if err := e.attempt(ctx, op, &res); err != nil {
				return res, nil, err
			}
		}
	}
}

func isDue(op models.OutboxOperation, nowMs int64) bool {
	if op.LastAttempt == nil {
		return true
	}
	return nowMs-*op.LastAttempt >= Backoff(op.RetryCount).Milliseconds()
}

// attempt delivers op. Only store errors are returned; delivery failures are
// recorded on the operation.
func (e *Engine) attempt(ctx context.Context, op models.OutboxOperation, res *Result) error {
	e.mu.Lock()
	if t, ok := e.timers[op.ID]; ok {
		t.Stop()
		delete(e.timers, op.ID)
	}
	e.mu.Unlock()

	syncing := models.OutboxSyncing
	if err := e.store.Update(ctx, op.ID, outbox.Patch{Status: &syncing}); err != nil {
		return err
	}
	res.Attempted++

	pushErr := e.pusher.Push(ctx, client.NewPushRequest(op))
	if pushErr == nil {
		if err := e.store.Delete(ctx, op.ID); err != nil {
			return err
		}
		res.Delivered++
		logging.Debug("Operation delivered", map[string]interface{}{
			"id":         op.ID,
			"collection": op.Collection,
			"record_id":  op.RecordID,
		})
		e.emit(Event{
			OperationID: op.ID,
			Collection:  op.Collection,
			RecordID:    op.RecordID,
			Outcome:     OutcomeDelivered,
			RetryCount:  op.RetryCount,
		})
		return nil
	}

	retryCount := op.RetryCount + 1
	lastAttempt := e.now().UnixMilli()
	failed := models.OutboxFailed
	msg := pushErr.Error()
	if err := e.store.Update(ctx, op.ID, outbox.Patch{
		Status:      &failed,
		RetryCount:  &retryCount,
		LastAttempt: &lastAttempt,
		Error:       &msg,
	}); err != nil {
		return err
	}

	ev := Event{
		OperationID: op.ID,
		Collection:  op.Collection,
		RecordID:    op.RecordID,
		RetryCount:  retryCount,
		Error:       msg,
	}
	logCtx := map[string]interface{}{
		"id":          op.ID,
		"collection":  op.Collection,
		"record_id":   op.RecordID,
		"retry_count": retryCount,
	}
	if retryCount >= outbox.MaxRetries {
		res.Exhausted++
		ev.Outcome = OutcomeExhausted
		ev.Class = errors.FailureExhausted
		logging.ErrorWithCode("Operation exhausted its retries", string(errors.ErrMaxRetriesExceeded), pushErr, logCtx)
	} else {
		res.Failed++
		ev.Outcome = OutcomeFailed
		ev.Class = errors.Classify(pushErr)
		logCtx["next_retry_ms"] = Backoff(retryCount).Milliseconds()
		logging.Warn("Operation delivery failed: "+msg, logCtx)
	}
	e.emit(ev)
	return nil
}

// scheduleLocked arms the retry timer for op, replacing any previous one. The
// timer runs a whole cycle so that ordering still holds.
func (e *Engine) scheduleLocked(op models.OutboxOperation) {
	var elapsed int64
	if op.LastAttempt != nil {
		elapsed = e.now().UnixMilli() - *op.LastAttempt
	}
	delay := Backoff(op.RetryCount) - time.Duration(elapsed)*time.Millisecond
	if delay < 0 {
		delay = 0
	}

	if t, ok := e.timers[op.ID]; ok {
		t.Stop()
	}
	id := op.ID
	var timer Timer
	timer = e.afterFunc(delay, func() {
		e.mu.Lock()
		if e.timers[id] != timer {
			e.mu.Unlock()
			return
		}
		delete(e.timers, id)
		ctx := e.ctx
		e.mu.Unlock()

		if _, err := e.Process(ctx); err != nil {
			logging.Error("Scheduled push cycle failed", err, map[string]interface{}{"id": id})
		}
	})
	e.timers[id] = timer
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Engine) emit(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}
