// Package scheduler orchestrates push and pull: it wakes the push engine when
// the outbox gains work, runs the startup pulls, and keeps a periodic delta
// pull going while online.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/logging"
	"github.com/truar/DepotVente-sub001/internal/models"
	"github.com/truar/DepotVente-sub001/internal/sync/pull"
	"github.com/truar/DepotVente-sub001/internal/sync/push"
)

// DefaultPullInterval is the delta pull period when none is configured.
const DefaultPullInterval = 30 * time.Second

// Pusher is the push engine.
type Pusher interface {
	Start(ctx context.Context)
	Stop()
	Process(ctx context.Context) (push.Result, error)
	Running() bool
	ScheduledRetries() int
}

// Puller is the pull engine.
type Puller interface {
	InitialSync(ctx context.Context) (pull.Result, error)
	DeltaSync(ctx context.Context) (pull.Result, error)
	SoftInitialSync(ctx context.Context) (pull.Result, error)
}

// Outbox is the observable outbox.
type Outbox interface {
	Subscribe(ctx context.Context) (<-chan models.OutboxCounts, func())
	Counts(ctx context.Context) (models.OutboxCounts, error)
}

// EventKind says which part of the sync produced an Event.
type EventKind string

const (
	EventPush EventKind = "push"
	EventPull EventKind = "pull"
)

// Event reports a finished push cycle or pull.
type Event struct {
	Kind  EventKind    `json:"kind"`
	Push  *push.Result `json:"push,omitempty"`
	Pull  *pull.Result `json:"pull,omitempty"`
	Error error        `json:"-"`
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	PullInterval time.Duration
	OnEvent      func(Event)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{PullInterval: DefaultPullInterval}
}

// Scheduler is the sync orchestrator.
type Scheduler struct {
	push     Pusher
	pull     Puller
	outbox   Outbox
	interval time.Duration
	onEvent  func(Event)

	mu           sync.RWMutex
	isRunning    bool
	isOnline     bool
	runCtx       context.Context
	cancel       context.CancelFunc
	unsubscribe  func()
	cron         *cron.Cron
	wg           sync.WaitGroup
	lastPull     *pull.Result
	lastPullTime time.Time
	lastError    string

	pullInProgress atomic.Bool
}

// NewScheduler creates a new Scheduler.
func NewScheduler(pusher Pusher, puller Puller, outbox Outbox, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	interval := config.PullInterval
	if interval <= 0 {
		interval = DefaultPullInterval
	}

	return &Scheduler{
		push:     pusher,
		pull:     puller,
		outbox:   outbox,
		interval: interval,
		onEvent:  config.OnEvent,
		isOnline: true, // Assume online initially
	}
}

// Start subscribes to the outbox, runs the soft-initial and delta pulls, then
// arms the periodic delta pull. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.isRunning = true
	s.runCtx = runCtx
	s.cancel = cancel
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{})))
	s.mu.Unlock()

	s.push.Start(runCtx)

	counts, unsubscribe := s.outbox.Subscribe(runCtx)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.wg.Add(2)
	go s.watchOutbox(runCtx, counts)
	go s.startup(runCtx)

	logging.Info("Sync scheduler started", map[string]interface{}{"pull_interval": s.interval.String()})
}

// Stop halts scheduling, cancels push retry timers and waits for the
// scheduler's goroutines. A push attempt already on the wire completes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel, unsubscribe, c := s.cancel, s.unsubscribe, s.cron
	s.mu.Unlock()

	cancel()
	s.push.Stop()
	if unsubscribe != nil {
		unsubscribe()
	}
	<-c.Stop().Done()
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

func (s *Scheduler) startup(ctx context.Context) {
	defer s.wg.Done()

	if s.IsOnline() {
		s.runPull(ctx, s.pull.SoftInitialSync)
		s.runPull(ctx, s.pull.DeltaSync)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning || ctx.Err() != nil {
		return
	}
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.periodicPull(ctx) }); err != nil {
		logging.Error("Failed to schedule periodic pull", err, map[string]interface{}{"spec": spec})
		return
	}
	s.cron.Start()
}

// watchOutbox wakes the push engine when new work appears: the pending count
// grows, or the deliverable count goes from zero to non-zero. The first value,
// and the first value after a wake-up, are compared against an empty outbox;
// counts published while a cycle ran collapse into the latest one.
func (s *Scheduler) watchOutbox(ctx context.Context, counts <-chan models.OutboxCounts) {
	defer s.wg.Done()

	var prev models.OutboxCounts
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-counts:
			if !ok {
				return
			}
			n := c.Deliverable()
			if c.Pending > prev.Pending || (prev.Deliverable() == 0 && n > 0) {
				if s.IsOnline() {
					s.runPush(ctx)
					prev = models.OutboxCounts{}
					continue
				}
				logging.Debug("Outbox has work but terminal is offline", map[string]interface{}{"deliverable": n})
			}
			prev = c
		}
	}
}

func (s *Scheduler) periodicPull(ctx context.Context) {
	if !s.IsOnline() {
		logging.Debug("Skipping periodic pull - offline", nil)
		return
	}
	if s.pullInProgress.Load() {
		logging.Debug("Pull already in progress, skipping", nil)
		return
	}
	s.runPull(ctx, s.pull.DeltaSync)
}

func (s *Scheduler) runPull(ctx context.Context, fn func(context.Context) (pull.Result, error)) (pull.Result, error) {
	s.pullInProgress.Store(true)
	defer s.pullInProgress.Store(false)

	res, err := fn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return res, err
		}
		logging.ErrorWithCode("Pull failed", string(errors.CodeOf(err)), err)
		s.recordError(err)
		s.emit(Event{Kind: EventPull, Error: err})
		return res, err
	}
	if res.Mode != pull.ModeSkipped {
		s.mu.Lock()
		s.lastPull = &res
		s.lastPullTime = time.Now()
		s.mu.Unlock()
	}
	s.emit(Event{Kind: EventPull, Pull: &res})
	return res, nil
}

func (s *Scheduler) runPush(ctx context.Context) (push.Result, error) {
	res, err := s.push.Process(ctx)
	if err != nil {
		logging.ErrorWithCode("Push cycle failed", string(errors.ErrSyncFailed), err)
		s.recordError(err)
		s.emit(Event{Kind: EventPush, Push: &res, Error: err})
		return res, err
	}
	if !res.Skipped {
		s.emit(Event{Kind: EventPush, Push: &res})
	}
	return res, nil
}

func (s *Scheduler) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func (s *Scheduler) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func (s *Scheduler) context() (context.Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runCtx, s.isRunning
}

// SetOnlineStatus changes the online status of the scheduler. Going online
// while running pushes and pulls concurrently; both are attempted even when
// one fails.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})

	ctx, running := s.context()
	if !isOnline || !running {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.catchUp(ctx); err != nil {
			logging.Warn("Catch-up after reconnect finished with errors", map[string]interface{}{"error": err.Error()})
		}
	}()
}

func (s *Scheduler) catchUp(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		_, err := s.runPush(ctx)
		return err
	})
	g.Go(func() error {
		_, err := s.runPull(ctx, s.pull.DeltaSync)
		return err
	})
	return g.Wait()
}

// ProcessOutbox runs a push cycle now, online or not.
func (s *Scheduler) ProcessOutbox(ctx context.Context) (push.Result, error) {
	return s.runPush(ctx)
}

// TriggerFullResync replaces local data with the server's dataset.
func (s *Scheduler) TriggerFullResync(ctx context.Context) (pull.Result, error) {
	return s.runPull(ctx, s.pull.InitialSync)
}

// SyncNow pushes then pulls a delta, returning the first error.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	_, pushErr := s.runPush(ctx)
	_, pullErr := s.runPull(ctx, s.pull.DeltaSync)
	if pushErr != nil {
		return pushErr
	}
	return pullErr
}

// SchedulerStatus is a snapshot of the orchestrator for the status surface.
type SchedulerStatus struct {
	IsRunning        bool                `json:"running"`
	IsOnline         bool                `json:"online"`
	PushInProgress   bool                `json:"pushInProgress"`
	PullInProgress   bool                `json:"pullInProgress"`
	ScheduledRetries int                 `json:"scheduledRetries"`
	Outbox           models.OutboxCounts `json:"outbox"`
	LastPull         *pull.Result        `json:"lastPull,omitempty"`
	LastPullTime     *time.Time          `json:"lastPullTime,omitempty"`
	LastError        string              `json:"lastError,omitempty"`
	PullInterval     string              `json:"pullInterval"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	counts, err := s.outbox.Counts(ctx)
	if err != nil {
		return SchedulerStatus{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:        s.isRunning,
		IsOnline:         s.isOnline,
		PushInProgress:   s.push.Running(),
		PullInProgress:   s.pullInProgress.Load(),
		ScheduledRetries: s.push.ScheduledRetries(),
		Outbox:           counts,
		LastPull:         s.lastPull,
		LastError:        s.lastError,
		PullInterval:     s.interval.String(),
	}
	if !s.lastPullTime.IsZero() {
		t := s.lastPullTime
		status.LastPullTime = &t
	}
	return status, nil
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// cronLogger routes cron's own messages to the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug("cron: "+msg, kv(keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error("cron: "+msg, err, kv(keysAndValues))
}

func kv(keysAndValues []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		m[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return m
}
