// Package scheduler tests for the sync orchestrator.
package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/db"
	"github.com/truar/DepotVente-sub001/internal/models"
	"github.com/truar/DepotVente-sub001/internal/sync/client"
	"github.com/truar/DepotVente-sub001/internal/sync/outbox"
	"github.com/truar/DepotVente-sub001/internal/sync/pull"
	"github.com/truar/DepotVente-sub001/internal/sync/push"
)

// =====================================================
// Fakes
// =====================================================

type fakePusher struct {
	mu        sync.Mutex
	processed int
	started   int
	stopped   int
	err       error
}

func (p *fakePusher) Start(context.Context) { p.mu.Lock(); p.started++; p.mu.Unlock() }
func (p *fakePusher) Stop()                 { p.mu.Lock(); p.stopped++; p.mu.Unlock() }
func (p *fakePusher) Running() bool         { return false }
func (p *fakePusher) ScheduledRetries() int { return 0 }

func (p *fakePusher) Process(context.Context) (push.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed++
	return push.Result{Attempted: 1, Delivered: 1}, p.err
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

type recordingServer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingServer) Push(_ context.Context, req client.PushRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, req.RecordID)
	return nil
}

func (r *recordingServer) recordIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type fakePuller struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *fakePuller) record(name string, mode pull.Mode) (pull.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, name)
	if p.err != nil {
		return pull.Result{}, p.err
	}
	return pull.Result{Mode: mode, SyncedAt: 100}, nil
}

func (p *fakePuller) InitialSync(context.Context) (pull.Result, error) {
	return p.record("initial", pull.ModeInitial)
}

func (p *fakePuller) DeltaSync(context.Context) (pull.Result, error) {
	return p.record("delta", pull.ModeDelta)
}

func (p *fakePuller) SoftInitialSync(context.Context) (pull.Result, error) {
	return p.record("soft-initial", pull.ModeSkipped)
}

func (p *fakePuller) history() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type fakeOutbox struct {
	ch     chan models.OutboxCounts
	counts models.OutboxCounts
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{ch: make(chan models.OutboxCounts, 8)}
}

func (o *fakeOutbox) Subscribe(context.Context) (<-chan models.OutboxCounts, func()) {
	return o.ch, func() {}
}

func (o *fakeOutbox) Counts(context.Context) (models.OutboxCounts, error) {
	return o.counts, nil
}

func createTestScheduler(t *testing.T) (*fakePusher, *fakePuller, *fakeOutbox, *Scheduler, *[]Event) {
	t.Helper()
	pusher := &fakePusher{}
	puller := &fakePuller{}
	ob := newFakeOutbox()
	var mu sync.Mutex
	events := []Event{}
	s := NewScheduler(pusher, puller, ob, &SchedulerConfig{
		PullInterval: 30 * time.Second,
		OnEvent: func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	t.Cleanup(s.Stop)
	return pusher, puller, ob, s, &events
}

// =====================================================
// Construction
// =====================================================

func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(&fakePusher{}, &fakePuller{}, newFakeOutbox(), nil)
	assert.Equal(t, DefaultPullInterval, s.interval)
	assert.True(t, s.IsOnline(), "scheduler assumes online initially")
	assert.False(t, s.IsRunning())
}

// =====================================================
// Lifecycle
// =====================================================

func TestScheduler_StartRunsStartupPulls(t *testing.T) {
	pusher, puller, _, s, _ := createTestScheduler(t)

	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool { return len(puller.history()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"soft-initial", "delta"}, puller.history())

	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.cron.Entries()) == 1
	}, time.Second, 5*time.Millisecond, "periodic pull is armed after startup")

	pusher.mu.Lock()
	assert.Equal(t, 1, pusher.started)
	pusher.mu.Unlock()
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	pusher, _, _, s, _ := createTestScheduler(t)

	s.Stop()
	s.Start(context.Background())
	s.Stop()
	s.Stop()

	assert.False(t, s.IsRunning())
	pusher.mu.Lock()
	assert.Equal(t, 1, pusher.stopped, "stop cancels push retry timers once")
	pusher.mu.Unlock()
}

func TestScheduler_Restart(t *testing.T) {
	_, puller, _, s, _ := createTestScheduler(t)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return len(puller.history()) == 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	s.Start(context.Background())
	require.Eventually(t, func() bool { return len(puller.history()) == 4 }, time.Second, 5*time.Millisecond)
}

// =====================================================
// Outbox wake-up
// =====================================================

func TestScheduler_WakesPushOnNewWork(t *testing.T) {
	pusher, puller, ob, s, _ := createTestScheduler(t)
	s.Start(context.Background())
	require.Eventually(t, func() bool { return len(puller.history()) == 2 }, time.Second, 5*time.Millisecond)

	ob.ch <- models.OutboxCounts{}
	ob.ch <- models.OutboxCounts{Pending: 1}
	require.Eventually(t, func() bool { return pusher.count() == 1 }, time.Second, 5*time.Millisecond)

	// More pending work wakes again; the engine's guard absorbs overlaps.
	ob.ch <- models.OutboxCounts{Pending: 2}
	require.Eventually(t, func() bool { return pusher.count() == 2 }, time.Second, 5*time.Millisecond)

	// Exhausted-only outboxes count as empty.
	ob.ch <- models.OutboxCounts{Failed: 1, Exhausted: 1}
	ob.ch <- models.OutboxCounts{Pending: 1, Failed: 1, Exhausted: 1}
	require.Eventually(t, func() bool { return pusher.count() == 3 }, time.Second, 5*time.Millisecond)

	// Progress without new pending work is not a wake-up.
	ob.ch <- models.OutboxCounts{Failed: 1, Exhausted: 1}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, pusher.count())
}

func TestScheduler_NewEntryNotHeldBackByRetryingOne(t *testing.T) {
	database, err := db.OpenMigrated(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	ctx := context.Background()

	ob := outbox.NewStore(database, nil)
	oldID, err := ob.Append(ctx, models.CollectionArticles, models.OperationUpdate, "old", []byte(`{"price":"10"}`))
	require.NoError(t, err)
	failed := models.OutboxFailed
	retries := 5
	lastAttempt := time.Now().UnixMilli()
	msg := "HTTP 503"
	require.NoError(t, ob.Update(ctx, oldID, outbox.Patch{Status: &failed, RetryCount: &retries, LastAttempt: &lastAttempt, Error: &msg}))

	server := &recordingServer{}
	engine := push.NewEngine(ob, server, nil)
	s := NewScheduler(engine, &fakePuller{}, ob, &SchedulerConfig{PullInterval: 30 * time.Second})
	t.Cleanup(s.Stop)
	s.Start(ctx)

	require.Eventually(t, func() bool { return engine.ScheduledRetries() == 1 }, time.Second, 5*time.Millisecond,
		"the failed entry waits for its backoff")

	_, err = ob.Append(ctx, models.CollectionArticles, models.OperationCreate, "new", []byte(`{"price":"12"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return assert.ObjectsAreEqual([]string{"new"}, server.recordIDs()) },
		time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		counts, err := ob.Counts(ctx)
		return err == nil && counts == models.OutboxCounts{Failed: 1}
	}, time.Second, 5*time.Millisecond, "only the retrying entry is left")
}

func TestScheduler_NoWakeWhileOffline(t *testing.T) {
	pusher, _, ob, s, _ := createTestScheduler(t)
	s.SetOnlineStatus(false)
	s.Start(context.Background())

	ob.ch <- models.OutboxCounts{Pending: 3}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, pusher.count())
}

// =====================================================
// Online / offline
// =====================================================

func TestScheduler_OnlineTransitionRunsPushAndPull(t *testing.T) {
	pusher, puller, _, s, _ := createTestScheduler(t)
	s.SetOnlineStatus(false)
	s.Start(context.Background())
	assert.Empty(t, puller.history(), "no startup pull while offline")

	pusher.err = apperrors.New(apperrors.ErrDatabase, "disk full")
	s.SetOnlineStatus(true)

	require.Eventually(t, func() bool { return pusher.count() == 1 && len(puller.history()) == 1 }, time.Second, 5*time.Millisecond,
		"pull runs even though push failed")
	assert.Equal(t, []string{"delta"}, puller.history())

	s.SetOnlineStatus(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, pusher.count(), "no transition, no catch-up")
}

func TestScheduler_PeriodicPullSkippedOffline(t *testing.T) {
	_, puller, _, s, _ := createTestScheduler(t)

	s.SetOnlineStatus(false)
	s.periodicPull(context.Background())
	assert.Empty(t, puller.history())

	s.SetOnlineStatus(true)
	s.periodicPull(context.Background())
	assert.Equal(t, []string{"delta"}, puller.history())
}

// =====================================================
// Manual triggers and status
// =====================================================

func TestScheduler_PullFailureIsReported(t *testing.T) {
	_, puller, _, s, events := createTestScheduler(t)
	puller.err = apperrors.HTTPStatus(503, "")

	_, err := s.TriggerFullResync(context.Background())
	require.Error(t, err)

	require.Len(t, *events, 1)
	assert.Equal(t, EventPull, (*events)[0].Kind)
	assert.Error(t, (*events)[0].Error)

	status, err := s.GetStatus(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, status.LastError)
	assert.Nil(t, status.LastPull)
}

func TestScheduler_ManualTriggers(t *testing.T) {
	pusher, puller, ob, s, events := createTestScheduler(t)
	ob.counts = models.OutboxCounts{Pending: 4, Failed: 1}

	res, err := s.ProcessOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, pusher.count())

	pr, err := s.TriggerFullResync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pull.ModeInitial, pr.Mode)

	require.NoError(t, s.SyncNow(context.Background()))
	assert.Equal(t, []string{"initial", "delta"}, puller.history())
	assert.Len(t, *events, 4)

	status, err := s.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, status.Outbox.Pending)
	require.NotNil(t, status.LastPull)
	assert.Equal(t, pull.ModeDelta, status.LastPull.Mode)
	assert.NotNil(t, status.LastPullTime)
	assert.Equal(t, "30s", status.PullInterval)
}

func TestCronLoggerKV(t *testing.T) {
	m := kv([]interface{}{"entry", 1, "dangling"})
	assert.Equal(t, map[string]interface{}{"entry": 1}, m)
}
