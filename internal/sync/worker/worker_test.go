package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/sync/pull"
	"github.com/truar/DepotVente-sub001/internal/sync/push"
	"github.com/truar/DepotVente-sub001/internal/sync/scheduler"
)

type fakeOrchestrator struct {
	mu    sync.Mutex
	calls []string
}

func (o *fakeOrchestrator) record(call string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, call)
}

func (o *fakeOrchestrator) history() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

func (o *fakeOrchestrator) Start(context.Context) { o.record("start") }
func (o *fakeOrchestrator) Stop()                 { o.record("stop") }
func (o *fakeOrchestrator) SetOnlineStatus(online bool) {
	if online {
		o.record("online")
	} else {
		o.record("offline")
	}
}
func (o *fakeOrchestrator) TriggerFullResync(context.Context) (pull.Result, error) {
	o.record("resync")
	return pull.Result{Mode: pull.ModeInitial}, nil
}
func (o *fakeOrchestrator) ProcessOutbox(context.Context) (push.Result, error) {
	o.record("process")
	return push.Result{}, nil
}

type memTokenStore struct {
	mu    sync.Mutex
	token string
	err   error
}

func (s *memTokenStore) SaveToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return s.err
}

func (s *memTokenStore) LoadToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.err
}

func runWorker(t *testing.T, w *Worker) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestMessagesBufferedBeforeRun(t *testing.T) {
	orch := &fakeOrchestrator{}
	tokens := NewTokens()
	store := &memTokenStore{}
	w := New(orch, tokens, store)

	require.True(t, w.Send(SetToken("tok-1")))
	require.True(t, w.Send(Message{Type: MsgStartSync}))
	require.True(t, w.Send(SetOnline(false)))

	stop := runWorker(t, w)
	require.Eventually(t, func() bool { return len(orch.history()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"start", "offline"}, orch.history())
	assert.Equal(t, "tok-1", tokens.Get())
	persisted, _ := store.LoadToken(context.Background())
	assert.Equal(t, "tok-1", persisted, "token is persisted")

	stop()
	assert.Equal(t, "stop", orch.history()[len(orch.history())-1], "stopping the worker stops the orchestrator")
	_, open := <-w.Events()
	assert.False(t, open)
}

func TestLongOperationsRunOffLoop(t *testing.T) {
	orch := &fakeOrchestrator{}
	w := New(orch, NewTokens(), nil)
	stop := runWorker(t, w)
	defer stop()

	w.Send(Message{Type: MsgInitialSync})
	w.Send(Message{Type: MsgProcessOutbox})
	w.Send(Message{Type: MsgStopSync})

	require.Eventually(t, func() bool { return len(orch.history()) == 3 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"resync", "process", "stop"}, orch.history())
	assert.Equal(t, int64(3), w.Stats().Received)
}

func TestTokenRestoredOnRun(t *testing.T) {
	tokens := NewTokens()
	changed := make(chan struct{}, 1)
	tokens.OnChange(func() { changed <- struct{}{} })

	w := New(&fakeOrchestrator{}, tokens, &memTokenStore{token: "persisted"})
	stop := runWorker(t, w)
	defer stop()

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("token change not signalled")
	}
	assert.Equal(t, "persisted", tokens.Get())
}

func TestTokenStoreFailureIsNotFatal(t *testing.T) {
	orch := &fakeOrchestrator{}
	w := New(orch, NewTokens(), &memTokenStore{err: errors.New("disk")})
	stop := runWorker(t, w)
	defer stop()

	w.Send(SetToken("tok"))
	w.Send(Message{Type: MsgStartSync})
	require.Eventually(t, func() bool { return len(orch.history()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendRejectsInvalid(t *testing.T) {
	w := New(&fakeOrchestrator{}, NewTokens(), nil)
	assert.False(t, w.Send(Message{Type: "REBOOT"}))
	assert.False(t, w.Send(Message{Type: MsgSetOnline}), "SET_ONLINE needs a flag")
	assert.False(t, w.Send(Message{Type: MsgSyncComplete}), "outbound types are not accepted")
}

func TestSendTimesOutWhenFull(t *testing.T) {
	w := New(&fakeOrchestrator{}, NewTokens(), nil)
	w.sendTimeout = 10 * time.Millisecond
	for i := 0; i < defaultInboxSize; i++ {
		require.True(t, w.Send(Message{Type: MsgProcessOutbox}))
	}
	assert.False(t, w.Send(Message{Type: MsgProcessOutbox}))
}

func TestHandleEvent(t *testing.T) {
	w := New(&fakeOrchestrator{}, NewTokens(), nil)

	w.HandleEvent(scheduler.Event{Kind: scheduler.EventPull, Pull: &pull.Result{Mode: pull.ModeDelta, Rows: 3}})
	w.HandleEvent(scheduler.Event{Kind: scheduler.EventPush, Error: apperrors.HTTPStatus(401, "expired")})

	ok := <-w.Events()
	assert.Equal(t, MsgSyncComplete, ok.Type)
	assert.Equal(t, "pull", ok.Kind)
	require.NotNil(t, ok.Pull)
	assert.Equal(t, 3, ok.Pull.Rows)

	failed := <-w.Events()
	assert.Equal(t, MsgSyncError, failed.Type)
	assert.Contains(t, failed.Error, "expired")
	assert.Equal(t, string(apperrors.FailureAuth), failed.Class)
}

func TestDecodeMessage(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"type":"SET_TOKEN","payload":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, SetToken("abc"), m)

	m, err = DecodeMessage([]byte(`{"type":"SET_ONLINE","online":true}`))
	require.NoError(t, err)
	require.NotNil(t, m.Online)
	assert.True(t, *m.Online)

	_, err = DecodeMessage([]byte(`{"type":`))
	assert.True(t, apperrors.Is(err, apperrors.ErrParse))

	_, err = DecodeMessage([]byte(`{"type":"NOPE"}`))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}
