package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/sync/notify"
	"github.com/truar/DepotVente-sub001/internal/sync/pull"
	"github.com/truar/DepotVente-sub001/internal/sync/push"
	"github.com/truar/DepotVente-sub001/internal/sync/scheduler"
)

func TestRecorderCountsPushOutcomes(t *testing.T) {
	r := New(time.UnixMilli(1000))

	r.RecordPush(push.Event{Outcome: push.OutcomeDelivered})
	r.RecordPush(push.Event{Outcome: push.OutcomeFailed, Class: apperrors.FailureTransient})
	r.RecordPush(push.Event{Outcome: push.OutcomeExhausted, Class: apperrors.FailureExhausted})
	r.RecordCycle(scheduler.Event{Kind: scheduler.EventPush, Push: &push.Result{Attempted: 3}})
	r.RecordCycle(scheduler.Event{Kind: scheduler.EventPush, Push: &push.Result{Skipped: true}})

	s := r.Snapshot()
	assert.Equal(t, int64(1000), s.StartedAt)
	assert.Equal(t, 1, s.PushCycles)
	assert.Equal(t, map[string]int{"delivered": 1, "failed": 1, "exhausted": 1}, s.PushOutcomes)
	assert.Equal(t, map[string]int{"transient": 1, "exhausted": 1}, s.PushFailures)
}

func TestRecorderCountsPulls(t *testing.T) {
	r := New(time.Now())

	r.RecordCycle(scheduler.Event{Kind: scheduler.EventPull, Pull: &pull.Result{Mode: pull.ModeInitial, Rows: 10, Duration: 40 * time.Millisecond}})
	r.RecordCycle(scheduler.Event{Kind: scheduler.EventPull, Pull: &pull.Result{Mode: pull.ModeDelta, Rows: 2, Duration: 5 * time.Millisecond}})
	r.RecordCycle(scheduler.Event{Kind: scheduler.EventPull, Pull: &pull.Result{Mode: pull.ModeSkipped}})
	r.RecordCycle(scheduler.Event{Kind: scheduler.EventPull, Error: errors.New("offline")})

	s := r.Snapshot()
	assert.Equal(t, map[string]int{"initial": 1, "delta": 1}, s.Pulls)
	assert.Equal(t, 12, s.RowsPulled)
	assert.Equal(t, 1, s.PullErrors)
	assert.Equal(t, int64(5), s.LastPullMs)
}

func TestRecorderCountsStream(t *testing.T) {
	r := New(time.Now())

	r.RecordStreamState(notify.StateConnecting)
	r.RecordStreamState(notify.StateReconnectScheduled)
	r.RecordStreamState(notify.StateConnecting)
	r.RecordStreamMessage()

	s := r.Snapshot()
	assert.Equal(t, 2, s.StreamStates["connecting"])
	assert.Equal(t, 1, s.StreamReconnects)
	assert.Equal(t, 1, s.StreamMessages)
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New(time.Now())
	r.RecordPush(push.Event{Outcome: push.OutcomeDelivered})

	s := r.Snapshot()
	s.PushOutcomes["delivered"] = 99

	assert.Equal(t, 1, r.Snapshot().PushOutcomes["delivered"])
}
