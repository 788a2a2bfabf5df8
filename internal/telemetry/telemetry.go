// Package telemetry keeps in-process sync counters for the status surface.
//
// Nothing here leaves the terminal: counters live in memory, reset on restart
// and are only read through Snapshot.
package telemetry

import (
	"sync"
	"time"

	"github.com/truar/DepotVente-sub001/internal/sync/notify"
	"github.com/truar/DepotVente-sub001/internal/sync/pull"
	"github.com/truar/DepotVente-sub001/internal/sync/push"
	"github.com/truar/DepotVente-sub001/internal/sync/scheduler"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	StartedAt int64 `json:"startedAt"`

	PushCycles   int            `json:"pushCycles"`
	PushOutcomes map[string]int `json:"pushOutcomes"`
	PushFailures map[string]int `json:"pushFailures"`

	Pulls      map[string]int `json:"pulls"`
	PullErrors int            `json:"pullErrors"`
	RowsPulled int            `json:"rowsPulled"`
	LastPullMs int64          `json:"lastPullMs"`

	StreamStates     map[string]int `json:"streamStates"`
	StreamMessages   int            `json:"streamMessages"`
	StreamReconnects int            `json:"streamReconnects"`
}

// Recorder accumulates counters. The zero value is not usable; use New.
type Recorder struct {
	mu sync.Mutex
	s  Snapshot
}

// New returns an empty recorder started at now.
func New(now time.Time) *Recorder {
	return &Recorder{s: Snapshot{
		StartedAt:    now.UnixMilli(),
		PushOutcomes: map[string]int{},
		PushFailures: map[string]int{},
		Pulls:        map[string]int{},
		StreamStates: map[string]int{},
	}}
}

// RecordPush counts one delivery attempt.
func (r *Recorder) RecordPush(ev push.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.PushOutcomes[string(ev.Outcome)]++
	if ev.Outcome != push.OutcomeDelivered && ev.Class != "" {
		r.s.PushFailures[string(ev.Class)]++
	}
}

// RecordCycle counts finished orchestrator work.
func (r *Recorder) RecordCycle(ev scheduler.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Kind {
	case scheduler.EventPush:
		if ev.Push != nil && !ev.Push.Skipped {
			r.s.PushCycles++
		}
	case scheduler.EventPull:
		if ev.Error != nil {
			r.s.PullErrors++
			return
		}
		if ev.Pull == nil || ev.Pull.Mode == pull.ModeSkipped {
			return
		}
		r.s.Pulls[string(ev.Pull.Mode)]++
		r.s.RowsPulled += ev.Pull.Rows
		r.s.LastPullMs = ev.Pull.Duration.Milliseconds()
	}
}

// RecordStreamState counts change-stream state transitions.
func (r *Recorder) RecordStreamState(state notify.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.StreamStates[string(state)]++
	if state == notify.StateReconnectScheduled {
		r.s.StreamReconnects++
	}
}

// RecordStreamMessage counts one change notification.
func (r *Recorder) RecordStreamMessage() {
	r.mu.Lock()
	r.s.StreamMessages++
	r.mu.Unlock()
}

// Snapshot returns a copy safe to hand out.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.s
	out.PushOutcomes = copyCounts(r.s.PushOutcomes)
	out.PushFailures = copyCounts(r.s.PushFailures)
	out.Pulls = copyCounts(r.s.Pulls)
	out.StreamStates = copyCounts(r.s.StreamStates)
	return out
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
