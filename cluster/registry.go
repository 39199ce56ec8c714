// Package cluster tracks rank membership and places new objects. Liveness
// is first-person only: a rank's own heartbeats prove it alive, silence
// escalates it SUSPECT then DEAD on local timers. Placement is a consistent
// hash ring over the alive ranks.
package cluster

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/settfs/sett/cfg"
	"github.com/settfs/sett/telemetry"
	"github.com/settfs/sett/transport"
)

// RankStatus is a rank's liveness state.
type RankStatus uint8

const (
	StatusNone RankStatus = iota // never seen
	StatusAlive
	StatusSuspect
	StatusDead
)

func (s RankStatus) String() string {
	switch s {
	case StatusAlive:
		return "ALIVE"
	case StatusSuspect:
		return "SUSPECT"
	case StatusDead:
		return "DEAD"
	default:
		return "NONE"
	}
}

// RankState is one rank's membership entry.
type RankState struct {
	RankID uint64
	Status RankStatus
}

// Member is the admin API projection of a rank.
type Member struct {
	RankID     uint64 `json:"rank_id"`
	Status     string `json:"status"`
	LastSeenMs int64  `json:"last_seen_ms"` // ms since last heartbeat, -1 for self
	Self       bool   `json:"self,omitempty"`
}

// TransitionFunc observes liveness transitions. Callbacks run outside the
// registry lock and may call back into it.
type TransitionFunc func(rankID uint64, from, to RankStatus)

// RegistryOptions configures membership tracking.
type RegistryOptions struct {
	ClusterName       string
	HeartbeatInterval time.Duration
	SuspectTimeout    time.Duration
	DeadTimeout       time.Duration
}

// DefaultRegistryOptions returns registry options from cfg.Config.Cluster.
func DefaultRegistryOptions() RegistryOptions {
	cc := cfg.Config.Cluster
	return RegistryOptions{
		ClusterName:       cc.Name,
		HeartbeatInterval: time.Duration(cc.HeartbeatIntervalMS) * time.Millisecond,
		SuspectTimeout:    time.Duration(cc.SuspectTimeoutMS) * time.Millisecond,
		DeadTimeout:       time.Duration(cc.DeadTimeoutMS) * time.Millisecond,
	}
}

// HeartbeatLink is the slice of the transport the registry needs.
type HeartbeatLink interface {
	PublishHeartbeat(*transport.HeartbeatMsg) error
	SubscribeHeartbeats(func(*transport.HeartbeatMsg)) (func(), error)
}

// Registry tracks cluster membership from heartbeats.
type Registry struct {
	localRankID uint64
	opts        RegistryOptions

	mu       sync.RWMutex
	ranks    map[uint64]*RankState
	lastSeen map[uint64]time.Time

	cbMu sync.RWMutex
	cbs  []TransitionFunc

	unsubscribe func()
	stop        chan struct{}
	wg          sync.WaitGroup
}

// NewRegistry creates a registry with the local rank already ALIVE.
func NewRegistry(localRankID uint64, opts RegistryOptions) *Registry {
	r := &Registry{
		localRankID: localRankID,
		opts:        opts,
		ranks:       make(map[uint64]*RankState),
		lastSeen:    make(map[uint64]time.Time),
		stop:        make(chan struct{}),
	}
	r.ranks[localRankID] = &RankState{RankID: localRankID, Status: StatusAlive}
	r.lastSeen[localRankID] = time.Now()
	r.updateGaugesLocked()
	return r
}

// OnTransition registers a liveness transition callback.
func (r *Registry) OnTransition(cb TransitionFunc) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.cbs = append(r.cbs, cb)
}

func (r *Registry) fire(rankID uint64, from, to RankStatus) {
	telemetry.RankStateTransitionsTotal.With(from.String(), to.String()).Inc()

	r.cbMu.RLock()
	cbs := make([]TransitionFunc, len(r.cbs))
	copy(cbs, r.cbs)
	r.cbMu.RUnlock()

	for _, cb := range cbs {
		cb(rankID, from, to)
	}
}

// Observe folds one peer heartbeat into the registry. A heartbeat is direct
// first-person evidence, so it always restores ALIVE.
func (r *Registry) Observe(hb *transport.HeartbeatMsg) {
	if hb.RankID == r.localRankID || hb.Cluster != r.opts.ClusterName {
		return
	}

	r.mu.Lock()
	now := time.Now()
	r.lastSeen[hb.RankID] = now

	state, known := r.ranks[hb.RankID]
	if !known {
		r.ranks[hb.RankID] = &RankState{RankID: hb.RankID, Status: StatusAlive}
		r.updateGaugesLocked()
		r.mu.Unlock()

		log.Info().Uint64("rank_id", hb.RankID).Msg("Rank joined")
		r.fire(hb.RankID, StatusNone, StatusAlive)
		return
	}

	from := state.Status
	if from == StatusAlive {
		r.mu.Unlock()
		return
	}
	state.Status = StatusAlive
	r.updateGaugesLocked()
	r.mu.Unlock()

	log.Info().
		Uint64("rank_id", hb.RankID).
		Str("was", from.String()).
		Msg("Rank recovered")
	r.fire(hb.RankID, from, StatusAlive)
}

// CheckTimeouts escalates silent ranks: ALIVE past the suspect timeout goes
// SUSPECT, SUSPECT past the dead timeout goes DEAD. DEAD ranks stay listed
// so operators can see them; they rejoin through a fresh heartbeat.
func (r *Registry) CheckTimeouts() {
	type transition struct {
		rankID   uint64
		from, to RankStatus
	}
	var fired []transition

	r.mu.Lock()
	now := time.Now()
	for rankID, state := range r.ranks {
		if rankID == r.localRankID {
			continue
		}
		elapsed := now.Sub(r.lastSeen[rankID])

		switch state.Status {
		case StatusAlive:
			if elapsed > r.opts.SuspectTimeout {
				state.Status = StatusSuspect
				fired = append(fired, transition{rankID, StatusAlive, StatusSuspect})
				log.Warn().Uint64("rank_id", rankID).Dur("silent_for", elapsed).Msg("Rank marked SUSPECT")
			}
		case StatusSuspect:
			if elapsed > r.opts.DeadTimeout {
				state.Status = StatusDead
				fired = append(fired, transition{rankID, StatusSuspect, StatusDead})
				log.Error().Uint64("rank_id", rankID).Dur("silent_for", elapsed).Msg("Rank marked DEAD")
			}
		}
	}
	if len(fired) > 0 {
		r.updateGaugesLocked()
	}
	r.mu.Unlock()

	for _, tr := range fired {
		r.fire(tr.rankID, tr.from, tr.to)
	}
}

// Status returns a rank's liveness state, StatusNone when unknown.
func (r *Registry) Status(rankID uint64) RankStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if state, ok := r.ranks[rankID]; ok {
		return state.Status
	}
	return StatusNone
}

// IsAlive reports whether a rank is currently ALIVE.
func (r *Registry) IsAlive(rankID uint64) bool {
	return r.Status(rankID) == StatusAlive
}

// AliveRanks returns the ids of all ALIVE ranks, the local one included.
func (r *Registry) AliveRanks() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uint64, 0, len(r.ranks))
	for id, state := range r.ranks {
		if state.Status == StatusAlive {
			out = append(out, id)
		}
	}
	return out
}

// Members returns membership info for the admin API.
func (r *Registry) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	members := make([]Member, 0, len(r.ranks))
	for id, state := range r.ranks {
		m := Member{RankID: id, Status: state.Status.String()}
		if id == r.localRankID {
			m.Self = true
			m.LastSeenMs = -1
		} else {
			m.LastSeenMs = now.Sub(r.lastSeen[id]).Milliseconds()
		}
		members = append(members, m)
	}
	return members
}

// QuorumInfo returns membership totals and the majority size.
func (r *Registry) QuorumInfo() (total int, alive int, quorum int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, state := range r.ranks {
		total++
		if state.Status == StatusAlive {
			alive++
		}
	}
	quorum = (total / 2) + 1
	return
}

// Count returns the number of known ranks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ranks)
}

// updateGaugesLocked refreshes the per-status rank gauges. Callers hold mu.
func (r *Registry) updateGaugesLocked() {
	counts := make(map[RankStatus]int)
	for _, state := range r.ranks {
		counts[state.Status]++
	}
	telemetry.ClusterRanks.With("ALIVE").Set(float64(counts[StatusAlive]))
	telemetry.ClusterRanks.With("SUSPECT").Set(float64(counts[StatusSuspect]))
	telemetry.ClusterRanks.With("DEAD").Set(float64(counts[StatusDead]))
}

// Start begins publishing heartbeats and folding in peers'. Timeout checks
// run on the heartbeat interval.
func (r *Registry) Start(link HeartbeatLink) error {
	unsub, err := link.SubscribeHeartbeats(r.Observe)
	if err != nil {
		return err
	}
	r.unsubscribe = unsub

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.opts.HeartbeatInterval)
		defer ticker.Stop()

		publish := func() {
			err := link.PublishHeartbeat(&transport.HeartbeatMsg{
				RankID:   r.localRankID,
				Cluster:  r.opts.ClusterName,
				SentAtNs: time.Now().UnixNano(),
			})
			if err != nil {
				log.Warn().Err(err).Msg("Failed to publish heartbeat")
			}
		}

		publish()
		for {
			select {
			case <-ticker.C:
				publish()
				r.CheckTimeouts()
			case <-r.stop:
				return
			}
		}
	}()
	return nil
}

// Stop halts heartbeating and timeout checks.
func (r *Registry) Stop() {
	close(r.stop)
	r.wg.Wait()
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}
