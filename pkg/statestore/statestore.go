// Package statestore keeps the authoritative per-source mitigation state in
// a sharded in-memory table. Shards lock independently so concurrent
// verdicts for different identities never contend, while all transitions
// for one identity serialize through its shard.
package statestore

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ssEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ddos", Subsystem: "statestore", Name: "entries",
		Help: "Source identities with live mitigation state.",
	})
	ssIdleEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "statestore", Name: "idle_evictions_total",
		Help: "Entries evicted by idle timeout.",
	})
	ssCapacityEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "statestore", Name: "capacity_evictions_total",
		Help: "Entries evicted because the store reached its size limit.",
	})
)

func init() {
	_ = prometheus.Register(ssEntries)
	_ = prometheus.Register(ssIdleEvictions)
	_ = prometheus.Register(ssCapacityEvictions)
}

// State is the mitigation lifecycle state of one source identity.
type State string

const (
	StateObserving  State = "observing"
	StateSuspicious State = "suspicious"
	StateBlocked    State = "blocked"
	StateRecovering State = "recovering"
)

// SourceState is the mutable mitigation record for one identity. It is only
// ever modified inside CompareAndTransition, under the shard lock.
type SourceState struct {
	Identity         string    `json:"identity"`
	State            State     `json:"state"`
	SuspiciousStreak int       `json:"suspicious_streak"`
	CleanStreak      int       `json:"clean_streak"`
	BlockCount       int       `json:"block_count"`
	LastScore        float64   `json:"last_score"`
	LastSeen         time.Time `json:"last_seen"`
	LastTransition   time.Time `json:"last_transition"`
	BlockExpiry      time.Time `json:"block_expiry,omitempty"`
	ProbationUntil   time.Time `json:"probation_until,omitempty"`

	// Generation increments on every transition. Timer callbacks carry the
	// generation they were scheduled against and become no-ops when a newer
	// transition has superseded them.
	Generation uint64 `json:"generation"`
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*SourceState
}

// Store is the sharded identity -> SourceState table with bounded size.
type Store struct {
	shards   []*shard
	mask     uint32
	perShard int
}

// New builds a store with shardCount shards (rounded up to a power of two)
// and at most maxEntries live identities.
func New(shardCount, maxEntries int) *Store {
	n := 1
	for n < shardCount {
		n <<= 1
	}
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	s := &Store{
		shards:   make([]*shard, n),
		mask:     uint32(n - 1),
		perShard: maxEntries/n + 1,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*SourceState)}
	}
	return s
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[fnv32(id)&s.mask]
}

// GetOrInit returns a snapshot of the identity's state, creating a fresh
// Observing entry if none exists.
func (s *Store) GetOrInit(id string, now time.Time) SourceState {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st := sh.entries[id]
	if st == nil {
		st = s.initLocked(sh, id, now)
	}
	return *st
}

// Get returns a snapshot without creating an entry.
func (s *Store) Get(id string) (SourceState, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.entries[id]
	if !ok {
		return SourceState{}, false
	}
	return *st, true
}

// CompareAndTransition runs fn against the identity's state under the shard
// lock. fn returns true when it performed a state transition, which bumps
// the generation and stamps LastTransition. The returned snapshot reflects
// the state after fn ran. fn must not block; model scoring never happens
// inside this critical section.
func (s *Store) CompareAndTransition(id string, now time.Time, fn func(*SourceState) bool) (SourceState, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st := sh.entries[id]
	if st == nil {
		st = s.initLocked(sh, id, now)
	}
	transitioned := fn(st)
	if transitioned {
		st.Generation++
		st.LastTransition = now
	}
	return *st, transitioned
}

// initLocked creates an Observing entry, evicting the stalest non-blocked
// entry first when the shard is full. Caller holds the shard lock.
func (s *Store) initLocked(sh *shard, id string, now time.Time) *SourceState {
	if len(sh.entries) >= s.perShard {
		var victim *SourceState
		for _, st := range sh.entries {
			if st.State == StateBlocked {
				continue
			}
			if victim == nil || st.LastSeen.Before(victim.LastSeen) {
				victim = st
			}
		}
		if victim != nil {
			delete(sh.entries, victim.Identity)
			ssEntries.Dec()
			ssCapacityEvictions.Inc()
		}
	}
	st := &SourceState{
		Identity:       id,
		State:          StateObserving,
		LastSeen:       now,
		LastTransition: now,
	}
	sh.entries[id] = st
	ssEntries.Inc()
	return st
}

// EvictIdle removes entries not seen since before the cutoff. Blocked
// entries are kept alive so their expiry still fires; everything else
// reappears as Observing on next sighting.
func (s *Store) EvictIdle(before time.Time) int {
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, st := range sh.entries {
			if st.State == StateBlocked {
				continue
			}
			if st.LastSeen.Before(before) {
				delete(sh.entries, id)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	if evicted > 0 {
		ssEntries.Sub(float64(evicted))
		ssIdleEvictions.Add(float64(evicted))
	}
	return evicted
}

// Range calls fn with a snapshot of every entry; fn returning false stops
// the walk. Snapshots are taken per shard so the walk never holds more than
// one shard lock at a time.
func (s *Store) Range(fn func(SourceState) bool) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		snap := make([]SourceState, 0, len(sh.entries))
		for _, st := range sh.entries {
			snap = append(snap, *st)
		}
		sh.mu.Unlock()
		for _, st := range snap {
			if !fn(st) {
				return
			}
		}
	}
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
