package session

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

const defaultShards = 32

// Store keeps session state keyed by (player, session). Each session has its
// own lock; the shard lock only guards map membership.
type Store struct {
	shards []*shard
	now    func() time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[types.SessionKey]*entry
}

type entry struct {
	mu      sync.Mutex
	state   *State
	removed bool
}

// NewStore creates a store with the given number of shards (0 picks a default).
func NewStore(shards int) *Store {
	if shards <= 0 {
		shards = defaultShards
	}
	s := &Store{
		shards: make([]*shard, shards),
		now:    time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[types.SessionKey]*entry)}
	}
	return s
}

func (s *Store) shardFor(key types.SessionKey) *shard {
	h := xxhash.New()
	_, _ = h.WriteString(key.PlayerID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(key.SessionID)
	return s.shards[h.Sum64()%uint64(len(s.shards))]
}

func (s *Store) getOrCreate(key types.SessionKey) *entry {
	sh := s.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if ok {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok = sh.entries[key]; ok {
		return e
	}
	e = &entry{state: newState(s.now())}
	sh.entries[key] = e
	return e
}

func (s *Store) lookup(key types.SessionKey) (*entry, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[key]
	return e, ok
}

// Do runs fn with exclusive access to the session, creating it with default
// state on first use. fn must not call back into the store for the same key.
func (s *Store) Do(key types.SessionKey, fn func(*State)) {
	for {
		e := s.getOrCreate(key)
		e.mu.Lock()
		if e.removed {
			// Deleted between lookup and lock; retry against the fresh entry.
			e.mu.Unlock()
			continue
		}
		fn(e.state)
		e.state.UpdatedAt = s.now()
		e.mu.Unlock()
		return
	}
}

// View runs fn with exclusive access to an existing session without creating
// one. It reports whether the session existed.
func (s *Store) View(key types.SessionKey, fn func(*State)) bool {
	e, ok := s.lookup(key)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	fn(e.state)
	return true
}

// Snapshot copies the state of an existing session.
func (s *Store) Snapshot(key types.SessionKey) (Snapshot, bool) {
	var snap Snapshot
	ok := s.View(key, func(st *State) {
		snap = st.snapshot(key)
	})
	return snap, ok
}

// Delete removes a session. Later frames for the key start from defaults.
func (s *Store) Delete(key types.SessionKey) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if ok {
		delete(sh.entries, key)
	}
	sh.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	return true
}

// Keys returns every live session key sorted by player then session.
func (s *Store) Keys() []types.SessionKey {
	var keys []types.SessionKey
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.entries {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].PlayerID != keys[j].PlayerID {
			return keys[i].PlayerID < keys[j].PlayerID
		}
		return keys[i].SessionID < keys[j].SessionID
	})
	return keys
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
