package feature

import "sync"

// shardLocks is the ShardActionMap of spec section 4.1/4.2: it serializes
// actions touching the same shard so at most one action runs against a
// given shard at a time, independent of the priority queue.
type shardLocks struct {
	mu     sync.Mutex
	locked map[string]uint64 // shard -> holder action id
}

func newShardLocks() *shardLocks {
	return &shardLocks{locked: make(map[string]uint64)}
}

// TryLock attempts to take shard on behalf of actionID. Returns false if the
// shard is already held by a different action.
func (s *shardLocks) TryLock(shard string, actionID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.locked[shard]; ok && holder != actionID {
		return false
	}
	s.locked[shard] = actionID
	return true
}

// Unlock releases shard if held by actionID. No-op otherwise.
func (s *shardLocks) Unlock(shard string, actionID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.locked[shard]; ok && holder == actionID {
		delete(s.locked, shard)
	}
}

// IsLocked reports whether shard is currently held by any action.
func (s *shardLocks) IsLocked(shard string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locked[shard]
	return ok
}

// Snapshot returns a copy of the shard->holder map for the admin REST
// surface.
func (s *shardLocks) Snapshot() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.locked))
	for k, v := range s.locked {
		out[k] = v
	}
	return out
}
