package feature

import "sync"

// shardVersions tracks a monotonically increasing generation counter per
// shard, bumped by the worker after every successful action whose
// description names that shard, so stale async callbacks can recognize
// they no longer apply (spec section 4.1).
type shardVersions struct {
	mu sync.Mutex
	v  map[string]uint64
}

func newShardVersions() *shardVersions {
	return &shardVersions{v: make(map[string]uint64)}
}

// Get returns the current version for shard, 0 if untracked.
func (s *shardVersions) Get(shard string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v[shard]
}

// Inc bumps shard's version and returns the new value.
func (s *shardVersions) Inc(shard string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v[shard]++
	return s.v[shard]
}

// Del removes shard's tracked version entirely, e.g. once the shard is
// dropped.
func (s *shardVersions) Del(shard string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.v, shard)
}
