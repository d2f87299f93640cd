package feature

import (
	"fmt"
	"sync"
	"time"
)

const replicationErrorMaxAge = time.Hour
const replicationErrorMaxPerShard = 10

// ErrorBlob is an opaque error payload recorded against a database, shard,
// or index. In the agreement store these travel as structured documents;
// here a plain error-message string is enough to drive the same bookkeeping.
type ErrorBlob struct {
	Message   string
	Recorded  time.Time
}

// ErrorRegistry is the four-bucket, thread-safe error bookkeeping structure
// of spec section 3: databases, shards, indexes, and ordered per-shard
// replication-failure timestamps.
type ErrorRegistry struct {
	dbMu   sync.Mutex
	dbs    map[string]ErrorBlob

	shardMu sync.Mutex
	shards  map[string]ErrorBlob // "db/collection/shard"

	indexMu sync.Mutex
	indexes map[string]map[string]ErrorBlob // "db/collection/shard" -> indexId -> error

	replMu sync.Mutex
	repl   map[string]map[string][]time.Time // db -> shard -> ordered failure timestamps
}

// NewErrorRegistry constructs an empty ErrorRegistry.
func NewErrorRegistry() *ErrorRegistry {
	return &ErrorRegistry{
		dbs:     make(map[string]ErrorBlob),
		shards:  make(map[string]ErrorBlob),
		indexes: make(map[string]map[string]ErrorBlob),
		repl:    make(map[string]map[string][]time.Time),
	}
}

func shardKey(database, collection, shard string) string {
	return database + "/" + collection + "/" + shard
}

// StoreDatabaseError records the database's last error. First-wins: a second
// insert for the same database without a prior removal is an error.
func (r *ErrorRegistry) StoreDatabaseError(database, message string) error {
	r.dbMu.Lock()
	defer r.dbMu.Unlock()
	if _, exists := r.dbs[database]; exists {
		return fmt.Errorf("database error already recorded for %q", database)
	}
	r.dbs[database] = ErrorBlob{Message: message, Recorded: time.Now()}
	return nil
}

// RemoveDatabaseError clears the database's error, if any. Idempotent.
func (r *ErrorRegistry) RemoveDatabaseError(database string) {
	r.dbMu.Lock()
	defer r.dbMu.Unlock()
	delete(r.dbs, database)
}

// DatabaseError returns the database's last recorded error, if any.
func (r *ErrorRegistry) DatabaseError(database string) (ErrorBlob, bool) {
	r.dbMu.Lock()
	defer r.dbMu.Unlock()
	b, ok := r.dbs[database]
	return b, ok
}

// StoreShardError records a shard's last error (first-wins).
func (r *ErrorRegistry) StoreShardError(database, collection, shard, message string) error {
	r.shardMu.Lock()
	defer r.shardMu.Unlock()
	key := shardKey(database, collection, shard)
	if _, exists := r.shards[key]; exists {
		return fmt.Errorf("shard error already recorded for %q", key)
	}
	r.shards[key] = ErrorBlob{Message: message, Recorded: time.Now()}
	return nil
}

// RemoveShardError clears a shard's error. Idempotent.
func (r *ErrorRegistry) RemoveShardError(database, collection, shard string) {
	r.shardMu.Lock()
	defer r.shardMu.Unlock()
	delete(r.shards, shardKey(database, collection, shard))
}

// ShardError returns a shard's last recorded error, if any.
func (r *ErrorRegistry) ShardError(database, collection, shard string) (ErrorBlob, bool) {
	r.shardMu.Lock()
	defer r.shardMu.Unlock()
	b, ok := r.shards[shardKey(database, collection, shard)]
	return b, ok
}

// StoreIndexError records an index's last error within a shard (first-wins).
func (r *ErrorRegistry) StoreIndexError(database, collection, shard, indexID, message string) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	key := shardKey(database, collection, shard)
	bucket, ok := r.indexes[key]
	if !ok {
		bucket = make(map[string]ErrorBlob)
		r.indexes[key] = bucket
	}
	if _, exists := bucket[indexID]; exists {
		return fmt.Errorf("index error already recorded for %q/%s", key, indexID)
	}
	bucket[indexID] = ErrorBlob{Message: message, Recorded: time.Now()}
	return nil
}

// RemoveIndexErrors clears the listed index errors within a shard. Idempotent.
func (r *ErrorRegistry) RemoveIndexErrors(database, collection, shard string, indexIDs []string) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	key := shardKey(database, collection, shard)
	bucket, ok := r.indexes[key]
	if !ok {
		return
	}
	for _, id := range indexIDs {
		delete(bucket, id)
	}
	if len(bucket) == 0 {
		delete(r.indexes, key)
	}
}

// IndexErrors returns a snapshot of a shard's index error bucket.
func (r *ErrorRegistry) IndexErrors(database, collection, shard string) map[string]ErrorBlob {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	key := shardKey(database, collection, shard)
	out := make(map[string]ErrorBlob, len(r.indexes[key]))
	for k, v := range r.indexes[key] {
		out[k] = v
	}
	return out
}

// AppendReplicationError records one replication failure timestamp for a
// shard, aging out entries past replicationErrorMaxAge and capping the list
// at replicationErrorMaxPerShard (spec section 3).
func (r *ErrorRegistry) AppendReplicationError(database, shard string) {
	r.replMu.Lock()
	defer r.replMu.Unlock()

	byShard, ok := r.repl[database]
	if !ok {
		byShard = make(map[string][]time.Time)
		r.repl[database] = byShard
	}

	now := time.Now()
	list := append(byShard[shard], now)
	list = ageOut(list, now)
	if len(list) > replicationErrorMaxPerShard {
		list = list[len(list)-replicationErrorMaxPerShard:]
	}
	byShard[shard] = list
}

// ClearReplicationErrors drops all recorded replication failures for a
// shard, called when a SynchronizeShard attempt COMPLETEs.
func (r *ErrorRegistry) ClearReplicationErrors(database, shard string) {
	r.replMu.Lock()
	defer r.replMu.Unlock()
	if byShard, ok := r.repl[database]; ok {
		delete(byShard, shard)
	}
}

// ReplicationErrorCount returns the number of non-aged-out replication
// failures recorded for a shard.
func (r *ErrorRegistry) ReplicationErrorCount(database, shard string) int {
	r.replMu.Lock()
	defer r.replMu.Unlock()
	list := ageOut(r.repl[database][shard], time.Now())
	return len(list)
}

func ageOut(list []time.Time, now time.Time) []time.Time {
	out := list[:0:0]
	for _, t := range list {
		if now.Sub(t) <= replicationErrorMaxAge {
			out = append(out, t)
		}
	}
	return out
}
