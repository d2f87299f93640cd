// Package localstore models the local storage engine this node's
// maintenance engine diffs against: the collections, shards, indexes, and
// per-shard follower state actually present on disk (spec section 1 treats
// this as an external collaborator). Engine gives it a small concrete
// surface so phaseOne/phaseTwo and the concrete actions have something real
// to read and mutate.
package localstore

import "context"

// LeaderUnknown is the sentinel local-leader value SynchronizeShard Stage 2
// installs before the initial dump: it rejects every in-flight replication
// request from any claimed leader until Stage 5 adopts a following term.
const LeaderUnknown = ""

// Index is one locally present secondary index.
type Index struct {
	ID         string
	Definition map[string]any
}

// Collection is one locally present collection of one database: its
// properties, the shard names this server hosts, and per-shard local state.
type Collection struct {
	Name       string
	Properties map[string]any
	Shards     map[string]ShardState // shard name -> local state
}

// ShardState is a single shard's locally observed state: who this server
// currently thinks the leader is (LeaderUnknown, a bare server id, or
// "<leaderId>_<followingTermId>" once a following term has been adopted),
// the in-sync follower ids this server (as leader) currently recognizes,
// and the locally built index ids.
type ShardState struct {
	Leader    string
	Followers []string
	Indexes   []string
	DocCount  uint64
}

// Engine is the local storage engine collaborator interface: the subset of
// operations the reconcile/report loop and the concrete actions need.
// Reconcile Loop (phaseOne) Needs (Required): per spec section 4.5/4.6 it must
// expose both a read view (Collections) and the mutators concrete actions
// drive.
type Engine interface {
	// Collections returns every locally present collection of database,
	// keyed by collection name.
	Collections(ctx context.Context, database string) (map[string]Collection, error)

	// HasDatabase reports whether database exists locally at all.
	HasDatabase(ctx context.Context, database string) (bool, error)
	// CreateDatabase creates an empty local database.
	CreateDatabase(ctx context.Context, database string) error
	// DropDatabase removes a local database and everything under it.
	DropDatabase(ctx context.Context, database string) error

	// CreateCollection creates collection in database with properties and
	// the shard set (each entry's local leader starts as LeaderUnknown).
	CreateCollection(ctx context.Context, database, collection string, properties map[string]any, shards []string) error
	// UpdateCollection replaces collection's properties in place.
	UpdateCollection(ctx context.Context, database, collection string, properties map[string]any) error
	// DropCollection removes collection and every shard under it.
	DropCollection(ctx context.Context, database, collection string) error

	// EnsureIndex creates or replaces idx on shard.
	EnsureIndex(ctx context.Context, database, collection, shard string, idx Index) error
	// DropIndex removes the named index id from shard.
	DropIndex(ctx context.Context, database, collection, shard, indexID string) error

	// SetShardLeader sets shard's locally recorded leader value, used by
	// SynchronizeShard stages 2 and 5 and by ResignShardLeadership.
	SetShardLeader(ctx context.Context, database, collection, shard, leader string) error
	// SetShardFollowers replaces shard's in-sync follower id list, used by
	// ResignShardLeadership to clear it.
	SetShardFollowers(ctx context.Context, database, collection, shard string, followers []string) error

	// ShardDocumentCount returns the number of documents locally stored in
	// shard, used by SynchronizeShard's size gate (Stage 1) and by follower
	// registration's checksum (Stage 7).
	ShardDocumentCount(ctx context.Context, database, collection, shard string) (uint64, error)

	// RecalculateCounts re-derives shard's document count from scratch and
	// returns the corrected value, used by SynchronizeShard stage 7 on a
	// WRONG_CHECKSUM response to tell a stale cached count apart from a
	// genuine leader/follower mismatch.
	RecalculateCounts(ctx context.Context, database, collection, shard string) (uint64, error)
}
