// Package actions implements the concrete maintenance operations (spec
// section 4.1's "Concrete Actions"): CreateCollection, UpdateCollection,
// DropCollection, CreateDatabase, DropDatabase, EnsureIndex, DropIndex,
// ResignShardLeadership and SynchronizeShard. Each is a single-tick
// action.Impl (one First() call drives it to completion, matching
// ActionBase's `first/next` contract for operations that never need to
// resume) grounded on ActionBase.cpp's shape, adapted from the teacher's
// pkg/reconciler operations that drive storage/runtime mutations to
// completion and report errors the same way.
package actions

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/agreement"
	"github.com/dbkeeper/dbkeeper/pkg/feature"
	"github.com/dbkeeper/dbkeeper/pkg/localstore"
	"github.com/dbkeeper/dbkeeper/pkg/log"
	"github.com/dbkeeper/dbkeeper/pkg/replication"
	"github.com/dbkeeper/dbkeeper/pkg/synchronize"
)

// Deps bundles every collaborator a concrete action may need. One Deps is
// shared by every action the Factory constructs; individual actions use only
// the fields relevant to their kind.
type Deps struct {
	Local   localstore.Engine
	Feature *feature.Feature
	Store   agreement.Store

	// Dial resolves a shard's current leader server id to a replication
	// client. SynchronizeShard calls it once per attempt so it always talks
	// to the leader named in its own description, not a stale connection.
	Dial func(leader string) *replication.Client

	// Syncer and Tailer are SynchronizeShard's non-goal collaborators (spec
	// section 1): the real replication log tailer/initial syncer. Supplied
	// here so every SynchronizeShard action built by the Factory shares one
	// implementation.
	Syncer synchronize.Syncer
	Tailer synchronize.Tailer

	// ShuttingDown reports the process-wide shutdown flag.
	ShuttingDown func() bool
}

// NewFactory returns a worker.Factory that resolves an ActionDescription's
// "name" key to the matching concrete action.Impl, the mapping this repo's
// pkg/worker.Factory comment names as "registered by pkg/action/actions".
func NewFactory(deps Deps) func(desc action.Description) (action.Impl, error) {
	return func(desc action.Description) (action.Impl, error) {
		switch desc.Name() {
		case action.KindCreateDatabase:
			return &createDatabase{deps: deps}, nil
		case action.KindDropDatabase:
			return &dropDatabase{deps: deps}, nil
		case action.KindCreateCollection:
			return &createCollection{deps: deps}, nil
		case action.KindUpdateCollection:
			return &updateCollection{deps: deps}, nil
		case action.KindDropCollection:
			return &dropCollection{deps: deps}, nil
		case action.KindEnsureIndex:
			return &ensureIndex{deps: deps}, nil
		case action.KindDropIndex:
			return &dropIndex{deps: deps}, nil
		case action.KindResignShardLeadership:
			return newResignShardLeadership(deps), nil
		case action.KindSynchronizeShard:
			return newSynchronizeShard(deps), nil
		default:
			return nil, fmt.Errorf("actions: unknown action kind %q", desc.Name())
		}
	}
}

// shardScoped is embedded by resignShardLeadership and synchronizeShard; the
// index actions also carry a "shard" key but take no shard lock.
// ActionBase itself has no notion of shard locking (the C++
// ShardActionMap is populated by the caller that enqueues the action and
// drained by the action's own finalization, per spec section 4.1's lifetime
// note), so lock()/unlock() are symmetric helpers those two Impls call
// around their work.
type shardScoped struct {
	deps Deps
}

func (s shardScoped) lock(a *action.Action, shard string) error {
	if shard == "" {
		return nil
	}
	if !s.deps.Feature.LockShard(shard, a.ID()) {
		return fmt.Errorf("shard %q already locked by another action", shard)
	}
	return nil
}

func (s shardScoped) unlock(a *action.Action, shard string) {
	if shard == "" {
		return
	}
	s.deps.Feature.UnlockShard(shard, a.ID())
}

func requireParams(desc action.Description, keys ...string) error {
	for _, k := range keys {
		if !desc.Has(k) {
			return fmt.Errorf("missing required parameter %q", k)
		}
	}
	return nil
}

func actionLogger(kind action.Kind, desc action.Description) zerolog.Logger {
	l := log.WithComponent("action:" + string(kind))
	if db, ok := desc.Get(action.KeyDatabase); ok {
		l = log.WithDatabase(l, db)
	}
	return l
}

// properties reads the structured "properties" sub-document a reconcile
// description attaches under its own "properties" key (see
// pkg/reconcile.withProperties), returning an empty map if absent.
func properties(desc action.Description) map[string]any {
	props := desc.Properties()
	if props == nil {
		return nil
	}
	v, _ := props["properties"].(map[string]any)
	return v
}

func shardList(desc action.Description) []string {
	props := desc.Properties()
	if props == nil {
		return nil
	}
	raw, _ := props["shards"].([]string)
	return raw
}
