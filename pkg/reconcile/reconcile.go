// Package reconcile implements phaseOne of the reconcile/report loop (spec
// section 4.5): diffing the agreement store's plan against locally observed
// state to produce the stream of maintenance actions that will pull this
// server's shards, collections and databases into line with the plan.
//
// Grounded on original_source/arangod/Cluster/Maintenance.h's
// diffPlanLocal, adapted to a pure function of its inputs the way the
// teacher's pkg/reconciler.reconcileNodes/reconcileContainers separate
// "compute what changed" from "drive the change" (here: produce
// action.Descriptions, let pkg/driver enqueue them via pkg/feature).
package reconcile

import (
	"reflect"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/agreement"
	"github.com/dbkeeper/dbkeeper/pkg/localstore"
)

// VersionReader exposes the one piece of feature.Feature state phaseOne
// reads directly: each shard's local generation counter, stamped onto
// SynchronizeShard descriptions so a stale callback can recognize it no
// longer applies (spec section 4.1/4.5).
type VersionReader interface {
	ShardVersion(shard string) uint64
}

// Input bundles phaseOne's pure-function inputs (spec section 4.5): the
// plan slice for the dirty databases, the matching local snapshot, the
// dirty-database set itself, this server's id, and the shardLocks snapshot
// taken *before* the local snapshot (spec section 4.7's ordering
// invariant — callers, not this package, are responsible for that
// ordering).
type Input struct {
	ServerID       string
	Plan           agreement.Plan
	Local          map[string]map[string]localstore.Collection // database -> collection -> Collection
	DirtyDatabases []string
	ShardLocks     map[string]uint64
	Versions       VersionReader
}

// Diff computes the actions needed to reconcile Local with Plan for every
// database in DirtyDatabases, and reports whether any action was produced
// (the caller should wake the scheduler if so). Diff never mutates its
// inputs and never touches the feature's registry directly.
func Diff(in Input) ([]action.Description, bool) {
	var out []action.Description

	for _, db := range in.DirtyDatabases {
		planDB, plannedDB := in.Plan.Databases[db]
		localColls, localDB := in.Local[db]

		switch {
		case plannedDB && !localDB:
			out = append(out, newDescription(action.KindCreateDatabase, action.PriorityNormal, true, map[string]string{
				action.KeyDatabase: db,
			}))
			continue
		case !plannedDB && localDB:
			out = append(out, newDescription(action.KindDropDatabase, action.PriorityNormal, true, map[string]string{
				action.KeyDatabase: db,
			}))
			continue
		case !plannedDB && !localDB:
			continue
		}

		out = append(out, diffCollections(in, db, planDB, localColls)...)
	}

	return out, len(out) > 0
}

func diffCollections(in Input, db string, planDB agreement.DatabasePlan, localColls map[string]localstore.Collection) []action.Description {
	var out []action.Description

	for collName, cp := range planDB.Collections {
		plannedShards := plannedShardsForServer(cp, in.ServerID)
		localColl, hasColl := localColls[collName]

		if len(plannedShards) == 0 {
			if hasColl {
				out = append(out, newDescription(action.KindDropCollection, action.PriorityNormal, true, map[string]string{
					action.KeyDatabase:   db,
					action.KeyCollection: collName,
				}))
			}
			continue
		}

		// Shards planned for this server but not yet locally present are
		// collected and created together: localstore.Engine.CreateCollection
		// seeds a collection's whole shard set in one call (ArangoDB's
		// per-server "collection" object is really the set of shards it
		// hosts for a cluster collection), so a partially-missing collection
		// and a wholly-missing one take the same path.
		var missingShards []string
		for shard := range plannedShards {
			if _, locked := in.ShardLocks[shard]; locked {
				continue
			}
			if !hasColl {
				missingShards = append(missingShards, shard)
				continue
			}
			if _, hasShard := localColl.Shards[shard]; !hasShard {
				missingShards = append(missingShards, shard)
			}
		}
		if len(missingShards) > 0 {
			priority := action.PriorityFollower
			for _, shard := range missingShards {
				if plannedShards[shard] == roleLeader {
					priority = action.PriorityLeader
					break
				}
			}
			allShards := make([]string, 0, len(plannedShards))
			for shard := range plannedShards {
				allShards = append(allShards, shard)
			}
			out = append(out, newDescription(action.KindCreateCollection, priority, true, map[string]string{
				action.KeyDatabase:   db,
				action.KeyCollection: collName,
			}, withProperties(action.Properties{
				"properties": cp.Properties,
				"shards":     allShards,
			})))
		}
		if !hasColl {
			continue
		}

		if !propertiesEqual(localColl.Properties, cp.Properties) {
			out = append(out, newDescription(action.KindUpdateCollection, action.PriorityNormal, true, map[string]string{
				action.KeyDatabase:   db,
				action.KeyCollection: collName,
			}, withProperties(action.Properties{"properties": cp.Properties})))
		}

		for shard, role := range plannedShards {
			if _, locked := in.ShardLocks[shard]; locked {
				continue // an action already owns this shard; next cycle sees the result
			}
			local, hasShard := localColl.Shards[shard]
			if !hasShard {
				continue // just requested above; leadership/index diff waits for next cycle
			}

			leader := cp.Shards[shard][0]
			out = append(out, diffShardLeadership(in, db, collName, shard, leader, role, local)...)
			out = append(out, diffIndexes(db, collName, shard, cp.Indexes, local.Indexes)...)
		}
	}

	// Local collections the plan no longer lists at all are dropped
	// outright (spec 4.5 step 2's last bullet); planned collections with no
	// shard on this server were already dropped above.
	for collName, localColl := range localColls {
		if _, ok := planDB.Collections[collName]; ok {
			continue
		}
		_ = localColl
		out = append(out, newDescription(action.KindDropCollection, action.PriorityNormal, true, map[string]string{
			action.KeyDatabase:   db,
			action.KeyCollection: collName,
		}))
	}

	return out
}

func diffShardLeadership(in Input, db, collName, shard, plannedLeader string, role shardRole, local localstore.ShardState) []action.Description {
	localLeader := stripFollowingTerm(local.Leader)
	if localLeader == plannedLeader || plannedLeader == "" {
		return nil
	}

	if localLeader == in.ServerID && role != roleLeader {
		return []action.Description{newDescription(action.KindResignShardLeadership, action.PriorityResign, true, map[string]string{
			action.KeyDatabase:   db,
			action.KeyCollection: collName,
			action.KeyShard:      shard,
		})}
	}

	if role == roleFollower {
		params := map[string]string{
			action.KeyDatabase:   db,
			action.KeyCollection: collName,
			action.KeyShard:      shard,
			action.KeyTheLeader:  plannedLeader,
			action.KeyServerID:   in.ServerID,
		}
		if in.Versions != nil {
			params[action.KeyShardVersion] = itoa(in.Versions.ShardVersion(shard))
		}
		return []action.Description{newDescription(action.KindSynchronizeShard, action.PrioritySynchronize, false, params)}
	}

	return nil
}

func diffIndexes(db, collName, shard string, planned []agreement.IndexPlan, local []string) []action.Description {
	var out []action.Description

	localSet := make(map[string]struct{}, len(local))
	for _, id := range local {
		localSet[id] = struct{}{}
	}
	plannedSet := make(map[string]struct{}, len(planned))

	for _, idx := range planned {
		plannedSet[idx.ID] = struct{}{}
		if _, ok := localSet[idx.ID]; ok {
			continue
		}
		out = append(out, newDescription(action.KindEnsureIndex, action.PriorityIndex, false, map[string]string{
			action.KeyDatabase:   db,
			action.KeyCollection: collName,
			action.KeyShard:      shard,
		}, withProperties(action.Properties{"index": idx.Definition, "indexId": idx.ID})))
	}

	for id := range localSet {
		if _, ok := plannedSet[id]; ok {
			continue
		}
		out = append(out, newDescription(action.KindDropIndex, action.PriorityIndex, false, map[string]string{
			action.KeyDatabase:   db,
			action.KeyCollection: collName,
			action.KeyShard:      shard,
		}, withProperties(action.Properties{"indexId": id})))
	}

	return out
}

type shardRole int

const (
	roleFollower shardRole = iota
	roleLeader
)

func plannedShardsForServer(cp agreement.CollectionPlan, serverID string) map[string]shardRole {
	out := make(map[string]shardRole)
	for shard, servers := range cp.Shards {
		for i, s := range servers {
			if s != serverID {
				continue
			}
			if i == 0 {
				out[shard] = roleLeader
			} else {
				out[shard] = roleFollower
			}
			break
		}
	}
	return out
}

func propertiesEqual(a, b map[string]any) bool {
	return reflect.DeepEqual(a, b)
}

// stripFollowingTerm strips the "_<term>" suffix SynchronizeShard stage 5
// installs, so a reconcile diff compares against the bare leader id.
func stripFollowingTerm(leader string) string {
	for i := 0; i < len(leader); i++ {
		if leader[i] == '_' {
			return leader[:i]
		}
	}
	return leader
}

type descOpt func(params map[string]string, props *action.Properties)

func withProperties(p action.Properties) descOpt {
	return func(_ map[string]string, dst *action.Properties) { *dst = p }
}

func newDescription(kind action.Kind, priority int, fastTrack bool, params map[string]string, opts ...descOpt) action.Description {
	p := make(map[string]string, len(params)+2)
	for k, v := range params {
		p[k] = v
	}
	p[action.KeyName] = string(kind)
	if fastTrack {
		p[action.KeyFastTrackFlag] = ""
	}
	var props action.Properties
	for _, opt := range opts {
		opt(p, &props)
	}
	return action.NewDescription(p, props, priority, false)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
