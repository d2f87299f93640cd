// Package report implements phaseTwo of the reconcile/report loop (spec
// section 4.6): diffing this server's locally held shard state against what
// the agreement store last heard ("current") and producing the single
// write transaction that brings current into line.
//
// Grounded on original_source/arangod/Cluster/Maintenance.h's
// reportInCurrent / diffLocalCurrent, expressed as a pure function the same
// way pkg/reconcile.Diff is, so it can be unit-tested against a real
// agreement.Transaction without any agreement store or local engine running.
package report

import (
	"sort"

	"github.com/dbkeeper/dbkeeper/pkg/agreement"
	"github.com/dbkeeper/dbkeeper/pkg/localstore"
)

// ShardErrorFunc looks up the last recorded error message for one shard,
// returning "" if none is recorded. Bound by the caller to
// feature.ErrorRegistry.ShardError (spec section 3's error buckets feed
// phaseTwo's reported error state).
type ShardErrorFunc func(database, collection, shard string) string

// Input bundles phaseTwo's pure-function inputs (spec section 4.6).
type Input struct {
	ServerID   string
	Local      map[string]map[string]localstore.Collection // database -> collection -> Collection
	Current    agreement.Current
	ShardLocks map[string]uint64
	ShardError ShardErrorFunc
}

// versionKey is the reserved key agreement.raftFSM recognizes for the bare
// Current/Version counter (spec section 4.6 step 3).
const versionKey = "_version"

// Diff computes the single transaction phaseTwo emits this cycle: a SET per
// changed shard, a DELETE per shard this server no longer reports on, and a
// trailing INCREMENT on Current/Version (spec section 4.6). Diff is
// idempotent: called again immediately after its own output is applied (and
// nothing else changed), it produces a transaction whose only op is the
// version increment (spec section 8, property 6).
func Diff(in Input) agreement.Transaction {
	var ops []agreement.Op

	// Databases reported in current but no longer held locally are walked
	// too, with no local collections, so their reported shards are deleted.
	dbs := make(map[string]map[string]localstore.Collection, len(in.Local))
	for db, colls := range in.Local {
		dbs[db] = colls
	}
	for db := range in.Current.Databases {
		if _, ok := dbs[db]; !ok {
			dbs[db] = nil
		}
	}

	for db, colls := range dbs {
		desired := desiredShardCurrent(in, db, colls)
		reported := in.Current.Databases[db].Shards

		keys := make([]string, 0, len(desired))
		for k := range desired {
			keys = append(keys, k)
		}
		for k := range reported {
			if _, ok := desired[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		seen := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			want, wantOK := desired[key]
			have, haveOK := reported[key]

			switch {
			case wantOK && (!haveOK || !shardCurrentEqual(want, have)):
				ops = append(ops, agreement.Op{
					Kind:  agreement.OpSet,
					Key:   db + "/" + key,
					Value: want,
				})
			case !wantOK && haveOK:
				ops = append(ops, agreement.Op{
					Kind: agreement.OpDelete,
					Key:  db + "/" + key,
				})
			}
		}
	}

	ops = append(ops, agreement.Op{Kind: agreement.OpIncrement, Key: versionKey})
	return agreement.Transaction{Ops: ops}
}

// desiredShardCurrent computes the "desired current" view of spec section
// 4.6 step 1 for every shard this server locally holds in database db,
// skipping shards an in-flight action currently owns (their last-known
// reported state is left untouched; the action's own completion will mark
// the database dirty again for the next cycle).
func desiredShardCurrent(in Input, db string, colls map[string]localstore.Collection) map[string]agreement.ShardCurrent {
	out := make(map[string]agreement.ShardCurrent)
	for collName, c := range colls {
		for shard, state := range c.Shards {
			if _, locked := in.ShardLocks[shard]; locked {
				continue
			}
			key := collName + "/" + shard

			servers := make([]string, 0, 1+len(state.Followers))
			if state.Leader != "" {
				servers = append(servers, stripFollowingTerm(state.Leader))
			}
			servers = append(servers, state.Followers...)

			sc := agreement.ShardCurrent{
				Servers: servers,
				Indexes: append([]string(nil), state.Indexes...),
			}
			if in.ShardError != nil {
				sc.ErrorMessage = in.ShardError(db, collName, shard)
			}
			out[key] = sc
		}
	}
	return out
}

func shardCurrentEqual(a, b agreement.ShardCurrent) bool {
	if a.ErrorMessage != b.ErrorMessage {
		return false
	}
	if len(a.Servers) != len(b.Servers) || len(a.Indexes) != len(b.Indexes) {
		return false
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return false
		}
	}
	for i := range a.Indexes {
		if a.Indexes[i] != b.Indexes[i] {
			return false
		}
	}
	return true
}

func stripFollowingTerm(leader string) string {
	for i := 0; i < len(leader); i++ {
		if leader[i] == '_' {
			return leader[:i]
		}
	}
	return leader
}
