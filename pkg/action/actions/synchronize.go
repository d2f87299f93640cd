package actions

import (
	"context"
	"errors"
	"strconv"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/feature"
	"github.com/dbkeeper/dbkeeper/pkg/synchronize"
)

// synchronizeShard implements ActionDescription{name: SynchronizeShard}
// (spec section 4.9) by delegating to pkg/synchronize.Run for the entire
// multi-stage protocol, in keeping with Run's "no next()" contract — one
// First() call drives every stage and maps the outcome directly to the
// action's terminal Result, just as ActionBase describes for this action
// kind.
type synchronizeShard struct {
	shardScoped
}

func newSynchronizeShard(deps Deps) *synchronizeShard {
	return &synchronizeShard{shardScoped{deps: deps}}
}

func (s *synchronizeShard) First(ctx context.Context, a *action.Action) (bool, error) {
	desc := a.Description()
	if err := requireParams(desc, action.KeyDatabase, action.KeyCollection, action.KeyShard, action.KeyTheLeader, action.KeyServerID); err != nil {
		return false, err
	}

	req := synchronize.Request{
		Database:          desc.MustGet(action.KeyDatabase),
		Collection:        desc.MustGet(action.KeyCollection),
		Shard:             desc.MustGet(action.KeyShard),
		Leader:            desc.MustGet(action.KeyTheLeader),
		ServerID:          desc.MustGet(action.KeyServerID),
		ForcedResync:      desc.Has(action.KeyForcedResync),
		SyncByRevision:    desc.Has(action.KeySyncByRevision),
		AutoRepairEnabled: true,
		Priority:          desc.Priority(),
	}
	if raw, ok := desc.Get(action.KeyShardVersion); ok {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			req.ShardVersion = v
		}
	}

	l := actionLogger(action.KindSynchronizeShard, desc)

	if err := s.lock(a, req.Shard); err != nil {
		return false, err
	}
	defer s.unlock(a, req.Shard)

	leaderClient := s.deps.Dial(req.Leader)
	deps := synchronize.Deps{
		Store:        s.deps.Store,
		Local:        s.deps.Local,
		Leader:       leaderClient,
		Syncer:       s.deps.Syncer,
		Tailer:       s.deps.Tailer,
		Errors:       errorTrackerAdapter{registry: s.deps.Feature.Errors()},
		ShuttingDown: s.deps.ShuttingDown,
	}

	err := synchronize.Run(ctx, deps, req)
	if err != nil {
		switch {
		case errors.Is(err, synchronize.ErrAlreadyInSync):
			l.Debug().Msg("already in sync")
			return false, nil
		case errors.Is(err, synchronize.ErrNotWanted):
			l.Debug().Msg("no longer wanted by plan")
			return false, nil
		case errors.Is(err, synchronize.ErrSizeGateSlowOp):
			l.Info().Msg("document count gap too large, rescheduling at slow-op priority")
			rescheduled := desc.Rescheduled(action.PrioritySlowOp)
			s.deps.Feature.AddAction(rescheduled, newSynchronizeShard(s.deps), false)
			return false, err
		default:
			return false, err
		}
	}
	return false, nil
}

func (s *synchronizeShard) Next(ctx context.Context, a *action.Action) (bool, error) {
	return false, nil
}

// errorTrackerAdapter satisfies synchronize.ErrorTracker against the
// feature's shared ErrorRegistry.
type errorTrackerAdapter struct {
	registry *feature.ErrorRegistry
}

func (e errorTrackerAdapter) ReplicationErrorCount(database, shard string) int {
	return e.registry.ReplicationErrorCount(database, shard)
}

func (e errorTrackerAdapter) AppendReplicationError(database, shard string) {
	e.registry.AppendReplicationError(database, shard)
}

func (e errorTrackerAdapter) ClearReplicationErrors(database, shard string) {
	e.registry.ClearReplicationErrors(database, shard)
}
