package actions

import (
	"context"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/localstore"
)

// resignShardLeadership implements ActionDescription{name:
// ResignShardLeadership} (spec section 4.5 step 2 / section 4.9's
// LeaderNotYetKnown sentinel): this server was the locally recorded leader
// of shard but the plan has moved leadership elsewhere, so it steps down to
// "leader not yet known", the same sentinel SynchronizeShard installs before
// its initial dump — the next reconcile cycle sees an ordinary follower
// shard and schedules SynchronizeShard against the new leader.
type resignShardLeadership struct {
	shardScoped
}

func newResignShardLeadership(deps Deps) *resignShardLeadership {
	return &resignShardLeadership{shardScoped{deps: deps}}
}

func (r *resignShardLeadership) First(ctx context.Context, a *action.Action) (bool, error) {
	desc := a.Description()
	if err := requireParams(desc, action.KeyDatabase, action.KeyCollection, action.KeyShard); err != nil {
		return false, err
	}
	db := desc.MustGet(action.KeyDatabase)
	coll := desc.MustGet(action.KeyCollection)
	shard := desc.MustGet(action.KeyShard)
	l := actionLogger(action.KindResignShardLeadership, desc)

	if err := r.lock(a, shard); err != nil {
		return false, err
	}
	defer r.unlock(a, shard)

	if err := r.deps.Local.SetShardLeader(ctx, db, coll, shard, localstore.LeaderUnknown); err != nil {
		return false, err
	}
	if err := r.deps.Local.SetShardFollowers(ctx, db, coll, shard, nil); err != nil {
		return false, err
	}

	l.Info().Msg("resigned shard leadership")
	return false, nil
}

func (r *resignShardLeadership) Next(ctx context.Context, a *action.Action) (bool, error) {
	return false, nil
}
