package actions

import (
	"context"
	"fmt"

	"github.com/dbkeeper/dbkeeper/pkg/action"
)

// createCollection implements ActionDescription{name: CreateCollection}
// (spec section 4.5 step 2): seed a collection's full planned shard set
// locally, carried via the description's Properties document (see
// pkg/reconcile.diffCollections — localstore.Engine.CreateCollection takes
// the whole shard set at once, so a wholly- or partially-missing collection
// both resolve to exactly one of these).
type createCollection struct {
	deps Deps
}

func (c *createCollection) First(ctx context.Context, a *action.Action) (bool, error) {
	desc := a.Description()
	if err := requireParams(desc, action.KeyDatabase, action.KeyCollection); err != nil {
		return false, err
	}
	shards := shardList(desc)
	if len(shards) == 0 {
		return false, fmt.Errorf("createCollection: no shards in description properties")
	}
	l := actionLogger(action.KindCreateCollection, desc)

	db := desc.MustGet(action.KeyDatabase)
	coll := desc.MustGet(action.KeyCollection)
	props := properties(desc)

	if err := c.deps.Local.CreateCollection(ctx, db, coll, props, shards); err != nil {
		return false, err
	}
	l.Info().Strs("shards", shards).Msg("created collection")
	return false, nil
}

func (c *createCollection) Next(ctx context.Context, a *action.Action) (bool, error) {
	return false, nil
}

// updateCollection implements ActionDescription{name: UpdateCollection}
// (spec section 4.5 step 2): replace a collection's properties in place when
// the plan's properties diverge from the locally held ones.
type updateCollection struct {
	deps Deps
}

func (u *updateCollection) First(ctx context.Context, a *action.Action) (bool, error) {
	desc := a.Description()
	if err := requireParams(desc, action.KeyDatabase, action.KeyCollection); err != nil {
		return false, err
	}
	l := actionLogger(action.KindUpdateCollection, desc)

	db := desc.MustGet(action.KeyDatabase)
	coll := desc.MustGet(action.KeyCollection)
	props := properties(desc)

	if err := u.deps.Local.UpdateCollection(ctx, db, coll, props); err != nil {
		return false, err
	}
	l.Info().Msg("updated collection properties")
	return false, nil
}

func (u *updateCollection) Next(ctx context.Context, a *action.Action) (bool, error) {
	return false, nil
}

// dropCollection implements ActionDescription{name: DropCollection} (spec
// section 4.5 steps 1/2): remove a collection no longer planned for this
// server, or an entire database's collections already removed with it.
type dropCollection struct {
	deps Deps
}

func (d *dropCollection) First(ctx context.Context, a *action.Action) (bool, error) {
	desc := a.Description()
	if err := requireParams(desc, action.KeyDatabase, action.KeyCollection); err != nil {
		return false, err
	}
	l := actionLogger(action.KindDropCollection, desc)

	db := desc.MustGet(action.KeyDatabase)
	coll := desc.MustGet(action.KeyCollection)

	if err := d.deps.Local.DropCollection(ctx, db, coll); err != nil {
		return false, err
	}
	l.Info().Msg("dropped collection")
	return false, nil
}

func (d *dropCollection) Next(ctx context.Context, a *action.Action) (bool, error) {
	return false, nil
}
