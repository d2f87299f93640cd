package actions

import (
	"context"
	"fmt"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/localstore"
)

// ensureIndex implements ActionDescription{name: EnsureIndex} (spec section
// 4.5 step 3): create or replace one planned-but-not-local index on a shard.
type ensureIndex struct {
	deps Deps
}

func (e *ensureIndex) First(ctx context.Context, a *action.Action) (bool, error) {
	desc := a.Description()
	if err := requireParams(desc, action.KeyDatabase, action.KeyCollection, action.KeyShard); err != nil {
		return false, err
	}
	props := desc.Properties()
	indexID, _ := props["indexId"].(string)
	definition, _ := props["index"].(map[string]any)
	if indexID == "" {
		return false, fmt.Errorf("ensureIndex: missing indexId in description properties")
	}
	l := actionLogger(action.KindEnsureIndex, desc)

	db := desc.MustGet(action.KeyDatabase)
	coll := desc.MustGet(action.KeyCollection)
	shard := desc.MustGet(action.KeyShard)

	err := e.deps.Local.EnsureIndex(ctx, db, coll, shard, localstore.Index{ID: indexID, Definition: definition})
	if err != nil {
		e.deps.Feature.Errors().RemoveIndexErrors(db, coll, shard, []string{indexID})
		if serr := e.deps.Feature.Errors().StoreIndexError(db, coll, shard, indexID, err.Error()); serr != nil {
			l.Debug().Err(serr).Msg("index error already recorded")
		}
		return false, err
	}
	e.deps.Feature.Errors().RemoveIndexErrors(db, coll, shard, []string{indexID})
	l.Info().Str("index", indexID).Msg("ensured index")
	return false, nil
}

func (e *ensureIndex) Next(ctx context.Context, a *action.Action) (bool, error) {
	return false, nil
}

// dropIndex implements ActionDescription{name: DropIndex} (spec section 4.5
// step 3): remove one local-but-not-planned index from a shard.
type dropIndex struct {
	deps Deps
}

func (d *dropIndex) First(ctx context.Context, a *action.Action) (bool, error) {
	desc := a.Description()
	if err := requireParams(desc, action.KeyDatabase, action.KeyCollection, action.KeyShard); err != nil {
		return false, err
	}
	props := desc.Properties()
	indexID, _ := props["indexId"].(string)
	if indexID == "" {
		return false, fmt.Errorf("dropIndex: missing indexId in description properties")
	}
	l := actionLogger(action.KindDropIndex, desc)

	db := desc.MustGet(action.KeyDatabase)
	coll := desc.MustGet(action.KeyCollection)
	shard := desc.MustGet(action.KeyShard)

	if err := d.deps.Local.DropIndex(ctx, db, coll, shard, indexID); err != nil {
		return false, err
	}
	d.deps.Feature.Errors().RemoveIndexErrors(db, coll, shard, []string{indexID})
	l.Info().Str("index", indexID).Msg("dropped index")
	return false, nil
}

func (d *dropIndex) Next(ctx context.Context, a *action.Action) (bool, error) {
	return false, nil
}
