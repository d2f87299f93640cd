package actions

import (
	"context"

	"github.com/dbkeeper/dbkeeper/pkg/action"
)

// createDatabase implements ActionDescription{name: CreateDatabase} (spec
// section 4.5 step 1): create an empty local database.
type createDatabase struct {
	deps Deps
}

func (c *createDatabase) First(ctx context.Context, a *action.Action) (bool, error) {
	desc := a.Description()
	if err := requireParams(desc, action.KeyDatabase); err != nil {
		return false, err
	}
	l := actionLogger(action.KindCreateDatabase, desc)

	db := desc.MustGet(action.KeyDatabase)
	if err := c.deps.Local.CreateDatabase(ctx, db); err != nil {
		return false, err
	}
	l.Info().Msg("created database")
	return false, nil
}

func (c *createDatabase) Next(ctx context.Context, a *action.Action) (bool, error) {
	return false, nil
}

// dropDatabase implements ActionDescription{name: DropDatabase} (spec
// section 4.5 step 1): drop a local database no longer in the plan.
type dropDatabase struct {
	deps Deps
}

func (d *dropDatabase) First(ctx context.Context, a *action.Action) (bool, error) {
	desc := a.Description()
	if err := requireParams(desc, action.KeyDatabase); err != nil {
		return false, err
	}
	l := actionLogger(action.KindDropDatabase, desc)

	db := desc.MustGet(action.KeyDatabase)
	if err := d.deps.Local.DropDatabase(ctx, db); err != nil {
		return false, err
	}
	l.Info().Msg("dropped database")
	return false, nil
}

func (d *dropDatabase) Next(ctx context.Context, a *action.Action) (bool, error) {
	return false, nil
}
