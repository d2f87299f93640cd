package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/agreement"
	"github.com/dbkeeper/dbkeeper/pkg/feature"
	"github.com/dbkeeper/dbkeeper/pkg/localstore"
	"github.com/dbkeeper/dbkeeper/pkg/replication"
)

// fakeEngine is a minimal in-memory localstore.Engine for exercising the
// concrete actions without a real BoltDB file.
type fakeEngine struct {
	databases map[string]map[string]localstore.Collection
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{databases: make(map[string]map[string]localstore.Collection)}
}

func (f *fakeEngine) Collections(ctx context.Context, database string) (map[string]localstore.Collection, error) {
	return f.databases[database], nil
}

func (f *fakeEngine) HasDatabase(ctx context.Context, database string) (bool, error) {
	_, ok := f.databases[database]
	return ok, nil
}

func (f *fakeEngine) CreateDatabase(ctx context.Context, database string) error {
	if _, ok := f.databases[database]; !ok {
		f.databases[database] = make(map[string]localstore.Collection)
	}
	return nil
}

func (f *fakeEngine) DropDatabase(ctx context.Context, database string) error {
	delete(f.databases, database)
	return nil
}

func (f *fakeEngine) CreateCollection(ctx context.Context, database, collection string, properties map[string]any, shards []string) error {
	shardState := make(map[string]localstore.ShardState, len(shards))
	for _, s := range shards {
		shardState[s] = localstore.ShardState{Leader: localstore.LeaderUnknown}
	}
	if f.databases[database] == nil {
		f.databases[database] = make(map[string]localstore.Collection)
	}
	f.databases[database][collection] = localstore.Collection{Name: collection, Properties: properties, Shards: shardState}
	return nil
}

func (f *fakeEngine) UpdateCollection(ctx context.Context, database, collection string, properties map[string]any) error {
	c := f.databases[database][collection]
	c.Properties = properties
	f.databases[database][collection] = c
	return nil
}

func (f *fakeEngine) DropCollection(ctx context.Context, database, collection string) error {
	delete(f.databases[database], collection)
	return nil
}

func (f *fakeEngine) EnsureIndex(ctx context.Context, database, collection, shard string, idx localstore.Index) error {
	c := f.databases[database][collection]
	s := c.Shards[shard]
	s.Indexes = append(s.Indexes, idx.ID)
	c.Shards[shard] = s
	f.databases[database][collection] = c
	return nil
}

func (f *fakeEngine) DropIndex(ctx context.Context, database, collection, shard, indexID string) error {
	c := f.databases[database][collection]
	s := c.Shards[shard]
	out := s.Indexes[:0]
	for _, id := range s.Indexes {
		if id != indexID {
			out = append(out, id)
		}
	}
	s.Indexes = out
	c.Shards[shard] = s
	f.databases[database][collection] = c
	return nil
}

func (f *fakeEngine) SetShardLeader(ctx context.Context, database, collection, shard, leader string) error {
	c := f.databases[database][collection]
	s := c.Shards[shard]
	s.Leader = leader
	c.Shards[shard] = s
	f.databases[database][collection] = c
	return nil
}

func (f *fakeEngine) SetShardFollowers(ctx context.Context, database, collection, shard string, followers []string) error {
	c := f.databases[database][collection]
	s := c.Shards[shard]
	s.Followers = followers
	c.Shards[shard] = s
	f.databases[database][collection] = c
	return nil
}

func (f *fakeEngine) ShardDocumentCount(ctx context.Context, database, collection, shard string) (uint64, error) {
	return f.databases[database][collection].Shards[shard].DocCount, nil
}

func (f *fakeEngine) RecalculateCounts(ctx context.Context, database, collection, shard string) (uint64, error) {
	return f.databases[database][collection].Shards[shard].DocCount, nil
}

// fakeStore serves a fixed plan and current, enough for SynchronizeShard's
// stage 0 gate to let an attempt through.
type fakeStore struct {
	plan    agreement.Plan
	current agreement.Current
}

func (s *fakeStore) ReadPlan(ctx context.Context, databases []string) (agreement.Plan, error) {
	return s.plan, nil
}
func (s *fakeStore) ReadCurrent(ctx context.Context, databases []string) (agreement.Current, error) {
	return s.current, nil
}
func (s *fakeStore) ReadTarget(ctx context.Context, jobID string) (map[string]any, bool, error) {
	return nil, false, nil
}
func (s *fakeStore) Apply(ctx context.Context, tx agreement.Transaction) error { return nil }

func newDesc(params map[string]string, props action.Properties, priority int) action.Description {
	return action.NewDescription(params, props, priority, false)
}

func TestCreateDatabase(t *testing.T) {
	eng := newFakeEngine()
	f, err := NewFactory(Deps{Local: eng, Feature: feature.New()})(newDesc(map[string]string{
		action.KeyName:     string(action.KindCreateDatabase),
		action.KeyDatabase: "d1",
	}, nil, action.PriorityNormal))
	require.NoError(t, err)

	a := action.NewAction(newDesc(map[string]string{action.KeyDatabase: "d1"}, nil, action.PriorityNormal), f)
	more, err := f.First(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, more)

	ok, err := eng.HasDatabase(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateCollectionSeedsFullShardSet(t *testing.T) {
	eng := newFakeEngine()
	eng.CreateDatabase(context.Background(), "d1")
	fac := NewFactory(Deps{Local: eng, Feature: feature.New()})

	desc := newDesc(map[string]string{
		action.KeyName:       string(action.KindCreateCollection),
		action.KeyDatabase:   "d1",
		action.KeyCollection: "c1",
	}, action.Properties{
		"properties": map[string]any{"waitForSync": true},
		"shards":     []string{"s01", "s02"},
	}, action.PriorityLeader)

	impl, err := fac(desc)
	require.NoError(t, err)
	a := action.NewAction(desc, impl)

	more, err := impl.First(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, more)

	colls, _ := eng.Collections(context.Background(), "d1")
	require.Contains(t, colls, "c1")
	assert.Len(t, colls["c1"].Shards, 2)
	assert.Equal(t, true, colls["c1"].Properties["waitForSync"])
}

func TestEnsureIndexThenDropIndex(t *testing.T) {
	eng := newFakeEngine()
	eng.CreateDatabase(context.Background(), "d1")
	eng.CreateCollection(context.Background(), "d1", "c1", nil, []string{"s01"})
	feat := feature.New()
	fac := NewFactory(Deps{Local: eng, Feature: feat})

	ensureDesc := newDesc(map[string]string{
		action.KeyName:       string(action.KindEnsureIndex),
		action.KeyDatabase:   "d1",
		action.KeyCollection: "c1",
		action.KeyShard:      "s01",
	}, action.Properties{"indexId": "idx1", "index": map[string]any{"type": "hash"}}, action.PriorityIndex)

	impl, err := fac(ensureDesc)
	require.NoError(t, err)
	a := action.NewAction(ensureDesc, impl)
	more, err := impl.First(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, more)

	colls, _ := eng.Collections(context.Background(), "d1")
	assert.Equal(t, []string{"idx1"}, colls["c1"].Shards["s01"].Indexes)

	dropDesc := newDesc(map[string]string{
		action.KeyName:       string(action.KindDropIndex),
		action.KeyDatabase:   "d1",
		action.KeyCollection: "c1",
		action.KeyShard:      "s01",
	}, action.Properties{"indexId": "idx1"}, action.PriorityIndex)

	impl, err = fac(dropDesc)
	require.NoError(t, err)
	a = action.NewAction(dropDesc, impl)
	more, err = impl.First(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, more)

	colls, _ = eng.Collections(context.Background(), "d1")
	assert.Empty(t, colls["c1"].Shards["s01"].Indexes)
}

func TestResignShardLeadershipClearsLocalLeader(t *testing.T) {
	eng := newFakeEngine()
	eng.CreateDatabase(context.Background(), "d1")
	eng.CreateCollection(context.Background(), "d1", "c1", nil, []string{"s01"})
	eng.SetShardLeader(context.Background(), "d1", "c1", "s01", "PRMR-self")
	feat := feature.New()
	fac := NewFactory(Deps{Local: eng, Feature: feat})

	desc := newDesc(map[string]string{
		action.KeyName:       string(action.KindResignShardLeadership),
		action.KeyDatabase:   "d1",
		action.KeyCollection: "c1",
		action.KeyShard:      "s01",
	}, nil, action.PriorityResign)

	impl, err := fac(desc)
	require.NoError(t, err)
	a := action.NewAction(desc, impl)

	more, err := impl.First(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, more)

	colls, _ := eng.Collections(context.Background(), "d1")
	assert.Equal(t, localstore.LeaderUnknown, colls["c1"].Shards["s01"].Leader)
	// the action releases the shard lock on completion, since the lock()
	// helper only held it for the duration of First().
	assert.NotContains(t, feat.GetShardLocks(), "s01")
}

func TestSynchronizeShardReschedulesAtSlowOpOnSizeGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(replication.CollectionCountResponse{Count: 50000})
	}))
	defer srv.Close()

	eng := newFakeEngine()
	eng.CreateDatabase(context.Background(), "d1")
	eng.CreateCollection(context.Background(), "d1", "c1", nil, []string{"s01"})
	feat := feature.New()
	store := &fakeStore{
		plan: agreement.Plan{Databases: map[string]agreement.DatabasePlan{
			"d1": {Collections: map[string]agreement.CollectionPlan{
				"c1": {Shards: map[string][]string{"s01": {"PRMR-leader", "PRMR-self"}}},
			}},
		}},
		current: agreement.Current{Databases: map[string]agreement.DatabaseCurrent{
			"d1": {Shards: map[string]agreement.ShardCurrent{
				"c1/s01": {Servers: []string{"PRMR-leader"}},
			}},
		}},
	}

	deps := Deps{
		Local:        eng,
		Feature:      feat,
		Store:        store,
		Dial:         func(leader string) *replication.Client { return replication.NewClient(srv.URL, "d1", time.Second) },
		ShuttingDown: func() bool { return false },
	}

	desc := newDesc(map[string]string{
		action.KeyName:       string(action.KindSynchronizeShard),
		action.KeyDatabase:   "d1",
		action.KeyCollection: "c1",
		action.KeyShard:      "s01",
		action.KeyTheLeader:  "PRMR-leader",
		action.KeyServerID:   "PRMR-self",
	}, nil, action.PriorityFollower)

	impl, err := NewFactory(deps)(desc)
	require.NoError(t, err)
	a := action.NewAction(desc, impl)

	_, err = impl.First(context.Background(), a)
	require.Error(t, err)

	rescheduled, ok := feat.FindByHash(desc.Hash())
	require.True(t, ok, "size gate must re-enqueue a slow-op copy of the action")
	assert.Equal(t, action.PrioritySlowOp, rescheduled.Priority())
}

func TestFactoryRejectsUnknownKind(t *testing.T) {
	_, err := NewFactory(Deps{})(newDesc(map[string]string{action.KeyName: "NotARealKind"}, nil, action.PriorityNormal))
	assert.Error(t, err)
}
