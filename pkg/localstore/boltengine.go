package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/dbkeeper/dbkeeper/pkg/log"
	"github.com/rs/zerolog"
)

// databasesBucket holds one key per database name, value a marshaled
// databaseRecord; this mirrors the teacher's bucket-per-entity layout
// (pkg/storage.BoltStore) but with one bucket total, since unlike Warren's
// flat node/service/task registries this engine's natural key is the
// database name and its value is itself a nested document.
var databasesBucket = []byte("databases")

type databaseRecord struct {
	Collections map[string]Collection
}

// BoltEngine is a BoltDB-backed reference Engine: one JSON document per
// database, read/modified/written back under BoltDB's own transaction
// locking, the same get-modify-put idiom as BoltStore.CreateNode/UpdateNode.
type BoltEngine struct {
	log zerolog.Logger
	db  *bolt.DB
}

// NewBoltEngine opens (creating if absent) a BoltDB file under dataDir.
func NewBoltEngine(dataDir string) (*BoltEngine, error) {
	path := filepath.Join(dataDir, "localstore.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(databasesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create local store bucket: %w", err)
	}
	return &BoltEngine{log: log.WithComponent("localstore"), db: db}, nil
}

// Close closes the underlying BoltDB file.
func (e *BoltEngine) Close() error {
	return e.db.Close()
}

func (e *BoltEngine) readDatabase(tx *bolt.Tx, database string) (databaseRecord, bool, error) {
	b := tx.Bucket(databasesBucket)
	data := b.Get([]byte(database))
	if data == nil {
		return databaseRecord{}, false, nil
	}
	var rec databaseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return databaseRecord{}, false, fmt.Errorf("decode database %q: %w", database, err)
	}
	return rec, true, nil
}

func (e *BoltEngine) writeDatabase(tx *bolt.Tx, database string, rec databaseRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(databasesBucket).Put([]byte(database), data)
}

func (e *BoltEngine) Collections(ctx context.Context, database string) (map[string]Collection, error) {
	out := make(map[string]Collection)
	err := e.db.View(func(tx *bolt.Tx) error {
		rec, ok, err := e.readDatabase(tx, database)
		if err != nil || !ok {
			return err
		}
		for name, c := range rec.Collections {
			out[name] = c
		}
		return nil
	})
	return out, err
}

func (e *BoltEngine) HasDatabase(ctx context.Context, database string) (bool, error) {
	var ok bool
	err := e.db.View(func(tx *bolt.Tx) error {
		var err error
		_, ok, err = e.readDatabase(tx, database)
		return err
	})
	return ok, err
}

func (e *BoltEngine) CreateDatabase(ctx context.Context, database string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		_, ok, err := e.readDatabase(tx, database)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		return e.writeDatabase(tx, database, databaseRecord{Collections: make(map[string]Collection)})
	})
}

func (e *BoltEngine) DropDatabase(ctx context.Context, database string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(databasesBucket).Delete([]byte(database))
	})
}

func (e *BoltEngine) CreateCollection(ctx context.Context, database, collection string, properties map[string]any, shards []string) error {
	return e.mutate(database, func(rec *databaseRecord) error {
		shardState := make(map[string]ShardState, len(shards))
		for _, s := range shards {
			shardState[s] = ShardState{Leader: LeaderUnknown}
		}
		rec.Collections[collection] = Collection{
			Name:       collection,
			Properties: properties,
			Shards:     shardState,
		}
		return nil
	})
}

func (e *BoltEngine) UpdateCollection(ctx context.Context, database, collection string, properties map[string]any) error {
	return e.mutate(database, func(rec *databaseRecord) error {
		c, ok := rec.Collections[collection]
		if !ok {
			return fmt.Errorf("collection %q not found in database %q", collection, database)
		}
		c.Properties = properties
		rec.Collections[collection] = c
		return nil
	})
}

func (e *BoltEngine) DropCollection(ctx context.Context, database, collection string) error {
	return e.mutate(database, func(rec *databaseRecord) error {
		delete(rec.Collections, collection)
		return nil
	})
}

func (e *BoltEngine) EnsureIndex(ctx context.Context, database, collection, shard string, idx Index) error {
	return e.mutateShard(database, collection, shard, func(s *ShardState) error {
		for i, existing := range s.Indexes {
			if existing == idx.ID {
				s.Indexes[i] = idx.ID
				return nil
			}
		}
		s.Indexes = append(s.Indexes, idx.ID)
		return nil
	})
}

func (e *BoltEngine) DropIndex(ctx context.Context, database, collection, shard, indexID string) error {
	return e.mutateShard(database, collection, shard, func(s *ShardState) error {
		out := s.Indexes[:0]
		for _, id := range s.Indexes {
			if id != indexID {
				out = append(out, id)
			}
		}
		s.Indexes = out
		return nil
	})
}

func (e *BoltEngine) SetShardLeader(ctx context.Context, database, collection, shard, leader string) error {
	return e.mutateShard(database, collection, shard, func(s *ShardState) error {
		s.Leader = leader
		return nil
	})
}

func (e *BoltEngine) SetShardFollowers(ctx context.Context, database, collection, shard string, followers []string) error {
	return e.mutateShard(database, collection, shard, func(s *ShardState) error {
		s.Followers = append([]string(nil), followers...)
		return nil
	})
}

func (e *BoltEngine) ShardDocumentCount(ctx context.Context, database, collection, shard string) (uint64, error) {
	var count uint64
	err := e.db.View(func(tx *bolt.Tx) error {
		rec, ok, err := e.readDatabase(tx, database)
		if err != nil || !ok {
			return err
		}
		c, ok := rec.Collections[collection]
		if !ok {
			return fmt.Errorf("collection %q not found in database %q", collection, database)
		}
		count = c.Shards[shard].DocCount
		return nil
	})
	return count, err
}

// RecalculateCounts re-derives shard's document count under the write lock,
// mirroring collectionReCount's recalculateCounts() call. This engine has no
// separate raw document store distinct from the cached DocCount field to
// recompute from, so the recount is the field's current value read back
// under mutateShard rather than ShardDocumentCount's read-only View, so a
// concurrent writer can't race the recount.
func (e *BoltEngine) RecalculateCounts(ctx context.Context, database, collection, shard string) (uint64, error) {
	var count uint64
	err := e.mutateShard(database, collection, shard, func(s *ShardState) error {
		count = s.DocCount
		return nil
	})
	return count, err
}

func (e *BoltEngine) mutate(database string, fn func(rec *databaseRecord) error) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		rec, ok, err := e.readDatabase(tx, database)
		if err != nil {
			return err
		}
		if !ok {
			rec = databaseRecord{Collections: make(map[string]Collection)}
		}
		if rec.Collections == nil {
			rec.Collections = make(map[string]Collection)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		return e.writeDatabase(tx, database, rec)
	})
}

func (e *BoltEngine) mutateShard(database, collection, shard string, fn func(s *ShardState) error) error {
	return e.mutate(database, func(rec *databaseRecord) error {
		c, ok := rec.Collections[collection]
		if !ok {
			return fmt.Errorf("collection %q not found in database %q", collection, database)
		}
		if c.Shards == nil {
			c.Shards = make(map[string]ShardState)
		}
		s := c.Shards[shard]
		if err := fn(&s); err != nil {
			return err
		}
		c.Shards[shard] = s
		rec.Collections[collection] = c
		return nil
	})
}
