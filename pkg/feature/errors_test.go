package feature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorRegistryDatabaseBucketFirstWins(t *testing.T) {
	r := NewErrorRegistry()
	require.NoError(t, r.StoreDatabaseError("db1", "boom"))
	err := r.StoreDatabaseError("db1", "boom again")
	assert.Error(t, err)

	b, ok := r.DatabaseError("db1")
	require.True(t, ok)
	assert.Equal(t, "boom", b.Message)

	r.RemoveDatabaseError("db1")
	_, ok = r.DatabaseError("db1")
	assert.False(t, ok)
}

func TestErrorRegistryShardBucket(t *testing.T) {
	r := NewErrorRegistry()
	require.NoError(t, r.StoreShardError("db1", "c1", "s01", "replica gone"))
	b, ok := r.ShardError("db1", "c1", "s01")
	require.True(t, ok)
	assert.Equal(t, "replica gone", b.Message)

	r.RemoveShardError("db1", "c1", "s01")
	_, ok = r.ShardError("db1", "c1", "s01")
	assert.False(t, ok)
}

func TestErrorRegistryIndexBucket(t *testing.T) {
	r := NewErrorRegistry()
	require.NoError(t, r.StoreIndexError("db1", "c1", "s01", "idx1", "build failed"))
	require.NoError(t, r.StoreIndexError("db1", "c1", "s01", "idx2", "build failed too"))

	errs := r.IndexErrors("db1", "c1", "s01")
	assert.Len(t, errs, 2)

	r.RemoveIndexErrors("db1", "c1", "s01", []string{"idx1"})
	errs = r.IndexErrors("db1", "c1", "s01")
	assert.Len(t, errs, 1)
	_, ok := errs["idx2"]
	assert.True(t, ok)
}

func TestErrorRegistryReplicationErrorsCapAndAgeOut(t *testing.T) {
	r := NewErrorRegistry()
	for i := 0; i < replicationErrorMaxPerShard+5; i++ {
		r.AppendReplicationError("db1", "s01")
	}
	assert.Equal(t, replicationErrorMaxPerShard, r.ReplicationErrorCount("db1", "s01"))

	r.ClearReplicationErrors("db1", "s01")
	assert.Equal(t, 0, r.ReplicationErrorCount("db1", "s01"))
}

func TestAgeOutDropsStaleEntries(t *testing.T) {
	now := time.Now()
	list := []time.Time{now.Add(-2 * time.Hour), now.Add(-time.Minute)}
	out := ageOut(list, now)
	assert.Len(t, out, 1)
}
