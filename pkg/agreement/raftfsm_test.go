package agreement

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyTx(t *testing.T, f *raftFSM, tx Transaction) {
	t.Helper()
	data, err := json.Marshal(tx)
	require.NoError(t, err)
	resp := f.Apply(&raft.Log{Data: data})
	if err, ok := resp.(error); ok {
		require.NoError(t, err)
	}
}

func TestRaftFSMSetAndReadCurrent(t *testing.T) {
	f := newRaftFSM()
	applyTx(t, f, Transaction{Ops: []Op{
		{Kind: OpSet, Key: "d1/c1/s01", Value: ShardCurrent{Servers: []string{"PRMR-self"}}},
		{Kind: OpIncrement, Key: "_version"},
	}})

	cur := f.readCurrent(nil)
	assert.Equal(t, uint64(1), cur.Version)
	require.Contains(t, cur.Databases, "d1")
	assert.Equal(t, []string{"PRMR-self"}, cur.Databases["d1"].Shards["c1/s01"].Servers)
}

func TestRaftFSMDeleteRemovesShard(t *testing.T) {
	f := newRaftFSM()
	applyTx(t, f, Transaction{Ops: []Op{
		{Kind: OpSet, Key: "d1/c1/s01", Value: ShardCurrent{Servers: []string{"PRMR-self"}}},
	}})
	applyTx(t, f, Transaction{Ops: []Op{
		{Kind: OpDelete, Key: "d1/c1/s01"},
	}})

	cur := f.readCurrent([]string{"d1"})
	assert.NotContains(t, cur.Databases["d1"].Shards, "c1/s01")
}

func TestRaftFSMSetPlanCommand(t *testing.T) {
	f := newRaftFSM()
	data, err := json.Marshal(setPlanCommand{Database: "d1", Plan: DatabasePlan{Name: "d1"}})
	require.NoError(t, err)
	wrapped := mustWrapCommand(cmdSetPlan, data)
	resp := f.Apply(&raft.Log{Data: wrapped})
	assert.Nil(t, resp)

	plan := f.readPlan(nil)
	assert.Contains(t, plan.Databases, "d1")
}

func TestRaftFSMReadFiltersToRequestedDatabases(t *testing.T) {
	f := newRaftFSM()
	applyTx(t, f, Transaction{Ops: []Op{
		{Kind: OpSet, Key: "d1/c1/s01", Value: ShardCurrent{}},
		{Kind: OpSet, Key: "d2/c1/s01", Value: ShardCurrent{}},
	}})

	cur := f.readCurrent([]string{"d1"})
	assert.Contains(t, cur.Databases, "d1")
	assert.NotContains(t, cur.Databases, "d2")
}

func TestTransactionEmpty(t *testing.T) {
	assert.True(t, Transaction{Ops: []Op{{Kind: OpIncrement, Key: "_version"}}}.Empty())
	assert.False(t, Transaction{Ops: []Op{{Kind: OpSet, Key: "d1/c1/s01"}}}.Empty())
}
