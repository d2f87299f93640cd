package feature

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbkeeper/dbkeeper/pkg/action"
)

type idleImpl struct{}

func (idleImpl) First(ctx context.Context, a *action.Action) (bool, error) { return false, nil }
func (idleImpl) Next(ctx context.Context, a *action.Action) (bool, error)  { return false, nil }

func TestReadyQueuePopReadySkipsNonMatchingLabels(t *testing.T) {
	q := newReadyQueue()

	ft := action.NewAction(action.NewDescription(map[string]string{action.KeyName: "DropIndex", action.KeyFastTrackFlag: ""}, nil, action.PriorityIndex, false), idleImpl{})
	normal := action.NewAction(action.NewDescription(map[string]string{action.KeyName: "EnsureIndex", action.KeyShard: "s02"}, nil, action.PrioritySlowOp, false), idleImpl{})

	q.Push(ft)
	q.Push(normal)

	got := q.PopReady(map[string]struct{}{}, false)
	require.NotNil(t, got)
	assert.Same(t, ft, got, "a worker with no required labels takes the fastTrack action too")

	// The fastTrack worker skips the remaining non-fastTrack action without
	// removing it, so an ordinary worker still finds it.
	assert.Nil(t, q.PopReady(map[string]struct{}{action.LabelFastTrack: {}}, false))
	assert.Same(t, normal, q.PopReady(nil, false))
}

func TestReadyQueuePopReadySkipsStaleHeapEntries(t *testing.T) {
	q := newReadyQueue()
	a := action.NewAction(action.NewDescription(map[string]string{action.KeyName: "DropIndex"}, nil, action.PriorityIndex, false), idleImpl{})
	q.Push(a)

	a.SetState(action.StateExecuting) // simulate it already being picked up elsewhere

	got := q.PopReady(nil, false)
	assert.Nil(t, got)
}

func TestReadyQueuePopReadyExcludesSlowOp(t *testing.T) {
	q := newReadyQueue()
	slow := action.NewAction(action.NewDescription(map[string]string{action.KeyName: "SynchronizeShard", action.KeyShard: "s01"}, nil, action.PrioritySlowOp, false), idleImpl{})
	normal := action.NewAction(action.NewDescription(map[string]string{action.KeyName: "EnsureIndex", action.KeyShard: "s02"}, nil, action.PriorityIndex, false), idleImpl{})

	q.Push(slow)
	q.Push(normal)

	got := q.PopReady(nil, true)
	require.NotNil(t, got)
	assert.Same(t, normal, got, "the higher-priority action comes first")

	// With only the slow-op action left, a slow-op-excluding worker gets nothing.
	assert.Nil(t, q.PopReady(nil, true))

	// slow is still there for a non-excluding worker.
	got2 := q.PopReady(nil, false)
	require.NotNil(t, got2)
	assert.Same(t, slow, got2)
}

func TestReadyQueueFindTracksDoneActions(t *testing.T) {
	q := newReadyQueue()
	a := action.NewAction(action.NewDescription(map[string]string{action.KeyName: "DropIndex"}, nil, action.PriorityIndex, false), idleImpl{})
	q.Push(a)
	a.SetState(action.StateComplete)

	found, ok := q.Find(a.Hash())
	require.True(t, ok)
	assert.True(t, found.Done())

	q.Remove(a.Hash())
	_, ok = q.Find(a.Hash())
	assert.False(t, ok)
}
