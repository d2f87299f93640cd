package feature

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbkeeper/dbkeeper/pkg/action"
)

type noopImpl struct{}

func (noopImpl) First(ctx context.Context, a *action.Action) (bool, error) { return false, nil }
func (noopImpl) Next(ctx context.Context, a *action.Action) (bool, error)  { return false, nil }

func TestAddActionDeduplicatesInFlight(t *testing.T) {
	f := New()
	desc := action.NewDescription(map[string]string{action.KeyName: "CreateCollection", action.KeyShard: "s01"}, nil, action.PriorityNormal, false)

	first := f.AddAction(desc, noopImpl{}, false)
	second := f.AddAction(desc, noopImpl{}, false)

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.queue.Len())
}

func TestAddActionRunEvenIfDuplicateAlwaysCreates(t *testing.T) {
	f := New()
	desc := action.NewDescription(map[string]string{action.KeyName: "CreateCollection", action.KeyShard: "s01"}, nil, action.PriorityNormal, true)

	first := f.AddAction(desc, noopImpl{}, false)
	second := f.AddAction(desc, noopImpl{}, false)

	assert.NotSame(t, first, second)
}

func TestFindReadyActionReturnsHighestPriority(t *testing.T) {
	f := New()
	lowPriority := action.NewDescription(map[string]string{action.KeyName: "EnsureIndex", action.KeyShard: "s01"}, nil, action.PrioritySlowOp, false)
	highPriority := action.NewDescription(map[string]string{action.KeyName: "ResignShardLeadership", action.KeyShard: "s02"}, nil, action.PriorityResign, false)

	f.AddAction(lowPriority, noopImpl{}, false)
	wantFirst := f.AddAction(highPriority, noopImpl{}, false)

	stop := make(chan struct{})
	got, ok := f.FindReadyAction(stop, nil, false)
	require.True(t, ok)
	assert.Same(t, wantFirst, got)
	assert.Equal(t, action.StateExecuting, got.GetState())
}

func TestFindReadyActionWakesOnNewWork(t *testing.T) {
	f := New()
	stop := make(chan struct{})

	resultCh := make(chan *action.Action, 1)
	go func() {
		a, ok := f.FindReadyAction(stop, nil, false)
		if ok {
			resultCh <- a
		}
	}()

	time.Sleep(10 * time.Millisecond)
	desc := action.NewDescription(map[string]string{action.KeyName: "DropIndex"}, nil, action.PriorityIndex, false)
	added := f.AddAction(desc, noopImpl{}, false)

	select {
	case got := <-resultCh:
		assert.Same(t, added, got)
	case <-time.After(2 * time.Second):
		t.Fatal("FindReadyAction did not wake on new work")
	}
}

func TestFindReadyActionStopsOnShutdown(t *testing.T) {
	f := New()
	stop := make(chan struct{})

	done := make(chan bool, 1)
	go func() {
		_, ok := f.FindReadyAction(stop, nil, false)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	f.BeginShutdown()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("FindReadyAction did not observe shutdown")
	}
}

func TestSweepRemovesOnlyDoneAndLingeredActions(t *testing.T) {
	f := New()
	f.SetLingerWindow(0) // lingered the instant it's done

	done := action.NewAction(action.NewDescription(map[string]string{action.KeyName: "DropIndex", action.KeyShard: "s01"}, nil, action.PriorityIndex, false), noopImpl{})
	done.SetState(action.StateComplete)
	f.queue.Push(done)

	stillRunning := action.NewAction(action.NewDescription(map[string]string{action.KeyName: "DropIndex", action.KeyShard: "s02"}, nil, action.PriorityIndex, false), noopImpl{})
	stillRunning.SetState(action.StateExecuting)
	f.queue.Push(stillRunning)

	removed := f.Sweep()
	assert.Equal(t, 1, removed)

	_, ok := f.FindByHash(done.Hash())
	assert.False(t, ok, "a done-and-lingered action must be removed from the registry")

	_, ok = f.FindByHash(stillRunning.Hash())
	assert.True(t, ok, "an in-flight action must never be swept")
}

func TestSweepLeavesRecentlyDoneActionsAlone(t *testing.T) {
	f := New()
	f.SetLingerWindow(time.Hour)

	done := action.NewAction(action.NewDescription(map[string]string{action.KeyName: "DropIndex", action.KeyShard: "s01"}, nil, action.PriorityIndex, false), noopImpl{})
	done.SetState(action.StateComplete)
	f.queue.Push(done)

	removed := f.Sweep()
	assert.Equal(t, 0, removed)
	_, ok := f.FindByHash(done.Hash())
	assert.True(t, ok)
}

func TestSetBlockWindowChangesDuplicateSuppression(t *testing.T) {
	f := New()
	f.SetBlockWindow(time.Hour)

	desc := action.NewDescription(map[string]string{action.KeyName: "CreateCollection", action.KeyShard: "s01"}, nil, action.PriorityNormal, false)
	first := f.AddAction(desc, noopImpl{}, false)
	first.SetState(action.StateComplete)

	second := f.AddAction(desc, noopImpl{}, false)
	assert.Same(t, first, second, "a long block window must keep suppressing duplicates of a just-done action")
}

func TestShardLocksExcludeOtherActions(t *testing.T) {
	f := New()
	assert.True(t, f.LockShard("s01", 1))
	assert.False(t, f.LockShard("s01", 2))
	f.UnlockShard("s01", 1)
	assert.True(t, f.LockShard("s01", 2))
}

func TestDirtyDatabasesTracking(t *testing.T) {
	f := New()
	f.AddDirty("db1")
	f.AddDirty("db2")
	assert.True(t, f.Dirty("db1"))

	f.SetDatabaseUniverse([]string{"db1", "db2"})
	picked := map[string]bool{}
	for i := 0; i < 10; i++ {
		for _, name := range f.PickRandomDirty(1) {
			picked[name] = true
		}
	}
	assert.Subset(t, []string{"db1", "db2"}, keysOf(picked))

	f.RemoveDirty("db1")
	assert.False(t, f.Dirty("db1"))
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestPauseBlocksFindReadyAction(t *testing.T) {
	f := New()
	f.Pause()

	desc := action.NewDescription(map[string]string{action.KeyName: "DropIndex"}, nil, action.PriorityIndex, false)
	f.AddAction(desc, noopImpl{}, false)

	stop := make(chan struct{})
	found := make(chan bool, 1)
	go func() {
		_, ok := f.FindReadyAction(stop, nil, false)
		found <- ok
	}()

	select {
	case <-found:
		t.Fatal("FindReadyAction returned while paused")
	case <-time.After(150 * time.Millisecond):
	}

	f.Proceed()
	select {
	case ok := <-found:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("FindReadyAction did not resume after Proceed")
	}
}
