package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingImpl completes after N ticks, incrementing progress each time.
type countingImpl struct {
	n      int
	failOn int
}

func (c *countingImpl) First(ctx context.Context, a *Action) (bool, error) {
	return c.tick(a, 0)
}

func (c *countingImpl) Next(ctx context.Context, a *Action) (bool, error) {
	return c.tick(a, int(a.Progress()))
}

func (c *countingImpl) tick(a *Action, i int) (bool, error) {
	if c.failOn > 0 && i+1 == c.failOn {
		return false, assert.AnError
	}
	a.IncStats()
	return int(a.Progress()) < c.n, nil
}

func TestActionRunsToCompletion(t *testing.T) {
	desc := NewDescription(map[string]string{KeyName: "Test"}, nil, PriorityNormal, false)
	a := NewAction(desc, &countingImpl{n: 100})
	a.SetState(StateExecuting)

	more, err := a.First(context.Background())
	require.NoError(t, err)
	for more {
		more, err = a.Next(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(100), a.Progress())
}

func TestActionFailureSetsResult(t *testing.T) {
	desc := NewDescription(map[string]string{KeyName: "Test"}, nil, PriorityNormal, false)
	a := NewAction(desc, &countingImpl{n: 5, failOn: 3})
	a.SetState(StateExecuting)

	more, err := a.First(context.Background())
	for more && err == nil {
		more, err = a.Next(context.Background())
	}
	require.Error(t, err)
	a.SetResult(Fail(ErrInternal, "%v", err))
	a.SetState(StateFailed)

	assert.True(t, a.Done())
	assert.False(t, a.Result().OK())
}

func TestMatchesRequiresAllLabels(t *testing.T) {
	desc := NewDescription(map[string]string{KeyName: "Test", KeyFastTrackFlag: ""}, nil, PriorityNormal, false)
	a := NewAction(desc, &countingImpl{n: 0})

	assert.True(t, a.Matches(map[string]struct{}{LabelFastTrack: {}}))
	assert.True(t, a.Matches(map[string]struct{}{}))
	assert.False(t, a.Matches(map[string]struct{}{"other": {}}))
}

func TestLessOrdersFastTrackThenPriorityThenID(t *testing.T) {
	mk := func(priority int, fastTrack bool) *Action {
		params := map[string]string{KeyName: "Test"}
		if fastTrack {
			params[KeyFastTrackFlag] = ""
		}
		return NewAction(NewDescription(params, nil, priority, false), &countingImpl{})
	}

	ft := mk(PriorityNormal, true)
	normal := mk(PriorityHigher, false)
	assert.True(t, Less(ft, normal), "fastTrack must outrank a higher-priority non-fastTrack action")

	low := mk(PriorityIndex, false)
	high := mk(PrioritySlowOp, false)
	// low has higher numeric priority than high (2 vs 0)
	assert.True(t, Less(low, high))

	first := mk(PriorityNormal, false)
	second := mk(PriorityNormal, false)
	// same label and priority: the earlier id comes first
	assert.True(t, Less(first, second))
	assert.False(t, Less(second, first))
}
