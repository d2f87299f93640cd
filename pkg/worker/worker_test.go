package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/feature"
)

// oneShotImpl completes immediately, optionally creating a pre-action first.
type oneShotImpl struct {
	preOnce *action.Description
	fail    bool
}

func (o *oneShotImpl) First(ctx context.Context, a *action.Action) (bool, error) {
	if o.preOnce != nil {
		pre := *o.preOnce
		o.preOnce = nil
		a.CreatePreAction(pre)
		return false, nil
	}
	if o.fail {
		return false, assert.AnError
	}
	return false, nil
}

func (o *oneShotImpl) Next(ctx context.Context, a *action.Action) (bool, error) {
	return false, nil
}

func factoryFor(impl action.Impl) Factory {
	return func(desc action.Description) (action.Impl, error) {
		return impl, nil
	}
}

func TestWorkerRunsActionToCompletion(t *testing.T) {
	f := feature.New()
	desc := action.NewDescription(map[string]string{action.KeyName: "DropIndex"}, nil, action.PriorityIndex, false)
	added := f.AddAction(desc, &oneShotImpl{}, false)

	w := New(0, f, nil, factoryFor(&oneShotImpl{}))
	go w.Run(context.Background())

	require.Eventually(t, added.Done, 2*time.Second, 5*time.Millisecond)
	assert.True(t, added.Result().OK())

	w.Stop()
}

func TestWorkerRunsPreActionBeforeResuming(t *testing.T) {
	f := feature.New()
	preDesc := action.NewDescription(map[string]string{action.KeyName: "CreateCollection", action.KeyShard: "s01"}, nil, action.PriorityNormal, false)
	parentImpl := &oneShotImpl{preOnce: &preDesc}
	parentDesc := action.NewDescription(map[string]string{action.KeyName: "EnsureIndex", action.KeyShard: "s01"}, nil, action.PriorityIndex, false)
	parent := f.AddAction(parentDesc, parentImpl, false)

	w := New(0, f, nil, factoryFor(&oneShotImpl{}))
	go w.Run(context.Background())

	require.Eventually(t, parent.Done, 2*time.Second, 5*time.Millisecond)
	assert.True(t, parent.Result().OK())

	w.Stop()
}

func TestPoolReservesOneFastTrackWorker(t *testing.T) {
	f := feature.New()
	p := NewPool(f, 3, factoryFor(&oneShotImpl{}))
	assert.Equal(t, 3, p.Size())

	fastTrackWorkers := 0
	for _, w := range p.workers {
		if _, ok := w.labels[action.LabelFastTrack]; ok {
			fastTrackWorkers++
		}
	}
	assert.Equal(t, 1, fastTrackWorkers)
}

func TestPoolStartAndShutdown(t *testing.T) {
	f := feature.New()
	p := NewPool(f, 3, factoryFor(&oneShotImpl{}))
	p.Start(context.Background())

	desc := action.NewDescription(map[string]string{action.KeyName: "DropIndex"}, nil, action.PriorityIndex, false)
	added := f.AddAction(desc, &oneShotImpl{}, false)

	require.Eventually(t, added.Done, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.BeginShutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not shut down")
	}
}
