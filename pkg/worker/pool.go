package worker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/feature"
	"github.com/dbkeeper/dbkeeper/pkg/log"
)

// Pool owns a fixed set of Workers sized by feature.WorkerCount, with
// exactly one worker reserved for fastTrack-labeled actions (spec section
// 4.2), mirroring MaintenanceFeature's worker-thread startup.
type Pool struct {
	log     zerolog.Logger
	feature *feature.Feature
	workers []*Worker

	wg sync.WaitGroup
}

// NewPool constructs a Pool of size workers (already clamped via
// feature.WorkerCount) bound to f, resolving pre/post-action descriptions
// through factory.
func NewPool(f *feature.Feature, size int, factory Factory) *Pool {
	if size < feature.MinWorkers {
		size = feature.MinWorkers
	}
	p := &Pool{
		log:     log.WithComponent("worker-pool"),
		feature: f,
	}
	for i := 0; i < size; i++ {
		var labels map[string]struct{}
		if i == 0 {
			labels = map[string]struct{}{action.LabelFastTrack: {}}
		}
		w := New(i, f, labels, factory)
		if i == 1 {
			// Reserved against SLOW_OP starvation (spec section 4.4); size is
			// clamped to at least feature.MinWorkers (3), so this worker
			// always exists and is distinct from the fastTrack worker above.
			w.ExcludeSlowOp()
		}
		p.workers = append(p.workers, w)
	}
	return p
}

// Start launches every worker's loop in its own goroutine.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("size", len(p.workers)).Msg("starting maintenance worker pool")
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// BeginShutdown signals the feature to stop handing out work, then waits
// for every worker to observe it and return.
func (p *Pool) BeginShutdown() {
	p.feature.BeginShutdown()
	for _, w := range p.workers {
		w.Stop()
	}
	p.wg.Wait()
	p.log.Info().Msg("maintenance worker pool stopped")
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int {
	return len(p.workers)
}
