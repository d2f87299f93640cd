// Package worker implements the maintenance worker: the goroutine loop that
// repeatedly pulls a ready action from the maintenance feature and drives it
// to completion (spec section 4.2).
package worker

import (
	"context"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/feature"
	"github.com/dbkeeper/dbkeeper/pkg/log"
)

// sweepProbability is the chance (1 in N) that finishing an action triggers
// the opportunistic registry sweep (spec section 4.3's "with low
// probability, a worker under the write lock sweeps done && lingered
// actions out of the registry").
const sweepProbability = 50

// workerState is the FIND_ACTION/RUN_FIRST/RUN_NEXT/STOP loop state of
// MaintenanceWorker::run, ported one-for-one from the C++ enum.
type workerState int

const (
	stateStop workerState = iota
	stateFindAction
	stateRunFirst
	stateRunNext
)

// Factory builds the Impl that carries out desc's work. Pre- and
// post-actions created mid-run are described but not wired to an
// implementation, so the worker that observes them must look one up by kind
// (spec section 4.1); concrete kinds are registered by pkg/action/actions.
type Factory func(desc action.Description) (action.Impl, error)

// Worker repeatedly claims a READY action matching its label set and runs it
// to completion, then returns to FIND_ACTION. One worker in the pool always
// carries the fastTrack label exclusively (see Pool).
type Worker struct {
	id      int
	feature *feature.Feature
	labels  map[string]struct{}
	factory Factory
	log     zerolog.Logger

	// excludeSlowOp marks the one worker reserved against SLOW_OP
	// starvation (spec section 4.4): it never claims a slow-op action, so a
	// job stuck rescheduling itself at SLOW_OP can never monopolize every
	// worker. Set via ExcludeSlowOp, not New, to keep existing call sites
	// untouched.
	excludeSlowOp bool

	mu         sync.Mutex
	state      workerState
	cur        *action.Action
	lastResult action.Result

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Worker bound to feature, requiring every label in labels
// for an action to be eligible. A nil/empty labels set accepts every
// action, fastTrack ones included; a worker requiring the fastTrack label
// accepts only fastTrack actions (via Action.Matches). factory resolves
// pre/post-action descriptions created mid-run into their Impl.
func New(id int, f *feature.Feature, labels map[string]struct{}, factory Factory) *Worker {
	return &Worker{
		id:      id,
		feature: f,
		labels:  labels,
		factory: factory,
		log:     log.WithComponent("worker"),
		state:   stateFindAction,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// ExcludeSlowOp marks this worker as never claiming a SLOW_OP-priority
// action (spec section 4.4's starvation guard). Must be called before Run.
func (w *Worker) ExcludeSlowOp() {
	w.excludeSlowOp = true
}

// Result returns the result of the most recently completed action tick.
func (w *Worker) Result() action.Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastResult
}

// Stop requests the worker's loop to exit at its next state transition and
// blocks until it has. Safe to call multiple times.
func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

// Run executes the worker's state machine until Stop is called or the
// feature begins shutdown. Intended to be run in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)
	wlog := log.WithActionID(w.log, 0).With().Int("worker", w.id).Logger()

	state := stateFindAction
	for state != stateStop {
		switch state {
		case stateFindAction:
			state = w.findAction(wlog)
		case stateRunFirst:
			state = w.runFirst(ctx, wlog)
		case stateRunNext:
			state = w.runNext(ctx, wlog)
		}
	}
}

func (w *Worker) findAction(wlog zerolog.Logger) workerState {
	a, ok := w.feature.FindReadyAction(w.stopCh, w.labels, w.excludeSlowOp)
	if !ok {
		return stateStop
	}
	w.mu.Lock()
	w.cur = a
	w.mu.Unlock()
	wlog.Debug().Uint64("action_id", a.ID()).Str("kind", string(a.Description().Name())).Msg("claimed action")
	return stateRunFirst
}

func (w *Worker) runFirst(ctx context.Context, wlog zerolog.Logger) workerState {
	w.mu.Lock()
	a := w.cur
	w.mu.Unlock()

	a.StartStats()
	more, err := a.First(ctx)
	return w.nextState(a, more, err, wlog)
}

func (w *Worker) runNext(ctx context.Context, wlog zerolog.Logger) workerState {
	w.mu.Lock()
	a := w.cur
	w.mu.Unlock()

	more, err := a.Next(ctx)
	return w.nextState(a, more, err, wlog)
}

// nextState applies the result of one First/Next tick: on error the action
// fails; on more==false it completes and any pending post-action is
// scheduled; on more==true it loops back into RUN_NEXT. A pending
// pre-action takes precedence over completion, moving the parent to
// WAITINGPRE and handing the pre-action to the feature: any worker (this one
// included, once it returns to FIND_ACTION) may pick it up and drive it, and
// whichever one finishes it resolves the parent via ResolveIfPreAction
// below (spec 4.1's WAITINGPRE transition). A dedicated wait here would
// deadlock a single-worker pool against its own pre-action.
func (w *Worker) nextState(a *action.Action, more bool, err error, wlog zerolog.Logger) workerState {
	if pre := a.TakePendingPre(); pre != nil {
		impl, ferr := w.factory(*pre)
		if ferr != nil {
			a.SetResult(action.Fail(action.ErrInternal, "resolving pre-action: %v", ferr))
			a.SetState(action.StateFailed)
			return w.finish(a)
		}
		a.SetState(action.StateWaitingPre)
		w.feature.PreAction(a, *pre, impl)
		return w.finish(a)
	}

	a.IncStats()
	if err != nil {
		a.SetResult(action.Fail(action.ErrInternal, "%v", err))
		a.SetState(action.StateFailed)
		a.EndStats()
		w.mu.Lock()
		w.lastResult = a.Result()
		w.mu.Unlock()
		wlog.Warn().Uint64("action_id", a.ID()).Err(err).Msg("action failed")
		w.markDirt(a)
		w.feature.ResolveIfPreAction(a)
		return w.finish(a)
	}

	if more {
		return stateRunNext
	}

	a.SetResult(action.Ok)
	a.SetState(action.StateComplete)
	a.EndStats()
	w.mu.Lock()
	w.lastResult = a.Result()
	w.mu.Unlock()
	w.markDirt(a)

	if post := a.TakePendingPost(); post != nil {
		if impl, ferr := w.factory(*post); ferr == nil {
			w.feature.PostAction(*post, impl)
		} else {
			wlog.Warn().Err(ferr).Msg("resolving post-action")
		}
	}
	w.feature.ResolveIfPreAction(a)
	return w.finish(a)
}

// markDirt applies spec section 4.8: a just-completed or just-failed action
// re-dirties its database so the driver's next cycle observes the result,
// and a successful shard-bearing action bumps that shard's version to
// invalidate any in-flight replication from the prior epoch.
func (w *Worker) markDirt(a *action.Action) {
	desc := a.Description()
	if db, ok := desc.Get(action.KeyDatabase); ok && db != "" {
		w.feature.AddDirty(db)
	}
	if a.Result().OK() {
		if shard, ok := desc.Get(action.KeyShard); ok && shard != "" {
			w.feature.IncShardVersion(shard)
		}
	}
}

func (w *Worker) finish(a *action.Action) workerState {
	w.mu.Lock()
	w.cur = nil
	w.mu.Unlock()

	if rand.Intn(sweepProbability) == 0 {
		w.feature.Sweep()
	}

	select {
	case <-w.stopCh:
		return stateStop
	default:
		return stateFindAction
	}
}
