// Package feature implements the maintenance feature: the in-memory
// bookkeeping structures a DB server's maintenance subsystem needs to turn
// plan/current diffs into a stream of executable actions, shared by every
// maintenance worker in the pool (spec section 3/4).
package feature

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/log"
)

const (
	// MinWorkers and MaxWorkers bound the worker pool size computed from
	// the host's CPU count (spec section 4.2: clamp(cores/4+1, 3, 64)).
	MinWorkers = 3
	MaxWorkers = 64

	// findReadyPollInterval is how long FindReadyAction waits on new work
	// before re-checking shutdown, when not woken by a broadcast.
	findReadyPollInterval = 100 * time.Millisecond

	// defaultActionsBlockSeconds and defaultActionsLingerSeconds match
	// config.RegisterFlags' defaults (maintenance-actions-block,
	// maintenance-actions-linger), used until SetBlockWindow/SetLingerWindow
	// are called with the resolved configuration.
	defaultActionsBlockSeconds  = 2
	defaultActionsLingerSeconds = 3600
)

// Feature is the maintenance feature: one instance per DB server process,
// owning the ready queue, shard locks, shard versions, dirty-database
// tracker and the four error buckets. It is safe for concurrent use by the
// worker pool, the reconcile loop, and the admin REST surface.
type Feature struct {
	log zerolog.Logger

	cond sync.Cond
	mu   sync.Mutex

	queue   *readyQueue
	shards  *shardLocks
	version *shardVersions
	dirty   *dirtyDatabases
	errors  *ErrorRegistry

	preParents map[uint64]*action.Action // pre-action id -> action waiting on it

	// blockWindow is how long a just-done action keeps blocking a duplicate
	// AddAction call for the same hash (maintenance-actions-block);
	// lingerWindow is how long a done action stays registered before Sweep
	// will remove it (maintenance-actions-linger). Both default to
	// config.RegisterFlags' defaults until set explicitly.
	blockWindow  time.Duration
	lingerWindow time.Duration

	paused       bool
	shuttingDown bool
}

// New constructs an empty Feature.
func New() *Feature {
	f := &Feature{
		log:          log.WithComponent("feature"),
		queue:        newReadyQueue(),
		shards:       newShardLocks(),
		version:      newShardVersions(),
		dirty:        newDirtyDatabases(),
		errors:       NewErrorRegistry(),
		preParents:   make(map[uint64]*action.Action),
		blockWindow:  defaultActionsBlockSeconds * time.Second,
		lingerWindow: defaultActionsLingerSeconds * time.Second,
	}
	f.cond.L = &f.mu
	return f
}

// SetBlockWindow overrides the duplicate-block window, driven by
// config.Config.MaintenanceActionsBlock.
func (f *Feature) SetBlockWindow(d time.Duration) {
	f.mu.Lock()
	f.blockWindow = d
	f.mu.Unlock()
}

// SetLingerWindow overrides the registry linger window Sweep enforces,
// driven by config.Config.MaintenanceActionsLinger.
func (f *Feature) SetLingerWindow(d time.Duration) {
	f.mu.Lock()
	f.lingerWindow = d
	f.mu.Unlock()
}

// Errors exposes the four-bucket error registry to callers (reconcile/report
// pipelines, admin REST surface) that need direct bucket access.
func (f *Feature) Errors() *ErrorRegistry { return f.errors }

// FindByHash returns the registered action with this parameter hash, if
// any, whether done or not. The admin REST surface uses it ahead of
// AddAction to report PUT /admin/actions duplicates as BAD_REQUEST instead
// of silently returning 200 for an action nothing new was created for.
func (f *Feature) FindByHash(hash uint64) (*action.Action, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Find(hash)
}

// AddAction registers desc as a new action, unless an action with the same
// hash is already registered and not yet done (or is done but still within
// its block window), in which case AddAction returns the existing action
// instead of creating a duplicate (spec section 4.2). executeNow does not
// change labels or run the action inline: the action is queued like any
// other and carries fastTrack only if desc does.
func (f *Feature) AddAction(desc action.Description, impl action.Impl, executeNow bool) *action.Action {
	f.mu.Lock()
	defer f.mu.Unlock()

	hash := desc.Hash()
	if existing, ok := f.queue.Find(hash); ok {
		if !desc.IsRunEvenIfDuplicate() && f.blocksDuplicateLocked(existing) {
			return existing
		}
	}

	if executeNow {
		desc = desc.Clone()
	}
	a := action.NewAction(desc, impl)
	f.queue.Push(a)
	f.cond.Broadcast()
	return a
}

func (f *Feature) blocksDuplicateLocked(existing *action.Action) bool {
	if !existing.Done() {
		return true
	}
	return time.Since(existing.DoneAt()) < f.blockWindow
}

// Sweep removes every done action whose linger window has elapsed from the
// registry under the write lock (spec section 4.3's opportunistic GC,
// section 8 property 5). The caller decides when to invoke it; worker.Worker
// calls it with low probability after finishing an action, per the spec's
// "with low probability, a worker under the write lock sweeps" wording.
func (f *Feature) Sweep() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for _, a := range f.queue.All() {
		if a.Done() && time.Since(a.DoneAt()) >= f.lingerWindow {
			f.queue.Remove(a.Hash())
			removed++
		}
	}
	return removed
}

// PreAction registers desc as a dependency that must run to completion
// before parent (currently WAITINGPRE) can resume. Admission follows
// AddAction's duplicate-suppression rule. Any worker is free to pick up the
// returned action; whichever one drives it to completion is responsible for
// calling ResolveIfPreAction, which every worker does after finishing any
// action, so parent never needs a dedicated watcher.
func (f *Feature) PreAction(parent *action.Action, desc action.Description, impl action.Impl) *action.Action {
	a := f.AddAction(desc, impl, false)
	f.mu.Lock()
	f.preParents[a.ID()] = parent
	f.mu.Unlock()
	return a
}

// PostAction registers desc to run independently once the current action
// completes; same admission rule as AddAction.
func (f *Feature) PostAction(desc action.Description, impl action.Impl) *action.Action {
	return f.AddAction(desc, impl, false)
}

// ResolveIfPreAction checks whether the just-finished action a was
// registered as someone's pre-action and, if so, resolves the parent: on
// success the parent returns to READY; on failure the parent fails with the
// pre-action's result (spec section 4.1's WAITINGPRE transition). A no-op
// for actions that are not anyone's pre-action.
func (f *Feature) ResolveIfPreAction(a *action.Action) {
	f.mu.Lock()
	parent, ok := f.preParents[a.ID()]
	if ok {
		delete(f.preParents, a.ID())
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	if a.Result().OK() {
		f.Requeue(parent)
		return
	}
	parent.SetResult(action.Fail(action.ErrInternal, "pre-action %d failed: %s", a.ID(), a.Result().Message))
	parent.SetState(action.StateFailed)
	parent.EndStats()
}

// DeleteAction removes a done action from bookkeeping and reports true. It
// is a no-op returning false for actions still in flight. The admin REST
// DELETE handler does not use it.
func (f *Feature) DeleteAction(a *action.Action) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !a.Done() {
		return false
	}
	f.queue.Remove(a.Hash())
	return true
}

// FindReadyAction blocks until a READY action matching every label in
// required becomes available, the context/stop channel fires, or the
// feature begins shutdown (in which case it returns nil, false). Workers
// call this in FIND_ACTION state; "required" is empty for ordinary workers
// and {fastTrack} for the fastTrack worker (spec section 4.2/5.2).
// excludeSlowOp is set by the one worker reserved against SLOW_OP
// starvation (spec section 4.4): it never picks up a slow-op action.
func (f *Feature) FindReadyAction(stop <-chan struct{}, required map[string]struct{}, excludeSlowOp bool) (*action.Action, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if f.shuttingDown {
			return nil, false
		}
		if !f.paused {
			if a := f.queue.PopReady(required, excludeSlowOp); a != nil {
				a.SetState(action.StateExecuting)
				return a, true
			}
		}

		woke := make(chan struct{})
		go func() {
			select {
			case <-stop:
				f.mu.Lock()
				f.cond.Broadcast()
				f.mu.Unlock()
			case <-time.After(findReadyPollInterval):
				f.mu.Lock()
				f.cond.Broadcast()
				f.mu.Unlock()
			case <-woke:
			}
		}()
		f.cond.Wait()
		close(woke)

		select {
		case <-stop:
			return nil, false
		default:
		}
	}
}

// Requeue returns an action to READY and wakes any waiting worker, used
// after WAITINGPRE resolves or an action is explicitly retried.
func (f *Feature) Requeue(a *action.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.SetState(action.StateReady)
	f.queue.Requeue(a)
	f.cond.Broadcast()
}

// NotifyNewWork wakes every worker blocked in FindReadyAction without
// changing any action's state. AddAction already wakes workers itself.
func (f *Feature) NotifyNewWork() {
	f.mu.Lock()
	f.cond.Broadcast()
	f.mu.Unlock()
}

// BeginShutdown marks the feature as shutting down and wakes every blocked
// worker so they can observe it and exit FIND_ACTION.
func (f *Feature) BeginShutdown() {
	f.mu.Lock()
	f.shuttingDown = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// IsShuttingDown reports whether BeginShutdown has been called.
func (f *Feature) IsShuttingDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shuttingDown
}

// Pause stops FindReadyAction from handing out new work, without disturbing
// actions already EXECUTING. The admin REST surface has no pause endpoint.
func (f *Feature) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

// Proceed undoes Pause and wakes waiting workers.
func (f *Feature) Proceed() {
	f.mu.Lock()
	f.paused = false
	f.cond.Broadcast()
	f.mu.Unlock()
}

// IsPaused reports the current pause state.
func (f *Feature) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// LockShard attempts to take the named shard on behalf of actionID.
func (f *Feature) LockShard(shard string, actionID uint64) bool {
	return f.shards.TryLock(shard, actionID)
}

// UnlockShard releases the named shard if held by actionID.
func (f *Feature) UnlockShard(shard string, actionID uint64) {
	f.shards.Unlock(shard, actionID)
}

// GetShardLocks returns a snapshot of every held shard lock.
func (f *Feature) GetShardLocks() map[string]uint64 {
	return f.shards.Snapshot()
}

// AddDirty marks database as having an unreconciled plan/current diff.
func (f *Feature) AddDirty(database string) {
	f.dirty.Add(database)
}

// RemoveDirty clears database's dirty flag.
func (f *Feature) RemoveDirty(database string) {
	f.dirty.Remove(database)
}

// Dirty reports whether database is currently dirty.
func (f *Feature) Dirty(database string) bool {
	return f.dirty.IsDirty(database)
}

// DirtyDatabases returns every currently dirty database name.
func (f *Feature) DirtyDatabases() []string {
	return f.dirty.All()
}

// SetDatabaseUniverse records every database name currently known to the
// plan/current store, the source pickRandomDirty cycles through so stable
// databases are still revisited periodically (spec section 4.7).
func (f *Feature) SetDatabaseUniverse(names []string) {
	f.dirty.SetUniverse(names)
}

// PickRandomDirty returns up to n database names from the shuffled
// all-databases queue, independent of their current dirty state.
func (f *Feature) PickRandomDirty(n int) []string {
	return f.dirty.PickRandom(n)
}

// ShardVersion returns shard's current generation counter.
func (f *Feature) ShardVersion(shard string) uint64 {
	return f.version.Get(shard)
}

// IncShardVersion bumps and returns shard's generation counter.
func (f *Feature) IncShardVersion(shard string) uint64 {
	return f.version.Inc(shard)
}

// DelShardVersion removes shard's tracked generation counter entirely.
func (f *Feature) DelShardVersion(shard string) {
	f.version.Del(shard)
}

// Snapshot returns every action currently tracked (done or not), for the
// admin REST surface.
func (f *Feature) Snapshot() []*action.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.All()
}

// WorkerCount clamps a detected CPU count into the worker-pool sizing rule
// of spec section 4.2.
func WorkerCount(cpuCount int) int {
	n := cpuCount/4 + 1
	if n < MinWorkers {
		return MinWorkers
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}
