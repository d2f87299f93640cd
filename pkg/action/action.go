package action

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Impl is a concrete long-running operation driven by an Action: create or
// drop a collection, synchronize a shard, and so on. Implementations may
// call a.CreatePreAction / a.CreatePostAction while running.
//
// First/Next return (moreWork, err). Returning moreWork==true with err==nil
// means "call Next again"; moreWork==false means "this run is finished",
// with err (if any) becoming the Action's terminal Result.
type Impl interface {
	First(ctx context.Context, a *Action) (bool, error)
	Next(ctx context.Context, a *Action) (bool, error)
}

var nextID atomic.Uint64

// NewID allocates the next process-local monotonic action id.
func NewID() uint64 {
	return nextID.Add(1)
}

// Action is the owner of one Description and one Impl. It is
// the Go analogue of arangodb::maintenance::Action: a resumable state
// machine with pre/post dependencies (spec section 3/4.1).
type Action struct {
	mu sync.Mutex

	id       uint64
	desc     Description
	impl     Impl
	state    State
	progress uint64
	result   Result

	createdAt  time.Time
	startedAt  time.Time
	lastStatAt time.Time
	doneAt     time.Time

	pendingPre  *Description
	pendingPost *Description

	labels map[string]struct{}
}

// NewAction constructs an Action wrapping impl for desc, in state READY.
func NewAction(desc Description, impl Impl) *Action {
	labels := make(map[string]struct{})
	if desc.IsFastTrack() {
		labels[LabelFastTrack] = struct{}{}
	}
	return &Action{
		id:        NewID(),
		desc:      desc,
		impl:      impl,
		state:     StateReady,
		createdAt: time.Now(),
		labels:    labels,
	}
}

func (a *Action) ID() uint64            { return a.id }
func (a *Action) Hash() uint64          { return a.desc.Hash() }
func (a *Action) Description() Description { return a.desc }
func (a *Action) Priority() int         { return a.desc.Priority() }
func (a *Action) FastTrack() bool       { return a.desc.IsFastTrack() }

// GetState returns the current state under lock.
func (a *Action) GetState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetState forcibly transitions the action, e.g. for administrative
// deletion (DELETE /admin/actions/{id}) or GC.
func (a *Action) SetState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
	if s.IsDone() && a.doneAt.IsZero() {
		a.doneAt = time.Now()
	}
}

// Done reports whether the action has reached a terminal state.
func (a *Action) Done() bool {
	return a.GetState().IsDone()
}

// Result returns the action's terminal (or current) Result.
func (a *Action) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// SetResult stores the result; it does not by itself change state.
func (a *Action) SetResult(r Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result = r
}

// Progress returns the current progress counter.
func (a *Action) Progress() uint64 {
	return atomic.LoadUint64(&a.progress)
}

// StartStats marks the start of a First/Next tick.
func (a *Action) StartStats() {
	a.mu.Lock()
	if a.startedAt.IsZero() {
		a.startedAt = time.Now()
	}
	a.lastStatAt = time.Now()
	a.mu.Unlock()
}

// IncStats bumps the progress counter and the last-activity timestamp.
func (a *Action) IncStats() {
	atomic.AddUint64(&a.progress, 1)
	a.mu.Lock()
	a.lastStatAt = time.Now()
	a.mu.Unlock()
}

// EndStats finalizes timing stats; called once the action leaves EXECUTING.
func (a *Action) EndStats() {
	a.mu.Lock()
	if a.doneAt.IsZero() {
		a.doneAt = time.Now()
	}
	a.mu.Unlock()
}

func (a *Action) CreatedAt() time.Time { a.mu.Lock(); defer a.mu.Unlock(); return a.createdAt }
func (a *Action) StartedAt() time.Time { a.mu.Lock(); defer a.mu.Unlock(); return a.startedAt }
func (a *Action) LastStatAt() time.Time { a.mu.Lock(); defer a.mu.Unlock(); return a.lastStatAt }
func (a *Action) DoneAt() time.Time    { a.mu.Lock(); defer a.mu.Unlock(); return a.doneAt }

// CreatePreAction is called by an Impl (from within First/Next) to request
// that desc run to completion before this action resumes. The caller
// (Worker) observes pendingPre after First/Next returns and moves this
// action to WAITINGPRE.
func (a *Action) CreatePreAction(desc Description) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := desc.Clone()
	a.pendingPre = &cp
}

// CreatePostAction is called by an Impl to request that desc run
// independently once this action completes successfully.
func (a *Action) CreatePostAction(desc Description) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := desc.Clone()
	a.pendingPost = &cp
}

// TakePendingPre returns and clears any pre-action requested during the last
// First/Next call.
func (a *Action) TakePendingPre() *Description {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pendingPre
	a.pendingPre = nil
	return p
}

// TakePendingPost returns and clears any post-action requested during the
// last First/Next call (or at construction, for actions created directly in
// WAITINGPOST via Feature.PostAction).
func (a *Action) TakePendingPost() *Description {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pendingPost
	a.pendingPost = nil
	return p
}

// First runs the action's first tick. The caller must ensure the action is
// EXECUTING before calling.
func (a *Action) First(ctx context.Context) (bool, error) {
	return a.impl.First(ctx, a)
}

// Next resumes the action. The caller must ensure the action is EXECUTING.
func (a *Action) Next(ctx context.Context) (bool, error) {
	return a.impl.Next(ctx, a)
}

// Matches reports whether the action carries every label in required (the
// worker-label admission rule of spec section 4.2's findReadyAction).
func (a *Action) Matches(required map[string]struct{}) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for l := range required {
		if _, ok := a.labels[l]; !ok {
			return false
		}
	}
	return true
}

// Labels returns a copy of the action's labels.
func (a *Action) Labels() map[string]struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]struct{}, len(a.labels))
	for l := range a.labels {
		out[l] = struct{}{}
	}
	return out
}

// ToStructured renders the action for the admin REST surface / debug
// snapshot.
func (a *Action) ToStructured() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{
		"id":          a.id,
		"hash":        a.desc.Hash(),
		"state":       a.state.String(),
		"priority":    a.desc.Priority(),
		"progress":    atomic.LoadUint64(&a.progress),
		"result":      a.result.ErrorNumber,
		"message":     a.result.Message,
		"created":     a.createdAt,
		"started":     a.startedAt,
		"lastStat":    a.lastStatAt,
		"done":        a.doneAt,
		"description": a.desc.ToStructured(),
	}
}
