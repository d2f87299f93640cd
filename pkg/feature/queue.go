package feature

import (
	"container/heap"

	"github.com/dbkeeper/dbkeeper/pkg/action"
)

// actionHeap is a container/heap.Interface over *action.Action ordered by
// action.Less (fastTrack first, then priority, then FIFO by id).
type actionHeap []*action.Action

func (h actionHeap) Len() int            { return len(h) }
func (h actionHeap) Less(i, j int) bool  { return action.Less(h[i], h[j]) }
func (h actionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *actionHeap) Push(x any)         { *h = append(*h, x.(*action.Action)) }
func (h *actionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// readyQueue is a priority queue of READY actions plus an O(1) by-hash index
// for duplicate suppression, mirroring the two data structures the
// maintenance feature keeps side by side (the action list and a hash map).
type readyQueue struct {
	h      actionHeap
	byHash map[uint64]*action.Action
}

func newReadyQueue() *readyQueue {
	return &readyQueue{byHash: make(map[uint64]*action.Action)}
}

// Find returns the still-registered action with this hash, if any, whether
// it is done or not (spec 4.2's findFirstNotDoneAction / duplicate check).
func (q *readyQueue) Find(hash uint64) (*action.Action, bool) {
	a, ok := q.byHash[hash]
	return a, ok
}

// Push registers a new action and, if it is READY, makes it eligible for
// FindReady.
func (q *readyQueue) Push(a *action.Action) {
	q.byHash[a.Hash()] = a
	if a.GetState() == action.StateReady {
		heap.Push(&q.h, a)
	}
}

// Requeue re-inserts an action already in byHash back into the heap, e.g.
// after WAITINGPRE resolves back to READY.
func (q *readyQueue) Requeue(a *action.Action) {
	heap.Push(&q.h, a)
}

// PopReady removes and returns the highest-priority action matching every
// label in required, skipping over (but not removing) actions that don't
// match. excludeSlowOp skips SLOW_OP-priority actions too, so the worker
// reserved against slow-op starvation (spec section 4.4) never picks one up.
// Returns nil if none match.
func (q *readyQueue) PopReady(required map[string]struct{}, excludeSlowOp bool) *action.Action {
	var skipped []*action.Action
	var found *action.Action
	for q.h.Len() > 0 {
		a := heap.Pop(&q.h).(*action.Action)
		if a.GetState() != action.StateReady {
			continue // stale heap entry; state moved on without a removal
		}
		if excludeSlowOp && a.Priority() == action.PrioritySlowOp {
			skipped = append(skipped, a)
			continue
		}
		if a.Matches(required) {
			found = a
			break
		}
		skipped = append(skipped, a)
	}
	for _, a := range skipped {
		heap.Push(&q.h, a)
	}
	return found
}

// Remove drops an action from the by-hash index. Called on completion or
// administrative deletion; the heap entry (if any) is left to be skipped as
// stale by PopReady.
func (q *readyQueue) Remove(hash uint64) {
	delete(q.byHash, hash)
}

// Len reports the number of actions still tracked by hash (done or not).
func (q *readyQueue) Len() int {
	return len(q.byHash)
}

// All returns every tracked action, done or not, for snapshotting.
func (q *readyQueue) All() []*action.Action {
	out := make([]*action.Action, 0, len(q.byHash))
	for _, a := range q.byHash {
		out = append(out, a)
	}
	return out
}
