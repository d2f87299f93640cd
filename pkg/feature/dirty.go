package feature

import (
	"math/rand"
	"sync"
)

// dirtyDatabases tracks which databases have pending Plan/Current changes
// not yet reconciled, and hands them out to phaseOne in randomized order so
// no single database can starve the others under sustained load (spec
// section 4.3, "pick a random dirty database").
type dirtyDatabases struct {
	mu       sync.Mutex
	set      map[string]struct{}
	universe []string // every known database name, set by the driver each cycle
	order    []string // shuffled snapshot of universe, refilled when exhausted
	cursor   int
}

func newDirtyDatabases() *dirtyDatabases {
	return &dirtyDatabases{set: make(map[string]struct{})}
}

// Add marks database as dirty. Idempotent.
func (d *dirtyDatabases) Add(database string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.set[database] = struct{}{}
}

// Remove clears database's dirty flag, e.g. once phaseOne has processed it
// with no outstanding diff.
func (d *dirtyDatabases) Remove(database string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.set, database)
}

// IsDirty reports whether database is currently marked dirty.
func (d *dirtyDatabases) IsDirty(database string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.set[database]
	return ok
}

// All returns a snapshot of every dirty database name.
func (d *dirtyDatabases) All() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.set))
	for name := range d.set {
		out = append(out, name)
	}
	return out
}

// SetUniverse replaces the known set of all database names, the source
// PickRandom cycles through to give every database a bounded revisit
// interval regardless of whether it is currently dirty. The driver calls
// this once per cycle from the latest plan/current snapshot.
func (d *dirtyDatabases) SetUniverse(names []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.universe = append(d.universe[:0], names...)
}

// PickRandom removes and returns up to n names from a shuffled permutation
// of the universe, refilling and reshuffling whenever it runs out. Unlike
// All, the names it returns need not be currently dirty: this is the "soft
// guarantee" queue that revisits every database at least once per sweep
// (spec section 4.7), not the dirty tracker itself.
func (d *dirtyDatabases) PickRandom(n int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n <= 0 || len(d.universe) == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for len(out) < n {
		if d.cursor >= len(d.order) {
			d.refillLocked()
			if len(d.order) == 0 {
				break
			}
		}
		out = append(out, d.order[d.cursor])
		d.cursor++
	}
	return out
}

func (d *dirtyDatabases) refillLocked() {
	d.order = append(d.order[:0], d.universe...)
	rand.Shuffle(len(d.order), func(i, j int) { d.order[i], d.order[j] = d.order[j], d.order[i] })
	d.cursor = 0
}
