package synchronize

import (
	"context"
	"time"
)

// NoopSyncer is the Syncer collaborator cmd/dbkeeper wires in place of the
// real replication log's initial dump, which spec section 1 names as a
// non-goal: SynchronizeShard's gating/size-gate/tailing/follower-
// registration stages all still run, but the "copy every document from the
// leader" step itself is a no-op that reports caught up to tick 0.
type NoopSyncer struct{}

// Sync satisfies Syncer without performing any real data transfer.
func (NoopSyncer) Sync(ctx context.Context, opts InitialSyncOptions) (uint64, string, error) {
	return 0, "", nil
}

// ImmediateTailer is the Tailer collaborator cmd/dbkeeper wires in place of
// the real WAL tailer (spec section 1 non-goal). Both stages report
// already caught up: there is no actual operation log to drain, so the
// protocol proceeds straight through to follower registration.
type ImmediateTailer struct{}

// Tail satisfies Tailer's lock-free tailing stage.
func (ImmediateTailer) Tail(ctx context.Context, fromTick uint64, softTimeout time.Duration, cancel func() bool) (uint64, bool, error) {
	return fromTick, true, nil
}

// TailFinal satisfies Tailer's exclusive-lock final tailing stage.
func (ImmediateTailer) TailFinal(ctx context.Context, fromTick, upperBound uint64, cancel func() bool) (uint64, error) {
	return upperBound, nil
}
