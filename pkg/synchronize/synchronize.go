// Package synchronize implements the SynchronizeShard protocol (spec
// section 4.9): the multi-stage catch-up that turns this server into a
// correct, in-sync follower of a shard's leader, using an initial dump,
// lock-free WAL tailing, and a final tailing phase under an exclusive lock
// on the leader.
//
// Grounded on original_source/arangod/Cluster/SynchronizeShard.cpp stage by
// stage (gating, size gate/rebuild heuristic, initial dump, lock-free
// tailing, exclusive lock, following-term adoption, final tailing, follower
// registration, finalization). The WAL tailer and initial syncer are
// non-goals (spec section 1): Syncer and Tailer are injected interfaces
// standing in for the real replication log tailer.
package synchronize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/agreement"
	"github.com/dbkeeper/dbkeeper/pkg/localstore"
	"github.com/dbkeeper/dbkeeper/pkg/log"
	"github.com/dbkeeper/dbkeeper/pkg/replication"
)

// Protocol constants from spec section 4.9 / SPEC_FULL.md's "carried
// verbatim" note.
const (
	sizeGateThreshold         = 10000
	maxErrorsBeforeAutoRepair = 6 // K: tuned so the follower and leader rebuild in separate attempts
	tailingRounds             = 18
	tailingRoundTimeout       = 180 * time.Second
	tailingSoftFactor         = 0.6
	registrationWaitTimeout   = 600 * time.Second
	gatingPollInterval        = 200 * time.Millisecond
	lockTTLFactor             = 0.8
)

// Sentinel errors classifying terminal outcomes (spec section 7/8).
var (
	// ErrShuttingDown means the process shutdown flag was observed mid-attempt.
	ErrShuttingDown = errors.New("synchronize: shutting down")
	// ErrNotWanted means the plan no longer wants this server on this shard,
	// or its leader changed, or the collection/database vanished.
	ErrNotWanted = errors.New("synchronize: no longer wanted by plan")
	// ErrAlreadyInSync is returned (not an error to the caller) when stage 0
	// finds this server already listed in current with no forced resync.
	ErrAlreadyInSync = errors.New("synchronize: already in sync")
	// ErrAttemptTimeoutExceeded marks a sync-by-revision attempt that ran
	// past its deadline; excluded from the per-shard failure counter.
	ErrAttemptTimeoutExceeded = errors.New("synchronize: attempt timeout exceeded")
	// ErrSizeGateSlowOp signals the caller should reschedule this action at
	// SLOW_OP priority and retry (spec section 4.9 stage 1).
	ErrSizeGateSlowOp = errors.New("synchronize: document count gap exceeds size gate, rescheduled at slow-op priority")
)

// InitialSyncOptions parametrizes the initial dump (spec section 4.9 stage
// 2).
type InitialSyncOptions struct {
	Incremental              bool
	Shard                    string
	IncludeSystemCollections bool
	Cancel                   func() bool
}

// Syncer runs the initial (pre-tailing) dump from the leader. It is the
// non-goal "replication log tailer" collaborator for the dump phase.
type Syncer interface {
	Sync(ctx context.Context, opts InitialSyncOptions) (lastLogTick uint64, syncerID string, err error)
}

// Tailer tails the leader's WAL from a tick, either lock-free (Tail) or
// under the leader's exclusive lock up to a known upper bound (TailFinal).
// Non-goal collaborator, same rationale as Syncer.
type Tailer interface {
	Tail(ctx context.Context, fromTick uint64, softTimeout time.Duration, cancel func() bool) (newTick uint64, reachedEnd bool, err error)
	TailFinal(ctx context.Context, fromTick, upperBound uint64, cancel func() bool) (newTick uint64, err error)
}

// ErrorTracker is the subset of feature.ErrorRegistry's replication-error
// bucket SynchronizeShard reads and writes (spec section 4.9 stage 1/8).
type ErrorTracker interface {
	ReplicationErrorCount(database, shard string) int
	AppendReplicationError(database, shard string)
	ClearReplicationErrors(database, shard string)
}

// Deps bundles every external collaborator the protocol drives. Sleep is
// injectable so tests can run the protocol without real delays.
type Deps struct {
	Store  agreement.Store
	Local  localstore.Engine
	Leader *replication.Client
	Syncer Syncer
	Tailer Tailer
	Errors ErrorTracker

	// ShuttingDown reports whether the process-wide shutdown flag is set.
	ShuttingDown func() bool
	// Sleep stands in for time.Sleep; defaults to it if nil.
	Sleep func(time.Duration)
}

func (d Deps) sleep(dur time.Duration) {
	if d.Sleep != nil {
		d.Sleep(dur)
		return
	}
	time.Sleep(dur)
}

// Request is one SynchronizeShard attempt's parameters, validated at
// construction by the caller (action description preconditions, spec
// section 4.9 "Pre-conditions").
type Request struct {
	Database          string
	Collection        string
	Shard             string
	Leader            string
	ServerID          string
	RebootID          uint64
	ShardVersion      uint64
	ForcedResync      bool
	SyncByRevision    bool
	AutoRepairEnabled bool
	// Priority is the action's current priority (spec section 4.4). Once a
	// rescheduled attempt already runs at PrioritySlowOp, stage 1's size
	// gate must not trip again, or a SLOW_OP retry could never outrun its
	// own reschedule.
	Priority int
}

// Run drives the entire SynchronizeShard protocol to completion in one
// call, matching the spec's "no next()" contract: First() calls Run once
// and maps its outcome directly to the action's terminal Result.
func Run(ctx context.Context, deps Deps, req Request) error {
	l := log.WithShard(log.WithComponent("synchronize-shard"), req.Database, req.Collection, req.Shard)

	// Stage 0: gating.
	skip, err := gate(ctx, deps, req, l)
	if err != nil {
		return err
	}
	if skip {
		return ErrAlreadyInSync
	}

	// Stage 1: size gate and rebuild heuristic.
	if err := sizeGateAndRebuild(ctx, deps, req, l); err != nil {
		return err
	}

	var deadline time.Time
	hasDeadline := req.SyncByRevision
	if hasDeadline {
		deadline = time.Now().Add(time.Duration(float64(tailingRounds) * float64(tailingRoundTimeout) / tailingSoftFactor))
	}
	cancel := func() bool {
		if deps.ShuttingDown() {
			return true
		}
		if hasDeadline && time.Now().After(deadline) {
			return true
		}
		stillWanted, err := planStillWants(ctx, deps, req)
		return err == nil && !stillWanted
	}

	// Stage 2: initial dump, no read lock. Installs the rollback guard: if
	// the attempt fails anywhere before stage 7's follower registration
	// succeeds, the local leader is reset to "not yet known" so a future reconcile
	// reschedules SynchronizeShard from scratch (spec section 8 property 8).
	committed := false
	defer func() {
		if !committed {
			_ = deps.Local.SetShardLeader(ctx, req.Database, req.Collection, req.Shard, localstore.LeaderUnknown)
		}
	}()

	hadDocs, err := hasLocalDocuments(ctx, deps, req)
	if err != nil {
		return fmt.Errorf("synchronize: check local documents: %w", err)
	}
	if err := deps.Local.SetShardLeader(ctx, req.Database, req.Collection, req.Shard, localstore.LeaderUnknown); err != nil {
		return fmt.Errorf("synchronize: set follower state: %w", err)
	}

	lastTick, _, err := deps.Syncer.Sync(ctx, InitialSyncOptions{
		Incremental:              hadDocs,
		Shard:                    req.Shard,
		IncludeSystemCollections: true,
		Cancel:                   cancel,
	})
	if err != nil {
		return recordFailure(deps, req, fmt.Errorf("synchronize: initial dump: %w", err))
	}

	// Stage 3: lock-free tailing catch-up, up to tailingRounds rounds.
	for round := 0; round < tailingRounds; round++ {
		if cancel() {
			break
		}
		newTick, reachedEnd, err := deps.Tailer.Tail(ctx, lastTick, tailingRoundTimeout, cancel)
		if err != nil {
			return recordFailure(deps, req, fmt.Errorf("synchronize: lock-free tailing: %w", err))
		}
		lastTick = newTick
		if reachedEnd {
			break
		}
		// all rounds timing out is expected under heavy load; proceed to
		// stage 4 regardless once the loop exits.
	}

	if cancel() {
		if deps.ShuttingDown() {
			return ErrShuttingDown
		}
		if hasDeadline && time.Now().After(deadline) {
			return ErrAttemptTimeoutExceeded
		}
		return ErrNotWanted
	}

	// Stage 4: exclusive lock and final tailing.
	lockID, err := deps.Leader.AcquireReadLockID(ctx)
	if err != nil {
		return recordFailure(deps, req, fmt.Errorf("synchronize: acquire read-lock id: %w", err))
	}

	var timeout time.Duration
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	} else {
		timeout = tailingRoundTimeout
	}

	lockResp, err := deps.Leader.HoldReadLock(ctx, replication.HoldReadLockRequest{
		ID:                lockID,
		Collection:        req.Shard,
		TTL:               float64(timeout) * lockTTLFactor / float64(time.Second),
		ServerID:          req.ServerID,
		RebootID:          req.RebootID,
		DoSoftLockOnly:    false,
		WantFollowingTerm: true,
	})
	if err != nil {
		// Ambiguous network failure: issue a compensating DELETE and bail.
		_ = deps.Leader.ReleaseReadLock(ctx, lockID)
		return recordFailure(deps, req, fmt.Errorf("synchronize: hold read lock: %w", err))
	}

	lockHeld := true
	defer func() {
		if lockHeld {
			_ = deps.Leader.ReleaseReadLock(ctx, lockID)
		}
	}()

	// Stage 5: adopt the following term.
	followingLeader := fmt.Sprintf("%s_%d", req.Leader, lockResp.FollowingTermID)
	if err := deps.Local.SetShardLeader(ctx, req.Database, req.Collection, req.Shard, followingLeader); err != nil {
		return recordFailure(deps, req, fmt.Errorf("synchronize: adopt following term: %w", err))
	}

	// Stage 6: final catch-up under lock.
	if _, err := deps.Tailer.TailFinal(ctx, lastTick, lockResp.LastLogTick, cancel); err != nil {
		return recordFailure(deps, req, fmt.Errorf("synchronize: final tailing: %w", err))
	}

	// Stage 7: follower registration.
	count, err := deps.Local.ShardDocumentCount(ctx, req.Database, req.Collection, req.Shard)
	if err != nil {
		return recordFailure(deps, req, fmt.Errorf("synchronize: local document count: %w", err))
	}

	addErr := deps.Leader.AddFollower(ctx, replication.AddFollowerRequest{
		FollowerID: req.ServerID,
		Shard:      req.Shard,
		Checksum:   count,
		ServerID:   req.ServerID,
		ReadLockID: lockID,
		ClientInfo: uuid.NewString(),
	})
	if addErr != nil {
		if errors.Is(addErr, replication.WrongChecksum) {
			// Release immediately to unblock writes, then recount: the
			// mismatch is often just a stale cached count that recalculating
			// here already fixes, without ever bothering the leader.
			_ = deps.Leader.ReleaseReadLock(ctx, lockID)
			lockHeld = false

			oldCount := count
			newCount, rerr := deps.Local.RecalculateCounts(ctx, req.Database, req.Collection, req.Shard)
			if rerr != nil {
				return recordFailure(deps, req, fmt.Errorf("synchronize: recalculate local counts: %w", rerr))
			}
			if newCount == oldCount {
				// Recalculating locally changed nothing: last resort, ask
				// the leader to recompute its own count too.
				if lerr := deps.Leader.RebuildRevisionTree(ctx, req.Shard); lerr != nil {
					return recordFailure(deps, req, fmt.Errorf("synchronize: leader count recompute: %w", lerr))
				}
			}

			// Still fail here: we already released the lock, so the data on
			// the leader may have moved on; the next maintenance cycle retries.
			return recordFailure(deps, req, replication.WrongChecksum)
		}
		return recordFailure(deps, req, fmt.Errorf("synchronize: add follower: %w", addErr))
	}

	// Success: cancel the rollback guard.
	committed = true

	// Stage 8: finalization.
	deps.Errors.ClearReplicationErrors(req.Database, req.Shard)

	waitCtx, waitCancel := context.WithTimeout(ctx, registrationWaitTimeout)
	defer waitCancel()
	waitForCurrentVersionBump(waitCtx, deps)

	l.Info().Msg("shard synchronized")
	return nil
}

// recordFailure appends a replication-error timestamp unless err is the
// attempt-timeout sentinel, which is excluded from the per-shard failure
// counter (spec section 4.9 stage 8 / section 7).
func recordFailure(deps Deps, req Request, err error) error {
	if !errors.Is(err, ErrAttemptTimeoutExceeded) {
		deps.Errors.AppendReplicationError(req.Database, req.Shard)
	}
	return err
}

// gate implements stage 0: poll current/plan until this server should
// attempt to synchronize, or report that it should not (already in sync,
// or no longer wanted).
func gate(ctx context.Context, deps Deps, req Request, l zerolog.Logger) (skip bool, err error) {
	for {
		if deps.ShuttingDown() {
			return false, ErrShuttingDown
		}

		stillWanted, werr := planStillWants(ctx, deps, req)
		if werr != nil {
			return false, fmt.Errorf("synchronize: read plan: %w", werr)
		}
		if !stillWanted {
			return false, ErrNotWanted
		}

		cur, cerr := deps.Store.ReadCurrent(ctx, []string{req.Database})
		if cerr != nil {
			return false, fmt.Errorf("synchronize: read current: %w", cerr)
		}
		sc, ok := cur.Databases[req.Database].Shards[req.Collection+"/"+req.Shard]

		leaderIsFirst := ok && len(sc.Servers) > 0 && sc.Servers[0] == req.Leader
		weAreListed := ok && containsServer(sc.Servers, req.ServerID)

		if weAreListed {
			if req.ForcedResync {
				return false, nil
			}
			return true, nil // already done
		}
		if leaderIsFirst {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		deps.sleep(gatingPollInterval)
	}
}

func containsServer(servers []string, id string) bool {
	for _, s := range servers {
		if s == id {
			return true
		}
	}
	return false
}

// planStillWants reports whether the plan still wants this server as a
// follower of req.Leader on this shard, and that the collection/database
// still exist (spec section 4.9 stage 0 bail-out conditions, reused by
// every stage's cancellation predicate).
func planStillWants(ctx context.Context, deps Deps, req Request) (bool, error) {
	plan, err := deps.Store.ReadPlan(ctx, []string{req.Database})
	if err != nil {
		return false, err
	}
	dbPlan, ok := plan.Databases[req.Database]
	if !ok {
		return false, nil
	}
	collPlan, ok := dbPlan.Collections[req.Collection]
	if !ok {
		return false, nil
	}
	servers, ok := collPlan.Shards[req.Shard]
	if !ok || len(servers) == 0 {
		return false, nil
	}
	if servers[0] != req.Leader {
		return false, nil
	}
	return containsServer(servers, req.ServerID), nil
}

// sizeGateAndRebuild implements stage 1: abort to SLOW_OP if the document
// count gap is too large, and run the K/K+1-failure auto-repair heuristic.
func sizeGateAndRebuild(ctx context.Context, deps Deps, req Request, l zerolog.Logger) error {
	leaderCount, err := deps.Leader.CollectionCount(ctx, req.Shard)
	if err != nil {
		return fmt.Errorf("synchronize: leader document count: %w", err)
	}
	localCount, err := deps.Local.ShardDocumentCount(ctx, req.Database, req.Collection, req.Shard)
	if err != nil {
		return fmt.Errorf("synchronize: local document count: %w", err)
	}

	gap := int64(leaderCount) - int64(localCount)
	if gap < 0 {
		gap = -gap
	}
	// A slow-op attempt already paid the price of this gap once; re-tripping
	// the gate here would reschedule it at SLOW_OP forever instead of ever
	// letting it run (spec section 4.9 stage 1).
	if req.Priority != action.PrioritySlowOp && gap > sizeGateThreshold {
		return ErrSizeGateSlowOp
	}

	failures := deps.Errors.ReplicationErrorCount(req.Database, req.Shard)
	switch {
	case failures == maxErrorsBeforeAutoRepair && req.AutoRepairEnabled && req.SyncByRevision:
		// The attempt fails so the next one starts fresh; the follower's
		// revision tree is not rebuilt (localstore.Engine has no such call).
		return fmt.Errorf("synchronize: failing attempt after %d failures, follower revision tree not rebuilt", failures)
	case failures == maxErrorsBeforeAutoRepair+1:
		if rerr := deps.Leader.RebuildRevisionTree(ctx, req.Shard); rerr != nil {
			return fmt.Errorf("synchronize: leader revision tree rebuild: %w", rerr)
		}
		return fmt.Errorf("synchronize: leader revision tree rebuild requested after %d failures", failures)
	}

	if failures >= 4 {
		deps.sleep(backoff(failures))
	}
	return nil
}

// backoff computes the per-attempt delay of spec section 4.9 stage 1:
// min(15s, 2 + 0.1*n*(n+1)/2) seconds, carried verbatim from
// SynchronizeShard.cpp.
func backoff(n int) time.Duration {
	seconds := 2.0 + 0.1*float64(n)*float64(n+1)/2.0
	if seconds > 15.0 {
		seconds = 15.0
	}
	return time.Duration(seconds * float64(time.Second))
}

func hasLocalDocuments(ctx context.Context, deps Deps, req Request) (bool, error) {
	count, err := deps.Local.ShardDocumentCount(ctx, req.Database, req.Collection, req.Shard)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// waitForCurrentVersionBump blocks (bounded by ctx) until Current/Version
// advances past its value at call time, so a subsequent reader anywhere
// sees this attempt's effect (spec section 4.9 stage 8).
func waitForCurrentVersionBump(ctx context.Context, deps Deps) {
	before, err := deps.Store.ReadCurrent(ctx, nil)
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		cur, err := deps.Store.ReadCurrent(ctx, nil)
		if err == nil && cur.Version > before.Version {
			return
		}
		deps.sleep(50 * time.Millisecond)
	}
}
