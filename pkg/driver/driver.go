// Package driver implements the DBServer Sync Driver (spec section 4.7): a
// single-threaded loop that feeds the reconcile/report pipeline with fresh
// plan/local/current snapshots and turns phaseOne's output into registered
// actions, grounded on the teacher's pkg/reconciler.Reconciler's
// ticker-driven Start/Stop/run/reconcile shape.
package driver

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/agreement"
	"github.com/dbkeeper/dbkeeper/pkg/feature"
	"github.com/dbkeeper/dbkeeper/pkg/localstore"
	"github.com/dbkeeper/dbkeeper/pkg/log"
	"github.com/dbkeeper/dbkeeper/pkg/metrics"
	"github.com/dbkeeper/dbkeeper/pkg/reconcile"
	"github.com/dbkeeper/dbkeeper/pkg/report"
)

// phaseOneSlowThreshold and postPhaseOneSettle implement spec section 4.7
// step 7: a phaseOne cycle slower than this sleeps briefly before phaseTwo
// re-reads local, giving async work queued by freshly-registered actions a
// beat to land.
const (
	phaseOneSlowThreshold = 200 * time.Millisecond
	postPhaseOneSettle    = 100 * time.Millisecond

	// databasesPerRandomPick is the spec section 4.7 denominator: one
	// random database is folded into the working set per this many total
	// databases, each cycle.
	databasesPerRandomPick = 720
)

// Factory builds the action.Impl that will execute desc, resolved the same
// way worker.Factory is (pkg/action/actions.NewFactory).
type Factory func(desc action.Description) (action.Impl, error)

// Result is one heartbeat emitted after a driver iteration (spec section
// 4.7 step 9).
type Result struct {
	Success      bool
	PlanIndex    uint64
	CurrentIndex uint64
	Error        string
}

// Driver owns the reconcile/report loop for one DB server process.
type Driver struct {
	log      zerolog.Logger
	serverID string

	store   agreement.Store
	local   localstore.Engine
	feat    *feature.Feature
	factory Factory

	tickInterval time.Duration
	heartbeat    chan<- Result

	mu     sync.Mutex
	stopCh chan struct{}
}

// Config bundles Driver's construction-time collaborators.
type Config struct {
	ServerID     string
	Store        agreement.Store
	Local        localstore.Engine
	Feature      *feature.Feature
	Factory      Factory
	TickInterval time.Duration // defaults to 5s, matching spec section 4.7's "~5s"
	Heartbeat    chan<- Result
}

// New constructs a Driver from cfg.
func New(cfg Config) *Driver {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Driver{
		log:          log.WithComponent("driver"),
		serverID:     cfg.ServerID,
		store:        cfg.Store,
		local:        cfg.Local,
		feat:         cfg.Feature,
		factory:      cfg.Factory,
		tickInterval: interval,
		heartbeat:    cfg.Heartbeat,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the driver's loop in its own goroutine.
func (d *Driver) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop signals the loop to exit. Safe to call once.
func (d *Driver) Stop() {
	close(d.stopCh)
}

func (d *Driver) run(ctx context.Context) {
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	d.log.Info().Dur("interval", d.tickInterval).Msg("sync driver started")

	for {
		select {
		case <-ticker.C:
			if err := d.cycle(ctx); err != nil {
				d.log.Error().Err(err).Msg("driver cycle failed")
			}
		case <-ctx.Done():
			d.log.Info().Msg("sync driver stopped")
			return
		case <-d.stopCh:
			d.log.Info().Msg("sync driver stopped")
			return
		}
	}
}

// cycle runs one full phaseOne/phaseTwo iteration (spec section 4.7).
func (d *Driver) cycle(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	metrics.DriverCyclesTotal.Inc()

	working, err := d.workingSet(ctx)
	if err != nil {
		metrics.DriverCycleErrorsTotal.Inc()
		return err
	}
	metrics.DirtyDatabasesGauge.Set(float64(len(working)))
	if len(working) == 0 {
		return nil // step 2: short-circuit if nothing is dirty
	}

	// Step 3: shardLocks must be sampled before the matching local
	// snapshot (spec section 4.7's crucial ordering invariant).
	shardLocks := d.feat.GetShardLocks()
	plan, err := d.store.ReadPlan(ctx, working)
	if err != nil {
		metrics.DriverCycleErrorsTotal.Inc()
		return err
	}
	local, err := d.buildLocalSnapshot(ctx, working)
	if err != nil {
		metrics.DriverCycleErrorsTotal.Inc()
		return err
	}

	t1 := metrics.NewTimer()
	descs, changed := reconcile.Diff(reconcile.Input{
		ServerID:       d.serverID,
		Plan:           plan,
		Local:          local,
		DirtyDatabases: working,
		ShardLocks:     shardLocks,
		Versions:       d.feat,
	})
	t1.ObserveDuration(metrics.PhaseOneDuration)

	if changed {
		d.registerActions(descs)
	} else {
		d.clearDirt(working)
	}

	// Step 7: a slow phaseOne gets a short settle before phaseTwo re-reads
	// local, so async work queued by the actions just registered above has
	// a chance to land before we report on it.
	if t1.Duration() > phaseOneSlowThreshold {
		time.Sleep(postPhaseOneSettle)
	}

	return d.reportCycle(ctx, working, plan.Version)
}

// reportCycle implements spec section 4.7 step 8: re-sample shardLocks and
// local, fetch current, run phaseTwo, and apply the resulting transaction.
func (d *Driver) reportCycle(ctx context.Context, working []string, planIndex uint64) error {
	shardLocks := d.feat.GetShardLocks()
	local, err := d.buildLocalSnapshot(ctx, working)
	if err != nil {
		metrics.DriverCycleErrorsTotal.Inc()
		return err
	}
	current, err := d.store.ReadCurrent(ctx, working)
	if err != nil {
		metrics.DriverCycleErrorsTotal.Inc()
		return err
	}

	t2 := metrics.NewTimer()
	tx := report.Diff(report.Input{
		ServerID:   d.serverID,
		Local:      local,
		Current:    current,
		ShardLocks: shardLocks,
		ShardError: d.shardErrorMessage,
	})
	t2.ObserveDuration(metrics.PhaseTwoDuration)

	result := Result{Success: true, PlanIndex: planIndex, CurrentIndex: current.Version}
	if err := d.store.Apply(ctx, tx); err != nil {
		// spec section 4.6 step 4: a failed apply is logged at INFO and
		// retried next cycle, not treated as a hard driver failure.
		d.log.Info().Err(err).Msg("phaseTwo transaction apply failed, retrying next cycle")
		result = Result{Success: false, Error: err.Error()}
	}
	d.emit(result)
	return nil
}

// workingSet computes the dirty ∪ pickRandomDirty(ceil(total/720)) union
// (spec section 4.7 step 1), refreshing the Feature's database universe
// from the full plan first.
func (d *Driver) workingSet(ctx context.Context) ([]string, error) {
	all, err := d.store.ReadPlan(ctx, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all.Databases))
	for name := range all.Databases {
		names = append(names, name)
	}
	d.feat.SetDatabaseUniverse(names)

	n := int(math.Ceil(float64(len(names)) / databasesPerRandomPick))
	seen := make(map[string]struct{})
	var working []string
	for _, db := range d.feat.DirtyDatabases() {
		if _, ok := seen[db]; !ok {
			seen[db] = struct{}{}
			working = append(working, db)
		}
	}
	for _, db := range d.feat.PickRandomDirty(n) {
		if _, ok := seen[db]; !ok {
			seen[db] = struct{}{}
			working = append(working, db)
		}
	}
	return working, nil
}

// buildLocalSnapshot asks the storage engine for every database's locally
// present collections (spec section 4.7 step 5).
func (d *Driver) buildLocalSnapshot(ctx context.Context, databases []string) (map[string]map[string]localstore.Collection, error) {
	out := make(map[string]map[string]localstore.Collection, len(databases))
	for _, db := range databases {
		has, err := d.local.HasDatabase(ctx, db)
		if err != nil {
			return nil, err
		}
		if !has {
			continue
		}
		colls, err := d.local.Collections(ctx, db)
		if err != nil {
			return nil, err
		}
		out[db] = colls
	}
	return out, nil
}

// registerActions hands every phaseOne-produced description to the
// Feature's ready queue, resolving its Impl through Factory.
func (d *Driver) registerActions(descs []action.Description) {
	for _, desc := range descs {
		impl, err := d.factory(desc)
		if err != nil {
			d.log.Error().Err(err).Str("kind", string(desc.Name())).Msg("failed to build action impl")
			continue
		}
		metrics.ActionsRegisteredTotal.WithLabelValues(string(desc.Name())).Inc()
		d.feat.AddAction(desc, impl, false)
	}
}

// clearDirt drops every database in working from the dirty set: phaseOne
// found no diff against the plan for any of them this cycle.
func (d *Driver) clearDirt(working []string) {
	for _, db := range working {
		d.feat.RemoveDirty(db)
	}
}

// shardErrorMessage adapts ErrorRegistry.ShardError's (ErrorBlob, bool)
// return to report.ShardErrorFunc's plain string, empty if none recorded.
func (d *Driver) shardErrorMessage(database, collection, shard string) string {
	blob, ok := d.feat.Errors().ShardError(database, collection, shard)
	if !ok {
		return ""
	}
	return blob.Message
}

func (d *Driver) emit(r Result) {
	if d.heartbeat == nil {
		return
	}
	select {
	case d.heartbeat <- r:
	default:
		d.log.Warn().Msg("heartbeat channel full, dropping result")
	}
}
