package agreement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/dbkeeper/dbkeeper/pkg/log"
)

// RaftConfig configures a single-node (or single-voter-bootstrap) Raft-backed
// Store. A real deployment joins additional voters after Bootstrap; this
// package only needs the store's read/write surface, not cluster
// membership management, so Join is intentionally not exposed (spec
// section 1 treats multi-node agreement as an external collaborator).
type RaftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// RaftStore is a Raft + BoltDB backed implementation of Store: every write
// goes through Raft's log as a Command, applied to an in-memory key space by
// raftFSM, with BoltDB holding the Raft log/stable/snapshot state the same
// way the teacher's cluster manager persists its own consensus state.
type RaftStore struct {
	log  zerolog.Logger
	raft *raft.Raft
	fsm  *raftFSM
}

// NewRaftStore creates and bootstraps a single-node Raft cluster rooted at
// cfg.DataDir, mirroring the teacher's Manager.Bootstrap: tuned timeouts for
// fast single-DC failover, a TCP transport, a file snapshot store, and two
// BoltDB-backed log/stable stores.
func NewRaftStore(cfg RaftConfig) (*RaftStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}

	fsm := newRaftFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
	}

	return &RaftStore{log: log.WithComponent("agreement-store"), raft: r, fsm: fsm}, nil
}

// ReadPlan returns the planned shape of every named database (all of them,
// if databases is empty).
func (s *RaftStore) ReadPlan(ctx context.Context, databases []string) (Plan, error) {
	return s.fsm.readPlan(databases), nil
}

// ReadCurrent returns the observed shape of every named database.
func (s *RaftStore) ReadCurrent(ctx context.Context, databases []string) (Current, error) {
	return s.fsm.readCurrent(databases), nil
}

// ReadTarget returns the target-job document for jobID, if one exists.
func (s *RaftStore) ReadTarget(ctx context.Context, jobID string) (map[string]any, bool, error) {
	doc, ok := s.fsm.readTarget(jobID)
	return doc, ok, nil
}

// Apply submits tx through the Raft log and waits for it to commit. An
// empty transaction (spec section 8 property 6) still round-trips through
// Raft so Current/Version is always linearized against the leader's log;
// the driver applies every cycle's transaction, including a version-only one.
func (s *RaftStore) Apply(ctx context.Context, tx Transaction) error {
	if s.raft.State() != raft.Leader {
		return fmt.Errorf("agreement store: not the raft leader")
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	deadline := 5 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}

	future := s.raft.Apply(payload, deadline)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply transaction: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return fmt.Errorf("apply transaction: %w", err)
	}
	return nil
}

// SetPlan seeds or replaces the planned shape of one database, used by test
// harnesses and the admin surface standing in for the external planner this
// node would otherwise receive Plan from over the coordinator protocol.
func (s *RaftStore) SetPlan(database string, plan DatabasePlan) error {
	payload, err := json.Marshal(setPlanCommand{Database: database, Plan: plan})
	if err != nil {
		return err
	}
	future := s.raft.Apply(mustWrapCommand(cmdSetPlan, payload), 5*time.Second)
	return future.Error()
}

// SetTarget seeds a target-job document, used by test harnesses standing in
// for the coordinator's job-submission protocol.
func (s *RaftStore) SetTarget(jobID string, doc map[string]any) error {
	payload, err := json.Marshal(setTargetCommand{JobID: jobID, Doc: doc})
	if err != nil {
		return err
	}
	future := s.raft.Apply(mustWrapCommand(cmdSetTarget, payload), 5*time.Second)
	return future.Error()
}

// Shutdown releases the underlying Raft instance's resources.
func (s *RaftStore) Shutdown() error {
	return s.raft.Shutdown().Error()
}

// --- FSM ---

type commandOp string

const (
	cmdApplyTx   commandOp = "apply_tx"
	cmdSetPlan   commandOp = "set_plan"
	cmdSetTarget commandOp = "set_target"
)

type rawCommand struct {
	Op   commandOp       `json:"op"`
	Data json.RawMessage `json:"data"`
}

type setPlanCommand struct {
	Database string       `json:"database"`
	Plan     DatabasePlan `json:"plan"`
}

type setTargetCommand struct {
	JobID string         `json:"job_id"`
	Doc   map[string]any `json:"doc"`
}

func mustWrapCommand(op commandOp, data []byte) []byte {
	b, err := json.Marshal(rawCommand{Op: op, Data: data})
	if err != nil {
		panic(err)
	}
	return b
}

// raftFSM holds the agreement store's entire key space in memory, applying
// Transactions the same way the teacher's WarrenFSM applies Commands:
// unmarshal the op, take the write lock, mutate the in-process state.
type raftFSM struct {
	mu sync.RWMutex

	plan    map[string]DatabasePlan    // database -> plan
	current map[string]DatabaseCurrent // database -> current
	targets map[string]map[string]any // jobID -> doc
	version uint64                    // Current/Version, bumped by OpIncrement
}

func newRaftFSM() *raftFSM {
	return &raftFSM{
		plan:    make(map[string]DatabasePlan),
		current: make(map[string]DatabaseCurrent),
		targets: make(map[string]map[string]any),
	}
}

func (f *raftFSM) Apply(l *raft.Log) interface{} {
	var cmd rawCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		// Transaction is the default shape for backward-compatible log
		// entries that predate the rawCommand envelope.
		var tx Transaction
		if err2 := json.Unmarshal(l.Data, &tx); err2 != nil {
			return fmt.Errorf("unmarshal raft log entry: %w", err)
		}
		f.applyTransaction(tx)
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case cmdSetPlan:
		var c setPlanCommand
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		f.plan[c.Database] = c.Plan
		return nil
	case cmdSetTarget:
		var c setTargetCommand
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		f.targets[c.JobID] = c.Doc
		return nil
	default:
		// A bare Transaction (the shape RaftStore.Apply writes) decodes
		// into rawCommand with no data field; decode the entry itself then.
		data := []byte(cmd.Data)
		if len(data) == 0 {
			data = l.Data
		}
		var tx Transaction
		if err := json.Unmarshal(data, &tx); err != nil {
			return fmt.Errorf("unmarshal transaction: %w", err)
		}
		f.applyTransactionLocked(tx)
		return nil
	}
}

func (f *raftFSM) applyTransaction(tx Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyTransactionLocked(tx)
}

// applyTransactionLocked applies every op in tx to Current/Version. Keys are
// "<database>/<collection>/<shard>" for shard-level ops; the reserved key
// "_version" targets the bare version counter an OpIncrement bumps.
func (f *raftFSM) applyTransactionLocked(tx Transaction) {
	for _, op := range tx.Ops {
		switch op.Kind {
		case OpIncrement:
			if op.Key == "_version" || op.Key == "" {
				f.version++
			}
		case OpSet:
			f.setCurrentLocked(op.Key, op.Value)
		case OpDelete:
			f.deleteCurrentLocked(op.Key)
		}
	}
}

func (f *raftFSM) setCurrentLocked(key string, value any) {
	db, shardKey, ok := splitCurrentKey(key)
	if !ok {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	var sc ShardCurrent
	if err := json.Unmarshal(raw, &sc); err != nil {
		return
	}
	dc, ok := f.current[db]
	if !ok {
		dc = DatabaseCurrent{Name: db, Shards: make(map[string]ShardCurrent)}
	}
	if dc.Shards == nil {
		dc.Shards = make(map[string]ShardCurrent)
	}
	dc.Shards[shardKey] = sc
	f.current[db] = dc
}

func (f *raftFSM) deleteCurrentLocked(key string) {
	db, shardKey, ok := splitCurrentKey(key)
	if !ok {
		return
	}
	dc, ok := f.current[db]
	if !ok {
		return
	}
	delete(dc.Shards, shardKey)
	f.current[db] = dc
}

// splitCurrentKey splits "<database>/<collection>/<shard>" into the
// database name and the "<collection>/<shard>" key report.Diff produces.
func splitCurrentKey(key string) (database, shardKey string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

func (f *raftFSM) readPlan(databases []string) Plan {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := Plan{Databases: make(map[string]DatabasePlan), Version: f.version}
	if len(databases) == 0 {
		for db, p := range f.plan {
			out.Databases[db] = p
		}
		return out
	}
	for _, db := range databases {
		if p, ok := f.plan[db]; ok {
			out.Databases[db] = p
		}
	}
	return out
}

func (f *raftFSM) readCurrent(databases []string) Current {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := Current{Databases: make(map[string]DatabaseCurrent), Version: f.version}
	if len(databases) == 0 {
		for db, c := range f.current {
			out.Databases[db] = c
		}
		return out
	}
	for _, db := range databases {
		if c, ok := f.current[db]; ok {
			out.Databases[db] = c
		}
	}
	return out
}

func (f *raftFSM) readTarget(jobID string) (map[string]any, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	doc, ok := f.targets[jobID]
	return doc, ok
}

func (f *raftFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &raftSnapshot{
		Plan:    make(map[string]DatabasePlan, len(f.plan)),
		Current: make(map[string]DatabaseCurrent, len(f.current)),
		Targets: make(map[string]map[string]any, len(f.targets)),
		Version: f.version,
	}
	for k, v := range f.plan {
		snap.Plan[k] = v
	}
	for k, v := range f.current {
		snap.Current[k] = v
	}
	for k, v := range f.targets {
		snap.Targets[k] = v
	}
	return snap, nil
}

func (f *raftFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap raftSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.plan = snap.Plan
	f.current = snap.Current
	f.targets = snap.Targets
	f.version = snap.Version
	if f.plan == nil {
		f.plan = make(map[string]DatabasePlan)
	}
	if f.current == nil {
		f.current = make(map[string]DatabaseCurrent)
	}
	if f.targets == nil {
		f.targets = make(map[string]map[string]any)
	}
	return nil
}

type raftSnapshot struct {
	Plan    map[string]DatabasePlan
	Current map[string]DatabaseCurrent
	Targets map[string]map[string]any
	Version uint64
}

func (s *raftSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *raftSnapshot) Release() {}
