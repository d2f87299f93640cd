// Command dbkeeper runs the DB-server maintenance engine: the worker pool,
// sync driver, and admin REST surface that turn an agreement store's Plan
// into Current, one server at a time. Grounded on the teacher's cmd/warren
// subcommand/startup/shutdown shape (cobra root command, background metrics
// server goroutine, signal.Notify + select{sigCh/errCh}, ordered Stop calls).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dbkeeper/dbkeeper/pkg/action"
	"github.com/dbkeeper/dbkeeper/pkg/action/actions"
	"github.com/dbkeeper/dbkeeper/pkg/agreement"
	"github.com/dbkeeper/dbkeeper/pkg/config"
	"github.com/dbkeeper/dbkeeper/pkg/driver"
	"github.com/dbkeeper/dbkeeper/pkg/feature"
	"github.com/dbkeeper/dbkeeper/pkg/localstore"
	"github.com/dbkeeper/dbkeeper/pkg/log"
	"github.com/dbkeeper/dbkeeper/pkg/metrics"
	"github.com/dbkeeper/dbkeeper/pkg/replication"
	"github.com/dbkeeper/dbkeeper/pkg/restapi"
	"github.com/dbkeeper/dbkeeper/pkg/synchronize"
	"github.com/dbkeeper/dbkeeper/pkg/worker"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "dbkeeper",
	Short:   "dbkeeper runs a DB server's maintenance engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("dbkeeper version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(maintenanceCmd)
	maintenanceCmd.AddCommand(maintenanceRunCmd)
	maintenanceCmd.AddCommand(maintenanceDebugSnapshotCmd)

	maintenanceRunCmd.Flags().String("server-id", "PRMR-self", "This server's id, as it appears in Plan/Current server lists")
	maintenanceRunCmd.Flags().String("bind-addr", "127.0.0.1:7000", "Address for this server's internal Raft agreement store")
	maintenanceRunCmd.Flags().String("data-dir", "./dbkeeper-data", "Data directory for the agreement store and local storage engine")
	maintenanceRunCmd.Flags().String("admin-addr", "127.0.0.1:8529", "Address for the admin REST surface and metrics endpoints")
	maintenanceRunCmd.Flags().StringSlice("peer", nil, "serverId=address mapping used to dial a shard's leader for replication (repeatable)")
	config.RegisterFlags(maintenanceRunCmd)

	maintenanceDebugSnapshotCmd.Flags().String("admin-addr", "127.0.0.1:8529", "Admin REST surface address to query")
	maintenanceDebugSnapshotCmd.Flags().Bool("details", false, "Request full action details")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run or inspect the maintenance engine",
}

var maintenanceRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the maintenance engine's worker pool, sync driver, and admin REST surface",
	RunE:  runMaintenance,
}

var maintenanceDebugSnapshotCmd = &cobra.Command{
	Use:   "debug-snapshot",
	Short: "Fetch the running engine's action registry over its admin REST surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		adminAddr, _ := cmd.Flags().GetString("admin-addr")
		details, _ := cmd.Flags().GetBool("details")

		url := fmt.Sprintf("http://%s/admin/actions", adminAddr)
		if details {
			url += "?details=true"
		}
		resp, err := http.Get(url)
		if err != nil {
			return fmt.Errorf("fetch snapshot: %w", err)
		}
		defer resp.Body.Close()
		fmt.Printf("dbkeeper admin snapshot: HTTP %d\n", resp.StatusCode)
		return nil
	},
}

func parsePeers(raw []string) map[string]string {
	peers := make(map[string]string, len(raw))
	for _, kv := range raw {
		name, addr, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		peers[name] = addr
	}
	return peers
}

func runMaintenance(cmd *cobra.Command, args []string) error {
	serverID, _ := cmd.Flags().GetString("server-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	adminAddr, _ := cmd.Flags().GetString("admin-addr")
	peerFlags, _ := cmd.Flags().GetStringSlice("peer")
	peers := parsePeers(peerFlags)

	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}

	l := log.WithComponent("main")
	l.Info().Str("server_id", serverID).Uint32("threads", cfg.MaintenanceThreads).Msg("starting dbkeeper maintenance engine")

	store, err := agreement.NewRaftStore(agreement.RaftConfig{
		NodeID:   serverID,
		BindAddr: bindAddr,
		DataDir:  dataDir + "/agreement",
	})
	if err != nil {
		return fmt.Errorf("create agreement store: %w", err)
	}

	local, err := localstore.NewBoltEngine(dataDir + "/local")
	if err != nil {
		return fmt.Errorf("create local storage engine: %w", err)
	}
	defer local.Close()

	feat := feature.New()
	feat.SetBlockWindow(time.Duration(cfg.MaintenanceActionsBlock) * time.Second)
	feat.SetLingerWindow(time.Duration(cfg.MaintenanceActionsLinger) * time.Second)

	shuttingDown := func() bool { return feat.IsShuttingDown() }

	dial := func(leader string) *replication.Client {
		addr, ok := peers[leader]
		if !ok {
			addr = leader
		}
		return replication.NewClient("http://"+addr, "", 10*time.Second)
	}

	factory := actions.NewFactory(actions.Deps{
		Local:        local,
		Feature:      feat,
		Store:        store,
		Dial:         dial,
		Syncer:       synchronize.NoopSyncer{},
		Tailer:       synchronize.ImmediateTailer{},
		ShuttingDown: shuttingDown,
	})

	pool := worker.NewPool(feat, int(cfg.MaintenanceThreads), worker.Factory(factory))

	heartbeat := make(chan driver.Result, 8)
	drv := driver.New(driver.Config{
		ServerID:  serverID,
		Store:     store,
		Local:     local,
		Feature:   feat,
		Factory:   driver.Factory(factory),
		Heartbeat: heartbeat,
	})

	mux := http.NewServeMux()
	restapi.NewHandler(feat, factory).Register(mux)
	mux.Handle("/metrics", metrics.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	l.Info().Int("size", pool.Size()).Msg("worker pool started")

	drv.Start(ctx)
	l.Info().Msg("sync driver started")

	go func() {
		for result := range heartbeat {
			if !result.Success {
				l.Warn().Str("error", result.Error).Msg("driver cycle reported failure")
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		l.Info().Str("addr", adminAddr).Msg("admin REST surface listening")
		if err := http.ListenAndServe(adminAddr, mux); err != nil {
			errCh <- fmt.Errorf("admin REST surface error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		l.Info().Msg("shutdown signal received")
	case err := <-errCh:
		l.Error().Err(err).Msg("admin REST surface failed")
	}

	if cfg.ResignLeadershipOnShutdown {
		resignAllLeaderships(ctx, l, store, local, feat, factory, serverID)
	}

	drv.Stop()
	pool.BeginShutdown()
	cancel()
	if err := store.Shutdown(); err != nil {
		l.Error().Err(err).Msg("agreement store shutdown error")
	}

	l.Info().Msg("dbkeeper maintenance engine stopped")
	return nil
}

// resignAllLeaderships enqueues a ResignShardLeadership action for every
// shard this server currently leads and waits up to 120s for them all to
// finish (spec section 6's resign-leadership-on-shutdown option).
func resignAllLeaderships(ctx context.Context, l zerolog.Logger, store agreement.Store, local localstore.Engine, feat *feature.Feature, factory func(action.Description) (action.Impl, error), serverID string) {
	plan, err := store.ReadPlan(ctx, nil)
	if err != nil {
		l.Error().Err(err).Msg("resign-leadership-on-shutdown: failed to read plan")
		return
	}

	var pending []*action.Action
	for dbName := range plan.Databases {
		collections, err := local.Collections(ctx, dbName)
		if err != nil {
			l.Error().Err(err).Str("database", dbName).Msg("resign-leadership-on-shutdown: failed to read local collections")
			continue
		}
		for collName, coll := range collections {
			for shardName, state := range coll.Shards {
				if state.Leader != serverID {
					continue
				}
				desc := action.NewDescription(map[string]string{
					action.KeyName:       string(action.KindResignShardLeadership),
					action.KeyDatabase:   dbName,
					action.KeyCollection: collName,
					action.KeyShard:      shardName,
				}, nil, action.PriorityResign, true)
				impl, err := factory(desc)
				if err != nil {
					continue
				}
				pending = append(pending, feat.AddAction(desc, impl, true))
			}
		}
	}
	if len(pending) == 0 {
		return
	}

	l.Info().Int("shards", len(pending)).Msg("resigning shard leaderships before shutdown")
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		done := true
		for _, a := range pending {
			if !a.Done() {
				done = false
				break
			}
		}
		if done {
			l.Info().Msg("all shard leaderships resigned")
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	l.Warn().Msg("resign-leadership-on-shutdown timed out after 120s")
}
