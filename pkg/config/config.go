// Package config binds the maintenance engine's runtime options (spec
// section 6) to cobra flags, the way the teacher's cmd/warren/main.go binds
// its cluster/worker flags: Flags() registers defaults, a Load function
// reads them back with cmd.Flags().GetX.
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dbkeeper/dbkeeper/pkg/feature"
)

// Flag names for the maintenance engine's four configuration options.
const (
	FlagMaintenanceThreads         = "maintenance-threads"
	FlagMaintenanceActionsBlock    = "maintenance-actions-block"
	FlagMaintenanceActionsLinger   = "maintenance-actions-linger"
	FlagResignLeadershipOnShutdown = "resign-leadership-on-shutdown"
)

// Config holds the resolved maintenance engine options.
type Config struct {
	// MaintenanceThreads is the worker pool size (spec section 4.2).
	MaintenanceThreads uint32
	// MaintenanceActionsBlock is how long, in seconds, a finished action
	// keeps AddAction from registering a duplicate of it; AddAction itself
	// never blocks.
	MaintenanceActionsBlock int32
	// MaintenanceActionsLinger is how long, in seconds, a COMPLETE/FAILED
	// action stays in the registry before the reaper removes it.
	MaintenanceActionsLinger int32
	// ResignLeadershipOnShutdown makes graceful shutdown enqueue one
	// ResignShardLeadership action per locally led shard and wait up to 120s
	// for them; no job is written to the agreement store.
	ResignLeadershipOnShutdown bool
}

// DefaultMaintenanceThreads computes the spec section 4.2 sizing rule,
// clamp(cores/4+1, 3, 64), from the detected CPU count.
func DefaultMaintenanceThreads() uint32 {
	return uint32(feature.WorkerCount(runtime.NumCPU()))
}

// RegisterFlags adds the maintenance engine's flags to cmd, with defaults
// matching spec section 6's configuration table.
func RegisterFlags(cmd *cobra.Command) {
	cmd.Flags().Uint32(FlagMaintenanceThreads, DefaultMaintenanceThreads(),
		"Number of maintenance worker threads")
	cmd.Flags().Int32(FlagMaintenanceActionsBlock, 2,
		"Seconds a finished action keeps blocking registration of a duplicate")
	cmd.Flags().Int32(FlagMaintenanceActionsLinger, 3600,
		"Seconds a completed or failed action lingers in the registry before being reaped")
	cmd.Flags().Bool(FlagResignLeadershipOnShutdown, false,
		"On shutdown, resign all shard leaderships held by this server before exiting")
}

// Load reads the maintenance engine's flags back off cmd into a Config.
func Load(cmd *cobra.Command) (Config, error) {
	threads, err := cmd.Flags().GetUint32(FlagMaintenanceThreads)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", FlagMaintenanceThreads, err)
	}
	if threads < feature.MinWorkers || threads > feature.MaxWorkers {
		return Config{}, fmt.Errorf("config: %s must be between %d and %d, got %d",
			FlagMaintenanceThreads, feature.MinWorkers, feature.MaxWorkers, threads)
	}

	block, err := cmd.Flags().GetInt32(FlagMaintenanceActionsBlock)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", FlagMaintenanceActionsBlock, err)
	}

	linger, err := cmd.Flags().GetInt32(FlagMaintenanceActionsLinger)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", FlagMaintenanceActionsLinger, err)
	}

	resign, err := cmd.Flags().GetBool(FlagResignLeadershipOnShutdown)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", FlagResignLeadershipOnShutdown, err)
	}

	return Config{
		MaintenanceThreads:         threads,
		MaintenanceActionsBlock:    block,
		MaintenanceActionsLinger:   linger,
		ResignLeadershipOnShutdown: resign,
	}, nil
}
