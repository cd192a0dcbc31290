package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shardpost/mailcore/pkg/config"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/log"
	"github.com/shardpost/mailcore/pkg/raft"
)

var changelogCmd = &cobra.Command{
	Use:   "changelog",
	Short: "Inspect or maintain the change log",
}

var changelogCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Force a raft snapshot, letting the log store truncate entries older than it",
	RunE:  runChangelogCompact,
}

func init() {
	changelogCmd.AddCommand(changelogCompactCmd)
}

// runChangelogCompact opens this node's own raft instance (it must not
// be running under `serve` at the same time, since both would hold the
// same bolt log store) and forces the snapshot housekeeper.compactLogOnce
// otherwise only takes on a schedule.
func runChangelogCompact(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger := log.WithComponent("mailcored")

	store, err := kv.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	raftCfg := raft.Config{NodeID: cfg.Node.ID, BindAddr: cfg.Node.BindAddr, DataDir: cfg.Storage.DataDir}
	node, err := raft.Join(raftCfg, store)
	if err != nil {
		return fmt.Errorf("start raft: %w", err)
	}
	defer node.Shutdown()

	if err := node.Snapshot(); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	logger.Info().Msg("change log compacted")
	return nil
}
