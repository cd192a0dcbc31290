package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shardpost/mailcore/pkg/config"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/log"
	"github.com/shardpost/mailcore/pkg/raft"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect or grow the raft cluster this node belongs to",
}

var clusterBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Initialize storage and form a new single-node raft cluster",
	RunE:  runClusterBootstrap,
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join <leader-addr>",
	Short: "Ask a running cluster's leader to add this node as a voter",
	Args:  cobra.ExactArgs(1),
	RunE:  runClusterJoin,
}

func init() {
	clusterCmd.AddCommand(clusterBootstrapCmd, clusterJoinCmd)
}

// runClusterBootstrap opens this node's storage and forms a brand new
// single-voter raft cluster, then exits; `serve` is what keeps the node
// running afterwards. Mirrors teacher cmd/warren's clusterInitCmd split
// between one-shot cluster formation and the long-running manager.
func runClusterBootstrap(cmd *cobra.Command, args []string) error {
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
	node, err := raft.Bootstrap(raftCfg, store)
	if err != nil {
		return fmt.Errorf("bootstrap raft: %w", err)
	}
	defer node.Shutdown()

	logger.Info().Str("node_id", cfg.Node.ID).Msg("cluster bootstrapped")
	return nil
}

// runClusterJoin dials an existing leader's control-plane RPC and asks
// it to add this node as a voter, then exits; the node still needs
// `serve` started against the same data dir to actually participate.
// Generalizes teacher cmd/warren's clusterJoinCmd from a join-token POST
// to this package's hand-rolled gRPC Join call.
func runClusterJoin(cmd *cobra.Command, args []string) error {
	leaderAddr := args[0]

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger := log.WithComponent("mailcored")

	client, err := raft.DialControl(leaderAddr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial leader %s: %w", leaderAddr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Join(ctx, raft.JoinRequest{NodeID: cfg.Node.ID, BindAddr: cfg.Node.BindAddr})
	if err != nil {
		return fmt.Errorf("join request: %w", err)
	}

	logger.Info().Str("node_id", cfg.Node.ID).Str("leader", leaderAddr).Str("status", resp.Status).Msg("join request accepted")
	return nil
}
