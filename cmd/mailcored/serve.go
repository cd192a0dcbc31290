package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	sdks3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shardpost/mailcore/pkg/blob"
	"github.com/shardpost/mailcore/pkg/config"
	"github.com/shardpost/mailcore/pkg/core"
	"github.com/shardpost/mailcore/pkg/housekeeper"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/log"
	"github.com/shardpost/mailcore/pkg/metrics"
	"github.com/shardpost/mailcore/pkg/raft"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this node: open storage, join or bootstrap raft, and serve writes/queries",
	RunE:  runServe,
}

func openBlobBackend(cfg *config.Config) (blob.Backend, error) {
	switch cfg.Blob.Backend {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return blob.NewS3Backend(sdks3.NewFromConfig(awsCfg), cfg.Blob.Bucket, cfg.Blob.Prefix), nil
	default:
		return blob.NewLocalBackend(cfg.Blob.Root), nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
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

	backend, err := openBlobBackend(cfg)
	if err != nil {
		return err
	}
	blobs := blob.New(store, backend, blob.Config{EphemeralTTL: cfg.Blob.TTL}, logger)

	raftCfg := raft.Config{NodeID: cfg.Node.ID, BindAddr: cfg.Node.BindAddr, DataDir: cfg.Storage.DataDir}
	var node *raft.Node
	if cfg.Cluster.Bootstrap {
		node, err = raft.Bootstrap(raftCfg, store)
	} else {
		node, err = raft.Join(raftCfg, store)
	}
	if err != nil {
		return fmt.Errorf("start raft: %w", err)
	}

	tasks := housekeeper.New(store, blobs, housekeeper.Config{
		PurgeAccountsInterval: cfg.Tasks.PurgeAccountsInterval,
		PurgeBlobsInterval:    cfg.Tasks.PurgeBlobsInterval,
		CompactLogInterval:    cfg.Tasks.CompactLogInterval,
		Snapshot:              node.Snapshot,
	})

	server := core.New(store, node, blobs, tasks, logger)
	server.Start()
	logger.Info().Str("node_id", cfg.Node.ID).Str("bind_addr", cfg.Node.BindAddr).Msg("node started")

	metrics.RegisterComponent("storage", true, "")
	metrics.RegisterComponent("raft", true, "")
	go reportRaftHealth(node)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	go func() {
		if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()
	logger.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	return server.Stop()
}

// reportRaftHealth keeps the /ready endpoint's raft component in sync
// with whether this raft group currently has an elected leader.
func reportRaftHealth(node *raft.Node) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if node.Raft.Leader() == "" {
			metrics.RegisterComponent("raft", false, "no leader elected")
		} else {
			metrics.RegisterComponent("raft", true, "")
		}
	}
}
