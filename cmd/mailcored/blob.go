package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shardpost/mailcore/pkg/blob"
	"github.com/shardpost/mailcore/pkg/config"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/log"
)

var blobCmd = &cobra.Command{
	Use:   "blob",
	Short: "Inspect or maintain the blob store",
}

var blobGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one blob purge pass: delete expired ephemeral links and unreferenced blobs",
	RunE:  runBlobGC,
}

func init() {
	blobCmd.AddCommand(blobGCCmd)
}

func runBlobGC(cmd *cobra.Command, args []string) error {
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

	if err := blobs.Purge(); err != nil {
		return fmt.Errorf("purge blobs: %w", err)
	}
	logger.Info().Msg("blob purge pass complete")
	return nil
}
