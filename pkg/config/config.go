// Package config loads the YAML manifest describing one mailcored
// node's storage, cluster, and housekeeping settings, following
// cmd/warren/apply.go's read-file/yaml.Unmarshal/validate idiom.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shardpost/mailcore/pkg/ids"
)

// Config is the full node manifest, loaded once at startup.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Storage StorageConfig `yaml:"storage"`
	Cluster ClusterConfig `yaml:"cluster"`
	Blob    BlobConfig    `yaml:"blob"`
	Tasks   TasksConfig   `yaml:"tasks"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type NodeConfig struct {
	ID       string `yaml:"id"`
	BindAddr string `yaml:"bind_addr"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type ClusterConfig struct {
	// Bootstrap is true for the node that founds a new single-node
	// cluster. Every other node must list at least one entry in Peers
	// (Validate checks this), but nothing dials Peers: joining is done by
	// `cluster join <leader-addr>`, which takes the leader's address as
	// its argument.
	Bootstrap bool     `yaml:"bootstrap"`
	Peers     []string `yaml:"peers"`
}

type BlobConfig struct {
	Backend string        `yaml:"backend"` // "local" or "s3"
	Root    string        `yaml:"root"`    // local backend only
	Bucket  string        `yaml:"bucket"`  // s3 backend only
	Prefix  string        `yaml:"prefix"`  // s3 backend only
	TTL     time.Duration `yaml:"ephemeral_ttl"`
}

type TasksConfig struct {
	PurgeAccountsInterval time.Duration `yaml:"purge_accounts_interval"`
	PurgeBlobsInterval    time.Duration `yaml:"purge_blobs_interval"`
	CompactLogInterval    time.Duration `yaml:"compact_log_interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "/var/lib/mailcored"
	}
	if c.Blob.Backend == "" {
		c.Blob.Backend = "local"
	}
	if c.Blob.Root == "" {
		c.Blob.Root = c.Storage.DataDir + "/blobs"
	}
	if c.Blob.TTL == 0 {
		c.Blob.TTL = time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
}

func (c *Config) validate() error {
	if c.Node.ID == "" {
		return ids.NewError(ids.ErrInvalidArgument, "config: node.id is required")
	}
	if c.Node.BindAddr == "" {
		return ids.NewError(ids.ErrInvalidArgument, "config: node.bind_addr is required")
	}
	if !c.Cluster.Bootstrap && len(c.Cluster.Peers) == 0 {
		return ids.NewError(ids.ErrInvalidArgument, "config: cluster.peers is required unless cluster.bootstrap is true")
	}
	switch c.Blob.Backend {
	case "local", "s3":
	default:
		return ids.NewError(ids.ErrInvalidArgument, "config: blob.backend must be \"local\" or \"s3\", got %q", c.Blob.Backend)
	}
	if c.Blob.Backend == "s3" && c.Blob.Bucket == "" {
		return ids.NewError(ids.ErrInvalidArgument, "config: blob.bucket is required when blob.backend is \"s3\"")
	}
	return nil
}
