package raft

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
)

// Config configures a Node's raft participation, mirroring teacher
// pkg/manager.Config's NodeID/BindAddr/DataDir fields.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Node wraps a hashicorp/raft instance over this system's FSM, following
// teacher pkg/manager.Manager's Bootstrap/Join pattern: a TCP transport,
// a file snapshot store, and bboltdb-backed log/stable stores, tuned
// with the same faster-than-default heartbeat/election timeouts the
// teacher uses for sub-10s failover.
type Node struct {
	cfg   Config
	Raft  *hraft.Raft
	FSM   *FSM
	Peers *PeerTracker
	store kv.Store
}

func raftConfig(nodeID string) *hraft.Config {
	config := hraft.DefaultConfig()
	config.LocalID = hraft.ServerID(nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	config.SnapshotThreshold = 8192
	config.SnapshotInterval = 30 * time.Second
	return config
}

func newTransportAndStores(cfg Config) (*hraft.NetworkTransport, hraft.SnapshotStore, hraft.LogStore, hraft.StableStore, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("raft: resolve bind address: %w", err)
	}
	transport, err := hraft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("raft: create transport: %w", err)
	}
	snapshotStore, err := hraft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("raft: create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("raft: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("raft: create stable store: %w", err)
	}
	return transport, snapshotStore, logStore, stableStore, nil
}

// Bootstrap starts a new single-node cluster rooted at this node,
// mirroring Manager.Bootstrap.
func Bootstrap(cfg Config, store kv.Store) (*Node, error) {
	fsm := NewFSM(store)
	config := raftConfig(cfg.NodeID)

	transport, snapshotStore, logStore, stableStore, err := newTransportAndStores(cfg)
	if err != nil {
		return nil, err
	}

	r, err := hraft.NewRaft(config, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("raft: create raft: %w", err)
	}

	configuration := hraft.Configuration{
		Servers: []hraft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	}
	if err := r.BootstrapCluster(configuration).Error(); err != nil {
		return nil, fmt.Errorf("raft: bootstrap cluster: %w", err)
	}

	return &Node{cfg: cfg, Raft: r, FSM: fsm, Peers: NewPeerTracker(cfg.NodeID), store: store}, nil
}

// Join starts this node's raft participant without bootstrapping a
// cluster; the caller is expected to already be a voter added by the
// leader (see AddVoter), mirroring Manager.Join minus Warren's
// token/TLS join handshake, which has no equivalent in this system's
// scope.
func Join(cfg Config, store kv.Store) (*Node, error) {
	fsm := NewFSM(store)
	config := raftConfig(cfg.NodeID)

	transport, snapshotStore, logStore, stableStore, err := newTransportAndStores(cfg)
	if err != nil {
		return nil, err
	}

	r, err := hraft.NewRaft(config, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("raft: create raft: %w", err)
	}

	return &Node{cfg: cfg, Raft: r, FSM: fsm, Peers: NewPeerTracker(cfg.NodeID), store: store}, nil
}

// AddVoter asks the current leader to add a new cluster member,
// blocking until the configuration change commits.
func (n *Node) AddVoter(nodeID, addr string) error {
	if n.Raft.State() != hraft.Leader {
		return fmt.Errorf("raft: AddVoter called on non-leader node %s", n.cfg.NodeID)
	}
	return n.Raft.AddVoter(hraft.ServerID(nodeID), hraft.ServerAddress(addr), 0, 10*time.Second).Error()
}

// ApplyChange replicates a change-log Entry already written locally,
// blocking until it is applied; timeout bounds only the wait to enqueue it.
func (n *Node) ApplyChange(cmd ChangeCommand, timeout time.Duration) error {
	data, err := encodeCommand("change", cmd)
	if err != nil {
		return err
	}
	return n.Raft.Apply(data, timeout).Error()
}

// ApplyWriteBatch replicates a full kv.Batch (every Values/Bitmaps/
// Indexes/Logs mutation a pkg/orm.WriteBatch produced) through raft,
// blocking until it is applied. timeout bounds only the wait to enqueue
// the entry; 0 means no bound.
func (n *Node) ApplyWriteBatch(account ids.AccountId, batch kv.Batch, timeout time.Duration) error {
	data, err := encodeCommand("batch", BatchCommand{Account: account, Batch: batch})
	if err != nil {
		return err
	}
	return n.Raft.Apply(data, timeout).Error()
}

// IsLeader reports whether this node currently believes itself leader.
func (n *Node) IsLeader() bool { return n.Raft.State() == hraft.Leader }

// Shutdown stops raft participation and waits for it to finish.
func (n *Node) Shutdown() error {
	return n.Raft.Shutdown().Error()
}

// Snapshot forces an out-of-band raft snapshot. hashicorp/raft only
// discards log entries once a completed snapshot covers them, so this
// is the actual compaction trigger housekeeper.Housekeeper's
// compact-log task calls on a schedule, on top of the library's own
// SnapshotThreshold/SnapshotInterval-driven automatic snapshots.
func (n *Node) Snapshot() error {
	return n.Raft.Snapshot().Error()
}

// StartPeerLoop runs PeerTracker.Tick on a fixed interval in a detached
// goroutine until ctx is cancelled, following the teacher's
// Bootstrap/Join pattern of kicking off a background loop with `go
// func()` right after raft comes up.
func (n *Node) StartPeerLoop(ctx context.Context, interval, dialTimeout time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.Peers.Tick(ctx, n, dialTimeout)
			}
		}
	}()
}
