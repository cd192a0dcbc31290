package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	hraft "github.com/hashicorp/raft"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
)

// Command is a single raft log entry, generalizing teacher pkg/manager's
// Command{Op, Data} envelope from Warren's node/service/task mutations to
// this system's one replication unit: "apply this already-written
// change-log entry".
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// ChangeCommand replicates one change-log Entry already appended by the
// leader's write-batch path (pkg/orm.WriteBatch + pkg/changelog.Append):
// followers apply the identical raw key/value, never re-deriving it, so
// every replica's change log is byte-identical.
type ChangeCommand struct {
	Account    ids.AccountId  `json:"account"`
	Collection ids.Collection `json:"collection"`
	ChangeID   ids.ChangeId   `json:"change_id"`
	Entry      []byte         `json:"entry"`
}

// BatchCommand replicates a complete pkg/orm.WriteBatch write: every
// Values/Bitmaps/Indexes/Logs mutation the leader already computed,
// shipped verbatim so followers never re-run query/index logic to reach
// the same state. pkg/core.Server.WriteBatch is the only caller.
type BatchCommand struct {
	Account ids.AccountId `json:"account"`
	Batch   kv.Batch      `json:"batch"`
}

// FSM implements hashicorp/raft's FSM over the same kv.Store the local
// write path uses, following WarrenFSM's Apply/Snapshot/Restore shape
// (teacher pkg/manager/fsm.go) generalized from JSON domain commands to
// change-log replication.
type FSM struct {
	mu    sync.RWMutex
	store kv.Store
}

func NewFSM(store kv.Store) *FSM { return &FSM{store: store} }

// encodeCommand wraps a typed payload in the Command{Op,Data} envelope
// Apply expects, the single place that builds a raft log entry's bytes.
func encodeCommand(op string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("raft: marshal %s command: %w", op, err)
	}
	return json.Marshal(Command{Op: op, Data: data})
}

func (f *FSM) Apply(log *hraft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("raft: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "change":
		var c ChangeCommand
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return fmt.Errorf("raft: unmarshal change command: %w", err)
		}
		var batch kv.Batch
		batch.Set(kvcodec.CFLogs, kvcodec.ChangeKey(c.Account, c.Collection, c.ChangeID), c.Entry)
		if err := f.store.Write(batch); err != nil {
			return fmt.Errorf("raft: apply change: %w", err)
		}
		return nil
	case "batch":
		var c BatchCommand
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return fmt.Errorf("raft: unmarshal batch command: %w", err)
		}
		if err := f.store.Write(c.Batch); err != nil {
			return fmt.Errorf("raft: apply batch: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("raft: unknown command %q", cmd.Op)
	}
}

// snapshotColumnFamilies are the five column families a full snapshot
// must cover: once hashicorp/raft truncates the log past a completed
// snapshot, nothing but the snapshot can rebuild a rejoining follower's
// Values/Bitmaps/Indexes/Blobs/Logs state, not just its change log.
var snapshotColumnFamilies = []kvcodec.ColumnFamily{
	kvcodec.CFValues, kvcodec.CFBitmaps, kvcodec.CFIndexes, kvcodec.CFBlobs, kvcodec.CFLogs,
}

// Snapshot dumps every key/value pair in every column family so a
// restored/rejoining follower can rebuild full storage state without
// replaying every intervening raft entry, mirroring WarrenFSM.Snapshot's
// "collect all state" pattern generalized from Warren's single BoltDB
// bucket to this store's five.
func (f *FSM) Snapshot() (hraft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &Snapshot{CFs: make(map[kvcodec.ColumnFamily][]kvPair)}
	for _, cf := range snapshotColumnFamilies {
		err := f.store.Iterate(cf, nil, kv.Forward, func(key, value []byte) (bool, error) {
			snap.CFs[cf] = append(snap.CFs[cf], kvPair{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// Restore replaces every column family's contents with what the snapshot
// carries, mirroring WarrenFSM.Restore. Every key currently in each
// snapshotted column family is deleted before the snapshot's pairs are
// set, so a follower restoring over a superset of the snapshot's state
// (e.g. one that diverged and accumulated keys the snapshot no longer
// has) doesn't keep those stale keys around after Restore returns.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("raft: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var batch kv.Batch
	for _, cf := range snapshotColumnFamilies {
		err := f.store.Iterate(cf, nil, kv.Forward, func(key, _ []byte) (bool, error) {
			batch.Delete(cf, append([]byte(nil), key...))
			return true, nil
		})
		if err != nil {
			return fmt.Errorf("raft: scan column family %d for restore: %w", cf, err)
		}
	}
	for cf, pairs := range snap.CFs {
		for _, p := range pairs {
			batch.Set(cf, p.Key, p.Value)
		}
	}
	return f.store.Write(batch)
}

// kvPair is one raw key/value pair within a snapshotted column family.
type kvPair struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// Snapshot is the hraft.FSMSnapshot this FSM produces: every column
// family's key/value pairs, JSON-encoded (following WarrenSnapshot's
// Persist/Release shape rather than a binary format, matching the
// teacher's snapshot codec choice).
type Snapshot struct {
	CFs map[kvcodec.ColumnFamily][]kvPair `json:"cfs"`
}

func (s *Snapshot) Persist(sink hraft.SnapshotSink) error {
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

func (s *Snapshot) Release() {}
