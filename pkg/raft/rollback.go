package raft

import (
	"bytes"

	"github.com/shardpost/mailcore/pkg/changelog"
	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
)

// MaxIndex is the sentinel meaning "no upper bound" on a raft log index,
// mirroring LogIndex::MAX in the original.
const MaxIndex uint64 = ^uint64(0)

// PrepareRollbackChanges scans every change-log entry recorded after
// afterIndex, grouped by (account, collection), merges each group into
// a single MergedChanges persisted under a rollback key, deletes the
// scanned raw entries, and deletes every raft log entry whose index
// exceeds afterIndex. A follower that fell behind after a leader change
// calls this before requesting a fresh sync, so it can replay the
// prepared rollback changeset as one atomic diff instead of re-deriving
// it entry by entry on every resync attempt. Ports
// prepare_rollback_changes
// (original_source/src/cluster/log/rollback_prepare.rs) in semantics:
// per-(account,collection) group merging, the deferred
// "!restoreDeletions clears pending deletes at the group boundary" rule,
// and the trailing raft-log truncation. One deviation from the original:
// RocksDB lets a live iterator coexist with interleaved writes, so the
// Rust version flushes each group's batch as it goes; bbolt's single-
// writer model forbids writing from inside a read transaction's cursor
// callback, so this version accumulates every group's mutations into
// one batch and commits it after the scan completes. The persisted
// end state is identical either way.
func PrepareRollbackChanges(store kv.Store, afterIndex uint64, restoreDeletions bool) error {
	var (
		currentAccount    = ids.AccountId(^uint32(0))
		currentCollection = ids.CollectionNone
		changes           = NewMergedChanges()
		batch             kv.Batch
		haveGroup         bool
	)

	flushGroup := func() error {
		if !haveGroup {
			return nil
		}
		if !restoreDeletions && !changes.Deletes.IsEmpty() {
			changes.Deletes.Clear()
		}
		if !changes.IsEmpty() {
			raw, err := EncodeMergedChanges(changes)
			if err != nil {
				return err
			}
			batch.Set(kvcodec.CFLogs, kvcodec.RollbackKey(currentAccount, currentCollection), raw)
		}
		return nil
	}

	changePrefix := kvcodec.ChangeTagPrefix
	err := store.Iterate(kvcodec.CFLogs, changePrefix, kv.Forward, func(key, value []byte) (bool, error) {
		if !bytes.HasPrefix(key, changePrefix) {
			return false, nil
		}

		changeID, ok := kvcodec.DeserializeChangeID(key)
		if !ok {
			return false, ids.NewError(ids.ErrFatal, "malformed change-log key %x", key)
		}
		if afterIndex != MaxIndex && uint64(changeID) <= afterIndex {
			return true, nil
		}

		account, collection, ok := kvcodec.DeserializeAccountCollection(key)
		if !ok {
			return false, ids.NewError(ids.ErrFatal, "malformed change-log key %x", key)
		}

		if account != currentAccount || collection != currentCollection {
			if err := flushGroup(); err != nil {
				return false, err
			}
			changes = NewMergedChanges()
			haveGroup = false
			currentAccount, currentCollection = account, collection
		}

		e, ok := changelog.DecodeEntry(value)
		if !ok {
			return false, ids.NewError(ids.ErrFatal, "corrupt change-log entry at change id %d", changeID)
		}
		changes.Apply(e)
		haveGroup = true

		batch.Delete(kvcodec.CFLogs, append([]byte(nil), key...))
		return true, nil
	})
	if err != nil {
		return err
	}
	if err := flushGroup(); err != nil {
		return err
	}
	if len(batch) > 0 {
		if err := store.Write(batch); err != nil {
			return err
		}
	}

	var raftBatch kv.Batch
	err = store.Iterate(kvcodec.CFLogs, kvcodec.RaftKeyPrefix, kv.Forward, func(key, _ []byte) (bool, error) {
		if !bytes.HasPrefix(key, kvcodec.RaftKeyPrefix) {
			return false, nil
		}
		raftID, ok := kvcodec.DeserializeRaftID(key)
		if !ok {
			return false, ids.NewError(ids.ErrFatal, "corrupt raft log entry %x", key)
		}
		if afterIndex == MaxIndex || raftID.Index > afterIndex {
			raftBatch.Delete(kvcodec.CFLogs, append([]byte(nil), key...))
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if len(raftBatch) > 0 {
		return store.Write(raftBatch)
	}
	return nil
}
