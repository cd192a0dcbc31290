// Package raft replicates the committed change log across cluster
// members on top of hashicorp/raft: an FSM applies already-written
// change-log ranges from the leader, snapshots compact replicated state,
// and a rollback-changeset path lets a follower that fell behind after a
// leader change discard and replay the diverging tail. It generalizes
// teacher pkg/manager's WarrenFSM/raft.Raft wiring from Warren's
// node/service/task commands to this system's
// (AccountId, Collection, ChangeId) replication unit.
package raft

import (
	"bytes"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/shardpost/mailcore/pkg/changelog"
	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
	"github.com/shardpost/mailcore/pkg/leb128"
)

// MergedChanges folds a run of change-log Entry values into the net
// effect on a collection's document set: which documents are new,
// which existing documents changed, and which were removed. Ports
// MergedChanges from
// original_source/src/cluster/log/changes_merge.rs field for field,
// including the "a delete that also appears as an insert with a
// different prefix in the same entry is a move, not a deletion"
// cancellation rule. An insert followed by a delete of the same document
// id (in a later entry, or the identical JMAP id within one entry)
// cancels out: the document is reported neither inserted nor deleted.
type MergedChanges struct {
	Inserts *roaring.Bitmap
	Updates *roaring.Bitmap
	Deletes *roaring.Bitmap
}

func NewMergedChanges() *MergedChanges {
	return &MergedChanges{Inserts: roaring.New(), Updates: roaring.New(), Deletes: roaring.New()}
}

func (m *MergedChanges) IsEmpty() bool {
	return m.Inserts.IsEmpty() && m.Updates.IsEmpty() && m.Deletes.IsEmpty()
}

// Apply folds one change-log Entry into m. Child-only updates are
// intentionally skipped, mirroring the original's "skip child updates"
// step: a child-only update doesn't change which documents a raft
// follower needs to resync, only their sub-objects.
func (m *MergedChanges) Apply(e changelog.Entry) {
	insertedIds := append([]ids.JMAPId(nil), e.Inserts...)

	for _, id := range e.Updates {
		doc := uint32(id.DocumentID())
		if !m.Inserts.Contains(doc) {
			m.Updates.Add(doc)
		}
	}

	for _, deletedID := range e.Deletes {
		doc := uint32(deletedID.DocumentID())
		prefix := deletedID.PrefixID()

		movedPos := -1
		for i, insertedID := range insertedIds {
			if insertedID.DocumentID() == deletedID.DocumentID() && insertedID.PrefixID() != prefix {
				movedPos = i
				break
			}
		}

		if movedPos >= 0 {
			insertedIds = append(insertedIds[:movedPos], insertedIds[movedPos+1:]...)
			if !m.Inserts.Contains(doc) {
				m.Updates.Add(doc)
			}
			continue
		}

		cancelled := false
		for i, insertedID := range insertedIds {
			if insertedID == deletedID {
				insertedIds = append(insertedIds[:i], insertedIds[i+1:]...)
				cancelled = true
				break
			}
		}
		if cancelled {
			continue
		}

		if m.Inserts.Contains(doc) {
			m.Inserts.Remove(doc)
		} else {
			m.Deletes.Add(doc)
		}
		m.Updates.Remove(doc)
	}

	for _, insertedID := range insertedIds {
		m.Inserts.Add(uint32(insertedID.DocumentID()))
	}
}

// MaxChangeID is the sentinel meaning "no lower bound", mirroring
// ChangeId::MAX in from_id comparisons in the original.
const MaxChangeID ids.ChangeId = ^ids.ChangeId(0)

// MergeChanges scans the raw change log for (account, collection) and
// folds every entry with change id in [fromID, toID] (fromID==
// MaxChangeID means "from the start") into a single MergedChanges, the
// unit a raft snapshot or a rejoining follower replays. Ports
// merge_changes from changes_merge.rs, including its per-entry (not
// per-flattened-item) Apply boundary: a move (delete of the same
// document id under a different prefix within the same log entry)
// can only cancel against an insert recorded in that same entry.
func MergeChanges(store kv.Store, account ids.AccountId, collection ids.Collection, fromID, toID ids.ChangeId) (*MergedChanges, error) {
	from := fromID
	if fromID == MaxChangeID {
		from = 0
	}

	prefix := kvcodec.ChangeKeyPrefix(account, collection)
	start := kvcodec.ChangeKey(account, collection, from)

	merged := NewMergedChanges()
	err := store.Iterate(kvcodec.CFLogs, start, kv.Forward, func(key, value []byte) (bool, error) {
		if !bytes.HasPrefix(key, prefix) {
			return false, nil
		}
		changeID, ok := kvcodec.DeserializeChangeID(key)
		if !ok {
			return false, ids.NewError(ids.ErrFatal, "malformed change-log key %x", key)
		}
		if (changeID >= from || fromID == MaxChangeID) && changeID <= toID {
			e, ok := changelog.DecodeEntry(value)
			if !ok {
				return false, ids.NewError(ids.ErrFatal, "corrupt change-log entry at change id %d", changeID)
			}
			merged.Apply(e)
		}
		return true, nil
	})
	return merged, err
}

// EncodeMergedChanges serializes m as three LEB128-length-prefixed
// roaring bitmaps (inserts, updates, deletes), ported from
// MergedChanges::serialize in changes_merge.rs.
func EncodeMergedChanges(m *MergedChanges) ([]byte, error) {
	insertBytes, err := marshalIfNonEmpty(m.Inserts)
	if err != nil {
		return nil, err
	}
	updateBytes, err := marshalIfNonEmpty(m.Updates)
	if err != nil {
		return nil, err
	}
	deleteBytes, err := marshalIfNonEmpty(m.Deletes)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(insertBytes)+len(updateBytes)+len(deleteBytes)+3)
	buf = kvcodec.AppendLeb128(buf, uint64(len(insertBytes)))
	buf = kvcodec.AppendLeb128(buf, uint64(len(updateBytes)))
	buf = kvcodec.AppendLeb128(buf, uint64(len(deleteBytes)))
	buf = append(buf, insertBytes...)
	buf = append(buf, updateBytes...)
	buf = append(buf, deleteBytes...)
	return buf, nil
}

// DecodeMergedChanges is the inverse of EncodeMergedChanges, ported from
// MergedChanges::from_bytes.
func DecodeMergedChanges(raw []byte) (*MergedChanges, bool) {
	insertSize, n, ok := leb128.Uint64(raw)
	if !ok {
		return nil, false
	}
	raw = raw[n:]
	updateSize, n, ok := leb128.Uint64(raw)
	if !ok {
		return nil, false
	}
	raw = raw[n:]
	deleteSize, n, ok := leb128.Uint64(raw)
	if !ok {
		return nil, false
	}
	raw = raw[n:]

	if uint64(len(raw)) < insertSize+updateSize+deleteSize {
		return nil, false
	}

	inserts, ok := unmarshalBitmap(raw[:insertSize])
	if !ok {
		return nil, false
	}
	raw = raw[insertSize:]
	updates, ok := unmarshalBitmap(raw[:updateSize])
	if !ok {
		return nil, false
	}
	raw = raw[updateSize:]
	deletes, ok := unmarshalBitmap(raw[:deleteSize])
	if !ok {
		return nil, false
	}

	return &MergedChanges{Inserts: inserts, Updates: updates, Deletes: deletes}, true
}

func marshalIfNonEmpty(bm *roaring.Bitmap) ([]byte, error) {
	if bm == nil || bm.IsEmpty() {
		return nil, nil
	}
	return bm.MarshalBinary()
}

func unmarshalBitmap(raw []byte) (*roaring.Bitmap, bool) {
	bm := roaring.New()
	if len(raw) == 0 {
		return bm, true
	}
	if err := bm.UnmarshalBinary(raw); err != nil {
		return nil, false
	}
	return bm, true
}

