// Package kvcodec is the single place that knows the on-disk byte layout
// of every key used by the storage engine. No other package encodes or
// decodes a raw key; they all go through here, following the centralized
// serialize::key module the original store keeps for the same reason.
package kvcodec

import (
	"encoding/binary"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/leb128"
)

// ColumnFamily names one of the five logical key spaces the KV substrate
// partitions data into.
type ColumnFamily uint8

const (
	CFValues ColumnFamily = iota
	CFBitmaps
	CFIndexes
	CFBlobs
	CFLogs
)

func (cf ColumnFamily) BucketName() []byte {
	switch cf {
	case CFValues:
		return []byte("values")
	case CFBitmaps:
		return []byte("bitmaps")
	case CFIndexes:
		return []byte("indexes")
	case CFBlobs:
		return []byte("blobs")
	case CFLogs:
		return []byte("logs")
	default:
		panic("kvcodec: unknown column family")
	}
}

// Log key tag bytes, matching LogKey::CHANGE_KEY_PREFIX / RAFT_KEY_PREFIX
// / ROLLBACK_KEY_PREFIX in the original store's serialize::key module.
const (
	logTagChange   byte = 0x01
	logTagRaft     byte = 0x02
	logTagRollback byte = 0x03
)

// ValueKey builds a Values-family key for a single stored property:
// account(4BE) | collection(1) | document(4BE) | field(1).
func ValueKey(account ids.AccountId, collection ids.Collection, doc ids.DocumentId, field ids.FieldId) []byte {
	k := make([]byte, 0, 10)
	k = appendBE32(k, uint32(account))
	k = append(k, byte(collection))
	k = appendBE32(k, uint32(doc))
	k = append(k, byte(field))
	return k
}

// BitmapKey builds a Bitmaps-family key for a document-id set keyed by a
// field/value pair: account(4BE) | collection(1) | field(1) | value.
func BitmapKey(account ids.AccountId, collection ids.Collection, field ids.FieldId, value []byte) []byte {
	k := make([]byte, 0, 6+len(value))
	k = appendBE32(k, uint32(account))
	k = append(k, byte(collection))
	k = append(k, byte(field))
	k = append(k, value...)
	return k
}

// LiveDocumentsKey is the reserved Bitmaps-family key holding the set of
// non-tombstoned document ids for one (account, collection).
func LiveDocumentsKey(account ids.AccountId, collection ids.Collection) []byte {
	return BitmapKey(account, collection, 0xFF, nil)
}

// FieldPrefixLen is the number of leading bytes of an Indexes key that
// identify the (account, collection, field) triple a range scan matches
// against, mirroring FIELD_PREFIX_LEN in the original key module.
const FieldPrefixLen = 6

// IndexKey builds an Indexes-family key for a range-scannable sort/filter
// value: account(4BE) | collection(1) | field(1) | value | document(4BE).
// value must already be in sort-comparable big-endian form.
func IndexKey(account ids.AccountId, collection ids.Collection, field ids.FieldId, value []byte, doc ids.DocumentId) []byte {
	k := make([]byte, 0, FieldPrefixLen+len(value)+4)
	k = appendBE32(k, uint32(account))
	k = append(k, byte(collection))
	k = append(k, byte(field))
	k = append(k, value...)
	k = appendBE32(k, uint32(doc))
	return k
}

// IndexKeyDocumentID extracts the trailing document id from a full
// Indexes key.
func IndexKeyDocumentID(key []byte) (ids.DocumentId, bool) {
	if len(key) < 4 {
		return 0, false
	}
	return ids.DocumentId(binary.BigEndian.Uint32(key[len(key)-4:])), true
}

// BlobKey builds a Blobs-family metadata key for a blob hash.
func BlobKey(id ids.BlobId) []byte {
	k := make([]byte, 0, 1+ids.BlobHashLen)
	if id.External {
		k = append(k, 1)
	} else {
		k = append(k, 0)
	}
	k = append(k, id.Hash[:]...)
	return k
}

// BlobLinkKey builds a Blobs-family key for a reference-count link entry:
// the blob key followed by a link discriminator (document ref or
// ephemeral timestamp) so every link for a blob sorts together.
func BlobLinkKey(id ids.BlobId, account ids.AccountId, collection ids.Collection, doc ids.DocumentId) []byte {
	k := BlobKey(id)
	k = append(k, appendBE32(nil, uint32(account))...)
	k = append(k, byte(collection))
	k = append(k, appendBE32(nil, uint32(doc))...)
	return k
}

// BlobEphemeralLinkKey builds a Blobs-family key for a time-bounded link
// that is not attached to any document (an in-progress upload).
func BlobEphemeralLinkKey(id ids.BlobId, expiresAtUnix int64) []byte {
	k := BlobKey(id)
	k = append(k, 0xFE) // ephemeral discriminator; in a document link this byte is the account id's high byte
	k = appendBE64(k, uint64(expiresAtUnix))
	return k
}

// ChangeKey builds a Logs-family key for one change-log entry:
// tag | account(4BE) | collection(1) | changeId(8BE).
func ChangeKey(account ids.AccountId, collection ids.Collection, change ids.ChangeId) []byte {
	k := make([]byte, 0, 1+4+1+8)
	k = append(k, logTagChange)
	k = appendBE32(k, uint32(account))
	k = append(k, byte(collection))
	k = appendBE64(k, uint64(change))
	return k
}

// ChangeTagPrefix is the single-byte prefix shared by every change-log
// key regardless of account/collection, for scans that group by key as
// they go (e.g. rollback preparation).
var ChangeTagPrefix = []byte{logTagChange}

// ChangeKeyPrefix returns the prefix shared by every change-log key for
// one (account, collection), for range scans.
func ChangeKeyPrefix(account ids.AccountId, collection ids.Collection) []byte {
	k := make([]byte, 0, 6)
	k = append(k, logTagChange)
	k = appendBE32(k, uint32(account))
	k = append(k, byte(collection))
	return k
}

// ChangeIDPos is the byte offset of the ChangeId field within a key
// produced by ChangeKey, mirroring LogKey::CHANGE_ID_POS.
const ChangeIDPos = 1 + 4 + 1

// DeserializeChangeID extracts the ChangeId from a change-log key.
func DeserializeChangeID(key []byte) (ids.ChangeId, bool) {
	if len(key) < ChangeIDPos+8 {
		return 0, false
	}
	return ids.ChangeId(binary.BigEndian.Uint64(key[ChangeIDPos : ChangeIDPos+8])), true
}

// DeserializeAccountCollection extracts the account and collection from
// any Logs-family key sharing the change-log layout.
func DeserializeAccountCollection(key []byte) (ids.AccountId, ids.Collection, bool) {
	if len(key) < 6 {
		return 0, 0, false
	}
	return ids.AccountId(binary.BigEndian.Uint32(key[1:5])), ids.Collection(key[5]), true
}

// RaftKey builds a Logs-family key for a raft log entry: tag |
// term(8BE) | index(8BE).
func RaftKey(id ids.RaftId) []byte {
	k := make([]byte, 0, 17)
	k = append(k, logTagRaft)
	k = appendBE64(k, id.Term)
	k = appendBE64(k, id.Index)
	return k
}

// RaftKeyPrefix is the single-byte prefix shared by every raft log key.
var RaftKeyPrefix = []byte{logTagRaft}

// DeserializeRaftID extracts the RaftId from a key produced by RaftKey.
func DeserializeRaftID(key []byte) (ids.RaftId, bool) {
	if len(key) < 17 {
		return ids.RaftId{}, false
	}
	return ids.RaftId{
		Term:  binary.BigEndian.Uint64(key[1:9]),
		Index: binary.BigEndian.Uint64(key[9:17]),
	}, true
}

// RollbackKey builds a Logs-family key holding the prepared rollback
// changeset for one (account, collection).
func RollbackKey(account ids.AccountId, collection ids.Collection) []byte {
	k := make([]byte, 0, 6)
	k = append(k, logTagRollback)
	k = appendBE32(k, uint32(account))
	k = append(k, byte(collection))
	return k
}

func appendBE32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// AppendLeb128 is a re-export convenience so callers building composite
// values (e.g. change-log payloads) don't need a second import for the
// common case of appending a single varint.
func AppendLeb128(dst []byte, v uint64) []byte {
	return leb128.AppendUint64(dst, v)
}
