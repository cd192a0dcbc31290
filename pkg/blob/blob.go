// Package blob is the content-addressed blob store: raw bytes are hashed,
// stored once in a backend (local filesystem or S3), and referenced by
// reference-counted links (either tied to a document or ephemeral with a
// TTL). This ports blob_store/blob_link_ephimeral/purge_blobs from
// components/store/src/blob/{store,purge}.rs.
package blob

import (
	"bytes"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
	"github.com/shardpost/mailcore/pkg/metrics"
)

// Backend stores and retrieves the raw bytes of a blob, independent of
// the metadata/reference-counting layer above it.
type Backend interface {
	Put(id ids.BlobId, data []byte) error
	Get(id ids.BlobId) ([]byte, error)
	GetRange(id ids.BlobId, start, end uint32) ([]byte, error)
	Delete(id ids.BlobId) error
}

// hashLock serializes concurrent writers/purgers touching the same blob
// hash, mirroring the original's per-hash lock map (blob.lock.lock_hash).
type hashLock struct {
	mu    sync.Mutex
	locks map[ids.BlobId]*sync.Mutex
}

func newHashLock() *hashLock {
	return &hashLock{locks: make(map[ids.BlobId]*sync.Mutex)}
}

func (h *hashLock) lock(id ids.BlobId) func() {
	h.mu.Lock()
	l, ok := h.locks[id]
	if !ok {
		l = &sync.Mutex{}
		h.locks[id] = l
	}
	h.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Store is the blob layer's public API.
type Store struct {
	kv      kv.Store
	backend Backend
	locks   *hashLock
	ttl     time.Duration
	log     zerolog.Logger
}

// Config configures the blob store's ephemeral-link expiry.
type Config struct {
	EphemeralTTL time.Duration
}

func New(store kv.Store, backend Backend, cfg Config, log zerolog.Logger) *Store {
	ttl := cfg.EphemeralTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Store{kv: store, backend: backend, locks: newHashLock(), ttl: ttl, log: log}
}

// Hash computes the content hash a BlobId is addressed by.
func Hash(data []byte) [ids.BlobHashLen]byte {
	return sha256.Sum256(data)
}

// Put stores data if it isn't already present and records the metadata
// entry (the upload time; Purge does not read it, and removes a blob with
// no live link whatever its age). Returns the BlobId.
func (s *Store) Put(data []byte) (ids.BlobId, error) {
	id := ids.BlobId{Hash: Hash(data)}
	key := kvcodec.BlobKey(id)

	unlock := s.locks.lock(id)
	defer unlock()

	exists, err := s.kv.Exists(kvcodec.CFBlobs, key)
	if err != nil {
		return id, err
	}
	if exists {
		return id, nil
	}

	if err := s.backend.Put(id, data); err != nil {
		return id, ids.WrapError(ids.ErrFatal, err, "write blob to backend")
	}

	var batch kv.Batch
	batch.Set(kvcodec.CFBlobs, key, encodeTimestamp(time.Now()))
	if err := s.kv.Write(batch); err != nil {
		if derr := s.backend.Delete(id); derr != nil {
			s.log.Error().Err(derr).Msg("failed to roll back orphaned blob after metadata write failure")
		}
		return id, ids.WrapError(ids.ErrTemporary, err, "write blob metadata")
	}
	return id, nil
}

// Exists reports whether a blob's content is present, independent of
// links.
func (s *Store) Exists(id ids.BlobId) (bool, error) {
	return s.kv.Exists(kvcodec.CFBlobs, kvcodec.BlobKey(id))
}

// LinkDocument records a durable reference from (account, collection,
// document) to a blob; the blob survives purge as long as this link (or
// any other) exists.
func (s *Store) LinkDocument(batch *kv.Batch, id ids.BlobId, account ids.AccountId, collection ids.Collection, doc ids.DocumentId) {
	batch.Set(kvcodec.CFBlobs, kvcodec.BlobLinkKey(id, account, collection, doc), nil)
}

// UnlinkDocument removes a durable document reference, staged into batch
// alongside the document mutation that drops it.
func (s *Store) UnlinkDocument(batch *kv.Batch, id ids.BlobId, account ids.AccountId, collection ids.Collection, doc ids.DocumentId) {
	batch.Delete(kvcodec.CFBlobs, kvcodec.BlobLinkKey(id, account, collection, doc))
}

// LinkEphemeral records a time-bounded reference for a blob that has been
// uploaded but not yet attached to any document (e.g. mid-composition
// draft attachments).
func (s *Store) LinkEphemeral(id ids.BlobId) error {
	var batch kv.Batch
	batch.Set(kvcodec.CFBlobs, kvcodec.BlobEphemeralLinkKey(id, time.Now().Add(s.ttl).Unix()), nil)
	return s.kv.Write(batch)
}

// Get returns the full content of a blob.
func (s *Store) Get(id ids.BlobId) ([]byte, error) {
	return s.backend.Get(id)
}

// GetRange returns a byte range of a blob's content.
func (s *Store) GetRange(id ids.BlobId, start, end uint32) ([]byte, error) {
	return s.backend.GetRange(id, start, end)
}

// HasAccess reports whether account has any durable link to id, used to
// gate direct blob downloads by reference (not just document ACL).
func (s *Store) HasAccess(id ids.BlobId, account ids.AccountId) (bool, error) {
	prefix := kvcodec.BlobKey(id)
	prefix = append(prefix, beUint32(uint32(account))...)
	found := false
	err := s.kv.Iterate(kvcodec.CFBlobs, prefix, kv.Forward, func(key, _ []byte) (bool, error) {
		if !bytes.HasPrefix(key, prefix) {
			return false, nil
		}
		found = true
		return false, nil
	})
	return found, err
}

// Purge scans the Blobs column family in hash order, groups entries by
// blob, drops expired ephemeral links, and deletes any blob whose link
// count reaches zero. This ports purge_blobs from blob/purge.rs: the scan
// is a single forward pass because BlobKey sorts a blob's metadata entry
// before all of its link entries.
func (s *Store) Purge() error {
	var (
		batch        kv.Batch
		currentKey   []byte
		linkCount    = -1 // -1 marks "no group started yet"
	)
	now := time.Now()

	flush := func() error {
		if currentKey == nil {
			return nil
		}
		if linkCount <= 0 {
			unlock := s.locks.lock(blobIDFromKey(currentKey))
			defer unlock()
			batch.Delete(kvcodec.CFBlobs, currentKey)
			if err := s.backend.Delete(blobIDFromKey(currentKey)); err != nil {
				s.log.Error().Err(err).Msg("failed to delete purged blob from backend")
			}
			metrics.BlobsPurgedTotal.Inc()
		}
		if len(batch) > 0 {
			if err := s.kv.Write(batch); err != nil {
				return err
			}
			batch = nil
		}
		return nil
	}

	err := s.kv.Iterate(kvcodec.CFBlobs, nil, kv.Forward, func(key, value []byte) (bool, error) {
		if len(key) < 1+ids.BlobHashLen {
			return true, nil
		}
		blobKey := key[:1+ids.BlobHashLen]

		if !bytes.Equal(blobKey, currentKey) {
			if err := flush(); err != nil {
				return false, err
			}
			currentKey = append([]byte(nil), blobKey...)
			linkCount = 0
		}

		if len(key) == len(blobKey) {
			return true, nil // the metadata entry itself, not a link
		}

		if isEphemeralLink(key, blobKey) {
			expiresAt := decodeTimestamp(key[len(blobKey)+1:])
			if now.After(expiresAt) {
				batch.Delete(kvcodec.CFBlobs, append([]byte(nil), key...))
				return true, nil
			}
		}
		linkCount++
		return true, nil
	})
	if err != nil {
		return err
	}
	return flush()
}

func blobIDFromKey(key []byte) ids.BlobId {
	var id ids.BlobId
	id.External = key[0] == 1
	copy(id.Hash[:], key[1:])
	return id
}

func isEphemeralLink(key, blobKey []byte) bool {
	return len(key) == len(blobKey)+1+8 && key[len(blobKey)] == 0xFE
}

func encodeTimestamp(t time.Time) []byte {
	return beUint64(uint64(t.Unix()))
}

func decodeTimestamp(v []byte) time.Time {
	if len(v) < 8 {
		return time.Time{}
	}
	var n uint64
	for _, b := range v[:8] {
		n = n<<8 | uint64(b)
	}
	return time.Unix(int64(n), 0)
}

func beUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func beUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
