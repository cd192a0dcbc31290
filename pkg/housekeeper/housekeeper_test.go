package housekeeper

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardpost/mailcore/pkg/blob"
	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
)

func openStore(t *testing.T) kv.Store {
	t.Helper()
	s, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newBlobStore(t *testing.T, store kv.Store) *blob.Store {
	t.Helper()
	backend := blob.NewLocalBackend(t.TempDir())
	return blob.New(store, backend, blob.Config{EphemeralTTL: time.Minute}, zerolog.Nop())
}

func TestPurgeAccountSweepsValuesBitmapsIndexesAndLogs(t *testing.T) {
	store := openStore(t)
	blobs := newBlobStore(t, store)
	h := New(store, blobs, Config{})

	const account ids.AccountId = 7
	const otherAccount ids.AccountId = 8

	var batch kv.Batch
	batch.Set(kvcodec.CFValues, kvcodec.ValueKey(account, ids.CollectionMail, 1, 2), []byte("v1"))
	batch.Set(kvcodec.CFBitmaps, kvcodec.BitmapKey(account, ids.CollectionMail, 2, []byte("x")), []byte{1})
	batch.Set(kvcodec.CFIndexes, kvcodec.IndexKey(account, ids.CollectionMail, 2, []byte("x"), 1), nil)
	batch.Set(kvcodec.CFLogs, kvcodec.ChangeKey(account, ids.CollectionMail, 1), []byte("entry"))
	batch.Set(kvcodec.CFValues, kvcodec.ValueKey(otherAccount, ids.CollectionMail, 1, 2), []byte("keep"))
	require.NoError(t, store.Write(batch))

	require.NoError(t, h.purgeAccount(account))

	exists, err := store.Exists(kvcodec.CFValues, kvcodec.ValueKey(account, ids.CollectionMail, 1, 2))
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = store.Exists(kvcodec.CFBitmaps, kvcodec.BitmapKey(account, ids.CollectionMail, 2, []byte("x")))
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = store.Exists(kvcodec.CFIndexes, kvcodec.IndexKey(account, ids.CollectionMail, 2, []byte("x"), 1))
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = store.Exists(kvcodec.CFLogs, kvcodec.ChangeKey(account, ids.CollectionMail, 1))
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = store.Exists(kvcodec.CFValues, kvcodec.ValueKey(otherAccount, ids.CollectionMail, 1, 2))
	require.NoError(t, err)
	assert.True(t, exists, "purging one account must not touch another account's keys")
}

func TestPurgeAccountsOnceSkipsWhenNoPendingAccountsSource(t *testing.T) {
	store := openStore(t)
	blobs := newBlobStore(t, store)
	h := New(store, blobs, Config{})

	assert.NoError(t, h.purgeAccountsOnce())
}

func TestPurgeAccountsOnceSweepsEveryPendingAccount(t *testing.T) {
	store := openStore(t)
	blobs := newBlobStore(t, store)

	const account ids.AccountId = 3
	var batch kv.Batch
	batch.Set(kvcodec.CFValues, kvcodec.ValueKey(account, ids.CollectionMail, 1, 2), []byte("v"))
	require.NoError(t, store.Write(batch))

	h := New(store, blobs, Config{
		PendingAccounts: func() ([]ids.AccountId, error) {
			return []ids.AccountId{account}, nil
		},
	})

	require.NoError(t, h.purgeAccountsOnce())

	exists, err := store.Exists(kvcodec.CFValues, kvcodec.ValueKey(account, ids.CollectionMail, 1, 2))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPurgeBlobsOnceDelegatesToBlobStore(t *testing.T) {
	store := openStore(t)
	blobs := newBlobStore(t, store)
	h := New(store, blobs, Config{})

	_, err := blobs.Put([]byte("orphaned"))
	require.NoError(t, err)

	require.NoError(t, h.purgeBlobsOnce())
}

func TestCompactLogOnceNoopsWithoutSnapshotFunc(t *testing.T) {
	store := openStore(t)
	blobs := newBlobStore(t, store)
	h := New(store, blobs, Config{})

	assert.NoError(t, h.compactLogOnce())
}

func TestCompactLogOnceInvokesSnapshotFunc(t *testing.T) {
	store := openStore(t)
	blobs := newBlobStore(t, store)

	called := false
	h := New(store, blobs, Config{
		Snapshot: func() error {
			called = true
			return nil
		},
	})

	require.NoError(t, h.compactLogOnce())
	assert.True(t, called)
}

func TestStartStopRunsLoopsWithoutPanicking(t *testing.T) {
	store := openStore(t)
	blobs := newBlobStore(t, store)

	h := New(store, blobs, Config{
		PurgeAccountsInterval: 5 * time.Millisecond,
		PurgeBlobsInterval:    5 * time.Millisecond,
		CompactLogInterval:    5 * time.Millisecond,
	})

	h.Start()
	h.Start() // idempotent
	time.Sleep(20 * time.Millisecond)
	h.Stop()
	h.Stop() // idempotent
}
