package blob

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
)

func newTestStore(t *testing.T) (*Store, *LocalBackend) {
	t.Helper()
	dir := t.TempDir()
	store, err := kv.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := NewLocalBackend(dir + "/blobs")
	return New(store, backend, Config{EphemeralTTL: 10 * time.Millisecond}, zerolog.Nop()), backend
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	data := []byte("hello world")
	id, err := s.Put(data)
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := s.Exists(id)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPutIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	data := []byte("same content")
	id1, err := s.Put(data)
	require.NoError(t, err)
	id2, err := s.Put(data)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestPurgeDropsExpiredEphemeralAndUnlinkedBlob(t *testing.T) {
	s, backend := newTestStore(t)
	data := []byte("will expire")
	id, err := s.Put(data)
	require.NoError(t, err)

	require.NoError(t, s.LinkEphemeral(id))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Purge())

	exists, err := s.Exists(id)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = os.Stat(backend.path(id))
	assert.True(t, os.IsNotExist(err), "expected backend object to be deleted by purge")
}

func TestPurgeKeepsBlobWithDocumentLink(t *testing.T) {
	s, backend := newTestStore(t)
	data := []byte("keep me")
	id, err := s.Put(data)
	require.NoError(t, err)

	var batch kv.Batch
	s.LinkDocument(&batch, id, ids.AccountId(1), ids.CollectionMail, ids.DocumentId(1))
	require.NoError(t, s.kv.Write(batch))

	require.NoError(t, s.Purge())

	exists, err := s.Exists(id)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = os.Stat(backend.path(id))
	assert.NoError(t, err, "expected backend object to survive purge while linked")
}
