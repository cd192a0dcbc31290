package orm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardpost/mailcore/pkg/bitmap"
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

const fieldSubject ids.FieldId = 1
const fieldKeyword ids.FieldId = 2
const fieldReceivedAt ids.FieldId = 3

func TestInsertWritesValuesBitmapsAndIndexes(t *testing.T) {
	store := openStore(t)
	account := ids.AccountId(7)

	doc := NewDocument(ids.CollectionMail, ids.DocumentId(1))
	doc.Text(fieldSubject, "Hello World", OptStore|OptTokenize)
	doc.Tag(fieldKeyword, []byte("seen"), OptIndex|OptKeyword)
	doc.Uint(fieldReceivedAt, 1000, OptStore|OptSort)

	wb := NewWriteBatch(account)
	require.NoError(t, wb.Insert(store, doc, ids.JMAPId(1)))
	batch, _, err := wb.Flush(store)
	require.NoError(t, err)
	require.NoError(t, store.Write(batch))

	val, err := store.Get(kvcodec.CFValues, kvcodec.ValueKey(account, ids.CollectionMail, doc.ID, fieldSubject))
	require.NoError(t, err)
	assert.Equal(t, "Hello World", string(val))

	bm, err := bitmap.Get(store, kvcodec.CFBitmaps, kvcodec.BitmapKey(account, ids.CollectionMail, fieldSubject, []byte("hello")))
	require.NoError(t, err)
	require.NotNil(t, bm)
	assert.True(t, bm.Contains(uint32(doc.ID)))

	bm, err = bitmap.Get(store, kvcodec.CFBitmaps, kvcodec.BitmapKey(account, ids.CollectionMail, fieldKeyword, []byte("seen")))
	require.NoError(t, err)
	require.NotNil(t, bm)
	assert.True(t, bm.Contains(uint32(doc.ID)))

	live, err := bitmap.Get(store, kvcodec.CFBitmaps, kvcodec.LiveDocumentsKey(account, ids.CollectionMail))
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.True(t, live.Contains(uint32(doc.ID)))

	exists, err := store.Exists(kvcodec.CFIndexes, kvcodec.IndexKey(account, ids.CollectionMail, fieldReceivedAt,
		doc.Properties[2].sortValue(), doc.ID))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMergeRewritesChangedIndexedValue(t *testing.T) {
	store := openStore(t)
	account := ids.AccountId(7)

	old := NewDocument(ids.CollectionMail, ids.DocumentId(1))
	old.Tag(fieldKeyword, []byte("unseen"), OptIndex|OptKeyword)

	wb := NewWriteBatch(account)
	require.NoError(t, wb.Insert(store, old, ids.JMAPId(1)))
	batch, _, err := wb.Flush(store)
	require.NoError(t, err)
	require.NoError(t, store.Write(batch))

	updated := NewDocument(ids.CollectionMail, ids.DocumentId(1))
	updated.Tag(fieldKeyword, []byte("seen"), OptIndex|OptKeyword)

	wb2 := NewWriteBatch(account)
	require.NoError(t, wb2.Merge(store, old, updated, ids.JMAPId(1), false))
	batch2, _, err := wb2.Flush(store)
	require.NoError(t, err)
	require.NoError(t, store.Write(batch2))

	bm, err := bitmap.Get(store, kvcodec.CFBitmaps, kvcodec.BitmapKey(account, ids.CollectionMail, fieldKeyword, []byte("unseen")))
	require.NoError(t, err)
	assert.Nil(t, bm)

	bm, err = bitmap.Get(store, kvcodec.CFBitmaps, kvcodec.BitmapKey(account, ids.CollectionMail, fieldKeyword, []byte("seen")))
	require.NoError(t, err)
	require.NotNil(t, bm)
	assert.True(t, bm.Contains(uint32(updated.ID)))
}

func TestDeleteRemovesAllTraces(t *testing.T) {
	store := openStore(t)
	account := ids.AccountId(7)

	doc := NewDocument(ids.CollectionMail, ids.DocumentId(1))
	doc.Text(fieldSubject, "Hello", OptStore|OptTokenize)
	doc.Tag(fieldKeyword, []byte("seen"), OptIndex|OptKeyword)

	wb := NewWriteBatch(account)
	require.NoError(t, wb.Insert(store, doc, ids.JMAPId(1)))
	batch, _, err := wb.Flush(store)
	require.NoError(t, err)
	require.NoError(t, store.Write(batch))

	wb2 := NewWriteBatch(account)
	require.NoError(t, wb2.Delete(store, doc, ids.JMAPId(1)))
	batch2, _, err := wb2.Flush(store)
	require.NoError(t, err)
	require.NoError(t, store.Write(batch2))

	val, err := store.Get(kvcodec.CFValues, kvcodec.ValueKey(account, ids.CollectionMail, doc.ID, fieldSubject))
	require.NoError(t, err)
	assert.Nil(t, val)

	bm, err := bitmap.Get(store, kvcodec.CFBitmaps, kvcodec.BitmapKey(account, ids.CollectionMail, fieldKeyword, []byte("seen")))
	require.NoError(t, err)
	assert.Nil(t, bm)

	live, err := bitmap.Get(store, kvcodec.CFBitmaps, kvcodec.LiveDocumentsKey(account, ids.CollectionMail))
	require.NoError(t, err)
	assert.Nil(t, live)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, tokenize("Hello, World!"))
	assert.Empty(t, tokenize("   "))
}
