package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/orm"
)

func openStore(t *testing.T) kv.Store {
	t.Helper()
	s, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

const (
	fieldSubject    ids.FieldId = 1
	fieldKeyword    ids.FieldId = 2
	fieldReceivedAt ids.FieldId = 3
)

func seedMail(t *testing.T, store kv.Store, account ids.AccountId, id ids.DocumentId, subject, keyword string, receivedAt uint64) {
	t.Helper()
	doc := orm.NewDocument(ids.CollectionMail, id)
	doc.Text(fieldSubject, subject, orm.OptStore|orm.OptTokenize)
	doc.Tag(fieldKeyword, []byte(keyword), orm.OptIndex|orm.OptKeyword)
	doc.Uint(fieldReceivedAt, receivedAt, orm.OptStore|orm.OptSort)

	wb := orm.NewWriteBatch(account)
	require.NoError(t, wb.Insert(store, doc, ids.FromParts(0, id)))
	batch, _, err := wb.Flush(store)
	require.NoError(t, err)
	require.NoError(t, store.Write(batch))
}

func TestEvaluateAndTextFilter(t *testing.T) {
	store := openStore(t)
	account := ids.AccountId(1)

	seedMail(t, store, account, 1, "Hello World", "seen", 100)
	seedMail(t, store, account, 2, "Goodbye World", "seen", 200)
	seedMail(t, store, account, 3, "Hello Moon", "unseen", 300)

	res, err := Run(store, Request{
		Account:    account,
		Collection: ids.CollectionMail,
		Filter:     And(TextContains(fieldSubject, "hello"), TagPresent(fieldKeyword, []byte("seen"))),
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Ids, 1)
	assert.Equal(t, ids.DocumentId(1), res.Ids[0].DocumentID())
}

func TestEvaluateRangeFilter(t *testing.T) {
	store := openStore(t)
	account := ids.AccountId(1)

	seedMail(t, store, account, 1, "a", "x", 100)
	seedMail(t, store, account, 2, "b", "x", 200)
	seedMail(t, store, account, 3, "c", "x", 300)

	res, err := Run(store, Request{
		Account:     account,
		Collection:  ids.CollectionMail,
		Filter:      Ge(fieldReceivedAt, sortUint(200)),
		Comparators: []Comparator{{Field: fieldReceivedAt}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Ids, 2)
	assert.Equal(t, ids.DocumentId(2), res.Ids[0].DocumentID())
	assert.Equal(t, ids.DocumentId(3), res.Ids[1].DocumentID())
}

func sortUint(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func TestPaginateNoAnchor(t *testing.T) {
	idsList := []ids.JMAPId{1, 2, 3, 4, 5}
	res, err := Paginate(idsList, Page{Position: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []ids.JMAPId{2, 3}, res.Ids)
	assert.Equal(t, 1, res.Position)
	assert.Equal(t, 5, res.Total)
}

func TestPaginateNegativePosition(t *testing.T) {
	idsList := []ids.JMAPId{1, 2, 3, 4, 5}
	res, err := Paginate(idsList, Page{Position: -2})
	require.NoError(t, err)
	assert.Equal(t, []ids.JMAPId{4, 5}, res.Ids)
	assert.Equal(t, 3, res.Position)
}

func TestPaginateAnchor(t *testing.T) {
	idsList := []ids.JMAPId{1, 2, 3, 4, 5}
	anchor := ids.JMAPId(3)
	res, err := Paginate(idsList, Page{Anchor: &anchor, AnchorOffset: -2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []ids.JMAPId{2, 3}, res.Ids)
}

func TestPaginateAnchorNotFound(t *testing.T) {
	idsList := []ids.JMAPId{1, 2, 3}
	anchor := ids.JMAPId(99)
	_, err := Paginate(idsList, Page{Anchor: &anchor})
	require.Error(t, err)
	assert.True(t, ids.Is(err, ids.ErrAnchorNotFound))
}

func TestSortFallsBackToDocumentIdOrder(t *testing.T) {
	store := openStore(t)
	sorted, err := Sort(store, 1, ids.CollectionMail, []ids.DocumentId{3, 1, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, []ids.DocumentId{1, 2, 3}, sorted)
}
