package core

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardpost/mailcore/pkg/blob"
	"github.com/shardpost/mailcore/pkg/changelog"
	"github.com/shardpost/mailcore/pkg/housekeeper"
	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/orm"
	"github.com/shardpost/mailcore/pkg/query"
)

const fieldSubject ids.FieldId = 1

func newServer(t *testing.T) *Server {
	t.Helper()
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs := blob.New(store, blob.NewLocalBackend(t.TempDir()), blob.Config{}, zerolog.Nop())
	tasks := housekeeper.New(store, blobs, housekeeper.Config{})

	s := New(store, nil, blobs, tasks, zerolog.Nop())
	s.Start()
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestWriteBatchThenGetWithoutRaft(t *testing.T) {
	s := newServer(t)
	account := ids.AccountId(1)

	doc := orm.NewDocument(ids.CollectionMail, ids.DocumentId(1))
	doc.Text(fieldSubject, "hello", orm.OptStore)

	wb := orm.NewWriteBatch(account)
	require.NoError(t, wb.Insert(s.Store, doc, ids.FromParts(0, doc.ID)))
	require.NoError(t, s.WriteBatch(wb))

	val, err := s.Get(account, ids.CollectionMail, doc.ID, fieldSubject)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(val))
}

func TestWriteBatchPublishesStateChange(t *testing.T) {
	s := newServer(t)
	account := ids.AccountId(1)

	sink := s.Subscribe("sub1", []ids.AccountId{account}, []ids.Collection{ids.CollectionMail})

	doc := orm.NewDocument(ids.CollectionMail, ids.DocumentId(1))
	doc.Text(fieldSubject, "hello", orm.OptStore)

	wb := orm.NewWriteBatch(account)
	require.NoError(t, wb.Insert(s.Store, doc, ids.FromParts(0, doc.ID)))
	require.NoError(t, s.WriteBatch(wb))

	select {
	case change := <-sink:
		assert.Equal(t, account, change.Account)
		assert.Equal(t, ids.CollectionMail, change.Collection)
	case <-time.After(time.Second):
		t.Fatal("expected a state change notification")
	}
}

func TestChangesReflectsInsert(t *testing.T) {
	s := newServer(t)
	account := ids.AccountId(1)

	doc := orm.NewDocument(ids.CollectionMail, ids.DocumentId(1))
	wb := orm.NewWriteBatch(account)
	require.NoError(t, wb.Insert(s.Store, doc, ids.FromParts(0, doc.ID)))
	require.NoError(t, s.WriteBatch(wb))

	log, ok, err := s.Changes(account, ids.CollectionMail, changelog.Query{Kind: changelog.QueryAll})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, log.Items, 1)
	assert.Equal(t, changelog.KindInsert, log.Items[0].Kind)
	assert.Equal(t, ids.FromParts(0, doc.ID), log.Items[0].ID)
}

func TestQueryFindsInsertedDocument(t *testing.T) {
	s := newServer(t)
	account := ids.AccountId(1)

	doc := orm.NewDocument(ids.CollectionMail, ids.DocumentId(1))
	wb := orm.NewWriteBatch(account)
	require.NoError(t, wb.Insert(s.Store, doc, ids.FromParts(0, doc.ID)))
	require.NoError(t, s.WriteBatch(wb))

	result, err := s.Query(query.Request{
		Account:    account,
		Collection: ids.CollectionMail,
		Page:       query.Page{Limit: 10},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
}
