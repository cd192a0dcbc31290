package changelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
)

func TestEntryRoundTrip(t *testing.T) {
	e := Entry{
		Inserts:      []ids.JMAPId{1, 2, 3},
		Updates:      []ids.JMAPId{4},
		ChildUpdates: []ids.JMAPId{5, 6},
		Deletes:      []ids.JMAPId{7},
	}
	got, ok := DecodeEntry(EncodeEntry(e))
	require.True(t, ok)
	assert.Equal(t, e, got)
}

func openStore(t *testing.T) kv.Store {
	t.Helper()
	s, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndGetState(t *testing.T) {
	store := openStore(t)
	account, collection := ids.AccountId(1), ids.CollectionMail

	state, err := GetState(store, account, collection)
	require.NoError(t, err)
	assert.Equal(t, ids.InitialState(), state)

	var batch kv.Batch
	id, err := Append(store, &batch, account, collection, Entry{Inserts: []ids.JMAPId{1}})
	require.NoError(t, err)
	assert.Equal(t, ids.ChangeId(1), id)
	require.NoError(t, store.Write(batch))

	state, err = GetState(store, account, collection)
	require.NoError(t, err)
	assert.Equal(t, ids.ExactState(1), state)
}

func TestChangesPagination(t *testing.T) {
	store := openStore(t)
	account, collection := ids.AccountId(1), ids.CollectionMail

	for i := 1; i <= 5; i++ {
		var batch kv.Batch
		_, err := Append(store, &batch, account, collection, Entry{Inserts: []ids.JMAPId{ids.JMAPId(i)}})
		require.NoError(t, err)
		require.NoError(t, store.Write(batch))
	}

	res, err := Changes(store, ChangesRequest{Account: account, Collection: collection, SinceState: ids.InitialState(), MaxChanges: 2})
	require.NoError(t, err)
	assert.True(t, res.HasMoreChanges)
	assert.Len(t, res.Created, 2)
	assert.Equal(t, ids.StateIntermediate, res.NewState.Kind)

	res2, err := Changes(store, ChangesRequest{Account: account, Collection: collection, SinceState: res.NewState, MaxChanges: 2})
	require.NoError(t, err)
	assert.True(t, res2.HasMoreChanges)
	assert.Len(t, res2.Created, 2)

	res3, err := Changes(store, ChangesRequest{Account: account, Collection: collection, SinceState: res2.NewState, MaxChanges: 2})
	require.NoError(t, err)
	assert.False(t, res3.HasMoreChanges)
	assert.Len(t, res3.Created, 1)
	assert.Equal(t, ids.StateExact, res3.NewState.Kind)
}

func TestChangesExactStateNotFound(t *testing.T) {
	store := openStore(t)
	_, err := Changes(store, ChangesRequest{Account: 1, Collection: ids.CollectionMail, SinceState: ids.ExactState(99)})
	require.Error(t, err)
	assert.True(t, ids.Is(err, ids.ErrStateMismatch))
}
