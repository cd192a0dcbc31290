// Package integration exercises a single mailcored node wired the same
// way cmd/mailcored's serve command assembles one: real storage, a
// bootstrapped raft cluster of one voter, and a core.Server in front of
// it, with no mocked subsystem. This is the module layout's
// test/integration/ slot.
package integration

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardpost/mailcore/pkg/blob"
	"github.com/shardpost/mailcore/pkg/changelog"
	"github.com/shardpost/mailcore/pkg/core"
	"github.com/shardpost/mailcore/pkg/housekeeper"
	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/orm"
	"github.com/shardpost/mailcore/pkg/query"
	"github.com/shardpost/mailcore/pkg/raft"
)

const fieldSubject ids.FieldId = 1

func newClusterOfOne(t *testing.T) *core.Server {
	t.Helper()

	dataDir := t.TempDir()
	store, err := kv.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	node, err := raft.Bootstrap(raft.Config{
		NodeID:   "node-1",
		BindAddr: "127.0.0.1:0",
		DataDir:  dataDir,
	}, store)
	require.NoError(t, err)
	t.Cleanup(func() { node.Shutdown() })

	require.Eventually(t, node.IsLeader, 5*time.Second, 20*time.Millisecond,
		"single-voter cluster must elect itself leader")

	blobs := blob.New(store, blob.NewLocalBackend(t.TempDir()), blob.Config{}, zerolog.Nop())
	tasks := housekeeper.New(store, blobs, housekeeper.Config{Snapshot: node.Snapshot})

	s := core.New(store, node, blobs, tasks, zerolog.Nop())
	s.Start()
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestWriteBatchReplicatesThroughRaftOnSingleVoter(t *testing.T) {
	s := newClusterOfOne(t)
	account := ids.AccountId(1)

	doc := orm.NewDocument(ids.CollectionMail, ids.DocumentId(1))
	doc.Text(fieldSubject, "hello from raft", orm.OptStore)

	wb := orm.NewWriteBatch(account)
	require.NoError(t, wb.Insert(s.Store, doc, ids.FromParts(0, doc.ID)))
	require.NoError(t, s.WriteBatch(wb))

	val, err := s.Get(account, ids.CollectionMail, doc.ID, fieldSubject)
	require.NoError(t, err)
	assert.Equal(t, "hello from raft", string(val))

	log, ok, err := s.Changes(account, ids.CollectionMail, changelog.Query{Kind: changelog.QueryAll})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, log.Items, 1)
	assert.Equal(t, changelog.KindInsert, log.Items[0].Kind)

	result, err := s.Query(query.Request{
		Account:    account,
		Collection: ids.CollectionMail,
		Page:       query.Page{Limit: 10},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
}

func TestSingleVoterClusterIsLeader(t *testing.T) {
	// A lone bootstrapped voter is always its own leader, so the
	// non-leader rejection in core.Server.WriteBatch cannot be observed
	// here; this test checks only that the single voter leads.
	s := newClusterOfOne(t)
	assert.True(t, s.Raft.IsLeader())
}

func TestSubscribeObservesReplicatedWrite(t *testing.T) {
	s := newClusterOfOne(t)
	account := ids.AccountId(7)

	sink := s.Subscribe("integration-sub", []ids.AccountId{account}, nil)

	doc := orm.NewDocument(ids.CollectionMail, ids.DocumentId(1))
	wb := orm.NewWriteBatch(account)
	require.NoError(t, wb.Insert(s.Store, doc, ids.FromParts(0, doc.ID)))
	require.NoError(t, s.WriteBatch(wb))

	select {
	case change := <-sink:
		assert.Equal(t, account, change.Account)
		assert.Equal(t, ids.CollectionMail, change.Collection)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a state change notification after a replicated write")
	}
}
