package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
)

func openStore(t *testing.T) kv.Store {
	t.Helper()
	s, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetVerifyCredential(t *testing.T) {
	store := openStore(t)
	a := New(store)

	var batch kv.Batch
	require.NoError(t, a.SetCredential(&batch, 1, "correct horse battery staple"))
	require.NoError(t, store.Write(batch))

	ok, err := a.VerifyCredential(1, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.VerifyCredential(1, "wrong password")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyCredentialFailsClosedWithoutCredential(t *testing.T) {
	store := openStore(t)
	a := New(store)

	ok, err := a.VerifyCredential(99, "anything")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetCredentialRejectsEmptyPassword(t *testing.T) {
	store := openStore(t)
	a := New(store)

	var batch kv.Batch
	err := a.SetCredential(&batch, 1, "")
	assert.Error(t, err)
}

func TestExpandGroupsIncludesSelfAndConfiguredGroups(t *testing.T) {
	store := openStore(t)
	a := New(store)

	var batch kv.Batch
	a.SetGroups(&batch, 1, []ids.AccountId{10, 20})
	require.NoError(t, store.Write(batch))

	identities, err := a.ExpandGroups(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ids.AccountId{1, 10, 20}, identities)
}

func TestExpandGroupsWithNoGroupsReturnsSelfOnly(t *testing.T) {
	store := openStore(t)
	a := New(store)

	identities, err := a.ExpandGroups(5)
	require.NoError(t, err)
	assert.Equal(t, []ids.AccountId{5}, identities)
}

func TestCheckAccessOwnerAlwaysAllowed(t *testing.T) {
	store := openStore(t)
	a := New(store)

	ok, err := a.CheckAccess(1, 1, ids.CollectionMail, 1, RightRead|RightDelete)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckAccessDeniedWithoutGrant(t *testing.T) {
	store := openStore(t)
	a := New(store)

	ok, err := a.CheckAccess(1, 2, ids.CollectionMail, 1, RightRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGrantACLThenCheckAccess(t *testing.T) {
	store := openStore(t)
	a := New(store)

	var batch kv.Batch
	require.NoError(t, a.GrantACL(&batch, 1, ids.CollectionMail, 42, 2, RightRead))
	require.NoError(t, store.Write(batch))

	ok, err := a.CheckAccess(1, 2, ids.CollectionMail, 42, RightRead)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.CheckAccess(1, 2, ids.CollectionMail, 42, RightModify)
	require.NoError(t, err)
	assert.False(t, ok, "grant was read-only")
}

func TestGrantACLViaGroupMembership(t *testing.T) {
	store := openStore(t)
	a := New(store)

	var batch kv.Batch
	a.SetGroups(&batch, 2, []ids.AccountId{100})
	require.NoError(t, a.GrantACL(&batch, 1, ids.CollectionMail, 42, 100, RightRead))
	require.NoError(t, store.Write(batch))

	ok, err := a.CheckAccess(1, 2, ids.CollectionMail, 42, RightRead)
	require.NoError(t, err)
	assert.True(t, ok, "grantee 2 belongs to group 100, which holds the grant")
}

func TestRevokeACLRemovesAccess(t *testing.T) {
	store := openStore(t)
	a := New(store)

	var batch kv.Batch
	require.NoError(t, a.GrantACL(&batch, 1, ids.CollectionMail, 42, 2, RightRead))
	require.NoError(t, store.Write(batch))

	var revoke kv.Batch
	require.NoError(t, a.RevokeACL(&revoke, 1, ids.CollectionMail, 42, 2))
	require.NoError(t, store.Write(revoke))

	ok, err := a.CheckAccess(1, 2, ids.CollectionMail, 42, RightRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSharedAccountsListsGrantors(t *testing.T) {
	store := openStore(t)
	a := New(store)

	var batch kv.Batch
	require.NoError(t, a.GrantACL(&batch, 1, ids.CollectionMail, 42, 2, RightRead))
	require.NoError(t, a.GrantACL(&batch, 7, ids.CollectionMailbox, 1, 2, RightRead))
	require.NoError(t, store.Write(batch))

	shared, err := a.SharedAccounts(2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []SharedAccount{
		{Account: 1, Collection: ids.CollectionMail},
		{Account: 7, Collection: ids.CollectionMailbox},
	}, shared)
}

func TestRightsHas(t *testing.T) {
	r := RightRead | RightModify
	assert.True(t, r.Has(RightRead))
	assert.True(t, r.Has(RightRead|RightModify))
	assert.False(t, r.Has(RightDelete))
}
