package session

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/shardpost/mailcore/pkg/bitmap"
	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
	"github.com/shardpost/mailcore/pkg/orm"
)

// Rights is the permission bit set an ACL grant carries, following the
// right names original_source/components/store/src/core/acl.rs defines
// (Read/Modify/Delete plus the sharing/child-management rights needed
// for mailbox and calendar-style containers).
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightModify
	RightDelete
	RightShare
	RightAddItems
	RightRemoveItems
	RightCreateChild
	RightModifyItems
)

// Has reports whether every bit in required is set.
func (r Rights) Has(required Rights) bool { return r&required == required }

// CheckAccess reports whether grantee (after group expansion) holds
// every bit of required on (account, collection, doc), per the ACL edge
// model in spec.md §6: (grantor, grantee, Collection, DocumentId) →
// permission bitmap, read from the document's own ACLField property.
// The account owner always has full access regardless of any grant.
func (a *Authorizer) CheckAccess(account ids.AccountId, grantee ids.AccountId, collection ids.Collection, doc ids.DocumentId, required Rights) (bool, error) {
	if grantee == account {
		return true, nil
	}

	identities, err := a.ExpandGroups(grantee)
	if err != nil {
		return false, err
	}

	raw, err := a.store.Get(kvcodec.CFValues, kvcodec.ValueKey(account, collection, doc, ACLField))
	if err != nil {
		return false, err
	}
	grants, ok := orm.DecodeACL(raw)
	if !ok {
		return false, nil
	}

	for _, g := range grants {
		for _, id := range identities {
			if g.Grantee == id && Rights(g.Rights).Has(required) {
				return true, nil
			}
		}
	}
	return false, nil
}

// GrantACL merges a grant into doc's ACL property and records grantor in
// grantee's reverse shared-from index, appending both mutations to
// batch. The caller commits batch (typically folded into the same
// kv.Store.Write as the rest of the surrounding write batch).
func (a *Authorizer) GrantACL(batch *kv.Batch, account ids.AccountId, collection ids.Collection, doc ids.DocumentId, grantee ids.AccountId, rights Rights) error {
	existing, err := a.store.Get(kvcodec.CFValues, kvcodec.ValueKey(account, collection, doc, ACLField))
	if err != nil {
		return err
	}
	grants, _ := orm.DecodeACL(existing)
	grants = append(grants, orm.ACLGrant{Grantee: grantee, Rights: uint32(rights)})

	batch.Set(kvcodec.CFValues, kvcodec.ValueKey(account, collection, doc, ACLField), orm.EncodeACL(orm.NormalizeACL(grants)))

	return a.addSharedFrom(batch, account, grantee, collection)
}

// RevokeACL removes grantee's grant from doc's ACL property. The
// grantee's reverse shared-from bitmap is intentionally left untouched:
// recomputing it correctly would require rescanning every document in
// the collection for any other surviving grant to the same grantee, a
// cost this package does not pay on every single revoke. A stale entry
// only ever causes SharedAccounts to list an account with nothing left
// to show, never an access-control bypass, since CheckAccess always
// re-reads the authoritative per-document ACLField.
func (a *Authorizer) RevokeACL(batch *kv.Batch, account ids.AccountId, collection ids.Collection, doc ids.DocumentId, grantee ids.AccountId) error {
	existing, err := a.store.Get(kvcodec.CFValues, kvcodec.ValueKey(account, collection, doc, ACLField))
	if err != nil {
		return err
	}
	grants, _ := orm.DecodeACL(existing)
	kept := grants[:0]
	for _, g := range grants {
		if g.Grantee != grantee {
			kept = append(kept, g)
		}
	}

	key := kvcodec.ValueKey(account, collection, doc, ACLField)
	if len(kept) == 0 {
		batch.Delete(kvcodec.CFValues, key)
		return nil
	}
	batch.Set(kvcodec.CFValues, key, orm.EncodeACL(kept))
	return nil
}

func (a *Authorizer) addSharedFrom(batch *kv.Batch, account, grantee ids.AccountId, collection ids.Collection) error {
	key := kvcodec.BitmapKey(grantee, collection, SharedFromField, nil)
	bm, err := bitmap.Get(a.store, kvcodec.CFBitmaps, key)
	if err != nil {
		return err
	}
	if bm == nil {
		bm = roaring.New()
	}
	bm.Add(uint32(account))
	return bitmap.Put(batch, kvcodec.CFBitmaps, key, bm)
}

// SharedAccounts lists every (grantorAccount, collection) pair a
// principal can reach via some ACL grant, following
// original_source/components/jmap_sharing/src/principal/query.rs's
// shared-account discovery. This reads the best-effort reverse index
// GrantACL maintains; CheckAccess remains the authority for whether a
// specific operation is actually allowed.
func (a *Authorizer) SharedAccounts(principal ids.AccountId) ([]SharedAccount, error) {
	var out []SharedAccount
	for collection := ids.CollectionNone; collection <= ids.CollectionSieveScript; collection++ {
		bm, err := bitmap.Get(a.store, kvcodec.CFBitmaps, kvcodec.BitmapKey(principal, collection, SharedFromField, nil))
		if err != nil {
			return nil, err
		}
		if bm == nil {
			continue
		}
		it := bm.Iterator()
		for it.HasNext() {
			out = append(out, SharedAccount{Account: ids.AccountId(it.Next()), Collection: collection})
		}
	}
	return out, nil
}

// SharedAccount is one entry SharedAccounts returns.
type SharedAccount struct {
	Account    ids.AccountId
	Collection ids.Collection
}
