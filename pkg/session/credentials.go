package session

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
)

// SetCredential hashes password and stages it into account's own
// principal document, following teacher pkg/security.SecretsManager's
// password-derived-key approach but for authentication rather than
// symmetric encryption: a bcrypt hash, not a reversible cipher, is the
// correct primitive for a value that is only ever compared, never
// decrypted back to plaintext.
func (a *Authorizer) SetCredential(batch *kv.Batch, account ids.AccountId, password string) error {
	if password == "" {
		return ids.NewError(ids.ErrInvalidArgument, "credential password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return ids.WrapError(ids.ErrFatal, err, "hash credential for account %d", account)
	}
	batch.Set(kvcodec.CFValues, kvcodec.ValueKey(account, ids.CollectionPrincipal, ids.DocumentId(account), CredentialField), hash)
	return nil
}

// VerifyCredential reports whether password matches account's stored
// credential. A missing credential (account has none set, or does not
// exist) always fails closed.
func (a *Authorizer) VerifyCredential(account ids.AccountId, password string) (bool, error) {
	hash, err := a.store.Get(kvcodec.CFValues, kvcodec.ValueKey(account, ids.CollectionPrincipal, ids.DocumentId(account), CredentialField))
	if err != nil {
		return false, err
	}
	if hash == nil {
		return false, nil
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

// SetGroups stages account's group membership list (MemberOfField),
// consumed by ExpandGroups on every ACL check.
func (a *Authorizer) SetGroups(batch *kv.Batch, account ids.AccountId, groups []ids.AccountId) {
	buf := make([]byte, 0, len(groups)*4)
	for _, g := range groups {
		buf = appendBE32(buf, uint32(g))
	}
	if len(buf) == 0 {
		batch.Delete(kvcodec.CFValues, kvcodec.ValueKey(account, ids.CollectionPrincipal, ids.DocumentId(account), MemberOfField))
		return
	}
	batch.Set(kvcodec.CFValues, kvcodec.ValueKey(account, ids.CollectionPrincipal, ids.DocumentId(account), MemberOfField), buf)
}
