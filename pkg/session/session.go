// Package session is the authorization glue sitting between a connected
// principal and the storage layer: it verifies credentials, expands
// group membership, and answers the ACL questions every JMAP/IMAP
// operation must ask before touching another account's data. It
// generalizes original_source/components/store/src/{core/acl,acl/util}.rs's
// free functions into a small Authorizer type, and borrows teacher
// pkg/security's credential-handling shape (secrets.go), adapted from
// symmetric secret encryption to password hashing.
package session

import (
	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
)

// Reserved FieldIds this package owns within the Values/Bitmaps column
// families, one below kvcodec's own reserved live-document field (0xFF)
// so the two never collide.
const (
	// ACLField holds a document's own orm.EncodeACL-encoded grant list.
	ACLField ids.FieldId = 0xFE
	// SharedFromField is the reserved Bitmaps-family field on a grantee's
	// account listing every grantor account that has shared at least one
	// document with them in that collection.
	SharedFromField ids.FieldId = 0xFD
	// CredentialField holds a principal's bcrypt password hash.
	CredentialField ids.FieldId = 0xFC
	// MemberOfField holds a principal's group account ids, encoded as a
	// flat sequence of big-endian uint32s.
	MemberOfField ids.FieldId = 0xFB
)

// Authorizer answers credential and ACL questions against one store. It
// holds no per-connection state; every method takes the account(s)
// involved explicitly, following the original's free-function style
// (acl/util.rs) rather than a per-session object.
type Authorizer struct {
	store kv.Store
}

func New(store kv.Store) *Authorizer {
	return &Authorizer{store: store}
}

// ExpandGroups returns principal plus every group account id stored in
// its MemberOfField property, the set of identities an ACL check must
// test as possible grantees (spec.md §6's group-expansion requirement).
func (a *Authorizer) ExpandGroups(principal ids.AccountId) ([]ids.AccountId, error) {
	raw, err := a.store.Get(kvcodec.CFValues, kvcodec.ValueKey(principal, ids.CollectionPrincipal, ids.DocumentId(principal), MemberOfField))
	if err != nil {
		return nil, err
	}
	identities := []ids.AccountId{principal}
	if raw == nil || len(raw)%4 != 0 {
		return identities, nil
	}
	for i := 0; i+4 <= len(raw); i += 4 {
		identities = append(identities, ids.AccountId(be32(raw[i:i+4])))
	}
	return identities, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func appendBE32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
