package orm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardpost/mailcore/pkg/ids"
)

func TestEncodeDecodeACLRoundTrip(t *testing.T) {
	grants := []ACLGrant{{Grantee: 5, Rights: 1}, {Grantee: 9, Rights: 6}}
	got, ok := DecodeACL(EncodeACL(grants))
	require.True(t, ok)
	assert.Equal(t, grants, got)
}

func TestDocumentACLNormalizesOrderAndDrops(t *testing.T) {
	d := NewDocument(ids.CollectionMail, 1)
	d.ACL(1, []ACLGrant{
		{Grantee: 9, Rights: 2},
		{Grantee: 3, Rights: 1},
		{Grantee: 9, Rights: 0}, // dropped: zero rights revokes
	}, OptStore)

	require.Len(t, d.Properties, 1)
	assert.Equal(t, []ACLGrant{{Grantee: 3, Rights: 1}}, d.Properties[0].ACL)
}

func TestACLPropertyValuesEqual(t *testing.T) {
	a := Property{Kind: KindACL, ACL: []ACLGrant{{Grantee: 1, Rights: 1}}}
	b := Property{Kind: KindACL, ACL: []ACLGrant{{Grantee: 1, Rights: 1}}}
	c := Property{Kind: KindACL, ACL: []ACLGrant{{Grantee: 1, Rights: 2}}}
	assert.True(t, valuesEqual(a, b))
	assert.False(t, valuesEqual(a, c))
}

func TestDecodeACLRejectsMalformedPayload(t *testing.T) {
	_, ok := DecodeACL([]byte{1, 2, 3})
	assert.False(t, ok)
}
