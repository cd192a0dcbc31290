// Package orm is the typed document/property layer standing between raw
// KV keys and the write batch pipeline: callers describe a document as a
// set of typed properties with store/sort/index options, and Insert/
// Merge/Delete translate that into the Values/Bitmaps/Indexes mutations
// plus the change-log entry describing what happened. A BlobRef
// property is stored like any other value; no Blobs-family link is
// written for it. This
// generalizes components/store/src/{batch,field}.rs's Document/Field/
// Options model from Rust's per-type Field<T> enum to a single tagged
// Property struct.
package orm

import (
	"sort"

	"github.com/shardpost/mailcore/pkg/ids"
)

// Options is the per-property bit set controlling which column families
// a property's value is written to. OptStore/OptSort/OptClear reuse the
// original's F_STORE/F_SORT/F_CLEAR bit values; OptIndex/OptTokenize/
// OptKeyword generalize its single F_TERM_INDEX bit into the three
// distinct indexing modes spec.md §4.4 calls for (tag/value presence,
// full-text tokenization, single-keyword membership).
type Options uint64

const (
	OptStore Options = 1 << iota
	OptSort
	OptIndex
	OptTokenize
	OptKeyword
	OptClear
)

func (o Options) Has(flag Options) bool { return o&flag != 0 }

// Kind discriminates a Property's value representation.
type Kind uint8

const (
	KindText Kind = iota
	KindBinary
	KindUint
	KindTag
	KindBlobRef
	KindACL
)

// ACLGrant is one sharing grant on a document: grantee may exercise the
// bits set in Rights. Stored sorted by Grantee so the wire encoding (and
// the EncodeACL-based equality check in valuesEqual) is deterministic.
type ACLGrant struct {
	Grantee ids.AccountId
	Rights  uint32
}

// Property is one field of a Document: the value, how it's typed, and
// which column families it should be projected into.
type Property struct {
	Field   ids.FieldId
	Kind    Kind
	Options Options

	Text   string
	Binary []byte
	Uint   uint64
	Tag    []byte
	Blob   ids.BlobId
	ACL    []ACLGrant
}

// Document is an in-memory description of everything being written for
// one (collection, documentId); Insert/Merge/Delete turn it into storage
// mutations.
type Document struct {
	Collection ids.Collection
	ID         ids.DocumentId
	Properties []Property
}

func NewDocument(collection ids.Collection, id ids.DocumentId) *Document {
	return &Document{Collection: collection, ID: id}
}

func (d *Document) IsEmpty() bool { return len(d.Properties) == 0 }

func (d *Document) Text(field ids.FieldId, value string, opts Options) {
	d.Properties = append(d.Properties, Property{Field: field, Kind: KindText, Options: opts, Text: value})
}

func (d *Document) Binary(field ids.FieldId, value []byte, opts Options) {
	d.Properties = append(d.Properties, Property{Field: field, Kind: KindBinary, Options: opts, Binary: value})
}

func (d *Document) Uint(field ids.FieldId, value uint64, opts Options) {
	d.Properties = append(d.Properties, Property{Field: field, Kind: KindUint, Options: opts, Uint: value})
}

func (d *Document) Tag(field ids.FieldId, value []byte, opts Options) {
	d.Properties = append(d.Properties, Property{Field: field, Kind: KindTag, Options: opts, Tag: value})
}

func (d *Document) BlobRef(field ids.FieldId, blob ids.BlobId, opts Options) {
	d.Properties = append(d.Properties, Property{Field: field, Kind: KindBlobRef, Options: opts, Blob: blob})
}

// ACL attaches the document's sharing grants. grants need not be
// pre-sorted; ACL sorts and deduplicates by Grantee (last write wins) so
// two otherwise-identical grant sets always compare equal.
func (d *Document) ACL(field ids.FieldId, grants []ACLGrant, opts Options) {
	d.Properties = append(d.Properties, Property{Field: field, Kind: KindACL, Options: opts, ACL: NormalizeACL(grants)})
}

// NormalizeACL sorts grants by Grantee, keeps only the last rights value
// seen per grantee, and drops any grantee whose rights are zero (a
// revoke). Exported so pkg/session can renormalize an ACL property's
// grant list after merging in a single new grant or revoke.
func NormalizeACL(grants []ACLGrant) []ACLGrant {
	byGrantee := make(map[ids.AccountId]uint32, len(grants))
	for _, g := range grants {
		if g.Rights == 0 {
			delete(byGrantee, g.Grantee)
			continue
		}
		byGrantee[g.Grantee] = g.Rights
	}
	out := make([]ACLGrant, 0, len(byGrantee))
	for grantee, rights := range byGrantee {
		out = append(out, ACLGrant{Grantee: grantee, Rights: rights})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Grantee < out[j].Grantee })
	return out
}

// EncodeACL serializes grants (already sorted by Grantee) as a flat
// sequence of big-endian (AccountId uint32, Rights uint32) pairs, the
// Values-family wire form a KindACL property stores.
func EncodeACL(grants []ACLGrant) []byte {
	buf := make([]byte, 0, len(grants)*8)
	for _, g := range grants {
		buf = appendBE32(buf, uint32(g.Grantee))
		buf = appendBE32(buf, g.Rights)
	}
	return buf
}

// DecodeACL parses the wire form EncodeACL produces. A malformed
// (non-multiple-of-8) payload returns no grants and ok=false.
func DecodeACL(raw []byte) (grants []ACLGrant, ok bool) {
	if len(raw)%8 != 0 {
		return nil, false
	}
	for i := 0; i+8 <= len(raw); i += 8 {
		grants = append(grants, ACLGrant{
			Grantee: ids.AccountId(be32(raw[i : i+4])),
			Rights:  be32(raw[i+4 : i+8]),
		})
	}
	return grants, true
}

func appendBE32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// sortValue returns the byte representation of a property's
// value used for sort-key and bitmap-key construction. Numbers are
// encoded big-endian so lexicographic key order matches numeric order.
func (p Property) sortValue() []byte {
	switch p.Kind {
	case KindUint:
		b := make([]byte, 8)
		v := p.Uint
		for i := 7; i >= 0; i-- {
			b[i] = byte(v)
			v >>= 8
		}
		return b
	case KindText:
		return []byte(p.Text)
	case KindTag:
		return p.Tag
	case KindBinary:
		return p.Binary
	default:
		return nil
	}
}

func (p Property) storeValue() []byte {
	switch p.Kind {
	case KindText:
		return []byte(p.Text)
	case KindBinary:
		return p.Binary
	case KindTag:
		return p.Tag
	case KindUint:
		return p.sortValue()
	case KindBlobRef:
		return p.Blob.Hash[:]
	case KindACL:
		return EncodeACL(p.ACL)
	default:
		return nil
	}
}
