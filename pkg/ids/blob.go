package ids

import (
	"encoding/hex"

	"github.com/shardpost/mailcore/pkg/leb128"
)

// BlobHashLen is the width of the content hash identifying a blob.
const BlobHashLen = 32

// BlobId is a content-addressed blob reference: a hash plus whether the
// blob lives in this cluster's own store (Local) or was fetched from an
// external source and cached (External, e.g. a message ingested by
// reference during migration).
type BlobId struct {
	Hash     [BlobHashLen]byte
	External bool
}

// BlobSection addresses a byte range within a blob, used for MIME part
// references that only need one section of a larger message blob.
type BlobSection struct {
	OffsetStart uint64
	Size        uint64
	Encoding    uint8
}

// BlobRef is the full wire-visible blob reference: a BlobId plus an
// optional section.
type BlobRef struct {
	Id      BlobId
	Section *BlobSection
}

// String renders a BlobRef using the original single-character-tag + hex
// scheme: 'a'/'b' for a whole local/external blob, 'c'..'g' / 'h'..'l' for
// a local/external blob section, the tag offset by the section's encoding.
func (b BlobRef) String() string {
	buf := make([]byte, 0, 1+2*BlobHashLen+20)
	if b.Section != nil {
		if b.Id.External {
			buf = append(buf, 'h'+b.Section.Encoding)
		} else {
			buf = append(buf, 'c'+b.Section.Encoding)
		}
		buf = append(buf, []byte(hex.EncodeToString(b.Id.Hash[:]))...)
		var leb []byte
		leb = leb128.AppendUint64(leb, b.Section.OffsetStart)
		leb = leb128.AppendUint64(leb, b.Section.Size)
		buf = append(buf, []byte(hex.EncodeToString(leb))...)
	} else {
		if b.Id.External {
			buf = append(buf, 'b')
		} else {
			buf = append(buf, 'a')
		}
		buf = append(buf, []byte(hex.EncodeToString(b.Id.Hash[:]))...)
	}
	return string(buf)
}

// ParseBlobRef decodes the wire form produced by BlobRef.String.
func ParseBlobRef(v string) (BlobRef, bool) {
	if len(v) == 0 {
		return BlobRef{}, false
	}

	var external bool
	var encoding *uint8
	switch c := v[0]; {
	case c == 'b':
		external = true
	case c == 'a':
		external = false
	case c >= 'c' && c <= 'g':
		external = false
		e := c - 'c'
		encoding = &e
	case c >= 'h' && c <= 'l':
		external = true
		e := c - 'h'
		encoding = &e
	default:
		return BlobRef{}, false
	}

	rest := v[1:]
	if len(rest) < 2*BlobHashLen {
		return BlobRef{}, false
	}
	hashBytes, err := hex.DecodeString(rest[:2*BlobHashLen])
	if err != nil {
		return BlobRef{}, false
	}
	var id BlobId
	copy(id.Hash[:], hashBytes)
	id.External = external

	ref := BlobRef{Id: id}
	if encoding != nil {
		tail, err := hex.DecodeString(rest[2*BlobHashLen:])
		if err != nil {
			return BlobRef{}, false
		}
		offset, n1, ok := leb128.Uint64(tail)
		if !ok {
			return BlobRef{}, false
		}
		size, _, ok := leb128.Uint64(tail[n1:])
		if !ok {
			return BlobRef{}, false
		}
		ref.Section = &BlobSection{OffsetStart: offset, Size: size, Encoding: *encoding}
	}
	return ref, true
}
