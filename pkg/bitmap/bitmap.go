// Package bitmap wraps roaring.Bitmap with the storage-layer conventions
// spec.md §4.2 requires: a bitmap key is present in the Bitmaps column
// family iff the bitmap it holds is non-empty, and every read composes
// several such bitmaps with set operations before masking against the
// live-document set.
package bitmap

import (
	"bytes"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
)

// Get loads the bitmap stored at key in cf, returning (nil, nil) if the
// key is absent or decodes to an empty bitmap.
func Get(store kv.Store, cf kvcodec.ColumnFamily, key []byte) (*roaring.Bitmap, error) {
	raw, err := store.Get(cf, key)
	if err != nil || raw == nil {
		return nil, err
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(raw); err != nil {
		return nil, ids.WrapError(ids.ErrFatal, err, "decode bitmap at key %x", key)
	}
	if bm.IsEmpty() {
		return nil, nil
	}
	return bm, nil
}

// Put stages a Set of the encoded bitmap, or a Delete if it is empty,
// matching the "present iff non-empty" invariant.
func Put(batch *kv.Batch, cf kvcodec.ColumnFamily, key []byte, bm *roaring.Bitmap) error {
	if bm == nil || bm.IsEmpty() {
		batch.Delete(cf, key)
		return nil
	}
	raw, err := bm.MarshalBinary()
	if err != nil {
		return ids.WrapError(ids.ErrFatal, err, "encode bitmap at key %x", key)
	}
	batch.Set(cf, key, raw)
	return nil
}

// Intersection loads every key's bitmap and intersects them in order,
// short-circuiting to an empty result as soon as the running
// intersection is empty or any key is absent (absent means "no documents
// match this term", same as the original get_bitmaps_intersection).
func Intersection(store kv.Store, cf kvcodec.ColumnFamily, keys [][]byte) (*roaring.Bitmap, error) {
	var result *roaring.Bitmap
	for _, key := range keys {
		bm, err := Get(store, cf, key)
		if err != nil {
			return nil, err
		}
		if bm == nil {
			return nil, nil
		}
		if result == nil {
			result = bm
			continue
		}
		result.And(bm)
		if result.IsEmpty() {
			return result, nil
		}
	}
	return result, nil
}

// Union loads every key's bitmap and unions them, skipping absent keys.
func Union(store kv.Store, cf kvcodec.ColumnFamily, keys [][]byte) (*roaring.Bitmap, error) {
	var result *roaring.Bitmap
	for _, key := range keys {
		bm, err := Get(store, cf, key)
		if err != nil {
			return nil, err
		}
		if bm == nil {
			continue
		}
		if result == nil {
			result = bm.Clone()
			continue
		}
		result.Or(bm)
	}
	return result, nil
}

// RangeDirection mirrors the comparison the caller is evaluating, so
// RangeToBitmap knows which way to scan and when to stop.
type RangeDirection int

const (
	Equal RangeDirection = iota
	LessThan
	LessOrEqual
	GreaterThan
	GreaterOrEqual
)

// RangeToBitmap scans the Indexes column family starting at matchKey and
// collects every document id whose indexed value satisfies op against the
// value encoded in matchKey, stopping as soon as the scan leaves the
// matching range. This ports range_to_bitmap from read/bitmap.rs: the
// Indexes family is a forward sort order (field prefix | value |
// document id), so GreaterThan/Equal scan forward and LessThan scans
// backward.
func RangeToBitmap(store kv.Store, matchKey []byte, op RangeDirection) (*roaring.Bitmap, error) {
	bm := roaring.New()
	prefix := matchKey[:kvcodec.FieldPrefixLen]
	matchValue := matchKey[kvcodec.FieldPrefixLen : len(matchKey)-4]

	dir := kv.Backward
	if op == GreaterThan || op == GreaterOrEqual || op == Equal {
		dir = kv.Forward
	}

	err := store.Iterate(kvcodec.CFIndexes, matchKey, dir, func(key, _ []byte) (bool, error) {
		if !bytes.HasPrefix(key, prefix) {
			return false, nil
		}
		docPos := len(key) - 4
		value := key[kvcodec.FieldPrefixLen:docPos]

		switch op {
		case LessThan:
			if bytes.Compare(value, matchValue) >= 0 {
				return bytes.Equal(value, matchValue), nil
			}
		case LessOrEqual:
			if bytes.Compare(value, matchValue) > 0 {
				return false, nil
			}
		case GreaterThan:
			if bytes.Compare(value, matchValue) <= 0 {
				return bytes.Equal(value, matchValue), nil
			}
		case GreaterOrEqual:
			if bytes.Compare(value, matchValue) < 0 {
				return false, nil
			}
		case Equal:
			if !bytes.Equal(value, matchValue) {
				return false, nil
			}
		}

		doc, ok := kvcodec.IndexKeyDocumentID(key)
		if !ok {
			return false, ids.NewError(ids.ErrFatal, "malformed indexes key %x", key)
		}
		bm.Add(uint32(doc))
		return true, nil
	})
	return bm, err
}
