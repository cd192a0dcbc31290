package query

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/shardpost/mailcore/pkg/bitmap"
	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
	"github.com/shardpost/mailcore/pkg/orm"
)

// Evaluate resolves f against the stored Bitmaps/Indexes for (account,
// collection) and returns the matching document set, masked against
// live (the collection's live-document bitmap, from
// kvcodec.LiveDocumentsKey): And/Or fold child bitmaps, Not subtracts
// its single child from live, and a leaf resolves to a Bitmaps lookup
// (Eq/TagPresent/OpInSet), an Indexes range scan (Lt/Le/Gt/Ge, via
// pkg/bitmap.RangeToBitmap), or an intersection of per-token Bitmaps
// lookups (TextContains). This generalizes the original's Filter/
// FilterOperator evaluation (components/store/src/read/{query,bitmap}.rs)
// from its own enum shape to this package's Filter tree.
func Evaluate(store kv.Store, account ids.AccountId, collection ids.Collection, live *roaring.Bitmap, f Filter) (*roaring.Bitmap, error) {
	if f.leaf {
		bm, err := evalLeaf(store, account, collection, f.condition)
		if err != nil {
			return nil, err
		}
		if live == nil {
			return roaring.New(), nil
		}
		bm.And(live)
		return bm, nil
	}

	switch f.op {
	case LogicalNot:
		child, err := Evaluate(store, account, collection, live, f.children[0])
		if err != nil {
			return nil, err
		}
		result := cloneOrEmpty(live)
		if child != nil {
			result.AndNot(child)
		}
		return result, nil
	case LogicalOr:
		result := roaring.New()
		for _, child := range f.children {
			bm, err := Evaluate(store, account, collection, live, child)
			if err != nil {
				return nil, err
			}
			if bm != nil {
				result.Or(bm)
			}
		}
		return result, nil
	default: // LogicalAnd
		if len(f.children) == 0 {
			return cloneOrEmpty(live), nil
		}
		var result *roaring.Bitmap
		for _, child := range f.children {
			bm, err := Evaluate(store, account, collection, live, child)
			if err != nil {
				return nil, err
			}
			if bm == nil || bm.IsEmpty() {
				return roaring.New(), nil
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
}

func cloneOrEmpty(bm *roaring.Bitmap) *roaring.Bitmap {
	if bm == nil {
		return roaring.New()
	}
	return bm.Clone()
}

func evalLeaf(store kv.Store, account ids.AccountId, collection ids.Collection, c Condition) (*roaring.Bitmap, error) {
	switch c.Op {
	case OpEq, OpTagPresent:
		bm, err := bitmap.Get(store, kvcodec.CFBitmaps, kvcodec.BitmapKey(account, collection, c.Field, c.Value))
		if err != nil {
			return nil, err
		}
		return cloneOrEmpty(bm), nil

	case OpInSet:
		bm := roaring.New()
		for _, doc := range c.Set {
			bm.Add(uint32(doc))
		}
		return bm, nil

	case OpTextContains:
		keys := make([][]byte, 0)
		for _, token := range orm.Tokenize(c.Text) {
			keys = append(keys, kvcodec.BitmapKey(account, collection, c.Field, []byte(token)))
		}
		if len(keys) == 0 {
			return roaring.New(), nil
		}
		bm, err := bitmap.Intersection(store, kvcodec.CFBitmaps, keys)
		if err != nil {
			return nil, err
		}
		return cloneOrEmpty(bm), nil

	default:
		return evalRange(store, account, collection, c)
	}
}

// evalRange resolves a Lt/Le/Gt/Ge condition via an Indexes range scan.
// The scan's starting key needs a trailing document id: Less* directions
// scan backward from the highest possible id so Store.Iterate's
// seek-then-step-back lands on the last entry at or below the value,
// Greater*/Equal scan forward from the lowest possible id.
func evalRange(store kv.Store, account ids.AccountId, collection ids.Collection, c Condition) (*roaring.Bitmap, error) {
	var dir bitmap.RangeDirection
	var doc ids.DocumentId
	switch c.Op {
	case OpLt:
		dir, doc = bitmap.LessThan, ids.DocumentId(^uint32(0))
	case OpLe:
		dir, doc = bitmap.LessOrEqual, ids.DocumentId(^uint32(0))
	case OpGt:
		dir, doc = bitmap.GreaterThan, 0
	case OpGe:
		dir, doc = bitmap.GreaterOrEqual, 0
	}
	matchKey := kvcodec.IndexKey(account, collection, c.Field, c.Value, doc)
	return bitmap.RangeToBitmap(store, matchKey, dir)
}
