package query

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/shardpost/mailcore/pkg/bitmap"
	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
)

// Request is everything a single collection query needs: the filter to
// evaluate, the sort order to apply to survivors, and the page to slice
// the ordered result against.
type Request struct {
	Account     ids.AccountId
	Collection  ids.Collection
	Prefix      ids.DocumentId // the JMAPId prefix documents in this collection are addressed under
	Filter      Filter
	Comparators []Comparator
	Page        Page
}

// ReadableMask, when supplied to Run, further restricts a query's
// matches to the document set a principal may see — the ACL-mask step
// spec.md §6 calls for, left pluggable here since ACL evaluation lives
// in a separate package layered on top of pkg/query.
type ReadableMask func(kv.Store, ids.AccountId, ids.Collection) (*roaring.Bitmap, error)

// Run evaluates req.Filter against the live-document set, optionally
// masks it against mask, sorts the survivors, converts them to JMAP ids,
// and applies req.Page. It is the single entry point pkg/core's Query
// operation calls.
func Run(store kv.Store, req Request, mask ReadableMask) (Result, error) {
	live, err := bitmap.Get(store, kvcodec.CFBitmaps, kvcodec.LiveDocumentsKey(req.Account, req.Collection))
	if err != nil {
		return Result{}, err
	}

	matched, err := Evaluate(store, req.Account, req.Collection, live, req.Filter)
	if err != nil {
		return Result{}, err
	}

	if mask != nil {
		readable, err := mask(store, req.Account, req.Collection)
		if err != nil {
			return Result{}, err
		}
		if readable != nil {
			matched.And(readable)
		} else {
			matched = roaring.New()
		}
	}

	docs := make([]ids.DocumentId, 0, matched.GetCardinality())
	it := matched.Iterator()
	for it.HasNext() {
		docs = append(docs, ids.DocumentId(it.Next()))
	}

	sorted, err := Sort(store, req.Account, req.Collection, docs, req.Comparators)
	if err != nil {
		return Result{}, err
	}

	jmapIds := make([]ids.JMAPId, len(sorted))
	for i, d := range sorted {
		jmapIds[i] = ids.FromParts(req.Prefix, d)
	}

	return Paginate(jmapIds, req.Page)
}
