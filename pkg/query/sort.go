package query

import (
	"bytes"
	"math"
	"sort"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
)

// Comparator orders a query's results by one indexed field, following
// Comparator::List in the original query builder
// (components/jmap/src/query.rs::build_query): a result list is sorted
// by the first comparator, ties broken by the next, and so on.
type Comparator struct {
	Field      ids.FieldId
	Descending bool
}

// Sort orders docs according to comparators, falling back to ascending
// document id when comparators is empty or two documents tie on every
// comparator (a stable, deterministic order the original gets for free
// from its B-tree cursor, reproduced here explicitly).
func Sort(store kv.Store, account ids.AccountId, collection ids.Collection, docs []ids.DocumentId, comparators []Comparator) ([]ids.DocumentId, error) {
	if len(comparators) == 0 {
		sorted := append([]ids.DocumentId(nil), docs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		return sorted, nil
	}

	ranks := make([]map[ids.DocumentId]int, len(comparators))
	for i, c := range comparators {
		r, err := fieldRanks(store, account, collection, c.Field)
		if err != nil {
			return nil, err
		}
		ranks[i] = r
	}

	sorted := append([]ids.DocumentId(nil), docs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		for k, c := range comparators {
			ra, oka := ranks[k][a]
			rb, okb := ranks[k][b]
			if !oka {
				ra = math.MaxInt
			}
			if !okb {
				rb = math.MaxInt
			}
			if ra == rb {
				continue
			}
			if c.Descending {
				return ra > rb
			}
			return ra < rb
		}
		return a < b
	})
	return sorted, nil
}

// fieldRanks scans every Indexes entry for (account, collection, field)
// in ascending stored-value order and assigns each document id the
// position it was encountered at, giving a total order usable as a sort
// key without re-reading the raw property value.
func fieldRanks(store kv.Store, account ids.AccountId, collection ids.Collection, field ids.FieldId) (map[ids.DocumentId]int, error) {
	prefix := kvcodec.IndexKey(account, collection, field, nil, 0)[:kvcodec.FieldPrefixLen]
	ranks := make(map[ids.DocumentId]int)
	rank := 0
	err := store.Iterate(kvcodec.CFIndexes, prefix, kv.Forward, func(key, _ []byte) (bool, error) {
		if !bytes.HasPrefix(key, prefix) {
			return false, nil
		}
		doc, ok := kvcodec.IndexKeyDocumentID(key)
		if !ok {
			return true, nil
		}
		ranks[doc] = rank
		rank++
		return true, nil
	})
	return ranks, err
}
