package query

import "github.com/shardpost/mailcore/pkg/ids"

// Page is the windowing request a query result is sliced against:
// either an absolute Position (negative counts from the end) or an
// Anchor id plus AnchorOffset (negative counts backward from the
// anchor), and an optional Limit. Mirrors JMAPQueryRequest's
// position/anchor/anchor_offset/limit fields.
type Page struct {
	Anchor       *ids.JMAPId
	AnchorOffset int
	Position     int
	Limit        int
}

// Result is a windowed, ordered slice of a query's matching ids.
type Result struct {
	Ids      []ids.JMAPId
	Position int
	Total    int
}

// Paginate slices ordered (already filtered and sorted) ids per page.
// This ports into_response/paginate_results
// (components/jmap/src/query.rs, components/jmap_store/src/query.rs)
// condition-for-condition: without an anchor, a non-negative Position
// skips that many leading ids before collecting up to Limit; a negative
// Position collects everything and the window is taken from the end.
// With an anchor, the scan looks for the anchor id first (consuming
// AnchorOffset ids before or after it depending on its sign) and returns
// ErrAnchorNotFound if the anchor is never seen.
func Paginate(orderedIds []ids.JMAPId, page Page) (Result, error) {
	hasAnchor := page.Anchor != nil
	total := len(orderedIds)
	limit := page.Limit
	position := page.Position
	anchorOffset := page.AnchorOffset

	cap0 := total
	if limit > 0 {
		cap0 = limit
	}
	results := make([]ids.JMAPId, 0, cap0)
	anchorFound := false

	for _, id := range orderedIds {
		switch {
		case !hasAnchor:
			if position >= 0 {
				if position > 0 {
					position--
				} else {
					results = append(results, id)
					if limit > 0 && len(results) == limit {
						goto done
					}
				}
			} else {
				results = append(results, id)
			}
		case anchorOffset >= 0:
			if !anchorFound {
				if id != *page.Anchor {
					continue
				}
				anchorFound = true
			}
			if anchorOffset > 0 {
				anchorOffset--
			} else {
				results = append(results, id)
				if limit > 0 && len(results) == limit {
					goto done
				}
			}
		default:
			anchorFound = id == *page.Anchor
			results = append(results, id)
			if !anchorFound {
				continue
			}
			position = anchorOffset
			goto done
		}
	}
done:

	if hasAnchor && !anchorFound {
		return Result{}, ids.NewError(ids.ErrAnchorNotFound, "anchor id not found in result set")
	}

	var startPosition int
	if position >= 0 {
		startPosition = page.Position
	} else {
		abs := -position
		startOffset := 0
		if abs < len(results) {
			startOffset = len(results) - abs
		}
		startPosition = startOffset
		endOffset := len(results)
		if limit > 0 && startOffset+limit < endOffset {
			endOffset = startOffset + limit
		}
		results = results[startOffset:endOffset]
	}

	return Result{Ids: results, Position: startPosition, Total: total}, nil
}
