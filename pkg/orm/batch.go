package orm

import (
	"strings"
	"unicode"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/shardpost/mailcore/pkg/bitmap"
	"github.com/shardpost/mailcore/pkg/changelog"
	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
)

// WriteBatch accumulates the storage mutations and change-log entries
// produced by one or more Insert/Merge/Delete calls, ready to commit with
// a single kv.Store.Write. This generalizes the write side of the
// original store's WriteBatch (components/store/src/batch.rs), which
// pairs a set of column-family ops with the Change it produces, to the
// tagged Property model pkg/orm/document.go defines.
type WriteBatch struct {
	Account ids.AccountId
	Batch   kv.Batch

	changes map[ids.Collection]*changelog.Entry
}

func NewWriteBatch(account ids.AccountId) *WriteBatch {
	return &WriteBatch{Account: account, changes: make(map[ids.Collection]*changelog.Entry)}
}

func (w *WriteBatch) entry(collection ids.Collection) *changelog.Entry {
	e, ok := w.changes[collection]
	if !ok {
		e = &changelog.Entry{}
		w.changes[collection] = e
	}
	return e
}

// Flush appends one change-log Entry per touched collection to w.Batch
// and returns the finished batch, ready for kv.Store.Write, along with
// the ChangeId each touched collection was just assigned so callers
// (pkg/core.Server.WriteBatch) can publish accurate state-change
// notifications. Call once, after every Insert/Merge/Delete for this
// write has been staged.
func (w *WriteBatch) Flush(store kv.Store) (kv.Batch, map[ids.Collection]ids.ChangeId, error) {
	touched := make(map[ids.Collection]ids.ChangeId, len(w.changes))
	for collection, e := range w.changes {
		if e.IsEmpty() {
			continue
		}
		changeID, err := changelog.Append(store, &w.Batch, w.Account, collection, *e)
		if err != nil {
			return nil, nil, err
		}
		touched[collection] = changeID
	}
	return w.Batch, touched, nil
}

// Insert stages doc as a brand-new document: every stored/sorted/indexed
// property is written, the document id joins the collection's live-
// document set, and an Insert is recorded against the change log.
func (w *WriteBatch) Insert(store kv.Store, doc *Document, jmapID ids.JMAPId) error {
	if err := w.writeProperties(store, doc, nil); err != nil {
		return err
	}
	if err := w.setLiveDocument(store, doc, true); err != nil {
		return err
	}
	w.entry(doc.Collection).Inserts = append(w.entry(doc.Collection).Inserts, jmapID)
	return nil
}

// Merge replaces old with updated in place: properties whose value
// changed are re-indexed (stale Bitmaps/Indexes entries dropped first),
// properties updated carries with OptClear are removed outright, and an
// Update (or ChildUpdate, when the change only affects a child object)
// is recorded.
func (w *WriteBatch) Merge(store kv.Store, old, updated *Document, jmapID ids.JMAPId, childOnly bool) error {
	if err := w.writeProperties(store, updated, old); err != nil {
		return err
	}
	e := w.entry(updated.Collection)
	if childOnly {
		e.ChildUpdates = append(e.ChildUpdates, jmapID)
	} else {
		e.Updates = append(e.Updates, jmapID)
	}
	return nil
}

// Delete tombstones doc: every property it holds is removed from
// Values/Bitmaps/Indexes, the document id leaves the live set, and a
// Delete is recorded.
func (w *WriteBatch) Delete(store kv.Store, doc *Document, jmapID ids.JMAPId) error {
	for _, p := range doc.Properties {
		if err := w.clearProperty(store, doc, p); err != nil {
			return err
		}
	}
	if err := w.setLiveDocument(store, doc, false); err != nil {
		return err
	}
	w.entry(doc.Collection).Deletes = append(w.entry(doc.Collection).Deletes, jmapID)
	return nil
}

func (w *WriteBatch) setLiveDocument(store kv.Store, doc *Document, live bool) error {
	return w.mutateBitmap(store, kvcodec.LiveDocumentsKey(w.Account, doc.Collection), doc.ID, live)
}

func (w *WriteBatch) writeProperties(store kv.Store, doc *Document, old *Document) error {
	for _, p := range doc.Properties {
		if p.Options.Has(OptClear) {
			if oldP, ok := findProperty(old, p.Field); ok {
				if err := w.clearProperty(store, doc, oldP); err != nil {
					return err
				}
			}
			continue
		}

		oldP, hadOld := findProperty(old, p.Field)
		changed := !hadOld || !valuesEqual(oldP, p)

		if p.Options.Has(OptStore) {
			w.Batch.Set(kvcodec.CFValues, kvcodec.ValueKey(w.Account, doc.Collection, doc.ID, p.Field), p.storeValue())
		}

		if changed && hadOld {
			if err := w.clearIndexedValue(store, doc, oldP); err != nil {
				return err
			}
		}
		if changed {
			if err := w.writeIndexedValue(store, doc, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *WriteBatch) clearProperty(store kv.Store, doc *Document, p Property) error {
	w.Batch.Delete(kvcodec.CFValues, kvcodec.ValueKey(w.Account, doc.Collection, doc.ID, p.Field))
	return w.clearIndexedValue(store, doc, p)
}

// writeIndexedValue projects p into the Bitmaps/Indexes column families
// per its Options: OptIndex/OptKeyword add the document id to the
// field+value bitmap, OptTokenize does the same for every token the text
// produces, and OptSort writes the range-scannable Indexes entry.
func (w *WriteBatch) writeIndexedValue(store kv.Store, doc *Document, p Property) error {
	if p.Options.Has(OptIndex) || p.Options.Has(OptKeyword) {
		key := kvcodec.BitmapKey(w.Account, doc.Collection, p.Field, p.sortValue())
		if err := w.mutateBitmapAt(store, key, doc.ID, true); err != nil {
			return err
		}
	}
	if p.Options.Has(OptTokenize) {
		for _, token := range tokenize(p.Text) {
			key := kvcodec.BitmapKey(w.Account, doc.Collection, p.Field, []byte(token))
			if err := w.mutateBitmapAt(store, key, doc.ID, true); err != nil {
				return err
			}
		}
	}
	if p.Options.Has(OptSort) {
		w.Batch.Set(kvcodec.CFIndexes, kvcodec.IndexKey(w.Account, doc.Collection, p.Field, p.sortValue(), doc.ID), nil)
	}
	return nil
}

func (w *WriteBatch) clearIndexedValue(store kv.Store, doc *Document, p Property) error {
	if p.Options.Has(OptIndex) || p.Options.Has(OptKeyword) {
		key := kvcodec.BitmapKey(w.Account, doc.Collection, p.Field, p.sortValue())
		if err := w.mutateBitmapAt(store, key, doc.ID, false); err != nil {
			return err
		}
	}
	if p.Options.Has(OptTokenize) {
		for _, token := range tokenize(p.Text) {
			key := kvcodec.BitmapKey(w.Account, doc.Collection, p.Field, []byte(token))
			if err := w.mutateBitmapAt(store, key, doc.ID, false); err != nil {
				return err
			}
		}
	}
	if p.Options.Has(OptSort) {
		w.Batch.Delete(kvcodec.CFIndexes, kvcodec.IndexKey(w.Account, doc.Collection, p.Field, p.sortValue(), doc.ID))
	}
	return nil
}

func (w *WriteBatch) mutateBitmap(store kv.Store, key []byte, doc ids.DocumentId, add bool) error {
	return w.mutateBitmapAt(store, key, doc, add)
}

func (w *WriteBatch) mutateBitmapAt(store kv.Store, key []byte, doc ids.DocumentId, add bool) error {
	bm, err := bitmap.Get(store, kvcodec.CFBitmaps, key)
	if err != nil {
		return err
	}
	if bm == nil {
		if !add {
			return nil
		}
		bm = roaring.New()
	}
	if add {
		bm.Add(uint32(doc))
	} else {
		bm.Remove(uint32(doc))
	}
	return bitmap.Put(&w.Batch, kvcodec.CFBitmaps, key, bm)
}

func findProperty(doc *Document, field ids.FieldId) (Property, bool) {
	if doc == nil {
		return Property{}, false
	}
	for _, p := range doc.Properties {
		if p.Field == field {
			return p, true
		}
	}
	return Property{}, false
}

func valuesEqual(a, b Property) bool {
	switch a.Kind {
	case KindUint:
		return a.Uint == b.Uint
	case KindText:
		return a.Text == b.Text
	case KindBinary:
		return string(a.Binary) == string(b.Binary)
	case KindTag:
		return string(a.Tag) == string(b.Tag)
	case KindBlobRef:
		return a.Blob == b.Blob
	case KindACL:
		return string(EncodeACL(a.ACL)) == string(EncodeACL(b.ACL))
	default:
		return false
	}
}

// Tokenize splits s into lowercased, unicode-letter/digit runs, the
// minimal full-text indexing unit OptTokenize properties use. This is a
// deliberate simplification of the original's language-aware stemming
// tokenizer (components/store/src/nlp), which this module's retrieval
// pack does not include a grounded Go equivalent for. pkg/query calls
// this directly so a TextContains lookup tokenizes a search phrase
// exactly the way Insert/Merge tokenized the indexed value.
func Tokenize(s string) []string { return tokenize(s) }

func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
