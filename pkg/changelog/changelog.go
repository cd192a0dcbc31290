// Package changelog is the per-(account, collection) append-only change
// log: every write batch appends one Entry recording which JMAP ids were
// inserted, updated, had a child updated, or deleted; readers resume from
// a state.State token (see pkg/ids). Entries are never compacted: nothing
// in this module rewrites old entries into a merged snapshot record,
// although DecodeEntry can read one.
package changelog

import (
	"bytes"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
	"github.com/shardpost/mailcore/pkg/leb128"
)

// Entry is one change-log record: the set of JMAP ids touched by a single
// write batch for one (account, collection). It mirrors the original
// store's batch::Change, the unit actually persisted under one ChangeId.
type Entry struct {
	Inserts      []ids.JMAPId
	Updates      []ids.JMAPId
	ChildUpdates []ids.JMAPId
	Deletes      []ids.JMAPId
}

func (e Entry) IsEmpty() bool {
	return len(e.Inserts) == 0 && len(e.Updates) == 0 && len(e.ChildUpdates) == 0 && len(e.Deletes) == 0
}

const (
	tagEntry    byte = 0
	tagSnapshot byte = 1
)

// EncodeEntry serializes e the way the original Change::serialize does:
// a tag byte, four LEB128 list lengths, then each list's ids in turn.
func EncodeEntry(e Entry) []byte {
	buf := make([]byte, 0, 1+4+8*(len(e.Inserts)+len(e.Updates)+len(e.ChildUpdates)+len(e.Deletes)))
	buf = append(buf, tagEntry)
	buf = leb128.AppendUint64(buf, uint64(len(e.Inserts)))
	buf = leb128.AppendUint64(buf, uint64(len(e.Updates)))
	buf = leb128.AppendUint64(buf, uint64(len(e.ChildUpdates)))
	buf = leb128.AppendUint64(buf, uint64(len(e.Deletes)))
	for _, list := range [][]ids.JMAPId{e.Inserts, e.Updates, e.ChildUpdates, e.Deletes} {
		for _, id := range list {
			buf = leb128.AppendUint64(buf, uint64(id))
		}
	}
	return buf
}

// DecodeEntry is the inverse of EncodeEntry. It also accepts a
// tagSnapshot record (a bare list of ids representing a compaction
// snapshot, all reported as inserts) for compatibility with compacted
// logs.
func DecodeEntry(raw []byte) (Entry, bool) {
	if len(raw) == 0 {
		return Entry{}, false
	}
	switch raw[0] {
	case tagEntry:
		rest := raw[1:]
		counts := make([]uint64, 4)
		for i := range counts {
			v, n, ok := leb128.Uint64(rest)
			if !ok {
				return Entry{}, false
			}
			counts[i] = v
			rest = rest[n:]
		}
		lists := make([][]ids.JMAPId, 4)
		for i, count := range counts {
			list := make([]ids.JMAPId, 0, count)
			for j := uint64(0); j < count; j++ {
				v, n, ok := leb128.Uint64(rest)
				if !ok {
					return Entry{}, false
				}
				list = append(list, ids.JMAPId(v))
				rest = rest[n:]
			}
			lists[i] = list
		}
		return Entry{Inserts: lists[0], Updates: lists[1], ChildUpdates: lists[2], Deletes: lists[3]}, true
	case tagSnapshot:
		rest := raw[1:]
		var inserts []ids.JMAPId
		for len(rest) > 0 {
			v, n, ok := leb128.Uint64(rest)
			if !ok {
				return Entry{}, false
			}
			inserts = append(inserts, ids.JMAPId(v))
			rest = rest[n:]
		}
		return Entry{Inserts: inserts}, true
	default:
		return Entry{}, false
	}
}

// Append stages the next sequential ChangeId for (account, collection)
// with e's contents and returns the id assigned. Call within the same
// batch that performs the document mutation the entry describes, so both
// land atomically.
func Append(store kv.Store, batch *kv.Batch, account ids.AccountId, collection ids.Collection, e Entry) (ids.ChangeId, error) {
	if e.IsEmpty() {
		return 0, nil
	}
	last, err := LastChangeID(store, account, collection)
	if err != nil {
		return 0, err
	}
	next := last + 1
	batch.Set(kvcodec.CFLogs, kvcodec.ChangeKey(account, collection, next), EncodeEntry(e))
	return next, nil
}

// LastChangeID returns the highest ChangeId recorded for (account,
// collection), or 0 if none exist yet.
func LastChangeID(store kv.Store, account ids.AccountId, collection ids.Collection) (ids.ChangeId, error) {
	prefix := kvcodec.ChangeKeyPrefix(account, collection)
	upperBound := append(append([]byte(nil), prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)

	var last ids.ChangeId
	err := store.Iterate(kvcodec.CFLogs, upperBound, kv.Backward, func(key, _ []byte) (bool, error) {
		if !bytes.HasPrefix(key, prefix) {
			return false, nil
		}
		id, ok := kvcodec.DeserializeChangeID(key)
		if !ok {
			return false, nil
		}
		last = id
		return false, nil
	})
	return last, err
}

// ItemKind distinguishes which list of an Entry an Item came from, in
// the order a Changes query reports them in.
type ItemKind uint8

const (
	KindInsert ItemKind = iota
	KindUpdate
	KindChildUpdate
	KindDelete
)

// Item is one reported change, flattened out of whichever Entry produced
// it.
type Item struct {
	Kind ItemKind
	ID   ids.JMAPId
}

// Log is the result of a changes scan: every Item in change-id order,
// plus the id range the scan covered.
type Log struct {
	Items         []Item
	FromChangeID  ids.ChangeId
	ToChangeID    ids.ChangeId
}

// QueryKind selects which slice of the log a Query reads.
type QueryKind uint8

const (
	QueryAll QueryKind = iota
	QuerySince
	QueryRange
)

type Query struct {
	Kind QueryKind
	// Since is used by QuerySince: return every change strictly after it.
	Since ids.ChangeId
	// From/To are used by QueryRange: return every change id in
	// [From, To] inclusive.
	From, To ids.ChangeId
}

// GetChanges scans the log for (account, collection) per q and returns
// the flattened, ordered Log. It returns ok=false if q is QuerySince and
// q.Since is beyond the last recorded ChangeId, or if q is QueryRange and
// no entry lies within [From, To] — the caller must treat that as an
// expired state token. Whether an entry still exists at q.Since or q.From
// itself is not checked.
func GetChanges(store kv.Store, account ids.AccountId, collection ids.Collection, q Query) (Log, bool, error) {
	prefix := kvcodec.ChangeKeyPrefix(account, collection)

	var start []byte
	switch q.Kind {
	case QuerySince:
		start = kvcodec.ChangeKey(account, collection, q.Since)
	case QueryRange:
		start = kvcodec.ChangeKey(account, collection, q.From)
	default:
		start = prefix
	}

	log := Log{}
	first := true
	err := store.Iterate(kvcodec.CFLogs, start, kv.Forward, func(key, value []byte) (bool, error) {
		if !bytes.HasPrefix(key, prefix) {
			return false, nil
		}
		id, ok := kvcodec.DeserializeChangeID(key)
		if !ok {
			return false, nil
		}

		switch q.Kind {
		case QuerySince:
			if id <= q.Since {
				return true, nil
			}
		case QueryRange:
			if id < q.From {
				return true, nil
			}
			if id > q.To {
				return false, nil
			}
		}

		if first {
			log.FromChangeID = id
			first = false
		}
		log.ToChangeID = id

		e, ok := DecodeEntry(value)
		if !ok {
			return false, ids.NewError(ids.ErrFatal, "corrupt change-log entry at change id %d", id)
		}
		appendItems(&log, e)
		return true, nil
	})
	if err != nil {
		return Log{}, false, err
	}

	if q.Kind != QueryAll && first {
		// The starting id was never reached: the requested cursor is
		// beyond (or equal to) the last entry, or references an id the
		// log no longer has.
		last, lerr := LastChangeID(store, account, collection)
		if lerr != nil {
			return Log{}, false, lerr
		}
		if q.Kind == QuerySince && q.Since > last {
			return Log{}, false, nil
		}
		if q.Kind == QuerySince {
			log.FromChangeID, log.ToChangeID = q.Since, last
			return log, true, nil
		}
		return Log{}, false, nil
	}

	if q.Kind == QuerySince && log.FromChangeID == 0 && log.ToChangeID == 0 {
		last, lerr := LastChangeID(store, account, collection)
		if lerr != nil {
			return Log{}, false, lerr
		}
		log.ToChangeID = last
	}

	return log, true, nil
}

func appendItems(log *Log, e Entry) {
	for _, id := range e.Inserts {
		log.Items = append(log.Items, Item{Kind: KindInsert, ID: id})
	}
	for _, id := range e.Updates {
		log.Items = append(log.Items, Item{Kind: KindUpdate, ID: id})
	}
	for _, id := range e.ChildUpdates {
		log.Items = append(log.Items, Item{Kind: KindChildUpdate, ID: id})
	}
	for _, id := range e.Deletes {
		log.Items = append(log.Items, Item{Kind: KindDelete, ID: id})
	}
}
