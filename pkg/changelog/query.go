package changelog

import (
	"bytes"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
)

// ChangesRequest is the paginated "what changed since my last state"
// request, ported from JMAPChanges::changes in
// components/jmap/src/jmap_store/changes.rs.
type ChangesRequest struct {
	Account    ids.AccountId
	Collection ids.Collection
	SinceState ids.State
	MaxChanges uint64
}

// ChangesResult is what ChangesRequest resolves to: the three disjoint
// id lists a JMAP/IMAP client needs to reconcile its cache, plus the new
// cursor to present next time.
type ChangesResult struct {
	Created               []ids.JMAPId
	Updated               []ids.JMAPId
	Destroyed             []ids.JMAPId
	HasMoreChanges        bool
	HasChildrenOnlyUpdate bool
	OldState              ids.State
	NewState              ids.State
}

// GetState returns the current state cursor for (account, collection):
// Initial if nothing has ever been logged, otherwise Exact(lastChangeId).
func GetState(store kv.Store, account ids.AccountId, collection ids.Collection) (ids.State, error) {
	last, err := LastChangeID(store, account, collection)
	if err != nil {
		return ids.State{}, err
	}
	if last == 0 {
		if empty, err := logIsEmpty(store, account, collection); err != nil {
			return ids.State{}, err
		} else if empty {
			return ids.InitialState(), nil
		}
	}
	return ids.ExactState(last), nil
}

func logIsEmpty(store kv.Store, account ids.AccountId, collection ids.Collection) (bool, error) {
	prefix := kvcodec.ChangeKeyPrefix(account, collection)
	empty := true
	err := store.Iterate(kvcodec.CFLogs, prefix, kv.Forward, func(key, _ []byte) (bool, error) {
		empty = !bytes.HasPrefix(key, prefix)
		return false, nil
	})
	return empty, err
}

// Changes resolves req against the log, applying the exact
// since/exact/intermediate state-cursor semantics the original
// implements: Initial replays the whole log (or reports empty if there
// is none), Exact resumes strictly after a ChangeId, Intermediate
// resumes a previously truncated page, and any MaxChanges cap on the
// result produces a new Intermediate cursor instead of an Exact one.
func Changes(store kv.Store, req ChangesRequest) (ChangesResult, error) {
	var (
		log       Log
		ok        bool
		err       error
		itemsSent uint64
	)

	switch req.SinceState.Kind {
	case ids.StateInitial:
		log, ok, err = GetChanges(store, req.Account, req.Collection, Query{Kind: QueryAll})
		if err != nil {
			return ChangesResult{}, err
		}
		if !ok || (len(log.Items) == 0 && log.FromChangeID == 0) {
			return ChangesResult{OldState: req.SinceState, NewState: ids.InitialState()}, nil
		}
	case ids.StateExact:
		log, ok, err = GetChanges(store, req.Account, req.Collection, Query{Kind: QuerySince, Since: req.SinceState.Exact})
		if err != nil {
			return ChangesResult{}, err
		}
		if !ok {
			return ChangesResult{}, ids.NewError(ids.ErrStateMismatch, "state %s could not be found", req.SinceState)
		}
	case ids.StateIntermediate:
		log, ok, err = GetChanges(store, req.Account, req.Collection, Query{
			Kind: QueryRange, From: req.SinceState.From, To: req.SinceState.To,
		})
		if err != nil {
			return ChangesResult{}, err
		}
		if !ok {
			return ChangesResult{}, ids.NewError(ids.ErrStateMismatch, "state %s could not be found", req.SinceState)
		}
		if req.SinceState.ItemsSent >= uint64(len(log.Items)) {
			log, ok, err = GetChanges(store, req.Account, req.Collection, Query{Kind: QuerySince, Since: req.SinceState.To})
			if err != nil {
				return ChangesResult{}, err
			}
			if !ok {
				return ChangesResult{}, ids.NewError(ids.ErrStateMismatch, "state %s could not be found", req.SinceState)
			}
		} else {
			keep := uint64(len(log.Items)) - req.SinceState.ItemsSent
			log.Items = log.Items[:keep]
			itemsSent = req.SinceState.ItemsSent
		}
	}

	hasMore := false
	if req.MaxChanges > 0 && uint64(len(log.Items)) > req.MaxChanges {
		drop := uint64(len(log.Items)) - req.MaxChanges
		log.Items = log.Items[drop:]
		hasMore = true
	}

	result := ChangesResult{OldState: req.SinceState}
	childOnly := len(log.Items) > 0
	for _, it := range log.Items {
		switch it.Kind {
		case KindInsert:
			result.Created = append(result.Created, it.ID)
		case KindUpdate:
			result.Updated = append(result.Updated, it.ID)
			childOnly = false
		case KindChildUpdate:
			result.Updated = append(result.Updated, it.ID)
		case KindDelete:
			result.Destroyed = append(result.Destroyed, it.ID)
		}
	}
	result.HasChildrenOnlyUpdate = childOnly && len(result.Updated) > 0
	result.HasMoreChanges = hasMore

	if hasMore {
		result.NewState = ids.IntermediateState(log.FromChangeID, log.ToChangeID, itemsSent+req.MaxChanges)
	} else {
		result.NewState = ids.ExactState(log.ToChangeID)
	}
	return result, nil
}
