package ids

import (
	"encoding/hex"
	"strconv"

	"github.com/shardpost/mailcore/pkg/leb128"
)

// StateKind distinguishes the three shapes a change-log state token can
// take.
type StateKind uint8

const (
	// StateInitial is returned when the caller has never queried this
	// (account, collection) pair before: every object must be reported as
	// created.
	StateInitial StateKind = iota
	// StateExact pins a specific ChangeId: every change strictly after it
	// has yet to be reported.
	StateExact
	// StateIntermediate marks a paginated position within a Changes query
	// that returned has_more_changes=true.
	StateIntermediate
)

// State is the wire-visible change cursor handed to clients of the
// change log (see pkg/changelog). Its string form is what JMAP calls a
// "state string".
type State struct {
	Kind      StateKind
	Exact     ChangeId
	From      ChangeId
	To        ChangeId
	ItemsSent uint64
}

// InitialState returns the cursor representing "nothing seen yet".
func InitialState() State { return State{Kind: StateInitial} }

// ExactState returns a cursor pinned to id.
func ExactState(id ChangeId) State { return State{Kind: StateExact, Exact: id} }

// IntermediateState returns a cursor for a paginated Changes response.
func IntermediateState(from, to ChangeId, itemsSent uint64) State {
	return State{Kind: StateIntermediate, From: from, To: to, ItemsSent: itemsSent}
}

// ChangeID returns the change id this state token ultimately refers to,
// i.e. the point a subsequent query should resume from.
func (s State) ChangeID() ChangeId {
	switch s.Kind {
	case StateExact:
		return s.Exact
	case StateIntermediate:
		return s.To
	default:
		return ChangeId(^uint64(0))
	}
}

// String renders the state token using the same "n" / "s<hex>" /
// "r<hex-leb128>" wire format the change log's JMAP callers expect.
func (s State) String() string {
	switch s.Kind {
	case StateExact:
		return "s" + strconv.FormatUint(uint64(s.Exact), 16)
	case StateIntermediate:
		buf := leb128.AppendUint64(nil, uint64(s.From))
		buf = leb128.AppendUint64(buf, uint64(s.To-s.From))
		buf = leb128.AppendUint64(buf, s.ItemsSent)
		return "r" + hex.EncodeToString(buf)
	default:
		return "n"
	}
}

// ParseState decodes a state token produced by State.String.
func ParseState(v string) (State, bool) {
	if len(v) == 0 {
		return State{}, false
	}
	switch v[0] {
	case 'n':
		return InitialState(), true
	case 's':
		id, err := strconv.ParseUint(v[1:], 16, 64)
		if err != nil {
			return State{}, false
		}
		return ExactState(ChangeId(id)), true
	case 'r':
		raw, err := hex.DecodeString(v[1:])
		if err != nil {
			return State{}, false
		}
		from, n1, ok := leb128.Uint64(raw)
		if !ok {
			return State{}, false
		}
		diff, n2, ok := leb128.Uint64(raw[n1:])
		if !ok {
			return State{}, false
		}
		itemsSent, _, ok := leb128.Uint64(raw[n1+n2:])
		if !ok || itemsSent == 0 {
			return State{}, false
		}
		return IntermediateState(ChangeId(from), ChangeId(from+diff), itemsSent), true
	default:
		return State{}, false
	}
}
