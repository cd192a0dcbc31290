// Package core wires every storage and replication package into the six
// operations spec.md §6 exposes to callers, following teacher
// pkg/manager.Manager's shape of holding one instance of each subsystem
// behind a single struct: where Manager holds a raft.Raft, a
// storage.Store, an events.Broker and the rest wired together in
// NewManager, Server holds this system's kv.Store, *raft.Node,
// *statemgr.Manager, *housekeeper.Housekeeper, *session.Authorizer and
// *blob.Store the same way.
package core

import (
	"github.com/rs/zerolog"

	"github.com/shardpost/mailcore/pkg/blob"
	"github.com/shardpost/mailcore/pkg/changelog"
	"github.com/shardpost/mailcore/pkg/housekeeper"
	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/kv"
	"github.com/shardpost/mailcore/pkg/kvcodec"
	"github.com/shardpost/mailcore/pkg/metrics"
	"github.com/shardpost/mailcore/pkg/orm"
	"github.com/shardpost/mailcore/pkg/query"
	"github.com/shardpost/mailcore/pkg/raft"
	"github.com/shardpost/mailcore/pkg/session"
	"github.com/shardpost/mailcore/pkg/statemgr"
)

// Server is one mailcored node's fully wired runtime: storage, raft
// replication, ACL enforcement, the state-change hub, and the background
// housekeeping loops.
type Server struct {
	Store  kv.Store
	Raft   *raft.Node
	States *statemgr.Manager
	Tasks  *housekeeper.Housekeeper
	Auth   *session.Authorizer
	Blobs  *blob.Store

	log zerolog.Logger
}

// New assembles a Server from already-constructed subsystems; callers
// (cmd/mailcored) are responsible for raft.Bootstrap/raft.Join, opening
// the kv.Store, and picking a blob.Backend before calling this, the same
// division of labor teacher's NewManager draws between itself and its
// Bootstrap/Join methods.
func New(store kv.Store, node *raft.Node, blobs *blob.Store, tasks *housekeeper.Housekeeper, log zerolog.Logger) *Server {
	s := &Server{
		Store:  store,
		Raft:   node,
		States: statemgr.New(),
		Tasks:  tasks,
		Auth:   session.New(store),
		Blobs:  blobs,
		log:    log,
	}
	return s
}

// Start brings up the state-change hub and housekeeping loops. It does
// not start raft itself (raft.Bootstrap/raft.Join already leave the
// instance running), and it starts no peer-tracking loop.
func (s *Server) Start() {
	s.States.Start()
	if s.Tasks != nil {
		s.Tasks.Start()
	}
}

// Stop tears down the hub and housekeeping loops, then shuts raft down.
func (s *Server) Stop() error {
	s.States.Stop()
	if s.Tasks != nil {
		s.Tasks.Stop()
	}
	if s.Raft != nil {
		return s.Raft.Shutdown()
	}
	return nil
}

// WriteBatch applies wb through raft when this node is the leader
// (replicating the mutation to the cluster before it is visible
// anywhere), then publishes one StateChange per collection touched so
// any live Subscribe call observes the update. Followers reject writes;
// callers are expected to redirect to the leader, mirroring how every
// hashicorp/raft-backed service in this stack handles write routing.
func (s *Server) WriteBatch(wb *orm.WriteBatch) error {
	batch, touched, err := wb.Flush(s.Store)
	if err != nil {
		return err
	}
	if s.Raft != nil {
		if s.Raft.IsLeader() {
			metrics.RaftLeader.Set(1)
		} else {
			metrics.RaftLeader.Set(0)
			return ids.NewError(ids.ErrTemporary, "write rejected: node is not the raft leader")
		}
		timer := metrics.NewTimer()
		err := s.Raft.ApplyWriteBatch(wb.Account, batch, 0)
		timer.ObserveDuration(metrics.RaftApplyDuration)
		if err != nil {
			return ids.WrapError(ids.ErrTemporary, err, "replicate write batch for account %d", wb.Account)
		}
	} else if err := s.Store.Write(batch); err != nil {
		return err
	}
	for collection, changeID := range touched {
		metrics.ChangeLogAppendsTotal.WithLabelValues(collection.String()).Inc()
		s.States.Publish(statemgr.StateChange{Account: wb.Account, Collection: collection, ChangeID: changeID})
	}
	return nil
}

// Query runs req against the live-document set, restricting results to
// what grantee may read when mask is non-nil.
func (s *Server) Query(req query.Request, mask query.ReadableMask) (query.Result, error) {
	metrics.QueriesTotal.WithLabelValues(req.Collection.String()).Inc()
	timer := metrics.NewTimer()
	result, err := query.Run(s.Store, req, mask)
	timer.ObserveDurationVec(metrics.QueryLatency, req.Collection.String())
	return result, err
}

// Get reads one document property's stored bytes.
func (s *Server) Get(account ids.AccountId, collection ids.Collection, doc ids.DocumentId, field ids.FieldId) ([]byte, error) {
	return s.Store.Get(kvcodec.CFValues, kvcodec.ValueKey(account, collection, doc, field))
}

// Changes reads the collection's change log per q, the back end of
// JMAP's Foo/changes and Foo/query#changes.
func (s *Server) Changes(account ids.AccountId, collection ids.Collection, q changelog.Query) (changelog.Log, bool, error) {
	return changelog.GetChanges(s.Store, account, collection, q)
}

// Subscribe registers for live StateChange notifications matching
// accounts/collections until the caller calls s.States.Unsubscribe(id) or
// the Server stops, the transport-agnostic push side of JMAP EventSource
// and WebSocket PushEnable.
func (s *Server) Subscribe(subscriberID string, accounts []ids.AccountId, collections []ids.Collection) <-chan statemgr.StateChange {
	return s.States.Subscribe(subscriberID, accounts, collections)
}
