package raft

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// missedBeatsOffline is how many consecutive missed heartbeats mark a
// peer offline, mirroring the fixed failure-detection threshold
// check_heartbeat applies in
// original_source/src/cluster/gossip/ping.rs.
const missedBeatsOffline = 3

// peerState is one tracked cluster member's liveness record, folding
// the original's PeerStatus/epoch/hb_sum fields into a single struct
// per peer instead of Warren's flat Vec<Peer> since this package only
// needs liveness, not shard/generation bookkeeping.
type peerState struct {
	addr        string
	status      PeerStatus
	lastSeen    time.Time
	missedBeats int
	offline     bool
}

// PeerTracker runs the gossip-style liveness ping round described in
// SPEC_FULL.md's supplemented features, feeding an offline/alive peer
// count a quorum check can use before calling an election. It ports
// the shape of ping_peers/broadcast_ping/handle_ping from
// original_source/src/cluster/gossip/ping.rs, simplified to round-robin
// ping (dropping shard/generation fields this system has no equivalent
// of). Tick never sends a peer list; peers learned from another node
// arrive only through HandleUpdatePeers.
type PeerTracker struct {
	mu    sync.Mutex
	self  string
	epoch uint64
	peers map[string]*peerState
	order []string
	next  int
}

func NewPeerTracker(selfID string) *PeerTracker {
	return &PeerTracker{self: selfID, peers: make(map[string]*peerState)}
}

// AddPeer registers a cluster member to ping, a no-op if already known.
func (t *PeerTracker) AddPeer(nodeID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[nodeID]; ok {
		return
	}
	t.peers[nodeID] = &peerState{addr: addr}
	t.order = append(t.order, nodeID)
}

// PeerList returns every known peer's (id, addr), the shape of an
// UpdatePeers request's payload.
func (t *PeerTracker) PeerList() []PeerAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerAddr, 0, len(t.peers))
	for id, p := range t.peers {
		out = append(out, PeerAddr{NodeID: id, Addr: p.addr})
	}
	return out
}

// AliveCount reports how many tracked peers are not currently offline.
func (t *PeerTracker) AliveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.peers {
		if !p.offline {
			n++
		}
	}
	return n
}

func (t *PeerTracker) IsOffline(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[nodeID]
	return ok && p.offline
}

// selfStatus builds this node's PeerStatus to attach to an outgoing
// ping, mirroring build_peer_status.
func (t *PeerTracker) selfStatus(n *Node) PeerStatus {
	t.mu.Lock()
	t.epoch++
	epoch := t.epoch
	t.mu.Unlock()

	term, index := n.lastLogPosition()
	return PeerStatus{
		NodeID:    t.self,
		Epoch:     epoch,
		LastTerm:  term,
		LastIndex: index,
		IsLeader:  n.IsLeader(),
	}
}

// Tick pings the next peer in round-robin order, following
// ping_peers' "advance last_peer_pinged by one each round" cadence
// rather than pinging every peer every tick. A failed RPC counts as a
// missed heartbeat; missedBeatsOffline consecutive misses mark the
// peer offline.
func (t *PeerTracker) Tick(ctx context.Context, n *Node, dialTimeout time.Duration) {
	t.mu.Lock()
	if len(t.order) == 0 {
		t.mu.Unlock()
		return
	}
	t.next = (t.next + 1) % len(t.order)
	id := t.order[t.next]
	p := t.peers[id]
	addr := p.addr
	t.mu.Unlock()

	status := t.selfStatus(n)

	client, err := DialControl(addr, dialTimeout)
	if err != nil {
		t.recordMiss(id)
		return
	}
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	resp, err := client.Ping(pingCtx, PingRequest{From: status})
	if err != nil {
		t.recordMiss(id)
		return
	}
	t.recordSeen(id, resp.From)
}

func (t *PeerTracker) recordMiss(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[nodeID]
	if !ok {
		return
	}
	p.missedBeats++
	if p.missedBeats >= missedBeatsOffline {
		p.offline = true
	}
}

func (t *PeerTracker) recordSeen(nodeID string, status PeerStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[nodeID]
	if !ok {
		return
	}
	p.status = status
	p.lastSeen = time.Now()
	p.missedBeats = 0
	p.offline = false
}

// HandlePing answers an incoming ping with this node's own status and
// records the caller as alive, mirroring handle_ping's single-peer
// (non-shard) path: this system gossips over a direct control-plane
// RPC per peer rather than a broadcast packet, so there is always
// exactly one source peer to update.
func (t *PeerTracker) HandlePing(n *Node, req PingRequest) PongResponse {
	t.recordSeen(req.From.NodeID, req.From)
	return PongResponse{From: t.selfStatus(n)}
}

// HandleUpdatePeers merges an incoming full peer list into the
// tracker, adding any peer this node didn't already know about.
func (t *PeerTracker) HandleUpdatePeers(peers []PeerAddr) {
	for _, p := range peers {
		if p.NodeID == t.self {
			continue
		}
		t.AddPeer(p.NodeID, p.Addr)
	}
}

// lastLogPosition reports the latest term/index this node's raft log
// holds, the value attached to outgoing PeerStatus pings.
func (n *Node) lastLogPosition() (term, index uint64) {
	term, _ = strconv.ParseUint(n.Raft.Stats()["last_log_term"], 10, 64)
	return term, n.Raft.LastIndex()
}
