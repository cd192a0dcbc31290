// Package statemgr is the single-goroutine pub/sub hub that turns
// committed change-log entries into push notifications: JMAP EventSource/
// WebSocket state streams and IMAP NOTIFY both read from a Subscription
// opened here. It generalizes teacher pkg/events.Broker's channel-fanout
// shape (see events.go) from cluster lifecycle events to this system's
// (account, collection, change id) state-change contract in spec.md §4.8.
package statemgr

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardpost/mailcore/pkg/ids"
	"github.com/shardpost/mailcore/pkg/log"
	"github.com/shardpost/mailcore/pkg/metrics"
)

// StateChange is one published notification: a collection inside an
// account just advanced to a new ChangeId.
type StateChange struct {
	Account    ids.AccountId
	Collection ids.Collection
	ChangeID   ids.ChangeId
}

// sendTimeout bounds how long Publish waits on a single subscriber's
// channel before giving up on that message, per spec.md §4.8's "does
// not block the publish path" invariant.
const sendTimeout = 500 * time.Millisecond

// reapInterval is how often Manager sweeps subscribers whose sink
// closed, mirroring spec.md §4.8's "~60s" scheduled purge.
const reapInterval = 60 * time.Second

// subscription is one registered listener, re-indexed by account id on
// every (re-)Subscribe call the way the original's subscriber map does.
type subscription struct {
	id          string
	accounts    map[ids.AccountId]bool
	collections map[ids.Collection]bool
	sink        chan StateChange
	done        chan struct{} // closed by closeSubscription; tells in-flight deliver goroutines to give up
	closed      bool
	wg          sync.WaitGroup // in-flight deliver goroutines for this subscription
}

func (s *subscription) matches(c StateChange) bool {
	if len(s.accounts) > 0 && !s.accounts[c.Account] {
		return false
	}
	if len(s.collections) > 0 && !s.collections[c.Collection] {
		return false
	}
	return true
}

// Manager is the single-threaded state-change broker: all mutation of
// the subscriber index happens inside run(), the only goroutine that
// touches subs directly; every other interaction goes through the
// bounded commands channel, matching spec.md §4.8's "single shared-state
// primitive is the channel" design.
type Manager struct {
	logger  zerolog.Logger
	cmds    chan command
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

type commandKind int

const (
	cmdSubscribe commandKind = iota
	cmdUnsubscribe
	cmdPublish
)

type command struct {
	kind       commandKind
	subscriber *subscription
	id         string
	change     StateChange
}

func New() *Manager {
	return &Manager{
		logger: log.WithComponent("statemgr"),
		cmds:   make(chan command, 256),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the manager's event loop, a no-op if already started.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.run()
}

// Stop signals the event loop to exit and waits for it to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

// Subscribe registers subscriberID for notifications touching any of
// accounts/collections (empty slices mean "all"), replacing any prior
// registration for the same id. Returns the channel notifications
// arrive on; the caller reads it until Unsubscribe or Stop.
func (m *Manager) Subscribe(subscriberID string, accounts []ids.AccountId, collections []ids.Collection) <-chan StateChange {
	sub := &subscription{
		id:          subscriberID,
		accounts:    toSet(accounts),
		collections: toCollectionSet(collections),
		sink:        make(chan StateChange, 32),
		done:        make(chan struct{}),
	}
	m.cmds <- command{kind: cmdSubscribe, subscriber: sub}
	return sub.sink
}

// Unsubscribe removes a prior registration, closing its sink.
func (m *Manager) Unsubscribe(subscriberID string) {
	m.cmds <- command{kind: cmdUnsubscribe, id: subscriberID}
}

// Publish notifies every matching subscriber. Each delivery is spawned
// as a detached goroutine with its own sendTimeout so one slow
// subscriber never blocks the next Publish call, per spec.md §4.8.
func (m *Manager) Publish(change StateChange) {
	m.cmds <- command{kind: cmdPublish, change: change}
}

func (m *Manager) run() {
	defer close(m.doneCh)

	subs := make(map[string]*subscription)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			for _, s := range subs {
				closeSubscription(s)
			}
			// Subscriptions still queued behind the stop signal are closed
			// too, so every sink Subscribe handed out gets closed.
			for {
				select {
				case cmd := <-m.cmds:
					if cmd.kind == cmdSubscribe {
						closeSubscription(cmd.subscriber)
					}
				default:
					return
				}
			}
		case <-ticker.C:
			reap(subs)
		case cmd := <-m.cmds:
			switch cmd.kind {
			case cmdSubscribe:
				if old, ok := subs[cmd.subscriber.id]; ok {
					closeSubscription(old)
				}
				subs[cmd.subscriber.id] = cmd.subscriber
				metrics.SubscribersTotal.Set(float64(len(subs)))
			case cmdUnsubscribe:
				if s, ok := subs[cmd.id]; ok {
					closeSubscription(s)
					delete(subs, cmd.id)
					metrics.SubscribersTotal.Set(float64(len(subs)))
				}
			case cmdPublish:
				metrics.StateChangesPublishedTotal.Inc()
				for _, s := range subs {
					if s.closed || !s.matches(cmd.change) {
						continue
					}
					deliver(s, cmd.change)
				}
				reap(subs)
				metrics.SubscribersTotal.Set(float64(len(subs)))
			}
		}
	}
}

// deliver spawns a detached send with a hard per-message timeout so a
// stuck subscriber never stalls the broker loop. s.wg tracks the
// goroutine so closeSubscription can wait for every in-flight send to
// give up on s.done before it closes s.sink, which is what keeps a
// concurrent re-Subscribe/Unsubscribe/Stop from ever closing the
// channel while this goroutine still holds a reference to send on it.
func deliver(s *subscription, change StateChange) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(sendTimeout)
		defer timer.Stop()
		select {
		case s.sink <- change:
		case <-timer.C:
		case <-s.done:
		}
	}()
}

func reap(subs map[string]*subscription) {
	for id, s := range subs {
		if s.closed {
			delete(subs, id)
		}
	}
}

// closeSubscription marks s closed and signals s.done immediately so
// pending deliver goroutines stop waiting to send, then closes s.sink
// only once every one of them has actually returned. s.sink must never
// close while a deliver goroutine could still be blocked in its select
// on `s.sink <- change`, or that send races the close and panics.
func closeSubscription(s *subscription) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	go func() {
		s.wg.Wait()
		close(s.sink)
	}()
}

func toSet(ids []ids.AccountId) map[ids.AccountId]bool {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[ids.AccountId]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func toCollectionSet(cols []ids.Collection) map[ids.Collection]bool {
	if len(cols) == 0 {
		return nil
	}
	m := make(map[ids.Collection]bool, len(cols))
	for _, c := range cols {
		m[c] = true
	}
	return m
}
