// Package broker implements the broker state machine: the session
// registry, the broker-wide subscription index, and publish dispatch
// described in spec §3–§5.
package broker

import (
	"sync"
	"sync/atomic"

	"github.com/localrivet/gobroker/topic"
	"github.com/localrivet/gobroker/trie"
)

// SessionKey is a broker-assigned, strictly increasing, never-reused
// session identifier.
type SessionKey uint64

// Message is the payload delivered alongside a topic on publish. The
// broker core treats Payload as an opaque byte slice.
type Message struct {
	Topic   topic.Topic
	Payload []byte
}

// Broker holds all sessions and the broker-wide subscription index. All
// reads and writes to its fields go through mu; PublishBroker only holds
// mu long enough to copy out the matching session set (spec §5).
type Broker struct {
	mu            sync.Mutex
	nextKey       uint64 // accessed via atomic; high watermark for session keys
	subscriptions *trie.Trie[trie.Set[SessionKey]]
	sessions      map[SessionKey]*Session
}

// New allocates an empty broker.
func New() *Broker {
	return &Broker{
		subscriptions: trie.Empty[trie.Set[SessionKey]](trie.SetMonoid[SessionKey]{}),
		sessions:      make(map[SessionKey]*Session),
	}
}

// CreateSession atomically allocates a fresh session key, registers a new
// Session with empty subscriptions and queues, and returns it. Returned
// keys are strictly increasing and unique for the broker's lifetime.
func (b *Broker) CreateSession() *Session {
	key := SessionKey(atomic.AddUint64(&b.nextKey, 1))
	s := &Session{
		broker:        b,
		key:           key,
		subscriptions: trie.Empty[trie.QoS](trie.QosMonoid{}),
		notify:        make(chan struct{}, 1),
		fatal:         make(chan struct{}),
	}
	s.state.Store(int32(sessionOpen))

	b.mu.Lock()
	b.sessions[key] = s
	b.mu.Unlock()

	return s
}

// lookupSession returns the session for key, if it is still registered.
func (b *Broker) lookupSession(key SessionKey) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[key]
	return s, ok
}

// PublishBroker dispatches one published message to every session
// currently subscribed to a filter matching topic. It snapshot-reads the
// broker-wide subscription index, releases the broker lock, and then
// acquires each recipient session's lock in turn — never holding the
// broker lock during a recipient's delivery (spec §5).
func (b *Broker) PublishBroker(tp topic.Topic, payload []byte) {
	b.mu.Lock()
	keys := trie.Subscriptions[SessionKey](b.subscriptions, tp)
	b.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	msg := Message{Topic: tp, Payload: payload}
	for key := range keys {
		sess, ok := b.lookupSession(key)
		if !ok {
			// Session raced with close_session between the snapshot
			// and delivery; per spec §9 this delivery is silently
			// dropped.
			continue
		}
		sess.deliver(msg)
	}
}
