package broker

import (
	"sync"
	"sync/atomic"

	"github.com/localrivet/gobroker/topic"
	"github.com/localrivet/gobroker/trie"
)

// sessionState is the one-way open -> closing -> closed state machine from
// spec §4.E.
type sessionState int32

const (
	sessionOpen sessionState = iota
	sessionClosing
	sessionClosed
)

// maxQueueDepth bounds each of a session's QoS queues. Spec §7 requires an
// overflow response but leaves the capacity itself unspecified; this is
// generous enough that a caught-up subscriber never hits it in practice.
const maxQueueDepth = 1024

// Queue is a simple bounded FIFO of (topic, message) pairs. It is not safe
// for concurrent use on its own; callers hold the owning Session's lock.
type Queue struct {
	items []Message
}

// Push appends msg to the back of the queue, reporting false instead of
// growing the queue past maxQueueDepth.
func (q *Queue) Push(msg Message) bool {
	if len(q.items) >= maxQueueDepth {
		return false
	}
	q.items = append(q.items, msg)
	return true
}

// Pop removes and returns the item at the front of the queue.
func (q *Queue) Pop() (Message, bool) {
	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Len reports the number of queued messages.
func (q *Queue) Len() int { return len(q.items) }

// Session is the per-client state held by the broker, per spec §3/§4.E.
// Subscribe, unsubscribe, and deliver all take Session's own lock before
// (if needed) the broker's lock, per the fixed lock ordering in spec §5.
type Session struct {
	broker *Broker // non-owning back-reference; lifetime is broker-controlled
	key    SessionKey

	mu               sync.Mutex
	subscriptions    *trie.Trie[trie.QoS]
	qos0, qos1, qos2 Queue

	// notify is signalled, non-blocking, whenever deliver enqueues a
	// message, so an external dispatch loop (server.Server) can block on
	// it instead of polling the queues. It is not part of the broker
	// core's own semantics (spec §3 leaves draining the queues onto the
	// wire to an external driver); it exists purely to make that driver
	// efficient.
	notify chan struct{}

	// fatal is closed exactly once, by deliver, when a QoS1/QoS2 enqueue
	// overflows maxQueueDepth. Spec §7 requires overflow on those queues
	// to tear down the session's connection; this channel is how deliver
	// (which has no handle on the connection) tells the external
	// dispatch loop to do so. QoS0 overflow is not fatal: it is silently
	// dropped per the same clause.
	fatal     chan struct{}
	fatalOnce sync.Once

	state atomic.Int32
}

// Key returns this session's broker-assigned identifier.
func (s *Session) Key() SessionKey { return s.key }

// Subscribe inserts each (filter, qos) pair into the session's own
// subscription trie (combine = max) and the broker-wide index (combine =
// set union), as one observable transition: the session lock is acquired
// before the broker lock, so no publish can observe a broker index entry
// for a filter the session has not yet recorded, or vice versa.
func (s *Session) Subscribe(pairs []SubscribePair) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionState(s.state.Load()) != sessionOpen {
		return
	}

	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	for _, p := range pairs {
		s.subscriptions.InsertWith(trie.QosMonoid{}.Combine, p.Filter, p.QoS)
		s.broker.subscriptions.InsertWith(trie.SetMonoid[SessionKey]{}.Combine, p.Filter, trie.NewSet(s.key))
	}
}

// SubscribePair is one (filter, QoS) entry of a SUBSCRIBE request.
type SubscribePair struct {
	Filter topic.Filter
	QoS    trie.QoS
}

// Unsubscribe deletes each filter from the session's own trie and removes
// this session's key from the corresponding broker-wide entry, pruning
// now-empty nodes. Same lock ordering as Subscribe.
func (s *Session) Unsubscribe(filters []topic.Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionState(s.state.Load()) != sessionOpen {
		return
	}

	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	for _, f := range filters {
		s.subscriptions.Delete(f)
		s.broker.subscriptions.Adjust(trie.Remove[SessionKey](s.key), f)
	}
}

// deliver looks up the effective QoS for topic tp under this session's
// exclusive lock and, if subscribed, enqueues (tp, message) on the
// matching QoS queue. A session in the closing or closed state silently
// drops the delivery (spec §4.E, §9).
func (s *Session) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionState(s.state.Load()) == sessionClosed {
		return
	}

	qos, ok := s.subscriptions.LookupWith(trie.QosMonoid{}.Combine, msg.Topic)
	if !ok {
		return
	}

	var pushed bool
	switch qos {
	case trie.Qos0:
		// QoS0 overflow is silently dropped per the MQTT contract
		// (spec §7); the message simply never reaches the queue.
		pushed = s.qos0.Push(msg)
	case trie.Qos1:
		pushed = s.qos1.Push(msg)
	case trie.Qos2:
		pushed = s.qos2.Push(msg)
	}

	if !pushed {
		if qos != trie.Qos0 {
			s.fatalOnce.Do(func() { close(s.fatal) })
		}
		return
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Fatal returns a channel that is closed when a QoS1/QoS2 queue overflow
// has occurred and this session's connection must be torn down (spec §7).
// It never fires for QoS0 overflow, which is dropped silently instead.
func (s *Session) Fatal() <-chan struct{} { return s.fatal }

// Notify returns the channel an external dispatch loop can wait on for a
// signal that a new message was queued. Reading from it is advisory: the
// loop should still drain every queue it cares about, since a single
// signal may correspond to more than one enqueued message.
func (s *Session) Notify() <-chan struct{} { return s.notify }

// DeliverSession is the exported entry point spec §4.D calls
// deliver_session; it is also used directly for retained-message replay
// (see broker.PublishRetained).
func (s *Session) DeliverSession(msg Message) { s.deliver(msg) }

// DequeueQos0 pops the oldest queued QoS0 message, if any. QoS1/QoS2
// dequeue identically via DequeueQos1/DequeueQos2; the external
// session-dispatch loop that drains these queues onto the wire is not
// specified here (spec §3).
func (s *Session) DequeueQos0() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qos0.Pop()
}

// DequeueQos1 pops the oldest queued QoS1 message, if any.
func (s *Session) DequeueQos1() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qos1.Pop()
}

// DequeueQos2 pops the oldest queued QoS2 message, if any.
func (s *Session) DequeueQos2() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qos2.Pop()
}

// CloseSession removes this session's contributions from the broker's
// subscription index and deletes it from the session registry. The
// session moves to closing before the broker-wide update and to closed
// once it is complete; any Subscribe/Unsubscribe/deliver racing with
// CloseSession after this point observes the closing/closed state and is
// a no-op (spec §4.D, §4.E).
func (b *Broker) CloseSession(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Store(int32(sessionClosing))

	b.mu.Lock()
	contributed := trie.Map[trie.QoS, trie.Set[SessionKey]](
		func(trie.QoS) trie.Set[SessionKey] { return trie.NewSet(s.key) },
		s.subscriptions,
		trie.SetMonoid[SessionKey]{},
	)
	b.subscriptions = trie.DifferenceWith(trie.SetMonoid[SessionKey]{}.Difference, b.subscriptions, contributed)
	delete(b.sessions, s.key)
	b.mu.Unlock()

	s.state.Store(int32(sessionClosed))
}
