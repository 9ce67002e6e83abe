// Package eventbus implements the in-process NodeEvent broadcast of
// spec.md §4.8: fire-and-forget delivery to every subscriber in parallel,
// with per-subscriber delivery order preserved (FIFO per subscriber, no
// ordering guarantee across subscribers).
package eventbus

import (
	"sync"

	"github.com/tapprotocol/tap/core"
	"github.com/tapprotocol/tap/statemachine"
)

// Kind discriminates the NodeEvent tagged union, per spec.md §4.8.
type Kind string

const (
	MessageReceived        Kind = "MessageReceived"
	MessageSent            Kind = "MessageSent"
	AgentRegistered        Kind = "AgentRegistered"
	AgentUnregistered      Kind = "AgentUnregistered"
	DidResolved            Kind = "DidResolved"
	AgentMessage           Kind = "AgentMessage"
	TransactionCreated     Kind = "TransactionCreated"
	TransactionStateChange Kind = "TransactionStateChanged"
)

// NodeEvent is one member of spec.md §4.8's tagged union. Only the fields
// relevant to Kind are populated; the rest are the zero value.
type NodeEvent struct {
	Kind Kind
	At   int64

	// AgentDID is the local agent that observed or caused the event, set
	// on every kind.
	AgentDID core.DID

	// MessageReceived / MessageSent / AgentMessage.
	Message *core.PlainMessage
	// CounterpartyDID is the remote agent, set on MessageReceived/Sent.
	CounterpartyDID core.DID

	// AgentRegistered / AgentUnregistered.
	RegisteredAgent core.Agent

	// DidResolved.
	ResolvedDID core.DID

	// TransactionCreated.
	ThreadID     string
	TxType       string
	InitiatorDID core.DID

	// TransactionStateChanged.
	StateChange *statemachine.StateChange
}

// Subscriber receives NodeEvents published on a Bus. Subscribers must be
// idempotent, per spec.md §4.8: a subscriber may observe the same logical
// event more than once under retry/redelivery from an upstream processor.
type Subscriber func(NodeEvent)

type subscription struct {
	id      uint64
	queue   chan NodeEvent
	handler Subscriber
}

// Bus is an in-process, multi-subscriber, fire-and-forget event broadcaster.
// Each subscriber has its own buffered queue and goroutine, so one slow
// subscriber never blocks another and each subscriber sees its own events
// in publish order.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    []*subscription
	bufSize int
}

// New constructs a Bus. bufSize is the per-subscriber queue depth; a
// subscriber whose queue is full misses the newly published event (the
// pending ones are kept) rather than blocking Publish, since delivery is explicitly best-effort (spec.md
// §4.8's "fire-and-forget").
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{bufSize: bufSize}
}

// Subscribe registers fn and returns an unsubscribe function. The
// subscriber list is copy-on-write: Publish always iterates a stable
// snapshot, so Subscribe/Unsubscribe never race a concurrent Publish.
func (b *Bus) Subscribe(fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, queue: make(chan NodeEvent, b.bufSize), handler: fn}
	next := make([]*subscription, len(b.subs)+1)
	copy(next, b.subs)
	next[len(b.subs)] = sub
	b.subs = next
	b.mu.Unlock()

	go func() {
		for ev := range sub.queue {
			sub.handler(ev)
		}
	}()

	return func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id == id {
			close(s.queue)
			continue
		}
		next = append(next, s)
	}
	b.subs = next
}

// Publish hands ev to every current subscriber's queue without blocking the
// caller on subscriber processing. A full queue drops the event for that
// subscriber alone, silently. The read lock is held across the non-blocking
// sends so that unsubscribe cannot close a queue mid-send.
func (b *Bus) Publish(ev NodeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.queue <- ev:
		default:
		}
	}
}
