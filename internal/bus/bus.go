package bus

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Event is the unit passed through the in-memory bus.
type Event struct {
	Topic   string
	Payload any
}

// Handler consumes one published event.
type Handler func(Event)

type subscription struct {
	pattern string
	handler Handler
	seq     uint64
}

// Bus is an in-process publish/subscribe dispatcher. Delivery within one
// topic is synchronous and strictly in publish order; delivery across
// topics carries no ordering guarantee. A panicking subscriber is isolated:
// it is logged and the remaining subscribers still receive the event.
type Bus struct {
	mu    sync.RWMutex
	log   *zap.Logger
	exact map[string][]*subscription
	wild  []*subscription
	seq   uint64
}

// New creates an empty bus.
func New(log *zap.Logger) *Bus {
	return &Bus{
		log:   log,
		exact: make(map[string][]*subscription),
	}
}

// Subscribe registers a handler for a topic pattern. A pattern ending in
// '*' matches any topic with that prefix. The returned function removes
// the subscription.
func (b *Bus) Subscribe(pattern string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{pattern: pattern, handler: h, seq: b.seq}
	b.seq++
	if strings.HasSuffix(pattern, "*") {
		b.wild = append(b.wild, sub)
	} else {
		b.exact[pattern] = append(b.exact[pattern], sub)
	}

	return func() { b.remove(sub) }
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if strings.HasSuffix(sub.pattern, "*") {
		for i, s := range b.wild {
			if s == sub {
				b.wild = append(b.wild[:i], b.wild[i+1:]...)
				return
			}
		}
		return
	}
	subs := b.exact[sub.pattern]
	for i, s := range subs {
		if s == sub {
			b.exact[sub.pattern] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the payload to every matching subscriber, in
// subscription order. It never blocks on a subscriber and never returns
// an error to the publisher.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.exact[topic])+len(b.wild))
	matched = append(matched, b.exact[topic]...)
	for _, s := range b.wild {
		if strings.HasPrefix(topic, s.pattern[:len(s.pattern)-1]) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	if len(matched) > 1 {
		sortBySeq(matched)
	}
	for _, s := range matched {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panic",
				zap.String("topic", ev.Topic),
				zap.String("pattern", s.pattern),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}

// SubscriberCount returns the number of subscriptions matching a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.exact[topic])
	for _, s := range b.wild {
		if strings.HasPrefix(topic, s.pattern[:len(s.pattern)-1]) {
			n++
		}
	}
	return n
}

// sortBySeq orders subscriptions by registration sequence. Lists are tiny,
// insertion sort avoids an import.
func sortBySeq(subs []*subscription) {
	for i := 1; i < len(subs); i++ {
		for j := i; j > 0 && subs[j].seq < subs[j-1].seq; j-- {
			subs[j], subs[j-1] = subs[j-1], subs[j]
		}
	}
}
