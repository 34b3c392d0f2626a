package node

import (
	"strings"
	"sync"
)

const deliveryTopic = "delivery"

// registry maps a topic to an ordered list of handlers.
type registry[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string][]handle[T]
}

type handle[T any] struct {
	id uint64
	fn func(T)
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{topics: make(map[string][]handle[T])}
}

// subscribe adds fn to topic and returns a function removing it again.
func (r *registry[T]) subscribe(topic string, fn func(T)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.topics[topic] = append(r.topics[topic], handle[T]{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		hs := r.topics[topic]
		for i, h := range hs {
			if h.id == id {
				r.topics[topic] = append(hs[:i:i], hs[i+1:]...)
				break
			}
		}
		if len(r.topics[topic]) == 0 {
			delete(r.topics, topic)
		}
	}
}

// emit calls every handler of topic in subscription order. Handlers run
// without the registry lock held, so they may subscribe or unsubscribe.
func (r *registry[T]) emit(topic string, v T) {
	r.mu.RLock()
	hs := append([]handle[T](nil), r.topics[topic]...)
	r.mu.RUnlock()
	for _, h := range hs {
		h.fn(v)
	}
}

func (r *registry[T]) clear() {
	r.mu.Lock()
	r.topics = make(map[string][]handle[T])
	r.mu.Unlock()
}

func (r *registry[T]) count(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// deliveryTopics lists the topics an envelope of msgType is delivered on,
// most specific first: "a.b" yields "delivery.a.b", "delivery.a", "delivery".
func deliveryTopics(msgType string) []string {
	parts := strings.Split(msgType, ".")
	topics := make([]string, 0, len(parts)+1)
	for i := len(parts); i > 0; i-- {
		topics = append(topics, deliveryTopic+"."+strings.Join(parts[:i], "."))
	}
	return append(topics, deliveryTopic)
}

func deliveryTopicFor(msgType string) string {
	if msgType == "" {
		return deliveryTopic
	}
	return deliveryTopic + "." + msgType
}
