package transport

import (
	"sync"
)

// memorySubBuffer sizes each subscriber channel so bursts survive a briefly
// busy consumer.
const memorySubBuffer = 64

// MemoryPubSub is an in-process bus. Single-replica deployments run on it
// instead of a broker, and tests share one instance between several
// dispatchers to stand in for a connected fleet.
//
// Delivery is best effort: a subscriber whose buffer is full misses the
// message rather than stalling the publisher.
type MemoryPubSub struct {
	mu     sync.RWMutex
	nextID int
	topics map[string]map[int]chan Message
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{topics: make(map[string]map[int]chan Message)}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.topics[topic] {
		// Every subscriber gets its own copy so none can mutate another's view.
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.topics[topic]
	if !ok {
		subs = make(map[int]chan Message)
		m.topics[topic] = subs
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, memorySubBuffer)
	subs[id] = ch

	return ch, func() { m.unsubscribe(topic, id) }, nil
}

// unsubscribe closes the subscriber's channel and forgets emptied topics.
// Calling a cancel func twice is a no-op.
func (m *MemoryPubSub) unsubscribe(topic string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.topics[topic]
	if !ok {
		return
	}
	if ch, live := subs[id]; live {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(m.topics, topic)
	}
}
