package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// consumerBuffer bounds how many undelivered events a memory consumer holds.
const consumerBuffer = 1024

// Memory is an in-process Bus. Every subscriber receives every message
// published to its topics, and published payloads are retained so tests can
// assert on them.
type Memory struct {
	mu        sync.Mutex
	consumers []*MemoryConsumer
	log       map[string][][]byte

	// PollInterval bounds how long Next waits before reporting idle.
	PollInterval time.Duration
	// CommitHook, when set, runs before a commit is recorded and can reject
	// it. Tests use it to observe commit batches and to inject failures.
	CommitHook func(events []*Event) error
}

func NewMemory() *Memory {
	return &Memory{
		log:          make(map[string][][]byte),
		PollInterval: 50 * time.Millisecond,
	}
}

func (m *Memory) Subscribe(_ context.Context, _ string, topics []string) (Consumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("subscribing: no topics given")
	}
	subscribed := make(map[string]bool, len(topics))
	for _, t := range topics {
		subscribed[t] = true
	}
	c := &MemoryConsumer{
		bus:    m,
		topics: subscribed,
		ch:     make(chan *Event, consumerBuffer),
	}
	m.mu.Lock()
	m.consumers = append(m.consumers, c)
	m.mu.Unlock()
	return c, nil
}

func (m *Memory) Publish(_ context.Context, topic string, data []byte) error {
	payload := make([]byte, len(data))
	copy(payload, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.log[topic] = append(m.log[topic], payload)
	for _, c := range m.consumers {
		if c.isClosed() || !c.topics[topic] {
			continue
		}
		select {
		case c.ch <- &Event{Topic: topic, Payload: payload}:
		default:
			return fmt.Errorf("consumer buffer full for topic %s", topic)
		}
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Messages returns everything published to a topic, in order.
func (m *Memory) Messages(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.log[topic]))
	copy(out, m.log[topic])
	return out
}

// Subscribers reports how many open consumers are subscribed to a topic.
// Publishes reach only consumers subscribed at publish time, so callers
// racing a consumer startup can wait on this before publishing.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.consumers {
		if !c.isClosed() && c.topics[topic] {
			n++
		}
	}
	return n
}

// MemoryConsumer receives events for one subscription.
type MemoryConsumer struct {
	bus    *Memory
	topics map[string]bool
	ch     chan *Event

	mu        sync.Mutex
	closed    bool
	committed []*Event
}

func (c *MemoryConsumer) Next(ctx context.Context) (*Event, error) {
	timer := time.NewTimer(c.bus.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-c.ch:
		return ev, nil
	case <-timer.C:
		return nil, nil
	}
}

func (c *MemoryConsumer) Commit(_ context.Context, events ...*Event) error {
	if hook := c.bus.CommitHook; hook != nil {
		if err := hook(events); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, events...)
	return nil
}

func (c *MemoryConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Committed returns every event acknowledged so far, in commit order.
func (c *MemoryConsumer) Committed() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.committed))
	copy(out, c.committed)
	return out
}

func (c *MemoryConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
