package messaging

import (
	"sync"
	"time"
)

// MetricsCollector receives pipeline and breaker events. It is constructed
// explicitly and passed by reference into publishers and subscribers; there
// is no ambient global state. Implementations must be safe for concurrent
// use and must never block the caller for long.
type MetricsCollector interface {
	RecordPublish(topic string, err error)
	RecordConsume(topic string, err error)
	RecordAck(topic string)
	RecordNack(topic string, reason error)
	RecordFiltered(topic string)
	OnBreakerStateChange(topic, op, from, to, reason string)
}

// NopMetrics discards all events.
type NopMetrics struct{}

func (NopMetrics) RecordPublish(string, error)                    {}
func (NopMetrics) RecordConsume(string, error)                    {}
func (NopMetrics) RecordAck(string)                               {}
func (NopMetrics) RecordNack(string, error)                       {}
func (NopMetrics) RecordFiltered(string)                          {}
func (NopMetrics) OnBreakerStateChange(_, _, _, _, reason string) {}

// TopicMetrics are the per-topic counters kept by InMemoryMetrics.
type TopicMetrics struct {
	Published      int64
	PublishErrors  int64
	Consumed       int64
	ConsumeErrors  int64
	Acked          int64
	Nacked         int64
	Filtered       int64
	LastError      string
	LastErrorTime  time.Time
	BreakerChanges int64
}

// InMemoryMetrics is a lock-protected in-process MetricsCollector, useful
// for tests and as a bridge to an external exporter polled via Snapshot.
type InMemoryMetrics struct {
	mu     sync.Mutex
	topics map[string]*TopicMetrics
}

// NewInMemoryMetrics creates an empty collector.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{topics: make(map[string]*TopicMetrics)}
}

func (m *InMemoryMetrics) topic(name string) *TopicMetrics {
	tm, ok := m.topics[name]
	if !ok {
		tm = &TopicMetrics{}
		m.topics[name] = tm
	}
	return tm
}

func (m *InMemoryMetrics) RecordPublish(topic string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm := m.topic(topic)
	if err != nil {
		tm.PublishErrors++
		tm.LastError = err.Error()
		tm.LastErrorTime = time.Now()
		return
	}
	tm.Published++
}

func (m *InMemoryMetrics) RecordConsume(topic string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm := m.topic(topic)
	if err != nil {
		tm.ConsumeErrors++
		tm.LastError = err.Error()
		tm.LastErrorTime = time.Now()
		return
	}
	tm.Consumed++
}

func (m *InMemoryMetrics) RecordAck(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topic(topic).Acked++
}

func (m *InMemoryMetrics) RecordNack(topic string, reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm := m.topic(topic)
	tm.Nacked++
	if reason != nil {
		tm.LastError = reason.Error()
		tm.LastErrorTime = time.Now()
	}
}

func (m *InMemoryMetrics) RecordFiltered(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topic(topic).Filtered++
}

func (m *InMemoryMetrics) OnBreakerStateChange(topic, op, from, to, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topic(topic).BreakerChanges++
}

// Snapshot returns a copy of the per-topic counters.
func (m *InMemoryMetrics) Snapshot() map[string]TopicMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]TopicMetrics, len(m.topics))
	for name, tm := range m.topics {
		out[name] = *tm
	}
	return out
}

// Reset clears all counters.
func (m *InMemoryMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = make(map[string]*TopicMetrics)
}
