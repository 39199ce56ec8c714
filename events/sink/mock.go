package sink

import "sync"

// MockSink records published messages for test inspection.
type MockSink struct {
	PublishErr error // Returned by Publish while set

	mu       sync.Mutex
	messages []MockMessage
}

// MockMessage is one recorded publish.
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message, or fails if PublishErr is set.
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.messages = append(m.messages, MockMessage{
		Topic: topic,
		Key:   key,
		Value: value,
	})
	return nil
}

// Close is a no-op for MockSink.
func (m *MockSink) Close() error {
	return nil
}

// Messages returns a copy of the recorded messages.
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// SetErr swaps the injected publish error.
func (m *MockSink) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishErr = err
}

// Reset clears all recorded messages.
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}
