package testutil

import (
	"slices"
	"sync"

	"github.com/relab/tomcast"
)

// Sent is a message recorded by MockSender.
type Sent struct {
	To  tomcast.ID
	Msg tomcast.Msg
}

// MockSender is a tomcast.Transport that records the messages sent through it.
type MockSender struct {
	id tomcast.ID

	mut          sync.Mutex
	failures     map[tomcast.ID]error
	messagesSent []Sent
	receiver     tomcast.Receiver
}

// NewMockSender returns a new MockSender for the member with the given id.
func NewMockSender(id tomcast.ID) *MockSender {
	return &MockSender{
		id:       id,
		failures: make(map[tomcast.ID]error),
	}
}

// Self returns the ID of the local member.
func (m *MockSender) Self() tomcast.ID {
	return m.id
}

// Bind records the receiver.
func (m *MockSender) Bind(r tomcast.Receiver) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.receiver = r
}

// Receiver returns the receiver that was bound to the sender.
func (m *MockSender) Receiver() tomcast.Receiver {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.receiver
}

// FailFor makes every send to id fail with err.
func (m *MockSender) FailFor(id tomcast.ID, err error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.failures[id] = err
}

// Unicast records the message, or returns the error configured with FailFor.
func (m *MockSender) Unicast(to tomcast.ID, msg tomcast.Msg) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	if err, ok := m.failures[to]; ok {
		return err
	}
	m.messagesSent = append(m.messagesSent, Sent{To: to, Msg: msg})
	return nil
}

// MessagesSent returns the messages sent so far.
func (m *MockSender) MessagesSent() []Sent {
	m.mut.Lock()
	defer m.mut.Unlock()
	return slices.Clone(m.messagesSent)
}

// Clear forgets the messages sent so far.
func (m *MockSender) Clear() {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.messagesSent = nil
}

// SentOfType returns the messages of type T sent so far, keyed by destination.
func SentOfType[T tomcast.Msg](m *MockSender) map[tomcast.ID][]T {
	out := make(map[tomcast.ID][]T)
	for _, s := range m.MessagesSent() {
		if msg, ok := s.Msg.(T); ok {
			out[s.To] = append(out[s.To], msg)
		}
	}
	return out
}
