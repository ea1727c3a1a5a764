// Package tomcast defines the core types and interfaces of a total-order multicast toolkit.
// A multicast is disseminated as independent unicasts, every destination proposes a sequence
// number for it, and the maximum proposal becomes the final sequence number that orders it.
//
// The following diagram illustrates how the components of a member interact:
//
//	                 Multicast()
//	                     |
//	                     v
//	         +-----------------------+  Unicast(DataMsg)   +-----------------+
//	         |  dissemination.Worker |-------------------->|                 |
//	         +-----------------------+                     |                 |
//	                     |                                 |    Transport    |
//	                Originate()                            |                 |
//	                     v                                 |                 |
//	         +-----------------------+  Unicast(Propose,   |                 |
//	         |                       |          Final)     |                 |
//	         |    ordering.Engine    |-------------------->|                 |
//	         |                       |                     |                 |
//	         |                       |<--RecordProposal()--|                 |
//	         |                       |<--RecordFinal()-----|   Receive()     |
//	         |                       |<--Propose()---------|                 |
//	         +-----------------------+                     +-----------------+
//	                     |
//	        NextDeliverableBatch()
//	                     v
//	         +-----------------------+
//	         |    delivery.Worker    |-----Deliver()-----> Application
//	         +-----------------------+
//
// The member package composes these components for one group member.
package tomcast

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ID uniquely identifies a group member.
type ID uint32

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// MessageID uniquely identifies a multicast message.
// Seq is assigned by the sender and increases monotonically.
type MessageID struct {
	Sender ID
	Seq    uint64
}

// Less orders message IDs by sender and then by sequence number.
// It is used to break ties between messages with equal final sequence numbers.
func (id MessageID) Less(other MessageID) bool {
	if id.Sender != other.Sender {
		return id.Sender < other.Sender
	}
	return id.Seq < other.Seq
}

func (id MessageID) String() string {
	return fmt.Sprintf("%d:%d", id.Sender, id.Seq)
}

// Message is a multicast message. It must not be modified after it has been created.
type Message struct {
	ID           MessageID
	Payload      []byte
	Destinations []ID
}

// NewMessage returns a message addressed to the given destinations.
// Duplicate destinations are removed and the remaining ones are sorted.
func NewMessage(id MessageID, payload []byte, destinations ...ID) *Message {
	dests := slices.Clone(destinations)
	slices.Sort(dests)
	return &Message{
		ID:           id,
		Payload:      slices.Clone(payload),
		Destinations: slices.Compact(dests),
	}
}

// Sender returns the ID of the member that sent the message.
func (m *Message) Sender() ID {
	return m.ID.Sender
}

// HasDestination returns true if id is one of the message's destinations.
func (m *Message) HasDestination(id ID) bool {
	_, ok := slices.BinarySearch(m.Destinations, id)
	return ok
}

// Copy returns a copy of the message that carries the same identity.
func (m *Message) Copy() *Message {
	return &Message{
		ID:           m.ID,
		Payload:      slices.Clone(m.Payload),
		Destinations: slices.Clone(m.Destinations),
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{ID: %v, Destinations: %s, Size: %d}", m.ID, IDsToString(m.Destinations), len(m.Payload))
}

// IDsToString formats a list of IDs as a string.
func IDsToString(ids []ID) string {
	var sb strings.Builder
	sb.WriteString("[ ")
	for _, id := range ids {
		sb.WriteString(strconv.Itoa(int(id)))
		sb.WriteString(" ")
	}
	sb.WriteString("]")
	return sb.String()
}

// Application is the receiver of totally ordered messages.
//
//go:generate mockgen -destination=internal/mocks/application_mock.go -package=mocks . Application
type Application interface {
	// Deliver is called exactly once per message, in total order.
	Deliver(msg *Message) error
}

// DeliverFunc is an adapter that allows ordinary functions to be used as an Application.
type DeliverFunc func(msg *Message) error

// Deliver calls f(msg).
func (f DeliverFunc) Deliver(msg *Message) error {
	return f(msg)
}

// UnicastReceiver may be implemented by an Application to receive plain unicasts,
// which bypass total ordering.
type UnicastReceiver interface {
	ReceiveUnicast(from ID, payload []byte)
}

// Unicaster sends point-to-point messages.
//
//go:generate mockgen -destination=internal/mocks/unicaster_mock.go -package=mocks . Unicaster
type Unicaster interface {
	// Unicast sends msg to the member with the given id.
	// It does not wait for the message to be received and it does not retry.
	Unicast(to ID, msg Msg) error
}

// Receiver processes messages received from the network.
// Receive may be called concurrently by multiple goroutines.
type Receiver interface {
	Receive(from ID, msg Msg)
}

// Transport is the point-to-point channel beneath a group member.
//
//go:generate mockgen -destination=internal/mocks/transport_mock.go -package=mocks . Transport
type Transport interface {
	Unicaster
	// Self returns the ID of the local member.
	Self() ID
	// Bind sets the receiver of incoming messages.
	Bind(r Receiver)
}
