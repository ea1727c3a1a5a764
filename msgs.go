package tomcast

import "fmt"

// Msg is one of the message kinds exchanged between members:
// DataMsg, ProposeMsg, FinalMsg and PlainMsg.
type Msg interface {
	fmt.Stringer
	isMsg()
}

// DataMsg carries a multicast message to one of its destinations.
type DataMsg struct {
	Message *Message
	// Hint is the sender's own proposal, or zero if the sender is not a destination.
	// The receiver will not propose a lower sequence number than the hint.
	Hint uint64
}

func (DataMsg) isMsg() {}

func (m DataMsg) String() string {
	return fmt.Sprintf("DATA{%v, Hint: %d}", m.Message, m.Hint)
}

// ProposeMsg is sent by a destination to announce its proposed sequence number for a message.
type ProposeMsg struct {
	ID       MessageID
	Proposer ID
	Seq      uint64
}

func (ProposeMsg) isMsg() {}

func (m ProposeMsg) String() string {
	return fmt.Sprintf("PROPOSE{ID: %v, Proposer: %d, Seq: %d}", m.ID, m.Proposer, m.Seq)
}

// FinalMsg is sent by the sender of a message once the final sequence number is known.
type FinalMsg struct {
	ID  MessageID
	Seq uint64
}

func (FinalMsg) isMsg() {}

func (m FinalMsg) String() string {
	return fmt.Sprintf("FINAL{ID: %v, Seq: %d}", m.ID, m.Seq)
}

// PlainMsg is a unicast that is not totally ordered.
//
// Deprecated: plain unicasts only exist for compatibility; use multicasts with a single destination instead.
type PlainMsg struct {
	Payload []byte
}

func (PlainMsg) isMsg() {}

func (m PlainMsg) String() string {
	return fmt.Sprintf("PLAIN{Size: %d}", len(m.Payload))
}
