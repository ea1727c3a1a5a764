package ordering

import (
	"slices"
	"time"

	"github.com/relab/tomcast"
)

type state uint8

const (
	awaitingProposals state = iota // not all destinations have proposed yet
	sequenced                      // the final sequence number is known
	ready                          // admitted into the ordered delivery stream
	delivered                      // returned by NextDeliverableBatch
)

func (s state) String() string {
	switch s {
	case awaitingProposals:
		return "AWAITING_PROPOSALS"
	case sequenced:
		return "SEQUENCED"
	case ready:
		return "READY"
	case delivered:
		return "DELIVERED"
	}
	return "UNKNOWN"
}

// pendingMessage is the engine's record of one message.
// A record may be created by a proposal before the message itself is known;
// in that case msg and dests are nil until the message is attached.
type pendingMessage struct {
	id        tomcast.MessageID
	msg       *tomcast.Message
	dests     []tomcast.ID
	proposals map[tomcast.ID]uint64
	// seq is the local proposal until the record is sequenced, and the final sequence number after.
	// It must not change while the record is in the delivery set.
	seq   uint64
	state state
	// proposed is set once the local member has proposed for the message.
	proposed bool
	// complete is set once every destination's proposal has been accounted for.
	complete bool
	inSet    bool
	created  time.Time
}

func newPendingMessage(id tomcast.MessageID) *pendingMessage {
	return &pendingMessage{
		id:        id,
		proposals: make(map[tomcast.ID]uint64),
		created:   time.Now(),
	}
}

// attach records the message and drops proposals from members that are not destinations.
// It returns the members whose proposals were dropped.
func (pm *pendingMessage) attach(msg *tomcast.Message) (dropped []tomcast.ID) {
	pm.msg = msg
	pm.dests = msg.Destinations
	for proposer := range pm.proposals {
		if !pm.isDestination(proposer) {
			delete(pm.proposals, proposer)
			dropped = append(dropped, proposer)
		}
	}
	return dropped
}

func (pm *pendingMessage) known() bool {
	return pm.dests != nil
}

func (pm *pendingMessage) isDestination(id tomcast.ID) bool {
	_, ok := slices.BinarySearch(pm.dests, id)
	return ok
}

// less orders records by sequence number, and then by message ID.
func less(a, b *pendingMessage) bool {
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.id.Less(b.id)
}
