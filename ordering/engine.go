// Package ordering implements the ordering engine of total-order multicast.
//
// Every destination of a message proposes a sequence number from its local counter.
// The final sequence number of the message is the maximum of all proposals,
// and messages are delivered in order of their final sequence numbers,
// with ties broken by message ID.
//
// Messages the local member has proposed for are kept in a delivery set ordered by their current
// sequence number: the local proposal while proposals are outstanding, and the final sequence number after.
// Since a final sequence number is never below any of its proposals, a sequenced message at the head
// of the delivery set cannot be overtaken by a message that is still awaiting proposals.
// Messages that the local member has not yet proposed for cannot be overtaken either,
// because the local counter is raised to every final sequence number it learns,
// and new proposals are always above the counter.
package ordering

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/relab/tomcast"
	"github.com/relab/tomcast/logging"
	"github.com/relab/tomcast/metrics"
)

type outbound struct {
	to  tomcast.ID
	msg tomcast.Msg
}

// Engine collects sequence proposals, computes final sequence numbers,
// and releases messages in total order.
// All methods are safe for concurrent use.
type Engine struct {
	self      tomcast.ID
	unicaster tomcast.Unicaster
	logger    logging.Logger
	metrics   *metrics.Metrics
	degree    int

	mut         sync.Mutex // protects the following:
	last        uint64     // the local sequence counter
	pending     map[tomcast.MessageID]*pendingMessage
	released    released
	deliverySet *btree.BTreeG[*pendingMessage]
	highWater   map[tomcast.ID]uint64
	excluded    map[tomcast.ID]struct{}
	readyCount  int
	isClosed    bool

	notify chan struct{}
	closed chan struct{}
}

// New returns a new engine for the member with the given id.
// The unicaster is used to send proposals and final sequence numbers to other members.
func New(self tomcast.ID, unicaster tomcast.Unicaster, opts ...Option) *Engine {
	e := &Engine{
		self:      self,
		unicaster: unicaster,
		degree:    16,
		pending:   make(map[tomcast.MessageID]*pendingMessage),
		released:  make(released),
		highWater: make(map[tomcast.ID]uint64),
		excluded:  make(map[tomcast.ID]struct{}),
		notify:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.New("ordering")
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	e.deliverySet = btree.NewG(e.degree, less)
	return e
}

// Self returns the ID of the local member.
func (e *Engine) Self() tomcast.ID {
	return e.self
}

// Originate registers a message sent by the local member before it is disseminated.
// If the local member is a destination, Originate proposes a sequence number for its own copy
// and returns the proposal, which should be passed on to the other destinations as a hint.
// Otherwise, the engine aggregates the destinations' proposals on the sender's behalf and zero is returned.
func (e *Engine) Originate(msg *tomcast.Message) (hint uint64, err error) {
	if msg.Sender() != e.self {
		return 0, fmt.Errorf("cannot originate message %v sent by %d", msg.ID, msg.Sender())
	}
	switch {
	case len(msg.Destinations) == 0:
		return 0, fmt.Errorf("message %v has no destinations", msg.ID)
	case len(msg.Destinations) == 1 && msg.Destinations[0] == e.self:
		return 0, e.DeliverLocal(msg)
	case len(msg.Destinations) == 1:
		// the destination orders the message by itself
		return 0, nil
	case msg.HasDestination(e.self):
		return e.Propose(msg, 0)
	default:
		return 0, e.Track(msg)
	}
}

// Propose allocates the next value of the local sequence counter, no lower than floor,
// and records it as the local member's proposal for msg.
// The proposal is sent to the other destinations and to the sender.
// Propose must be called once for every message the local member is a destination of;
// further calls for the same message return the original proposal.
func (e *Engine) Propose(msg *tomcast.Message, floor uint64) (uint64, error) {
	e.mut.Lock()
	if err := e.checkSender(msg.ID); err != nil {
		e.mut.Unlock()
		return 0, err
	}
	if !msg.HasDestination(e.self) {
		e.mut.Unlock()
		return 0, fmt.Errorf("member %d is not a destination of message %v", e.self, msg.ID)
	}

	if e.isReleased(msg.ID) {
		e.mut.Unlock()
		return 0, fmt.Errorf("message %v: %w", msg.ID, tomcast.ErrDuplicate)
	}

	rec := e.getOrCreate(msg.ID)
	if rec.proposed {
		seq := rec.proposals[e.self]
		e.mut.Unlock()
		e.logger.Debugf("Duplicate proposal request for message %v; returning %d", msg.ID, seq)
		return seq, nil
	}
	e.attach(rec, msg)

	seq := e.next(floor)
	rec.proposals[e.self] = seq
	rec.seq = seq
	rec.proposed = true
	e.observe(e.self, seq)
	e.deliverySet.ReplaceOrInsert(rec)
	rec.inSet = true

	proposal := tomcast.ProposeMsg{ID: msg.ID, Proposer: e.self, Seq: seq}
	var out []outbound
	for _, dest := range rec.dests {
		if dest == e.self || e.isExcluded(dest) {
			continue
		}
		out = append(out, outbound{to: dest, msg: proposal})
	}
	if !rec.isDestination(msg.Sender()) {
		out = append(out, outbound{to: msg.Sender(), msg: proposal})
	}
	e.metrics.ProposalsSent.Add(float64(len(out)))

	out = append(out, e.tryFinalize(rec)...)
	e.admit()
	e.mut.Unlock()

	e.logger.Debugf("Proposed sequence number %d for message %v", seq, msg.ID)
	e.send(out)
	return seq, nil
}

// Track registers a message that the local member sends but is not a destination of.
// The engine collects the destinations' proposals and sends the final sequence number to them.
func (e *Engine) Track(msg *tomcast.Message) error {
	if msg.Sender() != e.self {
		return fmt.Errorf("cannot track message %v sent by %d", msg.ID, msg.Sender())
	}
	if msg.HasDestination(e.self) {
		return fmt.Errorf("member %d is a destination of message %v", e.self, msg.ID)
	}

	e.mut.Lock()
	if e.isClosed {
		e.mut.Unlock()
		return tomcast.ErrClosed
	}
	rec := e.getOrCreate(msg.ID)
	if rec.known() {
		e.mut.Unlock()
		return fmt.Errorf("message %v is already tracked", msg.ID)
	}
	e.attach(rec, msg)
	out := e.tryFinalize(rec)
	e.mut.Unlock()

	e.send(out)
	return nil
}

// RecordProposal records a proposal received from another member.
// Once all destinations have proposed, the final sequence number is computed.
func (e *Engine) RecordProposal(id tomcast.MessageID, proposer tomcast.ID, seq uint64) {
	e.mut.Lock()
	if e.checkSender(id) != nil || e.isExcluded(proposer) {
		e.mut.Unlock()
		e.logger.Debugf("Dropping proposal from %d for message %v", proposer, id)
		return
	}
	e.metrics.ProposalsReceived.Inc()
	if e.isReleased(id) {
		e.mut.Unlock()
		e.logger.Debugf("Dropping late proposal from %d for released message %v", proposer, id)
		return
	}

	rec := e.getOrCreate(id)
	if rec.known() && !rec.isDestination(proposer) {
		e.mut.Unlock()
		e.logger.Warnf("Proposal for message %v from %d, which is not a destination", id, proposer)
		return
	}
	if old, ok := rec.proposals[proposer]; ok {
		e.mut.Unlock()
		if old != seq {
			e.logger.Warnf("Conflicting proposals for message %v from %d: %d and %d", id, proposer, old, seq)
		}
		return
	}
	rec.proposals[proposer] = seq
	e.observe(proposer, seq)

	out := e.tryFinalize(rec)
	e.admit()
	e.mut.Unlock()

	e.send(out)
}

// RecordFinal records the final sequence number computed by the message's sender.
// It lets a destination sequence a message before it has received every proposal.
// If the final sequence number is already known, a differing value is reported and ignored.
func (e *Engine) RecordFinal(id tomcast.MessageID, finalSeq uint64) {
	e.mut.Lock()
	defer e.mut.Unlock()

	if e.checkSender(id) != nil {
		return
	}
	e.metrics.FinalsReceived.Inc()

	rec, ok := e.pending[id]
	if !ok || !rec.proposed {
		e.logger.Warnf("Final sequence number %d for unknown message %v", finalSeq, id)
		return
	}

	if rec.state != awaitingProposals {
		if rec.seq != finalSeq {
			e.logger.Errorf("Final sequence number mismatch for message %v: have %d, received %d", id, rec.seq, finalSeq)
		}
		return
	}

	if own := rec.proposals[e.self]; finalSeq < own {
		e.logger.Errorf("Final sequence number %d for message %v is below the local proposal %d", finalSeq, id, own)
		return
	}
	e.sequence(rec, finalSeq)
	e.admit()
}

// DeliverLocal admits a message that has the local member as its only destination.
// No agreement is needed, so the message is sequenced immediately.
func (e *Engine) DeliverLocal(msg *tomcast.Message) error {
	if len(msg.Destinations) != 1 || msg.Destinations[0] != e.self {
		return fmt.Errorf("message %v does not have %d as its single destination", msg.ID, e.self)
	}

	e.mut.Lock()
	defer e.mut.Unlock()

	if err := e.checkSender(msg.ID); err != nil {
		return err
	}
	if _, ok := e.pending[msg.ID]; ok || e.released.contains(msg.ID) {
		e.logger.Debugf("Duplicate single destination message %v", msg.ID)
		return nil
	}

	rec := newPendingMessage(msg.ID)
	e.attach(rec, msg)
	rec.seq = e.next(0)
	rec.proposals[e.self] = rec.seq
	rec.proposed = true
	rec.complete = true
	rec.state = sequenced
	e.pending[msg.ID] = rec
	e.deliverySet.ReplaceOrInsert(rec)
	rec.inSet = true
	e.admit()
	return nil
}

// NextDeliverableBatch blocks until at least one message is admissible and then returns
// all admissible messages in total order. Returned messages are never returned again.
// It returns an error if ctx is canceled or the engine is closed.
func (e *Engine) NextDeliverableBatch(ctx context.Context) ([]*tomcast.Message, error) {
	for {
		e.mut.Lock()
		if e.isClosed {
			e.mut.Unlock()
			return nil, tomcast.ErrClosed
		}
		if e.readyCount > 0 {
			batch := e.drainReady()
			e.mut.Unlock()
			e.metrics.BatchSize.Observe(float64(len(batch)))
			return batch, nil
		}
		e.mut.Unlock()

		select {
		case <-e.notify:
		case <-e.closed:
			return nil, tomcast.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Exclude stops waiting for the given members.
// Messages from excluded senders that are still awaiting proposals are discarded,
// and the final sequence numbers of other messages are computed without the excluded members' proposals.
// Later traffic that involves an excluded member is ignored.
// Exclude is meant to be called by a failure detector or membership service.
func (e *Engine) Exclude(ids ...tomcast.ID) {
	e.mut.Lock()
	for _, id := range ids {
		e.excluded[id] = struct{}{}
	}

	var out []outbound
	for _, rec := range e.pending {
		if e.isExcluded(rec.id.Sender) && rec.state == awaitingProposals {
			e.discard(rec)
			continue
		}
		if rec.state == awaitingProposals || !rec.complete {
			out = append(out, e.tryFinalize(rec)...)
		}
	}
	e.admit()
	e.mut.Unlock()

	e.logger.Infof("Excluded members %s", tomcast.IDsToString(ids))
	e.send(out)
}

// Close discards all state and unblocks callers of NextDeliverableBatch.
func (e *Engine) Close() {
	e.mut.Lock()
	defer e.mut.Unlock()
	if e.isClosed {
		return
	}
	e.isClosed = true
	close(e.closed)
	clear(e.pending)
	clear(e.released)
	e.deliverySet.Clear(false)
	e.readyCount = 0
	e.updateGauges()
}

// Snapshot describes the state of the engine at one point in time.
type Snapshot struct {
	// Counter is the current value of the local sequence counter.
	Counter uint64
	// Pending is the number of records held by the engine, including delivered
	// messages that are still waiting for late proposals.
	Pending int
	// Awaiting lists the messages that are still waiting for proposals.
	// A message that stays here indicates an unreachable destination.
	Awaiting []tomcast.MessageID
	// Ready is the number of messages admitted but not yet pulled.
	Ready int
	// HighWater holds the highest proposal seen from each member.
	HighWater map[tomcast.ID]uint64
}

// Snapshot returns a snapshot of the engine's state.
func (e *Engine) Snapshot() Snapshot {
	e.mut.Lock()
	defer e.mut.Unlock()
	s := Snapshot{
		Counter:   e.last,
		Pending:   len(e.pending),
		Ready:     e.readyCount,
		HighWater: make(map[tomcast.ID]uint64, len(e.highWater)),
	}
	for id, seq := range e.highWater {
		s.HighWater[id] = seq
	}
	for id, rec := range e.pending {
		if rec.state == awaitingProposals {
			s.Awaiting = append(s.Awaiting, id)
		}
	}
	return s
}

// checkSender returns an error if the engine is closed or the sender of the message is excluded.
func (e *Engine) checkSender(id tomcast.MessageID) error {
	if e.isClosed {
		return tomcast.ErrClosed
	}
	if e.isExcluded(id.Sender) {
		return fmt.Errorf("message %v: %w", id, tomcast.ErrExcluded)
	}
	return nil
}

func (e *Engine) isExcluded(id tomcast.ID) bool {
	_, ok := e.excluded[id]
	return ok
}

// isReleased returns true if the record of the message was removed after it was delivered.
// A record that is still held absorbs duplicates by itself.
func (e *Engine) isReleased(id tomcast.MessageID) bool {
	_, ok := e.pending[id]
	return !ok && e.released.contains(id)
}

// release removes a record that needs no more proposals and remembers its ID.
func (e *Engine) release(rec *pendingMessage) {
	delete(e.pending, rec.id)
	e.released.add(rec.id)
	e.updateGauges()
}

func (e *Engine) getOrCreate(id tomcast.MessageID) *pendingMessage {
	rec, ok := e.pending[id]
	if !ok {
		rec = newPendingMessage(id)
		e.pending[id] = rec
		e.updateGauges()
	}
	return rec
}

func (e *Engine) attach(rec *pendingMessage, msg *tomcast.Message) {
	for _, proposer := range rec.attach(msg) {
		e.logger.Warnf("Dropped proposal for message %v from %d, which is not a destination", msg.ID, proposer)
	}
}

// next allocates the next value of the local sequence counter.
func (e *Engine) next(floor uint64) uint64 {
	seq := e.last + 1
	if floor > seq {
		seq = floor
	}
	e.last = seq
	return seq
}

func (e *Engine) observe(proposer tomcast.ID, seq uint64) {
	if seq > e.highWater[proposer] {
		e.highWater[proposer] = seq
	}
}

// aggregate returns the highest proposal from the destinations that are not excluded,
// and whether all of those destinations have proposed.
func (e *Engine) aggregate(rec *pendingMessage) (highest uint64, complete bool) {
	counted := 0
	for _, dest := range rec.dests {
		if e.isExcluded(dest) {
			continue
		}
		seq, ok := rec.proposals[dest]
		if !ok {
			return 0, false
		}
		highest = max(highest, seq)
		counted++
	}
	return highest, counted > 0
}

// tryFinalize computes the final sequence number of rec if all proposals are present.
// It returns the messages that must be sent as a result.
func (e *Engine) tryFinalize(rec *pendingMessage) []outbound {
	if !rec.known() || rec.complete {
		return nil
	}
	finalSeq, complete := e.aggregate(rec)
	if !complete {
		return nil
	}
	rec.complete = true

	if rec.state != awaitingProposals {
		// sequenced early by the sender's final message
		if len(rec.proposals) == len(rec.dests) && finalSeq != rec.seq {
			e.logger.Errorf("Final sequence number mismatch for message %v: have %d, computed %d", rec.id, rec.seq, finalSeq)
		}
		if rec.state == delivered {
			e.release(rec)
		}
		return nil
	}

	var out []outbound
	if rec.id.Sender == e.self {
		final := tomcast.FinalMsg{ID: rec.id, Seq: finalSeq}
		for _, dest := range rec.dests {
			if dest == e.self || e.isExcluded(dest) {
				continue
			}
			out = append(out, outbound{to: dest, msg: final})
		}
		e.metrics.FinalsSent.Add(float64(len(out)))
	}

	if !rec.isDestination(e.self) {
		// tracked on behalf of the sender; nothing to deliver locally
		e.logger.Debugf("Message %v has final sequence number %d", rec.id, finalSeq)
		e.release(rec)
		return out
	}

	e.sequence(rec, finalSeq)
	return out
}

// sequence sets the final sequence number of rec and moves it to its final position in the delivery set.
func (e *Engine) sequence(rec *pendingMessage, finalSeq uint64) {
	if rec.inSet {
		e.deliverySet.Delete(rec)
	}
	rec.seq = finalSeq
	rec.state = sequenced
	if rec.inSet {
		e.deliverySet.ReplaceOrInsert(rec)
	}
	if finalSeq > e.last {
		e.last = finalSeq
	}
	e.logger.Debugf("Message %v has final sequence number %d", rec.id, finalSeq)
}

// admit marks the sequenced messages at the head of the delivery set as ready,
// and wakes up a waiting NextDeliverableBatch if any message is ready.
func (e *Engine) admit() {
	e.deliverySet.Ascend(func(rec *pendingMessage) bool {
		switch rec.state {
		case sequenced:
			rec.state = ready
			e.readyCount++
			metrics.ObserveSince(e.metrics.OrderingLatency, rec.created)
			return true
		case ready:
			return true
		default:
			return false
		}
	})
	e.updateGauges()
	if e.readyCount > 0 {
		select {
		case e.notify <- struct{}{}:
		default:
		}
	}
}

// drainReady removes the ready messages from the head of the delivery set and returns them.
func (e *Engine) drainReady() []*tomcast.Message {
	batch := make([]*tomcast.Message, 0, e.readyCount)
	for {
		rec, ok := e.deliverySet.Min()
		if !ok || rec.state != ready {
			break
		}
		e.deliverySet.DeleteMin()
		rec.inSet = false
		rec.state = delivered
		e.readyCount--
		batch = append(batch, rec.msg)
		rec.msg = nil
		if rec.complete {
			e.release(rec)
		}
	}
	e.updateGauges()
	return batch
}

func (e *Engine) discard(rec *pendingMessage) {
	if rec.inSet {
		e.deliverySet.Delete(rec)
		rec.inSet = false
	}
	delete(e.pending, rec.id)
	e.metrics.Discarded.Inc()
	e.updateGauges()
	e.logger.Infof("Discarded message %v from excluded member %d", rec.id, rec.id.Sender)
}

func (e *Engine) updateGauges() {
	e.metrics.Pending.Set(float64(len(e.pending)))
	e.metrics.Ready.Set(float64(e.readyCount))
}

// send hands the messages to the unicaster. It must be called without holding the lock.
func (e *Engine) send(out []outbound) {
	for _, o := range out {
		if err := e.unicaster.Unicast(o.to, o.msg); err != nil {
			e.metrics.TransportFailures.Inc()
			e.logger.Warnf("Failed to send %v: %v", o.msg, &tomcast.TransportError{To: o.to, Err: err})
		}
	}
}
