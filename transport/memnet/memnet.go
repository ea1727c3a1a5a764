// Package memnet implements an in-process network for simulating a group of members.
//
// Every pair of members is connected by a FIFO link. Messages on different links
// are delivered in a random order, where links with a longer backlog are more likely
// to be picked next. By default, each member receives messages on its own goroutine,
// so members process messages concurrently. With manual delivery, messages are only
// delivered by Step and Flush, which makes runs reproducible for a given seed.
package memnet

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"

	wr "github.com/mroth/weightedrand"
	"github.com/relab/tomcast"
	"github.com/relab/tomcast/logging"
)

// ErrUnknownMember is returned when sending to a member that has no endpoint.
var ErrUnknownMember = errors.New("memnet: unknown member")

// Option sets configuration options for the network.
type Option func(*Network)

// WithSeed sets the seed of the random source used to interleave links.
func WithSeed(seed int64) Option {
	return func(n *Network) {
		n.rnd = rand.New(rand.NewSource(seed))
	}
}

// WithManualDelivery disables the delivery goroutines.
// Messages are then delivered by calling Step or Flush.
func WithManualDelivery() Option {
	return func(n *Network) {
		n.manual = true
	}
}

// WithLogger sets the logger used by the network.
func WithLogger(logger logging.Logger) Option {
	return func(n *Network) {
		n.logger = logger
	}
}

// Network is a simulated network.
type Network struct {
	logger logging.Logger
	manual bool

	mut       sync.Mutex // protects the following:
	rnd       *rand.Rand
	endpoints map[tomcast.ID]*Endpoint
	isolated  map[tomcast.ID]struct{}
	dropped   int
	closed    bool

	wg sync.WaitGroup
}

// New returns a new network without endpoints.
func New(opts ...Option) *Network {
	n := &Network{
		endpoints: make(map[tomcast.ID]*Endpoint),
		isolated:  make(map[tomcast.ID]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.rnd == nil {
		n.rnd = rand.New(rand.NewSource(rand.Int63()))
	}
	if n.logger == nil {
		n.logger = logging.New("memnet")
	}
	return n
}

// Endpoint returns the endpoint of the member with the given id, creating it if needed.
func (n *Network) Endpoint(id tomcast.ID) *Endpoint {
	n.mut.Lock()
	defer n.mut.Unlock()
	if e, ok := n.endpoints[id]; ok {
		return e
	}
	e := &Endpoint{
		net:   n,
		id:    id,
		inbox: make(map[tomcast.ID][]tomcast.Msg),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	n.endpoints[id] = e
	if !n.manual && !n.closed {
		n.wg.Add(1)
		go e.run()
	}
	return e
}

// Isolate cuts all links to and from the member.
// Messages in transit on those links are lost, and later messages are silently dropped.
func (n *Network) Isolate(id tomcast.ID) {
	n.mut.Lock()
	defer n.mut.Unlock()
	n.isolated[id] = struct{}{}
	for _, e := range n.endpoints {
		if e.id == id {
			for from, msgs := range e.inbox {
				n.dropped += len(msgs)
				delete(e.inbox, from)
			}
			continue
		}
		n.dropped += len(e.inbox[id])
		delete(e.inbox, id)
	}
	n.logger.Infof("Isolated member %d", id)
}

// Heal restores the links of an isolated member.
func (n *Network) Heal(id tomcast.ID) {
	n.mut.Lock()
	defer n.mut.Unlock()
	delete(n.isolated, id)
	n.logger.Infof("Healed member %d", id)
}

// Dropped returns the number of messages lost because of isolated members.
func (n *Network) Dropped() int {
	n.mut.Lock()
	defer n.mut.Unlock()
	return n.dropped
}

// Pending returns the number of messages in transit.
func (n *Network) Pending() int {
	n.mut.Lock()
	defer n.mut.Unlock()
	total := 0
	for _, e := range n.endpoints {
		total += e.backlog()
	}
	return total
}

// Step delivers one message in transit, picked at random.
// It returns false if no message could be delivered.
// Step must not be used unless manual delivery is enabled.
func (n *Network) Step() bool {
	n.mut.Lock()
	var choices []wr.Choice
	for _, id := range n.sortedIDs() {
		e := n.endpoints[id]
		if e.receiver == nil {
			continue
		}
		if backlog := e.backlog(); backlog > 0 {
			choices = append(choices, wr.Choice{Item: e, Weight: uint(backlog)})
		}
	}
	if len(choices) == 0 {
		n.mut.Unlock()
		return false
	}
	e := n.pick(choices).(*Endpoint)
	from, msg, r, _ := e.popLocked()
	n.mut.Unlock()

	r.Receive(from, msg)
	return true
}

// Flush delivers messages until none are in transit, including the messages sent while flushing.
// It returns the number of messages delivered.
func (n *Network) Flush() int {
	delivered := 0
	for n.Step() {
		delivered++
	}
	return delivered
}

// Close stops the delivery goroutines. Messages in transit are discarded.
func (n *Network) Close() {
	n.mut.Lock()
	if n.closed {
		n.mut.Unlock()
		return
	}
	n.closed = true
	for _, e := range n.endpoints {
		close(e.done)
		clear(e.inbox)
	}
	n.mut.Unlock()
	n.wg.Wait()
}

func (n *Network) sortedIDs() []tomcast.ID {
	ids := make([]tomcast.ID, 0, len(n.endpoints))
	for id := range n.endpoints {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// pick must be called with the lock held, since it uses the random source.
func (n *Network) pick(choices []wr.Choice) any {
	if len(choices) == 1 {
		return choices[0].Item
	}
	chooser, err := wr.NewChooser(choices...)
	if err != nil {
		n.logger.Error("weightedrand error: ", err)
		return choices[0].Item
	}
	return chooser.PickSource(n.rnd)
}

func (n *Network) isIsolated(id tomcast.ID) bool {
	_, ok := n.isolated[id]
	return ok
}

// Endpoint is the transport of one member. It implements tomcast.Transport.
type Endpoint struct {
	net *Network
	id  tomcast.ID

	// protected by net.mut
	receiver tomcast.Receiver
	inbox    map[tomcast.ID][]tomcast.Msg

	ready chan struct{}
	done  chan struct{}
}

// Self returns the ID of the member.
func (e *Endpoint) Self() tomcast.ID {
	return e.id
}

// Bind sets the receiver of the messages sent to the member.
// Messages that arrived before Bind was called are delivered once the receiver is set.
func (e *Endpoint) Bind(r tomcast.Receiver) {
	e.net.mut.Lock()
	e.receiver = r
	e.net.mut.Unlock()
	e.signal()
}

// Unicast queues msg on the link to the member with the given id.
func (e *Endpoint) Unicast(to tomcast.ID, msg tomcast.Msg) error {
	n := e.net
	n.mut.Lock()
	if n.closed {
		n.mut.Unlock()
		return tomcast.ErrClosed
	}
	dest, ok := n.endpoints[to]
	if !ok {
		n.mut.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownMember, to)
	}
	if n.isIsolated(e.id) || n.isIsolated(to) {
		n.dropped++
		n.mut.Unlock()
		return nil
	}
	dest.inbox[e.id] = append(dest.inbox[e.id], msg)
	n.mut.Unlock()

	dest.signal()
	return nil
}

func (e *Endpoint) signal() {
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

func (e *Endpoint) backlog() int {
	total := 0
	for _, msgs := range e.inbox {
		total += len(msgs)
	}
	return total
}

// popLocked removes the head of a random non-empty link to the endpoint.
// It must be called with the network lock held.
func (e *Endpoint) popLocked() (from tomcast.ID, msg tomcast.Msg, r tomcast.Receiver, ok bool) {
	if e.receiver == nil {
		return 0, nil, nil, false
	}
	senders := make([]tomcast.ID, 0, len(e.inbox))
	for id, msgs := range e.inbox {
		if len(msgs) > 0 {
			senders = append(senders, id)
		}
	}
	if len(senders) == 0 {
		return 0, nil, nil, false
	}
	slices.Sort(senders)
	choices := make([]wr.Choice, len(senders))
	for i, id := range senders {
		choices[i] = wr.Choice{Item: id, Weight: uint(len(e.inbox[id]))}
	}
	from = e.net.pick(choices).(tomcast.ID)
	msgs := e.inbox[from]
	msg = msgs[0]
	msgs[0] = nil
	if len(msgs) == 1 {
		delete(e.inbox, from)
	} else {
		e.inbox[from] = msgs[1:]
	}
	return from, msg, e.receiver, true
}

func (e *Endpoint) run() {
	defer e.net.wg.Done()
	for {
		select {
		case <-e.ready:
		case <-e.done:
			return
		}
		for {
			select {
			case <-e.done:
				return
			default:
			}
			e.net.mut.Lock()
			from, msg, r, ok := e.popLocked()
			e.net.mut.Unlock()
			if !ok {
				break
			}
			r.Receive(from, msg)
		}
	}
}
