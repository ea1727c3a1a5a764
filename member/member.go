// Package member composes the components of one group member.
//
// A Member binds itself to a transport as the receiver of incoming messages,
// and runs a dissemination worker and a delivery worker on top of an ordering engine.
package member

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/relab/tomcast"
	"github.com/relab/tomcast/delivery"
	"github.com/relab/tomcast/dissemination"
	"github.com/relab/tomcast/logging"
	"github.com/relab/tomcast/metrics"
	"github.com/relab/tomcast/ordering"
	"golang.org/x/sync/errgroup"
)

// Member is one member of a process group.
type Member struct {
	self       tomcast.ID
	transport  tomcast.Transport
	app        tomcast.Application
	group      []tomcast.ID
	logger     logging.Logger
	metrics    *metrics.Metrics
	engineOpts []ordering.Option

	engine        *ordering.Engine
	dissemination *dissemination.Worker
	delivery      *delivery.Worker

	lastSeq atomic.Uint64
}

// New returns a new member that communicates through tr and delivers messages to app.
func New(tr tomcast.Transport, app tomcast.Application, opts ...Option) (*Member, error) {
	if tr == nil {
		return nil, fmt.Errorf("member has no transport: %w", tomcast.ErrConfiguration)
	}
	if app == nil {
		return nil, fmt.Errorf("member has no application: %w", tomcast.ErrConfiguration)
	}
	m := &Member{
		self:      tr.Self(),
		transport: tr,
		app:       app,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.New(fmt.Sprintf("member%d", m.self))
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}

	engineOpts := append([]ordering.Option{
		ordering.WithLogger(m.logger),
		ordering.WithMetrics(m.metrics),
	}, m.engineOpts...)
	m.engine = ordering.New(m.self, tr, engineOpts...)
	m.dissemination = dissemination.New(m.engine, tr,
		dissemination.WithLogger(m.logger),
		dissemination.WithMetrics(m.metrics),
	)
	m.delivery = delivery.New(m.engine, app,
		delivery.WithLogger(m.logger),
		delivery.WithMetrics(m.metrics),
	)
	tr.Bind(m)
	return m, nil
}

// ID returns the ID of the member.
func (m *Member) ID() tomcast.ID {
	return m.self
}

// Group returns the default destinations of multicasts.
func (m *Member) Group() []tomcast.ID {
	return m.group
}

// Multicast sends payload to the given destinations in total order.
// If no destinations are given, the message is sent to the group.
// The message is sent asynchronously, once Run has been called.
func (m *Member) Multicast(payload []byte, dests ...tomcast.ID) (tomcast.MessageID, error) {
	if len(dests) == 0 {
		dests = m.group
	}
	if len(dests) == 0 {
		return tomcast.MessageID{}, fmt.Errorf("multicast without destinations: %w", tomcast.ErrConfiguration)
	}
	id := tomcast.MessageID{Sender: m.self, Seq: m.lastSeq.Add(1)}
	m.dissemination.Submit(tomcast.NewMessage(id, payload, dests...))
	return id, nil
}

// Unicast sends payload to a single member without ordering it.
//
// Deprecated: use Multicast with a single destination instead.
func (m *Member) Unicast(to tomcast.ID, payload []byte) error {
	return m.dissemination.Unicast(to, payload)
}

// Receive handles a message received from another member. It is safe for concurrent use.
func (m *Member) Receive(from tomcast.ID, msg tomcast.Msg) {
	switch msg := msg.(type) {
	case tomcast.DataMsg:
		m.receiveData(from, msg)
	case tomcast.ProposeMsg:
		if msg.Proposer != from {
			m.logger.Warnf("Proposal from %d relayed by %d", msg.Proposer, from)
		}
		m.engine.RecordProposal(msg.ID, msg.Proposer, msg.Seq)
	case tomcast.FinalMsg:
		if msg.ID.Sender != from {
			m.logger.Warnf("Final sequence number for %v received from %d", msg.ID, from)
			return
		}
		m.engine.RecordFinal(msg.ID, msg.Seq)
	case tomcast.PlainMsg:
		if r, ok := m.app.(tomcast.UnicastReceiver); ok {
			r.ReceiveUnicast(from, msg.Payload)
		} else {
			m.logger.Debugf("Dropping plain unicast from %d", from)
		}
	default:
		m.logger.Warnf("Unexpected message %v from %d", msg, from)
	}
}

func (m *Member) receiveData(from tomcast.ID, data tomcast.DataMsg) {
	msg := data.Message
	if msg == nil || msg.Sender() != from {
		m.logger.Warnf("Invalid DATA from %d: %v", from, data)
		return
	}
	if !msg.HasDestination(m.self) {
		m.logger.Warnf("Received message %v that is not addressed to this member", msg.ID)
		return
	}
	var err error
	if len(msg.Destinations) == 1 {
		err = m.engine.DeliverLocal(msg)
	} else {
		_, err = m.engine.Propose(msg, data.Hint)
	}
	if err != nil {
		m.logger.Debugf("Ignoring message %v: %v", msg.ID, err)
	}
}

// Run runs the member until ctx is canceled.
// When Run returns, the member's state has been discarded and it cannot be run again.
func (m *Member) Run(ctx context.Context) error {
	defer m.engine.Close()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.dissemination.Run(ctx)
	})
	g.Go(func() error {
		return m.delivery.Run(ctx)
	})
	return g.Wait()
}

// Exclude stops waiting for the given members. It is meant to be called by a failure detector.
func (m *Member) Exclude(ids ...tomcast.ID) {
	m.engine.Exclude(ids...)
}

// Snapshot returns a snapshot of the member's ordering state.
func (m *Member) Snapshot() ordering.Snapshot {
	return m.engine.Snapshot()
}

// Queued returns the number of multicasts waiting to be disseminated.
func (m *Member) Queued() int {
	return m.dissemination.Queued()
}
