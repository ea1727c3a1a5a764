// Package dissemination turns multicast messages into unicasts.
//
// A Worker owns a send queue that is drained by a single loop, so messages are
// sent in the order they were submitted. Before a message is sent, it is registered
// with the local ordering engine, which proposes a sequence number for the sender's
// own copy. The local member never sends a copy to itself.
package dissemination

import (
	"context"
	"fmt"
	"sync"

	"github.com/relab/tomcast"
	"github.com/relab/tomcast/logging"
	"github.com/relab/tomcast/metrics"
	"github.com/relab/tomcast/util/queue"
	"go.uber.org/multierr"
)

// Originator registers messages sent by the local member.
// It is implemented by ordering.Engine.
type Originator interface {
	Originate(msg *tomcast.Message) (hint uint64, err error)
}

// Worker disseminates submitted messages to their destinations.
type Worker struct {
	engine    Originator
	transport tomcast.Transport
	logger    logging.Logger
	metrics   *metrics.Metrics
	capacity  uint
	queue     *queue.Queue[*tomcast.Message]

	mut    sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a new worker that registers messages with engine and sends them through transport.
func New(engine Originator, transport tomcast.Transport, opts ...Option) *Worker {
	w := &Worker{
		engine:    engine,
		transport: transport,
		capacity:  64,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logging.New("dissemination")
	}
	if w.metrics == nil {
		w.metrics = metrics.New()
	}
	w.queue = queue.New[*tomcast.Message](w.capacity)
	return w
}

// Submit enqueues msg for dissemination. It never blocks.
func (w *Worker) Submit(msg *tomcast.Message) {
	w.metrics.MulticastsSubmitted.Inc()
	w.queue.Push(msg)
}

// Queued returns the number of messages waiting to be disseminated.
func (w *Worker) Queued() int {
	return w.queue.Len()
}

// Unicast sends payload to a single member without ordering it.
//
// Deprecated: use a multicast with a single destination instead.
func (w *Worker) Unicast(to tomcast.ID, payload []byte) error {
	if w.transport == nil {
		return fmt.Errorf("no transport: %w", tomcast.ErrConfiguration)
	}
	if err := w.transport.Unicast(to, tomcast.PlainMsg{Payload: payload}); err != nil {
		w.metrics.TransportFailures.Inc()
		return &tomcast.TransportError{To: to, Err: err}
	}
	w.metrics.UnicastsSent.Inc()
	return nil
}

func (w *Worker) check() error {
	if w.engine == nil {
		return fmt.Errorf("dissemination worker has no ordering engine: %w", tomcast.ErrConfiguration)
	}
	if w.transport == nil {
		return fmt.Errorf("dissemination worker has no transport: %w", tomcast.ErrConfiguration)
	}
	return nil
}

// Run disseminates submitted messages until ctx is canceled.
// A message that is being disseminated when ctx is canceled is sent to all its destinations before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.check(); err != nil {
		return err
	}
	for {
		for {
			if ctx.Err() != nil {
				return nil
			}
			msg, ok := w.queue.Pop()
			if !ok {
				break
			}
			if err := w.Disseminate(msg); err != nil {
				w.logger.Warnf("Dissemination of %v incomplete: %v", msg.ID, err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.queue.Ready():
		}
	}
}

// Disseminate registers msg with the ordering engine and sends a copy to each destination other than the local member.
// A failed send does not prevent sends to the remaining destinations; the failures are combined in the returned error.
func (w *Worker) Disseminate(msg *tomcast.Message) (err error) {
	if err := w.check(); err != nil {
		return err
	}
	hint, err := w.engine.Originate(msg)
	if err != nil {
		return fmt.Errorf("failed to register message %v: %w", msg.ID, err)
	}
	self := w.transport.Self()
	for _, dest := range msg.Destinations {
		if dest == self {
			continue
		}
		data := tomcast.DataMsg{Message: msg.Copy(), Hint: hint}
		if sendErr := w.transport.Unicast(dest, data); sendErr != nil {
			w.metrics.TransportFailures.Inc()
			err = multierr.Append(err, &tomcast.TransportError{To: dest, Err: sendErr})
			continue
		}
		w.metrics.UnicastsSent.Inc()
	}
	return err
}

// Start runs the worker in a new goroutine. It returns an error if the worker is already running
// or if a collaborator is missing.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.check(); err != nil {
		return err
	}
	w.mut.Lock()
	defer w.mut.Unlock()
	if w.cancel != nil {
		return fmt.Errorf("dissemination worker already started")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = w.Run(ctx)
	}(w.done)
	return nil
}

// Stop stops the worker and waits for it to finish the message it is sending.
// Messages that are still queued are discarded.
func (w *Worker) Stop() {
	w.mut.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mut.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if n := w.queue.Clear(); n > 0 {
		w.logger.Infof("Discarded %d queued messages", n)
	}
}
