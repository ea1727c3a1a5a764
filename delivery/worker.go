// Package delivery hands totally ordered messages to the application.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/relab/tomcast"
	"github.com/relab/tomcast/logging"
	"github.com/relab/tomcast/metrics"
)

// Source yields batches of messages in total order.
// It is implemented by ordering.Engine.
type Source interface {
	NextDeliverableBatch(ctx context.Context) ([]*tomcast.Message, error)
}

// Option sets configuration options for the worker.
type Option func(*Worker)

// WithLogger sets the logger used by the worker.
func WithLogger(logger logging.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithMetrics sets the collectors updated by the worker.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// Worker pulls deliverable messages from a source and delivers them to the application, one at a time.
type Worker struct {
	source  Source
	app     tomcast.Application
	logger  logging.Logger
	metrics *metrics.Metrics

	mut    sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a new delivery worker.
func New(source Source, app tomcast.Application, opts ...Option) *Worker {
	w := &Worker{
		source: source,
		app:    app,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logging.New("delivery")
	}
	if w.metrics == nil {
		w.metrics = metrics.New()
	}
	return w
}

func (w *Worker) check() error {
	if w.source == nil {
		return fmt.Errorf("delivery worker has no ordering engine: %w", tomcast.ErrConfiguration)
	}
	if w.app == nil {
		return fmt.Errorf("delivery worker has no application: %w", tomcast.ErrConfiguration)
	}
	return nil
}

// Run delivers messages until ctx is canceled or the source is closed.
// Once ctx is canceled, no more messages are delivered, even those that were already pulled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.check(); err != nil {
		return err
	}
	for {
		batch, err := w.source.NextDeliverableBatch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, tomcast.ErrClosed) {
				return nil
			}
			return err
		}
		for i, msg := range batch {
			if ctx.Err() != nil {
				w.logger.Debugf("Stopped with %d undelivered messages", len(batch)-i)
				return nil
			}
			if err := w.deliver(msg); err != nil {
				w.metrics.CallbackErrors.Inc()
				w.logger.Error(err)
			}
		}
	}
}

func (w *Worker) deliver(msg *tomcast.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &tomcast.DeliveryError{ID: msg.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	w.metrics.MessagesDelivered.Inc()
	if err := w.app.Deliver(msg); err != nil {
		return &tomcast.DeliveryError{ID: msg.ID, Err: err}
	}
	return nil
}

// Start runs the worker in a new goroutine.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.check(); err != nil {
		return err
	}
	w.mut.Lock()
	defer w.mut.Unlock()
	if w.cancel != nil {
		return fmt.Errorf("delivery worker already started")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			w.logger.Errorf("Delivery stopped: %v", err)
		}
	}(w.done)
	return nil
}

// Stop stops the worker. When Stop returns, the application will not receive any more messages.
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
}
