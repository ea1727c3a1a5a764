package delivery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/relab/tomcast"
	. "github.com/relab/tomcast/delivery"
	"github.com/relab/tomcast/internal/mocks"
	"github.com/relab/tomcast/logging"
	"github.com/relab/tomcast/metrics"
	"github.com/relab/tomcast/ordering"
)

// newSource returns an engine with n messages ready for delivery.
func newSource(t *testing.T, ctrl *gomock.Controller, n int) (*ordering.Engine, []*tomcast.Message) {
	t.Helper()
	engine := ordering.New(1, mocks.NewMockUnicaster(ctrl), ordering.WithLogger(logging.Nop()))
	var msgs []*tomcast.Message
	for i := 1; i <= n; i++ {
		msg := tomcast.NewMessage(tomcast.MessageID{Sender: 1, Seq: uint64(i)}, nil, 1)
		if err := engine.DeliverLocal(msg); err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, msg)
	}
	return engine, msgs
}

func TestDeliverInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine, msgs := newSource(t, ctrl, 3)
	app := mocks.NewMockApplication(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls []*gomock.Call
	for i, msg := range msgs {
		call := app.EXPECT().Deliver(msg).Return(nil)
		if i == len(msgs)-1 {
			call.Do(func(*tomcast.Message) { cancel() })
		}
		calls = append(calls, call)
	}
	gomock.InOrder(calls...)

	w := New(engine, app, WithLogger(logging.Nop()))
	if err := w.Run(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestCallbackFailuresDoNotStopDelivery(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine, msgs := newSource(t, ctrl, 3)
	app := mocks.NewMockApplication(ctrl)
	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gomock.InOrder(
		app.EXPECT().Deliver(msgs[0]).Return(errors.New("rejected")),
		app.EXPECT().Deliver(msgs[1]).Do(func(*tomcast.Message) { panic("boom") }),
		app.EXPECT().Deliver(msgs[2]).Do(func(*tomcast.Message) { cancel() }).Return(nil),
	)

	w := New(engine, app, WithLogger(logging.Nop()), WithMetrics(m))
	if err := w.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.CallbackErrors); got != 2 {
		t.Errorf("callback errors: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MessagesDelivered); got != 3 {
		t.Errorf("deliveries: got %v, want 3", got)
	}
}

func TestNoCallbacksAfterCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine, msgs := newSource(t, ctrl, 3)
	app := mocks.NewMockApplication(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// the remaining messages are in the same batch, but must not be delivered
	app.EXPECT().Deliver(msgs[0]).Do(func(*tomcast.Message) { cancel() }).Return(nil).Times(1)

	w := New(engine, app, WithLogger(logging.Nop()))
	if err := w.Run(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine, _ := newSource(t, ctrl, 0)
	app := mocks.NewMockApplication(ctrl)

	w := New(engine, app, WithLogger(logging.Nop()))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not unblock the worker")
	}

	// no expectations are set on app, so a delivery would fail the test
	if err := engine.DeliverLocal(tomcast.NewMessage(tomcast.MessageID{Sender: 1, Seq: 1}, nil, 1)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
}

func TestEngineClosed(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine, _ := newSource(t, ctrl, 0)
	engine.Close()
	w := New(engine, mocks.NewMockApplication(ctrl), WithLogger(logging.Nop()))
	if err := w.Run(context.Background()); err != nil {
		t.Errorf("Run() on a closed engine: got %v, want nil", err)
	}
}

func TestMissingCollaborators(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine, _ := newSource(t, ctrl, 0)
	tests := []struct {
		name   string
		worker *Worker
	}{
		{name: "NoEngine", worker: New(nil, mocks.NewMockApplication(ctrl), WithLogger(logging.Nop()))},
		{name: "NoApplication", worker: New(engine, nil, WithLogger(logging.Nop()))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.worker.Start(context.Background()); !errors.Is(err, tomcast.ErrConfiguration) {
				t.Errorf("Start() error = %v, want %v", err, tomcast.ErrConfiguration)
			}
		})
	}
}
