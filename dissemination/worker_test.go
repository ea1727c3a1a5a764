package dissemination_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/relab/tomcast"
	. "github.com/relab/tomcast/dissemination"
	"github.com/relab/tomcast/internal/testutil"
	"github.com/relab/tomcast/logging"
	"github.com/relab/tomcast/ordering"
)

func newWorker(id tomcast.ID) (*Worker, *testutil.MockSender) {
	sender := testutil.NewMockSender(id)
	engine := ordering.New(id, sender, ordering.WithLogger(logging.Nop()))
	return New(engine, sender, WithLogger(logging.Nop())), sender
}

func TestFanOut(t *testing.T) {
	w, sender := newWorker(1)
	msg := tomcast.NewMessage(tomcast.MessageID{Sender: 1, Seq: 1}, []byte("hello"), 1, 2, 3)
	if err := w.Disseminate(msg); err != nil {
		t.Fatal(err)
	}

	data := testutil.SentOfType[tomcast.DataMsg](sender)
	if len(data) != 2 {
		t.Fatalf("got DATA for %d destinations, want 2", len(data))
	}
	for _, dest := range []tomcast.ID{2, 3} {
		sent := data[dest]
		if len(sent) != 1 {
			t.Fatalf("got %d DATA messages for %d, want 1", len(sent), dest)
		}
		got := sent[0]
		if got.Message.ID != msg.ID {
			t.Errorf("destination %d: got id %v, want %v", dest, got.Message.ID, msg.ID)
		}
		if !bytes.Equal(got.Message.Payload, msg.Payload) {
			t.Errorf("destination %d: got payload %q, want %q", dest, got.Message.Payload, msg.Payload)
		}
		if got.Hint != 1 {
			t.Errorf("destination %d: got hint %d, want 1", dest, got.Hint)
		}
		if got.Message == msg {
			t.Errorf("destination %d received the original message instead of a copy", dest)
		}
	}
	if _, ok := data[1]; ok {
		t.Error("message was sent to the local member")
	}
}

func TestTransportFailureIsolated(t *testing.T) {
	w, sender := newWorker(1)
	linkDown := errors.New("link down")
	sender.FailFor(2, linkDown)
	msg := tomcast.NewMessage(tomcast.MessageID{Sender: 1, Seq: 1}, []byte("x"), 1, 2, 3, 4)

	err := w.Disseminate(msg)
	var transportErr *tomcast.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("got error %v, want a *tomcast.TransportError", err)
	}
	if transportErr.To != 2 || !errors.Is(err, linkDown) {
		t.Errorf("got %v, want a failure to send to 2", err)
	}

	data := testutil.SentOfType[tomcast.DataMsg](sender)
	for _, dest := range []tomcast.ID{3, 4} {
		if len(data[dest]) != 1 {
			t.Errorf("destination %d got %d DATA messages, want 1", dest, len(data[dest]))
		}
	}
}

func waitForData(t *testing.T, sender *testutil.MockSender, to tomcast.ID, n int) []tomcast.DataMsg {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sent := testutil.SentOfType[tomcast.DataMsg](sender)[to]; len(sent) >= n {
			return sent
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d DATA messages to %d", n, to)
	return nil
}

func TestSubmissionOrder(t *testing.T) {
	w, sender := newWorker(1)
	var want []tomcast.MessageID
	for i := uint64(1); i <= 10; i++ {
		msg := tomcast.NewMessage(tomcast.MessageID{Sender: 1, Seq: i}, nil, 2)
		want = append(want, msg.ID)
		w.Submit(msg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	var got []tomcast.MessageID
	for _, data := range waitForData(t, sender, 2, len(want)) {
		got = append(got, data.Message.ID)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("send order mismatch (-want +got):\n%s", diff)
	}
}

func TestStartTwice(t *testing.T) {
	w, _ := newWorker(1)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if err := w.Start(context.Background()); err == nil {
		t.Error("expected the second Start to fail")
	}
}

func TestStopDiscardsQueued(t *testing.T) {
	w, sender := newWorker(1)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Submit(tomcast.NewMessage(tomcast.MessageID{Sender: 1, Seq: 1}, nil, 2))
	time.Sleep(10 * time.Millisecond)
	if n := len(sender.MessagesSent()); n != 0 {
		t.Errorf("got %d messages sent after Stop, want 0", n)
	}
}

func TestMissingCollaborators(t *testing.T) {
	sender := testutil.NewMockSender(1)
	engine := ordering.New(1, sender, ordering.WithLogger(logging.Nop()))
	tests := []struct {
		name   string
		worker *Worker
	}{
		{name: "NoEngine", worker: New(nil, sender, WithLogger(logging.Nop()))},
		{name: "NoTransport", worker: New(engine, nil, WithLogger(logging.Nop()))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.worker.Start(context.Background()); !errors.Is(err, tomcast.ErrConfiguration) {
				t.Errorf("Start() error = %v, want %v", err, tomcast.ErrConfiguration)
			}
			if err := tt.worker.Run(context.Background()); !errors.Is(err, tomcast.ErrConfiguration) {
				t.Errorf("Run() error = %v, want %v", err, tomcast.ErrConfiguration)
			}
		})
	}
}

func TestPlainUnicast(t *testing.T) {
	w, sender := newWorker(1)
	if err := w.Unicast(2, []byte("plain")); err != nil {
		t.Fatal(err)
	}
	want := map[tomcast.ID][]tomcast.PlainMsg{2: {{Payload: []byte("plain")}}}
	if diff := cmp.Diff(want, testutil.SentOfType[tomcast.PlainMsg](sender)); diff != "" {
		t.Errorf("unicast mismatch (-want +got):\n%s", diff)
	}
}
