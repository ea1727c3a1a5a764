package wire_test

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/relab/tomcast"
	"github.com/relab/tomcast/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeDecode(t *testing.T) {
	id := tomcast.MessageID{Sender: 7, Seq: 1 << 40}
	msgs := []tomcast.Msg{
		tomcast.DataMsg{Message: tomcast.NewMessage(id, []byte("payload"), 3, 7, 1), Hint: 12},
		tomcast.ProposeMsg{ID: id, Proposer: 3, Seq: 99},
		tomcast.FinalMsg{ID: id, Seq: 100},
		tomcast.PlainMsg{Payload: []byte("plain")},
	}
	for _, msg := range msgs {
		t.Run(wire.KindOf(msg).String(), func(t *testing.T) {
			b, err := wire.Marshal(nil, msg)
			if err != nil {
				t.Fatal(err)
			}
			got, err := wire.Unmarshal(b)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(msg, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("decoded message mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMarshalPointer(t *testing.T) {
	msg := &tomcast.FinalMsg{ID: tomcast.MessageID{Sender: 1, Seq: 2}, Seq: 3}
	b, err := wire.Marshal(nil, msg)
	if err != nil {
		t.Fatal(err)
	}
	got, err := wire.Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != *msg {
		t.Errorf("got %v, want %v", got, *msg)
	}
}

func TestUnknownFieldsSkipped(t *testing.T) {
	want := tomcast.ProposeMsg{ID: tomcast.MessageID{Sender: 2, Seq: 5}, Proposer: 4, Seq: 8}
	b, err := wire.Marshal(nil, want)
	if err != nil {
		t.Fatal(err)
	}
	b = protowire.AppendTag(b, 100, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 42)
	b = protowire.AppendTag(b, 101, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	got, err := wire.Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestInvalidInput(t *testing.T) {
	valid, err := wire.Marshal(nil, tomcast.FinalMsg{ID: tomcast.MessageID{Sender: 1, Seq: 1}, Seq: 1})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		b    []byte
	}{
		{name: "Empty", b: nil},
		{name: "Truncated", b: valid[:len(valid)-1]},
		{name: "UnknownKind", b: protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), 42)},
		{name: "DataWithoutDestinations", b: protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), uint64(wire.KindData))},
		{name: "SenderOutOfRange", b: protowire.AppendVarint(protowire.AppendTag(valid, 2, protowire.VarintType), 1<<33)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := wire.Unmarshal(tt.b); !errors.Is(err, wire.ErrInvalid) {
				t.Errorf("Unmarshal() error = %v, want %v", err, wire.ErrInvalid)
			}
		})
	}

	if _, err := wire.Marshal(nil, tomcast.DataMsg{}); !errors.Is(err, wire.ErrInvalid) {
		t.Errorf("Marshal() of DATA without a message: got %v, want %v", err, wire.ErrInvalid)
	}
}

func TestStream(t *testing.T) {
	var buf bytes.Buffer // in-memory stream
	writer := wire.NewWriter(&buf)
	reader := wire.NewReader(&buf)

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(sender tomcast.ID) {
			defer wg.Done()
			for i := uint64(1); i <= perWriter; i++ {
				if err := writer.Write(tomcast.ProposeMsg{ID: tomcast.MessageID{Sender: sender, Seq: i}, Proposer: sender, Seq: i}); err != nil {
					t.Error(err)
				}
			}
		}(tomcast.ID(w + 1))
	}
	wg.Wait()

	last := make(map[tomcast.ID]uint64)
	for i := 0; i < writers*perWriter; i++ {
		msg, err := reader.Read()
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		p, ok := msg.(tomcast.ProposeMsg)
		if !ok {
			t.Fatalf("got %T, want tomcast.ProposeMsg", msg)
		}
		if p.Seq != last[p.Proposer]+1 {
			t.Errorf("writer %d: got seq %d after %d", p.Proposer, p.Seq, last[p.Proposer])
		}
		last[p.Proposer] = p.Seq
	}
	if _, err := reader.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("got %v at end of stream, want io.EOF", err)
	}
}

func TestWriterRejectsLargeFrames(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewLimitedWriter(&buf, 16)
	if err := w.WriteRaw(make([]byte, 17)); !errors.Is(err, wire.ErrFrameTooLarge) {
		t.Errorf("WriteRaw() = %v, want %v", err, wire.ErrFrameTooLarge)
	}
	msg := tomcast.PlainMsg{Payload: make([]byte, 32)}
	if err := w.Write(msg); !errors.Is(err, wire.ErrFrameTooLarge) {
		t.Errorf("Write() = %v, want %v", err, wire.ErrFrameTooLarge)
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes for rejected frames, want 0", buf.Len())
	}
	if err := w.WriteRaw(make([]byte, 16)); err != nil {
		t.Errorf("WriteRaw() at the limit = %v", err)
	}
}
