// Package wire encodes the messages exchanged between members.
//
// Messages are encoded in the protobuf wire format as a flat envelope whose first
// field identifies the message kind. Unknown fields are skipped when decoding,
// so fields can be added without breaking older members.
package wire

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/relab/tomcast"
	"google.golang.org/protobuf/encoding/protowire"
)

// Kind identifies the type of an encoded message.
type Kind uint64

const (
	KindUnknown Kind = iota
	KindData
	KindPropose
	KindFinal
	KindPlain
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindPropose:
		return "PROPOSE"
	case KindFinal:
		return "FINAL"
	case KindPlain:
		return "PLAIN"
	}
	return fmt.Sprintf("Kind(%d)", uint64(k))
}

const (
	fieldKind         protowire.Number = 1
	fieldSender       protowire.Number = 2
	fieldSeq          protowire.Number = 3
	fieldPayload      protowire.Number = 4
	fieldDestinations protowire.Number = 5
	fieldHint         protowire.Number = 6
	fieldProposer     protowire.Number = 7
	fieldSequence     protowire.Number = 8
)

// ErrInvalid is returned when a buffer does not hold a valid message.
var ErrInvalid = errors.New("wire: invalid message")

// KindOf returns the kind of msg.
func KindOf(msg tomcast.Msg) Kind {
	switch msg.(type) {
	case tomcast.DataMsg, *tomcast.DataMsg:
		return KindData
	case tomcast.ProposeMsg, *tomcast.ProposeMsg:
		return KindPropose
	case tomcast.FinalMsg, *tomcast.FinalMsg:
		return KindFinal
	case tomcast.PlainMsg, *tomcast.PlainMsg:
		return KindPlain
	}
	return KindUnknown
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendID(b []byte, id tomcast.MessageID) []byte {
	b = appendVarint(b, fieldSender, uint64(id.Sender))
	return appendVarint(b, fieldSeq, id.Seq)
}

// Marshal appends the encoding of msg to b.
func Marshal(b []byte, msg tomcast.Msg) ([]byte, error) {
	switch m := msg.(type) {
	case *tomcast.DataMsg:
		return Marshal(b, *m)
	case *tomcast.ProposeMsg:
		return Marshal(b, *m)
	case *tomcast.FinalMsg:
		return Marshal(b, *m)
	case *tomcast.PlainMsg:
		return Marshal(b, *m)

	case tomcast.DataMsg:
		if m.Message == nil {
			return nil, fmt.Errorf("%w: DATA without a message", ErrInvalid)
		}
		b = appendVarint(b, fieldKind, uint64(KindData))
		b = appendID(b, m.Message.ID)
		b = appendBytes(b, fieldPayload, m.Message.Payload)
		var dests []byte
		for _, id := range m.Message.Destinations {
			dests = protowire.AppendVarint(dests, uint64(id))
		}
		b = appendBytes(b, fieldDestinations, dests)
		b = appendVarint(b, fieldHint, m.Hint)
	case tomcast.ProposeMsg:
		b = appendVarint(b, fieldKind, uint64(KindPropose))
		b = appendID(b, m.ID)
		b = appendVarint(b, fieldProposer, uint64(m.Proposer))
		b = appendVarint(b, fieldSequence, m.Seq)
	case tomcast.FinalMsg:
		b = appendVarint(b, fieldKind, uint64(KindFinal))
		b = appendID(b, m.ID)
		b = appendVarint(b, fieldSequence, m.Seq)
	case tomcast.PlainMsg:
		b = appendVarint(b, fieldKind, uint64(KindPlain))
		b = appendBytes(b, fieldPayload, m.Payload)
	default:
		return nil, fmt.Errorf("%w: unsupported message type %T", ErrInvalid, msg)
	}
	return b, nil
}

type envelope struct {
	kind     Kind
	id       tomcast.MessageID
	payload  []byte
	dests    []tomcast.ID
	hint     uint64
	proposer tomcast.ID
	seq      uint64
}

func toID(v uint64) (tomcast.ID, error) {
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: member id %d out of range", ErrInvalid, v)
	}
	return tomcast.ID(v), nil
}

func (e *envelope) setVarint(num protowire.Number, v uint64) (err error) {
	switch num {
	case fieldKind:
		e.kind = Kind(v)
	case fieldSender:
		e.id.Sender, err = toID(v)
	case fieldSeq:
		e.id.Seq = v
	case fieldHint:
		e.hint = v
	case fieldProposer:
		e.proposer, err = toID(v)
	case fieldSequence:
		e.seq = v
	case fieldDestinations:
		var id tomcast.ID
		id, err = toID(v)
		e.dests = append(e.dests, id)
	}
	return err
}

func (e *envelope) setBytes(num protowire.Number, v []byte) error {
	switch num {
	case fieldPayload:
		e.payload = slices.Clone(v)
	case fieldDestinations:
		for len(v) > 0 {
			d, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalid, protowire.ParseError(n))
			}
			if err := e.setVarint(num, d); err != nil {
				return err
			}
			v = v[n:]
		}
	}
	return nil
}

// Unmarshal decodes a message from b.
func Unmarshal(b []byte) (tomcast.Msg, error) {
	var e envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalid, protowire.ParseError(n))
			}
			if err := e.setVarint(num, v); err != nil {
				return nil, err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalid, protowire.ParseError(n))
			}
			if err := e.setBytes(num, v); err != nil {
				return nil, err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalid, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e.msg()
}

func (e *envelope) msg() (tomcast.Msg, error) {
	switch e.kind {
	case KindData:
		if len(e.dests) == 0 {
			return nil, fmt.Errorf("%w: DATA %v without destinations", ErrInvalid, e.id)
		}
		msg := tomcast.NewMessage(e.id, e.payload, e.dests...)
		return tomcast.DataMsg{Message: msg, Hint: e.hint}, nil
	case KindPropose:
		return tomcast.ProposeMsg{ID: e.id, Proposer: e.proposer, Seq: e.seq}, nil
	case KindFinal:
		return tomcast.FinalMsg{ID: e.id, Seq: e.seq}, nil
	case KindPlain:
		return tomcast.PlainMsg{Payload: e.payload}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %v", ErrInvalid, e.kind)
}
