package ordering

import "github.com/relab/tomcast"

// seqSet holds the sequence numbers of one sender's messages that the engine has released.
// Every number up to low is in the set; numbers above low are kept in above.
// Senders number their messages consecutively, but a member only sees the messages
// addressed to it, so above holds the numbers that follow a gap.
type seqSet struct {
	low   uint64
	above map[uint64]struct{}
}

func (s *seqSet) contains(seq uint64) bool {
	if seq <= s.low {
		return true
	}
	_, ok := s.above[seq]
	return ok
}

func (s *seqSet) add(seq uint64) {
	if seq <= s.low {
		return
	}
	if seq != s.low+1 {
		if s.above == nil {
			s.above = make(map[uint64]struct{})
		}
		s.above[seq] = struct{}{}
		return
	}
	s.low = seq
	for {
		if _, ok := s.above[s.low+1]; !ok {
			return
		}
		delete(s.above, s.low+1)
		s.low++
	}
}

// released records the IDs of messages whose records have been removed after delivery,
// so that duplicates of them are not ordered again.
type released map[tomcast.ID]*seqSet

func (r released) add(id tomcast.MessageID) {
	s, ok := r[id.Sender]
	if !ok {
		s = &seqSet{}
		r[id.Sender] = s
	}
	s.add(id.Seq)
}

func (r released) contains(id tomcast.MessageID) bool {
	s, ok := r[id.Sender]
	return ok && s.contains(id.Seq)
}
