package member_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/relab/tomcast"
	"github.com/relab/tomcast/internal/testutil"
	"github.com/relab/tomcast/logging"
	. "github.com/relab/tomcast/member"
	"github.com/relab/tomcast/transport/memnet"
)

const timeout = 10 * time.Second

type cluster struct {
	net     *memnet.Network
	ids     []tomcast.ID
	members map[tomcast.ID]*Member
	apps    map[tomcast.ID]*testutil.Collector
	cancels map[tomcast.ID]context.CancelFunc
	wg      sync.WaitGroup
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	c := &cluster{
		net:     memnet.New(memnet.WithLogger(logging.Nop())),
		members: make(map[tomcast.ID]*Member),
		apps:    make(map[tomcast.ID]*testutil.Collector),
		cancels: make(map[tomcast.ID]context.CancelFunc),
	}
	for i := 1; i <= n; i++ {
		c.ids = append(c.ids, tomcast.ID(i))
	}
	for _, id := range c.ids {
		app := testutil.NewCollector()
		m, err := New(c.net.Endpoint(id), app, WithGroup(c.ids...), WithLogger(logging.Nop()))
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		c.members[id], c.apps[id], c.cancels[id] = m, app, cancel
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := m.Run(ctx); err != nil {
				t.Errorf("member %d: Run() = %v", m.ID(), err)
			}
		}()
	}
	t.Cleanup(func() {
		for _, cancel := range c.cancels {
			cancel()
		}
		c.wg.Wait()
		c.net.Close()
	})
	return c
}

func (c *cluster) multicast(t *testing.T, from tomcast.ID, payload string, dests ...tomcast.ID) tomcast.MessageID {
	t.Helper()
	id, err := c.members[from].Multicast([]byte(payload), dests...)
	if err != nil {
		t.Error(err)
	}
	return id
}

// checkTotalOrder checks that every pair of members delivered their common messages in the same order.
func checkTotalOrder(t *testing.T, delivered map[tomcast.ID][]tomcast.MessageID) {
	t.Helper()
	for a, da := range delivered {
		for b, db := range delivered {
			if a >= b {
				continue
			}
			inB := make(map[tomcast.MessageID]bool, len(db))
			for _, id := range db {
				inB[id] = true
			}
			inA := make(map[tomcast.MessageID]bool, len(da))
			for _, id := range da {
				inA[id] = true
			}
			var commonA, commonB []tomcast.MessageID
			for _, id := range da {
				if inB[id] {
					commonA = append(commonA, id)
				}
			}
			for _, id := range db {
				if inA[id] {
					commonB = append(commonB, id)
				}
			}
			if diff := cmp.Diff(commonA, commonB); diff != "" {
				t.Errorf("members %d and %d disagree on the order (-%d +%d):\n%s", a, b, a, b, diff)
			}
		}
	}
}

func checkExactlyOnce(t *testing.T, member tomcast.ID, delivered []tomcast.MessageID) {
	t.Helper()
	seen := make(map[tomcast.MessageID]bool)
	for _, id := range delivered {
		if seen[id] {
			t.Errorf("member %d delivered %v twice", member, id)
		}
		seen[id] = true
	}
}

func TestTotalOrder(t *testing.T) {
	const perMember = 20
	for _, n := range []int{3, 4, 5} {
		t.Run(fmt.Sprintf("members=%d", n), func(t *testing.T) {
			c := newCluster(t, n)
			var wg sync.WaitGroup
			for _, id := range c.ids {
				wg.Add(1)
				go func(id tomcast.ID) {
					defer wg.Done()
					for i := 0; i < perMember; i++ {
						c.multicast(t, id, fmt.Sprintf("%d-%d", id, i))
					}
				}(id)
			}
			wg.Wait()

			delivered := make(map[tomcast.ID][]tomcast.MessageID)
			for _, id := range c.ids {
				delivered[id] = c.apps[id].WaitFor(t, n*perMember, timeout)
				checkExactlyOnce(t, id, delivered[id])
			}
			first := delivered[c.ids[0]]
			for _, id := range c.ids[1:] {
				if diff := cmp.Diff(first, delivered[id]); diff != "" {
					t.Errorf("member %d order differs from member %d (-want +got):\n%s", id, c.ids[0], diff)
				}
			}
		})
	}
}

func TestOverlappingDestinations(t *testing.T) {
	const n, messages = 5, 60
	c := newCluster(t, n)
	rnd := rand.New(rand.NewSource(1))
	expected := make(map[tomcast.ID][]tomcast.MessageID)

	for i := 0; i < messages; i++ {
		from := c.ids[rnd.Intn(n)]
		var dests []tomcast.ID
		for _, id := range c.ids {
			if rnd.Intn(2) == 0 {
				dests = append(dests, id)
			}
		}
		if len(dests) == 0 {
			dests = []tomcast.ID{from}
		}
		id := c.multicast(t, from, fmt.Sprint(i), dests...)
		for _, dest := range dests {
			expected[dest] = append(expected[dest], id)
		}
	}

	delivered := make(map[tomcast.ID][]tomcast.MessageID)
	sortIDs := func(ids []tomcast.MessageID) []tomcast.MessageID {
		ids = slices.Clone(ids)
		slices.SortFunc(ids, func(a, b tomcast.MessageID) int {
			switch {
			case a.Less(b):
				return -1
			case b.Less(a):
				return 1
			}
			return 0
		})
		return ids
	}
	for _, id := range c.ids {
		got := c.apps[id].WaitFor(t, len(expected[id]), timeout)
		delivered[id] = got
		if diff := cmp.Diff(sortIDs(expected[id]), sortIDs(got)); diff != "" {
			t.Errorf("member %d delivered the wrong messages (-want +got):\n%s", id, diff)
		}
	}
	checkTotalOrder(t, delivered)
}

func TestSelfDelivery(t *testing.T) {
	c := newCluster(t, 3)
	own := c.multicast(t, 1, "to all")
	only := c.multicast(t, 2, "to self", 2)

	if got := c.apps[1].WaitFor(t, 1, timeout); got[0] != own {
		t.Errorf("member 1 delivered %v, want %v", got[0], own)
	}
	if got := c.apps[2].WaitFor(t, 2, timeout); !slices.Contains(got, only) {
		t.Errorf("member 2 did not deliver its message to itself")
	}
}

func TestFanOut(t *testing.T) {
	sender := testutil.NewMockSender(1)
	m, err := New(sender, testutil.NewCollector(), WithGroup(1, 2, 3), WithLogger(logging.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	id, err := m.Multicast([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(timeout)
	var data map[tomcast.ID][]tomcast.DataMsg
	for time.Now().Before(deadline) {
		if data = testutil.SentOfType[tomcast.DataMsg](sender); len(data) == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(data) != 2 {
		t.Fatalf("got DATA for %d destinations, want 2", len(data))
	}
	for _, dest := range []tomcast.ID{2, 3} {
		sent := data[dest]
		if len(sent) != 1 || sent[0].Message.ID != id || !bytes.Equal(sent[0].Message.Payload, []byte("payload")) {
			t.Errorf("destination %d: got %v", dest, sent)
		}
	}
}

func TestPlainUnicast(t *testing.T) {
	c := newCluster(t, 2)
	if err := c.members[1].Unicast(2, []byte("plain")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(timeout)
	for len(c.apps[2].Unicasts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if diff := cmp.Diff([][]byte{[]byte("plain")}, c.apps[2].Unicasts()); diff != "" {
		t.Errorf("unicasts mismatch (-want +got):\n%s", diff)
	}
	if got := c.apps[2].Delivered(); len(got) != 0 {
		t.Errorf("plain unicast was delivered in total order: %v", got)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestExcludeResolvesStall(t *testing.T) {
	c := newCluster(t, 3)
	c.net.Isolate(3)
	id := c.multicast(t, 1, "stalled")

	waitUntil(t, func() bool {
		return slices.Contains(c.members[1].Snapshot().Awaiting, id)
	})
	if got := c.apps[1].Delivered(); len(got) != 0 {
		t.Fatalf("delivered %v while member 3 is unreachable", got)
	}

	c.members[1].Exclude(3)
	c.members[2].Exclude(3)
	for _, member := range []tomcast.ID{1, 2} {
		if got := c.apps[member].WaitFor(t, 1, timeout); got[0] != id {
			t.Errorf("member %d delivered %v, want %v", member, got[0], id)
		}
	}
}

func TestStoppedMemberDeliversNothing(t *testing.T) {
	c := newCluster(t, 3)
	c.multicast(t, 1, "before")
	for _, id := range c.ids {
		c.apps[id].WaitFor(t, 1, timeout)
	}

	c.cancels[2]()
	c.multicast(t, 1, "after")
	c.multicast(t, 3, "after")
	time.Sleep(50 * time.Millisecond)
	if got := c.apps[2].Delivered(); len(got) != 1 {
		t.Errorf("stopped member delivered %d messages, want 1", len(got))
	}
}

func TestColdRestart(t *testing.T) {
	// a fresh group behaves like the first one, however the previous one was stopped
	for run := 0; run < 2; run++ {
		c := newCluster(t, 3)
		for _, id := range c.ids {
			c.multicast(t, id, "m")
		}
		delivered := make(map[tomcast.ID][]tomcast.MessageID)
		for _, id := range c.ids {
			delivered[id] = c.apps[id].WaitFor(t, 3, timeout)
		}
		checkTotalOrder(t, delivered)
		for _, cancel := range c.cancels {
			cancel()
		}
	}
}

func TestMissingCollaborators(t *testing.T) {
	if _, err := New(nil, testutil.NewCollector()); !errors.Is(err, tomcast.ErrConfiguration) {
		t.Errorf("New() without transport = %v, want %v", err, tomcast.ErrConfiguration)
	}
	if _, err := New(testutil.NewMockSender(1), nil); !errors.Is(err, tomcast.ErrConfiguration) {
		t.Errorf("New() without application = %v, want %v", err, tomcast.ErrConfiguration)
	}
	m, err := New(testutil.NewMockSender(1), testutil.NewCollector(), WithLogger(logging.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Multicast([]byte("x")); !errors.Is(err, tomcast.ErrConfiguration) {
		t.Errorf("Multicast() without group = %v, want %v", err, tomcast.ErrConfiguration)
	}
}
