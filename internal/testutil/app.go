package testutil

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/relab/tomcast"
)

// Collector is a tomcast.Application that records the messages delivered to it.
type Collector struct {
	mut       sync.Mutex
	delivered []tomcast.MessageID
	unicasts  [][]byte
	changed   chan struct{}
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{changed: make(chan struct{}, 1)}
}

// Deliver records the message.
func (c *Collector) Deliver(msg *tomcast.Message) error {
	c.mut.Lock()
	c.delivered = append(c.delivered, msg.ID)
	c.mut.Unlock()
	c.signal()
	return nil
}

// ReceiveUnicast records a plain unicast.
func (c *Collector) ReceiveUnicast(_ tomcast.ID, payload []byte) {
	c.mut.Lock()
	c.unicasts = append(c.unicasts, payload)
	c.mut.Unlock()
	c.signal()
}

func (c *Collector) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// Delivered returns the IDs of the delivered messages in delivery order.
func (c *Collector) Delivered() []tomcast.MessageID {
	c.mut.Lock()
	defer c.mut.Unlock()
	return slices.Clone(c.delivered)
}

// Unicasts returns the payloads of the plain unicasts received.
func (c *Collector) Unicasts() [][]byte {
	c.mut.Lock()
	defer c.mut.Unlock()
	return slices.Clone(c.unicasts)
}

// WaitFor waits until at least n messages have been delivered.
// It fails the test if that does not happen before the timeout.
func (c *Collector) WaitFor(t testing.TB, n int, timeout time.Duration) []tomcast.MessageID {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		delivered := c.Delivered()
		if len(delivered) >= n {
			return delivered
		}
		select {
		case <-c.changed:
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %d deliveries; got %d", n, len(delivered))
			return nil
		}
	}
}
