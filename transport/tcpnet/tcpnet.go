// Package tcpnet implements a transport that sends messages over TCP connections.
//
// Each member listens for inbound connections and dials other members the first time it sends to them.
// Sends are queued per member and written by a goroutine of their own, so a slow or unreachable
// member never blocks the goroutine that calls Unicast, such as a reader handing a message to the receiver.
// The first frame on a connection identifies the dialing member. After that, the dialer writes
// messages and the listener reads them, so every connection carries messages in one direction only.
package tcpnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/relab/tomcast"
	"github.com/relab/tomcast/logging"
	"github.com/relab/tomcast/util/queue"
	"github.com/relab/tomcast/wire"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protowire"
)

// Option sets configuration options for the transport.
type Option func(*Transport)

// WithLogger sets the logger used by the transport.
func WithLogger(logger logging.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithDialTimeout sets the timeout for connecting to another member.
// Default: 5 seconds.
func WithDialTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		t.dialTimeout = timeout
	}
}

// peer holds the messages queued for one member and the connection they are written to.
// Only the peer's writer goroutine dials and writes.
type peer struct {
	id    tomcast.ID
	queue *queue.Queue[tomcast.Msg]

	mut  sync.Mutex // protects conn, which Close may close while a write is blocked
	conn net.Conn
}

// Transport sends and receives messages over TCP. It implements tomcast.Transport.
type Transport struct {
	self        tomcast.ID
	logger      logging.Logger
	dialTimeout time.Duration

	// ctx is canceled by Close, which stops the writers and aborts dials in progress.
	ctx     context.Context
	stop    context.CancelFunc
	writers sync.WaitGroup

	mut      sync.Mutex // protects the following:
	peers    map[tomcast.ID]string
	receiver tomcast.Receiver
	listener net.Listener
	outbound map[tomcast.ID]*peer
	inbound  map[net.Conn]struct{}
	cancel   context.CancelFunc
	closed   bool
}

// New returns a new transport for the member with the given id.
// peers maps the ids of the other members to their addresses.
func New(self tomcast.ID, peers map[tomcast.ID]string, opts ...Option) *Transport {
	t := &Transport{
		self:        self,
		dialTimeout: 5 * time.Second,
		peers:       make(map[tomcast.ID]string, len(peers)),
		outbound:    make(map[tomcast.ID]*peer),
		inbound:     make(map[net.Conn]struct{}),
	}
	t.ctx, t.stop = context.WithCancel(context.Background())
	for id, addr := range peers {
		t.peers[id] = addr
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.New(fmt.Sprintf("tcpnet%d", self))
	}
	return t
}

// Self returns the ID of the local member.
func (t *Transport) Self() tomcast.ID {
	return t.self
}

// Bind sets the receiver of incoming messages.
func (t *Transport) Bind(r tomcast.Receiver) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.receiver = r
}

// SetPeer sets the address of another member.
func (t *Transport) SetPeer(id tomcast.ID, addr string) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.peers[id] = addr
}

// Listen starts listening on the given address.
func (t *Transport) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	t.mut.Lock()
	defer t.mut.Unlock()
	t.listener = lis
	return nil
}

// Addr returns the address the transport is listening on, or nil if Listen has not been called.
func (t *Transport) Addr() net.Addr {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Serve accepts inbound connections and reads messages from them until ctx is canceled or Close is called.
// Listen must be called before Serve.
func (t *Transport) Serve(ctx context.Context) error {
	t.mut.Lock()
	lis := t.listener
	if lis == nil {
		t.mut.Unlock()
		return fmt.Errorf("tcpnet: Serve called before Listen: %w", tomcast.ErrConfiguration)
	}
	if t.closed {
		t.mut.Unlock()
		return nil
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.mut.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		t.Close()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := lis.Accept()
			if err != nil {
				if t.isClosed() {
					return nil
				}
				return fmt.Errorf("tcpnet: accept failed: %w", err)
			}
			if !t.track(conn) {
				_ = conn.Close()
				return nil
			}
			g.Go(func() error {
				t.handle(conn)
				return nil
			})
		}
	})
	return g.Wait()
}

func (t *Transport) isClosed() bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.closed
}

func (t *Transport) track(conn net.Conn) bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.closed {
		return false
	}
	t.inbound[conn] = struct{}{}
	return true
}

func (t *Transport) untrack(conn net.Conn) {
	t.mut.Lock()
	defer t.mut.Unlock()
	delete(t.inbound, conn)
}

// handle reads messages from an inbound connection until it fails or is closed.
func (t *Transport) handle(conn net.Conn) {
	defer t.untrack(conn)
	defer conn.Close()

	reader := wire.NewReader(conn)
	hello, err := reader.ReadRaw()
	if err != nil {
		t.logger.Warnf("Failed to read hello from %v: %v", conn.RemoteAddr(), err)
		return
	}
	v, n := protowire.ConsumeVarint(hello)
	if n < 0 || n != len(hello) {
		t.logger.Warnf("Invalid hello from %v", conn.RemoteAddr())
		return
	}
	from := tomcast.ID(v)
	t.logger.Debugf("Accepted connection from %d (%v)", from, conn.RemoteAddr())

	for {
		msg, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) || t.isClosed() {
				t.logger.Debugf("Connection from %d closed", from)
			} else {
				t.logger.Warnf("Failed to read from %d: %v", from, err)
			}
			return
		}
		t.mut.Lock()
		r := t.receiver
		t.mut.Unlock()
		if r == nil {
			t.logger.Warnf("No receiver bound; dropping %v from %d", msg, from)
			continue
		}
		r.Receive(from, msg)
	}
}

// Unicast queues msg for the member with the given id and returns without waiting for it to be sent.
// Each member has its own writer goroutine, which connects the first time it has something to send.
// Messages that cannot be delivered because the connection fails are logged and dropped; they are not retried.
func (t *Transport) Unicast(to tomcast.ID, msg tomcast.Msg) error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.closed {
		return tomcast.ErrClosed
	}
	p, ok := t.outbound[to]
	if !ok {
		if _, ok := t.peers[to]; !ok {
			return fmt.Errorf("tcpnet: no address for member %d", to)
		}
		p = &peer{id: to, queue: queue.New[tomcast.Msg](64)}
		t.outbound[to] = p
		t.writers.Add(1)
		go t.write(p)
	}
	p.queue.Push(msg)
	return nil
}

// write sends the messages queued for p until the transport is closed.
func (t *Transport) write(p *peer) {
	defer t.writers.Done()
	var writer *wire.Writer
	for {
		msg, ok := p.queue.Pop()
		if !ok {
			select {
			case <-p.queue.Ready():
				continue
			case <-t.ctx.Done():
				return
			}
		}
		if writer == nil {
			var err error
			if writer, err = t.connect(p); err != nil {
				if t.ctx.Err() != nil {
					return
				}
				// everything queued so far would wait for the same unreachable member
				dropped := p.queue.Clear() + 1
				t.logger.Warnf("Dropped %d messages for %d: %v", dropped, p.id, err)
				continue
			}
		}
		if err := writer.Write(msg); err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warnf("Dropped %v for %d: %v", msg, p.id, &tomcast.TransportError{To: p.id, Err: err})
			t.disconnect(p)
			writer = nil
		}
	}
}

// connect dials p and introduces the local member.
func (t *Transport) connect(p *peer) (*wire.Writer, error) {
	t.mut.Lock()
	addr := t.peers[p.id]
	t.mut.Unlock()

	ctx, cancel := context.WithTimeout(t.ctx, t.dialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpnet: failed to connect to %d at %s: %w", p.id, addr, err)
	}
	writer := wire.NewWriter(conn)
	if err := writer.WriteRaw(protowire.AppendVarint(nil, uint64(t.self))); err != nil {
		_ = conn.Close()
		return nil, err
	}

	p.mut.Lock()
	defer p.mut.Unlock()
	if t.ctx.Err() != nil {
		_ = conn.Close()
		return nil, tomcast.ErrClosed
	}
	p.conn = conn
	t.logger.Debugf("Connected to %d at %s", p.id, addr)
	return writer, nil
}

func (t *Transport) disconnect(p *peer) {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close closes the listener and all connections, and discards messages that have not been sent.
func (t *Transport) Close() error {
	t.mut.Lock()
	if t.closed {
		t.mut.Unlock()
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	t.stop()
	var err error
	if t.listener != nil {
		err = multierr.Append(err, t.listener.Close())
	}
	for conn := range t.inbound {
		_ = conn.Close()
	}
	peers := make([]*peer, 0, len(t.outbound))
	for _, p := range t.outbound {
		peers = append(peers, p)
	}
	t.mut.Unlock()

	for _, p := range peers {
		p.mut.Lock()
		if p.conn != nil {
			err = multierr.Append(err, p.conn.Close())
			p.conn = nil
		}
		p.mut.Unlock()
	}
	t.writers.Wait()
	return err
}
