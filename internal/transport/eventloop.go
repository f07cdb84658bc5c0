package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AkshathPatkar/pinot/internal/domain"
	"github.com/AkshathPatkar/pinot/internal/wire"
)

const readBufferSize = 64 << 10

// EventLoopGroup drives the I/O of every server connection. Each registered
// connection gets one reader and one writer goroutine; the runtime netpoller
// multiplexes them. The group owns the context every dial and handshake is
// bound to, so ShutdownNow also aborts connects that are in progress.
type EventLoopGroup struct {
	log    logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc

	nextConnID atomic.Uint64

	mu         sync.Mutex
	conns      map[*connection]struct{}
	closed     bool
	wg         sync.WaitGroup
	terminated chan struct{}
}

func NewEventLoopGroup(log logrus.FieldLogger) *EventLoopGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventLoopGroup{log: log, ctx: ctx, cancel: cancel, conns: make(map[*connection]struct{}), terminated: make(chan struct{})}
}

// Context is cancelled by ShutdownNow.
func (g *EventLoopGroup) Context() context.Context {
	return g.ctx
}

func (g *EventLoopGroup) IsShutdown() bool {
	return g.ctx.Err() != nil
}

func (g *EventLoopGroup) register(c *connection) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrChannelsShutdown
	}
	g.conns[c] = struct{}{}
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer g.wg.Done()
		c.writeLoop()
	}()
	return nil
}

func (g *EventLoopGroup) deregister(c *connection) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// ShutdownNow stops the group without draining: every connection is closed,
// queued writes are dropped without completion callbacks, and connects in
// progress are cancelled. It does not wait for the driver goroutines; use
// AwaitTermination for that. Safe to call more than once.
func (g *EventLoopGroup) ShutdownNow() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.cancel()
	conns := make([]*connection, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.abandon()
	}
	// register refuses new connections once closed is set, so wg only
	// counts down from here.
	go func() {
		g.wg.Wait()
		close(g.terminated)
	}()
	g.log.WithField("connections", len(conns)).Info("event loop group shut down")
}

// AwaitTermination waits until ShutdownNow has run and every driver
// goroutine has exited, or until ctx is done.
func (g *EventLoopGroup) AwaitTermination(ctx context.Context) error {
	select {
	case <-g.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pendingWrite struct {
	table      string
	frame      []byte
	payloadLen int
	issuedAt   time.Time
	resp       AsyncQueryResponse
}

// connection is one physical connection to a server. It is live from
// registration until the first read or write error, peer close or
// shutdown; it never becomes live again.
type connection struct {
	id      ConnectionID
	server  domain.ServerRoutingInstance
	raw     net.Conn
	group   *EventLoopGroup
	handler ResponseHandler
	metrics BrokerMetrics
	log     logrus.FieldLogger

	active    atomic.Bool
	abandoned atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	pending []*pendingWrite
	wake    chan struct{}
}

func newConnection(server domain.ServerRoutingInstance, raw net.Conn, group *EventLoopGroup, handler ResponseHandler, metrics BrokerMetrics, log logrus.FieldLogger) *connection {
	c := &connection{
		id:      ConnectionID(group.nextConnID.Add(1)),
		server:  server,
		raw:     raw,
		group:   group,
		handler: handler,
		metrics: metrics,
		log:     log,
		closed:  make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	c.active.Store(true)
	return c
}

func (c *connection) isActive() bool {
	return c.active.Load()
}

// write queues a framed request for the writer goroutine and returns
// without waiting for I/O. It reports false, queuing nothing, when the
// connection is no longer active.
func (c *connection) write(w *pendingWrite) bool {
	c.mu.Lock()
	if !c.isActive() {
		c.mu.Unlock()
		return false
	}
	c.pending = append(c.pending, w)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *connection) takePending() []*pendingWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.pending
	c.pending = nil
	return batch
}

// writeLoop flushes queued frames in issue order, one writev per batch.
func (c *connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}
		for {
			batch := c.takePending()
			if len(batch) == 0 {
				break
			}
			bufs := make(net.Buffers, len(batch))
			for i, w := range batch {
				bufs[i] = w.frame
			}
			if _, err := bufs.WriteTo(c.raw); err != nil {
				c.failWrites(err, batch)
				return
			}
			now := time.Now()
			for _, w := range batch {
				c.complete(w, now)
			}
		}
	}
}

func (c *connection) complete(w *pendingWrite, now time.Time) {
	latency := now.Sub(w.issuedAt)
	c.metrics.ObserveSendLatency(w.table, latency)
	c.metrics.AddRequestsSent(1)
	c.metrics.AddBytesSent(int64(w.payloadLen))
	if w.resp != nil {
		w.resp.MarkRequestSent(c.server, latency.Milliseconds())
	}
}

func (c *connection) failWrites(err error, batch []*pendingWrite) {
	c.close()
	dropped := len(batch) + len(c.takePending())
	if c.abandoned.Load() {
		return
	}
	c.metrics.AddSendFailures(int64(dropped))
	c.log.WithError(err).WithField("dropped", dropped).Warn("write to server failed, connection closed")
}

func (c *connection) readLoop() {
	r := bufio.NewReaderSize(c.raw, readBufferSize)
	for {
		payload, err := wire.ReadFrame(r)
		if err != nil {
			c.close()
			switch {
			case c.abandoned.Load():
				err = ErrChannelsShutdown
			case errors.Is(err, io.EOF):
				err = nil
				c.log.Debug("server closed connection")
			default:
				c.log.WithError(err).Warn("read from server failed, connection closed")
			}
			c.handler.ChannelInactive(c.server, c.id, err)
			return
		}
		c.handler.ChannelRead(c.server, payload)
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.active.Store(false)
		c.mu.Unlock()
		close(c.closed)
		_ = c.raw.Close()
		c.group.deregister(c)
	})
}

// abandon closes the connection on shutdown. Writes still queued are
// dropped silently.
func (c *connection) abandon() {
	c.abandoned.Store(true)
	c.close()
	c.takePending()
}
