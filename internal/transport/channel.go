package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AkshathPatkar/pinot/internal/domain"
	"github.com/AkshathPatkar/pinot/internal/wire"
)

// serverChannel owns the single connection to one server. Requests must be
// written to the connection sequentially, so issuing a write and (re)connecting
// happen under lock. The lock is released as soon as the write is queued;
// completion is observed by the connection's writer goroutine.
type serverChannel struct {
	owner  *ServerChannels
	server domain.ServerRoutingInstance

	// lock is a weighted semaphore of size one: a mutex whose acquisition
	// can be bounded by a deadline.
	lock *semaphore.Weighted

	// conn is replaced only while holding lock. It is an atomic pointer so
	// Connected can report on it without contending for lock.
	conn atomic.Pointer[connection]
}

func newServerChannel(owner *ServerChannels, server domain.ServerRoutingInstance) *serverChannel {
	return &serverChannel{owner: owner, server: server, lock: semaphore.NewWeighted(1)}
}

func (ch *serverChannel) sendRequest(ctx context.Context, table string, resp AsyncQueryResponse, requestBytes []byte, timeout time.Duration) error {
	if err := ch.acquire(ctx, timeout); err != nil {
		return err
	}
	defer ch.lock.Release(1)
	return ch.sendLocked(table, resp, requestBytes)
}

func (ch *serverChannel) acquire(ctx context.Context, timeout time.Duration) error {
	if ch.lock.TryAcquire(1) {
		return nil
	}
	if timeout <= 0 {
		return ErrAcquisitionTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ch.lock.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrAcquisitionTimeout
	}
	return nil
}

// sendLocked queues the request on a live connection, connecting first if
// needed. A connection that dies between the liveness check and the enqueue
// is replaced once; a second loss is reported as a ConnectError.
func (ch *serverChannel) sendLocked(table string, resp AsyncQueryResponse, requestBytes []byte) error {
	frame, err := wire.AppendFrame(make([]byte, 0, wire.FrameHeaderSize+len(requestBytes)), requestBytes)
	if err != nil {
		return &SerializationError{Err: err}
	}
	observer, _ := resp.(IssueObserver)

	for attempt := 0; attempt < 2; attempt++ {
		conn := ch.conn.Load()
		if conn == nil || !conn.isActive() {
			if conn, err = ch.reconnect(); err != nil {
				return err
			}
		}
		if observer != nil {
			observer.RequestIssued(ch.server, conn.id)
		}
		queued := conn.write(&pendingWrite{
			table:      table,
			frame:      frame,
			payloadLen: len(requestBytes),
			issuedAt:   time.Now(),
			resp:       resp,
		})
		if queued {
			return nil
		}
		ch.owner.log.WithField("server", ch.server.ShortName()).WithField("conn", conn.id).Debug("connection closed before request was queued")
	}
	ch.owner.metrics.AddSendFailures(1)
	return &ConnectError{Server: ch.server, Err: errConnectionLost}
}

func (ch *serverChannel) reconnect() (*connection, error) {
	start := time.Now()
	fresh, err := ch.connect()
	if err != nil {
		return nil, err
	}
	ch.owner.metrics.SetConnectTime(time.Since(start))
	ch.conn.Store(fresh)
	return fresh, nil
}

// connect dials the server and, when TLS is configured, completes the
// handshake before any frame is exchanged. It blocks the lock holder until
// the connection is usable or has failed.
func (ch *serverChannel) connect() (*connection, error) {
	o := ch.owner
	if o.group.IsShutdown() {
		return nil, &ConnectError{Server: ch.server, Err: ErrChannelsShutdown}
	}

	var tlsCfg *tls.Config
	if o.cfg.TLS != nil {
		var err error
		if tlsCfg, err = o.cfg.TLS.Build(ch.server.Host); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(o.group.Context(), o.cfg.ConnectTimeout)
	defer cancel()

	dialer := net.Dialer{KeepAlive: o.cfg.KeepAlive}
	raw, err := dialer.DialContext(ctx, "tcp", ch.server.Address())
	if err != nil {
		return nil, ch.connectError(err)
	}
	if tlsCfg != nil {
		tlsConn := tls.Client(raw, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, ch.connectError(err)
		}
		raw = tlsConn
	}

	log := o.log.WithField("server", ch.server.ShortName())
	conn := newConnection(ch.server, raw, o.group, o.cfg.Handler, o.metrics, log)
	if err := o.group.register(conn); err != nil {
		_ = raw.Close()
		return nil, &ConnectError{Server: ch.server, Err: err}
	}
	log.WithField("tls", tlsCfg != nil).WithField("conn", conn.id).Debug("connected to server")
	return conn, nil
}

func (ch *serverChannel) connectError(err error) error {
	if ch.owner.group.IsShutdown() {
		err = ErrChannelsShutdown
	}
	ch.owner.log.WithError(err).WithField("server", ch.server.ShortName()).Warn("connect to server failed")
	return &ConnectError{Server: ch.server, Err: err}
}
