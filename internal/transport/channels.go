// Package transport manages the broker's connections to data servers.
//
// There is exactly one connection per ServerRoutingInstance; OFFLINE and
// REALTIME instances on the same host and port count as different servers.
// Connections are opened lazily by the first request that needs one and are
// reopened by the next request after they die. Requests to one server are
// written in the order their senders took that server's lock; requests to
// different servers never wait on each other.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AkshathPatkar/pinot/internal/domain"
	"github.com/AkshathPatkar/pinot/internal/wire"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultKeepAlive      = 30 * time.Second
)

type Config struct {
	// TLS enables TLS for every connection when non-nil.
	TLS            *TLSConfig
	ConnectTimeout time.Duration
	KeepAlive      time.Duration

	// Handler receives inbound frames of every connection.
	Handler ResponseHandler
	Metrics BrokerMetrics
	Logger  logrus.FieldLogger
}

func (c *Config) withDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.Handler == nil {
		c.Handler = nopResponseHandler{}
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// ServerChannels routes requests to per-server channels, creating each
// channel the first time its server is addressed. Channels are never
// removed; the set of servers is bounded by the cluster size.
type ServerChannels struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics BrokerMetrics
	group   *EventLoopGroup

	mu       sync.RWMutex
	channels map[domain.ServerRoutingInstance]*serverChannel
}

func NewServerChannels(cfg Config) *ServerChannels {
	cfg.withDefaults()
	log := cfg.Logger.WithField("component", "server_channels")
	return &ServerChannels{
		cfg:      cfg,
		log:      log,
		metrics:  cfg.Metrics,
		group:    NewEventLoopGroup(log),
		channels: make(map[domain.ServerRoutingInstance]*serverChannel),
	}
}

// SendRequest serializes req and queues it on the connection to server.
//
// timeout bounds only the wait for the server's channel lock; when it
// expires ErrAcquisitionTimeout is returned and nothing is written. A nil
// error means the request was handed to the connection, not that it
// reached the server: resp.MarkRequestSent reports that later.
func (s *ServerChannels) SendRequest(ctx context.Context, table string, resp AsyncQueryResponse, server domain.ServerRoutingInstance, req *wire.InstanceRequest, timeout time.Duration) error {
	requestBytes, err := wire.MarshalRequest(req)
	if err != nil {
		return &SerializationError{Err: err}
	}
	return s.channelFor(server).sendRequest(ctx, table, resp, requestBytes, timeout)
}

func (s *ServerChannels) channelFor(server domain.ServerRoutingInstance) *serverChannel {
	s.mu.RLock()
	ch, ok := s.channels[server]
	s.mu.RUnlock()
	if ok {
		return ch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[server]; ok {
		return ch
	}
	ch = newServerChannel(s, server)
	s.channels[server] = ch
	return ch
}

// Connected reports whether server currently has a live connection.
func (s *ServerChannels) Connected(server domain.ServerRoutingInstance) bool {
	s.mu.RLock()
	ch, ok := s.channels[server]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	conn := ch.conn.Load()
	return conn != nil && conn.isActive()
}

// Servers returns every server a channel has been created for.
func (s *ServerChannels) Servers() []domain.ServerRoutingInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ServerRoutingInstance, 0, len(s.channels))
	for server := range s.channels {
		out = append(out, server)
	}
	return out
}

// Shutdown closes every connection immediately. Writes still in flight are
// abandoned and their MarkRequestSent callbacks never run. It does not wait
// for slow servers and never blocks on a channel lock.
func (s *ServerChannels) Shutdown() {
	s.group.ShutdownNow()
}

// AwaitTermination waits for the connection goroutines stopped by Shutdown.
func (s *ServerChannels) AwaitTermination(ctx context.Context) error {
	return s.group.AwaitTermination(ctx)
}
