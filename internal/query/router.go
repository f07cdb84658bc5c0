package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AkshathPatkar/pinot/internal/domain"
	"github.com/AkshathPatkar/pinot/internal/transport"
	"github.com/AkshathPatkar/pinot/internal/wire"
)

// Sender is the part of transport.ServerChannels the router needs.
type Sender interface {
	SendRequest(ctx context.Context, table string, resp transport.AsyncQueryResponse, server domain.ServerRoutingInstance, req *wire.InstanceRequest, timeout time.Duration) error
}

// Query is one broker request fanned out to a set of servers.
type Query struct {
	// Table is the raw table name; each server is asked for the variant
	// matching its table type.
	Table string
	SQL   string
	// Segments lists, per server, the segments that server should search.
	// A nil slice means all of them.
	Segments    map[domain.ServerRoutingInstance][]string
	EnableTrace bool
	// Timeout is passed to servers as the execution budget.
	Timeout time.Duration
}

type RouterConfig struct {
	BrokerID string
	// SendTimeout bounds the wait for each server's channel lock.
	SendTimeout time.Duration
	Logger      logrus.FieldLogger
}

// Router assigns request ids, sends requests through a Sender and routes
// inbound DataTables back to the Response waiting for them. It implements
// transport.ResponseHandler and must be installed as the Handler of the
// ServerChannels it sends through.
type Router struct {
	cfg    RouterConfig
	log    logrus.FieldLogger
	nextID atomic.Int64

	senderMu sync.RWMutex
	sender   Sender

	mu      sync.Mutex
	pending map[int64]*Response
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = time.Second
	}
	return &Router{
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "query_router"),
		pending: make(map[int64]*Response),
	}
}

// Bind sets the Sender used by Submit. The sender normally takes the router
// as its response handler, so the two are wired after construction.
func (r *Router) Bind(s Sender) {
	r.senderMu.Lock()
	r.sender = s
	r.senderMu.Unlock()
}

// Submit sends q to every server in q.Segments under a single request id.
// Servers the request could not be sent to settle immediately with the send
// error. Submit fails only when no server could be sent to.
func (r *Router) Submit(ctx context.Context, q Query) (*Response, error) {
	r.senderMu.RLock()
	sender := r.sender
	r.senderMu.RUnlock()
	if sender == nil {
		return nil, errors.New("query router has no sender")
	}
	if len(q.Segments) == 0 {
		return nil, errors.New("query has no servers")
	}

	id := r.nextID.Add(1)
	servers := make([]domain.ServerRoutingInstance, 0, len(q.Segments))
	for s := range q.Segments {
		servers = append(servers, s)
	}
	resp := newResponse(id, servers, func() { r.forget(id) })

	r.mu.Lock()
	r.pending[id] = resp
	r.mu.Unlock()

	var sendErrs []error
	for _, server := range servers {
		req := &wire.InstanceRequest{
			RequestId:      id,
			Query:          q.SQL,
			TableName:      server.TableType.TableNameWithType(q.Table),
			SearchSegments: q.Segments[server],
			EnableTrace:    q.EnableTrace,
			BrokerId:       r.cfg.BrokerID,
			TimeoutMs:      q.Timeout.Milliseconds(),
		}
		if err := sender.SendRequest(ctx, q.Table, resp, server, req, r.cfg.SendTimeout); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"request_id": id,
				"server":     server.ShortName(),
			}).Warn("failed to send instance request")
			resp.fail(server, fmt.Errorf("%w: %w", ErrNotSent, err))
			sendErrs = append(sendErrs, err)
		}
	}
	if len(sendErrs) == len(servers) {
		r.forget(id)
		return nil, errors.Join(sendErrs...)
	}
	return resp, nil
}

func (r *Router) forget(id int64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Pending reports how many queries are still tracked.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) ChannelRead(server domain.ServerRoutingInstance, payload []byte) {
	dt, err := wire.UnmarshalDataTable(payload)
	if err != nil {
		r.log.WithError(err).WithField("server", server.ShortName()).Warn("dropping undecodable response")
		return
	}
	r.mu.Lock()
	resp, ok := r.pending[dt.RequestId]
	r.mu.Unlock()
	if !ok {
		r.log.WithFields(logrus.Fields{"request_id": dt.RequestId, "server": server.ShortName()}).Debug("response for unknown request")
		return
	}
	if !resp.receive(server, dt) {
		r.log.WithFields(logrus.Fields{"request_id": dt.RequestId, "server": server.ShortName()}).Debug("duplicate or unexpected response")
	}
}

// ChannelInactive fails the queries still waiting on server whose request
// went out on conn. Queries already reissued on a newer connection to the
// same server keep waiting.
func (r *Router) ChannelInactive(server domain.ServerRoutingInstance, conn transport.ConnectionID, err error) {
	cause := ErrConnectionClosed
	if err != nil {
		cause = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	r.mu.Lock()
	tracked := make([]*Response, 0, len(r.pending))
	for _, resp := range r.pending {
		tracked = append(tracked, resp)
	}
	r.mu.Unlock()

	failed := 0
	for _, resp := range tracked {
		if resp.failIfIssuedOn(server, conn, cause) {
			failed++
		}
	}
	if failed > 0 {
		r.log.WithFields(logrus.Fields{"server": server.ShortName(), "conn": conn, "queries": failed}).Warn("server connection lost with queries in flight")
	}
}
