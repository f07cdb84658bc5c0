// Package query scatters instance requests to data servers and gathers their
// responses.
package query

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/AkshathPatkar/pinot/internal/domain"
	"github.com/AkshathPatkar/pinot/internal/transport"
	"github.com/AkshathPatkar/pinot/internal/wire"
)

var (
	ErrConnectionClosed = errors.New("server connection closed before responding")
	ErrNotSent          = errors.New("request was not sent")
)

// ServerResult is the outcome of a query on one server. Exactly one of
// Table and Err is set once the server has settled.
type ServerResult struct {
	Server domain.ServerRoutingInstance
	// SentLatencyMs is -1 when the request never finished writing.
	SentLatencyMs int64
	Table         *wire.DataTable
	Err           error
}

// Response tracks one scatter-gather query. It implements
// transport.AsyncQueryResponse and transport.IssueObserver.
type Response struct {
	requestID int64

	mu        sync.Mutex
	results   map[domain.ServerRoutingInstance]*ServerResult
	issuedOn  map[domain.ServerRoutingInstance]transport.ConnectionID
	remaining int
	done      chan struct{}

	releaseOnce sync.Once
	release     func()
}

func newResponse(requestID int64, servers []domain.ServerRoutingInstance, release func()) *Response {
	r := &Response{
		requestID: requestID,
		results:   make(map[domain.ServerRoutingInstance]*ServerResult, len(servers)),
		issuedOn:  make(map[domain.ServerRoutingInstance]transport.ConnectionID, len(servers)),
		done:      make(chan struct{}),
		release:   release,
	}
	for _, s := range servers {
		if _, dup := r.results[s]; dup {
			continue
		}
		r.results[s] = &ServerResult{Server: s, SentLatencyMs: -1}
		r.remaining++
	}
	if r.remaining == 0 {
		close(r.done)
	}
	return r
}

func (r *Response) RequestID() int64 {
	return r.requestID
}

func (r *Response) MarkRequestSent(server domain.ServerRoutingInstance, requestSentLatencyMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.results[server]; ok {
		res.SentLatencyMs = requestSentLatencyMs
	}
}

// RequestIssued records the connection the request to server was queued on.
// A reissue on a fresh connection replaces the earlier one.
func (r *Response) RequestIssued(server domain.ServerRoutingInstance, conn transport.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.results[server]; ok {
		r.issuedOn[server] = conn
	}
}

func (r *Response) receive(server domain.ServerRoutingInstance, table *wire.DataTable) bool {
	return r.settle(server, table, nil)
}

func (r *Response) fail(server domain.ServerRoutingInstance, err error) bool {
	return r.settle(server, nil, err)
}

// settle records the first outcome for server; later ones are ignored.
func (r *Response) settle(server domain.ServerRoutingInstance, table *wire.DataTable, err error) bool {
	return r.settleIf(server, table, err, nil)
}

// settleIf is settle guarded by cond, evaluated under r.mu.
func (r *Response) settleIf(server domain.ServerRoutingInstance, table *wire.DataTable, err error, cond func() bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[server]
	if !ok || res.Table != nil || res.Err != nil {
		return false
	}
	if cond != nil && !cond() {
		return false
	}
	res.Table, res.Err = table, err
	r.remaining--
	if r.remaining == 0 {
		close(r.done)
	}
	return true
}

// failIfIssuedOn settles server with err only if its request is still
// unanswered and was queued on conn.
func (r *Response) failIfIssuedOn(server domain.ServerRoutingInstance, conn transport.ConnectionID, err error) bool {
	return r.settleIf(server, nil, err, func() bool {
		issued, ok := r.issuedOn[server]
		return ok && issued == conn
	})
}

// Done is closed once every server has responded or failed.
func (r *Response) Done() <-chan struct{} {
	return r.done
}

// Await waits for every server to settle or for ctx to end, then stops
// tracking the query. Results are ordered by server name; servers that had
// not settled carry ctx's error. The returned error is ctx.Err() when the
// wait was cut short.
func (r *Response) Await(ctx context.Context) ([]ServerResult, error) {
	var waitErr error
	select {
	case <-r.done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	r.releaseOnce.Do(func() {
		if r.release != nil {
			r.release()
		}
	})
	return r.snapshot(waitErr), waitErr
}

func (r *Response) snapshot(unsettled error) []ServerResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServerResult, 0, len(r.results))
	for _, res := range r.results {
		cp := *res
		if cp.Table == nil && cp.Err == nil {
			cp.Err = unsettled
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server.ShortName() < out[j].Server.ShortName() })
	return out
}
