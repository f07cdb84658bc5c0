package transport

import (
	"time"

	"github.com/AkshathPatkar/pinot/internal/domain"
)

// AsyncQueryResponse is the correlation handle of one in-flight query.
// MarkRequestSent is called once per request whose bytes were fully written
// to the server, from the connection's writer goroutine. It is never called
// for writes that failed or were dropped by Shutdown.
type AsyncQueryResponse interface {
	MarkRequestSent(server domain.ServerRoutingInstance, requestSentLatencyMs int64)
}

// ConnectionID identifies one physical connection. IDs are never reused
// within a ServerChannels, so a reconnect to the same server gets a new one.
type ConnectionID uint64

// IssueObserver may be implemented by an AsyncQueryResponse to learn which
// connection its request was queued on. RequestIssued runs on the sender's
// goroutine, while the server's lock is held and before the request is
// queued; it may run again for the same server if the request is reissued on
// a fresh connection.
type IssueObserver interface {
	RequestIssued(server domain.ServerRoutingInstance, conn ConnectionID)
}

// ResponseHandler consumes inbound frames. It is installed on every
// connection when the connection is established and is called from that
// connection's reader goroutine, one frame at a time.
type ResponseHandler interface {
	ChannelRead(server domain.ServerRoutingInstance, payload []byte)
	// ChannelInactive is called once when connection conn stops being
	// usable; err is nil for a clean close by the peer. By the time it runs
	// the server may already be served by a newer connection.
	ChannelInactive(server domain.ServerRoutingInstance, conn ConnectionID, err error)
}

// BrokerMetrics receives transport measurements. Implementations must not
// block.
type BrokerMetrics interface {
	SetConnectTime(d time.Duration)
	ObserveSendLatency(table string, d time.Duration)
	AddRequestsSent(n int64)
	AddBytesSent(n int64)
	AddSendFailures(n int64)
}

type nopResponseHandler struct{}

func (nopResponseHandler) ChannelRead(domain.ServerRoutingInstance, []byte) {}
func (nopResponseHandler) ChannelInactive(domain.ServerRoutingInstance, ConnectionID, error) {
}

type nopMetrics struct{}

func (nopMetrics) SetConnectTime(time.Duration)             {}
func (nopMetrics) ObserveSendLatency(string, time.Duration) {}
func (nopMetrics) AddRequestsSent(int64)                    {}
func (nopMetrics) AddBytesSent(int64)                       {}
func (nopMetrics) AddSendFailures(int64)                    {}
