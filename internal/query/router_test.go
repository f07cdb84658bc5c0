package query

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"github.com/AkshathPatkar/pinot/internal/domain"
	"github.com/AkshathPatkar/pinot/internal/server"
	"github.com/AkshathPatkar/pinot/internal/transport"
	"github.com/AkshathPatkar/pinot/internal/wire"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeSender issues every request on connection conn (1 when unset).
type fakeSender struct {
	mu   sync.Mutex
	sent []*wire.InstanceRequest
	fail map[domain.ServerRoutingInstance]error
	conn transport.ConnectionID
}

func (f *fakeSender) SendRequest(_ context.Context, _ string, resp transport.AsyncQueryResponse, server domain.ServerRoutingInstance, req *wire.InstanceRequest, _ time.Duration) error {
	if err := f.fail[server]; err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, req)
	conn := f.conn
	f.mu.Unlock()
	if conn == 0 {
		conn = 1
	}
	if o, ok := resp.(transport.IssueObserver); ok {
		o.RequestIssued(server, conn)
	}
	resp.MarkRequestSent(server, 3)
	return nil
}

func (f *fakeSender) useConnection(conn transport.ConnectionID) {
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
}

func respond(t *testing.T, r *Router, server domain.ServerRoutingInstance, dt *wire.DataTable) {
	t.Helper()
	payload, err := wire.MarshalDataTable(dt)
	if err != nil {
		t.Fatal(err)
	}
	r.ChannelRead(server, payload)
}

var (
	offline  = domain.NewServerRoutingInstance("10.0.0.1", 8098, domain.TableTypeOffline)
	realtime = domain.NewServerRoutingInstance("10.0.0.1", 8098, domain.TableTypeRealtime)
)

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitForServer returns the OFFLINE instance of a started server.
func waitForServer(t *testing.T, srv *server.Server) domain.ServerRoutingInstance {
	t.Helper()
	waitUntil(t, func() bool { return srv.Addr() != "" }, "server to listen")
	host, portStr, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return domain.NewServerRoutingInstance(host, port, domain.TableTypeOffline)
}

func newTestRouter(s Sender) *Router {
	r := NewRouter(RouterConfig{BrokerID: "broker-test", Logger: quietLogger()})
	r.Bind(s)
	return r
}

func TestSubmitGathersEveryServer(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(sender)

	resp, err := r.Submit(context.Background(), Query{
		Table:    "airlines",
		SQL:      "SELECT COUNT(*) FROM airlines",
		Segments: map[domain.ServerRoutingInstance][]string{offline: {"seg_0"}, realtime: nil},
		Timeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sent=%d, want 2", len(sender.sent))
	}
	for _, req := range sender.sent {
		if req.RequestId != resp.RequestID() || req.BrokerId != "broker-test" || req.TimeoutMs != 2000 {
			t.Fatalf("unexpected request: %+v", req)
		}
	}

	respond(t, r, offline, &wire.DataTable{RequestId: resp.RequestID(), ServerName: offline.ShortName()})
	select {
	case <-resp.Done():
		t.Fatal("done before every server answered")
	default:
	}
	respond(t, r, realtime, &wire.DataTable{RequestId: resp.RequestID(), ServerName: realtime.ShortName()})

	results, err := resp.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results=%d", len(results))
	}
	for _, res := range results {
		if res.Err != nil || res.Table == nil || res.SentLatencyMs != 3 {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	if r.Pending() != 0 {
		t.Fatalf("pending=%d after await", r.Pending())
	}
}

func TestResponsesForUnknownRequestsAreDropped(t *testing.T) {
	r := newTestRouter(&fakeSender{})
	respond(t, r, offline, &wire.DataTable{RequestId: 99})
	r.ChannelRead(offline, []byte{0xff, 0xff})
	if r.Pending() != 0 {
		t.Fatal("nothing should be tracked")
	}
}

func TestPartialSendFailure(t *testing.T) {
	boom := errors.New("boom")
	r := newTestRouter(&fakeSender{fail: map[domain.ServerRoutingInstance]error{realtime: boom}})

	resp, err := r.Submit(context.Background(), Query{
		Table:    "airlines",
		SQL:      "SELECT 1",
		Segments: map[domain.ServerRoutingInstance][]string{offline: nil, realtime: nil},
	})
	if err != nil {
		t.Fatal(err)
	}
	respond(t, r, offline, &wire.DataTable{RequestId: resp.RequestID()})

	results, err := resp.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, res := range results {
		switch res.Server {
		case realtime:
			if !errors.Is(res.Err, ErrNotSent) || !errors.Is(res.Err, boom) || res.SentLatencyMs != -1 {
				t.Fatalf("realtime result: %+v", res)
			}
		case offline:
			if res.Table == nil {
				t.Fatalf("offline result: %+v", res)
			}
		}
	}
}

func TestSubmitFailsWhenNothingWasSent(t *testing.T) {
	r := newTestRouter(&fakeSender{fail: map[domain.ServerRoutingInstance]error{offline: transport.ErrAcquisitionTimeout}})
	_, err := r.Submit(context.Background(), Query{Table: "airlines", SQL: "SELECT 1", Segments: map[domain.ServerRoutingInstance][]string{offline: nil}})
	if !errors.Is(err, transport.ErrAcquisitionTimeout) {
		t.Fatalf("expected ErrAcquisitionTimeout, got %v", err)
	}
	if r.Pending() != 0 {
		t.Fatal("failed query must not stay tracked")
	}

	if _, err := NewRouter(RouterConfig{Logger: quietLogger()}).Submit(context.Background(), Query{Segments: map[domain.ServerRoutingInstance][]string{offline: nil}}); err == nil {
		t.Fatal("expected error without a sender")
	}
	if _, err := r.Submit(context.Background(), Query{}); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestChannelInactiveFailsWaitingQueries(t *testing.T) {
	r := newTestRouter(&fakeSender{})
	resp, err := r.Submit(context.Background(), Query{Table: "airlines", SQL: "SELECT 1", Segments: map[domain.ServerRoutingInstance][]string{offline: nil, realtime: nil}})
	if err != nil {
		t.Fatal(err)
	}
	respond(t, r, realtime, &wire.DataTable{RequestId: resp.RequestID()})

	reset := errors.New("connection reset")
	r.ChannelInactive(offline, 1, reset)
	r.ChannelInactive(realtime, 1, nil)

	results, err := resp.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, res := range results {
		if res.Server == offline && (!errors.Is(res.Err, ErrConnectionClosed) || !errors.Is(res.Err, reset)) {
			t.Fatalf("offline result: %+v", res)
		}
		if res.Server == realtime && (res.Err != nil || res.Table == nil) {
			t.Fatalf("realtime result must keep its table: %+v", res)
		}
	}
}

func TestLateInactivityOnlyFailsQueriesOfThatConnection(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(sender)
	q := Query{Table: "airlines", SQL: "SELECT 1", Segments: map[domain.ServerRoutingInstance][]string{offline: nil}}

	sender.useConnection(1)
	before, err := r.Submit(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	sender.useConnection(2)
	after, err := r.Submit(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}

	r.ChannelInactive(offline, 1, nil)
	select {
	case <-after.Done():
		t.Fatal("query on the live connection was failed by the dead one")
	default:
	}
	respond(t, r, offline, &wire.DataTable{RequestId: after.RequestID()})

	results, err := after.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Err != nil || results[0].Table == nil {
		t.Fatalf("query on connection 2: %+v", results[0])
	}
	results, err = before.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(results[0].Err, ErrConnectionClosed) {
		t.Fatalf("query on connection 1: %+v", results[0])
	}
}

// slowInactivity forwards to the router, holding back inactivity
// notifications the way a descheduled reader goroutine would.
type slowInactivity struct {
	*Router
	delay time.Duration
}

func (s slowInactivity) ChannelInactive(server domain.ServerRoutingInstance, conn transport.ConnectionID, err error) {
	time.Sleep(s.delay)
	s.Router.ChannelInactive(server, conn, err)
}

func TestDelayedInactivityAfterReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := server.NewInMemoryExecutor(400 * time.Millisecond)
	exec.AddTable("airlines_OFFLINE", []string{"carrier"}, [][]string{{"AA"}})
	var received atomic.Int64
	srv := server.NewServer(server.Config{
		Network:     "tcp",
		Address:     "127.0.0.1:0",
		Name:        "Server_local_OFFLINE",
		MaxInflight: 16,
		Logger:      quietLogger(),
		OnRequest:   func(string, *wire.InstanceRequest) { received.Add(1) },
	}, exec)
	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = srv.Start(ctx)
	}()
	defer func() {
		cancel()
		_ = srv.Close()
		<-serveDone
	}()
	dest := waitForServer(t, srv)

	router := NewRouter(RouterConfig{Logger: quietLogger()})
	channels := transport.NewServerChannels(transport.Config{
		Handler: slowInactivity{Router: router, delay: 300 * time.Millisecond},
		Logger:  quietLogger(),
	})
	router.Bind(channels)
	defer func() {
		channels.Shutdown()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer waitCancel()
		_ = channels.AwaitTermination(waitCtx)
	}()

	q := Query{Table: "airlines", SQL: "SELECT carrier FROM airlines", Segments: map[domain.ServerRoutingInstance][]string{dest: nil}}
	first, err := router.Submit(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool { return received.Load() == 1 }, "first request to reach the server")
	waitUntil(t, func() bool { return srv.DropConnections() == 1 }, "server to drop the connection")
	waitUntil(t, func() bool { return !channels.Connected(dest) }, "connection to go inactive")

	second, err := router.Submit(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if got := srv.Accepted(); got != 2 {
		t.Fatalf("accepted=%d, want a reconnect", got)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	results, err := second.Await(waitCtx)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Err != nil || results[0].Table == nil || len(results[0].Table.Rows) != 1 {
		t.Fatalf("query on the new connection: %+v", results[0])
	}
	results, err = first.Await(waitCtx)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(results[0].Err, ErrConnectionClosed) {
		t.Fatalf("query on the dropped connection: %+v", results[0])
	}
}

func TestAwaitTimesOutWithPartialResults(t *testing.T) {
	r := newTestRouter(&fakeSender{})
	resp, err := r.Submit(context.Background(), Query{Table: "airlines", SQL: "SELECT 1", Segments: map[domain.ServerRoutingInstance][]string{offline: nil, realtime: nil}})
	if err != nil {
		t.Fatal(err)
	}
	respond(t, r, offline, &wire.DataTable{RequestId: resp.RequestID()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	results, err := resp.Await(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if len(results) != 2 || results[0].Table == nil || !errors.Is(results[1].Err, context.DeadlineExceeded) {
		t.Fatalf("unexpected results: %+v", results)
	}
	if r.Pending() != 0 {
		t.Fatal("timed out query must not stay tracked")
	}
	respond(t, r, realtime, &wire.DataTable{RequestId: resp.RequestID()})
}

func TestScatterGatherOverServerChannels(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := server.NewInMemoryExecutor(0)
	exec.AddTable("airlines_OFFLINE", []string{"carrier"}, [][]string{{"AA"}, {"DL"}})
	srv := server.NewServer(server.Config{Network: "tcp", Address: "127.0.0.1:0", Name: "Server_local_OFFLINE", MaxInflight: 16, Logger: quietLogger()}, exec)
	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = srv.Start(ctx)
	}()
	defer func() {
		cancel()
		_ = srv.Close()
		<-serveDone
	}()
	dest := waitForServer(t, srv)

	router := NewRouter(RouterConfig{BrokerID: "broker-it", Logger: quietLogger()})
	channels := transport.NewServerChannels(transport.Config{Handler: router, Logger: quietLogger()})
	router.Bind(channels)
	defer func() {
		channels.Shutdown()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer waitCancel()
		_ = channels.AwaitTermination(waitCtx)
	}()

	for i := 0; i < 3; i++ {
		resp, err := router.Submit(context.Background(), Query{
			Table:    "airlines_OFFLINE",
			SQL:      "SELECT carrier FROM airlines",
			Segments: map[domain.ServerRoutingInstance][]string{dest: nil},
		})
		if err != nil {
			t.Fatal(err)
		}
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		results, err := resp.Await(waitCtx)
		waitCancel()
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 1 || results[0].Table == nil || len(results[0].Table.Rows) != 2 {
			t.Fatalf("unexpected results: %+v", results)
		}
		if results[0].Table.RequestId != resp.RequestID() || results[0].Table.ServerName != "Server_local_OFFLINE" {
			t.Fatalf("unexpected header: %+v", results[0].Table)
		}
	}
	if got := srv.Accepted(); got != 1 {
		t.Fatalf("accepted=%d, want 1", got)
	}
}
