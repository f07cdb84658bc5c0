// Package server is a minimal data server: it answers framed
// InstanceRequests with framed DataTables. The broker binaries and the
// transport tests use it as the remote end of server connections.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/AkshathPatkar/pinot/internal/wire"
)

type Executor interface {
	Execute(ctx context.Context, req *wire.InstanceRequest) *wire.DataTable
}

type Config struct {
	Network, Address string
	// Name is reported as ServerName in every response.
	Name        string
	MaxInflight int
	TLSConfig   *tls.Config
	Logger      logrus.FieldLogger
	// OnRequest, when set, is called from the connection's read loop for
	// every decoded request, in arrival order.
	OnRequest func(remote string, req *wire.InstanceRequest)
}

type Server struct {
	cfg      Config
	exec     Executor
	log      logrus.FieldLogger
	ln       net.Listener
	addr     atomic.Value
	closed   atomic.Bool
	accepted atomic.Int64
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[*connection]struct{}
}

type connection struct {
	c        net.Conn
	writerQ  chan *wire.DataTable
	inflight chan struct{}
	done     chan struct{}
}

func NewServer(cfg Config, exec Executor) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Server{cfg: cfg, exec: exec, log: cfg.Logger.WithField("component", "data_server"), conns: make(map[*connection]struct{})}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Accepted is the number of connections accepted since Start.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// Start listens and serves until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.log.WithField("address", ln.Addr().String()).Info("data server listening")

	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.accepted.Add(1)
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.DropConnections()
	s.wg.Wait()
	return nil
}

// DropConnections closes every open connection, as a crashed or restarted
// server would, and returns how many were closed.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.c.Close()
	}
	return len(s.conns)
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *wire.DataTable, 256), inflight: make(chan struct{}, s.cfg.MaxInflight), done: make(chan struct{})}
	// Close sets closed before DropConnections takes mu, so a connection
	// registered here is either dropped by Close or refused.
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
		defer raw.Close()
		defer close(conn.done)
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	broken := false
	for {
		var res *wire.DataTable
		select {
		case <-conn.done:
			return
		case res = <-conn.writerQ:
		}
		// keep draining after a write error so executors never block on
		// a full queue
		if broken {
			continue
		}
		payload, err := wire.MarshalDataTable(res)
		if err != nil {
			s.log.WithError(err).Warn("marshal data table")
			continue
		}
		err = wire.WriteFrame(w, payload)
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			broken = true
			_ = conn.c.Close()
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	remote := conn.c.RemoteAddr().String()
	r := bufio.NewReader(conn.c)
	var executing sync.WaitGroup
	defer executing.Wait()
	for {
		payload, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		req, err := wire.UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, wire.Exception(0, s.cfg.Name, wire.ErrorCodeBadRequest, err.Error()))
			continue
		}
		if s.cfg.OnRequest != nil {
			s.cfg.OnRequest(remote, req)
		}
		if err := wire.ValidateRequest(req); err != nil {
			s.send(conn, wire.Exception(req.RequestId, s.cfg.Name, wire.ErrorCodeBadRequest, err.Error()))
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, wire.Exception(req.RequestId, s.cfg.Name, wire.ErrorCodeOverloaded, "connection inflight limit exceeded"))
			continue
		}
		executing.Add(1)
		go func() {
			defer executing.Done()
			res := s.exec.Execute(ctx, req)
			<-conn.inflight
			res.RequestId = req.RequestId
			res.ServerName = s.cfg.Name
			s.send(conn, res)
		}()
	}
}

func (s *Server) send(conn *connection, res *wire.DataTable) {
	select {
	case conn.writerQ <- res:
	case <-conn.done:
	}
}
