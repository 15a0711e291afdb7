// Package server accepts client connections and serves the glomail protocol.
//
// All protocol handling runs on a single event-loop goroutine that owns the
// session table. Connection goroutines only move frames between the socket
// and the loop, so no two requests are ever handled at the same time.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/glomail/internal/metrics"
	"github.com/shineum/glomail/internal/protocol"
	"github.com/shineum/glomail/internal/session"
	"github.com/shineum/glomail/internal/wire"
)

// shutdownTimeout is the maximum time to wait for connection goroutines
// during shutdown.
const shutdownTimeout = 10 * time.Second

// Config holds the configuration for a Server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":1400").
	ListenAddr string

	// MaxFrameSize bounds the body of a single request frame.
	MaxFrameSize int

	// WriteTimeout bounds writing one response. Zero means no limit.
	WriteTimeout time.Duration
}

type eventKind int

const (
	eventOpened eventKind = iota
	eventFrame
	eventClosed
)

type event struct {
	kind   eventKind
	connID string
	conn   net.Conn
	body   []byte
	reply  chan<- reply
}

type reply struct {
	body  []byte
	close bool
}

// Server is the connection multiplexer.
type Server struct {
	config     Config
	dispatcher *Dispatcher

	// Owned by the event loop.
	sessions *session.Table
	conns    map[string]net.Conn

	events chan event
	done   chan struct{}
	ready  chan struct{}
	addr   string

	// wg tracks the accept loop and connection goroutines.
	wg sync.WaitGroup
}

// New creates a Server that serves requests with d.
func New(cfg Config, d *Dispatcher) *Server {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	return &Server{
		config:     cfg,
		dispatcher: d,
		sessions:   session.NewTable(),
		conns:      make(map[string]net.Conn),
		events:     make(chan event),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the event loop on ln until ctx is cancelled. On return the
// listener and every client connection are closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.addr = ln.Addr().String()
	close(s.ready)

	slog.Info("glomail server listening", "addr", s.addr)

	s.wg.Add(1)
	go s.acceptLoop(ln)

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down glomail server")
			s.shutdown(ln)
			return nil
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		}
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	select {
	case <-s.ready:
		return s.addr
	default:
		return ""
	}
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept error", "error", err)
			continue
		}

		id := uuid.NewString()
		if !s.send(event{kind: eventOpened, connID: id, conn: conn}) {
			conn.Close()
			return
		}

		s.wg.Add(1)
		go s.serveConn(id, conn)
	}
}

// serveConn reads one frame at a time, hands it to the event loop and writes
// back the response.
func (s *Server) serveConn(id string, conn net.Conn) {
	defer s.wg.Done()
	replies := make(chan reply, 1)

	for {
		body, err := wire.ReadFrame(conn, s.config.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				metrics.TransportErrorsTotal.Inc()
				slog.Debug("connection read error", "conn_id", id, "error", err)
			}
			s.send(event{kind: eventClosed, connID: id})
			return
		}

		if !s.send(event{kind: eventFrame, connID: id, body: body, reply: replies}) {
			return
		}

		var r reply
		select {
		case r = <-replies:
		case <-s.done:
			return
		}

		if r.body != nil {
			if err := s.write(conn, r.body); err != nil {
				metrics.TransportErrorsTotal.Inc()
				slog.Debug("connection write error", "conn_id", id, "error", err)
				s.send(event{kind: eventClosed, connID: id})
				return
			}
		}
		if r.close {
			return
		}
	}
}

func (s *Server) write(conn net.Conn, body []byte) error {
	if s.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
			return err
		}
	}
	return wire.WriteFrame(conn, body)
}

// send delivers ev to the event loop unless the server is shutting down.
func (s *Server) send(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case eventOpened:
		remote := ev.conn.RemoteAddr().String()
		s.sessions.Open(ev.connID, remote)
		s.conns[ev.connID] = ev.conn
		metrics.ConnectionsTotal.Inc()
		slog.Info("connection opened", "conn_id", ev.connID, "remote", remote)

	case eventFrame:
		ev.reply <- s.handleFrame(ctx, ev.connID, ev.body)

	case eventClosed:
		s.drop(ev.connID)
	}

	metrics.ConnectionsCurrent.Set(float64(s.sessions.Len()))
	metrics.AuthenticatedConnectionsCurrent.Set(float64(s.sessions.Authenticated()))
}

func (s *Server) handleFrame(ctx context.Context, id string, body []byte) reply {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return reply{close: true}
	}

	req, err := protocol.Decode(body)
	if err != nil {
		slog.Debug("malformed request", "conn_id", id, "error", err)
		return s.encode(id, protocol.Errorf("malformed request"))
	}

	if req.Header == protocol.Bye {
		slog.Debug("client said goodbye", "conn_id", id)
		s.drop(id)
		return reply{close: true}
	}

	return s.encode(id, s.dispatcher.Dispatch(ctx, sess, req))
}

func (s *Server) encode(id string, resp *protocol.Message) reply {
	body, err := resp.Encode()
	if err != nil {
		slog.Error("failed to encode response", "conn_id", id, "error", err)
		s.drop(id)
		return reply{close: true}
	}
	return reply{body: body}
}

// drop forgets the session of id and closes its connection.
func (s *Server) drop(id string) {
	conn, ok := s.conns[id]
	if !ok {
		return
	}
	delete(s.conns, id)
	s.sessions.Close(id)
	conn.Close()
	slog.Info("connection closed", "conn_id", id)
}

func (s *Server) shutdown(ln net.Listener) {
	close(s.done)
	ln.Close()
	for _, id := range s.sessions.IDs() {
		s.drop(id)
	}
	metrics.ConnectionsCurrent.Set(0)
	metrics.AuthenticatedConnectionsCurrent.Set(0)
	s.waitForConnections()
}

// waitForConnections waits for connection goroutines to exit, with a
// maximum timeout to prevent indefinite blocking.
func (s *Server) waitForConnections() {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		slog.Info("all connections closed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}
