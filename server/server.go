// Package server accepts framed connections and dispatches each request to the
// handler registered for its wire id.
//
//	Accept conn → handleConn (one reader per conn)
//	  → per request: go handleRequest
//	    → decode → middleware chain → handler[wireID] → encode → write response
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"mini-wire/codec"
	"mini-wire/message"
	"mini-wire/middleware"
	"mini-wire/protocol"
)

var (
	ErrUnknownWire    = errors.New("server: unknown wire")
	ErrNotListening   = errors.New("server: not listening")
	ErrAlreadyStarted = errors.New("server: already listening")
)

// Option configures a Server.
type Option func(*Server)

// WithTLS serves TLS on the listener.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithMiddleware appends middlewares, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

type Server struct {
	log         *zap.Logger
	tlsConfig   *tls.Config
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middlewares around dispatch

	mu       sync.RWMutex
	handlers map[string]middleware.HandlerFunc // wire id → handler

	listener net.Listener
	shutdown atomic.Bool
	wg       sync.WaitGroup // in-flight requests

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func New(logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		log:      logger.Named("server"),
		handlers: make(map[string]middleware.HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	return s
}

// Handle routes requests for wireID to h, replacing any previous handler.
func (s *Server) Handle(wireID string, h middleware.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[wireID] = h
}

// Remove stops routing wireID. It reports whether a handler was registered.
func (s *Server) Remove(wireID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[wireID]
	delete(s.handlers, wireID)
	return ok
}

// Listen binds the listener without serving; Addr is valid afterwards.
func (s *Server) Listen(network, address string) error {
	if s.listener != nil {
		return ErrAlreadyStarted
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	if s.tlsConfig != nil {
		l = tls.NewListener(l, s.tlsConfig)
	}
	s.listener = l
	s.log.Info("listening", zap.String("addr", l.Addr().String()), zap.Bool("tls", s.tlsConfig != nil))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until Shutdown, which makes it return nil.
func (s *Server) Serve() error {
	if s.listener == nil {
		return ErrNotListening
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.track(conn, true)
		go s.handleConn(conn)
	}
}

// Shutdown stops accepting, waits for in-flight requests until ctx is done, then
// closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	// flag first, so the Accept error is recognised as intentional
	s.shutdown.Store(true)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("server: waiting for in-flight requests: %w", ctx.Err())
	}

	s.connMu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.connMu.Unlock()
	return err
}

func (s *Server) track(c net.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// handleConn reads frames sequentially and serves each request on its own goroutine.
// The write lock is shared by all responses of the connection.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.track(conn, false)
		_ = conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		h, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if h.MsgType != protocol.MsgTypeRequest {
			continue // heartbeat
		}
		s.wg.Add(1)
		go s.handleRequest(h, body, conn, writeMu)
	}
}

func (s *Server) handleRequest(h *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer s.wg.Done()

	c, err := codec.Get(codec.CodecType(h.CodecType))
	if err != nil {
		s.log.Warn("dropping request", zap.Error(err))
		return
	}
	req := &message.RPCMessage{}
	var resp *message.RPCMessage
	if err := c.Decode(body, req); err != nil {
		resp = req.Fail(fmt.Errorf("server: decode request: %w", err))
	} else {
		resp = s.handler(context.Background(), req)
	}

	out, err := c.Encode(resp)
	if err != nil {
		s.log.Error("encode response", zap.String("wire", req.WireID), zap.Error(err))
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	err = protocol.Encode(conn, &protocol.Header{
		CodecType: h.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       h.Seq,
	}, out)
	if err != nil {
		s.log.Debug("write response", zap.String("wire", req.WireID), zap.Error(err))
	}
}

func (s *Server) dispatch(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	s.mu.RLock()
	h, ok := s.handlers[req.WireID]
	s.mu.RUnlock()
	if !ok {
		return req.Fail(fmt.Errorf("%w: %s", ErrUnknownWire, req.WireID))
	}
	resp := h(ctx, req)
	if resp == nil {
		return req.Reply(nil)
	}
	return resp
}
