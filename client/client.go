// Package client keeps a small pool of multiplexed transports per remote address.
//
// Each address gets up to size transports; calls are spread over them round robin.
// A transport that broke is redialed in place the next time its slot comes up.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-wire/codec"
	"mini-wire/loadbalance"
	"mini-wire/message"
	"mini-wire/transport"
)

const (
	DefaultPoolSize    = 2
	DefaultDialTimeout = 5 * time.Second
)

var (
	ErrPoolClosed  = errors.New("client: pool closed")
	ErrNoTLSConfig = errors.New("client: secure endpoint but no TLS config")
)

// Option configures a Pool.
type Option func(*Pool)

// WithTLS is used to dial secure addresses.
func WithTLS(cfg *tls.Config) Option {
	return func(p *Pool) { p.tlsConfig = cfg }
}

func WithSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

func WithCodec(ct codec.CodecType) Option {
	return func(p *Pool) { p.codecType = ct }
}

func WithHeartbeat(d time.Duration) Option {
	return func(p *Pool) { p.heartbeat = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(p *Pool) { p.dialTimeout = d }
}

type slots struct {
	mu         sync.Mutex
	transports []*transport.ClientTransport // nil until first used
	balancer   loadbalance.RoundRobin[*transport.ClientTransport]
}

// Pool is safe for concurrent use.
type Pool struct {
	size        int
	codecType   codec.CodecType
	heartbeat   time.Duration
	dialTimeout time.Duration
	tlsConfig   *tls.Config
	log         *zap.Logger

	mu     sync.Mutex
	addrs  map[string]*slots
	closed bool
}

func NewPool(logger *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		size:        DefaultPoolSize,
		codecType:   codec.CodecTypeBinary,
		heartbeat:   transport.DefaultHeartbeat,
		dialTimeout: DefaultDialTimeout,
		log:         logger.Named("client"),
		addrs:       make(map[string]*slots),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Call sends req to addr over a pooled transport, dialing TLS when secure is set.
func (p *Pool) Call(ctx context.Context, addr string, secure bool, req *message.RPCMessage) (*message.RPCMessage, error) {
	t, err := p.get(ctx, addr, secure)
	if err != nil {
		return nil, err
	}
	return t.Call(ctx, req)
}

// Drop closes every transport to addr.
func (p *Pool) Drop(addr string, secure bool) {
	p.mu.Lock()
	s, ok := p.addrs[poolKey(addr, secure)]
	delete(p.addrs, poolKey(addr, secure))
	p.mu.Unlock()
	if ok {
		_ = s.close()
	}
}

// Close closes every pooled transport. Later calls fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	addrs := p.addrs
	p.addrs = make(map[string]*slots)
	p.mu.Unlock()

	var errs error
	for _, s := range addrs {
		errs = multierr.Append(errs, s.close())
	}
	return errs
}

func (p *Pool) get(ctx context.Context, addr string, secure bool) (*transport.ClientTransport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	key := poolKey(addr, secure)
	s, ok := p.addrs[key]
	if !ok {
		s = &slots{transports: make([]*transport.ClientTransport, p.size)}
		p.addrs[key] = s
	}
	p.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.balancer.Next(len(s.transports))
	if t := s.transports[i]; t != nil && t.Err() == nil {
		return t, nil
	}
	t, err := p.dial(ctx, addr, secure)
	if err != nil {
		return nil, err
	}
	s.transports[i] = t
	return t, nil
}

func (p *Pool) dial(ctx context.Context, addr string, secure bool) (*transport.ClientTransport, error) {
	dialer := &net.Dialer{Timeout: p.dialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if secure {
		if p.tlsConfig == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoTLSConfig, addr)
		}
		td := &tls.Dialer{NetDialer: dialer, Config: p.tlsConfig.Clone()}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	t, err := transport.New(conn, p.codecType, p.heartbeat, p.log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.log.Debug("dialed", zap.String("addr", addr), zap.Bool("secure", secure))
	return t, nil
}

func (s *slots) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs error
	for i, t := range s.transports {
		if t != nil {
			errs = multierr.Append(errs, t.Close())
			s.transports[i] = nil
		}
	}
	return errs
}

func poolKey(addr string, secure bool) string {
	if secure {
		return "tls://" + addr
	}
	return "tcp://" + addr
}
