package admin

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-wire/client"
	"mini-wire/endpoint"
	"mini-wire/message"
	"mini-wire/metrics"
	"mini-wire/middleware"
	"mini-wire/server"
)

// ProtocolName is the protocol-name of endpoints exported by a TCP admin.
const ProtocolName = "mini-wire.tcp"

const (
	DefaultRetries    = 2
	DefaultRetryDelay = 100 * time.Millisecond
)

// TCPConfig configures a TCP admin.
type TCPConfig struct {
	Zone string
	Node string

	ListenAddr    string
	AdvertiseAddr string // defaults to the bound listen address

	ServerTLS *tls.Config // exports are secure when set
	ClientTLS *tls.Config // needed to import secure endpoints

	Retries     int // 0 means DefaultRetries, negative disables retries
	RetryDelay  time.Duration
	Middlewares []middleware.Middleware // run on every received request, inside recovery
}

// TCPOption configures a TCP admin.
type TCPOption func(*TCP)

// WithMetrics records registrations and calls on r.
func WithMetrics(r *metrics.Recorder) TCPOption {
	return func(a *TCP) { a.metrics = r }
}

// WithPool shares a client pool between admins. The admin then does not close it.
func WithPool(p *client.Pool) TCPOption {
	return func(a *TCP) {
		a.pool = p
		a.ownPool = false
	}
}

// TCP exports receivers on one framed-protocol server and imports remote endpoints
// through a client pool. Exports are addressed by wire id through an explicit handler
// table on the server.
type TCP struct {
	cfg     TCPConfig
	log     *zap.Logger
	metrics *metrics.Recorder

	srv     *server.Server
	pool    *client.Pool
	ownPool bool
	serving chan error

	mu        sync.Mutex
	address   string // advertised, empty until Start
	listeners []Listener
	exports   map[string]*tcpExport
	imports   map[*tcpImport]struct{}
}

// NewTCP creates a stopped admin.
func NewTCP(cfg TCPConfig, logger *zap.Logger, opts ...TCPOption) *TCP {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	log := logger.Named("admin").With(zap.String("zone", cfg.Zone), zap.String("node", cfg.Node))
	a := &TCP{
		cfg:     cfg,
		log:     log,
		exports: make(map[string]*tcpExport),
		imports: make(map[*tcpImport]struct{}),
		ownPool: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.pool == nil {
		a.pool = client.NewPool(log, client.WithTLS(cfg.ClientTLS))
	}

	mws := []middleware.Middleware{middleware.Recover(log), middleware.Metrics(a.metrics), middleware.Logging(log)}
	srvOpts := []server.Option{server.WithMiddleware(append(mws, cfg.Middlewares...)...)}
	if cfg.ServerTLS != nil {
		srvOpts = append(srvOpts, server.WithTLS(cfg.ServerTLS))
	}
	a.srv = server.New(log, srvOpts...)
	return a
}

func (a *TCP) Name() string { return ProtocolName }

// Address returns the advertised address, or "" before Start.
func (a *TCP) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.address
}

// Start binds the listener and serves exports in the background.
func (a *TCP) Start() error {
	if err := a.srv.Listen("tcp", a.cfg.ListenAddr); err != nil {
		return fmt.Errorf("admin: listen %s: %w", a.cfg.ListenAddr, err)
	}
	addr := a.cfg.AdvertiseAddr
	if addr == "" {
		addr = advertisable(a.srv.Addr())
	}
	a.mu.Lock()
	a.address = addr
	a.mu.Unlock()

	a.serving = make(chan error, 1)
	go func() { a.serving <- a.srv.Serve() }()
	a.log.Info("admin started", zap.String("address", addr), zap.Bool("secure", a.secure()))
	return nil
}

// Stop closes every registration, shuts the server down and closes the pool.
func (a *TCP) Stop(ctx context.Context) error {
	a.mu.Lock()
	exports := make([]*tcpExport, 0, len(a.exports))
	for _, e := range a.exports {
		exports = append(exports, e)
	}
	imports := make([]*tcpImport, 0, len(a.imports))
	for i := range a.imports {
		imports = append(imports, i)
	}
	a.mu.Unlock()

	var errs error
	for _, e := range exports {
		errs = multierr.Append(errs, e.Close())
	}
	for _, i := range imports {
		errs = multierr.Append(errs, i.Close())
	}
	if a.serving != nil {
		errs = multierr.Append(errs, a.srv.Shutdown(ctx))
		errs = multierr.Append(errs, <-a.serving)
		a.serving = nil
	}
	if a.ownPool {
		errs = multierr.Append(errs, a.pool.Close())
	}
	a.log.Info("admin stopped", zap.Error(errs))
	return errs
}

// ExportEndpoint routes requests for a fresh wire id to r and describes it with the
// admin's address.
func (a *TCP) ExportEndpoint(r Receiver) ExportRegistration {
	addr := a.Address()
	if addr == "" {
		a.metrics.Registration("export", ErrNoAddress)
		return &tcpExport{err: ErrNoAddress}
	}
	secure := "no"
	if a.secure() {
		secure = "yes"
	}
	d := endpoint.New(a.cfg.Zone, a.cfg.Node, ProtocolName, map[string]string{
		endpoint.PropertyAddress: addr,
		endpoint.PropertySecure:  secure,
	})
	e := &tcpExport{admin: a, desc: d, receiver: r}

	a.mu.Lock()
	a.exports[d.ID()] = e
	a.mu.Unlock()
	a.srv.Handle(d.ID(), r.Receive)

	a.metrics.Registration("export", nil)
	a.log.Debug("exported", zap.Stringer("endpoint", d))
	a.emit(Event{Type: ExportRegistered, Admin: a, Export: e})
	return e
}

// ImportEndpoint builds a sender for d. The connection is dialed on first use.
func (a *TCP) ImportEndpoint(d *endpoint.Descriptor) ImportRegistration {
	var err error
	switch {
	case d.ProtocolName != ProtocolName:
		err = fmt.Errorf("%w: %q", ErrUnsupportedProtocol, d.ProtocolName)
	case d.Property(endpoint.PropertyAddress) == "":
		err = ErrNoAddress
	}
	a.metrics.Registration("import", err)
	if err != nil {
		return &tcpImport{desc: d, err: err}
	}

	i := &tcpImport{admin: a, desc: d}
	addr, secure := d.Property(endpoint.PropertyAddress), d.Secure()
	call := func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		return a.pool.Call(ctx, addr, secure, req)
	}
	i.call = middleware.Retry(a.cfg.Retries, a.cfg.RetryDelay, a.log)(call)

	a.mu.Lock()
	a.imports[i] = struct{}{}
	a.mu.Unlock()

	a.log.Debug("imported", zap.Stringer("endpoint", d), zap.String("address", addr))
	a.emit(Event{Type: ImportRegistered, Admin: a, Import: i})
	return i
}

func (a *TCP) AddListener(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.listeners {
		if existing == l {
			return
		}
	}
	a.listeners = append(a.listeners, l)
}

func (a *TCP) RemoveListener(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.listeners {
		if existing == l {
			a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
			return
		}
	}
}

func (a *TCP) emit(ev Event) {
	a.mu.Lock()
	listeners := append([]Listener(nil), a.listeners...)
	a.mu.Unlock()
	for _, l := range listeners {
		l.AdminEvent(ev)
	}
}

func (a *TCP) secure() bool { return a.cfg.ServerTLS != nil }

// advertisable replaces an unspecified listen host with loopback.
func advertisable(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

type tcpExport struct {
	admin    *TCP
	desc     *endpoint.Descriptor
	receiver Receiver
	err      error

	once sync.Once
}

func (e *tcpExport) Descriptor() *endpoint.Descriptor { return e.desc }
func (e *tcpExport) Err() error                       { return e.err }

// Close stops routing the wire id. Closing twice is a no-op.
func (e *tcpExport) Close() error {
	if e.admin == nil {
		return nil
	}
	e.once.Do(func() {
		a := e.admin
		a.srv.Remove(e.desc.ID())
		a.mu.Lock()
		delete(a.exports, e.desc.ID())
		a.mu.Unlock()
		a.log.Debug("export closed", zap.Stringer("endpoint", e.desc))
		a.emit(Event{Type: ExportUnregistered, Admin: a, Export: e})
	})
	return nil
}

type tcpImport struct {
	admin *TCP
	desc  *endpoint.Descriptor
	call  middleware.CallFunc
	err   error

	mu       sync.Mutex
	closed   bool
	reported bool // ImportError is emitted once per registration
}

func (i *tcpImport) Descriptor() *endpoint.Descriptor { return i.desc }
func (i *tcpImport) Err() error                       { return i.err }

func (i *tcpImport) Sender() Sender {
	if i.err != nil {
		return nil
	}
	return i
}

// Send addresses req to the imported wire. A transport failure, or a remote that no
// longer knows the wire, is reported to listeners as ImportError.
func (i *tcpImport) Send(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	out := *req
	out.WireID = i.desc.ID()
	resp, err := i.call(ctx, &out)
	if err == nil && resp != nil && strings.Contains(resp.Error, server.ErrUnknownWire.Error()) {
		err = fmt.Errorf("%w: %s", ErrUnknownWire, i.desc.ID())
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			i.fail(err)
		}
		return nil, err
	}
	return resp, nil
}

func (i *tcpImport) fail(err error) {
	i.mu.Lock()
	if i.closed || i.reported {
		i.mu.Unlock()
		return
	}
	i.reported = true
	i.mu.Unlock()
	i.admin.log.Warn("import failed", zap.Stringer("endpoint", i.desc), zap.Error(err))
	i.admin.emit(Event{Type: ImportError, Admin: i.admin, Import: i, Err: err})
}

// Close releases the registration. Closing twice is a no-op.
func (i *tcpImport) Close() error {
	if i.admin == nil {
		return nil
	}
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	a := i.admin
	a.mu.Lock()
	delete(a.imports, i)
	a.mu.Unlock()
	a.log.Debug("import closed", zap.Stringer("endpoint", i.desc))
	a.emit(Event{Type: ImportUnregistered, Admin: a, Import: i})
	return nil
}
