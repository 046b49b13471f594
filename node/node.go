// Package node composes one wire node: a directory client, a TCP admin, the discovery
// engine, the topology manager and the sender registry.
//
//	Export(receiver) → topology ─exports→ admin ─descriptor→ topology ─publish→ engine → directory
//	directory → engine ─discovered→ topology ─imports→ admin ─sender→ senders registry
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-wire/admin"
	"mini-wire/config"
	"mini-wire/directory"
	"mini-wire/discovery"
	"mini-wire/metrics"
	"mini-wire/middleware"
	"mini-wire/senders"
	"mini-wire/topology"
)

// Option configures a Node.
type Option func(*Node)

// WithDirectory uses dir instead of the configured backend. The node does not close it.
func WithDirectory(dir directory.Client) Option {
	return func(n *Node) { n.dir = dir }
}

type Node struct {
	cfg config.Config
	log *zap.Logger

	dir    directory.Client
	ownDir bool

	registry *prometheus.Registry
	metrics  *metrics.Recorder

	admin    *admin.TCP
	engine   *discovery.Engine
	topology *topology.Manager
	senders  *senders.Registry

	metricsSrv  *http.Server
	metricsAddr net.Addr
	echo        *Echo
}

// New builds a stopped node.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*Node, error) {
	n := &Node{
		cfg:      cfg,
		log:      logger.With(zap.String("zone", cfg.Zone), zap.String("node", cfg.Node)),
		registry: prometheus.NewRegistry(),
		senders:  senders.NewRegistry(),
	}
	for _, opt := range opts {
		opt(n)
	}

	rec, err := metrics.NewRecorder(n.registry)
	if err != nil {
		return nil, err
	}
	n.metrics = rec
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if n.dir == nil {
		if n.dir, err = openDirectory(cfg, n.log); err != nil {
			return nil, err
		}
		n.ownDir = true
	}

	serverTLS, err := cfg.ServerTLS()
	if err != nil {
		return nil, err
	}
	clientTLS, err := cfg.ClientTLS()
	if err != nil {
		return nil, err
	}
	var mws []middleware.Middleware
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.RequestTimeout > 0 {
		mws = append(mws, middleware.Timeout(cfg.RequestTimeout))
	}
	n.admin = admin.NewTCP(admin.TCPConfig{
		Zone:          cfg.Zone,
		Node:          cfg.Node,
		ListenAddr:    cfg.ListenAddr,
		AdvertiseAddr: cfg.AdvertiseAddr,
		ServerTLS:     serverTLS,
		ClientTLS:     clientTLS,
		Retries:       cfg.Retries,
		Middlewares:   mws,
	}, n.log, admin.WithMetrics(rec))

	n.engine = discovery.New(discovery.Config{
		Root:           cfg.Root,
		Zone:           cfg.Zone,
		Node:           cfg.Node,
		TTL:            cfg.TTL,
		RequestTimeout: cfg.RequestTimeout,
		RescanInterval: cfg.RescanInterval,
	}, n.dir, n.log, discovery.WithMetrics(rec))
	n.registry.MustRegister(metrics.NewEndpointCollector(n.engine))

	n.topology = topology.New(n.senders, n.log, topology.WithMetrics(rec))
	return n, nil
}

func openDirectory(cfg config.Config, logger *zap.Logger) (directory.Client, error) {
	switch cfg.Backend {
	case config.BackendEtcd:
		e, err := directory.NewEtcd(cfg.EtcdEndpoints, cfg.DialTimeout, nil, logger)
		if err != nil {
			return nil, err
		}
		return e, nil
	case config.BackendConsul:
		c, err := directory.NewConsul(cfg.ConsulAddr, "", logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendMemory:
		return directory.NewMemory(0), nil
	}
	return nil, fmt.Errorf("node: unknown backend %q", cfg.Backend)
}

// Start serves the admin, wires topology and discovery together and starts discovery.
// An unreachable directory is logged and leaves discovery stopped; the node still serves.
func (n *Node) Start(ctx context.Context) error {
	if err := n.admin.Start(); err != nil {
		return err
	}
	n.topology.AddListener(n.engine)
	n.engine.AddListener(n.topology)
	n.topology.AddAdmin(n.admin)

	if err := n.engine.Start(ctx); err != nil {
		n.log.Warn("discovery unavailable", zap.Error(err))
	}
	if n.cfg.MetricsAddr != "" {
		if err := n.serveMetrics(); err != nil {
			return err
		}
	}
	if n.cfg.Echo {
		n.echo = NewEcho()
		n.Export(n.echo)
	}
	n.log.Info("node started", zap.String("address", n.admin.Address()))
	return nil
}

// Stop tears down in reverse: exports and imports, discovery (deleting published
// entries), the admin, the metrics server and an owned directory client.
func (n *Node) Stop(ctx context.Context) error {
	n.topology.Close()

	var errs error
	if n.engine.State() == discovery.Running {
		errs = multierr.Append(errs, n.engine.Stop(ctx))
	}
	errs = multierr.Append(errs, n.engine.Close())
	errs = multierr.Append(errs, n.admin.Stop(ctx))
	if n.metricsSrv != nil {
		errs = multierr.Append(errs, n.metricsSrv.Shutdown(ctx))
	}
	if n.ownDir {
		errs = multierr.Append(errs, n.dir.Close())
	}
	n.log.Info("node stopped", zap.Error(errs))
	return errs
}

// Export wires r on every admin and publishes the resulting endpoints.
func (n *Node) Export(r admin.Receiver) { n.topology.AddReceiver(r) }

// Unexport withdraws every endpoint of r.
func (n *Node) Unexport(r admin.Receiver) { n.topology.RemoveReceiver(r) }

// Sender returns a sender for the imported wire, rotating among admins.
func (n *Node) Sender(wireID string) (*senders.Handle, error) {
	return n.senders.Pick(wireID)
}

func (n *Node) Senders() *senders.Registry     { return n.senders }
func (n *Node) Engine() *discovery.Engine      { return n.engine }
func (n *Node) Topology() *topology.Manager    { return n.topology }
func (n *Node) Admin() *admin.TCP              { return n.admin }
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// EchoReceiver returns the receiver exported by the echo flag, or nil.
func (n *Node) EchoReceiver() *Echo { return n.echo }

// MetricsAddr returns the bound metrics address, or nil when not serving.
func (n *Node) MetricsAddr() net.Addr { return n.metricsAddr }

func (n *Node) serveMetrics() error {
	l, err := net.Listen("tcp", n.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("node: metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	n.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	n.metricsAddr = l.Addr()
	go func() {
		if err := n.metricsSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("metrics server failed", zap.Error(err))
		}
	}()
	n.log.Info("serving metrics", zap.String("addr", l.Addr().String()))
	return nil
}
