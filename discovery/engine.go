// Package discovery synchronises endpoints between this node and a shared directory.
//
// Published endpoints are written under {root}/{zone}/{node}/{id} with a TTL and
// renewed on a timer. Remote endpoints are mirrored out of the directory by a full
// scan followed by a long-poll watch, and reported to listeners as added or removed.
//
//	       AddPublishedEndpoint ──┐                 ┌── scan / watch ──┐
//	                              ▼                 ▼                  │
//	topology ──→ [ queue: publish, unpublish, refresh, reconcile ] ◄───┘
//	                              │
//	                              ▼
//	                   listeners (EndpointAdded/Removed)
//
// Every state change runs on the engine's task queue. The long-poll runs on its own
// goroutine and submits its result to the queue.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mini-wire/directory"
	"mini-wire/endpoint"
	"mini-wire/listener"
	"mini-wire/metrics"
	"mini-wire/taskqueue"
)

const (
	DefaultRoot           = "/mini-wire/endpoints"
	DefaultTTL            = 30 * time.Second
	DefaultRequestTimeout = 5 * time.Second
	DefaultRescanInterval = 2 * time.Second

	// refreshMargin is how long before expiry an entry is renewed.
	refreshMargin = 10 * time.Second
)

var (
	ErrNotStopped = errors.New("discovery: engine not stopped")
	ErrNotRunning = errors.New("discovery: engine not running")
)

// State is the lifecycle state of an Engine.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config describes where this node publishes and what it watches.
type Config struct {
	Root string
	Zone string
	Node string

	TTL             time.Duration
	RefreshInterval time.Duration // defaults to TTL-10s, or TTL/2 for short TTLs
	RequestTimeout  time.Duration
	RescanInterval  time.Duration // minimum spacing of error-driven rescans
}

func (c Config) withDefaults() Config {
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	c.Root = endpoint.NormalizeRoot(c.Root)
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = c.TTL - refreshMargin
		if c.RefreshInterval <= 0 {
			c.RefreshInterval = c.TTL / 2
		}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RescanInterval <= 0 {
		c.RescanInterval = DefaultRescanInterval
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records directory activity on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// run holds what lives for one Start..Stop cycle.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // watch and refresh goroutines
}

// Engine publishes local endpoints and discovers remote ones. The engine does not
// own the directory client; closing it is up to the caller.
type Engine struct {
	cfg     Config
	dir     directory.Client
	log     *zap.Logger
	metrics *metrics.Recorder

	queue      *taskqueue.Queue
	discovered *listener.Registry

	state      atomic.Int32
	current    atomic.Pointer[run]
	watchIndex atomic.Uint64

	mu        sync.RWMutex
	published map[string]*endpoint.Descriptor // written on the queue only

	// queue-owned
	generation    uint64          // bumped by every scan, stale watch results are dropped
	owned         map[string]bool // ids whose directory entry this engine created
	watchCancel   context.CancelFunc
	limiter       *rate.Limiter
	rescanPending bool
	rescanTimer   *time.Timer
}

// New creates a stopped engine.
func New(cfg Config, dir directory.Client, logger *zap.Logger, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	log := logger.Named("discovery").With(zap.String("zone", cfg.Zone), zap.String("node", cfg.Node))
	e := &Engine{
		cfg:       cfg,
		dir:       dir,
		log:       log,
		queue:     taskqueue.New("discovery", log),
		published: make(map[string]*endpoint.Descriptor),
		owned:     make(map[string]bool),
		limiter:   rate.NewLimiter(rate.Every(cfg.RescanInterval), 1),
	}
	e.discovered = listener.New(e, e.queue, log)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) Zone() string { return e.cfg.Zone }
func (e *Engine) Node() string { return e.cfg.Node }

// Start ensures the root directory exists, then scans it, starts watching and writes
// every endpoint already published. A directory that cannot be reached leaves the
// engine stopped.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return ErrNotStopped
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	err := e.dir.CreateDir(rctx, e.cfg.Root)
	cancel()
	e.metrics.DirectoryOp("mkdir", err, directorySentinels)
	if err != nil && !errors.Is(err, directory.ErrKeyExists) {
		e.log.Warn("directory unavailable, engine not started", zap.String("root", e.cfg.Root), zap.Error(err))
		e.state.Store(int32(Stopped))
		return fmt.Errorf("discovery: create root %s: %w", e.cfg.Root, err)
	}

	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{ctx: runCtx, cancel: runCancel}
	e.current.Store(r)
	e.state.Store(int32(Running))

	e.queue.Submit(func() {
		e.scan(r)
		e.renewAll(r.ctx)
	})

	r.wg.Add(1)
	go e.refreshLoop(r)

	e.log.Info("discovery started",
		zap.String("root", e.cfg.Root),
		zap.Duration("ttl", e.cfg.TTL),
		zap.Duration("refresh", e.cfg.RefreshInterval))
	return nil
}

// Stop cancels the watch and the refresh timer, then deletes every published endpoint
// from the directory. It waits for the deletes until ctx is done; entries left behind
// expire with their TTL. Published and discovered sets are kept for a later Start.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return ErrNotRunning
	}
	r := e.current.Load()
	r.cancel()

	result := make(chan error, 1)
	e.queue.Submit(func() {
		e.generation++
		if e.watchCancel != nil {
			e.watchCancel()
			e.watchCancel = nil
		}
		if e.rescanTimer != nil {
			e.rescanTimer.Stop()
			e.rescanTimer = nil
		}
		e.rescanPending = false
		result <- e.unpublishAll(ctx)
	})

	var errs error
	select {
	case err := <-result:
		errs = err
	case <-ctx.Done():
		errs = fmt.Errorf("discovery: stop: %w", ctx.Err())
	}
	r.wg.Wait()

	e.current.Store(nil)
	e.state.Store(int32(Stopped))
	e.log.Info("discovery stopped", zap.Error(errs))
	return errs
}

// Close stops the engine if needed and releases its task queue. The engine cannot be
// restarted afterwards.
func (e *Engine) Close() error {
	var err error
	if e.State() == Running {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		err = e.Stop(ctx)
		cancel()
	}
	e.queue.Stop()
	return err
}

// AddPublishedEndpoint publishes d. Re-adding an identical descriptor is a no-op and a
// changed one is written as an update.
func (e *Engine) AddPublishedEndpoint(d *endpoint.Descriptor) {
	if d == nil {
		return
	}
	e.queue.Submit(func() { e.publish(d) })
}

// RemovePublishedEndpoint stops publishing the endpoint with d's id and deletes its
// directory entry. A failed delete is logged; the entry expires with its TTL.
func (e *Engine) RemovePublishedEndpoint(d *endpoint.Descriptor) {
	if d == nil {
		return
	}
	e.queue.Submit(func() { e.unpublish(d.ID()) })
}

// EndpointAdded lets the engine listen to exported endpoints.
func (e *Engine) EndpointAdded(d *endpoint.Descriptor) { e.AddPublishedEndpoint(d) }

// EndpointRemoved lets the engine listen to exported endpoints.
func (e *Engine) EndpointRemoved(d *endpoint.Descriptor) { e.RemovePublishedEndpoint(d) }

// AddListener registers l for discovered endpoints; it first receives every endpoint
// discovered so far.
func (e *Engine) AddListener(l listener.Listener) { e.discovered.AddListener(l) }

func (e *Engine) RemoveListener(l listener.Listener) { e.discovered.RemoveListener(l) }

// PublishedEndpoints returns a snapshot keyed by id.
func (e *Engine) PublishedEndpoints() map[string]*endpoint.Descriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]*endpoint.Descriptor, len(e.published))
	for id, d := range e.published {
		out[id] = d
	}
	return out
}

// DiscoveredEndpoints returns a snapshot keyed by id.
func (e *Engine) DiscoveredEndpoints() map[string]*endpoint.Descriptor {
	return e.discovered.Endpoints()
}

func (e *Engine) PublishedCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.published)
}

func (e *Engine) DiscoveredCount() int { return e.discovered.Len() }

// WatchIndex returns the last directory index the engine has processed.
func (e *Engine) WatchIndex() uint64 { return e.watchIndex.Load() }

// Sync waits until all work submitted to the engine so far has run, including the
// listener notifications that work queued. It must not be called from a listener.
func (e *Engine) Sync() {
	e.queue.Sync()
	e.queue.Sync()
}

func (e *Engine) refreshLoop(r *run) {
	defer r.wg.Done()
	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			e.queue.Submit(func() {
				if r.ctx.Err() == nil {
					e.renewAll(r.ctx)
				}
			})
		}
	}
}
