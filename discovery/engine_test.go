package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"mini-wire/directory"
	"mini-wire/endpoint"
)

const (
	root     = "/test/endpoints"
	waitFor  = 2 * time.Second
	waitTick = 5 * time.Millisecond
)

type event struct {
	added bool
	id    string
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) EndpointAdded(d *endpoint.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{true, d.ID()})
}

func (r *recorder) EndpointRemoved(d *endpoint.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{false, d.ID()})
}

func (r *recorder) got() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

// failingWatch turns the next watch into a transport error on demand.
type failingWatch struct {
	*directory.Memory

	mu     sync.Mutex
	paused bool
	fail   chan struct{}
}

func (f *failingWatch) Watch(ctx context.Context, root string, index uint64) ([]*directory.Response, error) {
	f.mu.Lock()
	paused := f.paused
	f.mu.Unlock()
	if !paused {
		return f.Memory.Watch(ctx, root, index)
	}
	select {
	case <-f.fail:
		return nil, errors.New("connection reset by peer")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *failingWatch) breakWatch() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
	close(f.fail)
}

func newEngine(t *testing.T, dir directory.Client, node string, mutate ...func(*Config)) *Engine {
	cfg := Config{Root: root, Zone: "z", Node: node, RescanInterval: 10 * time.Millisecond}
	for _, m := range mutate {
		m(&cfg)
	}
	e := New(cfg, dir, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func startEngine(t *testing.T, e *Engine) {
	require.NoError(t, e.Start(context.Background()))
	e.Sync()
}

func remote(id, node string, props map[string]string) *endpoint.Descriptor {
	return endpoint.NewWithID(id, "z", node, "mini-wire.tcp", props)
}

func putRemote(t *testing.T, mem *directory.Memory, d *endpoint.Descriptor) {
	value, err := endpoint.EncodeValue(d)
	require.NoError(t, err)
	key := endpoint.Key(root, d)
	if _, ok := mem.Value(key); ok {
		require.NoError(t, mem.Put(context.Background(), key, value, 0, true))
		return
	}
	require.NoError(t, mem.Put(context.Background(), key, value, 0, false))
}

func TestPublishIsIdempotentAndUpdatesOnChange(t *testing.T) {
	mem := directory.NewMemory(0)
	e := newEngine(t, mem, "n1")
	startEngine(t, e)

	d := endpoint.New("z", "n1", "mini-wire.tcp", map[string]string{"address": "10.0.0.1:7000"})
	e.AddPublishedEndpoint(d)
	e.Sync()
	key := endpoint.Key(root, d)
	first, ok := mem.Value(key)
	require.True(t, ok)
	index := mem.Index()

	e.AddPublishedEndpoint(d.Clone())
	e.Sync()
	assert.Equal(t, index, mem.Index(), "identical re-add must not write")

	changed := d.Clone()
	changed.Properties["address"] = "10.0.0.2:7000"
	e.AddPublishedEndpoint(changed)
	e.Sync()
	second, ok := mem.Value(key)
	require.True(t, ok)
	assert.NotEqual(t, first, second)
	assert.Contains(t, second, "address=10.0.0.2:7000")
	assert.Len(t, e.PublishedEndpoints(), 1)
}

func TestRemoteEndpointsAreDiscoveredAndForgotten(t *testing.T) {
	mem := directory.NewMemory(0)
	publisher := newEngine(t, mem, "n1")
	watcher := newEngine(t, mem, "n2")
	startEngine(t, publisher)
	startEngine(t, watcher)

	l := &recorder{}
	watcher.AddListener(l)

	d := endpoint.New("z", "n1", "mini-wire.tcp", map[string]string{"address": "a:1", "secure": "yes"})
	publisher.AddPublishedEndpoint(d)
	require.Eventually(t, func() bool { return watcher.DiscoveredCount() == 1 }, waitFor, waitTick)
	watcher.Sync()

	got := watcher.DiscoveredEndpoints()[d.ID()]
	require.NotNil(t, got)
	assert.True(t, got.Equal(d))
	assert.True(t, got.Secure())
	assert.Empty(t, publisher.DiscoveredEndpoints(), "own endpoints are not discovered")

	publisher.RemovePublishedEndpoint(d)
	require.Eventually(t, func() bool { return watcher.DiscoveredCount() == 0 }, waitFor, waitTick)
	watcher.Sync()
	assert.Equal(t, []event{{true, d.ID()}, {false, d.ID()}}, l.got())
}

func TestExpiredEntryIsRemoved(t *testing.T) {
	mem := directory.NewMemory(0)
	watcher := newEngine(t, mem, "n2")
	startEngine(t, watcher)

	d := remote("a", "n1", nil)
	putRemote(t, mem, d)
	require.Eventually(t, func() bool { return watcher.DiscoveredCount() == 1 }, waitFor, waitTick)

	require.True(t, mem.Expire(endpoint.Key(root, d)))
	require.Eventually(t, func() bool { return watcher.DiscoveredCount() == 0 }, waitFor, waitTick)
}

func TestWatchRearmsAfterEveryChangeAndRescanReconciles(t *testing.T) {
	mem := directory.NewMemory(0)
	dir := &failingWatch{Memory: mem, paused: true, fail: make(chan struct{})}

	a := remote("a", "n1", map[string]string{"v": "1"})
	b := remote("b", "n1", map[string]string{"v": "1"})
	c := remote("c", "n1", map[string]string{"v": "1"})
	for _, d := range []*endpoint.Descriptor{a, b, c} {
		putRemote(t, mem, d)
	}

	e := newEngine(t, dir, "n2")
	l := &recorder{}
	e.AddListener(l)
	startEngine(t, e)
	require.Equal(t, 3, e.DiscoveredCount())
	assert.Equal(t, mem.Index(), e.WatchIndex())
	assert.ElementsMatch(t, []event{{true, "a"}, {true, "b"}, {true, "c"}}, l.got())

	// while the watch is stuck: a unchanged, b gone, c modified, d new
	require.NoError(t, mem.Delete(context.Background(), endpoint.Key(root, b)))
	c2 := remote("c", "n1", map[string]string{"v": "2"})
	putRemote(t, mem, c2)
	d := remote("d", "n1", nil)
	putRemote(t, mem, d)

	dir.breakWatch()
	require.Eventually(t, func() bool { return e.WatchIndex() == mem.Index() }, waitFor, waitTick)
	e.Sync()

	after := l.got()[3:]
	assert.ElementsMatch(t, []event{{false, "b"}, {false, "c"}, {true, "c"}, {true, "d"}}, after)
	found := e.DiscoveredEndpoints()
	assert.Len(t, found, 3)
	assert.True(t, found["a"].Equal(a))
	assert.True(t, found["c"].Equal(c2))

	// the watch is live again and follows every change
	for i, id := range []string{"x", "y", "z"} {
		putRemote(t, mem, remote(id, "n3", nil))
		want := mem.Index()
		require.Eventually(t, func() bool { return e.WatchIndex() == want }, waitFor, waitTick, "change %d", i)
	}
	require.NoError(t, mem.Delete(context.Background(), endpoint.Key(root, a)))
	want := mem.Index()
	require.Eventually(t, func() bool { return e.WatchIndex() == want }, waitFor, waitTick)
	e.Sync()
	assert.Equal(t, 5, e.DiscoveredCount())
}

func TestLocalEntriesAreNeverDiscovered(t *testing.T) {
	mem := directory.NewMemory(0)
	e := newEngine(t, mem, "n1")
	startEngine(t, e)

	// same zone and node, written by someone else
	putRemote(t, mem, remote("stray", "n1", nil))
	putRemote(t, mem, remote("other", "n9", nil))
	require.Eventually(t, func() bool { return e.DiscoveredCount() == 1 }, waitFor, waitTick)
	assert.Contains(t, e.DiscoveredEndpoints(), "other")
}

func TestPublishingDiscoveredIDDropsItFromDiscovered(t *testing.T) {
	mem := directory.NewMemory(0)
	e := newEngine(t, mem, "n1")
	startEngine(t, e)

	d := remote("shared", "n9", nil)
	putRemote(t, mem, d)
	require.Eventually(t, func() bool { return e.DiscoveredCount() == 1 }, waitFor, waitTick)

	e.AddPublishedEndpoint(endpoint.NewWithID("shared", "z", "n1", "mini-wire.tcp", nil))
	e.Sync()
	assert.Zero(t, e.DiscoveredCount())
	assert.Len(t, e.PublishedEndpoints(), 1)
}

func TestStopDeletesAndStartRepublishes(t *testing.T) {
	mem := directory.NewMemory(0)
	e := newEngine(t, mem, "n1")
	startEngine(t, e)
	assert.ErrorIs(t, e.Start(context.Background()), ErrNotStopped)

	d := endpoint.New("z", "n1", "mini-wire.tcp", nil)
	e.AddPublishedEndpoint(d)
	e.Sync()
	key := endpoint.Key(root, d)
	_, ok := mem.Value(key)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, Stopped, e.State())
	assert.ErrorIs(t, e.Stop(ctx), ErrNotRunning)
	_, ok = mem.Value(key)
	assert.False(t, ok)
	assert.Len(t, e.PublishedEndpoints(), 1)

	startEngine(t, e)
	_, ok = mem.Value(key)
	assert.True(t, ok)
}

func TestUnreachableDirectoryLeavesEngineStopped(t *testing.T) {
	mem := directory.NewMemory(0)
	require.NoError(t, mem.Close())

	e := newEngine(t, mem, "n1")
	err := e.Start(context.Background())
	require.ErrorIs(t, err, directory.ErrClosed)
	assert.Equal(t, Stopped, e.State())
}

func TestRefreshRecreatesExpiredEntry(t *testing.T) {
	mem := directory.NewMemory(0)
	e := newEngine(t, mem, "n1", func(c *Config) { c.TTL = 400 * time.Millisecond })
	require.Equal(t, 200*time.Millisecond, e.cfg.RefreshInterval)
	startEngine(t, e)

	d := endpoint.New("z", "n1", "mini-wire.tcp", nil)
	e.AddPublishedEndpoint(d)
	e.Sync()
	key := endpoint.Key(root, d)
	require.True(t, mem.Expire(key))

	require.Eventually(t, func() bool {
		_, ok := mem.Value(key)
		return ok
	}, waitFor, waitTick)
}

func TestFirstPublishNeverOverwritesForeignEntry(t *testing.T) {
	mem := directory.NewMemory(0)
	e := newEngine(t, mem, "n1", func(c *Config) { c.TTL = 200 * time.Millisecond })
	startEngine(t, e)

	d := endpoint.New("z", "n1", "mini-wire.tcp", map[string]string{"address": "10.0.0.1:7000"})
	key := endpoint.Key(root, d)
	const foreign = "protocol-name=someone-else"
	require.NoError(t, mem.Put(context.Background(), key, foreign, 0, false))

	e.AddPublishedEndpoint(d)
	e.Sync()
	assert.Len(t, e.PublishedEndpoints(), 1)
	assert.Never(t, func() bool {
		v, _ := mem.Value(key)
		return v != foreign
	}, 5*e.cfg.RefreshInterval, waitTick, "refresh must not update an entry it did not create")

	// withdrawing it leaves the foreign entry alone too
	e.RemovePublishedEndpoint(d)
	e.Sync()
	v, ok := mem.Value(key)
	require.True(t, ok)
	assert.Equal(t, foreign, v)

	// once the key is free the next refresh creates it
	e.AddPublishedEndpoint(d)
	e.Sync()
	require.NoError(t, mem.Delete(context.Background(), key))
	want, err := endpoint.EncodeValue(d)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, _ := mem.Value(key)
		return v == want
	}, waitFor, waitTick)
}

func TestSkippedOwnZoneAndNodeEntryIsLogged(t *testing.T) {
	mem := directory.NewMemory(0)
	stranger := remote("stranger", "n1", nil)
	putRemote(t, mem, stranger)

	core, logs := observer.New(zapcore.DebugLevel)
	e := New(Config{Root: root, Zone: "z", Node: "n1"}, mem, zap.New(core))
	t.Cleanup(func() { _ = e.Close() })
	startEngine(t, e)

	assert.Empty(t, e.DiscoveredEndpoints())
	skipped := logs.FilterMessage("skipping entry of own zone and node").All()
	require.NotEmpty(t, skipped)
	assert.Equal(t, "stranger", skipped[0].ContextMap()["id"])
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Root: "custom/root/"}.withDefaults()
	assert.Equal(t, "/custom/root", cfg.Root)
	assert.Equal(t, DefaultTTL, cfg.TTL)
	assert.Equal(t, 20*time.Second, cfg.RefreshInterval)

	cfg = Config{}.withDefaults()
	assert.Equal(t, DefaultRoot, cfg.Root)
}
