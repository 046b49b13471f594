package discovery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-wire/directory"
	"mini-wire/endpoint"
	"mini-wire/metrics"
)

var directorySentinels = map[error]string{
	directory.ErrKeyExists:   metrics.ResultExists,
	directory.ErrKeyNotFound: metrics.ResultNotFound,
}

// scan reads the whole root, reconciles the discovered set against it and re-arms the
// watch right after the index of the read. Runs on the queue.
func (e *Engine) scan(r *run) {
	e.generation++
	if e.watchCancel != nil {
		e.watchCancel()
		e.watchCancel = nil
	}
	e.metrics.Rescan()

	ctx, cancel := context.WithTimeout(r.ctx, e.cfg.RequestTimeout)
	resp, err := e.dir.Get(ctx, e.cfg.Root)
	cancel()
	e.metrics.DirectoryOp("get", err, directorySentinels)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		e.log.Warn("directory scan failed", zap.String("root", e.cfg.Root), zap.Error(err))
		e.scheduleRescan(r)
		return
	}

	index := directory.ResponseIndex(resp)
	snapshot := make(map[string]*endpoint.Descriptor)
	for _, n := range directory.Leaves(resp.Node) {
		d, err := endpoint.Decode(e.cfg.Root, n.Key, n.Value)
		if err != nil {
			e.log.Debug("skipping directory entry", zap.String("key", n.Key), zap.Error(err))
			continue
		}
		if e.isLocal(d) {
			continue
		}
		snapshot[d.ID()] = d
	}
	e.reconcile(snapshot)

	e.watchIndex.Store(index)
	e.log.Debug("directory scanned", zap.Uint64("index", index), zap.Int("endpoints", len(snapshot)))
	e.armWatch(r, index+1)
}

// reconcile makes the discovered set equal to snapshot, diffing by id.
func (e *Engine) reconcile(snapshot map[string]*endpoint.Descriptor) {
	current := e.discovered.Endpoints()
	for id, old := range current {
		if _, ok := snapshot[id]; !ok {
			e.forget(old)
		}
	}
	for _, d := range snapshot {
		e.upsert(d)
	}
}

func (e *Engine) upsert(d *endpoint.Descriptor) {
	old := e.discovered.Endpoint(d.ID())
	var err error
	switch {
	case old == nil:
		err = e.discovered.AddEndpoint(d)
		e.log.Debug("endpoint discovered", zap.Stringer("endpoint", d))
	case !old.Equal(d):
		err = e.discovered.ModifyEndpoint(d)
		e.log.Debug("endpoint modified", zap.Stringer("endpoint", d))
	}
	if err != nil {
		e.log.Error("discovered set out of sync", zap.String("id", d.ID()), zap.Error(err))
	}
}

func (e *Engine) forget(d *endpoint.Descriptor) {
	if err := e.discovered.RemoveEndpoint(d); err != nil {
		e.log.Error("discovered set out of sync", zap.String("id", d.ID()), zap.Error(err))
		return
	}
	e.log.Debug("endpoint gone", zap.Stringer("endpoint", d))
}

// isLocal reports whether d was published by this node. Local endpoints are never
// entered into the discovered set.
func (e *Engine) isLocal(d *endpoint.Descriptor) bool {
	e.mu.RLock()
	_, published := e.published[d.ID()]
	e.mu.RUnlock()
	if published {
		return true
	}
	if d.Zone == e.cfg.Zone && d.Node == e.cfg.Node {
		// another process configured with the same zone and node, or a leftover of ours
		e.log.Debug("skipping entry of own zone and node", zap.String("id", d.ID()))
		return true
	}
	return false
}

// armWatch starts a long-poll from index on its own goroutine. Its outcome comes back
// through the queue tagged with the generation that armed it. Runs on the queue.
func (e *Engine) armWatch(r *run, index uint64) {
	if r.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	e.watchCancel = cancel
	gen := e.generation

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		changes, err := e.dir.Watch(ctx, e.cfg.Root, index)
		if ctx.Err() != nil {
			return
		}
		e.queue.Submit(func() { e.handleWatch(r, gen, index, changes, err) })
	}()
}

// handleWatch applies one watch result and re-arms from the highest index seen + 1.
// The re-arm is deferred so a failing change cannot stall the watch.
func (e *Engine) handleWatch(r *run, gen, from uint64, changes []*directory.Response, err error) {
	if gen != e.generation || r.ctx.Err() != nil {
		return
	}
	if err != nil {
		e.metrics.WatchError()
		e.log.Warn("directory watch failed, rescanning", zap.Uint64("index", from), zap.Error(err))
		e.scheduleRescan(r)
		return
	}

	next := from
	for _, c := range changes {
		idx := c.Index
		if c.Node != nil && c.Node.ModifiedIndex != 0 {
			idx = c.Node.ModifiedIndex
		}
		if idx+1 > next {
			next = idx + 1
		}
	}
	defer func() {
		e.watchIndex.Store(next - 1)
		e.armWatch(r, next)
	}()

	for _, c := range changes {
		e.applyChange(c)
	}
}

func (e *Engine) applyChange(c *directory.Response) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("watch change handling failed", zap.String("action", c.Action), zap.Any("panic", p))
		}
	}()
	if c.Node == nil || c.Node.Dir {
		return
	}

	switch {
	case directory.IsRemoval(c.Action):
		// the value is gone, the path alone names the endpoint
		_, _, id, err := endpoint.ParseKey(e.cfg.Root, c.Node.Key)
		if err != nil {
			return
		}
		if d := e.discovered.Endpoint(id); d != nil {
			e.forget(d)
		}
	case c.Action == directory.ActionSet, c.Action == directory.ActionCreate,
		c.Action == directory.ActionUpdate, c.Action == directory.ActionCompareAndSwap:
		d, err := endpoint.Decode(e.cfg.Root, c.Node.Key, c.Node.Value)
		if err != nil {
			e.log.Debug("skipping directory change", zap.String("key", c.Node.Key), zap.Error(err))
			return
		}
		if e.isLocal(d) {
			return
		}
		e.upsert(d)
	default:
		e.log.Debug("ignoring directory action", zap.String("action", c.Action), zap.String("key", c.Node.Key))
	}
}

// scheduleRescan queues one full scan, spaced by the rescan limiter. Runs on the queue.
func (e *Engine) scheduleRescan(r *run) {
	if e.rescanPending {
		return
	}
	e.rescanPending = true
	if e.watchCancel != nil {
		e.watchCancel()
		e.watchCancel = nil
	}
	delay := e.limiter.Reserve().Delay()
	e.rescanTimer = time.AfterFunc(delay, func() {
		e.queue.Submit(func() {
			if r.ctx.Err() != nil {
				return
			}
			e.rescanPending = false
			e.rescanTimer = nil
			e.scan(r)
		})
	})
}

// publish runs on the queue.
func (e *Engine) publish(d *endpoint.Descriptor) {
	id := d.ID()
	e.mu.Lock()
	old, known := e.published[id]
	if known && old.Equal(d) {
		e.mu.Unlock()
		return
	}
	e.published[id] = d
	e.mu.Unlock()

	if seen := e.discovered.Endpoint(id); seen != nil {
		e.forget(seen)
	}

	r := e.current.Load()
	if r == nil || r.ctx.Err() != nil {
		return // written by the next Start
	}
	if known && e.owned[id] {
		e.log.Info("updating published endpoint", zap.Stringer("endpoint", d))
		e.renew(r.ctx, d)
		return
	}
	e.log.Info("publishing endpoint", zap.Stringer("endpoint", d))
	e.create(r.ctx, d)
}

// create writes a new entry for d. A key already present belongs to someone else and
// is never overwritten: d stays published and the create is retried on every refresh.
// Runs on the queue.
func (e *Engine) create(ctx context.Context, d *endpoint.Descriptor) {
	err := e.put(ctx, d, false)
	switch {
	case err == nil:
		e.owned[d.ID()] = true
	case errors.Is(err, directory.ErrKeyExists):
		e.log.Error("endpoint already present in directory, not overwriting", zap.Stringer("endpoint", d))
	case ctx.Err() == nil:
		e.log.Warn("publish failed, retrying on next refresh", zap.Stringer("endpoint", d), zap.Error(err))
	}
}

// unpublish runs on the queue.
func (e *Engine) unpublish(id string) {
	e.mu.Lock()
	d, ok := e.published[id]
	delete(e.published, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.log.Info("unpublishing endpoint", zap.Stringer("endpoint", d))

	owned := e.owned[id]
	delete(e.owned, id)
	r := e.current.Load()
	if !owned || r == nil || r.ctx.Err() != nil {
		return
	}
	if err := e.delete(r.ctx, d); err != nil && !errors.Is(err, directory.ErrKeyNotFound) {
		e.log.Warn("unpublish failed, entry left to expire", zap.Stringer("endpoint", d), zap.Error(err))
	}
}

// renewAll re-writes every published endpoint to extend its TTL. Runs on the queue.
func (e *Engine) renewAll(ctx context.Context) {
	for _, d := range e.PublishedEndpoints() {
		e.renew(ctx, d)
	}
}

// renew updates the entry of d and recreates it if it expired in the meantime. Entries
// this engine did not create are only ever created, never updated.
func (e *Engine) renew(ctx context.Context, d *endpoint.Descriptor) {
	if !e.owned[d.ID()] {
		e.create(ctx, d)
		return
	}
	err := e.put(ctx, d, true)
	if errors.Is(err, directory.ErrKeyNotFound) {
		e.log.Info("published entry missing, recreating", zap.Stringer("endpoint", d))
		delete(e.owned, d.ID())
		e.create(ctx, d)
		return
	}
	if err != nil && ctx.Err() == nil {
		e.log.Warn("renewal failed, retrying on next refresh", zap.Stringer("endpoint", d), zap.Error(err))
	}
}

// unpublishAll deletes every entry this engine created, keeping the published set. Runs on the queue.
func (e *Engine) unpublishAll(ctx context.Context) error {
	var errs error
	for id, d := range e.PublishedEndpoints() {
		if !e.owned[id] {
			continue
		}
		if err := e.delete(ctx, d); err != nil && !errors.Is(err, directory.ErrKeyNotFound) {
			e.log.Warn("delete on shutdown failed, entry left to expire", zap.Stringer("endpoint", d), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		delete(e.owned, id)
	}
	return errs
}

func (e *Engine) put(ctx context.Context, d *endpoint.Descriptor, prevExist bool) error {
	value, err := endpoint.EncodeValue(d)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	err = e.dir.Put(ctx, endpoint.Key(e.cfg.Root, d), value, e.cfg.TTL, prevExist)
	op := "create"
	if prevExist {
		op = "update"
	}
	e.metrics.DirectoryOp(op, err, directorySentinels)
	return err
}

func (e *Engine) delete(ctx context.Context, d *endpoint.Descriptor) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	err := e.dir.Delete(ctx, endpoint.Key(e.cfg.Root, d))
	e.metrics.DirectoryOp("delete", err, directorySentinels)
	return err
}
