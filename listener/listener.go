// Package listener keeps a set of endpoints and lets listeners observe it consistently.
//
// Listeners may attach after endpoints already exist: a newly added listener first
// receives "added" for every endpoint already delivered, then live events. All fan-out
// runs on the owner's task queue, so a listener never sees events out of order and
// never sees an endpoint twice.
package listener

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mini-wire/endpoint"
	"mini-wire/taskqueue"
)

var (
	ErrDuplicateEndpoint = errors.New("listener: endpoint already known")
	ErrUnknownEndpoint   = errors.New("listener: endpoint not known")
)

// Listener observes endpoints appearing and disappearing.
type Listener interface {
	EndpointAdded(d *endpoint.Descriptor)
	EndpointRemoved(d *endpoint.Descriptor)
}

// Registry is the authoritative endpoint set of one component plus its listeners.
type Registry struct {
	self  Listener
	queue *taskqueue.Queue
	log   *zap.Logger

	mu        sync.RWMutex
	endpoints map[string]*endpoint.Descriptor

	// queue-owned
	delivered map[string]*endpoint.Descriptor
	listeners []Listener
}

// New creates a registry owned by self. Events are fanned out on queue; self is never
// registered as its own listener.
func New(self Listener, queue *taskqueue.Queue, logger *zap.Logger) *Registry {
	return &Registry{
		self:      self,
		queue:     queue,
		log:       logger,
		endpoints: make(map[string]*endpoint.Descriptor),
		delivered: make(map[string]*endpoint.Descriptor),
	}
}

// AddListener replays every known endpoint to l, then registers it for live events.
func (r *Registry) AddListener(l Listener) {
	if l == nil || l == r.self {
		return
	}
	r.queue.Submit(func() {
		for _, existing := range r.listeners {
			if existing == l {
				return
			}
		}
		for _, d := range r.delivered {
			r.notify(l, d, true)
		}
		r.listeners = append(r.listeners, l)
	})
}

// RemoveListener drops l. No removal events are replayed to it.
func (r *Registry) RemoveListener(l Listener) {
	r.queue.Submit(func() {
		for i, existing := range r.listeners {
			if existing == l {
				r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
				return
			}
		}
	})
}

// AddEndpoint inserts d and fans out "added". Adding a known id is a caller bug.
func (r *Registry) AddEndpoint(d *endpoint.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := d.ID()
	if _, ok := r.endpoints[id]; ok {
		r.log.Error("duplicate endpoint add", zap.String("id", id))
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, id)
	}
	r.endpoints[id] = d
	r.queue.Submit(func() {
		r.delivered[id] = d
		r.fanOut(d, true)
	})
	return nil
}

// RemoveEndpoint deletes the endpoint with d's id and fans out "removed" carrying the
// stored descriptor. Removing an unknown id is a caller bug.
func (r *Registry) RemoveEndpoint(d *endpoint.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := d.ID()
	old, ok := r.endpoints[id]
	if !ok {
		r.log.Error("unknown endpoint remove", zap.String("id", id))
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	delete(r.endpoints, id)
	r.queue.Submit(func() {
		delete(r.delivered, id)
		r.fanOut(old, false)
	})
	return nil
}

// ModifyEndpoint replaces the endpoint with d's id. Listeners see "removed" for the
// old content followed by "added" for the new one.
func (r *Registry) ModifyEndpoint(d *endpoint.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := d.ID()
	old, ok := r.endpoints[id]
	if !ok {
		r.log.Error("unknown endpoint modify", zap.String("id", id))
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	r.endpoints[id] = d
	r.queue.Submit(func() {
		r.delivered[id] = d
		r.fanOut(old, false)
		r.fanOut(d, true)
	})
	return nil
}

// Endpoint returns the endpoint with the given id, or nil.
func (r *Registry) Endpoint(id string) *endpoint.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[id]
}

// Endpoints returns a snapshot of the set keyed by id.
func (r *Registry) Endpoints() map[string]*endpoint.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*endpoint.Descriptor, len(r.endpoints))
	for id, d := range r.endpoints {
		out[id] = d
	}
	return out
}

// Len returns the number of endpoints in the set.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

func (r *Registry) fanOut(d *endpoint.Descriptor, added bool) {
	for _, l := range r.listeners {
		r.notify(l, d, added)
	}
}

// notify isolates listener failures from each other.
func (r *Registry) notify(l Listener, d *endpoint.Descriptor, added bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("endpoint listener failed",
				zap.String("id", d.ID()),
				zap.Bool("added", added),
				zap.Any("panic", p))
		}
	}()
	if added {
		l.EndpointAdded(d)
	} else {
		l.EndpointRemoved(d)
	}
}
