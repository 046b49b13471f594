// Package senders publishes the senders of imported endpoints so local components can
// look them up by wire id.
package senders

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"mini-wire/admin"
	"mini-wire/loadbalance"
)

// Handle property keys.
const (
	PropertyZone   = "zone"
	PropertyNode   = "node"
	PropertyWireID = "wireId"
	PropertySecure = "secure"
)

var ErrNoSender = errors.New("senders: no sender for wire")

// Handle is one published sender.
type Handle struct {
	admin.Sender

	id    uint64
	props map[string]string
}

// Properties returns a copy of the handle's properties.
func (h *Handle) Properties() map[string]string {
	return maps.Clone(h.props)
}

func (h *Handle) WireID() string { return h.props[PropertyWireID] }

func (h *Handle) String() string {
	return fmt.Sprintf("sender#%d(%s)", h.id, h.props[PropertyWireID])
}

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	byWire map[string][]*Handle
	rings  map[string]*loadbalance.ConsistentHash[*Handle] // built on first PickByKey, dropped on change

	balancer loadbalance.RoundRobin[*Handle]
}

func NewRegistry() *Registry {
	return &Registry{
		byWire: make(map[string][]*Handle),
		rings:  make(map[string]*loadbalance.ConsistentHash[*Handle]),
	}
}

// Register publishes s under props[PropertyWireID].
func (r *Registry) Register(s admin.Sender, props map[string]string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	h := &Handle{Sender: s, id: r.nextID, props: maps.Clone(props)}
	wire := h.WireID()
	r.byWire[wire] = append(r.byWire[wire], h)
	delete(r.rings, wire)
	return h
}

// Unregister withdraws h. It reports whether h was registered.
func (r *Registry) Unregister(h *Handle) bool {
	if h == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	wire := h.WireID()
	list := r.byWire[wire]
	for i, existing := range list {
		if existing == h {
			delete(r.rings, wire)
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(r.byWire, wire)
			} else {
				r.byWire[wire] = list
			}
			return true
		}
	}
	return false
}

// Lookup returns every handle published for wireID, one per admin that imported it.
func (r *Registry) Lookup(wireID string) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Handle(nil), r.byWire[wireID]...)
}

// Pick returns the handles for wireID in turn.
func (r *Registry) Pick(wireID string) (*Handle, error) {
	h, err := r.balancer.Pick(r.Lookup(wireID))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSender, wireID)
	}
	return h, nil
}

// PickByKey returns the same handle for the same key while the handles of wireID
// stay the same.
func (r *Registry) PickByKey(wireID, key string) (*Handle, error) {
	h, err := r.ring(wireID).PickKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSender, wireID)
	}
	return h, nil
}

// ring returns the cached ring of wireID, building it if the handles changed since.
// A built ring is only read.
func (r *Registry) ring(wireID string) *loadbalance.ConsistentHash[*Handle] {
	r.mu.RLock()
	ring, ok := r.rings[wireID]
	r.mu.RUnlock()
	if ok {
		return ring
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ring, ok := r.rings[wireID]; ok {
		return ring
	}
	ring = loadbalance.NewConsistentHash(loadbalance.DefaultReplicas, func(h *Handle) string {
		return fmt.Sprint(h.id)
	})
	ring.Add(r.byWire[wireID]...)
	if len(r.byWire[wireID]) > 0 {
		r.rings[wireID] = ring
	}
	return ring
}

// Len returns the number of published handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.byWire {
		n += len(list)
	}
	return n
}
