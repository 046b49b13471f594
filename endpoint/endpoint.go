// Package endpoint defines the descriptor of one wiring endpoint and its directory encoding.
//
// A descriptor is identified by its id alone. Zone, node, protocol name and properties
// may be replaced without changing identity, so maps must always be keyed by ID().
package endpoint

import (
	"maps"
	"sync"

	"github.com/google/uuid"
)

// Well-known property keys.
const (
	PropertyAddress = "address"
	PropertySecure  = "secure"
)

// Descriptor is the identity and address of one wiring endpoint.
type Descriptor struct {
	Zone         string
	Node         string
	ProtocolName string
	Properties   map[string]string

	idOnce sync.Once
	id     string
}

// New creates a descriptor whose id is generated on first access.
func New(zone, node, protocolName string, props map[string]string) *Descriptor {
	return &Descriptor{
		Zone:         zone,
		Node:         node,
		ProtocolName: protocolName,
		Properties:   copyProps(props),
	}
}

// NewWithID creates a descriptor with an explicit id, e.g. one decoded from a directory path.
func NewWithID(id, zone, node, protocolName string, props map[string]string) *Descriptor {
	d := New(zone, node, protocolName, props)
	d.id = id
	return d
}

// ID returns the endpoint id, generating a random one the first time it is needed.
func (d *Descriptor) ID() string {
	d.idOnce.Do(func() {
		if d.id == "" {
			d.id = uuid.NewString()
		}
	})
	return d.id
}

// Property returns the value of a property or "" when absent.
func (d *Descriptor) Property(key string) string {
	return d.Properties[key]
}

// Secure reports whether the endpoint advertises a secured transport.
func (d *Descriptor) Secure() bool {
	return d.Properties[PropertySecure] == "yes"
}

// Equal compares every field, including the id. It is meant for modification
// detection only; identity checks compare ID() instead.
func (d *Descriptor) Equal(o *Descriptor) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.ID() == o.ID() &&
		d.Zone == o.Zone &&
		d.Node == o.Node &&
		d.ProtocolName == o.ProtocolName &&
		maps.Equal(d.Properties, o.Properties)
}

// Clone returns a deep copy sharing the same id.
func (d *Descriptor) Clone() *Descriptor {
	return NewWithID(d.ID(), d.Zone, d.Node, d.ProtocolName, d.Properties)
}

func (d *Descriptor) String() string {
	return d.Zone + "/" + d.Node + "/" + d.ID()
}

func copyProps(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	maps.Copy(out, props)
	return out
}
