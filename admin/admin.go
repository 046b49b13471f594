// Package admin defines the wiring admin: the transport-level component that turns a
// local receiver into a published endpoint (export) and a remote endpoint into a usable
// sender (import).
//
//	Receiver ──ExportEndpoint──→ ExportRegistration ──Descriptor()──→ discovery
//	Descriptor ──ImportEndpoint──→ ImportRegistration ──Sender()──→ senders registry
//
// Admins report registration changes and transport failures to their listeners as Events.
package admin

import (
	"context"
	"errors"
	"fmt"

	"mini-wire/endpoint"
	"mini-wire/message"
)

var (
	ErrUnsupportedProtocol = errors.New("admin: unsupported protocol")
	ErrNoAddress           = errors.New("admin: endpoint has no address")
	ErrUnknownWire         = errors.New("admin: remote wire unknown")
	ErrClosed              = errors.New("admin: registration closed")
)

// Receiver answers requests addressed to an exported endpoint. It is told the wire id
// of every export made for it and of every export torn down.
type Receiver interface {
	Receive(ctx context.Context, req *message.RPCMessage) *message.RPCMessage
	EndpointAdded(wireID string)
	EndpointRemoved(wireID string)
}

// Sender delivers requests to one imported endpoint. Errors are transport failures;
// receiver failures come back in the response.
type Sender interface {
	Send(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)
}

// ExportRegistration is one live export of a receiver on one admin.
type ExportRegistration interface {
	Descriptor() *endpoint.Descriptor // nil when Err is set
	Err() error
	Close() error
}

// ImportRegistration is one live import of a remote endpoint on one admin.
type ImportRegistration interface {
	Descriptor() *endpoint.Descriptor
	Sender() Sender // nil when Err is set
	Err() error
	Close() error
}

// Admin creates registrations. A failed export or import is returned as a registration
// carrying the error, never as nil.
type Admin interface {
	Name() string
	ExportEndpoint(r Receiver) ExportRegistration
	ImportEndpoint(d *endpoint.Descriptor) ImportRegistration
	AddListener(l Listener)
	RemoveListener(l Listener)
}

type EventType int

const (
	ExportRegistered EventType = iota
	ExportUnregistered
	ExportError
	ExportUpdate
	ImportRegistered
	ImportUnregistered
	ImportError
	ImportUpdate
)

var eventNames = [...]string{
	ExportRegistered:   "export_registered",
	ExportUnregistered: "export_unregistered",
	ExportError:        "export_error",
	ExportUpdate:       "export_update",
	ImportRegistered:   "import_registered",
	ImportUnregistered: "import_unregistered",
	ImportError:        "import_error",
	ImportUpdate:       "import_update",
}

func (t EventType) String() string {
	if t >= 0 && int(t) < len(eventNames) {
		return eventNames[t]
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is reported by an admin. Export is set for export events and Import for import
// events.
type Event struct {
	Type   EventType
	Admin  Admin
	Export ExportRegistration
	Import ImportRegistration
	Err    error
}

// Listener observes admin events. Callbacks may run on any goroutine and must not block.
type Listener interface {
	AdminEvent(ev Event)
}
