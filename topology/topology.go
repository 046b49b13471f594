// Package topology applies the promiscuous wiring policy: every local receiver is
// exported on every admin and every discovered endpoint is imported on every admin.
//
//	receivers × admins ──→ exports  ──→ exported endpoints ──→ discovery (publish)
//	discovered × admins ──→ imports ──→ sender handles
//
// All bookkeeping lives on the manager's task queue; callbacks from admins, discovery
// and the lifecycle may arrive on any goroutine and are only ever submitted.
package topology

import (
	"go.uber.org/zap"

	"mini-wire/admin"
	"mini-wire/endpoint"
	"mini-wire/listener"
	"mini-wire/metrics"
	"mini-wire/senders"
	"mini-wire/taskqueue"
)

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records admin events on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// Snapshot counts the manager's bookkeeping at one point of its queue.
type Snapshot struct {
	Admins     int
	Receivers  int
	Importable int
	Exports    int // live export registrations
	Imports    int // live import registrations
	Senders    int // sender handles held for imports
}

// Manager keeps the cross products of receivers × admins and endpoints × admins
// populated with exactly one registration each. Receivers and admins are compared by
// identity and must be comparable (pointers in practice).
type Manager struct {
	log     *zap.Logger
	metrics *metrics.Recorder
	senders *senders.Registry

	queue    *taskqueue.Queue
	exported *listener.Registry // descriptors of live exports

	// queue-owned
	admins     []admin.Admin
	receivers  []admin.Receiver
	importable map[string]*endpoint.Descriptor                             // discovered endpoints by id
	exports    map[admin.Receiver]map[admin.Admin]admin.ExportRegistration // one per (receiver, admin)
	imports    map[string]map[admin.Admin]admin.ImportRegistration         // one per (endpoint id, admin)
	handles    map[admin.ImportRegistration]*senders.Handle                // one per live import
}

// New creates a manager publishing sender handles into reg.
func New(reg *senders.Registry, logger *zap.Logger, opts ...Option) *Manager {
	log := logger.Named("topology")
	m := &Manager{
		log:        log,
		senders:    reg,
		queue:      taskqueue.New("topology", log),
		importable: make(map[string]*endpoint.Descriptor),
		exports:    make(map[admin.Receiver]map[admin.Admin]admin.ExportRegistration),
		imports:    make(map[string]map[admin.Admin]admin.ImportRegistration),
		handles:    make(map[admin.ImportRegistration]*senders.Handle),
	}
	m.exported = listener.New(m, m.queue, log)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddAdmin exports every known receiver and imports every known endpoint on a.
func (m *Manager) AddAdmin(a admin.Admin) {
	m.queue.Submit(func() {
		if indexOf(m.admins, a) >= 0 {
			return
		}
		m.admins = append(m.admins, a)
		a.AddListener(m)
		m.log.Info("admin added", zap.String("admin", a.Name()))
		for _, r := range m.receivers {
			m.export(r, a)
		}
		for _, d := range m.importable {
			m.importOn(d, a)
		}
	})
}

// RemoveAdmin tears down every registration a holds.
func (m *Manager) RemoveAdmin(a admin.Admin) {
	m.queue.Submit(func() {
		i := indexOf(m.admins, a)
		if i < 0 {
			return
		}
		m.admins = append(m.admins[:i], m.admins[i+1:]...)
		a.RemoveListener(m)
		m.log.Info("admin removed", zap.String("admin", a.Name()))
		m.dropAdmin(a)
	})
}

// AddReceiver exports r on every known admin.
func (m *Manager) AddReceiver(r admin.Receiver) {
	m.queue.Submit(func() {
		if indexOf(m.receivers, r) >= 0 {
			return
		}
		m.receivers = append(m.receivers, r)
		for _, a := range m.admins {
			m.export(r, a)
		}
	})
}

// RemoveReceiver closes every export of r.
func (m *Manager) RemoveReceiver(r admin.Receiver) {
	m.queue.Submit(func() {
		i := indexOf(m.receivers, r)
		if i < 0 {
			return
		}
		m.receivers = append(m.receivers[:i], m.receivers[i+1:]...)
		for a, reg := range m.exports[r] {
			m.unexport(r, a, reg)
		}
		delete(m.exports, r)
	})
}

// EndpointAdded imports a discovered endpoint on every known admin. A known id with
// changed content is re-imported.
func (m *Manager) EndpointAdded(d *endpoint.Descriptor) {
	m.queue.Submit(func() {
		id := d.ID()
		if old, ok := m.importable[id]; ok {
			if old.Equal(d) {
				return
			}
			m.forget(id)
		}
		m.importable[id] = d
		for _, a := range m.admins {
			m.importOn(d, a)
		}
	})
}

// EndpointRemoved closes every import of the endpoint.
func (m *Manager) EndpointRemoved(d *endpoint.Descriptor) {
	m.queue.Submit(func() { m.forget(d.ID()) })
}

// AdminEvent tears down the registration an error event names. Other events are
// informational.
func (m *Manager) AdminEvent(ev admin.Event) {
	m.metrics.AdminEvent(ev.Type.String())
	switch ev.Type {
	case admin.ExportError, admin.ImportError:
	default:
		m.log.Debug("admin event", zap.Stringer("type", ev.Type))
		return
	}
	m.queue.Submit(func() {
		if ev.Type == admin.ExportError {
			m.exportFailed(ev)
		} else {
			m.importFailed(ev)
		}
	})
}

// AddListener registers l for exported endpoints; it first receives every live one.
func (m *Manager) AddListener(l listener.Listener) { m.exported.AddListener(l) }

func (m *Manager) RemoveListener(l listener.Listener) { m.exported.RemoveListener(l) }

// ExportedEndpoints returns the descriptors of live exports keyed by id.
func (m *Manager) ExportedEndpoints() map[string]*endpoint.Descriptor {
	return m.exported.Endpoints()
}

// Snapshot returns the bookkeeping counts once all work submitted so far has run.
func (m *Manager) Snapshot() Snapshot {
	out := make(chan Snapshot, 1)
	if !m.queue.Submit(func() {
		s := Snapshot{
			Admins:     len(m.admins),
			Receivers:  len(m.receivers),
			Importable: len(m.importable),
			Senders:    len(m.handles),
		}
		for _, regs := range m.exports {
			s.Exports += len(regs)
		}
		for _, regs := range m.imports {
			s.Imports += len(regs)
		}
		out <- s
	}) {
		return Snapshot{}
	}
	return <-out
}

// Sync waits until all work submitted so far has run, including listener fan-out.
func (m *Manager) Sync() {
	m.queue.Sync()
	m.queue.Sync()
}

// Close tears down every registration and stops the queue. Listeners of exported
// endpoints see "removed" for every live export before Close returns.
func (m *Manager) Close() {
	m.queue.Submit(func() {
		for _, a := range m.admins {
			a.RemoveListener(m)
			m.dropAdmin(a)
		}
		m.admins = nil
	})
	// the teardown submits its fan-out to this queue; let it land before stopping
	m.Sync()
	m.queue.Stop()
}

func (m *Manager) dropAdmin(a admin.Admin) {
	for r, regs := range m.exports {
		if reg, ok := regs[a]; ok {
			m.unexport(r, a, reg)
		}
	}
	for id, regs := range m.imports {
		if reg, ok := regs[a]; ok {
			m.unimport(id, a, reg)
		}
	}
}

func (m *Manager) forget(id string) {
	delete(m.importable, id)
	for a, reg := range m.imports[id] {
		m.unimport(id, a, reg)
	}
}

// export creates the registration of (r, a) unless it exists.
func (m *Manager) export(r admin.Receiver, a admin.Admin) {
	if _, ok := m.exports[r][a]; ok {
		return
	}
	reg := a.ExportEndpoint(r)
	if reg == nil || reg.Err() != nil {
		m.log.Warn("export failed", zap.String("admin", a.Name()), zap.Error(regErr(reg)))
		closeQuietly(reg)
		return
	}
	if m.exports[r] == nil {
		m.exports[r] = make(map[admin.Admin]admin.ExportRegistration)
	}
	m.exports[r][a] = reg
	d := reg.Descriptor()
	if err := m.exported.AddEndpoint(d); err != nil {
		m.log.Error("exported endpoint already known", zap.Stringer("endpoint", d), zap.Error(err))
	}
	m.log.Info("receiver exported", zap.String("admin", a.Name()), zap.Stringer("endpoint", d))
	m.notifyReceiver(r, d.ID(), true)
}

// unexport withdraws the endpoint and tells the receiver before closing.
func (m *Manager) unexport(r admin.Receiver, a admin.Admin, reg admin.ExportRegistration) {
	delete(m.exports[r], a)
	if len(m.exports[r]) == 0 {
		delete(m.exports, r)
	}
	d := reg.Descriptor()
	if err := m.exported.RemoveEndpoint(d); err != nil {
		m.log.Error("exported endpoint not known", zap.Stringer("endpoint", d), zap.Error(err))
	}
	m.notifyReceiver(r, d.ID(), false)
	if err := reg.Close(); err != nil {
		m.log.Warn("closing export failed", zap.Stringer("endpoint", d), zap.Error(err))
	}
	m.log.Info("receiver unexported", zap.String("admin", a.Name()), zap.Stringer("endpoint", d))
}

// importOn creates the registration of (d, a) unless it exists, then publishes its sender.
func (m *Manager) importOn(d *endpoint.Descriptor, a admin.Admin) {
	id := d.ID()
	if _, ok := m.imports[id][a]; ok {
		return
	}
	reg := a.ImportEndpoint(d)
	if reg == nil || reg.Err() != nil {
		m.log.Warn("import failed", zap.String("admin", a.Name()), zap.Stringer("endpoint", d), zap.Error(regErr(reg)))
		closeQuietly(reg)
		return
	}
	if m.imports[id] == nil {
		m.imports[id] = make(map[admin.Admin]admin.ImportRegistration)
	}
	m.imports[id][a] = reg

	secure := "no"
	if d.Secure() {
		secure = "yes"
	}
	m.handles[reg] = m.senders.Register(reg.Sender(), map[string]string{
		senders.PropertyZone:   d.Zone,
		senders.PropertyNode:   d.Node,
		senders.PropertyWireID: id,
		senders.PropertySecure: secure,
	})
	m.log.Info("endpoint imported", zap.String("admin", a.Name()), zap.Stringer("endpoint", d))
}

// unimport unregisters the sender before closing the registration.
func (m *Manager) unimport(id string, a admin.Admin, reg admin.ImportRegistration) {
	delete(m.imports[id], a)
	if len(m.imports[id]) == 0 {
		delete(m.imports, id)
	}
	if h, ok := m.handles[reg]; ok {
		m.senders.Unregister(h)
		delete(m.handles, reg)
	}
	if err := reg.Close(); err != nil {
		m.log.Warn("closing import failed", zap.String("id", id), zap.Error(err))
	}
	m.log.Info("endpoint unimported", zap.String("admin", a.Name()), zap.String("id", id))
}

func (m *Manager) exportFailed(ev admin.Event) {
	for r, regs := range m.exports {
		for a, reg := range regs {
			if reg == ev.Export {
				m.log.Warn("export error, unexporting", zap.String("admin", a.Name()), zap.Error(ev.Err))
				m.unexport(r, a, reg)
				return
			}
		}
	}
}

func (m *Manager) importFailed(ev admin.Event) {
	for id, regs := range m.imports {
		for a, reg := range regs {
			if reg == ev.Import {
				m.log.Warn("import error, unimporting", zap.String("admin", a.Name()), zap.String("id", id), zap.Error(ev.Err))
				m.unimport(id, a, reg)
				return
			}
		}
	}
}

// notifyReceiver isolates receiver failures from the queue.
func (m *Manager) notifyReceiver(r admin.Receiver, wireID string, added bool) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error("receiver notification failed", zap.String("wire", wireID), zap.Bool("added", added), zap.Any("panic", p))
		}
	}()
	if added {
		r.EndpointAdded(wireID)
	} else {
		r.EndpointRemoved(wireID)
	}
}

func indexOf[T comparable](list []T, v T) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}

func regErr(reg interface{ Err() error }) error {
	if reg == nil {
		return nil
	}
	return reg.Err()
}

func closeQuietly(reg interface{ Close() error }) {
	if reg != nil {
		_ = reg.Close()
	}
}
