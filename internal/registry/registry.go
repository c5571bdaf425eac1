// Package registry tracks devices and services deployed by this
// device manager, component E. It is grounded in the recursive-mutex
// discipline of DeviceManager_impl's registeredDevicesmutex and the
// exact ordering of DeviceManager_impl::registerDevice: nil/duplicate
// checks first, then property initialization, then initialize(), then
// configure(), then the local bind, and only then (best-effort) the
// DomMgr forward. Go's sync.Mutex is not reentrant the way boost's is,
// so the lock is held for the shortest span that keeps the bookkeeping
// atomic (the bind step), matching the same critical section the
// comment in the original singles out: "This lock should be after as
// many [remote] calls as possible... in case [the transport] blocks."
package registry

import (
	"context"
	"sync"

	"github.com/sdrkit/devmgr/internal/bus"
	"github.com/sdrkit/devmgr/internal/descriptor"
	deverrors "github.com/sdrkit/devmgr/internal/errors"
	"github.com/sdrkit/devmgr/internal/logging"
)

var log = logging.New("registry")

// AdminState is the device manager's own administrative state machine,
// spec.md §5.
type AdminState int

const (
	Unregistered AdminState = iota
	Registered
	ShuttingDown
	Shutdown
)

func (s AdminState) String() string {
	switch s {
	case Unregistered:
		return "UNREGISTERED"
	case Registered:
		return "REGISTERED"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// DeviceRecord is a registered device: its handle, the profile it was
// matched from, and the pid of the process backing it (for the reaper
// and getDeviceNode).
type DeviceRecord struct {
	Label   string
	ID      string
	Handle  bus.Handle
	Package *descriptor.SoftwarePackage
	Impl    *descriptor.Implementation
	Pid     int
}

// ServiceRecord is a registered, non-device component.
type ServiceRecord struct {
	Name   string
	Handle bus.Handle
	Pid    int
}

// PendingEntry is a spawned-but-not-yet-registered device or service,
// tracked from the moment the launcher starts the process until it
// calls back to register or the shutdown supervisor gives up on it —
// the analog of DeviceManager_impl's _pendingDevices list.
type PendingEntry struct {
	Label string
	Pid   int
}

// Registry is the device manager's single source of truth for what is
// deployed. All mutation goes through its methods; callers never see
// the underlying maps.
type Registry struct {
	mu sync.Mutex

	devices  map[string]*DeviceRecord  // keyed by label
	services map[string]*ServiceRecord // keyed by name
	pending  map[string]*PendingEntry  // keyed by label

	pendingEmpty *sync.Cond
	admin        AdminState
}

// New builds an empty Registry in the Unregistered state.
func New() *Registry {
	r := &Registry{
		devices:  make(map[string]*DeviceRecord),
		services: make(map[string]*ServiceRecord),
		pending:  make(map[string]*PendingEntry),
	}
	r.pendingEmpty = sync.NewCond(&r.mu)
	return r
}

// AdminState returns the current administrative state.
func (r *Registry) AdminState() AdminState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admin
}

// SetAdminState transitions the administrative state. Callers are
// expected to only move it forward (Unregistered -> Registered ->
// ShuttingDown -> Shutdown); the registry does not itself enforce that,
// mirroring the original's own light-touch treatment of _adminState.
func (r *Registry) SetAdminState(s AdminState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admin = s
}

// AddPending records label as pending registration, replacing any
// earlier entry for it. The device manager calls it before spawning
// (with pid 0), per spec.md §4.D's "pending set is updated before any
// spawn is attempted", and again with the real pid once the spawn
// succeeds.
func (r *Registry) AddPending(label string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[label] = &PendingEntry{Label: label, Pid: pid}
}

// removePendingLocked deletes label from pending and signals
// pendingEmpty when the set drains, mirroring
// DeviceManager_impl::increment_registeredDevices's erase-then-notify
// pattern under the same lock as the erase.
func (r *Registry) removePendingLocked(label string) {
	if _, ok := r.pending[label]; !ok {
		return
	}
	delete(r.pending, label)
	if len(r.pending) == 0 {
		r.pendingEmpty.Broadcast()
	}
}

// RegisterDevice records a device as registered, in the fixed order
// spec.md §4.E and the original registerDevice both use: reject a nil
// handle, reject an already-registered label, then record and drop the
// label from pending. Callers must already have run the device's own
// initializeProperties/initialize/configure sequence (component D's
// responsibility) before calling this — the registry itself does not
// make remote calls, unlike the C++ original where registerDevice does
// both; the split keeps this package free of the bus transport.
func (r *Registry) RegisterDevice(rec *DeviceRecord) error {
	if rec.Handle == nil {
		return deverrors.New("RegisterDevice", deverrors.InvalidRef, nil, "nil handle for %s", rec.Label)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.admin == ShuttingDown || r.admin == Shutdown {
		log.Infof("ignoring registration of %s: device manager is shutting down", rec.Label)
		return nil
	}
	if _, ok := r.devices[rec.Label]; ok {
		log.Infof("device %s is already registered", rec.Label)
		return nil
	}
	r.devices[rec.Label] = rec
	r.removePendingLocked(rec.Label)
	log.Infof("registered device %s (id %s)", rec.Label, rec.ID)
	return nil
}

// UnregisterDevice removes a device, mirroring local_unregisterDevice.
func (r *Registry) UnregisterDevice(label string) (*DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[label]
	if !ok {
		return nil, false
	}
	delete(r.devices, label)
	return rec, true
}

// RegisterService records a service as registered.
func (r *Registry) RegisterService(rec *ServiceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.admin == ShuttingDown || r.admin == Shutdown {
		log.Infof("ignoring registration of %s: device manager is shutting down", rec.Name)
		return nil
	}
	if _, ok := r.services[rec.Name]; ok {
		log.Infof("service %s is already registered", rec.Name)
		return nil
	}
	r.services[rec.Name] = rec
	r.removePendingLocked(rec.Name)
	log.Infof("registered service %s", rec.Name)
	return nil
}

// UnregisterService removes a service.
func (r *Registry) UnregisterService(name string) (*ServiceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.services[name]
	if !ok {
		return nil, false
	}
	delete(r.services, name)
	return rec, true
}

// DeviceIsRegistered reports whether label names a registered device.
func (r *Registry) DeviceIsRegistered(label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[label]
	return ok
}

// Device returns the record for label, if registered.
func (r *Registry) Device(label string) (*DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[label]
	return rec, ok
}

// Devices returns a snapshot of all registered devices.
func (r *Registry) Devices() []*DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*DeviceRecord, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, rec)
	}
	return out
}

// Services returns a snapshot of all registered services.
func (r *Registry) Services() []*ServiceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ServiceRecord, 0, len(r.services))
	for _, rec := range r.services {
		out = append(out, rec)
	}
	return out
}

// Pending returns a snapshot of the pending set.
func (r *Registry) Pending() []*PendingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PendingEntry, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	return out
}

// DeviceByPid finds a registered or pending device's label by pid, the
// analog of walking _registeredDevices/_pendingDevices by pid in
// childExited.
func (r *Registry) DeviceByPid(pid int) (label string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for l, rec := range r.devices {
		if rec.Pid == pid {
			return l, true
		}
	}
	for l, p := range r.pending {
		if p.Pid == pid {
			return l, true
		}
	}
	return "", false
}

// DeviceByInstantiationID finds a registered device by its
// instantiation id rather than its usage name, the lookup
// getCompositeDeviceIOR runs against _registeredDevices before
// spawning a composite child, so the child can be handed its parent's
// reference.
func (r *Registry) DeviceByInstantiationID(id string) (*DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.devices {
		if rec.ID == id {
			return rec, true
		}
	}
	return nil, false
}

// FindProfile returns the software package a registered device was
// matched from, the getProfile/findProfile analog used to re-derive
// construct/configure properties without re-parsing the descriptor.
func (r *Registry) FindProfile(label string) (*descriptor.SoftwarePackage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[label]
	if !ok {
		return nil, false
	}
	return rec.Package, true
}

// WaitPendingEmpty blocks until the pending set drains or ctx is
// cancelled, the Go equivalent of pendingDevicesEmpty.timed_wait used
// by killPendingDevices.
func (r *Registry) WaitPendingEmpty(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.mu.Lock()
		for len(r.pending) > 0 {
			r.pendingEmpty.Wait()
		}
		r.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The broadcast wakes the waiting goroutine, but it re-checks
		// only len(pending) and waits again; it exits once pending
		// drains. Control returns to the caller now, matching
		// timed_wait's timeout behavior of not forcing drainage.
		r.mu.Lock()
		r.pendingEmpty.Broadcast()
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Empty reports whether there are no pending or registered devices and
// no registered services, the condition DeviceManager_impl::childExited
// checks before tearing itself down after the last child departs.
func (r *Registry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) == 0 && len(r.devices) == 0 && len(r.services) == 0
}
