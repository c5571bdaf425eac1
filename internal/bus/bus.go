// Package bus declares the device manager's stated interfaces to its
// external collaborators: remote device/service handles, the naming
// system that resolves them to IOR-equivalent references, and the
// DomMgr this device manager registers with. The teacher expresses the
// analogous contract as generated v23/services/device stubs plus a
// naming.Namespace; here it is a small hand-written interface set so
// the domain packages do not depend on any particular RPC transport.
package bus

import "context"

// ObjectRef is a stringified reference to a remote object, playing the
// role REDHAWK's CORBA IOR plays and the object bus's naming.Namespace
// entries play in the teacher: an opaque, comparable handle a caller
// can hold onto and pass back later.
type ObjectRef string

// Empty reports whether the reference is unset.
func (r ObjectRef) Empty() bool { return r == "" }

// Handle is the subset of a remote device or service's control surface
// the device manager needs after it has spawned and configured that
// process: init/configure calls and clean releaseObject-style teardown.
type Handle interface {
	// Ref returns the handle's stable, publishable reference.
	Ref() ObjectRef
	// Configure pushes construct/configure properties to the remote
	// object, spec.md §4.D's "invokes the device's configure operation".
	Configure(ctx context.Context, props map[string]string) error
	// Release asks the remote object to release any resources and
	// unregister on its own, the graceful half of shutdown.
	Release(ctx context.Context) error
}

// Namespace resolves and publishes ObjectRefs, standing in for the
// object bus's naming service (spec.md §1 lists it as an external
// collaborator alongside the DomMgr and the file system).
type Namespace interface {
	// Mount publishes ref under name.
	Mount(ctx context.Context, name string, ref ObjectRef) error
	// Unmount removes a previously published name.
	Unmount(ctx context.Context, name string) error
	// Resolve looks up name, returning NotFound if absent.
	Resolve(ctx context.Context, name string) (ObjectRef, error)
}

// DomMgr is the subset of the domain manager's control surface the
// federation client (component F) drives: registering this device
// manager's node and forwarding registered devices/services upward.
type DomMgr interface {
	// RegisterDeviceManager announces this node to the domain.
	RegisterDeviceManager(ctx context.Context, devMgrRef ObjectRef, label string) error
	// RegisterDevice forwards a newly registered device up to the domain.
	RegisterDevice(ctx context.Context, devRef ObjectRef) error
	// RegisterService forwards a newly registered service up to the domain.
	RegisterService(ctx context.Context, svcRef ObjectRef, name string) error
	// UnregisterDeviceManager withdraws this node at shutdown, best-effort.
	UnregisterDeviceManager(ctx context.Context, devMgrRef ObjectRef) error
}
