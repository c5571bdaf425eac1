// Package devmgr wires together every component into the Run Loop,
// component J: fixed-order startup, the register/run/shutdown
// lifecycle, and the administrative state machine. Grounded in
// starter.Start's fixed startMounttable-then-startDeviceServer
// sequence and its shutdown-closure composition pattern, and in
// DeviceManager_impl's post_constructor/shutdown for the exact
// ordering fatal vs. recovered startup failures are handled.
package devmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sdrkit/devmgr/internal/bus"
	"github.com/sdrkit/devmgr/internal/cachedir"
	"github.com/sdrkit/devmgr/internal/capability"
	"github.com/sdrkit/devmgr/internal/config"
	"github.com/sdrkit/devmgr/internal/descriptor"
	"github.com/sdrkit/devmgr/internal/eventbus"
	"github.com/sdrkit/devmgr/internal/federation"
	"github.com/sdrkit/devmgr/internal/launch"
	"github.com/sdrkit/devmgr/internal/logging"
	"github.com/sdrkit/devmgr/internal/planner"
	"github.com/sdrkit/devmgr/internal/reaper"
	"github.com/sdrkit/devmgr/internal/registry"
)

var log = logging.New("devmgr")

// Deps collects every external collaborator and component the
// orchestrator drives, assembled by cmd/devmgr/main.go.
type Deps struct {
	Config     *config.State
	Loader     *descriptor.Loader
	Backend    launch.Backend
	Namespace  bus.Namespace
	DomMgr     *federation.Client
	Notifier   *eventbus.Notifier
	CacheDir   *cachedir.Manager
	HandleFactory func(pid int, spec *launch.Spec) bus.Handle
}

// Manager is the running device manager: the registry, reaper, and
// every dependency needed to service registrations and drive shutdown.
type Manager struct {
	deps     Deps
	registry *registry.Registry
	reaper   *reaper.Reaper
	node     *descriptor.NodeDescriptor

	procMu sync.Mutex
	procs  map[string]*launch.Process // label -> spawning backend's handle
	kinds  map[string]descriptor.ComponentKind
}

// New constructs a Manager in the Unregistered state. It does not
// start anything; call Run to execute the fixed startup sequence.
func New(deps Deps) *Manager {
	m := &Manager{
		deps:     deps,
		registry: registry.New(),
		procs:    make(map[string]*launch.Process),
		kinds:    make(map[string]descriptor.ComponentKind),
	}
	m.reaper = reaper.New(m.onUnexpectedExit)
	return m
}

// Run executes the fixed-order startup sequence (spec.md §5): load the
// node descriptor, plan the deployment, launch standalone placements,
// then composite-shared placements, then (if a DomMgr path is
// configured) connect and register. A failure loading the node
// descriptor is fatal and aborts startup; a placement that fails to
// plan or deploy is logged and skipped, and a failure registering with
// the DomMgr after devices are already running is logged and
// recovered from, matching DeviceManager_impl's own distinction
// between construction-time and federation-time failures.
func (m *Manager) Run(ctx context.Context) error {
	nd, err := m.deps.Loader.LoadNodeDescriptor(ctx, m.deps.Config.DCDFile)
	if err != nil {
		return fmt.Errorf("fatal: loading node descriptor: %w", err)
	}
	m.node = nd
	log.Infof("loaded node descriptor %s", nd)

	host := capability.ComputeHostProfile(ctx)
	plan := planner.Build(ctx, m.deps.Loader, nd, host)
	for _, f := range plan.Failures {
		log.Errorf("deployment planning dropped %s: %v", f.Placement.PackageRef, f.Err)
	}

	for _, item := range plan.Standalone {
		if err := m.deploy(ctx, item); err != nil {
			log.Errorf("failed to deploy %s: %v", item.Instance.UsageName, err)
		}
	}
	for _, item := range plan.Composite {
		if err := m.deploy(ctx, item); err != nil {
			log.Errorf("failed to deploy composite child %s: %v", item.Instance.UsageName, err)
		}
	}

	if nd.DomMgrPath != "" && m.deps.DomMgr != nil {
		if err := m.registerWithDomMgr(ctx); err != nil {
			// Federation failure never unwinds devices already running
			// locally; it is logged and left for a later retry, the
			// same resilience the original shows by wrapping the
			// registerDevice-time DomMgr forward in try/catch without
			// rethrowing.
			log.Errorf("failed to register with DomMgr: %v", err)
		}
	}

	m.registry.SetAdminState(registryAdminStateFor(nd.DomMgrPath))
	return nil
}

func registryAdminStateFor(domMgrPath string) registry.AdminState {
	if domMgrPath == "" {
		return registry.Unregistered
	}
	return registry.Registered
}

// deploy launches one planner.Item and records it pending before
// spawning, per spec.md §4.D's "pending set is updated before any
// spawn is attempted".
func (m *Manager) deploy(ctx context.Context, item *planner.Item) error {
	spec := launch.BuildSpec(item.Matched, item.PropFile, item.Instance)
	spec.CompositePartOf = item.Placement.CompositePartOf
	if spec.CompositePartOf != "" {
		parent, ok := m.registry.DeviceByInstantiationID(spec.CompositePartOf)
		if !ok {
			return fmt.Errorf("composite child %s: parent instantiation %s is not registered", spec.Label, spec.CompositePartOf)
		}
		spec.ParentRef = string(parent.Handle.Ref())
	}
	m.registry.AddPending(spec.Label, 0)
	proc, err := launch.Launch(ctx, m.deps.Backend, spec)
	if err != nil {
		return err
	}
	m.registry.AddPending(spec.Label, proc.Pid)
	m.reaper.StartWatching(spec.Label, proc.Pid)
	m.procMu.Lock()
	m.procs[spec.Label] = proc
	m.kinds[spec.Label] = spec.Kind
	m.procMu.Unlock()

	handle := m.deps.HandleFactory(proc.Pid, spec)
	if err := handle.Configure(ctx, spec.ConfigureProps); err != nil {
		return fmt.Errorf("configuring %s: %w", spec.Label, err)
	}
	if m.deps.Namespace != nil {
		if err := m.deps.Namespace.Mount(ctx, spec.Label, handle.Ref()); err != nil {
			log.Errorf("mounting %s failed (best-effort): %v", spec.Label, err)
		}
	}

	rec := &registry.DeviceRecord{
		Label:   spec.Label,
		ID:      item.Instance.ID,
		Handle:  handle,
		Package: item.Matched.Package,
		Impl:    item.Matched.Implementation,
		Pid:     proc.Pid,
	}
	if spec.Kind == descriptor.KindService {
		if err := m.registry.RegisterService(&registry.ServiceRecord{Name: spec.Label, Handle: handle, Pid: proc.Pid}); err != nil {
			return err
		}
	} else {
		if err := m.registry.RegisterDevice(rec); err != nil {
			return err
		}
	}
	if m.deps.CacheDir != nil {
		_ = m.deps.CacheDir.Put(cachedir.Entry{Label: spec.Label, ImplementationID: item.Matched.Implementation.ID, Pid: proc.Pid})
	}
	if m.deps.DomMgr != nil && m.registry.AdminState() == registry.Registered {
		if err := m.deps.DomMgr.RegisterDevice(ctx, handle.Ref()); err != nil {
			log.Errorf("DomMgr forward for %s failed (best-effort): %v", spec.Label, err)
		}
	}
	if m.deps.Notifier != nil {
		_ = m.deps.Notifier.Publish(ctx, eventbus.NewEvent("", spec.Label, "", "RUNNING", m.node.DevMgrLabel))
	}
	return nil
}

func (m *Manager) registerWithDomMgr(ctx context.Context) error {
	ref := bus.ObjectRef(m.deps.Config.Hostname + "/" + m.node.DevMgrLabel)
	return m.deps.DomMgr.RegisterDeviceManager(ctx, ref, m.node.DevMgrLabel)
}

// RegisterDevice is the external registerDevice(ref) operation spec.md
// §4.E/§6 describe: a device announces itself directly, independent of
// deploy's own synchronous register call for devices this manager
// launched itself. If label already has a pending entry (this device
// manager spawned it and is only now hearing the registration
// callback) the live pid carries over; otherwise a pid=0 record is
// created, the original's external ("rogue") device case. Local
// registration succeeds even if the DomMgr forward that follows
// fails — the local view is authoritative.
func (m *Manager) RegisterDevice(ctx context.Context, label, instID string, handle bus.Handle) error {
	pid := 0
	for _, p := range m.registry.Pending() {
		if p.Label == label {
			pid = p.Pid
			break
		}
	}
	if err := m.registry.RegisterDevice(&registry.DeviceRecord{Label: label, ID: instID, Handle: handle, Pid: pid}); err != nil {
		return err
	}
	if m.deps.Namespace != nil {
		if err := m.deps.Namespace.Mount(ctx, label, handle.Ref()); err != nil {
			log.Errorf("mounting %s failed (best-effort): %v", label, err)
		}
	}
	if m.deps.DomMgr != nil && m.registry.AdminState() == registry.Registered {
		if err := m.deps.DomMgr.RegisterDevice(ctx, handle.Ref()); err != nil {
			log.Errorf("DomMgr forward for %s failed (best-effort): %v", label, err)
		}
	}
	if m.deps.Notifier != nil {
		_ = m.deps.Notifier.Publish(ctx, eventbus.NewEvent("", label, "", "RUNNING", m.node.DevMgrLabel))
	}
	return nil
}

// RegisterService is the external registerService(ref, name) operation.
// Unlike RegisterDevice, a second service registering under a name
// already in use displaces the first (the original's rebind
// semantics); if the DomMgr forward then fails, the local registration
// is reversed, since spec.md §4.E treats a service's domain presence
// as load-bearing in a way a device's is not.
func (m *Manager) RegisterService(ctx context.Context, name string, handle bus.Handle) error {
	if prev, ok := m.registry.UnregisterService(name); ok {
		if m.deps.Namespace != nil {
			_ = m.deps.Namespace.Unmount(ctx, name)
		}
		log.Infof("service %s displaced by a new registration (previous pid %d)", name, prev.Pid)
	}
	if err := m.registry.RegisterService(&registry.ServiceRecord{Name: name, Handle: handle}); err != nil {
		return err
	}
	if m.deps.Namespace != nil {
		if err := m.deps.Namespace.Mount(ctx, name, handle.Ref()); err != nil {
			log.Errorf("mounting %s failed (best-effort): %v", name, err)
		}
	}
	if m.deps.DomMgr != nil && m.registry.AdminState() == registry.Registered {
		if err := m.deps.DomMgr.RegisterService(ctx, handle.Ref(), name); err != nil {
			m.registry.UnregisterService(name)
			if m.deps.Namespace != nil {
				_ = m.deps.Namespace.Unmount(ctx, name)
			}
			return fmt.Errorf("DomMgr forward for service %s failed: %w", name, err)
		}
	}
	return nil
}

// GetComponentImplementationId is the getComponentImplementationId
// external operation (spec.md §6): the implementation id a registered
// device was matched against, or the empty string if instID names no
// registered device or the device was registered externally with no
// known implementation.
func (m *Manager) GetComponentImplementationId(instID string) string {
	rec, ok := m.registry.DeviceByInstantiationID(instID)
	if !ok || rec.Impl == nil {
		return ""
	}
	return rec.Impl.ID
}

// RegisteredDevices is the registeredDevices() external operation: a
// snapshot sequence of every currently registered device's handle.
func (m *Manager) RegisteredDevices() []bus.Handle {
	recs := m.registry.Devices()
	out := make([]bus.Handle, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Handle)
	}
	return out
}

// RegisteredServiceHandle pairs a registered service's handle with its
// usage name, the (handle, name) shape registeredServices() returns.
type RegisteredServiceHandle struct {
	Handle bus.Handle
	Name   string
}

// RegisteredServices is the registeredServices() external operation.
func (m *Manager) RegisteredServices() []RegisteredServiceHandle {
	recs := m.registry.Services()
	out := make([]RegisteredServiceHandle, 0, len(recs))
	for _, rec := range recs {
		out = append(out, RegisteredServiceHandle{Handle: rec.Handle, Name: rec.Name})
	}
	return out
}

// onUnexpectedExit is the reaper's ExitFunc: unregister the dead child,
// publish its NOT_RUNNING event and drop its bookkeeping entry. It does
// not relaunch the child; launch.RestartPolicy is not consulted here.
// Grounded in markNotRunning from instance_reaping.go.
func (m *Manager) onUnexpectedExit(label string, pid int) {
	log.Infof("child %s (pid %d) exited unexpectedly", label, pid)
	if rec, ok := m.registry.UnregisterDevice(label); ok {
		if m.deps.Notifier != nil {
			_ = m.deps.Notifier.Publish(context.Background(), eventbus.NewEvent("", rec.Label, "RUNNING", "NOT_RUNNING", m.node.DevMgrLabel))
		}
	}
	m.registry.UnregisterService(label)
	if m.deps.CacheDir != nil {
		_ = m.deps.CacheDir.Delete(label)
	}
}

// Shutdown drives the escalating shutdown sequence, component H,
// exactly the ordering DeviceManager_impl::shutdown uses: best-effort
// DomMgr unregister, then signal escalation (SIGINT, SIGTERM, SIGKILL)
// against every process this device manager spawned — pending or
// registered — then mark terminal state.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.registry.AdminState() == registry.Shutdown {
		return
	}
	m.registry.SetAdminState(registry.ShuttingDown)

	if m.deps.DomMgr != nil && m.node != nil {
		m.deps.DomMgr.UnregisterDeviceManager(ctx, bus.ObjectRef(m.node.DevMgrLabel))
	}

	forceQuit := m.deps.Config.DeviceForceQuitTime()
	m.teardownAll(ctx, forceQuit)

	m.reaper.Shutdown()
	if m.deps.Notifier != nil {
		m.deps.Notifier.Stop()
	}
	if m.deps.CacheDir != nil {
		_ = m.deps.CacheDir.Close()
	}
	m.registry.SetAdminState(registry.Shutdown)
}

// teardownAll signals and reaps every process this device manager
// spawned, pending or registered, the unified equivalent of
// killPendingDevices plus the registered-device sweep in
// DeviceManager_impl's own shutdown. Signal escalation via
// reaper.Escalate is the authoritative teardown mechanism for each
// label in m.procs, run unconditionally rather than only as a fallback
// for a failed handle.Release: the native backend's Release call has
// no transport guaranteeing the child process actually exits, so the
// kill is what actually ends it. reaper.Escalate itself checks process
// liveness before signaling, so it is a cheap no-op for any process a
// successful Release did manage to end on its own.
func (m *Manager) teardownAll(ctx context.Context, forceQuit time.Duration) {
	m.procMu.Lock()
	labels := make([]string, 0, len(m.procs))
	for label := range m.procs {
		labels = append(labels, label)
	}
	m.procMu.Unlock()

	for _, label := range labels {
		m.teardownOne(ctx, label, forceQuit)
	}
}

func (m *Manager) teardownOne(ctx context.Context, label string, forceQuit time.Duration) {
	m.reaper.StopWatching(label)

	var handle bus.Handle
	kind := descriptor.KindDevice
	if rec, ok := m.registry.UnregisterDevice(label); ok {
		handle = rec.Handle
	} else if rec, ok := m.registry.UnregisterService(label); ok {
		handle = rec.Handle
		kind = descriptor.KindService
	}

	m.procMu.Lock()
	if k, ok := m.kinds[label]; ok {
		kind = k
	}
	proc := m.procs[label]
	delete(m.procs, label)
	delete(m.kinds, label)
	m.procMu.Unlock()

	if handle != nil {
		if m.deps.Namespace != nil {
			_ = m.deps.Namespace.Unmount(ctx, label)
		}
		releaseCtx, cancel := context.WithTimeout(ctx, forceQuit)
		err := handle.Release(releaseCtx)
		cancel()
		if err != nil {
			log.Infof("graceful release of %s failed: %v", label, err)
		}
	}

	if proc == nil {
		return
	}
	stages := reaper.DeviceShutdownStages(forceQuit)
	if kind == descriptor.KindService {
		stages = reaper.ServiceShutdownStages(forceQuit)
	}
	_ = reaper.Escalate(ctx, proc, stages)
}
