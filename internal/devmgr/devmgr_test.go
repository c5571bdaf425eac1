package devmgr

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sdrkit/devmgr/internal/bus"
	"github.com/sdrkit/devmgr/internal/config"
	"github.com/sdrkit/devmgr/internal/descriptor"
	"github.com/sdrkit/devmgr/internal/launch"
)

type memFS map[string]string

func (fs memFS) Read(_ context.Context, base, ref string) ([]byte, error) {
	resolved := descriptor.JoinRef(base, ref)
	data, ok := fs[resolved]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", resolved)
	}
	return []byte(data), nil
}

func (fs memFS) Resolve(base, ref string) string { return descriptor.JoinRef(base, ref) }

// fakeBackend spawns a real, harmless sleeper process per label so the
// reaper's pid-liveness checks (which probe the real OS process table)
// observe a genuine process, while still letting the test record which
// signals were sent to which label.
type fakeBackend struct {
	mu      sync.Mutex
	cmds    map[string]*exec.Cmd
	killed  map[string][]launch.Signal
	env     map[string][]string
	reaped  map[string]chan struct{} // closed once cmd.Wait() returns for label
	waitErr map[string]error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		cmds:    map[string]*exec.Cmd{},
		killed:  map[string][]launch.Signal{},
		env:     map[string][]string{},
		reaped:  map[string]chan struct{}{},
		waitErr: map[string]error{},
	}
}

func (b *fakeBackend) Start(_ context.Context, spec *launch.Spec) (*launch.Process, error) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	label := spec.Label
	go func() {
		err := cmd.Wait()
		b.mu.Lock()
		b.waitErr[label] = err
		b.mu.Unlock()
		close(done)
	}()

	b.mu.Lock()
	b.cmds[label] = cmd
	b.env[label] = append([]string{}, spec.Env...)
	b.reaped[label] = done
	b.mu.Unlock()

	return &launch.Process{
		Pid: cmd.Process.Pid,
		Wait: func(ctx context.Context) error {
			select {
			case <-done:
				b.mu.Lock()
				err := b.waitErr[label]
				b.mu.Unlock()
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Kill: func(sig launch.Signal) error {
			b.mu.Lock()
			b.killed[label] = append(b.killed[label], sig)
			b.mu.Unlock()
			return cmd.Process.Signal(nativeSignalForTest(sig))
		},
	}, nil
}

func nativeSignalForTest(s launch.Signal) syscall.Signal {
	switch s {
	case launch.SigInterrupt:
		return syscall.SIGINT
	case launch.SigTerminate:
		return syscall.SIGTERM
	default:
		return syscall.SIGKILL
	}
}

func (b *fakeBackend) killsFor(label string) []launch.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]launch.Signal{}, b.killed[label]...)
}

func (b *fakeBackend) envFor(label string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.env[label]...)
}

// killRealProcessForTest ends label's underlying sleeper directly
// (bypassing Kill, so it isn't recorded in killed), simulating a
// device that exits on its own once it has been gracefully released.
// It blocks until Start's own reaping goroutine has observed the exit,
// so a caller that waits on this can rely on the process no longer
// being reported alive, rather than racing a zombie that has been
// signalled but not yet waited on.
func (b *fakeBackend) killRealProcessForTest(label string) {
	b.mu.Lock()
	cmd := b.cmds[label]
	done := b.reaped[label]
	b.mu.Unlock()
	if cmd == nil {
		return
	}
	cmd.Process.Kill()
	if done != nil {
		<-done
	}
}

// cleanup forcibly reaps every sleeper this backend spawned, so a test
// that never escalates shutdown doesn't leak background processes.
func (b *fakeBackend) cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cmd := range b.cmds {
		cmd.Process.Kill()
		cmd.Wait()
	}
}

// fakeHandle stands in for a real device's object-bus handle. A
// successful Release simulates the device exiting on its own by
// killing its backing process directly, so escalation observes it is
// already gone; a failing Release leaves the process alive so
// escalation has something to signal.
type fakeHandle struct {
	ref        bus.ObjectRef
	label      string
	backend    *fakeBackend
	releaseErr error
}

func (h *fakeHandle) Ref() bus.ObjectRef                                 { return h.ref }
func (h *fakeHandle) Configure(context.Context, map[string]string) error { return nil }

func (h *fakeHandle) Release(context.Context) error {
	if h.releaseErr == nil {
		h.backend.killRealProcessForTest(h.label)
	}
	return h.releaseErr
}

func radioDCD() memFS {
	return memFS{
		"/node.yaml": `
devMgrId: DCE:1234
devMgrLabel: DevMgr1
placements:
  - package: /devices/radio.yaml
    instantiations:
      - id: inst1
        usageName: radio1
`,
		"/devices/radio.yaml": `
id: DCE:radio
name: radio
kind: device
implementations:
  - id: radio-impl
    code: Executable
    path: radio_bin
`,
	}
}

func compositeDCD() memFS {
	return memFS{
		"/node.yaml": `
devMgrId: DCE:1234
devMgrLabel: DevMgr1
placements:
  - package: /devices/radio.yaml
    instantiations:
      - id: inst1
        usageName: radio1
  - package: /devices/tuner.yaml
    compositePartOf: inst1
    instantiations:
      - id: inst2
        usageName: tuner1
`,
		"/devices/radio.yaml": `
id: DCE:radio
name: radio
kind: device
implementations:
  - id: radio-impl
    code: Executable
    path: radio_bin
`,
		"/devices/tuner.yaml": `
id: DCE:tuner
name: tuner
kind: device
implementations:
  - id: tuner-impl
    code: Executable
    path: tuner_bin
`,
	}
}

func testDeps(fs memFS, backend *fakeBackend, releaseErr error) Deps {
	return Deps{
		Config:  config.New("/node.yaml", "", ""),
		Loader:  descriptor.NewLoader(fs),
		Backend: backend,
		HandleFactory: func(pid int, spec *launch.Spec) bus.Handle {
			return &fakeHandle{ref: bus.ObjectRef(spec.Label), label: spec.Label, backend: backend, releaseErr: releaseErr}
		},
	}
}

func TestRunDeploysAndRegistersPlacements(t *testing.T) {
	backend := newFakeBackend()
	defer backend.cleanup()
	m := New(testDeps(radioDCD(), backend, nil))
	defer m.reaper.Shutdown()

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !m.registry.DeviceIsRegistered("radio1") {
		t.Fatal("expected radio1 to be registered after Run")
	}
}

func TestGetComponentImplementationIdReturnsMatchedImpl(t *testing.T) {
	backend := newFakeBackend()
	defer backend.cleanup()
	m := New(testDeps(radioDCD(), backend, nil))
	defer m.reaper.Shutdown()

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := m.GetComponentImplementationId("inst1"), "radio-impl"; got != want {
		t.Errorf("GetComponentImplementationId(inst1): got %q, want %q", got, want)
	}
	if got := m.GetComponentImplementationId("no-such-inst"); got != "" {
		t.Errorf("GetComponentImplementationId(no-such-inst): got %q, want empty string", got)
	}
}

func TestRegisteredDevicesAndServicesReturnSnapshots(t *testing.T) {
	backend := newFakeBackend()
	defer backend.cleanup()
	m := New(testDeps(radioDCD(), backend, nil))
	defer m.reaper.Shutdown()

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	devices := m.RegisteredDevices()
	if len(devices) != 1 {
		t.Fatalf("RegisteredDevices: got %d, want 1", len(devices))
	}
	if got, want := devices[0].Ref(), bus.ObjectRef("radio1"); got != want {
		t.Errorf("RegisteredDevices()[0].Ref(): got %q, want %q", got, want)
	}
	if got := m.RegisteredServices(); len(got) != 0 {
		t.Errorf("RegisteredServices: got %d, want 0", len(got))
	}
}

func TestRegisterDeviceAcceptsRogueExternalDevice(t *testing.T) {
	backend := newFakeBackend()
	defer backend.cleanup()
	m := New(testDeps(radioDCD(), backend, nil))
	defer m.reaper.Shutdown()

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rogue := &fakeHandle{ref: bus.ObjectRef("scanner1")}
	if err := m.RegisterDevice(context.Background(), "scanner1", "external-inst", rogue); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	rec, ok := m.registry.Device("scanner1")
	if !ok {
		t.Fatal("expected scanner1 to be registered")
	}
	if got, want := rec.Pid, 0; got != want {
		t.Errorf("Pid: got %d, want %d (external device has no spawned process)", got, want)
	}
	if got := m.GetComponentImplementationId("external-inst"); got != "" {
		t.Errorf("GetComponentImplementationId(external-inst): got %q, want empty string (no matched implementation)", got)
	}
}

func TestRunResolvesCompositeParentRefBeforeSpawningChild(t *testing.T) {
	backend := newFakeBackend()
	defer backend.cleanup()
	m := New(testDeps(compositeDCD(), backend, nil))
	defer m.reaper.Shutdown()

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !m.registry.DeviceIsRegistered("radio1") {
		t.Fatal("expected radio1 (the composite parent) to be registered")
	}
	if !m.registry.DeviceIsRegistered("tuner1") {
		t.Fatal("expected tuner1 (the composite child) to be registered")
	}

	env := backend.envFor("tuner1")
	want := "COMPOSITE_PARENT_REF=radio1"
	found := false
	for _, e := range env {
		if e == want {
			found = true
		}
	}
	if !found {
		t.Errorf("tuner1's env %v does not contain %q", env, want)
	}
}

func TestShutdownReleasesGracefullyWithoutEscalating(t *testing.T) {
	backend := newFakeBackend()
	defer backend.cleanup()
	m := New(testDeps(radioDCD(), backend, nil))
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	m.Shutdown(context.Background())

	if got := backend.killsFor("radio1"); len(got) != 0 {
		t.Errorf("killsFor(radio1): got %v, want no signals sent when Release succeeds", got)
	}
	if m.registry.DeviceIsRegistered("radio1") {
		t.Error("expected radio1 to be unregistered after Shutdown")
	}
}

// TestShutdownEscalatesStillPendingProcess covers the gap the prior
// drainPending implementation left open: a process that was spawned
// but never got as far as registering (e.g. Configure hung, or the
// registry rejected it) must still be signalled and reaped on
// shutdown, not merely waited on.
func TestShutdownEscalatesStillPendingProcess(t *testing.T) {
	backend := newFakeBackend()
	defer backend.cleanup()
	m := New(testDeps(radioDCD(), backend, nil))

	proc, err := backend.Start(context.Background(), &launch.Spec{Label: "stuck1"})
	if err != nil {
		t.Fatalf("backend.Start: %v", err)
	}
	m.registry.AddPending("stuck1", proc.Pid)
	m.procMu.Lock()
	m.procs["stuck1"] = proc
	m.kinds["stuck1"] = descriptor.KindDevice
	m.procMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m.Shutdown(shutdownCtx)

	kills := backend.killsFor("stuck1")
	if len(kills) == 0 {
		t.Fatal("expected Shutdown to escalate signals against a still-pending process")
	}
	if got, want := kills[0], launch.SigInterrupt; got != want {
		t.Errorf("first escalation signal: got %v, want %v", got, want)
	}
}

func TestShutdownEscalatesWhenReleaseFails(t *testing.T) {
	backend := newFakeBackend()
	defer backend.cleanup()
	m := New(testDeps(radioDCD(), backend, fmt.Errorf("release refused")))
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m.Shutdown(shutdownCtx)

	kills := backend.killsFor("radio1")
	if len(kills) == 0 {
		t.Fatal("expected Shutdown to escalate signals once Release fails")
	}
	if got, want := kills[0], launch.SigInterrupt; got != want {
		t.Errorf("first escalation signal: got %v, want %v (devices start with SIGINT)", got, want)
	}
}
