// Package launch implements the Child Launcher, component D: turning a
// matched implementation and its placement instantiation into a
// running child process, grounded in the teacher's
// testDeviceManager/GenerateScript pair (deviced/internal/impl/
// device_service.go) for the exec-and-watch shape, and in
// restart_policy.go for restart decisions.
package launch

import (
	"context"
	"time"

	"github.com/sdrkit/devmgr/internal/capability"
	"github.com/sdrkit/devmgr/internal/descriptor"
	"github.com/sdrkit/devmgr/internal/logging"
)

var log = logging.New("launch")

// Spec is everything a Backend needs to start one child process,
// assembled from a Matched implementation, its enclosing package, and
// the placement instantiation that requested it.
type Spec struct {
	Label         string // usage name, unique within this device manager
	Kind          descriptor.ComponentKind
	ExecutablePath string
	EntryPoint    string
	Args          []string
	Env           []string
	ConstructProps map[string]string
	ConfigureProps map[string]string
	MaxRestarts   int
	RestartWindow time.Duration

	// CompositePartOf names the parent instantiation id when this
	// placement is a shared-library child device (spec.md §4.C/D).
	// Neither NativeBackend nor DockerBackend reads it: both spawn a new
	// process for a composite child, as for any other placement.
	CompositePartOf string

	// ParentRef carries the already-registered parent's reference for a
	// composite child, resolved by the caller (the composite-device
	// analog of getCompositeDeviceIOR's naming-service lookup before
	// spawning) and handed to the child by Launch as a
	// COMPOSITE_PARENT_REF environment entry.
	ParentRef string
}

// BuildSpec assembles a Spec from a match result and the requesting
// instantiation, applying construct/configure property overrides in
// the fixed order spec.md §4.D specifies: property-file defaults first,
// then per-instantiation overrides.
func BuildSpec(m *capability.Matched, propFile *descriptor.PropertyFile, inst descriptor.Instantiation) *Spec {
	s := &Spec{
		Label:          inst.UsageName,
		Kind:           m.Package.Kind,
		ExecutablePath: m.Implementation.CodePath,
		EntryPoint:     m.Implementation.EntryPoint,
		ConstructProps: propsToMap(propFile.NonReadOnly(descriptor.PropertyConstruct)),
		ConfigureProps: propsToMap(propFile.NonNil(descriptor.PropertyConfigure)),
	}
	for _, o := range inst.Overrides {
		switch o.Kind {
		case descriptor.PropertyConstruct:
			if !o.ReadOnly {
				s.ConstructProps[o.ID] = o.Value
			}
		case descriptor.PropertyConfigure:
			s.ConfigureProps[o.ID] = o.Value
		}
	}
	return s
}

func propsToMap(props []descriptor.Property) map[string]string {
	m := make(map[string]string, len(props))
	for _, p := range props {
		m[p.ID] = p.Value
	}
	return m
}

// Process is a running child, returned by a Backend's Start.
type Process struct {
	Pid  int
	Wait func(ctx context.Context) error
	Kill func(sig Signal) error
}

// Signal is a launch-backend-neutral escalation signal, avoiding a
// direct syscall.Signal dependency in the Backend interface so the
// Docker backend can map it onto a container stop/kill call.
type Signal int

const (
	SigInterrupt Signal = iota
	SigTerminate
	SigKill
)

// Backend starts and controls child processes. spec.md §4.D treats the
// launch mechanism as pluggable; NativeBackend execs the host's own
// binaries, DockerBackend launches OCI containers.
type Backend interface {
	Start(ctx context.Context, spec *Spec) (*Process, error)
}

// Launch starts spec via backend, logging the way the teacher logs
// around cmd.Start()/cmd.Wait() in testDeviceManager.
func Launch(ctx context.Context, backend Backend, spec *Spec) (*Process, error) {
	if spec.ParentRef != "" {
		// Hands the composite child its parent's reference the same way
		// getCompositeDeviceIOR resolves and passes the parent IOR before
		// spawning, generalized from a constructor argument to an env var
		// since neither backend here execs through a CORBA-aware loader.
		spec.Env = append(spec.Env, "COMPOSITE_PARENT_REF="+spec.ParentRef)
	}
	log.Infof("launching %s (kind=%s exec=%s)", spec.Label, spec.Kind, spec.ExecutablePath)
	proc, err := backend.Start(ctx, spec)
	if err != nil {
		log.Errorf("launch of %s failed: %v", spec.Label, err)
		return nil, err
	}
	log.Infof("launched %s as pid %d", spec.Label, proc.Pid)
	return proc, nil
}
