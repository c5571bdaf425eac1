// The following enables go generate to generate the doc.go file.
//go:generate go run $JIRI_ROOT/release/go/src/v.io/x/lib/cmdline/testdata/gendoc.go .

// Command devmgr launches, configures and manages a device manager node:
// it loads a node descriptor, matches every placement against this host's
// capabilities, launches the resulting processes, and services their
// registration and shutdown for as long as it runs.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/gorilla/websocket"
	"v.io/x/lib/cmdline"
	"v.io/x/lib/vlog"

	"github.com/sdrkit/devmgr/internal/bus"
	"github.com/sdrkit/devmgr/internal/cachedir"
	"github.com/sdrkit/devmgr/internal/config"
	"github.com/sdrkit/devmgr/internal/descriptor"
	"github.com/sdrkit/devmgr/internal/devmgr"
	"github.com/sdrkit/devmgr/internal/errors"
	"github.com/sdrkit/devmgr/internal/eventbus"
	"github.com/sdrkit/devmgr/internal/federation"
	"github.com/sdrkit/devmgr/internal/launch"
	"github.com/sdrkit/devmgr/internal/logging"
)

var (
	dcdFile    string
	domainName string
	domainAddr string
	sdrCache   string
	backend    string
	dockerHost string
)

func main() {
	cmdRun.Flags.StringVar(&dcdFile, "dcd", "", "path to the node descriptor to deploy")
	cmdRun.Flags.StringVar(&domainName, "domain", "", "domain manager label to register with; empty runs unregistered")
	cmdRun.Flags.StringVar(&domainAddr, "domain-addr", "", "websocket address of the domain manager's federation endpoint")
	cmdRun.Flags.StringVar(&sdrCache, "sdrcache", "", "cache directory root; defaults to $SDRROOT")
	cmdRun.Flags.StringVar(&backend, "backend", "native", "child launch backend: native or docker")
	cmdRun.Flags.StringVar(&dockerHost, "docker-host", "", "Docker daemon address, when --backend=docker")

	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(cmdRoot)
}

var cmdRoot = &cmdline.Command{
	Name:     "devmgr",
	Short:    "run a device manager node",
	Long:     "Command devmgr loads a node descriptor, deploys the devices and services it names, and services their lifecycle until shut down.",
	Children: []*cmdline.Command{cmdRun},
}

var cmdRun = &cmdline.Command{
	Runner: cmdline.RunnerFunc(runDevMgr),
	Name:   "run",
	Short:  "Load a node descriptor and run the device manager",
	Long: `
Command run loads the node descriptor named by --dcd, deploys every
placement it names, and blocks servicing registration and shutdown until
it receives SIGINT or SIGTERM.
`,
}

func runDevMgr(env *cmdline.Env, args []string) error {
	if dcdFile == "" {
		return env.UsageErrorf("--dcd must be set")
	}
	log := logging.New("main")

	cfg := config.New(dcdFile, domainName, sdrCache)
	cacheDir, err := cachedir.Open(cfg.CacheDir(filepath.Base(dcdFile)))
	if err != nil {
		return fmt.Errorf("opening cache directory: %w", err)
	}

	launchBackend, err := newBackend()
	if err != nil {
		return fmt.Errorf("configuring launch backend: %w", err)
	}

	deps := devmgr.Deps{
		Config:        cfg,
		Loader:        descriptor.NewLoader(localFileSystem{}),
		Backend:       launchBackend,
		Namespace:     newLocalNamespace(),
		Notifier:      eventbus.New(cfg.Hostname),
		CacheDir:      cacheDir,
		HandleFactory: newLocalHandle,
	}
	if domainName != "" {
		deps.DomMgr = federation.New(domainDialer(domainAddr), newLoggingDomMgr(log))
	}

	m := devmgr.New(deps)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if err := m.Run(runCtx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	log.Infof("device manager running, watching for shutdown signals")

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Infof("received shutdown signal")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.DeviceForceQuitTime()*10)
	defer cancelShutdown()
	m.Shutdown(shutdownCtx)
	return nil
}

func newBackend() (launch.Backend, error) {
	switch backend {
	case "", "native":
		return launch.NewNativeBackend(), nil
	case "docker":
		opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if dockerHost != "" {
			opts = append(opts, client.WithHost(dockerHost))
		}
		cli, err := client.NewClientWithOpts(opts...)
		if err != nil {
			return nil, fmt.Errorf("connecting to docker: %w", err)
		}
		return launch.NewDockerBackend(cli, dockerImageForSpec), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// dockerImageForSpec resolves the container image for a Spec launched
// under the docker backend: a placement may pin its own image via a
// DEVMGR_IMAGE env entry, otherwise the executable path itself is used
// as the image reference (the common case for a prebuilt device image).
func dockerImageForSpec(spec *launch.Spec) string {
	const prefix = "DEVMGR_IMAGE="
	for _, e := range spec.Env {
		if len(e) > len(prefix) && e[:len(prefix)] == prefix {
			return e[len(prefix):]
		}
	}
	return spec.ExecutablePath
}

// domainDialer builds the dial func federation.Client uses to reach the
// domain manager's federation endpoint over a websocket transport.
func domainDialer(addr string) func(ctx context.Context) (*websocket.Conn, error) {
	return func(ctx context.Context) (*websocket.Conn, error) {
		if addr == "" {
			return nil, errors.New("domainDialer", errors.RemoteTransient, nil, "no --domain-addr configured")
		}
		u := url.URL{Scheme: "ws", Host: addr, Path: "/devmgr"}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		return conn, err
	}
}

// localFileSystem resolves descriptor references against the local disk,
// the concrete implementation of descriptor.FileSystem spec.md §1 leaves
// abstract.
type localFileSystem struct{}

func (localFileSystem) Read(_ context.Context, base, ref string) ([]byte, error) {
	return os.ReadFile(descriptor.JoinRef(base, ref))
}

func (localFileSystem) Resolve(base, ref string) string {
	return descriptor.JoinRef(base, ref)
}

// localNamespace is an in-memory bus.Namespace, standing in for the
// object bus's naming service when no external naming root is configured.
type localNamespace struct {
	entries map[string]bus.ObjectRef
}

func newLocalNamespace() *localNamespace {
	return &localNamespace{entries: make(map[string]bus.ObjectRef)}
}

func (n *localNamespace) Mount(_ context.Context, name string, ref bus.ObjectRef) error {
	n.entries[name] = ref
	return nil
}

func (n *localNamespace) Unmount(_ context.Context, name string) error {
	delete(n.entries, name)
	return nil
}

func (n *localNamespace) Resolve(_ context.Context, name string) (bus.ObjectRef, error) {
	ref, ok := n.entries[name]
	if !ok {
		return "", errors.New("Resolve", errors.NotFound, nil, "no entry named %s", name)
	}
	return ref, nil
}

// localHandle is a bus.Handle backed directly by the spawned process,
// used when no richer object-bus stub is available: Configure and Release
// are logged rather than dispatched over any transport, since this
// module deliberately leaves the object bus itself out of scope.
type localHandle struct {
	pid int
	ref bus.ObjectRef
	log *vlog.Logger
}

func newLocalHandle(pid int, spec *launch.Spec) bus.Handle {
	return &localHandle{pid: pid, ref: bus.ObjectRef(spec.Label), log: logging.New("handle")}
}

func (h *localHandle) Ref() bus.ObjectRef { return h.ref }

func (h *localHandle) Configure(_ context.Context, props map[string]string) error {
	h.log.Infof("configure %s (pid %d): %d properties", h.ref, h.pid, len(props))
	return nil
}

func (h *localHandle) Release(_ context.Context) error {
	h.log.Infof("release %s (pid %d)", h.ref, h.pid)
	return nil
}

// loggingDomMgr is a bus.DomMgr that only logs, used when a domain
// address is configured but no richer client-side stub exists yet.
type loggingDomMgr struct {
	log *vlog.Logger
}

func newLoggingDomMgr(log *vlog.Logger) *loggingDomMgr {
	return &loggingDomMgr{log: log}
}

func (d *loggingDomMgr) RegisterDeviceManager(_ context.Context, ref bus.ObjectRef, label string) error {
	d.log.Infof("RegisterDeviceManager(%s, %s)", ref, label)
	return nil
}

func (d *loggingDomMgr) RegisterDevice(_ context.Context, ref bus.ObjectRef) error {
	d.log.Infof("RegisterDevice(%s)", ref)
	return nil
}

func (d *loggingDomMgr) RegisterService(_ context.Context, ref bus.ObjectRef, name string) error {
	d.log.Infof("RegisterService(%s, %s)", ref, name)
	return nil
}

func (d *loggingDomMgr) UnregisterDeviceManager(_ context.Context, ref bus.ObjectRef) error {
	d.log.Infof("UnregisterDeviceManager(%s)", ref)
	return nil
}
