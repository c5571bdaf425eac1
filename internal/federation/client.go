// Package federation implements the DomMgr Federation Client,
// component F: connecting to the domain manager, registering this
// device manager and forwarding device/service registrations upward,
// with the retry-with-interruptible-wait semantics of the REDHAWK
// original's registerDeviceManagerWithDomainManager.
package federation

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sdrkit/devmgr/internal/bus"
	deverrors "github.com/sdrkit/devmgr/internal/errors"
	"github.com/sdrkit/devmgr/internal/logging"
)

var log = logging.New("federation")

// retryInterval mirrors the original's usleep(100000) (100ms) poll
// between transient-failure retries.
const retryInterval = 100 * time.Millisecond

// warnEvery mirrors "if (!(++cnt % 10))" — log a warning only every
// tenth retry, to avoid flooding the log during an extended outage.
const warnEvery = 10

// Client drives registration with a DomMgr over a websocket transport,
// grounded in vanadium's own RPC-over-websocket option (the teacher's
// v23/rpc supports a websocket VC transport; here the transport is
// explicit since this module does not import v23/rpc itself).
type Client struct {
	dial    func(ctx context.Context) (*websocket.Conn, error)
	wrapped bus.DomMgr
}

// New builds a Client. dial establishes the underlying websocket
// connection to the DomMgr's federation endpoint; wrapped is the
// bus.DomMgr view used once connected (a real implementation would
// drive wrapped's RPCs over the dialed connection; tests substitute an
// in-memory bus.DomMgr and a no-op dial).
func New(dial func(ctx context.Context) (*websocket.Conn, error), wrapped bus.DomMgr) *Client {
	return &Client{dial: dial, wrapped: wrapped}
}

// Connect dials the DomMgr, retrying on transient failure until ctx is
// cancelled (the Go analog of "while (true) { ... } catch (TRANSIENT)
// usleep(100000)" in the original, substituting an interruptible wait
// for the busy-retry loop).
func (c *Client) Connect(ctx context.Context) error {
	var attempt int
	for {
		select {
		case <-ctx.Done():
			return deverrors.New("Connect", deverrors.Interrupted, ctx.Err(), "interrupted waiting to reach DomMgr")
		default:
		}
		attempt++
		conn, err := c.dial(ctx)
		if err == nil {
			if conn != nil {
				conn.Close()
			}
			return nil
		}
		if attempt%warnEvery == 0 {
			log.Infof("DomMgr not available after %d attempts: %v", attempt, err)
		}
		select {
		case <-time.After(retryInterval):
		case <-ctx.Done():
			return deverrors.New("Connect", deverrors.Interrupted, ctx.Err(), "interrupted waiting to reach DomMgr")
		}
	}
}

// RegisterDeviceManager registers this device manager with the DomMgr.
// Like Connect, it retries transient failures with a 100ms backoff,
// warning every tenth attempt, and keeps retrying indefinitely until
// either registration succeeds, the DomMgr raises a true rejection
// (deverrors.RemoteFatal), or ctx is cancelled — mirroring the
// original's registerDeviceManagerWithDomainManager, which retries on
// TRANSIENT/OBJECT_NOT_EXIST but raises immediately on RegisterError.
func (c *Client) RegisterDeviceManager(ctx context.Context, ref bus.ObjectRef, label string) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	var attempt int
	for {
		select {
		case <-ctx.Done():
			return deverrors.New("RegisterDeviceManager", deverrors.Interrupted, ctx.Err(), "interrupted waiting to register %s with DomMgr", label)
		default:
		}
		attempt++
		err := c.wrapped.RegisterDeviceManager(ctx, ref, label)
		if err == nil {
			return nil
		}
		if deverrors.Is(err, deverrors.RemoteFatal) {
			return deverrors.New("RegisterDeviceManager", deverrors.RemoteFatal, err, "DomMgr rejected registration of %s", label)
		}
		if attempt%warnEvery == 0 {
			log.Infof("registration of %s with DomMgr still failing after %d attempts: %v", label, attempt, err)
		}
		select {
		case <-time.After(retryInterval):
		case <-ctx.Done():
			return deverrors.New("RegisterDeviceManager", deverrors.Interrupted, ctx.Err(), "interrupted waiting to register %s with DomMgr", label)
		}
	}
}

// RegisterDevice forwards a device registration, best-effort: a
// failure here is logged and returned to the caller but never aborts
// the device's own local registration, matching registerDevice's
// "LOG_ERROR... but do not rethrow" treatment of the DomMgr forward.
func (c *Client) RegisterDevice(ctx context.Context, ref bus.ObjectRef) error {
	if err := c.wrapped.RegisterDevice(ctx, ref); err != nil {
		log.Errorf("failed to register device %s with DomMgr: %v", ref, err)
		return deverrors.New("RegisterDevice", deverrors.RemoteTransient, err, "forwarding %s", ref)
	}
	return nil
}

// RegisterService forwards a service registration, same best-effort
// treatment as RegisterDevice.
func (c *Client) RegisterService(ctx context.Context, ref bus.ObjectRef, name string) error {
	if err := c.wrapped.RegisterService(ctx, ref, name); err != nil {
		log.Errorf("failed to register service %s with DomMgr: %v", name, err)
		return deverrors.New("RegisterService", deverrors.RemoteTransient, err, "forwarding %s", name)
	}
	return nil
}

// UnregisterDeviceManager withdraws this node at shutdown, best-effort
// and never blocking shutdown on failure.
func (c *Client) UnregisterDeviceManager(ctx context.Context, ref bus.ObjectRef) {
	if err := c.wrapped.UnregisterDeviceManager(ctx, ref); err != nil {
		log.Infof("best-effort unregister from DomMgr failed: %v", err)
	}
}
