// Package eventbus implements the Event Notifier, component G:
// publishing device/service state-change events on the domain's
// IDM_Channel equivalent, with an mDNS-based fallback discovery path
// when no channel is reachable, grounded in the teacher's
// mounttablelib/neighborhood.go use of github.com/vanadium/go-mdns-sd.
package eventbus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	mdns "github.com/vanadium/go-mdns-sd"

	"github.com/sdrkit/devmgr/internal/logging"
)

var log = logging.New("eventbus")

// serviceName is the mDNS service type advertised/subscribed to,
// playing the role "vanadium" plays in neighborhood.go's
// SubscribeToService/ScanInterfaces calls.
const serviceName = "sdrkit-devmgr"

// Event is one state-change notification, the payload REDHAWK's
// original publishes on the domain's IDM_Channel (event.StateChangeEventType).
type Event struct {
	// ID correlates this event across the primary channel and the mDNS
	// fallback path, the same role a per-call uuid plays threaded
	// through the teacher's rpc.WithRequestID/RequestID.
	ID         uuid.UUID
	SourceID   string
	SourceName string
	StateFrom  string
	StateTo    string
	ProducerID string
}

// NewEvent builds an Event with a fresh correlation ID assigned.
func NewEvent(sourceID, sourceName, stateFrom, stateTo, producerID string) Event {
	return Event{
		ID:         uuid.New(),
		SourceID:   sourceID,
		SourceName: sourceName,
		StateFrom:  stateFrom,
		StateTo:    stateTo,
		ProducerID: producerID,
	}
}

// Channel publishes Events. This module ships no Channel
// implementation and cmd/devmgr installs none, so outside tests
// Notifier always takes its mDNS fallback path.
type Channel interface {
	Publish(ctx context.Context, ev Event) error
}

// Notifier is component G. It holds a primary Channel (installed with
// SetPrimary) and falls back to mDNS-based peer discovery when
// the primary is unset or failing, exactly the role neighborhood.go
// plays as the mounttable's disconnected-operation fallback.
type Notifier struct {
	mu      sync.RWMutex
	primary Channel

	mdnsSrv *mdns.MDNS
	host    string
}

// New creates a Notifier advertising itself as host over mDNS for
// fallback discovery. The mDNS session is started lazily on first use
// so that Notifiers created purely for unit testing never touch the
// network.
func New(host string) *Notifier {
	return &Notifier{host: host}
}

// SetPrimary installs the channel Publish sends events to.
func (n *Notifier) SetPrimary(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.primary = ch
}

// startFallback lazily brings up the mDNS service, mirroring
// newNeighborhood's mdns.NewMDNS(host, ..., loopback, 0) plus a
// SubscribeToService("vanadium") call, generalized to this module's
// own service name.
func (n *Notifier) startFallback() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mdnsSrv != nil {
		return nil
	}
	m, err := mdns.NewMDNS(n.host, "", "", false, 0)
	if err != nil {
		return err
	}
	m.SubscribeToService(serviceName)
	n.mdnsSrv = m
	return nil
}

// Publish sends ev on the primary channel if one is installed and
// healthy; otherwise it starts the mDNS fallback session and rescans
// interfaces so local peers can discover this device manager. On that
// path ev itself is not delivered anywhere.
func (n *Notifier) Publish(ctx context.Context, ev Event) error {
	n.mu.RLock()
	primary := n.primary
	n.mu.RUnlock()
	if primary != nil {
		if err := primary.Publish(ctx, ev); err == nil {
			return nil
		}
		log.Infof("primary event channel failed, falling back to local discovery for %s (event %s)", ev.SourceName, ev.ID)
	}
	if err := n.startFallback(); err != nil {
		return err
	}
	// mDNS fallback is peer-discovery-only (it has no payload channel of
	// its own); publishing means re-scanning so a freshly started peer
	// that is interested in this service discovers us promptly.
	n.mu.RLock()
	srv := n.mdnsSrv
	n.mu.RUnlock()
	if srv != nil {
		if _, err := srv.ScanInterfaces(); err != nil {
			log.Infof("mdns fallback scan failed: %v", err)
		}
	}
	return nil
}

// Stop tears down the mDNS session, if one was started.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mdnsSrv != nil {
		n.mdnsSrv.Stop()
		n.mdnsSrv = nil
	}
}
