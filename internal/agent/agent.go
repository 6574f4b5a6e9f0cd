// Package agent bridges a data connection to the OS network stack. An Agent
// publishes capabilities, link properties and score for exactly one owning
// connection at a time, and relays the stack's callbacks back onto the
// owner's handler. Ownership moves between connections during handover.
package agent

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

var (
	// ErrNotOwner is returned when a caller other than the owner publishes.
	ErrNotOwner = errors.New("agent: caller is not the owner")
	// ErrUnregistered is returned for calls after Unregister.
	ErrUnregistered = errors.New("agent: unregistered")
	// ErrImmutableCapability is returned when an update would revoke
	// NOT_RESTRICTED from a network that already advertised it.
	ErrImmutableCapability = errors.New("agent: immutable capability revoked")
)

// Owner is the connection currently holding an agent. The agent never calls
// Handle* directly; it posts them through Post so they run on the owner's
// handler.
type Owner interface {
	ConnectionID() int
	Post(func())
	HandleUnwanted()
	HandleBandwidthRequest()
	HandleKeepaliveStart(slot int, interval time.Duration, pkt dataservice.KeepalivePacket)
	HandleKeepaliveStop(slot int)
}

// ValidationStatus is the stack's verdict on internet reachability.
type ValidationStatus int

const (
	ValidationNotValid ValidationStatus = iota
	ValidationValid
)

// Config configures a new Agent.
type Config struct {
	Transport radio.Transport
	Stack     NetworkStack
	Registry  *Registry
	Logger    logging.Logger
	// OnValidation receives validation changes. It is called on the stack's
	// goroutine and must hop onto its own handler.
	OnValidation func(status ValidationStatus, redirect string)
}

type keepaliveSlot struct {
	handle  int
	started bool
}

// QosFilter is the filter a QoS callback registered with the stack.
type QosFilter struct {
	Remote     netip.Addr
	RemotePort int
}

// Agent is one network published to the OS stack.
type Agent struct {
	id           string
	stack        NetworkStack
	registry     *Registry
	log          logging.Logger
	onValidation func(ValidationStatus, string)

	// ownerMu guards owner and transport only. Stack callbacks race with
	// ownership transfer during handover.
	ownerMu   sync.Mutex
	owner     Owner
	transport radio.Transport

	mu           sync.Mutex
	caps         netcap.Capabilities
	lp           *netcap.LinkProperties
	score        int
	subtype      radio.RAT
	connected    bool
	unregistered bool
	keepalives   map[int]*keepaliveSlot
	qosFilters   map[int]QosFilter
	qosMatches   map[int]int
	sessions     []dataservice.QosBearerSession
}

// New creates an agent owned by owner and registers it with the stack.
func New(cfg Config, owner Owner, caps netcap.Capabilities, lp *netcap.LinkProperties, score int) (*Agent, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	if lp == nil {
		lp = &netcap.LinkProperties{}
	}
	a := &Agent{
		id:           uuid.NewString(),
		stack:        cfg.Stack,
		registry:     cfg.Registry,
		onValidation: cfg.OnValidation,
		owner:        owner,
		transport:    cfg.Transport,
		caps:         caps.Clone(),
		lp:           lp.Clone(),
		score:        score,
		keepalives:   make(map[int]*keepaliveSlot),
		qosFilters:   make(map[int]QosFilter),
		qosMatches:   make(map[int]int),
	}
	a.log = log.With(logging.String("agent_id", a.id))

	if a.stack != nil {
		if err := a.stack.Register(a, a.caps, a.lp, score); err != nil {
			return nil, errors.Wrap(err, "register with network stack")
		}
	}
	if a.registry != nil {
		if err := a.registry.Register(a); err != nil {
			if a.stack != nil {
				a.stack.Unregister(a.id)
			}
			return nil, err
		}
	}
	a.log.Info(context.Background(), "network agent created",
		logging.Int("owner", owner.ConnectionID()),
		logging.String("transport", cfg.Transport.String()),
		logging.Int("score", score))
	return a, nil
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Owner returns the current owner, or nil when the agent is dangling.
func (a *Agent) Owner() Owner {
	a.ownerMu.Lock()
	defer a.ownerMu.Unlock()
	return a.owner
}

// Transport returns the transport of the current owner.
func (a *Agent) Transport() radio.Transport {
	a.ownerMu.Lock()
	defer a.ownerMu.Unlock()
	return a.transport
}

// IsOwnedBy reports whether o currently owns the agent.
func (a *Agent) IsOwnedBy(o Owner) bool {
	a.ownerMu.Lock()
	defer a.ownerMu.Unlock()
	return a.owner != nil && o != nil && a.owner.ConnectionID() == o.ConnectionID()
}

// AcquireOwnership hands the agent to o, typically the handover target.
func (a *Agent) AcquireOwnership(o Owner, transport radio.Transport) {
	a.ownerMu.Lock()
	prev := a.owner
	a.owner = o
	a.transport = transport
	a.ownerMu.Unlock()

	fields := []logging.Field{logging.Int("owner", o.ConnectionID()), logging.String("transport", transport.String())}
	if prev != nil {
		fields = append(fields, logging.Int("previous_owner", prev.ConnectionID()))
	}
	a.log.Info(context.Background(), "ownership acquired", fields...)
}

// ReleaseOwnership clears the owner if o holds it. Releasing an agent that is
// already unowned, or owned by someone else, is logged and ignored.
func (a *Agent) ReleaseOwnership(o Owner) {
	a.ownerMu.Lock()
	defer a.ownerMu.Unlock()
	switch {
	case a.owner == nil:
		a.log.Warn(context.Background(), "release on unowned agent", logging.Int("caller", o.ConnectionID()))
	case a.owner.ConnectionID() != o.ConnectionID():
		a.log.Warn(context.Background(), "release by non-owner",
			logging.Int("caller", o.ConnectionID()), logging.Int("owner", a.owner.ConnectionID()))
	default:
		a.owner = nil
	}
}

func (a *Agent) checkOwner(o Owner, op string) error {
	if !a.IsOwnedBy(o) {
		a.log.Warn(context.Background(), "publish by non-owner ignored",
			logging.String("op", op), logging.Int("caller", o.ConnectionID()))
		return ErrNotOwner
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unregistered {
		return ErrUnregistered
	}
	return nil
}

// SendCapabilities publishes caps if they changed since the last send.
func (a *Agent) SendCapabilities(o Owner, caps netcap.Capabilities) error {
	if err := a.checkOwner(o, "capabilities"); err != nil {
		return err
	}
	a.mu.Lock()
	if a.caps.Equal(caps) {
		a.mu.Unlock()
		return nil
	}
	if a.caps.Has(netcap.CapNotRestricted) && !caps.Has(netcap.CapNotRestricted) {
		a.mu.Unlock()
		a.log.Error(context.Background(), "refusing to revoke NOT_RESTRICTED",
			logging.Any("old", a.caps.Names()), logging.Any("new", caps.Names()))
		return ErrImmutableCapability
	}
	a.caps = caps.Clone()
	a.mu.Unlock()

	if a.stack != nil {
		a.stack.UpdateCapabilities(a.id, caps.Clone())
	}
	return nil
}

// SendLinkProperties publishes lp if it changed since the last send.
func (a *Agent) SendLinkProperties(o Owner, lp *netcap.LinkProperties) error {
	if err := a.checkOwner(o, "link_properties"); err != nil {
		return err
	}
	if lp == nil {
		lp = &netcap.LinkProperties{}
	}
	a.mu.Lock()
	if a.lp.Equal(lp) {
		a.mu.Unlock()
		return nil
	}
	a.lp = lp.Clone()
	a.mu.Unlock()

	if a.stack != nil {
		a.stack.UpdateLinkProperties(a.id, lp.Clone())
	}
	return nil
}

// SendScore publishes score if it changed.
func (a *Agent) SendScore(o Owner, score int) error {
	if err := a.checkOwner(o, "score"); err != nil {
		return err
	}
	a.mu.Lock()
	if a.score == score {
		a.mu.Unlock()
		return nil
	}
	a.score = score
	a.mu.Unlock()

	if a.stack != nil {
		a.stack.UpdateScore(a.id, score)
	}
	return nil
}

// UpdateLegacySubtype publishes the RAT the network currently runs on.
func (a *Agent) UpdateLegacySubtype(o Owner, rat radio.RAT) error {
	if err := a.checkOwner(o, "subtype"); err != nil {
		return err
	}
	a.mu.Lock()
	a.subtype = rat
	a.mu.Unlock()
	if a.stack != nil {
		a.stack.SetLegacySubtype(a.id, rat)
	}
	return nil
}

// MarkConnected tells the stack the network is usable.
func (a *Agent) MarkConnected(o Owner) error {
	if err := a.checkOwner(o, "connected"); err != nil {
		return err
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	if a.stack != nil {
		a.stack.MarkConnected(a.id)
	}
	return nil
}

// Unregister removes the network from the stack and the registry.
func (a *Agent) Unregister(o Owner) error {
	if err := a.checkOwner(o, "unregister"); err != nil {
		return err
	}
	a.mu.Lock()
	a.unregistered = true
	a.connected = false
	a.mu.Unlock()

	if a.stack != nil {
		a.stack.Unregister(a.id)
	}
	if a.registry != nil {
		a.registry.Unregister(a.id)
	}
	a.log.Info(context.Background(), "network agent unregistered", logging.Int("owner", o.ConnectionID()))
	return nil
}

// Unregistered reports whether Unregister has run.
func (a *Agent) Unregistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unregistered
}

// Capabilities returns the last published capabilities.
func (a *Agent) Capabilities() netcap.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps.Clone()
}

// LinkProperties returns the last published link properties.
func (a *Agent) LinkProperties() *netcap.LinkProperties {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lp.Clone()
}

// Score returns the last published score.
func (a *Agent) Score() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.score
}

// OnUnwanted is called by the stack when no request needs the network.
func (a *Agent) OnUnwanted() {
	o := a.Owner()
	if o == nil {
		a.log.Warn(context.Background(), "unwanted on unowned agent")
		return
	}
	o.Post(o.HandleUnwanted)
}

// OnBandwidthUpdateRequested is called by the stack to refresh estimates.
func (a *Agent) OnBandwidthUpdateRequested() {
	o := a.Owner()
	if o == nil {
		return
	}
	o.Post(o.HandleBandwidthRequest)
}

// OnValidationStatus is called by the stack after each validation attempt.
func (a *Agent) OnValidationStatus(status ValidationStatus, redirect string) {
	if a.Owner() == nil {
		a.log.Debug(context.Background(), "validation on unowned agent dropped")
		return
	}
	if a.onValidation != nil {
		a.onValidation(status, redirect)
	}
}

// OnStartKeepalive is called by the stack to start a NAT-T keepalive.
func (a *Agent) OnStartKeepalive(slot int, interval time.Duration, pkt dataservice.KeepalivePacket) {
	o := a.Owner()
	if o == nil {
		if a.stack != nil {
			a.stack.KeepaliveEvent(a.id, slot, KeepaliveErrorInvalidNetwork)
		}
		return
	}
	o.Post(func() { o.HandleKeepaliveStart(slot, interval, pkt) })
}

// OnStopKeepalive is called by the stack to stop a keepalive.
func (a *Agent) OnStopKeepalive(slot int) {
	o := a.Owner()
	if o == nil {
		return
	}
	o.Post(func() { o.HandleKeepaliveStop(slot) })
}

// OnQosCallbackRegistered is called by the stack when an app asks for QoS
// session updates matching filter.
func (a *Agent) OnQosCallbackRegistered(callbackID int, filter QosFilter) {
	o := a.Owner()
	if o == nil {
		return
	}
	o.Post(func() {
		a.mu.Lock()
		a.qosFilters[callbackID] = filter
		a.mu.Unlock()
		a.matchQos()
	})
}

// OnQosCallbackUnregistered drops a QoS callback.
func (a *Agent) OnQosCallbackUnregistered(callbackID int) {
	o := a.Owner()
	if o == nil {
		return
	}
	o.Post(func() {
		a.mu.Lock()
		delete(a.qosFilters, callbackID)
		delete(a.qosMatches, callbackID)
		a.mu.Unlock()
	})
}
