// Package dataconn implements the per-call connection state machine. A
// Connection owns one modem data call from bring-up to teardown, publishes it
// to the network stack through an agent.Agent, and reports completions to the
// tracker that owns it. Every method that mutates state runs on the
// connection's handler; the exported entry points only post events.
package dataconn

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/cellular-data-manager/internal/agent"
	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/carrier"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/handler"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

const (
	// InvalidCID marks a connection without a modem data call.
	InvalidCID = -1
	// PduSessionIDNotSet marks a connection without an allocated session id.
	PduSessionIDNotSet = -1
	// InvalidSubID marks an unset subscription.
	InvalidSubID = -1

	scoreDefault  = 45
	scoreInternet = 50
)

var instanceCounter atomic.Int64

// FailBringUp injects synthetic setup failures. While Counter is positive
// each bring-up fails with Cause without contacting the data service.
type FailBringUp struct {
	Cause      dataservice.FailCause
	RetryAfter time.Duration
	Counter    int
}

type attachment struct {
	ctx RequestContext
	cp  *ConnectParams
}

// Connection is one data call and its lifecycle.
type Connection struct {
	id        int
	name      string
	transport radio.Transport

	h        *handler.Handler
	svc      dataservice.Service
	modem    dataservice.Modem
	registry Registry
	listener Listener
	env      Env
	stack    agent.NetworkStack
	agents   *agent.Registry
	ifaces   *InterfaceRegistry
	observer Observer
	log      logging.Logger
	ctx      context.Context

	state      State
	pending    State
	hasPending bool
	deferred   []Event

	tag      int
	cid      int
	pduID    int
	setting  *apn.Setting
	lp       *netcap.LinkProperties
	attached []attachment
	pcscf    []string

	// allocatedPdu is set when the connection allocated pduID itself.
	allocatedPdu bool

	subID    int
	rat      radio.RAT
	regState radio.RegState

	downlinkKbps int
	uplinkKbps   int
	suspended    bool

	handoverState       HandoverState
	handoverSourceAgent *agent.Agent
	agent               *agent.Agent
	score               int

	disabledTypes      apn.Type
	restrictedOverride bool
	unmeteredOnly      bool
	mmsOnly            bool
	enterprise         bool
	unmeteredOverride  bool
	congestedOverride  bool
	adminUIDs          []int

	defaultQos  *dataservice.Qos
	qosSessions []dataservice.QosBearerSession
	slice       *dataservice.SliceInfo
	tds         []apn.TrafficDescriptor

	connParams    *ConnectParams
	discParams    *DisconnectParams
	failCause     dataservice.FailCause
	hoFailureMode dataservice.HandoverFailureMode

	createTime  time.Time
	lastFail    dataservice.FailCause
	lastFailAt  time.Time
	failBringUp FailBringUp

	setupStart time.Time
	setupSpan  trace.Span

	events *eventLog
}

// New creates an inactive connection and adds it to the registry.
func New(deps Deps) *Connection {
	log := deps.Logger
	if log == nil {
		log = logging.Noop()
	}
	obs := deps.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	id := int(instanceCounter.Add(1))
	prefix := "C"
	if deps.Transport == radio.TransportWLAN {
		prefix = "I"
	}
	name := fmt.Sprintf("DC-%s-%d", prefix, id)
	c := &Connection{
		id:        id,
		name:      name,
		transport: deps.Transport,
		h:         deps.Handler,
		svc:       deps.Service,
		modem:     deps.Modem,
		registry:  deps.Registry,
		listener:  deps.Listener,
		env:       deps.Env,
		stack:     deps.Stack,
		agents:    deps.Agents,
		ifaces:    deps.Interfaces,
		observer:  obs,
		log:       log.With(logging.String("dc", name)),
		ctx:       context.Background(),
		state:     StateInactive,
		events:    newEventLog(eventLogSize),
	}
	c.clearSettings()
	c.adminUIDs = slices.Clone(c.carrierConfig().AdminUIDs)
	c.rat = radio.RATUnknown
	c.regState = radio.RegOutOfService
	if c.env != nil {
		ss := c.env.ServiceState()
		c.rat = ss.RAT
		c.regState = ss.RegState
	}
	if c.registry != nil {
		c.registry.Add(c)
	}
	return c
}

// send posts ev onto the handler.
func (c *Connection) send(ev Event) {
	c.h.Post(func() { c.dispatch(ev) })
}

// BringUp asks the connection to set up a data call for cp.Context.
func (c *Connection) BringUp(cp *ConnectParams) {
	c.send(evConnect{cp: cp})
}

// TearDown detaches dp.Context and releases the call when it was the last.
func (c *Connection) TearDown(dp *DisconnectParams) {
	c.send(evDisconnect{dp: dp})
}

// TearDownAll releases the call regardless of how many contexts use it.
func (c *Connection) TearDownAll(reason string, release dataservice.ReleaseType, onComplete func(DisconnectCompletion)) {
	c.send(evDisconnectAll{dp: &DisconnectParams{Reason: reason, ReleaseType: release, OnComplete: onComplete}})
}

// TearDownNow deactivates the call without waiting for the state machine.
func (c *Connection) TearDownNow() { c.send(evTearDownNow{}) }

// Reset returns the connection to inactive without contacting the modem.
func (c *Connection) Reset() { c.send(evReset{}) }

// LostConnection reports that the modem dropped the call. A negative tag
// applies to whatever attempt is current.
func (c *Connection) LostConnection(tag int) { c.send(evLostConnection{tag: tag}) }

// CancelHandover reverts a handover this connection is the source of.
func (c *Connection) CancelHandover() {
	c.h.Post(c.cancelHandover)
}

// NotifyRATChanged reports a registration or technology change.
func (c *Connection) NotifyRATChanged(regState radio.RegState, rat radio.RAT) {
	c.send(evRATChanged{regState: regState, rat: rat})
}

// NotifyRoamingChanged reports roaming on or off.
func (c *Connection) NotifyRoamingChanged() { c.send(evRoamChanged{}) }

// NotifyNRStateChanged reports an NR NSA state change.
func (c *Connection) NotifyNRStateChanged() { c.send(evNRStateChanged{}) }

// NotifyNRFrequencyChanged reports an NR frequency range change.
func (c *Connection) NotifyNRFrequencyChanged() { c.send(evNRFrequencyChanged{}) }

// NotifyBandwidthTableChanged reports new carrier bandwidth values.
func (c *Connection) NotifyBandwidthTableChanged() { c.send(evBandwidthTableChanged{}) }

// NotifySuspendInputsChanged reports a voice call or concurrency change.
func (c *Connection) NotifySuspendInputsChanged(reason string) {
	c.send(evSuspendInputsChanged{reason: reason})
}

// SetUnmeteredOverride applies the subscription's temporary unmetered flag.
func (c *Connection) SetUnmeteredOverride(unmetered bool) {
	c.send(evMeteredOverride{metered: unmetered})
}

// SetCongestedOverride applies the subscription's congestion flag.
func (c *Connection) SetCongestedOverride(congested bool) {
	c.send(evCongestedOverride{congested: congested})
}

// NotifyLinkCapacity reports a modem bandwidth estimate.
func (c *Connection) NotifyLinkCapacity(lc dataservice.LinkCapacity) {
	c.send(evLinkCapacity{lc: lc})
}

// NotifyBandwidthEstimate reports an estimator update.
func (c *Connection) NotifyBandwidthEstimate(downKbps, upKbps int) {
	c.send(evBandwidthEstimate{downKbps: downKbps, upKbps: upKbps})
}

// ReevaluateRestricted relaxes restricted and unmetered-only flags when the
// conditions that set them no longer hold.
func (c *Connection) ReevaluateRestricted() { c.send(evReevaluateRestricted{}) }

// ReevaluateProperties recomputes the score.
func (c *Connection) ReevaluateProperties() { c.send(evReevaluateProperties{}) }

// SetAdminUIDs replaces the carrier administrator uids.
func (c *Connection) SetAdminUIDs(uids []int) {
	c.send(evAdminUIDsChanged{uids: slices.Clone(uids)})
}

// NotifyKeepaliveStatus relays an unsolicited modem keepalive status.
func (c *Connection) NotifyKeepaliveStatus(status dataservice.KeepaliveStatus) {
	c.send(evKeepaliveStatus{status: status})
}

// NotifyNetworkPolicyChanged re-applies the external network policy.
func (c *Connection) NotifyNetworkPolicyChanged() { c.send(evNetworkPolicyChanged{}) }

// UpdateQos replaces the default QoS and dedicated bearers.
func (c *Connection) UpdateQos(defaultQos *dataservice.Qos, sessions []dataservice.QosBearerSession) {
	c.send(evQosChanged{defaultQos: defaultQos, sessions: slices.Clone(sessions)})
}

// SetFailBringUp installs a synthetic failure for the next bring-ups.
func (c *Connection) SetFailBringUp(f FailBringUp) {
	c.h.Post(func() { c.failBringUp = f })
}

// Dispose removes the connection from the registry. The connection must be
// inactive.
func (c *Connection) Dispose() {
	c.h.Post(func() {
		if c.state != StateInactive {
			c.log.Warn(c.ctx, "dispose of a live connection", logging.String("state", c.state.String()))
		}
		if c.registry != nil {
			c.registry.Remove(c)
		}
	})
}

// agent.Owner

// ConnectionID returns the process-unique connection id.
func (c *Connection) ConnectionID() int { return c.id }

// Post runs f on the connection's handler.
func (c *Connection) Post(f func()) { c.h.Post(f) }

func (c *Connection) HandleUnwanted()         { c.dispatch(evUnwanted{}) }
func (c *Connection) HandleBandwidthRequest() { c.dispatch(evBandwidthRequest{}) }

func (c *Connection) HandleKeepaliveStart(slot int, interval time.Duration, pkt dataservice.KeepalivePacket) {
	c.dispatch(evKeepaliveStart{slot: slot, interval: interval, pkt: pkt})
}

func (c *Connection) HandleKeepaliveStop(slot int) { c.dispatch(evKeepaliveStop{slot: slot}) }

// Accessors below must be called on the handler.

func (c *Connection) ID() int                          { return c.id }
func (c *Connection) Name() string                     { return c.name }
func (c *Connection) Transport() radio.Transport       { return c.transport }
func (c *Connection) State() State                     { return c.state }
func (c *Connection) Tag() int                         { return c.tag }
func (c *Connection) CID() int                         { return c.cid }
func (c *Connection) PduSessionID() int                { return c.pduID }
func (c *Connection) Setting() *apn.Setting            { return c.setting }
func (c *Connection) SubID() int                       { return c.subID }
func (c *Connection) Score() int                       { return c.score }
func (c *Connection) Suspended() bool                  { return c.suspended }
func (c *Connection) HandoverState() HandoverState     { return c.handoverState }
func (c *Connection) Agent() *agent.Agent              { return c.agent }
func (c *Connection) FailCause() dataservice.FailCause { return c.failCause }
func (c *Connection) CreateTime() time.Time            { return c.createTime }

func (c *Connection) IsInactive() bool   { return c.state == StateInactive }
func (c *Connection) IsActivating() bool { return c.state == StateActivating }
func (c *Connection) IsActive() bool     { return c.state == StateActive }

// IsDisconnecting reports whether the call is being released.
func (c *Connection) IsDisconnecting() bool {
	return c.state == StateDisconnecting || c.state == StateDisconnectingErrorCreatingConnection
}

// LinkProperties returns a copy of the current link properties.
func (c *Connection) LinkProperties() *netcap.LinkProperties { return c.lp.Clone() }

// Capabilities derives the capabilities the connection would publish now.
func (c *Connection) Capabilities() netcap.Capabilities { return c.networkCapabilities() }

// Bandwidth returns the current downlink and uplink estimate in kbps.
func (c *Connection) Bandwidth() (down, up int) { return c.downlinkKbps, c.uplinkKbps }

// LastFailure returns the cause and time of the last failed bring-up.
func (c *Connection) LastFailure() (dataservice.FailCause, time.Time) {
	return c.lastFail, c.lastFailAt
}

// TrafficDescriptors returns the descriptors of the current call.
func (c *Connection) TrafficDescriptors() []apn.TrafficDescriptor { return slices.Clone(c.tds) }

// Contexts returns the attached request contexts in attach order.
func (c *Connection) Contexts() []RequestContext {
	out := make([]RequestContext, 0, len(c.attached))
	for _, a := range c.attached {
		out = append(out, a.ctx)
	}
	return out
}

// IsAttached reports whether ctx uses this connection.
func (c *Connection) IsAttached(ctx RequestContext) bool { return c.attachmentIndex(ctx) >= 0 }

// APNTypes returns the purposes the connection serves.
func (c *Connection) APNTypes() apn.Type { return c.apnTypeBitmask() }

// CanHandleDefault reports whether the profile serves DEFAULT and the
// connection is not restricted.
func (c *Connection) CanHandleDefault() bool {
	return !c.restrictedOverride && c.setting != nil && c.setting.CanHandleType(apn.TypeDefault)
}

// IsEmergency reports whether the connection serves the emergency purpose.
func (c *Connection) IsEmergency() bool { return c.setting.IsEmergency() }

func (c *Connection) String() string {
	return fmt.Sprintf("{%s state=%s cid=%d tag=%d apn=%s}", c.name, c.state, c.cid, c.tag, c.setting)
}

func (c *Connection) attachmentIndex(ctx RequestContext) int {
	return slices.IndexFunc(c.attached, func(a attachment) bool { return a.ctx == ctx })
}

func (c *Connection) attach(cp *ConnectParams) {
	if i := c.attachmentIndex(cp.Context); i >= 0 {
		c.attached[i].cp = cp
		return
	}
	c.attached = append(c.attached, attachment{ctx: cp.Context, cp: cp})
}

func (c *Connection) detach(ctx RequestContext) {
	if i := c.attachmentIndex(ctx); i >= 0 {
		c.attached = slices.Delete(c.attached, i, i+1)
	}
}

func (c *Connection) carrierConfig() *carrier.Config {
	if c.env != nil {
		if cfg := c.env.Carrier(); cfg != nil {
			return cfg
		}
	}
	def := carrier.Default()
	return &def
}

func (c *Connection) serviceState() ServiceState {
	if c.env == nil {
		return ServiceState{RegState: c.regState, RAT: c.rat}
	}
	return c.env.ServiceState()
}
