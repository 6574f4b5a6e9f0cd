// Package tracker decides when data connections are brought up and torn
// down. One Tracker runs per transport; it owns a context per APN purpose,
// evaluates whether data is allowed, walks candidate profiles with retry and
// backoff, and reacts to radio, subscription and policy changes.
package tracker

import (
	"context"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/agent"
	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/carrier"
	"github.com/signalsfoundry/cellular-data-manager/internal/controller"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/handler"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
	"github.com/signalsfoundry/cellular-data-manager/internal/settings"
	"github.com/signalsfoundry/cellular-data-manager/internal/throttle"
)

// Reasons recorded on contexts and passed to teardowns.
const (
	ReasonDataEnabled           = "dataEnabled"
	ReasonDataDisabledInternal  = "dataDisabledInternal"
	ReasonDataSpecificDisabled  = "specificDisabled"
	ReasonCarrierDisableMetered = "carrierActionDisableMeteredApn"
	ReasonRoamingOn             = "roamingOn"
	ReasonRoamingOff            = "roamingOff"
	ReasonDataAttached          = "dataAttached"
	ReasonSIMLoaded             = "simLoaded"
	ReasonSIMNotReady           = "simNotReady"
	ReasonAPNChanged            = "apnChanged"
	ReasonRATChanged            = "nwTypeChanged"
	ReasonVoiceCallEnded        = "2GVoiceCallEnded"
	ReasonPSRestrictDisabled    = "psRestrictDisabled"
	ReasonRadioOn               = "radioOn"
	ReasonCarrierChange         = "carrierConfigChanged"
	ReasonDataStall             = "dataStall"
	ReasonRetry                 = "dataRetry"
	ReasonProvisioningTimeout   = "provisioningTimeout"
	ReasonDefaultDataSelected   = "defaultDataSelectionChanged"
	ReasonServiceBound          = "dataServiceBound"
	ReasonServiceUnbound        = "dataServiceUnbound"
	ReasonECBMExit              = "exitEmergencyCallbackMode"
	ReasonConnectionCleanup     = "connectionCleanup"
)

// Metrics receives tracker events worth counting.
type Metrics interface {
	RetryScheduled(transport radio.Transport, t apn.Type, delay time.Duration)
	RecoveryAction(transport radio.Transport, action string)
	ContextStateChanged(transport radio.Transport, t apn.Type, from, to string)
}

type nopMetrics struct{}

func (nopMetrics) RetryScheduled(radio.Transport, apn.Type, time.Duration)       {}
func (nopMetrics) RecoveryAction(radio.Transport, string)                        {}
func (nopMetrics) ContextStateChanged(radio.Transport, apn.Type, string, string) {}

// TrafficCounter reports cumulative packet totals of the mobile interfaces.
type TrafficCounter interface {
	PacketTotals() (tx, rx int64)
}

// Config wires a Tracker.
type Config struct {
	Transport  radio.Transport
	Handler    *handler.Handler
	Service    dataservice.Service
	Modem      dataservice.Modem
	Stack      agent.NetworkStack
	Agents     *agent.Registry
	Interfaces *dataconn.InterfaceRegistry
	Peers      *Peers
	Settings   settings.Store

	Carrier carrier.Config
	Profile Profile
	SubID   int
	// ServiceState is the registration state at start.
	ServiceState dataconn.ServiceState

	Observer dataconn.Observer
	Metrics  Metrics
	// ControllerStats receives the call list reconciliation counters.
	ControllerStats *controller.Stats
	Traffic         TrafficCounter
	// Policy strips capabilities or vetoes a connection. Nil accepts
	// everything.
	Policy func(caps netcap.Capabilities, lp *netcap.LinkProperties) dataconn.PolicyResult
	Logger logging.Logger
}

// Tracker is the per-transport data connection orchestrator. Public methods
// post onto the handler; everything else runs on it.
type Tracker struct {
	transport radio.Transport
	h         *handler.Handler
	svc       dataservice.Service
	modem     dataservice.Modem
	ctl       *controller.Controller
	stack     agent.NetworkStack
	agents    *agent.Registry
	ifaces    *dataconn.InterfaceRegistry
	peers     *Peers
	store     settings.Store
	observer  dataconn.Observer
	metrics   Metrics
	traffic   TrafficCounter
	policy    func(netcap.Capabilities, *netcap.LinkProperties) dataconn.PolicyResult
	log       logging.Logger
	subID     int

	carrier        carrier.Config
	profile        Profile
	preferredAPNID int
	throttler      *throttle.Throttler

	contexts  map[apn.Type]*APNContext
	sorted    []*APNContext
	handovers map[apn.Type][]pendingHandover

	ss           dataconn.ServiceState
	sw           Conditions
	failFast     bool
	failFastRefs int
	radioOff     radioOffState
	lastProfiles []dataservice.DataProfile
	lastAttach   *dataservice.DataProfile
	linkStatus   dataservice.LinkStatus

	stall        stallState
	provisioning provisioningState
}

var (
	_ dataconn.Env        = (*Tracker)(nil)
	_ dataconn.Listener   = (*Tracker)(nil)
	_ controller.Listener = (*Tracker)(nil)
)

// New builds a tracker with a context for every purpose. Start must be called
// before requests are routed to it.
func New(cfg Config) *Tracker {
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.String("component", "tracker"), logging.String("transport", cfg.Transport.String()))
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	peers := cfg.Peers
	if peers == nil {
		peers = NewPeers()
	}
	store := cfg.Settings
	if store == nil {
		store = settings.NewMemoryStore()
	}
	t := &Tracker{
		transport:      cfg.Transport,
		h:              cfg.Handler,
		svc:            cfg.Service,
		modem:          cfg.Modem,
		stack:          cfg.Stack,
		agents:         cfg.Agents,
		ifaces:         cfg.Interfaces,
		peers:          peers,
		store:          store,
		observer:       cfg.Observer,
		metrics:        metrics,
		traffic:        cfg.Traffic,
		policy:         cfg.Policy,
		log:            log,
		subID:          cfg.SubID,
		carrier:        cfg.Carrier,
		profile:        cfg.Profile,
		preferredAPNID: cfg.Profile.PreferredAPNID,
		contexts:       make(map[apn.Type]*APNContext),
		handovers:      make(map[apn.Type][]pendingHandover),
		ss:             cfg.ServiceState,
		linkStatus:     dataservice.LinkUnknown,
		sw: Conditions{
			SIMReady:            true,
			RadioOn:             true,
			RadioEnabledCarrier: true,
			ServiceBound:        true,
			DefaultDataSelected: true,
			InternalDataEnabled: true,
			UserDataEnabled:     true,
			PolicyDataEnabled:   true,
			CarrierDataEnabled:  true,
		},
	}
	t.throttler = throttle.New(cfg.Transport, cfg.Handler.Now)
	for _, typ := range apn.TypeAll.Split() {
		t.addContext(typ)
	}
	t.addContext(apn.TypeEnterprise)
	sortByPriority(t.sorted)
	t.ctl = controller.New(controller.Config{
		Handler: cfg.Handler,
		Service: cfg.Service,
		Carrier: t.Carrier,
		Stats:   cfg.ControllerStats,
		Logger:  cfg.Logger,
	})
	peers.register(t)
	return t
}

func (t *Tracker) addContext(typ apn.Type) {
	rm := NewRetryManager(typ, t.throttler, t.h.Now, t.log)
	ctx := newAPNContext(typ, rm)
	t.contexts[typ] = ctx
	t.sorted = append(t.sorted, ctx)
}

// Transport returns the transport the tracker manages.
func (t *Tracker) Transport() radio.Transport { return t.transport }

// Controller returns the connection registry of the transport.
func (t *Tracker) Controller() *controller.Controller { return t.ctl }

// Handler returns the tracker's handler.
func (t *Tracker) Handler() *handler.Handler { return t.h }

// Start loads persisted settings, subscribes to the data service and pushes
// the carrier profiles to the modem.
func (t *Tracker) Start() { t.h.Post(t.start) }

func (t *Tracker) start() {
	ctx := context.Background()
	var err error
	if t.sw.UserDataEnabled, err = settings.Bool(ctx, t.store, t.subKey(settings.KeyDataEnabled), true); err != nil {
		t.log.Warn(ctx, "read data enabled", logging.Err(err))
	}
	if t.sw.DataRoamingEnabled, err = settings.Bool(ctx, t.store, t.subKey(settings.KeyDataRoaming), false); err != nil {
		t.log.Warn(ctx, "read data roaming", logging.Err(err))
	}
	if t.preferredAPNID, err = settings.Int(ctx, t.store, t.subKey(settings.KeyPreferredAPN), t.profile.PreferredAPNID); err != nil {
		t.log.Warn(ctx, "read preferred apn", logging.Err(err))
	}
	t.loadRecoveryAction()

	t.ctl.SetListener(t)
	t.ctl.Start()
	t.setDataProfilesAsNeeded()
	t.setInitialAttachAPN()
	t.log.Info(ctx, "tracker started",
		logging.Int("apns", len(t.profile.APNs)),
		logging.Bool("data_enabled", t.sw.UserDataEnabled),
		logging.Bool("roaming_enabled", t.sw.DataRoamingEnabled),
		logging.Int("preferred_apn", t.preferredAPNID))
}

func (t *Tracker) subKey(key string) string { return settings.SubKey(key, t.subID) }

// RequestNetwork attaches req to its purpose's context and tries to bring
// data up. cb, when set, resolves a handover request.
func (t *Tracker) RequestNetwork(req netcap.Request, reqType dataservice.RequestType, cb HandoverCallback) {
	t.h.Post(func() { t.requestNetwork(req, reqType, cb) })
}

// ReleaseNetwork detaches req from its purpose's context.
func (t *Tracker) ReleaseNetwork(req netcap.Request, releaseType dataservice.ReleaseType) {
	t.h.Post(func() { t.releaseNetwork(req, releaseType) })
}

func (t *Tracker) requestNetwork(req netcap.Request, reqType dataservice.RequestType, cb HandoverCallback) {
	ctx := t.contexts[req.APNType()]
	if ctx == nil {
		t.log.Warn(context.Background(), "no context for request", logging.String("request", req.String()))
		if cb != nil {
			cb(false, t.transport, false)
		}
		return
	}
	wasEnabled := ctx.IsEnabled()
	ctx.addRequest(req)
	t.log.Info(context.Background(), "request network", logging.String("type", ctx.typ.String()),
		logging.String("request_type", reqType.String()), logging.Int("requests", len(ctx.requests)))

	if wasEnabled {
		switch ctx.state {
		case StateConnecting, StateDisconnecting:
			t.addHandoverCallback(ctx.typ, cb)
			return
		case StateConnected:
			if cb != nil {
				cb(true, t.transport, false)
			}
			return
		}
	} else if ctx.state == StateFailed {
		t.setState(ctx, StateIdle)
	}
	ctx.reason = ReasonDataEnabled
	t.trySetupData(ctx, reqType, cb)
}

func (t *Tracker) releaseNetwork(req netcap.Request, releaseType dataservice.ReleaseType) {
	ctx := t.contexts[req.APNType()]
	if ctx == nil || !ctx.removeRequest(req) {
		return
	}
	t.log.Info(context.Background(), "release network", logging.String("type", ctx.typ.String()),
		logging.String("release_type", releaseType.String()), logging.Int("requests", len(ctx.requests)))
	if ctx.IsEnabled() {
		return
	}

	cleanup := releaseType == dataservice.ReleaseDetach || releaseType == dataservice.ReleaseHandover ||
		ctx.typ == apn.TypeDUN || ctx.state != StateConnected
	ctx.reason = ReasonDataDisabledInternal
	if cleanup {
		t.cleanUpConnectionInternal(ctx, true, releaseType)
	}
	if t.isSingleDataRAT() && !t.isHigherPriorityActive(ctx) {
		t.setupDataOnAllConnectableApns(dataconn.ReasonSingleDataArbitrate, retryAlways)
	}
}

// Snapshot captures the tracker's state. It blocks until the handler runs.
func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := t.h.Call(ctx, func() { s = t.snapshot() })
	return s, err
}

// DataAllowed evaluates whether a setup for typ could start now.
func (t *Tracker) DataAllowed(ctx context.Context, typ apn.Type) (Reasons, error) {
	var r Reasons
	err := t.h.Call(ctx, func() {
		c := t.contexts[typ]
		if c == nil {
			r = t.isDataAllowed(nil, dataservice.RequestNormal)
			return
		}
		r = t.isDataAllowed(c, dataservice.RequestNormal)
	})
	return r, err
}

// Snapshot is a point-in-time view of a tracker.
type Snapshot struct {
	Transport     string              `json:"transport"`
	OverallState  string              `json:"overall_state"`
	RAT           string              `json:"rat"`
	Roaming       bool                `json:"roaming"`
	PreferredAPN  int                 `json:"preferred_apn_id"`
	LinkStatus    string              `json:"link_status"`
	Provisioning  bool                `json:"provisioning"`
	RadioOffState string              `json:"radio_off,omitempty"`
	Contexts      []ContextSnapshot   `json:"contexts"`
	Connections   []dataconn.Snapshot `json:"connections"`
	Throttled     []string            `json:"throttled,omitempty"`
	Stall         StallSnapshot       `json:"stall"`
}

func (t *Tracker) snapshot() Snapshot {
	s := Snapshot{
		Transport:    t.transport.String(),
		OverallState: t.overallState().String(),
		RAT:          t.ss.RAT.String(),
		Roaming:      t.ss.Roaming,
		PreferredAPN: t.preferredAPNID,
		LinkStatus:   t.linkStatus.String(),
		Provisioning: t.provisioning.active,
		Stall:        t.stallSnapshot(),
	}
	if t.radioOff != radioOffNone {
		s.RadioOffState = t.radioOff.String()
	}
	for _, c := range t.sorted {
		cs := c.snapshot()
		if c.IsEnabled() {
			cs.Disallowed = t.isDataAllowed(c, dataservice.RequestNormal).String()
		}
		s.Contexts = append(s.Contexts, cs)
	}
	for _, conn := range t.ctl.Connections() {
		s.Connections = append(s.Connections, conn.Snapshot())
	}
	for _, st := range t.throttler.Statuses() {
		s.Throttled = append(s.Throttled, st.String())
	}
	return s
}

// overallState folds the context states into one.
func (t *Tracker) overallState() ContextState {
	connecting, failed, enabled := false, false, false
	for _, c := range t.sorted {
		if !c.IsEnabled() {
			continue
		}
		enabled = true
		switch c.state {
		case StateConnected, StateDisconnecting:
			return StateConnected
		case StateConnecting, StateRetrying:
			connecting = true
		case StateFailed:
			failed = true
		}
	}
	switch {
	case connecting:
		return StateConnecting
	case failed && enabled:
		return StateFailed
	}
	return StateIdle
}

func (t *Tracker) sortedContexts() []*APNContext { return t.sorted }

// context returns the tracker's own context behind rc.
func (t *Tracker) context(rc dataconn.RequestContext) *APNContext {
	if rc == nil {
		return nil
	}
	c := t.contexts[rc.APNType()]
	if c == nil || dataconn.RequestContext(c) != rc {
		return nil
	}
	return c
}

func (t *Tracker) setState(c *APNContext, s ContextState) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	t.log.Debug(context.Background(), "context state", logging.String("type", c.typ.String()),
		logging.String("from", from.String()), logging.String("to", s.String()))
	t.metrics.ContextStateChanged(t.transport, c.typ, from.String(), s.String())
	t.peers.publish(t.transport, c.typ, c.conn, s == StateConnected)
}

func (t *Tracker) setConnection(c *APNContext, conn *dataconn.Connection) {
	c.conn = conn
	t.peers.publish(t.transport, c.typ, conn, c.state == StateConnected)
}

func (t *Tracker) isAnyDataConnected() bool {
	for _, c := range t.sorted {
		if c.state == StateConnected {
			return true
		}
	}
	return false
}

func (t *Tracker) areAllDataDisconnected() bool {
	for _, c := range t.sorted {
		if !c.IsDisconnected() {
			return false
		}
	}
	return true
}

func (t *Tracker) isSingleDataRAT() bool { return t.carrier.IsSingleDataRAT(t.ss.RAT) }

// isHigherPriorityActive reports whether a context ranked above c is
// enabled and not failed. IMS never competes.
func (t *Tracker) isHigherPriorityActive(c *APNContext) bool {
	if c.typ == apn.TypeIMS {
		return false
	}
	for _, other := range t.sorted {
		if other.typ == apn.TypeIMS {
			continue
		}
		if other == c {
			return false
		}
		if other.IsEnabled() && other.state != StateFailed {
			return true
		}
	}
	return false
}

// conditions returns the device-wide inputs of a data-allowed evaluation.
func (t *Tracker) conditions() Conditions {
	c := t.sw
	c.Transport = t.transport
	c.RAT = t.ss.RAT
	c.Roaming = t.ss.Roaming
	c.Attached = t.ss.RegState == radio.RegInService
	c.VoiceCallActive = t.ss.VoiceCallActive
	c.ConcurrentVoiceData = t.ss.ConcurrentVoiceData
	c.Metered = t.carrier.Metered
	c.MMSAlwaysAllowed = t.carrier.MMSAlwaysAllowed
	return c
}

func (t *Tracker) contextInput(c *APNContext) *ContextInput {
	return &ContextInput{
		Type:               c.typ,
		State:              c.state,
		Enabled:            c.IsEnabled(),
		Restricted:         c.hasRestrictedRequest(),
		Throttled:          t.throttler.IsThrottled(c.typ),
		PreferredTransport: t.peers.PreferredTransport(c.typ),
		CurrentTransport:   t.peers.CurrentTransport(c.typ),
	}
}

func (t *Tracker) isDataAllowed(c *APNContext, reqType dataservice.RequestType) Reasons {
	var in *ContextInput
	if c != nil {
		in = t.contextInput(c)
	}
	return IsDataAllowed(t.conditions(), in, reqType)
}

// preferredAPN returns the preferred profile when it is still listed.
func (t *Tracker) preferredAPN() *apn.Setting {
	if t.preferredAPNID < 0 {
		return nil
	}
	return t.profile.FindAPN(t.preferredAPNID)
}

func (t *Tracker) setPreferredAPN(id int) {
	if t.preferredAPNID == id {
		return
	}
	t.preferredAPNID = id
	ctx := context.Background()
	var err error
	if id < 0 {
		err = t.store.Delete(ctx, t.subKey(settings.KeyPreferredAPN))
	} else {
		err = settings.PutInt(ctx, t.store, t.subKey(settings.KeyPreferredAPN), id)
	}
	if err != nil {
		t.log.Warn(ctx, "persist preferred apn", logging.Int("id", id), logging.Err(err))
	}
}

func (t *Tracker) candidateSource() candidateSource {
	return candidateSource{
		apns:           t.profile.APNs,
		preferred:      t.preferredAPN(),
		preferredSetID: t.profile.PreferredSetID,
		operator:       t.profile.Operator,
		carrierID:      t.profile.CarrierID,
	}
}

func (t *Tracker) buildWaitingAPNs(typ apn.Type) []*apn.Setting {
	list, drop := buildWaitingAPNs(t.candidateSource(), typ, t.ss.RAT)
	if drop {
		t.log.Info(context.Background(), "preferred apn does not match the subscription, clearing",
			logging.Int("id", t.preferredAPNID))
		t.setPreferredAPN(-1)
	}
	return list
}

// setDataProfilesAsNeeded pushes the profile list when it changed.
func (t *Tracker) setDataProfilesAsNeeded() {
	if t.svc == nil {
		return
	}
	preferred := t.preferredAPN()
	profiles := make([]dataservice.DataProfile, 0, len(t.profile.APNs))
	seen := make(map[int]bool)
	for _, s := range t.profile.APNs {
		if seen[s.ProfileID] && s.ProfileID != 0 {
			continue
		}
		seen[s.ProfileID] = true
		profiles = append(profiles, dataservice.NewDataProfile(s, s.Equal(preferred)))
	}
	if equalProfiles(profiles, t.lastProfiles) && t.lastProfiles != nil {
		return
	}
	t.lastProfiles = profiles
	t.svc.SetDataProfile(profiles, t.ss.Roaming, func(rc dataservice.ResultCode) {
		if rc != dataservice.ResultSuccess {
			t.log.Warn(context.Background(), "set data profile failed", logging.String("rc", rc.String()))
		}
	})
}

func equalProfiles(a, b []dataservice.DataProfile) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// setInitialAttachAPN picks the attach profile: an IA-capable profile, then
// the preferred one, then the first default-capable one, then the first
// non-emergency one.
func (t *Tracker) setInitialAttachAPN() {
	if t.svc == nil || t.transport != radio.TransportWWAN {
		return
	}
	var ia, def, firstNonEmergency *apn.Setting
	for _, s := range t.profile.APNs {
		if firstNonEmergency == nil && !s.IsEmergency() {
			firstNonEmergency = s
		}
		switch {
		case ia == nil && s.CanHandleType(apn.TypeIA):
			ia = s
		case def == nil && s.CanHandleType(apn.TypeDefault):
			def = s
		}
	}
	choice := ia
	if choice == nil {
		if p := t.preferredAPN(); p != nil && p.CanHandleType(apn.TypeDefault) {
			choice = p
		}
	}
	if choice == nil {
		choice = def
	}
	if choice == nil {
		choice = firstNonEmergency
	}
	if choice == nil {
		t.log.Info(context.Background(), "no initial attach apn")
		return
	}
	dp := dataservice.NewDataProfile(choice, choice.Equal(t.preferredAPN()))
	if t.lastAttach != nil && *t.lastAttach == dp {
		return
	}
	t.lastAttach = &dp
	t.log.Info(context.Background(), "initial attach apn", logging.String("apn", choice.APN))
	t.svc.SetInitialAttachAPN(dp, t.ss.Roaming, func(rc dataservice.ResultCode) {
		if rc != dataservice.ResultSuccess {
			t.log.Warn(context.Background(), "set initial attach apn failed", logging.String("rc", rc.String()))
		}
	})
}

// freeConnection returns an inactive connection no context references.
func (t *Tracker) freeConnection() *dataconn.Connection {
	for _, conn := range t.ctl.Connections() {
		if !conn.IsInactive() {
			continue
		}
		used := false
		for _, c := range t.sorted {
			if c.conn == conn {
				used = true
				break
			}
		}
		if !used {
			return conn
		}
	}
	return nil
}

func (t *Tracker) newConnection() *dataconn.Connection {
	return dataconn.New(dataconn.Deps{
		Transport:  t.transport,
		Handler:    t.h,
		Service:    t.svc,
		Modem:      t.modem,
		Registry:   t.ctl,
		Listener:   t,
		Env:        t,
		Stack:      t.stack,
		Agents:     t.agents,
		Interfaces: t.ifaces,
		Observer:   t.observer,
		Logger:     t.log,
	})
}

// dataconn.Env

func (t *Tracker) ServiceState() dataconn.ServiceState { return t.ss }

func (t *Tracker) Carrier() *carrier.Config { return &t.carrier }

func (t *Tracker) DataEnabled() bool { return t.conditions().DataEnabledFor(apn.TypeDefault) }

func (t *Tracker) DataRoamingEnabled() bool { return t.sw.DataRoamingEnabled }

func (t *Tracker) Throttler() *throttle.Throttler { return t.throttler }

func (t *Tracker) ApplyNetworkPolicy(caps netcap.Capabilities, lp *netcap.LinkProperties) dataconn.PolicyResult {
	if t.policy == nil {
		return dataconn.PolicyResult{Caps: caps}
	}
	return t.policy(caps, lp)
}
