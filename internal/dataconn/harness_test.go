package dataconn

import (
	"net/netip"
	"testing"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/agent"
	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/carrier"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/handler"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
	"github.com/signalsfoundry/cellular-data-manager/internal/throttle"
)

type testContext struct {
	t    apn.Type
	reqs []netcap.Request
}

func (c *testContext) APNType() apn.Type          { return c.t }
func (c *testContext) Requests() []netcap.Request { return c.reqs }

func internetContext() *testContext {
	return &testContext{t: apn.TypeDefault, reqs: []netcap.Request{netcap.NewRequest(netcap.CapInternet)}}
}

type recordingListener struct {
	setups      []SetupCompletion
	errs        []SetupCompletion
	disconnects []DisconnectCompletion
	tdUpdates   int
	validations []agent.ValidationStatus
}

func (l *recordingListener) OnSetupComplete(s SetupCompletion)      { l.setups = append(l.setups, s) }
func (l *recordingListener) OnSetupCompleteError(s SetupCompletion) { l.errs = append(l.errs, s) }
func (l *recordingListener) OnDisconnectDone(d DisconnectCompletion) {
	l.disconnects = append(l.disconnects, d)
}
func (l *recordingListener) OnTrafficDescriptorsUpdated() { l.tdUpdates++ }
func (l *recordingListener) OnNetworkValidation(_ *Connection, s agent.ValidationStatus, _ string) {
	l.validations = append(l.validations, s)
}

func (l *recordingListener) disconnectsFor(ctx RequestContext) int {
	n := 0
	for _, d := range l.disconnects {
		if d.Context == ctx {
			n++
		}
	}
	return n
}

type fakeRegistry struct {
	all           map[*Connection]bool
	active        map[int]*Connection
	tds           map[int][]apn.TrafficDescriptor
	defaultActive bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		all:           map[*Connection]bool{},
		active:        map[int]*Connection{},
		tds:           map[int][]apn.TrafficDescriptor{},
		defaultActive: true,
	}
}

func (r *fakeRegistry) Add(c *Connection)       { r.all[c] = true }
func (r *fakeRegistry) Remove(c *Connection)    { delete(r.all, c) }
func (r *fakeRegistry) AddActive(c *Connection) { r.active[c.CID()] = c }
func (r *fakeRegistry) RemoveActive(c *Connection) {
	for cid, a := range r.active {
		if a == c {
			delete(r.active, cid)
		}
	}
}
func (r *fakeRegistry) ActiveByCID(cid int) *Connection { return r.active[cid] }
func (r *fakeRegistry) TrafficDescriptors(cid int) []apn.TrafficDescriptor {
	return r.tds[cid]
}
func (r *fakeRegistry) SetTrafficDescriptors(cid int, tds []apn.TrafficDescriptor) {
	r.tds[cid] = tds
}
func (r *fakeRegistry) IsDefaultDataActive() bool { return r.defaultActive }

type fakeEnv struct {
	ss             ServiceState
	cfg            carrier.Config
	dataEnabled    bool
	roamingEnabled bool
	thr            *throttle.Throttler
	sources        map[apn.Type]*Connection
	policyStrip    netcap.Set
	teardown       bool
}

func (e *fakeEnv) ServiceState() ServiceState     { return e.ss }
func (e *fakeEnv) Carrier() *carrier.Config       { return &e.cfg }
func (e *fakeEnv) DataEnabled() bool              { return e.dataEnabled }
func (e *fakeEnv) DataRoamingEnabled() bool       { return e.roamingEnabled }
func (e *fakeEnv) Throttler() *throttle.Throttler { return e.thr }
func (e *fakeEnv) HandoverSource(t apn.Type) *Connection {
	return e.sources[t]
}
func (e *fakeEnv) ApplyNetworkPolicy(caps netcap.Capabilities, _ *netcap.LinkProperties) PolicyResult {
	caps.Caps &^= e.policyStrip
	return PolicyResult{Caps: caps, Teardown: e.teardown}
}

// harness wires connections of one transport to fakes sharing one handler.
type harness struct {
	t         *testing.T
	transport radio.Transport
	h         *handler.Handler
	sched     *handler.FakeAlarmScheduler
	svc       *dataservice.FakeService
	modem     *dataservice.FakeModem
	reg       *fakeRegistry
	lis       *recordingListener
	env       *fakeEnv
	stack     *agent.RecordingStack
	agents    *agent.Registry
	ifaces    *InterfaceRegistry
}

func newHarness(t *testing.T, transport radio.Transport) *harness {
	t.Helper()
	sched := handler.NewFakeAlarmScheduler(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	h := handler.New("dc-test-"+transport.String(), sched, logging.Noop())
	rat := radio.RATLTE
	if transport == radio.TransportWLAN {
		rat = radio.RATIWLAN
	}
	return &harness{
		t:         t,
		transport: transport,
		h:         h,
		sched:     sched,
		svc:       dataservice.NewFakeService(transport),
		modem:     dataservice.NewFakeModem(),
		reg:       newFakeRegistry(),
		lis:       &recordingListener{},
		env: &fakeEnv{
			ss:          ServiceState{RegState: radio.RegInService, RAT: rat, ConcurrentVoiceData: true},
			cfg:         carrier.Default(),
			dataEnabled: true,
			thr:         throttle.New(transport, sched.Now),
			sources:     map[apn.Type]*Connection{},
		},
		stack:  agent.NewRecordingStack(),
		agents: agent.NewRegistry(),
		ifaces: NewInterfaceRegistry(),
	}
}

// peer returns a harness for another transport sharing the network stack.
func (hs *harness) peer(transport radio.Transport) *harness {
	p := newHarness(hs.t, transport)
	p.stack = hs.stack
	p.agents = hs.agents
	p.ifaces = hs.ifaces
	return p
}

func (hs *harness) newConn() *Connection {
	return New(Deps{
		Transport:  hs.transport,
		Handler:    hs.h,
		Service:    hs.svc,
		Modem:      hs.modem,
		Registry:   hs.reg,
		Listener:   hs.lis,
		Env:        hs.env,
		Stack:      hs.stack,
		Agents:     hs.agents,
		Interfaces: hs.ifaces,
	})
}

func (hs *harness) run() { hs.h.Drain() }

func defaultProfile() *apn.Setting {
	return &apn.Setting{ID: 1, APN: "internet", Types: apn.TypeDefault | apn.TypeSUPL, ProxyPort: apn.UnsetPort}
}

func connectParams(ctx RequestContext, profile *apn.Setting) *ConnectParams {
	return &ConnectParams{
		Context:     ctx,
		Profile:     profile,
		RAT:         radio.RATLTE,
		RequestType: dataservice.RequestNormal,
		Generation:  1,
		SubID:       1,
	}
}

func okResponse(cid int, iface string) *dataservice.DataCallResponse {
	return &dataservice.DataCallResponse{
		ID:            cid,
		InterfaceName: iface,
		Addresses:     []netip.Prefix{netip.MustParsePrefix("10.0.0.2/24")},
		DNS:           []netip.Addr{netip.MustParseAddr("8.8.8.8")},
		Gateways:      []netip.Addr{netip.MustParseAddr("10.0.0.1")},
		MTU:           1400,
	}
}

// bringUp drives c to Active with a successful setup.
func (hs *harness) bringUp(c *Connection, cp *ConnectParams, resp *dataservice.DataCallResponse) {
	hs.t.Helper()
	c.BringUp(cp)
	hs.run()
	setup := hs.svc.LastSetup()
	if setup == nil {
		hs.t.Fatalf("no setup call issued")
	}
	setup.Complete(dataservice.ResultSuccess, resp)
	hs.run()
	if !c.IsActive() {
		hs.t.Fatalf("state = %s, want active", c.State())
	}
}
