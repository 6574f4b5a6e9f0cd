package tracker

import (
	"net/netip"
	"testing"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/agent"
	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/carrier"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/handler"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
	"github.com/signalsfoundry/cellular-data-manager/internal/settings"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeTraffic struct{ tx, rx int64 }

func (f *fakeTraffic) PacketTotals() (int64, int64) { return f.tx, f.rx }

type recordingMetrics struct {
	retries    []time.Duration
	recoveries []string
}

func (m *recordingMetrics) RetryScheduled(_ radio.Transport, _ apn.Type, d time.Duration) {
	m.retries = append(m.retries, d)
}
func (m *recordingMetrics) RecoveryAction(_ radio.Transport, a string) {
	m.recoveries = append(m.recoveries, a)
}
func (m *recordingMetrics) ContextStateChanged(radio.Transport, apn.Type, string, string) {}

func (m *recordingMetrics) lastRetry() time.Duration {
	if len(m.retries) == 0 {
		return -1
	}
	return m.retries[len(m.retries)-1]
}

func testAPN(id int, name string, types apn.Type) *apn.Setting {
	return &apn.Setting{
		ID:        id,
		APN:       name,
		Types:     types,
		Operator:  "310260",
		ProfileID: id,
		ProxyPort: apn.UnsetPort,
	}
}

func testProfile() Profile {
	return Profile{
		APNs: []*apn.Setting{
			testAPN(1, "internet", apn.TypeDefault|apn.TypeSUPL),
			testAPN(2, "mms", apn.TypeMMS),
			testAPN(3, "ims", apn.TypeIMS),
		},
		PreferredAPNID: -1,
		Operator:       "310260",
	}
}

func okResponse(cid int, iface string) *dataservice.DataCallResponse {
	return &dataservice.DataCallResponse{
		ID:            cid,
		RetryDuration: dataservice.RetryNone,
		InterfaceName: iface,
		Addresses:     []netip.Prefix{netip.MustParsePrefix("10.0.0.2/24")},
		DNS:           []netip.Addr{netip.MustParseAddr("8.8.8.8")},
		Gateways:      []netip.Addr{netip.MustParseAddr("10.0.0.1")},
		MTU:           1400,
	}
}

func failResponse(cause dataservice.FailCause) *dataservice.DataCallResponse {
	return &dataservice.DataCallResponse{Cause: cause, RetryDuration: dataservice.RetryNone}
}

// trackerHarness runs one tracker on a fake clock against scripted services.
type trackerHarness struct {
	t       *testing.T
	sched   *handler.FakeAlarmScheduler
	h       *handler.Handler
	svc     *dataservice.FakeService
	modem   *dataservice.FakeModem
	stack   *agent.RecordingStack
	agents  *agent.Registry
	ifaces  *dataconn.InterfaceRegistry
	peers   *Peers
	store   *settings.MemoryStore
	metrics *recordingMetrics
	traffic *fakeTraffic
	tr      *Tracker
}

type harnessOption func(*Config)

func withProfile(p Profile) harnessOption { return func(c *Config) { c.Profile = p } }

func withRAT(rat radio.RAT) harnessOption { return func(c *Config) { c.ServiceState.RAT = rat } }

func withCarrier(f func(*carrier.Config)) harnessOption { return func(c *Config) { f(&c.Carrier) } }

func newTrackerHarness(t *testing.T, transport radio.Transport, opts ...harnessOption) *trackerHarness {
	t.Helper()
	hs := &trackerHarness{
		t:       t,
		sched:   handler.NewFakeAlarmScheduler(testStart),
		svc:     dataservice.NewFakeService(transport),
		modem:   dataservice.NewFakeModem(),
		stack:   agent.NewRecordingStack(),
		agents:  agent.NewRegistry(),
		ifaces:  dataconn.NewInterfaceRegistry(),
		peers:   NewPeers(),
		store:   settings.NewMemoryStore(),
		metrics: &recordingMetrics{},
		traffic: &fakeTraffic{},
	}
	hs.build(transport, opts...)
	return hs
}

// peer returns a harness for the other transport sharing the network stack
// and the peer registry.
func (hs *trackerHarness) peer(opts ...harnessOption) *trackerHarness {
	p := &trackerHarness{
		t:       hs.t,
		sched:   hs.sched,
		svc:     dataservice.NewFakeService(hs.tr.Transport().Other()),
		modem:   hs.modem,
		stack:   hs.stack,
		agents:  hs.agents,
		ifaces:  hs.ifaces,
		peers:   hs.peers,
		store:   hs.store,
		metrics: &recordingMetrics{},
		traffic: &fakeTraffic{},
	}
	p.build(hs.tr.Transport().Other(), opts...)
	return p
}

func (hs *trackerHarness) build(transport radio.Transport, opts ...harnessOption) {
	hs.h = handler.New("tracker-test-"+transport.String(), hs.sched, logging.Noop())
	rat := radio.RATLTE
	if transport == radio.TransportWLAN {
		rat = radio.RATIWLAN
	}
	cfg := Config{
		Transport:  transport,
		Handler:    hs.h,
		Service:    hs.svc,
		Modem:      hs.modem,
		Stack:      hs.stack,
		Agents:     hs.agents,
		Interfaces: hs.ifaces,
		Peers:      hs.peers,
		Settings:   hs.store,
		Carrier:    carrier.Default(),
		Profile:    testProfile(),
		SubID:      1,
		ServiceState: dataconn.ServiceState{
			RegState:            radio.RegInService,
			RAT:                 rat,
			ConcurrentVoiceData: true,
		},
		Metrics: hs.metrics,
		Traffic: hs.traffic,
	}
	for _, o := range opts {
		o(&cfg)
	}
	hs.tr = New(cfg)
	hs.tr.Start()
	hs.run()
}

func (hs *trackerHarness) run() { hs.h.Drain() }

// advance moves the shared clock and runs whatever became due.
func (hs *trackerHarness) advance(d time.Duration) {
	hs.sched.Advance(d)
	hs.h.RunUntilIdle()
}

func (hs *trackerHarness) context(t apn.Type) *APNContext { return hs.tr.contexts[t] }

func (hs *trackerHarness) requireState(t apn.Type, want ContextState) {
	hs.t.Helper()
	if got := hs.context(t).State(); got != want {
		hs.t.Fatalf("%s state = %s, want %s", t, got, want)
	}
}

func (hs *trackerHarness) request(caps ...netcap.Capability) netcap.Request {
	req := netcap.NewRequest(caps...)
	hs.tr.RequestNetwork(req, dataservice.RequestNormal, nil)
	hs.run()
	return req
}

// completeSetup answers the latest setup call and checks it asked for
// wantAPN.
func (hs *trackerHarness) completeSetup(wantAPN string, resp *dataservice.DataCallResponse) {
	hs.t.Helper()
	setup := hs.svc.LastSetup()
	if setup == nil || setup.Completed() {
		hs.t.Fatalf("no pending setup call")
	}
	if setup.Req.Profile.APN != wantAPN {
		hs.t.Fatalf("setup apn = %q, want %q", setup.Req.Profile.APN, wantAPN)
	}
	setup.Complete(dataservice.ResultSuccess, resp)
	hs.run()
}

// connectDefault requests internet and answers the setup successfully.
func (hs *trackerHarness) connectDefault(cid int) netcap.Request {
	hs.t.Helper()
	req := hs.request(netcap.CapInternet)
	hs.completeSetup("internet", okResponse(cid, "rmnet0"))
	hs.requireState(apn.TypeDefault, StateConnected)
	return req
}

// completeDeactivate answers the latest pending deactivate call.
func (hs *trackerHarness) completeDeactivate() *dataservice.PendingRequest {
	hs.t.Helper()
	deact := hs.svc.LastRequest("deactivate")
	if deact == nil || deact.Completed() {
		hs.t.Fatalf("no pending deactivate call")
	}
	deact.Complete(dataservice.ResultSuccess)
	hs.run()
	return deact
}

// drainAll runs the handlers of several harnesses until none has work.
func drainAll(hss ...*trackerHarness) {
	for {
		n := 0
		for _, hs := range hss {
			n += hs.h.Drain()
		}
		if n == 0 {
			return
		}
	}
}
