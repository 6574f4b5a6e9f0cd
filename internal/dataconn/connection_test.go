package dataconn

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

func publishedCaps(t *testing.T, hs *harness, c *Connection) netcap.Capabilities {
	t.Helper()
	if c.Agent() == nil {
		t.Fatalf("%s has no agent", c.Name())
	}
	caps, ok := hs.stack.Capabilities(c.Agent().ID())
	if !ok {
		t.Fatalf("agent %s not known to the stack", c.Agent().ID())
	}
	return caps
}

func TestBringUpPublishesAgent(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()
	ctx := internetContext()

	hs.bringUp(c, connectParams(ctx, defaultProfile()), okResponse(3, "rmnet0"))

	if len(hs.lis.setups) != 1 || !hs.lis.setups[0].Success() {
		t.Fatalf("setups = %+v, want one success", hs.lis.setups)
	}
	if c.CID() != 3 {
		t.Fatalf("cid = %d, want 3", c.CID())
	}
	if hs.reg.ActiveByCID(3) != c {
		t.Fatalf("connection not registered as active under cid 3")
	}
	if n := hs.stack.Count("register"); n != 1 {
		t.Fatalf("register count = %d, want 1", n)
	}
	id := c.Agent().ID()
	if !hs.stack.Live(id) {
		t.Fatalf("agent %s not live", id)
	}
	caps := publishedCaps(t, hs, c)
	for _, want := range []netcap.Capability{netcap.CapInternet, netcap.CapSUPL, netcap.CapNotRestricted, netcap.CapNotSuspended} {
		if !caps.Has(want) {
			t.Fatalf("caps %v missing %s", caps.Names(), want)
		}
	}
	if caps.Has(netcap.CapNotMetered) {
		t.Fatalf("metered profile advertised NOT_METERED: %v", caps.Names())
	}
	if got := hs.stack.Score(id); got != scoreInternet {
		t.Fatalf("score = %d, want %d", got, scoreInternet)
	}
	lp := hs.stack.LinkProperties(id)
	if lp.InterfaceName != "rmnet0" || lp.MTU != 1400 {
		t.Fatalf("link properties = %+v", lp)
	}
	if owner, ok := hs.ifaces.Owner("rmnet0"); !ok || owner != c.ID() {
		t.Fatalf("rmnet0 owner = %d,%v, want %d", owner, ok, c.ID())
	}
}

func TestSetupRequestCarriesProfile(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()

	c.BringUp(connectParams(internetContext(), defaultProfile()))
	hs.run()

	setup := hs.svc.LastSetup()
	if setup == nil {
		t.Fatalf("no setup issued")
	}
	req := setup.Req
	if req.Reason != dataservice.ReasonNormal {
		t.Fatalf("reason = %s, want NORMAL", req.Reason)
	}
	if req.PduSessionID != PduSessionIDNotSet {
		t.Fatalf("pdu session id = %d, want unset on cellular", req.PduSessionID)
	}
	if req.TrafficDescriptor == nil || req.TrafficDescriptor.DNN != "internet" {
		t.Fatalf("traffic descriptor = %+v, want dnn internet", req.TrafficDescriptor)
	}
	if !req.MatchAllRuleAllowed {
		t.Fatalf("match-all rule should be allowed for a dnn descriptor")
	}
	if !c.IsActivating() {
		t.Fatalf("state = %s, want activating", c.State())
	}
}

func TestStaleSetupCompletionIgnored(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()
	ctx := internetContext()

	c.BringUp(connectParams(ctx, defaultProfile()))
	hs.run()
	first := hs.svc.LastSetup()

	c.Reset()
	hs.run()
	if !c.IsInactive() {
		t.Fatalf("state after reset = %s, want inactive", c.State())
	}
	if len(hs.lis.errs) != 1 || hs.lis.errs[0].Cause != dataservice.CauseResetByFramework {
		t.Fatalf("errors after reset = %+v", hs.lis.errs)
	}

	cp := connectParams(ctx, defaultProfile())
	cp.Generation = 2
	c.BringUp(cp)
	hs.run()
	second := hs.svc.LastSetup()
	if second == first {
		t.Fatalf("expected a new setup call")
	}

	first.Complete(dataservice.ResultSuccess, okResponse(1, "rmnet0"))
	hs.run()
	if !c.IsActivating() {
		t.Fatalf("stale completion moved state to %s", c.State())
	}
	if hs.stack.Count("register") != 0 {
		t.Fatalf("stale completion published an agent")
	}

	second.Complete(dataservice.ResultSuccess, okResponse(2, "rmnet0"))
	hs.run()
	if !c.IsActive() || c.CID() != 2 {
		t.Fatalf("state = %s cid = %d, want active on cid 2", c.State(), c.CID())
	}
	if len(hs.lis.setups) != 1 || hs.lis.setups[0].Generation != 2 {
		t.Fatalf("setups = %+v, want generation 2 only", hs.lis.setups)
	}
}

func TestResetOfInactiveIsIgnored(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()

	c.Reset()
	hs.run()

	if !c.IsInactive() {
		t.Fatalf("state = %s, want inactive", c.State())
	}
	if len(hs.lis.errs)+len(hs.lis.disconnects) != 0 {
		t.Fatalf("reset of an idle connection notified: errs=%v disc=%v", hs.lis.errs, hs.lis.disconnects)
	}
}

func TestDataServiceFailureThrottles(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()
	ctx := internetContext()

	c.BringUp(connectParams(ctx, defaultProfile()))
	hs.run()
	hs.svc.LastSetup().Complete(dataservice.ResultSuccess, &dataservice.DataCallResponse{
		Cause:         dataservice.CauseInsufficientResources,
		RetryDuration: 30 * time.Second,
		ID:            InvalidCID,
	})
	hs.run()

	if !c.IsInactive() {
		t.Fatalf("state = %s, want inactive", c.State())
	}
	if len(hs.lis.errs) != 1 {
		t.Fatalf("errors = %d, want exactly one", len(hs.lis.errs))
	}
	if got := hs.lis.errs[0].Cause; got != dataservice.CauseInsufficientResources {
		t.Fatalf("cause = %s", got)
	}
	thr := hs.env.thr
	if !thr.IsThrottled(apn.TypeDefault) || !thr.IsThrottled(apn.TypeSUPL) {
		t.Fatalf("profile purposes not throttled")
	}
	want := hs.sched.Now().Add(30 * time.Second)
	if got := thr.RetryTime(apn.TypeDefault); !got.At.Equal(want) {
		t.Fatalf("retry at %v, want %v", got.At, want)
	}
	if cause, _ := c.LastFailure(); cause != dataservice.CauseNone {
		t.Fatalf("failure details should clear once inactive, got %s", cause)
	}
}

func TestIllegalStateMapsToRadioNotAvailable(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()

	c.BringUp(connectParams(internetContext(), defaultProfile()))
	hs.run()
	hs.svc.LastSetup().Complete(dataservice.ResultErrorIllegalState, nil)
	hs.run()

	if len(hs.lis.errs) != 1 || hs.lis.errs[0].Cause != dataservice.CauseRadioNotAvailable {
		t.Fatalf("errors = %+v, want RADIO_NOT_AVAILABLE", hs.lis.errs)
	}
	if hs.env.thr.IsThrottled(apn.TypeDefault) {
		t.Fatalf("radio failure must not throttle")
	}
}

func TestMissingAddressTearsDownWithUnacceptableParameter(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()

	c.BringUp(connectParams(internetContext(), defaultProfile()))
	hs.run()
	resp := okResponse(4, "rmnet0")
	resp.Addresses = nil
	hs.svc.LastSetup().Complete(dataservice.ResultSuccess, resp)
	hs.run()

	if c.State() != StateDisconnectingErrorCreatingConnection {
		t.Fatalf("state = %s, want disconnecting after error", c.State())
	}
	deact := hs.svc.LastRequest("deactivate")
	if deact == nil || deact.CID != 4 {
		t.Fatalf("deactivate = %+v, want cid 4", deact)
	}
	if len(hs.lis.errs) != 0 {
		t.Fatalf("failure reported before teardown finished")
	}

	deact.Complete(dataservice.ResultSuccess)
	hs.run()
	if !c.IsInactive() {
		t.Fatalf("state = %s, want inactive", c.State())
	}
	if len(hs.lis.errs) != 1 || hs.lis.errs[0].Cause != dataservice.CauseUnacceptableNetworkParameter {
		t.Fatalf("errors = %+v", hs.lis.errs)
	}
	if hs.stack.Count("register") != 0 {
		t.Fatalf("failed bring-up registered an agent")
	}
}

func TestInterfaceConflictRejectsSetup(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	first := hs.newConn()
	hs.bringUp(first, connectParams(internetContext(), defaultProfile()), okResponse(1, "rmnet0"))

	second := hs.newConn()
	ims := &testContext{t: apn.TypeIMS, reqs: []netcap.Request{netcap.NewRestrictedRequest(netcap.CapIMS)}}
	second.BringUp(connectParams(ims, &apn.Setting{ID: 2, APN: "ims", Types: apn.TypeIMS}))
	hs.run()
	hs.svc.LastSetup().Complete(dataservice.ResultSuccess, okResponse(2, "rmnet0"))
	hs.run()

	if second.State() != StateDisconnectingErrorCreatingConnection {
		t.Fatalf("state = %s, want disconnecting after error", second.State())
	}
	if owner, _ := hs.ifaces.Owner("rmnet0"); owner != first.ID() {
		t.Fatalf("rmnet0 moved to %d", owner)
	}
}

func TestLostConnectionNotifiesEachContextOnce(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()
	internet := internetContext()
	supl := &testContext{t: apn.TypeSUPL, reqs: []netcap.Request{netcap.NewRequest(netcap.CapSUPL)}}

	hs.bringUp(c, connectParams(internet, defaultProfile()), okResponse(5, "rmnet0"))
	c.BringUp(connectParams(supl, defaultProfile()))
	hs.run()
	if len(hs.lis.setups) != 2 {
		t.Fatalf("setups = %d, want 2", len(hs.lis.setups))
	}
	id := c.Agent().ID()

	c.LostConnection(c.Tag() + 1)
	hs.run()
	if !c.IsActive() {
		t.Fatalf("stale lost connection tore down the call")
	}

	c.LostConnection(-1)
	hs.run()

	if !c.IsInactive() {
		t.Fatalf("state = %s, want inactive", c.State())
	}
	for _, ctx := range []RequestContext{internet, supl} {
		if n := hs.lis.disconnectsFor(ctx); n != 1 {
			t.Fatalf("%s disconnects = %d, want 1", ctx.APNType(), n)
		}
	}
	if hs.lis.disconnects[0].Reason != dataservice.CauseLostConnection.String() {
		t.Fatalf("reason = %q", hs.lis.disconnects[0].Reason)
	}
	if hs.stack.Live(id) {
		t.Fatalf("agent still live after lost connection")
	}
	if hs.reg.ActiveByCID(5) != nil {
		t.Fatalf("connection still indexed as active")
	}
}

func TestLastContextDisconnectReleasesCall(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()
	ctx := internetContext()
	hs.bringUp(c, connectParams(ctx, defaultProfile()), okResponse(6, "rmnet0"))
	id := c.Agent().ID()

	c.TearDown(&DisconnectParams{Context: ctx, Reason: "dataDisabled", ReleaseType: dataservice.ReleaseNormal, Generation: 1})
	hs.run()
	if !c.IsDisconnecting() {
		t.Fatalf("state = %s, want disconnecting", c.State())
	}
	deact := hs.svc.LastRequest("deactivate")
	if deact == nil || deact.Reason != dataservice.ReasonNormal {
		t.Fatalf("deactivate = %+v", deact)
	}

	// A connect while disconnecting waits for the teardown.
	other := &testContext{t: apn.TypeSUPL, reqs: []netcap.Request{netcap.NewRequest(netcap.CapSUPL)}}
	c.BringUp(connectParams(other, defaultProfile()))
	hs.run()
	if len(hs.svc.Setups()) != 1 {
		t.Fatalf("connect was not deferred")
	}

	deact.Complete(dataservice.ResultSuccess)
	hs.run()

	if hs.lis.disconnectsFor(ctx) != 1 || hs.lis.disconnects[0].Reason != "dataDisabled" {
		t.Fatalf("disconnects = %+v", hs.lis.disconnects)
	}
	if hs.stack.Live(id) {
		t.Fatalf("agent still live")
	}
	if _, ok := hs.ifaces.Owner("rmnet0"); ok {
		t.Fatalf("interface still claimed")
	}
	if !c.IsActivating() || len(hs.svc.Setups()) != 2 {
		t.Fatalf("deferred connect did not start a new bring-up: state=%s", c.State())
	}
}

func TestDetachKeepsCallForRemainingContexts(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()
	internet := internetContext()
	supl := &testContext{t: apn.TypeSUPL, reqs: []netcap.Request{netcap.NewRequest(netcap.CapSUPL)}}
	hs.bringUp(c, connectParams(internet, defaultProfile()), okResponse(7, "rmnet0"))
	c.BringUp(connectParams(supl, defaultProfile()))
	hs.run()

	c.TearDown(&DisconnectParams{Context: supl, Reason: "released", ReleaseType: dataservice.ReleaseNormal})
	hs.run()

	if !c.IsActive() {
		t.Fatalf("state = %s, want active", c.State())
	}
	if len(hs.svc.Requests("deactivate")) != 0 {
		t.Fatalf("detach deactivated the call")
	}
	if hs.lis.disconnectsFor(supl) != 1 || hs.lis.disconnectsFor(internet) != 0 {
		t.Fatalf("disconnects = %+v", hs.lis.disconnects)
	}
	if c.IsAttached(supl) {
		t.Fatalf("supl still attached")
	}
	if caps := publishedCaps(t, hs, c); caps.Has(netcap.CapSUPL) {
		t.Fatalf("detached purpose still advertised: %v", caps.Names())
	}
}

func TestRestrictedCallRelaxesButNeverRevokes(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	hs.env.dataEnabled = false
	c := hs.newConn()
	ctx := &testContext{t: apn.TypeDefault, reqs: []netcap.Request{netcap.NewRestrictedRequest(netcap.CapInternet)}}
	hs.bringUp(c, connectParams(ctx, defaultProfile()), okResponse(8, "rmnet0"))

	if caps := publishedCaps(t, hs, c); caps.Has(netcap.CapNotRestricted) {
		t.Fatalf("restricted bring-up advertised NOT_RESTRICTED: %v", caps.Names())
	}

	hs.env.dataEnabled = true
	c.ReevaluateRestricted()
	hs.run()
	if caps := publishedCaps(t, hs, c); !caps.Has(netcap.CapNotRestricted) {
		t.Fatalf("restriction not lifted: %v", caps.Names())
	}

	hs.env.dataEnabled = false
	c.ReevaluateRestricted()
	hs.run()
	if caps := publishedCaps(t, hs, c); !caps.Has(netcap.CapNotRestricted) {
		t.Fatalf("NOT_RESTRICTED revoked on reevaluation: %v", caps.Names())
	}

	hs.env.policyStrip = netcap.SetOf(netcap.CapNotRestricted)
	c.NotifySuspendInputsChanged("policy")
	hs.run()
	if caps := publishedCaps(t, hs, c); !caps.Has(netcap.CapNotRestricted) {
		t.Fatalf("agent accepted a NOT_RESTRICTED revocation: %v", caps.Names())
	}
}

func TestSuspendPolicy(t *testing.T) {
	t.Run("voice call without concurrent data", func(t *testing.T) {
		hs := newHarness(t, radio.TransportWWAN)
		c := hs.newConn()
		hs.bringUp(c, connectParams(internetContext(), defaultProfile()), okResponse(9, "rmnet0"))

		hs.env.ss.ConcurrentVoiceData = false
		hs.env.ss.VoiceCallActive = true
		c.NotifySuspendInputsChanged("voice")
		hs.run()
		if !c.Suspended() {
			t.Fatalf("not suspended during voice call")
		}
		if caps := publishedCaps(t, hs, c); caps.Has(netcap.CapNotSuspended) {
			t.Fatalf("suspended call advertised NOT_SUSPENDED")
		}

		hs.env.ss.VoiceCallActive = false
		c.NotifySuspendInputsChanged("voice")
		hs.run()
		if c.Suspended() {
			t.Fatalf("still suspended after voice call ended")
		}
	})

	t.Run("out of service", func(t *testing.T) {
		hs := newHarness(t, radio.TransportWWAN)
		c := hs.newConn()
		hs.bringUp(c, connectParams(internetContext(), defaultProfile()), okResponse(10, "rmnet0"))

		c.NotifyRATChanged(radio.RegOutOfService, radio.RATLTE)
		hs.run()
		if !c.Suspended() {
			t.Fatalf("not suspended out of service")
		}
	})

	t.Run("emergency never suspends", func(t *testing.T) {
		hs := newHarness(t, radio.TransportWWAN)
		c := hs.newConn()
		sos := &testContext{t: apn.TypeEmergency, reqs: []netcap.Request{netcap.NewRestrictedRequest(netcap.CapEIMS)}}
		profile := &apn.Setting{ID: 9, APN: "sos", Types: apn.TypeEmergency}
		hs.bringUp(c, connectParams(sos, profile), okResponse(11, "rmnet1"))

		c.NotifyRATChanged(radio.RegOutOfService, radio.RATLTE)
		hs.run()
		if c.Suspended() {
			t.Fatalf("emergency call suspended")
		}
	})
}

func TestEnterpriseDuplicateCIDUpdatesSibling(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	sibling := hs.newConn()
	hs.bringUp(sibling, connectParams(internetContext(), defaultProfile()), okResponse(12, "rmnet0"))

	c := hs.newConn()
	ent := &testContext{t: apn.TypeEnterprise, reqs: []netcap.Request{netcap.NewRequest(netcap.CapEnterprise)}}
	c.BringUp(connectParams(ent, defaultProfile()))
	hs.run()
	req := hs.svc.LastSetup().Req
	if req.TrafficDescriptor == nil || !apn.IsEnterpriseOSAppID(req.TrafficDescriptor.OSAppID) || req.MatchAllRuleAllowed {
		t.Fatalf("enterprise request = %+v", req)
	}

	resp := okResponse(12, "rmnet0")
	resp.TrafficDescriptors = []apn.TrafficDescriptor{{OSAppID: apn.EnterpriseOSAppID()}}
	hs.svc.LastSetup().Complete(dataservice.ResultSuccess, resp)
	hs.run()

	if !c.IsInactive() {
		t.Fatalf("state = %s, want inactive", c.State())
	}
	if len(hs.lis.errs) != 1 || hs.lis.errs[0].Cause != dataservice.CauseDuplicateCID {
		t.Fatalf("errors = %+v", hs.lis.errs)
	}
	if hs.lis.tdUpdates != 1 {
		t.Fatalf("traffic descriptor updates = %d, want 1", hs.lis.tdUpdates)
	}
	if tds := sibling.TrafficDescriptors(); !apn.EqualDescriptors(tds, resp.TrafficDescriptors) {
		t.Fatalf("sibling descriptors = %+v", tds)
	}
	if retry := hs.env.thr.RetryTime(apn.TypeEnterprise); !retry.Never {
		t.Fatalf("enterprise retry = %s, want never", retry)
	}
}

func TestEnterpriseWithoutDefaultConnection(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	hs.reg.defaultActive = false
	c := hs.newConn()
	ent := &testContext{t: apn.TypeEnterprise, reqs: []netcap.Request{netcap.NewRequest(netcap.CapEnterprise)}}
	c.BringUp(connectParams(ent, defaultProfile()))
	hs.run()
	hs.svc.LastSetup().Complete(dataservice.ResultSuccess, okResponse(13, "rmnet2"))
	hs.run()

	deact := hs.svc.LastRequest("deactivate")
	if deact == nil || deact.CID != 13 {
		t.Fatalf("deactivate = %+v, want cid 13", deact)
	}
	deact.Complete(dataservice.ResultSuccess)
	hs.run()
	if len(hs.lis.errs) != 1 || hs.lis.errs[0].Cause != dataservice.CauseUnacceptableNetworkParameter {
		t.Fatalf("errors = %+v", hs.lis.errs)
	}
}

func TestInjectedBringUpFailure(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()
	c.SetFailBringUp(FailBringUp{Cause: dataservice.CauseOperatorBarred, RetryAfter: time.Minute, Counter: 1})
	ctx := internetContext()

	c.BringUp(connectParams(ctx, defaultProfile()))
	hs.run()
	if len(hs.svc.Setups()) != 0 {
		t.Fatalf("injected failure reached the data service")
	}
	if len(hs.lis.errs) != 1 || hs.lis.errs[0].Cause != dataservice.CauseOperatorBarred {
		t.Fatalf("errors = %+v", hs.lis.errs)
	}

	c.BringUp(connectParams(ctx, defaultProfile()))
	hs.run()
	if len(hs.svc.Setups()) != 1 {
		t.Fatalf("second bring-up did not reach the data service")
	}
}

func TestConnectWithIncompatibleProfile(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()
	ims := &testContext{t: apn.TypeIMS, reqs: []netcap.Request{netcap.NewRestrictedRequest(netcap.CapIMS)}}

	c.BringUp(connectParams(ims, defaultProfile()))
	hs.run()

	if !c.IsInactive() || len(hs.svc.Setups()) != 0 {
		t.Fatalf("incompatible profile started a setup: state=%s", c.State())
	}
	if len(hs.lis.errs) != 1 || hs.lis.errs[0].Cause != dataservice.CauseUnacceptableNetworkParameter {
		t.Fatalf("errors = %+v", hs.lis.errs)
	}
}

func TestWLANAllocatesAndReleasesPduSession(t *testing.T) {
	hs := newHarness(t, radio.TransportWLAN)
	c := hs.newConn()
	ctx := internetContext()

	c.BringUp(connectParams(ctx, defaultProfile()))
	hs.run()
	setup := hs.svc.LastSetup()
	if setup == nil || setup.Req.PduSessionID != 1 {
		t.Fatalf("setup = %+v, want pdu session 1", setup)
	}
	resp := okResponse(14, "wlan-ims0")
	resp.PduSessionID = 1
	setup.Complete(dataservice.ResultSuccess, resp)
	hs.run()
	if !c.IsActive() || c.PduSessionID() != 1 {
		t.Fatalf("state=%s pdu=%d", c.State(), c.PduSessionID())
	}

	c.TearDown(&DisconnectParams{Context: ctx, Reason: "released", ReleaseType: dataservice.ReleaseNormal})
	hs.run()
	if got := hs.modem.ReleasedPduSessions(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("released = %v, want [1]", got)
	}
	if hs.svc.LastRequest("deactivate") == nil {
		t.Fatalf("deactivate not sent after release")
	}
}

func TestKeepaliveOffload(t *testing.T) {
	pkt := dataservice.KeepalivePacket{SrcAddr: "10.0.0.2", DstAddr: "192.0.2.1", SrcPort: 4500, DstPort: 4500}

	t.Run("cellular", func(t *testing.T) {
		hs := newHarness(t, radio.TransportWWAN)
		c := hs.newConn()
		hs.bringUp(c, connectParams(internetContext(), defaultProfile()), okResponse(15, "rmnet0"))

		c.Agent().OnStartKeepalive(1, 20*time.Second, pkt)
		hs.run()
		if hs.modem.ActiveKeepalives() != 1 || c.Agent().KeepaliveCount() != 1 {
			t.Fatalf("keepalive not started: modem=%d agent=%d", hs.modem.ActiveKeepalives(), c.Agent().KeepaliveCount())
		}

		c.Agent().OnStopKeepalive(1)
		hs.run()
		if hs.modem.ActiveKeepalives() != 0 {
			t.Fatalf("keepalive not stopped")
		}
	})

	t.Run("wlan", func(t *testing.T) {
		hs := newHarness(t, radio.TransportWLAN)
		c := hs.newConn()
		hs.bringUp(c, connectParams(internetContext(), defaultProfile()), okResponse(16, "wlan0"))

		c.Agent().OnStartKeepalive(1, 20*time.Second, pkt)
		hs.run()
		if hs.modem.ActiveKeepalives() != 0 {
			t.Fatalf("keepalive offloaded on wlan")
		}
		var sawError bool
		for _, ev := range hs.stack.Events() {
			if ev.Op == "keepalive" && strings.Contains(ev.Detail, "slot=1") {
				sawError = true
			}
		}
		if !sawError {
			t.Fatalf("no keepalive error reported to the stack")
		}
	})
}

func TestApplyCallResponseUpdatesLink(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()
	hs.bringUp(c, connectParams(internetContext(), defaultProfile()), okResponse(17, "rmnet0"))
	id := c.Agent().ID()

	resp := okResponse(17, "rmnet0")
	resp.DNS = []netip.Addr{netip.MustParseAddr("1.1.1.1")}
	var upd LinkPropertyUpdate
	hs.h.Post(func() { upd = c.ApplyCallResponse(resp) })
	hs.run()

	if upd.Result != SetupSuccess || !upd.Changed() {
		t.Fatalf("update = %+v", upd)
	}
	if lp := hs.stack.LinkProperties(id); len(lp.DNS) != 1 || lp.DNS[0] != netip.MustParseAddr("1.1.1.1") {
		t.Fatalf("published dns = %v", lp.DNS)
	}
}

func TestUnwantedTearsDown(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()
	ctx := internetContext()
	hs.bringUp(c, connectParams(ctx, defaultProfile()), okResponse(18, "rmnet0"))

	c.Agent().OnUnwanted()
	hs.run()
	deact := hs.svc.LastRequest("deactivate")
	if deact == nil {
		t.Fatalf("unwanted network not torn down")
	}
	deact.Complete(dataservice.ResultSuccess)
	hs.run()
	if !c.IsInactive() || hs.lis.disconnectsFor(ctx) != 1 {
		t.Fatalf("state=%s disconnects=%+v", c.State(), hs.lis.disconnects)
	}
	if hs.lis.disconnects[0].Reason != ReasonReleasedByStack {
		t.Fatalf("reason = %q", hs.lis.disconnects[0].Reason)
	}
}

func TestSnapshotRecordsEvents(t *testing.T) {
	hs := newHarness(t, radio.TransportWWAN)
	c := hs.newConn()
	hs.bringUp(c, connectParams(internetContext(), defaultProfile()), okResponse(19, "rmnet0"))

	var snap Snapshot
	var dump string
	hs.h.Post(func() {
		snap = c.Snapshot()
		dump = c.Dump()
	})
	hs.run()

	if snap.State != StateActive.String() || snap.CID != 19 || snap.APN != "internet" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(snap.Events) < 2 || snap.Events[0].Event != "CONNECT" {
		t.Fatalf("events = %+v", snap.Events)
	}
	if len(snap.Capabilities) == 0 || snap.AgentID == "" {
		t.Fatalf("active snapshot missing capabilities or agent")
	}
	if !strings.Contains(dump, "SETUP_CONNECTION_DONE") {
		t.Fatalf("dump missing setup event:\n%s", dump)
	}
}

func TestEventLogWraps(t *testing.T) {
	l := newEventLog(3)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, name := range []string{"a", "b", "c", "d"} {
		l.add(at, StateInactive, name)
	}
	got := l.records()
	if len(got) != 3 || got[0].Event != "b" || got[2].Event != "d" {
		t.Fatalf("records = %+v", got)
	}
}
