package agent

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// fakeOwner runs posted work inline and counts the callbacks it receives.
type fakeOwner struct {
	id         int
	posted     int
	unwanted   int
	bandwidth  int
	kaStarts   []int
	kaStops    []int
	deferPosts bool
	queue      []func()
}

func (o *fakeOwner) ConnectionID() int { return o.id }
func (o *fakeOwner) Post(f func()) {
	o.posted++
	if o.deferPosts {
		o.queue = append(o.queue, f)
		return
	}
	f()
}
func (o *fakeOwner) HandleUnwanted()         { o.unwanted++ }
func (o *fakeOwner) HandleBandwidthRequest() { o.bandwidth++ }
func (o *fakeOwner) HandleKeepaliveStart(slot int, _ time.Duration, _ dataservice.KeepalivePacket) {
	o.kaStarts = append(o.kaStarts, slot)
}
func (o *fakeOwner) HandleKeepaliveStop(slot int) { o.kaStops = append(o.kaStops, slot) }

func newTestAgent(t *testing.T, owner Owner) (*Agent, *RecordingStack, *Registry) {
	t.Helper()
	stack := NewRecordingStack()
	reg := NewRegistry()
	a, err := New(Config{Transport: radio.TransportWWAN, Stack: stack, Registry: reg}, owner,
		netcap.NewCapabilities(), &netcap.LinkProperties{InterfaceName: "rmnet0"}, 45)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, stack, reg
}

func TestAgentRegistersWithStackAndRegistry(t *testing.T) {
	owner := &fakeOwner{id: 1}
	a, stack, reg := newTestAgent(t, owner)

	if !stack.Live(a.ID()) {
		t.Fatalf("agent not live in stack")
	}
	if got, ok := reg.Get(a.ID()); !ok || got != a {
		t.Fatalf("agent not in registry")
	}
	if err := reg.Register(a); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate register: got %v", err)
	}
}

func TestAgentSuppressesUnchangedPublishes(t *testing.T) {
	owner := &fakeOwner{id: 1}
	a, stack, _ := newTestAgent(t, owner)

	caps := netcap.NewCapabilities()
	caps.Add(netcap.CapInternet)
	if err := a.SendCapabilities(owner, caps); err != nil {
		t.Fatalf("SendCapabilities: %v", err)
	}
	if err := a.SendCapabilities(owner, caps); err != nil {
		t.Fatalf("SendCapabilities: %v", err)
	}
	if got := stack.Count("capabilities"); got != 1 {
		t.Fatalf("expected 1 capability update, got %d", got)
	}

	_ = a.SendScore(owner, 45)
	_ = a.SendScore(owner, 50)
	if got := stack.Count("score"); got != 1 || stack.Score(a.ID()) != 50 {
		t.Fatalf("score updates = %d, score = %d", got, stack.Score(a.ID()))
	}
}

func TestAgentRejectsNonOwnerAndRevocation(t *testing.T) {
	owner := &fakeOwner{id: 1}
	other := &fakeOwner{id: 2}
	a, _, _ := newTestAgent(t, owner)

	caps := netcap.NewCapabilities()
	caps.Add(netcap.CapInternet)
	if err := a.SendCapabilities(other, caps); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("non-owner publish: got %v", err)
	}

	caps.Remove(netcap.CapNotRestricted)
	if err := a.SendCapabilities(owner, caps); !errors.Is(err, ErrImmutableCapability) {
		t.Fatalf("revoking NOT_RESTRICTED: got %v", err)
	}
	if !a.Capabilities().Has(netcap.CapNotRestricted) {
		t.Fatalf("published caps lost NOT_RESTRICTED")
	}
}

func TestOwnershipHandoff(t *testing.T) {
	src := &fakeOwner{id: 1}
	dst := &fakeOwner{id: 2}
	a, _, reg := newTestAgent(t, src)

	a.AcquireOwnership(dst, radio.TransportWLAN)
	if !a.IsOwnedBy(dst) || a.Transport() != radio.TransportWLAN {
		t.Fatalf("handoff did not take effect")
	}

	// The old owner's release must not clear the new owner.
	a.ReleaseOwnership(src)
	if !a.IsOwnedBy(dst) {
		t.Fatalf("stale release cleared the owner")
	}
	if len(reg.Dangling()) != 0 {
		t.Fatalf("owned agent reported dangling")
	}

	a.ReleaseOwnership(dst)
	if a.Owner() != nil || len(reg.Dangling()) != 1 {
		t.Fatalf("release by owner should leave the agent dangling")
	}
}

func TestCallbacksHopOntoOwnerQueue(t *testing.T) {
	owner := &fakeOwner{id: 1, deferPosts: true}
	a, stack, _ := newTestAgent(t, owner)

	a.OnUnwanted()
	a.OnStartKeepalive(3, 20*time.Second, dataservice.KeepalivePacket{})
	if owner.unwanted != 0 || len(owner.kaStarts) != 0 {
		t.Fatalf("callbacks ran before the owner drained its queue")
	}
	for _, f := range owner.queue {
		f()
	}
	if owner.unwanted != 1 || len(owner.kaStarts) != 1 || owner.kaStarts[0] != 3 {
		t.Fatalf("callbacks not delivered: %+v", owner)
	}

	a.ReleaseOwnership(owner)
	a.OnStartKeepalive(4, time.Second, dataservice.KeepalivePacket{})
	events := stack.Events()
	last := events[len(events)-1]
	if last.Op != "keepalive" || !strings.Contains(last.Detail, KeepaliveErrorInvalidNetwork.String()) {
		t.Fatalf("keepalive on dangling agent should fail, got %v", last)
	}
}

func TestKeepaliveLifecycle(t *testing.T) {
	owner := &fakeOwner{id: 1}
	a, stack, _ := newTestAgent(t, owner)

	a.KeepaliveStarted(1, dataservice.KeepaliveStatus{SessionHandle: 77, Code: dataservice.KeepaliveActive})
	if h, ok := a.KeepaliveHandle(1); !ok || h != 77 {
		t.Fatalf("handle = %d, %v", h, ok)
	}
	a.KeepaliveStatus(dataservice.KeepaliveStatus{SessionHandle: 77, Code: dataservice.KeepaliveActive})
	a.KeepaliveStatus(dataservice.KeepaliveStatus{SessionHandle: 77, Code: dataservice.KeepaliveInactive})

	if a.KeepaliveCount() != 0 {
		t.Fatalf("inactive status should drop the slot")
	}
	if got := stack.Count("keepalive"); got != 2 {
		t.Fatalf("expected started+stopped events, got %d", got)
	}
}

func TestQosSessionMatching(t *testing.T) {
	owner := &fakeOwner{id: 1}
	a, stack, _ := newTestAgent(t, owner)

	a.OnQosCallbackRegistered(9, QosFilter{Remote: netip.MustParseAddr("203.0.113.7"), RemotePort: 5060})
	a.UpdateQosSessions([]dataservice.QosBearerSession{{
		ID:      4,
		Filters: []dataservice.QosFilter{{Remote: netip.MustParsePrefix("203.0.113.0/24")}},
	}})
	a.UpdateQosSessions(nil)

	if stack.Count("qos_available") != 1 || stack.Count("qos_lost") != 1 {
		t.Fatalf("unexpected qos events: %v", stack.Events())
	}
}
