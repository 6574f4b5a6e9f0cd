package debugapi

import (
	"context"
	"sync"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
	"github.com/signalsfoundry/cellular-data-manager/internal/tracker"
)

type fakeTracker struct {
	transport radio.Transport
	snap      tracker.Snapshot
	reasons   map[apn.Type]tracker.Reasons
	err       error

	mu         sync.Mutex
	recoveries int
}

func (f *fakeTracker) Transport() radio.Transport { return f.transport }

func (f *fakeTracker) Snapshot(ctx context.Context) (tracker.Snapshot, error) {
	if f.err != nil {
		return tracker.Snapshot{}, f.err
	}
	return f.snap, ctx.Err()
}

func (f *fakeTracker) DataAllowed(_ context.Context, t apn.Type) (tracker.Reasons, error) {
	return f.reasons[t], f.err
}

func (f *fakeTracker) TriggerRecovery() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveries++
}

func (f *fakeTracker) recoveryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recoveries
}

type fakeRouter []tracker.RoutedRequest

func (r fakeRouter) Requests() []tracker.RoutedRequest { return r }

func newFakes() (*fakeTracker, *fakeTracker, fakeRouter) {
	wwan := &fakeTracker{
		transport: radio.TransportWWAN,
		snap: tracker.Snapshot{
			Transport:    "wwan",
			OverallState: "CONNECTED",
			RAT:          "lte",
			PreferredAPN: 1,
			Contexts: []tracker.ContextSnapshot{
				{Type: "default", State: "CONNECTED", APN: "internet", Requests: 1},
				{Type: "mms", State: "IDLE"},
			},
			Connections: []dataconn.Snapshot{{ID: 1, Name: "DC-C-1", Transport: "wwan", State: "active", CID: 1}},
		},
		reasons: map[apn.Type]tracker.Reasons{
			apn.TypeDefault: {AllowedBy: tracker.AllowedNormal},
			apn.TypeMMS: {
				Disallowed: []tracker.DisallowedReason{tracker.DisallowedRoamingDisabled},
				AllowedBy:  tracker.AllowedNone,
			},
		},
	}
	wlan := &fakeTracker{
		transport: radio.TransportWLAN,
		snap: tracker.Snapshot{
			Transport:    "wlan",
			OverallState: "IDLE",
			RAT:          "iwlan",
			Contexts:     []tracker.ContextSnapshot{{Type: "ims", State: "CONNECTING"}},
			Connections:  []dataconn.Snapshot{{ID: 2, Name: "DC-I-2", Transport: "wlan", State: "activating"}},
		},
		reasons: map[apn.Type]tracker.Reasons{apn.TypeIMS: {AllowedBy: tracker.AllowedUnmeteredAPN}},
	}
	router := fakeRouter{{ID: "req-1", APNType: "default", Transport: "wwan"}}
	return wwan, wlan, router
}

func newFakeService() (*Service, *fakeTracker, *fakeTracker) {
	wwan, wlan, router := newFakes()
	return NewService([]Tracker{wwan, wlan}, router, nil), wwan, wlan
}
