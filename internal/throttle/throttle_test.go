package throttle

import (
	"testing"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

func newTestThrottler() (*Throttler, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return New(radio.TransportWWAN, func() time.Time { return now }), &now
}

func TestFromSuggestion(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if r := FromSuggestion(now, dataservice.RetryNone); !r.IsZero() {
		t.Fatalf("negative delay should mean no throttle, got %s", r)
	}
	if r := FromSuggestion(now, dataservice.RetryNever); !r.Never {
		t.Fatalf("max delay should mean never, got %s", r)
	}
	if r := FromSuggestion(now, 5*time.Second); !r.At.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("unexpected retry time %s", r)
	}
}

func TestThrottleExpiresWithTime(t *testing.T) {
	th, now := newTestThrottler()
	th.SetRetryTime(apn.TypeIMS, RetryAt(now.Add(time.Minute)), dataservice.RequestNormal)

	if !th.IsThrottled(apn.TypeIMS) {
		t.Fatalf("IMS should be throttled")
	}
	if th.IsThrottled(apn.TypeMMS) {
		t.Fatalf("MMS should not be throttled")
	}
	*now = now.Add(2 * time.Minute)
	if th.IsThrottled(apn.TypeIMS) {
		t.Fatalf("throttle should have expired")
	}
}

func TestDefaultAlsoThrottlesHipri(t *testing.T) {
	th, _ := newTestThrottler()
	th.SetRetryTime(apn.TypeDefault, NoRetry, dataservice.RequestNormal)
	if !th.IsThrottled(apn.TypeHIPRI) {
		t.Fatalf("HIPRI should follow DEFAULT")
	}
	if got := len(th.Statuses()); got != 2 {
		t.Fatalf("expected 2 statuses, got %d", got)
	}
}

func TestListenersSeeOnlyChanges(t *testing.T) {
	th, now := newTestThrottler()
	var batches [][]Status
	th.OnChange(func(s []Status) { batches = append(batches, s) })

	at := RetryAt(now.Add(time.Minute))
	th.SetRetryTime(apn.TypeMMS, at, dataservice.RequestNormal)
	th.SetRetryTime(apn.TypeMMS, at, dataservice.RequestNormal)
	th.SetRetryTime(apn.TypeSUPL, Retry{}, dataservice.RequestNormal)
	th.Reset()

	if len(batches) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %v", len(batches), batches)
	}
	if batches[1][0].Kind != KindNone || batches[1][0].Type != apn.TypeMMS {
		t.Fatalf("reset should report MMS unthrottled, got %v", batches[1])
	}
}
