// Package throttle tracks per-purpose retry times suggested by the data
// service. A throttled purpose is not brought up again until its retry time
// passes or the throttle is cleared.
package throttle

import (
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// Kind describes what a throttle entry blocks.
type Kind int

const (
	KindNone Kind = iota
	KindElapsedTime
	KindHold
)

func (k Kind) String() string {
	switch k {
	case KindElapsedTime:
		return "elapsed_time"
	case KindHold:
		return "hold"
	}
	return "none"
}

// Retry is a suggested retry point. The zero value means unthrottled.
type Retry struct {
	At    time.Time
	Never bool
}

// NoRetry is the "do not retry" sentinel.
var NoRetry = Retry{Never: true}

// RetryAt returns a retry point at t.
func RetryAt(t time.Time) Retry { return Retry{At: t} }

// FromSuggestion converts a service-suggested delay into a retry point:
// negative means no suggestion, RetryNever means never.
func FromSuggestion(now time.Time, delay time.Duration) Retry {
	switch {
	case delay == dataservice.RetryNever:
		return NoRetry
	case delay < 0:
		return Retry{}
	default:
		return RetryAt(now.Add(delay))
	}
}

// IsZero reports whether r carries no throttle.
func (r Retry) IsZero() bool { return !r.Never && r.At.IsZero() }

func (r Retry) String() string {
	switch {
	case r.Never:
		return "never"
	case r.At.IsZero():
		return "none"
	}
	return r.At.Format(time.RFC3339)
}

// Status is the throttle state of one purpose.
type Status struct {
	Type      apn.Type
	Transport radio.Transport
	Kind      Kind
	Retry     Retry
	RetryType dataservice.RequestType
}

func (s Status) String() string {
	return fmt.Sprintf("[%s/%s %s retry=%s type=%s]", s.Type, s.Transport, s.Kind, s.Retry, s.RetryType)
}

// Throttler is owned by one tracker and only used from its handler.
type Throttler struct {
	transport radio.Transport
	now       func() time.Time
	statuses  map[apn.Type]Status
	listeners []func([]Status)
}

// New returns an empty throttler for transport.
func New(transport radio.Transport, now func() time.Time) *Throttler {
	if now == nil {
		now = time.Now
	}
	return &Throttler{
		transport: transport,
		now:       now,
		statuses:  make(map[apn.Type]Status),
	}
}

// OnChange registers fn to receive every status that changed.
func (t *Throttler) OnChange(fn func([]Status)) {
	t.listeners = append(t.listeners, fn)
}

// SetRetryTime records retry for every purpose in types. The DEFAULT purpose
// also throttles HIPRI.
func (t *Throttler) SetRetryTime(types apn.Type, retry Retry, retryType dataservice.RequestType) {
	if types.Overlaps(apn.TypeDefault) {
		types |= apn.TypeHIPRI
	}
	var changed []Status
	for _, single := range types.Split() {
		next := Status{Type: single, Transport: t.transport, Retry: retry, RetryType: retryType}
		switch {
		case retry.IsZero():
			next.Kind = KindNone
			next.RetryType = dataservice.RequestUnknown
		case retry.Never:
			next.Kind = KindHold
		default:
			next.Kind = KindElapsedTime
		}
		prev, ok := t.statuses[single]
		if ok && prev == next {
			continue
		}
		if !ok && next.Kind == KindNone {
			continue
		}
		if next.Kind == KindNone {
			delete(t.statuses, single)
		} else {
			t.statuses[single] = next
		}
		changed = append(changed, next)
	}
	t.notify(changed)
}

// RetryTime returns the furthest retry point among the purposes in types.
func (t *Throttler) RetryTime(types apn.Type) Retry {
	var out Retry
	for _, single := range types.Split() {
		s, ok := t.statuses[single]
		if !ok {
			continue
		}
		if s.Retry.Never {
			return NoRetry
		}
		if s.Retry.At.After(out.At) {
			out.At = s.Retry.At
		}
	}
	return out
}

// IsThrottled reports whether any purpose in types is blocked right now.
func (t *Throttler) IsThrottled(types apn.Type) bool {
	r := t.RetryTime(types)
	return r.Never || r.At.After(t.now())
}

// Reset clears every throttle and reports each cleared purpose as unthrottled.
func (t *Throttler) Reset() {
	var changed []Status
	for typ := range t.statuses {
		changed = append(changed, Status{Type: typ, Transport: t.transport, Kind: KindNone})
	}
	t.statuses = make(map[apn.Type]Status)
	sort.Slice(changed, func(i, j int) bool { return changed[i].Type < changed[j].Type })
	t.notify(changed)
}

// Statuses returns a snapshot ordered by purpose.
func (t *Throttler) Statuses() []Status {
	out := make([]Status, 0, len(t.statuses))
	for _, s := range t.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func (t *Throttler) notify(changed []Status) {
	if len(changed) == 0 {
		return
	}
	for _, fn := range t.listeners {
		fn(changed)
	}
}
