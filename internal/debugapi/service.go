// Package debugapi exposes the operator surfaces of the daemon: a gRPC debug
// service, HTTP status routes and a websocket feed of connection events.
package debugapi

import (
	"context"
	"errors"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
	"github.com/signalsfoundry/cellular-data-manager/internal/tracker"
)

var (
	// ErrUnknownAPNType is returned for a purpose name that does not parse.
	ErrUnknownAPNType = errors.New("unknown apn type")
	// ErrUnknownTransport is returned for a transport that is not running.
	ErrUnknownTransport = errors.New("unknown transport")
	// ErrNoCellularTracker is returned when an operation needs the WWAN tracker.
	ErrNoCellularTracker = errors.New("no cellular tracker")
)

// Tracker is the per-transport view the debug surfaces read.
type Tracker interface {
	Transport() radio.Transport
	Snapshot(ctx context.Context) (tracker.Snapshot, error)
	DataAllowed(ctx context.Context, t apn.Type) (tracker.Reasons, error)
	TriggerRecovery()
}

// RequestLister lists the routed network requests.
type RequestLister interface {
	Requests() []tracker.RoutedRequest
}

// TrackerView is one tracker's request contexts.
type TrackerView struct {
	Transport    string                    `json:"transport"`
	OverallState string                    `json:"overall_state"`
	RAT          string                    `json:"rat"`
	Roaming      bool                      `json:"roaming"`
	PreferredAPN int                       `json:"preferred_apn_id"`
	RadioOff     string                    `json:"radio_off,omitempty"`
	Contexts     []tracker.ContextSnapshot `json:"contexts"`
	Throttled    []string                  `json:"throttled,omitempty"`
	Stall        tracker.StallSnapshot     `json:"stall"`
}

// ContextsView is the answer to a request context listing.
type ContextsView struct {
	Trackers []TrackerView           `json:"trackers"`
	Requests []tracker.RoutedRequest `json:"requests"`
}

// ConnectionsView is the answer to a connection listing.
type ConnectionsView struct {
	Connections []dataconn.Snapshot `json:"connections"`
}

// AllowedView is a data-allowed evaluation.
type AllowedView struct {
	Transport string   `json:"transport"`
	APNType   string   `json:"apn_type"`
	Allowed   bool     `json:"allowed"`
	AllowedBy string   `json:"allowed_by"`
	Reasons   []string `json:"reasons"`
}

// Service answers debug queries over a set of trackers. It is shared by the
// gRPC and HTTP surfaces.
type Service struct {
	trackers []Tracker
	router   RequestLister
	log      logging.Logger
}

// NewService returns a service over trackers. router may be nil.
func NewService(trackers []Tracker, router RequestLister, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{
		trackers: trackers,
		router:   router,
		log:      log.With(logging.String("component", "debugapi")),
	}
}

// Connections lists every connection on every transport.
func (s *Service) Connections(ctx context.Context) (ConnectionsView, error) {
	out := ConnectionsView{Connections: []dataconn.Snapshot{}}
	for _, t := range s.trackers {
		snap, err := t.Snapshot(ctx)
		if err != nil {
			return ConnectionsView{}, pkgerrors.Wrapf(err, "snapshot %s", t.Transport())
		}
		out.Connections = append(out.Connections, snap.Connections...)
	}
	return out, nil
}

// Contexts lists the request contexts of every tracker and the routed
// requests.
func (s *Service) Contexts(ctx context.Context) (ContextsView, error) {
	out := ContextsView{Trackers: []TrackerView{}, Requests: []tracker.RoutedRequest{}}
	for _, t := range s.trackers {
		snap, err := t.Snapshot(ctx)
		if err != nil {
			return ContextsView{}, pkgerrors.Wrapf(err, "snapshot %s", t.Transport())
		}
		out.Trackers = append(out.Trackers, TrackerView{
			Transport:    snap.Transport,
			OverallState: snap.OverallState,
			RAT:          snap.RAT,
			Roaming:      snap.Roaming,
			PreferredAPN: snap.PreferredAPN,
			RadioOff:     snap.RadioOffState,
			Contexts:     snap.Contexts,
			Throttled:    snap.Throttled,
			Stall:        snap.Stall,
		})
	}
	if s.router != nil {
		out.Requests = append(out.Requests, s.router.Requests()...)
	}
	return out, nil
}

// DataAllowed evaluates whether a setup of apnType could start now on
// transport, or on the first tracker when transport is empty.
func (s *Service) DataAllowed(ctx context.Context, apnType, transport string) (AllowedView, error) {
	typ := apn.ParseType(apnType)
	if typ == apn.TypeNone || typ == apn.TypeAll {
		return AllowedView{}, pkgerrors.Wrapf(ErrUnknownAPNType, "%q", apnType)
	}
	t, err := s.find(transport)
	if err != nil {
		return AllowedView{}, err
	}
	reasons, err := t.DataAllowed(ctx, typ)
	if err != nil {
		return AllowedView{}, pkgerrors.Wrapf(err, "evaluate %s on %s", typ, t.Transport())
	}
	view := AllowedView{
		Transport: t.Transport().String(),
		APNType:   typ.String(),
		Allowed:   reasons.Allowed(),
		AllowedBy: reasons.AllowedBy.String(),
		Reasons:   make([]string, 0, len(reasons.Disallowed)),
	}
	for _, d := range reasons.Disallowed {
		view.Reasons = append(view.Reasons, d.String())
	}
	return view, nil
}

// TriggerRecovery runs the next data stall recovery step on the cellular
// tracker.
func (s *Service) TriggerRecovery(ctx context.Context) error {
	for _, t := range s.trackers {
		if t.Transport() == radio.TransportWWAN {
			logging.LoggerFromContext(ctx, s.log).Info(ctx, "recovery requested")
			t.TriggerRecovery()
			return nil
		}
	}
	return ErrNoCellularTracker
}

// Healthy reports an error when any tracker fails to answer before ctx ends.
func (s *Service) Healthy(ctx context.Context) error {
	for _, t := range s.trackers {
		if _, err := t.Snapshot(ctx); err != nil {
			return pkgerrors.Wrapf(err, "tracker %s", t.Transport())
		}
	}
	return nil
}

func (s *Service) find(transport string) (Tracker, error) {
	if len(s.trackers) == 0 {
		return nil, pkgerrors.Wrap(ErrUnknownTransport, "no trackers")
	}
	if strings.TrimSpace(transport) == "" {
		return s.trackers[0], nil
	}
	want := radio.ParseTransport(transport)
	for _, t := range s.trackers {
		if t.Transport() == want {
			return t, nil
		}
	}
	return nil, pkgerrors.Wrapf(ErrUnknownTransport, "%q", transport)
}
