package tracker

import (
	"context"
	"sort"
	"sync"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// Router places network requests on the tracker of their purpose's
// preferred transport and moves them when the preference changes.
type Router struct {
	peers *Peers
	log   logging.Logger

	mu       sync.Mutex
	requests map[string]*routedRequest
}

type routedRequest struct {
	req       netcap.Request
	transport radio.Transport
	// target is set while a handover to that transport is in flight.
	target radio.Transport
}

// RoutedRequest is a request and the transport currently serving it.
type RoutedRequest struct {
	ID        string `json:"id"`
	APNType   string `json:"apn_type"`
	Transport string `json:"transport"`
	Handover  string `json:"handover_to,omitempty"`
}

// NewRouter returns a router over the trackers registered in peers.
func NewRouter(peers *Peers, log logging.Logger) *Router {
	if log == nil {
		log = logging.Noop()
	}
	return &Router{
		peers:    peers,
		log:      log.With(logging.String("component", "router")),
		requests: make(map[string]*routedRequest),
	}
}

// Request routes req to its preferred transport.
func (r *Router) Request(req netcap.Request) {
	typ := req.APNType()
	transport := r.peers.PreferredTransport(typ)
	t := r.peers.Tracker(transport)
	if t == nil {
		transport = transport.Other()
		if t = r.peers.Tracker(transport); t == nil {
			r.log.Warn(context.Background(), "no tracker for request", logging.String("request", req.String()))
			return
		}
	}
	r.mu.Lock()
	r.requests[req.ID] = &routedRequest{req: req, transport: transport}
	r.mu.Unlock()
	r.log.Info(context.Background(), "request routed", logging.String("id", req.ID),
		logging.String("type", typ.String()), logging.String("transport", transport.String()))
	t.RequestNetwork(req, dataservice.RequestNormal, nil)
}

// Release withdraws req from every tracker that holds it.
func (r *Router) Release(req netcap.Request) {
	r.mu.Lock()
	rr, ok := r.requests[req.ID]
	delete(r.requests, req.ID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if t := r.peers.Tracker(rr.transport); t != nil {
		t.ReleaseNetwork(rr.req, dataservice.ReleaseNormal)
	}
	if rr.target != radio.TransportInvalid {
		if t := r.peers.Tracker(rr.target); t != nil {
			t.ReleaseNetwork(rr.req, dataservice.ReleaseNormal)
		}
	}
}

// SetPreferredTransport changes the transport typ should use. Requests
// connected on the old transport hand over; the rest move directly.
func (r *Router) SetPreferredTransport(typ apn.Type, transport radio.Transport) {
	if !r.peers.setPreferred(typ, transport) {
		return
	}
	target := r.peers.Tracker(transport)
	if target == nil {
		r.log.Warn(context.Background(), "preferred transport has no tracker", logging.String("transport", transport.String()))
		return
	}
	r.log.Info(context.Background(), "preferred transport changed", logging.String("type", typ.String()),
		logging.String("transport", transport.String()))

	r.mu.Lock()
	var moving []*routedRequest
	for _, rr := range r.requests {
		if rr.req.APNType() == typ && rr.transport != transport && rr.target == radio.TransportInvalid {
			moving = append(moving, rr)
		}
	}
	r.mu.Unlock()

	for _, rr := range moving {
		source := r.peers.Tracker(rr.transport)
		if source != nil && r.peers.IsConnected(rr.transport, typ) {
			r.startHandover(rr, source, target)
			continue
		}
		r.mu.Lock()
		from := rr.transport
		rr.transport = transport
		r.mu.Unlock()
		if source != nil {
			source.ReleaseNetwork(rr.req, dataservice.ReleaseNormal)
		}
		target.RequestNetwork(rr.req, dataservice.RequestNormal, nil)
		r.log.Info(context.Background(), "request moved", logging.String("id", rr.req.ID),
			logging.String("from", from.String()), logging.String("to", transport.String()))
	}
}

func (r *Router) startHandover(rr *routedRequest, source, target *Tracker) {
	r.mu.Lock()
	rr.target = target.Transport()
	r.mu.Unlock()
	r.log.Info(context.Background(), "handover requested", logging.String("id", rr.req.ID),
		logging.String("from", source.Transport().String()), logging.String("to", target.Transport().String()))

	target.RequestNetwork(rr.req, dataservice.RequestHandover, func(success bool, _ radio.Transport, fallback bool) {
		r.mu.Lock()
		rr.target = radio.TransportInvalid
		_, live := r.requests[rr.req.ID]
		if live && (success || !fallback) {
			rr.transport = target.Transport()
		}
		r.mu.Unlock()
		r.log.Info(context.Background(), "handover finished", logging.String("id", rr.req.ID),
			logging.Bool("success", success), logging.Bool("fallback", fallback))
		if !live {
			return
		}
		if success || !fallback {
			release := dataservice.ReleaseDetach
			if success {
				release = dataservice.ReleaseHandover
			}
			source.ReleaseNetwork(rr.req, release)
			return
		}
		target.ReleaseNetwork(rr.req, dataservice.ReleaseNormal)
	})
}

// Requests lists the routed requests ordered by id.
func (r *Router) Requests() []RoutedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoutedRequest, 0, len(r.requests))
	for _, rr := range r.requests {
		e := RoutedRequest{ID: rr.req.ID, APNType: rr.req.APNType().String(), Transport: rr.transport.String()}
		if rr.target != radio.TransportInvalid {
			e.Handover = rr.target.String()
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
