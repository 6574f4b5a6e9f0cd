package tracker

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

const tracerName = "github.com/signalsfoundry/cellular-data-manager/internal/tracker"

// HandoverCallback resolves a handover request. transport is the transport
// of the tracker that resolved it; fallback asks the caller to keep the
// source connection.
type HandoverCallback func(success bool, transport radio.Transport, fallback bool)

// peerEntry is what one tracker publishes about one purpose.
type peerEntry struct {
	conn      *dataconn.Connection
	connected bool
}

type peerKey struct {
	transport radio.Transport
	typ       apn.Type
}

// Peers links the trackers of one subscription across transports. Trackers
// publish their per-purpose connections here so the other transport's
// connections can find a handover source without touching another handler's
// state.
type Peers struct {
	mu        sync.RWMutex
	trackers  map[radio.Transport]*Tracker
	entries   map[peerKey]peerEntry
	preferred map[apn.Type]radio.Transport
}

// NewPeers returns an empty Peers. Every purpose prefers WWAN until told
// otherwise.
func NewPeers() *Peers {
	return &Peers{
		trackers:  make(map[radio.Transport]*Tracker),
		entries:   make(map[peerKey]peerEntry),
		preferred: make(map[apn.Type]radio.Transport),
	}
}

func (p *Peers) register(t *Tracker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackers[t.transport] = t
}

// Tracker returns the tracker of transport, or nil.
func (p *Peers) Tracker(transport radio.Transport) *Tracker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trackers[transport]
}

func (p *Peers) publish(transport radio.Transport, t apn.Type, conn *dataconn.Connection, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := peerKey{transport, t}
	if conn == nil && !connected {
		delete(p.entries, k)
		return
	}
	p.entries[k] = peerEntry{conn: conn, connected: connected}
}

// Connection returns the connection serving t on transport, or nil.
func (p *Peers) Connection(transport radio.Transport, t apn.Type) *dataconn.Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[peerKey{transport, t}].conn
}

// IsConnected reports whether t is connected on transport.
func (p *Peers) IsConnected(transport radio.Transport, t apn.Type) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[peerKey{transport, t}].connected
}

// CurrentTransport returns the transport t is connected on, or
// TransportInvalid.
func (p *Peers) CurrentTransport(t apn.Type) radio.Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, tr := range []radio.Transport{radio.TransportWWAN, radio.TransportWLAN} {
		if p.entries[peerKey{tr, t}].connected {
			return tr
		}
	}
	return radio.TransportInvalid
}

// PreferredTransport returns the transport t should use.
func (p *Peers) PreferredTransport(t apn.Type) radio.Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if tr, ok := p.preferred[t]; ok {
		return tr
	}
	return radio.TransportWWAN
}

func (p *Peers) setPreferred(t apn.Type, transport radio.Transport) (changed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old, ok := p.preferred[t]
	if !ok {
		old = radio.TransportWWAN
	}
	p.preferred[t] = transport
	return old != transport
}

// pendingHandover is a handover callback with its span.
type pendingHandover struct {
	cb   HandoverCallback
	span trace.Span
}

// addHandoverCallback records cb for t. A nil cb is ignored.
func (t *Tracker) addHandoverCallback(typ apn.Type, cb HandoverCallback) {
	if cb == nil {
		return
	}
	_, span := otel.Tracer(tracerName).Start(context.Background(), "tracker/handover",
		trace.WithAttributes(
			attribute.String("apn.type", typ.String()),
			attribute.String("target.transport", t.transport.String())))
	t.handovers[typ] = append(t.handovers[typ], pendingHandover{cb: cb, span: span})
}

func (t *Tracker) isHandoverPending(typ apn.Type) bool { return len(t.handovers[typ]) > 0 }

// sendHandoverCompleted resolves every callback pending for typ exactly once.
func (t *Tracker) sendHandoverCompleted(typ apn.Type, success, fallback bool) {
	pending := t.handovers[typ]
	if len(pending) == 0 {
		return
	}
	delete(t.handovers, typ)
	t.log.Info(context.Background(), "handover resolved", logging.String("type", typ.String()),
		logging.Bool("success", success), logging.Bool("fallback", fallback))
	for _, p := range pending {
		p.span.SetAttributes(attribute.Bool("handover.success", success), attribute.Bool("handover.fallback", fallback))
		if !success {
			p.span.SetStatus(codes.Error, "handover failed")
		}
		p.span.End()
		p.cb(success, t.transport, fallback)
	}
}

// HandoverSource implements dataconn.Env. It is called from this tracker's
// handler and reads the other transport's published connection.
func (t *Tracker) HandoverSource(typ apn.Type) *dataconn.Connection {
	return t.peers.Connection(t.transport.Other(), typ)
}
