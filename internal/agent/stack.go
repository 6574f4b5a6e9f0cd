package agent

import (
	"fmt"
	"sync"

	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// KeepaliveEvent is reported to the network stack for one keepalive slot.
type KeepaliveEvent int

const (
	KeepaliveStarted KeepaliveEvent = iota
	KeepaliveStopped
	KeepaliveErrorInvalidNetwork
	KeepaliveErrorNoSuchSlot
	KeepaliveErrorHardware
)

func (e KeepaliveEvent) String() string {
	switch e {
	case KeepaliveStarted:
		return "started"
	case KeepaliveStopped:
		return "stopped"
	case KeepaliveErrorInvalidNetwork:
		return "error_invalid_network"
	case KeepaliveErrorNoSuchSlot:
		return "error_no_such_slot"
	case KeepaliveErrorHardware:
		return "error_hardware"
	}
	return "unknown"
}

// NetworkStack is the OS consumer of published networks. Implementations
// call back into the Agent's On* methods.
type NetworkStack interface {
	Register(a *Agent, caps netcap.Capabilities, lp *netcap.LinkProperties, score int) error
	UpdateCapabilities(id string, caps netcap.Capabilities)
	UpdateLinkProperties(id string, lp *netcap.LinkProperties)
	UpdateScore(id string, score int)
	SetLegacySubtype(id string, rat radio.RAT)
	MarkConnected(id string)
	Unregister(id string)
	KeepaliveEvent(id string, slot int, ev KeepaliveEvent)
	QosSessionAvailable(id string, callbackID int, session dataservice.QosBearerSession)
	QosSessionLost(id string, callbackID int, sessionID int)
}

// StackEvent is one call recorded by RecordingStack.
type StackEvent struct {
	Op      string
	AgentID string
	Detail  string
}

func (e StackEvent) String() string { return fmt.Sprintf("%s %s %s", e.Op, e.AgentID, e.Detail) }

// RecordingStack is a NetworkStack that keeps every call and the latest
// published state per agent. It is used by tests and the simulator.
type RecordingStack struct {
	mu     sync.Mutex
	events []StackEvent
	agents map[string]*Agent
	caps   map[string]netcap.Capabilities
	links  map[string]*netcap.LinkProperties
	scores map[string]int
	live   map[string]bool

	// Observe, when set, sees every event as it is recorded.
	Observe func(StackEvent)
}

// NewRecordingStack returns an empty RecordingStack.
func NewRecordingStack() *RecordingStack {
	return &RecordingStack{
		agents: make(map[string]*Agent),
		caps:   make(map[string]netcap.Capabilities),
		links:  make(map[string]*netcap.LinkProperties),
		scores: make(map[string]int),
		live:   make(map[string]bool),
	}
}

var _ NetworkStack = (*RecordingStack)(nil)

func (s *RecordingStack) record(op, id, detail string) {
	ev := StackEvent{Op: op, AgentID: id, Detail: detail}
	s.events = append(s.events, ev)
	if s.Observe != nil {
		s.Observe(ev)
	}
}

func (s *RecordingStack) Register(a *Agent, caps netcap.Capabilities, lp *netcap.LinkProperties, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[a.ID()] {
		return fmt.Errorf("agent %s already registered with the stack", a.ID())
	}
	s.agents[a.ID()] = a
	s.caps[a.ID()] = caps.Clone()
	s.links[a.ID()] = lp.Clone()
	s.scores[a.ID()] = score
	s.live[a.ID()] = true
	s.record("register", a.ID(), caps.Caps.String())
	return nil
}

func (s *RecordingStack) UpdateCapabilities(id string, caps netcap.Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[id] = caps.Clone()
	s.record("capabilities", id, caps.Caps.String())
}

func (s *RecordingStack) UpdateLinkProperties(id string, lp *netcap.LinkProperties) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[id] = lp.Clone()
	s.record("link_properties", id, lp.InterfaceName)
}

func (s *RecordingStack) UpdateScore(id string, score int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[id] = score
	s.record("score", id, fmt.Sprint(score))
}

func (s *RecordingStack) SetLegacySubtype(id string, rat radio.RAT) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("subtype", id, rat.String())
}

func (s *RecordingStack) MarkConnected(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("connected", id, "")
}

func (s *RecordingStack) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[id] = false
	s.record("unregister", id, "")
}

func (s *RecordingStack) KeepaliveEvent(id string, slot int, ev KeepaliveEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("keepalive", id, fmt.Sprintf("slot=%d %s", slot, ev))
}

func (s *RecordingStack) QosSessionAvailable(id string, callbackID int, session dataservice.QosBearerSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("qos_available", id, fmt.Sprintf("cb=%d session=%d", callbackID, session.ID))
}

func (s *RecordingStack) QosSessionLost(id string, callbackID int, sessionID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("qos_lost", id, fmt.Sprintf("cb=%d session=%d", callbackID, sessionID))
}

// Events returns every recorded call.
func (s *RecordingStack) Events() []StackEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StackEvent(nil), s.events...)
}

// Count reports how many calls of op were recorded, across all agents.
func (s *RecordingStack) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Op == op {
			n++
		}
	}
	return n
}

// Agent returns the agent registered under id.
func (s *RecordingStack) Agent(id string) (*Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	return a, ok
}

// Live reports whether id is registered and not yet unregistered.
func (s *RecordingStack) Live(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[id]
}

// Capabilities returns the last capabilities published for id.
func (s *RecordingStack) Capabilities(id string) (netcap.Capabilities, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caps[id]
	return c.Clone(), ok
}

// LinkProperties returns the last link properties published for id.
func (s *RecordingStack) LinkProperties(id string) *netcap.LinkProperties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[id].Clone()
}

// Score returns the last score published for id.
func (s *RecordingStack) Score(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[id]
}
