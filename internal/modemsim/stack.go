package modemsim

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/agent"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

const defaultValidationInterval = 30 * time.Second

// Stack is a NetworkStack that logs every published change and validates
// connected networks against the modem: a network is valid while the modem
// passes inbound traffic.
type Stack struct {
	*agent.RecordingStack

	modem    *Modem
	log      logging.Logger
	interval time.Duration

	mu        sync.Mutex
	connected map[string]bool
	verdicts  map[string]agent.ValidationStatus
	// nextCheck is zero until the first Tick.
	nextCheck time.Time
}

var _ agent.NetworkStack = (*Stack)(nil)

// NewStack returns a stack validating against modem every interval.
func NewStack(modem *Modem, interval time.Duration, log logging.Logger) *Stack {
	if log == nil {
		log = logging.Noop()
	}
	if interval <= 0 {
		interval = defaultValidationInterval
	}
	return &Stack{
		RecordingStack: agent.NewRecordingStack(),
		modem:          modem,
		log:            log.With(logging.String("component", "netstack")),
		interval:       interval,
		connected:      make(map[string]bool),
		verdicts:       make(map[string]agent.ValidationStatus),
	}
}

func (s *Stack) Register(a *agent.Agent, caps netcap.Capabilities, lp *netcap.LinkProperties, score int) error {
	if err := s.RecordingStack.Register(a, caps, lp, score); err != nil {
		s.log.Warn(context.Background(), "network registration refused", logging.String("agent_id", a.ID()), logging.Err(err))
		return err
	}
	s.log.Info(context.Background(), "network registered",
		logging.String("agent_id", a.ID()),
		logging.String("caps", caps.Caps.String()),
		logging.String("iface", lp.InterfaceName),
		logging.Int("score", score))
	return nil
}

func (s *Stack) UpdateCapabilities(id string, caps netcap.Capabilities) {
	s.RecordingStack.UpdateCapabilities(id, caps)
	s.log.Debug(context.Background(), "capabilities updated", logging.String("agent_id", id), logging.String("caps", caps.Caps.String()))
}

func (s *Stack) UpdateLinkProperties(id string, lp *netcap.LinkProperties) {
	s.RecordingStack.UpdateLinkProperties(id, lp)
	s.log.Debug(context.Background(), "link properties updated", logging.String("agent_id", id), logging.String("iface", lp.InterfaceName))
}

func (s *Stack) UpdateScore(id string, score int) {
	s.RecordingStack.UpdateScore(id, score)
	s.log.Debug(context.Background(), "score updated", logging.String("agent_id", id), logging.Int("score", score))
}

func (s *Stack) SetLegacySubtype(id string, rat radio.RAT) {
	s.RecordingStack.SetLegacySubtype(id, rat)
	s.log.Debug(context.Background(), "subtype updated", logging.String("agent_id", id), logging.String("rat", rat.String()))
}

// MarkConnected logs the network and validates it on the next Tick.
func (s *Stack) MarkConnected(id string) {
	s.RecordingStack.MarkConnected(id)
	s.mu.Lock()
	s.connected[id] = true
	s.nextCheck = time.Time{}
	s.mu.Unlock()
	s.log.Info(context.Background(), "network connected", logging.String("agent_id", id))
}

func (s *Stack) Unregister(id string) {
	s.RecordingStack.Unregister(id)
	s.mu.Lock()
	delete(s.connected, id)
	delete(s.verdicts, id)
	s.mu.Unlock()
	s.log.Info(context.Background(), "network unregistered", logging.String("agent_id", id))
}

func (s *Stack) KeepaliveEvent(id string, slot int, ev agent.KeepaliveEvent) {
	s.RecordingStack.KeepaliveEvent(id, slot, ev)
	s.log.Info(context.Background(), "keepalive event", logging.String("agent_id", id), logging.Int("slot", slot), logging.String("event", ev.String()))
}

func (s *Stack) QosSessionAvailable(id string, callbackID int, session dataservice.QosBearerSession) {
	s.RecordingStack.QosSessionAvailable(id, callbackID, session)
	s.log.Info(context.Background(), "qos session available", logging.String("agent_id", id), logging.Int("callback", callbackID), logging.Int("session", session.ID))
}

func (s *Stack) QosSessionLost(id string, callbackID int, sessionID int) {
	s.RecordingStack.QosSessionLost(id, callbackID, sessionID)
	s.log.Info(context.Background(), "qos session lost", logging.String("agent_id", id), logging.Int("callback", callbackID), logging.Int("session", sessionID))
}

// Tick validates every connected network once per interval, reporting the
// verdict to the agent whenever it changes.
func (s *Stack) Tick(now time.Time) {
	s.mu.Lock()
	if !s.nextCheck.IsZero() && now.Before(s.nextCheck) {
		s.mu.Unlock()
		return
	}
	s.nextCheck = now.Add(s.interval)
	ids := make([]string, 0, len(s.connected))
	for id := range s.connected {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	status := agent.ValidationValid
	if s.modem != nil && (s.modem.Stalled() || !s.modem.RadioOn()) {
		status = agent.ValidationNotValid
	}
	for _, id := range ids {
		s.validate(id, status)
	}
}

func (s *Stack) validate(id string, status agent.ValidationStatus) {
	s.mu.Lock()
	prev, seen := s.verdicts[id]
	s.verdicts[id] = status
	s.mu.Unlock()
	if seen && prev == status {
		return
	}
	a, ok := s.Agent(id)
	if !ok || !s.Live(id) {
		return
	}
	s.log.Info(context.Background(), "network validation", logging.String("agent_id", id), logging.Bool("valid", status == agent.ValidationValid))
	a.OnValidationStatus(status, "")
}

// Verdict returns the last validation result reported for id.
func (s *Stack) Verdict(id string) (agent.ValidationStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verdicts[id]
	return v, ok
}
