package agent

import (
	"fmt"
	"strings"

	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
)

// Snapshot is a point-in-time view of an agent for the debug surfaces.
type Snapshot struct {
	ID           string                 `json:"id"`
	OwnerID      int                    `json:"owner_id"`
	Transport    string                 `json:"transport"`
	Capabilities []string               `json:"capabilities"`
	Link         *netcap.LinkProperties `json:"link,omitempty"`
	Score        int                    `json:"score"`
	Subtype      string                 `json:"subtype"`
	Connected    bool                   `json:"connected"`
	Unregistered bool                   `json:"unregistered"`
	Keepalives   int                    `json:"keepalives"`
	QosCallbacks int                    `json:"qos_callbacks"`
}

// Snapshot captures the agent's current state. OwnerID is -1 when dangling.
func (a *Agent) Snapshot() Snapshot {
	ownerID := -1
	if o := a.Owner(); o != nil {
		ownerID = o.ConnectionID()
	}
	transport := a.Transport()

	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		ID:           a.id,
		OwnerID:      ownerID,
		Transport:    transport.String(),
		Capabilities: a.caps.Names(),
		Link:         a.lp.Clone(),
		Score:        a.score,
		Subtype:      a.subtype.String(),
		Connected:    a.connected,
		Unregistered: a.unregistered,
		Keepalives:   len(a.keepalives),
		QosCallbacks: len(a.qosFilters),
	}
}

// DumpAgentState returns a human-readable description of the agent.
func (a *Agent) DumpAgentState() string {
	s := a.Snapshot()

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("Agent: %s (owner: %d, transport: %s)\n", s.ID, s.OwnerID, s.Transport))
	buf.WriteString(fmt.Sprintf("Connected: %v Unregistered: %v\n", s.Connected, s.Unregistered))
	buf.WriteString(fmt.Sprintf("Score: %d Subtype: %s\n", s.Score, s.Subtype))
	buf.WriteString(fmt.Sprintf("Capabilities: %s\n", strings.Join(s.Capabilities, " ")))
	if s.Link != nil && s.Link.InterfaceName != "" {
		buf.WriteString(fmt.Sprintf("Link: %s addrs=%v dns=%v mtu=%d\n",
			s.Link.InterfaceName, s.Link.Addresses, s.Link.DNS, s.Link.MTU))
	} else {
		buf.WriteString("  (no link properties)\n")
	}
	if s.Keepalives > 0 {
		buf.WriteString(fmt.Sprintf("Keepalive slots: %d\n", s.Keepalives))
	}
	if s.QosCallbacks > 0 {
		buf.WriteString(fmt.Sprintf("QoS callbacks: %d\n", s.QosCallbacks))
	}
	return buf.String()
}
