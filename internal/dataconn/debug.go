package dataconn

import (
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
)

const eventLogSize = 64

// EventRecord is one processed state machine event.
type EventRecord struct {
	At    time.Time `json:"at"`
	State string    `json:"state"`
	Event string    `json:"event"`
}

// eventLog keeps the most recent events in a fixed ring.
type eventLog struct {
	buf  []EventRecord
	next int
	full bool
}

func newEventLog(size int) *eventLog {
	return &eventLog{buf: make([]EventRecord, size)}
}

func (l *eventLog) add(at time.Time, s State, name string) {
	l.buf[l.next] = EventRecord{At: at, State: s.String(), Event: name}
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

// records returns the ring oldest first.
func (l *eventLog) records() []EventRecord {
	if !l.full {
		return append([]EventRecord(nil), l.buf[:l.next]...)
	}
	out := make([]EventRecord, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	return append(out, l.buf[:l.next]...)
}

// Snapshot is a point-in-time view of a connection for the debug surfaces.
type Snapshot struct {
	ID            int                    `json:"id"`
	Name          string                 `json:"name"`
	Transport     string                 `json:"transport"`
	State         string                 `json:"state"`
	Tag           int                    `json:"tag"`
	CID           int                    `json:"cid"`
	PduSessionID  int                    `json:"pdu_session_id"`
	APN           string                 `json:"apn,omitempty"`
	APNTypes      string                 `json:"apn_types,omitempty"`
	Contexts      []string               `json:"contexts,omitempty"`
	Capabilities  []string               `json:"capabilities,omitempty"`
	Link          *netcap.LinkProperties `json:"link,omitempty"`
	DownlinkKbps  int                    `json:"downlink_kbps"`
	UplinkKbps    int                    `json:"uplink_kbps"`
	Score         int                    `json:"score"`
	Suspended     bool                   `json:"suspended"`
	HandoverState string                 `json:"handover_state"`
	AgentID       string                 `json:"agent_id,omitempty"`
	Restricted    bool                   `json:"restricted"`
	UnmeteredOnly bool                   `json:"unmetered_only"`
	MMSOnly       bool                   `json:"mms_only"`
	Enterprise    bool                   `json:"enterprise"`
	LastFailCause string                 `json:"last_fail_cause,omitempty"`
	LastFailAt    time.Time              `json:"last_fail_at,omitempty"`
	CreateTime    time.Time              `json:"create_time,omitempty"`
	Events        []EventRecord          `json:"events,omitempty"`
}

// Snapshot captures the connection. It must be called on the handler.
func (c *Connection) Snapshot() Snapshot {
	s := Snapshot{
		ID:            c.id,
		Name:          c.name,
		Transport:     c.transport.String(),
		State:         c.state.String(),
		Tag:           c.tag,
		CID:           c.cid,
		PduSessionID:  c.pduID,
		APNTypes:      c.apnTypeBitmask().String(),
		Link:          c.lp.Clone(),
		DownlinkKbps:  c.downlinkKbps,
		UplinkKbps:    c.uplinkKbps,
		Score:         c.score,
		Suspended:     c.suspended,
		HandoverState: c.handoverState.String(),
		Restricted:    c.restrictedOverride,
		UnmeteredOnly: c.unmeteredOnly,
		MMSOnly:       c.mmsOnly,
		Enterprise:    c.enterprise,
		CreateTime:    c.createTime,
		Events:        c.events.records(),
	}
	if c.setting != nil {
		s.APN = c.setting.APN
	}
	for _, a := range c.attached {
		s.Contexts = append(s.Contexts, a.ctx.APNType().String())
	}
	if c.state == StateActive {
		s.Capabilities = c.networkCapabilities().Names()
	}
	if c.agent != nil {
		s.AgentID = c.agent.ID()
	}
	if c.lastFail != 0 {
		s.LastFailCause = c.lastFail.String()
		s.LastFailAt = c.lastFailAt
	}
	return s
}

// Dump returns a human-readable description of the connection. It must be
// called on the handler.
func (c *Connection) Dump() string {
	s := c.Snapshot()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%s (id=%d transport=%s) state=%s tag=%d cid=%d\n", s.Name, s.ID, s.Transport, s.State, s.Tag, s.CID)
	fmt.Fprintf(&buf, "  apn=%q types=%s contexts=%v\n", s.APN, s.APNTypes, s.Contexts)
	fmt.Fprintf(&buf, "  score=%d suspended=%v handover=%s agent=%s\n", s.Score, s.Suspended, s.HandoverState, s.AgentID)
	fmt.Fprintf(&buf, "  restricted=%v unmetered_only=%v mms_only=%v enterprise=%v\n",
		s.Restricted, s.UnmeteredOnly, s.MMSOnly, s.Enterprise)
	fmt.Fprintf(&buf, "  bandwidth=%d/%d kbps\n", s.DownlinkKbps, s.UplinkKbps)
	if len(s.Capabilities) > 0 {
		fmt.Fprintf(&buf, "  caps=%s\n", strings.Join(s.Capabilities, " "))
	}
	if s.Link != nil && s.Link.InterfaceName != "" {
		fmt.Fprintf(&buf, "  link=%s addrs=%v dns=%v mtu=%d\n", s.Link.InterfaceName, s.Link.Addresses, s.Link.DNS, s.Link.MTU)
	}
	if s.LastFailCause != "" {
		fmt.Fprintf(&buf, "  last_fail=%s at %s\n", s.LastFailCause, s.LastFailAt.Format(time.RFC3339))
	}
	for _, e := range s.Events {
		fmt.Fprintf(&buf, "  %s %-40s %s\n", e.At.Format("15:04:05.000"), e.Event, e.State)
	}
	return buf.String()
}
