package dataservice

import (
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

const (
	// RetryNone means the service made no retry suggestion.
	RetryNone time.Duration = -1
	// RetryNever means the service asks the framework not to retry.
	RetryNever time.Duration = math.MaxInt64
)

// LinkStatus is the modem's view of a data call's radio link.
type LinkStatus int

const (
	LinkUnknown LinkStatus = iota - 1
	LinkInactive
	LinkDormant
	LinkActive
)

func (s LinkStatus) String() string {
	switch s {
	case LinkInactive:
		return "inactive"
	case LinkDormant:
		return "dormant"
	case LinkActive:
		return "active"
	}
	return "unknown"
}

// SliceInfo describes a 5G network slice.
type SliceInfo struct {
	SST int `json:"sst"`
	SD  int `json:"sd,omitempty"`
}

// Qos is a bearer QoS profile.
type Qos struct {
	QCI             int `json:"qci"`
	DownlinkMaxKbps int `json:"dl_max_kbps"`
	UplinkMaxKbps   int `json:"ul_max_kbps"`
}

// QosFilter matches packets onto a dedicated bearer.
type QosFilter struct {
	Remote     netip.Prefix `json:"remote"`
	RemotePort int          `json:"remote_port,omitempty"`
	Protocol   int          `json:"protocol,omitempty"`
}

// QosBearerSession is a dedicated bearer set up by the network.
type QosBearerSession struct {
	ID      int         `json:"id"`
	Qos     Qos         `json:"qos"`
	Filters []QosFilter `json:"filters,omitempty"`
}

// DataCallResponse is the service's description of one data call, returned by
// setup and carried in call list snapshots.
type DataCallResponse struct {
	Cause         FailCause      `json:"cause"`
	RetryDuration time.Duration  `json:"retry_duration"`
	ID            int            `json:"cid"`
	LinkStatus    LinkStatus     `json:"link_status"`
	ProtocolType  string         `json:"protocol,omitempty"`
	InterfaceName string         `json:"iface"`
	Addresses     []netip.Prefix `json:"addresses,omitempty"`
	DNS           []netip.Addr   `json:"dns,omitempty"`
	Gateways      []netip.Addr   `json:"gateways,omitempty"`
	PCSCF         []netip.Addr   `json:"pcscf,omitempty"`
	// MTU applies to both families unless the per-family values are set.
	MTU                 int                     `json:"mtu,omitempty"`
	MTUv4               int                     `json:"mtu_v4,omitempty"`
	MTUv6               int                     `json:"mtu_v6,omitempty"`
	HandoverFailureMode HandoverFailureMode     `json:"handover_failure_mode"`
	PduSessionID        int                     `json:"pdu_session_id,omitempty"`
	DefaultQos          *Qos                    `json:"default_qos,omitempty"`
	QosBearerSessions   []QosBearerSession      `json:"qos_sessions,omitempty"`
	SliceInfo           *SliceInfo              `json:"slice,omitempty"`
	TrafficDescriptors  []apn.TrafficDescriptor `json:"traffic_descriptors,omitempty"`
}

// MTUFor returns the MTU for addresses of a's family.
func (r *DataCallResponse) MTUFor(a netip.Addr) int {
	if a.Is4() && r.MTUv4 > 0 {
		return r.MTUv4
	}
	if a.Is6() && !a.Is4In6() && r.MTUv6 > 0 {
		return r.MTUv6
	}
	return r.MTU
}

// LinkMTU returns the MTU to advertise on the link.
func (r *DataCallResponse) LinkMTU() int {
	if r.MTU > 0 {
		return r.MTU
	}
	return max(r.MTUv4, r.MTUv6)
}

func (r *DataCallResponse) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("[cid=%d cause=%s link=%s iface=%s addrs=%v dns=%v gw=%v mtu=%d retry=%s]",
		r.ID, r.Cause, r.LinkStatus, r.InterfaceName, r.Addresses, r.DNS, r.Gateways, r.LinkMTU(), r.RetryDuration)
}

// DataProfile is the modem-facing form of an APN profile.
type DataProfile struct {
	ProfileID       int      `json:"profile_id"`
	APN             string   `json:"apn"`
	Protocol        string   `json:"protocol"`
	RoamingProtocol string   `json:"roaming_protocol"`
	Types           apn.Type `json:"types"`
	NetworkTypes    uint32   `json:"network_types"`
	MTU             int      `json:"mtu"`
	Preferred       bool     `json:"preferred"`
	Enabled         bool     `json:"enabled"`
}

// NewDataProfile converts a profile into its modem form.
func NewDataProfile(s *apn.Setting, preferred bool) DataProfile {
	return DataProfile{
		ProfileID:       s.ProfileID,
		APN:             s.APN,
		Protocol:        s.Protocol,
		RoamingProtocol: s.RoamingProto,
		Types:           s.Types,
		NetworkTypes:    s.NetworkTypes,
		MTU:             s.MTU,
		Preferred:       preferred,
		Enabled:         !s.Disabled,
	}
}

// SetupRequest carries every argument of a setup data call.
type SetupRequest struct {
	AccessNetwork radio.AccessNetwork
	Profile       DataProfile
	IsRoaming     bool
	AllowRoaming  bool
	Reason        RequestReason
	// LinkProperties is the source link on a handover and nil otherwise.
	LinkProperties      *netcap.LinkProperties
	PduSessionID        int
	SliceInfo           *SliceInfo
	TrafficDescriptor   *apn.TrafficDescriptor
	MatchAllRuleAllowed bool
}
