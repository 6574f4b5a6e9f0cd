package apn

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

const (
	// NoSetID marks a profile that is not part of any APN set.
	NoSetID = 0
	// MatchAllSetID marks a profile usable with every preferred set.
	MatchAllSetID = -1

	// UnsetMTU means the profile does not pin an MTU.
	UnsetMTU = 0
	// UnsetPort means the proxy port was not provided.
	UnsetPort = -1
)

// Setting is one carrier APN profile.
type Setting struct {
	ID           int    `config:"id" json:"id"`
	EntryName    string `config:"entry_name" json:"entry_name"`
	APN          string `config:"apn" json:"apn"`
	Types        Type   `config:",ignore" json:"-"`
	TypeNames    string `config:"types" json:"types"`
	Operator     string `config:"operator" json:"operator,omitempty"`
	CarrierID    int    `config:"carrier_id" json:"carrier_id,omitempty"`
	Proxy        string `config:"proxy" json:"proxy,omitempty"`
	ProxyPort    int    `config:"proxy_port" json:"proxy_port,omitempty"`
	MMSProxy     string `config:"mms_proxy" json:"mms_proxy,omitempty"`
	MMSProxyPort int    `config:"mms_proxy_port" json:"mms_proxy_port,omitempty"`
	MMSC         string `config:"mmsc" json:"mmsc,omitempty"`
	Protocol     string `config:"protocol" json:"protocol,omitempty"`
	RoamingProto string `config:"roaming_protocol" json:"roaming_protocol,omitempty"`
	// NetworkTypes is a RAT bitmask (radio.RAT.Bit); zero means every RAT.
	NetworkTypes uint32 `config:"network_types" json:"network_types,omitempty"`
	SetID        int    `config:"set_id" json:"set_id,omitempty"`
	MTU          int    `config:"mtu" json:"mtu,omitempty"`
	ProfileID    int    `config:"profile_id" json:"profile_id,omitempty"`
	Disabled     bool   `config:"disabled" json:"disabled,omitempty"`
}

// Normalize fills derived fields after decoding from configuration.
func (s *Setting) Normalize() {
	if s.Types == 0 && s.TypeNames != "" {
		s.Types = ParseTypes(s.TypeNames)
	}
	if s.TypeNames == "" && s.Types != 0 {
		s.TypeNames = s.Types.String()
	}
	if s.ProxyPort == 0 && s.Proxy == "" {
		s.ProxyPort = UnsetPort
	}
}

// Copy returns an independent copy of s.
func (s *Setting) Copy() *Setting {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// CanHandleType reports whether the profile serves purpose t. A DEFAULT
// profile also serves HIPRI.
func (s *Setting) CanHandleType(t Type) bool {
	if s == nil || s.Disabled || t == 0 {
		return false
	}
	if t == TypeHIPRI && s.Types.Overlaps(TypeDefault) {
		return true
	}
	return s.Types&t == t
}

// CanSupportNetworkType reports whether the profile may be used on rat.
func (s *Setting) CanSupportNetworkType(rat radio.RAT) bool {
	if s == nil {
		return false
	}
	if s.NetworkTypes == 0 {
		return true
	}
	// IWLAN profiles are selected by transport, not by RAT.
	if rat == radio.RATIWLAN {
		return true
	}
	return s.NetworkTypes&rat.Bit() != 0
}

// IsEmergency reports whether the profile serves the emergency purpose.
func (s *Setting) IsEmergency() bool {
	return s != nil && s.Types.Overlaps(TypeEmergency)
}

// Equal compares the fields that identify a profile on the modem.
func (s *Setting) Equal(o *Setting) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.ID == o.ID &&
		strings.EqualFold(s.APN, o.APN) &&
		s.Types == o.Types &&
		s.Protocol == o.Protocol &&
		s.RoamingProto == o.RoamingProto &&
		s.Proxy == o.Proxy && s.ProxyPort == o.ProxyPort &&
		s.MMSProxy == o.MMSProxy && s.MMSProxyPort == o.MMSProxyPort &&
		s.ProfileID == o.ProfileID
}

func (s *Setting) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("[id=%d apn=%q types=%s set=%d]", s.ID, s.APN, s.Types, s.SetID)
}

// IsIPAddress reports whether address is a literal IPv4 or IPv6 address.
// IPv6 literals may be wrapped in square brackets.
func IsIPAddress(address string) bool {
	if address == "" {
		return false
	}
	if strings.HasPrefix(address, "[") && strings.HasSuffix(address, "]") && strings.Contains(address, ":") {
		address = address[1 : len(address)-1]
	}
	_, err := netip.ParseAddr(address)
	return err == nil
}

// TrafficDescriptor selects traffic for a data call either by DNN (APN name)
// or by an OS application id.
type TrafficDescriptor struct {
	DNN     string `json:"dnn,omitempty"`
	OSAppID []byte `json:"os_app_id,omitempty"`
}

// Equal compares two descriptors byte for byte.
func (td TrafficDescriptor) Equal(o TrafficDescriptor) bool {
	return td.DNN == o.DNN && string(td.OSAppID) == string(o.OSAppID)
}

// EqualDescriptors compares two descriptor lists in order.
func EqualDescriptors(a, b []TrafficDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// osNamespace is the fixed namespace UUID the enterprise OS app id is built on.
var osNamespace = uuid.MustParse("97a498e3-fc92-5c94-8986-0333d06e4e47")

const enterpriseAppName = "ENTERPRISE"

// EnterpriseOSAppID returns the 16 namespace bytes, a length byte and the
// capability name.
func EnterpriseOSAppID() []byte {
	out := make([]byte, 0, 16+1+len(enterpriseAppName))
	out = append(out, osNamespace[:]...)
	out = append(out, byte(len(enterpriseAppName)))
	out = append(out, enterpriseAppName...)
	return out
}

// IsEnterpriseOSAppID reports whether id is the enterprise app id.
func IsEnterpriseOSAppID(id []byte) bool {
	return string(id) == string(EnterpriseOSAppID())
}
