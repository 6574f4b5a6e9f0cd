// Package netcap holds the values published to the OS network stack: the
// capability set, link properties and the network requests that consume them.
package netcap

import (
	"slices"
	"strings"
)

// Capability is a single network capability token.
type Capability uint32

const (
	CapMMS Capability = iota
	CapSUPL
	CapDUN
	CapFOTA
	CapIMS
	CapCBS
	CapIA
	CapInternet
	CapEIMS
	CapMCX
	CapXCAP
	CapEnterprise
	CapNotMetered
	CapNotRestricted
	CapTrusted
	CapNotVPN
	CapNotRoaming
	CapNotCongested
	CapTemporarilyNotMetered
	CapNotSuspended
	CapNotVCNManaged

	capCount
)

var capNames = [capCount]string{
	CapMMS:                   "MMS",
	CapSUPL:                  "SUPL",
	CapDUN:                   "DUN",
	CapFOTA:                  "FOTA",
	CapIMS:                   "IMS",
	CapCBS:                   "CBS",
	CapIA:                    "IA",
	CapInternet:              "INTERNET",
	CapEIMS:                  "EIMS",
	CapMCX:                   "MCX",
	CapXCAP:                  "XCAP",
	CapEnterprise:            "ENTERPRISE",
	CapNotMetered:            "NOT_METERED",
	CapNotRestricted:         "NOT_RESTRICTED",
	CapTrusted:               "TRUSTED",
	CapNotVPN:                "NOT_VPN",
	CapNotRoaming:            "NOT_ROAMING",
	CapNotCongested:          "NOT_CONGESTED",
	CapTemporarilyNotMetered: "TEMPORARILY_NOT_METERED",
	CapNotSuspended:          "NOT_SUSPENDED",
	CapNotVCNManaged:         "NOT_VCN_MANAGED",
}

func (c Capability) String() string {
	if c < capCount {
		return capNames[c]
	}
	return "UNKNOWN"
}

// Set is a bitset of capabilities.
type Set uint64

// SetOf builds a Set from individual capabilities.
func SetOf(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		s = s.With(c)
	}
	return s
}

// Has reports whether c is present.
func (s Set) Has(c Capability) bool { return s&(1<<c) != 0 }

// With returns s plus c.
func (s Set) With(c Capability) Set { return s | 1<<c }

// Without returns s minus c.
func (s Set) Without(c Capability) Set { return s &^ (1 << c) }

// HasAny reports whether s and o share a capability.
func (s Set) HasAny(o Set) bool { return s&o != 0 }

// List returns the capabilities in s in declaration order.
func (s Set) List() []Capability {
	var out []Capability
	for c := Capability(0); c < capCount; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Names returns capability names in declaration order.
func (s Set) Names() []string {
	list := s.List()
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.String()
	}
	return out
}

func (s Set) String() string { return strings.Join(s.Names(), "&") }

var (
	unrestrictedCaps = SetOf(CapInternet, CapMMS, CapSUPL)
	restrictingCaps  = SetOf(CapCBS, CapDUN, CapEIMS, CapFOTA, CapIA, CapIMS, CapMCX, CapEnterprise)
)

// InferRestricted reports whether a capability set should lose NOT_RESTRICTED:
// it carries no generally usable capability but at least one privileged one.
func InferRestricted(s Set) bool {
	if s.HasAny(unrestrictedCaps) {
		return false
	}
	return s.HasAny(restrictingCaps)
}

// InvalidUID marks an unset owner uid.
const InvalidUID = -1

// Capabilities is the full capability snapshot of one network.
type Capabilities struct {
	Caps         Set   `json:"-"`
	DownlinkKbps int   `json:"downlink_kbps"`
	UplinkKbps   int   `json:"uplink_kbps"`
	SubID        int   `json:"sub_id"`
	OwnerUID     int   `json:"owner_uid"`
	AllowedUIDs  []int `json:"allowed_uids,omitempty"`
	AdminUIDs    []int `json:"admin_uids,omitempty"`
}

// NewCapabilities returns the default starting point for a cellular network:
// NOT_RESTRICTED, TRUSTED and NOT_VPN set, no owner.
func NewCapabilities() Capabilities {
	return Capabilities{
		Caps:     SetOf(CapNotRestricted, CapTrusted, CapNotVPN),
		OwnerUID: InvalidUID,
	}
}

// Has reports whether c is present.
func (c *Capabilities) Has(cp Capability) bool { return c.Caps.Has(cp) }

// Add sets cp.
func (c *Capabilities) Add(cp Capability) { c.Caps = c.Caps.With(cp) }

// Remove clears cp.
func (c *Capabilities) Remove(cp Capability) { c.Caps = c.Caps.Without(cp) }

// Clone returns a deep copy.
func (c Capabilities) Clone() Capabilities {
	out := c
	out.AllowedUIDs = slices.Clone(c.AllowedUIDs)
	out.AdminUIDs = slices.Clone(c.AdminUIDs)
	return out
}

// Equal compares every published field.
func (c Capabilities) Equal(o Capabilities) bool {
	return c.Caps == o.Caps &&
		c.DownlinkKbps == o.DownlinkKbps &&
		c.UplinkKbps == o.UplinkKbps &&
		c.SubID == o.SubID &&
		c.OwnerUID == o.OwnerUID &&
		slices.Equal(c.AllowedUIDs, o.AllowedUIDs) &&
		slices.Equal(c.AdminUIDs, o.AdminUIDs)
}

// Names lists the capability tokens.
func (c Capabilities) Names() []string { return c.Caps.Names() }
