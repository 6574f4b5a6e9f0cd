package netcap

import (
	"fmt"
	"net/netip"
	"slices"
)

// Route is a unicast route through a gateway with its path MTU. A zero
// gateway (0.0.0.0 or ::) marks a point-to-point interface.
type Route struct {
	Gateway netip.Addr `json:"gateway"`
	MTU     int        `json:"mtu"`
}

// Proxy is an HTTP proxy advertised with the link.
type Proxy struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (p Proxy) String() string { return fmt.Sprintf("%s:%d", p.Host, p.Port) }

// LinkProperties describes the IP configuration of one data call.
type LinkProperties struct {
	InterfaceName  string         `json:"iface,omitempty"`
	Addresses      []netip.Prefix `json:"addresses,omitempty"`
	DNS            []netip.Addr   `json:"dns,omitempty"`
	PCSCF          []netip.Addr   `json:"pcscf,omitempty"`
	Routes         []Route        `json:"routes,omitempty"`
	MTU            int            `json:"mtu,omitempty"`
	HTTPProxy      *Proxy         `json:"http_proxy,omitempty"`
	TCPBufferSizes string         `json:"tcp_buffer_sizes,omitempty"`
}

// Clear resets lp to the empty value.
func (lp *LinkProperties) Clear() { *lp = LinkProperties{} }

// Clone returns a deep copy.
func (lp *LinkProperties) Clone() *LinkProperties {
	if lp == nil {
		return nil
	}
	out := *lp
	out.Addresses = slices.Clone(lp.Addresses)
	out.DNS = slices.Clone(lp.DNS)
	out.PCSCF = slices.Clone(lp.PCSCF)
	out.Routes = slices.Clone(lp.Routes)
	if lp.HTTPProxy != nil {
		p := *lp.HTTPProxy
		out.HTTPProxy = &p
	}
	return &out
}

// Equal compares two link property sets field by field.
func (lp *LinkProperties) Equal(o *LinkProperties) bool {
	if lp == nil || o == nil {
		return lp == o
	}
	if (lp.HTTPProxy == nil) != (o.HTTPProxy == nil) {
		return false
	}
	if lp.HTTPProxy != nil && *lp.HTTPProxy != *o.HTTPProxy {
		return false
	}
	return lp.InterfaceName == o.InterfaceName &&
		slices.Equal(lp.Addresses, o.Addresses) &&
		slices.Equal(lp.DNS, o.DNS) &&
		slices.Equal(lp.PCSCF, o.PCSCF) &&
		slices.Equal(lp.Routes, o.Routes) &&
		lp.MTU == o.MTU &&
		lp.TCPBufferSizes == o.TCPBufferSizes
}

// AddressesOnly returns the bare addresses of the link.
func (lp *LinkProperties) AddressesOnly() []netip.Addr {
	out := make([]netip.Addr, 0, len(lp.Addresses))
	for _, p := range lp.Addresses {
		out = append(out, p.Addr())
	}
	return out
}

func usable(a netip.Addr) bool {
	return a.IsValid() && !a.IsUnspecified() && !a.IsLinkLocalUnicast() &&
		!a.IsLoopback() && !a.IsMulticast()
}

// IPv4Connected reports whether the link has a routable IPv4 address.
func (lp *LinkProperties) IPv4Connected() bool {
	for _, a := range lp.AddressesOnly() {
		if a.Is4() && usable(a) {
			return true
		}
	}
	return false
}

// IPv6Connected reports whether the link has a routable IPv6 address.
func (lp *LinkProperties) IPv6Connected() bool {
	for _, a := range lp.AddressesOnly() {
		if a.Is6() && !a.Is4In6() && usable(a) {
			return true
		}
	}
	return false
}
