package netcap

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
)

// Request is a network request from a consumer on the OS side.
type Request struct {
	ID   string `json:"id"`
	Caps Set    `json:"-"`
	// Specifier pins the request to a subscription; empty means any.
	Specifier string `json:"specifier,omitempty"`
}

// NewRequest returns a request for caps with a fresh id. Requests are
// unrestricted unless built with NewRestrictedRequest.
func NewRequest(caps ...Capability) Request {
	return Request{ID: uuid.NewString(), Caps: SetOf(caps...).With(CapNotRestricted)}
}

// NewRestrictedRequest returns a request that accepts restricted networks.
func NewRestrictedRequest(caps ...Capability) Request {
	return Request{ID: uuid.NewString(), Caps: SetOf(caps...)}
}

// Has reports whether the request asks for c.
func (r Request) Has(c Capability) bool { return r.Caps.Has(c) }

// IsRestricted reports whether the request lacks NOT_RESTRICTED.
func (r Request) IsRestricted() bool { return !r.Caps.Has(CapNotRestricted) }

// APNType infers the APN purpose that serves the request. Zero means no
// purpose matches.
func (r Request) APNType() apn.Type {
	switch {
	case r.Has(CapEnterprise):
		return apn.TypeEnterprise
	case r.Has(CapInternet):
		return apn.TypeDefault
	case r.Has(CapMMS):
		return apn.TypeMMS
	case r.Has(CapSUPL):
		return apn.TypeSUPL
	case r.Has(CapDUN):
		return apn.TypeDUN
	case r.Has(CapFOTA):
		return apn.TypeFOTA
	case r.Has(CapIMS):
		return apn.TypeIMS
	case r.Has(CapCBS):
		return apn.TypeCBS
	case r.Has(CapIA):
		return apn.TypeIA
	case r.Has(CapEIMS):
		return apn.TypeEmergency
	case r.Has(CapMCX):
		return apn.TypeMCX
	case r.Has(CapXCAP):
		return apn.TypeXCAP
	}
	return apn.TypeNone
}

func (r Request) String() string {
	return fmt.Sprintf("[req %s caps=%s spec=%q]", r.ID, r.Caps, r.Specifier)
}
