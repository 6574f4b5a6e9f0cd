package tracker

import (
	"slices"
	"strings"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// DisallowedReason is one condition that blocks data setup.
type DisallowedReason int

const (
	// Soft reasons can be overridden by an allowed reason.
	DisallowedDataDisabled DisallowedReason = iota + 1
	DisallowedPolicyDataDisabled
	DisallowedRoamingDisabled
	DisallowedDefaultDataUnselected

	DisallowedNotAttached
	DisallowedSIMNotReady
	DisallowedInvalidPhoneState
	DisallowedConcurrentVoiceData
	DisallowedPSRestricted
	DisallowedUndesiredPowerState
	DisallowedInternalDataDisabled
	DisallowedRadioDisabledByCarrier
	DisallowedAPNNotConnectable
	DisallowedOnIWLAN
	DisallowedInECBM
	DisallowedNotOnNR
	DisallowedDataServiceNotReady
	DisallowedDisabledByQNS
	DisallowedOnOtherTransport
	DisallowedThrottled
	DisallowedAlreadyConnected
	DisallowedIsConnecting
	DisallowedIsDisconnecting
)

var disallowedNames = map[DisallowedReason]string{
	DisallowedDataDisabled:           "DATA_DISABLED",
	DisallowedPolicyDataDisabled:     "POLICY_DATA_DISABLED",
	DisallowedRoamingDisabled:        "ROAMING_DISABLED",
	DisallowedDefaultDataUnselected:  "DEFAULT_DATA_UNSELECTED",
	DisallowedNotAttached:            "NOT_ATTACHED",
	DisallowedSIMNotReady:            "SIM_NOT_READY",
	DisallowedInvalidPhoneState:      "INVALID_PHONE_STATE",
	DisallowedConcurrentVoiceData:    "CONCURRENT_VOICE_DATA_NOT_ALLOWED",
	DisallowedPSRestricted:           "PS_RESTRICTED",
	DisallowedUndesiredPowerState:    "UNDESIRED_POWER_STATE",
	DisallowedInternalDataDisabled:   "INTERNAL_DATA_DISABLED",
	DisallowedRadioDisabledByCarrier: "RADIO_DISABLED_BY_CARRIER",
	DisallowedAPNNotConnectable:      "APN_NOT_CONNECTABLE",
	DisallowedOnIWLAN:                "ON_IWLAN",
	DisallowedInECBM:                 "IN_ECBM",
	DisallowedNotOnNR:                "NOT_ON_NR",
	DisallowedDataServiceNotReady:    "DATA_SERVICE_NOT_READY",
	DisallowedDisabledByQNS:          "DISABLED_BY_QNS",
	DisallowedOnOtherTransport:       "ON_OTHER_TRANSPORT",
	DisallowedThrottled:              "DATA_THROTTLED",
	DisallowedAlreadyConnected:       "DATA_ALREADY_CONNECTED",
	DisallowedIsConnecting:           "DATA_IS_CONNECTING",
	DisallowedIsDisconnecting:        "DATA_IS_DISCONNECTING",
}

func (r DisallowedReason) String() string {
	if s, ok := disallowedNames[r]; ok {
		return s
	}
	return "UNKNOWN"
}

// IsHard reports whether no allowed reason can override r.
func (r DisallowedReason) IsHard() bool {
	switch r {
	case DisallowedDataDisabled, DisallowedPolicyDataDisabled, DisallowedRoamingDisabled,
		DisallowedDefaultDataUnselected:
		return false
	}
	return true
}

// AllowedReason explains why setup may proceed. Larger values take
// precedence.
type AllowedReason int

const (
	AllowedNone AllowedReason = iota
	AllowedNormal
	AllowedUnmeteredAPN
	AllowedRestrictedRequest
	AllowedEmergencyAPN
)

func (r AllowedReason) String() string {
	switch r {
	case AllowedNone:
		return "NONE"
	case AllowedNormal:
		return "NORMAL"
	case AllowedUnmeteredAPN:
		return "UNMETERED_APN"
	case AllowedRestrictedRequest:
		return "RESTRICTED_REQUEST"
	case AllowedEmergencyAPN:
		return "EMERGENCY_APN"
	}
	return "UNKNOWN"
}

// Reasons is the outcome of a data-allowed evaluation. Soft disallowed
// reasons stay listed when an allowed reason overrides them.
type Reasons struct {
	Disallowed []DisallowedReason
	AllowedBy  AllowedReason
}

// Allowed reports whether setup may proceed.
func (r Reasons) Allowed() bool { return r.AllowedBy != AllowedNone }

// Contains reports whether d is among the disallowed reasons.
func (r Reasons) Contains(d DisallowedReason) bool { return slices.Contains(r.Disallowed, d) }

// ContainsHard reports whether any disallowed reason is hard.
func (r Reasons) ContainsHard() bool {
	return slices.ContainsFunc(r.Disallowed, DisallowedReason.IsHard)
}

func (r *Reasons) add(d DisallowedReason) {
	if !r.Contains(d) {
		r.Disallowed = append(r.Disallowed, d)
	}
}

func (r *Reasons) allow(a AllowedReason) {
	if a > r.AllowedBy {
		r.AllowedBy = a
	}
}

func (r Reasons) String() string {
	var b strings.Builder
	b.WriteString("[")
	for i, d := range r.Disallowed {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.String())
	}
	b.WriteString("] allowed=")
	b.WriteString(r.AllowedBy.String())
	return b.String()
}

// Conditions is the device-wide input of a data-allowed evaluation.
type Conditions struct {
	Transport radio.Transport
	RAT       radio.RAT
	Roaming   bool

	Attached            bool
	AutoAttach          bool
	SIMReady            bool
	VoiceCallActive     bool
	ConcurrentVoiceData bool
	PSRestricted        bool
	RadioOn             bool
	RadioEnabledCarrier bool
	ServiceBound        bool
	InECBM              bool
	DefaultDataSelected bool

	InternalDataEnabled bool
	UserDataEnabled     bool
	PolicyDataEnabled   bool
	CarrierDataEnabled  bool
	DataRoamingEnabled  bool
	MMSAlwaysAllowed    bool

	Metered apn.MeteredPolicy
}

// DataEnabledFor reports whether every data switch allows purpose t.
func (c Conditions) DataEnabledFor(t apn.Type) bool {
	if !c.InternalDataEnabled || !c.PolicyDataEnabled || !c.CarrierDataEnabled {
		return false
	}
	return c.UserDataEnabled || (t == apn.TypeMMS && c.MMSAlwaysAllowed)
}

// ContextInput is the per-context input of a data-allowed evaluation.
type ContextInput struct {
	Type       apn.Type
	State      ContextState
	Enabled    bool
	Restricted bool
	Throttled  bool
	// PreferredTransport is the transport the purpose should use;
	// TransportInvalid means the policy has not decided.
	PreferredTransport radio.Transport
	// CurrentTransport is where the purpose is connected now, or
	// TransportInvalid.
	CurrentTransport radio.Transport
}

func (in *ContextInput) connectable() bool {
	if !in.Enabled {
		return false
	}
	switch in.State {
	case StateIdle, StateRetrying, StateFailed:
		return true
	}
	return false
}

// IsDataAllowed evaluates whether a setup for in may start. in may be nil to
// evaluate only the device-wide conditions. The result is a pure function of
// its arguments.
func IsDataAllowed(c Conditions, in *ContextInput, reqType dataservice.RequestType) Reasons {
	var r Reasons

	if in != nil {
		if in.Type == apn.TypeEmergency && in.connectable() {
			r.allow(AllowedEmergencyAPN)
			return r
		}
		if !in.connectable() {
			switch {
			case in.State == StateConnected:
				r.add(DisallowedAlreadyConnected)
			case in.State == StateDisconnecting:
				r.add(DisallowedIsDisconnecting)
			case in.State == StateConnecting:
				r.add(DisallowedIsConnecting)
			default:
				r.add(DisallowedAPNNotConnectable)
			}
		}
		if in.Type.Overlaps(apn.TypeDefault|apn.TypeIA|apn.TypeEnterprise) &&
			c.Transport == radio.TransportWWAN && c.RAT == radio.RATIWLAN {
			r.add(DisallowedOnIWLAN)
		}
		if in.Type == apn.TypeEnterprise && c.RAT != radio.RATNR {
			r.add(DisallowedNotOnNR)
		}
	}

	if c.InECBM {
		r.add(DisallowedInECBM)
	}
	if !c.Attached && !c.AutoAttach && reqType != dataservice.RequestHandover {
		r.add(DisallowedNotAttached)
	}
	if !c.SIMReady {
		r.add(DisallowedSIMNotReady)
	}
	if c.VoiceCallActive && !c.ConcurrentVoiceData {
		r.add(DisallowedInvalidPhoneState)
		r.add(DisallowedConcurrentVoiceData)
	}
	if !c.InternalDataEnabled {
		r.add(DisallowedInternalDataDisabled)
	}
	if !c.DefaultDataSelected {
		r.add(DisallowedDefaultDataUnselected)
	}
	if c.Roaming && !c.DataRoamingEnabled {
		r.add(DisallowedRoamingDisabled)
	}
	if c.PSRestricted {
		r.add(DisallowedPSRestricted)
	}
	if !c.RadioOn {
		r.add(DisallowedUndesiredPowerState)
	}
	if !c.RadioEnabledCarrier {
		r.add(DisallowedRadioDisabledByCarrier)
	}
	if !c.ServiceBound {
		r.add(DisallowedDataServiceNotReady)
	}

	t := apn.TypeNone
	if in != nil {
		t = in.Type
		switch {
		case in.PreferredTransport == radio.TransportInvalid:
			r.add(DisallowedDisabledByQNS)
		case in.PreferredTransport != c.Transport:
			r.add(DisallowedOnOtherTransport)
		case in.CurrentTransport != radio.TransportInvalid && in.CurrentTransport != c.Transport &&
			reqType != dataservice.RequestHandover:
			r.add(DisallowedOnOtherTransport)
		}
		if in.Throttled {
			r.add(DisallowedThrottled)
		}
	}

	if !c.DataEnabledFor(t) {
		r.add(DisallowedDataDisabled)
	}
	if !c.PolicyDataEnabled {
		r.add(DisallowedPolicyDataDisabled)
	}

	if len(r.Disallowed) == 0 {
		r.allow(AllowedNormal)
		return r
	}
	if r.ContainsHard() {
		return r
	}

	// Only soft reasons remain.
	if in != nil {
		if c.Transport == radio.TransportWLAN {
			r.allow(AllowedUnmeteredAPN)
		} else if in.Type != apn.TypeDefault && !c.Metered.IsMeteredType(in.Type, c.Roaming, false) {
			r.allow(AllowedUnmeteredAPN)
		}
		if in.Restricted && in.Type != apn.TypeEnterprise {
			r.allow(AllowedRestrictedRequest)
		}
	}
	return r
}
