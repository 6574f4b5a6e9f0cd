// Package radio holds the small vocabulary shared by every layer that talks
// about the radio: access technologies, transports and registration state.
package radio

import "strings"

// Transport identifies which access network a tracker and its connections
// belong to.
type Transport int

const (
	TransportInvalid Transport = 0
	TransportWWAN    Transport = 1 // cellular
	TransportWLAN    Transport = 2 // IWLAN (cellular services over Wi-Fi)
)

func (t Transport) String() string {
	switch t {
	case TransportWWAN:
		return "wwan"
	case TransportWLAN:
		return "wlan"
	default:
		return "invalid"
	}
}

// Other returns the transport a handover from t would target.
func (t Transport) Other() Transport {
	switch t {
	case TransportWWAN:
		return TransportWLAN
	case TransportWLAN:
		return TransportWWAN
	default:
		return TransportInvalid
	}
}

// ParseTransport accepts "wwan"/"cellular" and "wlan"/"iwlan".
func ParseTransport(s string) Transport {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wwan", "cellular":
		return TransportWWAN
	case "wlan", "iwlan":
		return TransportWLAN
	default:
		return TransportInvalid
	}
}

// RAT is a radio access technology.
type RAT int

const (
	RATUnknown RAT = iota
	RATGPRS
	RATEDGE
	RATUMTS
	RAT1xRTT
	RATEVDO0
	RATEVDOA
	RATEVDOB
	RATEHRPD
	RATHSDPA
	RATHSUPA
	RATHSPA
	RATHSPAP
	RATGSM
	RATLTE
	RATLTECA
	RATIWLAN
	RATNR
)

var ratNames = map[RAT]string{
	RATUnknown: "unknown",
	RATGPRS:    "gprs",
	RATEDGE:    "edge",
	RATUMTS:    "umts",
	RAT1xRTT:   "1xrtt",
	RATEVDO0:   "evdo-rev.0",
	RATEVDOA:   "evdo-rev.a",
	RATEVDOB:   "evdo-rev.b",
	RATEHRPD:   "ehrpd",
	RATHSDPA:   "hsdpa",
	RATHSUPA:   "hsupa",
	RATHSPA:    "hspa",
	RATHSPAP:   "hspap",
	RATGSM:     "gsm",
	RATLTE:     "lte",
	RATLTECA:   "lte_ca",
	RATIWLAN:   "iwlan",
	RATNR:      "nr",
}

func (r RAT) String() string {
	if s, ok := ratNames[r]; ok {
		return s
	}
	return "unknown"
}

// ParseRAT maps a technology name back to a RAT. Unknown names give RATUnknown.
func ParseRAT(s string) RAT {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "evdo" {
		return RATEVDO0
	}
	for r, name := range ratNames {
		if name == s {
			return r
		}
	}
	return RATUnknown
}

// Bit returns the RAT's position in a network-type bitmask.
func (r RAT) Bit() uint32 {
	if r == RATUnknown {
		return 0
	}
	return 1 << uint(r-1)
}

// IsGSM reports whether r belongs to the 3GPP family.
func (r RAT) IsGSM() bool {
	switch r {
	case RATGPRS, RATEDGE, RATUMTS, RATHSDPA, RATHSUPA, RATHSPA, RATHSPAP,
		RATGSM, RATLTE, RATLTECA, RATIWLAN, RATNR:
		return true
	}
	return false
}

// IsEVDO reports whether r is one of the EVDO revisions.
func (r RAT) IsEVDO() bool {
	return r == RATEVDO0 || r == RATEVDOA || r == RATEVDOB
}

// AccessNetwork is the access network family passed to the data service.
type AccessNetwork int

const (
	AccessNetworkUnknown AccessNetwork = iota
	AccessNetworkGERAN
	AccessNetworkUTRAN
	AccessNetworkEUTRAN
	AccessNetworkCDMA2000
	AccessNetworkIWLAN
	AccessNetworkNGRAN
)

// AccessNetwork maps r to its access network family.
func (r RAT) AccessNetwork() AccessNetwork {
	switch r {
	case RATGPRS, RATEDGE, RATGSM:
		return AccessNetworkGERAN
	case RATUMTS, RATHSDPA, RATHSUPA, RATHSPA, RATHSPAP:
		return AccessNetworkUTRAN
	case RATLTE, RATLTECA:
		return AccessNetworkEUTRAN
	case RAT1xRTT, RATEVDO0, RATEVDOA, RATEVDOB, RATEHRPD:
		return AccessNetworkCDMA2000
	case RATIWLAN:
		return AccessNetworkIWLAN
	case RATNR:
		return AccessNetworkNGRAN
	default:
		return AccessNetworkUnknown
	}
}

// RegState is the packet-switched registration state.
type RegState int

const (
	RegInService RegState = iota
	RegOutOfService
	RegEmergencyOnly
	RegPowerOff
)

func (s RegState) String() string {
	switch s {
	case RegInService:
		return "in_service"
	case RegOutOfService:
		return "out_of_service"
	case RegEmergencyOnly:
		return "emergency_only"
	case RegPowerOff:
		return "power_off"
	default:
		return "unknown"
	}
}

// NRState is the 5G NSA state reported alongside an LTE registration.
type NRState int

const (
	NRNone NRState = iota
	NRRestricted
	NRNotRestricted
	NRConnected
)

// FrequencyRange distinguishes mmWave NR for bandwidth lookups.
type FrequencyRange int

const (
	FrequencyUnknown FrequencyRange = iota
	FrequencyLow
	FrequencyMid
	FrequencyHigh
	FrequencyMMWave
)
