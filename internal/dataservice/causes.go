package dataservice

import (
	"fmt"
	"slices"
	"strconv"
)

// FailCause is the platform failure cause attached to a data call. Values
// below 0x10000 come from the network; the upper range is raised locally.
type FailCause int

const (
	CauseNone                          FailCause = 0
	CauseOperatorBarred                FailCause = 0x08
	CauseInsufficientResources         FailCause = 0x1A
	CauseMissingUnknownAPN             FailCause = 0x1B
	CauseUnknownPDPAddressType         FailCause = 0x1C
	CauseUserAuthentication            FailCause = 0x1D
	CauseActivationRejectGGSN          FailCause = 0x1E
	CauseActivationRejectUnspecified   FailCause = 0x1F
	CauseServiceOptionNotSupported     FailCause = 0x20
	CauseServiceOptionNotSubscribed    FailCause = 0x21
	CauseServiceOptionOutOfOrder       FailCause = 0x22
	CauseNSAPIInUse                    FailCause = 0x23
	CauseRegularDeactivation           FailCause = 0x24
	CauseOnlyIPv4Allowed               FailCause = 0x32
	CauseOnlyIPv6Allowed               FailCause = 0x33
	CauseProtocolErrors                FailCause = 0x6F
	CauseHandoffPreferenceChanged      FailCause = 0x8CB
	CauseErrorUnspecified              FailCause = 0xFFFF
	CauseUnknown                       FailCause = 0x10000
	CauseRadioNotAvailable             FailCause = 0x10001
	CauseUnacceptableNetworkParameter  FailCause = 0x10002
	CauseLostConnection                FailCause = 0x10004
	CauseResetByFramework              FailCause = 0x10005
	CauseHandoverFailed                FailCause = 0x10006
	CauseDuplicateCID                  FailCause = 0x10007
	CauseNoDefaultData                 FailCause = 0x10008
	CauseServiceTemporarilyUnavailable FailCause = 0x10009
	CauseRequestNotSupported           FailCause = 0x1000A
	CauseNoRetryFailure                FailCause = 0x1000B
	CauseSignalLost                    FailCause = -3
	CauseRadioPowerOff                 FailCause = -5
)

var causeNames = map[FailCause]string{
	CauseNone:                          "NONE",
	CauseOperatorBarred:                "OPERATOR_BARRED",
	CauseInsufficientResources:         "INSUFFICIENT_RESOURCES",
	CauseMissingUnknownAPN:             "MISSING_UNKNOWN_APN",
	CauseUnknownPDPAddressType:         "UNKNOWN_PDP_ADDRESS_TYPE",
	CauseUserAuthentication:            "USER_AUTHENTICATION",
	CauseActivationRejectGGSN:          "ACTIVATION_REJECT_GGSN",
	CauseActivationRejectUnspecified:   "ACTIVATION_REJECT_UNSPECIFIED",
	CauseServiceOptionNotSupported:     "SERVICE_OPTION_NOT_SUPPORTED",
	CauseServiceOptionNotSubscribed:    "SERVICE_OPTION_NOT_SUBSCRIBED",
	CauseServiceOptionOutOfOrder:       "SERVICE_OPTION_OUT_OF_ORDER",
	CauseNSAPIInUse:                    "NSAPI_IN_USE",
	CauseRegularDeactivation:           "REGULAR_DEACTIVATION",
	CauseOnlyIPv4Allowed:               "ONLY_IPV4_ALLOWED",
	CauseOnlyIPv6Allowed:               "ONLY_IPV6_ALLOWED",
	CauseProtocolErrors:                "PROTOCOL_ERRORS",
	CauseHandoffPreferenceChanged:      "HANDOFF_PREFERENCE_CHANGED",
	CauseErrorUnspecified:              "ERROR_UNSPECIFIED",
	CauseUnknown:                       "UNKNOWN",
	CauseRadioNotAvailable:             "RADIO_NOT_AVAILABLE",
	CauseUnacceptableNetworkParameter:  "UNACCEPTABLE_NETWORK_PARAMETER",
	CauseLostConnection:                "LOST_CONNECTION",
	CauseResetByFramework:              "RESET_BY_FRAMEWORK",
	CauseHandoverFailed:                "HANDOVER_FAILED",
	CauseDuplicateCID:                  "DUPLICATE_CID",
	CauseNoDefaultData:                 "NO_DEFAULT_DATA",
	CauseServiceTemporarilyUnavailable: "SERVICE_TEMPORARILY_UNAVAILABLE",
	CauseRequestNotSupported:           "REQUEST_NOT_SUPPORTED",
	CauseNoRetryFailure:                "NO_RETRY_FAILURE",
	CauseSignalLost:                    "SIGNAL_LOST",
	CauseRadioPowerOff:                 "RADIO_POWER_OFF",
}

func (c FailCause) String() string {
	if n, ok := causeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(0x%X)", int(c))
}

// ParseFailCause accepts either a cause name or its numeric value.
func ParseFailCause(s string) (FailCause, bool) {
	for c, n := range causeNames {
		if n == s {
			return c, true
		}
	}
	if v, err := strconv.ParseInt(s, 0, 32); err == nil {
		return FailCause(v), true
	}
	return CauseUnknown, false
}

var permanentCauses = []FailCause{
	CauseOperatorBarred,
	CauseMissingUnknownAPN,
	CauseUnknownPDPAddressType,
	CauseUserAuthentication,
	CauseActivationRejectGGSN,
	CauseServiceOptionNotSupported,
	CauseServiceOptionNotSubscribed,
	CauseNSAPIInUse,
	CauseOnlyIPv4Allowed,
	CauseOnlyIPv6Allowed,
	CauseProtocolErrors,
}

// IsPermanent reports whether retrying the same profile cannot succeed.
func (c FailCause) IsPermanent() bool {
	return slices.Contains(permanentCauses, c)
}

// IsRadioRestartFailure reports whether c is one of the carrier-configured
// causes that warrant a radio restart.
func IsRadioRestartFailure(c FailCause, restartCauses []FailCause) bool {
	return slices.Contains(restartCauses, c)
}
