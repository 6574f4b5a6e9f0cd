// Package dataservice is the contract with the data service that owns the
// radio: the data call request and response shapes, failure causes, and the
// asynchronous Service interface the connection state machine drives.
package dataservice

import "fmt"

// ResultCode is the transport-level outcome of a data service request.
type ResultCode int

const (
	ResultSuccess ResultCode = iota
	ResultErrorUnsupported
	ResultErrorInvalidArg
	ResultErrorBusy
	ResultErrorIllegalState
	ResultErrorTemporarilyUnavailable
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultErrorUnsupported:
		return "ERROR_UNSUPPORTED"
	case ResultErrorInvalidArg:
		return "ERROR_INVALID_ARG"
	case ResultErrorBusy:
		return "ERROR_BUSY"
	case ResultErrorIllegalState:
		return "ERROR_ILLEGAL_STATE"
	case ResultErrorTemporarilyUnavailable:
		return "ERROR_TEMPORARILY_UNAVAILABLE"
	}
	return fmt.Sprintf("RESULT(%d)", int(r))
}

// HandoverAccepted reports whether a start or cancel handover result lets the
// handover proceed. Services without handover support answer UNSUPPORTED.
func (r ResultCode) HandoverAccepted() bool {
	return r == ResultSuccess || r == ResultErrorUnsupported
}

// RequestType distinguishes a fresh bring-up from a handover bring-up.
type RequestType int

const (
	RequestUnknown  RequestType = 0
	RequestNormal   RequestType = 1
	RequestHandover RequestType = 2
)

func (t RequestType) String() string {
	switch t {
	case RequestNormal:
		return "NORMAL"
	case RequestHandover:
		return "HANDOVER"
	}
	return "UNKNOWN"
}

// ReleaseType tells a disconnect how far to go.
type ReleaseType int

const (
	ReleaseUnknown  ReleaseType = 0
	ReleaseNormal   ReleaseType = 1
	ReleaseDetach   ReleaseType = 2
	ReleaseHandover ReleaseType = 3
)

func (t ReleaseType) String() string {
	switch t {
	case ReleaseNormal:
		return "NORMAL"
	case ReleaseDetach:
		return "DETACH"
	case ReleaseHandover:
		return "HANDOVER"
	}
	return "UNKNOWN"
}

// RequestReason is passed with setup and deactivate calls.
type RequestReason int

const (
	ReasonUnknown RequestReason = iota
	ReasonNormal
	ReasonShutdown
	ReasonHandover
)

func (r RequestReason) String() string {
	switch r {
	case ReasonNormal:
		return "NORMAL"
	case ReasonShutdown:
		return "SHUTDOWN"
	case ReasonHandover:
		return "HANDOVER"
	}
	return "UNKNOWN"
}

// HandoverFailureMode is returned by the service when a handover setup fails
// and tells the framework how to recover.
type HandoverFailureMode int

const (
	HandoverFailureUnknown                    HandoverFailureMode = -1
	HandoverFailureLegacy                     HandoverFailureMode = 0
	HandoverFailureDoFallback                 HandoverFailureMode = 1
	HandoverFailureNoFallbackRetryHandover    HandoverFailureMode = 2
	HandoverFailureNoFallbackRetrySetupNormal HandoverFailureMode = 3
)

// HandoverFailureModes lists every defined mode.
var HandoverFailureModes = []HandoverFailureMode{
	HandoverFailureUnknown,
	HandoverFailureLegacy,
	HandoverFailureDoFallback,
	HandoverFailureNoFallbackRetryHandover,
	HandoverFailureNoFallbackRetrySetupNormal,
}

func (m HandoverFailureMode) String() string {
	switch m {
	case HandoverFailureLegacy:
		return "LEGACY"
	case HandoverFailureDoFallback:
		return "DO_FALLBACK"
	case HandoverFailureNoFallbackRetryHandover:
		return "NO_FALLBACK_RETRY_HANDOVER"
	case HandoverFailureNoFallbackRetrySetupNormal:
		return "NO_FALLBACK_RETRY_SETUP_NORMAL"
	}
	return "UNKNOWN"
}

// ShouldFallbackOnFailedHandover reports whether a failed handover should give
// up on the target transport and keep the source connection.
func ShouldFallbackOnFailedHandover(mode HandoverFailureMode, reqType RequestType, cause FailCause) bool {
	if reqType != RequestHandover {
		return false
	}
	if mode == HandoverFailureDoFallback {
		return true
	}
	return mode == HandoverFailureLegacy && cause == CauseHandoffPreferenceChanged
}

// RetryRequestType returns the request type the next attempt should use
// after a failed setup of type reqType.
func RetryRequestType(mode HandoverFailureMode, reqType RequestType, cause FailCause) RequestType {
	if reqType != RequestHandover {
		return reqType
	}
	if ShouldFallbackOnFailedHandover(mode, reqType, cause) {
		return RequestNormal
	}
	if mode == HandoverFailureNoFallbackRetrySetupNormal {
		return RequestNormal
	}
	return RequestHandover
}
