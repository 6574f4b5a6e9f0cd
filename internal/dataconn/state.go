package dataconn

import "fmt"

// State is a connection lifecycle state.
type State int

const (
	StateInactive State = iota
	StateActivating
	StateActive
	StateDisconnecting
	StateDisconnectingErrorCreatingConnection
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnectingErrorCreatingConnection:
		return "disconnecting_error_creating_connection"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// HandoverState tracks the source side of a transport migration.
type HandoverState int

const (
	HandoverIdle HandoverState = iota + 1
	HandoverBeingTransferred
	HandoverCompleted
)

func (s HandoverState) String() string {
	switch s {
	case HandoverIdle:
		return "IDLE"
	case HandoverBeingTransferred:
		return "BEING_TRANSFERRED"
	case HandoverCompleted:
		return "COMPLETED"
	}
	return "UNKNOWN"
}

// SetupResult classifies a setup completion.
type SetupResult int

const (
	SetupSuccess SetupResult = iota
	SetupErrorRadioNotAvailable
	SetupErrorInvalidArg
	SetupErrorStale
	SetupErrorDataServiceSpecific
	SetupErrorDuplicateCID
	SetupErrorNoDefaultConnection
)

func (r SetupResult) String() string {
	switch r {
	case SetupSuccess:
		return "SUCCESS"
	case SetupErrorRadioNotAvailable:
		return "ERROR_RADIO_NOT_AVAILABLE"
	case SetupErrorInvalidArg:
		return "ERROR_INVALID_ARG"
	case SetupErrorStale:
		return "ERROR_STALE"
	case SetupErrorDataServiceSpecific:
		return "ERROR_DATA_SERVICE_SPECIFIC_ERROR"
	case SetupErrorDuplicateCID:
		return "ERROR_DUPLICATE_CID"
	case SetupErrorNoDefaultConnection:
		return "ERROR_NO_DEFAULT_CONNECTION"
	}
	return "UNKNOWN"
}
