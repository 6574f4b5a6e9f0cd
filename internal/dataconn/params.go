package dataconn

import (
	"fmt"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// Reasons carried by disconnect requests and completion notifications.
const (
	ReasonConnected           = "connected"
	ReasonLostConnection      = "lostDataConnection"
	ReasonRadioTurnedOff      = "radioTurnedOff"
	ReasonPDPReset            = "pdpReset"
	ReasonVCNTeardown         = "vcnRequestedTeardown"
	ReasonReleasedByStack     = "releasedByConnectivityService"
	ReasonSingleDataArbitrate = "singleDataArbitration"
)

// RequestContext is the logical purpose a connection serves. The tracker
// owns the implementation; a connection only reads it.
type RequestContext interface {
	APNType() apn.Type
	Requests() []netcap.Request
}

// hasRestrictedRequests reports whether ctx serves a request without
// NOT_RESTRICTED, ignoring DUN requests when excludeDUN is set.
func hasRestrictedRequests(ctx RequestContext, excludeDUN bool) bool {
	for _, r := range ctx.Requests() {
		if excludeDUN && r.Has(netcap.CapDUN) {
			continue
		}
		if r.IsRestricted() {
			return true
		}
	}
	return false
}

// ConnectParams asks a connection to bring up Profile for Context.
type ConnectParams struct {
	Context     RequestContext
	Profile     *apn.Setting
	RAT         radio.RAT
	RequestType dataservice.RequestType
	// Generation is the context's attempt counter, echoed in completions.
	Generation int
	SubID      int
	Preferred  bool

	tag int
	// notified is set once the requester received its completion.
	notified bool
}

func (cp *ConnectParams) String() string {
	if cp == nil {
		return "<nil>"
	}
	return fmt.Sprintf("{type=%s gen=%d tag=%d req=%s rat=%s}",
		cp.Context.APNType(), cp.Generation, cp.tag, cp.RequestType, cp.RAT)
}

// DisconnectParams asks a connection to detach Context, or every context
// when Context is nil.
type DisconnectParams struct {
	Context     RequestContext
	Reason      string
	ReleaseType dataservice.ReleaseType
	// Generation is echoed in the completion.
	Generation int
	// OnComplete, when set, receives the completion instead of the
	// listener. It is called at most once.
	OnComplete func(DisconnectCompletion)

	tag      int
	notified bool
}

func (dp *DisconnectParams) String() string {
	if dp == nil {
		return "<nil>"
	}
	t := apn.TypeNone
	if dp.Context != nil {
		t = dp.Context.APNType()
	}
	return fmt.Sprintf("{type=%s reason=%s release=%s tag=%d}", t, dp.Reason, dp.ReleaseType, dp.tag)
}

// SetupCompletion reports the outcome of a bring-up to one context.
type SetupCompletion struct {
	Conn                *Connection
	Context             RequestContext
	Generation          int
	RequestType         dataservice.RequestType
	HandoverFailureMode dataservice.HandoverFailureMode
	Cause               dataservice.FailCause
	Reason              string
}

// Success reports whether the bring-up succeeded.
func (s SetupCompletion) Success() bool { return s.Cause == dataservice.CauseNone }

// DisconnectCompletion reports that a context was detached.
type DisconnectCompletion struct {
	Conn       *Connection
	Context    RequestContext
	Generation int
	Reason     string
}
