package dataservice

import (
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// SetupCallback receives the outcome of SetupDataCall. The response may be
// nil when the result code is not SUCCESS.
type SetupCallback func(ResultCode, *DataCallResponse)

// ResultCallback receives the outcome of a request without a payload.
type ResultCallback func(ResultCode)

// CallListCallback receives a data call list snapshot.
type CallListCallback func(ResultCode, []DataCallResponse)

// Service is the data service bound to one transport. Every call returns
// immediately; callbacks may run on any goroutine and callers re-post them
// onto their own handler.
type Service interface {
	Transport() radio.Transport
	SetupDataCall(req SetupRequest, done SetupCallback)
	DeactivateDataCall(cid int, reason RequestReason, done ResultCallback)
	StartHandover(cid int, done ResultCallback)
	CancelHandover(cid int, done ResultCallback)
	RequestDataCallList(done CallListCallback)
	SetDataProfile(profiles []DataProfile, roaming bool, done ResultCallback)
	SetInitialAttachAPN(profile DataProfile, roaming bool, done ResultCallback)
	// OnCallListChanged registers fn for unsolicited call list snapshots.
	OnCallListChanged(fn func([]DataCallResponse))
}

// KeepaliveCode is the state of one NAT-T keepalive session.
type KeepaliveCode int

const (
	KeepaliveActive KeepaliveCode = iota
	KeepaliveInactive
	KeepalivePending
)

// KeepaliveStatus is reported when a keepalive starts, changes or stops.
type KeepaliveStatus struct {
	SessionHandle int
	Code          KeepaliveCode
	// Err is non-nil when the modem refused the request.
	Err error
}

// KeepalivePacket is the NAT-T packet the modem sends on the link.
type KeepalivePacket struct {
	SrcAddr string
	DstAddr string
	SrcPort int
	DstPort int
	Payload []byte
}

// LinkCapacity is a modem bandwidth estimate. Negative values are invalid.
type LinkCapacity struct {
	DownlinkKbps int
	UplinkKbps   int
}

// Modem is the radio command channel used outside the data call contract.
type Modem interface {
	AllocatePduSessionID(done func(id int, err error))
	ReleasePduSessionID(id int, done func(error))
	StartNattKeepalive(cid int, pkt KeepalivePacket, interval time.Duration, done func(KeepaliveStatus))
	StopNattKeepalive(sessionHandle int, done func(KeepaliveStatus))
	SetRadioPower(on bool)
	ReRegister()
}
