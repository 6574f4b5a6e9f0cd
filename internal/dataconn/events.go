package dataconn

import (
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// Event is one input to the connection state machine.
type Event interface {
	eventName() string
}

type evConnect struct{ cp *ConnectParams }

type evDisconnect struct{ dp *DisconnectParams }

type evDisconnectAll struct{ dp *DisconnectParams }

type evSetupDone struct {
	cp   *ConnectParams
	rc   dataservice.ResultCode
	resp *dataservice.DataCallResponse
}

type evDeactivateDone struct {
	tag int
	rc  dataservice.ResultCode
}

type evLostConnection struct{ tag int }

type evReset struct{}

type evTearDownNow struct{}

type evRATChanged struct {
	regState radio.RegState
	rat      radio.RAT
}

type evRoamChanged struct{}

type evNRStateChanged struct{}

type evNRFrequencyChanged struct{}

type evBandwidthTableChanged struct{}

type evSuspendInputsChanged struct{ reason string }

type evMeteredOverride struct{ metered bool }

type evCongestedOverride struct{ congested bool }

type evLinkCapacity struct{ lc dataservice.LinkCapacity }

type evBandwidthEstimate struct{ downKbps, upKbps int }

type evReevaluateRestricted struct{}

type evReevaluateProperties struct{}

type evAdminUIDsChanged struct{ uids []int }

type evKeepaliveStart struct {
	slot     int
	interval time.Duration
	pkt      dataservice.KeepalivePacket
}

type evKeepaliveStop struct{ slot int }

type evKeepaliveStarted struct {
	slot   int
	status dataservice.KeepaliveStatus
}

type evKeepaliveStatus struct{ status dataservice.KeepaliveStatus }

type evKeepaliveStopped struct {
	slot   int
	status dataservice.KeepaliveStatus
}

type evStartHandover struct {
	done func(dataservice.ResultCode, *handoverSnapshot)
}

type evStartHandoverOnTarget struct {
	src      *Connection
	rc       dataservice.ResultCode
	snapshot *handoverSnapshot
	cp       *ConnectParams
}

type evCancelHandover struct{}

type evPduAllocated struct {
	id   int
	err  error
	cont func(id int)
}

type evPduReleased struct {
	err  error
	cont func()
}

type evUnwanted struct{}

type evBandwidthRequest struct{}

type evNetworkPolicyChanged struct{}

type evQosChanged struct {
	defaultQos *dataservice.Qos
	sessions   []dataservice.QosBearerSession
}

func (evConnect) eventName() string               { return "CONNECT" }
func (evDisconnect) eventName() string            { return "DISCONNECT" }
func (evDisconnectAll) eventName() string         { return "DISCONNECT_ALL" }
func (evSetupDone) eventName() string             { return "SETUP_CONNECTION_DONE" }
func (evDeactivateDone) eventName() string        { return "DEACTIVATE_DONE" }
func (evLostConnection) eventName() string        { return "LOST_CONNECTION" }
func (evReset) eventName() string                 { return "RESET" }
func (evTearDownNow) eventName() string           { return "TEAR_DOWN_NOW" }
func (evRATChanged) eventName() string            { return "DATA_STATE_CHANGED" }
func (evRoamChanged) eventName() string           { return "ROAM_CHANGED" }
func (evNRStateChanged) eventName() string        { return "NR_STATE_CHANGED" }
func (evNRFrequencyChanged) eventName() string    { return "NR_FREQUENCY_CHANGED" }
func (evBandwidthTableChanged) eventName() string { return "CARRIER_CONFIG_LINK_BANDWIDTHS_CHANGED" }
func (evSuspendInputsChanged) eventName() string  { return "UPDATE_SUSPENDED_STATE" }
func (evMeteredOverride) eventName() string       { return "OVERRIDE_METERED" }
func (evCongestedOverride) eventName() string     { return "OVERRIDE_CONGESTED" }
func (evLinkCapacity) eventName() string          { return "LINK_CAPACITY_CHANGED" }
func (evBandwidthEstimate) eventName() string     { return "BANDWIDTH_ESTIMATE" }
func (evReevaluateRestricted) eventName() string  { return "REEVALUATE_RESTRICTED_STATE" }
func (evReevaluateProperties) eventName() string  { return "REEVALUATE_DATA_CONNECTION_PROPERTIES" }
func (evAdminUIDsChanged) eventName() string      { return "CARRIER_PRIVILEGED_UIDS_CHANGED" }
func (evKeepaliveStart) eventName() string        { return "KEEPALIVE_START_REQUEST" }
func (evKeepaliveStop) eventName() string         { return "KEEPALIVE_STOP_REQUEST" }
func (evKeepaliveStarted) eventName() string      { return "KEEPALIVE_STARTED" }
func (evKeepaliveStatus) eventName() string       { return "KEEPALIVE_STATUS" }
func (evKeepaliveStopped) eventName() string      { return "KEEPALIVE_STOPPED" }
func (evStartHandover) eventName() string         { return "START_HANDOVER" }
func (evStartHandoverOnTarget) eventName() string { return "START_HANDOVER_ON_TARGET" }
func (evCancelHandover) eventName() string        { return "CANCEL_HANDOVER" }
func (evPduAllocated) eventName() string          { return "ALLOCATE_PDU_SESSION_ID" }
func (evPduReleased) eventName() string           { return "RELEASE_PDU_SESSION_ID" }
func (evUnwanted) eventName() string              { return "UNWANTED" }
func (evBandwidthRequest) eventName() string      { return "BANDWIDTH_REQUEST" }
func (evNetworkPolicyChanged) eventName() string  { return "NETWORK_POLICY_CHANGED" }
func (evQosChanged) eventName() string            { return "QOS_CHANGED" }
