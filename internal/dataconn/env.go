package dataconn

import (
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/agent"
	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/carrier"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/handler"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
	"github.com/signalsfoundry/cellular-data-manager/internal/throttle"
)

// ServiceState is the registration snapshot a connection reads.
type ServiceState struct {
	RegState radio.RegState
	RAT      radio.RAT
	// Roaming is the framework's view, ModemRoaming the registration's.
	Roaming            bool
	ModemRoaming       bool
	CarrierAggregation bool
	NRState            radio.NRState
	NRFrequency        radio.FrequencyRange
	// ConcurrentVoiceData is false when a voice call suspends data.
	ConcurrentVoiceData bool
	VoiceCallActive     bool
}

// NRConnected reports whether an NR secondary cell is attached.
func (s ServiceState) NRConnected() bool { return s.NRState == radio.NRConnected }

// PolicyResult is the outcome of the external network-management policy.
type PolicyResult struct {
	Caps     netcap.Capabilities
	Teardown bool
}

// Env is the phone-level state a connection consults. The tracker that owns
// the connection implements it; every method is called on the handler.
type Env interface {
	ServiceState() ServiceState
	Carrier() *carrier.Config
	DataEnabled() bool
	DataRoamingEnabled() bool
	Throttler() *throttle.Throttler
	// HandoverSource returns the connection serving t on the other transport.
	HandoverSource(t apn.Type) *Connection
	ApplyNetworkPolicy(caps netcap.Capabilities, lp *netcap.LinkProperties) PolicyResult
}

// Listener receives the tracker-facing notifications. Calls are posted onto
// the connection's handler, never made inline.
type Listener interface {
	OnSetupComplete(SetupCompletion)
	OnSetupCompleteError(SetupCompletion)
	OnDisconnectDone(DisconnectCompletion)
	OnTrafficDescriptorsUpdated()
	OnNetworkValidation(c *Connection, status agent.ValidationStatus, redirect string)
}

// Registry is the controller's index of connections.
type Registry interface {
	Add(c *Connection)
	Remove(c *Connection)
	AddActive(c *Connection)
	RemoveActive(c *Connection)
	ActiveByCID(cid int) *Connection
	TrafficDescriptors(cid int) []apn.TrafficDescriptor
	SetTrafficDescriptors(cid int, tds []apn.TrafficDescriptor)
	IsDefaultDataActive() bool
}

// Observer sees state transitions and attempt outcomes. Metrics and the
// event feed hang off it.
type Observer interface {
	StateChanged(c *Connection, from, to State)
	SetupFinished(c *Connection, t apn.Type, result SetupResult, cause dataservice.FailCause, elapsed time.Duration)
	HandoverFinished(c *Connection, t apn.Type, ok bool)
}

type nopObserver struct{}

func (nopObserver) StateChanged(*Connection, State, State) {}
func (nopObserver) SetupFinished(*Connection, apn.Type, SetupResult, dataservice.FailCause, time.Duration) {
}
func (nopObserver) HandoverFinished(*Connection, apn.Type, bool) {}

// Deps wires a connection to its collaborators.
type Deps struct {
	Transport  radio.Transport
	Handler    *handler.Handler
	Service    dataservice.Service
	Modem      dataservice.Modem
	Registry   Registry
	Listener   Listener
	Env        Env
	Stack      agent.NetworkStack
	Agents     *agent.Registry
	Interfaces *InterfaceRegistry
	Observer   Observer
	Logger     logging.Logger
}
