package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

func allowedConditions() Conditions {
	return Conditions{
		Transport:           radio.TransportWWAN,
		RAT:                 radio.RATLTE,
		Attached:            true,
		SIMReady:            true,
		ConcurrentVoiceData: true,
		RadioOn:             true,
		RadioEnabledCarrier: true,
		ServiceBound:        true,
		DefaultDataSelected: true,
		InternalDataEnabled: true,
		UserDataEnabled:     true,
		PolicyDataEnabled:   true,
		CarrierDataEnabled:  true,
		Metered:             apn.DefaultMeteredPolicy(),
	}
}

func idleInput(t apn.Type) *ContextInput {
	return &ContextInput{
		Type:               t,
		State:              StateIdle,
		Enabled:            true,
		PreferredTransport: radio.TransportWWAN,
		CurrentTransport:   radio.TransportInvalid,
	}
}

func TestIsDataAllowed(t *testing.T) {
	tests := []struct {
		name       string
		cond       func(*Conditions)
		in         func(*ContextInput)
		typ        apn.Type
		reqType    dataservice.RequestType
		allowedBy  AllowedReason
		disallowed []DisallowedReason
	}{
		{
			name:      "all clear",
			typ:       apn.TypeDefault,
			allowedBy: AllowedNormal,
		},
		{
			name:       "user data off blocks default",
			cond:       func(c *Conditions) { c.UserDataEnabled = false },
			typ:        apn.TypeDefault,
			disallowed: []DisallowedReason{DisallowedDataDisabled},
		},
		{
			name:       "user data off keeps unmetered ims",
			cond:       func(c *Conditions) { c.UserDataEnabled = false },
			typ:        apn.TypeIMS,
			allowedBy:  AllowedUnmeteredAPN,
			disallowed: []DisallowedReason{DisallowedDataDisabled},
		},
		{
			name:      "mms allowed when carrier says so",
			cond:      func(c *Conditions) { c.UserDataEnabled = false; c.MMSAlwaysAllowed = true },
			typ:       apn.TypeMMS,
			allowedBy: AllowedNormal,
		},
		{
			name:       "restricted request overrides roaming",
			cond:       func(c *Conditions) { c.Roaming = true },
			in:         func(in *ContextInput) { in.Restricted = true },
			typ:        apn.TypeSUPL,
			allowedBy:  AllowedRestrictedRequest,
			disallowed: []DisallowedReason{DisallowedRoamingDisabled},
		},
		{
			name:       "hard reason is not overridden",
			cond:       func(c *Conditions) { c.Roaming = true; c.SIMReady = false },
			in:         func(in *ContextInput) { in.Restricted = true },
			typ:        apn.TypeSUPL,
			disallowed: []DisallowedReason{DisallowedSIMNotReady, DisallowedRoamingDisabled},
		},
		{
			name:      "emergency ignores everything",
			cond:      func(c *Conditions) { c.SIMReady = false; c.RadioOn = false },
			typ:       apn.TypeEmergency,
			allowedBy: AllowedEmergencyAPN,
		},
		{
			name:       "voice without concurrency",
			cond:       func(c *Conditions) { c.VoiceCallActive = true; c.ConcurrentVoiceData = false },
			typ:        apn.TypeDefault,
			disallowed: []DisallowedReason{DisallowedInvalidPhoneState, DisallowedConcurrentVoiceData},
		},
		{
			name:       "not attached",
			cond:       func(c *Conditions) { c.Attached = false },
			typ:        apn.TypeDefault,
			disallowed: []DisallowedReason{DisallowedNotAttached},
		},
		{
			name:      "handover skips the attach check",
			cond:      func(c *Conditions) { c.Attached = false },
			typ:       apn.TypeDefault,
			reqType:   dataservice.RequestHandover,
			allowedBy: AllowedNormal,
		},
		{
			name:       "already connected",
			in:         func(in *ContextInput) { in.State = StateConnected },
			typ:        apn.TypeDefault,
			disallowed: []DisallowedReason{DisallowedAlreadyConnected},
		},
		{
			name:       "disconnecting",
			in:         func(in *ContextInput) { in.State = StateDisconnecting },
			typ:        apn.TypeDefault,
			disallowed: []DisallowedReason{DisallowedIsDisconnecting},
		},
		{
			name:       "preferred elsewhere",
			in:         func(in *ContextInput) { in.PreferredTransport = radio.TransportWLAN },
			typ:        apn.TypeIMS,
			disallowed: []DisallowedReason{DisallowedOnOtherTransport},
		},
		{
			name:       "no transport decision",
			in:         func(in *ContextInput) { in.PreferredTransport = radio.TransportInvalid },
			typ:        apn.TypeIMS,
			disallowed: []DisallowedReason{DisallowedDisabledByQNS},
		},
		{
			name:       "connected on the other transport",
			in:         func(in *ContextInput) { in.CurrentTransport = radio.TransportWLAN },
			typ:        apn.TypeIMS,
			disallowed: []DisallowedReason{DisallowedOnOtherTransport},
		},
		{
			name:      "handover from the other transport",
			in:        func(in *ContextInput) { in.CurrentTransport = radio.TransportWLAN },
			typ:       apn.TypeIMS,
			reqType:   dataservice.RequestHandover,
			allowedBy: AllowedNormal,
		},
		{
			name:       "default over iwlan rat on wwan",
			cond:       func(c *Conditions) { c.RAT = radio.RATIWLAN },
			typ:        apn.TypeDefault,
			disallowed: []DisallowedReason{DisallowedOnIWLAN},
		},
		{
			name:       "enterprise needs nr",
			typ:        apn.TypeEnterprise,
			disallowed: []DisallowedReason{DisallowedNotOnNR},
		},
		{
			name:       "throttled",
			in:         func(in *ContextInput) { in.Throttled = true },
			typ:        apn.TypeDefault,
			disallowed: []DisallowedReason{DisallowedThrottled},
		},
		{
			name:       "wlan lifts soft reasons",
			cond:       func(c *Conditions) { c.Transport = radio.TransportWLAN; c.RAT = radio.RATIWLAN; c.UserDataEnabled = false },
			in:         func(in *ContextInput) { in.PreferredTransport = radio.TransportWLAN },
			typ:        apn.TypeDefault,
			allowedBy:  AllowedUnmeteredAPN,
			disallowed: []DisallowedReason{DisallowedDataDisabled},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := allowedConditions()
			if tt.cond != nil {
				tt.cond(&c)
			}
			in := idleInput(tt.typ)
			if tt.in != nil {
				tt.in(in)
			}
			reqType := tt.reqType
			if reqType == 0 {
				reqType = dataservice.RequestNormal
			}
			r := IsDataAllowed(c, in, reqType)
			assert.Equal(t, tt.allowedBy, r.AllowedBy, r.String())
			assert.ElementsMatch(t, tt.disallowed, r.Disallowed, r.String())
			assert.Equal(t, tt.allowedBy != AllowedNone, r.Allowed())
		})
	}
}

func TestIsDataAllowedWithoutContext(t *testing.T) {
	c := allowedConditions()
	assert.True(t, IsDataAllowed(c, nil, dataservice.RequestNormal).Allowed())

	c.PSRestricted = true
	r := IsDataAllowed(c, nil, dataservice.RequestNormal)
	assert.False(t, r.Allowed())
	assert.True(t, r.Contains(DisallowedPSRestricted))
	assert.True(t, r.ContainsHard())
}

func TestReasonsString(t *testing.T) {
	r := Reasons{Disallowed: []DisallowedReason{DisallowedRoamingDisabled, DisallowedThrottled}}
	assert.Equal(t, "[ROAMING_DISABLED, DATA_THROTTLED] allowed=NONE", r.String())
	assert.False(t, DisallowedRoamingDisabled.IsHard())
	assert.True(t, DisallowedThrottled.IsHard())
}
