package tracker

import (
	"context"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/carrier"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
	"github.com/signalsfoundry/cellular-data-manager/internal/settings"
)

type radioOffState int

const (
	radioOffNone radioOffState = iota
	// radioOffPending powers the radio off once every context is down.
	radioOffPending
	// radioRestartPending cycles the radio once every context is down.
	radioRestartPending
)

func (s radioOffState) String() string {
	switch s {
	case radioOffPending:
		return "pending_off"
	case radioRestartPending:
		return "pending_restart"
	}
	return "none"
}

type provisioningState struct {
	active bool
	url    string
	alarm  string
	tag    int
}

// SetServiceState applies a new registration state.
func (t *Tracker) SetServiceState(ss dataconn.ServiceState) {
	t.h.Post(func() { t.onServiceStateChanged(ss) })
}

// SetVoiceCallActive records the start or end of a voice call.
func (t *Tracker) SetVoiceCallActive(active bool) {
	t.h.Post(func() {
		ss := t.ss
		ss.VoiceCallActive = active
		t.onServiceStateChanged(ss)
	})
}

func (t *Tracker) onServiceStateChanged(ss dataconn.ServiceState) {
	old := t.ss
	t.ss = ss
	ctx := context.Background()
	wasAttached := old.RegState == radio.RegInService
	attached := ss.RegState == radio.RegInService
	ratChanged := old.RAT != ss.RAT

	if ratChanged || old.RegState != ss.RegState {
		t.log.Info(ctx, "registration changed", logging.String("reg", ss.RegState.String()),
			logging.String("rat", ss.RAT.String()))
		t.forEachConnection(func(c *dataconn.Connection) { c.NotifyRATChanged(ss.RegState, ss.RAT) })
	}
	if old.NRState != ss.NRState {
		t.forEachConnection((*dataconn.Connection).NotifyNRStateChanged)
	}
	if old.NRFrequency != ss.NRFrequency {
		t.forEachConnection((*dataconn.Connection).NotifyNRFrequencyChanged)
	}

	switch {
	case attached && !wasAttached:
		t.onDataAttached()
	case !attached && wasAttached:
		t.log.Info(ctx, "data detached")
		t.stopDataStallAlarm()
	}

	if old.Roaming != ss.Roaming {
		t.forEachConnection((*dataconn.Connection).NotifyRoamingChanged)
		if ss.Roaming {
			t.onDataRoamingOnOrSettingsChanged(false)
		} else {
			t.onDataRoamingOff()
		}
	}

	if ratChanged && ss.RAT != radio.RATUnknown {
		t.cleanUpConnectionsOnUpdatedApns(ReasonRATChanged)
		t.setupDataOnAllConnectableApns(ReasonRATChanged, retryOnlyOnChange)
	}

	if old.VoiceCallActive != ss.VoiceCallActive || old.ConcurrentVoiceData != ss.ConcurrentVoiceData {
		t.forEachConnection(func(c *dataconn.Connection) { c.NotifySuspendInputsChanged(ReasonVoiceCallEnded) })
		switch {
		case ss.VoiceCallActive && !old.VoiceCallActive:
			t.onVoiceCallStarted()
		case !ss.VoiceCallActive && old.VoiceCallActive:
			t.onVoiceCallEnded()
		}
	}
}

func (t *Tracker) onDataAttached() {
	t.log.Info(context.Background(), "data attached")
	if t.overallState() == StateConnected {
		t.startDataStallAlarm(false)
	}
	t.setupDataOnAllConnectableApns(ReasonDataAttached, retryAlways)
}

func (t *Tracker) onVoiceCallStarted() {
	if t.isAnyDataConnected() && !t.ss.ConcurrentVoiceData {
		t.stopDataStallAlarm()
	}
}

func (t *Tracker) onVoiceCallEnded() {
	if t.isAnyDataConnected() {
		if !t.ss.ConcurrentVoiceData {
			t.startDataStallAlarm(false)
		} else {
			t.stall.sentSinceLastRecv = 0
		}
	}
	t.setupDataOnAllConnectableApns(ReasonVoiceCallEnded, retryAlways)
}

// onDataRoamingOnOrSettingsChanged handles entering roaming or a change of
// the roaming switch while roaming.
func (t *Tracker) onDataRoamingOnOrSettingsChanged(settingChanged bool) {
	if !t.ss.Roaming {
		return
	}
	if t.sw.DataRoamingEnabled {
		if settingChanged {
			t.reevaluateDataConnections()
		}
		t.setupDataOnAllConnectableApns(ReasonRoamingOn, retryAlways)
		return
	}
	if !settingChanged {
		for _, c := range t.sorted {
			if c.state == StateConnected {
				t.log.Warn(context.Background(), "possible roaming leakage", logging.String("type", c.typ.String()))
			}
		}
	}
	t.cleanUpAllConnectionsInternal(true, ReasonRoamingOn)
}

func (t *Tracker) onDataRoamingOff() {
	t.reevaluateDataConnections()
	if !t.sw.DataRoamingEnabled {
		t.setDataProfilesAsNeeded()
		t.setInitialAttachAPN()
		t.setupDataOnAllConnectableApns(ReasonRoamingOff, retryAlways)
	}
}

func (t *Tracker) reevaluateDataConnections() {
	for _, c := range t.sorted {
		if c.conn != nil && c.state == StateConnected {
			c.conn.ReevaluateRestricted()
			c.conn.ReevaluateProperties()
		}
	}
}

// cleanUpConnectionsOnUpdatedApns tears down contexts whose profile is no
// longer among their candidates.
func (t *Tracker) cleanUpConnectionsOnUpdatedApns(reason string) {
	if len(t.profile.APNs) == 0 {
		t.cleanUpAllConnectionsInternal(true, ReasonAPNChanged)
	} else if t.ss.RAT != radio.RATUnknown {
		for _, c := range t.sorted {
			if c.IsDisconnected() {
				continue
			}
			waiting := t.buildWaitingAPNs(c.typ)
			keep := false
			for _, s := range waiting {
				if c.setting != nil && s.Equal(c.setting) {
					keep = true
					break
				}
			}
			if !keep {
				t.log.Info(context.Background(), "candidates no longer cover the connected apn",
					logging.String("type", c.typ.String()), logging.String("reason", reason))
				c.reason = reason
				t.cleanUpConnectionInternal(c, true, dataservice.ReleaseDetach)
			}
		}
	}
	if !t.isAnyDataConnected() {
		t.stopDataStallAlarm()
	}
}

func (t *Tracker) forEachConnection(f func(*dataconn.Connection)) {
	for _, conn := range t.ctl.Connections() {
		f(conn)
	}
}

// SetRadioPower records the radio's power state. Powering off resets every
// connection locally.
func (t *Tracker) SetRadioPower(on bool) {
	t.h.Post(func() {
		if t.sw.RadioOn == on {
			return
		}
		t.sw.RadioOn = on
		t.log.Info(context.Background(), "radio power", logging.Bool("on", on))
		if on {
			t.setupDataOnAllConnectableApns(ReasonRadioOn, retryAlways)
			return
		}
		t.cleanUpAllConnectionsInternal(false, dataconn.ReasonRadioTurnedOff)
	})
}

// PowerOffRadioSafely tears every connection down and powers the radio off
// once they are gone.
func (t *Tracker) PowerOffRadioSafely() {
	t.h.Post(func() {
		t.radioOff = radioOffPending
		t.cleanUpAllConnectionsInternal(true, dataconn.ReasonRadioTurnedOff)
	})
}

// restartRadio tears every connection down and cycles the radio once they
// are gone.
func (t *Tracker) restartRadio() {
	t.log.Warn(context.Background(), "restarting radio")
	t.radioOff = radioRestartPending
	t.cleanUpAllConnectionsInternal(true, dataconn.ReasonRadioTurnedOff)
}

// SetCarrierRadioEnabled applies the carrier's radio enable action.
func (t *Tracker) SetCarrierRadioEnabled(enabled bool) {
	t.h.Post(func() {
		if t.sw.RadioEnabledCarrier == enabled {
			return
		}
		t.sw.RadioEnabledCarrier = enabled
		if enabled {
			t.setupDataOnAllConnectableApns(ReasonRadioOn, retryAlways)
			return
		}
		t.cleanUpAllConnectionsInternal(true, dataconn.ReasonRadioTurnedOff)
	})
}

// SetSIMReady records whether the subscription is loaded.
func (t *Tracker) SetSIMReady(ready bool) {
	t.h.Post(func() {
		if t.sw.SIMReady == ready {
			return
		}
		t.sw.SIMReady = ready
		if !ready {
			t.log.Info(context.Background(), "sim not ready")
			t.cleanUpAllConnectionsInternal(true, ReasonSIMNotReady)
			return
		}
		t.log.Info(context.Background(), "sim loaded")
		t.throttler.Reset()
		t.setDataProfilesAsNeeded()
		t.setInitialAttachAPN()
		t.setupDataOnAllConnectableApns(ReasonSIMLoaded, retryAlways)
	})
}

// SetCarrierConfig applies a new carrier policy.
func (t *Tracker) SetCarrierConfig(cfg carrier.Config) {
	t.h.Post(func() {
		t.carrier = cfg
		t.log.Info(context.Background(), "carrier config changed")
		t.forEachConnection(func(c *dataconn.Connection) {
			c.SetAdminUIDs(cfg.AdminUIDs)
			c.NotifyBandwidthTableChanged()
		})
		if !t.stallWatchdogEnabled() {
			t.stopDataStallAlarm()
		}
		if !t.sw.SIMReady {
			return
		}
		t.setDataProfilesAsNeeded()
		t.setInitialAttachAPN()
		t.cleanUpConnectionsOnUpdatedApns(ReasonCarrierChange)
		t.setupDataOnAllConnectableApns(ReasonCarrierChange, retryAlways)
	})
}

// SetProfile replaces the subscription's APN list.
func (t *Tracker) SetProfile(p Profile) {
	t.h.Post(func() {
		t.profile = p
		t.onAPNChanged()
	})
}

// SetPreferredAPN selects the user's default profile; a negative id clears
// the selection.
func (t *Tracker) SetPreferredAPN(id int) {
	t.h.Post(func() {
		t.setPreferredAPN(id)
		t.onAPNChanged()
	})
}

func (t *Tracker) onAPNChanged() {
	t.log.Info(context.Background(), "apn list changed", logging.Int("apns", len(t.profile.APNs)),
		logging.Int("preferred", t.preferredAPNID))
	t.setDataProfilesAsNeeded()
	t.setInitialAttachAPN()
	t.cleanUpConnectionsOnUpdatedApns(ReasonAPNChanged)
	t.setupDataOnAllConnectableApns(ReasonAPNChanged, retryAlways)
}

// SetPSRestricted records whether the network restricts packet service.
func (t *Tracker) SetPSRestricted(restricted bool) {
	t.h.Post(func() {
		if t.sw.PSRestricted == restricted {
			return
		}
		t.sw.PSRestricted = restricted
		if restricted {
			// The network deactivates the calls itself.
			t.stopDataStallAlarm()
			return
		}
		if t.isAnyDataConnected() {
			t.startDataStallAlarm(false)
			return
		}
		if t.overallState() == StateFailed {
			t.cleanUpAllConnectionsInternal(false, ReasonPSRestrictDisabled)
		}
		if c := t.contexts[apn.TypeDefault]; c != nil {
			c.reason = ReasonPSRestrictDisabled
			t.trySetupData(c, dataservice.RequestNormal, nil)
		}
	})
}

// SetUserDataEnabled applies and persists the user's mobile data switch.
func (t *Tracker) SetUserDataEnabled(enabled bool) {
	t.h.Post(func() {
		ctx := context.Background()
		if err := settings.PutBool(ctx, t.store, t.subKey(settings.KeyDataEnabled), enabled); err != nil {
			t.log.Warn(ctx, "persist data enabled", logging.Err(err))
		}
		t.setDataSwitch(&t.sw.UserDataEnabled, enabled, ReasonDataSpecificDisabled)
	})
}

// SetPolicyDataEnabled applies the data usage policy switch.
func (t *Tracker) SetPolicyDataEnabled(enabled bool) {
	t.h.Post(func() { t.setDataSwitch(&t.sw.PolicyDataEnabled, enabled, ReasonDataSpecificDisabled) })
}

// SetCarrierDataEnabled applies the carrier's metered data action.
func (t *Tracker) SetCarrierDataEnabled(enabled bool) {
	t.h.Post(func() { t.setDataSwitch(&t.sw.CarrierDataEnabled, enabled, ReasonCarrierDisableMetered) })
}

// SetInternalDataEnabled applies the system's internal data switch.
func (t *Tracker) SetInternalDataEnabled(enabled bool) {
	t.h.Post(func() { t.setDataSwitch(&t.sw.InternalDataEnabled, enabled, ReasonDataDisabledInternal) })
}

func (t *Tracker) setDataSwitch(sw *bool, enabled bool, cleanupReason string) {
	before := t.conditions().DataEnabledFor(apn.TypeDefault)
	*sw = enabled
	after := t.conditions().DataEnabledFor(apn.TypeDefault)
	if before == after {
		return
	}
	t.log.Info(context.Background(), "data enabled changed", logging.Bool("enabled", after))
	if after {
		t.reevaluateDataConnections()
		t.setupDataOnAllConnectableApns(ReasonDataEnabled, retryAlways)
		return
	}
	t.cleanUpAllConnectionsInternal(true, cleanupReason)
}

// SetDataRoamingEnabled applies and persists the data roaming switch.
func (t *Tracker) SetDataRoamingEnabled(enabled bool) {
	t.h.Post(func() {
		ctx := context.Background()
		if t.sw.DataRoamingEnabled == enabled {
			return
		}
		t.sw.DataRoamingEnabled = enabled
		if err := settings.PutBool(ctx, t.store, t.subKey(settings.KeyDataRoaming), enabled); err != nil {
			t.log.Warn(ctx, "persist data roaming", logging.Err(err))
		}
		t.onDataRoamingOnOrSettingsChanged(true)
	})
}

// SetUnmeteredOverride marks every connection temporarily unmetered.
func (t *Tracker) SetUnmeteredOverride(unmetered bool) {
	t.h.Post(func() {
		t.forEachConnection(func(c *dataconn.Connection) { c.SetUnmeteredOverride(unmetered) })
	})
}

// SetCongestedOverride marks every connection temporarily congested.
func (t *Tracker) SetCongestedOverride(congested bool) {
	t.h.Post(func() {
		t.forEachConnection(func(c *dataconn.Connection) { c.SetCongestedOverride(congested) })
	})
}

// SetDefaultDataSelected records whether this subscription carries default
// data.
func (t *Tracker) SetDefaultDataSelected(selected bool) {
	t.h.Post(func() {
		if t.sw.DefaultDataSelected == selected {
			return
		}
		t.sw.DefaultDataSelected = selected
		if selected {
			t.setupDataOnAllConnectableApns(ReasonDefaultDataSelected, retryAlways)
			return
		}
		t.cleanUpAllConnectionsInternal(true, ReasonDataSpecificDisabled)
	})
}

// SetECBM records entering or leaving emergency callback mode.
func (t *Tracker) SetECBM(in bool) {
	t.h.Post(func() {
		if t.sw.InECBM == in {
			return
		}
		t.sw.InECBM = in
		if !in {
			t.setupDataOnAllConnectableApns(ReasonECBMExit, retryAlways)
		}
	})
}

// SetServiceBound records whether the data service of the transport is
// reachable. Losing it resets every connection locally.
func (t *Tracker) SetServiceBound(bound bool) {
	t.h.Post(func() {
		if t.sw.ServiceBound == bound {
			return
		}
		t.sw.ServiceBound = bound
		if bound {
			t.setDataProfilesAsNeeded()
			t.setInitialAttachAPN()
			t.setupDataOnAllConnectableApns(ReasonServiceBound, retryAlways)
			return
		}
		t.cleanUpAllConnectionsInternal(false, ReasonServiceUnbound)
	})
}

// SetFailFast enables or disables fail-fast retries. Calls are reference
// counted; the stall watchdog pauses while fail-fast is on.
func (t *Tracker) SetFailFast(enabled bool) {
	t.h.Post(func() {
		if enabled {
			t.failFastRefs++
		} else if t.failFastRefs > 0 {
			t.failFastRefs--
		}
		on := t.failFastRefs > 0
		if on == t.failFast {
			return
		}
		t.failFast = on
		t.log.Info(context.Background(), "fail fast", logging.Bool("enabled", on))
		if !on && t.overallState() == StateConnected && (!t.ss.VoiceCallActive || t.ss.ConcurrentVoiceData) {
			t.startDataStallAlarm(false)
		} else {
			t.stopDataStallAlarm()
		}
	})
}

// EnableProvisioning starts a provisioning session that opens url once the
// provisioning APN connects. The default connection on that APN is torn
// down when the carrier's provisioning timeout elapses.
func (t *Tracker) EnableProvisioning(url string) {
	t.h.Post(func() {
		t.provisioning.active = true
		t.provisioning.url = url
		t.startProvisioningAlarm()
	})
}

// FinishProvisioning ends the provisioning session.
func (t *Tracker) FinishProvisioning() {
	t.h.Post(func() {
		t.provisioning.active = false
		t.provisioning.url = ""
		t.stopProvisioningAlarm()
	})
}

func (t *Tracker) startProvisioningAlarm() {
	t.stopProvisioningAlarm()
	tag := t.provisioning.tag
	t.provisioning.alarm = t.h.PostDelayed(t.carrier.ProvisioningTimeout, func() { t.onProvisioningAlarm(tag) })
}

func (t *Tracker) stopProvisioningAlarm() {
	t.provisioning.tag++
	if t.provisioning.alarm != "" {
		t.h.Cancel(t.provisioning.alarm)
		t.provisioning.alarm = ""
	}
}

func (t *Tracker) onProvisioningAlarm(tag int) {
	if tag != t.provisioning.tag {
		return
	}
	t.provisioning.alarm = ""
	c := t.contexts[apn.TypeDefault]
	if !t.isProvisioningAPN(c) || (c.state != StateConnected && c.state != StateConnecting) {
		t.log.Debug(context.Background(), "provisioning alarm, not connected")
		return
	}
	t.log.Info(context.Background(), "provisioning timed out, disconnecting")
	t.provisioning.active = false
	t.provisioning.url = ""
	c.reason = ReasonProvisioningTimeout
	t.cleanUpConnectionInternal(c, true, dataservice.ReleaseDetach)
}

func (t *Tracker) isProvisioningAPN(c *APNContext) bool {
	name := t.profile.ProvisioningAPN
	return name != "" && c.setting != nil && c.setting.APN == name
}

// TriggerRecovery runs the current data stall recovery step now.
func (t *Tracker) TriggerRecovery() { t.h.Post(t.doRecovery) }
