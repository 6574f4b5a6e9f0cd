package tracker

import (
	"context"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/agent"
	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// retryFailures selects which failed contexts setupDataOnAllConnectableApns
// resets before retrying.
type retryFailures int

const (
	retryAlways retryFailures = iota
	// retryOnlyOnChange resets failed contexts only when voice/data
	// concurrency became available since they failed.
	retryOnlyOnChange
)

// trySetupData starts a setup for c if data is allowed. It reports whether a
// bring-up was issued.
func (t *Tracker) trySetupData(c *APNContext, reqType dataservice.RequestType, cb HandoverCallback) bool {
	bg := context.Background()
	t.addHandoverCallback(c.typ, cb)
	reasons := t.isDataAllowed(c, reqType)
	if !reasons.Allowed() {
		if reasons.Contains(DisallowedIsDisconnecting) && t.isHandoverPending(c.typ) {
			// Retried from onDisconnectDone once the old connection is gone.
			t.log.Info(bg, "handover parked until disconnect completes", logging.String("type", c.typ.String()))
			return false
		}
		if c.state == StateRetrying {
			t.setState(c, StateFailed)
		}
		t.log.Debug(bg, "data not allowed", logging.String("type", c.typ.String()),
			logging.String("reasons", reasons.String()))
		t.sendHandoverCompleted(c.typ, false, reasons.Contains(DisallowedOnOtherTransport))
		return false
	}

	if c.state == StateFailed {
		t.setState(c, StateIdle)
	}
	c.concurrentVoiceData = t.ss.ConcurrentVoiceData
	if c.state == StateIdle {
		waiting := t.buildWaitingAPNs(c.typ)
		if len(waiting) == 0 {
			t.log.Info(bg, "no apn can serve the request", logging.String("type", c.typ.String()),
				logging.String("rat", t.ss.RAT.String()))
			t.sendHandoverCompleted(c.typ, false, false)
			return false
		}
		c.retry.Configure(t.carrier.RetryPattern(c.typ))
		c.retry.SetWaitingAPNs(waiting)
	}
	if !t.setupData(c, reqType) {
		t.sendHandoverCompleted(c.typ, false, false)
		return false
	}
	return true
}

// setupData picks the next candidate and a connection for it and issues the
// bring-up.
func (t *Tracker) setupData(c *APNContext, reqType dataservice.RequestType) bool {
	bg := context.Background()
	setting := c.retry.NextAPNSetting()
	if setting == nil {
		t.log.Info(bg, "no usable apn left", logging.String("type", c.typ.String()))
		return false
	}

	var conn *dataconn.Connection
	if (c.typ != apn.TypeDUN || t.ss.RAT.IsGSM()) && c.typ != apn.TypeEnterprise {
		if conn = t.compatibleConnection(c, t.ss.RAT); conn != nil {
			if s := conn.Setting(); s != nil {
				setting = s
			}
			t.log.Debug(bg, "sharing compatible connection", logging.String("type", c.typ.String()),
				logging.String("conn", conn.Name()))
		}
	}
	if conn == nil {
		if t.isSingleDataRAT() {
			if t.isHigherPriorityActive(c) {
				t.log.Info(bg, "higher priority context active on single-data rat",
					logging.String("type", c.typ.String()))
				return false
			}
			if c.typ != apn.TypeIMS && c.state != StateRetrying &&
				t.cleanUpAllConnectionsInternal(true, dataconn.ReasonSingleDataArbitrate) {
				t.log.Info(bg, "waiting for other connections to go down", logging.String("type", c.typ.String()))
				return false
			}
		}
		switch {
		case c.conn != nil && c.conn.IsInactive():
			conn = c.conn
		default:
			if conn = t.freeConnection(); conn == nil {
				conn = t.newConnection()
			}
		}
	}

	c.generation++
	c.setting = setting
	t.setConnection(c, conn)
	t.setState(c, StateConnecting)
	t.log.Info(bg, "setup data", logging.String("type", c.typ.String()), logging.String("apn", setting.APN),
		logging.String("conn", conn.Name()), logging.String("request_type", reqType.String()),
		logging.Int("generation", c.generation))
	conn.BringUp(&dataconn.ConnectParams{
		Context:     c,
		Profile:     setting,
		RAT:         t.ss.RAT,
		RequestType: reqType,
		Generation:  c.generation,
		SubID:       t.subID,
		Preferred:   setting.Equal(t.preferredAPN()),
	})
	return true
}

// setupDataOnAllConnectableApns walks the contexts by priority and tries
// every connectable one.
func (t *Tracker) setupDataOnAllConnectableApns(reason string, rf retryFailures) {
	for _, c := range t.sorted {
		if c.state == StateFailed || c.state == StateRetrying {
			if rf == retryAlways || (!c.concurrentVoiceData && t.ss.ConcurrentVoiceData) {
				t.releaseDataConnection(c)
			}
		}
		if c.IsConnectable() {
			c.reason = reason
			t.trySetupData(c, dataservice.RequestNormal, nil)
		}
	}
}

// releaseDataConnection drops c's connection without tearing it down and
// returns c to idle.
func (t *Tracker) releaseDataConnection(c *APNContext) {
	t.cancelReconnect(c)
	if c.conn != nil && c.conn.IsAttached(c) {
		c.conn.TearDown(&dataconn.DisconnectParams{Context: c, Reason: c.reason, Generation: c.generation})
	}
	t.setConnection(c, nil)
	t.setState(c, StateIdle)
}

// dataconn.Listener

func (t *Tracker) OnSetupComplete(comp dataconn.SetupCompletion) {
	c := t.context(comp.Context)
	if c == nil {
		return
	}
	if comp.Generation != c.generation {
		t.log.Info(context.Background(), "stale setup completion", logging.String("type", c.typ.String()),
			logging.Int("generation", comp.Generation), logging.Int("current", c.generation))
		return
	}
	t.resolveSetupHandover(c, comp)
	if c.state == StateDisconnecting {
		// A teardown was queued behind the setup; its completion follows.
		t.log.Info(context.Background(), "setup completed while disconnecting", logging.String("type", c.typ.String()))
		return
	}
	if comp.Conn == nil || c.conn == nil {
		t.log.Error(context.Background(), "setup complete without a connection", logging.String("type", c.typ.String()))
		t.onDataSetupCompleteError(c, comp.RequestType, false)
		return
	}
	t.onDataSetupSuccess(c)
}

func (t *Tracker) OnSetupCompleteError(comp dataconn.SetupCompletion) {
	c := t.context(comp.Context)
	if c == nil {
		return
	}
	if comp.Generation != c.generation {
		t.log.Info(context.Background(), "stale setup error", logging.String("type", c.typ.String()),
			logging.Int("generation", comp.Generation), logging.Int("current", c.generation))
		return
	}
	fallback := t.resolveSetupHandover(c, comp)
	c.setupFailures++
	if c.state == StateDisconnecting {
		return
	}
	cause := comp.Cause
	t.log.Info(context.Background(), "setup failed", logging.String("type", c.typ.String()),
		logging.String("cause", cause.String()), logging.String("request_type", comp.RequestType.String()),
		logging.String("failure_mode", comp.HandoverFailureMode.String()))

	if dataservice.IsRadioRestartFailure(cause, t.carrier.RadioRestartCauses) {
		t.log.Warn(context.Background(), "setup failure requires radio restart", logging.String("cause", cause.String()))
		t.restartRadio()
	}
	if cause.IsPermanent() && c.setting != nil {
		c.permanentFailures++
		c.retry.MarkPermanentFailed(c.setting)
		if c.typ == apn.TypeDefault && t.carrier.NotifyPermanentFailure {
			t.log.Warn(context.Background(), "permanent failure on default data", logging.String("apn", c.setting.APN),
				logging.String("cause", cause.String()))
		}
	}
	next := dataservice.RetryRequestType(comp.HandoverFailureMode, comp.RequestType, cause)
	t.onDataSetupCompleteError(c, next, fallback)
}

// resolveSetupHandover settles pending handover callbacks for a completed
// setup and returns whether the caller should fall back to the source.
func (t *Tracker) resolveSetupHandover(c *APNContext, comp dataconn.SetupCompletion) bool {
	mode := comp.HandoverFailureMode
	fallback := dataservice.ShouldFallbackOnFailedHandover(mode, comp.RequestType, comp.Cause)
	switch {
	case comp.Success() && mode != dataservice.HandoverFailureUnknown && mode != dataservice.HandoverFailureLegacy:
		t.log.Error(context.Background(), "failure mode reported on a successful setup",
			logging.String("mode", mode.String()))
	case mode != dataservice.HandoverFailureNoFallbackRetryHandover &&
		comp.Cause != dataservice.CauseServiceTemporarilyUnavailable:
		t.sendHandoverCompleted(c.typ, comp.Success(), fallback)
	}
	return fallback
}

func (t *Tracker) onDataSetupSuccess(c *APNContext) {
	if c.typ == apn.TypeDefault && t.preferredAPN() == nil && c.setting != nil && c.setting.ID > 0 {
		t.log.Info(context.Background(), "adopting preferred apn", logging.Int("id", c.setting.ID))
		t.setPreferredAPN(c.setting.ID)
		t.setDataProfilesAsNeeded()
	}
	t.setState(c, StateConnected)
	t.log.Info(context.Background(), "data connected", logging.String("type", c.typ.String()),
		logging.String("apn", c.setting.APN), logging.String("conn", c.conn.Name()))
	t.completeConnection(c)
}

// completeConnection finishes a successful bring-up.
func (t *Tracker) completeConnection(c *APNContext) {
	if t.provisioning.active && t.provisioning.url != "" && c.typ == apn.TypeDefault && t.isProvisioningAPN(c) {
		t.log.Info(context.Background(), "provisioning apn connected, opening url",
			logging.String("url", t.provisioning.url))
		t.provisioning.active = false
		t.provisioning.url = ""
	}
	t.startDataStallAlarm(false)
}

func (t *Tracker) onDataSetupCompleteError(c *APNContext, reqType dataservice.RequestType, fallback bool) {
	delay, ok := c.retry.DelayForNextAPN(t.failFast)
	t.setConnection(c, nil)
	if ok && !fallback {
		t.startReconnect(c, delay, reqType, false)
		return
	}
	t.log.Info(context.Background(), "giving up", logging.String("type", c.typ.String()),
		logging.Bool("fallback", fallback), logging.String("retry", c.retry.String()))
	t.setState(c, StateFailed)
	c.setting = nil
	t.sendHandoverCompleted(c.typ, false, fallback)
}

// startReconnect schedules another attempt for c after delay. rebuild makes
// the attempt start over with a fresh candidate list.
func (t *Tracker) startReconnect(c *APNContext, delay time.Duration, reqType dataservice.RequestType, rebuild bool) {
	t.cancelReconnect(c)
	t.setState(c, StateRetrying)
	tag := c.reconnectTag
	c.reconnectAlarm = t.h.PostDelayed(delay, func() { t.onReconnect(c, tag, reqType, rebuild) })
	t.metrics.RetryScheduled(t.transport, c.typ, delay)
	t.log.Info(context.Background(), "reconnect scheduled", logging.String("type", c.typ.String()),
		logging.Duration("delay", delay), logging.String("request_type", reqType.String()))
}

func (t *Tracker) cancelReconnect(c *APNContext) {
	c.reconnectTag++
	if c.reconnectAlarm != "" {
		t.h.Cancel(c.reconnectAlarm)
		c.reconnectAlarm = ""
	}
}

func (t *Tracker) onReconnect(c *APNContext, tag int, reqType dataservice.RequestType, rebuild bool) {
	if tag != c.reconnectTag {
		return
	}
	c.reconnectAlarm = ""
	if c.state != StateRetrying {
		return
	}
	if !c.IsEnabled() {
		t.releaseDataConnection(c)
		return
	}
	if rebuild {
		t.setState(c, StateIdle)
	}
	c.reason = ReasonRetry
	t.trySetupData(c, reqType, nil)
}

func (t *Tracker) OnDisconnectDone(comp dataconn.DisconnectCompletion) {
	c := t.context(comp.Context)
	if c == nil {
		return
	}
	if comp.Generation != 0 && comp.Generation != c.generation {
		t.log.Info(context.Background(), "stale disconnect completion", logging.String("type", c.typ.String()),
			logging.Int("generation", comp.Generation), logging.Int("current", c.generation))
		return
	}
	t.log.Info(context.Background(), "data disconnected", logging.String("type", c.typ.String()),
		logging.String("reason", comp.Reason))
	t.setState(c, StateIdle)

	if t.radioOff != radioOffNone && t.areAllDataDisconnected() {
		t.onAllDataDisconnected()
		return
	}

	switch {
	case t.ss.RegState == radio.RegInService && c.IsEnabled() && t.retryAfterDisconnected(c, comp.Reason):
		if t.isHandoverPending(c.typ) {
			t.startReconnect(c, 0, dataservice.RequestHandover, true)
		} else {
			t.startReconnect(c, t.carrier.RetryAfterDisconnect, dataservice.RequestNormal, true)
		}
	default:
		t.setConnection(c, nil)
		c.setting = nil
		if t.isSingleDataRAT() {
			t.setupDataOnAllConnectableApns(dataconn.ReasonSingleDataArbitrate, retryAlways)
		}
	}
	if t.areAllDataDisconnected() {
		t.onAllDataDisconnected()
	}
}

func (t *Tracker) retryAfterDisconnected(c *APNContext, reason string) bool {
	if reason == dataconn.ReasonRadioTurnedOff {
		return false
	}
	return !(t.isSingleDataRAT() && t.isHigherPriorityActive(c))
}

func (t *Tracker) onAllDataDisconnected() {
	t.stopDataStallAlarm()
	switch t.radioOff {
	case radioOffPending:
		t.radioOff = radioOffNone
		t.log.Info(context.Background(), "all data disconnected, powering radio off")
		t.modem.SetRadioPower(false)
	case radioRestartPending:
		t.radioOff = radioOffNone
		t.log.Info(context.Background(), "all data disconnected, restarting radio")
		t.modem.SetRadioPower(false)
		t.modem.SetRadioPower(true)
	}
}

func (t *Tracker) OnTrafficDescriptorsUpdated() {
	for _, c := range t.sorted {
		if c.typ == apn.TypeEnterprise && c.conn != nil && c.state == StateConnected {
			c.conn.ReevaluateProperties()
		}
	}
}

func (t *Tracker) OnNetworkValidation(conn *dataconn.Connection, status agent.ValidationStatus, redirect string) {
	if t.transport != radio.TransportWWAN || redirect != "" || !conn.CanHandleDefault() {
		return
	}
	t.processNetworkStatusChanged(status == agent.ValidationValid)
}

// cleanUpAllConnectionsInternal tears down every context the reason
// applies to. It reports whether any context was not already disconnected.
func (t *Tracker) cleanUpAllConnectionsInternal(detach bool, reason string) bool {
	meteredOnly := reason == ReasonDataSpecificDisabled || reason == ReasonRoamingOn ||
		reason == ReasonCarrierDisableMetered
	didDisconnect := false
	for _, c := range t.sorted {
		if reason == dataconn.ReasonSingleDataArbitrate && c.typ == apn.TypeIMS {
			continue
		}
		if !t.shouldCleanUp(c, reason, meteredOnly) {
			continue
		}
		if !c.IsDisconnected() {
			didDisconnect = true
		}
		c.reason = reason
		t.cleanUpConnectionInternal(c, detach, dataservice.ReleaseDetach)
	}
	t.stopDataStallAlarm()
	t.log.Info(context.Background(), "clean up all", logging.String("reason", reason), logging.Bool("detach", detach),
		logging.Bool("disconnected", didDisconnect))
	if t.areAllDataDisconnected() {
		t.onAllDataDisconnected()
	}
	return didDisconnect
}

func (t *Tracker) shouldCleanUp(c *APNContext, reason string, meteredOnly bool) bool {
	if c.setting != nil && reason == dataconn.ReasonSingleDataArbitrate {
		return true
	}
	if !meteredOnly {
		return true
	}
	onIWLAN := t.transport == radio.TransportWLAN
	if !t.carrier.Metered.IsMetered(c.setting, t.ss.Roaming, onIWLAN) {
		return false
	}
	cond := t.conditions()
	return !cond.DataEnabledFor(c.typ) || (t.ss.Roaming && !cond.DataRoamingEnabled)
}

// cleanUpConnectionInternal tears down c's connection. With detach the
// teardown goes through the data service; without it the connection is
// reset locally.
func (t *Tracker) cleanUpConnectionInternal(c *APNContext, detach bool, releaseType dataservice.ReleaseType) {
	bg := context.Background()
	t.cancelReconnect(c)
	if detach {
		switch {
		case c.IsDisconnected():
			t.setConnection(c, nil)
			c.setting = nil
		case c.state == StateRetrying:
			t.releaseDataConnection(c)
			c.setting = nil
		case c.conn != nil && c.state != StateDisconnecting:
			conn := c.conn
			cdmaDUN := c.typ == apn.TypeDUN && !t.ss.RAT.IsGSM()
			if (cdmaDUN || releaseType == dataservice.ReleaseHandover) && conn.IsActive() {
				t.log.Info(bg, "tear down all", logging.String("type", c.typ.String()), logging.String("conn", conn.Name()))
				conn.TearDownAll(c.reason, releaseType, nil)
			} else {
				t.log.Info(bg, "tear down", logging.String("type", c.typ.String()), logging.String("conn", conn.Name()))
				conn.TearDown(&dataconn.DisconnectParams{
					Context:     c,
					Reason:      c.reason,
					ReleaseType: releaseType,
					Generation:  c.generation,
				})
			}
			t.setState(c, StateDisconnecting)
		case c.conn == nil && c.state != StateDisconnecting:
			t.setState(c, StateIdle)
		}
	} else {
		if c.conn != nil {
			c.conn.Reset()
		}
		t.setConnection(c, nil)
		c.setting = nil
		t.setState(c, StateIdle)
	}
	t.sendHandoverCompleted(c.typ, false, false)
}

// controller.Listener

func (t *Tracker) CleanUpConnection(conn *dataconn.Connection, reason string) {
	t.log.Info(context.Background(), "connection cleanup requested", logging.String("conn", conn.Name()),
		logging.String("reason", reason))
	attached := false
	for _, c := range t.sorted {
		if c.conn == conn && (c.state == StateConnected || c.state == StateConnecting) {
			c.reason = reason
			t.setState(c, StateDisconnecting)
			attached = true
		}
	}
	if attached {
		conn.TearDownAll(reason, dataservice.ReleaseDetach, nil)
	}
}

func (t *Tracker) RestartRadio(cause dataservice.FailCause) {
	t.log.Warn(context.Background(), "radio restart requested by call list", logging.String("cause", cause.String()))
	t.restartRadio()
}

func (t *Tracker) PhysicalLinkStatusChanged(status dataservice.LinkStatus) {
	t.linkStatus = status
	t.log.Debug(context.Background(), "physical link status", logging.String("status", status.String()))
}

func (t *Tracker) TrafficDescriptorsChanged() { t.OnTrafficDescriptorsUpdated() }
