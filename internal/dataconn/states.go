package dataconn

import (
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/agent"
	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/carrier"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/throttle"
)

// setEnterConnect makes the next Inactive entry report a failed bring-up.
func (c *Connection) setEnterConnect(cp *ConnectParams, cause dataservice.FailCause, mode dataservice.HandoverFailureMode) {
	c.connParams = cp
	c.discParams = nil
	c.failCause = cause
	c.hoFailureMode = mode
}

// setEnterDisconnect makes the next Inactive entry report dp as done.
func (c *Connection) setEnterDisconnect(dp *DisconnectParams) {
	c.connParams = nil
	c.discParams = dp
	c.failCause = dataservice.CauseNone
}

// setEnterCause makes the next Inactive entry report cause to every context.
func (c *Connection) setEnterCause(cause dataservice.FailCause) {
	c.connParams = nil
	c.discParams = nil
	c.failCause = cause
}

func (c *Connection) processDefault(ev Event) {
	switch ev := ev.(type) {
	case evReset:
		switch {
		case c.connParams != nil && !c.connParams.notified:
			c.setEnterConnect(c.connParams, dataservice.CauseResetByFramework, dataservice.HandoverFailureUnknown)
		case c.discParams != nil && !c.discParams.notified:
			c.setEnterDisconnect(c.discParams)
		default:
			c.setEnterCause(dataservice.CauseResetByFramework)
		}
		c.transitionTo(StateInactive)
	case evConnect:
		c.log.Warn(c.ctx, "connect in unexpected state", logging.String("state", c.state.String()))
		c.notifyConnectCompleted(ev.cp, dataservice.CauseUnknown, dataservice.HandoverFailureUnknown, false)
	case evDisconnect, evDisconnectAll, evReevaluateRestricted:
		c.deferEvent(ev)
	case evTearDownNow:
		c.svc.DeactivateDataCall(c.cid, dataservice.ReasonNormal, nil)
	case evLostConnection:
		c.log.Debug(c.ctx, "lost connection ignored", logging.String("state", c.state.String()))
	case evRATChanged:
		c.regState = ev.regState
		c.updateTCPBufferSizes(ev.rat)
		if c.carrierConfig().BandwidthSource == carrier.BandwidthFromCarrierConfig {
			c.updateBandwidthsFromCarrier(ev.rat)
		}
		c.rat = ev.rat
	case evStartHandover:
		ev.done(dataservice.ResultErrorIllegalState, nil)
	case evStartHandoverOnTarget:
		c.requestHandover(false, ev.src, ev.rc, ev.snapshot, ev.cp)
	case evCancelHandover:
		c.log.Debug(c.ctx, "cancel handover ignored", logging.String("state", c.state.String()))
	case evPduReleased:
		if ev.err != nil {
			c.log.Warn(c.ctx, "release pdu session id failed", logging.Err(ev.err))
		}
		if ev.cont != nil {
			ev.cont()
		}
	case evPduAllocated:
		if ev.err != nil {
			c.log.Warn(c.ctx, "allocate pdu session id failed", logging.Err(ev.err))
			ev.cont(PduSessionIDNotSet)
			return
		}
		ev.cont(ev.id)
	case evKeepaliveStart:
		if c.agent != nil {
			c.agent.KeepaliveError(ev.slot, agent.KeepaliveErrorInvalidNetwork)
		}
	default:
		c.log.Debug(c.ctx, "event not handled", logging.String("event", ev.eventName()), logging.String("state", c.state.String()))
	}
}

// Inactive

func (c *Connection) enterInactive() {
	c.tag++
	c.endSetupSpan()

	if c.handoverState == HandoverBeingTransferred {
		c.handoverState = HandoverCompleted
	}
	if src := c.handoverSourceAgent; src != nil {
		if owner, ok := src.Owner().(*Connection); ok && owner != nil {
			c.log.Info(c.ctx, "handover failed, reverting source", logging.String("source", owner.Name()))
			owner.CancelHandover()
		} else {
			c.log.Info(c.ctx, "handover failed, releasing dangling agent", logging.String("agent", src.ID()))
			src.AcquireOwnership(c, c.transport)
			if err := src.Unregister(c); err != nil {
				c.log.Warn(c.ctx, "unregister dangling agent", logging.Err(err))
			}
			src.ReleaseOwnership(c)
		}
		c.handoverSourceAgent = nil
	}
	if c.agents != nil {
		for _, a := range c.agents.Dangling() {
			if a.Transport() == c.transport {
				c.log.Warn(c.ctx, "agent left without owner", logging.String("agent", a.ID()))
			}
		}
	}

	if c.connParams != nil {
		c.notifyConnectCompleted(c.connParams, c.failCause, c.hoFailureMode, true)
	}
	if c.discParams != nil {
		c.notifyDisconnectCompleted(c.discParams, true)
	}
	if c.connParams == nil && c.discParams == nil && c.failCause != dataservice.CauseNone {
		c.notifyAllDisconnectCompleted(c.failCause)
	}

	if c.registry != nil {
		c.registry.RemoveActive(c)
	}
	c.clearSettings()
}

func (c *Connection) processInactive(ev Event) bool {
	switch ev := ev.(type) {
	case evReset, evReevaluateRestricted:
		return true
	case evConnect:
		cp := ev.cp
		if !c.initConnection(cp) {
			c.notifyConnectCompleted(cp, dataservice.CauseUnacceptableNetworkParameter, dataservice.HandoverFailureUnknown, false)
			c.transitionTo(StateInactive)
			return true
		}
		if cause := c.connect(cp); cause != dataservice.CauseNone {
			c.log.Warn(c.ctx, "connect failed", logging.String("cause", cause.String()))
			c.notifyConnectCompleted(cp, cause, dataservice.HandoverFailureUnknown, false)
			c.transitionTo(StateInactive)
			return true
		}
		if c.subID == InvalidSubID {
			c.subID = cp.SubID
		}
		c.transitionTo(StateActivating)
		return true
	case evDisconnect:
		c.notifyDisconnectCompleted(ev.dp, false)
		return true
	case evDisconnectAll:
		c.notifyDisconnectCompleted(ev.dp, false)
		return true
	}
	return false
}

// initConnection validates cp against the profile and records the attempt.
func (c *Connection) initConnection(cp *ConnectParams) bool {
	if c.setting == nil {
		c.setting = cp.Profile
	}
	t := cp.Context.APNType()
	if c.setting == nil {
		c.log.Warn(c.ctx, "connect without a profile", logging.String("type", t.String()))
		return false
	}
	// Enterprise rides on the default profile but is attached as its own purpose.
	if t != apn.TypeEnterprise && !c.setting.CanHandleType(t) {
		c.log.Warn(c.ctx, "profile cannot handle purpose",
			logging.String("type", t.String()), logging.String("apn", c.setting.String()))
		return false
	}
	c.tag++
	cp.tag = c.tag
	c.connParams = cp
	c.attach(cp)
	return true
}

// Activating

func (c *Connection) enterActivating() {
	c.handoverState = HandoverIdle
	c.restrictedOverride = c.shouldRestrictNetwork()
	c.setupStart = c.h.Now()
	c.startSetupSpan()
}

func (c *Connection) processActivating(ev Event) bool {
	switch ev := ev.(type) {
	case evRATChanged, evConnect:
		c.deferEvent(ev)
		return true
	case evSetupDone:
		c.handleSetupDone(ev)
		return true
	case evAdminUIDsChanged:
		c.adminUIDs = ev.uids
		return true
	case evStartHandoverOnTarget:
		c.requestHandover(true, ev.src, ev.rc, ev.snapshot, ev.cp)
		return true
	case evCancelHandover:
		c.transitionTo(StateInactive)
		return true
	}
	return false
}

func (c *Connection) handleSetupDone(ev evSetupDone) {
	cp := ev.cp
	result, cause := c.onSetupConnectionCompleted(ev.rc, ev.resp, cp)
	if result != SetupErrorStale && c.connParams != cp {
		c.log.Error(c.ctx, "setup completion for unexpected params",
			logging.String("expected", c.connParams.String()), logging.String("got", cp.String()))
	}
	t := cp.Context.APNType()
	c.log.Info(c.ctx, "setup completed",
		logging.String("result", result.String()), logging.String("rc", ev.rc.String()),
		logging.String("resp", ev.resp.String()))

	switch result {
	case SetupSuccess:
		c.failCause = dataservice.CauseNone
		c.transitionTo(StateActive)
	case SetupErrorRadioNotAvailable:
		c.setEnterConnect(cp, cause, dataservice.HandoverFailureUnknown)
		c.transitionTo(StateInactive)
	case SetupErrorDuplicateCID:
		if thr := c.throttler(); thr != nil {
			thr.SetRetryTime(t, throttle.NoRetry, dataservice.RequestNormal)
		}
		c.setEnterConnect(cp, cause, dataservice.HandoverFailureUnknown)
		c.transitionTo(StateInactive)
	case SetupErrorNoDefaultConnection:
		c.tearDownData(cp)
		c.transitionTo(StateDisconnectingErrorCreatingConnection)
	case SetupErrorInvalidArg:
		c.tearDownData(cp)
		c.transitionTo(StateDisconnectingErrorCreatingConnection)
	case SetupErrorDataServiceSpecific:
		delay := dataservice.RetryNone
		mode := dataservice.HandoverFailureUnknown
		if ev.resp != nil {
			delay = ev.resp.RetryDuration
			mode = ev.resp.HandoverFailureMode
		}
		retry := throttle.FromSuggestion(c.h.Now(), delay)
		retryType := dataservice.RetryRequestType(mode, cp.RequestType, cause)
		if thr := c.throttler(); thr != nil {
			thr.SetRetryTime(c.apnTypeBitmask(), retry, retryType)
		}
		c.log.Info(c.ctx, "data service specific failure",
			logging.String("cause", cause.String()), logging.String("retry", retry.String()),
			logging.String("retry_type", retryType.String()))
		c.setEnterConnect(cp, cause, mode)
		c.transitionTo(StateInactive)
	case SetupErrorStale:
		c.log.Info(c.ctx, "stale setup completion", logging.Int("tag", cp.tag), logging.Int("current", c.tag))
		return
	}
	c.observer.SetupFinished(c, t, result, cause, c.h.Now().Sub(c.setupStart))
	c.finishSetupSpan(result, cause)
}

// Active

func (c *Connection) enterActive() {
	if c.createTime.IsZero() {
		c.createTime = c.h.Now()
	}
	c.notifyAllSetupComplete()
	if c.registry != nil {
		c.registry.AddActive(c)
	}
	c.updateTCPBufferSizes(c.rat)
	if c.carrierConfig().BandwidthSource == carrier.BandwidthFromCarrierConfig {
		c.updateBandwidthsFromCarrier(c.rat)
	}
	c.unmeteredOnly = c.isUnmeteredUseOnly()
	c.mmsOnly = c.isMmsUseOnly()
	c.enterprise = c.isEnterpriseUse()
	c.log.Info(c.ctx, "connection active",
		logging.Int("cid", c.cid), logging.Bool("restricted", c.restrictedOverride),
		logging.Bool("unmetered_only", c.unmeteredOnly), logging.Bool("mms_only", c.mmsOnly),
		logging.Bool("enterprise", c.enterprise))

	if c.connParams != nil && c.connParams.RequestType == dataservice.RequestHandover {
		if !c.adoptHandoverAgent() {
			return
		}
	} else {
		c.score = c.calculateScore()
		c.disabledTypes |= c.carrierConfig().Disallowed(c.transport)
		c.updateHTTPProxy()
		if !c.createAgent() {
			return
		}
		c.send(evSuspendInputsChanged{reason: "active"})
	}
	c.syncQosToAgent()
}

func (c *Connection) exitActive() {
	if c.agent != nil {
		c.syncQosToAgent()
		if c.handoverState == HandoverIdle {
			if err := c.agent.Unregister(c); err != nil {
				c.log.Warn(c.ctx, "unregister agent", logging.Err(err))
			}
		}
		c.agent.ReleaseOwnership(c)
	}
	c.agent = nil
}

func (c *Connection) processActive(ev Event) bool {
	switch ev := ev.(type) {
	case evConnect:
		c.attach(ev.cp)
		c.disabledTypes &^= ev.cp.Context.APNType()
		c.sendCapabilities()
		c.notifyConnectCompleted(ev.cp, dataservice.CauseNone, dataservice.HandoverFailureUnknown, false)
	case evDisconnect:
		dp := ev.dp
		switch {
		case c.IsAttached(dp.Context) && (len(c.attached) == 1 || dp.ReleaseType == dataservice.ReleaseHandover):
			if dp.ReleaseType != dataservice.ReleaseHandover {
				c.attached = nil
			}
			c.beginTeardown(dp)
		case c.IsAttached(dp.Context):
			c.detach(dp.Context)
			c.disabledTypes |= dp.Context.APNType()
			c.sendCapabilities()
			c.notifyDisconnectCompleted(dp, false)
		default:
			c.log.Warn(c.ctx, "disconnect for a context not attached", logging.String("dp", dp.String()))
			c.notifyDisconnectCompleted(dp, false)
		}
	case evDisconnectAll:
		c.beginTeardown(ev.dp)
	case evLostConnection:
		if ev.tag >= 0 && ev.tag != c.tag {
			c.log.Info(c.ctx, "stale lost connection", logging.Int("tag", ev.tag), logging.Int("current", c.tag))
			return true
		}
		c.setEnterCause(dataservice.CauseLostConnection)
		c.transitionTo(StateInactive)
	case evRATChanged:
		c.regState = ev.regState
		c.updateTCPBufferSizes(ev.rat)
		if c.carrierConfig().BandwidthSource == carrier.BandwidthFromCarrierConfig {
			c.updateBandwidthsFromCarrier(ev.rat)
		}
		c.rat = ev.rat
		c.updateSuspendState()
		if c.agent != nil {
			c.logAgentErr("subtype", c.agent.UpdateLegacySubtype(c, c.rat))
			c.sendCapabilities()
			c.sendLinkProperties()
		}
	case evNRFrequencyChanged, evBandwidthTableChanged:
		if c.carrierConfig().BandwidthSource == carrier.BandwidthFromCarrierConfig {
			c.updateBandwidthsFromCarrier(c.rat)
		}
		c.sendCapabilities()
	case evMeteredOverride:
		if ev.metered == c.unmeteredOverride {
			return true
		}
		c.unmeteredOverride = ev.metered
		c.updateSubtypeAndCapabilities()
	case evCongestedOverride:
		if ev.congested == c.congestedOverride {
			return true
		}
		c.congestedOverride = ev.congested
		c.updateSubtypeAndCapabilities()
	case evRoamChanged:
		c.updateSubtypeAndCapabilities()
	case evSuspendInputsChanged:
		c.updateSuspendState()
		c.sendCapabilities()
	case evLinkCapacity:
		if c.carrierConfig().BandwidthSource == carrier.BandwidthFromModem {
			c.updateBandwidthsFromModem(ev.lc)
		}
	case evBandwidthEstimate:
		if c.carrierConfig().BandwidthSource == carrier.BandwidthFromEstimator {
			c.updateBandwidthsFromEstimator(ev.downKbps, ev.upKbps)
		}
	case evKeepaliveStart:
		c.startKeepalive(ev)
	case evKeepaliveStop:
		c.stopKeepalive(ev.slot)
	case evKeepaliveStarted:
		c.keepaliveStarted(ev)
	case evKeepaliveStatus:
		if c.agent != nil {
			c.agent.KeepaliveStatus(ev.status)
		}
	case evKeepaliveStopped:
		c.keepaliveStopped(ev)
	case evReevaluateRestricted:
		// Restrictions only relax while active; the stack treats NOT_RESTRICTED
		// and the metered purpose capabilities as immutable.
		if c.restrictedOverride && !c.shouldRestrictNetwork() {
			c.log.Info(c.ctx, "connection no longer restricted")
			c.restrictedOverride = false
			c.sendCapabilities()
		}
		if c.unmeteredOnly && !c.isUnmeteredUseOnly() {
			c.unmeteredOnly = false
			c.sendCapabilities()
		}
		c.mmsOnly = c.isMmsUseOnly()
	case evReevaluateProperties:
		c.updateScore()
	case evNRStateChanged:
		c.updateTCPBufferSizes(c.rat)
		if c.carrierConfig().BandwidthSource == carrier.BandwidthFromCarrierConfig {
			c.updateBandwidthsFromCarrier(c.rat)
		}
		c.sendLinkProperties()
		c.sendCapabilities()
	case evAdminUIDsChanged:
		c.adminUIDs = ev.uids
		c.sendCapabilities()
	case evStartHandover:
		c.startHandover(ev.done)
	case evUnwanted:
		c.log.Info(c.ctx, "network unwanted by the stack")
		c.tearDownAllInline(ReasonReleasedByStack, dataservice.ReleaseDetach)
	case evBandwidthRequest:
		switch c.carrierConfig().BandwidthSource {
		case carrier.BandwidthFromModem:
			// The modem reports on its own schedule.
		case carrier.BandwidthFromCarrierConfig:
			c.updateBandwidthsFromCarrier(c.rat)
			c.sendCapabilities()
		}
	case evNetworkPolicyChanged:
		if c.applyNetworkPolicy().Teardown {
			c.tearDownAllInline(ReasonVCNTeardown, dataservice.ReleaseDetach)
		}
	case evQosChanged:
		c.defaultQos = ev.defaultQos
		c.qosSessions = ev.sessions
		c.syncQosToAgent()
	default:
		return false
	}
	return true
}

// beginTeardown releases the whole call for dp and moves to Disconnecting.
func (c *Connection) beginTeardown(dp *DisconnectParams) {
	c.discParams = dp
	c.connParams = nil
	dp.tag = c.tag
	c.tearDownData(dp)
	c.transitionTo(StateDisconnecting)
}

// tearDownAllInline queues a full teardown behind the current event.
func (c *Connection) tearDownAllInline(reason string, release dataservice.ReleaseType) {
	c.send(evDisconnectAll{dp: &DisconnectParams{Reason: reason, ReleaseType: release}})
}

func (c *Connection) updateSubtypeAndCapabilities() {
	if c.agent == nil {
		return
	}
	c.logAgentErr("subtype", c.agent.UpdateLegacySubtype(c, c.rat))
	c.sendCapabilities()
}

// Disconnecting

func (c *Connection) processDisconnecting(ev Event) bool {
	switch ev := ev.(type) {
	case evConnect:
		c.deferEvent(ev)
		return true
	case evDeactivateDone:
		c.defaultQos, c.qosSessions = nil, nil
		if ev.tag != c.tag {
			c.log.Info(c.ctx, "stale deactivate completion", logging.Int("tag", ev.tag), logging.Int("current", c.tag))
			return true
		}
		c.setEnterDisconnect(c.discParams)
		c.transitionTo(StateInactive)
		return true
	}
	return false
}

func (c *Connection) processDisconnectingErrorCreatingConnection(ev Event) bool {
	ev2, ok := ev.(evDeactivateDone)
	if !ok {
		return false
	}
	cp := c.connParams
	if cp == nil || ev2.tag != cp.tag {
		c.log.Info(c.ctx, "stale deactivate completion", logging.Int("tag", ev2.tag), logging.Int("current", c.tag))
		return true
	}
	c.setEnterConnect(cp, dataservice.CauseUnacceptableNetworkParameter, dataservice.HandoverFailureUnknown)
	c.transitionTo(StateInactive)
	return true
}

// clearSettings returns the connection to its reusable blank state. The
// notification params survive so a later Inactive entry can still see them.
func (c *Connection) clearSettings() {
	if c.ifaces != nil && c.lp != nil && c.lp.InterfaceName != "" {
		c.ifaces.Release(c.lp.InterfaceName, c.id)
	}
	c.createTime = time.Time{}
	c.lastFail = dataservice.CauseNone
	c.lastFailAt = time.Time{}
	c.cid = InvalidCID
	c.pduID = PduSessionIDNotSet
	c.allocatedPdu = false
	c.pcscf = nil
	c.lp = &netcap.LinkProperties{}
	c.attached = nil
	c.setting = nil
	c.unmeteredOnly = false
	c.mmsOnly = false
	c.enterprise = false
	c.restrictedOverride = false
	c.failCause = dataservice.CauseNone
	c.disabledTypes = apn.TypeNone
	c.subID = InvalidSubID
	c.congestedOverride = false
	c.unmeteredOverride = false
	c.downlinkKbps = carrier.FallbackBandwidth.DownlinkKbps
	c.uplinkKbps = carrier.FallbackBandwidth.UplinkKbps
	c.suspended = false
	c.handoverState = HandoverIdle
	c.hoFailureMode = dataservice.HandoverFailureUnknown
	c.slice = nil
	c.defaultQos = nil
	c.qosSessions = nil
	c.tds = nil
}

func (c *Connection) throttler() *throttle.Throttler {
	if c.env == nil {
		return nil
	}
	return c.env.Throttler()
}
