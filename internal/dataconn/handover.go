package dataconn

import (
	"github.com/signalsfoundry/cellular-data-manager/internal/agent"
	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
)

// handoverSnapshot is what a source hands its target once the data service
// answered the start request. It is captured on the source's handler.
type handoverSnapshot struct {
	agent *agent.Agent
	lp    *netcap.LinkProperties
	pduID int
	slice *dataservice.SliceInfo
}

func ownerConnection(a *agent.Agent) *Connection {
	if a == nil {
		return nil
	}
	owner, _ := a.Owner().(*Connection)
	return owner
}

// requestSourceHandover asks c, as the source of a migration, to start
// handing over its call. done runs on c's handler with a nil snapshot when
// c is not active.
func (c *Connection) requestSourceHandover(done func(dataservice.ResultCode, *handoverSnapshot)) {
	c.send(evStartHandover{done: done})
}

// startHandover marks the call as being transferred and asks the data
// service to keep it alive across the migration.
func (c *Connection) startHandover(done func(dataservice.ResultCode, *handoverSnapshot)) {
	c.log.Info(c.ctx, "starting handover as source", logging.Int("cid", c.cid))
	c.handoverState = HandoverBeingTransferred
	c.svc.StartHandover(c.cid, func(rc dataservice.ResultCode) {
		c.h.Post(func() {
			c.log.Info(c.ctx, "start handover answered", logging.String("rc", rc.String()))
			if !rc.HandoverAccepted() {
				c.handoverState = HandoverIdle
			}
			done(rc, &handoverSnapshot{agent: c.agent, lp: c.lp.Clone(), pduID: c.pduID, slice: c.slice})
		})
	})
}

// cancelHandover reverts a source whose target failed.
func (c *Connection) cancelHandover() {
	if c.handoverState != HandoverBeingTransferred {
		c.log.Info(c.ctx, "cancel handover in unexpected handover state",
			logging.String("handover_state", c.handoverState.String()))
	}
	c.svc.CancelHandover(c.cid, func(rc dataservice.ResultCode) {
		if rc != dataservice.ResultSuccess {
			c.log.Warn(c.ctx, "cancel handover rejected", logging.String("rc", rc.String()))
		}
	})
	c.handoverState = HandoverIdle
}

// setHandoverCompleted runs on the source once the target adopted its agent.
func (c *Connection) setHandoverCompleted() {
	c.h.Post(func() {
		c.log.Info(c.ctx, "handover completed", logging.String("previous", c.handoverState.String()))
		c.handoverState = HandoverCompleted
	})
}

// requestHandover continues a handover bring-up on the target once the
// source answered. inCorrectState is false when the target already left
// Activating.
func (c *Connection) requestHandover(inCorrectState bool, src *Connection, rc dataservice.ResultCode, snap *handoverSnapshot, cp *ConnectParams) {
	fail := func(msg string) {
		c.log.Warn(c.ctx, msg, logging.String("rc", rc.String()), logging.String("state", c.state.String()))
		c.send(evCancelHandover{})
		c.notifyConnectCompleted(cp, dataservice.CauseUnknown, dataservice.HandoverFailureUnknown, false)
	}

	if !inCorrectState {
		if rc.HandoverAccepted() && src != nil {
			src.CancelHandover()
		}
		fail("handover target left activating")
		return
	}
	if !rc.HandoverAccepted() {
		fail("source refused handover")
		return
	}
	if src == nil || snap == nil {
		fail("handover source disappeared")
		return
	}
	c.handoverSourceAgent = snap.agent
	if c.handoverSourceAgent == nil {
		fail("handover source has no agent")
		return
	}
	if snap.lp == nil || len(snap.lp.Addresses) == 0 {
		fail("handover source has no addresses")
		return
	}

	req := c.setupRequest(cp)
	req.Reason = dataservice.ReasonHandover
	req.LinkProperties = snap.lp
	req.PduSessionID = snap.pduID
	req.SliceInfo = snap.slice
	req.TrafficDescriptor = &apn.TrafficDescriptor{DNN: c.setting.APN}
	req.MatchAllRuleAllowed = true
	c.log.Info(c.ctx, "handover setup", logging.String("source", src.Name()), logging.Int("pdu_session_id", snap.pduID))
	c.svc.SetupDataCall(req, func(rc dataservice.ResultCode, resp *dataservice.DataCallResponse) {
		c.send(evSetupDone{cp: cp, rc: rc, resp: resp})
	})
}

// adoptHandoverAgent takes over the source's agent on a handover
// activation. It reports false when there was nothing to adopt.
func (c *Connection) adoptHandoverAgent() bool {
	t := c.connParams.Context.APNType()
	if c.env != nil {
		if src := c.env.HandoverSource(t); src != nil {
			src.setHandoverCompleted()
		}
	}
	a := c.handoverSourceAgent
	if a == nil {
		c.log.Error(c.ctx, "no agent to adopt from handover source")
		c.observer.HandoverFinished(c, t, false)
		return false
	}
	c.log.Info(c.ctx, "adopting agent from handover source", logging.String("agent", a.ID()))
	c.agent = a
	a.AcquireOwnership(c, c.transport)
	c.logAgentErr("subtype", a.UpdateLegacySubtype(c, c.rat))
	c.sendCapabilities()
	c.sendLinkProperties()
	c.handoverSourceAgent = nil
	c.observer.HandoverFinished(c, t, true)
	return true
}
