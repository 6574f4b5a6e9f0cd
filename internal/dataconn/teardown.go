package dataconn

import (
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// tearDownData deactivates the call. params is the *ConnectParams of a
// failed bring-up or the *DisconnectParams of a release; the completion
// arrives as evDeactivateDone tagged with the generation current when the
// request is sent.
func (c *Connection) tearDownData(params any) {
	reason := dataservice.ReasonNormal
	if dp, ok := params.(*DisconnectParams); ok {
		switch {
		case dp.Reason == ReasonRadioTurnedOff || dp.Reason == ReasonPDPReset:
			reason = dataservice.ReasonShutdown
		case dp.ReleaseType == dataservice.ReleaseHandover:
			reason = dataservice.ReasonHandover
		}
	}
	c.log.Info(c.ctx, "tearing down call", logging.Int("cid", c.cid), logging.String("reason", reason.String()))

	c.releasePduSessionID(func() {
		c.pduID = PduSessionIDNotSet
		tag := c.tag
		c.svc.DeactivateDataCall(c.cid, reason, func(rc dataservice.ResultCode) {
			c.send(evDeactivateDone{tag: tag, rc: rc})
		})
	})
}

// releasePduSessionID returns a self-allocated session id to the modem
// before cont runs. A handover keeps the id for the target.
func (c *Connection) releasePduSessionID(cont func()) {
	if c.modem == nil || !c.allocatedPdu || c.transport != radio.TransportWLAN ||
		c.handoverState != HandoverIdle || c.pduID == PduSessionIDNotSet {
		cont()
		return
	}
	c.modem.ReleasePduSessionID(c.pduID, func(err error) {
		c.send(evPduReleased{err: err, cont: cont})
	})
}
