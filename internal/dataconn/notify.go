package dataconn

import (
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
)

// Every completion below is posted, never delivered inline, and each params
// value is reported at most once.

// notifyConnectCompleted reports cp's outcome to its requester and, with
// sendAll, the same failure to every other attached context.
func (c *Connection) notifyConnectCompleted(cp *ConnectParams, cause dataservice.FailCause, mode dataservice.HandoverFailureMode, sendAll bool) {
	var alreadySent RequestContext
	if cp != nil && !cp.notified {
		cp.notified = true
		alreadySent = cp.Context
		now := c.h.Now()
		comp := SetupCompletion{
			Conn:                c,
			Context:             cp.Context,
			Generation:          cp.Generation,
			RequestType:         cp.RequestType,
			HandoverFailureMode: mode,
			Cause:               cause,
		}
		if cause == dataservice.CauseNone {
			c.createTime = now
			comp.Reason = ReasonConnected
			c.postSetupComplete(comp)
		} else {
			c.lastFail = cause
			c.lastFailAt = now
			comp.Reason = cause.String()
			c.postSetupError(comp)
		}
	}
	if !sendAll {
		return
	}
	for _, a := range c.attached {
		if a.ctx == alreadySent || a.cp == nil || a.cp.notified {
			continue
		}
		a.cp.notified = true
		c.postSetupError(SetupCompletion{
			Conn:                c,
			Context:             a.ctx,
			Generation:          a.cp.Generation,
			RequestType:         a.cp.RequestType,
			HandoverFailureMode: dataservice.HandoverFailureUnknown,
			Cause:               cause,
			Reason:              cause.String(),
		})
	}
}

// notifyAllSetupComplete reports success to every attached context still
// waiting for its bring-up.
func (c *Connection) notifyAllSetupComplete() {
	for _, a := range c.attached {
		if a.cp == nil || a.cp.notified {
			continue
		}
		a.cp.notified = true
		c.postSetupComplete(SetupCompletion{
			Conn:        c,
			Context:     a.ctx,
			Generation:  a.cp.Generation,
			RequestType: a.cp.RequestType,
			Cause:       dataservice.CauseNone,
			Reason:      ReasonConnected,
		})
	}
}

// notifyDisconnectCompleted reports dp as done and, with sendAll, a
// disconnect to every other attached context.
func (c *Connection) notifyDisconnectCompleted(dp *DisconnectParams, sendAll bool) {
	var alreadySent RequestContext
	reason := ""
	if dp != nil && !dp.notified {
		dp.notified = true
		alreadySent = dp.Context
		reason = dp.Reason
		comp := DisconnectCompletion{Conn: c, Context: dp.Context, Generation: dp.Generation, Reason: dp.Reason}
		switch {
		case dp.OnComplete != nil:
			done := dp.OnComplete
			c.h.Post(func() { done(comp) })
		case dp.Context != nil:
			c.postDisconnectDone(comp)
		}
	}
	if !sendAll {
		return
	}
	if reason == "" {
		reason = c.failCause.String()
	}
	c.notifyAllDisconnected(alreadySent, reason)
}

// notifyAllDisconnectCompleted reports cause to every attached context.
func (c *Connection) notifyAllDisconnectCompleted(cause dataservice.FailCause) {
	c.notifyAllDisconnected(nil, cause.String())
}

func (c *Connection) notifyAllDisconnected(skip RequestContext, reason string) {
	for _, a := range c.attached {
		if a.ctx == skip {
			continue
		}
		gen := 0
		if a.cp != nil {
			gen = a.cp.Generation
		}
		c.postDisconnectDone(DisconnectCompletion{Conn: c, Context: a.ctx, Generation: gen, Reason: reason})
	}
}

func (c *Connection) postSetupComplete(comp SetupCompletion) {
	c.log.Debug(c.ctx, "setup complete", logging.String("type", comp.Context.APNType().String()))
	if c.listener != nil {
		c.h.Post(func() { c.listener.OnSetupComplete(comp) })
	}
}

func (c *Connection) postSetupError(comp SetupCompletion) {
	c.log.Debug(c.ctx, "setup error",
		logging.String("type", comp.Context.APNType().String()), logging.String("cause", comp.Cause.String()))
	if c.listener != nil {
		c.h.Post(func() { c.listener.OnSetupCompleteError(comp) })
	}
}

func (c *Connection) postDisconnectDone(comp DisconnectCompletion) {
	c.log.Debug(c.ctx, "disconnect done",
		logging.String("type", comp.Context.APNType().String()), logging.String("reason", comp.Reason))
	if c.listener != nil {
		c.h.Post(func() { c.listener.OnDisconnectDone(comp) })
	}
}
