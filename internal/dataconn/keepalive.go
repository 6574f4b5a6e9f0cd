package dataconn

import (
	"github.com/signalsfoundry/cellular-data-manager/internal/agent"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// NAT-T keepalives are only offloaded on the cellular transport, where the
// modem command channel owns the call.
func (c *Connection) startKeepalive(ev evKeepaliveStart) {
	if c.agent == nil {
		return
	}
	if c.transport != radio.TransportWWAN || c.modem == nil {
		c.agent.KeepaliveError(ev.slot, agent.KeepaliveErrorInvalidNetwork)
		return
	}
	slot := ev.slot
	c.modem.StartNattKeepalive(c.cid, ev.pkt, ev.interval, func(status dataservice.KeepaliveStatus) {
		c.send(evKeepaliveStarted{slot: slot, status: status})
	})
}

func (c *Connection) stopKeepalive(slot int) {
	if c.agent == nil {
		return
	}
	handle, ok := c.agent.KeepaliveHandle(slot)
	if !ok {
		c.log.Warn(c.ctx, "no keepalive in slot", logging.Int("slot", slot))
		c.agent.KeepaliveError(slot, agent.KeepaliveErrorNoSuchSlot)
		return
	}
	if c.modem == nil {
		return
	}
	c.modem.StopNattKeepalive(handle, func(status dataservice.KeepaliveStatus) {
		c.send(evKeepaliveStopped{slot: slot, status: status})
	})
}

func (c *Connection) keepaliveStarted(ev evKeepaliveStarted) {
	c.log.Debug(c.ctx, "keepalive started",
		logging.Int("slot", ev.slot), logging.Int("handle", ev.status.SessionHandle), logging.Err(ev.status.Err))
	if c.agent != nil {
		c.agent.KeepaliveStarted(ev.slot, ev.status)
	}
}

// keepaliveStopped only logs; the modem reports the inactive status
// separately.
func (c *Connection) keepaliveStopped(ev evKeepaliveStopped) {
	if ev.status.Err != nil {
		c.log.Warn(c.ctx, "stop keepalive failed", logging.Int("slot", ev.slot), logging.Err(ev.status.Err))
		return
	}
	c.log.Debug(c.ctx, "keepalive stopped", logging.Int("slot", ev.slot), logging.Int("handle", ev.status.SessionHandle))
}
