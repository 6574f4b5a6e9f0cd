package dataconn

import (
	"github.com/signalsfoundry/cellular-data-manager/internal/carrier"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

func (c *Connection) updateTCPBufferSizes(rat radio.RAT) {
	ss := c.serviceState()
	nr := c.transport == radio.TransportWWAN && ss.NRConnected()
	sizes := c.carrierConfig().TCPBufferSizes(rat, ss.CarrierAggregation, nr)
	if c.lp.TCPBufferSizes != sizes {
		c.log.Debug(c.ctx, "tcp buffer sizes", logging.String("rat", rat.String()), logging.String("sizes", sizes))
	}
	c.lp.TCPBufferSizes = sizes
}

func (c *Connection) bandwidthFromTable(rat radio.RAT) (carrier.Bandwidth, bool) {
	ss := c.serviceState()
	return c.carrierConfig().LookupBandwidth(carrier.BandwidthKey(rat, ss.NRConnected(), ss.NRFrequency))
}

func (c *Connection) updateBandwidthsFromCarrier(rat radio.RAT) {
	bw, ok := c.bandwidthFromTable(rat)
	if !ok {
		bw = carrier.FallbackBandwidth
	}
	c.downlinkKbps = bw.DownlinkKbps
	c.uplinkKbps = bw.UplinkKbps
}

// updateBandwidthsFromModem applies a modem estimate. Invalid directions
// fall back to the carrier table.
func (c *Connection) updateBandwidthsFromModem(lc dataservice.LinkCapacity) {
	down, up := lc.DownlinkKbps >= 0, lc.UplinkKbps >= 0
	if down {
		c.downlinkKbps = lc.DownlinkKbps
	}
	if up {
		c.uplinkKbps = lc.UplinkKbps
	}
	c.fallBackToCarrierBandwidth(down, up)
	c.sendCapabilities()
}

func (c *Connection) updateBandwidthsFromEstimator(downKbps, upKbps int) {
	down, up := downKbps > 0, upKbps > 0
	if down {
		c.downlinkKbps = downKbps
	}
	if up {
		c.uplinkKbps = upKbps
	}
	c.fallBackToCarrierBandwidth(down, up)
	c.sendCapabilities()
}

func (c *Connection) fallBackToCarrierBandwidth(downUpdated, upUpdated bool) {
	if downUpdated && upUpdated {
		return
	}
	bw, ok := c.bandwidthFromTable(c.rat)
	if !ok {
		return
	}
	if !downUpdated {
		c.downlinkKbps = bw.DownlinkKbps
	}
	if !upUpdated {
		c.uplinkKbps = bw.UplinkKbps
	}
}
