package dataconn

import (
	"net/netip"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

const (
	nullIP           = "0.0.0.0"
	defaultProxyPort = 8080
)

var errNoUsableDNS = errors.New("no dns in response and no usable system dns")

// connect issues the bring-up for cp. A non-NONE cause means the request was
// never sent.
func (c *Connection) connect(cp *ConnectParams) dataservice.FailCause {
	c.log.Info(c.ctx, "connect",
		logging.String("apn", c.setting.APN), logging.String("type", cp.Context.APNType().String()),
		logging.String("request_type", cp.RequestType.String()))

	if c.failBringUp.Counter > 0 {
		resp := &dataservice.DataCallResponse{
			Cause:         c.failBringUp.Cause,
			RetryDuration: c.failBringUp.RetryAfter,
			ID:            InvalidCID,
		}
		c.failBringUp.Counter--
		c.log.Info(c.ctx, "injecting bring-up failure",
			logging.String("cause", resp.Cause.String()), logging.Int("remaining", c.failBringUp.Counter))
		c.send(evSetupDone{cp: cp, rc: dataservice.ResultSuccess, resp: resp})
		return dataservice.CauseNone
	}

	c.createTime = time.Time{}
	c.lastFail = dataservice.CauseNone
	c.lastFailAt = time.Time{}

	if cp.RequestType == dataservice.RequestHandover {
		var src *Connection
		if c.env != nil {
			src = c.env.HandoverSource(cp.Context.APNType())
		}
		if src == nil {
			c.log.Warn(c.ctx, "no source connection for handover", logging.String("type", cp.Context.APNType().String()))
			return dataservice.CauseHandoverFailed
		}
		c.log.Info(c.ctx, "requesting handover", logging.String("source", src.Name()))
		src.requestSourceHandover(func(rc dataservice.ResultCode, snap *handoverSnapshot) {
			c.send(evStartHandoverOnTarget{src: src, rc: rc, snapshot: snap, cp: cp})
		})
		return dataservice.CauseNone
	}

	req := c.setupRequest(cp)
	c.allocatedPdu = c.transport == radio.TransportWLAN && c.handoverState == HandoverIdle
	c.allocatePduSessionID(func(id int) {
		c.pduID = id
		req.PduSessionID = id
		c.svc.SetupDataCall(req, func(rc dataservice.ResultCode, resp *dataservice.DataCallResponse) {
			c.send(evSetupDone{cp: cp, rc: rc, resp: resp})
		})
	})
	return dataservice.CauseNone
}

// setupRequest builds the request shared by normal and handover bring-ups.
func (c *Connection) setupRequest(cp *ConnectParams) dataservice.SetupRequest {
	ss := c.serviceState()
	t := cp.Context.APNType()
	metered := c.carrierConfig().Metered
	unmeteredType := !metered.IsMeteredType(t, ss.Roaming, c.transport == radio.TransportWLAN)
	dataRoaming := c.env != nil && c.env.DataRoamingEnabled()
	// The modem decides protocol by its own roaming view, so a framework
	// roaming override must still let it attach.
	allowRoaming := dataRoaming || (ss.ModemRoaming && (!ss.Roaming || unmeteredType))

	var td apn.TrafficDescriptor
	if t == apn.TypeEnterprise {
		td.OSAppID = apn.EnterpriseOSAppID()
	} else {
		td.DNN = c.setting.APN
	}
	c.log.Debug(c.ctx, "setup request",
		logging.Bool("allow_roaming", allowRoaming), logging.Bool("modem_roaming", ss.ModemRoaming),
		logging.Bool("roaming", ss.Roaming), logging.Bool("unmetered_type", unmeteredType))

	return dataservice.SetupRequest{
		AccessNetwork:       cp.RAT.AccessNetwork(),
		Profile:             dataservice.NewDataProfile(c.setting, cp.Preferred),
		IsRoaming:           ss.ModemRoaming,
		AllowRoaming:        allowRoaming,
		Reason:              dataservice.ReasonNormal,
		PduSessionID:        PduSessionIDNotSet,
		TrafficDescriptor:   &td,
		MatchAllRuleAllowed: len(td.OSAppID) == 0,
	}
}

func (c *Connection) allocatePduSessionID(cont func(id int)) {
	if !c.allocatedPdu || c.modem == nil {
		cont(PduSessionIDNotSet)
		return
	}
	c.modem.AllocatePduSessionID(func(id int, err error) {
		c.send(evPduAllocated{id: id, err: err, cont: cont})
	})
}

// onSetupConnectionCompleted classifies a setup completion and, on success,
// adopts the call.
func (c *Connection) onSetupConnectionCompleted(rc dataservice.ResultCode, resp *dataservice.DataCallResponse, cp *ConnectParams) (SetupResult, dataservice.FailCause) {
	switch {
	case cp.tag != c.tag:
		return SetupErrorStale, dataservice.CauseNone
	case rc == dataservice.ResultErrorIllegalState:
		return SetupErrorRadioNotAvailable, dataservice.CauseRadioNotAvailable
	case rc == dataservice.ResultErrorTemporarilyUnavailable:
		return SetupErrorDataServiceSpecific, dataservice.CauseServiceTemporarilyUnavailable
	case rc == dataservice.ResultErrorInvalidArg:
		return SetupErrorInvalidArg, dataservice.CauseUnacceptableNetworkParameter
	case resp == nil:
		return SetupErrorDataServiceSpecific, dataservice.CauseErrorUnspecified
	case resp.Cause != dataservice.CauseNone:
		if resp.Cause == dataservice.CauseRadioNotAvailable {
			return SetupErrorRadioNotAvailable, dataservice.CauseRadioNotAvailable
		}
		return SetupErrorDataServiceSpecific, resp.Cause
	}

	t := cp.Context.APNType()
	if t == apn.TypeEnterprise && c.registry != nil {
		if sibling := c.registry.ActiveByCID(resp.ID); sibling != nil {
			if !apn.EqualDescriptors(c.registry.TrafficDescriptors(resp.ID), resp.TrafficDescriptors) {
				c.log.Info(c.ctx, "updating traffic descriptors of existing call",
					logging.Int("cid", resp.ID), logging.String("sibling", sibling.Name()))
				sibling.updateTrafficDescriptors(resp)
				if c.listener != nil {
					c.h.Post(c.listener.OnTrafficDescriptorsUpdated)
				}
			}
			return SetupErrorDuplicateCID, dataservice.CauseDuplicateCID
		}
		if !c.registry.IsDefaultDataActive() {
			c.log.Warn(c.ctx, "enterprise call without an active default connection")
			c.cid = resp.ID
			return SetupErrorNoDefaultConnection, dataservice.CauseNoDefaultData
		}
	}

	c.cid = resp.ID
	c.pduID = resp.PduSessionID
	c.updatePCSCF(resp)
	c.updateResponseFields(resp)
	upd := c.updateLinkProperty(resp)
	if upd.Result != SetupSuccess {
		return upd.Result, dataservice.CauseUnacceptableNetworkParameter
	}
	return SetupSuccess, dataservice.CauseNone
}

func (c *Connection) updatePCSCF(resp *dataservice.DataCallResponse) {
	c.pcscf = c.pcscf[:0]
	for _, a := range resp.PCSCF {
		c.pcscf = append(c.pcscf, a.String())
	}
}

// updateResponseFields copies QoS, slice and traffic descriptors from resp.
func (c *Connection) updateResponseFields(resp *dataservice.DataCallResponse) {
	c.defaultQos = resp.DefaultQos
	c.qosSessions = resp.QosBearerSessions
	c.slice = resp.SliceInfo
	c.updateTrafficDescriptors(resp)
}

func (c *Connection) updateTrafficDescriptors(resp *dataservice.DataCallResponse) {
	c.tds = resp.TrafficDescriptors
	if c.registry != nil {
		c.registry.SetTrafficDescriptors(resp.ID, resp.TrafficDescriptors)
	}
}

// LinkPropertyUpdate is the outcome of applying a call response.
type LinkPropertyUpdate struct {
	Result SetupResult
	Old    *netcap.LinkProperties
	New    *netcap.LinkProperties
}

// Changed reports whether the update replaced the link properties.
func (u LinkPropertyUpdate) Changed() bool {
	return u.New != nil && !u.New.Equal(u.Old)
}

// ApplyCallResponse applies an unsolicited call list entry to an active
// connection. It must be called on the handler.
func (c *Connection) ApplyCallResponse(resp *dataservice.DataCallResponse) LinkPropertyUpdate {
	c.updatePCSCF(resp)
	c.updateResponseFields(resp)
	c.syncQosToAgent()
	return c.updateLinkProperty(resp)
}

// updateLinkProperty parses resp into new link properties and adopts them
// on success.
func (c *Connection) updateLinkProperty(resp *dataservice.DataCallResponse) LinkPropertyUpdate {
	upd := LinkPropertyUpdate{Result: SetupSuccess, Old: c.lp}
	if resp == nil {
		return upd
	}
	upd.New = &netcap.LinkProperties{}
	upd.Result = c.setLinkProperties(resp, upd.New)
	if upd.Result != SetupSuccess {
		c.log.Warn(c.ctx, "link properties rejected", logging.String("result", upd.Result.String()))
		return upd
	}
	if err := c.claimInterface(upd.Old, upd.New); err != nil {
		c.log.Warn(c.ctx, "interface claim failed", logging.Err(err))
		upd.Result = SetupErrorInvalidArg
		upd.New.Clear()
		return upd
	}
	if c.lp != nil && c.lp.HTTPProxy != nil {
		p := *c.lp.HTTPProxy
		upd.New.HTTPProxy = &p
	}
	c.checkSetMTU(upd.New)
	c.lp = upd.New
	c.updateTCPBufferSizes(c.rat)

	if !upd.New.Equal(upd.Old) {
		c.log.Debug(c.ctx, "link properties changed", logging.Any("old", upd.Old), logging.Any("new", upd.New))
		c.sendLinkProperties()
	}
	return upd
}

// setLinkProperties fills lp from a successful response.
func (c *Connection) setLinkProperties(resp *dataservice.DataCallResponse, lp *netcap.LinkProperties) SetupResult {
	sysDNS := c.carrierConfig().SystemDNS
	okSystemDNS := c.isDNSOk(sysDNS)

	lp.Clear()
	if resp.Cause != dataservice.CauseNone {
		return SetupErrorDataServiceSpecific
	}
	if err := fillLinkProperties(resp, lp, sysDNS, okSystemDNS); err != nil {
		c.log.Info(c.ctx, "cannot build link properties", logging.Err(err))
		lp.Clear()
		return SetupErrorInvalidArg
	}
	return SetupSuccess
}

func fillLinkProperties(resp *dataservice.DataCallResponse, lp *netcap.LinkProperties, sysDNS [2]string, okSystemDNS bool) error {
	lp.InterfaceName = resp.InterfaceName

	if len(resp.Addresses) == 0 {
		return errors.Errorf("no address for interface %q", resp.InterfaceName)
	}
	for _, a := range resp.Addresses {
		if !a.Addr().IsUnspecified() {
			lp.Addresses = append(lp.Addresses, a)
		}
	}

	switch {
	case len(resp.DNS) > 0:
		for _, d := range resp.DNS {
			if !d.IsUnspecified() {
				lp.DNS = append(lp.DNS, d)
			}
		}
	case okSystemDNS:
		for _, s := range sysDNS {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			d, err := netip.ParseAddr(s)
			if err != nil {
				return errors.Wrapf(err, "non-numeric dns %q", s)
			}
			if !d.IsUnspecified() {
				lp.DNS = append(lp.DNS, d)
			}
		}
	default:
		return errNoUsableDNS
	}

	lp.PCSCF = append(lp.PCSCF, resp.PCSCF...)
	for _, gw := range resp.Gateways {
		// An unspecified gateway marks a point-to-point interface.
		lp.Routes = append(lp.Routes, netcap.Route{Gateway: gw, MTU: resp.MTUFor(gw)})
	}
	lp.MTU = resp.MTU
	return nil
}

// isDNSOk rejects an all-zero DNS pair unless the check is disabled or the
// profile's MMS proxy is a literal address.
func (c *Connection) isDNSOk(dns [2]string) bool {
	if dns[0] == nullIP && dns[1] == nullIP && !c.carrierConfig().DNSCheckDisabled {
		mmsProxy := ""
		if c.setting != nil {
			mmsProxy = c.setting.MMSProxy
		}
		if !apn.IsIPAddress(mmsProxy) {
			c.log.Info(c.ctx, "zero dns pair rejected", logging.String("mms_proxy", mmsProxy))
			return false
		}
	}
	return true
}

// checkSetMTU keeps a response MTU, else applies the profile's, else the
// carrier default.
func (c *Connection) checkSetMTU(lp *netcap.LinkProperties) {
	if lp == nil || c.setting == nil {
		return
	}
	if lp.MTU != apn.UnsetMTU {
		return
	}
	if c.setting.MTU != apn.UnsetMTU {
		lp.MTU = c.setting.MTU
		return
	}
	if mtu := c.carrierConfig().DefaultMTU; mtu != apn.UnsetMTU {
		lp.MTU = mtu
	}
}

func (c *Connection) updateHTTPProxy() {
	if c.setting == nil || c.setting.Proxy == "" {
		return
	}
	port := c.setting.ProxyPort
	if port == apn.UnsetPort {
		port = defaultProxyPort
	}
	c.lp.HTTPProxy = &netcap.Proxy{Host: c.setting.Proxy, Port: port}
}

func (c *Connection) claimInterface(old, next *netcap.LinkProperties) error {
	if c.ifaces == nil || next.InterfaceName == "" {
		return nil
	}
	if old != nil && old.InterfaceName == next.InterfaceName {
		return nil
	}
	if err := c.ifaces.Claim(next.InterfaceName, c.id); err != nil {
		owner := ownerConnection(c.handoverSourceAgent)
		if owner == nil || !c.ifaces.Transfer(next.InterfaceName, owner.ConnectionID(), c.id) {
			return err
		}
	}
	if old != nil && old.InterfaceName != "" {
		c.ifaces.Release(old.InterfaceName, c.id)
	}
	return nil
}
