package dataconn

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/signalsfoundry/cellular-data-manager/internal/agent"
	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

var typeCapabilities = map[apn.Type]netcap.Capability{
	apn.TypeDefault:   netcap.CapInternet,
	apn.TypeMMS:       netcap.CapMMS,
	apn.TypeSUPL:      netcap.CapSUPL,
	apn.TypeDUN:       netcap.CapDUN,
	apn.TypeFOTA:      netcap.CapFOTA,
	apn.TypeIMS:       netcap.CapIMS,
	apn.TypeCBS:       netcap.CapCBS,
	apn.TypeIA:        netcap.CapIA,
	apn.TypeEmergency: netcap.CapEIMS,
	apn.TypeMCX:       netcap.CapMCX,
	apn.TypeXCAP:      netcap.CapXCAP,
}

// networkCapabilities derives the published capabilities from the profile,
// the activation flags and the current radio inputs. It has no side effects.
func (c *Connection) networkCapabilities() netcap.Capabilities {
	caps := netcap.NewCapabilities()
	cfg := c.carrierConfig()
	ss := c.serviceState()
	iwlan := c.transport == radio.TransportWLAN

	unmeteredAPNs := false
	if c.setting != nil && !c.enterprise && !c.mmsOnly {
		for _, t := range (c.setting.Types &^ c.disabledTypes).Split() {
			if !c.restrictedOverride && c.unmeteredOnly && cfg.Metered.IsMeteredType(t, ss.Roaming, iwlan) {
				c.log.Debug(c.ctx, "dropped metered purpose on unmetered-only call", logging.String("type", t.String()))
				continue
			}
			if cp, ok := typeCapabilities[t]; ok {
				caps.Add(cp)
			}
		}
		unmeteredAPNs = !cfg.Metered.IsMetered(c.setting, ss.Roaming, iwlan)
	}

	if unmeteredAPNs || (c.unmeteredOnly && !c.restrictedOverride) {
		caps.Add(netcap.CapNotMetered)
	} else {
		caps.Remove(netcap.CapNotMetered)
	}
	if c.enterprise {
		caps.Add(netcap.CapEnterprise)
		caps.Add(netcap.CapInternet)
	}
	if netcap.InferRestricted(caps.Caps) {
		caps.Remove(netcap.CapNotRestricted)
	}
	if c.mmsOnly {
		if cfg.Metered.IsMeteredType(apn.TypeMMS, ss.Roaming, iwlan) {
			caps.Add(netcap.CapNotMetered)
		}
		caps.Add(netcap.CapMMS)
	}
	if c.restrictedOverride {
		caps.Remove(netcap.CapNotRestricted)
		caps.Remove(netcap.CapDUN)
	}

	caps.DownlinkKbps = c.downlinkKbps
	caps.UplinkKbps = c.uplinkKbps
	caps.SubID = c.subID

	if !ss.Roaming {
		caps.Add(netcap.CapNotRoaming)
	}
	if !c.congestedOverride {
		caps.Add(netcap.CapNotCongested)
	}
	if c.unmeteredOverride {
		caps.Add(netcap.CapTemporarilyNotMetered)
	}
	if !c.suspended {
		caps.Add(netcap.CapNotSuspended)
	}

	if uid := cfg.CarrierServiceUID; uid != netcap.InvalidUID && slices.Contains(c.adminUIDs, uid) {
		caps.OwnerUID = uid
		caps.AllowedUIDs = []int{uid}
	}
	caps.AdminUIDs = slices.Clone(c.adminUIDs)

	caps.Add(netcap.CapNotVCNManaged)
	if c.env != nil {
		policy := c.env.ApplyNetworkPolicy(caps.Clone(), c.lp.Clone())
		if !policy.Caps.Has(netcap.CapNotVCNManaged) {
			caps.Remove(netcap.CapNotVCNManaged)
		}
		if !policy.Caps.Has(netcap.CapNotRestricted) {
			caps.Remove(netcap.CapNotRestricted)
		}
	}
	return caps
}

// shouldRestrictNetwork reports whether a privileged request is bringing the
// call up while general use is not allowed.
func (c *Connection) shouldRestrictNetwork() bool {
	restricted := slices.ContainsFunc(c.attached, func(a attachment) bool {
		return hasRestrictedRequests(a.ctx, true)
	})
	if !restricted {
		return false
	}
	ss := c.serviceState()
	if !c.carrierConfig().Metered.IsMetered(c.setting, ss.Roaming, c.transport == radio.TransportWLAN) {
		return false
	}
	if c.env == nil {
		return false
	}
	if !c.env.DataEnabled() {
		return true
	}
	return !c.env.DataRoamingEnabled() && ss.Roaming
}

// isUnmeteredUseOnly reports whether only unmetered purposes may use the call.
func (c *Connection) isUnmeteredUseOnly() bool {
	if c.transport == radio.TransportWLAN {
		return false
	}
	ss := c.serviceState()
	if c.env != nil && c.env.DataEnabled() {
		if !ss.Roaming || c.env.DataRoamingEnabled() {
			return false
		}
	}
	metered := c.carrierConfig().Metered
	for _, a := range c.attached {
		if metered.IsMeteredType(a.ctx.APNType(), ss.Roaming, false) {
			return false
		}
	}
	return true
}

// isMmsUseOnly reports whether the call exists only because MMS is allowed
// with data disabled.
func (c *Connection) isMmsUseOnly() bool {
	if c.env == nil || c.env.DataEnabled() || !c.carrierConfig().MMSAlwaysAllowed {
		return false
	}
	return c.onlyAttached(apn.TypeMMS)
}

func (c *Connection) onlyAttached(t apn.Type) bool {
	if len(c.attached) == 0 {
		return false
	}
	for _, a := range c.attached {
		if a.ctx.APNType() != t {
			return false
		}
	}
	return true
}

func (c *Connection) isEnterpriseUse() bool {
	return slices.ContainsFunc(c.attached, func(a attachment) bool {
		return a.ctx.APNType() == apn.TypeEnterprise
	})
}

func (c *Connection) apnTypeBitmask() apn.Type {
	if c.isEnterpriseUse() {
		return apn.TypeEnterprise
	}
	if c.setting == nil {
		return apn.TypeNone
	}
	return c.setting.Types
}

// calculateScore favors a call serving an internet request that is not
// pinned to a subscription.
func (c *Connection) calculateScore() int {
	for _, a := range c.attached {
		for _, r := range a.ctx.Requests() {
			if r.Has(netcap.CapInternet) && r.Specifier == "" {
				return scoreInternet
			}
		}
	}
	return scoreDefault
}

func (c *Connection) updateScore() {
	old := c.score
	c.score = c.calculateScore()
	if old != c.score && c.agent != nil {
		c.log.Info(c.ctx, "score changed", logging.Int("old", old), logging.Int("new", c.score))
		c.logAgentErr("score", c.agent.SendScore(c, c.score))
	}
}

// createAgent publishes the call to the network stack.
func (c *Connection) createAgent() bool {
	a, err := agent.New(agent.Config{
		Transport: c.transport,
		Stack:     c.stack,
		Registry:  c.agents,
		Logger:    c.log,
		OnValidation: func(status agent.ValidationStatus, redirect string) {
			if c.listener == nil {
				return
			}
			c.h.Post(func() { c.listener.OnNetworkValidation(c, status, redirect) })
		},
	}, c, c.networkCapabilities(), c.lp, c.score)
	if err != nil {
		c.log.Error(c.ctx, "create network agent", logging.Err(err))
		c.tearDownAllInline(ReasonReleasedByStack, dataservice.ReleaseDetach)
		return false
	}
	c.agent = a
	c.logAgentErr("subtype", a.UpdateLegacySubtype(c, c.rat))
	if c.applyNetworkPolicy().Teardown {
		c.log.Info(c.ctx, "network policy requested teardown")
		c.tearDownAllInline(ReasonVCNTeardown, dataservice.ReleaseDetach)
		return true
	}
	c.logAgentErr("connected", a.MarkConnected(c))
	return true
}

func (c *Connection) applyNetworkPolicy() PolicyResult {
	caps := c.networkCapabilities()
	if c.env == nil {
		return PolicyResult{Caps: caps}
	}
	return c.env.ApplyNetworkPolicy(caps, c.lp.Clone())
}

func (c *Connection) sendCapabilities() {
	if c.agent != nil {
		c.logAgentErr("capabilities", c.agent.SendCapabilities(c, c.networkCapabilities()))
	}
}

func (c *Connection) sendLinkProperties() {
	if c.agent != nil {
		c.logAgentErr("link_properties", c.agent.SendLinkProperties(c, c.lp))
	}
}

func (c *Connection) syncQosToAgent() {
	if c.agent != nil && c.agent.IsOwnedBy(c) {
		c.agent.UpdateQosSessions(c.qosSessions)
	}
}

func (c *Connection) logAgentErr(op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrNotOwner), errors.Is(err, agent.ErrUnregistered):
		c.log.Debug(c.ctx, "agent update skipped", logging.String("op", op), logging.Err(err))
	default:
		c.log.Warn(c.ctx, "agent update failed", logging.String("op", op), logging.Err(err))
	}
}

// updateSuspendState recomputes the suspend flag. Data is only suspended
// while active, never for emergency, and otherwise when out of service or
// when a voice call blocks concurrent data.
func (c *Connection) updateSuspendState() bool {
	suspended := false
	if c.state == StateActive {
		ss := c.serviceState()
		switch {
		case c.setting.IsEmergency():
		case c.regState != radio.RegInService:
			suspended = true
		case !ss.ConcurrentVoiceData:
			suspended = ss.VoiceCallActive
		}
	}
	if suspended == c.suspended {
		return false
	}
	c.suspended = suspended
	c.log.Info(c.ctx, "suspend state changed", logging.Bool("suspended", suspended))
	return true
}
