package tracker

import (
	"slices"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// Profile is the carrier's APN data for one subscription.
type Profile struct {
	APNs []*apn.Setting `config:"apns" json:"apns"`
	// PreferredAPNID is the user-selected default profile id; -1 means none.
	PreferredAPNID int `config:"preferred_apn_id" json:"preferred_apn_id"`
	// PreferredSetID restricts candidates to one APN set when no preferred
	// profile is selected.
	PreferredSetID  int    `config:"preferred_set_id" json:"preferred_set_id"`
	Operator        string `config:"operator" json:"operator"`
	CarrierID       int    `config:"carrier_id" json:"carrier_id"`
	ProvisioningAPN string `config:"provisioning_apn" json:"provisioning_apn,omitempty"`
}

// FindAPN returns the profile with id, or nil.
func (p *Profile) FindAPN(id int) *apn.Setting {
	for _, s := range p.APNs {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// candidateSource is everything candidate selection reads.
type candidateSource struct {
	apns           []*apn.Setting
	preferred      *apn.Setting
	preferredSetID int
	operator       string
	carrierID      int
}

func (src candidateSource) setID() int {
	if src.preferred != nil {
		return src.preferred.SetID
	}
	return src.preferredSetID
}

func (src candidateSource) setMatches(s *apn.Setting) bool {
	return s.SetID == apn.MatchAllSetID || s.SetID == src.setID()
}

// dunAPNs returns the tethering-capable profiles usable on rat, the
// preferred profile first when it qualifies.
func dunAPNs(src candidateSource, rat radio.RAT) []*apn.Setting {
	var out []*apn.Setting
	for _, s := range src.apns {
		if !s.CanHandleType(apn.TypeDUN) || !s.CanSupportNetworkType(rat) || !src.setMatches(s) {
			continue
		}
		if src.preferred != nil && s.Equal(src.preferred) {
			out = slices.Insert(out, 0, s)
			continue
		}
		out = append(out, s)
	}
	return out
}

// buildWaitingAPNs returns the ordered candidate profiles for purpose t on
// rat. dropPreferred reports that the preferred profile no longer matches
// the subscription and should be cleared.
func buildWaitingAPNs(src candidateSource, t apn.Type, rat radio.RAT) (list []*apn.Setting, dropPreferred bool) {
	requested := t
	if t == apn.TypeEnterprise {
		requested = apn.TypeDefault
	}
	if t == apn.TypeDUN {
		if dun := dunAPNs(src, rat); len(dun) > 0 {
			return dun, false
		}
	}

	if p := src.preferred; p != nil && p.CanHandleType(requested) {
		if (p.Operator == src.operator || (src.carrierID != 0 && p.CarrierID == src.carrierID)) &&
			p.CanSupportNetworkType(rat) {
			if t == apn.TypeEnterprise {
				p = p.Copy()
			}
			return []*apn.Setting{p}, false
		}
		dropPreferred = true
	}

	for _, s := range src.apns {
		if !s.CanHandleType(requested) || !s.CanSupportNetworkType(rat) || !src.setMatches(s) {
			continue
		}
		if t == apn.TypeEnterprise {
			s = s.Copy()
		}
		list = append(list, s)
	}
	return list, dropPreferred
}

// attachedEnterprise reports whether an enterprise context rides on conn.
func attachedEnterprise(conn *dataconn.Connection) bool {
	for _, rc := range conn.Contexts() {
		if rc.APNType() == apn.TypeEnterprise {
			return true
		}
	}
	return false
}

// compatibleConnection looks for a connection already serving, or about to
// serve, a profile that can carry ctx. An active match wins over one still
// activating. Must run on the handler.
func (t *Tracker) compatibleConnection(ctx *APNContext, rat radio.RAT) *dataconn.Connection {
	var dunCandidates []*apn.Setting
	if ctx.typ == apn.TypeDUN {
		dunCandidates = dunAPNs(t.candidateSource(), rat)
	}
	var potential *dataconn.Connection
	for _, other := range t.sortedContexts() {
		conn := other.conn
		if conn == nil || other == ctx {
			continue
		}
		setting := other.setting
		if len(dunCandidates) > 0 {
			if setting == nil || !slices.ContainsFunc(dunCandidates, setting.Equal) {
				continue
			}
			switch {
			case conn.IsActive():
				return conn
			case conn.IsActivating() && potential == nil:
				potential = conn
			}
			continue
		}
		if setting == nil || !setting.CanHandleType(ctx.typ) || attachedEnterprise(conn) {
			continue
		}
		switch {
		case conn.IsActive():
			return conn
		case conn.IsActivating() && potential == nil:
			potential = conn
		}
	}
	return potential
}
