package agent

import (
	"context"

	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
)

// The methods below run on the owner's handler.

// KeepaliveError reports a failed keepalive request for slot.
func (a *Agent) KeepaliveError(slot int, ev KeepaliveEvent) {
	a.keepaliveEvent(slot, ev)
}

func (a *Agent) keepaliveEvent(slot int, ev KeepaliveEvent) {
	if a.stack != nil {
		a.stack.KeepaliveEvent(a.id, slot, ev)
	}
}

// KeepaliveStarted records the modem's answer to a start request on slot.
func (a *Agent) KeepaliveStarted(slot int, status dataservice.KeepaliveStatus) {
	if status.Err != nil {
		a.log.Warn(context.Background(), "keepalive start failed", logging.Int("slot", slot), logging.Err(status.Err))
		a.KeepaliveError(slot, KeepaliveErrorHardware)
		return
	}
	a.mu.Lock()
	ks := &keepaliveSlot{handle: status.SessionHandle}
	a.keepalives[slot] = ks
	a.mu.Unlock()
	a.applyKeepaliveStatus(slot, ks, status)
}

// KeepaliveStatus applies an unsolicited status for a running session.
func (a *Agent) KeepaliveStatus(status dataservice.KeepaliveStatus) {
	slot, ks, ok := a.slotForHandle(status.SessionHandle)
	if !ok {
		a.log.Debug(context.Background(), "keepalive status for unknown handle", logging.Int("handle", status.SessionHandle))
		return
	}
	a.applyKeepaliveStatus(slot, ks, status)
}

func (a *Agent) applyKeepaliveStatus(slot int, ks *keepaliveSlot, status dataservice.KeepaliveStatus) {
	switch status.Code {
	case dataservice.KeepaliveActive:
		a.mu.Lock()
		already := ks.started
		ks.started = true
		a.mu.Unlock()
		if !already {
			a.keepaliveEvent(slot, KeepaliveStarted)
		}
	case dataservice.KeepaliveInactive:
		a.mu.Lock()
		delete(a.keepalives, slot)
		a.mu.Unlock()
		a.keepaliveEvent(slot, KeepaliveStopped)
	case dataservice.KeepalivePending:
	}
}

// KeepaliveHandle returns the modem handle for slot.
func (a *Agent) KeepaliveHandle(slot int) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ks, ok := a.keepalives[slot]
	if !ok {
		return 0, false
	}
	return ks.handle, true
}

// KeepaliveCount reports the number of tracked keepalive slots.
func (a *Agent) KeepaliveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.keepalives)
}

func (a *Agent) slotForHandle(handle int) (int, *keepaliveSlot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for slot, ks := range a.keepalives {
		if ks.handle == handle {
			return slot, ks, true
		}
	}
	return 0, nil, false
}

// UpdateQosSessions replaces the known bearer sessions and notifies every
// registered callback whose match changed.
func (a *Agent) UpdateQosSessions(sessions []dataservice.QosBearerSession) {
	a.mu.Lock()
	a.sessions = append([]dataservice.QosBearerSession(nil), sessions...)
	a.mu.Unlock()
	a.matchQos()
}

// QosFilterCount reports how many QoS callbacks are registered.
func (a *Agent) QosFilterCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.qosFilters)
}

func (a *Agent) matchQos() {
	type change struct {
		cb      int
		session *dataservice.QosBearerSession
		lostID  int
	}
	var changes []change

	a.mu.Lock()
	for cb, f := range a.qosFilters {
		prev, had := a.qosMatches[cb]
		found := findSession(a.sessions, f)
		switch {
		case found != nil && (!had || prev != found.ID):
			a.qosMatches[cb] = found.ID
			changes = append(changes, change{cb: cb, session: found})
		case found == nil && had:
			delete(a.qosMatches, cb)
			changes = append(changes, change{cb: cb, lostID: prev})
		}
	}
	a.mu.Unlock()

	if a.stack == nil {
		return
	}
	for _, c := range changes {
		if c.session != nil {
			a.stack.QosSessionAvailable(a.id, c.cb, *c.session)
		} else {
			a.stack.QosSessionLost(a.id, c.cb, c.lostID)
		}
	}
}

func findSession(sessions []dataservice.QosBearerSession, f QosFilter) *dataservice.QosBearerSession {
	for i := range sessions {
		for _, qf := range sessions[i].Filters {
			if !qf.Remote.IsValid() || !qf.Remote.Contains(f.Remote) {
				continue
			}
			if qf.RemotePort != 0 && f.RemotePort != 0 && qf.RemotePort != f.RemotePort {
				continue
			}
			s := sessions[i]
			return &s
		}
	}
	return nil
}
