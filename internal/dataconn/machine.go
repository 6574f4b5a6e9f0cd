package dataconn

import (
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
)

type stateHandler struct {
	enter   func(c *Connection)
	exit    func(c *Connection)
	process func(c *Connection, ev Event) bool
}

func handlerFor(s State) stateHandler {
	switch s {
	case StateActivating:
		return stateHandler{enter: (*Connection).enterActivating, process: (*Connection).processActivating}
	case StateActive:
		return stateHandler{enter: (*Connection).enterActive, exit: (*Connection).exitActive, process: (*Connection).processActive}
	case StateDisconnecting:
		return stateHandler{process: (*Connection).processDisconnecting}
	case StateDisconnectingErrorCreatingConnection:
		return stateHandler{process: (*Connection).processDisconnectingErrorCreatingConnection}
	default:
		return stateHandler{enter: (*Connection).enterInactive, process: (*Connection).processInactive}
	}
}

// transitionTo schedules a transition that runs once the current event has
// been processed. A transition to the current state re-runs exit and enter.
func (c *Connection) transitionTo(s State) {
	c.pending = s
	c.hasPending = true
}

// deferEvent holds ev until the next state change.
func (c *Connection) deferEvent(ev Event) {
	c.log.Debug(c.ctx, "event deferred", logging.String("event", ev.eventName()), logging.String("state", c.state.String()))
	c.deferred = append(c.deferred, ev)
}

// dispatch runs ev through the current state, falling back to the shared
// handler, then applies pending transitions and replays deferred events.
func (c *Connection) dispatch(ev Event) {
	queue := []Event{ev}
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]
		c.events.add(c.h.Now(), c.state, ev.eventName())

		if !handlerFor(c.state).process(c, ev) {
			c.processDefault(ev)
		}

		moved := false
		for c.hasPending {
			to := c.pending
			c.hasPending = false
			from := c.state
			if exit := handlerFor(from).exit; exit != nil {
				exit(c)
			}
			c.state = to
			moved = true
			c.log.Debug(c.ctx, "state changed", logging.String("from", from.String()), logging.String("to", to.String()))
			c.observer.StateChanged(c, from, to)
			if enter := handlerFor(to).enter; enter != nil {
				enter(c)
			}
		}
		if moved && len(c.deferred) > 0 {
			queue = append(c.deferred, queue...)
			c.deferred = nil
		}
	}
}
