// Package controller keeps the per-transport index of data connections and
// reconciles the modem's data call list against it.
package controller

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/carrier"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/handler"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
)

// Cleanup reasons handed to the Listener.
const (
	ReasonLinkPropertiesChanged = "linkPropertiesChanged"
	ReasonPermanentFailure      = "dataCallInactivePermanent"
	ReasonLinkPropertiesInvalid = "linkPropertiesInvalid"
)

// Listener receives reconciliation outcomes. Every call runs on the handler.
type Listener interface {
	// CleanUpConnection asks for every context on c to be torn down and
	// re-evaluated.
	CleanUpConnection(c *dataconn.Connection, reason string)
	RestartRadio(cause dataservice.FailCause)
	PhysicalLinkStatusChanged(status dataservice.LinkStatus)
	TrafficDescriptorsChanged()
}

// Config wires a Controller.
type Config struct {
	Handler  *handler.Handler
	Service  dataservice.Service
	Listener Listener
	// Carrier returns the live carrier policy.
	Carrier func() *carrier.Config
	Stats   *Stats
	Logger  logging.Logger
}

// Controller is the registry of every connection of one transport. Mutations
// run on the handler; the mutex only covers readers on other goroutines.
type Controller struct {
	h        *handler.Handler
	svc      dataservice.Service
	listener Listener
	carrier  func() *carrier.Config
	stats    *Stats
	log      logging.Logger

	mu     sync.RWMutex
	all    []*dataconn.Connection
	active map[int]*dataconn.Connection
	tds    map[int][]apn.TrafficDescriptor

	linkStatus dataservice.LinkStatus
}

var _ dataconn.Registry = (*Controller)(nil)

// New creates a controller. Start subscribes it to the data service.
func New(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	stats := cfg.Stats
	if stats == nil {
		stats = NewStats()
	}
	cc := cfg.Carrier
	if cc == nil {
		def := carrier.Default()
		cc = func() *carrier.Config { return &def }
	}
	c := &Controller{
		h:          cfg.Handler,
		svc:        cfg.Service,
		listener:   cfg.Listener,
		carrier:    cc,
		stats:      stats,
		active:     make(map[int]*dataconn.Connection),
		tds:        make(map[int][]apn.TrafficDescriptor),
		linkStatus: dataservice.LinkUnknown,
	}
	if cfg.Service != nil {
		log = log.With(logging.String("transport", cfg.Service.Transport().String()))
	}
	c.log = log.With(logging.String("component", "controller"))
	return c
}

// SetListener installs the reconciliation listener. It must be called
// before Start.
func (c *Controller) SetListener(l Listener) { c.listener = l }

// Start registers for unsolicited call list snapshots.
func (c *Controller) Start() {
	c.svc.OnCallListChanged(func(list []dataservice.DataCallResponse) {
		c.h.Post(func() { c.reconcile(list) })
	})
}

// RequestCallList asks the data service for a fresh snapshot and reconciles
// it. done, when set, runs on the handler after reconciliation with the
// service's result code.
func (c *Controller) RequestCallList(done func(dataservice.ResultCode)) {
	c.svc.RequestDataCallList(func(rc dataservice.ResultCode, list []dataservice.DataCallResponse) {
		c.h.Post(func() {
			if rc == dataservice.ResultSuccess {
				c.reconcile(list)
			} else {
				c.log.Warn(context.Background(), "call list request failed", logging.String("rc", rc.String()))
			}
			if done != nil {
				done(rc)
			}
		})
	})
}

// Stats returns the controller counters.
func (c *Controller) Stats() *Stats { return c.stats }

// dataconn.Registry

func (c *Controller) Add(conn *dataconn.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.all, conn) {
		c.all = append(c.all, conn)
	}
}

func (c *Controller) Remove(conn *dataconn.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = slices.DeleteFunc(c.all, func(o *dataconn.Connection) bool { return o == conn })
}

func (c *Controller) AddActive(conn *dataconn.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[conn.CID()] = conn
}

func (c *Controller) RemoveActive(conn *dataconn.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cid, o := range c.active {
		if o == conn {
			delete(c.active, cid)
			delete(c.tds, cid)
		}
	}
}

func (c *Controller) ActiveByCID(cid int) *dataconn.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active[cid]
}

func (c *Controller) TrafficDescriptors(cid int) []apn.TrafficDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.tds[cid])
}

func (c *Controller) SetTrafficDescriptors(cid int, tds []apn.TrafficDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tds[cid] = slices.Clone(tds)
}

// IsDefaultDataActive reports whether an active connection can serve the
// default purpose.
func (c *Controller) IsDefaultDataActive() bool {
	for _, conn := range c.Active() {
		if conn.CanHandleDefault() {
			return true
		}
	}
	return false
}

// Connections returns every registered connection in creation order.
func (c *Controller) Connections() []*dataconn.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.all)
}

// Active returns the active connections ordered by call id.
func (c *Controller) Active() []*dataconn.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*dataconn.Connection, 0, len(c.active))
	for _, cid := range slices.Sorted(maps.Keys(c.active)) {
		out = append(out, c.active[cid])
	}
	return out
}

// ActiveCount returns the size of the active-by-cid index.
func (c *Controller) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active)
}

// LinkStatus returns the aggregate physical link status of the last snapshot.
func (c *Controller) LinkStatus() dataservice.LinkStatus { return c.linkStatus }

// reconcile diffs a call list snapshot against the active index.
func (c *Controller) reconcile(list []dataservice.DataCallResponse) {
	ctx := context.Background()
	c.stats.IncCallLists()
	c.log.Debug(ctx, "call list", logging.Int("calls", len(list)), logging.Int("active", c.ActiveCount()))

	listed := make(map[int]bool, len(list))
	for i := range list {
		listed[list[i].ID] = true
	}

	var lost, cleanup []*dataconn.Connection
	for _, conn := range c.Active() {
		if !listed[conn.CID()] && conn.IsActive() {
			lost = append(lost, conn)
		}
	}

	restart := dataservice.CauseNone
	tdChanged := false
	for i := range list {
		resp := &list[i]
		conn := c.ActiveByCID(resp.ID)
		if conn == nil {
			c.stats.IncUnknownCIDs()
			c.log.Debug(ctx, "no connection for listed call", logging.Int("cid", resp.ID))
			continue
		}
		if !apn.EqualDescriptors(c.TrafficDescriptors(resp.ID), resp.TrafficDescriptors) {
			c.SetTrafficDescriptors(resp.ID, resp.TrafficDescriptors)
			c.stats.IncTDUpdates()
			tdChanged = true
		}
		if !conn.IsActive() {
			continue
		}

		if resp.LinkStatus == dataservice.LinkInactive {
			switch {
			case dataservice.IsRadioRestartFailure(resp.Cause, c.carrier().RadioRestartCauses):
				restart = resp.Cause
			case resp.Cause.IsPermanent():
				cleanup = append(cleanup, conn)
			default:
				lost = append(lost, conn)
			}
			continue
		}

		upd := conn.ApplyCallResponse(resp)
		switch {
		case upd.Result != dataconn.SetupSuccess:
			c.log.Warn(ctx, "unusable link properties in call list", logging.Int("cid", resp.ID),
				logging.String("result", upd.Result.String()))
			cleanup = append(cleanup, conn)
		case upd.Changed() && needsCleanup(upd.Old, upd.New):
			c.log.Info(ctx, "address replaced in call list", logging.Int("cid", resp.ID))
			cleanup = append(cleanup, conn)
		case upd.Changed():
			c.stats.IncInPlaceUpdates()
		}
	}

	c.updateLinkStatus(list)

	for _, conn := range lost {
		c.stats.IncLostCalls()
		c.log.Info(ctx, "call missing from call list", logging.String("conn", conn.Name()), logging.Int("cid", conn.CID()))
		conn.LostConnection(conn.Tag())
	}
	if c.listener == nil {
		return
	}
	for _, conn := range cleanup {
		c.stats.IncCleanups()
		reason := ReasonLinkPropertiesChanged
		if resp := findCall(list, conn.CID()); resp != nil && resp.LinkStatus == dataservice.LinkInactive {
			reason = ReasonPermanentFailure
		}
		c.listener.CleanUpConnection(conn, reason)
	}
	if restart != dataservice.CauseNone {
		c.stats.IncRadioRestarts()
		c.listener.RestartRadio(restart)
	}
	if tdChanged {
		c.listener.TrafficDescriptorsChanged()
	}
}

// updateLinkStatus folds the per-call link status into one value: active if
// any call is active, dormant if any is dormant, else inactive.
func (c *Controller) updateLinkStatus(list []dataservice.DataCallResponse) {
	status := dataservice.LinkInactive
	for _, resp := range list {
		if resp.LinkStatus == dataservice.LinkActive {
			status = dataservice.LinkActive
			break
		}
		if resp.LinkStatus == dataservice.LinkDormant {
			status = dataservice.LinkDormant
		}
	}
	if status == c.linkStatus {
		return
	}
	c.log.Debug(context.Background(), "physical link status", logging.String("from", c.linkStatus.String()),
		logging.String("to", status.String()))
	c.linkStatus = status
	c.stats.IncLinkStatusChanges()
	if c.listener != nil {
		c.listener.PhysicalLinkStatusChanged(status)
	}
}

// needsCleanup reports whether the call's addressing changed in a way the
// network stack cannot absorb: the interface was renamed, or an address was
// replaced by a different one of the same family.
func needsCleanup(old, next *netcap.LinkProperties) bool {
	if old == nil || next == nil {
		return false
	}
	if old.InterfaceName != next.InterfaceName {
		return true
	}
	for _, removed := range old.Addresses {
		if slices.Contains(next.Addresses, removed) {
			continue
		}
		for _, added := range next.Addresses {
			if slices.Contains(old.Addresses, added) {
				continue
			}
			if removed.Addr().Is4() == added.Addr().Is4() {
				return true
			}
		}
	}
	return false
}

func findCall(list []dataservice.DataCallResponse, cid int) *dataservice.DataCallResponse {
	for i := range list {
		if list[i].ID == cid {
			return &list[i]
		}
	}
	return nil
}
