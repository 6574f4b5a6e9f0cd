package tracker

import (
	"cmp"
	"slices"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
)

// ContextState is the lifecycle of one APN context.
type ContextState int

const (
	StateIdle ContextState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateRetrying
	StateFailed
)

func (s ContextState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateRetrying:
		return "RETRYING"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// priorities orders purposes for single-connection arbitration; higher wins.
var priorities = map[apn.Type]int{
	apn.TypeDefault:    0,
	apn.TypeEnterprise: 0,
	apn.TypeMMS:        2,
	apn.TypeSUPL:       2,
	apn.TypeDUN:        2,
	apn.TypeFOTA:       2,
	apn.TypeIMS:        2,
	apn.TypeCBS:        2,
	apn.TypeIA:         2,
	apn.TypeEmergency:  2,
	apn.TypeHIPRI:      3,
	apn.TypeMCX:        3,
	apn.TypeXCAP:       3,
}

// APNContext is the tracker's per-purpose state: the requests asking for the
// purpose, the connection serving it and the retry walk over its candidate
// profiles. Every field is owned by the tracker's handler.
type APNContext struct {
	typ      apn.Type
	priority int
	state    ContextState
	reason   string
	requests []netcap.Request

	conn       *dataconn.Connection
	setting    *apn.Setting
	generation int
	retry      *RetryManager

	reconnectAlarm string
	reconnectTag   int

	concurrentVoiceData bool
	setupFailures       int
	permanentFailures   int
}

var _ dataconn.RequestContext = (*APNContext)(nil)

func newAPNContext(t apn.Type, retry *RetryManager) *APNContext {
	return &APNContext{typ: t, priority: priorities[t], retry: retry}
}

func (c *APNContext) APNType() apn.Type { return c.typ }

func (c *APNContext) Requests() []netcap.Request { return slices.Clone(c.requests) }

func (c *APNContext) State() ContextState { return c.state }

func (c *APNContext) Setting() *apn.Setting { return c.setting }

func (c *APNContext) Connection() *dataconn.Connection { return c.conn }

// IsEnabled reports whether at least one request asks for the purpose.
func (c *APNContext) IsEnabled() bool { return len(c.requests) > 0 }

// IsConnectable reports whether a setup may be started for the context.
func (c *APNContext) IsConnectable() bool {
	if !c.IsEnabled() {
		return false
	}
	switch c.state {
	case StateIdle, StateRetrying, StateFailed:
		return true
	}
	return false
}

// IsDisconnected reports whether the context holds no connection attempt.
func (c *APNContext) IsDisconnected() bool {
	return c.state == StateIdle || c.state == StateFailed
}

// hasRestrictedRequest reports whether a restricted request other than a
// tethering one is attached.
func (c *APNContext) hasRestrictedRequest() bool {
	for _, r := range c.requests {
		if r.IsRestricted() && !r.Has(netcap.CapDUN) {
			return true
		}
	}
	return false
}

func (c *APNContext) addRequest(r netcap.Request) bool {
	if slices.ContainsFunc(c.requests, func(o netcap.Request) bool { return o.ID == r.ID }) {
		return false
	}
	c.requests = append(c.requests, r)
	return true
}

func (c *APNContext) removeRequest(r netcap.Request) bool {
	n := len(c.requests)
	c.requests = slices.DeleteFunc(c.requests, func(o netcap.Request) bool { return o.ID == r.ID })
	return len(c.requests) != n
}

// ContextSnapshot is a point-in-time view of a context for the debug surfaces.
type ContextSnapshot struct {
	Type       string `json:"type"`
	Priority   int    `json:"priority"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	Requests   int    `json:"requests"`
	APN        string `json:"apn,omitempty"`
	Connection string `json:"connection,omitempty"`
	Generation int    `json:"generation"`
	Waiting    int    `json:"waiting_apns"`
	RetryCount int    `json:"retry_count"`
	Retry      string `json:"retry"`
	Failures   int    `json:"setup_failures"`
	Permanent  int    `json:"permanent_failures"`
	Reconnect  bool   `json:"reconnect_pending"`
	Disallowed string `json:"disallowed,omitempty"`
}

func (c *APNContext) snapshot() ContextSnapshot {
	s := ContextSnapshot{
		Type:       c.typ.String(),
		Priority:   c.priority,
		State:      c.state.String(),
		Reason:     c.reason,
		Requests:   len(c.requests),
		Generation: c.generation,
		Waiting:    len(c.retry.WaitingAPNs()),
		RetryCount: c.retry.RetryCount(),
		Retry:      c.retry.String(),
		Failures:   c.setupFailures,
		Permanent:  c.permanentFailures,
		Reconnect:  c.reconnectAlarm != "",
	}
	if c.setting != nil {
		s.APN = c.setting.APN
	}
	if c.conn != nil {
		s.Connection = c.conn.Name()
	}
	return s
}

// sortByPriority orders contexts highest priority first, breaking ties by
// purpose bit so the order is stable.
func sortByPriority(ctxs []*APNContext) {
	slices.SortFunc(ctxs, func(a, b *APNContext) int {
		if c := cmp.Compare(b.priority, a.priority); c != 0 {
			return c
		}
		return cmp.Compare(a.typ, b.typ)
	})
}
