// Package modemsim simulates the radio side of the data stack: a modem that
// answers data call requests after a configurable latency, a network stack
// that validates published networks, and packet counters for the stall
// watchdog. The daemon runs against it when no real modem is attached.
package modemsim

import (
	"context"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/handler"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// Config tunes the simulated modem.
type Config struct {
	// SetupLatency is how long every request takes to answer.
	SetupLatency time.Duration
	MTU          int
	DNS          []netip.Addr
	// Pools hands out one address per call, per transport.
	Pools map[radio.Transport]netip.Prefix
	// Failures rejects setups on an APN name with the given cause.
	Failures map[string]dataservice.FailCause
	// RetrySuggestion is attached to rejected setups. RetryNone by default.
	RetrySuggestion time.Duration
	// PacketsPerTick is the traffic each active call generates per Tick.
	PacketsPerTick int64
}

// DefaultConfig returns a modem that accepts everything after 200ms.
func DefaultConfig() Config {
	return Config{
		SetupLatency: 200 * time.Millisecond,
		MTU:          1500,
		DNS:          []netip.Addr{netip.MustParseAddr("8.8.8.8"), netip.MustParseAddr("8.8.4.4")},
		Pools: map[radio.Transport]netip.Prefix{
			radio.TransportWWAN: netip.MustParsePrefix("10.64.0.0/24"),
			radio.TransportWLAN: netip.MustParsePrefix("10.96.0.0/24"),
		},
		RetrySuggestion: dataservice.RetryNone,
		PacketsPerTick:  10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SetupLatency < 0 {
		c.SetupLatency = 0
	}
	if c.MTU <= 0 {
		c.MTU = def.MTU
	}
	if len(c.DNS) == 0 {
		c.DNS = def.DNS
	}
	if c.Pools == nil {
		c.Pools = def.Pools
	}
	failures := make(map[string]dataservice.FailCause, len(c.Failures))
	for name, cause := range c.Failures {
		failures[strings.ToLower(name)] = cause
	}
	c.Failures = failures
	if c.RetrySuggestion == 0 {
		c.RetrySuggestion = dataservice.RetryNone
	}
	if c.PacketsPerTick <= 0 {
		c.PacketsPerTick = def.PacketsPerTick
	}
	return c
}

type keepalive struct {
	cid      int
	pkt      dataservice.KeepalivePacket
	interval time.Duration
}

// Modem is the simulated radio. It implements dataservice.Modem, hands out
// one Service per transport and counts packets for the stall watchdog.
// Answers are delivered from its alarm scheduler, which the owner advances
// by calling Tick.
type Modem struct {
	sched handler.AlarmScheduler
	log   logging.Logger

	mu         sync.Mutex
	cfg        Config
	services   map[radio.Transport]*Service
	radioOn    bool
	stalled    bool
	nextCID    int
	nextPdu    int
	pdus       map[int]bool
	nextHandle int
	keepalives map[int]keepalive
	reregister int
	tx, rx     int64
	onPower    []func(on bool)
}

var _ dataservice.Modem = (*Modem)(nil)

// New builds a powered-on modem whose answers run on sched.
func New(sched handler.AlarmScheduler, cfg Config, log logging.Logger) *Modem {
	if log == nil {
		log = logging.Noop()
	}
	return &Modem{
		sched:      sched,
		log:        log.With(logging.String("component", "modemsim")),
		cfg:        cfg.withDefaults(),
		services:   make(map[radio.Transport]*Service),
		radioOn:    true,
		nextCID:    1,
		nextPdu:    1,
		pdus:       make(map[int]bool),
		nextHandle: 1,
		keepalives: make(map[int]keepalive),
	}
}

// Service returns the data service for transport, creating it on first use.
func (m *Modem) Service(t radio.Transport) *Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[t]
	if !ok {
		s = newService(m, t)
		m.services[t] = s
	}
	return s
}

// OnRadioPower registers fn for power changes. fn runs on the goroutine that
// changed the power and must not call back into the modem synchronously.
func (m *Modem) OnRadioPower(fn func(on bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPower = append(m.onPower, fn)
}

// after runs f on the scheduler once the configured latency has passed.
func (m *Modem) after(f func()) {
	m.sched.Schedule(m.sched.Now().Add(m.cfg.SetupLatency), f)
}

func (m *Modem) RadioOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.radioOn
}

// SetFailure makes setups on apnName fail with cause. CauseNone clears it.
func (m *Modem) SetFailure(apnName string, cause dataservice.FailCause) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(apnName)
	if cause == dataservice.CauseNone {
		delete(m.cfg.Failures, key)
		return
	}
	m.cfg.Failures[key] = cause
}

func (m *Modem) failureFor(apnName string) dataservice.FailCause {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Failures[strings.ToLower(apnName)]
}

// SetStalled stops inbound traffic while outbound keeps flowing.
// Re-registration and a radio power cycle clear the stall.
func (m *Modem) SetStalled(stalled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stalled != stalled {
		m.log.Info(context.Background(), "data stall simulation", logging.Bool("stalled", stalled))
	}
	m.stalled = stalled
}

func (m *Modem) Stalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stalled
}

// PacketTotals returns the cumulative packet counters.
func (m *Modem) PacketTotals() (tx, rx int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx, m.rx
}

// Tick runs due answers and generates traffic on every active call.
func (m *Modem) Tick(time.Time) {
	m.sched.RunDue()

	m.mu.Lock()
	services := make([]*Service, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	perTick := m.cfg.PacketsPerTick
	stalled := m.stalled
	m.mu.Unlock()

	active := 0
	for _, s := range services {
		active += s.ActiveCalls()
	}
	if active == 0 {
		return
	}
	m.mu.Lock()
	m.tx += perTick * int64(active)
	if !stalled {
		m.rx += perTick * int64(active)
	}
	m.mu.Unlock()
}

// allocateCID returns a call id unique across transports, so a handover
// target never reuses the source's id.
func (m *Modem) allocateCID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cid := m.nextCID
	m.nextCID++
	return cid
}

func (m *Modem) AllocatePduSessionID(done func(id int, err error)) {
	m.mu.Lock()
	id := m.nextPdu
	m.nextPdu++
	m.pdus[id] = true
	m.mu.Unlock()
	m.after(func() { done(id, nil) })
}

func (m *Modem) ReleasePduSessionID(id int, done func(error)) {
	m.mu.Lock()
	_, ok := m.pdus[id]
	delete(m.pdus, id)
	m.mu.Unlock()
	m.after(func() {
		if done == nil {
			return
		}
		if !ok {
			done(ErrUnknownPduSession)
			return
		}
		done(nil)
	})
}

// PduSessions returns the allocated PDU session ids in order.
func (m *Modem) PduSessions() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.pdus))
	for id := range m.pdus {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func (m *Modem) StartNattKeepalive(cid int, pkt dataservice.KeepalivePacket, interval time.Duration, done func(dataservice.KeepaliveStatus)) {
	m.mu.Lock()
	var st dataservice.KeepaliveStatus
	if !m.radioOn {
		st = dataservice.KeepaliveStatus{Code: dataservice.KeepaliveInactive, Err: ErrRadioOff}
	} else {
		h := m.nextHandle
		m.nextHandle++
		m.keepalives[h] = keepalive{cid: cid, pkt: pkt, interval: interval}
		st = dataservice.KeepaliveStatus{SessionHandle: h, Code: dataservice.KeepaliveActive}
	}
	m.mu.Unlock()
	m.after(func() { done(st) })
}

func (m *Modem) StopNattKeepalive(handle int, done func(dataservice.KeepaliveStatus)) {
	m.mu.Lock()
	delete(m.keepalives, handle)
	m.mu.Unlock()
	m.after(func() { done(dataservice.KeepaliveStatus{SessionHandle: handle, Code: dataservice.KeepaliveInactive}) })
}

// Keepalives reports how many keepalive sessions are running.
func (m *Modem) Keepalives() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keepalives)
}

// dropKeepalives ends the sessions riding on cid.
func (m *Modem) dropKeepalives(cid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, k := range m.keepalives {
		if k.cid == cid {
			delete(m.keepalives, h)
		}
	}
}

// SetRadioPower powers the radio. Powering off drops every call on the
// cellular transport.
func (m *Modem) SetRadioPower(on bool) {
	m.mu.Lock()
	if m.radioOn == on {
		m.mu.Unlock()
		return
	}
	m.radioOn = on
	if !on {
		m.stalled = false
	}
	wwan := m.services[radio.TransportWWAN]
	listeners := append([]func(bool){}, m.onPower...)
	m.mu.Unlock()

	m.log.Info(context.Background(), "radio power", logging.Bool("on", on))
	if !on && wwan != nil {
		wwan.dropAll(dataservice.CauseRadioPowerOff)
	}
	for _, fn := range listeners {
		fn(on)
	}
}

// ReRegister simulates a network re-registration. It clears a simulated
// stall.
func (m *Modem) ReRegister() {
	m.mu.Lock()
	m.reregister++
	m.stalled = false
	n := m.reregister
	m.mu.Unlock()
	m.log.Info(context.Background(), "re-registration", logging.Int("count", n))
}

// ReRegisterCount reports how many re-registrations were requested.
func (m *Modem) ReRegisterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reregister
}
