package modemsim

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

var (
	// ErrRadioOff is reported for keepalives requested while the radio is off.
	ErrRadioOff = errors.New("radio is off")
	// ErrUnknownPduSession is reported when releasing an id never allocated.
	ErrUnknownPduSession = errors.New("unknown pdu session id")
)

// Service is the simulated data service of one transport.
type Service struct {
	m         *Modem
	transport radio.Transport
	log       logging.Logger

	mu        sync.Mutex
	calls     map[int]*dataservice.DataCallResponse
	handovers map[int]bool
	profiles  []dataservice.DataProfile
	attach    *dataservice.DataProfile
	listeners []func([]dataservice.DataCallResponse)
	setups    int
}

var _ dataservice.Service = (*Service)(nil)

func newService(m *Modem, t radio.Transport) *Service {
	return &Service{
		m:         m,
		transport: t,
		log:       m.log.With(logging.String("transport", t.String())),
		calls:     make(map[int]*dataservice.DataCallResponse),
		handovers: make(map[int]bool),
	}
}

func (s *Service) Transport() radio.Transport { return s.transport }

func (s *Service) SetupDataCall(req dataservice.SetupRequest, done dataservice.SetupCallback) {
	s.mu.Lock()
	s.setups++
	s.mu.Unlock()

	s.m.after(func() {
		if s.transport == radio.TransportWWAN && !s.m.RadioOn() {
			done(dataservice.ResultErrorIllegalState, nil)
			return
		}
		if cause := s.m.failureFor(req.Profile.APN); cause != dataservice.CauseNone {
			s.log.Info(context.Background(), "setup rejected",
				logging.String("apn", req.Profile.APN), logging.String("cause", cause.String()))
			done(dataservice.ResultSuccess, &dataservice.DataCallResponse{
				Cause:               cause,
				RetryDuration:       s.m.cfg.RetrySuggestion,
				HandoverFailureMode: dataservice.HandoverFailureLegacy,
			})
			return
		}
		resp := s.activate(req)
		s.log.Info(context.Background(), "data call up",
			logging.Int("cid", resp.ID), logging.String("apn", req.Profile.APN), logging.String("iface", resp.InterfaceName))
		done(dataservice.ResultSuccess, copyResponse(resp))
	})
}

// activate allocates a call for req and adds it to the call list.
func (s *Service) activate(req dataservice.SetupRequest) *dataservice.DataCallResponse {
	cid := s.m.allocateCID()
	addr, gw := s.addressFor(cid)
	resp := &dataservice.DataCallResponse{
		ID:            cid,
		RetryDuration: dataservice.RetryNone,
		LinkStatus:    dataservice.LinkActive,
		ProtocolType:  req.Profile.Protocol,
		InterfaceName: s.ifaceName(cid),
		Addresses:     []netip.Prefix{addr},
		DNS:           append([]netip.Addr(nil), s.m.cfg.DNS...),
		Gateways:      []netip.Addr{gw},
		MTU:           s.m.cfg.MTU,
		PduSessionID:  req.PduSessionID,
		SliceInfo:     req.SliceInfo,
	}
	if req.Profile.MTU > 0 {
		resp.MTU = req.Profile.MTU
	}
	if req.TrafficDescriptor != nil {
		resp.TrafficDescriptors = append(resp.TrafficDescriptors, *req.TrafficDescriptor)
	}
	s.mu.Lock()
	s.calls[cid] = resp
	s.mu.Unlock()
	return resp
}

func (s *Service) ifaceName(cid int) string {
	if s.transport == radio.TransportWLAN {
		return fmt.Sprintf("iwlan%d", cid)
	}
	return fmt.Sprintf("rmnet_data%d", cid)
}

// addressFor returns the cid'th host address of the transport pool and the
// pool's gateway, which is its first host.
func (s *Service) addressFor(cid int) (netip.Prefix, netip.Addr) {
	pool := s.m.cfg.Pools[s.transport]
	if !pool.IsValid() {
		pool = DefaultConfig().Pools[radio.TransportWWAN]
	}
	gw := pool.Masked().Addr().Next()
	addr := gw
	for range cid {
		addr = addr.Next()
	}
	return netip.PrefixFrom(addr, pool.Bits()), gw
}

func (s *Service) DeactivateDataCall(cid int, reason dataservice.RequestReason, done dataservice.ResultCallback) {
	s.m.after(func() {
		s.mu.Lock()
		_, ok := s.calls[cid]
		delete(s.calls, cid)
		delete(s.handovers, cid)
		s.mu.Unlock()
		if !ok {
			done(dataservice.ResultErrorInvalidArg)
			return
		}
		s.m.dropKeepalives(cid)
		s.log.Info(context.Background(), "data call down", logging.Int("cid", cid), logging.String("reason", reason.String()))
		done(dataservice.ResultSuccess)
		s.notify()
	})
}

func (s *Service) StartHandover(cid int, done dataservice.ResultCallback) {
	s.m.after(func() {
		s.mu.Lock()
		_, ok := s.calls[cid]
		if ok {
			s.handovers[cid] = true
		}
		s.mu.Unlock()
		if !ok {
			done(dataservice.ResultErrorInvalidArg)
			return
		}
		done(dataservice.ResultSuccess)
	})
}

func (s *Service) CancelHandover(cid int, done dataservice.ResultCallback) {
	s.m.after(func() {
		s.mu.Lock()
		ok := s.handovers[cid]
		delete(s.handovers, cid)
		s.mu.Unlock()
		if !ok {
			done(dataservice.ResultErrorIllegalState)
			return
		}
		done(dataservice.ResultSuccess)
	})
}

func (s *Service) RequestDataCallList(done dataservice.CallListCallback) {
	s.m.after(func() { done(dataservice.ResultSuccess, s.CallList()) })
}

func (s *Service) SetDataProfile(profiles []dataservice.DataProfile, _ bool, done dataservice.ResultCallback) {
	s.mu.Lock()
	s.profiles = append([]dataservice.DataProfile(nil), profiles...)
	s.mu.Unlock()
	if done != nil {
		s.m.after(func() { done(dataservice.ResultSuccess) })
	}
}

func (s *Service) SetInitialAttachAPN(profile dataservice.DataProfile, _ bool, done dataservice.ResultCallback) {
	s.mu.Lock()
	s.attach = &profile
	s.mu.Unlock()
	if done != nil {
		s.m.after(func() { done(dataservice.ResultSuccess) })
	}
}

func (s *Service) OnCallListChanged(fn func([]dataservice.DataCallResponse)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// CallList returns the active calls ordered by cid.
func (s *Service) CallList() []dataservice.DataCallResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	cids := make([]int, 0, len(s.calls))
	for cid := range s.calls {
		cids = append(cids, cid)
	}
	sort.Ints(cids)
	out := make([]dataservice.DataCallResponse, 0, len(cids))
	for _, cid := range cids {
		out = append(out, *copyResponse(s.calls[cid]))
	}
	return out
}

// ActiveCalls reports how many calls are up.
func (s *Service) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Setups reports how many setups were requested.
func (s *Service) Setups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setups
}

// Profiles returns the data profiles last pushed.
func (s *Service) Profiles() []dataservice.DataProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dataservice.DataProfile(nil), s.profiles...)
}

// InitialAttach returns the initial attach profile last pushed, if any.
func (s *Service) InitialAttach() (dataservice.DataProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attach == nil {
		return dataservice.DataProfile{}, false
	}
	return *s.attach, true
}

// DropCall simulates the network releasing cid. It reports whether the call
// existed.
func (s *Service) DropCall(cid int, cause dataservice.FailCause) bool {
	s.mu.Lock()
	_, ok := s.calls[cid]
	delete(s.calls, cid)
	delete(s.handovers, cid)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.m.dropKeepalives(cid)
	s.log.Warn(context.Background(), "network dropped data call", logging.Int("cid", cid), logging.String("cause", cause.String()))
	s.notify()
	return true
}

// SetLinkStatus changes the physical link status of cid and announces it.
func (s *Service) SetLinkStatus(cid int, status dataservice.LinkStatus) bool {
	s.mu.Lock()
	call, ok := s.calls[cid]
	if ok {
		call.LinkStatus = status
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

func (s *Service) dropAll(cause dataservice.FailCause) {
	s.mu.Lock()
	cids := make([]int, 0, len(s.calls))
	for cid := range s.calls {
		cids = append(cids, cid)
	}
	s.calls = make(map[int]*dataservice.DataCallResponse)
	s.handovers = make(map[int]bool)
	s.mu.Unlock()
	if len(cids) == 0 {
		return
	}
	for _, cid := range cids {
		s.m.dropKeepalives(cid)
	}
	s.log.Warn(context.Background(), "all data calls dropped", logging.Int("calls", len(cids)), logging.String("cause", cause.String()))
	s.notify()
}

// notify pushes the call list to every listener from the scheduler.
func (s *Service) notify() {
	s.mu.Lock()
	listeners := append([]func([]dataservice.DataCallResponse){}, s.listeners...)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return
	}
	list := s.CallList()
	s.m.sched.Schedule(s.m.sched.Now(), func() {
		for _, fn := range listeners {
			fn(list)
		}
	})
}

func copyResponse(r *dataservice.DataCallResponse) *dataservice.DataCallResponse {
	cp := *r
	cp.Addresses = append([]netip.Prefix(nil), r.Addresses...)
	cp.DNS = append([]netip.Addr(nil), r.DNS...)
	cp.Gateways = append([]netip.Addr(nil), r.Gateways...)
	cp.PCSCF = append([]netip.Addr(nil), r.PCSCF...)
	cp.TrafficDescriptors = append(cp.TrafficDescriptors[:0:0], r.TrafficDescriptors...)
	return &cp
}
