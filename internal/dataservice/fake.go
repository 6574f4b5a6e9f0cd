package dataservice

import (
	"sync"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// PendingSetup is a setup call held by FakeService until the test completes it.
type PendingSetup struct {
	Req  SetupRequest
	done SetupCallback

	mu        sync.Mutex
	completed bool
}

// Complete delivers the outcome once; later calls are ignored.
func (p *PendingSetup) Complete(rc ResultCode, resp *DataCallResponse) {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return
	}
	p.completed = true
	p.mu.Unlock()
	if p.done != nil {
		p.done(rc, resp)
	}
}

// Completed reports whether Complete has run.
func (p *PendingSetup) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// PendingRequest is a deactivate or handover call held by FakeService.
type PendingRequest struct {
	Op     string
	CID    int
	Reason RequestReason
	done   ResultCallback

	mu        sync.Mutex
	completed bool
}

// Complete delivers rc once.
func (p *PendingRequest) Complete(rc ResultCode) {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return
	}
	p.completed = true
	p.mu.Unlock()
	if p.done != nil {
		p.done(rc)
	}
}

// Completed reports whether Complete has run.
func (p *PendingRequest) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// FakeService is a scripted Service for tests. Calls are recorded and held
// until completed by the test, unless an Auto* hook answers them.
type FakeService struct {
	transport radio.Transport

	mu        sync.Mutex
	setups    []*PendingSetup
	requests  []*PendingRequest
	listReqs  []CallListCallback
	profiles  [][]DataProfile
	// listAnswered counts the call list requests already completed.
	listAnswered int
	attach    []DataProfile
	listeners []func([]DataCallResponse)

	// AutoSetup, when set, answers every setup synchronously.
	AutoSetup func(SetupRequest) (ResultCode, *DataCallResponse)
	// AutoRequests answers deactivate and handover calls with SUCCESS.
	AutoRequests bool
}

// NewFakeService returns a FakeService bound to transport.
func NewFakeService(transport radio.Transport) *FakeService {
	return &FakeService{transport: transport}
}

var _ Service = (*FakeService)(nil)

func (f *FakeService) Transport() radio.Transport { return f.transport }

func (f *FakeService) SetupDataCall(req SetupRequest, done SetupCallback) {
	p := &PendingSetup{Req: req, done: done}
	f.mu.Lock()
	f.setups = append(f.setups, p)
	auto := f.AutoSetup
	f.mu.Unlock()
	if auto != nil {
		p.Complete(auto(req))
	}
}

func (f *FakeService) record(op string, cid int, reason RequestReason, done ResultCallback) {
	p := &PendingRequest{Op: op, CID: cid, Reason: reason, done: done}
	f.mu.Lock()
	f.requests = append(f.requests, p)
	auto := f.AutoRequests
	f.mu.Unlock()
	if auto {
		p.Complete(ResultSuccess)
	}
}

func (f *FakeService) DeactivateDataCall(cid int, reason RequestReason, done ResultCallback) {
	f.record("deactivate", cid, reason, done)
}

func (f *FakeService) StartHandover(cid int, done ResultCallback) {
	f.record("start_handover", cid, ReasonHandover, done)
}

func (f *FakeService) CancelHandover(cid int, done ResultCallback) {
	f.record("cancel_handover", cid, ReasonHandover, done)
}

func (f *FakeService) RequestDataCallList(done CallListCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listReqs = append(f.listReqs, done)
}

func (f *FakeService) SetDataProfile(profiles []DataProfile, roaming bool, done ResultCallback) {
	f.mu.Lock()
	f.profiles = append(f.profiles, profiles)
	f.mu.Unlock()
	if done != nil {
		done(ResultSuccess)
	}
}

func (f *FakeService) SetInitialAttachAPN(profile DataProfile, roaming bool, done ResultCallback) {
	f.mu.Lock()
	f.attach = append(f.attach, profile)
	f.mu.Unlock()
	if done != nil {
		done(ResultSuccess)
	}
}

func (f *FakeService) OnCallListChanged(fn func([]DataCallResponse)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// PushCallList delivers an unsolicited call list to every listener.
func (f *FakeService) PushCallList(list []DataCallResponse) {
	f.mu.Lock()
	ls := append([]func([]DataCallResponse)(nil), f.listeners...)
	f.mu.Unlock()
	for _, fn := range ls {
		fn(list)
	}
}

// Setups returns every setup call seen so far.
func (f *FakeService) Setups() []*PendingSetup {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*PendingSetup(nil), f.setups...)
}

// LastSetup returns the most recent setup call, or nil.
func (f *FakeService) LastSetup() *PendingSetup {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.setups) == 0 {
		return nil
	}
	return f.setups[len(f.setups)-1]
}

// Requests returns the recorded calls of the given op.
func (f *FakeService) Requests(op string) []*PendingRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*PendingRequest
	for _, r := range f.requests {
		if r.Op == op {
			out = append(out, r)
		}
	}
	return out
}

// LastRequest returns the most recent call of the given op, or nil.
func (f *FakeService) LastRequest(op string) *PendingRequest {
	reqs := f.Requests(op)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// CallListRequests reports how many call list requests were made.
func (f *FakeService) CallListRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listReqs)
}

// AnswerCallListRequests completes every call list request made so far.
// Answered requests still count in CallListRequests.
func (f *FakeService) AnswerCallListRequests(rc ResultCode, list []DataCallResponse) {
	f.mu.Lock()
	pending := f.listReqs[f.listAnswered:]
	f.listAnswered = len(f.listReqs)
	f.mu.Unlock()
	for _, done := range pending {
		done(rc, list)
	}
}

// ProfilePushes returns the data profile lists pushed so far.
func (f *FakeService) ProfilePushes() [][]DataProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]DataProfile(nil), f.profiles...)
}

// InitialAttachPushes returns the initial attach profiles pushed so far.
func (f *FakeService) InitialAttachPushes() []DataProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DataProfile(nil), f.attach...)
}

// FakeModem is a Modem that records commands and answers synchronously.
type FakeModem struct {
	mu         sync.Mutex
	nextPdu    int
	released   []int
	keepalives map[int]KeepalivePacket
	nextHandle int
	power      []bool
	reregister int

	// KeepaliveErr, when set, is returned for every keepalive start.
	KeepaliveErr error
}

// NewFakeModem returns an empty FakeModem.
func NewFakeModem() *FakeModem {
	return &FakeModem{nextPdu: 1, nextHandle: 1, keepalives: map[int]KeepalivePacket{}}
}

var _ Modem = (*FakeModem)(nil)

func (m *FakeModem) AllocatePduSessionID(done func(int, error)) {
	m.mu.Lock()
	id := m.nextPdu
	m.nextPdu++
	m.mu.Unlock()
	done(id, nil)
}

func (m *FakeModem) ReleasePduSessionID(id int, done func(error)) {
	m.mu.Lock()
	m.released = append(m.released, id)
	m.mu.Unlock()
	if done != nil {
		done(nil)
	}
}

func (m *FakeModem) StartNattKeepalive(cid int, pkt KeepalivePacket, interval time.Duration, done func(KeepaliveStatus)) {
	m.mu.Lock()
	if m.KeepaliveErr != nil {
		err := m.KeepaliveErr
		m.mu.Unlock()
		done(KeepaliveStatus{Code: KeepaliveInactive, Err: err})
		return
	}
	h := m.nextHandle
	m.nextHandle++
	m.keepalives[h] = pkt
	m.mu.Unlock()
	done(KeepaliveStatus{SessionHandle: h, Code: KeepaliveActive})
}

func (m *FakeModem) StopNattKeepalive(handle int, done func(KeepaliveStatus)) {
	m.mu.Lock()
	delete(m.keepalives, handle)
	m.mu.Unlock()
	done(KeepaliveStatus{SessionHandle: handle, Code: KeepaliveInactive})
}

func (m *FakeModem) SetRadioPower(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.power = append(m.power, on)
}

func (m *FakeModem) ReRegister() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reregister++
}

// ReleasedPduSessions returns released session ids in order.
func (m *FakeModem) ReleasedPduSessions() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.released...)
}

// PowerCommands returns every SetRadioPower argument in order.
func (m *FakeModem) PowerCommands() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.power...)
}

// ReRegisterCount reports how many re-registrations were requested.
func (m *FakeModem) ReRegisterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reregister
}

// ActiveKeepalives reports how many keepalive sessions are running.
func (m *FakeModem) ActiveKeepalives() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keepalives)
}
