package controller

import (
	"fmt"
	"sync"
)

// Stats tracks in-memory counters for call list reconciliation.
// All counters are concurrency-safe; the debug surface reads them off the
// handler goroutine.
type Stats struct {
	mu sync.Mutex

	// Modem → controller
	NumCallLists         uint64
	NumUnknownCIDs       uint64
	NumLinkStatusChanges uint64

	// Controller → connections
	NumInPlaceUpdates uint64
	NumLostCalls      uint64
	NumCleanups       uint64
	NumRadioRestarts  uint64
	NumTDUpdates      uint64
}

// NewStats creates a Stats with every counter at zero.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) inc(counter *uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*counter++
}

// IncCallLists counts a call list snapshot.
func (s *Stats) IncCallLists() { s.inc(&s.NumCallLists) }

// IncUnknownCIDs counts a listed call no active connection owns.
func (s *Stats) IncUnknownCIDs() { s.inc(&s.NumUnknownCIDs) }

// IncLinkStatusChanges counts a change of the aggregate physical link status.
func (s *Stats) IncLinkStatusChanges() { s.inc(&s.NumLinkStatusChanges) }

// IncInPlaceUpdates counts link properties updated without a restart.
func (s *Stats) IncInPlaceUpdates() { s.inc(&s.NumInPlaceUpdates) }

// IncLostCalls counts active connections missing from a snapshot.
func (s *Stats) IncLostCalls() { s.inc(&s.NumLostCalls) }

// IncCleanups counts connections handed back to the tracker for cleanup.
func (s *Stats) IncCleanups() { s.inc(&s.NumCleanups) }

// IncRadioRestarts counts radio restarts requested by a snapshot.
func (s *Stats) IncRadioRestarts() { s.inc(&s.NumRadioRestarts) }

// IncTDUpdates counts traffic descriptor drift detected in a snapshot.
func (s *Stats) IncTDUpdates() { s.inc(&s.NumTDUpdates) }

// StatsSnapshot is a copy of the counters, safe to read without the mutex.
type StatsSnapshot struct {
	NumCallLists         uint64 `json:"call_lists"`
	NumUnknownCIDs       uint64 `json:"unknown_cids"`
	NumLinkStatusChanges uint64 `json:"link_status_changes"`
	NumInPlaceUpdates    uint64 `json:"in_place_updates"`
	NumLostCalls         uint64 `json:"lost_calls"`
	NumCleanups          uint64 `json:"cleanups"`
	NumRadioRestarts     uint64 `json:"radio_restarts"`
	NumTDUpdates         uint64 `json:"td_updates"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		NumCallLists:         s.NumCallLists,
		NumUnknownCIDs:       s.NumUnknownCIDs,
		NumLinkStatusChanges: s.NumLinkStatusChanges,
		NumInPlaceUpdates:    s.NumInPlaceUpdates,
		NumLostCalls:         s.NumLostCalls,
		NumCleanups:          s.NumCleanups,
		NumRadioRestarts:     s.NumRadioRestarts,
		NumTDUpdates:         s.NumTDUpdates,
	}
}

func (s *Stats) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf("controller stats: lists=%d unknown=%d link_changes=%d updates=%d lost=%d cleanups=%d restarts=%d td=%d",
		snap.NumCallLists,
		snap.NumUnknownCIDs,
		snap.NumLinkStatusChanges,
		snap.NumInPlaceUpdates,
		snap.NumLostCalls,
		snap.NumCleanups,
		snap.NumRadioRestarts,
		snap.NumTDUpdates,
	)
}
