package tracker

import (
	"context"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
	"github.com/signalsfoundry/cellular-data-manager/internal/settings"
)

// RecoveryAction is one step of the data stall recovery ladder. Each
// recovery runs the current step and advances to the next.
type RecoveryAction int

const (
	RecoveryGetDataCallList RecoveryAction = iota
	RecoveryCleanup
	RecoveryReRegister
	RecoveryRadioRestart
)

func (a RecoveryAction) String() string {
	switch a {
	case RecoveryGetDataCallList:
		return "GET_DATA_CALL_LIST"
	case RecoveryCleanup:
		return "CLEANUP"
	case RecoveryReRegister:
		return "REREGISTER"
	case RecoveryRadioRestart:
		return "RADIO_RESTART"
	}
	return "UNKNOWN"
}

type stallState struct {
	action RecoveryAction
	// alarm is the pending watchdog alarm id; tag invalidates fired alarms
	// that were stopped after being queued.
	alarm string
	tag   int

	txTotal, rxTotal  int64
	seeded            bool
	sentSinceLastRecv int64
	validNetwork      bool
	lastRecovery      time.Time
	recoveries        int
}

// StallSnapshot is the watchdog's state for debug output.
type StallSnapshot struct {
	Action            string    `json:"action"`
	Watching          bool      `json:"watching"`
	SentSinceLastRecv int64     `json:"sent_since_last_recv"`
	ValidNetwork      bool      `json:"valid_network"`
	LastRecovery      time.Time `json:"last_recovery,omitempty"`
	Recoveries        int       `json:"recoveries"`
}

func (t *Tracker) stallSnapshot() StallSnapshot {
	return StallSnapshot{
		Action:            t.stall.action.String(),
		Watching:          t.stall.alarm != "",
		SentSinceLastRecv: t.stall.sentSinceLastRecv,
		ValidNetwork:      t.stall.validNetwork,
		LastRecovery:      t.stall.lastRecovery,
		Recoveries:        t.stall.recoveries,
	}
}

func (t *Tracker) loadRecoveryAction() {
	ctx := context.Background()
	n, err := settings.Int(ctx, t.store, t.subKey(settings.KeyRecoveryAction), int(RecoveryGetDataCallList))
	if err != nil {
		t.log.Warn(ctx, "read recovery action", logging.Err(err))
	}
	if n < int(RecoveryGetDataCallList) || n > int(RecoveryRadioRestart) {
		n = int(RecoveryGetDataCallList)
	}
	t.stall.action = RecoveryAction(n)
}

// putRecoveryAction stores a, moving past steps the carrier disabled.
func (t *Tracker) putRecoveryAction(a RecoveryAction) {
	cfg := t.carrier.Stall
	for range 4 {
		skip := (a == RecoveryCleanup && cfg.SkipCleanup) ||
			(a == RecoveryReRegister && cfg.SkipReRegister) ||
			(a == RecoveryRadioRestart && cfg.SkipRadioReboot)
		if !skip {
			break
		}
		a = (a + 1) % (RecoveryRadioRestart + 1)
	}
	if t.stall.action == a {
		return
	}
	t.stall.action = a
	ctx := context.Background()
	if err := settings.PutInt(ctx, t.store, t.subKey(settings.KeyRecoveryAction), int(a)); err != nil {
		t.log.Warn(ctx, "persist recovery action", logging.String("action", a.String()), logging.Err(err))
	}
}

func (t *Tracker) stallWatchdogEnabled() bool {
	return t.transport == radio.TransportWWAN && t.traffic != nil && t.carrier.Stall.Enabled && !t.failFast
}

// startDataStallAlarm arms the watchdog when data is connected. suspected
// selects the aggressive poll interval.
func (t *Tracker) startDataStallAlarm(suspected bool) {
	if !t.stallWatchdogEnabled() || !t.isAnyDataConnected() {
		return
	}
	cfg := t.carrier.Stall
	delay := cfg.PassiveDelay
	if suspected || t.stall.action != RecoveryGetDataCallList {
		delay = cfg.AggressiveDelay
	}
	if !t.stall.seeded {
		t.stall.txTotal, t.stall.rxTotal = t.traffic.PacketTotals()
		t.stall.seeded = true
	}
	t.cancelStallAlarm()
	tag := t.stall.tag
	t.stall.alarm = t.h.PostDelayed(delay, func() { t.onDataStallAlarm(tag) })
}

func (t *Tracker) stopDataStallAlarm() {
	t.cancelStallAlarm()
	t.stall.seeded = false
}

func (t *Tracker) cancelStallAlarm() {
	t.stall.tag++
	if t.stall.alarm != "" {
		t.h.Cancel(t.stall.alarm)
		t.stall.alarm = ""
	}
}

func (t *Tracker) onDataStallAlarm(tag int) {
	if tag != t.stall.tag {
		return
	}
	t.stall.alarm = ""
	t.updateDataStallInfo()
	suspected := t.stall.sentSinceLastRecv >= t.carrier.Stall.TriggerPackets
	if suspected {
		t.log.Warn(context.Background(), "data stall suspected",
			logging.Int64("sent_since_last_recv", t.stall.sentSinceLastRecv),
			logging.String("action", t.stall.action.String()))
		t.doRecovery()
	}
	t.startDataStallAlarm(suspected)
}

// updateDataStallInfo folds the packet deltas since the last poll into the
// sent-without-receive counter.
func (t *Tracker) updateDataStallInfo() {
	tx, rx := t.traffic.PacketTotals()
	sent, received := tx-t.stall.txTotal, rx-t.stall.rxTotal
	t.stall.txTotal, t.stall.rxTotal = tx, rx
	switch {
	case received > 0:
		t.stall.sentSinceLastRecv = 0
		t.putRecoveryAction(RecoveryGetDataCallList)
	case sent > 0:
		if t.ss.VoiceCallActive && !t.ss.ConcurrentVoiceData {
			t.stall.sentSinceLastRecv = 0
		} else {
			t.stall.sentSinceLastRecv += sent
		}
	}
}

// processNetworkStatusChanged feeds a validation result of the default
// connection into the recovery ladder.
func (t *Tracker) processNetworkStatusChanged(valid bool) {
	if valid {
		t.stall.validNetwork = true
		t.putRecoveryAction(RecoveryGetDataCallList)
		return
	}
	if t.stall.validNetwork || t.stall.action != RecoveryGetDataCallList {
		t.stall.validNetwork = false
		t.doRecovery()
	}
}

// doRecovery runs the current recovery step and advances the ladder.
func (t *Tracker) doRecovery() {
	ctx := context.Background()
	if t.overallState() != StateConnected {
		return
	}
	a := t.stall.action
	now := t.h.Now()
	if !t.stall.lastRecovery.IsZero() && now.Sub(t.stall.lastRecovery) < t.carrier.Stall.MinRecoveryDelay {
		t.log.Info(ctx, "recovery skipped, too soon", logging.String("action", a.String()))
		return
	}
	if a >= RecoveryCleanup && t.ss.VoiceCallActive {
		t.log.Info(ctx, "recovery skipped during voice call", logging.String("action", a.String()))
		return
	}
	t.stall.lastRecovery = now
	t.stall.recoveries++
	t.log.Warn(ctx, "data stall recovery", logging.String("action", a.String()))
	t.metrics.RecoveryAction(t.transport, a.String())
	switch a {
	case RecoveryGetDataCallList:
		t.ctl.RequestCallList(nil)
		t.putRecoveryAction(RecoveryCleanup)
	case RecoveryCleanup:
		t.cleanUpAllConnectionsInternal(true, dataconn.ReasonPDPReset)
		t.putRecoveryAction(RecoveryReRegister)
	case RecoveryReRegister:
		t.modem.ReRegister()
		t.putRecoveryAction(RecoveryRadioRestart)
	case RecoveryRadioRestart:
		t.restartRadio()
		t.putRecoveryAction(RecoveryGetDataCallList)
	}
	t.stall.sentSinceLastRecv = 0
}
