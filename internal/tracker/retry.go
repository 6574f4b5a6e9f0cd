package tracker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
	"github.com/signalsfoundry/cellular-data-manager/internal/throttle"
)

const (
	// maxSameAPNRetry bounds how often a modem-suggested delay keeps the
	// same candidate before moving on.
	maxSameAPNRetry = 3
	// interAPNDelay separates attempts on consecutive candidates.
	interAPNDelay = 20 * time.Second
	// failFastInterAPNDelay caps every delay while fail-fast is on.
	failFastInterAPNDelay = 3 * time.Second
)

// retryEntry is one step of a retry pattern.
type retryEntry struct {
	delay      time.Duration
	randomness time.Duration
}

// RetryManager walks the candidate APN list of one context and computes the
// delay before each attempt. It is not safe for concurrent use; the tracker
// only touches it on its handler.
type RetryManager struct {
	typ       apn.Type
	throttler *throttle.Throttler
	now       func() time.Time
	jitter    func(max time.Duration) time.Duration
	log       logging.Logger

	pattern    string
	entries    []retryEntry
	maxRetries int
	forever    bool

	waiting    []*apn.Setting
	failed     []bool
	current    int
	retryCount int
	sameCount  int
	// retrySame is set when the last delay came from the modem, so the next
	// attempt reuses the current candidate.
	retrySame bool
}

// NewRetryManager returns a manager for purpose t. Modem-suggested delays
// are read from thr.
func NewRetryManager(t apn.Type, thr *throttle.Throttler, now func() time.Time, log logging.Logger) *RetryManager {
	if log == nil {
		log = logging.Noop()
	}
	return &RetryManager{
		typ:       t,
		throttler: thr,
		now:       now,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max)
		},
		log:     log,
		current: -1,
	}
}

// SetJitter replaces the random source used for per-step randomization.
func (m *RetryManager) SetJitter(fn func(max time.Duration) time.Duration) { m.jitter = fn }

// Configure installs a retry pattern. An unparsable pattern leaves the
// manager with no delays, which disables retries.
func (m *RetryManager) Configure(pattern string) {
	if pattern == m.pattern && m.entries != nil {
		return
	}
	m.pattern = pattern
	parsed, unknown, err := parseRetryPattern(pattern)
	for _, k := range unknown {
		m.log.Warn(context.Background(), "unknown retry key", logging.String("key", k))
	}
	if err != nil {
		m.log.Warn(context.Background(), "bad retry pattern", logging.String("pattern", pattern), logging.Err(err))
		parsed = retryPattern{entries: []retryEntry{}}
	}
	m.entries = parsed.entries
	m.maxRetries = parsed.maxRetries
	m.forever = parsed.forever
}

type retryPattern struct {
	entries    []retryEntry
	maxRetries int
	forever    bool
}

// ValidateRetryPattern reports whether pattern parses.
func ValidateRetryPattern(pattern string) error {
	_, unknown, err := parseRetryPattern(pattern)
	if err != nil {
		return err
	}
	if len(unknown) > 0 {
		return errors.Errorf("unknown retry keys %v", unknown)
	}
	return nil
}

// parseRetryPattern parses patterns such as
// "max_retries=3, 5000, 5000:1000, 30000". Entries are delays in milliseconds
// with an optional ":randomization" suffix. "max_retries=infinite" retries
// forever and "default_randomization=ms" applies to entries without a suffix.
func parseRetryPattern(pattern string) (retryPattern, []string, error) {
	var (
		out     retryPattern
		unknown []string
		defRand time.Duration
	)
	for _, raw := range strings.Split(pattern, ",") {
		field := strings.TrimSpace(raw)
		if field == "" {
			continue
		}
		if k, v, ok := strings.Cut(field, "="); ok {
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			switch k {
			case "default_randomization":
				ms, err := cast.ToInt64E(v)
				if err != nil {
					return retryPattern{}, unknown, errors.Wrap(err, "default_randomization")
				}
				defRand = time.Duration(ms) * time.Millisecond
			case "max_retries":
				if v == "infinite" {
					out.forever = true
					continue
				}
				n, err := cast.ToIntE(v)
				if err != nil {
					return retryPattern{}, unknown, errors.Wrap(err, "max_retries")
				}
				out.maxRetries = n
			default:
				unknown = append(unknown, k)
			}
			continue
		}
		delayStr, randStr, hasRand := strings.Cut(field, ":")
		delay, err := cast.ToInt64E(strings.TrimSpace(delayStr))
		if err != nil {
			return retryPattern{}, unknown, errors.Wrapf(err, "delay %q", field)
		}
		e := retryEntry{delay: time.Duration(delay) * time.Millisecond, randomness: defRand}
		if hasRand {
			r, err := cast.ToInt64E(strings.TrimSpace(randStr))
			if err != nil {
				return retryPattern{}, unknown, errors.Wrapf(err, "randomization %q", field)
			}
			e.randomness = time.Duration(r) * time.Millisecond
		}
		out.entries = append(out.entries, e)
	}
	if len(out.entries) > out.maxRetries {
		out.maxRetries = len(out.entries)
	}
	return out, unknown, nil
}

// SetWaitingAPNs installs a fresh candidate list and restarts the walk.
func (m *RetryManager) SetWaitingAPNs(list []*apn.Setting) {
	m.waiting = list
	m.failed = make([]bool, len(list))
	m.current = -1
	m.retryCount = 0
	m.sameCount = 0
	m.retrySame = false
}

// WaitingAPNs returns the current candidate list.
func (m *RetryManager) WaitingAPNs() []*apn.Setting { return m.waiting }

// RetryCount is the number of completed passes over the candidate list.
func (m *RetryManager) RetryCount() int { return m.retryCount }

// MarkPermanentFailed removes s from further consideration.
func (m *RetryManager) MarkPermanentFailed(s *apn.Setting) {
	for i, w := range m.waiting {
		if w.Equal(s) {
			m.failed[i] = true
		}
	}
}

// modemSuggestion reads the throttle entry for the purpose. ok is false when
// the modem suggested nothing or the suggested time has passed.
func (m *RetryManager) modemSuggestion() (delay time.Duration, never, ok bool) {
	if m.throttler == nil {
		return 0, false, false
	}
	r := m.throttler.RetryTime(m.typ)
	switch {
	case r.Never:
		return 0, true, true
	case !r.At.After(m.now()):
		return 0, false, false
	}
	return r.At.Sub(m.now()), false, true
}

// NextAPNSetting returns the candidate for the next attempt, or nil when
// every candidate has failed permanently.
func (m *RetryManager) NextAPNSetting() *apn.Setting {
	if len(m.waiting) == 0 {
		return nil
	}
	if m.retrySame && m.current >= 0 && m.sameCount < maxSameAPNRetry {
		m.retrySame = false
		m.sameCount++
		return m.waiting[m.current]
	}
	m.retrySame = false
	m.sameCount = 0
	if idx := m.nextUsable(); idx >= 0 {
		m.current = idx
		return m.waiting[idx]
	}
	return nil
}

// nextUsable returns the index of the next candidate after the current one
// that has not failed permanently, wrapping around, or -1.
func (m *RetryManager) nextUsable() int {
	n := len(m.waiting)
	for i := 1; i <= n; i++ {
		idx := (m.current + i) % n
		if !m.failed[idx] {
			return idx
		}
	}
	return -1
}

// DelayForNextAPN returns the delay before the next attempt. ok is false when
// no further attempt should be made.
func (m *RetryManager) DelayForNextAPN(failFast bool) (time.Duration, bool) {
	m.retrySame = false
	if len(m.waiting) == 0 {
		return 0, false
	}
	if d, never, ok := m.modemSuggestion(); ok {
		if never {
			return 0, false
		}
		if m.sameCount < maxSameAPNRetry {
			m.retrySame = true
			return d, true
		}
	}

	next := m.nextUsable()
	if next < 0 {
		return 0, false
	}

	var delay time.Duration
	if next <= m.current {
		if !m.forever && m.retryCount+1 > m.maxRetries {
			return 0, false
		}
		delay = m.retryTimer()
		m.retryCount++
	} else {
		delay = interAPNDelay
	}
	if failFast && delay > failFastInterAPNDelay {
		delay = failFastInterAPNDelay
	}
	return delay, true
}

func (m *RetryManager) retryTimer() time.Duration {
	if len(m.entries) == 0 {
		return 0
	}
	i := min(m.retryCount, len(m.entries)-1)
	e := m.entries[i]
	return e.delay + m.jitter(e.randomness)
}

func (m *RetryManager) String() string {
	return fmt.Sprintf("waiting=%d current=%d retries=%d/%d forever=%t",
		len(m.waiting), m.current, m.retryCount, m.maxRetries, m.forever)
}
