package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
	"github.com/signalsfoundry/cellular-data-manager/internal/throttle"
)

type retryFixture struct {
	now time.Time
	thr *throttle.Throttler
	m   *RetryManager
}

func newRetryFixture(pattern string, apns ...*apn.Setting) *retryFixture {
	f := &retryFixture{now: testStart}
	clock := func() time.Time { return f.now }
	f.thr = throttle.New(radio.TransportWWAN, clock)
	f.m = NewRetryManager(apn.TypeDefault, f.thr, clock, nil)
	f.m.SetJitter(func(time.Duration) time.Duration { return 0 })
	f.m.Configure(pattern)
	f.m.SetWaitingAPNs(apns)
	return f
}

func TestRetryPatternWalk(t *testing.T) {
	a := testAPN(1, "a", apn.TypeDefault)
	b := testAPN(2, "b", apn.TypeDefault)
	f := newRetryFixture("max_retries=2, 5000, 10000", a, b)

	require.Same(t, a, f.m.NextAPNSetting())
	d, ok := f.m.DelayForNextAPN(false)
	require.True(t, ok)
	assert.Equal(t, interAPNDelay, d)

	require.Same(t, b, f.m.NextAPNSetting())
	d, ok = f.m.DelayForNextAPN(false)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d, "wrapping around uses the pattern")
	assert.Equal(t, 1, f.m.RetryCount())

	require.Same(t, a, f.m.NextAPNSetting())
	f.m.NextAPNSetting()
	d, ok = f.m.DelayForNextAPN(false)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, d)

	f.m.NextAPNSetting()
	f.m.NextAPNSetting()
	_, ok = f.m.DelayForNextAPN(false)
	assert.False(t, ok, "retries beyond max_retries")
}

func TestRetryInfiniteRepeatsLastEntry(t *testing.T) {
	f := newRetryFixture("max_retries=infinite, 1000, 2000", testAPN(1, "a", apn.TypeDefault))

	var got []time.Duration
	for range 4 {
		f.m.NextAPNSetting()
		d, ok := f.m.DelayForNextAPN(false)
		require.True(t, ok)
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, got)
}

func TestRetryRandomization(t *testing.T) {
	f := newRetryFixture("default_randomization=500, 1000, 2000:3000", testAPN(1, "a", apn.TypeDefault))
	var maxes []time.Duration
	f.m.SetJitter(func(max time.Duration) time.Duration {
		maxes = append(maxes, max)
		return max / 2
	})

	f.m.NextAPNSetting()
	d, _ := f.m.DelayForNextAPN(false)
	assert.Equal(t, 1250*time.Millisecond, d)
	f.m.NextAPNSetting()
	d, _ = f.m.DelayForNextAPN(false)
	assert.Equal(t, 3500*time.Millisecond, d)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 3 * time.Second}, maxes)
}

func TestRetryBadPatternDisablesRetries(t *testing.T) {
	f := newRetryFixture("max_retries=3, 1000, oops", testAPN(1, "a", apn.TypeDefault))
	f.m.NextAPNSetting()
	_, ok := f.m.DelayForNextAPN(false)
	assert.False(t, ok)
}

func TestRetryFailFastCapsDelay(t *testing.T) {
	f := newRetryFixture("max_retries=infinite, 60000", testAPN(1, "a", apn.TypeDefault), testAPN(2, "b", apn.TypeDefault))

	f.m.NextAPNSetting()
	d, ok := f.m.DelayForNextAPN(true)
	require.True(t, ok)
	assert.Equal(t, failFastInterAPNDelay, d)
}

func TestRetryModemSuggestionKeepsCandidate(t *testing.T) {
	a := testAPN(1, "a", apn.TypeDefault)
	b := testAPN(2, "b", apn.TypeDefault)
	f := newRetryFixture("max_retries=infinite, 5000", a, b)

	require.Same(t, a, f.m.NextAPNSetting())
	f.thr.SetRetryTime(apn.TypeDefault, throttle.FromSuggestion(f.now, 7*time.Second), dataservice.RequestNormal)

	for i := range maxSameAPNRetry {
		d, ok := f.m.DelayForNextAPN(false)
		require.True(t, ok)
		assert.Equal(t, 7*time.Second, d)
		require.Same(t, a, f.m.NextAPNSetting(), "attempt %d", i)
	}

	// The same candidate is given up after maxSameAPNRetry suggestions.
	d, ok := f.m.DelayForNextAPN(false)
	require.True(t, ok)
	assert.Equal(t, interAPNDelay, d)
	assert.Same(t, b, f.m.NextAPNSetting())
}

func TestRetryModemSaysNever(t *testing.T) {
	f := newRetryFixture("max_retries=infinite, 5000", testAPN(1, "a", apn.TypeDefault))
	f.m.NextAPNSetting()
	f.thr.SetRetryTime(apn.TypeDefault, throttle.NoRetry, dataservice.RequestNormal)

	_, ok := f.m.DelayForNextAPN(false)
	assert.False(t, ok)
}

func TestRetryExpiredSuggestionIgnored(t *testing.T) {
	f := newRetryFixture("max_retries=infinite, 5000", testAPN(1, "a", apn.TypeDefault))
	f.m.NextAPNSetting()
	f.thr.SetRetryTime(apn.TypeDefault, throttle.FromSuggestion(f.now, time.Second), dataservice.RequestNormal)
	f.now = f.now.Add(2 * time.Second)

	d, ok := f.m.DelayForNextAPN(false)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
}

func TestRetryPermanentFailures(t *testing.T) {
	a := testAPN(1, "a", apn.TypeDefault)
	b := testAPN(2, "b", apn.TypeDefault)
	f := newRetryFixture("max_retries=infinite, 5000", a, b)

	f.m.NextAPNSetting()
	f.m.MarkPermanentFailed(a)
	d, ok := f.m.DelayForNextAPN(false)
	require.True(t, ok)
	assert.Equal(t, interAPNDelay, d)
	require.Same(t, b, f.m.NextAPNSetting())

	// Only b is left, so the next delay is a full retry.
	d, ok = f.m.DelayForNextAPN(false)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
	require.Same(t, b, f.m.NextAPNSetting())

	f.m.MarkPermanentFailed(b)
	_, ok = f.m.DelayForNextAPN(false)
	assert.False(t, ok)
	assert.Nil(t, f.m.NextAPNSetting())
}

func TestValidateRetryPattern(t *testing.T) {
	assert.NoError(t, ValidateRetryPattern("max_retries=infinite, 1000, 2000:500"))
	assert.NoError(t, ValidateRetryPattern(""))
	assert.Error(t, ValidateRetryPattern("1000, soon"))
	assert.Error(t, ValidateRetryPattern("max_retries=lots"))
	assert.Error(t, ValidateRetryPattern("backoff=2, 1000"))
}
