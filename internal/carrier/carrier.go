// Package carrier holds the per-carrier policy values the connection and
// tracker layers read: metered purposes, bandwidth and TCP buffer tables,
// retry patterns, watchdog timings and DNS quirks.
package carrier

import (
	"slices"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// BandwidthSource selects where link bandwidth estimates come from.
type BandwidthSource string

const (
	BandwidthFromCarrierConfig BandwidthSource = "carrier_config"
	BandwidthFromModem         BandwidthSource = "modem"
	BandwidthFromEstimator     BandwidthSource = "bandwidth_estimator"
)

// Config is one carrier's policy.
type Config struct {
	Metered apn.MeteredPolicy

	// DefaultMTU applies when neither the call response nor the profile set one.
	DefaultMTU int

	BandwidthSource BandwidthSource
	Bandwidths      map[string]Bandwidth
	// TCPBuffers overrides the built-in table, keyed by RAT name.
	TCPBuffers map[string]string

	AdminUIDs         []int
	CarrierServiceUID int

	// DNSCheckDisabled turns off the zero-DNS workaround.
	DNSCheckDisabled bool
	// SystemDNS is the fallback DNS pair used when a call response has none.
	SystemDNS [2]string

	// Disallowed purposes per transport are never advertised as capabilities.
	DisallowedWWAN apn.Type
	DisallowedWLAN apn.Type

	MMSAlwaysAllowed bool

	// SingleDataRATs lists technologies that only allow one data call.
	SingleDataRATs []radio.RAT

	// RetryPatterns is keyed by purpose name; "others" is the fallback.
	RetryPatterns map[string]string
	// RetryAfterDisconnect is the delay before reconnecting after a detach.
	RetryAfterDisconnect time.Duration

	RadioRestartCauses []dataservice.FailCause
	// RestartRadioOnRegularDeactivation restarts the radio when a call is
	// torn down by the network with REGULAR_DEACTIVATION.
	RestartRadioOnRegularDeactivation bool
	// NotifyPermanentFailure raises a user notification for permanent
	// failures on the default purpose.
	NotifyPermanentFailure bool

	ProvisioningTimeout time.Duration

	Stall StallConfig
}

// StallConfig tunes the data stall watchdog.
type StallConfig struct {
	Enabled          bool
	TriggerPackets   int64
	AggressiveDelay  time.Duration
	PassiveDelay     time.Duration
	MinRecoveryDelay time.Duration
	// Recovery steps that may be skipped by the carrier.
	SkipCleanup     bool
	SkipReRegister  bool
	SkipRadioReboot bool
}

// Default returns the stock policy used when no carrier profile is loaded.
func Default() Config {
	return Config{
		Metered:              apn.DefaultMeteredPolicy(),
		DefaultMTU:           1500,
		BandwidthSource:      BandwidthFromCarrierConfig,
		Bandwidths:           DefaultBandwidths(),
		CarrierServiceUID:    -1,
		SingleDataRATs:       []radio.RAT{radio.RAT1xRTT, radio.RATEVDO0, radio.RATEVDOA, radio.RATEVDOB, radio.RATEHRPD},
		RetryPatterns:        map[string]string{"others": DefaultRetryPattern},
		RetryAfterDisconnect: 10 * time.Second,
		ProvisioningTimeout:  15 * time.Minute,
		Stall: StallConfig{
			Enabled:          true,
			TriggerPackets:   10,
			AggressiveDelay:  time.Minute,
			PassiveDelay:     6 * time.Minute,
			MinRecoveryDelay: 3 * time.Minute,
		},
	}
}

// DefaultRetryPattern is the stock retry pattern for every purpose.
const DefaultRetryPattern = "max_retries=infinite,5000,5000,10000,20000,40000,80000:5000,160000:5000,320000:5000,640000:5000,1280000:5000,1800000:5000"

// IsSingleDataRAT reports whether rat only allows one data call at a time.
func (c *Config) IsSingleDataRAT(rat radio.RAT) bool {
	return slices.Contains(c.SingleDataRATs, rat)
}

// Disallowed returns the purposes never advertised on transport.
func (c *Config) Disallowed(t radio.Transport) apn.Type {
	if t == radio.TransportWLAN {
		return c.DisallowedWLAN
	}
	return c.DisallowedWWAN
}

// RetryPattern returns the retry pattern for purpose t.
func (c *Config) RetryPattern(t apn.Type) string {
	if p, ok := c.RetryPatterns[t.String()]; ok && p != "" {
		return p
	}
	if p, ok := c.RetryPatterns["others"]; ok && p != "" {
		return p
	}
	return DefaultRetryPattern
}

// IsAdmin reports whether uid is a carrier administrator.
func (c *Config) IsAdmin(uid int) bool {
	return slices.Contains(c.AdminUIDs, uid)
}
