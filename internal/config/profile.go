package config

import (
	"slices"
	"strings"
	"time"

	"github.com/elastic/go-ucfg"
	"github.com/elastic/go-ucfg/yaml"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/carrier"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
	"github.com/signalsfoundry/cellular-data-manager/internal/tracker"
)

// CarrierProfile is a decoded carrier profile: the APN list and the policy.
type CarrierProfile struct {
	Profile tracker.Profile
	Carrier carrier.Config
}

// DefaultCarrierProfile has no APNs and the stock policy.
func DefaultCarrierProfile() *CarrierProfile {
	return &CarrierProfile{
		Profile: tracker.Profile{PreferredAPNID: -1},
		Carrier: carrier.Default(),
	}
}

type rawProfile struct {
	Operator        string        `config:"operator"`
	CarrierID       int           `config:"carrier_id"`
	PreferredAPNID  int           `config:"preferred_apn_id"`
	PreferredSetID  int           `config:"preferred_set_id"`
	ProvisioningAPN string        `config:"provisioning_apn"`
	APNs            []apn.Setting `config:"apns"`
	Carrier         rawCarrier    `config:"carrier"`
}

type rawCarrier struct {
	MeteredTypes        string `config:"metered_types"`
	RoamingMeteredTypes string `config:"roaming_metered_types"`
	IWLANMeteredTypes   string `config:"iwlan_metered_types"`
	DisallowedWWAN      string `config:"disallowed_wwan_types"`
	DisallowedWLAN      string `config:"disallowed_wlan_types"`

	DefaultMTU      int               `config:"default_mtu"`
	BandwidthSource string            `config:"bandwidth_source"`
	Bandwidths      []string          `config:"bandwidths"`
	TCPBuffers      map[string]string `config:"tcp_buffers"`

	AdminUIDs         []interface{} `config:"admin_uids"`
	CarrierServiceUID interface{}   `config:"carrier_service_uid"`

	DNSCheckDisabled bool     `config:"dns_check_disabled"`
	SystemDNS        []string `config:"system_dns"`
	MMSAlwaysAllowed bool     `config:"mms_always_allowed"`
	SingleDataRATs   []string `config:"single_data_rats"`

	RetryPatterns        map[string]string `config:"retry_patterns"`
	RetryAfterDisconnect time.Duration     `config:"retry_after_disconnect"`

	RadioRestartCauses                []interface{} `config:"radio_restart_causes"`
	RestartRadioOnRegularDeactivation bool          `config:"restart_radio_on_regular_deactivation"`
	NotifyPermanentFailure            bool          `config:"notify_permanent_failure"`
	ProvisioningTimeout               time.Duration `config:"provisioning_timeout"`

	Watchdog rawWatchdog `config:"watchdog"`

	// Overrides maps an operator code to a bundle of policy fields applied
	// when the profile's operator matches.
	Overrides map[string]interface{} `config:"overrides"`
}

type rawWatchdog struct {
	Enabled          bool          `config:"enabled"`
	TriggerPackets   interface{}   `config:"trigger_packets"`
	AggressiveDelay  time.Duration `config:"aggressive_delay"`
	PassiveDelay     time.Duration `config:"passive_delay"`
	MinRecoveryDelay time.Duration `config:"min_recovery_delay"`
	SkipCleanup      bool          `config:"skip_cleanup"`
	SkipReRegister   bool          `config:"skip_reregister"`
	SkipRadioReboot  bool          `config:"skip_radio_reboot"`
}

// carrierOverride holds the policy fields an override bundle may set.
type carrierOverride struct {
	DefaultMTU           *int              `mapstructure:"default_mtu"`
	MMSAlwaysAllowed     *bool             `mapstructure:"mms_always_allowed"`
	DNSCheckDisabled     *bool             `mapstructure:"dns_check_disabled"`
	MeteredTypes         *string           `mapstructure:"metered_types"`
	RoamingMeteredTypes  *string           `mapstructure:"roaming_metered_types"`
	RetryPatterns        map[string]string `mapstructure:"retry_patterns"`
	RetryAfterDisconnect *time.Duration    `mapstructure:"retry_after_disconnect"`
	ProvisioningTimeout  *time.Duration    `mapstructure:"provisioning_timeout"`
	SystemDNS            []string          `mapstructure:"system_dns"`
}

// LoadCarrierProfile reads a YAML carrier profile from path.
func LoadCarrierProfile(path string) (*CarrierProfile, error) {
	cfg, err := yaml.NewConfigWithFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read carrier profile %s", path)
	}
	return fromUCFG(cfg)
}

// ParseCarrierProfile decodes a YAML carrier profile.
func ParseCarrierProfile(b []byte) (*CarrierProfile, error) {
	cfg, err := yaml.NewConfig(b)
	if err != nil {
		return nil, errors.Wrap(err, "parse carrier profile")
	}
	return fromUCFG(cfg)
}

func fromUCFG(cfg *ucfg.Config) (*CarrierProfile, error) {
	raw := defaultRaw()
	if err := cfg.Unpack(&raw); err != nil {
		return nil, errors.Wrap(err, "unpack carrier profile")
	}
	return raw.build()
}

// defaultRaw seeds the raw profile so absent keys keep stock values.
func defaultRaw() rawProfile {
	def := carrier.Default()
	return rawProfile{
		PreferredAPNID: -1,
		Carrier: rawCarrier{
			DefaultMTU:           def.DefaultMTU,
			BandwidthSource:      string(def.BandwidthSource),
			CarrierServiceUID:    def.CarrierServiceUID,
			RetryAfterDisconnect: def.RetryAfterDisconnect,
			ProvisioningTimeout:  def.ProvisioningTimeout,
			Watchdog: rawWatchdog{
				Enabled:          def.Stall.Enabled,
				TriggerPackets:   def.Stall.TriggerPackets,
				AggressiveDelay:  def.Stall.AggressiveDelay,
				PassiveDelay:     def.Stall.PassiveDelay,
				MinRecoveryDelay: def.Stall.MinRecoveryDelay,
			},
		},
	}
}

func (r *rawProfile) build() (*CarrierProfile, error) {
	var errs *multierror.Error
	out := &CarrierProfile{
		Profile: tracker.Profile{
			PreferredAPNID:  r.PreferredAPNID,
			PreferredSetID:  r.PreferredSetID,
			Operator:        r.Operator,
			CarrierID:       r.CarrierID,
			ProvisioningAPN: r.ProvisioningAPN,
		},
		Carrier: carrier.Default(),
	}

	ids := make(map[int]bool)
	for i := range r.APNs {
		s := r.APNs[i]
		s.Normalize()
		switch {
		case s.APN == "":
			errs = multierror.Append(errs, errors.Errorf("apns[%d]: empty apn", i))
		case s.ID <= 0:
			errs = multierror.Append(errs, errors.Errorf("apns[%d] %s: id must be positive", i, s.APN))
		case ids[s.ID]:
			errs = multierror.Append(errs, errors.Errorf("apns[%d] %s: duplicate id %d", i, s.APN, s.ID))
		}
		if s.Types == apn.TypeNone {
			errs = multierror.Append(errs, errors.Errorf("apns[%d] %s: no known types in %q", i, s.APN, s.TypeNames))
		}
		ids[s.ID] = true
		out.Profile.APNs = append(out.Profile.APNs, &s)
	}
	if id := r.PreferredAPNID; id != -1 && !ids[id] {
		errs = multierror.Append(errs, errors.Errorf("preferred_apn_id %d matches no apn", id))
	}

	errs = multierror.Append(errs, r.Carrier.apply(&out.Carrier))
	if override, ok := r.Carrier.Overrides[r.Operator]; ok {
		errs = multierror.Append(errs, applyOverride(&out.Carrier, override))
	}
	if err := validateRetryPatterns(out.Carrier.RetryPatterns); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// apply copies rc onto cfg, returning every problem it finds.
func (rc *rawCarrier) apply(cfg *carrier.Config) error {
	var errs *multierror.Error
	types := func(field, v string, dst *apn.Type) {
		if v == "" {
			return
		}
		t, err := parseTypeList(v)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, field))
			return
		}
		*dst = t
	}
	types("metered_types", rc.MeteredTypes, &cfg.Metered.Home)
	types("roaming_metered_types", rc.RoamingMeteredTypes, &cfg.Metered.Roaming)
	types("iwlan_metered_types", rc.IWLANMeteredTypes, &cfg.Metered.IWLAN)
	types("disallowed_wwan_types", rc.DisallowedWWAN, &cfg.DisallowedWWAN)
	types("disallowed_wlan_types", rc.DisallowedWLAN, &cfg.DisallowedWLAN)

	if rc.DefaultMTU <= 0 {
		errs = multierror.Append(errs, errors.Errorf("default_mtu %d must be positive", rc.DefaultMTU))
	}
	cfg.DefaultMTU = rc.DefaultMTU

	switch src := carrier.BandwidthSource(rc.BandwidthSource); src {
	case carrier.BandwidthFromCarrierConfig, carrier.BandwidthFromModem, carrier.BandwidthFromEstimator:
		cfg.BandwidthSource = src
	default:
		errs = multierror.Append(errs, errors.Errorf("bandwidth_source %q", rc.BandwidthSource))
	}
	for _, entry := range rc.Bandwidths {
		name, bw, err := carrier.ParseBandwidth(entry)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		cfg.Bandwidths[name] = bw
	}
	if len(rc.TCPBuffers) > 0 {
		cfg.TCPBuffers = make(map[string]string, len(rc.TCPBuffers))
		for k, v := range rc.TCPBuffers {
			if len(strings.Split(v, ",")) != 6 {
				errs = multierror.Append(errs, errors.Errorf("tcp_buffers %s: want 6 sizes, got %q", k, v))
				continue
			}
			cfg.TCPBuffers[strings.ToLower(k)] = v
		}
	}

	for _, v := range rc.AdminUIDs {
		uid, err := cast.ToIntE(v)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "admin_uids %v", v))
			continue
		}
		cfg.AdminUIDs = append(cfg.AdminUIDs, uid)
	}
	if uid, err := cast.ToIntE(rc.CarrierServiceUID); err != nil {
		errs = multierror.Append(errs, errors.Wrapf(err, "carrier_service_uid %v", rc.CarrierServiceUID))
	} else {
		cfg.CarrierServiceUID = uid
	}

	cfg.DNSCheckDisabled = rc.DNSCheckDisabled
	switch len(rc.SystemDNS) {
	case 0:
	case 2:
		cfg.SystemDNS = [2]string{rc.SystemDNS[0], rc.SystemDNS[1]}
	default:
		errs = multierror.Append(errs, errors.Errorf("system_dns wants two servers, got %d", len(rc.SystemDNS)))
	}
	cfg.MMSAlwaysAllowed = rc.MMSAlwaysAllowed

	if rc.SingleDataRATs != nil {
		cfg.SingleDataRATs = nil
		for _, name := range rc.SingleDataRATs {
			rat := radio.ParseRAT(name)
			if rat == radio.RATUnknown {
				errs = multierror.Append(errs, errors.Errorf("single_data_rats: unknown technology %q", name))
				continue
			}
			cfg.SingleDataRATs = append(cfg.SingleDataRATs, rat)
		}
	}

	for k, v := range rc.RetryPatterns {
		cfg.RetryPatterns[strings.ToLower(k)] = v
	}
	cfg.RetryAfterDisconnect = rc.RetryAfterDisconnect

	for _, v := range rc.RadioRestartCauses {
		s, err := cast.ToStringE(v)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "radio_restart_causes %v", v))
			continue
		}
		cause, ok := dataservice.ParseFailCause(strings.ToUpper(strings.TrimSpace(s)))
		if !ok {
			errs = multierror.Append(errs, errors.Errorf("radio_restart_causes: unknown cause %q", s))
			continue
		}
		cfg.RadioRestartCauses = append(cfg.RadioRestartCauses, cause)
	}
	cfg.RestartRadioOnRegularDeactivation = rc.RestartRadioOnRegularDeactivation
	cfg.NotifyPermanentFailure = rc.NotifyPermanentFailure
	cfg.ProvisioningTimeout = rc.ProvisioningTimeout

	wd := rc.Watchdog
	trigger, err := cast.ToInt64E(wd.TriggerPackets)
	if err != nil {
		errs = multierror.Append(errs, errors.Wrapf(err, "watchdog.trigger_packets %v", wd.TriggerPackets))
	}
	cfg.Stall = carrier.StallConfig{
		Enabled:          wd.Enabled,
		TriggerPackets:   trigger,
		AggressiveDelay:  wd.AggressiveDelay,
		PassiveDelay:     wd.PassiveDelay,
		MinRecoveryDelay: wd.MinRecoveryDelay,
		SkipCleanup:      wd.SkipCleanup,
		SkipReRegister:   wd.SkipReRegister,
		SkipRadioReboot:  wd.SkipRadioReboot,
	}
	if wd.Enabled {
		if trigger <= 0 {
			errs = multierror.Append(errs, errors.New("watchdog.trigger_packets must be positive"))
		}
		if wd.AggressiveDelay <= 0 || wd.PassiveDelay <= 0 {
			errs = multierror.Append(errs, errors.New("watchdog poll delays must be positive"))
		}
	}
	return errs.ErrorOrNil()
}

// applyOverride decodes a free-form override bundle onto cfg.
func applyOverride(cfg *carrier.Config, bundle interface{}) error {
	var o carrierOverride
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &o,
	})
	if err != nil {
		return errors.Wrap(err, "override decoder")
	}
	if err := dec.Decode(bundle); err != nil {
		return errors.Wrap(err, "overrides")
	}

	if o.DefaultMTU != nil {
		cfg.DefaultMTU = *o.DefaultMTU
	}
	if o.MMSAlwaysAllowed != nil {
		cfg.MMSAlwaysAllowed = *o.MMSAlwaysAllowed
	}
	if o.DNSCheckDisabled != nil {
		cfg.DNSCheckDisabled = *o.DNSCheckDisabled
	}
	if o.MeteredTypes != nil {
		t, err := parseTypeList(*o.MeteredTypes)
		if err != nil {
			return errors.Wrap(err, "overrides.metered_types")
		}
		cfg.Metered.Home = t
	}
	if o.RoamingMeteredTypes != nil {
		t, err := parseTypeList(*o.RoamingMeteredTypes)
		if err != nil {
			return errors.Wrap(err, "overrides.roaming_metered_types")
		}
		cfg.Metered.Roaming = t
	}
	for k, v := range o.RetryPatterns {
		cfg.RetryPatterns[strings.ToLower(k)] = v
	}
	if o.RetryAfterDisconnect != nil {
		cfg.RetryAfterDisconnect = *o.RetryAfterDisconnect
	}
	if o.ProvisioningTimeout != nil {
		cfg.ProvisioningTimeout = *o.ProvisioningTimeout
	}
	if len(o.SystemDNS) == 2 {
		cfg.SystemDNS = [2]string{o.SystemDNS[0], o.SystemDNS[1]}
	}
	return nil
}

func validateRetryPatterns(patterns map[string]string) error {
	var errs *multierror.Error
	keys := make([]string, 0, len(patterns))
	for k := range patterns {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if k != "others" && apn.ParseType(k) == apn.TypeNone {
			errs = multierror.Append(errs, errors.Errorf("retry_patterns: unknown purpose %q", k))
		}
		if err := tracker.ValidateRetryPattern(patterns[k]); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "retry_patterns.%s", k))
		}
	}
	return errs.ErrorOrNil()
}

// parseTypeList parses a purpose list, rejecting unknown names.
func parseTypeList(s string) (apn.Type, error) {
	var out apn.Type
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t := apn.ParseType(part)
		if t == apn.TypeNone {
			return apn.TypeNone, errors.Errorf("unknown purpose %q", part)
		}
		out |= t
	}
	return out, nil
}
