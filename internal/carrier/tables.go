package carrier

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// Bandwidth is a downlink/uplink estimate in kbps.
type Bandwidth struct {
	DownlinkKbps int `config:"downlink_kbps" json:"downlink_kbps"`
	UplinkKbps   int `config:"uplink_kbps" json:"uplink_kbps"`
}

// FallbackBandwidth is used when no table entry matches.
var FallbackBandwidth = Bandwidth{DownlinkKbps: 14, UplinkKbps: 14}

// Names used for NR variants in the bandwidth table.
const (
	BandwidthNRNSA       = "nr_nsa"
	BandwidthNRNSAMMWave = "nr_nsa_mmwave"
	BandwidthNRSA        = "nr_sa"
	BandwidthNRSAMMWave  = "nr_sa_mmwave"
)

// DefaultBandwidths returns the stock bandwidth table.
func DefaultBandwidths() map[string]Bandwidth {
	return map[string]Bandwidth{
		"gprs":               {24, 24},
		"edge":               {70, 18},
		"umts":               {115, 115},
		"1xrtt":              {30, 30},
		"evdo-rev.0":         {750, 48},
		"evdo-rev.a":         {950, 550},
		"evdo-rev.b":         {1500, 550},
		"ehrpd":              {750, 48},
		"hsdpa":              {4300, 620},
		"hsupa":              {4300, 1800},
		"hspa":               {4300, 1800},
		"hspap":              {13000, 3400},
		"gsm":                {24, 24},
		"lte":                {30000, 15000},
		"lte_ca":             {30000, 15000},
		"iwlan":              {14, 14},
		BandwidthNRNSA:       {47000, 18000},
		BandwidthNRNSAMMWave: {145000, 60000},
		BandwidthNRSA:        {145000, 60000},
		BandwidthNRSAMMWave:  {145000, 60000},
	}
}

// ParseBandwidth parses "NAME:downlink,uplink" entries.
func ParseBandwidth(entry string) (string, Bandwidth, error) {
	name, values, ok := strings.Cut(entry, ":")
	if !ok {
		return "", Bandwidth{}, fmt.Errorf("bandwidth entry %q: missing ':'", entry)
	}
	dl, ul, ok := strings.Cut(values, ",")
	if !ok {
		return "", Bandwidth{}, fmt.Errorf("bandwidth entry %q: missing ','", entry)
	}
	down, err := strconv.Atoi(strings.TrimSpace(dl))
	if err != nil {
		return "", Bandwidth{}, fmt.Errorf("bandwidth entry %q: %w", entry, err)
	}
	up, err := strconv.Atoi(strings.TrimSpace(ul))
	if err != nil {
		return "", Bandwidth{}, fmt.Errorf("bandwidth entry %q: %w", entry, err)
	}
	return strings.ToLower(strings.TrimSpace(name)), Bandwidth{DownlinkKbps: down, UplinkKbps: up}, nil
}

// BandwidthKey names the bandwidth table row for the current radio.
func BandwidthKey(rat radio.RAT, nrConnected bool, freq radio.FrequencyRange) string {
	mmwave := freq == radio.FrequencyMMWave
	switch {
	case (rat == radio.RATLTE || rat == radio.RATLTECA) && nrConnected:
		if mmwave {
			return BandwidthNRNSAMMWave
		}
		return BandwidthNRNSA
	case rat == radio.RATNR:
		if mmwave {
			return BandwidthNRSAMMWave
		}
		return BandwidthNRSA
	}
	return rat.String()
}

// LookupBandwidth returns the table entry for key.
func (c *Config) LookupBandwidth(key string) (Bandwidth, bool) {
	bw, ok := c.Bandwidths[key]
	return bw, ok
}

// TCP buffer sizes: read_min, read_default, read_max, write_min,
// write_default, write_max in bytes.
const (
	tcpGPRS  = "4092,8760,48000,4096,8760,48000"
	tcpEDGE  = "4093,26280,70800,4096,16384,70800"
	tcpUMTS  = "58254,349525,1048576,58254,349525,1048576"
	tcp1xRTT = "16384,32768,131072,4096,16384,102400"
	tcpEVDO  = "4094,87380,262144,4096,16384,262144"
	tcpEHRPD = "131072,262144,1048576,4096,16384,524288"
	tcpHSDPA = "61167,367002,1101005,8738,52429,262114"
	tcpHSPA  = "40778,244668,734003,16777,100663,301990"
	tcpLTE   = "524288,1048576,2097152,262144,524288,1048576"
	tcpHSPAP = "122334,734003,2202010,32040,192239,576717"
	tcpNR    = "2097152,6291456,16777216,512000,2097152,8388608"
	tcpLTECA = "4096,6291456,12582912,4096,1048576,2097152"
)

// tcpRATName is the lookup name for overrides; EVDO revisions share one row
// and LTE on a connected NR cell uses the 5G row.
func tcpRATName(rat radio.RAT, nr bool) string {
	switch {
	case rat.IsEVDO():
		return "evdo"
	case (rat == radio.RATLTE || rat == radio.RATLTECA) && nr:
		return "5g"
	}
	return rat.String()
}

// TCPBufferSizes returns the buffer sizes for rat. carrierAggregation
// promotes LTE to LTE_CA; nrConnected selects the NR row for LTE.
func (c *Config) TCPBufferSizes(rat radio.RAT, carrierAggregation, nrConnected bool) string {
	if rat == radio.RATLTE && carrierAggregation {
		rat = radio.RATLTECA
	}
	name := tcpRATName(rat, nrConnected)
	if s, ok := c.TCPBuffers[name]; ok && s != "" {
		return s
	}
	switch rat {
	case radio.RATGPRS:
		return tcpGPRS
	case radio.RATEDGE:
		return tcpEDGE
	case radio.RATUMTS:
		return tcpUMTS
	case radio.RAT1xRTT:
		return tcp1xRTT
	case radio.RATEVDO0, radio.RATEVDOA, radio.RATEVDOB:
		return tcpEVDO
	case radio.RATEHRPD:
		return tcpEHRPD
	case radio.RATHSDPA:
		return tcpHSDPA
	case radio.RATHSPA, radio.RATHSUPA:
		return tcpHSPA
	case radio.RATLTE:
		if name == "5g" {
			return tcpNR
		}
		return tcpLTE
	case radio.RATLTECA:
		if name == "5g" {
			return tcpNR
		}
		return tcpLTECA
	case radio.RATHSPAP:
		return tcpHSPAP
	case radio.RATNR:
		return tcpNR
	}
	return ""
}
