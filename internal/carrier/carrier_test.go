package carrier

import (
	"testing"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

func TestTCPBufferSizesSelection(t *testing.T) {
	cfg := Default()
	cases := []struct {
		name string
		rat  radio.RAT
		ca   bool
		nr   bool
		want string
	}{
		{"lte", radio.RATLTE, false, false, tcpLTE},
		{"lte with carrier aggregation", radio.RATLTE, true, false, tcpLTECA},
		{"lte on connected nr", radio.RATLTE, false, true, tcpNR},
		{"lte_ca on connected nr", radio.RATLTE, true, true, tcpNR},
		{"evdo rev a", radio.RATEVDOA, false, false, tcpEVDO},
		{"hsupa shares hspa", radio.RATHSUPA, false, false, tcpHSPA},
		{"unknown", radio.RATUnknown, false, false, ""},
	}
	for _, tc := range cases {
		if got := cfg.TCPBufferSizes(tc.rat, tc.ca, tc.nr); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}

	cfg.TCPBuffers = map[string]string{"evdo": "1,2,3,4,5,6"}
	if got := cfg.TCPBufferSizes(radio.RATEVDOB, false, false); got != "1,2,3,4,5,6" {
		t.Fatalf("override not applied: %q", got)
	}
}

func TestBandwidthKey(t *testing.T) {
	if got := BandwidthKey(radio.RATLTE, true, radio.FrequencyMMWave); got != BandwidthNRNSAMMWave {
		t.Fatalf("got %q", got)
	}
	if got := BandwidthKey(radio.RATNR, false, radio.FrequencyMid); got != BandwidthNRSA {
		t.Fatalf("got %q", got)
	}
	if got := BandwidthKey(radio.RATUMTS, true, radio.FrequencyUnknown); got != "umts" {
		t.Fatalf("got %q", got)
	}
}

func TestParseBandwidth(t *testing.T) {
	name, bw, err := ParseBandwidth("LTE:30000,15000")
	if err != nil {
		t.Fatalf("ParseBandwidth: %v", err)
	}
	if name != "lte" || bw.DownlinkKbps != 30000 || bw.UplinkKbps != 15000 {
		t.Fatalf("got %s %+v", name, bw)
	}
	if _, _, err := ParseBandwidth("LTE=1,2"); err == nil {
		t.Fatalf("expected error for malformed entry")
	}
}

func TestRetryPatternFallsBackToOthers(t *testing.T) {
	cfg := Default()
	cfg.RetryPatterns["mms"] = "1000,2000"
	if got := cfg.RetryPattern(apn.TypeMMS); got != "1000,2000" {
		t.Fatalf("got %q", got)
	}
	if got := cfg.RetryPattern(apn.TypeIMS); got != DefaultRetryPattern {
		t.Fatalf("got %q", got)
	}
}
