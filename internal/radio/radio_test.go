package radio

import "testing"

func TestParseTransport(t *testing.T) {
	tests := map[string]Transport{
		"wwan":      TransportWWAN,
		" Cellular": TransportWWAN,
		"wlan":      TransportWLAN,
		"IWLAN":     TransportWLAN,
		"satcom":    TransportInvalid,
	}
	for in, want := range tests {
		if got := ParseTransport(in); got != want {
			t.Errorf("ParseTransport(%q) = %v, want %v", in, got, want)
		}
	}
	if TransportWWAN.Other() != TransportWLAN || TransportWLAN.Other() != TransportWWAN {
		t.Fatalf("Other does not swap transports")
	}
	if TransportInvalid.Other() != TransportInvalid {
		t.Fatalf("invalid transport has a handover target")
	}
}

func TestRATRoundTripAndBits(t *testing.T) {
	for r := RATGPRS; r <= RATNR; r++ {
		if got := ParseRAT(r.String()); got != r {
			t.Errorf("ParseRAT(%q) = %v, want %v", r.String(), got, r)
		}
	}
	if ParseRAT("evdo") != RATEVDO0 {
		t.Errorf("evdo alias not accepted")
	}
	if RATUnknown.Bit() != 0 {
		t.Errorf("unknown RAT has a bit")
	}
	if RATGPRS.Bit() != 1 || RATLTE.Bit() != 1<<13 {
		t.Errorf("bits: gprs=%#x lte=%#x", RATGPRS.Bit(), RATLTE.Bit())
	}
}

func TestAccessNetwork(t *testing.T) {
	tests := map[RAT]AccessNetwork{
		RATGSM:   AccessNetworkGERAN,
		RATHSPA:  AccessNetworkUTRAN,
		RATLTECA: AccessNetworkEUTRAN,
		RATEHRPD: AccessNetworkCDMA2000,
		RATIWLAN: AccessNetworkIWLAN,
		RATNR:    AccessNetworkNGRAN,
	}
	for r, want := range tests {
		if got := r.AccessNetwork(); got != want {
			t.Errorf("%v.AccessNetwork() = %v, want %v", r, got, want)
		}
	}
}
