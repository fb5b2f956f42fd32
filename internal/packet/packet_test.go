package packet

import (
	"testing"
	"time"
)

func TestDatrRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		datr string
		mod  Modulation
		sf   uint8
		bw   uint32
		fsk  uint32
	}{
		{name: "sf7 125k", datr: "SF7BW125", mod: ModLoRa, sf: 7, bw: 125000},
		{name: "sf12 500k", datr: "SF12BW500", mod: ModLoRa, sf: 12, bw: 500000},
		{name: "fsk 50kbps", datr: "50000", mod: ModFSK, fsk: 50000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p TxPacket
			if err := p.ParseDatr(tt.datr); err != nil {
				t.Fatalf("ParseDatr(%q) failed: %v", tt.datr, err)
			}
			if p.Modulation != tt.mod {
				t.Errorf("modulation mismatch: got %v, want %v", p.Modulation, tt.mod)
			}
			if p.SpreadingFactor != tt.sf {
				t.Errorf("sf mismatch: got %d, want %d", p.SpreadingFactor, tt.sf)
			}
			if p.Bandwidth != tt.bw {
				t.Errorf("bw mismatch: got %d, want %d", p.Bandwidth, tt.bw)
			}
			if p.FSKDatarate != tt.fsk {
				t.Errorf("fsk datarate mismatch: got %d, want %d", p.FSKDatarate, tt.fsk)
			}

			rx := RxPacket{
				Modulation:      tt.mod,
				SpreadingFactor: tt.sf,
				Bandwidth:       tt.bw,
				FSKDatarate:     tt.fsk,
			}
			if rx.Datr() != tt.datr {
				t.Errorf("Datr mismatch: got %q, want %q", rx.Datr(), tt.datr)
			}
		})
	}
}

func TestParseDatrRejectsGarbage(t *testing.T) {
	for _, datr := range []string{"", "SF99BW125", "LORA", "SF4BW125"} {
		var p TxPacket
		if err := p.ParseDatr(datr); err == nil {
			t.Errorf("ParseDatr(%q) should have failed", datr)
		}
	}
}

func TestTimeOnAirLoRa(t *testing.T) {
	p := TxPacket{
		Modulation:      ModLoRa,
		SpreadingFactor: 7,
		Bandwidth:       125000,
		CodeRate:        CR45,
		Preamble:        8,
		Payload:         make([]byte, 12),
	}
	d := p.TimeOnAir()
	// SF7/125kHz, 12 bytes: a little over 40 ms.
	if d < 30*time.Millisecond || d > 60*time.Millisecond {
		t.Errorf("unexpected airtime %v", d)
	}

	// Bigger payloads take longer.
	p2 := p
	p2.Payload = make([]byte, 200)
	if p2.TimeOnAir() <= d {
		t.Error("airtime should grow with payload size")
	}
}

func TestTimeOnAirFSK(t *testing.T) {
	p := TxPacket{
		Modulation:  ModFSK,
		FSKDatarate: 50000,
		Preamble:    5,
		Payload:     make([]byte, 20),
	}
	d := p.TimeOnAir()
	// (5+3+1+20+2)*8 bits at 50 kbps = 4.96 ms.
	if d < 4*time.Millisecond || d > 6*time.Millisecond {
		t.Errorf("unexpected FSK airtime %v", d)
	}
}

func TestTimeOnAirZeroDatarate(t *testing.T) {
	p := TxPacket{Modulation: ModFSK}
	if p.TimeOnAir() != 0 {
		t.Error("zero datarate should produce zero airtime")
	}
}
