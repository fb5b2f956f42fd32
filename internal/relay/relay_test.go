package relay

import (
	"bytes"
	"testing"
)

func TestUplinkKnownBytes(t *testing.T) {
	p := UplinkPacket{
		HopCount: 2,
		UplinkID: 0xABC,
		DataRate: 5,
		RSSI:     -80,
		SNR:      7,
		Channel:  3,
		Payload:  []byte{0xDE, 0xAD},
	}
	b, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := []byte{0xE2, 0xAB, 0xC5, 0xB0, 0x07, 0x03, 0xDE, 0xAD}
	if !bytes.Equal(b, want) {
		t.Fatalf("wire bytes mismatch:\n got %X\nwant %X", b, want)
	}

	var out UplinkPacket
	if err := out.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.UplinkID != 0xABC || out.DataRate != 5 || out.RSSI != -80 ||
		out.SNR != 7 || out.Channel != 3 || out.HopCount != 2 {
		t.Errorf("decoded fields mismatch: %+v", out)
	}
	if !bytes.Equal(out.Payload, []byte{0xDE, 0xAD}) {
		t.Errorf("payload mismatch: %X", out.Payload)
	}
}

func TestUplinkRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  UplinkPacket
	}{
		{name: "empty payload", pkt: UplinkPacket{UplinkID: 1, DataRate: 0}},
		{name: "max payload", pkt: UplinkPacket{
			UplinkID: 0xFFF, DataRate: 15, RSSI: -128, SNR: 31, Channel: 255,
			Payload: make([]byte, MaxPHYPayloadLen),
		}},
		{name: "min snr", pkt: UplinkPacket{UplinkID: 7, SNR: -32}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.pkt.MarshalBinary()
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			var out UplinkPacket
			if err := out.UnmarshalBinary(b); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if out.UplinkID != tt.pkt.UplinkID || out.DataRate != tt.pkt.DataRate ||
				out.RSSI != tt.pkt.RSSI || out.SNR != tt.pkt.SNR ||
				out.Channel != tt.pkt.Channel || out.HopCount != tt.pkt.HopCount {
				t.Errorf("fields mismatch: got %+v want %+v", out, tt.pkt)
			}
			if len(out.Payload) != len(tt.pkt.Payload) {
				t.Errorf("payload length mismatch: got %d want %d", len(out.Payload), len(tt.pkt.Payload))
			}
		})
	}
}

func TestUplinkRejects(t *testing.T) {
	t.Run("payload over cap", func(t *testing.T) {
		p := UplinkPacket{Payload: make([]byte, MaxPHYPayloadLen+1)}
		if _, err := p.MarshalBinary(); err != ErrPayloadTooLarge {
			t.Errorf("expected ErrPayloadTooLarge, got %v", err)
		}
	})

	t.Run("snr out of range on decode", func(t *testing.T) {
		for _, snr := range []int8{-33, 32} {
			b := []byte{0xE0, 0x00, 0x10, 0x00, byte(snr), 0x00}
			var out UplinkPacket
			if err := out.UnmarshalBinary(b); err != ErrSNRRange {
				t.Errorf("snr=%d: expected ErrSNRRange, got %v", snr, err)
			}
		}
	})

	t.Run("wrong meta type", func(t *testing.T) {
		b := []byte{0x02, 0, 0, 0, 0, 0}
		var out UplinkPacket
		if err := out.UnmarshalBinary(b); err != ErrBadMetaType {
			t.Errorf("expected ErrBadMetaType, got %v", err)
		}
	})

	t.Run("downlink bytes into uplink", func(t *testing.T) {
		b := []byte{BuildMHDR(LoRaWANType, DownlinkType, 0), 0, 0, 0, 0, 0}
		var out UplinkPacket
		if err := out.UnmarshalBinary(b); err != ErrBadPayloadType {
			t.Errorf("expected ErrBadPayloadType, got %v", err)
		}
	})

	t.Run("too short", func(t *testing.T) {
		var out UplinkPacket
		if err := out.UnmarshalBinary([]byte{0xE0, 1, 2}); err != ErrTooShort {
			t.Errorf("expected ErrTooShort, got %v", err)
		}
	})
}

func TestDownlinkRoundTrip(t *testing.T) {
	p := DownlinkPacket{
		HopCount:  1,
		DwlinkID:  0x123,
		DataRate:  9,
		Frequency: 868300000,
		TxPower:   14 & 0x0F,
		Delay:     2,
		CountUs:   0xDEADBEEF,
		Payload:   []byte{1, 2, 3, 4},
	}
	b, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	// MHDR | 7-byte meta | 4-byte count_us | payload
	if len(b) != 12+4 {
		t.Fatalf("unexpected length %d", len(b))
	}
	// frequency big-endian at offset 3
	if b[3] != 0x33 || b[4] != 0xC1 || b[5] != 0x34 || b[6] != 0xE0 {
		t.Errorf("frequency bytes not big-endian: % X", b[3:7])
	}
	// count_us big-endian at offset 8
	if b[8] != 0xDE || b[9] != 0xAD || b[10] != 0xBE || b[11] != 0xEF {
		t.Errorf("count_us bytes not big-endian: % X", b[8:12])
	}

	var out DownlinkPacket
	if err := out.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.DwlinkID != p.DwlinkID || out.DataRate != p.DataRate ||
		out.Frequency != p.Frequency || out.TxPower != p.TxPower ||
		out.Delay != p.Delay || out.CountUs != p.CountUs {
		t.Errorf("fields mismatch: got %+v want %+v", out, p)
	}
	if !bytes.Equal(out.Payload, p.Payload) {
		t.Errorf("payload mismatch")
	}
}

func TestEventRoundTrip(t *testing.T) {
	p := EventPacket{
		HopCount: 0,
		EventID:  0x0102,
		Kind:     EventJoin,
		Payload:  []byte("hello"),
	}
	b, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if b[0] != BuildMHDR(LoRaWANType, EventType, 0) {
		t.Errorf("bad MHDR %02X", b[0])
	}
	if b[1] != 0x01 || b[2] != 0x02 {
		t.Errorf("event id not big-endian: % X", b[1:3])
	}

	var out EventPacket
	if err := out.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.EventID != p.EventID || out.Kind != p.Kind || !bytes.Equal(out.Payload, p.Payload) {
		t.Errorf("mismatch: got %+v want %+v", out, p)
	}
}

func TestEventPayloadCap(t *testing.T) {
	ok := EventPacket{Payload: make([]byte, MaxEventPayloadLen)}
	if _, err := ok.MarshalBinary(); err != nil {
		t.Errorf("max payload should be accepted: %v", err)
	}
	bad := EventPacket{Payload: make([]byte, MaxEventPayloadLen+1)}
	if _, err := bad.MarshalBinary(); err != ErrPayloadTooLarge {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestNewID(t *testing.T) {
	for i := 0; i < 1000; i++ {
		if id := NewID(); id > 0xFFF {
			t.Fatalf("id %d exceeds 12 bits", id)
		}
	}
}

func TestPayloadTypeOf(t *testing.T) {
	up, _ := UplinkPacket{UplinkID: 1}.MarshalBinary()
	if pt, err := PayloadTypeOf(up); err != nil || pt != UplinkType {
		t.Errorf("got %v %v", pt, err)
	}
	dn, _ := DownlinkPacket{DwlinkID: 1}.MarshalBinary()
	if pt, err := PayloadTypeOf(dn); err != nil || pt != DownlinkType {
		t.Errorf("got %v %v", pt, err)
	}
	if _, err := PayloadTypeOf([]byte{0x00}); err != ErrBadMetaType {
		t.Errorf("expected ErrBadMetaType, got %v", err)
	}
	// payload_type 0b10 is reserved
	if _, err := PayloadTypeOf([]byte{BuildMHDR(LoRaWANType, PayloadType(0x02), 0)}); err != ErrBadPayloadType {
		t.Errorf("expected ErrBadPayloadType, got %v", err)
	}
}
