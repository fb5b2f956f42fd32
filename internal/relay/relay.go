// Package relay implements the compact binary protocol spoken between a
// relay gateway and its upstream peer. All multi-byte integers travel
// big-endian; the MHDR byte packs meta-type, payload-type and hop count.
package relay

import (
	"encoding/binary"
	"math/rand"

	"github.com/pkg/errors"
)

// Payload caps. The relay framing reserves 10 bytes on top of the radio's
// 255-byte limit for uplinks and 15 for events.
const (
	MaxPHYPayloadLen   = 245
	MaxEventPayloadLen = 240
)

// MetaType occupies MHDR bits 7..5.
type MetaType uint8

// LoRaWANType is the only defined meta type.
const LoRaWANType MetaType = 0x07

// PayloadType occupies MHDR bits 4..3.
type PayloadType uint8

// Payload types.
const (
	UplinkType   PayloadType = 0x00
	DownlinkType PayloadType = 0x01
	EventType    PayloadType = 0x03
)

// EventKind identifies an event packet.
type EventKind uint8

// Event kinds.
const (
	EventJoin    EventKind = 0x01
	EventReset   EventKind = 0x02
	EventError   EventKind = 0x03
	EventTimeout EventKind = 0x04
)

// Errors returned by the codec.
var (
	ErrPayloadTooLarge = errors.New("relay: payload exceeds cap")
	ErrBadMetaType     = errors.New("relay: meta type is not LoRaWAN")
	ErrBadPayloadType  = errors.New("relay: unexpected payload type")
	ErrTooShort        = errors.New("relay: packet too short")
	ErrSNRRange        = errors.New("relay: snr out of range")
)

// NewID returns a fresh 12-bit packet id. The global PRNG is seeded once
// per process by the runtime.
func NewID() uint16 {
	return uint16(rand.Intn(1 << 12))
}

// BuildMHDR packs the header byte. Inputs are masked to their field widths.
func BuildMHDR(mt MetaType, pt PayloadType, hop uint8) byte {
	return byte(mt&0x07)<<5 | byte(pt&0x03)<<3 | hop&0x07
}

// ParseMHDR unpacks the header byte.
func ParseMHDR(b byte) (MetaType, PayloadType, uint8) {
	return MetaType(b >> 5 & 0x07), PayloadType(b >> 3 & 0x03), b & 0x07
}

// UplinkPacket relays a received radio frame upstream.
// Wire format: MHDR(1) | uplink META(5) | PHY payload.
type UplinkPacket struct {
	HopCount uint8
	UplinkID uint16 // 12 bits
	DataRate uint8  // 4 bits
	RSSI     int8
	SNR      int8 // valid range -32..31
	Channel  uint8
	Payload  []byte
}

// MarshalBinary encodes the packet.
func (p UplinkPacket) MarshalBinary() ([]byte, error) {
	if len(p.Payload) > MaxPHYPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	if p.SNR < -32 || p.SNR > 31 {
		return nil, ErrSNRRange
	}
	out := make([]byte, 6, 6+len(p.Payload))
	out[0] = BuildMHDR(LoRaWANType, UplinkType, p.HopCount)
	out[1] = byte(p.UplinkID >> 4)
	out[2] = byte(p.UplinkID&0x0F)<<4 | p.DataRate&0x0F
	out[3] = byte(p.RSSI)
	out[4] = byte(p.SNR)
	out[5] = p.Channel
	return append(out, p.Payload...), nil
}

// UnmarshalBinary decodes the packet.
func (p *UplinkPacket) UnmarshalBinary(data []byte) error {
	if len(data) < 6 {
		return ErrTooShort
	}
	mt, pt, hop := ParseMHDR(data[0])
	if mt != LoRaWANType {
		return ErrBadMetaType
	}
	if pt != UplinkType {
		return ErrBadPayloadType
	}
	p.HopCount = hop
	p.UplinkID = uint16(data[1])<<4 | uint16(data[2]>>4)
	p.DataRate = data[2] & 0x0F
	p.RSSI = int8(data[3])
	p.SNR = int8(data[4])
	if p.SNR < -32 || p.SNR > 31 {
		return ErrSNRRange
	}
	p.Channel = data[5]
	if len(data)-6 > MaxPHYPayloadLen {
		return ErrPayloadTooLarge
	}
	p.Payload = append([]byte(nil), data[6:]...)
	return nil
}

// DownlinkPacket carries a transmit order down to the relay.
// Wire format: MHDR(1) | downlink META(7) | count_us(4, BE) | PHY payload.
type DownlinkPacket struct {
	HopCount  uint8
	DwlinkID  uint16 // 12 bits
	DataRate  uint8  // 4 bits
	Frequency uint32 // Hz
	TxPower   uint8  // 4 bits
	Delay     uint8  // 4 bits
	CountUs   uint32
	Payload   []byte
}

// MarshalBinary encodes the packet.
func (p DownlinkPacket) MarshalBinary() ([]byte, error) {
	if len(p.Payload) > MaxPHYPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, 12, 12+len(p.Payload))
	out[0] = BuildMHDR(LoRaWANType, DownlinkType, p.HopCount)
	out[1] = byte(p.DwlinkID >> 4)
	out[2] = byte(p.DwlinkID&0x0F)<<4 | p.DataRate&0x0F
	binary.BigEndian.PutUint32(out[3:7], p.Frequency)
	out[7] = (p.TxPower&0x0F)<<4 | p.Delay&0x0F
	binary.BigEndian.PutUint32(out[8:12], p.CountUs)
	return append(out, p.Payload...), nil
}

// UnmarshalBinary decodes the packet.
func (p *DownlinkPacket) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return ErrTooShort
	}
	mt, pt, hop := ParseMHDR(data[0])
	if mt != LoRaWANType {
		return ErrBadMetaType
	}
	if pt != DownlinkType {
		return ErrBadPayloadType
	}
	p.HopCount = hop
	p.DwlinkID = uint16(data[1])<<4 | uint16(data[2]>>4)
	p.DataRate = data[2] & 0x0F
	p.Frequency = binary.BigEndian.Uint32(data[3:7])
	p.TxPower = data[7] >> 4
	p.Delay = data[7] & 0x0F
	p.CountUs = binary.BigEndian.Uint32(data[8:12])
	if len(data)-12 > MaxPHYPayloadLen {
		return ErrPayloadTooLarge
	}
	p.Payload = append([]byte(nil), data[12:]...)
	return nil
}

// EventPacket signals a relay-side event upstream.
// Wire format: MHDR(1) | event META(3) | event payload.
type EventPacket struct {
	HopCount uint8
	EventID  uint16
	Kind     EventKind
	Payload  []byte
}

// MarshalBinary encodes the packet.
func (p EventPacket) MarshalBinary() ([]byte, error) {
	if len(p.Payload) > MaxEventPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, 4, 4+len(p.Payload))
	out[0] = BuildMHDR(LoRaWANType, EventType, p.HopCount)
	binary.BigEndian.PutUint16(out[1:3], p.EventID)
	out[3] = byte(p.Kind)
	return append(out, p.Payload...), nil
}

// UnmarshalBinary decodes the packet.
func (p *EventPacket) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return ErrTooShort
	}
	mt, pt, hop := ParseMHDR(data[0])
	if mt != LoRaWANType {
		return ErrBadMetaType
	}
	if pt != EventType {
		return ErrBadPayloadType
	}
	p.HopCount = hop
	p.EventID = binary.BigEndian.Uint16(data[1:3])
	p.Kind = EventKind(data[3])
	if len(data)-4 > MaxEventPayloadLen {
		return ErrPayloadTooLarge
	}
	p.Payload = append([]byte(nil), data[4:]...)
	return nil
}

// PayloadTypeOf inspects a raw datagram without fully decoding it.
func PayloadTypeOf(data []byte) (PayloadType, error) {
	if len(data) < 1 {
		return 0, ErrTooShort
	}
	mt, pt, _ := ParseMHDR(data[0])
	if mt != LoRaWANType {
		return 0, ErrBadMetaType
	}
	switch pt {
	case UplinkType, DownlinkType, EventType:
		return pt, nil
	}
	return 0, ErrBadPayloadType
}
