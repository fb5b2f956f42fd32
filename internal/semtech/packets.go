// Package semtech implements the Semtech packet-forwarder UDP protocol
// (version 2): the 12-byte binary framing and the rxpk/txpk/stat JSON
// bodies exchanged with a network server.
package semtech

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// ProtocolVersion is the only protocol version this codec speaks.
const ProtocolVersion uint8 = 2

// PacketType identifies a Semtech UDP message.
type PacketType byte

// Message identifiers.
const (
	PushData PacketType = iota
	PushACK
	PullData
	PullResp
	PullACK
	TXACK
)

// String implements fmt.Stringer.
func (p PacketType) String() string {
	switch p {
	case PushData:
		return "PUSH_DATA"
	case PushACK:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullACK:
		return "PULL_ACK"
	case TXACK:
		return "TX_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(p))
	}
}

// GetPacketType returns the message identifier of a raw datagram.
func GetPacketType(data []byte) (PacketType, error) {
	if len(data) < 4 {
		return 0, errors.New("semtech: at least 4 bytes of data are expected")
	}
	if data[0] != ProtocolVersion {
		return 0, errors.Errorf("semtech: unknown protocol version %d", data[0])
	}
	if data[3] > byte(TXACK) {
		return 0, errors.Errorf("semtech: unknown packet type %d", data[3])
	}
	return PacketType(data[3]), nil
}

// PushDataPacket is sent by the gateway to forward RF packets and stats.
type PushDataPacket struct {
	RandomToken uint16
	GatewayMAC  [8]byte
	Payload     PushDataPayload
}

// PushDataPayload is the JSON body of a PUSH_DATA packet.
type PushDataPayload struct {
	RXPK []RXPK `json:"rxpk,omitempty"`
	Stat *Stat  `json:"stat,omitempty"`
}

// MarshalBinary encodes the packet.
func (p PushDataPacket) MarshalBinary() ([]byte, error) {
	body, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "semtech: marshal push data payload error")
	}
	out := make([]byte, 12, 12+len(body))
	out[0] = ProtocolVersion
	binary.LittleEndian.PutUint16(out[1:3], p.RandomToken)
	out[3] = byte(PushData)
	copy(out[4:12], p.GatewayMAC[:])
	return append(out, body...), nil
}

// UnmarshalBinary decodes the packet.
func (p *PushDataPacket) UnmarshalBinary(data []byte) error {
	if len(data) < 13 {
		return errors.New("semtech: at least 13 bytes of data are expected")
	}
	if err := expectType(data, PushData); err != nil {
		return err
	}
	p.RandomToken = binary.LittleEndian.Uint16(data[1:3])
	copy(p.GatewayMAC[:], data[4:12])
	return errors.Wrap(json.Unmarshal(data[12:], &p.Payload), "semtech: unmarshal push data payload error")
}

// PushACKPacket acknowledges a PUSH_DATA.
type PushACKPacket struct {
	RandomToken uint16
}

// MarshalBinary encodes the packet.
func (p PushACKPacket) MarshalBinary() ([]byte, error) {
	return marshalHeaderOnly(p.RandomToken, PushACK), nil
}

// UnmarshalBinary decodes the packet.
func (p *PushACKPacket) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return errors.New("semtech: 4 bytes of data are expected")
	}
	if err := expectType(data, PushACK); err != nil {
		return err
	}
	p.RandomToken = binary.LittleEndian.Uint16(data[1:3])
	return nil
}

// PullDataPacket is the downlink-path keepalive sent by the gateway.
type PullDataPacket struct {
	RandomToken uint16
	GatewayMAC  [8]byte
}

// MarshalBinary encodes the packet.
func (p PullDataPacket) MarshalBinary() ([]byte, error) {
	out := make([]byte, 12)
	out[0] = ProtocolVersion
	binary.LittleEndian.PutUint16(out[1:3], p.RandomToken)
	out[3] = byte(PullData)
	copy(out[4:12], p.GatewayMAC[:])
	return out, nil
}

// UnmarshalBinary decodes the packet.
func (p *PullDataPacket) UnmarshalBinary(data []byte) error {
	if len(data) != 12 {
		return errors.New("semtech: 12 bytes of data are expected")
	}
	if err := expectType(data, PullData); err != nil {
		return err
	}
	p.RandomToken = binary.LittleEndian.Uint16(data[1:3])
	copy(p.GatewayMAC[:], data[4:12])
	return nil
}

// PullACKPacket acknowledges a PULL_DATA.
type PullACKPacket struct {
	RandomToken uint16
}

// MarshalBinary encodes the packet.
func (p PullACKPacket) MarshalBinary() ([]byte, error) {
	return marshalHeaderOnly(p.RandomToken, PullACK), nil
}

// UnmarshalBinary decodes the packet.
func (p *PullACKPacket) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return errors.New("semtech: 4 bytes of data are expected")
	}
	if err := expectType(data, PullACK); err != nil {
		return err
	}
	p.RandomToken = binary.LittleEndian.Uint16(data[1:3])
	return nil
}

// PullRespPacket carries a downlink transmit order from the server.
type PullRespPacket struct {
	RandomToken uint16
	Payload     PullRespPayload
}

// PullRespPayload is the JSON body of a PULL_RESP packet.
type PullRespPayload struct {
	TXPK TXPK `json:"txpk"`
}

// MarshalBinary encodes the packet.
func (p PullRespPacket) MarshalBinary() ([]byte, error) {
	body, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "semtech: marshal pull resp payload error")
	}
	out := make([]byte, 4, 4+len(body))
	out[0] = ProtocolVersion
	binary.LittleEndian.PutUint16(out[1:3], p.RandomToken)
	out[3] = byte(PullResp)
	return append(out, body...), nil
}

// UnmarshalBinary decodes the packet.
func (p *PullRespPacket) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return errors.New("semtech: at least 5 bytes of data are expected")
	}
	if err := expectType(data, PullResp); err != nil {
		return err
	}
	p.RandomToken = binary.LittleEndian.Uint16(data[1:3])
	return errors.Wrap(json.Unmarshal(data[4:], &p.Payload), "semtech: unmarshal pull resp payload error")
}

// TXACKPacket reports the outcome of a PULL_RESP back to the server.
type TXACKPacket struct {
	RandomToken uint16
	GatewayMAC  [8]byte
	Payload     *TXACKPayload
}

// TXACKPayload is the JSON body of a TX_ACK packet.
type TXACKPayload struct {
	TXPKACK TXPKACK `json:"txpk_ack"`
}

// TXPKACK names the downlink error, "NONE" or empty on success.
type TXPKACK struct {
	Error string `json:"error"`
}

// MarshalBinary encodes the packet. A nil payload means success and
// produces no JSON body.
func (p TXACKPacket) MarshalBinary() ([]byte, error) {
	var body []byte
	if p.Payload != nil {
		var err error
		body, err = json.Marshal(p.Payload)
		if err != nil {
			return nil, errors.Wrap(err, "semtech: marshal txack payload error")
		}
	}
	out := make([]byte, 12, 12+len(body))
	out[0] = ProtocolVersion
	binary.LittleEndian.PutUint16(out[1:3], p.RandomToken)
	out[3] = byte(TXACK)
	copy(out[4:12], p.GatewayMAC[:])
	return append(out, body...), nil
}

// UnmarshalBinary decodes the packet.
func (p *TXACKPacket) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return errors.New("semtech: at least 12 bytes of data are expected")
	}
	if err := expectType(data, TXACK); err != nil {
		return err
	}
	p.RandomToken = binary.LittleEndian.Uint16(data[1:3])
	copy(p.GatewayMAC[:], data[4:12])
	if len(data) > 12 {
		p.Payload = &TXACKPayload{}
		return errors.Wrap(json.Unmarshal(data[12:], p.Payload), "semtech: unmarshal txack payload error")
	}
	p.Payload = nil
	return nil
}

func expectType(data []byte, want PacketType) error {
	pt, err := GetPacketType(data)
	if err != nil {
		return err
	}
	if pt != want {
		return errors.Errorf("semtech: expected %s, got %s", want, pt)
	}
	return nil
}

func marshalHeaderOnly(token uint16, pt PacketType) []byte {
	out := make([]byte, 4)
	out[0] = ProtocolVersion
	binary.LittleEndian.PutUint16(out[1:3], token)
	out[3] = byte(pt)
	return out
}
