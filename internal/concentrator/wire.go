package concentrator

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/onehub/pktfwd/internal/packet"
)

// Binary framing for the Concentratord ZMQ API. Fixed-size little-endian
// header followed by the PHY payload.

const (
	uplinkHeaderSize   = 40
	downlinkHeaderSize = 32
	txAckSize          = 8
)

// tx flag bits
const (
	flagInvertPol = 1 << 0
	flagNoCRC     = 1 << 1
	flagNoHeader  = 1 << 2
)

// TX ack status codes on the command socket.
const (
	txAckOK uint32 = iota
	txAckTooLate
	txAckTooEarly
	txAckTxFreq
	txAckTxPower
	txAckInternal
)

// marshalDownlink serializes a transmit job for the "down" command.
func marshalDownlink(id uint32, p *packet.TxPacket) []byte {
	buf := make([]byte, downlinkHeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], id)
	binary.LittleEndian.PutUint32(buf[4:8], p.FreqHz)
	buf[8] = byte(p.Mode)
	binary.LittleEndian.PutUint32(buf[9:13], p.CountUs)
	buf[13] = p.RFChain
	buf[14] = byte(p.Power)
	buf[15] = byte(p.Modulation)
	binary.LittleEndian.PutUint32(buf[16:20], p.Bandwidth)
	buf[20] = p.SpreadingFactor
	binary.LittleEndian.PutUint32(buf[21:25], p.FSKDatarate)
	buf[25] = byte(p.CodeRate)
	var flags byte
	if p.InvertPol {
		flags |= flagInvertPol
	}
	if p.NoCRC {
		flags |= flagNoCRC
	}
	if p.NoHeader {
		flags |= flagNoHeader
	}
	buf[26] = flags
	binary.LittleEndian.PutUint16(buf[27:29], p.Preamble)
	// byte 29 reserved
	binary.LittleEndian.PutUint16(buf[30:32], uint16(len(p.Payload)))
	copy(buf[downlinkHeaderSize:], p.Payload)
	return buf
}

// unmarshalUplink parses an "up" event into a radio packet.
func unmarshalUplink(data []byte) (packet.RxPacket, error) {
	var p packet.RxPacket
	if len(data) < uplinkHeaderSize {
		return p, errors.Errorf("concentrator: uplink frame too short: %d bytes", len(data))
	}
	p.FreqHz = binary.LittleEndian.Uint32(data[0:4])
	p.IFChain = data[4]
	p.RFChain = data[5]
	p.Modulation = packet.Modulation(data[6])
	p.Bandwidth = binary.LittleEndian.Uint32(data[7:11])
	p.SpreadingFactor = data[11]
	p.FSKDatarate = binary.LittleEndian.Uint32(data[12:16])
	p.CodeRate = packet.CodeRate(data[16])
	p.RSSIC = math.Float32frombits(binary.LittleEndian.Uint32(data[17:21]))
	p.RSSIS = math.Float32frombits(binary.LittleEndian.Uint32(data[21:25]))
	p.SNR = math.Float32frombits(binary.LittleEndian.Uint32(data[25:29]))
	p.CRC = packet.CRCStatus(data[29])
	p.CountUs = binary.LittleEndian.Uint32(data[30:34])
	p.FineCountNs = binary.LittleEndian.Uint32(data[34:38])
	p.FineCountValid = data[38] != 0
	// byte 39 reserved; payload length is implied by the frame
	payload := data[uplinkHeaderSize:]
	if len(payload) > packet.MaxPayloadSize {
		return p, errors.Errorf("concentrator: uplink payload too large: %d bytes", len(payload))
	}
	p.Payload = append([]byte(nil), payload...)
	p.SNRMin = p.SNR
	p.SNRMax = p.SNR
	return p, nil
}

// marshalUplink is the inverse of unmarshalUplink; the mock event source
// and tests use it.
func marshalUplink(p *packet.RxPacket) []byte {
	buf := make([]byte, uplinkHeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], p.FreqHz)
	buf[4] = p.IFChain
	buf[5] = p.RFChain
	buf[6] = byte(p.Modulation)
	binary.LittleEndian.PutUint32(buf[7:11], p.Bandwidth)
	buf[11] = p.SpreadingFactor
	binary.LittleEndian.PutUint32(buf[12:16], p.FSKDatarate)
	buf[16] = byte(p.CodeRate)
	binary.LittleEndian.PutUint32(buf[17:21], math.Float32bits(p.RSSIC))
	binary.LittleEndian.PutUint32(buf[21:25], math.Float32bits(p.RSSIS))
	binary.LittleEndian.PutUint32(buf[25:29], math.Float32bits(p.SNR))
	buf[29] = byte(p.CRC)
	binary.LittleEndian.PutUint32(buf[30:34], p.CountUs)
	binary.LittleEndian.PutUint32(buf[34:38], p.FineCountNs)
	if p.FineCountValid {
		buf[38] = 1
	}
	buf[39] = 0
	copy(buf[uplinkHeaderSize:], p.Payload)
	return buf
}

// unmarshalTxAck parses the command-socket response to a "down" command.
func unmarshalTxAck(data []byte) (uint32, uint32, error) {
	if len(data) < txAckSize {
		return 0, 0, errors.Errorf("concentrator: tx ack too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[0:4]), binary.LittleEndian.Uint32(data[4:8]), nil
}
