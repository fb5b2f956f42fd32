// Package packet defines the radio packet model shared by the RX pipeline,
// the services and the JIT transmit scheduler.
package packet

import (
	"fmt"

	"github.com/pkg/errors"
)

// Modulation identifies the RF modulation of a packet.
type Modulation uint8

// Supported modulations.
const (
	ModLoRa Modulation = iota
	ModFSK
	ModCW
)

// String implements fmt.Stringer.
func (m Modulation) String() string {
	switch m {
	case ModLoRa:
		return "LORA"
	case ModFSK:
		return "FSK"
	case ModCW:
		return "CW"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(m))
	}
}

// CRCStatus is the payload CRC check outcome reported by the concentrator.
type CRCStatus uint8

// CRC states.
const (
	CRCNone CRCStatus = iota
	CRCOK
	CRCBad
)

// String implements fmt.Stringer.
func (c CRCStatus) String() string {
	switch c {
	case CRCNone:
		return "NO_CRC"
	case CRCOK:
		return "CRC_OK"
	case CRCBad:
		return "CRC_BAD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
}

// CodeRate is the LoRa ECC coding rate.
type CodeRate uint8

// Coding rates.
const (
	CR45 CodeRate = iota + 1
	CR46
	CR47
	CR48
)

// String returns the Semtech "codr" identifier.
func (c CodeRate) String() string {
	switch c {
	case CR45:
		return "4/5"
	case CR46:
		return "4/6"
	case CR47:
		return "4/7"
	case CR48:
		return "4/8"
	default:
		return "OFF"
	}
}

// ParseCodeRate parses a Semtech "codr" identifier.
func ParseCodeRate(s string) (CodeRate, error) {
	switch s {
	case "4/5":
		return CR45, nil
	case "4/6":
		return CR46, nil
	case "4/7":
		return CR47, nil
	case "4/8":
		return CR48, nil
	}
	return 0, errors.Errorf("packet: unknown coding rate %q", s)
}

// MaxPayloadSize is the largest PHY payload a concentrator delivers.
const MaxPayloadSize = 256

// RxPacket is one frame received from the concentrator, with the metadata
// the hardware attaches to it.
type RxPacket struct {
	FreqHz          uint32
	IFChain         uint8
	RFChain         uint8
	Modulation      Modulation
	Bandwidth       uint32 // Hz
	SpreadingFactor uint8  // LoRa only
	FSKDatarate     uint32 // FSK only, bits per second
	CodeRate        CodeRate
	RSSIC           float32 // channel RSSI, dB
	RSSIS           float32 // signal RSSI, dB
	SNR             float32
	SNRMin          float32
	SNRMax          float32
	CRC             CRCStatus
	Payload         []byte

	// CountUs is the concentrator counter at RX-finished, µs, wraps at 2^32.
	CountUs uint32

	// FineCountNs is nanoseconds since the last PPS edge, when the board
	// provides a fine timestamp.
	FineCountNs    uint32
	FineCountValid bool
}

// Datr returns the Semtech "datr" identifier for this packet.
func (p *RxPacket) Datr() string {
	if p.Modulation == ModFSK {
		return fmt.Sprintf("%d", p.FSKDatarate)
	}
	return fmt.Sprintf("SF%dBW%d", p.SpreadingFactor, p.Bandwidth/1000)
}

// TxMode selects how the concentrator interprets a transmit timestamp.
type TxMode uint8

// Transmit modes.
const (
	TxImmediate TxMode = iota
	TxTimestamped
	TxOnPPS
)

// String implements fmt.Stringer.
func (m TxMode) String() string {
	switch m {
	case TxImmediate:
		return "IMMEDIATE"
	case TxTimestamped:
		return "TIMESTAMPED"
	case TxOnPPS:
		return "ON_PPS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(m))
	}
}

// TxPacket is a downlink transmit job handed to the JIT queue and finally to
// the concentrator.
type TxPacket struct {
	FreqHz          uint32
	Mode            TxMode
	CountUs         uint32 // target concentrator count, µs
	RFChain         uint8
	Power           int8 // dBm
	Modulation      Modulation
	Bandwidth       uint32
	SpreadingFactor uint8
	FSKDatarate     uint32
	FDev            uint32 // FSK frequency deviation, Hz
	CodeRate        CodeRate
	InvertPol       bool
	Preamble        uint16
	NoCRC           bool
	NoHeader        bool
	Payload         []byte
}

// ParseDatr fills the datarate fields from a Semtech "datr" identifier.
func (p *TxPacket) ParseDatr(datr string) error {
	var sf, bw int
	if _, err := fmt.Sscanf(datr, "SF%dBW%d", &sf, &bw); err == nil {
		if sf < 5 || sf > 12 {
			return errors.Errorf("packet: spreading factor out of range in %q", datr)
		}
		p.Modulation = ModLoRa
		p.SpreadingFactor = uint8(sf)
		p.Bandwidth = uint32(bw) * 1000
		return nil
	}
	var br uint32
	if _, err := fmt.Sscanf(datr, "%d", &br); err == nil && br > 0 {
		p.Modulation = ModFSK
		p.FSKDatarate = br
		return nil
	}
	return errors.Errorf("packet: cannot parse datarate %q", datr)
}
