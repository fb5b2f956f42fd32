package semtech

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/onehub/pktfwd/internal/packet"
)

// CompactTime is ISO 8601 'compact' as used in the rxpk "time" field.
type CompactTime time.Time

// MarshalJSON implements json.Marshaler.
func (t CompactTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(time.RFC3339Nano) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *CompactTime) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*t = CompactTime(parsed)
	return nil
}

// ExpandedTime is ISO 8601 'expanded' as used in the stat "time" field.
type ExpandedTime time.Time

// MarshalJSON implements json.Marshaler.
func (t ExpandedTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format("2006-01-02 15:04:05 MST") + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *ExpandedTime) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return err
	}
	parsed, err := time.Parse("2006-01-02 15:04:05 MST", s)
	if err != nil {
		return err
	}
	*t = ExpandedTime(parsed)
	return nil
}

// DatR wraps the "datr" field, which is a string for LoRa and a plain
// number for FSK.
type DatR struct {
	LoRa string
	FSK  uint32
}

// MarshalJSON implements json.Marshaler.
func (d DatR) MarshalJSON() ([]byte, error) {
	if d.LoRa != "" {
		return []byte(`"` + d.LoRa + `"`), nil
	}
	return []byte(strconv.FormatUint(uint64(d.FSK), 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *DatR) UnmarshalJSON(data []byte) error {
	if i, err := strconv.ParseUint(string(data), 10, 32); err == nil {
		d.FSK = uint32(i)
		return nil
	}
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return errors.New("semtech: datr must be a string or number")
	}
	d.LoRa = s
	return nil
}

// RXPK is one received RF packet in a PUSH_DATA body.
type RXPK struct {
	Time  *CompactTime `json:"time,omitempty"`  // UTC time of RX, us precision
	Tmms  *uint64      `json:"tmms,omitempty"`  // GPS time of RX, ms since GPS epoch
	Tmst  uint32       `json:"tmst"`            // internal counter at RX-finished, µs
	FTime *uint32      `json:"ftime,omitempty"` // fine timestamp, ns since last PPS
	Chan  uint8        `json:"chan"`            // concentrator IF channel
	RFCh  uint8        `json:"rfch"`            // concentrator RF chain
	Freq  float64      `json:"freq"`            // RX central frequency, MHz
	Stat  int8         `json:"stat"`            // CRC status: 1 OK, -1 fail, 0 no CRC
	Modu  string       `json:"modu"`            // "LORA" or "FSK"
	DatR  DatR         `json:"datr"`
	CodR  string       `json:"codr,omitempty"`
	RSSI  int16        `json:"rssi"` // dBm, 1 dB precision
	LSNR  float64      `json:"lsnr"` // dB, 0.1 dB precision
	Size  uint16       `json:"size"`
	Data  string       `json:"data"` // base64 PHY payload
}

// TXPK is the transmit order in a PULL_RESP body.
type TXPK struct {
	Imme bool     `json:"imme"`           // send immediately
	Tmst *uint32  `json:"tmst,omitempty"` // send at counter value, µs
	Tmms *uint64  `json:"tmms,omitempty"` // send at GPS time, ms since GPS epoch
	Freq float64  `json:"freq"`           // TX central frequency, MHz
	RFCh uint8    `json:"rfch"`
	Powe uint8    `json:"powe"` // dBm
	Modu string   `json:"modu"`
	DatR DatR     `json:"datr"`
	CodR string   `json:"codr,omitempty"`
	FDev uint16   `json:"fdev,omitempty"` // FSK frequency deviation, Hz
	IPol bool     `json:"ipol"`
	Prea uint16   `json:"prea,omitempty"`
	Size uint16   `json:"size"`
	NCRC bool     `json:"ncrc,omitempty"`
	Data string   `json:"data"`
}

// Stat is the gateway status report in a PUSH_DATA body.
type Stat struct {
	Time ExpandedTime `json:"time"`
	Lati float64      `json:"lati,omitempty"`
	Long float64      `json:"long,omitempty"`
	Alti int32        `json:"alti,omitempty"`
	RXNb uint32       `json:"rxnb"` // radio packets received
	RXOK uint32       `json:"rxok"` // received with valid PHY CRC
	RXFW uint32       `json:"rxfw"` // forwarded upstream
	ACKR float64      `json:"ackr"` // percentage of acknowledged datagrams
	DWNb uint32       `json:"dwnb"` // downlink datagrams received
	TXNb uint32       `json:"txnb"` // packets emitted
}

// NewRXPK converts a received radio packet into its JSON representation.
func NewRXPK(p *packet.RxPacket) RXPK {
	rx := RXPK{
		Tmst: p.CountUs,
		Chan: p.IFChain,
		RFCh: p.RFChain,
		Freq: float64(p.FreqHz) / 1e6,
		Modu: p.Modulation.String(),
		RSSI: int16(p.RSSIS),
		LSNR: float64(p.SNR),
		Size: uint16(len(p.Payload)),
		Data: base64.StdEncoding.EncodeToString(p.Payload),
	}
	switch p.CRC {
	case packet.CRCOK:
		rx.Stat = 1
	case packet.CRCBad:
		rx.Stat = -1
	default:
		rx.Stat = 0
	}
	if p.Modulation == packet.ModFSK {
		rx.DatR = DatR{FSK: p.FSKDatarate}
	} else {
		rx.DatR = DatR{LoRa: p.Datr()}
		rx.CodR = p.CodeRate.String()
	}
	if p.FineCountValid {
		ftime := p.FineCountNs
		rx.FTime = &ftime
	}
	return rx
}

// TxPacketFromTXPK converts a txpk JSON document into a transmit job.
// Timestamp translation (tmms via the GPS time reference) is the caller's
// responsibility; this fills CountUs only from tmst.
func TxPacketFromTXPK(tx *TXPK) (packet.TxPacket, error) {
	var p packet.TxPacket

	data, err := base64.StdEncoding.DecodeString(tx.Data)
	if err != nil {
		// some servers omit the padding
		data, err = base64.RawStdEncoding.DecodeString(tx.Data)
		if err != nil {
			return p, errors.Wrap(err, "semtech: decode txpk data error")
		}
	}
	if tx.Size != 0 && int(tx.Size) != len(data) {
		return p, errors.Errorf("semtech: txpk size %d does not match payload length %d", tx.Size, len(data))
	}

	p.FreqHz = uint32(tx.Freq*1e6 + 0.5)
	p.RFChain = tx.RFCh
	p.Power = int8(tx.Powe)
	p.InvertPol = tx.IPol
	p.Preamble = tx.Prea
	p.NoCRC = tx.NCRC
	p.Payload = data

	switch {
	case tx.Imme:
		p.Mode = packet.TxImmediate
	case tx.Tmst != nil:
		p.Mode = packet.TxTimestamped
		p.CountUs = *tx.Tmst
	case tx.Tmms != nil:
		p.Mode = packet.TxOnPPS
	default:
		return p, errors.New("semtech: txpk carries no timing information")
	}

	switch tx.Modu {
	case "LORA":
		datr := tx.DatR.LoRa
		if datr == "" {
			return p, errors.New("semtech: txpk LORA modulation without datr string")
		}
		if err := p.ParseDatr(datr); err != nil {
			return p, err
		}
		if tx.CodR != "" {
			cr, err := packet.ParseCodeRate(tx.CodR)
			if err != nil {
				return p, err
			}
			p.CodeRate = cr
		} else {
			p.CodeRate = packet.CR45
		}
	case "FSK":
		p.Modulation = packet.ModFSK
		p.FSKDatarate = tx.DatR.FSK
		p.FDev = uint32(tx.FDev)
	default:
		return p, errors.Errorf("semtech: unknown txpk modulation %q", tx.Modu)
	}

	return p, nil
}
