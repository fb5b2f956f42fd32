package storage

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/onehub/pktfwd/internal/filter"
	"github.com/onehub/pktfwd/internal/packet"
)

// Uplink is one decoded uplink row. Nullable columns use empty strings and
// negative sentinels rather than sql.Null wrappers; the table is a debug
// sink, not a source of truth.
type Uplink struct {
	ID         int64     `json:"id"`
	DevAddr    string    `json:"dev_addr,omitempty"`
	DevEUI     string    `json:"dev_eui,omitempty"`
	FPort      int       `json:"fport"` // -1 when absent
	MType      string    `json:"mtype,omitempty"`
	FreqHz     uint32    `json:"freq_hz"`
	Modulation string    `json:"modulation"`
	Datarate   string    `json:"datarate"`
	RSSI       float32   `json:"rssi"`
	SNR        float32   `json:"snr"`
	CRCStatus  string    `json:"crc_status"`
	CountUs    uint32    `json:"count_us"`
	Size       int       `json:"size"`
	PayloadHex string    `json:"payload_hex"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewUplink builds a row from a radio packet, running the minimal PHY
// decode for the addressing columns. Decode failures leave them empty.
func NewUplink(p *packet.RxPacket) *Uplink {
	u := &Uplink{
		FPort:      -1,
		FreqHz:     p.FreqHz,
		Modulation: p.Modulation.String(),
		Datarate:   p.Datr(),
		RSSI:       p.RSSIS,
		SNR:        p.SNR,
		CRCStatus:  p.CRC.String(),
		CountUs:    p.CountUs,
		Size:       len(p.Payload),
		PayloadHex: strings.ToUpper(hex.EncodeToString(p.Payload)),
		ReceivedAt: time.Now().UTC(),
	}

	fields, err := filter.DecodeFields(p.Payload)
	if err != nil {
		return u
	}
	if fields.DevAddr != nil {
		u.DevAddr = strings.ToUpper(hex.EncodeToString(fields.DevAddr[:]))
	}
	if fields.DevEUI != nil {
		u.DevEUI = strings.ToUpper(hex.EncodeToString(fields.DevEUI[:]))
	}
	if fields.FPort != nil {
		u.FPort = int(*fields.FPort)
	}
	return u
}
