package packet

import (
	"time"

	"github.com/brocaar/lorawan/airtime"
)

// fskSyncWordSize and fskCRCSize follow the SX130x HAL framing.
const (
	fskSyncWordSize = 3
	fskCRCSize      = 2
)

// TimeOnAir computes the on-air duration of a transmit job. The JIT queue
// uses it to build occupancy intervals before a job is scheduled.
func (p *TxPacket) TimeOnAir() time.Duration {
	switch p.Modulation {
	case ModLoRa:
		preamble := int(p.Preamble)
		if preamble == 0 {
			preamble = 8
		}
		cr := p.CodeRate
		if cr == 0 {
			cr = CR45
		}
		// Low datarate optimization is mandated for SF11/SF12 at 125 kHz.
		ldro := p.Bandwidth == 125000 && p.SpreadingFactor >= 11
		d, err := airtime.CalculateLoRaAirtime(
			len(p.Payload),
			int(p.SpreadingFactor),
			int(p.Bandwidth),
			preamble,
			airtime.CodingRate(cr),
			!p.NoHeader,
			ldro,
		)
		if err != nil {
			return 0
		}
		// the library's Duration holds a microsecond count, not nanoseconds
		return d * 1000
	case ModFSK:
		if p.FSKDatarate == 0 {
			return 0
		}
		preamble := int(p.Preamble)
		if preamble == 0 {
			preamble = 5
		}
		bits := (preamble + fskSyncWordSize + 1 + len(p.Payload) + fskCRCSize) * 8
		return time.Duration(bits) * time.Second / time.Duration(p.FSKDatarate)
	default:
		return 0
	}
}
