package gateway

import (
	"context"
	"encoding/binary"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/onehub/pktfwd/internal/jit"
	"github.com/onehub/pktfwd/internal/packet"
	"github.com/onehub/pktfwd/internal/stats"
)

// beaconSize is the EU868-class beacon frame length.
const beaconSize = 17

// beaconGenerator enqueues one class-B beacon per period, PPS-aligned to
// the GPS epoch, rotating over the configured beacon channels.
type beaconGenerator struct {
	gw *Gateway

	periodSec uint32
	freqHz    uint32
	freqNb    uint8
	freqStep  uint32
	datarate  uint8
	bwHz      uint32
	power     int8
	infodesc  uint8

	heartbeat func()
	lastSlot  uint64
}

// Run loops until cancelled. Without a valid time reference it idles.
func (b *beaconGenerator) Run(ctx context.Context) {
	log.WithField("period_s", b.periodSec).Info("gateway: beacon generator started")
	defer log.Info("gateway: beacon generator stopped")

	for {
		if b.heartbeat != nil {
			b.heartbeat()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}

		ref, ok := b.gw.timeSource.Tref()
		if !ok {
			continue
		}

		// next beacon slot on the GPS-epoch grid
		nowGPS := gpsTimeOf(time.Now().UTC())
		period := time.Duration(b.periodSec) * time.Second
		slot := nowGPS - nowGPS%period + period

		// enqueue once we are within half a period of the slot
		if slot-nowGPS > period/2 {
			continue
		}

		slotIndex := uint64(slot / period)
		if b.lastSlot == slotIndex {
			continue
		}

		targetMs := uint64(slot / time.Millisecond)
		target := tmmsToCount(ref, targetMs)

		freq := b.freqHz
		if b.freqNb > 1 {
			freq += uint32(slotIndex%uint64(b.freqNb)) * b.freqStep
		}

		pkt := packet.TxPacket{
			FreqHz:          freq,
			Mode:            packet.TxTimestamped,
			CountUs:         target,
			Power:           b.power,
			Modulation:      packet.ModLoRa,
			Bandwidth:       b.bwHz,
			SpreadingFactor: b.datarate,
			CodeRate:        packet.CR45,
			Preamble:        10,
			NoCRC:           true,
			NoHeader:        true,
			Payload:         b.frame(slot),
		}

		err := b.gw.ScheduleTx(pkt, jit.ClassBeacon)
		b.gw.agg.UpdateGateway(func(g *stats.GatewayCounters) {
			if err != nil {
				g.BeaconRejected++
			} else {
				g.BeaconQueued++
			}
		})
		if err != nil {
			log.WithError(err).Warning("gateway: beacon rejected")
		} else {
			log.WithFields(log.Fields{
				"freq":     freq,
				"count_us": target,
			}).Debug("gateway: beacon queued")
		}
		b.lastSlot = slotIndex
	}
}

// frame builds the beacon payload: RFU(2) | epoch seconds(4, LE) | CRC(2) |
// info descriptor(1) | lat(3) | lon(3) | CRC(2).
func (b *beaconGenerator) frame(slot time.Duration) []byte {
	out := make([]byte, beaconSize)
	secs := uint32(slot / time.Second)
	binary.LittleEndian.PutUint32(out[2:6], secs)
	crc1 := crc16(out[0:6])
	binary.LittleEndian.PutUint16(out[6:8], crc1)

	out[8] = b.infodesc
	var lat, lon int32
	if c, ok := b.gw.timeSource.Coords(); ok {
		// 24-bit scaled coordinates per the Class B beacon layout
		lat = int32(c.Latitude / 90.0 * float64(1<<23))
		lon = int32(c.Longitude / 180.0 * float64(1<<23))
	}
	out[9] = byte(lat)
	out[10] = byte(lat >> 8)
	out[11] = byte(lat >> 16)
	out[12] = byte(lon)
	out[13] = byte(lon >> 8)
	out[14] = byte(lon >> 16)
	crc2 := crc16(out[8:15])
	binary.LittleEndian.PutUint16(out[15:17], crc2)
	return out
}

// crc16 is the CCITT polynomial used by the Class B beacon.
func crc16(data []byte) uint16 {
	const poly = 0x1021
	var x uint16
	for _, b := range data {
		x ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if x&0x8000 != 0 {
				x = x<<1 ^ poly
			} else {
				x <<= 1
			}
		}
	}
	return x
}
