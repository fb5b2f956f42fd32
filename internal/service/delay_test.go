package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onehub/pktfwd/internal/packet"
	"github.com/onehub/pktfwd/internal/semtech"
)

func TestRxPacketFromRXPK(t *testing.T) {
	rx := semtech.RXPK{
		Tmst: 424242,
		Chan: 2,
		RFCh: 1,
		Freq: 867.5,
		Stat: 1,
		Modu: "LORA",
		DatR: semtech.DatR{LoRa: "SF9BW125"},
		CodR: "4/5",
		RSSI: -90,
		LSNR: 3.5,
		Size: 2,
		Data: "3q0=",
	}
	p, err := rxPacketFromRXPK(&rx)
	require.NoError(t, err)

	assert.Equal(t, uint32(867500000), p.FreqHz)
	assert.Equal(t, uint8(2), p.IFChain)
	assert.Equal(t, uint8(1), p.RFChain)
	assert.Equal(t, packet.CRCOK, p.CRC)
	assert.Equal(t, uint8(9), p.SpreadingFactor)
	assert.Equal(t, uint32(125000), p.Bandwidth)
	assert.Equal(t, packet.CR45, p.CodeRate)
	assert.Equal(t, uint32(424242), p.CountUs)
	assert.Equal(t, []byte{0xDE, 0xAD}, p.Payload)
}

func TestRxPacketFromRXPKFSK(t *testing.T) {
	rx := semtech.RXPK{
		Freq: 868.8,
		Stat: 0,
		Modu: "FSK",
		DatR: semtech.DatR{FSK: 50000},
		Size: 1,
		Data: "AA==",
	}
	p, err := rxPacketFromRXPK(&rx)
	require.NoError(t, err)
	assert.Equal(t, packet.ModFSK, p.Modulation)
	assert.Equal(t, uint32(50000), p.FSKDatarate)
	assert.Equal(t, packet.CRCNone, p.CRC)
}

func TestRxPacketFromRXPKBadData(t *testing.T) {
	rx := semtech.RXPK{Modu: "LORA", DatR: semtech.DatR{LoRa: "SF7BW125"}, Data: "!!!"}
	_, err := rxPacketFromRXPK(&rx)
	assert.Error(t, err)
}
