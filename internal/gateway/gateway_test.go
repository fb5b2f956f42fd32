package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onehub/pktfwd/internal/concentrator"
	"github.com/onehub/pktfwd/internal/config"
	"github.com/onehub/pktfwd/internal/jit"
	"github.com/onehub/pktfwd/internal/packet"
	"github.com/onehub/pktfwd/internal/storage"
)

func testConfig(t *testing.T) (*config.Gateway, *config.Concentrator) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sink.db")
	gw := &config.Gateway{
		GatewayID:    "AA555A0000000101",
		TimeInterval: 30,
		Servers: []config.Server{
			{
				Type:    "pkt",
				Name:    "sink",
				Enabled: true,
				Addr:    dbPath,
			},
		},
	}
	// apply the same defaulting LoadGateway performs
	raw := *gw
	for i := range raw.Servers {
		if raw.Servers[i].PullInterval == 0 {
			raw.Servers[i].PullInterval = config.DefaultPullInterval
		}
		if raw.Servers[i].MaxStall == 0 {
			raw.Servers[i].MaxStall = config.DefaultMaxStall
		}
	}
	sx := &config.Concentrator{Board: "sx1302", RFChains: 1}
	return &raw, sx
}

func TestGatewayEndToEndPacketSink(t *testing.T) {
	gwCfg, sxCfg := testConfig(t)
	conc := concentrator.NewMock()
	conc.SetCounter(1_000_000)

	g, err := New(gwCfg, sxCfg, conc, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, g.Start(ctx))

	// a CRC-OK packet appears on the radio
	conc.QueueRx(packet.RxPacket{
		FreqHz:          868100000,
		Modulation:      packet.ModLoRa,
		Bandwidth:       125000,
		SpreadingFactor: 7,
		CRC:             packet.CRCOK,
		Payload:         []byte{0x40, 0x04, 0x03, 0x02, 0x01, 0x00, 0x00, 0x00, 0x0A, 0, 0, 0, 0},
		CountUs:         1_000_100,
	})

	// the sink service must store it
	db, err := storage.Open(gwCfg.Servers[0].Addr)
	require.NoError(t, err)
	defer db.Close()

	deadline := time.After(3 * time.Second)
	for {
		n, err := db.CountUplinks()
		require.NoError(t, err)
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("uplink never reached the storage sink")
		case <-time.After(50 * time.Millisecond):
		}
	}

	snap := g.Stats().Snapshot()
	assert.Equal(t, uint32(1), snap.Gateway.RxLoRa)
	assert.Equal(t, uint32(1), snap.Services["sink"].Forwarded)

	cancel()
	g.Stop()
}

func TestScheduleTxBoundsRFChain(t *testing.T) {
	gwCfg, sxCfg := testConfig(t)
	conc := concentrator.NewMock()
	g, err := New(gwCfg, sxCfg, conc, nil)
	require.NoError(t, err)

	err = g.ScheduleTx(packet.TxPacket{RFChain: 5, Payload: []byte{1}}, jit.ClassA)
	assert.Equal(t, jit.ErrTxParams, err)
}

func TestScheduleTxEnqueues(t *testing.T) {
	gwCfg, sxCfg := testConfig(t)
	conc := concentrator.NewMock()
	conc.SetCounter(0)
	g, err := New(gwCfg, sxCfg, conc, nil)
	require.NoError(t, err)

	tx := packet.TxPacket{
		FreqHz:          868100000,
		Mode:            packet.TxTimestamped,
		CountUs:         5_000_000,
		Modulation:      packet.ModLoRa,
		Bandwidth:       125000,
		SpreadingFactor: 9,
		CodeRate:        packet.CR45,
		Power:           14,
		Payload:         make([]byte, 12),
	}
	require.NoError(t, g.ScheduleTx(tx, jit.ClassA))

	// the same interval again must collide
	err = g.ScheduleTx(tx, jit.ClassA)
	assert.Equal(t, jit.ErrCollisionPacket, err)
}

func TestTmmsToCountWithoutSource(t *testing.T) {
	gwCfg, sxCfg := testConfig(t)
	g, err := New(gwCfg, sxCfg, concentrator.NewMock(), nil)
	require.NoError(t, err)
	_, ok := g.TmmsToCount(1_000_000)
	assert.False(t, ok)
}

func TestTmmsToCountWithFakeGPS(t *testing.T) {
	gwCfg, sxCfg := testConfig(t)
	fake := NewFakeGPS(Coords{Latitude: 48.8, Longitude: 2.3})
	fake.Update(1_000_000)

	g, err := New(gwCfg, sxCfg, concentrator.NewMock(), fake)
	require.NoError(t, err)

	ref, ok := fake.Tref()
	require.True(t, ok)

	// a GPS time 2 s after the reference lands ~2e6 counts later
	tmms := uint64((gpsTimeOf(ref.SystemTime) + 2*time.Second) / time.Millisecond)
	cnt, ok := g.TmmsToCount(tmms)
	require.True(t, ok)
	diff := int32(cnt - ref.CountUs)
	assert.InDelta(t, 2_000_000, float64(diff), 50_000)
}

func TestStatBodyAggregates(t *testing.T) {
	gwCfg, sxCfg := testConfig(t)
	g, err := New(gwCfg, sxCfg, concentrator.NewMock(), nil)
	require.NoError(t, err)

	st := g.statBody()
	require.NotNil(t, st)
	assert.Zero(t, st.RXNb)
	assert.Zero(t, st.ACKR)
}

func TestWatchdogRestartsStaleThread(t *testing.T) {
	reg := NewRegistry()
	restarted := make(chan struct{}, 1)
	beat := reg.Register("rxpkts", KindRxpkts, func() {
		select {
		case restarted <- struct{}{}:
		default:
		}
	})
	beat()

	wd := &Watchdog{
		Registry: reg,
		Period:   10 * time.Millisecond,
		Timeout:  30 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wd.Run(ctx)

	// freeze the heartbeat and wait for the watchdog to notice
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never restarted the stale thread")
	}
}

func TestWatchdogEscalatesWithoutRestart(t *testing.T) {
	reg := NewRegistry()
	reg.Register("coordinator", KindCoordinator, nil)

	escalated := make(chan string, 1)
	wd := &Watchdog{
		Registry: reg,
		Period:   10 * time.Millisecond,
		Timeout:  30 * time.Millisecond,
		Escalate: func(name string, _ ThreadKind) {
			select {
			case escalated <- name:
			default:
			}
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wd.Run(ctx)

	select {
	case name := <-escalated:
		assert.Equal(t, "coordinator", name)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never escalated")
	}
}

func TestBeaconFrameCRC(t *testing.T) {
	b := &beaconGenerator{
		gw: &Gateway{timeSource: NewFakeGPS(Coords{})},
	}
	frame := b.frame(128 * time.Second)
	require.Len(t, frame, beaconSize)
	// the time field CRC must verify
	assert.Equal(t, crc16(frame[0:6]), uint16(frame[6])|uint16(frame[7])<<8)
	assert.Equal(t, crc16(frame[8:15]), uint16(frame[15])|uint16(frame[16])<<8)
}
