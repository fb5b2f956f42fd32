package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brocaar/lorawan"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onehub/pktfwd/internal/filter"
	"github.com/onehub/pktfwd/internal/jit"
	"github.com/onehub/pktfwd/internal/packet"
	"github.com/onehub/pktfwd/internal/rxpkts"
	"github.com/onehub/pktfwd/internal/semtech"
	"github.com/onehub/pktfwd/internal/stats"
)

// fakeHandler records forwarded packets.
type fakeHandler struct {
	mu        sync.Mutex
	forwarded []*packet.RxPacket
	sendErr   error
}

func (f *fakeHandler) ForwardBatch(pkts []*packet.RxPacket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.forwarded = append(f.forwarded, pkts...)
	return nil
}
func (f *fakeHandler) DownlinkStep(time.Duration) error { return nil }
func (f *fakeHandler) Keepalive() error                 { return nil }
func (f *fakeHandler) SendStat(*semtech.Stat) error     { return nil }
func (f *fakeHandler) Reconnect() error                 { return nil }
func (f *fakeHandler) Close() error                     { return nil }
func (f *fakeHandler) Caps() Caps                       { return Caps{Uplink: true} }

func (f *fakeHandler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwarded)
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []packet.TxPacket
	err  error
}

func (s *fakeScheduler) ScheduleTx(p packet.TxPacket, _ jit.Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, p)
	return nil
}
func (s *fakeScheduler) CounterNow() (uint32, error)       { return 0, nil }
func (s *fakeScheduler) TmmsToCount(uint64) (uint32, bool) { return 0, false }

func testService(t *testing.T, name string, stamp uint8, fset filter.Set, list *rxpkts.List, agg *stats.Aggregator) (*Service, *fakeHandler) {
	t.Helper()
	h := &fakeHandler{}
	s := &Service{
		Type:         TypeSemtech,
		Name:         name,
		Stamp:        stamp,
		Filter:       fset,
		FwdValid:     true,
		PullInterval: time.Second,
		MaxStall:     3,
		env: Env{
			List:      list,
			Stats:     agg,
			Scheduler: &fakeScheduler{},
		},
		sema:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		fatal:   make(chan struct{}),
		handler: h,
		ll:      log.WithField("service", name),
	}
	s.health = NewHealth(s.PullInterval, s.MaxStall)
	agg.RegisterService(name)
	return s, h
}

func dataUpPHY(t *testing.T, devAddr lorawan.DevAddr) []byte {
	t.Helper()
	fPort := uint8(1)
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{MType: lorawan.UnconfirmedDataUp, Major: lorawan.LoRaWANR1},
		MACPayload: &lorawan.MACPayload{
			FHDR:  lorawan.FHDR{DevAddr: devAddr},
			FPort: &fPort,
		},
	}
	b, err := phy.MarshalBinary()
	require.NoError(t, err)
	return b
}

// Scenario: one packet, service A includes its DevAddr, service B excludes
// it. A forwards, B filters, and the batch becomes reclaimable.
func TestTwoServicesOnePacket(t *testing.T) {
	list := rxpkts.NewList(8, 0)
	agg := stats.New()
	phy := dataUpPHY(t, lorawan.DevAddr{0x01, 0x02, 0x03, 0x04})

	include := filter.Set{DevAddr: filter.Rule{Mode: filter.Include, Oracle: filter.NewListOracle([]string{"01020304"})}}
	exclude := filter.Set{DevAddr: filter.Rule{Mode: filter.Exclude, Oracle: filter.NewListOracle([]string{"01020304"})}}

	svcA, hA := testService(t, "A", 0, include, list, agg)
	svcB, hB := testService(t, "B", 1, exclude, list, agg)

	list.Push(&rxpkts.Batch{EntryUs: 100, Packets: []packet.RxPacket{{
		Modulation:      packet.ModLoRa,
		SpreadingFactor: 7,
		Bandwidth:       125000,
		CRC:             packet.CRCOK,
		Payload:         phy,
	}}})

	ctx := context.Background()
	svcA.processBatches(ctx, newBackoff(MaxBackoff))
	svcB.processBatches(ctx, newBackoff(MaxBackoff))

	assert.Equal(t, 1, hA.count(), "service A must forward the packet")
	assert.Equal(t, 0, hB.count(), "service B must filter the packet")

	snap := agg.Snapshot()
	assert.Equal(t, uint32(1), snap.Services["A"].Forwarded)
	assert.Equal(t, uint32(1), snap.Services["B"].Filtered)

	// both stamps set: the batch is reclaimable
	if n := list.Reclaim(0b11, 200); n != 1 {
		t.Errorf("reclaimed %d batches, want 1", n)
	}
}

func TestCRCPolicyGates(t *testing.T) {
	list := rxpkts.NewList(8, 0)
	agg := stats.New()

	svc, h := testService(t, "crc", 0, filter.Set{}, list, agg)
	svc.FwdValid = true
	svc.FwdError = false
	svc.FwdNoCRC = false

	list.Push(&rxpkts.Batch{Packets: []packet.RxPacket{
		{CRC: packet.CRCOK, Payload: []byte{1}},
		{CRC: packet.CRCBad, Payload: []byte{2}},
		{CRC: packet.CRCNone, Payload: []byte{3}},
	}})

	svc.processBatches(context.Background(), newBackoff(MaxBackoff))

	assert.Equal(t, 1, h.count())
	snap := agg.ServiceSnapshot("crc")
	assert.Equal(t, uint32(3), snap.Received)
	assert.Equal(t, uint32(1), snap.DroppedCRCBad)
	assert.Equal(t, uint32(1), snap.DroppedNoCRC)
}

func TestSendErrorKeepsStampClaimed(t *testing.T) {
	list := rxpkts.NewList(8, 0)
	agg := stats.New()
	svc, h := testService(t, "err", 0, filter.Set{}, list, agg)
	h.sendErr = assert.AnError

	b := &rxpkts.Batch{Packets: []packet.RxPacket{{CRC: packet.CRCOK, Payload: []byte{1}}}}
	list.Push(b)

	svc.processBatches(context.Background(), newBackoff(10*time.Millisecond))

	assert.True(t, b.Claimed(0), "stamp must stay claimed after a send error")
	assert.Equal(t, uint32(0), agg.ServiceSnapshot("err").Forwarded)

	// a retry pass must not re-deliver the batch (at-most-once)
	h.sendErr = nil
	svc.processBatches(context.Background(), newBackoff(MaxBackoff))
	assert.Equal(t, 0, h.count())
}

func TestUplinkWorkerStops(t *testing.T) {
	list := rxpkts.NewList(8, 0)
	agg := stats.New()
	svc, _ := testService(t, "stop", 0, filter.Set{}, list, agg)

	ctx := context.Background()
	svc.Start(ctx)
	svc.Notify()

	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop within the cancellation bound")
	}
}

func TestScheduleDownlinkAckMapping(t *testing.T) {
	list := rxpkts.NewList(8, 0)
	agg := stats.New()
	svc, _ := testService(t, "ack", 0, filter.Set{}, list, agg)

	ack := svc.ScheduleDownlink(packet.TxPacket{Payload: []byte{1}}, jit.ClassA)
	assert.Equal(t, "NONE", ack)

	sched := svc.env.Scheduler.(*fakeScheduler)
	sched.err = jit.ErrTooLate
	ack = svc.ScheduleDownlink(packet.TxPacket{Payload: []byte{1}}, jit.ClassA)
	assert.Equal(t, "TOO_LATE", ack)

	snap := agg.ServiceSnapshot("ack")
	assert.Equal(t, uint32(1), snap.AckOK)
	assert.Equal(t, uint32(1), snap.AckError)
	assert.Equal(t, uint32(2), snap.Downlinks)
}

func TestParseTypeTable(t *testing.T) {
	tests := []struct {
		in   string
		want Type
		err  bool
	}{
		{"semtech", TypeSemtech, false},
		{"TTN", TypeTTN, false},
		{"mqtt", TypeMQTT, false},
		{"relay", TypeRelay, false},
		{"gwtraf", TypeTrafficMirror, false},
		{"delay", TypeDelay, false},
		{"pkt", TypePacket, false},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
