package concentrator

import (
	"sync"
	"time"

	"github.com/onehub/pktfwd/internal/packet"
)

// Mock is an in-memory Concentrator used by tests and by ghost-stream
// setups without radio hardware. The counter is driven manually.
type Mock struct {
	mu      sync.Mutex
	rx      []packet.RxPacket
	sent    []packet.TxPacket
	cnt     uint32
	sendErr error

	FreqMin  uint32
	FreqMax  uint32
	PowerLo  int8
	PowerHi  int8
	NumChain int
}

// NewMock returns a mock with EU868-shaped capabilities.
func NewMock() *Mock {
	return &Mock{
		FreqMin:  863000000,
		FreqMax:  870000000,
		PowerLo:  -6,
		PowerHi:  27,
		NumChain: 1,
	}
}

// QueueRx adds packets for the next Receive call.
func (m *Mock) QueueRx(pkts ...packet.RxPacket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx = append(m.rx, pkts...)
}

// Sent returns every job passed to Send.
func (m *Mock) Sent() []packet.TxPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]packet.TxPacket(nil), m.sent...)
}

// SetCounter moves the microsecond counter.
func (m *Mock) SetCounter(us uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cnt = us
}

// AdvanceCounter adds to the microsecond counter.
func (m *Mock) AdvanceCounter(us uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cnt += us
}

// FailSends makes Send return err until called with nil.
func (m *Mock) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Receive implements Concentrator.
func (m *Mock) Receive(max int) ([]packet.RxPacket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.rx)
	if n > max {
		n = max
	}
	out := append([]packet.RxPacket(nil), m.rx[:n]...)
	m.rx = m.rx[n:]
	return out, nil
}

// Send implements Concentrator.
func (m *Mock) Send(pkt packet.TxPacket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, pkt)
	return nil
}

// Status implements Concentrator.
func (m *Mock) Status(uint8) (TxStatus, error) {
	return TxFree, nil
}

// InstCnt implements Concentrator.
func (m *Mock) InstCnt() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cnt, nil
}

// TimeOnAir implements Concentrator.
func (m *Mock) TimeOnAir(pkt *packet.TxPacket) time.Duration {
	return pkt.TimeOnAir()
}

// FreqRange implements Concentrator.
func (m *Mock) FreqRange(uint8) (uint32, uint32) {
	return m.FreqMin, m.FreqMax
}

// PowerRange implements Concentrator.
func (m *Mock) PowerRange(uint8) (int8, int8) {
	return m.PowerLo, m.PowerHi
}

// RFChains implements Concentrator.
func (m *Mock) RFChains() int {
	return m.NumChain
}

// Close implements Concentrator.
func (m *Mock) Close() error {
	return nil
}
