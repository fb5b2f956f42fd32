// Package concentrator abstracts the radio board. The gateway core only
// ever talks to the Concentrator interface; hardware access lives behind
// it (the Concentratord driver here, the real HAL elsewhere).
package concentrator

import (
	"time"

	"github.com/onehub/pktfwd/internal/packet"
)

// TxStatus reports the transmit path state of an RF chain.
type TxStatus uint8

// Transmit states.
const (
	TxStatusUnknown TxStatus = iota
	TxFree
	TxScheduled
	TxEmitting
)

// Concentrator is the hardware contract the core consumes. Implementations
// must serialize the transmit path internally; Send may be called from the
// per-chain dispatchers concurrently.
type Concentrator interface {
	// Receive returns at most max packets fetched from the board. An empty
	// slice and nil error means nothing was pending.
	Receive(max int) ([]packet.RxPacket, error)

	// Send loads a transmit job into the board.
	Send(pkt packet.TxPacket) error

	// Status reports the TX state of an RF chain.
	Status(rfChain uint8) (TxStatus, error)

	// InstCnt samples the free-running 32-bit microsecond counter.
	InstCnt() (uint32, error)

	// TimeOnAir computes the on-air duration of a job the way the board
	// firmware would.
	TimeOnAir(pkt *packet.TxPacket) time.Duration

	// FreqRange returns the supported TX frequency bounds of a chain, Hz.
	FreqRange(rfChain uint8) (min, max uint32)

	// PowerRange returns the supported TX power bounds of a chain, dBm.
	PowerRange(rfChain uint8) (min, max int8)

	// RFChains returns the number of TX-capable RF chains.
	RFChains() int

	// Close releases the board.
	Close() error
}
