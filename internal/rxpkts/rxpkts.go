// Package rxpkts holds the shared reception list: batches of radio packets
// waiting for every enabled service to consume them. Each batch carries a
// stamp bitmap, one bit per service, set atomically as services claim it.
package rxpkts

import (
	"sync"
	"sync/atomic"

	"github.com/onehub/pktfwd/internal/packet"
)

// Defaults per the packet-forwarder configuration.
const (
	// ListMax is the reception list capacity in batches.
	ListMax = 16

	// StaleUs is the batch age after which the reclaimer drops it even if
	// some services never claimed it.
	StaleUs = 500_000
)

// Batch is one burst of packets fetched from the concentrator.
type Batch struct {
	// EntryUs is the concentrator counter at insertion.
	EntryUs uint32

	// Packets are in the order the concentrator returned them.
	Packets []packet.RxPacket

	// stamps has bit N set once service with stamp N consumed the batch.
	// Bits only ever go 0 -> 1.
	stamps uint64
}

// Claim sets the stamp bit for a service. It returns false when the bit
// was already set, so each service consumes a batch at most once.
func (b *Batch) Claim(stamp uint8) bool {
	mask := uint64(1) << stamp
	for {
		old := atomic.LoadUint64(&b.stamps)
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&b.stamps, old, old|mask) {
			return true
		}
	}
}

// Claimed reports whether the stamp bit for a service is set.
func (b *Batch) Claimed(stamp uint8) bool {
	return atomic.LoadUint64(&b.stamps)&(uint64(1)<<stamp) != 0
}

// Stamps returns the current bitmap.
func (b *Batch) Stamps() uint64 {
	return atomic.LoadUint64(&b.stamps)
}

// List is the bounded reception FIFO. Batches are stored newest-first;
// consumers walk them oldest-first to preserve per-device ordering.
type List struct {
	mu      sync.Mutex
	batches []*Batch
	max     int
	dropped uint32
	staleUs uint32
}

// NewList builds a list with the given capacity; zero values take the
// package defaults.
func NewList(max int, staleUs uint32) *List {
	if max <= 0 {
		max = ListMax
	}
	if staleUs == 0 {
		staleUs = StaleUs
	}
	return &List{max: max, staleUs: staleUs}
}

// Push prepends a batch. At capacity the oldest batch is dropped whole and
// the drop counter incremented.
func (l *List) Push(b *Batch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.batches) >= l.max {
		l.batches = l.batches[:len(l.batches)-1]
		l.dropped++
	}
	l.batches = append([]*Batch{b}, l.batches...)
}

// OldestFirst returns a snapshot of the batches ordered oldest to newest.
// The batches themselves are shared; only the slice is a copy.
func (l *List) OldestFirst() []*Batch {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Batch, len(l.batches))
	for i, b := range l.batches {
		out[len(l.batches)-1-i] = b
	}
	return out
}

// Reclaim removes batches whose stamp bitmap covers activeMask, or whose
// age against nowUs exceeds the staleness threshold. It returns how many
// batches were removed.
func (l *List) Reclaim(activeMask uint64, nowUs uint32) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var kept []*Batch
	removed := 0
	for _, b := range l.batches {
		complete := activeMask != 0 && b.Stamps()&activeMask == activeMask
		age := int32(nowUs - b.EntryUs)
		stale := age > 0 && uint32(age) > l.staleUs
		if complete || stale {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	l.batches = kept
	return removed
}

// Len reports the number of live batches.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.batches)
}

// Dropped reports how many batches were lost to capacity overflow.
func (l *List) Dropped() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
