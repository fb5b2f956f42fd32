// Package jit implements the just-in-time downlink scheduler: one bounded,
// time-ordered queue per RF chain, holding transmit jobs until the moment
// they must be loaded into the concentrator.
//
// All timestamps are concentrator counter values in microseconds and wrap
// at 2^32; "future" and "past" are decided on the signed 32-bit difference.
package jit

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/onehub/pktfwd/internal/packet"
)

// Default scheduling margins, in microseconds.
const (
	// TxStartDelayUs is the concentrator start-up time between loading a
	// packet and the first emitted symbol.
	TxStartDelayUs = 1500

	// TxMarginDelayUs is the software margin on top of TxStartDelayUs.
	TxMarginDelayUs = 1000

	// PrepareMarginUs is how early the dispatcher hands a packet to the
	// hardware before its target.
	PrepareMarginUs = 40000

	// MaxAdvanceUs is the scheduling horizon; targets further out are
	// rejected as too early.
	MaxAdvanceUs = 60_000_000

	// MinGapUs is the minimum spacing enforced between two scheduled
	// packets on the same chain.
	MinGapUs = 2000

	// BeaconGuardUs is the quiet period reserved ahead of a beacon slot.
	BeaconGuardUs = 3_000_000

	// BeaconReservedUs is the slot time reserved for the beacon itself.
	BeaconReservedUs = 2_120_000

	// DefaultDepth is the queue capacity.
	DefaultDepth = 32
)

// Class orders entries when occupancy intervals conflict. A larger value
// means higher priority: BEACON > CLASS_A > CLASS_B > CLASS_C > IMMEDIATE
// > UPLINK. The zero value is the least privileged.
type Class uint8

// Classes.
const (
	ClassUplink Class = iota
	ClassImmediate
	ClassC
	ClassB
	ClassA
	ClassBeacon
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassBeacon:
		return "BEACON"
	case ClassA:
		return "CLASS_A"
	case ClassB:
		return "CLASS_B"
	case ClassC:
		return "CLASS_C"
	case ClassImmediate:
		return "IMMEDIATE"
	case ClassUplink:
		return "UPLINK"
	default:
		return "UNKNOWN"
	}
}

// State tracks an entry through its lifetime.
type State uint8

// Entry states.
const (
	StatePrepared State = iota
	StateScheduled
	StateLoaded
	StateEmitting
	StateDone
)

// Enqueue rejection reasons. Each maps onto a Semtech TX_ACK error string.
var (
	ErrTooLate         = errors.New("jit: too late")
	ErrTooEarly        = errors.New("jit: too early")
	ErrCollisionPacket = errors.New("jit: collision with scheduled packet")
	ErrCollisionBeacon = errors.New("jit: collision with beacon slot")
	ErrTxFreq          = errors.New("jit: tx frequency out of range")
	ErrTxPower         = errors.New("jit: tx power unsupported")
	ErrTxParams        = errors.New("jit: invalid tx parameters")
	ErrFull            = errors.New("jit: queue full")
	ErrDutyCycle       = errors.New("jit: duty cycle exceeded")
)

// AckError translates an enqueue result into the TX_ACK "error" value.
func AckError(err error) string {
	switch errors.Cause(err) {
	case nil:
		return "NONE"
	case ErrTooLate:
		return "TOO_LATE"
	case ErrTooEarly:
		return "TOO_EARLY"
	case ErrCollisionPacket:
		return "COLLISION_PACKET"
	case ErrCollisionBeacon:
		return "COLLISION_BEACON"
	case ErrTxFreq:
		return "TX_FREQ"
	case ErrTxPower:
		return "TX_POWER"
	case ErrFull, ErrDutyCycle, ErrTxParams:
		return "TX_ERROR"
	default:
		return "TX_ERROR"
	}
}

// Entry is one scheduled transmit job.
type Entry struct {
	Pkt   packet.TxPacket
	Class Class
	State State
	Err   error // set when the hardware path failed

	durationUs uint32
	preUs      uint32
	postUs     uint32
}

// TargetUs is the counter value the first symbol must hit the air at.
func (e *Entry) TargetUs() uint32 {
	return e.Pkt.CountUs
}

// interval returns occupancy bounds relative to a reference counter value.
func (e *Entry) interval(refUs uint32) (int64, int64) {
	start := int64(int32(e.Pkt.CountUs-refUs)) - int64(e.preUs)
	end := int64(int32(e.Pkt.CountUs-refUs)) + int64(e.durationUs) + int64(e.postUs)
	return start, end
}

// DutyCycleCheck is an optional pre-enqueue hook for regional duty-cycle
// enforcement. Returning false rejects the job.
type DutyCycleCheck func(pkt *packet.TxPacket, durationUs uint32) bool

// Options bound a queue's behavior. Zero fields fall back to the package
// defaults.
type Options struct {
	PrepareMarginUs uint32
	MinMarginUs     uint32 // earliest schedulable distance from now
	MaxAdvanceUs    uint32
	MinGapUs        uint32
	Depth           int

	// Hardware capabilities, enforced at enqueue. Zero values disable the
	// corresponding check.
	FreqMinHz uint32
	FreqMaxHz uint32
	PowerMin  int8
	PowerMax  int8

	DutyCycle DutyCycleCheck
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PrepareMarginUs == 0 {
		out.PrepareMarginUs = PrepareMarginUs
	}
	if out.MinMarginUs == 0 {
		out.MinMarginUs = TxStartDelayUs + TxMarginDelayUs
	}
	if out.MaxAdvanceUs == 0 {
		out.MaxAdvanceUs = MaxAdvanceUs
	}
	if out.MinGapUs == 0 {
		out.MinGapUs = MinGapUs
	}
	if out.Depth == 0 {
		out.Depth = DefaultDepth
	}
	return out
}

// Counters accumulate per-queue scheduling outcomes.
type Counters struct {
	Enqueued        uint32
	Dispatched      uint32
	Bumped          uint32
	TooLate         uint32
	TooEarly        uint32
	CollisionPacket uint32
	CollisionBeacon uint32
	RejectedParams  uint32
	RejectedFull    uint32
	TxErrors        uint32
}

// Queue is the per-RF-chain scheduler. All methods are safe for
// concurrent use.
type Queue struct {
	mu       sync.Mutex
	opts     Options
	entries  []*Entry
	counters Counters
}

// New builds a queue with the given options.
func New(opts Options) *Queue {
	return &Queue{opts: opts.withDefaults()}
}

// Enqueue validates and inserts a job. The returned error is one of the
// package sentinels; the caller turns it into a TX_ACK for its peer.
func (q *Queue) Enqueue(nowUs uint32, e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.validate(e); err != nil {
		q.counters.RejectedParams++
		return err
	}

	if len(q.entries) >= q.opts.Depth {
		q.counters.RejectedFull++
		return ErrFull
	}

	toa := e.Pkt.TimeOnAir()
	e.durationUs = uint32(toa.Microseconds())
	if e.durationUs == 0 {
		e.durationUs = 1
	}

	if e.Class == ClassBeacon {
		e.preUs = BeaconGuardUs
		e.postUs = BeaconReservedUs
	} else {
		e.preUs = TxStartDelayUs + q.opts.MinGapUs
		e.postUs = q.opts.MinGapUs
	}

	if e.Pkt.Mode == packet.TxImmediate {
		// convert to a timestamped job in the near future
		e.Pkt.CountUs = nowUs + q.opts.MinMarginUs + q.opts.PrepareMarginUs
		e.Pkt.Mode = packet.TxTimestamped
		if e.Class == ClassUplink {
			e.Class = ClassImmediate
		}
	}

	diff := int32(e.Pkt.CountUs - nowUs)
	if diff < int32(q.opts.MinMarginUs) {
		q.counters.TooLate++
		return ErrTooLate
	}
	if uint32(diff) > q.opts.MaxAdvanceUs {
		q.counters.TooEarly++
		return ErrTooEarly
	}

	if q.opts.DutyCycle != nil && !q.opts.DutyCycle(&e.Pkt, e.durationUs) {
		q.counters.RejectedParams++
		return ErrDutyCycle
	}

	if err := q.resolveConflicts(nowUs, e); err != nil {
		return err
	}

	e.State = StateScheduled
	q.entries = append(q.entries, e)
	sort.Slice(q.entries, func(i, j int) bool {
		return int32(q.entries[i].Pkt.CountUs-nowUs) < int32(q.entries[j].Pkt.CountUs-nowUs)
	})
	q.counters.Enqueued++
	return nil
}

func (q *Queue) validate(e *Entry) error {
	p := &e.Pkt
	if len(p.Payload) == 0 || len(p.Payload) > packet.MaxPayloadSize {
		return ErrTxParams
	}
	if p.Modulation == packet.ModLoRa && (p.SpreadingFactor < 5 || p.SpreadingFactor > 12) {
		return ErrTxParams
	}
	if p.Modulation == packet.ModFSK && p.FSKDatarate == 0 {
		return ErrTxParams
	}
	if q.opts.FreqMaxHz != 0 && (p.FreqHz < q.opts.FreqMinHz || p.FreqHz > q.opts.FreqMaxHz) {
		return ErrTxFreq
	}
	if q.opts.PowerMax != 0 && (p.Power < q.opts.PowerMin || p.Power > q.opts.PowerMax) {
		return ErrTxPower
	}
	return nil
}

// resolveConflicts checks occupancy overlap against every scheduled entry.
// A higher-priority job may bump a scheduled class-C filler; everything
// else is first-come-first-served.
func (q *Queue) resolveConflicts(nowUs uint32, e *Entry) error {
	ns, ne := e.interval(nowUs)
	var bumped []*Entry
	for _, cur := range q.entries {
		if cur.State != StateScheduled {
			continue
		}
		cs, ce := cur.interval(nowUs)
		if ns >= ce || cs >= ne {
			continue
		}
		if cur.Class == ClassBeacon {
			q.counters.CollisionBeacon++
			return ErrCollisionBeacon
		}
		if e.Class > cur.Class && cur.Class == ClassC {
			bumped = append(bumped, cur)
			continue
		}
		q.counters.CollisionPacket++
		return ErrCollisionPacket
	}
	for _, b := range bumped {
		b.State = StateDone
		b.Err = ErrCollisionPacket
		q.remove(b)
		q.counters.Bumped++
	}
	return nil
}

// PeekReady returns the earliest scheduled entry whose target is within
// the prepare margin of now, or nil.
func (q *Queue) PeekReady(nowUs uint32) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.State != StateScheduled {
			continue
		}
		if int32(e.Pkt.CountUs-nowUs) <= int32(q.opts.PrepareMarginUs) {
			return e
		}
		// entries are sorted; nothing later can be ready
		return nil
	}
	return nil
}

// NextWakeUs returns the microseconds until the next entry becomes ready,
// or false when the queue holds nothing schedulable.
func (q *Queue) NextWakeUs(nowUs uint32) (uint32, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.State != StateScheduled {
			continue
		}
		d := int32(e.Pkt.CountUs-nowUs) - int32(q.opts.PrepareMarginUs)
		if d <= 0 {
			return 0, true
		}
		return uint32(d), true
	}
	return 0, false
}

// Dequeue removes an entry after the hardware accepted (or failed) it.
func (q *Queue) Dequeue(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(e)
	if e.Err == nil {
		q.counters.Dispatched++
	} else {
		q.counters.TxErrors++
	}
}

// DropStale discards scheduled entries whose target already passed beyond
// recovery and returns how many were dropped.
func (q *Queue) DropStale(nowUs uint32) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dropped int
	for _, e := range append([]*Entry(nil), q.entries...) {
		if e.State != StateScheduled {
			continue
		}
		if int32(e.Pkt.CountUs-nowUs) < 0 {
			e.State = StateDone
			e.Err = ErrTooLate
			q.remove(e)
			q.counters.TooLate++
			dropped++
		}
	}
	return dropped
}

func (q *Queue) remove(e *Entry) {
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// Size reports the number of queued entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Counters returns a snapshot of the queue counters.
func (q *Queue) Counters() Counters {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counters
}
