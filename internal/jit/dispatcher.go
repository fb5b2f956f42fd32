package jit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/onehub/pktfwd/internal/concentrator"
)

// dispatchPollInterval caps how long the dispatcher sleeps between peeks,
// so cancellation and fresh enqueues are observed promptly.
const dispatchPollInterval = 10 * time.Millisecond

// Dispatcher drains one queue, handing each entry to the concentrator at
// its release moment. One dispatcher runs per RF chain.
type Dispatcher struct {
	Queue   *Queue
	Conc    concentrator.Concentrator
	RFChain uint8

	// Heartbeat, when set, is invoked every loop iteration for the
	// watchdog.
	Heartbeat func()

	// OnDone, when set, observes every entry leaving the queue.
	OnDone func(e *Entry)
}

// Run loops until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ll := log.WithField("rf_chain", d.RFChain)
	ll.Info("jit: dispatcher started")
	defer ll.Info("jit: dispatcher stopped")

	for {
		if d.Heartbeat != nil {
			d.Heartbeat()
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		nowUs, err := d.Conc.InstCnt()
		if err != nil {
			ll.WithError(err).Error("jit: concentrator counter read error")
			d.sleep(ctx, dispatchPollInterval)
			continue
		}

		if n := d.Queue.DropStale(nowUs); n > 0 {
			ll.WithField("count", n).Warning("jit: dropped stale entries")
		}

		e := d.Queue.PeekReady(nowUs)
		if e == nil {
			d.sleep(ctx, d.nextSleep(nowUs))
			continue
		}

		e.State = StateLoaded
		if err := d.Conc.Send(e.Pkt); err != nil {
			// hardware I/O failure: surface on the entry, keep running
			e.State = StateDone
			e.Err = err
			ll.WithError(err).WithField("count_us", e.Pkt.CountUs).Error("jit: concentrator send error")
		} else {
			e.State = StateEmitting
			ll.WithFields(log.Fields{
				"count_us": e.Pkt.CountUs,
				"class":    e.Class.String(),
				"freq":     e.Pkt.FreqHz,
				"size":     len(e.Pkt.Payload),
			}).Debug("jit: packet loaded")
			e.State = StateDone
		}
		d.Queue.Dequeue(e)
		if d.OnDone != nil {
			d.OnDone(e)
		}
	}
}

// nextSleep returns the time to the next entry's release, bounded by the
// poll interval.
func (d *Dispatcher) nextSleep(nowUs uint32) time.Duration {
	wake, ok := d.Queue.NextWakeUs(nowUs)
	if !ok {
		return dispatchPollInterval
	}
	s := time.Duration(wake) * time.Microsecond
	if s > dispatchPollInterval {
		return dispatchPollInterval
	}
	return s
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
