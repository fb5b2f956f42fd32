package rxpkts

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/onehub/pktfwd/internal/concentrator"
	"github.com/onehub/pktfwd/internal/packet"
	"github.com/onehub/pktfwd/internal/stats"
)

// FetchSleep is the poll cadence of the ingest loop.
const FetchSleep = 10 * time.Millisecond

// Ingest polls the concentrator and publishes reception batches. It never
// filters; per-service decisions happen downstream.
type Ingest struct {
	Conc    concentrator.Concentrator
	List    *List
	Stats   *stats.Aggregator
	MaxPkts int // NB_PKT_MAX for the board

	// Heartbeat, when set, is invoked every iteration for the watchdog.
	Heartbeat func()

	// Notify, when set, is invoked after each published batch; the
	// coordinator uses it to kick the service semaphores.
	Notify func()
}

// Run loops until the context is cancelled.
func (in *Ingest) Run(ctx context.Context) {
	log.Info("rxpkts: ingest started")
	defer log.Info("rxpkts: ingest stopped")

	max := in.MaxPkts
	if max <= 0 {
		max = 32
	}

	for {
		if in.Heartbeat != nil {
			in.Heartbeat()
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		pkts, err := in.Conc.Receive(max)
		if err != nil {
			log.WithError(err).Error("rxpkts: concentrator receive error")
			sleepCtx(ctx, FetchSleep)
			continue
		}
		if len(pkts) == 0 {
			sleepCtx(ctx, FetchSleep)
			continue
		}

		nowUs, err := in.Conc.InstCnt()
		if err != nil {
			log.WithError(err).Error("rxpkts: concentrator counter read error")
		}

		in.Publish(pkts, nowUs)
		sleepCtx(ctx, FetchSleep)
	}
}

// Publish wraps a burst into a batch, accounts it and puts it on the list.
// The Delay service reuses this entry point to inject packets heard from a
// peer gateway.
func (in *Ingest) Publish(pkts []packet.RxPacket, nowUs uint32) {
	before := in.List.Dropped()
	in.List.Push(&Batch{EntryUs: nowUs, Packets: pkts})

	if in.Stats != nil {
		in.Stats.UpdateGateway(func(g *stats.GatewayCounters) {
			g.RxDropped += in.List.Dropped() - before
			for i := range pkts {
				p := &pkts[i]
				switch p.Modulation {
				case packet.ModLoRa:
					g.RxLoRa++
					if int(p.SpreadingFactor) < len(g.RxBySF) {
						g.RxBySF[p.SpreadingFactor]++
					}
				case packet.ModFSK:
					g.RxFSK++
				}
				switch p.CRC {
				case packet.CRCOK:
					g.RxOK++
				case packet.CRCBad:
					g.RxBad++
				default:
					g.RxNoCRC++
				}
			}
		})
	}

	log.WithFields(log.Fields{
		"count":    len(pkts),
		"entry_us": nowUs,
	}).Debug("rxpkts: batch published")

	if in.Notify != nil {
		in.Notify()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
