// Package gateway is the coordinator: it owns the reception list, the
// service set, the JIT queues and the thread registry, and supervises
// startup, reclamation, watchdog and shutdown.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/onehub/pktfwd/internal/concentrator"
	"github.com/onehub/pktfwd/internal/config"
	"github.com/onehub/pktfwd/internal/jit"
	"github.com/onehub/pktfwd/internal/packet"
	"github.com/onehub/pktfwd/internal/rxpkts"
	"github.com/onehub/pktfwd/internal/semtech"
	"github.com/onehub/pktfwd/internal/service"
	"github.com/onehub/pktfwd/internal/stats"
)

// Coordinator cadences.
const (
	reclaimPeriod   = 100 * time.Millisecond
	timersyncPeriod = 30 * time.Second
	maxStampBits    = 64
)

// counterSyncer is the optional re-anchoring hook a concentrator driver
// may expose (the Concentratord driver does).
type counterSyncer interface {
	SyncCounter() error
}

// Gateway wires every component together.
type Gateway struct {
	cfg  *config.Gateway
	sx   *config.Concentrator
	gwid [8]byte

	conc       concentrator.Concentrator
	list       *rxpkts.List
	agg        *stats.Aggregator
	registry   *Registry
	timeSource TimeSource

	queues   []*jit.Queue
	services []*service.Service
	ingest   *rxpkts.Ingest

	cancel       context.CancelFunc
	ingestCancel context.CancelFunc
	wg           sync.WaitGroup
	fatalCh      chan error
	fatalOnce    sync.Once

	mu sync.Mutex // guards services and ingestCancel
}

// New builds a gateway from its two configuration documents and an opened
// concentrator.
func New(cfg *config.Gateway, sx *config.Concentrator, conc concentrator.Concentrator, ts TimeSource) (*Gateway, error) {
	gwid, err := cfg.ParseGatewayID()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:        cfg,
		sx:         sx,
		gwid:       gwid,
		conc:       conc,
		list:       rxpkts.NewList(rxpkts.ListMax, rxpkts.StaleUs),
		agg:        stats.New(),
		registry:   NewRegistry(),
		timeSource: ts,
		fatalCh:    make(chan error, 1),
	}

	for chain := 0; chain < conc.RFChains(); chain++ {
		fmin, fmax := conc.FreqRange(uint8(chain))
		pmin, pmax := conc.PowerRange(uint8(chain))
		g.queues = append(g.queues, jit.New(jit.Options{
			FreqMinHz: fmin,
			FreqMaxHz: fmax,
			PowerMin:  pmin,
			PowerMax:  pmax,
		}))
	}

	if err := g.buildServices(); err != nil {
		return nil, err
	}
	if len(g.services) == 0 {
		return nil, errors.New("gateway: no enabled services")
	}
	return g, nil
}

// buildServices walks the configuration and assigns each enabled service
// a unique stamp bit.
func (g *Gateway) buildServices() error {
	env := service.Env{
		GatewayID:    g.gwid,
		List:         g.list,
		Stats:        g.agg,
		Scheduler:    g,
		StatBody:     g.statBody,
		StatInterval: time.Duration(g.cfg.TimeInterval) * time.Second,
		Reinject:     g.reinject,
	}

	servers := g.cfg.Servers
	if g.cfg.MAC2DB {
		// mac2db is shorthand for an implicit local packet sink
		servers = append(append([]config.Server(nil), servers...), config.Server{
			Type:    "pkt",
			Name:    "mac2db",
			Enabled: true,
			Addr:    g.cfg.DBPath,
		})
	}

	stamp := uint8(0)
	for i := range servers {
		sc := &servers[i]
		if !sc.Enabled {
			continue
		}
		if int(stamp) >= maxStampBits {
			return errors.Errorf("gateway: more than %d enabled services", maxStampBits)
		}
		svc, err := service.New(sc, stamp, env)
		if err != nil {
			return err
		}
		g.services = append(g.services, svc)
		log.WithFields(log.Fields{
			"service": svc.Name,
			"type":    svc.Type.String(),
			"stamp":   stamp,
		}).Info("gateway: service registered")
		stamp++
	}
	return nil
}

// Start launches every worker. It returns immediately; Wait blocks until
// a fatal condition or the cancellation of the context passed to Wait.
func (g *Gateway) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	g.cancel = cancel

	// per-chain JIT dispatchers
	for i, q := range g.queues {
		d := &jit.Dispatcher{
			Queue:   q,
			Conc:    g.conc,
			RFChain: uint8(i),
			OnDone:  g.onTxDone,
		}
		d.Heartbeat = g.registry.Register(fmt.Sprintf("jit-%d", i), KindJIT, nil)
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			d.Run(ctx)
		}()
	}

	// RX ingest, restartable by the watchdog
	g.startIngest(ctx)

	// services
	for _, svc := range g.services {
		svc.UplinkHeartbeat = g.registry.Register(svc.Name+"-up", KindServiceUp, nil)
		svc.DownlinkHeartbeat = g.registry.Register(svc.Name+"-down", KindServiceDown, nil)
		svc.Start(ctx)
		g.wg.Add(1)
		go func(svc *service.Service) {
			defer g.wg.Done()
			select {
			case <-ctx.Done():
			case <-svc.Fatal():
				g.raiseFatal(errors.Errorf("gateway: service %q hit its autoquit threshold", svc.Name))
			}
		}(svc)
	}

	// reclaimer
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.reclaimLoop(ctx)
	}()

	// timer sync
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.timersyncLoop(ctx)
	}()

	// watchdog
	if g.cfg.WatchdogEnabled {
		wd := &Watchdog{
			Registry: g.registry,
			Escalate: func(name string, kind ThreadKind) {
				if kind == KindCoordinator {
					g.raiseFatal(errors.New("gateway: coordinator heartbeat stale"))
					return
				}
				log.WithField("thread", name).Error("gateway: unrecoverable thread death")
				g.raiseFatal(errors.Errorf("gateway: thread %q died", name))
			},
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			wd.Run(ctx)
		}()
	}

	// beacon generator
	if g.cfg.BeaconPeriod > 0 && g.timeSource != nil {
		b := &beaconGenerator{
			gw:        g,
			periodSec: g.cfg.BeaconPeriod,
			freqHz:    g.cfg.BeaconFreqHz,
			freqNb:    g.cfg.BeaconFreqNb,
			freqStep:  g.cfg.BeaconFreqStep,
			datarate:  g.cfg.BeaconDatarate,
			bwHz:      g.cfg.BeaconBwHz,
			power:     g.cfg.BeaconPower,
			infodesc:  g.cfg.BeaconInfodesc,
		}
		b.heartbeat = g.registry.Register("beacon", KindBeacon, nil)
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			b.Run(ctx)
		}()
	}

	log.WithFields(log.Fields{
		"gateway_id": fmt.Sprintf("%016X", g.gwid),
		"services":   len(g.services),
		"rf_chains":  len(g.queues),
	}).Info("gateway: started")
	return nil
}

// startIngest launches (or relaunches) the RX ingest worker.
func (g *Gateway) startIngest(parent context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ingestCancel != nil {
		g.ingestCancel()
	}
	ctx, cancel := context.WithCancel(parent)
	g.ingestCancel = cancel

	in := &rxpkts.Ingest{
		Conc:    g.conc,
		List:    g.list,
		Stats:   g.agg,
		MaxPkts: g.sx.NBPktMax(),
		Notify:  g.notifyServices,
	}
	in.Heartbeat = g.registry.Register("rxpkts", KindRxpkts, func() { g.startIngest(parent) })
	g.ingest = in

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		in.Run(ctx)
	}()
}

func (g *Gateway) notifyServices() {
	g.mu.Lock()
	svcs := append([]*service.Service(nil), g.services...)
	g.mu.Unlock()
	for _, s := range svcs {
		s.Notify()
	}
}

// reinject feeds ghost packets back into the pipeline.
func (g *Gateway) reinject(pkts []packet.RxPacket) {
	g.mu.Lock()
	in := g.ingest
	g.mu.Unlock()
	if in == nil {
		return
	}
	nowUs, _ := g.conc.InstCnt()
	in.Publish(pkts, nowUs)
}

// onTxDone accounts a dispatched JIT entry.
func (g *Gateway) onTxDone(e *jit.Entry) {
	g.agg.UpdateGateway(func(c *stats.GatewayCounters) {
		if e.Err != nil {
			c.TxRejected++
			return
		}
		c.TxEmitted++
		if e.Class == jit.ClassBeacon {
			c.BeaconSent++
		}
	})
}

// ScheduleTx implements service.TxScheduler.
func (g *Gateway) ScheduleTx(pkt packet.TxPacket, class jit.Class) error {
	if int(pkt.RFChain) >= len(g.queues) {
		return jit.ErrTxParams
	}
	nowUs, err := g.conc.InstCnt()
	if err != nil {
		return errors.Wrap(err, "gateway: counter read error")
	}
	return g.queues[pkt.RFChain].Enqueue(nowUs, &jit.Entry{Pkt: pkt, Class: class})
}

// CounterNow implements service.TxScheduler.
func (g *Gateway) CounterNow() (uint32, error) {
	return g.conc.InstCnt()
}

// TmmsToCount implements service.TxScheduler.
func (g *Gateway) TmmsToCount(tmms uint64) (uint32, bool) {
	if g.timeSource == nil {
		return 0, false
	}
	ref, ok := g.timeSource.Tref()
	if !ok {
		return 0, false
	}
	return tmmsToCount(ref, tmms), true
}

// statBody builds the Semtech stat report from the current counters.
func (g *Gateway) statBody() *semtech.Stat {
	snap := g.agg.Snapshot()

	var fwd, ackOK, ackTotal, dwnb uint32
	for _, r := range snap.Services {
		fwd += r.Forwarded
		ackOK += r.AckOK
		ackTotal += r.AckOK + r.AckError
		dwnb += r.Downlinks
	}
	st := &semtech.Stat{
		Time: semtech.ExpandedTime(snap.Taken),
		RXNb: snap.Gateway.RxLoRa + snap.Gateway.RxFSK,
		RXOK: snap.Gateway.RxOK,
		RXFW: fwd,
		DWNb: dwnb,
		TXNb: snap.Gateway.TxEmitted,
	}
	if ackTotal > 0 {
		st.ACKR = float64(ackOK) * 100 / float64(ackTotal)
	}
	if g.timeSource != nil {
		if c, ok := g.timeSource.Coords(); ok {
			st.Lati = c.Latitude
			st.Long = c.Longitude
			st.Alti = c.Altitude
		}
	}
	return st
}

// reclaimLoop sweeps the reception list.
func (g *Gateway) reclaimLoop(ctx context.Context) {
	t := time.NewTicker(reclaimPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		nowUs, err := g.conc.InstCnt()
		if err != nil {
			continue
		}
		g.list.Reclaim(g.activeMask(), nowUs)
	}
}

// activeMask is the stamp bitmap of every enabled uplink-consuming
// service.
func (g *Gateway) activeMask() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var mask uint64
	for _, s := range g.services {
		if s.ConsumesUplink() {
			mask |= uint64(1) << s.Stamp
		}
	}
	return mask
}

// timersyncLoop keeps the extrapolated counter anchored.
func (g *Gateway) timersyncLoop(ctx context.Context) {
	heartbeat := g.registry.Register("timersync", KindTimersync, nil)
	t := time.NewTicker(timersyncPeriod)
	defer t.Stop()
	for {
		heartbeat()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if cs, ok := g.conc.(counterSyncer); ok {
			if err := cs.SyncCounter(); err != nil {
				log.WithError(err).Warning("gateway: counter sync error")
			}
		}
		if fake, ok := g.timeSource.(*FakeGPS); ok {
			if cnt, err := g.conc.InstCnt(); err == nil {
				fake.Update(cnt)
			}
		}
	}
}

// Wait blocks until a fatal condition is raised or the context used in
// Start is cancelled; it returns nil on clean cancellation.
func (g *Gateway) Wait(ctx context.Context) error {
	select {
	case err := <-g.fatalCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Stop tears everything down: services drain first, then the shared
// workers.
func (g *Gateway) Stop() {
	log.Info("gateway: stopping")
	for _, svc := range g.services {
		svc.Stop()
		g.registry.Unregister(svc.Name + "-up")
		g.registry.Unregister(svc.Name + "-down")
	}
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	log.Info("gateway: stopped")
}

// Stats exposes the aggregator.
func (g *Gateway) Stats() *stats.Aggregator {
	return g.agg
}

func (g *Gateway) raiseFatal(err error) {
	g.fatalOnce.Do(func() {
		select {
		case g.fatalCh <- err:
		default:
		}
	})
}
