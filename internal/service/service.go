// Package service implements the per-service runtime: an uplink worker and
// a downlink worker per upstream sink, sharing the filtering, retry,
// health and accounting machinery across service types.
package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/onehub/pktfwd/internal/config"
	"github.com/onehub/pktfwd/internal/filter"
	"github.com/onehub/pktfwd/internal/jit"
	"github.com/onehub/pktfwd/internal/packet"
	"github.com/onehub/pktfwd/internal/rxpkts"
	"github.com/onehub/pktfwd/internal/semtech"
	"github.com/onehub/pktfwd/internal/stats"
)

// Runtime constants.
const (
	// MaxBackoff bounds the exponential send backoff.
	MaxBackoff = 4000 * time.Millisecond

	// uplinkIdleSleep bounds the uplink worker's wait on its semaphore so
	// stop flags are observed promptly.
	uplinkIdleSleep = 200 * time.Millisecond

	// downlinkStepCap bounds one downlink receive so cancellation is
	// observed within a second even with long pull intervals.
	downlinkStepCap = time.Second
)

// Type tags an upstream service implementation.
type Type uint8

// Service types.
const (
	TypeSemtech Type = iota
	TypeTTN
	TypeMQTT
	TypeRelay
	TypeTrafficMirror
	TypeDelay
	TypePacket
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeSemtech:
		return "semtech"
	case TypeTTN:
		return "ttn"
	case TypeMQTT:
		return "mqtt"
	case TypeRelay:
		return "relay"
	case TypeTrafficMirror:
		return "gwtraf"
	case TypeDelay:
		return "delay"
	case TypePacket:
		return "pkt"
	default:
		return "unknown"
	}
}

// ParseType maps the configuration tag to a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "semtech":
		return TypeSemtech, nil
	case "ttn":
		return TypeTTN, nil
	case "mqtt":
		return TypeMQTT, nil
	case "relay":
		return TypeRelay, nil
	case "gwtraf", "mirror":
		return TypeTrafficMirror, nil
	case "delay":
		return TypeDelay, nil
	case "pkt", "packet":
		return TypePacket, nil
	}
	return 0, errors.Errorf("service: unknown type %q", s)
}

// TxScheduler is the downlink path handlers schedule into.
type TxScheduler interface {
	// ScheduleTx enqueues a job; the error is a jit sentinel suitable for
	// jit.AckError.
	ScheduleTx(pkt packet.TxPacket, class jit.Class) error

	// CounterNow samples the concentrator microsecond counter.
	CounterNow() (uint32, error)

	// TmmsToCount translates GPS time (ms since GPS epoch) into a counter
	// value. ok is false without a valid time reference.
	TmmsToCount(tmms uint64) (uint32, bool)
}

// Env is the gateway-side wiring shared by all services.
type Env struct {
	GatewayID [8]byte
	List      *rxpkts.List
	Stats     *stats.Aggregator
	Scheduler TxScheduler

	// StatBody builds the current Semtech stat report.
	StatBody func() *semtech.Stat

	// StatInterval is the stat report cadence; zero disables reports.
	StatInterval time.Duration

	// Reinject feeds packets into the reception pipeline (the delay
	// service uses it for packets heard from a peer gateway).
	Reinject func(pkts []packet.RxPacket)
}

// Caps declares which workers a handler needs.
type Caps struct {
	Uplink    bool
	Downlink  bool
	Keepalive bool
}

// Handler is the per-type capability surface. A type implements the
// codec and transport; the Service runtime owns scheduling, filtering,
// health and retry around it.
type Handler interface {
	// ForwardBatch ships already-filtered packets upstream.
	ForwardBatch(pkts []*packet.RxPacket) error

	// DownlinkStep performs one bounded receive/dispatch cycle. Returning
	// nil on timeout is expected; errors are transport failures.
	DownlinkStep(timeout time.Duration) error

	// Keepalive emits the protocol keepalive, when the type has one.
	Keepalive() error

	// SendStat publishes a gateway status report, when the type has one.
	SendStat(st *semtech.Stat) error

	// Reconnect tears down and re-establishes the transport after DEAD.
	Reconnect() error

	Close() error
	Caps() Caps
}

// Service binds a descriptor, its handler and its two workers.
type Service struct {
	Type  Type
	Name  string
	Stamp uint8
	Key   string

	Filter   filter.Set
	FwdValid bool
	FwdError bool
	FwdNoCRC bool

	PullInterval time.Duration
	MaxStall     int
	Autoquit     uint32

	env     Env
	handler Handler
	health  *Health
	ll      *log.Entry

	sema  chan struct{}
	stop  chan struct{}
	fatal chan struct{}

	fatalOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	lastStat time.Time

	// UplinkHeartbeat and DownlinkHeartbeat feed the watchdog.
	UplinkHeartbeat   func()
	DownlinkHeartbeat func()
}

// New builds a service from its configuration. The stamp bit is assigned
// by the coordinator and must be unique among enabled services.
func New(cfg *config.Server, stamp uint8, env Env) (*Service, error) {
	typ, err := ParseType(cfg.Type)
	if err != nil {
		return nil, err
	}

	fset, err := buildFilterSet(&cfg.Filters)
	if err != nil {
		return nil, errors.Wrapf(err, "service %q", cfg.Name)
	}

	s := &Service{
		Type:         typ,
		Name:         cfg.Name,
		Stamp:        stamp,
		Key:          cfg.Key,
		Filter:       fset,
		FwdValid:     cfg.ForwardValid(),
		FwdError:     cfg.FwdErrorPkt,
		FwdNoCRC:     cfg.FwdNoCRCPkt,
		PullInterval: time.Duration(cfg.PullInterval) * time.Second,
		MaxStall:     cfg.MaxStall,
		Autoquit:     cfg.AutoquitThreshold,
		env:          env,
		sema:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		fatal:        make(chan struct{}),
		ll: log.WithFields(log.Fields{
			"service": cfg.Name,
			"type":    typ.String(),
		}),
	}
	s.health = NewHealth(s.PullInterval, s.MaxStall)

	h, err := s.buildHandler(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "service %q", cfg.Name)
	}
	s.handler = h

	env.Stats.RegisterService(cfg.Name)
	return s, nil
}

func (s *Service) buildHandler(cfg *config.Server) (Handler, error) {
	switch s.Type {
	case TypeSemtech, TypeTTN:
		return newSemtechHandler(s, cfg)
	case TypeMQTT:
		return newMQTTHandler(s, cfg)
	case TypeRelay:
		return newRelayHandler(s, cfg)
	case TypeTrafficMirror:
		return newMirrorHandler(s, cfg)
	case TypeDelay:
		return newDelayHandler(s, cfg)
	case TypePacket:
		return newPacketHandler(s, cfg)
	}
	return nil, errors.Errorf("service: no handler for type %v", s.Type)
}

// Start launches the workers the handler's capabilities ask for.
func (s *Service) Start(ctx context.Context) {
	caps := s.handler.Caps()
	s.health.MarkConnecting()

	if caps.Uplink {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.uplinkLoop(ctx)
		}()
	}
	if caps.Downlink || caps.Keepalive {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.downlinkLoop(ctx)
		}()
	}
	s.ll.Info("service: started")
}

// Stop signals both workers and waits for them to acknowledge.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	if err := s.handler.Close(); err != nil {
		s.ll.WithError(err).Warning("service: handler close error")
	}
	s.ll.Info("service: stopped")
}

// Notify kicks the uplink worker; the ingest path calls it after
// publishing a batch.
func (s *Service) Notify() {
	select {
	case s.sema <- struct{}{}:
	default:
	}
}

// Fatal is closed when the service hits its autoquit threshold.
func (s *Service) Fatal() <-chan struct{} {
	return s.fatal
}

// Health exposes the liveness block.
func (s *Service) Health() *Health {
	return s.health
}

// ConsumesUplink reports whether this service claims reception batches;
// the coordinator uses it to build the reclamation mask.
func (s *Service) ConsumesUplink() bool {
	return s.handler.Caps().Uplink
}

func (s *Service) raiseFatal() {
	s.fatalOnce.Do(func() {
		s.ll.Error("service: autoquit threshold reached")
		close(s.fatal)
	})
}

// uplinkLoop walks the reception list, claims unconsumed batches and
// forwards the surviving packets.
func (s *Service) uplinkLoop(ctx context.Context) {
	s.ll.Debug("service: uplink worker started")
	defer s.ll.Debug("service: uplink worker stopped")

	backoff := newBackoff(MaxBackoff)

	for {
		if s.UplinkHeartbeat != nil {
			s.UplinkHeartbeat()
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.sema:
		case <-time.After(uplinkIdleSleep):
		}

		s.processBatches(ctx, backoff)

		if s.env.StatInterval > 0 && time.Since(s.lastStat) >= s.env.StatInterval {
			s.lastStat = time.Now()
			if st := s.statBody(); st != nil {
				if err := s.handler.SendStat(st); err != nil {
					s.ll.WithError(err).Warning("service: stat report error")
				}
			}
		}
	}
}

func (s *Service) statBody() *semtech.Stat {
	if s.env.StatBody == nil {
		return nil
	}
	return s.env.StatBody()
}

func (s *Service) processBatches(ctx context.Context, backoff *backoff) {
	for _, b := range s.env.List.OldestFirst() {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		if !b.Claim(s.Stamp) {
			continue
		}

		fwd := s.selectPackets(b.Packets)
		if len(fwd) == 0 {
			continue
		}

		// at-most-once toward the peer: the stamp stays claimed even when
		// the send fails
		if err := s.handler.ForwardBatch(fwd); err != nil {
			s.health.MarkSendError()
			s.ll.WithError(err).WithField("count", len(fwd)).Warning("service: upstream send error")
			backoff.Sleep(ctx, s.stop)
			continue
		}
		backoff.Reset()
		s.env.Stats.UpdateService(s.Name, func(r *stats.Report) {
			r.Forwarded += uint32(len(fwd))
		})
	}
}

// selectPackets applies the CRC policy gates and the filter engine.
func (s *Service) selectPackets(pkts []packet.RxPacket) []*packet.RxPacket {
	var fwd []*packet.RxPacket
	for i := range pkts {
		p := &pkts[i]
		s.env.Stats.UpdateService(s.Name, func(r *stats.Report) { r.Received++ })

		switch p.CRC {
		case packet.CRCOK:
			if !s.FwdValid {
				continue
			}
		case packet.CRCBad:
			if !s.FwdError {
				s.env.Stats.UpdateService(s.Name, func(r *stats.Report) { r.DroppedCRCBad++ })
				continue
			}
		default:
			if !s.FwdNoCRC {
				s.env.Stats.UpdateService(s.Name, func(r *stats.Report) { r.DroppedNoCRC++ })
				continue
			}
		}

		v := s.Filter.Evaluate(p.Payload)
		if v.DecodeFailed {
			s.env.Stats.UpdateService(s.Name, func(r *stats.Report) { r.DecodeFailed++ })
		}
		if !v.Pass {
			s.env.Stats.UpdateService(s.Name, func(r *stats.Report) {
				r.Filtered++
				r.DroppedFilter++
			})
			continue
		}

		fwd = append(fwd, p)
	}
	return fwd
}

// downlinkLoop drives the receive path, the keepalive cadence and the
// liveness state machine.
func (s *Service) downlinkLoop(ctx context.Context) {
	s.ll.Debug("service: downlink worker started")
	defer s.ll.Debug("service: downlink worker stopped")

	caps := s.handler.Caps()
	reconnect := newBackoff(MaxBackoff)

	var nextKeepalive time.Time
	if caps.Keepalive {
		nextKeepalive = time.Now()
	}

	for {
		if s.DownlinkHeartbeat != nil {
			s.DownlinkHeartbeat()
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		if caps.Keepalive && !nextKeepalive.After(time.Now()) {
			s.health.MarkKeepaliveSent()
			if err := s.handler.Keepalive(); err != nil {
				s.ll.WithError(err).Warning("service: keepalive send error")
			}
			nextKeepalive = time.Now().Add(s.PullInterval)
		}

		if caps.Downlink {
			timeout := s.PullInterval
			if timeout <= 0 || timeout > downlinkStepCap {
				timeout = downlinkStepCap
			}
			if err := s.handler.DownlinkStep(timeout); err != nil {
				s.health.MarkSendError()
				s.ll.WithError(err).Debug("service: downlink receive error")
			}
		} else {
			sleepOrStop(ctx, s.stop, downlinkStepCap)
		}

		switch s.health.Evaluate() {
		case StateDead:
			s.ll.Warning("service: peer dead, reconnecting")
			if err := s.handler.Reconnect(); err != nil {
				s.ll.WithError(err).Error("service: reconnect error")
				reconnect.Sleep(ctx, s.stop)
			} else {
				reconnect.Reset()
				s.health.MarkConnecting()
			}
		case StateStalled:
			s.ll.Debug("service: peer stalled")
		}

		if s.Autoquit > 0 && s.health.TotalMissed() >= s.Autoquit {
			s.raiseFatal()
			return
		}
	}
}

// ScheduleDownlink runs a decoded transmit job through the JIT queue and
// returns the TX_ACK error string ("NONE" on success). Handlers share it.
func (s *Service) ScheduleDownlink(p packet.TxPacket, class jit.Class) string {
	err := s.env.Scheduler.ScheduleTx(p, class)
	ack := jit.AckError(err)
	s.env.Stats.UpdateService(s.Name, func(r *stats.Report) {
		r.Downlinks++
		if err != nil {
			r.AckError++
		} else {
			r.AckOK++
		}
	})
	if err != nil {
		s.ll.WithFields(log.Fields{
			"error":    ack,
			"count_us": p.CountUs,
			"freq":     p.FreqHz,
		}).Warning("service: downlink rejected")
	}
	return ack
}

func buildFilterSet(f *config.Filters) (filter.Set, error) {
	var set filter.Set
	rules := []struct {
		src *config.FilterRule
		dst *filter.Rule
	}{
		{&f.FPort, &set.FPort},
		{&f.DevAddr, &set.DevAddr},
		{&f.NetID, &set.NetID},
		{&f.DevEUI, &set.DevEUI},
		{&f.JoinEUI, &set.JoinEUI},
	}
	for _, r := range rules {
		mode, err := filter.ParseMode(r.src.Mode)
		if err != nil {
			return set, err
		}
		r.dst.Mode = mode
		if mode != filter.None {
			r.dst.Oracle = filter.NewListOracle(r.src.Values)
		}
	}
	return set, nil
}

func sleepOrStop(ctx context.Context, stop <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-stop:
	case <-t.C:
	}
}

// backoff implements bounded exponential retry delays.
type backoff struct {
	cur time.Duration
	max time.Duration
}

func newBackoff(max time.Duration) *backoff {
	return &backoff{cur: 0, max: max}
}

func (b *backoff) Sleep(ctx context.Context, stop <-chan struct{}) {
	if b.cur == 0 {
		b.cur = 50 * time.Millisecond
	} else {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	sleepOrStop(ctx, stop, b.cur)
}

func (b *backoff) Reset() {
	b.cur = 0
}
