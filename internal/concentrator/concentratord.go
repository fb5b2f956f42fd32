package concentrator

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/onehub/pktfwd/internal/packet"
)

// ConcentratordConfig holds the ZMQ endpoints and board capabilities of a
// Concentratord instance.
type ConcentratordConfig struct {
	EventURL   string // SUB socket for uplink/stats events
	CommandURL string // REQ socket for commands

	RFChainCount int
	TxFreqMinHz  uint32
	TxFreqMaxHz  uint32
	TxPowerMin   int8
	TxPowerMax   int8

	// EventBuffer bounds the uplink frames held between Receive calls.
	EventBuffer int
}

// DefaultConcentratordConfig returns EU868-shaped defaults.
func DefaultConcentratordConfig() ConcentratordConfig {
	return ConcentratordConfig{
		EventURL:     "ipc:///tmp/concentratord_event",
		CommandURL:   "ipc:///tmp/concentratord_command",
		RFChainCount: 1,
		TxFreqMinHz:  863000000,
		TxFreqMaxHz:  870000000,
		TxPowerMin:   -6,
		TxPowerMax:   27,
		EventBuffer:  64,
	}
}

// Concentratord drives a radio board through the Concentratord ZMQ API:
// uplinks arrive on a SUB socket, commands (downlink, counter, gateway id)
// go through a REQ socket. The command socket is serialized by a mutex;
// there is one physical concentrator behind it.
type Concentratord struct {
	cfg       ConcentratordConfig
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	cmdMu      sync.Mutex
	downlinkID uint32
	gatewayID  [8]byte

	// counter anchor: concentrator count_us sampled at anchorTime
	anchorMu   sync.Mutex
	anchorCnt  uint32
	anchorTime time.Time

	events chan packet.RxPacket
}

// NewConcentratord connects both sockets and starts the event loop.
func NewConcentratord(cfg ConcentratordConfig) (*Concentratord, error) {
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Concentratord{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan packet.RxPacket, cfg.EventBuffer),
	}

	d.eventSock = zmq4.NewSub(ctx)
	if err := d.eventSock.Dial(cfg.EventURL); err != nil {
		cancel()
		return nil, errors.Wrap(err, "concentrator: dial event socket error")
	}
	if err := d.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		d.eventSock.Close()
		return nil, errors.Wrap(err, "concentrator: subscribe error")
	}

	d.cmdSock = zmq4.NewReq(ctx)
	if err := d.cmdSock.Dial(cfg.CommandURL); err != nil {
		cancel()
		d.eventSock.Close()
		return nil, errors.Wrap(err, "concentrator: dial command socket error")
	}

	if err := d.fetchGatewayID(); err != nil {
		log.WithError(err).Warning("concentrator: gateway id request failed")
	}
	if err := d.syncCounter(); err != nil {
		log.WithError(err).Warning("concentrator: counter sync failed")
	}

	d.wg.Add(1)
	go d.eventLoop()

	log.WithFields(log.Fields{
		"event_url":   cfg.EventURL,
		"command_url": cfg.CommandURL,
	}).Info("concentrator: concentratord driver started")

	return d, nil
}

// GatewayID returns the 8-byte identifier reported by the board.
func (d *Concentratord) GatewayID() [8]byte {
	return d.gatewayID
}

// Receive implements Concentrator by draining buffered uplink events.
func (d *Concentratord) Receive(max int) ([]packet.RxPacket, error) {
	var out []packet.RxPacket
	for len(out) < max {
		select {
		case p := <-d.events:
			out = append(out, p)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Send implements Concentrator.
func (d *Concentratord) Send(pkt packet.TxPacket) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.downlinkID++
	id := d.downlinkID

	frame := marshalDownlink(id, &pkt)
	if err := d.cmdSock.Send(zmq4.NewMsgFrom([]byte("down"), frame)); err != nil {
		return errors.Wrap(err, "concentrator: send downlink command error")
	}
	resp, err := d.cmdSock.Recv()
	if err != nil {
		return errors.Wrap(err, "concentrator: receive tx ack error")
	}
	if len(resp.Frames) == 0 {
		return errors.New("concentrator: empty tx ack")
	}
	ackID, status, err := unmarshalTxAck(resp.Frames[0])
	if err != nil {
		return err
	}
	if ackID != id {
		return errors.Errorf("concentrator: tx ack id mismatch: sent %d, acked %d", id, ackID)
	}
	if status != txAckOK {
		return errors.Errorf("concentrator: tx rejected by board, status %d", status)
	}
	return nil
}

// Status implements Concentrator. Concentratord acks synchronously, so a
// chain never stays externally observable as scheduled.
func (d *Concentratord) Status(uint8) (TxStatus, error) {
	return TxFree, nil
}

// InstCnt implements Concentrator. The counter is extrapolated from the
// last anchor sample and re-anchored on every uplink event and periodic
// sync, bounding drift to well under a millisecond.
func (d *Concentratord) InstCnt() (uint32, error) {
	d.anchorMu.Lock()
	defer d.anchorMu.Unlock()
	if d.anchorTime.IsZero() {
		return 0, errors.New("concentrator: counter not synchronized")
	}
	elapsed := time.Since(d.anchorTime).Microseconds()
	return d.anchorCnt + uint32(elapsed), nil
}

// TimeOnAir implements Concentrator.
func (d *Concentratord) TimeOnAir(pkt *packet.TxPacket) time.Duration {
	return pkt.TimeOnAir()
}

// FreqRange implements Concentrator.
func (d *Concentratord) FreqRange(uint8) (uint32, uint32) {
	return d.cfg.TxFreqMinHz, d.cfg.TxFreqMaxHz
}

// PowerRange implements Concentrator.
func (d *Concentratord) PowerRange(uint8) (int8, int8) {
	return d.cfg.TxPowerMin, d.cfg.TxPowerMax
}

// RFChains implements Concentrator.
func (d *Concentratord) RFChains() int {
	if d.cfg.RFChainCount == 0 {
		return 1
	}
	return d.cfg.RFChainCount
}

// Close implements Concentrator.
func (d *Concentratord) Close() error {
	d.cancel()
	d.wg.Wait()
	d.eventSock.Close()
	d.cmdSock.Close()
	log.Info("concentrator: concentratord driver stopped")
	return nil
}

// SyncCounter re-anchors the extrapolated counter; the gateway's timer
// sync loop calls this periodically.
func (d *Concentratord) SyncCounter() error {
	return d.syncCounter()
}

func (d *Concentratord) fetchGatewayID() error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	if err := d.cmdSock.Send(zmq4.NewMsgFrom([]byte("gateway_id"), []byte{})); err != nil {
		return errors.Wrap(err, "concentrator: send gateway_id command error")
	}
	resp, err := d.cmdSock.Recv()
	if err != nil {
		return errors.Wrap(err, "concentrator: receive gateway_id error")
	}
	if len(resp.Frames) == 0 || len(resp.Frames[0]) < 8 {
		return errors.New("concentrator: short gateway_id response")
	}
	copy(d.gatewayID[:], resp.Frames[0][:8])
	return nil
}

func (d *Concentratord) syncCounter() error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	if err := d.cmdSock.Send(zmq4.NewMsgFrom([]byte("counter"), []byte{})); err != nil {
		return errors.Wrap(err, "concentrator: send counter command error")
	}
	resp, err := d.cmdSock.Recv()
	if err != nil {
		return errors.Wrap(err, "concentrator: receive counter error")
	}
	if len(resp.Frames) == 0 || len(resp.Frames[0]) < 4 {
		return errors.New("concentrator: short counter response")
	}
	cnt := binary.LittleEndian.Uint32(resp.Frames[0][:4])

	d.anchorMu.Lock()
	d.anchorCnt = cnt
	d.anchorTime = time.Now()
	d.anchorMu.Unlock()
	return nil
}

func (d *Concentratord) eventLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		msg, err := d.eventSock.Recv()
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			continue
		}
		if len(msg.Frames) < 2 {
			continue
		}

		switch string(msg.Frames[0]) {
		case "up":
			p, err := unmarshalUplink(msg.Frames[1])
			if err != nil {
				log.WithError(err).Error("concentrator: unmarshal uplink event error")
				continue
			}
			// every uplink carries a fresh counter sample
			d.anchorMu.Lock()
			d.anchorCnt = p.CountUs
			d.anchorTime = time.Now()
			d.anchorMu.Unlock()

			select {
			case d.events <- p:
			default:
				log.Warning("concentrator: event buffer full, uplink dropped")
			}
		case "stats":
			// board statistics are sampled elsewhere
		default:
			log.WithField("type", string(msg.Frames[0])).Debug("concentrator: ignoring event")
		}
	}
}
