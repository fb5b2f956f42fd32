package service

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/onehub/pktfwd/internal/config"
	"github.com/onehub/pktfwd/internal/jit"
	"github.com/onehub/pktfwd/internal/packet"
	"github.com/onehub/pktfwd/internal/semtech"
	"github.com/onehub/pktfwd/internal/stats"
)

// pushTimeout bounds the wait for a PUSH_ACK after a PUSH_DATA.
const pushTimeout = 100 * time.Millisecond

// semtechHandler speaks the packet-forwarder UDP protocol. The TTN
// service type is the same wire protocol against a different backend, so
// both share this handler.
type semtechHandler struct {
	svc  *Service
	addr string
	up   string // host:port for the uplink socket
	down string // host:port for the downlink socket

	upConn   *net.UDPConn // owned by the uplink worker
	downConn *net.UDPConn // owned by the downlink worker

	lastPushAt time.Time
}

func newSemtechHandler(s *Service, cfg *config.Server) (*semtechHandler, error) {
	h := &semtechHandler{
		svc:  s,
		addr: cfg.Addr,
		up:   fmt.Sprintf("%s:%d", cfg.Addr, cfg.PortUp),
		down: fmt.Sprintf("%s:%d", cfg.Addr, cfg.PortDown),
	}
	if err := h.dial(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *semtechHandler) dial() error {
	upAddr, err := net.ResolveUDPAddr("udp", h.up)
	if err != nil {
		return errors.Wrap(err, "resolve uplink addr error")
	}
	downAddr, err := net.ResolveUDPAddr("udp", h.down)
	if err != nil {
		return errors.Wrap(err, "resolve downlink addr error")
	}
	if h.upConn, err = net.DialUDP("udp", nil, upAddr); err != nil {
		return errors.Wrap(err, "dial uplink socket error")
	}
	if h.downConn, err = net.DialUDP("udp", nil, downAddr); err != nil {
		h.upConn.Close()
		return errors.Wrap(err, "dial downlink socket error")
	}
	return nil
}

// Caps implements Handler.
func (h *semtechHandler) Caps() Caps {
	return Caps{Uplink: true, Downlink: true, Keepalive: true}
}

// ForwardBatch implements Handler: one PUSH_DATA per batch.
func (h *semtechHandler) ForwardBatch(pkts []*packet.RxPacket) error {
	p := semtech.PushDataPacket{
		RandomToken: uint16(rand.Intn(1 << 16)),
		GatewayMAC:  h.svc.env.GatewayID,
	}
	for _, rx := range pkts {
		p.Payload.RXPK = append(p.Payload.RXPK, semtech.NewRXPK(rx))
	}
	return h.push(&p)
}

// SendStat implements Handler.
func (h *semtechHandler) SendStat(st *semtech.Stat) error {
	p := semtech.PushDataPacket{
		RandomToken: uint16(rand.Intn(1 << 16)),
		GatewayMAC:  h.svc.env.GatewayID,
		Payload:     semtech.PushDataPayload{Stat: st},
	}
	return h.push(&p)
}

func (h *semtechHandler) push(p *semtech.PushDataPacket) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	sent := time.Now()
	if err := h.upConn.SetWriteDeadline(time.Now().Add(pushTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline error")
	}
	if _, err := h.upConn.Write(b); err != nil {
		return errors.Wrap(err, "push data write error")
	}
	h.lastPushAt = sent

	// PUSH_ACK is best effort; its absence is accounting, not failure
	buf := make([]byte, 1024)
	h.upConn.SetReadDeadline(time.Now().Add(pushTimeout))
	n, err := h.upConn.Read(buf)
	if err != nil {
		h.svc.env.Stats.UpdateService(h.svc.Name, func(r *stats.Report) { r.AckError++ })
		return nil
	}
	var ack semtech.PushACKPacket
	if err := ack.UnmarshalBinary(buf[:n]); err != nil || ack.RandomToken != p.RandomToken {
		h.svc.env.Stats.UpdateService(h.svc.Name, func(r *stats.Report) { r.AckError++ })
		return nil
	}
	rtt := time.Since(sent)
	h.svc.env.Stats.UpdateService(h.svc.Name, func(r *stats.Report) {
		r.AckOK++
		r.RTTLastMs = uint32(rtt.Milliseconds())
	})
	h.svc.health.MarkContact()
	return nil
}

// Keepalive implements Handler: the PULL_DATA heartbeat on the downlink
// socket.
func (h *semtechHandler) Keepalive() error {
	p := semtech.PullDataPacket{
		RandomToken: uint16(rand.Intn(1 << 16)),
		GatewayMAC:  h.svc.env.GatewayID,
	}
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	h.downConn.SetWriteDeadline(time.Now().Add(pushTimeout))
	if _, err := h.downConn.Write(b); err != nil {
		return errors.Wrap(err, "pull data write error")
	}
	return nil
}

// DownlinkStep implements Handler: one receive on the downlink socket.
func (h *semtechHandler) DownlinkStep(timeout time.Duration) error {
	buf := make([]byte, 65507)
	h.downConn.SetReadDeadline(time.Now().Add(timeout))
	n, err := h.downConn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return errors.Wrap(err, "downlink read error")
	}

	pt, err := semtech.GetPacketType(buf[:n])
	if err != nil {
		h.svc.ll.WithError(err).Debug("service/semtech: undecodable datagram")
		return nil
	}

	switch pt {
	case semtech.PullACK:
		h.svc.health.MarkContact()
	case semtech.PullResp:
		var resp semtech.PullRespPacket
		if err := resp.UnmarshalBinary(buf[:n]); err != nil {
			h.svc.ll.WithError(err).Warning("service/semtech: unmarshal pull resp error")
			return nil
		}
		h.svc.health.MarkContact()
		h.handlePullResp(&resp)
	default:
		h.svc.ll.WithField("type", pt.String()).Debug("service/semtech: unexpected datagram")
	}
	return nil
}

// handlePullResp turns a txpk into a JIT job and always answers with a
// TX_ACK carrying the scheduling outcome.
func (h *semtechHandler) handlePullResp(resp *semtech.PullRespPacket) {
	ackErr := "NONE"

	tx, err := semtech.TxPacketFromTXPK(&resp.Payload.TXPK)
	if err != nil {
		h.svc.ll.WithError(err).Warning("service/semtech: bad txpk")
		ackErr = "TX_ERROR"
	} else {
		class := jit.ClassA
		if resp.Payload.TXPK.Imme {
			class = jit.ClassC
		}
		if tx.Mode == packet.TxOnPPS {
			// translate GPS time into a counter target
			cnt, ok := h.svc.env.Scheduler.TmmsToCount(*resp.Payload.TXPK.Tmms)
			if !ok {
				ackErr = "GPS_UNLOCKED"
			} else {
				tx.Mode = packet.TxTimestamped
				tx.CountUs = cnt
				class = jit.ClassB
			}
		}
		if ackErr == "NONE" {
			ackErr = h.svc.ScheduleDownlink(tx, class)
		}
	}

	ack := semtech.TXACKPacket{
		RandomToken: resp.RandomToken,
		GatewayMAC:  h.svc.env.GatewayID,
	}
	if ackErr != "NONE" {
		ack.Payload = &semtech.TXACKPayload{TXPKACK: semtech.TXPKACK{Error: ackErr}}
	}
	b, err := ack.MarshalBinary()
	if err != nil {
		h.svc.ll.WithError(err).Error("service/semtech: marshal tx ack error")
		return
	}
	h.downConn.SetWriteDeadline(time.Now().Add(pushTimeout))
	if _, err := h.downConn.Write(b); err != nil {
		h.svc.ll.WithError(err).Warning("service/semtech: tx ack write error")
	}
	log.WithFields(log.Fields{
		"token": resp.RandomToken,
		"error": ackErr,
	}).Debug("service/semtech: tx ack sent")
}

// Reconnect implements Handler.
func (h *semtechHandler) Reconnect() error {
	h.upConn.Close()
	h.downConn.Close()
	return h.dial()
}

// Close implements Handler.
func (h *semtechHandler) Close() error {
	h.upConn.Close()
	h.downConn.Close()
	return nil
}
