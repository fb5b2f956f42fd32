package service

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/onehub/pktfwd/internal/config"
	"github.com/onehub/pktfwd/internal/jit"
	"github.com/onehub/pktfwd/internal/packet"
	"github.com/onehub/pktfwd/internal/relay"
	"github.com/onehub/pktfwd/internal/semtech"
)

// relayHandler bridges the radio to a relay peer over UDP using the
// compact binary protocol: uplinks go out as relay uplink packets,
// downlink packets come back with a count_us target.
type relayHandler struct {
	svc  *Service
	up   string
	down string

	upConn   *net.UDPConn
	downConn *net.UDPConn
}

func newRelayHandler(s *Service, cfg *config.Server) (*relayHandler, error) {
	h := &relayHandler{
		svc:  s,
		up:   fmt.Sprintf("%s:%d", cfg.Addr, cfg.PortUp),
		down: fmt.Sprintf("%s:%d", cfg.Addr, cfg.PortDown),
	}
	if err := h.dial(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *relayHandler) dial() error {
	upAddr, err := net.ResolveUDPAddr("udp", h.up)
	if err != nil {
		return errors.Wrap(err, "resolve relay uplink addr error")
	}
	downAddr, err := net.ResolveUDPAddr("udp", h.down)
	if err != nil {
		return errors.Wrap(err, "resolve relay downlink addr error")
	}
	if h.upConn, err = net.DialUDP("udp", nil, upAddr); err != nil {
		return errors.Wrap(err, "dial relay uplink socket error")
	}
	if h.downConn, err = net.DialUDP("udp", nil, downAddr); err != nil {
		h.upConn.Close()
		return errors.Wrap(err, "dial relay downlink socket error")
	}
	return nil
}

// Caps implements Handler. The relay protocol has no keepalive.
func (h *relayHandler) Caps() Caps {
	return Caps{Uplink: true, Downlink: true}
}

// ForwardBatch implements Handler: one relay uplink per packet.
func (h *relayHandler) ForwardBatch(pkts []*packet.RxPacket) error {
	for _, p := range pkts {
		if len(p.Payload) > relay.MaxPHYPayloadLen {
			h.svc.ll.WithField("size", len(p.Payload)).Warning("service/relay: payload over relay cap, skipped")
			continue
		}
		up := relay.UplinkPacket{
			UplinkID: relay.NewID(),
			DataRate: drFromSF(p.SpreadingFactor),
			RSSI:     clampI8(p.RSSIS),
			SNR:      clampSNR(p.SNR),
			Channel:  p.IFChain,
			Payload:  p.Payload,
		}
		b, err := up.MarshalBinary()
		if err != nil {
			return errors.Wrap(err, "marshal relay uplink error")
		}
		h.upConn.SetWriteDeadline(time.Now().Add(pushTimeout))
		if _, err := h.upConn.Write(b); err != nil {
			return errors.Wrap(err, "relay uplink write error")
		}
	}
	return nil
}

// SendStat implements Handler; the relay protocol has no stat report.
func (h *relayHandler) SendStat(*semtech.Stat) error {
	return nil
}

// Keepalive implements Handler.
func (h *relayHandler) Keepalive() error {
	return nil
}

// DownlinkStep implements Handler.
func (h *relayHandler) DownlinkStep(timeout time.Duration) error {
	buf := make([]byte, 512)
	h.downConn.SetReadDeadline(time.Now().Add(timeout))
	n, err := h.downConn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return errors.Wrap(err, "relay downlink read error")
	}

	pt, err := relay.PayloadTypeOf(buf[:n])
	if err != nil {
		h.svc.ll.WithError(err).Debug("service/relay: undecodable datagram")
		return nil
	}

	switch pt {
	case relay.DownlinkType:
		var dn relay.DownlinkPacket
		if err := dn.UnmarshalBinary(buf[:n]); err != nil {
			h.svc.ll.WithError(err).Warning("service/relay: unmarshal downlink error")
			return nil
		}
		h.svc.health.MarkContact()
		h.handleDownlink(&dn)
	case relay.EventType:
		var ev relay.EventPacket
		if err := ev.UnmarshalBinary(buf[:n]); err != nil {
			h.svc.ll.WithError(err).Warning("service/relay: unmarshal event error")
			return nil
		}
		h.svc.health.MarkContact()
		h.svc.ll.WithFields(map[string]interface{}{
			"event_id": ev.EventID,
			"kind":     ev.Kind,
		}).Info("service/relay: event received")
	default:
		h.svc.ll.Debug("service/relay: ignoring uplink-typed datagram")
	}
	return nil
}

func (h *relayHandler) handleDownlink(dn *relay.DownlinkPacket) {
	tx := packet.TxPacket{
		FreqHz:          dn.Frequency,
		Mode:            packet.TxTimestamped,
		CountUs:         dn.CountUs,
		Power:           int8(dn.TxPower) * 2, // 4-bit power index, 2 dB steps
		Modulation:      packet.ModLoRa,
		Bandwidth:       125000,
		SpreadingFactor: sfFromDR(dn.DataRate),
		CodeRate:        packet.CR45,
		InvertPol:       true,
		Payload:         dn.Payload,
	}
	ackErr := h.svc.ScheduleDownlink(tx, jit.ClassA)
	if ackErr != "NONE" {
		// surface the rejection as an error event toward the relay
		ev := relay.EventPacket{
			EventID: dn.DwlinkID,
			Kind:    relay.EventError,
			Payload: []byte(ackErr),
		}
		if b, err := ev.MarshalBinary(); err == nil {
			h.downConn.SetWriteDeadline(time.Now().Add(pushTimeout))
			h.downConn.Write(b)
		}
	}
}

// Reconnect implements Handler.
func (h *relayHandler) Reconnect() error {
	h.upConn.Close()
	h.downConn.Close()
	return h.dial()
}

// Close implements Handler.
func (h *relayHandler) Close() error {
	h.upConn.Close()
	h.downConn.Close()
	return nil
}

// drFromSF maps a spreading factor onto the EU868 datarate index.
func drFromSF(sf uint8) uint8 {
	if sf < 7 {
		return 6
	}
	if sf > 12 {
		return 0
	}
	return 12 - sf
}

// sfFromDR is the inverse of drFromSF.
func sfFromDR(dr uint8) uint8 {
	if dr >= 6 {
		return 7
	}
	return 12 - dr
}

func clampI8(v float32) int8 {
	if v < -128 {
		return -128
	}
	if v > 127 {
		return 127
	}
	return int8(v)
}

func clampSNR(v float32) int8 {
	if v < -32 {
		return -32
	}
	if v > 31 {
		return 31
	}
	return int8(v)
}
