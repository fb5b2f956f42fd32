package service

import (
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/onehub/pktfwd/internal/config"
	"github.com/onehub/pktfwd/internal/packet"
	"github.com/onehub/pktfwd/internal/semtech"
)

// delayHandler is the ghost-stream service: it listens for PUSH_DATA
// frames from a peer gateway and injects their packets into the local
// reception list after a fixed delay, as if the radio had heard them.
// It never consumes local uplinks.
type delayHandler struct {
	svc   *Service
	bind  string
	conn  *net.UDPConn
	delay time.Duration
}

func newDelayHandler(s *Service, cfg *config.Server) (*delayHandler, error) {
	h := &delayHandler{
		svc:  s,
		bind: fmt.Sprintf("%s:%d", cfg.Addr, cfg.PortDown),
		// pull_interval doubles as the injection delay for this type
		delay: time.Duration(cfg.PullInterval) * time.Second,
	}
	if err := h.listen(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *delayHandler) listen() error {
	addr, err := net.ResolveUDPAddr("udp", h.bind)
	if err != nil {
		return errors.Wrap(err, "resolve ghost addr error")
	}
	h.conn, err = net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrap(err, "listen ghost socket error")
	}
	return nil
}

// Caps implements Handler: downlink worker only, driving the listener.
func (h *delayHandler) Caps() Caps {
	return Caps{Downlink: true}
}

// ForwardBatch implements Handler.
func (h *delayHandler) ForwardBatch([]*packet.RxPacket) error { return nil }

// SendStat implements Handler.
func (h *delayHandler) SendStat(*semtech.Stat) error { return nil }

// Keepalive implements Handler.
func (h *delayHandler) Keepalive() error { return nil }

// DownlinkStep implements Handler: one receive on the ghost socket.
func (h *delayHandler) DownlinkStep(timeout time.Duration) error {
	buf := make([]byte, 65507)
	h.conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := h.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return errors.Wrap(err, "ghost socket read error")
	}

	var push semtech.PushDataPacket
	if err := push.UnmarshalBinary(buf[:n]); err != nil {
		h.svc.ll.WithError(err).Debug("service/delay: undecodable ghost frame")
		return nil
	}
	h.svc.health.MarkContact()

	var pkts []packet.RxPacket
	for i := range push.Payload.RXPK {
		p, err := rxPacketFromRXPK(&push.Payload.RXPK[i])
		if err != nil {
			h.svc.ll.WithError(err).Debug("service/delay: bad rxpk in ghost frame")
			continue
		}
		pkts = append(pkts, p)
	}
	if len(pkts) == 0 {
		return nil
	}

	// re-publish after the configured delay
	go func() {
		t := time.NewTimer(h.delay)
		defer t.Stop()
		select {
		case <-h.svc.stop:
			return
		case <-t.C:
		}
		if h.svc.env.Reinject != nil {
			h.svc.env.Reinject(pkts)
			h.svc.ll.WithField("count", len(pkts)).Debug("service/delay: ghost packets injected")
		}
	}()
	return nil
}

// Reconnect implements Handler.
func (h *delayHandler) Reconnect() error {
	h.conn.Close()
	return h.listen()
}

// Close implements Handler.
func (h *delayHandler) Close() error {
	return h.conn.Close()
}

// rxPacketFromRXPK rebuilds a radio packet from its JSON representation.
func rxPacketFromRXPK(rx *semtech.RXPK) (packet.RxPacket, error) {
	var p packet.RxPacket

	data, err := base64.StdEncoding.DecodeString(rx.Data)
	if err != nil {
		return p, errors.Wrap(err, "decode rxpk data error")
	}

	p.FreqHz = uint32(rx.Freq*1e6 + 0.5)
	p.IFChain = rx.Chan
	p.RFChain = rx.RFCh
	p.RSSIS = float32(rx.RSSI)
	p.RSSIC = float32(rx.RSSI)
	p.SNR = float32(rx.LSNR)
	p.CountUs = rx.Tmst
	p.Payload = data

	switch rx.Stat {
	case 1:
		p.CRC = packet.CRCOK
	case -1:
		p.CRC = packet.CRCBad
	default:
		p.CRC = packet.CRCNone
	}

	switch rx.Modu {
	case "FSK":
		p.Modulation = packet.ModFSK
		p.FSKDatarate = rx.DatR.FSK
	default:
		p.Modulation = packet.ModLoRa
		var tx packet.TxPacket
		if err := tx.ParseDatr(rx.DatR.LoRa); err != nil {
			return p, err
		}
		p.SpreadingFactor = tx.SpreadingFactor
		p.Bandwidth = tx.Bandwidth
		if rx.CodR != "" {
			if cr, err := packet.ParseCodeRate(rx.CodR); err == nil {
				p.CodeRate = cr
			}
		}
	}
	return p, nil
}
