package service

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/onehub/pktfwd/internal/config"
	"github.com/onehub/pktfwd/internal/packet"
	"github.com/onehub/pktfwd/internal/semtech"
	"github.com/onehub/pktfwd/internal/storage"
)

// packetHandler is the local sink service: decoded packet summaries go to
// the SQLite database and the log. No network, no downlink.
type packetHandler struct {
	svc *Service
	db  *storage.DB
}

func newPacketHandler(s *Service, cfg *config.Server) (*packetHandler, error) {
	path := cfg.Addr
	if path == "" {
		path = "/var/lib/pktfwd/uplinks.db"
	}
	db, err := storage.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open packet sink error")
	}
	return &packetHandler{svc: s, db: db}, nil
}

// Caps implements Handler.
func (h *packetHandler) Caps() Caps {
	return Caps{Uplink: true}
}

// ForwardBatch implements Handler: one row per packet.
func (h *packetHandler) ForwardBatch(pkts []*packet.RxPacket) error {
	for _, p := range pkts {
		u := storage.NewUplink(p)
		if _, err := h.db.InsertUplink(u); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"dev_addr": u.DevAddr,
			"freq":     u.FreqHz,
			"datr":     u.Datarate,
			"size":     u.Size,
		}).Debug("service/pkt: uplink stored")
	}
	return nil
}

// SendStat implements Handler.
func (h *packetHandler) SendStat(*semtech.Stat) error { return nil }

// Keepalive implements Handler.
func (h *packetHandler) Keepalive() error { return nil }

// DownlinkStep implements Handler.
func (h *packetHandler) DownlinkStep(time.Duration) error { return nil }

// Reconnect implements Handler.
func (h *packetHandler) Reconnect() error { return nil }

// Close implements Handler.
func (h *packetHandler) Close() error {
	return h.db.Close()
}
