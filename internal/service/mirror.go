package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/onehub/pktfwd/internal/config"
	"github.com/onehub/pktfwd/internal/packet"
	"github.com/onehub/pktfwd/internal/semtech"
)

// mirrorHandler is the gwtraf service: it broadcasts every forwarded
// packet as JSON to connected websocket subscribers. Pure observer — no
// downlink path and no keepalive.
type mirrorHandler struct {
	svc      *Service
	server   *http.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]*websocket.Conn
}

func newMirrorHandler(s *Service, cfg *config.Server) (*mirrorHandler, error) {
	h := &mirrorHandler{
		svc:  s,
		subs: make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/traffic", h.serveTraffic)

	bind := cfg.Addr
	if bind == "" {
		bind = "0.0.0.0"
	}
	h.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", bind, cfg.PortUp),
		Handler: mux,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.ll.WithError(err).Error("service/gwtraf: listener error")
		}
	}()

	return h, nil
}

func (h *mirrorHandler) serveTraffic(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.svc.ll.WithError(err).Warning("service/gwtraf: websocket upgrade error")
		return
	}
	id := uuid.NewString()
	h.mu.Lock()
	h.subs[id] = conn
	h.mu.Unlock()
	h.svc.ll.WithField("subscriber", id).Info("service/gwtraf: subscriber connected")

	// drain (and ignore) client frames to notice disconnects
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(id)
				return
			}
		}
	}()
}

func (h *mirrorHandler) drop(id string) {
	h.mu.Lock()
	conn, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		conn.Close()
		h.svc.ll.WithField("subscriber", id).Info("service/gwtraf: subscriber disconnected")
	}
}

// Caps implements Handler.
func (h *mirrorHandler) Caps() Caps {
	return Caps{Uplink: true}
}

// ForwardBatch implements Handler: broadcast each packet to every
// subscriber.
func (h *mirrorHandler) ForwardBatch(pkts []*packet.RxPacket) error {
	h.mu.Lock()
	conns := make(map[string]*websocket.Conn, len(h.subs))
	for id, c := range h.subs {
		conns[id] = c
	}
	h.mu.Unlock()

	if len(conns) == 0 {
		return nil
	}

	for _, p := range pkts {
		body, err := json.Marshal(semtech.NewRXPK(p))
		if err != nil {
			return errors.Wrap(err, "marshal traffic frame error")
		}
		for id, conn := range conns {
			conn.SetWriteDeadline(time.Now().Add(pushTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				h.drop(id)
			}
		}
	}
	return nil
}

// SendStat implements Handler: stats also go to subscribers.
func (h *mirrorHandler) SendStat(st *semtech.Stat) error {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.subs))
	for _, c := range h.subs {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	body, err := json.Marshal(st)
	if err != nil {
		return err
	}
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(pushTimeout))
		conn.WriteMessage(websocket.TextMessage, body)
	}
	return nil
}

// Keepalive implements Handler.
func (h *mirrorHandler) Keepalive() error { return nil }

// DownlinkStep implements Handler.
func (h *mirrorHandler) DownlinkStep(time.Duration) error { return nil }

// Reconnect implements Handler.
func (h *mirrorHandler) Reconnect() error { return nil }

// Close implements Handler.
func (h *mirrorHandler) Close() error {
	h.mu.Lock()
	for id, conn := range h.subs {
		conn.Close()
		delete(h.subs, id)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return h.server.Shutdown(ctx)
}
