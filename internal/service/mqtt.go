package service

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/onehub/pktfwd/internal/config"
	"github.com/onehub/pktfwd/internal/jit"
	"github.com/onehub/pktfwd/internal/packet"
	"github.com/onehub/pktfwd/internal/semtech"
)

const mqttConnectTimeout = 5 * time.Second

// mqttDownlink is the JSON document expected on the command topic. It
// reuses the txpk layout so existing tooling can publish downlinks.
type mqttDownlink struct {
	TXPK semtech.TXPK `json:"txpk"`
}

// mqttTxAck is published after every downlink attempt.
type mqttTxAck struct {
	Error string `json:"error"`
}

// mqttHandler publishes one uplink event per packet and subscribes for
// downlink commands, ChirpStack-bridge topic style.
type mqttHandler struct {
	svc    *Service
	client mqtt.Client

	topicUp   string
	topicDown string
	topicAck  string
	topicStat string

	downlinks chan []byte
}

func newMQTTHandler(s *Service, cfg *config.Server) (*mqttHandler, error) {
	gwID := hex.EncodeToString(s.env.GatewayID[:])
	h := &mqttHandler{
		svc:       s,
		topicUp:   fmt.Sprintf("gateway/%s/event/up", gwID),
		topicDown: fmt.Sprintf("gateway/%s/command/down", gwID),
		topicAck:  fmt.Sprintf("gateway/%s/event/ack", gwID),
		topicStat: fmt.Sprintf("gateway/%s/event/stats", gwID),
		downlinks: make(chan []byte, 8),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Addr).
		SetClientID(fmt.Sprintf("pktfwd-%s-%s", gwID, uuid.NewString()[:8])).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			s.health.MarkContact()
			if token := c.Subscribe(h.topicDown, 0, h.onDownlink); token.Wait() && token.Error() != nil {
				s.ll.WithError(token.Error()).Error("service/mqtt: subscribe error")
			}
		})
	if cfg.Key != "" {
		opts.SetUsername(gwID).SetPassword(cfg.Key)
	}

	h.client = mqtt.NewClient(opts)
	if token := h.client.Connect(); token.WaitTimeout(mqttConnectTimeout) && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "mqtt connect error")
	}
	return h, nil
}

func (h *mqttHandler) onDownlink(_ mqtt.Client, msg mqtt.Message) {
	select {
	case h.downlinks <- msg.Payload():
	default:
		h.svc.ll.Warning("service/mqtt: downlink queue full, command dropped")
	}
}

// Caps implements Handler. MQTT has its own keepalive; no PULL_DATA.
func (h *mqttHandler) Caps() Caps {
	return Caps{Uplink: true, Downlink: true}
}

// ForwardBatch implements Handler: one event per packet.
func (h *mqttHandler) ForwardBatch(pkts []*packet.RxPacket) error {
	if !h.client.IsConnected() {
		return errors.New("mqtt client not connected")
	}
	for _, p := range pkts {
		body, err := json.Marshal(semtech.NewRXPK(p))
		if err != nil {
			return errors.Wrap(err, "marshal uplink event error")
		}
		token := h.client.Publish(h.topicUp, 0, false, body)
		if token.WaitTimeout(pushTimeout) && token.Error() != nil {
			return errors.Wrap(token.Error(), "publish uplink event error")
		}
	}
	h.svc.health.MarkContact()
	return nil
}

// SendStat implements Handler.
func (h *mqttHandler) SendStat(st *semtech.Stat) error {
	if !h.client.IsConnected() {
		return errors.New("mqtt client not connected")
	}
	body, err := json.Marshal(st)
	if err != nil {
		return err
	}
	token := h.client.Publish(h.topicStat, 0, false, body)
	if token.WaitTimeout(pushTimeout) && token.Error() != nil {
		return errors.Wrap(token.Error(), "publish stats error")
	}
	return nil
}

// Keepalive implements Handler; the MQTT client pings on its own.
func (h *mqttHandler) Keepalive() error {
	return nil
}

// DownlinkStep implements Handler: wait for one queued command.
func (h *mqttHandler) DownlinkStep(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case body := <-h.downlinks:
		h.handleDownlink(body)
	case <-t.C:
	}
	return nil
}

func (h *mqttHandler) handleDownlink(body []byte) {
	var cmd mqttDownlink
	if err := json.Unmarshal(body, &cmd); err != nil {
		h.svc.ll.WithError(err).Warning("service/mqtt: bad downlink command")
		return
	}

	ackErr := "NONE"
	tx, err := semtech.TxPacketFromTXPK(&cmd.TXPK)
	if err != nil {
		h.svc.ll.WithError(err).Warning("service/mqtt: bad txpk")
		ackErr = "TX_ERROR"
	} else {
		class := jit.ClassA
		if cmd.TXPK.Imme {
			class = jit.ClassC
		}
		ackErr = h.svc.ScheduleDownlink(tx, class)
	}

	ack, _ := json.Marshal(mqttTxAck{Error: ackErr})
	token := h.client.Publish(h.topicAck, 0, false, ack)
	token.WaitTimeout(pushTimeout)
}

// Reconnect implements Handler; paho reconnects internally, so just probe.
func (h *mqttHandler) Reconnect() error {
	if h.client.IsConnected() {
		h.svc.health.MarkContact()
		return nil
	}
	token := h.client.Connect()
	if token.WaitTimeout(mqttConnectTimeout) && token.Error() != nil {
		return errors.Wrap(token.Error(), "mqtt reconnect error")
	}
	return nil
}

// Close implements Handler.
func (h *mqttHandler) Close() error {
	h.client.Disconnect(250)
	return nil
}
