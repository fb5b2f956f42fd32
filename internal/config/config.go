// Package config loads the two JSON documents the gateway consumes: the
// gateway-level file (identity, beaconing, servers) and the
// concentrator-level file (board capabilities, Concentratord endpoints).
// Unknown keys are ignored in both.
package config

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Defaults.
const (
	DefaultPortUp       = 1700
	DefaultPortDown     = 1700
	DefaultPullInterval = 5  // seconds
	DefaultMaxStall     = 12 // missed pull cycles before STALLED
	DefaultTimeInterval = 30 // seconds between stat reports

	DefaultBeaconFreqHz    = 869525000
	DefaultBeaconFreqNb    = 1
	DefaultBeaconDatarate  = 9
	DefaultBeaconBwHz      = 125000
	DefaultBeaconPower     = 14
	DefaultBeaconInfodesc  = 0
)

// FilterRule is one field's filter config.
type FilterRule struct {
	Mode   string   `json:"mode"`
	Values []string `json:"values"`
}

// Filters groups the five filterable fields.
type Filters struct {
	FPort   FilterRule `json:"fport"`
	DevAddr FilterRule `json:"devaddr"`
	NetID   FilterRule `json:"netid"`
	DevEUI  FilterRule `json:"deveui"`
	JoinEUI FilterRule `json:"joineui"`
}

// Server describes one upstream service.
type Server struct {
	Type              string  `json:"type"`
	Name              string  `json:"name"`
	Enabled           bool    `json:"enabled"`
	Key               string  `json:"key"`
	Addr              string  `json:"addr"`
	PortUp            int     `json:"port_up"`
	PortDown          int     `json:"port_down"`
	PullInterval      int     `json:"pull_interval"`
	MaxStall          int     `json:"max_stall"`
	AutoquitThreshold uint32  `json:"autoquit_threshold"`
	FwdValidPkt       *bool   `json:"fwd_valid_pkt"`
	FwdErrorPkt       bool    `json:"fwd_error_pkt"`
	FwdNoCRCPkt       bool    `json:"fwd_nocrc_pkt"`
	Filters           Filters `json:"filters"`
}

// ForwardValid resolves the fwd_valid_pkt default (true when absent).
func (s *Server) ForwardValid() bool {
	if s.FwdValidPkt == nil {
		return true
	}
	return *s.FwdValidPkt
}

// Gateway is the gateway-level document.
type Gateway struct {
	GatewayID   string `json:"gateway_ID"`
	Platform    string `json:"platform"`
	Email       string `json:"email"`
	Description string `json:"description"`
	Region      string `json:"region"`

	BeaconPeriod   uint32 `json:"beacon_period"`
	BeaconFreqHz   uint32 `json:"beacon_freq_hz"`
	BeaconFreqNb   uint8  `json:"beacon_freq_nb"`
	BeaconFreqStep uint32 `json:"beacon_freq_step"`
	BeaconDatarate uint8  `json:"beacon_datarate"`
	BeaconBwHz     uint32 `json:"beacon_bw_hz"`
	BeaconPower    int8   `json:"beacon_power"`
	BeaconInfodesc uint8  `json:"beacon_infodesc"`

	TimeInterval      uint32 `json:"time_interval"`
	AutoquitThreshold uint32 `json:"autoquit_threshold"`

	GPSTTYPath   string  `json:"gps_tty_path"`
	FakeGPS      bool    `json:"fake_gps"`
	RefLatitude  float64 `json:"ref_latitude"`
	RefLongitude float64 `json:"ref_longitude"`
	RefAltitude  int32   `json:"ref_altitude"`

	WatchdogEnabled bool `json:"wd_enabled"`

	MAC2DB bool   `json:"mac2db"`
	DBPath string `json:"dbpath"`

	Servers []Server `json:"servers"`
}

type gatewayDoc struct {
	GatewayConf Gateway `json:"gateway_conf"`
}

// Concentratord holds the ZMQ endpoints.
type Concentratord struct {
	EventURL   string `json:"event_url"`
	CommandURL string `json:"command_url"`
}

// Concentrator is the concentrator-level document.
type Concentrator struct {
	Board        string        `json:"board"`
	RFChains     int           `json:"rf_chains"`
	TxFreqMinHz  uint32        `json:"tx_freq_min"`
	TxFreqMaxHz  uint32        `json:"tx_freq_max"`
	TxPowerMin   int8          `json:"tx_power_min"`
	TxPowerMax   int8          `json:"tx_power_max"`
	Concentratord Concentratord `json:"concentratord"`
}

type concentratorDoc struct {
	SX130xConf Concentrator `json:"SX130x_conf"`
}

// NBPktMax returns the board's per-fetch packet limit.
func (c *Concentrator) NBPktMax() int {
	if strings.EqualFold(c.Board, "sx1301") {
		return 16
	}
	return 32
}

// LoadGateway reads and validates the gateway-level file.
func LoadGateway(path string) (*Gateway, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read gateway file error")
	}
	var doc gatewayDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "config: parse gateway file error")
	}
	cfg := doc.GatewayConf
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConcentrator reads and validates the concentrator-level file.
func LoadConcentrator(path string) (*Concentrator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read concentrator file error")
	}
	var doc concentratorDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "config: parse concentrator file error")
	}
	cfg := doc.SX130xConf
	if cfg.RFChains <= 0 {
		cfg.RFChains = 1
	}
	if cfg.Concentratord.EventURL == "" {
		cfg.Concentratord.EventURL = "ipc:///tmp/concentratord_event"
	}
	if cfg.Concentratord.CommandURL == "" {
		cfg.Concentratord.CommandURL = "ipc:///tmp/concentratord_command"
	}
	return &cfg, nil
}

func (g *Gateway) applyDefaults() {
	if g.TimeInterval == 0 {
		g.TimeInterval = DefaultTimeInterval
	}
	if g.BeaconFreqHz == 0 {
		g.BeaconFreqHz = DefaultBeaconFreqHz
	}
	if g.BeaconFreqNb == 0 {
		g.BeaconFreqNb = DefaultBeaconFreqNb
	}
	if g.BeaconDatarate == 0 {
		g.BeaconDatarate = DefaultBeaconDatarate
	}
	if g.BeaconBwHz == 0 {
		g.BeaconBwHz = DefaultBeaconBwHz
	}
	if g.BeaconPower == 0 {
		g.BeaconPower = DefaultBeaconPower
	}
	for i := range g.Servers {
		s := &g.Servers[i]
		if s.PortUp == 0 {
			s.PortUp = DefaultPortUp
		}
		if s.PortDown == 0 {
			s.PortDown = DefaultPortDown
		}
		if s.PullInterval <= 0 {
			s.PullInterval = DefaultPullInterval
		}
		if s.MaxStall <= 0 {
			s.MaxStall = DefaultMaxStall
		}
		if s.AutoquitThreshold == 0 {
			s.AutoquitThreshold = g.AutoquitThreshold
		}
	}
}

func (g *Gateway) validate() error {
	if _, err := g.ParseGatewayID(); err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for i := range g.Servers {
		s := &g.Servers[i]
		if !s.Enabled {
			continue
		}
		if s.Name == "" {
			return errors.Errorf("config: server %d has no name", i)
		}
		if _, dup := seen[s.Name]; dup {
			return errors.Errorf("config: duplicate server name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// ParseGatewayID decodes the 16-hex-char gateway identifier.
func (g *Gateway) ParseGatewayID() ([8]byte, error) {
	var id [8]byte
	raw, err := hex.DecodeString(strings.TrimSpace(g.GatewayID))
	if err != nil || len(raw) != 8 {
		return id, errors.Errorf("config: gateway_ID must be 16 hex characters, got %q", g.GatewayID)
	}
	copy(id[:], raw)
	return id, nil
}
