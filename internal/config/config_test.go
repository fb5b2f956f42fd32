package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conf.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadGateway(t *testing.T) {
	path := writeFile(t, `{
		"gateway_conf": {
			"gateway_ID": "AA555A0000000101",
			"platform": "onehub",
			"description": "roof unit",
			"region": "EU",
			"beacon_period": 128,
			"unknown_key": {"ignored": true},
			"servers": [
				{
					"type": "semtech",
					"name": "ns-eu",
					"enabled": true,
					"addr": "router.example.org",
					"filters": {
						"devaddr": {"mode": "include", "values": ["01020304"]}
					}
				},
				{
					"type": "mqtt",
					"name": "broker",
					"enabled": true,
					"addr": "tcp://mqtt.example.org:1883",
					"port_up": 1883,
					"port_down": 1883,
					"fwd_valid_pkt": false,
					"fwd_error_pkt": true
				}
			]
		}
	}`)

	cfg, err := LoadGateway(path)
	require.NoError(t, err)

	id, err := cfg.ParseGatewayID()
	require.NoError(t, err)
	assert.Equal(t, [8]byte{0xAA, 0x55, 0x5A, 0, 0, 0, 1, 1}, id)

	require.Len(t, cfg.Servers, 2)
	s := cfg.Servers[0]
	assert.Equal(t, "semtech", s.Type)
	assert.Equal(t, DefaultPortUp, s.PortUp)
	assert.Equal(t, DefaultPortDown, s.PortDown)
	assert.Equal(t, DefaultPullInterval, s.PullInterval)
	assert.True(t, s.ForwardValid())
	assert.Equal(t, "include", s.Filters.DevAddr.Mode)
	assert.Equal(t, []string{"01020304"}, s.Filters.DevAddr.Values)

	m := cfg.Servers[1]
	assert.False(t, m.ForwardValid())
	assert.True(t, m.FwdErrorPkt)
	assert.Equal(t, 1883, m.PortUp)

	assert.Equal(t, uint32(DefaultTimeInterval), cfg.TimeInterval)
	assert.Equal(t, uint32(DefaultBeaconFreqHz), cfg.BeaconFreqHz)
}

func TestLoadGatewayBadID(t *testing.T) {
	path := writeFile(t, `{"gateway_conf": {"gateway_ID": "xyz"}}`)
	_, err := LoadGateway(path)
	assert.Error(t, err)
}

func TestLoadGatewayDuplicateServerName(t *testing.T) {
	path := writeFile(t, `{
		"gateway_conf": {
			"gateway_ID": "AA555A0000000101",
			"servers": [
				{"type": "semtech", "name": "dup", "enabled": true},
				{"type": "ttn", "name": "dup", "enabled": true}
			]
		}
	}`)
	_, err := LoadGateway(path)
	assert.Error(t, err)
}

func TestDisabledServersSkipValidation(t *testing.T) {
	path := writeFile(t, `{
		"gateway_conf": {
			"gateway_ID": "AA555A0000000101",
			"servers": [
				{"type": "semtech", "enabled": false}
			]
		}
	}`)
	_, err := LoadGateway(path)
	assert.NoError(t, err)
}

func TestLoadConcentrator(t *testing.T) {
	path := writeFile(t, `{
		"SX130x_conf": {
			"board": "sx1302",
			"rf_chains": 2,
			"tx_freq_min": 863000000,
			"tx_freq_max": 870000000,
			"tx_power_min": -6,
			"tx_power_max": 27
		}
	}`)
	cfg, err := LoadConcentrator(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.RFChains)
	assert.Equal(t, 32, cfg.NBPktMax())
	assert.NotEmpty(t, cfg.Concentratord.EventURL)

	sx1301 := Concentrator{Board: "SX1301"}
	assert.Equal(t, 16, sx1301.NBPktMax())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadGateway("/does/not/exist.json")
	assert.Error(t, err)
	_, err = LoadConcentrator("/does/not/exist.json")
	assert.Error(t, err)
}
