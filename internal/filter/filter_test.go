package filter

import (
	"testing"

	"github.com/brocaar/lorawan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataUpFrame(t *testing.T, devAddr lorawan.DevAddr, fPort uint8) []byte {
	t.Helper()
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.UnconfirmedDataUp,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.MACPayload{
			FHDR:  lorawan.FHDR{DevAddr: devAddr},
			FPort: &fPort,
		},
	}
	b, err := phy.MarshalBinary()
	require.NoError(t, err)
	return b
}

func joinRequestFrame(t *testing.T, joinEUI, devEUI lorawan.EUI64) []byte {
	t.Helper()
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.JoinRequest,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.JoinRequestPayload{
			JoinEUI:  joinEUI,
			DevEUI:   devEUI,
			DevNonce: 258,
		},
	}
	b, err := phy.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestEmptySetPassesEverything(t *testing.T) {
	var s Set
	v := s.Evaluate([]byte{0xFF})
	assert.True(t, v.Pass)
	assert.False(t, v.DecodeFailed)
}

func TestDevAddrIncludeExclude(t *testing.T) {
	addr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	frame := dataUpFrame(t, addr, 10)

	include := Set{DevAddr: Rule{Mode: Include, Oracle: NewListOracle([]string{"01020304"})}}
	assert.True(t, include.Evaluate(frame).Pass, "include with match must forward")

	exclude := Set{DevAddr: Rule{Mode: Exclude, Oracle: NewListOracle([]string{"01020304"})}}
	assert.False(t, exclude.Evaluate(frame).Pass, "exclude with match must drop")

	other := Set{DevAddr: Rule{Mode: Include, Oracle: NewListOracle([]string{"AABBCCDD"})}}
	assert.False(t, other.Evaluate(frame).Pass, "include without match must drop")
}

func TestFPortRule(t *testing.T) {
	frame := dataUpFrame(t, lorawan.DevAddr{1, 2, 3, 4}, 10)

	s := Set{FPort: Rule{Mode: Include, Oracle: NewListOracle([]string{"10"})}}
	assert.True(t, s.Evaluate(frame).Pass)

	s = Set{FPort: Rule{Mode: Include, Oracle: NewListOracle([]string{"11"})}}
	assert.False(t, s.Evaluate(frame).Pass)
}

func TestJoinRequestEUIRules(t *testing.T) {
	joinEUI := lorawan.EUI64{0, 1, 2, 3, 4, 5, 6, 7}
	devEUI := lorawan.EUI64{8, 9, 10, 11, 12, 13, 14, 15}
	frame := joinRequestFrame(t, joinEUI, devEUI)

	s := Set{DevEUI: Rule{Mode: Include, Oracle: NewListOracle([]string{"08090A0B0C0D0E0F"})}}
	assert.True(t, s.Evaluate(frame).Pass)

	s = Set{JoinEUI: Rule{Mode: Exclude, Oracle: NewListOracle([]string{"0001020304050607"})}}
	assert.False(t, s.Evaluate(frame).Pass)

	// DevAddr rule is skipped for join requests; no DevAddr is present
	s = Set{DevAddr: Rule{Mode: Include, Oracle: NewListOracle([]string{"01020304"})}}
	assert.True(t, s.Evaluate(frame).Pass)
}

func TestConflictingRulesDrop(t *testing.T) {
	addr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	frame := dataUpFrame(t, addr, 10)

	// DevAddr include matches, FPort include does not: AND drops
	s := Set{
		DevAddr: Rule{Mode: Include, Oracle: NewListOracle([]string{"01020304"})},
		FPort:   Rule{Mode: Include, Oracle: NewListOracle([]string{"99"})},
	}
	assert.False(t, s.Evaluate(frame).Pass)
}

func TestDecodeFailureFailsOpen(t *testing.T) {
	s := Set{DevAddr: Rule{Mode: Exclude, Oracle: NewListOracle([]string{"01020304"})}}
	v := s.Evaluate([]byte{0x01, 0x02})
	assert.True(t, v.Pass, "undecodable frames forward by default")
	assert.True(t, v.DecodeFailed)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		err  bool
	}{
		{"", None, false},
		{"none", None, false},
		{"0", None, false},
		{"include", Include, false},
		{"2", Include, false},
		{"EXCLUDE", Exclude, false},
		{"1", Exclude, false},
		{"bogus", None, true},
	}
	for _, tt := range tests {
		m, err := ParseMode(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, m, tt.in)
	}
}
