// Package filter evaluates per-service forwarding rules over the decoded
// fields of a LoRaWAN PHY payload. The decode is minimal: MHDR, the frame
// header and join-request EUIs. No MIC check, no decryption.
package filter

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
)

// Mode selects how a rule treats oracle membership.
type Mode uint8

// Modes.
const (
	None Mode = iota
	Include
	Exclude
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Include:
		return "include"
	case Exclude:
		return "exclude"
	default:
		return "unknown"
	}
}

// ParseMode understands both the textual and the legacy numeric config
// forms (0 none, 1 exclude, 2 include).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "0":
		return None, nil
	case "exclude", "1":
		return Exclude, nil
	case "include", "2":
		return Include, nil
	}
	return None, errors.Errorf("filter: unknown mode %q", s)
}

// Oracle answers membership questions for one field. Values use the
// canonical forms produced by this package (upper-case hex, decimal for
// FPort).
type Oracle interface {
	Contains(value string) bool
}

// ListOracle is a static in-memory oracle.
type ListOracle map[string]struct{}

// NewListOracle canonicalizes and indexes the given values.
func NewListOracle(values []string) ListOracle {
	o := make(ListOracle, len(values))
	for _, v := range values {
		o[canonical(v)] = struct{}{}
	}
	return o
}

// Contains implements Oracle.
func (o ListOracle) Contains(value string) bool {
	_, ok := o[canonical(value)]
	return ok
}

func canonical(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

// Rule pairs a mode with its oracle. A nil oracle behaves as an empty set.
type Rule struct {
	Mode   Mode
	Oracle Oracle
}

// pass applies the rule to a field value. present reports whether the
// field could be decoded at all; absent fields skip the rule (fail-open).
func (r Rule) pass(value string, present bool) bool {
	if r.Mode == None || !present {
		return true
	}
	found := r.Oracle != nil && r.Oracle.Contains(value)
	if r.Mode == Include {
		return found
	}
	return !found
}

// Set is the per-service filter configuration.
type Set struct {
	FPort   Rule
	DevAddr Rule
	NetID   Rule
	DevEUI  Rule
	JoinEUI Rule
}

// Enabled reports whether any rule is active.
func (s *Set) Enabled() bool {
	return s.FPort.Mode != None || s.DevAddr.Mode != None ||
		s.NetID.Mode != None || s.DevEUI.Mode != None || s.JoinEUI.Mode != None
}

// Fields are the values a minimal PHY decode can surface. Nil pointers
// mean the field is not present in this frame type.
type Fields struct {
	FPort   *uint8
	DevAddr *lorawan.DevAddr
	NwkID   []byte
	DevEUI  *lorawan.EUI64
	JoinEUI *lorawan.EUI64
}

// DecodeFields runs the minimal PHY decode.
func DecodeFields(phy []byte) (Fields, error) {
	var f Fields

	var p lorawan.PHYPayload
	if err := p.UnmarshalBinary(phy); err != nil {
		return f, errors.Wrap(err, "filter: unmarshal phy payload error")
	}

	switch mp := p.MACPayload.(type) {
	case *lorawan.MACPayload:
		addr := mp.FHDR.DevAddr
		f.DevAddr = &addr
		f.NwkID = addr.NwkID()
		f.FPort = mp.FPort
	case *lorawan.JoinRequestPayload:
		devEUI := mp.DevEUI
		joinEUI := mp.JoinEUI
		f.DevEUI = &devEUI
		f.JoinEUI = &joinEUI
	default:
		return f, errors.Errorf("filter: unhandled mac payload %T", p.MACPayload)
	}
	return f, nil
}

// Verdict is the outcome of an evaluation.
type Verdict struct {
	Pass         bool
	DecodeFailed bool
}

// Evaluate applies every active rule to the PHY payload. Rules combine as
// a logical AND; a frame that fails to decode passes with DecodeFailed
// set, so the caller can account for it.
func (s *Set) Evaluate(phy []byte) Verdict {
	if !s.Enabled() {
		return Verdict{Pass: true}
	}

	fields, err := DecodeFields(phy)
	if err != nil {
		return Verdict{Pass: true, DecodeFailed: true}
	}

	pass := true

	if fields.FPort != nil {
		pass = pass && s.FPort.pass(strconv.Itoa(int(*fields.FPort)), true)
	} else {
		pass = pass && s.FPort.pass("", false)
	}

	if fields.DevAddr != nil {
		pass = pass && s.DevAddr.pass(strings.ToUpper(hex.EncodeToString(fields.DevAddr[:])), true)
	} else {
		pass = pass && s.DevAddr.pass("", false)
	}

	if fields.NwkID != nil {
		pass = pass && s.NetID.pass(strings.ToUpper(hex.EncodeToString(fields.NwkID)), true)
	} else {
		pass = pass && s.NetID.pass("", false)
	}

	if fields.DevEUI != nil {
		pass = pass && s.DevEUI.pass(strings.ToUpper(hex.EncodeToString(fields.DevEUI[:])), true)
	} else {
		pass = pass && s.DevEUI.pass("", false)
	}

	if fields.JoinEUI != nil {
		pass = pass && s.JoinEUI.pass(strings.ToUpper(hex.EncodeToString(fields.JoinEUI[:])), true)
	} else {
		pass = pass && s.JoinEUI.pass("", false)
	}

	return Verdict{Pass: pass}
}
